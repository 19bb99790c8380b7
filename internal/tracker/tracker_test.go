// Contextd - Context-Threshold Process Supervisor
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/contextd

package tracker

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/tomtom215/contextd/internal/config"
	"github.com/tomtom215/contextd/internal/logging"
)

func testTrackerConfig(root string) config.TrackerConfig {
	return config.TrackerConfig{
		LogRoot:          root,
		WindowCapacity:   200000,
		FixedOverhead:    38000,
		ThresholdPercent: 65.0,
		HardLimitPercent: 77.5,
	}
}

func newTestTracker(t *testing.T) (*Tracker, string) {
	t.Helper()
	root := t.TempDir()
	return New(testTrackerConfig(root), logging.Logger()), root
}

func writeLog(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func usageLine(in, out, cacheRead, cacheCreate int64) string {
	return fmt.Sprintf(
		`{"type":"assistant","message":{"usage":{"input_tokens":%d,"output_tokens":%d,"cache_read_input_tokens":%d,"cache_creation_input_tokens":%d}}}`+"\n",
		in, out, cacheRead, cacheCreate,
	)
}

func TestUtilizationFormula(t *testing.T) {
	tr, root := newTestTracker(t)
	path := filepath.Join(root, "sess-1.jsonl")
	writeLog(t, path, usageLine(50000, 20000, 10000, 5000))

	tr.ingest(path)

	snap, ok := tr.Utilization("sess-1")
	if !ok {
		t.Fatal("no snapshot for sess-1")
	}
	// used = 50000+10000+5000+20000+38000 = 123000; 100*123000/200000 = 61.5
	if snap.Percent != 61.5 {
		t.Errorf("percent = %v, want 61.5", snap.Percent)
	}
}

func TestThresholdMarginBelowHardLimit(t *testing.T) {
	cfg := testTrackerConfig(t.TempDir())
	tr := New(cfg, logging.Logger())

	// At the default threshold, used = 65% of 200000 = 130000 tokens; at the
	// documented hard limit, used = 155000. The threshold must stay strictly
	// below the hard limit.
	atThreshold := Usage{TokensIn: 130000 - cfg.FixedOverhead}
	if got := tr.percentFor(atThreshold); got != 65 {
		t.Errorf("percent at threshold usage = %v, want 65", got)
	}
	atHardLimit := Usage{TokensIn: 155000 - cfg.FixedOverhead}
	if got := tr.percentFor(atHardLimit); got != 77.5 {
		t.Errorf("percent at hard-limit usage = %v, want 77.5", got)
	}
	if cfg.ThresholdPercent >= cfg.HardLimitPercent {
		t.Error("threshold must be strictly below the hard limit")
	}
}

func TestLastUsageRecordWins(t *testing.T) {
	tr, root := newTestTracker(t)
	path := filepath.Join(root, "sess-2.jsonl")
	// Cumulative counts: the newer record supersedes, it is not summed.
	writeLog(t, path,
		usageLine(1000, 100, 0, 0)+
			usageLine(5000, 800, 2000, 0))

	tr.ingest(path)

	snap, _ := tr.Utilization("sess-2")
	if snap.Usage.TokensIn != 5000 {
		t.Errorf("tokens_in = %d, want 5000 (last record, not sum)", snap.Usage.TokensIn)
	}
	if snap.Usage.CacheRead != 2000 {
		t.Errorf("cache_read = %d, want 2000", snap.Usage.CacheRead)
	}
}

func TestMalformedLinesAreSkipped(t *testing.T) {
	tr, root := newTestTracker(t)
	path := filepath.Join(root, "sess-3.jsonl")
	writeLog(t, path,
		usageLine(1000, 100, 0, 0)+
			"{not json at all\n"+
			usageLine(2000, 200, 0, 0))

	tr.ingest(path)

	snap, ok := tr.Utilization("sess-3")
	if !ok {
		t.Fatal("malformed line should not be fatal")
	}
	if snap.Usage.TokensIn != 2000 {
		t.Errorf("tokens_in = %d, want 2000 from the record after the bad line", snap.Usage.TokensIn)
	}
}

func TestFileWithoutUsageReportsZero(t *testing.T) {
	tr, root := newTestTracker(t)
	path := filepath.Join(root, "sess-4.jsonl")
	writeLog(t, path, `{"type":"system","message":"session started"}`+"\n")

	tr.ingest(path)

	snap, ok := tr.Utilization("sess-4")
	if !ok {
		t.Fatal("expected a snapshot for a usage-less file")
	}
	if snap.Percent != 0 {
		t.Errorf("percent = %v, want 0 for file with no usage records", snap.Percent)
	}
}

func TestIncrementalReadAcrossAppends(t *testing.T) {
	tr, root := newTestTracker(t)
	path := filepath.Join(root, "sess-5.jsonl")

	writeLog(t, path, usageLine(1000, 100, 0, 0))
	tr.ingest(path)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString(usageLine(3000, 300, 0, 0)); err != nil {
		t.Fatal(err)
	}
	f.Close()
	tr.ingest(path)

	snap, _ := tr.Utilization("sess-5")
	if snap.Usage.TokensIn != 3000 {
		t.Errorf("tokens_in = %d, want 3000 after append", snap.Usage.TokensIn)
	}
}

func TestPartialLineBuffered(t *testing.T) {
	tr, root := newTestTracker(t)
	path := filepath.Join(root, "sess-6.jsonl")

	full := usageLine(4000, 400, 0, 0)
	half := len(full) / 2
	writeLog(t, path, full[:half])
	tr.ingest(path)

	if snap, _ := tr.Utilization("sess-6"); snap.Usage.TokensIn != 0 {
		t.Errorf("partial line must not be parsed, got tokens_in = %d", snap.Usage.TokensIn)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString(full[half:]); err != nil {
		t.Fatal(err)
	}
	f.Close()
	tr.ingest(path)

	snap, _ := tr.Utilization("sess-6")
	if snap.Usage.TokensIn != 4000 {
		t.Errorf("tokens_in = %d, want 4000 after line completed", snap.Usage.TokensIn)
	}
}

func TestTruncationResetsOffset(t *testing.T) {
	tr, root := newTestTracker(t)
	path := filepath.Join(root, "sess-7.jsonl")

	writeLog(t, path, usageLine(9000, 900, 0, 0)+usageLine(9500, 950, 0, 0))
	tr.ingest(path)

	// Shrink the file: the tracker must restart from offset zero.
	writeLog(t, path, usageLine(100, 10, 0, 0))
	tr.ingest(path)

	snap, _ := tr.Utilization("sess-7")
	if snap.Usage.TokensIn != 100 {
		t.Errorf("tokens_in = %d, want 100 after truncation re-parse", snap.Usage.TokensIn)
	}
}

func TestPeakRetainedWhenPercentDrops(t *testing.T) {
	tr, root := newTestTracker(t)
	path := filepath.Join(root, "sess-8.jsonl")

	writeLog(t, path, usageLine(100000, 10000, 0, 0))
	tr.ingest(path)
	first, _ := tr.Utilization("sess-8")

	// A truncated-and-rewritten log can legitimately report lower counts.
	writeLog(t, path, usageLine(1000, 100, 0, 0))
	tr.ingest(path)

	snap, _ := tr.Utilization("sess-8")
	if snap.Peak != first.Percent {
		t.Errorf("peak = %v, want %v retained from the earlier high-water mark", snap.Peak, first.Percent)
	}
	if snap.Percent >= first.Percent {
		t.Errorf("percent = %v should have dropped below %v", snap.Percent, first.Percent)
	}
}

func TestSubscribersNotified(t *testing.T) {
	tr, root := newTestTracker(t)

	var newSessions []string
	var updates []Snapshot
	tr.SubscribeSessions(func(key string) { newSessions = append(newSessions, key) })
	id := tr.SubscribeUsage(func(_ uint64, _ string, snap Snapshot) { updates = append(updates, snap) })

	path := filepath.Join(root, "sess-9.jsonl")
	writeLog(t, path, usageLine(1000, 100, 0, 0))
	tr.ingest(path)

	if len(newSessions) != 1 || newSessions[0] != "sess-9" {
		t.Errorf("new session notifications = %v, want [sess-9]", newSessions)
	}
	if len(updates) != 1 {
		t.Fatalf("usage notifications = %d, want 1", len(updates))
	}

	// After unsubscribe no further updates arrive.
	tr.Unsubscribe(id)
	writeLog(t, path, usageLine(1000, 100, 0, 0)+usageLine(2000, 200, 0, 0))
	tr.ingest(path)
	if len(updates) != 1 {
		t.Errorf("received %d updates after unsubscribe, want 1", len(updates))
	}
}

// TestCallbackUnsubscribesItself covers a callback that removes its own
// subscription through the id the tracker passes in. The passed id must
// match the one SubscribeUsage returns, and no update arrives afterwards,
// even when the first update could land before the caller has stored the
// returned id anywhere.
func TestCallbackUnsubscribesItself(t *testing.T) {
	tr, root := newTestTracker(t)

	var seen []uint64
	returned := tr.SubscribeUsage(func(subID uint64, _ string, _ Snapshot) {
		seen = append(seen, subID)
		tr.Unsubscribe(subID)
	})

	path := filepath.Join(root, "sess-11.jsonl")
	writeLog(t, path, usageLine(1000, 100, 0, 0))
	tr.ingest(path)
	writeLog(t, path, usageLine(1000, 100, 0, 0)+usageLine(2000, 200, 0, 0))
	tr.ingest(path)

	if len(seen) != 1 {
		t.Fatalf("callback ran %d times, want 1 after self-unsubscribe", len(seen))
	}
	if seen[0] != returned {
		t.Errorf("callback got id %d, SubscribeUsage returned %d", seen[0], returned)
	}
}

func TestTopLevelUsagePayload(t *testing.T) {
	tr, root := newTestTracker(t)
	path := filepath.Join(root, "sess-10.jsonl")
	writeLog(t, path, `{"usage":{"input_tokens":7000,"output_tokens":700}}`+"\n")

	tr.ingest(path)

	snap, _ := tr.Utilization("sess-10")
	if snap.Usage.TokensIn != 7000 {
		t.Errorf("tokens_in = %d, want 7000 from top-level usage payload", snap.Usage.TokensIn)
	}
}
