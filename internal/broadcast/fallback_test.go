// Contextd - Context-Threshold Process Supervisor
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/contextd

package broadcast

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/tomtom215/contextd/internal/event"
	"github.com/tomtom215/contextd/internal/logging"
)

func TestFallbackStoreAndDrain(t *testing.T) {
	q, err := NewFallbackQueue(t.TempDir(), "test-sink", logging.Logger())
	if err != nil {
		t.Fatal(err)
	}

	for _, typ := range []string{"first", "second", "third"} {
		if err := q.Store(event.Event{Type: typ, SessionID: "s1"}); err != nil {
			t.Fatal(err)
		}
	}
	if got := q.Depth(); got != 3 {
		t.Fatalf("depth = %d, want 3", got)
	}

	var replayed []string
	n, err := q.Drain(func(ev event.Event) error {
		replayed = append(replayed, ev.Type)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Errorf("replayed = %d, want 3", n)
	}
	if len(replayed) != 3 || replayed[0] != "first" || replayed[2] != "third" {
		t.Errorf("replay order = %v, want oldest first", replayed)
	}
	if got := q.Depth(); got != 0 {
		t.Errorf("depth after drain = %d, want 0", got)
	}
}

func TestFallbackDrainStopsAtFirstFailure(t *testing.T) {
	q, err := NewFallbackQueue(t.TempDir(), "test-sink", logging.Logger())
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if err := q.Store(event.Event{Type: "ev", SessionID: "s1"}); err != nil {
			t.Fatal(err)
		}
	}

	calls := 0
	failed := errors.New("sink down")
	_, err = q.Drain(func(event.Event) error {
		calls++
		if calls == 2 {
			return failed
		}
		return nil
	})
	if !errors.Is(err, failed) {
		t.Errorf("err = %v, want the delivery failure", err)
	}
	// One delivered, the failed one and its successor stay queued.
	if got := q.Depth(); got != 2 {
		t.Errorf("depth = %d, want 2", got)
	}
}

func TestFallbackConcurrentWritersUniqueEntries(t *testing.T) {
	q, err := NewFallbackQueue(t.TempDir(), "test-sink", logging.Logger())
	if err != nil {
		t.Fatal(err)
	}

	const writers = 16
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := q.Store(event.Event{Type: "concurrent", SessionID: "s1"}); err != nil {
				t.Errorf("Store: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := q.Depth(); got != writers {
		t.Errorf("depth = %d, want one entry per writer", got)
	}
}

func TestFallbackSkipsCorruptEntry(t *testing.T) {
	dir := t.TempDir()
	q, err := NewFallbackQueue(dir, "test-sink", logging.Logger())
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "00000000000000000000-corrupt.json"), []byte("{nope"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := q.Store(event.Event{Type: "good", SessionID: "s1"}); err != nil {
		t.Fatal(err)
	}

	n, err := q.Drain(func(ev event.Event) error { return nil })
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("replayed = %d, want the one good entry", n)
	}
}
