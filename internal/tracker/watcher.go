// Contextd - Context-Threshold Process Supervisor
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/contextd

package tracker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/goccy/go-json"

	"github.com/tomtom215/contextd/internal/metrics"
)

// activityLogExt is the suffix of per-session activity log files.
const activityLogExt = ".jsonl"

// logRecord is the subset of an activity-log line the tracker cares about.
// Usage may appear at the top level or nested under message; both carry
// cumulative counts-to-date, so the last record wins.
type logRecord struct {
	Usage   *usagePayload `json:"usage"`
	Message *struct {
		Usage *usagePayload `json:"usage"`
	} `json:"message"`
}

type usagePayload struct {
	InputTokens         int64 `json:"input_tokens"`
	OutputTokens        int64 `json:"output_tokens"`
	CacheReadTokens     int64 `json:"cache_read_input_tokens"`
	CacheCreationTokens int64 `json:"cache_creation_input_tokens"`
}

// Serve implements suture.Service. It watches the configured log root
// (recursively) until the context is canceled.
func (t *Tracker) Serve(ctx context.Context) error {
	if err := os.MkdirAll(t.cfg.LogRoot, 0o755); err != nil {
		return fmt.Errorf("create log root %s: %w", t.cfg.LogRoot, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := t.addTree(watcher, t.cfg.LogRoot); err != nil {
		return err
	}

	t.logger.Info().Str("root", t.cfg.LogRoot).Msg("activity log watch started")

	for {
		select {
		case <-ctx.Done():
			t.logger.Info().Msg("activity log watch stopped")
			return ctx.Err()

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			t.handleEvent(watcher, ev)

		case watchErr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			t.logger.Warn().Err(watchErr).Msg("watch error")
		}
	}
}

// String implements fmt.Stringer for suture logging.
func (t *Tracker) String() string { return "context-tracker" }

// addTree registers watches for a directory and all nested directories, and
// ingests any activity logs already present.
func (t *Tracker) addTree(watcher *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if addErr := watcher.Add(path); addErr != nil {
				return fmt.Errorf("watch %s: %w", path, addErr)
			}
			return nil
		}
		if strings.HasSuffix(path, activityLogExt) {
			t.ingest(path)
		}
		return nil
	})
}

// handleEvent dispatches one fsnotify event. New directories are added to
// the watch; writes and creates of activity logs trigger a tail read.
func (t *Tracker) handleEvent(watcher *fsnotify.Watcher, ev fsnotify.Event) {
	if ev.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if err := t.addTree(watcher, ev.Name); err != nil {
				t.logger.Warn().Err(err).Str("dir", ev.Name).Msg("failed to watch new directory")
			}
			return
		}
	}
	if !strings.HasSuffix(ev.Name, activityLogExt) {
		return
	}
	if ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write) {
		t.ingest(ev.Name)
	}
}

// ingest tail-reads an activity log from the stored byte offset, parses any
// complete lines, and records the newest usage payload found.
func (t *Tracker) ingest(path string) {
	t.mu.Lock()
	state, known := t.files[path]
	if !known {
		state = &fileState{sessionKey: sessionKeyFor(path)}
		t.files[path] = state
	}
	t.mu.Unlock()

	if !known {
		t.recordSession(state.sessionKey)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.logger.Warn().Err(err).Str("path", path).Msg("stat activity log")
		return
	}
	// A shrinking file was truncated and rewritten; re-parse from the start.
	if info.Size() < state.offset {
		t.logger.Debug().Str("path", path).Msg("activity log truncated, resetting offset")
		state.offset = 0
		state.partial = nil
	}
	if info.Size() == state.offset {
		return
	}

	f, err := os.Open(path)
	if err != nil {
		t.logger.Warn().Err(err).Str("path", path).Msg("open activity log")
		return
	}
	defer f.Close()

	if _, err := f.Seek(state.offset, io.SeekStart); err != nil {
		t.logger.Warn().Err(err).Str("path", path).Msg("seek activity log")
		return
	}
	data, err := io.ReadAll(f)
	if err != nil {
		t.logger.Warn().Err(err).Str("path", path).Msg("read activity log")
		return
	}
	state.offset += int64(len(data))

	buf := append(state.partial, data...)
	lines := bytes.Split(buf, []byte{'\n'})
	// The final element is an incomplete trailing line (possibly empty);
	// keep it for the next read.
	state.partial = lines[len(lines)-1]
	lines = lines[:len(lines)-1]

	var latest *Usage
	for _, line := range lines {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		usage, ok := parseLine(line)
		if !ok {
			metrics.ActivityLogParseErrors.Inc()
			t.logger.Debug().Str("path", path).Msg("skipping malformed activity log line")
			continue
		}
		if usage != nil {
			latest = usage
		}
	}

	if latest != nil {
		state.hasUsage = true
		t.recordUsage(state.sessionKey, *latest)
	}
}

// parseLine parses one activity-log line. The second return is false only
// for malformed JSON; a well-formed record without a usage payload returns
// (nil, true).
func parseLine(line []byte) (*Usage, bool) {
	var rec logRecord
	if err := json.Unmarshal(line, &rec); err != nil {
		return nil, false
	}
	payload := rec.Usage
	if payload == nil && rec.Message != nil {
		payload = rec.Message.Usage
	}
	if payload == nil {
		return nil, true
	}
	return &Usage{
		TokensIn:    payload.InputTokens,
		TokensOut:   payload.OutputTokens,
		CacheRead:   payload.CacheReadTokens,
		CacheCreate: payload.CacheCreationTokens,
	}, true
}

// sessionKeyFor derives the session key from a log path: the file name
// minus the .jsonl extension.
func sessionKeyFor(path string) string {
	return strings.TrimSuffix(filepath.Base(path), activityLogExt)
}
