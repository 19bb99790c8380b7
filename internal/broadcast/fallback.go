// Contextd - Context-Threshold Process Supervisor
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/contextd

package broadcast

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tomtom215/contextd/internal/event"
	"github.com/tomtom215/contextd/internal/metrics"
)

const fallbackExt = ".json"

// FallbackQueue is the durable on-disk queue for events that could not be
// delivered to a sink. Every write is its own uniquely named file, created
// with a temp-then-rename pair, so concurrent failure paths never contend
// on a shared file and a crash never leaves a half-written entry visible.
type FallbackQueue struct {
	dir    string
	sink   string
	logger zerolog.Logger
}

// NewFallbackQueue creates the queue directory if needed.
func NewFallbackQueue(dir, sink string, logger zerolog.Logger) (*FallbackQueue, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create fallback dir: %w", err)
	}
	q := &FallbackQueue{
		dir:    dir,
		sink:   sink,
		logger: logger.With().Str("component", "fallback-queue").Logger(),
	}
	q.updateDepth()
	return q, nil
}

// Store durably persists one undeliverable event.
func (q *FallbackQueue) Store(ev event.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	// Timestamp prefix keeps replay roughly in arrival order; the uuid
	// guarantees uniqueness under concurrent writes.
	name := fmt.Sprintf("%020d-%s%s", time.Now().UnixNano(), uuid.NewString(), fallbackExt)
	tmp := filepath.Join(q.dir, name+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write fallback entry: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(q.dir, name)); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("commit fallback entry: %w", err)
	}

	q.updateDepth()
	q.logger.Debug().Str("type", ev.Type).Str("entry", name).Msg("event queued for replay")
	return nil
}

// Drain replays queued events oldest-first through deliver, removing each
// entry on success and stopping at the first failure so order is kept. An
// unreadable entry is skipped and left in place. Returns the number of
// entries replayed.
func (q *FallbackQueue) Drain(deliver func(event.Event) error) (int, error) {
	names, err := q.entries()
	if err != nil {
		return 0, err
	}

	replayed := 0
	for _, name := range names {
		path := filepath.Join(q.dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			q.logger.Warn().Err(err).Str("entry", name).Msg("unreadable fallback entry, skipped")
			continue
		}
		var ev event.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			q.logger.Warn().Err(err).Str("entry", name).Msg("corrupt fallback entry, skipped")
			continue
		}

		if err := deliver(ev); err != nil {
			metrics.FallbackReplays.WithLabelValues(q.sink, "failure").Inc()
			q.updateDepth()
			return replayed, err
		}
		if err := os.Remove(path); err != nil {
			q.logger.Warn().Err(err).Str("entry", name).Msg("replayed entry not removed")
		}
		metrics.FallbackReplays.WithLabelValues(q.sink, "success").Inc()
		replayed++
	}

	q.updateDepth()
	return replayed, nil
}

// Depth returns the number of queued entries.
func (q *FallbackQueue) Depth() int {
	names, err := q.entries()
	if err != nil {
		return 0
	}
	return len(names)
}

func (q *FallbackQueue) entries() ([]string, error) {
	dirents, err := os.ReadDir(q.dir)
	if err != nil {
		return nil, fmt.Errorf("read fallback dir: %w", err)
	}
	var names []string
	for _, d := range dirents {
		if d.IsDir() || filepath.Ext(d.Name()) != fallbackExt {
			continue
		}
		names = append(names, d.Name())
	}
	sort.Strings(names)
	return names, nil
}

func (q *FallbackQueue) updateDepth() {
	metrics.FallbackQueueDepth.WithLabelValues(q.sink).Set(float64(q.Depth()))
}
