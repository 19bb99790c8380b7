// Contextd - Context-Threshold Process Supervisor
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/contextd

// Package broadcast fans lifecycle events out to in-process subscribers
// (SSE and websocket streams) and pushes them to an optional external sink
// with retry, circuit breaking, and a durable fallback queue.
package broadcast

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/tomtom215/contextd/internal/config"
	"github.com/tomtom215/contextd/internal/event"
	"github.com/tomtom215/contextd/internal/metrics"
)

// SnapshotFunc produces the full-state snapshot events a new subscriber
// receives before any deltas.
type SnapshotFunc func() []event.Event

// Subscription is one subscriber's event stream. Events arrive in publish
// order; the first events are always the snapshot taken at subscribe time.
type Subscription struct {
	id  uint64
	hub *Hub
	ch  chan event.Event
}

// Events returns the subscriber's receive channel. It is closed when the
// subscription is closed.
func (s *Subscription) Events() <-chan event.Event { return s.ch }

// Close unsubscribes and releases the stream. Idempotent.
func (s *Subscription) Close() { s.hub.unsubscribe(s.id) }

// Hub is the in-process broadcast fan-out. Publish assigns each session a
// monotonic event sequence and delivers to every subscriber in publish
// order; a subscriber that cannot keep up loses events (counted), never
// blocks the publisher.
type Hub struct {
	cfg      config.BroadcastConfig
	logger   zerolog.Logger
	snapshot SnapshotFunc
	notifier *Notifier

	mu     sync.Mutex
	subs   map[uint64]*Subscription
	nextID uint64
	seq    map[string]uint64
}

// NewHub creates a Hub. snapshot may be nil (subscribers then start with
// deltas only); notifier may be nil when no external sink is configured.
func NewHub(cfg config.BroadcastConfig, snapshot SnapshotFunc, notifier *Notifier, logger zerolog.Logger) *Hub {
	return &Hub{
		cfg:      cfg,
		logger:   logger.With().Str("component", "broadcast").Logger(),
		snapshot: snapshot,
		notifier: notifier,
		subs:     make(map[uint64]*Subscription),
		seq:      make(map[string]uint64),
	}
}

// Publish delivers an event to all subscribers and the external sink.
// Events carrying a session id get the session's next sequence number;
// ordering across different sessions is not defined, within one session it
// is the publish order.
func (h *Hub) Publish(ev event.Event) {
	h.mu.Lock()
	if ev.SessionID != "" {
		h.seq[ev.SessionID]++
		ev.Seq = h.seq[ev.SessionID]
	}
	for _, sub := range h.subs {
		select {
		case sub.ch <- ev:
		default:
			metrics.EventsDropped.Inc()
			h.logger.Warn().
				Uint64("subscriber", sub.id).
				Str("type", ev.Type).
				Msg("subscriber buffer full, event dropped")
		}
	}
	h.mu.Unlock()

	metrics.EventsPublished.WithLabelValues(ev.Type).Inc()
	if h.notifier != nil {
		h.notifier.Enqueue(ev)
	}
}

// Subscribe registers a new stream. The snapshot is taken and queued under
// the publish lock, so a subscriber sees snapshot state followed by every
// event published after it, with no gap and no overlap.
func (h *Hub) Subscribe() *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	var snap []event.Event
	if h.snapshot != nil {
		snap = h.snapshot()
	}

	h.nextID++
	sub := &Subscription{
		id:  h.nextID,
		hub: h,
		ch:  make(chan event.Event, h.cfg.BufferSize+len(snap)),
	}
	for _, ev := range snap {
		sub.ch <- ev
	}
	h.subs[sub.id] = sub

	metrics.BroadcastSubscribers.Set(float64(len(h.subs)))
	h.logger.Debug().Uint64("subscriber", sub.id).Int("total", len(h.subs)).Msg("subscriber added")
	return sub
}

func (h *Hub) unsubscribe(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	sub, ok := h.subs[id]
	if !ok {
		return
	}
	delete(h.subs, id)
	close(sub.ch)
	metrics.BroadcastSubscribers.Set(float64(len(h.subs)))
	h.logger.Debug().Uint64("subscriber", id).Int("total", len(h.subs)).Msg("subscriber removed")
}

// SubscriberCount returns the number of active subscriptions.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
