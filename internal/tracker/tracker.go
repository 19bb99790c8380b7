// Contextd - Context-Threshold Process Supervisor
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/contextd

// Package tracker watches worker activity logs and computes context-window
// utilization.
//
// Each supervised worker appends newline-delimited JSON records to one log
// file per session under a shared root. Records optionally carry a usage
// payload with cumulative token counts; newer payloads supersede older ones.
// The tracker tails each file by byte offset, keeps the latest usage per
// session, and notifies subscribers on every change.
package tracker

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tomtom215/contextd/internal/config"
	"github.com/tomtom215/contextd/internal/metrics"
)

// Usage holds cumulative token counts reported by a worker.
type Usage struct {
	TokensIn    int64 `json:"tokens_in"`
	TokensOut   int64 `json:"tokens_out"`
	CacheRead   int64 `json:"cache_read"`
	CacheCreate int64 `json:"cache_create"`
}

// Snapshot is the latest computed utilization for one session.
type Snapshot struct {
	SessionKey string    `json:"session_key"`
	Usage      Usage     `json:"usage"`
	Percent    float64   `json:"percent"`
	Peak       float64   `json:"peak"`
	// VelocityPerMinute is the rate of percent increase derived from
	// consecutive snapshots. Advisory only; it never triggers termination.
	VelocityPerMinute float64   `json:"velocity_per_minute"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// UsageFunc receives utilization updates for a session. subID is the id
// SubscribeUsage returned for this callback, so a callback can unsubscribe
// itself without racing the registration call: the first update may arrive
// on the watch goroutine before SubscribeUsage has returned to the caller.
type UsageFunc func(subID uint64, sessionKey string, snap Snapshot)

// SessionFunc receives notification of a newly observed session log.
type SessionFunc func(sessionKey string)

// fileState tracks tail-read progress for one activity log file.
type fileState struct {
	sessionKey string
	offset     int64
	partial    []byte
	hasUsage   bool
}

// Tracker computes utilization from a directory tree of activity logs.
type Tracker struct {
	cfg    config.TrackerConfig
	logger zerolog.Logger

	mu    sync.RWMutex
	files map[string]*fileState
	snaps map[string]*Snapshot

	subMu       sync.RWMutex
	nextSubID   uint64
	usageSubs   map[uint64]UsageFunc
	sessionSubs map[uint64]SessionFunc
}

// New creates a Tracker. Call Serve to begin watching.
func New(cfg config.TrackerConfig, logger zerolog.Logger) *Tracker {
	return &Tracker{
		cfg:         cfg,
		logger:      logger.With().Str("component", "tracker").Logger(),
		files:       make(map[string]*fileState),
		snaps:       make(map[string]*Snapshot),
		usageSubs:   make(map[uint64]UsageFunc),
		sessionSubs: make(map[uint64]SessionFunc),
	}
}

// SubscribeUsage registers a callback for utilization updates and returns an
// id for Unsubscribe. Callbacks run on the watch goroutine and must not
// block on I/O beyond a short bounded timeout.
func (t *Tracker) SubscribeUsage(fn UsageFunc) uint64 {
	t.subMu.Lock()
	defer t.subMu.Unlock()
	t.nextSubID++
	id := t.nextSubID
	t.usageSubs[id] = fn
	return id
}

// Unsubscribe removes a usage subscription. Safe to call with an id that was
// already removed.
func (t *Tracker) Unsubscribe(id uint64) {
	t.subMu.Lock()
	defer t.subMu.Unlock()
	delete(t.usageSubs, id)
	delete(t.sessionSubs, id)
}

// SubscribeSessions registers a callback for newly observed session logs.
func (t *Tracker) SubscribeSessions(fn SessionFunc) uint64 {
	t.subMu.Lock()
	defer t.subMu.Unlock()
	t.nextSubID++
	id := t.nextSubID
	t.sessionSubs[id] = fn
	return id
}

// Utilization returns the latest snapshot for a session key.
func (t *Tracker) Utilization(sessionKey string) (Snapshot, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	snap, ok := t.snaps[sessionKey]
	if !ok {
		return Snapshot{}, false
	}
	return *snap, true
}

// Sessions returns the keys of all sessions with a snapshot.
func (t *Tracker) Sessions() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	keys := make([]string, 0, len(t.snaps))
	for k := range t.snaps {
		keys = append(keys, k)
	}
	return keys
}

// percentFor applies the utilization formula to cumulative usage:
//
//	used    = tokensIn + cacheRead + cacheCreate + tokensOut + fixedOverhead
//	percent = 100 * used / windowCapacity
func (t *Tracker) percentFor(u Usage) float64 {
	used := u.TokensIn + u.CacheRead + u.CacheCreate + u.TokensOut + t.cfg.FixedOverhead
	return 100 * float64(used) / float64(t.cfg.WindowCapacity)
}

// recordUsage updates the snapshot for a session and notifies subscribers.
// Must be called without t.mu held.
func (t *Tracker) recordUsage(sessionKey string, u Usage) {
	percent := t.percentFor(u)
	now := time.Now()

	t.mu.Lock()
	snap, ok := t.snaps[sessionKey]
	if !ok {
		snap = &Snapshot{SessionKey: sessionKey}
		t.snaps[sessionKey] = snap
	}
	if ok && !snap.UpdatedAt.IsZero() {
		elapsed := now.Sub(snap.UpdatedAt).Minutes()
		if elapsed > 0 {
			snap.VelocityPerMinute = (percent - snap.Percent) / elapsed
		}
	}
	snap.Usage = u
	snap.Percent = percent
	if percent > snap.Peak {
		snap.Peak = percent
	}
	snap.UpdatedAt = now
	out := *snap
	t.mu.Unlock()

	metrics.ContextUtilization.WithLabelValues(sessionKey).Set(out.Percent)
	metrics.ContextPeakUtilization.WithLabelValues(sessionKey).Set(out.Peak)
	metrics.ContextVelocity.WithLabelValues(sessionKey).Set(out.VelocityPerMinute)

	// The supervisor terminates its own workers at the configured threshold;
	// this covers sessions nothing supervises.
	if out.Percent >= t.cfg.HardLimitPercent {
		t.logger.Warn().
			Str("session", sessionKey).
			Float64("percent", out.Percent).
			Float64("hard_limit_percent", t.cfg.HardLimitPercent).
			Float64("velocity_per_minute", out.VelocityPerMinute).
			Msg("utilization at or above external hard limit")
	}

	type usageSub struct {
		id uint64
		fn UsageFunc
	}
	t.subMu.RLock()
	subs := make([]usageSub, 0, len(t.usageSubs))
	for id, fn := range t.usageSubs {
		subs = append(subs, usageSub{id, fn})
	}
	t.subMu.RUnlock()
	for _, sub := range subs {
		sub.fn(sub.id, sessionKey, out)
	}
}

// recordSession ensures a zero-percent snapshot exists for a freshly
// observed session and notifies session subscribers exactly once.
func (t *Tracker) recordSession(sessionKey string) {
	t.mu.Lock()
	if _, ok := t.snaps[sessionKey]; ok {
		t.mu.Unlock()
		return
	}
	t.snaps[sessionKey] = &Snapshot{SessionKey: sessionKey}
	t.mu.Unlock()

	t.subMu.RLock()
	subs := make([]SessionFunc, 0, len(t.sessionSubs))
	for _, fn := range t.sessionSubs {
		subs = append(subs, fn)
	}
	t.subMu.RUnlock()
	for _, fn := range subs {
		fn(sessionKey)
	}
}

// Forget drops tracking state for a session, releasing its metric series.
func (t *Tracker) Forget(sessionKey string) {
	t.mu.Lock()
	delete(t.snaps, sessionKey)
	for path, fs := range t.files {
		if fs.sessionKey == sessionKey {
			delete(t.files, path)
		}
	}
	t.mu.Unlock()

	metrics.ContextUtilization.DeleteLabelValues(sessionKey)
	metrics.ContextPeakUtilization.DeleteLabelValues(sessionKey)
	metrics.ContextVelocity.DeleteLabelValues(sessionKey)
}
