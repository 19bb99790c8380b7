// Contextd - Context-Threshold Process Supervisor
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/contextd

package registry

import (
	"context"
	"time"

	"github.com/tomtom215/contextd/internal/event"
)

// Serve implements suture.Service: the background staleness sweep.
//
// Sessions inactive beyond the short grace period turn stale (not deleted,
// to tolerate reconnects); sessions stale beyond the longer grace period
// are ended. After each pass a full snapshot is republished, which is
// idempotent with the per-mutation deltas because subscriber state is
// replace-by-id.
func (r *Registry) Serve(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()

	r.logger.Info().
		Dur("stale_after", r.cfg.StaleAfter).
		Dur("evict_after", r.cfg.EvictAfter).
		Msg("staleness sweep started")

	for {
		select {
		case <-ctx.Done():
			r.logger.Info().Msg("staleness sweep stopped")
			return ctx.Err()
		case <-ticker.C:
			r.sweep(time.Now())
		}
	}
}

// String implements fmt.Stringer for suture logging.
func (r *Registry) String() string { return "session-registry-sweep" }

// sweep runs one staleness pass at the given instant. Ended sessions are
// retained for one further EvictAfter window so recent history stays
// queryable, then deleted so a long-running daemon does not accumulate them
// without bound.
func (r *Registry) sweep(now time.Time) {
	var wentStale, wentEnded []Session
	evicted := 0

	r.mu.Lock()
	for id, sess := range r.sessions {
		inactive := now.Sub(sess.LastActiveAt)
		switch sess.Status {
		case StatusActive:
			if inactive > r.cfg.StaleAfter {
				sess.Status = StatusStale
				wentStale = append(wentStale, *sess)
			}
		case StatusStale:
			if inactive > r.cfg.EvictAfter {
				r.endLocked(sess, "evicted after inactivity")
				wentEnded = append(wentEnded, *sess)
			}
		case StatusEnded:
			if now.Sub(sess.EndedAt) > r.cfg.EvictAfter {
				delete(r.sessions, id)
				evicted++
			}
		}
	}
	if len(wentStale) > 0 || len(wentEnded) > 0 || evicted > 0 {
		r.updateStatusGaugesLocked()
	}
	liveCorr := make(map[string]struct{}, len(r.byCorrID))
	for corrID := range r.byCorrID {
		liveCorr[corrID] = struct{}{}
	}
	r.mu.Unlock()

	r.gcLocks(liveCorr)

	if evicted > 0 {
		r.logger.Debug().Int("count", evicted).Msg("ended sessions evicted")
	}
	for _, sess := range wentStale {
		r.logger.Debug().Str("session", sess.ID).Msg("session went stale")
		r.publish(event.New(event.TypeSessionStale, sess.ID, sess))
	}
	for _, sess := range wentEnded {
		r.publish(event.New(event.TypeSessionEnded, sess.ID, sess))
	}

	if len(wentStale) > 0 || len(wentEnded) > 0 {
		r.publish(event.New(event.TypeSnapshot, "", r.Sessions()))
	}
}

// gcLocks drops per-correlation-id lock entries whose id no longer maps to a
// live session. Only an unheld lock is collected: the token is claimed with
// a non-blocking receive and the entry removed, so a concurrent holder keeps
// its entry until a later pass. A waiter on a collected entry times out and
// retries against a fresh lock; mutual exclusion is never violated.
func (r *Registry) gcLocks(liveCorr map[string]struct{}) {
	r.locksMu.Lock()
	defer r.locksMu.Unlock()
	for key, ch := range r.locks {
		if _, live := liveCorr[key]; live {
			continue
		}
		select {
		case <-ch:
			delete(r.locks, key)
		default:
		}
	}
}
