// Contextd - Context-Threshold Process Supervisor
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/contextd

// Package registry tracks session identity, hierarchy, and lifecycle.
//
// The registry is the sole writer of Session records. Registration is
// idempotent on the external correlation id: the check-for-existing and
// create-if-absent steps execute under a per-key lock so concurrent callers
// supplying the same id all receive the same session.
package registry

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tomtom215/contextd/internal/config"
	"github.com/tomtom215/contextd/internal/event"
	"github.com/tomtom215/contextd/internal/metrics"
	"github.com/tomtom215/contextd/internal/projectkey"
)

var (
	// ErrLockTimeout is returned when a registration cannot acquire its
	// serialization lock within the configured timeout. Callers fail fast
	// rather than deadlocking.
	ErrLockTimeout = errors.New("registration lock timeout")

	// ErrSessionNotFound is returned for operations on unknown session ids.
	ErrSessionNotFound = errors.New("session not found")

	// ErrParentEnded is returned when registering a child under an ended
	// parent.
	ErrParentEnded = errors.New("parent session has ended")

	// ErrHierarchyCycle is returned when a parent link would create a cycle.
	ErrHierarchyCycle = errors.New("parent link would create a hierarchy cycle")
)

// Publisher receives domain events for every registry mutation. The
// broadcast hub satisfies this.
type Publisher interface {
	Publish(ev event.Event)
}

// Registry is the shared in-process session directory.
type Registry struct {
	cfg    config.RegistryConfig
	logger zerolog.Logger
	pub    Publisher

	mu       sync.RWMutex
	sessions map[string]*Session
	byCorrID map[string]string // correlation id -> session id, non-ended only

	// locksMu guards locks; each entry is a one-slot token channel acting
	// as a per-correlation-id mutex that supports timed acquisition. The
	// sweep garbage-collects entries for correlation ids with no live
	// session.
	locksMu sync.Mutex
	locks   map[string]chan struct{}
}

// New creates a Registry. pub may be nil when no broadcast layer is wired
// (tests).
func New(cfg config.RegistryConfig, pub Publisher, logger zerolog.Logger) *Registry {
	return &Registry{
		cfg:      cfg,
		logger:   logger.With().Str("component", "registry").Logger(),
		pub:      pub,
		sessions: make(map[string]*Session),
		byCorrID: make(map[string]string),
		locks:    make(map[string]chan struct{}),
	}
}

// publish forwards an event when a publisher is wired. Never call with r.mu
// held: the hub takes subscription snapshots by calling back into the
// registry, so mutations collect their events under the lock and publish
// after releasing it.
func (r *Registry) publish(ev event.Event) {
	if r.pub != nil {
		r.pub.Publish(ev)
	}
}

// acquireKeyLock takes the per-correlation-id lock, waiting at most the
// configured lock timeout. The returned release function must be called.
func (r *Registry) acquireKeyLock(key string) (func(), error) {
	r.locksMu.Lock()
	ch, ok := r.locks[key]
	if !ok {
		ch = make(chan struct{}, 1)
		ch <- struct{}{}
		r.locks[key] = ch
	}
	r.locksMu.Unlock()

	timer := time.NewTimer(r.cfg.LockTimeout)
	defer timer.Stop()

	select {
	case <-ch:
		return func() { ch <- struct{}{} }, nil
	case <-timer.C:
		return nil, fmt.Errorf("correlation id %q: %w", key, ErrLockTimeout)
	}
}

// Register creates or resumes a session and returns its registry-assigned
// id. With a non-empty correlation id the operation is idempotent: all
// concurrent callers receive the same id and exactly one record is created.
// Without one, a bounded-lookback heuristic may adopt the most recently
// active same-project session, failing closed to a fresh session when
// ambiguous.
func (r *Registry) Register(info Info) (string, error) {
	if info.ExternalCorrelationID != "" {
		release, err := r.acquireKeyLock(info.ExternalCorrelationID)
		if err != nil {
			return "", err
		}
		defer release()
		return r.registerCorrelated(info, "")
	}
	return r.registerUncorrelated(info)
}

// registerCorrelated runs the serialized check-and-create for a correlation
// id. Caller holds the per-key lock.
func (r *Registry) registerCorrelated(info Info, parentID string) (string, error) {
	r.mu.Lock()

	if id, ok := r.byCorrID[info.ExternalCorrelationID]; ok {
		sess := r.sessions[id]
		resumed := sess.Status == StatusStale
		sess.Status = StatusActive
		sess.LastActiveAt = time.Now()
		snapshot := *sess
		r.mu.Unlock()

		metrics.SessionRegistrations.WithLabelValues("resumed").Inc()
		if resumed {
			r.logger.Info().Str("session", id).Msg("stale session resumed")
			r.publish(event.New(event.TypeSessionResumed, id, snapshot))
		}
		return id, nil
	}

	snapshot := r.createLocked(info, parentID)
	r.mu.Unlock()

	r.publish(event.New(event.TypeSessionRegistered, snapshot.ID, snapshot))
	return snapshot.ID, nil
}

// registerUncorrelated applies the adoption heuristic: the most recently
// active non-ended session for the same canonical project, within the
// lookback window. Two candidates within one second of each other are
// ambiguous and the heuristic fails closed.
func (r *Registry) registerUncorrelated(info Info) (string, error) {
	key := projectkey.FromPath(info.ProjectPath)

	r.mu.Lock()

	var best, second *Session
	cutoff := time.Now().Add(-r.cfg.AdoptLookback)
	for _, sess := range r.sessions {
		if sess.Status == StatusEnded || !sess.ProjectKey.Matches(key) {
			continue
		}
		if sess.LastActiveAt.Before(cutoff) {
			continue
		}
		switch {
		case best == nil || sess.LastActiveAt.After(best.LastActiveAt):
			second = best
			best = sess
		case second == nil || sess.LastActiveAt.After(second.LastActiveAt):
			second = sess
		}
	}

	if best != nil {
		ambiguous := second != nil && best.LastActiveAt.Sub(second.LastActiveAt) < time.Second
		if !ambiguous {
			best.Status = StatusActive
			best.LastActiveAt = time.Now()
			id := best.ID
			r.mu.Unlock()
			metrics.SessionRegistrations.WithLabelValues("adopted").Inc()
			return id, nil
		}
		r.logger.Debug().
			Str("project", key.Display).
			Msg("ambiguous adoption candidates, creating unlinked session")
	}

	snapshot := r.createLocked(info, "")
	r.mu.Unlock()

	r.publish(event.New(event.TypeSessionRegistered, snapshot.ID, snapshot))
	return snapshot.ID, nil
}

// createLocked inserts a new session record and returns a copy. Caller holds
// r.mu and publishes the registration event after releasing it.
func (r *Registry) createLocked(info Info, parentID string) Session {
	now := time.Now()
	sess := &Session{
		ID:                    uuid.NewString(),
		ExternalCorrelationID: info.ExternalCorrelationID,
		ProjectKey:            projectkey.FromPath(info.ProjectPath),
		Kind:                  info.Kind,
		ParentID:              parentID,
		Status:                StatusActive,
		CreatedAt:             now,
		LastActiveAt:          now,
	}
	r.sessions[sess.ID] = sess
	if sess.ExternalCorrelationID != "" {
		r.byCorrID[sess.ExternalCorrelationID] = sess.ID
	}

	metrics.SessionRegistrations.WithLabelValues("created").Inc()
	r.updateStatusGaugesLocked()
	r.logger.Info().
		Str("session", sess.ID).
		Str("kind", string(sess.Kind)).
		Str("project", sess.ProjectKey.Display).
		Msg("session registered")
	return *sess
}

// RegisterChild registers a session under a parent. The parent link is set
// at creation time and immutable; a childAdded event is emitted exactly
// once per child.
func (r *Registry) RegisterChild(parentID string, info Info) (string, error) {
	if info.ExternalCorrelationID != "" {
		release, err := r.acquireKeyLock(info.ExternalCorrelationID)
		if err != nil {
			return "", err
		}
		defer release()
	}

	r.mu.Lock()
	parent, ok := r.sessions[parentID]
	if !ok {
		r.mu.Unlock()
		return "", fmt.Errorf("parent %s: %w", parentID, ErrSessionNotFound)
	}
	if parent.Status == StatusEnded {
		r.mu.Unlock()
		return "", fmt.Errorf("parent %s: %w", parentID, ErrParentEnded)
	}

	// Re-registration with a known correlation id resumes the existing
	// record; the existing parent link wins because hierarchy edges are
	// immutable.
	if info.ExternalCorrelationID != "" {
		if id, exists := r.byCorrID[info.ExternalCorrelationID]; exists {
			if r.wouldCycleLocked(parentID, id) {
				r.mu.Unlock()
				return "", fmt.Errorf("parent %s child %s: %w", parentID, id, ErrHierarchyCycle)
			}
			sess := r.sessions[id]
			resumed := sess.Status == StatusStale
			sess.Status = StatusActive
			sess.LastActiveAt = time.Now()
			snapshot := *sess
			r.mu.Unlock()

			metrics.SessionRegistrations.WithLabelValues("resumed").Inc()
			if resumed {
				r.logger.Info().Str("session", id).Msg("stale child session resumed")
				r.publish(event.New(event.TypeSessionResumed, id, snapshot))
			}
			return id, nil
		}
	}

	// createLocked runs at most once per child id, so the childAdded event
	// is emitted exactly once.
	snapshot := r.createLocked(info, parentID)
	r.mu.Unlock()

	r.publish(event.New(event.TypeSessionRegistered, snapshot.ID, snapshot))
	r.publish(event.New(event.TypeSessionChildAdded, parentID, map[string]string{
		"parent_id": parentID,
		"child_id":  snapshot.ID,
	}))
	return snapshot.ID, nil
}

// wouldCycleLocked reports whether linking childID under parentID would
// close a loop in the ancestry chain. Caller holds r.mu.
func (r *Registry) wouldCycleLocked(parentID, childID string) bool {
	seen := 0
	for id := parentID; id != ""; {
		if id == childID {
			return true
		}
		sess, ok := r.sessions[id]
		if !ok {
			return false
		}
		id = sess.ParentID
		// A chain longer than the session count means the stored edges
		// already loop; treat as a cycle rather than spinning.
		if seen++; seen > len(r.sessions) {
			return true
		}
	}
	return false
}

// Deregister marks a session ended. Idempotent.
func (r *Registry) Deregister(sessionID, reason string) error {
	r.mu.Lock()
	sess, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%s: %w", sessionID, ErrSessionNotFound)
	}
	if sess.Status == StatusEnded {
		r.mu.Unlock()
		return nil
	}
	r.endLocked(sess, reason)
	snapshot := *sess
	r.mu.Unlock()

	r.publish(event.New(event.TypeSessionEnded, sessionID, snapshot))
	return nil
}

// endLocked transitions a session to ended and drops its correlation index
// entry so the id becomes reusable. Caller holds r.mu.
func (r *Registry) endLocked(sess *Session, reason string) {
	sess.Status = StatusEnded
	sess.EndedAt = time.Now()
	sess.EndReason = reason
	if sess.ExternalCorrelationID != "" {
		delete(r.byCorrID, sess.ExternalCorrelationID)
	}
	r.updateStatusGaugesLocked()
	r.logger.Info().Str("session", sess.ID).Str("reason", reason).Msg("session ended")
}

// Touch records activity for a session.
func (r *Registry) Touch(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sess, ok := r.sessions[sessionID]; ok && sess.Status != StatusEnded {
		sess.LastActiveAt = time.Now()
	}
}

// UpdateMetrics stores the latest utilization figures for a session and
// counts as activity.
func (r *Registry) UpdateMetrics(sessionID string, m ContextMetrics) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sess, ok := r.sessions[sessionID]; ok && sess.Status != StatusEnded {
		sess.Metrics = m
		sess.LastActiveAt = time.Now()
	}
}

// ResolveByCorrelation returns the non-ended session for a correlation id.
func (r *Registry) ResolveByCorrelation(corrID string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if id, ok := r.byCorrID[corrID]; ok {
		return *r.sessions[id], true
	}
	return Session{}, false
}

// Get returns a session by id.
func (r *Registry) Get(sessionID string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if sess, ok := r.sessions[sessionID]; ok {
		return *sess, true
	}
	return Session{}, false
}

// Children returns all sessions whose parent id equals the argument.
func (r *Registry) Children(sessionID string) []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Session
	for _, sess := range r.sessions {
		if sess.ParentID == sessionID {
			out = append(out, *sess)
		}
	}
	return out
}

// Sessions returns copies of all sessions with any of the given statuses,
// or all sessions when none are given.
func (r *Registry) Sessions(statuses ...Status) []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Session
	for _, sess := range r.sessions {
		if len(statuses) == 0 {
			out = append(out, *sess)
			continue
		}
		for _, st := range statuses {
			if sess.Status == st {
				out = append(out, *sess)
				break
			}
		}
	}
	return out
}

// updateStatusGaugesLocked refreshes the per-status gauges. Caller holds
// r.mu.
func (r *Registry) updateStatusGaugesLocked() {
	counts := map[Status]int{}
	for _, sess := range r.sessions {
		counts[sess.Status]++
	}
	for _, st := range []Status{StatusActive, StatusStale, StatusEnded} {
		metrics.SessionsByStatus.WithLabelValues(string(st)).Set(float64(counts[st]))
	}
}
