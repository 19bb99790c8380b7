// Contextd - Context-Threshold Process Supervisor
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/contextd

package registry

import (
	"time"

	"github.com/tomtom215/contextd/internal/projectkey"
)

// Kind distinguishes interactively driven sessions from supervisor-spawned
// autonomous worker generations.
type Kind string

const (
	KindInteractive Kind = "interactive"
	KindAutonomous  Kind = "autonomous"
)

// Status is the session lifecycle state. Stale sessions are inactive but
// still resumable; ended sessions are terminally closed.
type Status string

const (
	StatusActive Status = "active"
	StatusStale  Status = "stale"
	StatusEnded  Status = "ended"
)

// ContextMetrics mirrors the tracker's latest utilization figures for a
// session. The registry holds a copy for listing purposes; the tracker owns
// the computation.
type ContextMetrics struct {
	TokensIn               int64   `json:"tokens_in"`
	TokensOut              int64   `json:"tokens_out"`
	CacheRead              int64   `json:"cache_read"`
	CacheCreate            int64   `json:"cache_create"`
	UtilizationPercent     float64 `json:"utilization_percent"`
	PeakUtilizationPercent float64 `json:"peak_utilization_percent"`
}

// Session is one worker-process generation or logical connection.
type Session struct {
	// ID is registry-assigned and stable for the session's lifetime.
	ID string `json:"id"`

	// ExternalCorrelationID is optional, supplied by the caller, and used
	// for idempotent re-registration. At most one non-ended session exists
	// per non-empty correlation id at any instant.
	ExternalCorrelationID string `json:"external_correlation_id,omitempty"`

	ProjectKey projectkey.Key `json:"project_key"`
	Kind       Kind           `json:"kind"`

	// ParentID is a weak reference to the parent session, set at creation
	// and immutable afterwards.
	ParentID string `json:"parent_id,omitempty"`

	Status       Status         `json:"status"`
	CreatedAt    time.Time      `json:"created_at"`
	LastActiveAt time.Time      `json:"last_active_at"`
	EndedAt      time.Time      `json:"ended_at"`
	EndReason    string         `json:"end_reason,omitempty"`
	Metrics      ContextMetrics `json:"context_metrics"`
}

// Info carries the caller-supplied fields for a registration.
type Info struct {
	ExternalCorrelationID string
	ProjectPath           string
	Kind                  Kind
}
