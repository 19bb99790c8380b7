// Contextd - Context-Threshold Process Supervisor
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/contextd

// Package event defines the typed envelope that carries registry and
// supervisor state changes to the broadcast layer.
package event

import (
	"time"

	"github.com/google/uuid"
)

// Event types published by the registry and supervisor.
const (
	TypeSnapshot = "snapshot"

	TypeSessionRegistered = "session.registered"
	TypeSessionResumed    = "session.resumed"
	TypeSessionChildAdded = "session.child_added"
	TypeSessionStale      = "session.stale"
	TypeSessionEnded      = "session.ended"
	TypeSessionUsage      = "session.usage"

	TypeTaskUpdated   = "task.updated"
	TypeTaskCompleted = "task.completed"
	TypeTaskBlocked   = "task.blocked"

	TypeWorkerSpawned             = "worker.spawned"
	TypeWorkerThresholdTerminated = "worker.threshold_terminated"
	TypeWorkerExited              = "worker.exited"
)

// Event is one state change. Seq is assigned by the broadcast hub and is
// monotonic per SessionID, giving each session's stream a total order;
// nothing is guaranteed across independent sessions.
type Event struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	SessionID string    `json:"session_id,omitempty"`
	Seq       uint64    `json:"seq"`
	Time      time.Time `json:"time"`
	Payload   any       `json:"payload,omitempty"`
}

// New creates an event with a fresh id and timestamp.
func New(eventType, sessionID string, payload any) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		SessionID: sessionID,
		Time:      time.Now().UTC(),
		Payload:   payload,
	}
}
