// Contextd - Context-Threshold Process Supervisor
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/contextd

// Package api exposes the read-only HTTP surface: session and task queries,
// health probes, Prometheus metrics, and the SSE/websocket event streams.
package api

import (
	"net/http"
	"sync/atomic"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/tomtom215/contextd/internal/broadcast"
	"github.com/tomtom215/contextd/internal/registry"
	"github.com/tomtom215/contextd/internal/task"
	"github.com/tomtom215/contextd/internal/tracker"
)

// Handler serves the API endpoints from read-only views of the core
// components.
type Handler struct {
	registry *registry.Registry
	store    *task.Store
	tracker  *tracker.Tracker
	hub      *broadcast.Hub
	logger   zerolog.Logger

	// ready flips once the suture tree is fully started.
	ready atomic.Bool
}

// NewHandler creates a Handler.
func NewHandler(reg *registry.Registry, store *task.Store, trk *tracker.Tracker, hub *broadcast.Hub, logger zerolog.Logger) *Handler {
	return &Handler{
		registry: reg,
		store:    store,
		tracker:  trk,
		hub:      hub,
		logger:   logger.With().Str("component", "api").Logger(),
	}
}

// SetReady marks the readiness probe healthy.
func (h *Handler) SetReady(ready bool) { h.ready.Store(ready) }

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Debug().Err(err).Msg("response write failed")
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, map[string]string{"error": msg})
}

// HealthLive reports process liveness.
func (h *Handler) HealthLive(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HealthReady reports whether all services have started.
func (h *Handler) HealthReady(w http.ResponseWriter, r *http.Request) {
	if !h.ready.Load() {
		h.writeError(w, http.StatusServiceUnavailable, "starting")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// Sessions lists sessions, optionally filtered by ?status=.
func (h *Handler) Sessions(w http.ResponseWriter, r *http.Request) {
	var statuses []registry.Status
	if s := r.URL.Query().Get("status"); s != "" {
		switch registry.Status(s) {
		case registry.StatusActive, registry.StatusStale, registry.StatusEnded:
			statuses = append(statuses, registry.Status(s))
		default:
			h.writeError(w, http.StatusBadRequest, "unknown status "+s)
			return
		}
	}
	sessions := h.registry.Sessions(statuses...)
	if sessions == nil {
		sessions = []registry.Session{}
	}
	h.writeJSON(w, http.StatusOK, sessions)
}

// Session returns one session by id.
func (h *Handler) Session(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, ok := h.registry.Get(id)
	if !ok {
		h.writeError(w, http.StatusNotFound, "session not found")
		return
	}
	h.writeJSON(w, http.StatusOK, sess)
}

// SessionChildren returns the sessions registered under a parent.
func (h *Handler) SessionChildren(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := h.registry.Get(id); !ok {
		h.writeError(w, http.StatusNotFound, "session not found")
		return
	}
	children := h.registry.Children(id)
	if children == nil {
		children = []registry.Session{}
	}
	h.writeJSON(w, http.StatusOK, children)
}

// Tasks lists live tasks, with ?archived=true switching to the archive.
func (h *Handler) Tasks(w http.ResponseWriter, r *http.Request) {
	var (
		tasks []task.Task
		err   error
	)
	if r.URL.Query().Get("archived") == "true" {
		tasks, err = h.store.ListArchived()
	} else {
		tasks, err = h.store.List()
	}
	if err != nil {
		h.logger.Error().Err(err).Msg("task listing failed")
		h.writeError(w, http.StatusInternalServerError, "task store unavailable")
		return
	}
	if tasks == nil {
		tasks = []task.Task{}
	}
	h.writeJSON(w, http.StatusOK, tasks)
}

// Task returns one task by id, checking the archive when the live set
// misses.
func (h *Handler) Task(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	tk, err := h.store.Get(id)
	if err != nil {
		archived, aErr := h.store.ListArchived()
		if aErr == nil {
			for _, a := range archived {
				if a.ID == id {
					h.writeJSON(w, http.StatusOK, a)
					return
				}
			}
		}
		h.writeError(w, http.StatusNotFound, "task not found")
		return
	}
	h.writeJSON(w, http.StatusOK, tk)
}

// Utilization returns the tracker snapshot for one session key.
func (h *Handler) Utilization(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	snap, ok := h.tracker.Utilization(key)
	if !ok {
		h.writeError(w, http.StatusNotFound, "no utilization data")
		return
	}
	h.writeJSON(w, http.StatusOK, snap)
}
