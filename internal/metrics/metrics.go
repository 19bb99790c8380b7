// Contextd - Context-Threshold Process Supervisor
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/contextd

// Package metrics provides Prometheus instrumentation for Contextd:
// session registry population, context-window utilization, worker
// generations, phase transitions, circuit breaker state, and broadcast
// delivery outcomes.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Registry metrics
	SessionsByStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "contextd_sessions",
			Help: "Current number of sessions by status",
		},
		[]string{"status"}, // active, stale, ended
	)

	SessionRegistrations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "contextd_session_registrations_total",
			Help: "Total session registrations by outcome",
		},
		[]string{"outcome"}, // created, resumed, adopted, rejected
	)

	// Tracker metrics
	ContextUtilization = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "contextd_context_utilization_percent",
			Help: "Latest context-window utilization percent per session",
		},
		[]string{"session"},
	)

	ContextPeakUtilization = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "contextd_context_peak_utilization_percent",
			Help: "Peak context-window utilization percent per session",
		},
		[]string{"session"},
	)

	ContextVelocity = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "contextd_context_velocity_percent_per_minute",
			Help: "Rate of utilization increase per session, advisory only",
		},
		[]string{"session"},
	)

	ActivityLogParseErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "contextd_activity_log_parse_errors_total",
			Help: "Total malformed activity-log lines skipped",
		},
	)

	// Supervisor metrics
	WorkerGenerations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "contextd_worker_generations_total",
			Help: "Total worker generations by exit reason",
		},
		[]string{"reason"}, // task, directive
	)

	ThresholdTerminations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "contextd_threshold_terminations_total",
			Help: "Total graceful terminations triggered by the utilization threshold",
		},
	)

	PhaseTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "contextd_phase_transitions_total",
			Help: "Total task phase transitions",
		},
		[]string{"from", "to"},
	)

	TasksByStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "contextd_tasks",
			Help: "Current number of tasks by status",
		},
		[]string{"status"},
	)

	// Broadcast / notification metrics
	BroadcastSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "contextd_broadcast_subscribers",
			Help: "Current number of connected broadcast subscribers",
		},
	)

	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "contextd_events_published_total",
			Help: "Total events published to the broadcast hub",
		},
		[]string{"type"},
	)

	EventsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "contextd_events_dropped_total",
			Help: "Total events dropped because a subscriber channel was full",
		},
	)

	SinkDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "contextd_sink_deliveries_total",
			Help: "Total notification sink delivery attempts by result",
		},
		[]string{"sink", "result"}, // success, failure, rejected, permanent
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "contextd_circuit_breaker_state",
			Help: "Circuit breaker state per sink (0=closed, 1=half-open, 2=open)",
		},
		[]string{"sink"},
	)

	CircuitBreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "contextd_circuit_breaker_transitions_total",
			Help: "Total circuit breaker state transitions per sink",
		},
		[]string{"sink", "from", "to"},
	)

	FallbackQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "contextd_fallback_queue_depth",
			Help: "Events waiting in the durable fallback queue per sink",
		},
		[]string{"sink"},
	)

	FallbackReplays = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "contextd_fallback_replays_total",
			Help: "Total fallback queue replay attempts by result",
		},
		[]string{"sink", "result"},
	)
)
