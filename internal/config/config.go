// Contextd - Context-Threshold Process Supervisor
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/contextd

// Package config provides layered configuration loading for Contextd using
// Koanf v2 (defaults, then optional YAML file, then environment variables).
//
// There is no ambient global configuration: main loads one validated Config
// and passes the relevant section into each component at construction time.
package config

import (
	"time"
)

// Config is the root configuration object.
type Config struct {
	Server     ServerConfig     `koanf:"server"`
	Logging    LoggingConfig    `koanf:"logging"`
	Tracker    TrackerConfig    `koanf:"tracker"`
	Registry   RegistryConfig   `koanf:"registry"`
	Supervisor SupervisorConfig `koanf:"supervisor"`
	Broadcast  BroadcastConfig  `koanf:"broadcast"`
	Store      StoreConfig      `koanf:"store"`
}

// ServerConfig configures the HTTP API surface.
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port" validate:"gte=1,lte=65535"`
	Timeout         time.Duration `koanf:"timeout"`
	CORSOrigins     []string      `koanf:"cors_origins"`
	RateLimitReqs   int           `koanf:"rate_limit_reqs" validate:"gte=1"`
	RateLimitWindow time.Duration `koanf:"rate_limit_window"`
}

// LoggingConfig configures the zerolog output.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn error fatal disabled"`
	Format string `koanf:"format" validate:"oneof=json console"`
	Caller bool   `koanf:"caller"`
}

// TrackerConfig configures context-window utilization tracking.
type TrackerConfig struct {
	// LogRoot is the directory tree of per-session activity logs.
	LogRoot string `koanf:"log_root" validate:"required"`

	// WindowCapacity is the total context-window budget in tokens.
	WindowCapacity int64 `koanf:"window_capacity" validate:"gt=0"`

	// FixedOverhead is the worker's baseline bookkeeping cost in tokens,
	// consumed before any activity is logged.
	FixedOverhead int64 `koanf:"fixed_overhead" validate:"gte=0"`

	// ThresholdPercent triggers graceful worker termination when crossed.
	ThresholdPercent float64 `koanf:"threshold_percent" validate:"gt=0,lt=100"`

	// HardLimitPercent is the documented external auto-compaction point.
	// ThresholdPercent must stay strictly below it; the margin is a design
	// constant, not derived.
	HardLimitPercent float64 `koanf:"hard_limit_percent" validate:"gt=0,lte=100"`
}

// RegistryConfig configures session lifecycle management.
type RegistryConfig struct {
	// StaleAfter marks a session stale after this inactivity period.
	StaleAfter time.Duration `koanf:"stale_after" validate:"gt=0"`

	// EvictAfter ends a stale session after this longer inactivity period.
	EvictAfter time.Duration `koanf:"evict_after" validate:"gt=0"`

	// SweepInterval is how often the staleness sweep runs.
	SweepInterval time.Duration `koanf:"sweep_interval" validate:"gt=0"`

	// LockTimeout bounds how long Register waits on the per-correlation-id
	// serialization lock before failing fast.
	LockTimeout time.Duration `koanf:"lock_timeout" validate:"gt=0"`

	// AdoptLookback bounds the recency window for matching a registration
	// that carries no correlation id to an existing same-project session.
	AdoptLookback time.Duration `koanf:"adopt_lookback" validate:"gt=0"`
}

// PhaseGate defines one phase in the quality ladder and its minimum
// acceptance score.
type PhaseGate struct {
	Name     string  `koanf:"name" validate:"required"`
	MinScore float64 `koanf:"min_score" validate:"gte=0,lte=100"`
}

// SupervisorConfig configures the worker-generation loop.
type SupervisorConfig struct {
	// WorkerCommand is the worker binary and its fixed arguments. The
	// generated directive is appended as the final argument.
	WorkerCommand []string `koanf:"worker_command" validate:"required,min=1"`

	// WorkDir is the working directory for spawned workers.
	WorkDir string `koanf:"work_dir"`

	// SinkDir receives per-generation worker stdio sink files. Worker output
	// is never inherited by the supervisor's own stdio.
	SinkDir string `koanf:"sink_dir" validate:"required"`

	// MarkerDir is where workers write completion markers.
	MarkerDir string `koanf:"marker_dir" validate:"required"`

	// DefaultDirective describes the fallback unit of work when no task is
	// ready.
	DefaultDirective string `koanf:"default_directive"`

	// Phases is the ordered quality ladder. The last entry is terminal.
	Phases []PhaseGate `koanf:"phases" validate:"required,min=1,dive"`

	// MaxGenerations caps worker generations per task before it is marked
	// blocked.
	MaxGenerations int `koanf:"max_generations" validate:"gte=1"`

	// TerminateGrace is the wait between the terminate signal and force-kill.
	TerminateGrace time.Duration `koanf:"terminate_grace" validate:"gt=0"`

	// SpawnRetries bounds spawn retry attempts before the loop fails.
	SpawnRetries uint64 `koanf:"spawn_retries"`

	// SpawnBackoff is the initial backoff between spawn retries.
	SpawnBackoff time.Duration `koanf:"spawn_backoff" validate:"gt=0"`

	// ShutdownDrain bounds the wait for outstanding network calls during
	// shutdown.
	ShutdownDrain time.Duration `koanf:"shutdown_drain" validate:"gt=0"`
}

// SinkConfig configures delivery to one external notification sink.
type SinkConfig struct {
	// URL is the HTTP(S) endpoint lifecycle events are pushed to. Empty
	// disables sink delivery entirely.
	URL string `koanf:"url"`

	Timeout        time.Duration `koanf:"timeout" validate:"gt=0"`
	MaxAttempts    uint64        `koanf:"max_attempts" validate:"gte=1"`
	InitialBackoff time.Duration `koanf:"initial_backoff" validate:"gt=0"`
	MaxBackoff     time.Duration `koanf:"max_backoff" validate:"gt=0"`

	// BreakerThreshold is the consecutive-failure count that opens the
	// circuit.
	BreakerThreshold uint32 `koanf:"breaker_threshold" validate:"gte=1"`

	// BreakerCooldown is how long the circuit stays open before the
	// half-open probe.
	BreakerCooldown time.Duration `koanf:"breaker_cooldown" validate:"gt=0"`

	// FallbackDir is the durable on-disk queue for events that exhausted
	// retries or hit an open circuit.
	FallbackDir string `koanf:"fallback_dir" validate:"required"`

	// ReplayInterval is how often the fallback queue is replayed.
	ReplayInterval time.Duration `koanf:"replay_interval" validate:"gt=0"`
}

// BroadcastConfig configures the streaming fan-out layer.
type BroadcastConfig struct {
	// BufferSize is the per-subscriber event channel depth.
	BufferSize int `koanf:"buffer_size" validate:"gte=1"`

	// KeepAliveInterval must be shorter than any intermediary's
	// idle-connection timeout.
	KeepAliveInterval time.Duration `koanf:"keep_alive_interval" validate:"gt=0"`

	Sink SinkConfig `koanf:"sink"`
}

// StoreConfig configures the durable task store.
type StoreConfig struct {
	// Path is the BadgerDB directory. Task records must survive supervisor
	// restarts.
	Path string `koanf:"path" validate:"required"`
}

// defaultConfig returns a Config with all default values. Defaults are
// applied first, then overridden by config file and environment variables.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "127.0.0.1",
			Port:            3877,
			Timeout:         30 * time.Second,
			CORSOrigins:     []string{"*"},
			RateLimitReqs:   300,
			RateLimitWindow: time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
		Tracker: TrackerConfig{
			LogRoot:          "/data/activity",
			WindowCapacity:   200000,
			FixedOverhead:    38000,
			ThresholdPercent: 65.0,
			HardLimitPercent: 77.5,
		},
		Registry: RegistryConfig{
			StaleAfter:    2 * time.Minute,
			EvictAfter:    30 * time.Minute,
			SweepInterval: 15 * time.Second,
			LockTimeout:   2 * time.Second,
			AdoptLookback: 30 * time.Second,
		},
		Supervisor: SupervisorConfig{
			WorkerCommand:    []string{"worker"},
			WorkDir:          "",
			SinkDir:          "/data/sinks",
			MarkerDir:        "/data/markers",
			DefaultDirective: "Continue the highest-value pending work.",
			Phases: []PhaseGate{
				{Name: "research", MinScore: 80},
				{Name: "design", MinScore: 85},
				{Name: "implement", MinScore: 85},
				{Name: "test", MinScore: 90},
			},
			MaxGenerations: 10,
			TerminateGrace: 10 * time.Second,
			SpawnRetries:   3,
			SpawnBackoff:   2 * time.Second,
			ShutdownDrain:  5 * time.Second,
		},
		Broadcast: BroadcastConfig{
			BufferSize:        256,
			KeepAliveInterval: 15 * time.Second,
			Sink: SinkConfig{
				URL:              "",
				Timeout:          10 * time.Second,
				MaxAttempts:      4,
				InitialBackoff:   500 * time.Millisecond,
				MaxBackoff:       30 * time.Second,
				BreakerThreshold: 5,
				BreakerCooldown:  time.Minute,
				FallbackDir:      "/data/fallback",
				ReplayInterval:   30 * time.Second,
			},
		},
		Store: StoreConfig{
			Path: "/data/tasks",
		},
	}
}
