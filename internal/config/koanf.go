// Contextd - Context-Threshold Process Supervisor
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/contextd

package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists the paths where config files are searched in
// order of priority. The first file found wins.
var DefaultConfigPaths = []string{
	"contextd.yaml",
	"contextd.yml",
	"/etc/contextd/config.yaml",
	"/etc/contextd/config.yml",
}

// ConfigPathEnvVar overrides the config file search path.
const ConfigPathEnvVar = "CONTEXTD_CONFIG"

// Load builds the configuration from layered sources:
//  1. Built-in defaults
//  2. Optional YAML config file
//  3. Environment variables (highest priority)
//
// The result is validated before being returned.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if configPath := findConfigFile(); configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", configPath, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("load environment variables: %w", err)
	}

	if err := processSliceFields(k); err != nil {
		return nil, fmt.Errorf("process slice fields: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// findConfigFile returns the first config file that exists, or "".
func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// sliceConfigPaths defines config paths parsed as comma-separated slices
// when supplied through the environment.
var sliceConfigPaths = []string{
	"server.cors_origins",
	"supervisor.worker_command",
}

// processSliceFields converts comma-separated string values to slices.
// Env vars come in as strings, but the config expects slices.
func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		val := k.Get(path)
		if val == nil {
			continue
		}
		strVal, ok := val.(string)
		if !ok || strVal == "" {
			continue
		}
		parts := strings.Split(strVal, ",")
		trimmed := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				trimmed = append(trimmed, p)
			}
		}
		if len(trimmed) > 0 {
			if err := k.Set(path, trimmed); err != nil {
				return fmt.Errorf("set %s: %w", path, err)
			}
		}
	}
	return nil
}

// envTransformFunc maps environment variable names to koanf config paths.
// Unmapped keys are skipped so random environment variables cannot pollute
// the configuration.
func envTransformFunc(key string) string {
	envMappings := map[string]string{
		"http_host":         "server.host",
		"http_port":         "server.port",
		"http_timeout":      "server.timeout",
		"cors_origins":      "server.cors_origins",
		"rate_limit_reqs":   "server.rate_limit_reqs",
		"rate_limit_window": "server.rate_limit_window",

		"log_level":  "logging.level",
		"log_format": "logging.format",
		"log_caller": "logging.caller",

		"activity_log_root":  "tracker.log_root",
		"window_capacity":    "tracker.window_capacity",
		"fixed_overhead":     "tracker.fixed_overhead",
		"threshold_percent":  "tracker.threshold_percent",
		"hard_limit_percent": "tracker.hard_limit_percent",

		"registry_stale_after":    "registry.stale_after",
		"registry_evict_after":    "registry.evict_after",
		"registry_sweep_interval": "registry.sweep_interval",
		"registry_lock_timeout":   "registry.lock_timeout",
		"registry_adopt_lookback": "registry.adopt_lookback",

		"worker_command":    "supervisor.worker_command",
		"worker_dir":        "supervisor.work_dir",
		"sink_dir":          "supervisor.sink_dir",
		"marker_dir":        "supervisor.marker_dir",
		"default_directive": "supervisor.default_directive",
		"max_generations":   "supervisor.max_generations",
		"terminate_grace":   "supervisor.terminate_grace",
		"spawn_retries":     "supervisor.spawn_retries",
		"spawn_backoff":     "supervisor.spawn_backoff",
		"shutdown_drain":    "supervisor.shutdown_drain",

		"broadcast_buffer_size": "broadcast.buffer_size",
		"keep_alive_interval":   "broadcast.keep_alive_interval",
		"sink_url":              "broadcast.sink.url",
		"sink_timeout":          "broadcast.sink.timeout",
		"sink_max_attempts":     "broadcast.sink.max_attempts",
		"sink_initial_backoff":  "broadcast.sink.initial_backoff",
		"sink_max_backoff":      "broadcast.sink.max_backoff",
		"breaker_threshold":     "broadcast.sink.breaker_threshold",
		"breaker_cooldown":      "broadcast.sink.breaker_cooldown",
		"fallback_dir":          "broadcast.sink.fallback_dir",
		"replay_interval":       "broadcast.sink.replay_interval",

		"task_store_path": "store.path",
	}

	if mapped, ok := envMappings[strings.ToLower(key)]; ok {
		return mapped
	}
	return ""
}
