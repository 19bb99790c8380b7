// Contextd - Context-Threshold Process Supervisor
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/contextd

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultsAreValid(t *testing.T) {
	cfg := defaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default configuration is invalid: %v", err)
	}
}

func TestDefaultThresholdBelowHardLimit(t *testing.T) {
	cfg := defaultConfig()
	if cfg.Tracker.ThresholdPercent >= cfg.Tracker.HardLimitPercent {
		t.Errorf("default threshold %.1f is not strictly below hard limit %.1f",
			cfg.Tracker.ThresholdPercent, cfg.Tracker.HardLimitPercent)
	}
}

func TestValidateRejectsThresholdAtHardLimit(t *testing.T) {
	cfg := defaultConfig()
	cfg.Tracker.ThresholdPercent = cfg.Tracker.HardLimitPercent
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for threshold == hard limit")
	}
}

func TestValidateRejectsInvertedGracePeriods(t *testing.T) {
	cfg := defaultConfig()
	cfg.Registry.StaleAfter = time.Hour
	cfg.Registry.EvictAfter = time.Minute
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for stale_after >= evict_after")
	}
}

func TestValidateRejectsDuplicatePhases(t *testing.T) {
	cfg := defaultConfig()
	cfg.Supervisor.Phases = []PhaseGate{
		{Name: "research", MinScore: 80},
		{Name: "research", MinScore: 85},
	}
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for duplicate phase names")
	}
}

func TestValidateRejectsOverheadAboveCapacity(t *testing.T) {
	cfg := defaultConfig()
	cfg.Tracker.FixedOverhead = cfg.Tracker.WindowCapacity
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for overhead >= capacity")
	}
}

func TestLoadAppliesFileOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "contextd.yaml")
	yaml := `
tracker:
  threshold_percent: 70
supervisor:
  max_generations: 3
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv(ConfigPathEnvVar, path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Tracker.ThresholdPercent != 70 {
		t.Errorf("threshold = %.1f, want 70 from file", cfg.Tracker.ThresholdPercent)
	}
	if cfg.Supervisor.MaxGenerations != 3 {
		t.Errorf("max generations = %d, want 3 from file", cfg.Supervisor.MaxGenerations)
	}
	// Untouched values keep defaults.
	if cfg.Tracker.WindowCapacity != 200000 {
		t.Errorf("window capacity = %d, want default 200000", cfg.Tracker.WindowCapacity)
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "contextd.yaml")
	if err := os.WriteFile(path, []byte("tracker:\n  threshold_percent: 70\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv(ConfigPathEnvVar, path)
	t.Setenv("THRESHOLD_PERCENT", "60")
	t.Setenv("WORKER_COMMAND", "worker, --autonomous")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Tracker.ThresholdPercent != 60 {
		t.Errorf("threshold = %.1f, want env override 60", cfg.Tracker.ThresholdPercent)
	}
	want := []string{"worker", "--autonomous"}
	if len(cfg.Supervisor.WorkerCommand) != len(want) {
		t.Fatalf("worker command = %v, want %v", cfg.Supervisor.WorkerCommand, want)
	}
	for i := range want {
		if cfg.Supervisor.WorkerCommand[i] != want[i] {
			t.Errorf("worker command[%d] = %q, want %q", i, cfg.Supervisor.WorkerCommand[i], want[i])
		}
	}
}

func TestEnvTransformSkipsUnknownKeys(t *testing.T) {
	if got := envTransformFunc("PATH"); got != "" {
		t.Errorf("unmapped env var PATH mapped to %q", got)
	}
	if got := envTransformFunc("THRESHOLD_PERCENT"); got != "tracker.threshold_percent" {
		t.Errorf("THRESHOLD_PERCENT mapped to %q", got)
	}
}

func TestLoadRejectsInvalidFileValues(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "contextd.yaml")
	if err := os.WriteFile(path, []byte("tracker:\n  threshold_percent: 90\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv(ConfigPathEnvVar, path)

	_, err := Load()
	if err == nil {
		t.Fatal("expected Load to fail for threshold above hard limit")
	}
	if !strings.Contains(err.Error(), "hard_limit") {
		t.Errorf("unexpected error: %v", err)
	}
}
