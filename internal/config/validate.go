// Contextd - Context-Threshold Process Supervisor
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/contextd

package config

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// Validate checks struct tags plus the cross-field rules the tags cannot
// express.
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("struct validation: %w", err)
	}

	if c.Tracker.ThresholdPercent >= c.Tracker.HardLimitPercent {
		return fmt.Errorf(
			"tracker.threshold_percent (%.1f) must be strictly below tracker.hard_limit_percent (%.1f)",
			c.Tracker.ThresholdPercent, c.Tracker.HardLimitPercent,
		)
	}

	if c.Tracker.FixedOverhead >= c.Tracker.WindowCapacity {
		return fmt.Errorf(
			"tracker.fixed_overhead (%d) must be below tracker.window_capacity (%d)",
			c.Tracker.FixedOverhead, c.Tracker.WindowCapacity,
		)
	}

	if c.Registry.StaleAfter >= c.Registry.EvictAfter {
		return fmt.Errorf(
			"registry.stale_after (%s) must be shorter than registry.evict_after (%s)",
			c.Registry.StaleAfter, c.Registry.EvictAfter,
		)
	}

	if err := validatePhases(c.Supervisor.Phases); err != nil {
		return err
	}

	if c.Broadcast.Sink.InitialBackoff > c.Broadcast.Sink.MaxBackoff {
		return fmt.Errorf(
			"broadcast.sink.initial_backoff (%s) must not exceed broadcast.sink.max_backoff (%s)",
			c.Broadcast.Sink.InitialBackoff, c.Broadcast.Sink.MaxBackoff,
		)
	}

	return nil
}

// validatePhases ensures the quality ladder is a usable strict total order.
func validatePhases(phases []PhaseGate) error {
	if len(phases) == 0 {
		return errors.New("supervisor.phases must define at least one phase")
	}
	seen := make(map[string]struct{}, len(phases))
	for _, p := range phases {
		if p.Name == "" {
			return errors.New("supervisor.phases entries require a name")
		}
		if _, dup := seen[p.Name]; dup {
			return fmt.Errorf("supervisor.phases contains duplicate phase %q", p.Name)
		}
		seen[p.Name] = struct{}{}
	}
	return nil
}
