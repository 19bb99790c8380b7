// Contextd - Context-Threshold Process Supervisor
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/contextd

package supervisor

import (
	"errors"
	"fmt"
	"os"

	"github.com/goccy/go-json"
)

// ErrNoMarker is returned when a worker generation left no usable
// completion marker behind.
var ErrNoMarker = errors.New("no completion marker")

// CriterionResult is one acceptance-criteria checklist entry from a
// completion marker.
type CriterionResult struct {
	Statement string `json:"statement"`
	Met       bool   `json:"met"`
}

// Marker is the durable completion record a worker writes when it finishes
// a unit of work: the acceptance checklist plus a phase quality score.
type Marker struct {
	TaskID   string            `json:"task_id"`
	Phase    string            `json:"phase"`
	Score    float64           `json:"score"`
	Criteria []CriterionResult `json:"criteria,omitempty"`
}

// readMarker loads and validates the completion marker at path. An absent
// or malformed marker maps to ErrNoMarker: the generation simply did not
// complete.
func readMarker(path string) (Marker, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Marker{}, ErrNoMarker
		}
		return Marker{}, fmt.Errorf("read marker %s: %w", path, err)
	}

	var m Marker
	if err := json.Unmarshal(data, &m); err != nil {
		return Marker{}, fmt.Errorf("%w: malformed marker %s: %v", ErrNoMarker, path, err)
	}
	if m.Score < 0 || m.Score > 100 {
		return Marker{}, fmt.Errorf("%w: marker %s score %v out of range", ErrNoMarker, path, m.Score)
	}
	return m, nil
}

// consumeMarker removes a marker file after evaluation so a stale marker
// can never satisfy a later generation.
func consumeMarker(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove marker %s: %w", path, err)
	}
	return nil
}
