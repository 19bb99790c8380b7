// Contextd - Context-Threshold Process Supervisor
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/contextd

// Package task models units of work and the phase quality ladder that
// governs their completion.
//
// A task moves through an ordered list of phases, each gated by a minimum
// acceptance score. The supervisor is the only writer; everything else sees
// read-only copies.
package task

import (
	"errors"
	"fmt"
	"time"

	"github.com/tomtom215/contextd/internal/config"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending    Status = "pending"
	StatusReady      Status = "ready"
	StatusInProgress Status = "in_progress"
	StatusBlocked    Status = "blocked"
	StatusCompleted  Status = "completed"
)

var (
	// ErrUnknownPhase is returned when a task references a phase that is
	// not on the ladder.
	ErrUnknownPhase = errors.New("phase not on ladder")

	// ErrDependencyCycle is returned when the dependency graph contains a
	// cycle.
	ErrDependencyCycle = errors.New("dependency cycle")

	// ErrUnknownDependency is returned when a task depends on an id that
	// does not exist in the set being validated.
	ErrUnknownDependency = errors.New("unknown dependency")
)

// Task is a unit of work driven to completion across worker generations.
type Task struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Priority int    `json:"priority"`

	// Phase is the task's current position on the quality ladder.
	Phase  string `json:"phase"`
	Status Status `json:"status"`

	// DependsOn lists task ids that must complete before this task is
	// eligible to run. The graph over these edges must be acyclic.
	DependsOn []string `json:"depends_on,omitempty"`

	AcceptanceCriteria []string `json:"acceptance_criteria,omitempty"`

	// PhaseScores records the most recent evaluation score per phase.
	PhaseScores map[string]float64 `json:"phase_scores,omitempty"`

	// PhaseHistory lists the phase each worker generation actually worked,
	// in order. A retried phase appears once per attempt.
	PhaseHistory []string `json:"phase_history,omitempty"`

	// Generation counts worker generations spent on this task.
	Generation int `json:"generation"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy safe to hand to readers.
func (t *Task) Clone() Task {
	out := *t
	out.DependsOn = append([]string(nil), t.DependsOn...)
	out.AcceptanceCriteria = append([]string(nil), t.AcceptanceCriteria...)
	out.PhaseHistory = append([]string(nil), t.PhaseHistory...)
	if t.PhaseScores != nil {
		out.PhaseScores = make(map[string]float64, len(t.PhaseScores))
		for k, v := range t.PhaseScores {
			out.PhaseScores[k] = v
		}
	}
	return out
}

// Outcome is the result of applying one generation's evaluation.
type Outcome string

const (
	// OutcomeRetry keeps the task on the same phase for another generation.
	OutcomeRetry Outcome = "retry"
	// OutcomeAdvanced moved the task to the next phase.
	OutcomeAdvanced Outcome = "advanced"
	// OutcomeCompleted passed the terminal phase gate.
	OutcomeCompleted Outcome = "completed"
	// OutcomeBlocked exhausted the generation cap without passing.
	OutcomeBlocked Outcome = "blocked"
)

// Ladder is the ordered phase sequence with per-phase minimum scores. The
// last phase is terminal.
type Ladder struct {
	gates []config.PhaseGate
	index map[string]int
}

// NewLadder builds a ladder from configured gates. Gates must be non-empty
// with unique names; config validation enforces this, but the constructor
// re-checks so the invariant does not depend on the call path.
func NewLadder(gates []config.PhaseGate) (*Ladder, error) {
	if len(gates) == 0 {
		return nil, errors.New("phase ladder is empty")
	}
	index := make(map[string]int, len(gates))
	for i, g := range gates {
		if _, dup := index[g.Name]; dup {
			return nil, fmt.Errorf("duplicate phase %q", g.Name)
		}
		index[g.Name] = i
	}
	return &Ladder{gates: append([]config.PhaseGate(nil), gates...), index: index}, nil
}

// First returns the entry phase of the ladder.
func (l *Ladder) First() string { return l.gates[0].Name }

// Terminal returns the final phase of the ladder.
func (l *Ladder) Terminal() string { return l.gates[len(l.gates)-1].Name }

// IsTerminal reports whether phase is the final ladder entry.
func (l *Ladder) IsTerminal(phase string) bool { return phase == l.Terminal() }

// Contains reports whether phase is on the ladder.
func (l *Ladder) Contains(phase string) bool {
	_, ok := l.index[phase]
	return ok
}

// Next returns the phase after the given one. It is pure and deterministic;
// the second return is false for the terminal phase or an unknown phase.
func (l *Ladder) Next(phase string) (string, bool) {
	i, ok := l.index[phase]
	if !ok || i == len(l.gates)-1 {
		return "", false
	}
	return l.gates[i+1].Name, true
}

// MinScore returns the minimum acceptance score for a phase.
func (l *Ladder) MinScore(phase string) (float64, error) {
	i, ok := l.index[phase]
	if !ok {
		return 0, fmt.Errorf("%q: %w", phase, ErrUnknownPhase)
	}
	return l.gates[i].MinScore, nil
}

// ApplyEvaluation folds one worker generation's score into the task. The
// worked phase is always appended to PhaseHistory. Passing a non-terminal
// gate advances the phase but never completes the task; only the terminal
// gate can. A failed gate retries the same phase until maxGenerations is
// reached, after which the task is blocked for human attention.
func (t *Task) ApplyEvaluation(ladder *Ladder, score float64, maxGenerations int) (Outcome, error) {
	min, err := ladder.MinScore(t.Phase)
	if err != nil {
		return "", err
	}

	if t.PhaseScores == nil {
		t.PhaseScores = make(map[string]float64)
	}
	t.PhaseScores[t.Phase] = score
	t.PhaseHistory = append(t.PhaseHistory, t.Phase)
	t.UpdatedAt = time.Now()

	if score >= min {
		if ladder.IsTerminal(t.Phase) {
			t.Status = StatusCompleted
			return OutcomeCompleted, nil
		}
		next, _ := ladder.Next(t.Phase)
		t.Phase = next
		t.Status = StatusReady
		return OutcomeAdvanced, nil
	}

	return t.failGeneration(maxGenerations), nil
}

// ApplyFailedGeneration folds a generation that produced no usable
// evaluation (missing or malformed completion marker). The phase still
// counts toward the traversal history and the generation cap, but no score
// is recorded.
func (t *Task) ApplyFailedGeneration(ladder *Ladder, maxGenerations int) (Outcome, error) {
	if !ladder.Contains(t.Phase) {
		return "", fmt.Errorf("%q: %w", t.Phase, ErrUnknownPhase)
	}
	t.PhaseHistory = append(t.PhaseHistory, t.Phase)
	t.UpdatedAt = time.Now()
	return t.failGeneration(maxGenerations), nil
}

func (t *Task) failGeneration(maxGenerations int) Outcome {
	if maxGenerations > 0 && t.Generation >= maxGenerations {
		t.Status = StatusBlocked
		return OutcomeBlocked
	}
	// Back to ready so the next selection pass picks the task up again;
	// in_progress is reserved for a generation that is actually running.
	t.Status = StatusReady
	return OutcomeRetry
}

// ValidateDependencies checks the dependency graph over the given tasks:
// every referenced id must exist and the graph must be acyclic.
func ValidateDependencies(tasks []Task) error {
	byID := make(map[string]*Task, len(tasks))
	for i := range tasks {
		byID[tasks[i].ID] = &tasks[i]
	}

	const (
		white = iota // unvisited
		gray         // on the current path
		black        // fully explored
	)
	color := make(map[string]int, len(tasks))

	var visit func(id string) error
	visit = func(id string) error {
		switch color[id] {
		case gray:
			return fmt.Errorf("task %s: %w", id, ErrDependencyCycle)
		case black:
			return nil
		}
		color[id] = gray
		for _, dep := range byID[id].DependsOn {
			if _, ok := byID[dep]; !ok {
				return fmt.Errorf("task %s depends on %s: %w", id, dep, ErrUnknownDependency)
			}
			if err := visit(dep); err != nil {
				return err
			}
		}
		color[id] = black
		return nil
	}

	for id := range byID {
		if err := visit(id); err != nil {
			return err
		}
	}
	return nil
}
