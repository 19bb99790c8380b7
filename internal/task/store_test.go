// Contextd - Context-Threshold Process Supervisor
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/contextd

package task

import (
	"errors"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
)

func openTestDB(t *testing.T) *badger.DB {
	t.Helper()
	opts := badger.DefaultOptions(t.TempDir())
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		t.Fatalf("open badger: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestStorePutGet(t *testing.T) {
	s := NewStore(openTestDB(t))

	in := Task{
		ID:           "t1",
		Title:        "wire the parser",
		Priority:     5,
		Phase:        "research",
		Status:       StatusPending,
		PhaseScores:  map[string]float64{"research": 60},
		PhaseHistory: []string{"research"},
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.Put(in); err != nil {
		t.Fatal(err)
	}

	out, err := s.Get("t1")
	if err != nil {
		t.Fatal(err)
	}
	if out.Title != in.Title || out.Phase != in.Phase || out.PhaseScores["research"] != 60 {
		t.Errorf("round trip mismatch: %+v", out)
	}

	if _, err := s.Get("missing"); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("err = %v, want ErrTaskNotFound", err)
	}
}

func TestStoreArchivePreservesHistory(t *testing.T) {
	s := NewStore(openTestDB(t))

	done := Task{
		ID:           "t1",
		Phase:        "test",
		Status:       StatusCompleted,
		PhaseHistory: []string{"research", "research", "design", "implement", "test"},
	}
	if err := s.Put(done); err != nil {
		t.Fatal(err)
	}
	if err := s.Archive(done); err != nil {
		t.Fatal(err)
	}

	if _, err := s.Get("t1"); !errors.Is(err, ErrTaskNotFound) {
		t.Error("archived task still in the live set")
	}

	archived, err := s.ListArchived()
	if err != nil {
		t.Fatal(err)
	}
	if len(archived) != 1 {
		t.Fatalf("archived count = %d, want 1", len(archived))
	}
	if got := len(archived[0].PhaseHistory); got != 5 {
		t.Errorf("phase history length = %d, want 5 entries preserved", got)
	}
}

func TestNextReadyPriorityAndDependencies(t *testing.T) {
	s := NewStore(openTestDB(t))
	now := time.Now().UTC()

	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatal(err)
		}
	}
	must(s.Put(Task{ID: "base", Priority: 1, Status: StatusPending, CreatedAt: now}))
	must(s.Put(Task{ID: "gated", Priority: 9, Status: StatusPending, DependsOn: []string{"base"}, CreatedAt: now}))
	must(s.Put(Task{ID: "low", Priority: 2, Status: StatusPending, CreatedAt: now}))

	// "gated" has the highest priority but an unmet dependency.
	next, ok, err := s.NextReady()
	if err != nil {
		t.Fatal(err)
	}
	if !ok || next.ID != "low" {
		t.Errorf("next = %q (ok=%v), want low", next.ID, ok)
	}

	// Completing and archiving the dependency unlocks the gated task.
	base, _ := s.Get("base")
	base.Status = StatusCompleted
	must(s.Put(base))
	must(s.Archive(base))

	next, ok, err = s.NextReady()
	if err != nil {
		t.Fatal(err)
	}
	if !ok || next.ID != "gated" {
		t.Errorf("next = %q (ok=%v), want gated after dependency completed", next.ID, ok)
	}
}

func TestNextReadySkipsTerminalStatuses(t *testing.T) {
	s := NewStore(openTestDB(t))

	for _, tk := range []Task{
		{ID: "blocked", Priority: 9, Status: StatusBlocked},
		{ID: "running", Priority: 8, Status: StatusInProgress},
	} {
		if err := s.Put(tk); err != nil {
			t.Fatal(err)
		}
	}

	if _, ok, err := s.NextReady(); err != nil || ok {
		t.Errorf("NextReady = ok=%v err=%v, want nothing eligible", ok, err)
	}
}

// TestNextReadyPicksUpRetriedAndAdvancedTasks replays the status writes one
// worker generation performs around an evaluation: the task goes in_progress
// while the worker runs, then back through ApplyEvaluation. Both a failed
// gate and an advance must leave the task selectable again.
func TestNextReadyPicksUpRetriedAndAdvancedTasks(t *testing.T) {
	s := NewStore(openTestDB(t))
	l := testLadder(t)

	tk := Task{ID: "t1", Phase: "research", Status: StatusReady, CreatedAt: time.Now().UTC()}
	if err := s.Put(tk); err != nil {
		t.Fatal(err)
	}

	// Generation 1: spawned, then fails the research gate.
	tk.Generation++
	tk.Status = StatusInProgress
	if err := s.Put(tk); err != nil {
		t.Fatal(err)
	}
	if outcome, err := tk.ApplyEvaluation(l, 50, 10); err != nil || outcome != OutcomeRetry {
		t.Fatalf("outcome = %v err = %v, want retry", outcome, err)
	}
	if err := s.Put(tk); err != nil {
		t.Fatal(err)
	}

	next, ok, err := s.NextReady()
	if err != nil {
		t.Fatal(err)
	}
	if !ok || next.ID != "t1" {
		t.Fatalf("retried task not selectable: next = %q ok=%v", next.ID, ok)
	}

	// Generation 2: spawned again, passes research.
	tk.Generation++
	tk.Status = StatusInProgress
	if err := s.Put(tk); err != nil {
		t.Fatal(err)
	}
	if outcome, err := tk.ApplyEvaluation(l, 95, 10); err != nil || outcome != OutcomeAdvanced {
		t.Fatalf("outcome = %v err = %v, want advanced", outcome, err)
	}
	if err := s.Put(tk); err != nil {
		t.Fatal(err)
	}

	next, ok, err = s.NextReady()
	if err != nil {
		t.Fatal(err)
	}
	if !ok || next.ID != "t1" || next.Phase != "design" {
		t.Fatalf("advanced task not selectable at its new phase: next = %+v ok=%v", next, ok)
	}
}

func TestRecoverInFlight(t *testing.T) {
	dir := t.TempDir()
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		t.Fatal(err)
	}

	s := NewStore(db)
	if err := s.Put(Task{ID: "t1", Status: StatusInProgress, Phase: "design"}); err != nil {
		t.Fatal(err)
	}
	if err := s.Put(Task{ID: "t2", Status: StatusPending, Phase: "research"}); err != nil {
		t.Fatal(err)
	}
	if err := db.Close(); err != nil {
		t.Fatal(err)
	}

	// Reopen as a restarted supervisor would.
	db, err = badger.Open(opts)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	s = NewStore(db)

	n, err := s.RecoverInFlight()
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("recovered = %d, want 1", n)
	}
	tk, err := s.Get("t1")
	if err != nil {
		t.Fatal(err)
	}
	if tk.Status != StatusPending {
		t.Errorf("status = %s, want pending after recovery", tk.Status)
	}
	if tk.Phase != "design" {
		t.Errorf("phase = %q, want design preserved across restart", tk.Phase)
	}
}
