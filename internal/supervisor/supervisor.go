// Contextd - Context-Threshold Process Supervisor
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/contextd

// Package supervisor drives worker generations against the task queue.
//
// Each generation spawns one worker process, watches its context-window
// utilization, and terminates it once the safety threshold is crossed so
// the work can continue in a fresh generation instead of degrading inside
// an exhausted window. Worker output goes to a per-generation sink file;
// evaluation happens through durable completion markers.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/thejerf/suture/v4"

	"github.com/tomtom215/contextd/internal/config"
	"github.com/tomtom215/contextd/internal/event"
	"github.com/tomtom215/contextd/internal/metrics"
	"github.com/tomtom215/contextd/internal/registry"
	"github.com/tomtom215/contextd/internal/task"
	"github.com/tomtom215/contextd/internal/tracker"
)

// idlePoll is how often the loop re-checks the queue when nothing is
// eligible and no default directive is configured.
const idlePoll = 2 * time.Second

// Publisher receives lifecycle events from the generation loop.
type Publisher interface {
	Publish(ev event.Event)
}

// Supervisor runs the worker-generation loop as a suture service.
type Supervisor struct {
	cfg          config.SupervisorConfig
	thresholdPct float64
	logger       zerolog.Logger

	tracker  *tracker.Tracker
	registry *registry.Registry
	store    *task.Store
	ladder   *task.Ladder
	pub      Publisher

	mu         sync.Mutex
	current    *workerProc
	currentSub uint64

	shutdown sync.Once
}

// New creates a Supervisor. thresholdPct is the utilization percentage at
// which a running worker is terminated.
func New(cfg config.SupervisorConfig, thresholdPct float64, tr *tracker.Tracker, reg *registry.Registry, store *task.Store, pub Publisher, logger zerolog.Logger) (*Supervisor, error) {
	ladder, err := task.NewLadder(cfg.Phases)
	if err != nil {
		return nil, fmt.Errorf("phase ladder: %w", err)
	}
	return &Supervisor{
		cfg:          cfg,
		thresholdPct: thresholdPct,
		logger:       logger.With().Str("component", "supervisor").Logger(),
		tracker:      tr,
		registry:     reg,
		store:        store,
		ladder:       ladder,
		pub:          pub,
	}, nil
}

// String implements fmt.Stringer for suture logging.
func (s *Supervisor) String() string { return "worker-supervisor" }

// Ladder exposes the configured phase ladder to read-only consumers.
func (s *Supervisor) Ladder() *task.Ladder { return s.ladder }

// Serve runs generations until the context is cancelled. A spawn failure
// that survives the retry budget returns suture.ErrDoNotRestart: restarting
// the loop would only re-run the same doomed exec.
func (s *Supervisor) Serve(ctx context.Context) error {
	if n, err := s.store.RecoverInFlight(); err != nil {
		return fmt.Errorf("recover in-flight tasks: %w", err)
	} else if n > 0 {
		s.logger.Info().Int("tasks", n).Msg("recovered in-flight tasks from previous run")
	}

	s.logger.Info().
		Float64("threshold_percent", s.thresholdPct).
		Int("max_generations", s.cfg.MaxGenerations).
		Msg("supervisor started")

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		tk, ok, err := s.store.NextReady()
		if err != nil {
			return fmt.Errorf("select next task: %w", err)
		}

		switch {
		case ok:
			err = s.runGeneration(ctx, &tk)
		case s.cfg.DefaultDirective != "":
			err = s.runGeneration(ctx, nil)
		default:
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(idlePoll):
			}
			continue
		}
		if err != nil {
			return err
		}
	}
}

// runGeneration executes one worker generation: spawn, watch utilization,
// wait for exit, evaluate the completion marker. A nil task runs the
// default directive without queue mutation.
func (s *Supervisor) runGeneration(ctx context.Context, tk *task.Task) error {
	corrID := uuid.NewString()

	var markerPath string
	reason := "directive"
	if tk != nil {
		reason = "task"
		markerPath = filepath.Join(s.cfg.MarkerDir, tk.ID+".json")
		tk.Generation++
		tk.Status = task.StatusInProgress
		tk.UpdatedAt = time.Now()
		if err := s.store.Put(*tk); err != nil {
			return err
		}
	}

	sessionID, err := s.registry.Register(registry.Info{
		ExternalCorrelationID: corrID,
		ProjectPath:           s.cfg.WorkDir,
		Kind:                  registry.KindAutonomous,
	})
	if err != nil {
		return fmt.Errorf("register worker session: %w", err)
	}

	w, err := s.spawnWithRetry(ctx, tk, corrID, markerPath)
	if err != nil {
		_ = s.registry.Deregister(sessionID, "spawn failed")
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("spawn worker after %d retries: %v: %w", s.cfg.SpawnRetries, err, suture.ErrDoNotRestart)
	}

	metrics.WorkerGenerations.WithLabelValues(reason).Inc()
	s.logger.Info().
		Str("session", sessionID).
		Str("reason", reason).
		Int("pid", w.cmd.Process.Pid).
		Msg("worker spawned")
	s.publish(event.New(event.TypeWorkerSpawned, sessionID, map[string]any{
		"task_id": taskID(tk),
		"phase":   taskPhase(tk),
		"pid":     w.cmd.Process.Pid,
		"sink":    w.sinkPath,
	}))

	// terminated is fresh per generation: the threshold fires at most one
	// termination per worker no matter how many usage updates race in. The
	// callback unsubscribes through the id the tracker hands it, which is
	// valid even for an update delivered before SubscribeUsage returns.
	var terminated atomic.Bool
	subID := s.tracker.SubscribeUsage(func(subID uint64, sessionKey string, snap tracker.Snapshot) {
		if sessionKey != corrID {
			return
		}
		s.registry.UpdateMetrics(sessionID, registry.ContextMetrics{
			TokensIn:               snap.Usage.TokensIn,
			TokensOut:              snap.Usage.TokensOut,
			CacheRead:              snap.Usage.CacheRead,
			CacheCreate:            snap.Usage.CacheCreate,
			UtilizationPercent:     snap.Percent,
			PeakUtilizationPercent: snap.Peak,
		})
		s.publish(event.New(event.TypeSessionUsage, sessionID, snap))

		if snap.Percent >= s.thresholdPct && terminated.CompareAndSwap(false, true) {
			// Stop listening before signalling so no further callback can
			// observe the dying process.
			s.tracker.Unsubscribe(subID)
			metrics.ThresholdTerminations.Inc()
			s.logger.Warn().
				Str("session", sessionID).
				Float64("percent", snap.Percent).
				Float64("threshold", s.thresholdPct).
				Msg("context threshold crossed, terminating worker")
			s.publish(event.New(event.TypeWorkerThresholdTerminated, sessionID, map[string]any{
				"task_id":   taskID(tk),
				"percent":   snap.Percent,
				"threshold": s.thresholdPct,
			}))
			go w.terminate(s.cfg.TerminateGrace)
		}
	})

	s.mu.Lock()
	s.current = w
	s.currentSub = subID
	s.mu.Unlock()

	select {
	case <-ctx.Done():
		s.tracker.Unsubscribe(subID)
		w.terminate(s.cfg.TerminateGrace)
	case <-w.done:
	}

	s.mu.Lock()
	s.current = nil
	s.mu.Unlock()

	s.tracker.Unsubscribe(subID)
	s.tracker.Forget(corrID)

	endReason := "worker exited"
	if terminated.Load() {
		endReason = "context threshold termination"
	} else if code := w.exitCode(); code != 0 {
		// Not a threshold kill: the worker died on its own. The marker read
		// below decides retry, same as any incomplete generation.
		s.logger.Warn().
			Str("session", sessionID).
			Int("exit_code", code).
			Msg("worker exited unexpectedly")
	}
	_ = s.registry.Deregister(sessionID, endReason)
	s.publish(event.New(event.TypeWorkerExited, sessionID, map[string]any{
		"task_id":   taskID(tk),
		"exit_code": w.exitCode(),
	}))

	if err := ctx.Err(); err != nil {
		return err
	}
	if tk == nil {
		return nil
	}
	return s.evaluate(tk, markerPath)
}

// spawnWithRetry starts the worker process, retrying transient failures
// with exponential backoff up to the configured budget.
func (s *Supervisor) spawnWithRetry(ctx context.Context, tk *task.Task, corrID, markerPath string) (*workerProc, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.cfg.SpawnBackoff

	return backoff.RetryWithData(func() (*workerProc, error) {
		w, err := spawnWorker(workerSpawn{
			Command:    s.cfg.WorkerCommand,
			Directive:  s.directive(tk, markerPath),
			WorkDir:    s.cfg.WorkDir,
			SinkDir:    s.cfg.SinkDir,
			SessionID:  corrID,
			TaskID:     taskID(tk),
			Phase:      taskPhase(tk),
			MarkerPath: markerPath,
		})
		if err != nil {
			s.logger.Warn().Err(err).Msg("worker spawn failed, retrying")
		}
		return w, err
	}, backoff.WithContext(backoff.WithMaxRetries(bo, s.cfg.SpawnRetries), ctx))
}

// evaluate reads the generation's completion marker and folds it into the
// task. The marker is consumed either way so a stale file can never pass a
// later generation's gate.
func (s *Supervisor) evaluate(tk *task.Task, markerPath string) error {
	from := tk.Phase

	m, err := readMarker(markerPath)
	if rmErr := consumeMarker(markerPath); rmErr != nil {
		s.logger.Warn().Err(rmErr).Msg("marker cleanup failed")
	}

	var outcome task.Outcome
	switch {
	case err == nil && m.TaskID != "" && m.TaskID != tk.ID:
		s.logger.Warn().
			Str("task", tk.ID).
			Str("marker_task", m.TaskID).
			Msg("completion marker names a different task, treating as absent")
		outcome, err = tk.ApplyFailedGeneration(s.ladder, s.cfg.MaxGenerations)
	case err == nil:
		outcome, err = tk.ApplyEvaluation(s.ladder, m.Score, s.cfg.MaxGenerations)
	case errors.Is(err, ErrNoMarker):
		s.logger.Info().Str("task", tk.ID).Msg("no usable completion marker, retrying phase")
		outcome, err = tk.ApplyFailedGeneration(s.ladder, s.cfg.MaxGenerations)
	default:
		return err
	}
	if err != nil {
		return fmt.Errorf("evaluate task %s: %w", tk.ID, err)
	}

	if err := s.store.Put(*tk); err != nil {
		return err
	}

	switch outcome {
	case task.OutcomeCompleted:
		if err := s.store.Archive(*tk); err != nil {
			return err
		}
		metrics.PhaseTransitions.WithLabelValues(from, "completed").Inc()
		s.logger.Info().Str("task", tk.ID).Int("generations", tk.Generation).Msg("task completed")
		s.publish(event.New(event.TypeTaskCompleted, "", tk.Clone()))
	case task.OutcomeAdvanced:
		metrics.PhaseTransitions.WithLabelValues(from, tk.Phase).Inc()
		s.logger.Info().Str("task", tk.ID).Str("from", from).Str("to", tk.Phase).Msg("phase gate passed")
		s.publish(event.New(event.TypeTaskUpdated, "", tk.Clone()))
	case task.OutcomeBlocked:
		s.logger.Warn().Str("task", tk.ID).Int("generations", tk.Generation).Msg("generation cap reached, task blocked for review")
		s.publish(event.New(event.TypeTaskBlocked, "", tk.Clone()))
	default:
		s.publish(event.New(event.TypeTaskUpdated, "", tk.Clone()))
	}
	return nil
}

// directive builds the worker's instruction string from the task, its
// phase gate, and the marker contract.
func (s *Supervisor) directive(tk *task.Task, markerPath string) string {
	if tk == nil {
		return s.cfg.DefaultDirective
	}

	min, err := s.ladder.MinScore(tk.Phase)
	if err != nil {
		min = 0
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Task %s: %s\n", tk.ID, tk.Title)
	fmt.Fprintf(&b, "Phase: %s (minimum acceptance score %.0f)\n", tk.Phase, min)
	if len(tk.AcceptanceCriteria) > 0 {
		b.WriteString("Acceptance criteria:\n")
		for _, c := range tk.AcceptanceCriteria {
			fmt.Fprintf(&b, "  - %s\n", c)
		}
	}
	fmt.Fprintf(&b, "When done, write a JSON completion marker to %s with fields task_id, phase, score, criteria.\n", markerPath)
	return b.String()
}

// Shutdown terminates the running worker, if any, and waits a bounded time
// for it to exit. Idempotent; safe to call concurrently with Serve.
func (s *Supervisor) Shutdown() {
	s.shutdown.Do(func() {
		s.mu.Lock()
		w := s.current
		sub := s.currentSub
		s.mu.Unlock()
		if w == nil {
			return
		}

		s.tracker.Unsubscribe(sub)

		done := make(chan struct{})
		go func() {
			w.terminate(s.cfg.TerminateGrace)
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(s.cfg.ShutdownDrain + s.cfg.TerminateGrace):
			s.logger.Warn().Msg("worker did not exit within shutdown drain")
		}
	})
}

func (s *Supervisor) publish(ev event.Event) {
	if s.pub != nil {
		s.pub.Publish(ev)
	}
}

func taskID(tk *task.Task) string {
	if tk == nil {
		return ""
	}
	return tk.ID
}

func taskPhase(tk *task.Task) string {
	if tk == nil {
		return ""
	}
	return tk.Phase
}
