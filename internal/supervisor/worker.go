// Contextd - Context-Threshold Process Supervisor
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/contextd

package supervisor

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"
)

// workerProc is one running worker generation. The worker's stdio goes to
// an append-only sink file, never to the supervisor's own stdio, so a
// nested supervisor's context budget is not polluted by child output.
type workerProc struct {
	cmd      *exec.Cmd
	sink     *os.File
	sinkPath string
	done     chan struct{}
	waitErr  error
}

// spawnWorker starts one worker process for the given directive. The
// session id is exported so the worker names its activity log after it.
func spawnWorker(cfg workerSpawn) (*workerProc, error) {
	if err := os.MkdirAll(cfg.SinkDir, 0o755); err != nil {
		return nil, fmt.Errorf("create sink dir: %w", err)
	}

	sinkPath := filepath.Join(cfg.SinkDir, cfg.SessionID+".log")
	sink, err := os.OpenFile(sinkPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open sink %s: %w", sinkPath, err)
	}

	args := append(append([]string(nil), cfg.Command[1:]...), cfg.Directive)
	cmd := exec.Command(cfg.Command[0], args...)
	cmd.Dir = cfg.WorkDir
	cmd.Stdin = nil
	cmd.Stdout = sink
	cmd.Stderr = sink
	cmd.Env = append(os.Environ(),
		"CONTEXTD_SESSION_ID="+cfg.SessionID,
		"CONTEXTD_TASK_ID="+cfg.TaskID,
		"CONTEXTD_PHASE="+cfg.Phase,
		"CONTEXTD_MARKER_PATH="+cfg.MarkerPath,
	)

	if err := cmd.Start(); err != nil {
		sink.Close()
		return nil, fmt.Errorf("start worker: %w", err)
	}

	w := &workerProc{cmd: cmd, sink: sink, sinkPath: sinkPath, done: make(chan struct{})}
	go func() {
		w.waitErr = cmd.Wait()
		sink.Close()
		close(w.done)
	}()
	return w, nil
}

// workerSpawn carries everything spawnWorker needs for one generation.
type workerSpawn struct {
	Command    []string
	Directive  string
	WorkDir    string
	SinkDir    string
	SessionID  string
	TaskID     string
	Phase      string
	MarkerPath string
}

// exitCode returns the worker's exit code once done is closed. -1 means
// the process was killed or never exited normally.
func (w *workerProc) exitCode() int {
	var exitErr *exec.ExitError
	if errors.As(w.waitErr, &exitErr) {
		return exitErr.ExitCode()
	}
	if w.waitErr != nil {
		return -1
	}
	return 0
}

// terminate asks the worker to stop, escalating to a kill after the grace
// period. It returns once the process has exited. Safe to call on a worker
// that already exited.
func (w *workerProc) terminate(grace time.Duration) {
	select {
	case <-w.done:
		return
	default:
	}

	// Signal errors are ignored; the kill below is the backstop.
	_ = w.cmd.Process.Signal(syscall.SIGTERM)

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-w.done:
		return
	case <-timer.C:
	}

	_ = w.cmd.Process.Kill()
	<-w.done
}
