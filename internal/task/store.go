// Contextd - Context-Threshold Process Supervisor
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/contextd

package task

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/tomtom215/contextd/internal/metrics"
)

// Key prefixes for BadgerDB storage. Completed tasks move to the archive
// bucket so their phase history survives for audit without cluttering the
// live set.
const (
	taskKeyPrefix    = "task:"
	archiveKeyPrefix = "archive:"
)

// ErrTaskNotFound is returned for lookups of unknown task ids.
var ErrTaskNotFound = errors.New("task not found")

// Store persists tasks in BadgerDB so the supervisor can resume its queue
// after a restart.
type Store struct {
	db *badger.DB
}

// NewStore wraps an open BadgerDB handle.
func NewStore(db *badger.DB) *Store {
	return &Store{db: db}
}

// Put upserts a live task.
func (s *Store) Put(t Task) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(taskKeyPrefix+t.ID), data)
	})
	if err != nil {
		return fmt.Errorf("put task %s: %w", t.ID, err)
	}
	s.refreshGauges()
	return nil
}

// Get retrieves a live task by id.
func (s *Store) Get(id string) (Task, error) {
	var t Task
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(taskKeyPrefix + id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%s: %w", id, ErrTaskNotFound)
		}
		if err != nil {
			return fmt.Errorf("get task %s: %w", id, err)
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &t)
		})
	})
	return t, err
}

// List returns all live tasks ordered by id.
func (s *Store) List() ([]Task, error) {
	return s.listPrefix(taskKeyPrefix)
}

// ListArchived returns all archived (completed) tasks ordered by id.
func (s *Store) ListArchived() ([]Task, error) {
	return s.listPrefix(archiveKeyPrefix)
}

func (s *Store) listPrefix(keyPrefix string) ([]Task, error) {
	var out []Task
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(keyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var t Task
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &t)
			})
			if err != nil {
				return fmt.Errorf("decode task %s: %w", it.Item().Key(), err)
			}
			out = append(out, t)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Archive moves a completed task out of the live set, preserving its full
// record including PhaseHistory.
func (s *Store) Archive(t Task) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set([]byte(archiveKeyPrefix+t.ID), data); err != nil {
			return err
		}
		return txn.Delete([]byte(taskKeyPrefix + t.ID))
	})
	if err != nil {
		return fmt.Errorf("archive task %s: %w", t.ID, err)
	}
	s.refreshGauges()
	return nil
}

// NextReady returns the eligible task the supervisor should work next:
// highest priority among pending or ready tasks whose dependencies have all
// completed. Archived tasks count as completed dependencies. The second
// return is false when nothing is eligible.
func (s *Store) NextReady() (Task, bool, error) {
	live, err := s.List()
	if err != nil {
		return Task{}, false, err
	}
	archived, err := s.ListArchived()
	if err != nil {
		return Task{}, false, err
	}

	done := make(map[string]bool, len(archived))
	for _, t := range archived {
		done[t.ID] = true
	}
	for _, t := range live {
		if t.Status == StatusCompleted {
			done[t.ID] = true
		}
	}

	var best *Task
	for i := range live {
		t := &live[i]
		if t.Status != StatusPending && t.Status != StatusReady {
			continue
		}
		eligible := true
		for _, dep := range t.DependsOn {
			if !done[dep] {
				eligible = false
				break
			}
		}
		if !eligible {
			continue
		}
		if best == nil || t.Priority > best.Priority ||
			(t.Priority == best.Priority && t.CreatedAt.Before(best.CreatedAt)) {
			best = t
		}
	}
	if best == nil {
		return Task{}, false, nil
	}
	return *best, true, nil
}

// RecoverInFlight reverts tasks left in_progress by a crashed supervisor
// back to pending so they are picked up again.
func (s *Store) RecoverInFlight() (int, error) {
	live, err := s.List()
	if err != nil {
		return 0, err
	}
	recovered := 0
	for _, t := range live {
		if t.Status != StatusInProgress {
			continue
		}
		t.Status = StatusPending
		t.UpdatedAt = time.Now()
		if err := s.Put(t); err != nil {
			return recovered, err
		}
		recovered++
	}
	return recovered, nil
}

// refreshGauges recounts the per-status task gauges. Gauge drift on a read
// error is acceptable; the next successful mutation corrects it.
func (s *Store) refreshGauges() {
	live, err := s.List()
	if err != nil {
		return
	}
	archived, err := s.ListArchived()
	if err != nil {
		return
	}
	counts := map[Status]int{}
	for _, t := range live {
		counts[t.Status]++
	}
	counts[StatusCompleted] += len(archived)
	for _, st := range []Status{StatusPending, StatusReady, StatusInProgress, StatusBlocked, StatusCompleted} {
		metrics.TasksByStatus.WithLabelValues(string(st)).Set(float64(counts[st]))
	}
}
