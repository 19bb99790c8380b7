// Contextd - Context-Threshold Process Supervisor
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/contextd

// Package main is the entry point for the contextd daemon.
//
// Contextd supervises worker processes whose usable lifetime is bounded by
// a context window: it tracks each worker's token utilization from its
// activity log, terminates workers that cross the safety threshold, and
// drives tasks through a phase quality ladder across worker generations.
// Session identity, a reliable event broadcast layer, and a read-only HTTP
// API round out the daemon.
//
// Startup order:
//
//  1. Configuration (koanf: defaults, YAML file, environment)
//  2. Logging (zerolog)
//  3. BadgerDB task store
//  4. Core components: tracker, registry, broadcast hub, supervisor
//  5. Suture tree: watch, deliver, and serve services under supervision
//
// Shutdown on SIGINT/SIGTERM terminates the active worker (signal, then
// force-kill after the grace period), flushes pending sink deliveries to
// the durable fallback queue, and closes the store.
package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/dgraph-io/badger/v4"
	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"

	"github.com/tomtom215/contextd/internal/api"
	"github.com/tomtom215/contextd/internal/broadcast"
	"github.com/tomtom215/contextd/internal/config"
	"github.com/tomtom215/contextd/internal/event"
	"github.com/tomtom215/contextd/internal/logging"
	"github.com/tomtom215/contextd/internal/registry"
	"github.com/tomtom215/contextd/internal/supervisor"
	"github.com/tomtom215/contextd/internal/task"
	"github.com/tomtom215/contextd/internal/tracker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("configuration load failed")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})
	logging.Info().
		Str("log_root", cfg.Tracker.LogRoot).
		Float64("threshold_percent", cfg.Tracker.ThresholdPercent).
		Str("store", cfg.Store.Path).
		Msg("starting contextd")

	badgerOpts := badger.DefaultOptions(cfg.Store.Path)
	badgerOpts.Logger = nil
	db, err := badger.Open(badgerOpts)
	if err != nil {
		logging.Fatal().Err(err).Str("path", cfg.Store.Path).Msg("task store open failed")
	}
	defer func() {
		if err := db.Close(); err != nil {
			logging.Error().Err(err).Msg("task store close failed")
		}
	}()

	trk := tracker.New(cfg.Tracker, logging.Logger())
	store := task.NewStore(db)

	// The snapshot closure runs on every subscribe; reg is assigned right
	// after the hub exists, before any subscriber can appear.
	var reg *registry.Registry
	snapshot := func() []event.Event {
		tasks, err := store.List()
		if err != nil {
			logging.Error().Err(err).Msg("task listing failed for snapshot")
		}
		return []event.Event{event.New(event.TypeSnapshot, "", map[string]any{
			"sessions": reg.Sessions(),
			"tasks":    tasks,
		})}
	}

	var notifier *broadcast.Notifier
	sinkCfg := cfg.Broadcast.Sink
	if sinkCfg.URL != "" {
		fallback, err := broadcast.NewFallbackQueue(sinkCfg.FallbackDir, sinkCfg.URL, logging.Logger())
		if err != nil {
			logging.Fatal().Err(err).Msg("fallback queue init failed")
		}
		notifier = broadcast.NewNotifier(sinkCfg, fallback, logging.Logger())
	}

	hub := broadcast.NewHub(cfg.Broadcast, snapshot, notifier, logging.Logger())
	reg = registry.New(cfg.Registry, hub, logging.Logger())

	sup, err := supervisor.New(cfg.Supervisor, cfg.Tracker.ThresholdPercent, trk, reg, store, hub, logging.Logger())
	if err != nil {
		logging.Fatal().Err(err).Msg("supervisor init failed")
	}

	handler := api.NewHandler(reg, store, trk, hub, logging.Logger())
	router := api.NewRouter(cfg.Server, cfg.Broadcast.KeepAliveInterval, handler)
	httpServer := api.NewServer(cfg.Server, router, handler.SetReady, logging.Logger())

	hook := (&sutureslog.Handler{Logger: logging.NewSlogLogger()}).MustHook()
	root := suture.New("contextd", suture.Spec{EventHook: hook})
	root.Add(trk)
	root.Add(reg)
	root.Add(sup)
	if notifier != nil {
		root.Add(notifier)
	}
	root.Add(httpServer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err = root.Serve(ctx)
	// Worker teardown and sink flush happen before the store closes so no
	// durable write is lost.
	sup.Shutdown()
	if err != nil && ctx.Err() == nil {
		logging.Fatal().Err(err).Msg("supervision tree failed")
	}
	logging.Info().Msg("contextd stopped")
}
