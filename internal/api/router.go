// Contextd - Context-Threshold Process Supervisor
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/contextd

package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/tomtom215/contextd/internal/config"
)

// NewRouter wires the full route table.
func NewRouter(cfg config.ServerConfig, keepAlive time.Duration, handler *Handler) chi.Router {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Route("/api/v1/health", func(r chi.Router) {
		r.Get("/live", handler.HealthLive)
		r.Get("/ready", handler.HealthReady)
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(httprate.LimitByIP(cfg.RateLimitReqs, cfg.RateLimitWindow))

		r.Get("/sessions", handler.Sessions)
		r.Get("/sessions/{id}", handler.Session)
		r.Get("/sessions/{id}/children", handler.SessionChildren)
		r.Get("/tasks", handler.Tasks)
		r.Get("/tasks/{id}", handler.Task)
		r.Get("/utilization/{key}", handler.Utilization)
		r.Get("/events", handler.Events(keepAlive))
		r.Get("/ws", handler.WebSocket(keepAlive))
	})

	r.Handle("/metrics", promhttp.Handler())

	return r
}

// Server runs the HTTP listener as a suture service.
type Server struct {
	cfg     config.ServerConfig
	router  chi.Router
	logger  zerolog.Logger
	onReady func(bool)
}

// NewServer creates the HTTP service. onReady may be nil.
func NewServer(cfg config.ServerConfig, router chi.Router, onReady func(bool), logger zerolog.Logger) *Server {
	return &Server{
		cfg:     cfg,
		router:  router,
		logger:  logger.With().Str("component", "http-server").Logger(),
		onReady: onReady,
	}
}

// String implements fmt.Stringer for suture logging.
func (s *Server) String() string { return "http-server" }

// Serve runs the listener until the context is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		// No WriteTimeout: the SSE and websocket endpoints hold their
		// connections open indefinitely.
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", addr).Msg("http server listening")
		errCh <- srv.ListenAndServe()
	}()

	if s.onReady != nil {
		s.onReady(true)
		defer s.onReady(false)
	}

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Timeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn().Err(err).Msg("http shutdown incomplete, closing")
			_ = srv.Close()
		}
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	}
}
