// Contextd - Context-Threshold Process Supervisor
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/contextd

package broadcast

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/sync/errgroup"

	"github.com/tomtom215/contextd/internal/config"
	"github.com/tomtom215/contextd/internal/event"
	"github.com/tomtom215/contextd/internal/metrics"
)

// permanentError is a client-side delivery failure (4xx other than 408 and
// 429). Retrying cannot help; the event is counted and not queued.
type permanentError struct {
	status int
}

func (e *permanentError) Error() string {
	return fmt.Sprintf("sink rejected event: status %d", e.status)
}

// Notifier pushes events to one external HTTP sink. Transient failures
// retry with exponential backoff plus jitter up to the attempt cap; a
// per-sink circuit breaker opens after consecutive failures; exhausted or
// short-circuited events land in the durable fallback queue, never dropped.
type Notifier struct {
	cfg      config.SinkConfig
	name     string
	logger   zerolog.Logger
	client   *http.Client
	breaker  *gobreaker.CircuitBreaker[any]
	fallback *FallbackQueue
	queue    chan event.Event
}

// NewNotifier creates a Notifier for the configured sink URL.
func NewNotifier(cfg config.SinkConfig, fallback *FallbackQueue, logger zerolog.Logger) *Notifier {
	name := sinkName(cfg.URL)
	log := logger.With().Str("component", "sink-notifier").Str("sink", name).Logger()

	metrics.CircuitBreakerState.WithLabelValues(name).Set(0)

	breaker := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1, // single half-open probe
		Timeout:     cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Info().Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state change")
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateToFloat(to))
			metrics.CircuitBreakerTransitions.WithLabelValues(name, from.String(), to.String()).Inc()
		},
	})

	return &Notifier{
		cfg:      cfg,
		name:     name,
		logger:   log,
		client:   &http.Client{Timeout: cfg.Timeout},
		breaker:  breaker,
		fallback: fallback,
		queue:    make(chan event.Event, 256),
	}
}

// String implements fmt.Stringer for suture logging.
func (n *Notifier) String() string { return "sink-notifier" }

// Enqueue hands an event to the delivery worker. When the worker is backed
// up the event goes straight to the fallback queue so the publisher never
// blocks and nothing is lost.
func (n *Notifier) Enqueue(ev event.Event) {
	select {
	case n.queue <- ev:
	default:
		if err := n.fallback.Store(ev); err != nil {
			n.logger.Error().Err(err).Str("type", ev.Type).Msg("delivery queue full and fallback write failed")
		}
	}
}

// Serve drains the delivery queue and periodically replays the fallback
// queue. On shutdown, events still queued in memory are flushed to the
// fallback queue before returning.
func (n *Notifier) Serve(ctx context.Context) error {
	ticker := time.NewTicker(n.cfg.ReplayInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			n.flush()
			return ctx.Err()
		case ev := <-n.queue:
			n.deliver(ctx, ev)
		case <-ticker.C:
			n.replay()
		}
	}
}

// deliver runs the full reliability pipeline for one event.
func (n *Notifier) deliver(ctx context.Context, ev event.Event) {
	op := func() error {
		res, err := n.breaker.Execute(func() (any, error) {
			err := n.attempt(ev)
			// A client-side rejection means the sink is healthy and this
			// event is unsendable; it must not trip the breaker.
			var pe *permanentError
			if errors.As(err, &pe) {
				return pe, nil
			}
			return nil, err
		})
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return backoff.Permanent(err)
			}
			return err
		}
		if pe, ok := res.(*permanentError); ok {
			return backoff.Permanent(pe)
		}
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = n.cfg.InitialBackoff
	bo.MaxInterval = n.cfg.MaxBackoff

	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, n.cfg.MaxAttempts-1), ctx))
	switch {
	case err == nil:
		metrics.SinkDeliveries.WithLabelValues(n.name, "success").Inc()
	case isPermanent(err):
		metrics.SinkDeliveries.WithLabelValues(n.name, "rejected").Inc()
		n.logger.Warn().Err(err).Str("type", ev.Type).Msg("sink rejected event, not retried")
	default:
		metrics.SinkDeliveries.WithLabelValues(n.name, "failure").Inc()
		n.logger.Warn().Err(err).Str("type", ev.Type).Msg("delivery failed, queuing for replay")
		if qErr := n.fallback.Store(ev); qErr != nil {
			n.logger.Error().Err(qErr).Str("type", ev.Type).Msg("fallback write failed, event lost")
		}
	}
}

// attempt makes one HTTP delivery attempt and classifies the response.
func (n *Notifier) attempt(ev event.Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return &permanentError{status: 0}
	}

	resp, err := n.client.Post(n.cfg.URL, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("post to sink: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("sink throttled: status %d", resp.StatusCode)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return &permanentError{status: resp.StatusCode}
	default:
		return fmt.Errorf("sink server error: status %d", resp.StatusCode)
	}
}

// replay pushes queued fallback entries through a single breaker-guarded
// attempt each. The first failure stops the pass; remaining entries wait
// for the next tick.
func (n *Notifier) replay() {
	replayed, err := n.fallback.Drain(func(ev event.Event) error {
		res, execErr := n.breaker.Execute(func() (any, error) {
			attErr := n.attempt(ev)
			var pe *permanentError
			if errors.As(attErr, &pe) {
				return pe, nil
			}
			return nil, attErr
		})
		if execErr != nil {
			return execErr
		}
		// A now-rejected entry can never succeed; dropping it from the
		// queue beats wedging replay forever.
		if pe, ok := res.(*permanentError); ok {
			n.logger.Warn().Err(pe).Str("type", ev.Type).Msg("queued event rejected by sink, discarded")
		}
		return nil
	})
	if err != nil {
		n.logger.Debug().Err(err).Msg("fallback replay paused")
	}
	if replayed > 0 {
		n.logger.Info().Int("events", replayed).Msg("fallback events replayed")
	}
}

// flush makes one last delivery pass over events still queued in memory,
// one breaker-guarded attempt each and a few in flight at a time. Each
// attempt is bounded by the sink timeout; whatever cannot be delivered goes
// to durable storage.
func (n *Notifier) flush() {
	var g errgroup.Group
	g.SetLimit(4)
	for {
		select {
		case ev := <-n.queue:
			g.Go(func() error {
				res, err := n.breaker.Execute(func() (any, error) {
					attErr := n.attempt(ev)
					var pe *permanentError
					if errors.As(attErr, &pe) {
						return pe, nil
					}
					return nil, attErr
				})
				if err == nil {
					if pe, ok := res.(*permanentError); ok {
						metrics.SinkDeliveries.WithLabelValues(n.name, "rejected").Inc()
						n.logger.Warn().Err(pe).Str("type", ev.Type).Msg("sink rejected event during shutdown flush")
					} else {
						metrics.SinkDeliveries.WithLabelValues(n.name, "success").Inc()
					}
					return nil
				}
				if storeErr := n.fallback.Store(ev); storeErr != nil {
					n.logger.Error().Err(storeErr).Str("type", ev.Type).Msg("shutdown flush failed for event")
				}
				return nil
			})
		default:
			_ = g.Wait()
			return
		}
	}
}

func isPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

func stateToFloat(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	default:
		return 2
	}
}

// sinkName derives a stable metric label from the sink URL.
func sinkName(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "sink"
	}
	return u.Host
}
