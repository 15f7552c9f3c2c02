// Treesync - Realtime Tree Mirror and Sync Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/treesync

package wire

import (
	"errors"
	"time"

	"github.com/gorilla/websocket"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/tomtom215/treesync/internal/logging"
	"github.com/tomtom215/treesync/internal/metrics"
)

// BreakerConfig tunes the circuit breaker guarding connection opens.
type BreakerConfig struct {
	// MaxRequests is the number of trial dials allowed while half-open.
	MaxRequests uint32 `koanf:"max_requests"`

	// Interval resets failure counts while closed.
	Interval time.Duration `koanf:"interval"`

	// Timeout is how long the breaker stays open before going half-open.
	Timeout time.Duration `koanf:"timeout"`

	// MinRequests is the number of dials needed before the ratio is evaluated.
	MinRequests uint32 `koanf:"min_requests"`

	// FailureRatio opens the circuit when reached.
	FailureRatio float64 `koanf:"failure_ratio" validate:"gte=0,lte=1"`
}

// DefaultBreakerConfig returns the breaker settings used when none are given.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxRequests:  3,
		Interval:     time.Minute,
		Timeout:      30 * time.Second,
		MinRequests:  5,
		FailureRatio: 0.6,
	}
}

// dialBreaker wraps websocket dials with a circuit breaker so a dead backend
// is not hammered by every subscription's reconnect loop at once.
type dialBreaker struct {
	cb   *gobreaker.CircuitBreaker[*websocket.Conn]
	name string
}

func newDialBreaker(name string, cfg BreakerConfig) *dialBreaker {
	metrics.CircuitBreakerState.WithLabelValues(name).Set(0)
	metrics.CircuitBreakerConsecutiveFailures.WithLabelValues(name).Set(0)

	cb := gobreaker.NewCircuitBreaker[*websocket.Conn](gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,

		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			shouldTrip := failureRatio >= cfg.FailureRatio
			if shouldTrip {
				logging.Warn().Str("breaker", name).Uint32("failures", counts.TotalFailures).Float64("failure_rate", failureRatio*100).Msg("[CIRCUIT BREAKER] Opening circuit")
			}
			return shouldTrip
		},

		OnStateChange: func(name string, from, to gobreaker.State) {
			fromStr := stateToString(from)
			toStr := stateToString(to)

			logging.Info().Str("breaker", name).Str("from", fromStr).Str("to", toStr).Msg("[CIRCUIT BREAKER] State transition")

			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateToFloat(to))
			metrics.CircuitBreakerTransitions.WithLabelValues(name, fromStr, toStr).Inc()
			if to == gobreaker.StateClosed {
				metrics.CircuitBreakerConsecutiveFailures.WithLabelValues(name).Set(0)
			}
		},
	})

	return &dialBreaker{cb: cb, name: name}
}

// execute runs dial under breaker protection.
func (b *dialBreaker) execute(dial func() (*websocket.Conn, error)) (*websocket.Conn, error) {
	ws, err := b.cb.Execute(dial)
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			metrics.CircuitBreakerRequests.WithLabelValues(b.name, "rejected").Inc()
			logging.Warn().Str("breaker", b.name).Err(err).Msg("[CIRCUIT BREAKER] Dial rejected")
		} else {
			metrics.CircuitBreakerRequests.WithLabelValues(b.name, "failure").Inc()
			counts := b.cb.Counts()
			metrics.CircuitBreakerConsecutiveFailures.WithLabelValues(b.name).Set(float64(counts.ConsecutiveFailures))
		}
		return nil, err
	}

	metrics.CircuitBreakerRequests.WithLabelValues(b.name, "success").Inc()
	metrics.CircuitBreakerConsecutiveFailures.WithLabelValues(b.name).Set(0)
	return ws, nil
}

// State returns the current breaker state name.
func (b *dialBreaker) State() string {
	return stateToString(b.cb.State())
}

func stateToFloat(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}

func stateToString(state gobreaker.State) string {
	switch state {
	case gobreaker.StateClosed:
		return "closed"
	case gobreaker.StateHalfOpen:
		return "half-open"
	case gobreaker.StateOpen:
		return "open"
	default:
		return "unknown"
	}
}
