// Treesync - Realtime Tree Mirror and Sync Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/treesync

package engine

import (
	"errors"
	"fmt"
	"time"

	"github.com/tomtom215/treesync/internal/wire"
)

var (
	// ErrNotSubscribed is returned for reads and writes outside every active subscription.
	ErrNotSubscribed = errors.New("path is not covered by an active subscription")

	// ErrClosed is returned after Engine.Close.
	ErrClosed = errors.New("engine closed")

	// ErrWriteFailed resolves a write receipt after exhausted retries or a
	// backend rejection.
	ErrWriteFailed = errors.New("write failed")

	// ErrAuthRevoked is reported through OnClosed when the backend revokes the
	// subscription's credentials.
	ErrAuthRevoked = errors.New("authorization revoked")

	// ErrCancelled is reported through OnClosed when the backend cancels the
	// subscription.
	ErrCancelled = errors.New("subscription cancelled by backend")
)

// Config holds engine tuning.
type Config struct {
	// OpenTimeout bounds each connection open.
	OpenTimeout time.Duration `koanf:"open_timeout" validate:"gt=0"`

	// AckTimeout bounds the wait for one write acknowledgement. An expired
	// ack reconnects and resends.
	AckTimeout time.Duration `koanf:"ack_timeout" validate:"gt=0"`

	// MaxWriteAttempts is the number of sends before a write fails.
	MaxWriteAttempts int `koanf:"max_write_attempts" validate:"gte=1,lte=100"`

	// Reconnect backoff.
	ReconnectInitial    time.Duration `koanf:"reconnect_initial" validate:"gt=0"`
	ReconnectMax        time.Duration `koanf:"reconnect_max" validate:"gtefield=ReconnectInitial"`
	ReconnectMultiplier float64       `koanf:"reconnect_multiplier" validate:"gte=1"`
	ReconnectJitter     float64       `koanf:"reconnect_jitter" validate:"gte=0,lte=1"`

	// BackoffSeed makes reconnect jitter reproducible. Zero seeds from the clock.
	BackoffSeed int64 `koanf:"-"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		OpenTimeout:         15 * time.Second,
		AckTimeout:          30 * time.Second,
		MaxWriteAttempts:    5,
		ReconnectInitial:    time.Second,
		ReconnectMax:        32 * time.Second,
		ReconnectMultiplier: 2.0,
		ReconnectJitter:     0.1,
	}
}

// Validate checks the values New depends on.
func (c *Config) Validate() error {
	switch {
	case c.OpenTimeout <= 0:
		return fmt.Errorf("engine: open timeout must be positive")
	case c.AckTimeout <= 0:
		return fmt.Errorf("engine: ack timeout must be positive")
	case c.MaxWriteAttempts < 1:
		return fmt.Errorf("engine: max write attempts must be at least 1")
	case c.ReconnectInitial <= 0:
		return fmt.Errorf("engine: reconnect initial delay must be positive")
	case c.ReconnectMax < c.ReconnectInitial:
		return fmt.Errorf("engine: reconnect max delay below initial delay")
	}
	return nil
}

func (c *Config) backoff() *wire.Backoff {
	return wire.NewBackoffWithSeed(c.ReconnectInitial, c.ReconnectMax, c.ReconnectMultiplier, c.ReconnectJitter, c.BackoffSeed)
}

// State is a subscription's connection state.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateStreaming
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText renders the state name in JSON status output.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name written by MarshalText.
func (s *State) UnmarshalText(b []byte) error {
	for st := StateIdle; st <= StateClosed; st++ {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown subscription state %q", b)
}
