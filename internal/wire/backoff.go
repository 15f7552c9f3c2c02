// Treesync - Realtime Tree Mirror and Sync Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/treesync

package wire

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// Backoff computes reconnect delays: exponential growth from Initial by
// Multiplier, capped at Max, with symmetric jitter.
type Backoff struct {
	// Initial is the delay before the first retry.
	Initial time.Duration

	// Max caps the delay.
	Max time.Duration

	// Multiplier scales the delay on each attempt.
	Multiplier float64

	// Jitter is the fraction of the delay to randomize (0.0 - 1.0).
	Jitter float64

	rng   *rand.Rand
	rngMu sync.Mutex
}

// DefaultBackoff returns the reconnect policy used when none is configured:
// 1s doubling to 32s with 10% jitter.
func DefaultBackoff() *Backoff {
	return NewBackoff(time.Second, 32*time.Second, 2.0, 0.1)
}

// NewBackoff creates a policy with a time-seeded random source.
func NewBackoff(initial, maxDelay time.Duration, multiplier, jitter float64) *Backoff {
	return NewBackoffWithSeed(initial, maxDelay, multiplier, jitter, 0)
}

// NewBackoffWithSeed creates a policy with a deterministic random source for
// reproducible tests. A seed of 0 uses the current time.
func NewBackoffWithSeed(initial, maxDelay time.Duration, multiplier, jitter float64, seed int64) *Backoff {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Backoff{
		Initial:    initial,
		Max:        maxDelay,
		Multiplier: multiplier,
		Jitter:     jitter,
		//nolint:gosec // G404: jitter does not need a cryptographic source
		rng: rand.New(rand.NewSource(seed)),
	}
}

// Duration returns the delay before retry number attempt (0-based).
func (b *Backoff) Duration(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	mult := b.Multiplier
	if mult < 1 {
		mult = 1
	}

	d := float64(b.Initial) * math.Pow(mult, float64(attempt))
	if b.Max > 0 && d > float64(b.Max) {
		d = float64(b.Max)
	}

	if b.Jitter > 0 && b.rng != nil {
		b.rngMu.Lock()
		r := b.rng.Float64()
		b.rngMu.Unlock()
		d += d * b.Jitter * (r*2 - 1)
	}

	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}
