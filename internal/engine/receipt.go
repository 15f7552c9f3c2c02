// Treesync - Realtime Tree Mirror and Sync Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/treesync

package engine

import (
	"context"
	"sync"

	"github.com/tomtom215/treesync/internal/pathkey"
)

// Receipt tracks one local write until the backend confirms or rejects it.
// A write superseded by a later write to the same path or an ancestor shares
// the later write's outcome.
type Receipt struct {
	id   string
	path pathkey.Key
	done chan struct{}
	once sync.Once
	err  error
}

func newReceipt(id string, path pathkey.Key) *Receipt {
	return &Receipt{id: id, path: path, done: make(chan struct{})}
}

// ID returns the operation ID sent on the wire.
func (r *Receipt) ID() string { return r.id }

// Path returns the absolute path written.
func (r *Receipt) Path() pathkey.Key { return r.path }

// Done is closed once the outcome is known.
func (r *Receipt) Done() <-chan struct{} { return r.done }

// Err returns the outcome: nil when confirmed, an ErrWriteFailed wrap when
// the write will not be retried, ErrClosed when the engine shut down first.
// Returns nil while unresolved.
func (r *Receipt) Err() error {
	select {
	case <-r.done:
		return r.err
	default:
		return nil
	}
}

// Wait blocks until the outcome is known or ctx ends.
func (r *Receipt) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Receipt) resolve(err error) {
	r.once.Do(func() {
		r.err = err
		close(r.done)
	})
}
