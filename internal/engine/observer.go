// Treesync - Realtime Tree Mirror and Sync Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/treesync

package engine

import (
	"sync"

	"github.com/goccy/go-json"

	"github.com/tomtom215/treesync/internal/pathkey"
)

// SyncStatus is the (total, synced) pair at a subscription root together
// with the connection state.
type SyncStatus struct {
	Total  int   `json:"total"`
	Synced int   `json:"synced"`
	State  State `json:"state"`
}

// FullySynced reports whether every known leaf is confirmed.
func (s SyncStatus) FullySynced() bool { return s.Total == s.Synced }

// Observer receives a subscription's notifications. Calls for one
// subscription are made sequentially from a dedicated goroutine, in mutation
// order, so an observer may call back into the engine.
type Observer interface {
	// OnSyncChanged is called after every state transition and every change
	// of the root counters.
	OnSyncChanged(status SyncStatus)

	// OnValueChanged is called after each mutation with the absolute path it
	// touched and the serialized subtree now at that path (null when absent).
	OnValueChanged(path pathkey.Key, value json.RawMessage)

	// OnClosed is called once when the subscription ends. err is nil for a
	// local shutdown.
	OnClosed(err error)
}

// ObserverFuncs adapts plain functions to Observer. Nil fields are skipped.
type ObserverFuncs struct {
	SyncChanged  func(SyncStatus)
	ValueChanged func(pathkey.Key, json.RawMessage)
	Closed       func(error)
}

func (f ObserverFuncs) OnSyncChanged(s SyncStatus) {
	if f.SyncChanged != nil {
		f.SyncChanged(s)
	}
}

func (f ObserverFuncs) OnValueChanged(p pathkey.Key, v json.RawMessage) {
	if f.ValueChanged != nil {
		f.ValueChanged(p, v)
	}
}

func (f ObserverFuncs) OnClosed(err error) {
	if f.Closed != nil {
		f.Closed(err)
	}
}

type noteKind int

const (
	noteSync noteKind = iota
	noteValue
	noteClosed
)

type notification struct {
	kind    noteKind
	status  SyncStatus
	path    pathkey.Key
	value   json.RawMessage
	err     error
	targets []Observer
}

// dispatcher delivers notifications from an unbounded FIFO on its own
// goroutine so that producers holding the tree lock never block on observers.
type dispatcher struct {
	mu      sync.Mutex
	queue   []notification
	wake    chan struct{}
	closing bool
	done    chan struct{}
}

func newDispatcher() *dispatcher {
	d := &dispatcher{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *dispatcher) push(n notification) {
	if len(n.targets) == 0 {
		return
	}
	d.mu.Lock()
	if d.closing {
		d.mu.Unlock()
		return
	}
	d.queue = append(d.queue, n)
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// close stops accepting notifications; queued ones are still delivered.
func (d *dispatcher) close() {
	d.mu.Lock()
	d.closing = true
	d.mu.Unlock()
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *dispatcher) run() {
	defer close(d.done)
	for range d.wake {
		for {
			d.mu.Lock()
			if len(d.queue) == 0 {
				closing := d.closing
				d.mu.Unlock()
				if closing {
					return
				}
				break
			}
			batch := d.queue
			d.queue = nil
			d.mu.Unlock()

			for _, n := range batch {
				deliver(n)
			}
		}
	}
}

func deliver(n notification) {
	for _, o := range n.targets {
		switch n.kind {
		case noteSync:
			o.OnSyncChanged(n.status)
		case noteValue:
			o.OnValueChanged(n.path, n.value)
		case noteClosed:
			o.OnClosed(n.err)
		}
	}
}
