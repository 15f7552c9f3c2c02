// Treesync - Realtime Tree Mirror and Sync Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/treesync

package model

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/tomtom215/treesync/internal/engine"
	"github.com/tomtom215/treesync/internal/logging"
	"github.com/tomtom215/treesync/internal/pathkey"
	"github.com/tomtom215/treesync/internal/tree"
)

// ErrModelClosed is returned by writes after Close or Delete.
var ErrModelClosed = errors.New("model closed")

// Engine is the part of *engine.Engine a model needs.
type Engine interface {
	Subscribe(ctx context.Context, path pathkey.Key, obs engine.Observer, opts ...engine.SubscribeOption) (*engine.Handle, error)
	Write(ctx context.Context, path pathkey.Key, value json.RawMessage) (*engine.Receipt, error)
	Delete(ctx context.Context, path pathkey.Key) (*engine.Receipt, error)
}

// EventKind identifies a model event.
type EventKind int

const (
	// EventValue reports fields whose values changed.
	EventValue EventKind = iota
	// EventSync reports new root counts or connection state.
	EventSync
	// EventClosed reports that the subscription ended.
	EventClosed
)

// Event is delivered to OnChange listeners.
type Event struct {
	Kind   EventKind
	Fields []string
	Status engine.SyncStatus
	Err    error
}

// Model is a typed view of the subtree at one path.
type Model[T any] struct {
	eng     Engine
	path    pathkey.Key
	mapping *Mapping[T]
	logger  zerolog.Logger

	mu        sync.RWMutex
	state     T
	status    engine.SyncStatus
	handle    *engine.Handle
	closed    bool
	listeners map[int]func(Event)
	nextID    int
}

// Bind subscribes to path and keeps a T in step with it. Values already known
// to the engine are applied before the first listener can register.
func Bind[T any](ctx context.Context, eng Engine, path pathkey.Key, mapping *Mapping[T], opts ...engine.SubscribeOption) (*Model[T], error) {
	if eng == nil {
		return nil, fmt.Errorf("bind %s: engine is required", path)
	}
	if mapping == nil {
		return nil, fmt.Errorf("bind %s: %w: nil mapping", path, ErrInvalidMapping)
	}

	m := &Model[T]{
		eng:       eng,
		path:      path,
		mapping:   mapping,
		logger:    logging.WithComponent("model").With().Str("path", path.String()).Logger(),
		listeners: make(map[int]func(Event)),
	}
	h, err := eng.Subscribe(ctx, path, engine.ObserverFuncs{
		SyncChanged:  m.onSync,
		ValueChanged: m.onValue,
		Closed:       m.onClosed,
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("bind %s: %w", path, err)
	}

	m.mu.Lock()
	m.handle = h
	m.mu.Unlock()
	return m, nil
}

// Path returns the bound path.
func (m *Model[T]) Path() pathkey.Key { return m.path }

// Get returns a copy of the last applied state. It never blocks on the network.
func (m *Model[T]) Get() T {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Field returns the encoded value of one field.
func (m *Model[T]) Field(name string) (json.RawMessage, error) {
	f, ok := m.mapping.field(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownField, name)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return f.encode(&m.state)
}

// Status returns the last sync status reported for the root.
func (m *Model[T]) Status() engine.SyncStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// Counts returns (total, synced) for the whole model or, given a field name,
// for that field's subtree.
func (m *Model[T]) Counts(field ...string) (tree.Counts, error) {
	rel := pathkey.Root
	if len(field) > 0 {
		f, ok := m.mapping.field(field[0])
		if !ok {
			return tree.Counts{}, fmt.Errorf("%w: %q", ErrUnknownField, field[0])
		}
		rel = f.segment
	}
	m.mu.RLock()
	h := m.handle
	m.mu.RUnlock()
	if h == nil {
		return tree.Counts{}, ErrModelClosed
	}
	return h.Counts(rel), nil
}

// Set applies fn to a copy of the state, adopts the result at once and writes
// every field whose encoding changed. Receipts are returned in mapping order.
func (m *Model[T]) Set(ctx context.Context, fn func(*T)) ([]*engine.Receipt, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrModelClosed
	}
	next := m.state
	fn(&next)

	type change struct {
		name string
		path pathkey.Key
		raw  json.RawMessage
	}
	var changes []change
	for _, f := range m.mapping.fields {
		before, err := f.encode(&m.state)
		if err != nil {
			m.mu.Unlock()
			return nil, fmt.Errorf("encode field %q: %w", f.name, err)
		}
		after, err := f.encode(&next)
		if err != nil {
			m.mu.Unlock()
			return nil, fmt.Errorf("encode field %q: %w", f.name, err)
		}
		if string(before) != string(after) {
			changes = append(changes, change{name: f.name, path: m.path.Join(f.segment), raw: after})
		}
	}
	m.state = next
	listeners := m.listenersLocked()
	m.mu.Unlock()

	if len(changes) == 0 {
		return nil, nil
	}

	names := make([]string, len(changes))
	receipts := make([]*engine.Receipt, 0, len(changes))
	var errs []error
	for i, c := range changes {
		names[i] = c.name
		r, err := m.eng.Write(ctx, c.path, c.raw)
		if err != nil {
			errs = append(errs, fmt.Errorf("write field %q: %w", c.name, err))
			continue
		}
		receipts = append(receipts, r)
	}
	emit(listeners, Event{Kind: EventValue, Fields: names})

	if err := errors.Join(errs...); err != nil {
		m.logger.Warn().Err(err).Msg("Model write failed")
		return receipts, err
	}
	return receipts, nil
}

// OnChange registers fn for model events and returns a function that
// unregisters it. Events arrive on the engine's dispatch goroutine, or on the
// caller's goroutine for Set.
func (m *Model[T]) OnChange(fn func(Event)) (cancel func()) {
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.listeners[id] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

// Delete removes the whole subtree locally and remotely. The model stops
// accepting writes at once; the subscription is released when the delete
// settles, so it is still sent if the connection is down.
func (m *Model[T]) Delete(ctx context.Context) (*engine.Receipt, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrModelClosed
	}
	m.closed = true
	h := m.handle
	m.mu.Unlock()

	r, err := m.eng.Delete(ctx, m.path)
	if err != nil {
		if h != nil {
			_ = h.Close()
		}
		return nil, fmt.Errorf("delete %s: %w", m.path, err)
	}
	go func() {
		<-r.Done()
		if h != nil {
			_ = h.Close()
		}
	}()
	return r, nil
}

// Close releases the subscription handle. Idempotent.
func (m *Model[T]) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	h := m.handle
	m.mu.Unlock()
	if h != nil {
		return h.Close()
	}
	return nil
}

func (m *Model[T]) onSync(s engine.SyncStatus) {
	m.mu.Lock()
	m.status = s
	listeners := m.listenersLocked()
	m.mu.Unlock()
	emit(listeners, Event{Kind: EventSync, Status: s})
}

// onValue refreshes every field overlapping the mutated path.
func (m *Model[T]) onValue(p pathkey.Key, value json.RawMessage) {
	rel, ok := m.path.Rel(p)
	if !ok {
		return
	}
	changed, err := m.node(value)
	if err != nil {
		m.logger.Warn().Err(err).Str("at", p.String()).Msg("Ignoring undecodable value")
		return
	}

	m.mu.Lock()
	var names []string
	for _, f := range m.mapping.fields {
		var raw json.RawMessage
		switch {
		case rel.Contains(f.segment):
			sub, _ := rel.Rel(f.segment)
			raw = changed.Get(sub).Marshal()
		case f.segment.Contains(rel):
			if m.handle == nil {
				continue
			}
			v, found := m.handle.Value(f.segment)
			if !found {
				v = json.RawMessage("null")
			}
			raw = v
		default:
			continue
		}

		before, _ := f.encode(&m.state)
		if err := f.decode(&m.state, raw); err != nil {
			m.logger.Warn().Err(err).Str("field", f.name).Msg("Field value does not fit its type")
			continue
		}
		after, _ := f.encode(&m.state)
		if string(before) != string(after) {
			names = append(names, f.name)
		}
	}
	listeners := m.listenersLocked()
	m.mu.Unlock()

	if len(names) > 0 {
		emit(listeners, Event{Kind: EventValue, Fields: names})
	}
}

func (m *Model[T]) node(value json.RawMessage) (*tree.Node, error) {
	if isNull(value) {
		return nil, nil
	}
	return tree.Build(value, true)
}

func (m *Model[T]) onClosed(err error) {
	m.mu.Lock()
	listeners := m.listenersLocked()
	m.mu.Unlock()
	if err != nil {
		m.logger.Warn().Err(err).Msg("Model subscription closed by backend")
	}
	emit(listeners, Event{Kind: EventClosed, Err: err})
}

func (m *Model[T]) listenersLocked() []func(Event) {
	ids := make([]int, 0, len(m.listeners))
	for id := range m.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]func(Event), len(ids))
	for i, id := range ids {
		out[i] = m.listeners[id]
	}
	return out
}

func emit(listeners []func(Event), ev Event) {
	for _, fn := range listeners {
		fn(ev)
	}
}
