// Treesync - Realtime Tree Mirror and Sync Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/treesync

package engine

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"sync"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/tomtom215/treesync/internal/logging"
	"github.com/tomtom215/treesync/internal/metrics"
	"github.com/tomtom215/treesync/internal/pathkey"
	"github.com/tomtom215/treesync/internal/protocol"
	"github.com/tomtom215/treesync/internal/store"
	"github.com/tomtom215/treesync/internal/tree"
	"github.com/tomtom215/treesync/internal/wire"
)

// Engine mirrors subscribed subtrees of the backend tree, keeps them in the
// local cache and forwards local writes.
type Engine struct {
	cfg     Config
	dialer  wire.Dialer
	store   store.Store
	backoff *wire.Backoff
	pending *registry
	logger  zerolog.Logger

	// writeMu orders local writes: registration and optimistic apply of
	// one write complete before the next begins.
	writeMu sync.Mutex

	mu     sync.RWMutex
	subs   map[string]*subscription
	nextID uint64
	closed bool

	wg sync.WaitGroup
}

// Status describes one active subscription.
type Status struct {
	Path     string            `json:"path"`
	Query    map[string]string `json:"query,omitempty"`
	State    State             `json:"state"`
	Total    int               `json:"total"`
	Synced   int               `json:"synced"`
	Revision string            `json:"revision,omitempty"`
	Handles  int               `json:"handles"`
}

// New creates an engine. The dialer and store are owned by the caller; the
// store must stay open until Close returns. Pending writes persisted by a
// previous run are restored immediately and sent once a covering
// subscription connects.
func New(cfg Config, dialer wire.Dialer, st store.Store) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if dialer == nil {
		return nil, fmt.Errorf("engine: dialer is required")
	}
	if st == nil {
		return nil, fmt.Errorf("engine: store is required")
	}

	e := &Engine{
		cfg:     cfg,
		dialer:  dialer,
		store:   st,
		backoff: cfg.backoff(),
		pending: &registry{},
		logger:  logging.WithComponent("engine"),
		subs:    make(map[string]*subscription),
	}
	e.loadPending()
	return e, nil
}

// SubscribeOption customizes a subscription.
type SubscribeOption func(*subscribeOptions)

type subscribeOptions struct {
	query map[string]string
}

// WithQuery forwards opaque query parameters when opening the subscription.
// Subscriptions on the same path with different queries are independent.
func WithQuery(q map[string]string) SubscribeOption {
	return func(o *subscribeOptions) {
		o.query = q
	}
}

func subscriptionKey(p pathkey.Key, query map[string]string) string {
	if len(query) == 0 {
		return p.String()
	}
	v := url.Values{}
	for k, val := range query {
		v.Set(k, val)
	}
	return p.String() + "?" + v.Encode()
}

// Subscribe acquires a handle on the subtree at path. The first handle for a
// path warm-starts the tree from the cache and starts streaming; later ones
// share it. obs may be nil; a non-nil observer first receives the current
// status.
func (e *Engine) Subscribe(ctx context.Context, path pathkey.Key, obs Observer, opts ...SubscribeOption) (*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var o subscribeOptions
	for _, opt := range opts {
		opt(&o)
	}
	key := subscriptionKey(path, o.query)

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrClosed
	}
	s, created := e.subs[key], false
	if s == nil {
		s = newSubscription(e, key, path, o.query)
		e.subs[key] = s
		created = true
		s.mu.Lock()
	}
	s.refs++
	e.nextID++
	h := &Handle{eng: e, sub: s, id: e.nextID}
	if created {
		e.wg.Add(1)
	}
	e.mu.Unlock()

	if created {
		s.warmStartLocked()
		s.mu.Unlock()
		metrics.ActiveSubscriptions.Inc()
		logging.Ctx(ctx).Info().Str("path", path.String()).Msg("Subscription started")
		go s.run()
	}
	s.attach(h.id, obs)
	return h, nil
}

// Write replaces the value at path. value is any JSON document; null
// removes the subtree. The write is applied locally at once and sent by the
// shallowest active subscription covering path.
func (e *Engine) Write(ctx context.Context, path pathkey.Key, value json.RawMessage) (*Receipt, error) {
	if len(value) == 0 {
		value = json.RawMessage("null")
	}
	return e.write(ctx, wire.OpPut, path, value)
}

// Update replaces each named child of path, leaving the others untouched.
// Field keys are relative to path.
func (e *Engine) Update(ctx context.Context, path pathkey.Key, fields map[pathkey.Key]json.RawMessage) (*Receipt, error) {
	data, err := protocol.EncodeFields(fields)
	if err != nil {
		return nil, err
	}
	return e.write(ctx, wire.OpPatch, path, data)
}

// Delete removes the subtree at path locally and remotely, including every
// cached leaf beneath it.
func (e *Engine) Delete(ctx context.Context, path pathkey.Key) (*Receipt, error) {
	return e.write(ctx, wire.OpPut, path, json.RawMessage("null"))
}

func (e *Engine) write(ctx context.Context, kind wire.OpKind, path pathkey.Key, data json.RawMessage) (*Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	id := logging.GenerateOperationID()
	p, err := newPendingWrite(id, kind, path, data)
	if err != nil {
		return nil, err
	}
	p.receipts = []*Receipt{newReceipt(id, path)}

	e.writeMu.Lock()
	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		e.writeMu.Unlock()
		return nil, ErrClosed
	}
	owner := e.ownerLocked(path)
	related := e.relatedLocked(path)
	e.mu.RUnlock()
	if owner == nil {
		e.writeMu.Unlock()
		return nil, fmt.Errorf("write %s: %w", path, ErrNotSubscribed)
	}

	for _, old := range e.pending.add(p) {
		e.forgetPending(old)
		metrics.RecordWrite("superseded")
	}
	e.persistPending(p)
	metrics.PendingWrites.Set(float64(e.pending.len()))
	metrics.RecordWrite("queued")

	if kind == wire.OpPut && p.targets[0].node == nil {
		// Purge before any later write beneath path can mirror a leaf.
		if err := store.DeleteSubtree(e.store, path.String()); err != nil {
			e.cacheFailure("delete", err)
		}
	}
	for _, s := range related {
		s.applyLocal(p)
	}
	e.writeMu.Unlock()

	logging.Ctx(logging.ContextWithOperationID(ctx, id)).Debug().
		Str("path", path.String()).
		Str("kind", string(kind)).
		Str("owner", owner.path.String()).
		Msg("Write queued")

	owner.wake()
	return p.receipts[0], nil
}

// ownerLocked returns the shallowest active subscription containing path.
// Ties break on the subscription key. Called with e.mu held.
func (e *Engine) ownerLocked(path pathkey.Key) *subscription {
	var owner *subscription
	for _, s := range e.subs {
		if !s.path.Contains(path) {
			continue
		}
		if owner == nil || s.path.Len() < owner.path.Len() ||
			(s.path.Len() == owner.path.Len() && s.key < owner.key) {
			owner = s
		}
	}
	return owner
}

// relatedLocked returns the active subscriptions whose subtree overlaps path.
func (e *Engine) relatedLocked(path pathkey.Key) []*subscription {
	var out []*subscription
	for _, s := range e.subs {
		if s.path.Related(path) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].key < out[j].key })
	return out
}

// relatedToAny returns subscriptions overlapping any target.
func (e *Engine) relatedToAny(targets []target) []*subscription {
	e.mu.RLock()
	defer e.mu.RUnlock()
	seen := make(map[*subscription]bool)
	var out []*subscription
	for _, t := range targets {
		for _, s := range e.relatedLocked(t.path) {
			if !seen[s] {
				seen[s] = true
				out = append(out, s)
			}
		}
	}
	return out
}

// ownedBy returns, in sequence order, the pending writes s currently owns.
func (e *Engine) ownedBy(s *subscription) []*pendingWrite {
	all := e.pending.all()
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []*pendingWrite
	for _, p := range all {
		if e.ownerLocked(p.path) == s {
			out = append(out, p)
		}
	}
	return out
}

// acknowledge settles a write the backend accepted.
func (e *Engine) acknowledge(p *pendingWrite) {
	if !e.pending.remove(p) {
		return
	}
	for _, s := range e.relatedToAny(p.targets) {
		s.confirm(p.targets)
	}
	e.settle(p, nil, "acked")
}

// failWrite settles a write that will not be retried and resyncs every
// subscription that applied it.
func (e *Engine) failWrite(p *pendingWrite, cause error) {
	if !e.pending.remove(p) {
		return
	}
	attempts := p.attempts
	e.logger.Error().Str("op_id", p.id).Str("path", p.path.String()).Int("attempts", attempts).Err(cause).Msg("Write failed")
	e.settle(p, fmt.Errorf("%w: %w", ErrWriteFailed, cause), "failed")
	for _, s := range e.relatedToAny(p.targets) {
		s.requestResync()
	}
}

// settle resolves the receipts of a write already removed from the registry.
func (e *Engine) settle(p *pendingWrite, err error, result string) {
	e.forgetPending(p)
	metrics.PendingWrites.Set(float64(e.pending.len()))
	metrics.RecordWrite(result)
	p.resolve(err)
}

// detachSubscription removes s from the active set.
func (e *Engine) detachSubscription(s *subscription) {
	e.mu.Lock()
	if e.subs[s.key] == s {
		delete(e.subs, s.key)
	}
	e.mu.Unlock()
}

// wakeAll asks every subscription to send the writes it now owns.
func (e *Engine) wakeAll() {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, s := range e.subs {
		s.wake()
	}
}

func (e *Engine) release(h *Handle) {
	s := h.sub
	e.mu.Lock()
	s.refs--
	last := s.refs == 0
	if last && e.subs[s.key] == s {
		delete(e.subs, s.key)
	}
	e.mu.Unlock()

	s.detach(h.id)
	if last {
		s.shutdown()
		e.wakeAll()
	}
}

// deepest returns the active subscription whose root is nearest to path.
func (e *Engine) deepest(path pathkey.Key) *subscription {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var best *subscription
	for _, s := range e.subs {
		if s.path.Contains(path) && (best == nil || s.path.Len() > best.path.Len()) {
			best = s
		}
	}
	return best
}

// Value returns the serialized subtree at path from the nearest active
// subscription. ok is false when nothing is known there.
func (e *Engine) Value(path pathkey.Key) (value json.RawMessage, ok bool, err error) {
	s := e.deepest(path)
	if s == nil {
		return nil, false, fmt.Errorf("read %s: %w", path, ErrNotSubscribed)
	}
	rel, _ := s.path.Rel(path)
	value, ok = s.value(rel)
	return value, ok, nil
}

// Counts returns (total, synced) for the subtree at path.
func (e *Engine) Counts(path pathkey.Key) (tree.Counts, error) {
	s := e.deepest(path)
	if s == nil {
		return tree.Counts{}, fmt.Errorf("read %s: %w", path, ErrNotSubscribed)
	}
	rel, _ := s.path.Rel(path)
	return s.counts(rel), nil
}

// PendingWrites returns the number of writes awaiting acknowledgement.
func (e *Engine) PendingWrites() int {
	return e.pending.len()
}

// Status lists every active subscription sorted by path.
func (e *Engine) Status() []Status {
	e.mu.RLock()
	subs := make([]*subscription, 0, len(e.subs))
	refs := make(map[*subscription]int, len(e.subs))
	for _, s := range e.subs {
		subs = append(subs, s)
		refs[s] = s.refs
	}
	e.mu.RUnlock()

	sort.Slice(subs, func(i, j int) bool { return subs[i].key < subs[j].key })
	out := make([]Status, 0, len(subs))
	for _, s := range subs {
		st := s.snapshot()
		st.Handles = refs[s]
		out = append(out, st)
	}
	return out
}

// Close ends every subscription. Receipts still outstanding resolve with
// ErrClosed; the writes stay in the cache and are resent by the next engine
// over the same store.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	subs := make([]*subscription, 0, len(e.subs))
	for _, s := range e.subs {
		subs = append(subs, s)
	}
	e.subs = make(map[string]*subscription)
	e.mu.Unlock()

	for _, s := range subs {
		s.shutdown()
	}
	e.wg.Wait()

	for _, p := range e.pending.all() {
		p.resolve(ErrClosed)
	}
	e.logger.Info().Int("pending_writes", e.pending.len()).Msg("Engine closed")
	return nil
}

// Handle is one acquirer's reference to a shared subscription.
type Handle struct {
	eng  *Engine
	sub  *subscription
	id   uint64
	once sync.Once
}

// Path returns the subscribed path.
func (h *Handle) Path() pathkey.Key { return h.sub.path }

// Status returns the root counters and connection state.
func (h *Handle) Status() SyncStatus { return h.sub.status() }

// Value returns the serialized subtree at rel, relative to the subscribed path.
func (h *Handle) Value(rel pathkey.Key) (json.RawMessage, bool) { return h.sub.value(rel) }

// Counts returns (total, synced) at rel, relative to the subscribed path.
func (h *Handle) Counts(rel pathkey.Key) tree.Counts { return h.sub.counts(rel) }

// Close releases the handle. The last release closes the connection.
// Idempotent.
func (h *Handle) Close() error {
	h.once.Do(func() { h.eng.release(h) })
	return nil
}

func (s *subscription) value(rel pathkey.Key) (json.RawMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tree.Value(rel)
}

func (s *subscription) counts(rel pathkey.Key) tree.Counts {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.tree.Get(rel)
	return tree.Counts{Total: n.Total(), Synced: n.Synced()}
}

func sortKeys(keys []pathkey.Key) {
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
}

func sortedIDs(m map[uint64]Observer) []uint64 {
	ids := make([]uint64, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
