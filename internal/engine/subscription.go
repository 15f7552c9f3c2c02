// Treesync - Realtime Tree Mirror and Sync Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/treesync

package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/treesync/internal/logging"
	"github.com/tomtom215/treesync/internal/metrics"
	"github.com/tomtom215/treesync/internal/pathkey"
	"github.com/tomtom215/treesync/internal/protocol"
	"github.com/tomtom215/treesync/internal/tree"
	"github.com/tomtom215/treesync/internal/wire"
)

// subscription is the shared state behind every Handle on one path and query.
// One reader goroutine owns the connection; the tree is guarded by mu.
type subscription struct {
	eng   *Engine
	key   string
	path  pathkey.Key
	query map[string]string
	log   *logging.SyncLogger

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	tree      *tree.Tree
	state     State
	revision  string
	last      SyncStatus
	observers map[uint64]Observer
	closedErr error
	ended     bool

	// refs is guarded by eng.mu.
	refs int

	// gen counts successful opens. Written by the reader only.
	gen uint64

	kick    chan struct{}
	resync  chan struct{}
	ackCh   chan ackResult
	disp    *dispatcher
	stopped chan struct{}
	once    sync.Once
}

type ackResult struct {
	p   *pendingWrite
	gen uint64
	err error
}

type endKind int

const (
	endShutdown endKind = iota
	endDisconnected
	endResync
	endTerminal
)

type streamEnd struct {
	kind endKind
	err  error

	// events counts what the connection delivered before it ended.
	events int
}

// stable reports whether a connection that opened at opened proved healthy
// enough to restart the reconnect backoff.
func (e streamEnd) stable(opened time.Time, minUptime time.Duration) bool {
	if errors.Is(e.err, wire.ErrAckTimeout) {
		return false
	}
	return e.events > 0 || time.Since(opened) >= minUptime
}

func newSubscription(e *Engine, key string, path pathkey.Key, query map[string]string) *subscription {
	ctx, cancel := context.WithCancel(context.Background())
	return &subscription{
		eng:       e,
		key:       key,
		path:      path,
		query:     query,
		log:       logging.NewSyncLogger(path.String()),
		ctx:       ctx,
		cancel:    cancel,
		tree:      tree.New(),
		observers: make(map[uint64]Observer),
		kick:      make(chan struct{}, 1),
		resync:    make(chan struct{}, 1),
		ackCh:     make(chan ackResult),
		disp:      newDispatcher(),
		stopped:   make(chan struct{}),
	}
}

// warmStartLocked loads the cached subtree and revision. Called with mu held
// before the reader starts.
func (s *subscription) warmStartLocked() {
	s.tree = s.eng.warmTree(s.path)
	s.revision = s.eng.loadRevision(s.path)
	if s.tree.Counts().Total > 0 {
		s.log.Logger().Info().Int("leaves", s.tree.Counts().Total).Bool("has_revision", s.revision != "").Msg("Warm start from local cache")
	}
	s.publishLocked()
}

// attach registers an observer and replays the current status to it.
func (s *subscription) attach(id uint64, o Observer) {
	if o == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		// The dispatcher is already stopped.
		st, err := s.statusLocked(), s.closedErr
		go func() {
			o.OnSyncChanged(st)
			o.OnClosed(err)
		}()
		return
	}
	s.observers[id] = o
	s.disp.push(notification{kind: noteSync, status: s.statusLocked(), targets: []Observer{o}})
	if s.tree.Counts().Total > 0 {
		s.disp.push(notification{kind: noteValue, path: s.path, value: s.tree.Root().Marshal(), targets: []Observer{o}})
	}
}

func (s *subscription) detach(id uint64) {
	s.mu.Lock()
	delete(s.observers, id)
	s.mu.Unlock()
}

func (s *subscription) targetsLocked() []Observer {
	out := make([]Observer, 0, len(s.observers))
	for _, id := range sortedIDs(s.observers) {
		out = append(out, s.observers[id])
	}
	return out
}

func (s *subscription) statusLocked() SyncStatus {
	c := s.tree.Counts()
	return SyncStatus{Total: c.Total, Synced: c.Synced, State: s.state}
}

// publishLocked emits the root status if it differs from the last one sent.
func (s *subscription) publishLocked() {
	st := s.statusLocked()
	if st == s.last {
		return
	}
	s.last = st
	metrics.RecordSubscription(s.path.String(), int(st.State), st.Total, st.Synced)
	s.disp.push(notification{kind: noteSync, status: st, targets: s.targetsLocked()})
}

func (s *subscription) setState(to State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setStateLocked(to)
}

func (s *subscription) setStateLocked(to State) {
	if s.state == to || s.state == StateClosed {
		return
	}
	s.log.LogStateChange(s.state.String(), to.String())
	s.state = to
	s.publishLocked()
}

// notifyValueLocked emits the subtree now at abs when the mutation changed
// any leaf.
func (s *subscription) notifyValueLocked(abs pathkey.Key, changes []tree.Change) {
	if len(changes) == 0 {
		return
	}
	var value json.RawMessage
	if rel, ok := s.path.Rel(abs); ok {
		value = s.tree.Get(rel).Marshal()
	} else {
		abs = s.path
		value = s.tree.Root().Marshal()
	}
	s.disp.push(notification{kind: noteValue, path: abs, value: value, targets: s.targetsLocked()})
}

func (s *subscription) status() SyncStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusLocked()
}

// run is the reader goroutine: open, flush, stream, and reconnect until shut
// down or closed by the backend.
func (s *subscription) run() {
	defer s.eng.wg.Done()
	defer close(s.stopped)

	attempt := 0
	for {
		conn, err := s.connect()
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			delay := s.eng.backoff.Duration(attempt)
			s.log.LogOpenFailed(err, attempt+1, delay)
			attempt++
			if !s.sleep(delay) {
				return
			}
			continue
		}
		opened := time.Now()

		end := s.stream(conn)
		_ = conn.Close()
		if end.stable(opened, s.eng.cfg.ReconnectMax) {
			attempt = 0
		}

		switch end.kind {
		case endShutdown:
			return
		case endTerminal:
			s.terminate(end.err)
			return
		case endResync:
			s.clearRevision()
			s.setState(StateReconnecting)
		case endDisconnected:
			delay := s.eng.backoff.Duration(attempt)
			s.log.LogDisconnected(end.err, delay)
			attempt++
			s.setState(StateReconnecting)
			if !s.sleep(delay) {
				return
			}
		}
	}
}

func (s *subscription) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-s.ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// connect opens the connection, moves to Streaming and resends every pending
// write this subscription owns before any inbound event is read.
func (s *subscription) connect() (wire.Conn, error) {
	select {
	case <-s.resync:
		s.clearRevision()
	default:
	}

	s.mu.Lock()
	if s.state == StateIdle {
		s.setStateLocked(StateConnecting)
	}
	token := s.revision
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(s.ctx, s.eng.cfg.OpenTimeout)
	defer cancel()

	start := time.Now()
	conn, err := s.eng.dialer.Open(ctx, wire.OpenRequest{Path: s.path, Token: token, Query: s.query})
	metrics.RecordOpen(token != "", time.Since(start), err)
	if err != nil {
		return nil, err
	}
	if s.ctx.Err() != nil {
		_ = conn.Close()
		return nil, s.ctx.Err()
	}
	s.log.LogOpened(token != "", token, time.Since(start))

	s.gen++
	s.mu.Lock()
	if token != "" {
		// A continuation token vouches for everything applied before it.
		s.tree.Confirm(pathkey.Root, s.skipPending)
	}
	s.setStateLocked(StateStreaming)
	s.mu.Unlock()

	s.flush(conn)
	return conn, nil
}

func (s *subscription) clearRevision() {
	s.mu.Lock()
	s.revision = ""
	s.mu.Unlock()
	s.eng.cacheDelete(revisionKey(s.path))
}

// skipPending reports whether the position at rel is replaced by a pending
// write. Used to keep those leaves unconfirmed.
func (s *subscription) skipPending(rel pathkey.Key) bool {
	return s.eng.pending.covers(s.path.Join(rel))
}

// flush sends, in sequence order, every pending write this subscription owns
// that is not already in flight on the current connection.
func (s *subscription) flush(conn wire.Conn) {
	for _, p := range s.eng.ownedBy(s) {
		attempts, ok := s.eng.pending.claim(p, s, s.gen)
		if !ok {
			continue
		}
		rel, _ := s.path.Rel(p.path)
		ack, err := conn.Send(s.ctx, wire.Operation{ID: p.id, Kind: p.kind, Path: rel, Data: p.data})
		if err != nil {
			s.eng.pending.unclaim(p, s, s.gen)
			s.log.Logger().Debug().Str("op_id", p.id).Err(err).Msg("Send failed, deferring to reconnect")
			return
		}
		if attempts > 1 {
			metrics.WriteResends.Inc()
		}
		go s.awaitAck(p, s.gen, ack)
	}
}

func (s *subscription) awaitAck(p *pendingWrite, gen uint64, ack *wire.Ack) {
	ctx, cancel := context.WithTimeout(s.ctx, s.eng.cfg.AckTimeout)
	defer cancel()

	err := ack.Wait(ctx)
	if err == nil {
		s.eng.acknowledge(p)
		return
	}
	if s.ctx.Err() != nil {
		return
	}
	select {
	case s.ackCh <- ackResult{p: p, gen: gen, err: err}:
	case <-s.ctx.Done():
	}
}

func (s *subscription) stream(conn wire.Conn) streamEnd {
	events := 0
	for {
		select {
		case <-s.ctx.Done():
			return streamEnd{kind: endShutdown}

		case ev, ok := <-conn.Events():
			if !ok {
				return streamEnd{kind: endDisconnected, err: wire.ErrDisconnected, events: events}
			}
			if ev.Disconnected() {
				return streamEnd{kind: endDisconnected, err: ev.Err, events: events}
			}
			events++
			if end := s.handleEvent(ev); end != nil {
				return *end
			}

		case <-s.kick:
			s.flush(conn)

		case r := <-s.ackCh:
			if end := s.handleAckFailure(r); end != nil {
				end.events = events
				return *end
			}

		case <-s.resync:
			return streamEnd{kind: endResync, events: events}
		}
	}
}

func (s *subscription) handleAckFailure(r ackResult) *streamEnd {
	switch {
	case errors.Is(r.err, wire.ErrRejected):
		s.eng.failWrite(r.p, r.err)
		return nil

	case errors.Is(r.err, wire.ErrAckTimeout):
		attempts, ok := s.eng.pending.inflightOn(r.p, s, r.gen)
		if !ok || r.gen != s.gen {
			return nil
		}
		metrics.AckTimeouts.Inc()
		if attempts >= s.eng.cfg.MaxWriteAttempts {
			s.eng.failWrite(r.p, fmt.Errorf("%w after %d attempts", r.err, attempts))
			return nil
		}
		return &streamEnd{kind: endDisconnected, err: r.err}

	default:
		// Disconnects surface through the event stream.
		return nil
	}
}

func (s *subscription) handleEvent(ev wire.RawEvent) *streamEnd {
	op, err := protocol.Decode(ev)
	if err != nil {
		metrics.EventsMalformed.Inc()
		s.log.LogMalformed(ev.Name, err)
		return nil
	}

	switch op := op.(type) {
	case protocol.KeepAlive:
		return nil

	case protocol.Cancelled:
		return &streamEnd{kind: endTerminal, err: reasonError(ErrCancelled, op.Reason)}

	case protocol.AuthRevoked:
		return &streamEnd{kind: endTerminal, err: reasonError(ErrAuthRevoked, op.Reason)}

	case protocol.Put:
		err = s.applyRemote(op.Path, []region{{rel: op.Path, raw: op.Value}}, op.Revision)

	case protocol.Patch:
		regions := make([]region, 0, len(op.Fields))
		for _, f := range sortedRel(op.Fields) {
			regions = append(regions, region{rel: op.Path.Join(f), raw: op.Fields[f]})
		}
		err = s.applyRemote(op.Path, regions, op.Revision)
	}

	if err != nil {
		metrics.EventsMalformed.Inc()
		s.log.LogMalformed(ev.Name, err)
		return nil
	}
	metrics.EventsApplied.WithLabelValues(ev.Name).Inc()
	return nil
}

func reasonError(base error, reason string) error {
	if reason == "" {
		return base
	}
	return fmt.Errorf("%w: %s", base, reason)
}

// region is one position replaced by an inbound event, relative to the
// subscription root.
type region struct {
	rel pathkey.Key
	raw json.RawMessage
}

// applyRemote installs confirmed data for each region, re-overlaying pending
// writes so that local state is never silently discarded. A pending write
// whose every target arrives with an equal value is confirmed by the echo.
// Nothing is mutated when any region fails to build.
func (s *subscription) applyRemote(base pathkey.Key, regions []region, revision string) error {
	nodes := make([]*tree.Node, len(regions))
	for i, r := range regions {
		n, err := tree.Build(r.raw, true)
		if err != nil {
			return err
		}
		nodes[i] = n
	}

	confirmed := true
	echoed := make(map[*pendingWrite]map[int]bool)
	fields := make(map[pathkey.Key]*tree.Node, len(regions))

	s.mu.Lock()
	related := s.eng.pending.related(s.path)
	for i, r := range regions {
		abs := s.path.Join(r.rel)
		incoming := nodes[i]
		merged := tree.FromNode(incoming.Clone(nil))

		for _, p := range related {
			for ti, t := range p.targets {
				switch {
				case abs.Contains(t.path):
					rel, _ := abs.Rel(t.path)
					if t.node.Equal(incoming.Get(rel)) {
						if echoed[p] == nil {
							echoed[p] = make(map[int]bool)
						}
						echoed[p][ti] = true
						merged.Replace(rel, t.node.Clone(&confirmed))
					} else {
						merged.Replace(rel, t.node.Unconfirmed())
					}
				case t.path.Contains(abs):
					rel, _ := t.path.Rel(abs)
					merged.Replace(pathkey.Root, t.node.Get(rel).Unconfirmed())
				}
			}
		}
		fields[r.rel] = merged.Root()
	}
	changes := s.tree.Merge(pathkey.Root, fields)

	if revision != "" && revision != s.revision {
		s.revision = revision
		s.eng.cacheSet(revisionKey(s.path), []byte(revision))
	}
	s.eng.mirror(s.path, changes)
	s.notifyValueLocked(s.path.Join(base), changes)
	s.publishLocked()
	s.mu.Unlock()

	cleared := s.eng.pending.removeIf(func(p *pendingWrite) bool {
		return len(echoed[p]) == len(p.targets)
	})
	for _, p := range cleared {
		s.eng.settle(p, nil, "echoed")
	}
	return nil
}

// applyLocal installs an optimistic write. Its leaves are unconfirmed unless
// the backend already settled it, which happens when an ack or echo races
// ahead of this call.
func (s *subscription) applyLocal(p *pendingWrite) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return
	}

	confirmed := !s.eng.pending.contains(p)
	var changes []tree.Change
	for _, t := range p.targets {
		switch {
		case s.path.Contains(t.path):
			rel, _ := s.path.Rel(t.path)
			changes = append(changes, s.tree.Replace(rel, t.node.Clone(&confirmed))...)
		case t.path.Contains(s.path):
			rel, _ := t.path.Rel(s.path)
			changes = append(changes, s.tree.Replace(pathkey.Root, t.node.Get(rel).Clone(&confirmed))...)
		}
	}
	s.eng.mirror(s.path, changes)
	s.notifyValueLocked(p.path, changes)
	s.publishLocked()
}

// confirm marks the leaves a write placed as synced, except those replaced
// again by a later pending write.
func (s *subscription) confirm(targets []target) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range targets {
		switch {
		case s.path.Contains(t.path):
			rel, _ := s.path.Rel(t.path)
			s.tree.Confirm(rel, s.skipPending)
		case t.path.Contains(s.path):
			s.tree.Confirm(pathkey.Root, s.skipPending)
		}
	}
	s.publishLocked()
}

func (s *subscription) requestResync() {
	select {
	case s.resync <- struct{}{}:
	default:
	}
}

func (s *subscription) wake() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// terminate handles a backend-initiated close: the subscription leaves the
// engine and every observer hears OnClosed once.
func (s *subscription) terminate(err error) {
	s.eng.detachSubscription(s)
	s.end(err)
	s.eng.wakeAll()
}

// end moves to Closed and reports err to current observers. Idempotent.
func (s *subscription) end(err error) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.ended = true
	s.closedErr = err
	s.setStateLocked(StateClosed)
	s.disp.push(notification{kind: noteClosed, err: err, targets: s.targetsLocked()})
	s.mu.Unlock()

	s.log.LogClosed(err)
	s.disp.close()
	metrics.ForgetSubscription(s.path.String())
	metrics.ActiveSubscriptions.Dec()
}

// shutdown stops the reader and ends the subscription locally.
func (s *subscription) shutdown() {
	s.once.Do(func() {
		s.cancel()
		<-s.stopped
		s.end(nil)
	})
}

func (s *subscription) snapshot() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.tree.Counts()
	return Status{
		Path:     s.path.String(),
		Query:    s.query,
		State:    s.state,
		Total:    c.Total,
		Synced:   c.Synced,
		Revision: s.revision,
	}
}
