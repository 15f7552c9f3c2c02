// Treesync - Realtime Tree Mirror and Sync Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/treesync

// Package wiretest provides a scripted in-memory backend implementing
// wire.Dialer, for tests that need to drive a connection event by event.
//
//	b := wiretest.NewBackend()
//	b.OnOpen(func(c *wiretest.Conn) { c.Put("/", `{"a":1}`, "r1") })
//	eng := engine.New(cfg, b, store.NewMemoryStore(nil))
//	conn := b.NextConn(t)
//	op := conn.NextSent(t)
//	conn.Ack(op.ID)
package wiretest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/tomtom215/treesync/internal/wire"
)

// WaitTimeout bounds every blocking helper.
const WaitTimeout = 5 * time.Second

const pollInterval = 2 * time.Millisecond

// ErrOpenFailed is the default error of scripted open failures.
var ErrOpenFailed = errors.New("wiretest: open failed")

// Backend is a wire.Dialer whose connections are controlled by the test.
type Backend struct {
	mu        sync.Mutex
	opens     []wire.OpenRequest
	conns     []*Conn
	failOpens int
	openErr   error
	onOpen    func(*Conn)
	autoAck   bool
	taken     int
}

// NewBackend returns a backend that accepts every open.
func NewBackend() *Backend {
	return &Backend{}
}

// FailNextOpens makes the next n opens fail with err (ErrOpenFailed if nil).
func (b *Backend) FailNextOpens(n int, err error) {
	if err == nil {
		err = ErrOpenFailed
	}
	b.mu.Lock()
	b.failOpens = n
	b.openErr = err
	b.mu.Unlock()
}

// OnOpen registers a script run on every new connection before Open returns,
// typically to queue an initial snapshot.
func (b *Backend) OnOpen(fn func(*Conn)) {
	b.mu.Lock()
	b.onOpen = fn
	b.mu.Unlock()
}

// SetAutoAck makes connections opened afterwards acknowledge every operation
// as soon as it is sent.
func (b *Backend) SetAutoAck(on bool) {
	b.mu.Lock()
	b.autoAck = on
	b.mu.Unlock()
}

// Open implements wire.Dialer.
func (b *Backend) Open(ctx context.Context, req wire.OpenRequest) (wire.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	b.opens = append(b.opens, req)
	if b.failOpens > 0 {
		b.failOpens--
		err := b.openErr
		b.mu.Unlock()
		return nil, err
	}
	c := &Conn{
		Request: req,
		events:  make(chan wire.RawEvent, 1024),
		acks:    make(map[string]*wire.Ack),
		autoAck: b.autoAck,
	}
	onOpen := b.onOpen
	b.mu.Unlock()

	if onOpen != nil {
		onOpen(c)
	}

	b.mu.Lock()
	b.conns = append(b.conns, c)
	b.mu.Unlock()
	return c, nil
}

// Opens returns every open request received, including failed ones.
func (b *Backend) Opens() []wire.OpenRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]wire.OpenRequest(nil), b.opens...)
}

// Conns returns every successfully opened connection in order.
func (b *Backend) Conns() []*Conn {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*Conn(nil), b.conns...)
}

// NextConn waits for the next successful open not yet returned by NextConn.
func (b *Backend) NextConn(tb testing.TB) *Conn {
	tb.Helper()
	deadline := time.Now().Add(WaitTimeout)
	for {
		b.mu.Lock()
		if b.taken < len(b.conns) {
			c := b.conns[b.taken]
			b.taken++
			b.mu.Unlock()
			return c
		}
		b.mu.Unlock()
		if time.Now().After(deadline) {
			tb.Fatalf("wiretest: no connection opened within %s", WaitTimeout)
			return nil
		}
		time.Sleep(pollInterval)
	}
}

// Conn is one scripted connection.
type Conn struct {
	Request wire.OpenRequest

	mu      sync.Mutex
	events  chan wire.RawEvent
	acks    map[string]*wire.Ack
	sent    []wire.Operation
	unread  int // sent[len(sent)-unread:] has not been returned by NextSent
	closed  bool
	dropped bool
	autoAck bool
}

// Events implements wire.Conn.
func (c *Conn) Events() <-chan wire.RawEvent { return c.events }

// Send implements wire.Conn.
func (c *Conn) Send(ctx context.Context, op wire.Operation) (*wire.Ack, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if op.ID == "" {
		op.ID = uuid.NewString()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, wire.ErrDisconnected
	}
	ack := wire.NewAck(op.ID)
	c.sent = append(c.sent, op)
	c.unread++
	if c.autoAck {
		ack.Resolve(nil)
	} else {
		c.acks[op.ID] = ack
	}
	return ack, nil
}

// Close implements wire.Conn.
func (c *Conn) Close() error {
	c.finish(nil)
	return nil
}

// Closed reports whether the client closed or the test dropped the connection.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Dropped reports whether the test dropped the connection.
func (c *Conn) Dropped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

// Drop simulates a transport failure: pending acks fail, the disconnected
// marker is delivered and the event stream ends.
func (c *Conn) Drop() {
	c.finish(errors.New("wiretest: connection dropped"))
}

func (c *Conn) finish(cause error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.dropped = cause != nil
	for id, a := range c.acks {
		a.Resolve(wire.ErrDisconnected)
		delete(c.acks, id)
	}
	if cause != nil {
		c.events <- wire.RawEvent{Name: wire.EventDisconnected, Err: errors.Join(wire.ErrDisconnected, cause)}
	}
	close(c.events)
}

// Push delivers a raw event. Ignored after the connection ends.
func (c *Conn) Push(ev wire.RawEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.events <- ev
}

// Put delivers a put event. value is JSON text.
func (c *Conn) Put(path, value, rev string) {
	c.Push(wire.RawEvent{Name: "put", Data: envelope(path, value), Revision: rev})
}

// Patch delivers a patch event. fields is a JSON object.
func (c *Conn) Patch(path, fields, rev string) {
	c.Push(wire.RawEvent{Name: "patch", Data: envelope(path, fields), Revision: rev})
}

// KeepAlive delivers a keep-alive event.
func (c *Conn) KeepAlive() {
	c.Push(wire.RawEvent{Name: "keep-alive"})
}

// Cancel delivers a cancel event.
func (c *Conn) Cancel(reason string) {
	c.Push(wire.RawEvent{Name: "cancel", Data: quote(reason)})
}

// RevokeAuth delivers an auth_revoked event.
func (c *Conn) RevokeAuth(reason string) {
	c.Push(wire.RawEvent{Name: "auth_revoked", Data: quote(reason)})
}

// Ack acknowledges the operation with id.
func (c *Conn) Ack(id string) bool {
	return c.resolve(id, nil)
}

// Nack rejects the operation with id.
func (c *Conn) Nack(id, reason string) bool {
	return c.resolve(id, wire.RejectedError(reason))
}

func (c *Conn) resolve(id string, err error) bool {
	c.mu.Lock()
	a, ok := c.acks[id]
	delete(c.acks, id)
	c.mu.Unlock()
	if ok {
		a.Resolve(err)
	}
	return ok
}

// AckAll acknowledges every outstanding operation.
func (c *Conn) AckAll() int {
	c.mu.Lock()
	acks := c.acks
	c.acks = make(map[string]*wire.Ack)
	c.mu.Unlock()
	for _, a := range acks {
		a.Resolve(nil)
	}
	return len(acks)
}

// Sent returns every operation sent so far.
func (c *Conn) Sent() []wire.Operation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]wire.Operation(nil), c.sent...)
}

// NextSent waits for the next sent operation not yet returned by NextSent.
func (c *Conn) NextSent(tb testing.TB) wire.Operation {
	tb.Helper()
	deadline := time.Now().Add(WaitTimeout)
	for {
		c.mu.Lock()
		if c.unread > 0 {
			op := c.sent[len(c.sent)-c.unread]
			c.unread--
			c.mu.Unlock()
			return op
		}
		c.mu.Unlock()
		if time.Now().After(deadline) {
			tb.Fatalf("wiretest: nothing sent on %s within %s", c.Request.Path, WaitTimeout)
			return wire.Operation{}
		}
		time.Sleep(pollInterval)
	}
}

// Op is a compact description of a sent operation for comparisons.
type Op struct {
	Kind wire.OpKind
	Path string
	Data string
}

// Describe converts an operation for use with cmp.Diff.
func Describe(op wire.Operation) Op {
	return Op{Kind: op.Kind, Path: op.Path.String(), Data: string(op.Data)}
}

func envelope(path, data string) json.RawMessage {
	b, err := json.Marshal(struct {
		Path string          `json:"path"`
		Data json.RawMessage `json:"data"`
	}{Path: path, Data: json.RawMessage(data)})
	if err != nil {
		// Invalid JSON is sent as-is so tests can exercise malformed input.
		return json.RawMessage(`{"path":"` + path + `","data":` + data + `}`)
	}
	return b
}

func quote(s string) json.RawMessage {
	b, _ := json.Marshal(s)
	return b
}
