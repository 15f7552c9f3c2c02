// Treesync - Realtime Tree Mirror and Sync Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/treesync

package wire

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/goccy/go-json"

	"github.com/tomtom215/treesync/internal/pathkey"
)

// EventDisconnected is the name of the marker event that ends a connection's
// event stream after a transport failure.
const EventDisconnected = "disconnected"

var (
	// ErrDisconnected is returned for operations on a connection that has
	// dropped, and resolves every ack still pending when it does.
	ErrDisconnected = errors.New("wire: disconnected")

	// ErrAckTimeout is returned by Ack.Wait when the caller's deadline passes
	// before the backend responds.
	ErrAckTimeout = errors.New("wire: acknowledgement timed out")

	// ErrRejected wraps a nack reason sent by the backend.
	ErrRejected = errors.New("wire: operation rejected")
)

// RawEvent is one inbound frame as delivered by the backend. Data is the
// undecoded payload; interpretation belongs to the protocol package.
type RawEvent struct {
	Name     string
	Data     json.RawMessage
	Revision string

	// Err is set only on the disconnected marker.
	Err error
}

// Disconnected reports whether e is the end-of-stream marker.
func (e RawEvent) Disconnected() bool { return e.Name == EventDisconnected }

// OpKind is the kind of an outbound operation.
type OpKind string

const (
	OpPut   OpKind = "put"
	OpPatch OpKind = "patch"
)

// Operation is one outbound write. Path is relative to the connection's
// subscribed path. ID correlates the acknowledgement; when empty the
// connection assigns one.
type Operation struct {
	ID   string
	Kind OpKind
	Path pathkey.Key
	Data json.RawMessage
}

// OpenRequest describes a subscription to open.
type OpenRequest struct {
	Path pathkey.Key

	// Token is the continuation token (last applied revision). Empty requests
	// a full snapshot.
	Token string

	// Query is forwarded to the backend verbatim.
	Query map[string]string
}

// Dialer opens streaming connections.
type Dialer interface {
	Open(ctx context.Context, req OpenRequest) (Conn, error)
}

// Conn is one open streaming connection.
//
// Events yields inbound events in backend order. After a transport failure the
// last value delivered is a RawEvent with Disconnected() true, then the channel
// closes. After Close the channel closes without a marker.
//
// Send transmits operations in call order.
type Conn interface {
	Events() <-chan RawEvent
	Send(ctx context.Context, op Operation) (*Ack, error)
	Close() error
}

// Ack is the acknowledgement future of one sent operation. It resolves exactly
// once: nil on ack, an ErrRejected wrap on nack, ErrDisconnected when the
// connection drops first.
type Ack struct {
	id   string
	done chan struct{}
	once sync.Once
	err  error
}

// NewAck returns an unresolved ack for the operation id.
func NewAck(id string) *Ack {
	return &Ack{id: id, done: make(chan struct{})}
}

// ID returns the operation ID.
func (a *Ack) ID() string { return a.id }

// Done is closed once the ack resolves.
func (a *Ack) Done() <-chan struct{} { return a.done }

// Err returns the resolution. Only meaningful after Done is closed.
func (a *Ack) Err() error {
	select {
	case <-a.done:
		return a.err
	default:
		return nil
	}
}

// Resolve settles the ack. Calls after the first are ignored.
func (a *Ack) Resolve(err error) {
	a.once.Do(func() {
		a.err = err
		close(a.done)
	})
}

// Wait blocks until the ack resolves or ctx ends. A context deadline yields
// ErrAckTimeout.
func (a *Ack) Wait(ctx context.Context) error {
	select {
	case <-a.done:
		return a.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return ErrAckTimeout
		}
		return ctx.Err()
	}
}

// RejectedError creates the error an Ack resolves with on nack.
func RejectedError(reason string) error {
	if reason == "" {
		return ErrRejected
	}
	return fmt.Errorf("%w: %s", ErrRejected, reason)
}

// ackTable tracks the acks of in-flight operations on one connection.
type ackTable struct {
	mu     sync.Mutex
	acks   map[string]*Ack
	closed bool
}

func newAckTable() *ackTable {
	return &ackTable{acks: make(map[string]*Ack)}
}

// add registers an ack. Returns false when the table was already failed.
func (t *ackTable) add(a *Ack) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	t.acks[a.id] = a
	return true
}

func (t *ackTable) remove(id string) {
	t.mu.Lock()
	delete(t.acks, id)
	t.mu.Unlock()
}

// resolve settles and forgets the ack with id. Unknown ids are ignored.
func (t *ackTable) resolve(id string, err error) bool {
	t.mu.Lock()
	a, ok := t.acks[id]
	delete(t.acks, id)
	t.mu.Unlock()
	if ok {
		a.Resolve(err)
	}
	return ok
}

// failAll resolves every outstanding ack with err and refuses new ones.
func (t *ackTable) failAll(err error) {
	t.mu.Lock()
	pending := t.acks
	t.acks = make(map[string]*Ack)
	t.closed = true
	t.mu.Unlock()
	for _, a := range pending {
		a.Resolve(err)
	}
}

func (t *ackTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.acks)
}
