// Treesync - Realtime Tree Mirror and Sync Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/treesync

package wire

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestAck_ResolvesOnce(t *testing.T) {
	a := NewAck("op-1")
	if err := a.Err(); err != nil {
		t.Errorf("Err() before resolve = %v", err)
	}

	a.Resolve(nil)
	a.Resolve(ErrDisconnected)

	select {
	case <-a.Done():
	default:
		t.Fatal("Done() not closed after Resolve")
	}
	if err := a.Wait(context.Background()); err != nil {
		t.Errorf("Wait() = %v, want first resolution (nil)", err)
	}
}

func TestAck_WaitDeadline(t *testing.T) {
	a := NewAck("op-1")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if err := a.Wait(ctx); !errors.Is(err, ErrAckTimeout) {
		t.Errorf("Wait() = %v, want ErrAckTimeout", err)
	}

	ctx, cancel = context.WithCancel(context.Background())
	cancel()
	if err := a.Wait(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Wait() on canceled ctx = %v, want context.Canceled", err)
	}
}

func TestRejectedError(t *testing.T) {
	if err := RejectedError(""); !errors.Is(err, ErrRejected) {
		t.Errorf("RejectedError(\"\") = %v", err)
	}
	err := RejectedError("quota exceeded")
	if !errors.Is(err, ErrRejected) || err.Error() != "wire: operation rejected: quota exceeded" {
		t.Errorf("RejectedError() = %v", err)
	}
}

func TestAckTable_FailAllRefusesNew(t *testing.T) {
	tbl := newAckTable()
	a := NewAck("a")
	b := NewAck("b")
	tbl.add(a)
	tbl.add(b)

	if !tbl.resolve("a", nil) {
		t.Fatal("resolve(a) = false")
	}
	if tbl.resolve("a", nil) {
		t.Error("second resolve(a) = true")
	}

	tbl.failAll(ErrDisconnected)
	if err := b.Wait(context.Background()); !errors.Is(err, ErrDisconnected) {
		t.Errorf("b.Wait() = %v, want ErrDisconnected", err)
	}
	if tbl.add(NewAck("c")) {
		t.Error("add after failAll = true")
	}
	if n := tbl.len(); n != 0 {
		t.Errorf("len() = %d, want 0", n)
	}
}

func TestRawEvent_Disconnected(t *testing.T) {
	if (RawEvent{Name: "put"}).Disconnected() {
		t.Error("put reported as disconnected")
	}
	if !(RawEvent{Name: EventDisconnected}).Disconnected() {
		t.Error("marker not reported as disconnected")
	}
}
