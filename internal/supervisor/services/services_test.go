// Treesync - Realtime Tree Mirror and Sync Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/treesync

package services

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/thejerf/suture/v4"

	"github.com/tomtom215/treesync/internal/engine"
	"github.com/tomtom215/treesync/internal/pathkey"
	"github.com/tomtom215/treesync/internal/store"
	"github.com/tomtom215/treesync/internal/wire/wiretest"
)

func newEngine(t *testing.T, b *wiretest.Backend) *engine.Engine {
	t.Helper()
	cfg := engine.DefaultConfig()
	cfg.ReconnectInitial = 5 * time.Millisecond
	cfg.ReconnectMax = 20 * time.Millisecond
	cfg.BackoffSeed = 1
	e, err := engine.New(cfg, b, store.NewMemoryStore(nil))
	if err != nil {
		t.Fatalf("engine.New() error = %v", err)
	}
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(wiretest.WaitTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

type valueLog struct {
	mu     sync.Mutex
	values []string
}

func (l *valueLog) observer() engine.Observer {
	return engine.ObserverFuncs{ValueChanged: func(_ pathkey.Key, v json.RawMessage) {
		l.mu.Lock()
		l.values = append(l.values, string(v))
		l.mu.Unlock()
	}}
}

func (l *valueLog) last() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.values) == 0 {
		return ""
	}
	return l.values[len(l.values)-1]
}

func serveAsync(ctx context.Context, svc suture.Service) <-chan error {
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx) }()
	return done
}

func waitDone(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(wiretest.WaitTimeout):
		t.Fatal("Serve() did not return")
		return nil
	}
}

func TestSubscriptionServiceHoldsSubscription(t *testing.T) {
	b := wiretest.NewBackend()
	b.OnOpen(func(c *wiretest.Conn) { c.Put("/", `{"a":1}`, "r1") })
	e := newEngine(t, b)
	log := &valueLog{}

	svc := NewSubscriptionService(e, pathkey.MustParse("/rooms"), log.observer(), map[string]string{"orderBy": "name"})
	if svc.String() != "subscription:/rooms" {
		t.Errorf("String() = %q", svc.String())
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := serveAsync(ctx, svc)

	conn := b.NextConn(t)
	if conn.Request.Query["orderBy"] != "name" {
		t.Errorf("open query = %v", conn.Request.Query)
	}
	eventually(t, "forwarded value", func() bool { return log.last() == `{"a":1}` })
	if got := e.Status(); len(got) != 1 || got[0].Handles != 1 {
		t.Fatalf("Status() = %+v", got)
	}

	cancel()
	if err := waitDone(t, done); !errors.Is(err, context.Canceled) {
		t.Errorf("Serve() = %v, want context.Canceled", err)
	}
	eventually(t, "subscription released", func() bool { return len(e.Status()) == 0 })
}

func TestSubscriptionServiceBackendTermination(t *testing.T) {
	tests := []struct {
		name      string
		end       func(*wiretest.Conn)
		wantErr   error
		noRestart bool
	}{
		{name: "cancel restarts", end: func(c *wiretest.Conn) { c.Cancel("rules changed") }, wantErr: engine.ErrCancelled},
		{name: "auth revoked stops", end: func(c *wiretest.Conn) { c.RevokeAuth("expired") }, wantErr: engine.ErrAuthRevoked, noRestart: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := wiretest.NewBackend()
			e := newEngine(t, b)
			done := serveAsync(context.Background(), NewSubscriptionService(e, pathkey.MustParse("/rooms"), nil, nil))

			tt.end(b.NextConn(t))
			err := waitDone(t, done)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Serve() = %v, want %v", err, tt.wantErr)
			}
			if got := errors.Is(err, suture.ErrDoNotRestart); got != tt.noRestart {
				t.Errorf("ErrDoNotRestart = %v, want %v (%v)", got, tt.noRestart, err)
			}
		})
	}
}

func TestSubscriptionServiceStopsOnClosedEngine(t *testing.T) {
	b := wiretest.NewBackend()
	e := newEngine(t, b)
	done := serveAsync(context.Background(), NewSubscriptionService(e, pathkey.MustParse("/rooms"), nil, nil))
	b.NextConn(t)

	if err := e.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := waitDone(t, done); !errors.Is(err, suture.ErrDoNotRestart) {
		t.Errorf("Serve() = %v, want ErrDoNotRestart", err)
	}

	err := NewSubscriptionService(e, pathkey.MustParse("/rooms"), nil, nil).Serve(context.Background())
	if !errors.Is(err, suture.ErrDoNotRestart) || !errors.Is(err, engine.ErrClosed) {
		t.Errorf("Serve() on closed engine = %v", err)
	}
}

type fakeGC struct {
	runs atomic.Int32
	err  error
}

func (f *fakeGC) RunGCLoop(ctx context.Context) error {
	f.runs.Add(1)
	if f.err != nil {
		return f.err
	}
	<-ctx.Done()
	return ctx.Err()
}

func TestCacheGCService(t *testing.T) {
	gc := &fakeGC{}
	svc := NewCacheGCService(gc)
	if svc.String() != "cache-gc" {
		t.Errorf("String() = %q", svc.String())
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := serveAsync(ctx, svc)
	eventually(t, "gc loop start", func() bool { return gc.runs.Load() == 1 })
	cancel()
	if err := waitDone(t, done); !errors.Is(err, context.Canceled) {
		t.Errorf("Serve() = %v, want context.Canceled", err)
	}

	failing := &fakeGC{err: store.ErrCacheIO}
	if err := NewCacheGCService(failing).Serve(context.Background()); !errors.Is(err, store.ErrCacheIO) || errors.Is(err, suture.ErrDoNotRestart) {
		t.Errorf("Serve() with failing loop = %v", err)
	}
}

func TestCacheGCServiceStopsOnClosedStore(t *testing.T) {
	s, err := store.OpenBadger(&store.Config{
		InMemory:         true,
		MemTableSize:     1 << 20,
		ValueLogFileSize: 1 << 20,
		NumCompactors:    2,
		GCInterval:       time.Millisecond,
		GCRatio:          0.5,
		CloseTimeout:     time.Second,
	}, store.NoopCipher{})
	if err != nil {
		t.Fatalf("OpenBadger() error = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	done := serveAsync(context.Background(), NewCacheGCService(s))
	if err := waitDone(t, done); !errors.Is(err, suture.ErrDoNotRestart) {
		t.Errorf("Serve() after store close = %v, want ErrDoNotRestart", err)
	}
}
