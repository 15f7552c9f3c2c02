// Treesync - Realtime Tree Mirror and Sync Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/treesync

package main

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/goccy/go-json"

	"github.com/tomtom215/treesync/internal/changefeed"
	"github.com/tomtom215/treesync/internal/config"
	"github.com/tomtom215/treesync/internal/engine"
	"github.com/tomtom215/treesync/internal/logging"
	"github.com/tomtom215/treesync/internal/pathkey"
	"github.com/tomtom215/treesync/internal/wire"
	"github.com/tomtom215/treesync/internal/wire/wiretest"
)

func testConfig() *config.Config {
	eng := engine.DefaultConfig()
	eng.ReconnectInitial = 5 * time.Millisecond
	eng.ReconnectMax = 20 * time.Millisecond

	backend := wire.DefaultConfig()
	backend.URL = "ws://backend.invalid/stream"

	return &config.Config{
		Backend: backend,
		Subscriptions: config.SubscriptionsConfig{
			Paths: []string{"/rooms", "/users/ann"},
			Query: "orderBy=name",
		},
		Cache: config.CacheConfig{
			InMemory:   true,
			Cipher:     "substitution",
			Secret:     "daemon-test-secret",
			GCInterval: time.Hour,
			GCRatio:    0.5,
		},
		Engine: eng,
		ChangeFeed: config.ChangeFeedConfig{
			Enabled: true,
			Topic:   "test",
			Buffer:  64,
		},
		Server: config.ServerConfig{
			Enabled:           true,
			Addr:              "127.0.0.1:0",
			ReadHeaderTimeout: time.Second,
			ShutdownTimeout:   time.Second,
		},
		Logging: logging.DefaultConfig(),
	}
}

func TestDaemonServesSubscriptions(t *testing.T) {
	backend := wiretest.NewBackend()
	backend.OnOpen(func(c *wiretest.Conn) {
		if c.Request.Path.String() == "/rooms" {
			c.Put("/", `{"kitchen":{"seats":4}}`, "r1")
			return
		}
		c.Put("/", `{"name":"ann"}`, "u1")
	})

	pubSub := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 64}, watermill.NopLogger{})
	subCtx, cancelSub := context.WithCancel(context.Background())
	defer cancelSub()
	values, err := pubSub.Subscribe(subCtx, "test."+changefeed.TypeValue)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	d, err := newDaemon(testConfig(), daemonDeps{
		dialer:       backend,
		breakerState: func() string { return "closed" },
		publisher:    pubSub,
	})
	if err != nil {
		t.Fatalf("newDaemon() error = %v", err)
	}
	listening := make(chan net.Addr, 1)
	d.status.NotifyListening(listening)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.serve(ctx) }()

	for i := 0; i < 2; i++ {
		conn := backend.NextConn(t)
		if got := conn.Request.Query["orderBy"]; got != "name" {
			t.Errorf("open %s query orderBy = %q, want name", conn.Request.Path, got)
		}
	}

	deadline := time.Now().Add(wiretest.WaitTimeout)
	for {
		raw, ok, _ := d.engine.Value(pathkey.MustParse("/rooms/kitchen/seats"))
		if ok && string(raw) == "4" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for the snapshot to apply")
		}
		time.Sleep(2 * time.Millisecond)
	}

	select {
	case msg := <-values:
		msg.Ack()
		var ev changefeed.Event
		if err := json.Unmarshal(msg.Payload, &ev); err != nil {
			t.Fatalf("decode feed payload: %v", err)
		}
		if ev.Subscription != "/rooms" && ev.Subscription != "/users/ann" {
			t.Errorf("feed event subscription = %q", ev.Subscription)
		}
	case <-time.After(wiretest.WaitTimeout):
		t.Fatal("timed out waiting for a change feed event")
	}

	var addr net.Addr
	select {
	case addr = <-listening:
	case <-time.After(wiretest.WaitTimeout):
		t.Fatal("status server did not start")
	}
	resp, err := http.Get("http://" + addr.String() + "/status")
	if err != nil {
		t.Fatalf("GET /status error = %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "/users/ann") {
		t.Errorf("GET /status = %d %s", resp.StatusCode, body)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("serve() error = %v", err)
		}
	case <-time.After(wiretest.WaitTimeout):
		t.Fatal("serve() did not return after cancel")
	}
	if _, err := d.engine.Subscribe(context.Background(), pathkey.Root, nil); !errors.Is(err, engine.ErrClosed) {
		t.Errorf("Subscribe() after shutdown error = %v, want ErrClosed", err)
	}
}

func TestNewDaemonRejectsBadCipher(t *testing.T) {
	cfg := testConfig()
	cfg.Cache.Cipher = "rot13"
	if _, err := newDaemon(cfg, daemonDeps{dialer: wiretest.NewBackend()}); err == nil {
		t.Fatal("newDaemon() error = nil, want cipher error")
	}
}
