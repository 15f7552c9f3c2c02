// Treesync - Realtime Tree Mirror and Sync Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/treesync

package wire

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/go-cmp/cmp"
	"github.com/gorilla/websocket"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/tomtom215/treesync/internal/pathkey"
)

const testTimeout = 5 * time.Second

// testServer is a minimal backend that records inbound frames and lets the
// test write arbitrary frames back.
type testServer struct {
	*httptest.Server
	conns chan *serverConn
}

type serverConn struct {
	ws     *websocket.Conn
	query  url.Values
	frames chan outFrame
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ts := &testServer{conns: make(chan *serverConn, 4)}
	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upgrader := websocket.Upgrader{}
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("Failed to upgrade connection: %v", err)
			return
		}
		defer ws.Close()

		sc := &serverConn{ws: ws, query: r.URL.Query(), frames: make(chan outFrame, 64)}
		ts.conns <- sc
		defer close(sc.frames)
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			var f outFrame
			if json.Unmarshal(data, &f) == nil {
				sc.frames <- f
			}
		}
	}))
	t.Cleanup(ts.Close)
	return ts
}

func (ts *testServer) wsURL() string {
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func (ts *testServer) accept(t *testing.T) *serverConn {
	t.Helper()
	select {
	case sc := <-ts.conns:
		return sc
	case <-time.After(testTimeout):
		t.Fatal("server: no connection accepted")
		return nil
	}
}

// next returns the next non-ping frame.
func (sc *serverConn) next(t *testing.T) outFrame {
	t.Helper()
	for {
		select {
		case f, ok := <-sc.frames:
			if !ok {
				t.Fatal("server: connection closed")
			}
			if f.Type == "ping" {
				continue
			}
			return f
		case <-time.After(testTimeout):
			t.Fatal("server: no frame received")
			return outFrame{}
		}
	}
}

func (sc *serverConn) send(t *testing.T, frame string) {
	t.Helper()
	if err := sc.ws.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		t.Fatalf("server: write frame: %v", err)
	}
}

func newTestDialer(t *testing.T, rawURL string) *WebSocketDialer {
	t.Helper()
	cfg := DefaultConfig()
	cfg.URL = rawURL
	cfg.AuthToken = "secret-token-value"
	cfg.SendRate = 0
	d, err := NewWebSocketDialer(cfg)
	if err != nil {
		t.Fatalf("NewWebSocketDialer() error = %v", err)
	}
	return d
}

func openConn(t *testing.T, d *WebSocketDialer, req OpenRequest) Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	c, err := d.Open(ctx, req)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func nextEvent(t *testing.T, c Conn) (RawEvent, bool) {
	t.Helper()
	select {
	case ev, ok := <-c.Events():
		return ev, ok
	case <-time.After(testTimeout):
		t.Fatal("no event received")
		return RawEvent{}, false
	}
}

func TestNewWebSocketDialer_RejectsBadURL(t *testing.T) {
	tests := []struct {
		name string
		url  string
	}{
		{"http scheme", "http://example.com/.ws"},
		{"no scheme", "example.com/.ws"},
		{"unparseable", "ws://[::1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.URL = tt.url
			if _, err := NewWebSocketDialer(cfg); err == nil {
				t.Errorf("NewWebSocketDialer(%q) expected error", tt.url)
			}
		})
	}
}

func TestWebSocketDialer_OpenSendsListenFrame(t *testing.T) {
	ts := newTestServer(t)
	d := newTestDialer(t, ts.wsURL())

	openConn(t, d, OpenRequest{
		Path:  pathkey.MustParse("/rooms/1"),
		Token: "r1",
		Query: map[string]string{"orderBy": "ts"},
	})
	sc := ts.accept(t)

	if got := sc.query.Get("auth"); got != "secret-token-value" {
		t.Errorf("auth query = %q, want token", got)
	}

	want := outFrame{Type: "listen", Path: "/rooms/1", Rev: "r1", Query: map[string]string{"orderBy": "ts"}}
	if diff := cmp.Diff(want, sc.next(t)); diff != "" {
		t.Errorf("listen frame mismatch (-want +got):\n%s", diff)
	}
}

func TestWebSocketConn_DeliversEventsInOrder(t *testing.T) {
	ts := newTestServer(t)
	d := newTestDialer(t, ts.wsURL())
	c := openConn(t, d, OpenRequest{Path: pathkey.Root})
	sc := ts.accept(t)
	sc.next(t)

	sc.send(t, `{"event":"put","data":{"path":"/","data":{"a":1}},"rev":"r2"}`)
	sc.send(t, `{"event":"keep-alive"}`)
	sc.send(t, `{"event":"patch","data":{"path":"/b","data":{"c":true}}}`)
	sc.send(t, `not json`)

	want := []struct {
		name string
		rev  string
	}{
		{"put", "r2"},
		{"keep-alive", ""},
		{"patch", ""},
		{"", ""},
	}
	for i, w := range want {
		ev, ok := nextEvent(t, c)
		if !ok {
			t.Fatalf("event %d: channel closed", i)
		}
		if ev.Name != w.name || ev.Revision != w.rev {
			t.Errorf("event %d = (%q, %q), want (%q, %q)", i, ev.Name, ev.Revision, w.name, w.rev)
		}
	}
}

func TestWebSocketConn_AckAndNack(t *testing.T) {
	ts := newTestServer(t)
	d := newTestDialer(t, ts.wsURL())
	c := openConn(t, d, OpenRequest{Path: pathkey.MustParse("/rooms")})
	sc := ts.accept(t)
	sc.next(t)

	ctx := context.Background()
	first, err := c.Send(ctx, Operation{Kind: OpPut, Path: pathkey.MustParse("/1/title"), Data: json.RawMessage(`"hi"`)})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	second, err := c.Send(ctx, Operation{ID: "op-2", Kind: OpPatch, Path: pathkey.MustParse("/1"), Data: json.RawMessage(`{"n":2}`)})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if second.ID() != "op-2" {
		t.Errorf("ID() = %q, want caller-assigned op-2", second.ID())
	}

	f1 := sc.next(t)
	if f1.Type != "put" || f1.Path != "/1/title" || string(f1.Data) != `"hi"` || f1.ID != first.ID() {
		t.Errorf("first frame = %+v", f1)
	}
	f2 := sc.next(t)
	if f2.Type != "patch" || f2.ID != "op-2" {
		t.Errorf("second frame = %+v", f2)
	}

	sc.send(t, `{"event":"ack","id":"`+f1.ID+`"}`)
	sc.send(t, `{"event":"nack","id":"op-2","error":"permission denied"}`)

	waitCtx, cancel := context.WithTimeout(ctx, testTimeout)
	defer cancel()
	if err := first.Wait(waitCtx); err != nil {
		t.Errorf("first.Wait() = %v, want nil", err)
	}
	err = second.Wait(waitCtx)
	if !errors.Is(err, ErrRejected) || !strings.Contains(err.Error(), "permission denied") {
		t.Errorf("second.Wait() = %v, want rejection with reason", err)
	}
}

func TestWebSocketConn_DropEmitsMarkerAndFailsAcks(t *testing.T) {
	ts := newTestServer(t)
	d := newTestDialer(t, ts.wsURL())
	c := openConn(t, d, OpenRequest{Path: pathkey.Root})
	sc := ts.accept(t)
	sc.next(t)

	ack, err := c.Send(context.Background(), Operation{Kind: OpPut, Path: pathkey.MustParse("/a"), Data: json.RawMessage(`1`)})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	sc.next(t)

	_ = sc.ws.UnderlyingConn().Close()

	ev, ok := nextEvent(t, c)
	if !ok || !ev.Disconnected() {
		t.Fatalf("event = %+v (ok=%v), want disconnected marker", ev, ok)
	}
	if !errors.Is(ev.Err, ErrDisconnected) {
		t.Errorf("marker Err = %v, want ErrDisconnected", ev.Err)
	}
	if _, ok := nextEvent(t, c); ok {
		t.Error("event channel still open after marker")
	}

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	if err := ack.Wait(ctx); !errors.Is(err, ErrDisconnected) {
		t.Errorf("ack.Wait() = %v, want ErrDisconnected", err)
	}
	if _, err := c.Send(ctx, Operation{Kind: OpPut, Path: pathkey.MustParse("/b"), Data: json.RawMessage(`2`)}); !errors.Is(err, ErrDisconnected) {
		t.Errorf("Send() after drop = %v, want ErrDisconnected", err)
	}
}

func TestWebSocketConn_CloseEndsStreamWithoutMarker(t *testing.T) {
	ts := newTestServer(t)
	d := newTestDialer(t, ts.wsURL())
	c := openConn(t, d, OpenRequest{Path: pathkey.Root})
	sc := ts.accept(t)
	sc.next(t)

	if err := c.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}

	for ev := range c.Events() {
		if ev.Disconnected() {
			t.Error("local Close delivered a disconnected marker")
		}
	}
}

func TestWebSocketDialer_BreakerOpensAfterFailures(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := "ws" + strings.TrimPrefix(dead.URL, "http")
	dead.Close()

	cfg := DefaultConfig()
	cfg.URL = deadURL
	cfg.Breaker = BreakerConfig{MaxRequests: 1, Interval: time.Minute, Timeout: time.Minute, MinRequests: 2, FailureRatio: 0.5}
	d, err := NewWebSocketDialer(cfg)
	if err != nil {
		t.Fatalf("NewWebSocketDialer() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	for i := 0; i < 2; i++ {
		if _, err := d.Open(ctx, OpenRequest{Path: pathkey.Root}); err == nil {
			t.Fatalf("Open() #%d to a dead server succeeded", i)
		}
	}

	_, err = d.Open(ctx, OpenRequest{Path: pathkey.Root})
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Errorf("Open() with tripped breaker = %v, want ErrOpenState", err)
	}
	if got := d.BreakerState(); got != "open" {
		t.Errorf("BreakerState() = %q, want open", got)
	}
}

func TestFrameLabel(t *testing.T) {
	if got := frameLabel("put"); got != "put" {
		t.Errorf("frameLabel(put) = %q", got)
	}
	if got := frameLabel("surprise"); got != "unknown" {
		t.Errorf("frameLabel(surprise) = %q, want unknown", got)
	}
}
