// Treesync - Realtime Tree Mirror and Sync Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/treesync

package statusapi

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/go-cmp/cmp"

	"github.com/tomtom215/treesync/internal/engine"
	"github.com/tomtom215/treesync/internal/pathkey"
	"github.com/tomtom215/treesync/internal/tree"
)

type fakeSource struct {
	subs    []engine.Status
	pending int
	values  map[string]string
}

func (f *fakeSource) Status() []engine.Status {
	return append([]engine.Status(nil), f.subs...)
}

func (f *fakeSource) PendingWrites() int { return f.pending }

func (f *fakeSource) covered(p pathkey.Key) bool {
	for _, s := range f.subs {
		if pathkey.MustParse(s.Path).Contains(p) {
			return true
		}
	}
	return false
}

func (f *fakeSource) Value(p pathkey.Key) (json.RawMessage, bool, error) {
	if !f.covered(p) {
		return nil, false, fmt.Errorf("read %s: %w", p, engine.ErrNotSubscribed)
	}
	v, ok := f.values[p.String()]
	return json.RawMessage(v), ok, nil
}

func (f *fakeSource) Counts(p pathkey.Key) (tree.Counts, error) {
	return tree.Counts{Total: 2, Synced: 1}, nil
}

func newFake() *fakeSource {
	return &fakeSource{
		subs: []engine.Status{
			{Path: "/rooms", State: engine.StateStreaming, Total: 2, Synced: 1, Revision: "r9", Handles: 1},
			{Path: "/users/42", State: engine.StateReconnecting, Handles: 2},
		},
		pending: 3,
		values:  map[string]string{"/rooms/1": `{"name":"Lobby","seats":4}`},
	}
}

type envelope struct {
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data"`
	Error  *APIError       `json:"error"`
}

func get(t *testing.T, h http.Handler, target string) (int, envelope) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	var env envelope
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
			t.Fatalf("GET %s: decode %s: %v", target, rec.Body.String(), err)
		}
	}
	return rec.Code, env
}

func TestHealth(t *testing.T) {
	h := NewHandler(newFake())
	h.BreakerState = func() string { return "closed" }

	code, env := get(t, h.Router(), "/healthz")
	if code != http.StatusOK || env.Status != "success" {
		t.Fatalf("GET /healthz = %d %+v", code, env)
	}
	var data map[string]interface{}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		t.Fatal(err)
	}
	if data["subscriptions"] != float64(2) || data["pending_writes"] != float64(3) || data["backend_breaker"] != "closed" {
		t.Errorf("health data = %v", data)
	}
}

func TestReady(t *testing.T) {
	src := newFake()
	router := NewHandler(src).Router()

	code, env := get(t, router, "/readyz")
	if code != http.StatusServiceUnavailable || env.Error == nil || env.Error.Code != "NOT_READY" {
		t.Fatalf("GET /readyz = %d %+v", code, env)
	}
	if !strings.Contains(env.Error.Message, "/users/42") {
		t.Errorf("message %q does not name the waiting subscription", env.Error.Message)
	}

	src.subs[1].State = engine.StateStreaming
	if code, _ := get(t, router, "/readyz"); code != http.StatusOK {
		t.Errorf("GET /readyz after streaming = %d", code)
	}
}

func TestStatus(t *testing.T) {
	router := NewHandler(newFake()).Router()

	tests := []struct {
		target string
		code   int
		paths  []string
	}{
		{"/status", http.StatusOK, []string{"/rooms", "/users/42"}},
		{"/status/", http.StatusOK, []string{"/rooms", "/users/42"}},
		{"/status?path=/rooms/1", http.StatusOK, []string{"/rooms"}},
		{"/status?path=/users", http.StatusOK, []string{"/users/42"}},
		{"/status?path=/nowhere", http.StatusOK, nil},
		{"/status?path=/a.b", http.StatusBadRequest, nil},
	}
	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			code, env := get(t, router, tt.target)
			if code != tt.code {
				t.Fatalf("code = %d, want %d (%+v)", code, tt.code, env)
			}
			if code != http.StatusOK {
				if env.Error == nil || env.Error.Code != "VALIDATION_ERROR" {
					t.Errorf("error = %+v", env.Error)
				}
				return
			}
			var data struct {
				Subscriptions []engine.Status `json:"subscriptions"`
				Pending       int             `json:"pending_writes"`
			}
			if err := json.Unmarshal(env.Data, &data); err != nil {
				t.Fatal(err)
			}
			var paths []string
			for _, s := range data.Subscriptions {
				paths = append(paths, s.Path)
			}
			if diff := cmp.Diff(tt.paths, paths); diff != "" {
				t.Errorf("paths mismatch (-want +got):\n%s", diff)
			}
			if data.Pending != 3 {
				t.Errorf("pending_writes = %d", data.Pending)
			}
		})
	}
}

func TestStatusReportsStateNames(t *testing.T) {
	rec := httptest.NewRecorder()
	NewHandler(newFake()).Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	body := rec.Body.String()
	if !strings.Contains(body, `"state":"streaming"`) || !strings.Contains(body, `"state":"reconnecting"`) {
		t.Errorf("body %s lacks state names", body)
	}
}

func TestValue(t *testing.T) {
	router := NewHandler(newFake()).Router()

	code, env := get(t, router, "/status/value?path=/rooms/1")
	if code != http.StatusOK {
		t.Fatalf("code = %d %+v", code, env)
	}
	var got valueReply
	if err := json.Unmarshal(env.Data, &got); err != nil {
		t.Fatal(err)
	}
	if got.Path != "/rooms/1" || string(got.Value) != `{"name":"Lobby","seats":4}` || got.Counts != (tree.Counts{Total: 2, Synced: 1}) {
		t.Errorf("value reply = %+v (%s)", got, got.Value)
	}

	for target, want := range map[string]string{
		"/status/value":                "VALIDATION_ERROR",
		"/status/value?path=/rooms/$x": "VALIDATION_ERROR",
		"/status/value?path=/other":    "NOT_SUBSCRIBED",
		"/status/value?path=/rooms/2":  "NOT_FOUND",
	} {
		_, env := get(t, router, target)
		if env.Error == nil || env.Error.Code != want {
			t.Errorf("GET %s error = %+v, want %s", target, env.Error, want)
		}
	}
}

func TestMetricsEndpoint(t *testing.T) {
	rec := httptest.NewRecorder()
	NewHandler(newFake()).Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "go_goroutines") {
		t.Errorf("GET /metrics = %d", rec.Code)
	}
}

func TestRouterTagsRequests(t *testing.T) {
	h := NewHandler(newFake()).Router()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "req-abc123")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if got := rec.Header().Get("X-Request-ID"); got != "req-abc123" {
		t.Errorf("X-Request-ID = %q, want req-abc123", got)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rec.Body.String(), `treesync_status_requests_total{method="GET",route="/healthz",status="200"}`) {
		t.Errorf("/healthz request not counted")
	}
}

func TestServerServesUntilCancelled(t *testing.T) {
	srv := NewServer(ServerConfig{Addr: "127.0.0.1:0", ShutdownTimeout: time.Second}, NewHandler(newFake()).Router())
	listening := make(chan net.Addr, 1)
	srv.NotifyListening(listening)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()

	var addr net.Addr
	select {
	case addr = <-listening:
	case err := <-done:
		t.Fatalf("Serve() returned early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not start")
	}

	resp, err := http.Get("http://" + addr.String() + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("Serve() = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
	if srv.String() != "status-server" {
		t.Errorf("String() = %q", srv.String())
	}
}
