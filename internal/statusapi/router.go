// Treesync - Realtime Tree Mirror and Sync Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/treesync

package statusapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tomtom215/treesync/internal/engine"
	"github.com/tomtom215/treesync/internal/middleware"
	"github.com/tomtom215/treesync/internal/pathkey"
	"github.com/tomtom215/treesync/internal/tree"
	"github.com/tomtom215/treesync/internal/validation"
)

// Source is the engine surface the status API reads.
type Source interface {
	Status() []engine.Status
	PendingWrites() int
	Value(path pathkey.Key) (json.RawMessage, bool, error)
	Counts(path pathkey.Key) (tree.Counts, error)
}

// Handler serves the status endpoints.
type Handler struct {
	src       Source
	startTime time.Time

	// BreakerState reports the backend dial breaker, if any.
	BreakerState func() string
}

// NewHandler returns a Handler reading from src.
func NewHandler(src Source) *Handler {
	return &Handler{src: src, startTime: time.Now()}
}

// Router returns the chi router:
//
//	GET /healthz        liveness
//	GET /readyz         503 until every subscription is streaming
//	GET /status         subscriptions, optionally ?path= filtered
//	GET /status/value   cached subtree at ?path=
//	GET /metrics        Prometheus
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.PrometheusMetrics)
	r.Use(middleware.RequestLogging)
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", h.Health)
	r.Get("/readyz", h.Ready)
	r.Route("/status", func(r chi.Router) {
		r.Get("/", h.Status)
		r.Get("/value", h.Value)
	})
	r.Handle("/metrics", promhttp.Handler())
	return r
}

// Health handles liveness probes.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	data := map[string]interface{}{
		"alive":          true,
		"uptime":         time.Since(h.startTime).Seconds(),
		"subscriptions":  len(h.src.Status()),
		"pending_writes": h.src.PendingWrites(),
	}
	if h.BreakerState != nil {
		data["backend_breaker"] = h.BreakerState()
	}
	respondData(w, http.StatusOK, data)
}

// Ready handles readiness probes.
func (h *Handler) Ready(w http.ResponseWriter, _ *http.Request) {
	var waiting []string
	for _, s := range h.src.Status() {
		if s.State != engine.StateStreaming {
			waiting = append(waiting, s.Path)
		}
	}
	if len(waiting) > 0 {
		respondError(w, http.StatusServiceUnavailable, "NOT_READY", "subscriptions not streaming: "+strings.Join(waiting, ", "), waiting)
		return
	}
	respondData(w, http.StatusOK, map[string]bool{"ready": true})
}

// statusQuery holds the /status query parameters.
type statusQuery struct {
	Path string `validate:"omitempty,treepath"`
}

// Status lists subscriptions. With ?path= only subscriptions related to
// that path (ancestors or descendants) are listed.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	q := statusQuery{Path: r.URL.Query().Get("path")}
	if verr := validation.ValidateStruct(&q); verr != nil {
		respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", verr.Error(), verr.Details())
		return
	}

	subs := h.src.Status()
	if q.Path != "" {
		filter := pathkey.MustParse(q.Path)
		kept := subs[:0]
		for _, s := range subs {
			if p, err := pathkey.Parse(s.Path); err == nil && p.Related(filter) {
				kept = append(kept, s)
			}
		}
		subs = kept
	}
	respondData(w, http.StatusOK, map[string]interface{}{
		"subscriptions":  subs,
		"pending_writes": h.src.PendingWrites(),
	})
}

// valueReply is the /status/value payload.
type valueReply struct {
	Path   string          `json:"path"`
	Value  json.RawMessage `json:"value"`
	Counts tree.Counts     `json:"counts"`
}

// Value returns the locally known subtree at ?path=.
func (h *Handler) Value(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("path")
	if err := validation.ValidateVar("path", raw, "required,treepath"); err != nil {
		respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
		return
	}
	p := pathkey.MustParse(raw)

	value, ok, err := h.src.Value(p)
	if errors.Is(err, engine.ErrNotSubscribed) {
		respondError(w, http.StatusNotFound, "NOT_SUBSCRIBED", err.Error(), nil)
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "READ_FAILED", err.Error(), nil)
		return
	}
	if !ok {
		respondError(w, http.StatusNotFound, "NOT_FOUND", "nothing known at "+p.String(), nil)
		return
	}
	counts, err := h.src.Counts(p)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "READ_FAILED", err.Error(), nil)
		return
	}
	respondData(w, http.StatusOK, valueReply{Path: p.String(), Value: value, Counts: counts})
}
