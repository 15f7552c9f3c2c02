// Treesync - Realtime Tree Mirror and Sync Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/treesync

package metrics

import (
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Sync Engine Metrics
	EventsApplied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "treesync_events_applied_total",
			Help: "Total number of inbound events applied to the tree",
		},
		[]string{"kind"}, // put, patch
	)

	EventsMalformed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "treesync_events_malformed_total",
			Help: "Total number of inbound events skipped because they could not be decoded",
		},
	)

	PendingWrites = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "treesync_pending_writes",
			Help: "Current number of local writes awaiting backend acknowledgement",
		},
	)

	WritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "treesync_writes_total",
			Help: "Total number of local writes by outcome",
		},
		[]string{"result"}, // queued, acked, echoed, superseded, failed
	)

	WriteResends = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "treesync_write_resends_total",
			Help: "Total number of pending writes resent after a reconnect",
		},
	)

	AckTimeouts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "treesync_ack_timeouts_total",
			Help: "Total number of write acknowledgements that timed out",
		},
	)

	Reconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "treesync_reconnects_total",
			Help: "Total number of connection (re)open attempts",
		},
		[]string{"mode", "result"}, // mode: full, delta; result: success, failure
	)

	SubscriptionState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "treesync_subscription_state",
			Help: "Subscription state (0=idle, 1=connecting, 2=streaming, 3=reconnecting, 4=closed)",
		},
		[]string{"path"},
	)

	SubscriptionCounts = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "treesync_subscription_leaves",
			Help: "Known leaves under each subscription root",
		},
		[]string{"path", "kind"}, // kind: total, synced
	)

	ActiveSubscriptions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "treesync_active_subscriptions",
			Help: "Current number of active subscriptions",
		},
	)

	CacheFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "treesync_cache_failures_total",
			Help: "Total number of local cache failures absorbed by the engine",
		},
		[]string{"op"},
	)

	OpenDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "treesync_open_duration_seconds",
			Help:    "Time to open a streaming connection",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"result"},
	)

	// Wire Metrics
	WSFramesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "treesync_ws_frames_sent_total",
			Help: "Total number of frames written to the websocket",
		},
		[]string{"type"},
	)

	WSFramesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "treesync_ws_frames_received_total",
			Help: "Total number of frames read from the websocket",
		},
		[]string{"event"},
	)

	WSErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "treesync_ws_errors_total",
			Help: "Total number of websocket errors",
		},
		[]string{"error_type"},
	)

	// Circuit Breaker Metrics
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	CircuitBreakerRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_requests_total",
			Help: "Total number of requests through circuit breaker",
		},
		[]string{"name", "result"}, // result: "success", "failure", "rejected"
	)

	CircuitBreakerConsecutiveFailures = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_consecutive_failures",
			Help: "Current number of consecutive failures",
		},
		[]string{"name"},
	)

	CircuitBreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_state_transitions_total",
			Help: "Total number of circuit breaker state transitions",
		},
		[]string{"name", "from_state", "to_state"},
	)

	// Change Feed Metrics
	ChangeFeedPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "treesync_changefeed_published_total",
			Help: "Total number of change notifications republished",
		},
		[]string{"type"}, // value, sync, closed
	)

	ChangeFeedErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "treesync_changefeed_errors_total",
			Help: "Total number of change notifications that failed to publish",
		},
	)

	ChangeFeedDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "treesync_changefeed_dropped_total",
			Help: "Total number of change notifications dropped on a full queue",
		},
	)

	// Status API Metrics
	StatusRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "treesync_status_requests_total",
			Help: "Total number of status API requests",
		},
		[]string{"method", "route", "status"},
	)

	StatusRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "treesync_status_request_duration_seconds",
			Help:    "Status API request latency",
			Buckets: []float64{.001, .005, .01, .05, .1, .5, 1},
		},
		[]string{"route"},
	)

	StatusActiveRequests = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "treesync_status_active_requests",
			Help: "Status API requests in flight",
		},
	)

	// Application Metrics
	AppInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "treesync_info",
			Help: "Application version information",
		},
		[]string{"version", "go_version"},
	)
)

// RecordOpen records a connection open attempt.
func RecordOpen(delta bool, duration time.Duration, err error) {
	mode := "full"
	if delta {
		mode = "delta"
	}
	result := "success"
	if err != nil {
		result = "failure"
	}
	Reconnects.WithLabelValues(mode, result).Inc()
	OpenDuration.WithLabelValues(result).Observe(duration.Seconds())
}

// RecordWrite records the outcome of a local write.
func RecordWrite(result string) {
	WritesTotal.WithLabelValues(result).Inc()
}

// RecordSubscription publishes state and counts for one subscription.
func RecordSubscription(path string, state int, total, synced int) {
	SubscriptionState.WithLabelValues(path).Set(float64(state))
	SubscriptionCounts.WithLabelValues(path, "total").Set(float64(total))
	SubscriptionCounts.WithLabelValues(path, "synced").Set(float64(synced))
}

// ForgetSubscription removes the per-path series of a closed subscription.
func ForgetSubscription(path string) {
	SubscriptionState.DeleteLabelValues(path)
	SubscriptionCounts.DeleteLabelValues(path, "total")
	SubscriptionCounts.DeleteLabelValues(path, "synced")
}

// RecordStatusRequest records one served status API request.
func RecordStatusRequest(method, route, status string, duration time.Duration) {
	StatusRequests.WithLabelValues(method, route, status).Inc()
	StatusRequestDuration.WithLabelValues(route).Observe(duration.Seconds())
}

// SetAppInfo publishes the build version.
func SetAppInfo(version string) {
	AppInfo.WithLabelValues(version, runtime.Version()).Set(1)
}
