// Treesync - Realtime Tree Mirror and Sync Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/treesync

/*
Package metrics provides Prometheus metrics for the sync engine, its wire
transport and the change feed.

# Metrics Endpoint

Metrics are registered on the default registry and exposed by the status server:

	curl http://localhost:8686/metrics

# Available Metrics

Sync Engine:
  - treesync_events_applied_total: Inbound events applied (counter)
    Labels: kind (put, patch)
  - treesync_events_malformed_total: Inbound events skipped (counter)
  - treesync_pending_writes: Writes awaiting acknowledgement (gauge)
  - treesync_writes_total: Local writes by outcome (counter)
    Labels: result (queued, acked, echoed, superseded, failed)
  - treesync_write_resends_total: Writes resent after reconnect (counter)
  - treesync_ack_timeouts_total: Expired acknowledgements (counter)
  - treesync_reconnects_total: Open attempts (counter)
    Labels: mode (full, delta), result
  - treesync_subscription_state: Per-subscription state (gauge)
  - treesync_subscription_leaves: Per-subscription leaf counts (gauge)
    Labels: path, kind (total, synced)
  - treesync_cache_failures_total: Absorbed cache failures (counter)
  - treesync_open_duration_seconds: Connection open latency (histogram)

Wire:
  - treesync_ws_frames_sent_total / treesync_ws_frames_received_total (counter)
  - treesync_ws_errors_total (counter)
  - circuit_breaker_state: 0=closed, 1=half-open, 2=open (gauge)
  - circuit_breaker_requests_total, circuit_breaker_consecutive_failures,
    circuit_breaker_state_transitions_total

Change Feed:
  - treesync_changefeed_published_total (counter), Labels: type
  - treesync_changefeed_errors_total (counter)
  - treesync_changefeed_dropped_total (counter)

Status API:
  - treesync_status_requests_total (counter), Labels: method, route, status
  - treesync_status_request_duration_seconds (histogram), Labels: route
  - treesync_status_active_requests (gauge)
  - treesync_info (gauge), Labels: version, go_version

# Example Alert

	- alert: SubscriptionNotSynced
	  expr: treesync_subscription_leaves{kind="synced"} < treesync_subscription_leaves{kind="total"}
	  for: 5m
	  annotations:
	    summary: "Local writes unacknowledged for 5 minutes"
*/
package metrics
