// Treesync - Realtime Tree Mirror and Sync Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/treesync

// Package statusapi exposes a small local HTTP API for the sync daemon:
// liveness and readiness probes, per-subscription sync status, the cached
// value at a path and Prometheus metrics. It is read-only and meant to be
// bound to loopback.
package statusapi
