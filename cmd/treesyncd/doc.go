// Treesync - Realtime Tree Mirror and Sync Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/treesync

// Package main is the treesyncd daemon.
//
// treesyncd mirrors the configured subtrees of a realtime tree backend into
// an encrypted local BadgerDB cache and keeps them in sync. Optionally it
// republishes every change to NATS and serves a status API.
//
// # Startup
//
//  1. Configuration: defaults, then config file, then environment (Koanf v2)
//  2. Cache: BadgerDB with the configured value cipher
//  3. Engine: backend dialer over WebSocket, pending writes restored
//  4. Supervisor tree: cache GC (data layer), change feed and one service
//     per subscribed path (sync layer), status server (API layer)
//
// # Configuration
//
// The minimum is a backend and at least one path:
//
//	export BACKEND_URL=wss://tree.example.com/stream
//	export BACKEND_AUTH_TOKEN=secret
//	export SUBSCRIPTION_PATHS=/rooms,/users/ann
//	export CACHE_SECRET=at-least-sixteen-chars
//	./treesyncd
//
// Editing the config file at runtime reloads the log level.
//
// # Signal Handling
//
// SIGINT and SIGTERM stop the supervisor tree, close the engine (pending
// writes stay in the cache for the next start) and close the cache.
package main
