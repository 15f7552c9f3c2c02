// Treesync - Realtime Tree Mirror and Sync Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/treesync

// Package logging provides centralized zerolog-based logging for Treesync.
//
// A single global logger is configured once at startup and used through
// package-level helpers:
//
//	logging.Init(logging.Config{Level: "info", Format: "json"})
//
//	logging.Info().Str("path", "/rooms/1").Msg("Subscription streaming")
//	logging.Warn().Err(err).Msg("Cache write failed")
//
// Context-aware logging attaches the subscription path and operation ID
// carried by a context:
//
//	ctx = logging.ContextWithSubscription(ctx, "/rooms/1")
//	logging.Ctx(ctx).Debug().Msg("Applying put")
//
// Components take a child logger tagged with their name:
//
//	log := logging.WithComponent("engine")
//
// SyncLogger wraps such a logger with helpers for the sync lifecycle
// (state changes, write outcomes, skipped events), and SlogHandler bridges
// libraries that expect log/slog, such as sutureslog.
//
// Always terminate log chains with .Msg() or .Send():
//
//	logging.Info().Str("key", "value").Msg("message")  // Correct
//	logging.Info().Str("key", "value")                 // WRONG - log not emitted
package logging
