// Treesync - Realtime Tree Mirror and Sync Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/treesync

// Package changefeed republishes sync engine notifications to a message
// bus with watermill. In production the publisher is core NATS
// (NewNATSPublisher); tests use watermill's gochannel.
//
// Each subscription gets its own observer from Feed.Observer. Events are
// JSON-encoded Event values published to <topic>.value, <topic>.sync and
// <topic>.closed.
package changefeed
