// Treesync - Realtime Tree Mirror and Sync Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/treesync

/*
Package engine mirrors subscribed subtrees of a remote realtime tree.

Each Subscribe on a new path (and query) creates a subscription with its own
tree, reader goroutine and connection. Further handles on the same path share
it; the last Close tears it down.

# Data flow

Inbound events are decoded by package protocol and applied to the
subscription's tree as confirmed data. Every changed leaf is written through
to the local cache before observers hear about it.

Local writes (Write, Update, Delete) are applied at once as unconfirmed
leaves in every overlapping subscription, persisted under #pending/ and sent
by the shallowest covering subscription. A write is settled when the backend
acknowledges it or echoes an equal value. Writes awaiting settlement are
re-applied over any inbound data so that local state is never lost, and are
resent in order after every reconnect.

# Sync state

Observers receive SyncStatus{Total, Synced, State} whenever the root counts or
connection state change, OnValueChanged for every mutation and OnClosed once.
Notifications are queued per subscription and delivered on a separate
goroutine, so callbacks may call back into the engine.

# Failures

Transport failures reconnect with exponential backoff, resuming from the last
revision token. Malformed events are logged and skipped. An ack timeout
reconnects and resends; after Config.MaxWriteAttempts sends, or on a nack,
the write's Receipt resolves with ErrWriteFailed and the affected
subscriptions resync from scratch. A cancel or auth_revoked event closes the
subscription with ErrCancelled or ErrAuthRevoked.

# Warm start

A new subscription first rebuilds its tree from cached leaves, all
unconfirmed. An open that resumes from a cached revision token confirms them.
Pending writes persisted by a previous process are restored by New.
*/
package engine
