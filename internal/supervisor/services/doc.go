// Treesync - Realtime Tree Mirror and Sync Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/treesync

/*
Package services adapts treesync components to suture.Service.

  - SubscriptionService keeps one engine subscription open. Backend cancels
    are returned as errors and restarted with backoff; revoked authorization
    or a closed engine end the service with suture.ErrDoNotRestart.
  - CacheGCService runs the BadgerDB value log GC loop.

changefeed.Feed and statusapi.Server implement suture.Service themselves and
are added to the tree directly.

Every service implements fmt.Stringer so supervisor events name it.
*/
package services
