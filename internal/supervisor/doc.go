// Treesync - Realtime Tree Mirror and Sync Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/treesync

/*
Package supervisor runs the long-lived parts of treesyncd under suture v4.

	RootSupervisor ("treesync")
	├── DataSupervisor ("data-layer")
	│   └── CacheGCService
	├── SyncSupervisor ("sync-layer")
	│   ├── SubscriptionService (one per configured path)
	│   └── changefeed.Feed (if CHANGEFEED_ENABLED)
	└── APISupervisor ("api-layer")
	    └── statusapi.Server (if STATUS_ENABLED)

Each layer counts failures on its own. A subscription cancelled by the
backend is restarted with backoff; one whose authorization was revoked is
not restarted.

Supervisor events go through sutureslog to an slog.Logger, normally
logging.NewSlogLogger(), so they land in the zerolog output:

	tree, err := supervisor.NewSupervisorTree(logging.NewSlogLogger(), supervisor.DefaultTreeConfig())
	tree.AddSyncService(services.NewSubscriptionService(eng, path, obs))
	tree.AddAPIService(statusServer)
	err = tree.Serve(ctx)

Service wrappers live in the services subpackage.
*/
package supervisor
