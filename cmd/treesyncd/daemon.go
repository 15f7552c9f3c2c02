// Treesync - Realtime Tree Mirror and Sync Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/treesync

package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/tomtom215/treesync/internal/changefeed"
	"github.com/tomtom215/treesync/internal/config"
	"github.com/tomtom215/treesync/internal/engine"
	"github.com/tomtom215/treesync/internal/logging"
	"github.com/tomtom215/treesync/internal/statusapi"
	"github.com/tomtom215/treesync/internal/store"
	"github.com/tomtom215/treesync/internal/supervisor"
	"github.com/tomtom215/treesync/internal/supervisor/services"
	"github.com/tomtom215/treesync/internal/wire"
)

// daemon holds every long-lived component of one treesyncd process.
type daemon struct {
	cfg    *config.Config
	store  *store.BadgerStore
	engine *engine.Engine
	feed   *changefeed.Feed
	status *statusapi.Server
	tree   *supervisor.SupervisorTree
}

// daemonDeps lets tests swap the backend and feed transport.
type daemonDeps struct {
	dialer       wire.Dialer
	breakerState func() string
	publisher    message.Publisher
}

// newDaemon opens the cache, builds the engine and assembles the supervisor
// tree. Nothing runs until serve is called.
func newDaemon(cfg *config.Config, deps daemonDeps) (*daemon, error) {
	d := &daemon{cfg: cfg}
	if err := d.build(deps); err != nil {
		_ = d.close()
		return nil, err
	}
	return d, nil
}

func (d *daemon) build(deps daemonDeps) error {
	cfg := d.cfg

	cipher, err := cfg.Cache.NewCipher()
	if err != nil {
		return fmt.Errorf("cache cipher: %w", err)
	}
	storeCfg := cfg.Cache.StoreConfig()
	d.store, err = store.OpenBadger(&storeCfg, cipher)
	if err != nil {
		return fmt.Errorf("open cache: %w", err)
	}
	if deps.dialer == nil {
		ws, werr := wire.NewWebSocketDialer(cfg.Backend)
		if werr != nil {
			return fmt.Errorf("backend dialer: %w", werr)
		}
		deps.dialer = ws
		deps.breakerState = ws.BreakerState
	}

	d.engine, err = engine.New(cfg.Engine, deps.dialer, d.store)
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}
	if n := d.engine.PendingWrites(); n > 0 {
		logging.Info().Int("pending", n).Msg("Restored pending writes from cache")
	}

	d.tree, err = supervisor.NewSupervisorTree(logging.NewSlogLogger(), supervisor.DefaultTreeConfig())
	if err != nil {
		return fmt.Errorf("create supervisor tree: %w", err)
	}

	// Data layer
	d.tree.AddDataService(services.NewCacheGCService(d.store))

	// Sync layer
	if cfg.ChangeFeed.Enabled {
		pub := deps.publisher
		if pub == nil {
			pub, err = changefeed.NewNATSPublisher(changefeed.NATSConfig{
				URL:           cfg.ChangeFeed.URL,
				ReconnectWait: cfg.ChangeFeed.ReconnectWait,
				MaxReconnects: cfg.ChangeFeed.MaxReconnects,
			}, watermill.NewSlogLogger(logging.NewSlogLogger()))
			if err != nil {
				return fmt.Errorf("change feed: %w", err)
			}
		}
		d.feed = changefeed.New(pub, changefeed.Config{
			Topic:  cfg.ChangeFeed.Topic,
			Buffer: cfg.ChangeFeed.Buffer,
		})
		d.tree.AddSyncService(d.feed)
		logging.Info().Str("topic", cfg.ChangeFeed.Topic).Msg("Change feed added to supervisor tree")
	}

	keys, err := cfg.Subscriptions.Keys()
	if err != nil {
		return err
	}
	query, err := cfg.Subscriptions.QueryParams()
	if err != nil {
		return err
	}
	for _, key := range keys {
		var obs engine.Observer
		if d.feed != nil {
			obs = d.feed.Observer(key, query)
		}
		d.tree.AddSyncService(services.NewSubscriptionService(d.engine, key, obs, query))
		logging.Info().Str("path", key.String()).Msg("Subscription added to supervisor tree")
	}

	// API layer
	if cfg.Server.Enabled {
		h := statusapi.NewHandler(d.engine)
		h.BreakerState = deps.breakerState
		d.status = statusapi.NewServer(statusapi.ServerConfig{
			Addr:              cfg.Server.Addr,
			ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
			ShutdownTimeout:   cfg.Server.ShutdownTimeout,
		}, h.Router())
		d.tree.AddAPIService(d.status)
		logging.Info().Str("addr", cfg.Server.Addr).Msg("Status server added to supervisor tree")
	}

	return nil
}

// serve runs the supervisor tree until ctx is done, then releases every
// component. Errors from the tree other than cancellation are returned.
func (d *daemon) serve(ctx context.Context) error {
	serveErr := d.tree.Serve(ctx)
	if errors.Is(serveErr, context.Canceled) {
		serveErr = nil
	}
	if serveErr != nil {
		logging.Error().Err(serveErr).Msg("Supervisor tree error")
	}

	unstopped, _ := d.tree.UnstoppedServiceReport()
	if len(unstopped) > 0 {
		logging.Warn().Int("count", len(unstopped)).Msg("Services failed to stop within timeout")
		for _, svc := range unstopped {
			logging.Warn().Str("service", svc.Name).Msg("Service failed to stop")
		}
	}

	return errors.Join(serveErr, d.close())
}

// close releases components in reverse start order. Safe on a partly built
// daemon.
func (d *daemon) close() error {
	var errs []error
	if d.engine != nil {
		if err := d.engine.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close engine: %w", err))
		}
	}
	if d.feed != nil {
		if err := d.feed.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close change feed: %w", err))
		}
	}
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close cache: %w", err))
		}
	}
	return errors.Join(errs...)
}
