// Treesync - Realtime Tree Mirror and Sync Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/treesync

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/tomtom215/treesync/internal/config"
	"github.com/tomtom215/treesync/internal/logging"
	"github.com/tomtom215/treesync/internal/metrics"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	cfg, err := config.LoadWithKoanf()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}
	logging.Init(cfg.Logging)

	metrics.SetAppInfo(version)

	logging.Info().
		Str("version", version).
		Str("backend", logging.SanitizeURL(cfg.Backend.URL)).
		Strs("paths", cfg.Subscriptions.Paths).
		Msg("Starting treesync")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if path := config.ConfigFile(); path != "" {
		err := config.WatchConfigFile(path, func() {
			next, err := config.LoadWithKoanf()
			if err != nil {
				logging.Warn().Err(err).Str("file", path).Msg("Ignoring invalid configuration change")
				return
			}
			logging.SetLevelString(next.Logging.Level)
			logging.Info().Str("level", next.Logging.Level).Msg("Log level reloaded")
		})
		if err != nil {
			logging.Warn().Err(err).Str("file", path).Msg("Configuration file watch disabled")
		}
	}

	d, err := newDaemon(cfg, daemonDeps{})
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to initialize treesync")
	}

	if err := d.serve(ctx); err != nil {
		logging.Error().Err(err).Msg("Treesync stopped with errors")
		os.Exit(1)
	}
	logging.Info().Msg("Treesync stopped gracefully")
}
