// Treesync - Realtime Tree Mirror and Sync Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/treesync

/*
Package middleware provides HTTP middleware for the status API.

  - RequestID: accepts or generates an X-Request-ID and stores it as the
    logging operation ID
  - RequestLogging: debug log line per request
  - PrometheusMetrics: request count, latency and in-flight gauge, labelled
    by chi route pattern

Middleware Stack:

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.PrometheusMetrics)
	r.Use(middleware.RequestLogging)
	r.Use(chimiddleware.Recoverer)
*/
package middleware
