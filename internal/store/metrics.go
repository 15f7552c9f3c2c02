// Treesync - Realtime Tree Mirror and Sync Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/treesync

package store

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for the persistent cache
var (
	// cacheOperationsTotal counts store operations by kind.
	cacheOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "treesync_cache_operations_total",
		Help: "Total number of local cache operations",
	}, []string{"op"})

	// cacheErrorsTotal counts failed store operations by kind.
	cacheErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "treesync_cache_errors_total",
		Help: "Total number of failed local cache operations",
	}, []string{"op"})

	// cacheGCLatency measures BadgerDB value log GC latency.
	cacheGCLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "treesync_cache_gc_latency_seconds",
		Help:    "BadgerDB value log GC latency in seconds",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 0.01s to ~40s
	})

	// cacheGCRuns counts value log GC runs.
	cacheGCRuns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "treesync_cache_gc_runs_total",
		Help: "Total number of BadgerDB value log GC runs",
	})
)

func recordOp(op string, err error) {
	cacheOperationsTotal.WithLabelValues(op).Inc()
	if err != nil {
		cacheErrorsTotal.WithLabelValues(op).Inc()
	}
}

// RecordGC records a completed GC pass.
func RecordGC(latencySeconds float64) {
	cacheGCRuns.Inc()
	cacheGCLatency.Observe(latencySeconds)
}
