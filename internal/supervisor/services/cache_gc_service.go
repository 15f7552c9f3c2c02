// Treesync - Realtime Tree Mirror and Sync Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/treesync

package services

import (
	"context"
	"fmt"

	"github.com/thejerf/suture/v4"
)

// GCRunner matches *store.BadgerStore.
type GCRunner interface {
	// RunGCLoop reclaims value log space periodically until ctx is done.
	RunGCLoop(ctx context.Context) error
}

// CacheGCService runs the cache's value log garbage collection loop.
//
//	svc := services.NewCacheGCService(badgerStore)
//	tree.AddDataService(svc)
type CacheGCService struct {
	store GCRunner
	name  string
}

// NewCacheGCService wraps store.
func NewCacheGCService(store GCRunner) *CacheGCService {
	return &CacheGCService{store: store, name: "cache-gc"}
}

// Serve implements suture.Service. The loop ending on a closed store stops
// the service; any other loop error is returned for restart.
func (s *CacheGCService) Serve(ctx context.Context) error {
	err := s.store.RunGCLoop(ctx)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err == nil {
		return fmt.Errorf("%s: store closed: %w", s.name, suture.ErrDoNotRestart)
	}
	return fmt.Errorf("%s: %w", s.name, err)
}

// String implements fmt.Stringer for supervisor logs.
func (s *CacheGCService) String() string {
	return s.name
}
