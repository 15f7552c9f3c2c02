// Treesync - Realtime Tree Mirror and Sync Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/treesync

package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/thejerf/suture/v4"

	"github.com/tomtom215/treesync/internal/engine"
	"github.com/tomtom215/treesync/internal/logging"
	"github.com/tomtom215/treesync/internal/pathkey"
)

// Subscriber is the part of *engine.Engine a SubscriptionService needs.
type Subscriber interface {
	Subscribe(ctx context.Context, path pathkey.Key, obs engine.Observer, opts ...engine.SubscribeOption) (*engine.Handle, error)
}

// SubscriptionService holds one engine subscription open for as long as it
// is supervised.
//
// The engine reconnects on its own; Serve only returns when the subscription
// ends. A backend cancel is returned as an error so suture restarts the
// subscription with backoff. Revoked authorization and a closed engine stop
// the service for good.
type SubscriptionService struct {
	eng   Subscriber
	path  pathkey.Key
	obs   engine.Observer
	query map[string]string
	name  string
}

// NewSubscriptionService creates a service for path. obs may be nil.
func NewSubscriptionService(eng Subscriber, path pathkey.Key, obs engine.Observer, query map[string]string) *SubscriptionService {
	return &SubscriptionService{
		eng:   eng,
		path:  path,
		obs:   obs,
		query: query,
		name:  "subscription:" + path.String(),
	}
}

// Serve implements suture.Service.
func (s *SubscriptionService) Serve(ctx context.Context) error {
	ctx = logging.ContextWithSubscription(ctx, s.path.String())
	closed := make(chan error, 1)
	obs := engine.ObserverFuncs{
		SyncChanged: func(st engine.SyncStatus) {
			if s.obs != nil {
				s.obs.OnSyncChanged(st)
			}
		},
		ValueChanged: func(p pathkey.Key, v json.RawMessage) {
			if s.obs != nil {
				s.obs.OnValueChanged(p, v)
			}
		},
		Closed: func(err error) {
			if s.obs != nil {
				s.obs.OnClosed(err)
			}
			closed <- err
		},
	}

	var opts []engine.SubscribeOption
	if len(s.query) > 0 {
		opts = append(opts, engine.WithQuery(s.query))
	}
	h, err := s.eng.Subscribe(ctx, s.path, obs, opts...)
	if errors.Is(err, engine.ErrClosed) {
		return fmt.Errorf("%s: %w: %w", s.name, suture.ErrDoNotRestart, err)
	}
	if err != nil {
		return fmt.Errorf("%s: subscribe: %w", s.name, err)
	}

	select {
	case <-ctx.Done():
		_ = h.Close()
		return ctx.Err()
	case err := <-closed:
		_ = h.Close()
		logging.Ctx(ctx).Info().Err(err).Msg("Subscription ended")
		switch {
		case err == nil:
			return fmt.Errorf("%s: engine closed: %w", s.name, suture.ErrDoNotRestart)
		case errors.Is(err, engine.ErrAuthRevoked):
			return fmt.Errorf("%s: %w: %w", s.name, suture.ErrDoNotRestart, err)
		default:
			return fmt.Errorf("%s: %w", s.name, err)
		}
	}
}

// String implements fmt.Stringer for supervisor logs.
func (s *SubscriptionService) String() string {
	return s.name
}
