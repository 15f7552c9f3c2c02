// Treesync - Realtime Tree Mirror and Sync Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/treesync

package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/tomtom215/treesync/internal/engine"
	"github.com/tomtom215/treesync/internal/logging"
	"github.com/tomtom215/treesync/internal/pathkey"
	"github.com/tomtom215/treesync/internal/store"
	"github.com/tomtom215/treesync/internal/wire"
)

// Config is the complete daemon configuration.
type Config struct {
	Backend       wire.Config         `koanf:"backend"`
	Subscriptions SubscriptionsConfig `koanf:"subscriptions"`
	Cache         CacheConfig         `koanf:"cache"`
	Engine        engine.Config       `koanf:"engine"`
	ChangeFeed    ChangeFeedConfig    `koanf:"changefeed"`
	Server        ServerConfig        `koanf:"server"`
	Logging       logging.Config      `koanf:"logging"`
}

// SubscriptionsConfig lists the subtrees the daemon mirrors.
type SubscriptionsConfig struct {
	// Paths are absolute tree paths, e.g. /rooms or /users/42.
	// Env: SUBSCRIPTION_PATHS (comma-separated)
	Paths []string `koanf:"paths" validate:"required,min=1,dive,treepath"`

	// Query is forwarded with every listen request, URL-encoded:
	// orderBy=name&limitToFirst=50.
	// Env: SUBSCRIPTION_QUERY
	Query string `koanf:"query"`
}

// Keys returns the parsed subscription paths.
func (s *SubscriptionsConfig) Keys() ([]pathkey.Key, error) {
	keys := make([]pathkey.Key, 0, len(s.Paths))
	for _, p := range s.Paths {
		k, err := pathkey.Parse(p)
		if err != nil {
			return nil, fmt.Errorf("subscription path %q: %w", p, err)
		}
		keys = append(keys, k)
	}
	return keys, nil
}

// QueryParams decodes Query. Repeated parameters keep the first value.
func (s *SubscriptionsConfig) QueryParams() (map[string]string, error) {
	if s.Query == "" {
		return nil, nil
	}
	values, err := url.ParseQuery(s.Query)
	if err != nil {
		return nil, fmt.Errorf("subscription query: %w", err)
	}
	out := make(map[string]string, len(values))
	for k, v := range values {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out, nil
}

// CacheConfig configures the encrypted local cache.
type CacheConfig struct {
	// Path is the BadgerDB directory.
	// Env: CACHE_PATH
	Path string `koanf:"path"`

	// InMemory keeps the cache in RAM only. Nothing survives a restart.
	// Env: CACHE_IN_MEMORY
	InMemory bool `koanf:"in_memory"`

	// Cipher is none, substitution or aes-gcm.
	// Env: CACHE_CIPHER
	Cipher string `koanf:"cipher" validate:"oneof=none substitution aes-gcm"`

	// Secret keys the cipher. Required unless Cipher is none.
	// Env: CACHE_SECRET
	Secret string `koanf:"secret" validate:"required_unless=Cipher none"`

	// Env: CACHE_SYNC_WRITES
	SyncWrites bool `koanf:"sync_writes"`

	// Env: CACHE_COMPRESSION
	Compression bool `koanf:"compression"`

	// GCInterval is how often value log space is reclaimed.
	// Env: CACHE_GC_INTERVAL
	GCInterval time.Duration `koanf:"gc_interval" validate:"gte=0"`

	// GCRatio is the value log discard ratio.
	GCRatio float64 `koanf:"gc_ratio" validate:"gt=0,lt=1"`
}

// StoreConfig converts the section into a store.Config, keeping store
// defaults for the tuning knobs not exposed here.
func (c *CacheConfig) StoreConfig() store.Config {
	sc := store.DefaultConfig()
	sc.Path = c.Path
	sc.InMemory = c.InMemory
	sc.SyncWrites = c.SyncWrites
	sc.Compression = c.Compression
	sc.GCInterval = c.GCInterval
	sc.GCRatio = c.GCRatio
	return sc
}

// NewCipher builds the configured cache cipher.
func (c *CacheConfig) NewCipher() (store.Cipher, error) {
	return store.NewCipher(store.CipherKind(c.Cipher), c.Secret)
}

// ChangeFeedConfig configures republishing of tree changes to NATS.
type ChangeFeedConfig struct {
	// Env: CHANGEFEED_ENABLED
	Enabled bool `koanf:"enabled"`

	// URL is the NATS server.
	// Env: NATS_URL
	URL string `koanf:"url" validate:"required_if=Enabled true"`

	// Topic prefix. Value changes go to <topic>.value and sync
	// transitions to <topic>.sync.
	// Env: CHANGEFEED_TOPIC
	Topic string `koanf:"topic" validate:"required_if=Enabled true"`

	// Env: CHANGEFEED_BUFFER
	Buffer int `koanf:"buffer" validate:"gte=1"`

	ReconnectWait time.Duration `koanf:"reconnect_wait" validate:"gte=0"`
	MaxReconnects int           `koanf:"max_reconnects"`
}

// ServerConfig configures the status HTTP server.
type ServerConfig struct {
	// Env: STATUS_ENABLED
	Enabled bool `koanf:"enabled"`

	// Addr is the listen address.
	// Env: HTTP_ADDR
	Addr string `koanf:"addr" validate:"required_if=Enabled true"`

	ReadHeaderTimeout time.Duration `koanf:"read_header_timeout" validate:"gte=0"`
	ShutdownTimeout   time.Duration `koanf:"shutdown_timeout" validate:"gte=0"`
}
