// Treesync - Realtime Tree Mirror and Sync Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/treesync

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/tomtom215/treesync/internal/engine"
	"github.com/tomtom215/treesync/internal/logging"
	"github.com/tomtom215/treesync/internal/store"
	"github.com/tomtom215/treesync/internal/wire"
)

// DefaultConfigPaths are searched in order when CONFIG_PATH is unset.
var DefaultConfigPaths = []string{
	"treesync.yaml",
	"treesync.yml",
	"/etc/treesync/config.yaml",
	"/etc/treesync/config.yml",
}

// ConfigPathEnvVar names the environment variable holding an explicit config file path.
const ConfigPathEnvVar = "CONFIG_PATH"

func defaultConfig() *Config {
	sc := store.DefaultConfig()
	lc := logging.DefaultConfig()
	return &Config{
		Backend: wire.DefaultConfig(),
		Subscriptions: SubscriptionsConfig{
			Paths: []string{},
		},
		Cache: CacheConfig{
			Path:        "/data/treesync/cache",
			Cipher:      string(store.CipherAESGCM),
			SyncWrites:  sc.SyncWrites,
			Compression: sc.Compression,
			GCInterval:  sc.GCInterval,
			GCRatio:     sc.GCRatio,
		},
		Engine: engine.DefaultConfig(),
		ChangeFeed: ChangeFeedConfig{
			Enabled:       false,
			URL:           "nats://127.0.0.1:4222",
			Topic:         "treesync",
			Buffer:        1024,
			ReconnectWait: 2 * time.Second,
			MaxReconnects: -1,
		},
		Server: ServerConfig{
			Enabled:           true,
			Addr:              "127.0.0.1:8686",
			ReadHeaderTimeout: 5 * time.Second,
			ShutdownTimeout:   10 * time.Second,
		},
		Logging: logging.Config{
			Level:     lc.Level,
			Format:    lc.Format,
			Caller:    lc.Caller,
			Timestamp: lc.Timestamp,
			Service:   lc.Service,
		},
	}
}

// LoadWithKoanf loads configuration in three layers, later layers winning:
//
//  1. Built-in defaults
//  2. YAML file from CONFIG_PATH or DefaultConfigPaths (optional)
//  3. Environment variables listed in envMappings
//
// The result is validated before it is returned.
func LoadWithKoanf() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if configPath := findConfigFile(); configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := processSliceFields(k); err != nil {
		return nil, fmt.Errorf("failed to process slice fields: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// findConfigFile returns the first existing config file, or "".
func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// ConfigFile returns the file LoadWithKoanf would read, or "".
func ConfigFile() string {
	return findConfigFile()
}

// sliceConfigPaths are split on commas when they arrive as strings.
var sliceConfigPaths = []string{
	"subscriptions.paths",
}

func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		val := k.Get(path)
		if val == nil {
			continue
		}
		strVal, ok := val.(string)
		if !ok {
			// Already a list (YAML or defaults).
			continue
		}
		parts := strings.Split(strVal, ",")
		trimmed := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				trimmed = append(trimmed, p)
			}
		}
		if err := k.Set(path, trimmed); err != nil {
			return fmt.Errorf("failed to set %s: %w", path, err)
		}
	}
	return nil
}

// envMappings maps environment variables (lowercased) to config keys.
// Unlisted variables are ignored.
var envMappings = map[string]string{
	// Backend
	"backend_url":               "backend.url",
	"backend_auth_token":        "backend.auth_token",
	"backend_handshake_timeout": "backend.handshake_timeout",
	"backend_write_timeout":     "backend.write_timeout",
	"backend_pong_wait":         "backend.pong_wait",
	"backend_ping_period":       "backend.ping_period",
	"backend_max_message_size":  "backend.max_message_size",
	"backend_send_rate":         "backend.send_rate",
	"backend_send_burst":        "backend.send_burst",
	"breaker_timeout":           "backend.breaker.timeout",
	"breaker_failure_ratio":     "backend.breaker.failure_ratio",

	// Subscriptions
	"subscription_paths": "subscriptions.paths",
	"subscription_query": "subscriptions.query",

	// Cache
	"cache_path":        "cache.path",
	"cache_in_memory":   "cache.in_memory",
	"cache_cipher":      "cache.cipher",
	"cache_secret":      "cache.secret",
	"cache_sync_writes": "cache.sync_writes",
	"cache_compression": "cache.compression",
	"cache_gc_interval": "cache.gc_interval",

	// Engine
	"engine_open_timeout":       "engine.open_timeout",
	"engine_ack_timeout":        "engine.ack_timeout",
	"engine_max_write_attempts": "engine.max_write_attempts",
	"reconnect_initial":         "engine.reconnect_initial",
	"reconnect_max":             "engine.reconnect_max",
	"reconnect_multiplier":      "engine.reconnect_multiplier",
	"reconnect_jitter":          "engine.reconnect_jitter",

	// Change feed
	"changefeed_enabled": "changefeed.enabled",
	"nats_url":           "changefeed.url",
	"changefeed_topic":   "changefeed.topic",
	"changefeed_buffer":  "changefeed.buffer",

	// Status server
	"status_enabled": "server.enabled",
	"http_addr":      "server.addr",

	// Logging
	"log_level":     "logging.level",
	"log_format":    "logging.format",
	"log_caller":    "logging.caller",
	"log_timestamp": "logging.timestamp",
	"log_service":   "logging.service",
}

// envTransformFunc maps an environment variable name to its config key.
//
//   - BACKEND_URL -> backend.url
//   - SUBSCRIPTION_PATHS -> subscriptions.paths
//   - NATS_URL -> changefeed.url
func envTransformFunc(key string) string {
	return envMappings[strings.ToLower(key)]
}

// WatchConfigFile calls callback after every change to path. The callback
// runs on the watcher goroutine; callers synchronize their own state.
//
//	err := config.WatchConfigFile(path, func() {
//		if cfg, err := config.LoadWithKoanf(); err == nil {
//			logging.SetLevelString(cfg.Logging.Level)
//		}
//	})
func WatchConfigFile(path string, callback func()) error {
	if path == "" {
		return nil
	}
	fp := file.Provider(path)
	return fp.Watch(func(_ interface{}, err error) {
		if err != nil {
			logging.Warn().Err(err).Str("path", path).Msg("Config file watch error")
			return
		}
		callback()
	})
}
