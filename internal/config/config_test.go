// Treesync - Realtime Tree Mirror and Sync Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/treesync

package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/tomtom215/treesync/internal/pathkey"
	"github.com/tomtom215/treesync/internal/store"
)

// validConfig returns defaults with the settings that have no default filled in.
func validConfig() *Config {
	cfg := defaultConfig()
	cfg.Backend.URL = "wss://tree.example.test/stream"
	cfg.Subscriptions.Paths = []string{"/rooms"}
	cfg.Cache.Secret = "0123456789abcdef"
	return cfg
}

func writeConfigFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "treesync.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefaultConfigNeedsOnlyRequiredSettings(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("Validate() = %v", err)
	}

	err := defaultConfig().Validate()
	if err == nil {
		t.Fatal("bare defaults validated, want missing backend URL and paths")
	}
	for _, field := range []string{"Backend.URL", "Subscriptions.Paths", "Cache.Secret"} {
		if !strings.Contains(err.Error(), field) {
			t.Errorf("Validate() = %q, missing %s", err, field)
		}
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"http backend", func(c *Config) { c.Backend.URL = "https://tree.example.test" }, "Backend.URL"},
		{"ping above pong", func(c *Config) { c.Backend.PingPeriod = c.Backend.PongWait }, "Backend.PingPeriod"},
		{"burst without room", func(c *Config) { c.Backend.SendBurst = 0 }, "Backend.SendBurst"},
		{"reserved path char", func(c *Config) { c.Subscriptions.Paths = []string{"/rooms/a.b"} }, "Subscriptions.Paths[0]"},
		{"duplicate path", func(c *Config) { c.Subscriptions.Paths = []string{"/rooms", "rooms/"} }, "Subscriptions.Paths"},
		{"bad query", func(c *Config) { c.Subscriptions.Query = "a=%zz" }, "Subscriptions.Query"},
		{"unknown cipher", func(c *Config) { c.Cache.Cipher = "rot13" }, "Cache.Cipher"},
		{"short aes secret", func(c *Config) { c.Cache.Secret = "short" }, "Cache.Secret"},
		{"substitution without secret", func(c *Config) { c.Cache.Cipher = "substitution"; c.Cache.Secret = "" }, "Cache.Secret"},
		{"no cache path", func(c *Config) { c.Cache.Path = "" }, "Cache.Path"},
		{"gc ratio", func(c *Config) { c.Cache.GCRatio = 1 }, "Cache.GCRatio"},
		{"max below initial", func(c *Config) { c.Engine.ReconnectMax = time.Millisecond }, "Engine.ReconnectMax"},
		{"zero attempts", func(c *Config) { c.Engine.MaxWriteAttempts = 0 }, "Engine.MaxWriteAttempts"},
		{"feed url scheme", func(c *Config) { c.ChangeFeed.Enabled = true; c.ChangeFeed.URL = "http://nats" }, "ChangeFeed.URL"},
		{"feed without topic", func(c *Config) { c.ChangeFeed.Enabled = true; c.ChangeFeed.Topic = "" }, "ChangeFeed.Topic"},
		{"server addr", func(c *Config) { c.Server.Addr = "localhost" }, "Server.Addr"},
		{"log level", func(c *Config) { c.Logging.Level = "loud" }, "Logging.Level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("Validate() = nil, want error")
			}
			var cerr *ConfigError
			if !errors.As(err, &cerr) {
				t.Fatalf("Validate() = %T, want *ConfigError", err)
			}
			if !strings.Contains(err.Error(), tt.field) {
				t.Errorf("Validate() = %q, want mention of %s", err, tt.field)
			}
		})
	}
}

func TestInMemoryCacheNeedsNoPath(t *testing.T) {
	cfg := validConfig()
	cfg.Cache.Path = ""
	cfg.Cache.InMemory = true
	cfg.Cache.Cipher = "none"
	cfg.Cache.Secret = ""
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() = %v", err)
	}
	sc := cfg.Cache.StoreConfig()
	if !sc.InMemory || sc.NumCompactors != store.DefaultConfig().NumCompactors {
		t.Errorf("StoreConfig() = %+v", sc)
	}
	c, err := cfg.Cache.NewCipher()
	if err != nil {
		t.Fatalf("NewCipher() error = %v", err)
	}
	if _, ok := c.(store.NoopCipher); !ok {
		t.Errorf("NewCipher() = %T, want NoopCipher", c)
	}
}

func TestLoadWithKoanfLayers(t *testing.T) {
	path := writeConfigFile(t, `
backend:
  url: wss://file.example.test/stream
  auth_token: from-file
subscriptions:
  paths: [/rooms, /users/42]
  query: orderBy=name&limitToFirst=10
cache:
  in_memory: true
  cipher: substitution
  secret: file-secret
engine:
  ack_timeout: 3s
logging:
  level: debug
`)
	t.Setenv(ConfigPathEnvVar, path)
	t.Setenv("BACKEND_AUTH_TOKEN", "from-env")
	t.Setenv("ENGINE_MAX_WRITE_ATTEMPTS", "7")
	t.Setenv("CHANGEFEED_ENABLED", "true")
	t.Setenv("UNRELATED_SETTING", "ignored")

	cfg, err := LoadWithKoanf()
	if err != nil {
		t.Fatalf("LoadWithKoanf() error = %v", err)
	}

	if cfg.Backend.URL != "wss://file.example.test/stream" {
		t.Errorf("Backend.URL = %q", cfg.Backend.URL)
	}
	if cfg.Backend.AuthToken != "from-env" {
		t.Errorf("env should override file: AuthToken = %q", cfg.Backend.AuthToken)
	}
	if cfg.Backend.PongWait != 60*time.Second {
		t.Errorf("default PongWait lost: %v", cfg.Backend.PongWait)
	}
	if cfg.Engine.AckTimeout != 3*time.Second || cfg.Engine.MaxWriteAttempts != 7 {
		t.Errorf("Engine = %+v", cfg.Engine)
	}
	if !cfg.ChangeFeed.Enabled || cfg.ChangeFeed.Topic != "treesync" {
		t.Errorf("ChangeFeed = %+v", cfg.ChangeFeed)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q", cfg.Logging.Level)
	}

	keys, err := cfg.Subscriptions.Keys()
	if err != nil {
		t.Fatalf("Keys() error = %v", err)
	}
	if diff := cmp.Diff([]pathkey.Key{pathkey.MustParse("/rooms"), pathkey.MustParse("/users/42")}, keys, cmp.Comparer(func(a, b pathkey.Key) bool { return a == b })); diff != "" {
		t.Errorf("Keys() mismatch (-want +got):\n%s", diff)
	}
	q, err := cfg.Subscriptions.QueryParams()
	if err != nil {
		t.Fatalf("QueryParams() error = %v", err)
	}
	if diff := cmp.Diff(map[string]string{"orderBy": "name", "limitToFirst": "10"}, q); diff != "" {
		t.Errorf("QueryParams() mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadWithKoanfEnvOnly(t *testing.T) {
	t.Setenv(ConfigPathEnvVar, filepath.Join(t.TempDir(), "missing.yaml"))
	t.Setenv("BACKEND_URL", "ws://127.0.0.1:9000/stream")
	t.Setenv("SUBSCRIPTION_PATHS", " /rooms , /users/42,,")
	t.Setenv("CACHE_IN_MEMORY", "true")
	t.Setenv("CACHE_CIPHER", "none")
	t.Setenv("RECONNECT_INITIAL", "250ms")
	t.Setenv("HTTP_ADDR", ":9999")

	cfg, err := LoadWithKoanf()
	if err != nil {
		t.Fatalf("LoadWithKoanf() error = %v", err)
	}
	if diff := cmp.Diff([]string{"/rooms", "/users/42"}, cfg.Subscriptions.Paths); diff != "" {
		t.Errorf("Paths mismatch (-want +got):\n%s", diff)
	}
	if !cfg.Cache.InMemory || cfg.Engine.ReconnectInitial != 250*time.Millisecond || cfg.Server.Addr != ":9999" {
		t.Errorf("env not applied: cache=%+v engine=%+v server=%+v", cfg.Cache, cfg.Engine, cfg.Server)
	}
}

func TestLoadWithKoanfRejectsInvalid(t *testing.T) {
	t.Setenv(ConfigPathEnvVar, writeConfigFile(t, "backend:\n  url: ftp://nope\n"))
	t.Setenv("SUBSCRIPTION_PATHS", "/rooms")
	t.Setenv("CACHE_CIPHER", "none")

	_, err := LoadWithKoanf()
	if err == nil || !strings.Contains(err.Error(), "Backend.URL") {
		t.Fatalf("LoadWithKoanf() error = %v, want Backend.URL failure", err)
	}
}

func TestEnvTransformFunc(t *testing.T) {
	tests := map[string]string{
		"BACKEND_URL":        "backend.url",
		"NATS_URL":           "changefeed.url",
		"SUBSCRIPTION_PATHS": "subscriptions.paths",
		"log_level":          "logging.level",
		"HOME":               "",
	}
	for in, want := range tests {
		if got := envTransformFunc(in); got != want {
			t.Errorf("envTransformFunc(%q) = %q, want %q", in, got, want)
		}
	}
}
