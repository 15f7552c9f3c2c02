// Treesync - Realtime Tree Mirror and Sync Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/treesync

package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"

	"github.com/tomtom215/treesync/internal/pathkey"
	"github.com/tomtom215/treesync/internal/store"
	"github.com/tomtom215/treesync/internal/validation"
)

// minAESSecretLength is the shortest secret accepted for aes-gcm.
const minAESSecretLength = 16

// ConfigError reports one invalid setting.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return "config error: " + e.Field + ": " + e.Message
}

// Validate checks struct tags first and then the rules that span fields.
// All failures are returned joined.
func (c *Config) Validate() error {
	var errs []error
	if verr := validation.ValidateStruct(c); verr != nil {
		for _, fe := range verr.Errors() {
			errs = append(errs, &ConfigError{Field: fe.Field(), Message: fe.Error()})
		}
	}
	for _, check := range []func() error{
		c.validateBackend,
		c.validateSubscriptions,
		c.validateCache,
		c.validateChangeFeed,
		c.validateServer,
	} {
		if err := check(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *Config) validateBackend() error {
	b := &c.Backend
	if b.PongWait > 0 && b.PingPeriod >= b.PongWait {
		return &ConfigError{Field: "Backend.PingPeriod", Message: "must be below pong_wait (BACKEND_PING_PERIOD, BACKEND_PONG_WAIT)"}
	}
	if b.SendRate < 0 {
		return &ConfigError{Field: "Backend.SendRate", Message: "must not be negative (BACKEND_SEND_RATE)"}
	}
	if b.SendRate > 0 && b.SendBurst < 1 {
		return &ConfigError{Field: "Backend.SendBurst", Message: "must be at least 1 when send_rate is set (BACKEND_SEND_BURST)"}
	}
	return nil
}

func (c *Config) validateSubscriptions() error {
	keys, err := c.Subscriptions.Keys()
	if err != nil {
		return &ConfigError{Field: "Subscriptions.Paths", Message: err.Error()}
	}
	seen := make(map[pathkey.Key]bool, len(keys))
	for _, k := range keys {
		if seen[k] {
			return &ConfigError{Field: "Subscriptions.Paths", Message: fmt.Sprintf("duplicate path %s (SUBSCRIPTION_PATHS)", k)}
		}
		seen[k] = true
	}
	if _, err := c.Subscriptions.QueryParams(); err != nil {
		return &ConfigError{Field: "Subscriptions.Query", Message: err.Error() + " (SUBSCRIPTION_QUERY)"}
	}
	return nil
}

func (c *Config) validateCache() error {
	cc := &c.Cache
	if !cc.InMemory && cc.Path == "" {
		return &ConfigError{Field: "Cache.Path", Message: "is required unless in_memory is set (CACHE_PATH, CACHE_IN_MEMORY)"}
	}
	if store.CipherKind(cc.Cipher) == store.CipherAESGCM && len(cc.Secret) < minAESSecretLength {
		return &ConfigError{Field: "Cache.Secret", Message: fmt.Sprintf("must be at least %d characters for aes-gcm (CACHE_SECRET)", minAESSecretLength)}
	}
	sc := cc.StoreConfig()
	if err := sc.Validate(); err != nil {
		return &ConfigError{Field: "Cache", Message: err.Error()}
	}
	return nil
}

func (c *Config) validateChangeFeed() error {
	cf := &c.ChangeFeed
	if !cf.Enabled {
		return nil
	}
	u, err := url.Parse(cf.URL)
	if err != nil || (u.Scheme != "nats" && u.Scheme != "tls") || u.Host == "" {
		return &ConfigError{Field: "ChangeFeed.URL", Message: fmt.Sprintf("must be a nats:// or tls:// URL, got %q (NATS_URL)", cf.URL)}
	}
	return nil
}

func (c *Config) validateServer() error {
	s := &c.Server
	if !s.Enabled {
		return nil
	}
	if _, port, err := net.SplitHostPort(s.Addr); err != nil || port == "" {
		return &ConfigError{Field: "Server.Addr", Message: fmt.Sprintf("must be host:port, got %q (HTTP_ADDR)", s.Addr)}
	}
	return nil
}
