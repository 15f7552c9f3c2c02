// Treesync - Realtime Tree Mirror and Sync Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/treesync

/*
Package config loads the treesyncd configuration with Koanf v2.

# Layers

Later layers override earlier ones:

 1. Built-in defaults (defaultConfig)
 2. A YAML file named by CONFIG_PATH, or the first of DefaultConfigPaths
 3. Environment variables from the envMappings table

Only mapped environment variables are read. SUBSCRIPTION_PATHS takes a
comma-separated list.

# Example file

	backend:
	  url: wss://tree.example.com/stream
	  auth_token: s3cret
	subscriptions:
	  paths: [/rooms, /users/42]
	  query: orderBy=name
	cache:
	  path: /var/lib/treesync
	  cipher: aes-gcm
	  secret: change-me-to-something-long
	engine:
	  ack_timeout: 30s
	  max_write_attempts: 5
	changefeed:
	  enabled: true
	  url: nats://127.0.0.1:4222
	  topic: treesync
	server:
	  addr: 127.0.0.1:8686
	logging:
	  level: debug
	  format: console

# Validation

Validate applies the validator struct tags of every section, then checks
rules spanning fields such as the ping period staying below the pong wait
or a secret being present for the chosen cipher. Every problem is reported
as a *ConfigError; they are joined into one error.
*/
package config
