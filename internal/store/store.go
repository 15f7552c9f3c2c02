// Treesync - Realtime Tree Mirror and Sync Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/treesync

// Package store provides the encrypted, persistent key/value table that mirrors
// the synchronized tree on local disk.
//
// Keys are flattened path keys ("/rooms/1/name"). Engine bookkeeping lives under
// keys starting with '#', which a path key can never produce, so the two
// namespaces never collide. Values are opaque blobs: the store encrypts them with
// the configured Cipher before writing and decrypts them after reading, and
// performs no interpretation of its own.
//
// Two implementations are provided:
//
//   - MemoryStore: map-backed, for tests and ephemeral mirrors
//   - BadgerStore: BadgerDB-backed, survives process restarts
//
// Both are safe for concurrent use.
package store

import (
	"errors"
	"strings"
)

var (
	// ErrCacheIO wraps every failure originating in the underlying storage.
	ErrCacheIO = errors.New("cache I/O failure")

	// ErrStoreClosed is returned by operations on a closed store.
	ErrStoreClosed = errors.New("store is closed")

	// ErrEmptyKey is returned when an empty key is used.
	ErrEmptyKey = errors.New("store key cannot be empty")
)

// Store is the local cache contract used by the sync engine.
type Store interface {
	// ContainsKey reports whether key is present.
	ContainsKey(key string) (bool, error)

	// Get returns the decrypted value for key. ok is false when absent.
	Get(key string) (value []byte, ok bool, err error)

	// Set encrypts and stores value under key, replacing any previous value.
	Set(key string, value []byte) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(key string) error

	// Clear removes every key. When it returns no prior key is visible.
	Clear() error

	// Keys returns all keys with the given prefix in ascending order.
	Keys(prefix string) ([]string, error)

	// Close releases underlying resources.
	Close() error
}

// SubtreePrefix returns the prefix matching every key strictly beneath the
// flattened path p. The root path "/" yields "/" which matches all path keys.
func SubtreePrefix(p string) string {
	if p == "/" || p == "" {
		return "/"
	}
	return strings.TrimSuffix(p, "/") + "/"
}

// DeleteSubtree removes key p and every key beneath it.
func DeleteSubtree(s Store, p string) error {
	keys, err := s.Keys(SubtreePrefix(p))
	if err != nil {
		return err
	}
	if p != "/" {
		keys = append(keys, p)
	}
	for _, k := range keys {
		if err := s.Delete(k); err != nil {
			return err
		}
	}
	return nil
}
