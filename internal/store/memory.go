// Treesync - Realtime Tree Mirror and Sync Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/treesync

package store

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// MemoryStore is a map-backed Store. Values still pass through the cipher so
// tests observe the same encode/decode path as the persistent store.
type MemoryStore struct {
	mu     sync.RWMutex
	data   map[string][]byte
	cipher Cipher
	closed bool
}

// NewMemoryStore creates an empty store. A nil cipher stores plaintext.
func NewMemoryStore(c Cipher) *MemoryStore {
	if c == nil {
		c = NoopCipher{}
	}
	return &MemoryStore{
		data:   make(map[string][]byte),
		cipher: c,
	}
}

// ContainsKey implements Store.
func (s *MemoryStore) ContainsKey(key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false, ErrStoreClosed
	}
	_, ok := s.data[key]
	return ok, nil
}

// Get implements Store.
func (s *MemoryStore) Get(key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, false, ErrStoreClosed
	}
	raw, ok := s.data[key]
	if !ok {
		return nil, false, nil
	}
	v, err := s.cipher.Decrypt(raw)
	if err != nil {
		return nil, false, fmt.Errorf("%w: decrypt %q: %w", ErrCacheIO, key, err)
	}
	return v, true, nil
}

// Set implements Store.
func (s *MemoryStore) Set(key string, value []byte) error {
	if key == "" {
		return ErrEmptyKey
	}
	enc, err := s.cipher.Encrypt(value)
	if err != nil {
		return fmt.Errorf("%w: encrypt %q: %w", ErrCacheIO, key, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	s.data[key] = enc
	return nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	delete(s.data, key)
	return nil
}

// Clear implements Store.
func (s *MemoryStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	s.data = make(map[string][]byte)
	return nil
}

// Keys implements Store.
func (s *MemoryStore) Keys(prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	var keys []string
	for k := range s.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Len returns the number of stored keys.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// Raw returns the stored (encrypted) bytes for key. Used to verify that values
// never reach the backing map in plaintext.
func (s *MemoryStore) Raw(key string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	return append([]byte(nil), v...), ok
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
