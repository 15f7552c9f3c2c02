// Treesync - Realtime Tree Mirror and Sync Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/treesync

package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"

	"github.com/tomtom215/treesync/internal/logging"
)

// Config configures a BadgerStore.
type Config struct {
	// Path is the database directory. Ignored when InMemory is set.
	Path string

	// InMemory runs BadgerDB without touching disk. Used by tests.
	InMemory bool

	// SyncWrites fsyncs every write. Slower but survives power loss.
	SyncWrites bool

	// Compression enables Snappy compression of SST blocks.
	Compression bool

	// MemTableSize is the size of each memtable in bytes.
	MemTableSize int64

	// ValueLogFileSize is the maximum size of a single value log file.
	ValueLogFileSize int64

	// NumCompactors is the number of compaction workers (BadgerDB requires >= 2).
	NumCompactors int

	// GCInterval is how often RunGCLoop reclaims value log space.
	GCInterval time.Duration

	// GCRatio is the discard ratio passed to RunValueLogGC.
	GCRatio float64

	// CloseTimeout bounds how long Close waits for BadgerDB to shut down.
	CloseTimeout time.Duration
}

// DefaultConfig returns a Config tuned for a small client-side cache.
func DefaultConfig() Config {
	return Config{
		Path:             "./data/cache",
		SyncWrites:       false,
		Compression:      true,
		MemTableSize:     8 * 1024 * 1024,
		ValueLogFileSize: 32 * 1024 * 1024,
		NumCompactors:    2,
		GCInterval:       10 * time.Minute,
		GCRatio:          0.5,
		CloseTimeout:     10 * time.Second,
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if !c.InMemory && c.Path == "" {
		return &ConfigError{Field: "Path", Message: "cache path is required"}
	}
	if c.MemTableSize < 1024*1024 {
		return &ConfigError{Field: "MemTableSize", Message: "must be at least 1MB"}
	}
	if c.ValueLogFileSize < 1024*1024 {
		return &ConfigError{Field: "ValueLogFileSize", Message: "must be at least 1MB"}
	}
	if c.NumCompactors < 2 {
		return &ConfigError{Field: "NumCompactors", Message: "must be at least 2 (BadgerDB requirement)"}
	}
	if c.GCRatio <= 0 || c.GCRatio >= 1 {
		return &ConfigError{Field: "GCRatio", Message: "must be between 0 and 1 exclusive"}
	}
	return nil
}

// ConfigError represents a configuration validation error.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return "cache config error: " + e.Field + ": " + e.Message
}

// BadgerStore is a Store persisted in BadgerDB. Every value is encrypted
// with the configured Cipher before it reaches the database.
type BadgerStore struct {
	db     *badger.DB
	cipher Cipher
	config Config

	mu     sync.RWMutex
	closed bool
}

// OpenBadger opens (or creates) the cache database described by cfg.
func OpenBadger(cfg *Config, c Cipher) (*BadgerStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid cache config: %w", err)
	}
	if c == nil {
		c = NoopCipher{}
	}

	opts := badger.DefaultOptions(cfg.Path)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts.SyncWrites = cfg.SyncWrites
	opts.MemTableSize = cfg.MemTableSize
	opts.ValueLogFileSize = cfg.ValueLogFileSize
	opts.NumCompactors = cfg.NumCompactors
	if cfg.Compression {
		opts.Compression = options.Snappy
	}

	// Reduce logging verbosity
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("%w: open BadgerDB: %w", ErrCacheIO, err)
	}

	logging.Info().
		Str("path", cfg.Path).
		Bool("in_memory", cfg.InMemory).
		Bool("sync_writes", cfg.SyncWrites).
		Msg("Local cache opened")

	return &BadgerStore{db: db, cipher: c, config: *cfg}, nil
}

func (s *BadgerStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

// ContainsKey implements Store.
func (s *BadgerStore) ContainsKey(key string) (found bool, err error) {
	defer func() { recordOp("contains", err) }()
	if err := s.checkOpen(); err != nil {
		return false, err
	}
	err = s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("%w: lookup %q: %w", ErrCacheIO, key, err)
	}
	return found, nil
}

// Get implements Store.
func (s *BadgerStore) Get(key string) (value []byte, ok bool, err error) {
	defer func() { recordOp("get", err) }()
	if err := s.checkOpen(); err != nil {
		return nil, false, err
	}

	var raw []byte
	err = s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		raw, err = item.ValueCopy(nil)
		if err != nil {
			return err
		}
		ok = true
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("%w: get %q: %w", ErrCacheIO, key, err)
	}
	if !ok {
		return nil, false, nil
	}

	value, err = s.cipher.Decrypt(raw)
	if err != nil {
		return nil, false, fmt.Errorf("%w: decrypt %q: %w", ErrCacheIO, key, err)
	}
	return value, true, nil
}

// Set implements Store.
func (s *BadgerStore) Set(key string, value []byte) (err error) {
	defer func() { recordOp("set", err) }()
	if key == "" {
		return ErrEmptyKey
	}
	if err := s.checkOpen(); err != nil {
		return err
	}
	enc, err := s.cipher.Encrypt(value)
	if err != nil {
		return fmt.Errorf("%w: encrypt %q: %w", ErrCacheIO, key, err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), enc)
	})
	if err != nil {
		return fmt.Errorf("%w: set %q: %w", ErrCacheIO, key, err)
	}
	return nil
}

// Delete implements Store.
func (s *BadgerStore) Delete(key string) (err error) {
	defer func() { recordOp("delete", err) }()
	if err := s.checkOpen(); err != nil {
		return err
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("%w: delete %q: %w", ErrCacheIO, key, err)
	}
	return nil
}

// Clear implements Store.
func (s *BadgerStore) Clear() (err error) {
	defer func() { recordOp("clear", err) }()
	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := s.db.DropAll(); err != nil {
		return fmt.Errorf("%w: drop all: %w", ErrCacheIO, err)
	}
	return nil
}

// Keys implements Store. Badger iterates in byte order so results are sorted.
func (s *BadgerStore) Keys(prefix string) (keys []string, err error) {
	defer func() { recordOp("keys", err) }()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	err = s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		p := []byte(prefix)
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			keys = append(keys, string(it.Item().KeyCopy(nil)))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: scan %q: %w", ErrCacheIO, prefix, err)
	}
	return keys, nil
}

// RunGC reclaims value log space until BadgerDB reports nothing left to rewrite.
func (s *BadgerStore) RunGC() error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if s.config.InMemory {
		return nil
	}

	start := time.Now()
	defer func() { RecordGC(time.Since(start).Seconds()) }()

	for {
		err := s.db.RunValueLogGC(s.config.GCRatio)
		if errors.Is(err, badger.ErrNoRewrite) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("run GC: %w", err)
		}
	}
}

// RunGCLoop calls RunGC every GCInterval until ctx is cancelled.
func (s *BadgerStore) RunGCLoop(ctx context.Context) error {
	interval := s.config.GCInterval
	if interval <= 0 {
		interval = DefaultConfig().GCInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.RunGC(); err != nil {
				if errors.Is(err, ErrStoreClosed) {
					return nil
				}
				logging.Warn().Err(err).Msg("Cache value log GC failed")
			}
		}
	}
}

// Close shuts down the database, giving up after CloseTimeout.
func (s *BadgerStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	timeout := s.config.CloseTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	s.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		done <- s.db.Close()
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("close BadgerDB: %w", err)
		}
		logging.Info().Msg("Local cache closed")
		return nil
	case <-time.After(timeout):
		logging.Warn().Dur("timeout", timeout).Msg("BadgerDB close timed out")
		return fmt.Errorf("badgerdb close timeout after %v", timeout)
	}
}
