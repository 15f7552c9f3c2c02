// Treesync - Realtime Tree Mirror and Sync Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/treesync

package engine

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/goccy/go-json"

	"github.com/tomtom215/treesync/internal/metrics"
	"github.com/tomtom215/treesync/internal/pathkey"
	"github.com/tomtom215/treesync/internal/store"
	"github.com/tomtom215/treesync/internal/tree"
	"github.com/tomtom215/treesync/internal/wire"
)

// Reserved cache keys start with '#', which can never begin a flattened path.
const (
	pendingPrefix  = "#pending/"
	revisionPrefix = "#rev"
)

func pendingKey(seq uint64) string {
	return fmt.Sprintf("%s%020d", pendingPrefix, seq)
}

func revisionKey(p pathkey.Key) string {
	return revisionPrefix + p.String()
}

// persistedWrite is the cached form of a pending write.
type persistedWrite struct {
	ID   string          `json:"id"`
	Kind wire.OpKind     `json:"kind"`
	Path pathkey.Key     `json:"path"`
	Data json.RawMessage `json:"data"`
}

// cacheFailure records an absorbed cache error.
func (e *Engine) cacheFailure(op string, err error) {
	metrics.CacheFailures.WithLabelValues(op).Inc()
	e.logger.Warn().Str("op", op).Err(err).Msg("Local cache operation failed")
}

func (e *Engine) cacheSet(key string, value []byte) {
	if err := e.store.Set(key, value); err != nil {
		e.cacheFailure("set", err)
	}
}

func (e *Engine) cacheDelete(key string) {
	if err := e.store.Delete(key); err != nil {
		e.cacheFailure("delete", err)
	}
}

// mirror writes leaf changes of a tree rooted at root through to the cache.
func (e *Engine) mirror(root pathkey.Key, changes []tree.Change) {
	for _, c := range changes {
		key := root.Join(c.Path).String()
		if c.New == nil {
			e.cacheDelete(key)
		} else {
			e.cacheSet(key, c.New)
		}
	}
}

func (e *Engine) persistPending(p *pendingWrite) {
	b, err := json.Marshal(persistedWrite{ID: p.id, Kind: p.kind, Path: p.path, Data: p.data})
	if err != nil {
		e.cacheFailure("encode", err)
		return
	}
	e.cacheSet(pendingKey(p.seq), b)
}

func (e *Engine) forgetPending(p *pendingWrite) {
	e.cacheDelete(pendingKey(p.seq))
}

// loadPending restores the offline write queue. Unreadable entries are
// dropped from the cache.
func (e *Engine) loadPending() {
	keys, err := e.store.Keys(pendingPrefix)
	if err != nil {
		e.cacheFailure("keys", err)
		return
	}
	for _, key := range keys {
		seq, err := strconv.ParseUint(strings.TrimPrefix(key, pendingPrefix), 10, 64)
		if err != nil {
			e.cacheDelete(key)
			continue
		}
		raw, ok, err := e.store.Get(key)
		if err != nil || !ok {
			if err != nil {
				e.cacheFailure("get", err)
			}
			continue
		}
		var pw persistedWrite
		if err := json.Unmarshal(raw, &pw); err != nil {
			e.logger.Warn().Str("key", key).Err(err).Msg("Dropping unreadable queued write")
			e.cacheDelete(key)
			continue
		}
		p, err := newPendingWrite(pw.ID, pw.Kind, pw.Path, pw.Data)
		if err != nil {
			e.logger.Warn().Str("key", key).Err(err).Msg("Dropping invalid queued write")
			e.cacheDelete(key)
			continue
		}
		p.seq = seq
		p.receipts = []*Receipt{newReceipt(pw.ID, pw.Path)}
		e.pending.add(p)
	}
	if n := e.pending.len(); n > 0 {
		metrics.PendingWrites.Set(float64(n))
		e.logger.Info().Int("writes", n).Msg("Restored queued writes from cache")
	}
}

func (e *Engine) loadRevision(p pathkey.Key) string {
	raw, ok, err := e.store.Get(revisionKey(p))
	if err != nil {
		e.cacheFailure("get", err)
		return ""
	}
	if !ok {
		return ""
	}
	return string(raw)
}

// warmTree rebuilds the subtree at p from cached leaves. Every leaf starts
// unconfirmed.
func (e *Engine) warmTree(p pathkey.Key) *tree.Tree {
	t := tree.New()

	keys, err := e.store.Keys(store.SubtreePrefix(p.String()))
	if err != nil {
		e.cacheFailure("keys", err)
		return t
	}
	if !p.IsRoot() {
		keys = append(keys, p.String())
	}
	sort.Strings(keys)

	var stale []tree.Change
	for _, key := range keys {
		abs, err := pathkey.Parse(key)
		if err != nil {
			continue
		}
		rel, ok := p.Rel(abs)
		if !ok {
			continue
		}
		raw, found, err := e.store.Get(key)
		if err != nil {
			e.cacheFailure("get", err)
			continue
		}
		if !found {
			continue
		}
		leaf, err := tree.NewLeaf(raw, false)
		if err != nil {
			e.cacheDelete(key)
			continue
		}
		for _, c := range t.Replace(rel, leaf) {
			if c.New == nil {
				stale = append(stale, c)
			}
		}
	}
	e.mirror(p, stale)
	return t
}
