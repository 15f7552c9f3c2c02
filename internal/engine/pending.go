// Treesync - Realtime Tree Mirror and Sync Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/treesync

package engine

import (
	"fmt"
	"sync"

	"github.com/goccy/go-json"

	"github.com/tomtom215/treesync/internal/pathkey"
	"github.com/tomtom215/treesync/internal/protocol"
	"github.com/tomtom215/treesync/internal/tree"
	"github.com/tomtom215/treesync/internal/wire"
)

// target is one absolute position a write replaces, with the value placed
// there. node is nil for removals.
type target struct {
	path pathkey.Key
	node *tree.Node
}

// pendingWrite is a local write the backend has not yet acknowledged.
type pendingWrite struct {
	seq     uint64
	id      string
	kind    wire.OpKind
	path    pathkey.Key
	data    json.RawMessage // as sent: the value for put, relative fields for patch
	targets []target

	// receipts holds this write's receipt followed by those of writes it superseded.
	receipts []*Receipt

	// Guarded by registry.mu.
	attempts    int
	inflight    *subscription
	inflightGen uint64
}

func (p *pendingWrite) resolve(err error) {
	for _, r := range p.receipts {
		r.resolve(err)
	}
}

// coveredBy reports whether every target of p lies at or beneath one of ts.
func (p *pendingWrite) coveredBy(ts []target) bool {
	for _, mine := range p.targets {
		covered := false
		for _, t := range ts {
			if t.path.Contains(mine.path) {
				covered = true
				break
			}
		}
		if !covered {
			return false
		}
	}
	return true
}

// relatedTo reports whether any target overlaps the subtree at k.
func (p *pendingWrite) relatedTo(k pathkey.Key) bool {
	for _, t := range p.targets {
		if t.path.Related(k) {
			return true
		}
	}
	return false
}

// newPendingWrite builds the targets of a put or patch. data is the put value
// or the patch fields object relative to path.
func newPendingWrite(id string, kind wire.OpKind, path pathkey.Key, data json.RawMessage) (*pendingWrite, error) {
	p := &pendingWrite{id: id, kind: kind, path: path, data: data}
	switch kind {
	case wire.OpPut:
		n, err := tree.Build(data, false)
		if err != nil {
			return nil, err
		}
		p.targets = []target{{path: path, node: n}}

	case wire.OpPatch:
		op, err := protocol.Decode(wire.RawEvent{Name: protocol.EventPatch, Data: patchEnvelope(data)})
		if err != nil {
			return nil, fmt.Errorf("%w: %w", tree.ErrInvalidValue, err)
		}
		fields := op.(protocol.Patch).Fields
		for _, rel := range sortedRel(fields) {
			n, err := tree.Build(fields[rel], false)
			if err != nil {
				return nil, err
			}
			p.targets = append(p.targets, target{path: path.Join(rel), node: n})
		}

	default:
		return nil, fmt.Errorf("unknown write kind %q", kind)
	}
	return p, nil
}

func patchEnvelope(fields json.RawMessage) json.RawMessage {
	b := make([]byte, 0, len(fields)+24)
	b = append(b, `{"path":"/","data":`...)
	b = append(b, fields...)
	b = append(b, '}')
	return b
}

// registry holds every pending write in sequence order.
type registry struct {
	mu    sync.Mutex
	seq   uint64
	items []*pendingWrite
}

// add assigns p the next sequence number and removes the writes it
// supersedes, whose receipts p adopts. Returns the superseded writes.
func (r *registry) add(p *pendingWrite) []*pendingWrite {
	r.mu.Lock()
	defer r.mu.Unlock()

	var superseded []*pendingWrite
	kept := r.items[:0]
	for _, old := range r.items {
		if old.coveredBy(p.targets) {
			superseded = append(superseded, old)
			p.receipts = append(p.receipts, old.receipts...)
			continue
		}
		kept = append(kept, old)
	}
	r.items = kept

	if p.seq == 0 {
		r.seq++
		p.seq = r.seq
	} else if p.seq > r.seq {
		r.seq = p.seq
	}
	r.items = append(r.items, p)
	return superseded
}

// remove deletes p. Returns false when p was already gone.
func (r *registry) remove(p *pendingWrite) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, it := range r.items {
		if it == p {
			r.items = append(r.items[:i], r.items[i+1:]...)
			return true
		}
	}
	return false
}

// removeIf deletes and returns every write for which fn reports true.
func (r *registry) removeIf(fn func(*pendingWrite) bool) []*pendingWrite {
	r.mu.Lock()
	defer r.mu.Unlock()
	var removed []*pendingWrite
	kept := r.items[:0]
	for _, it := range r.items {
		if fn(it) {
			removed = append(removed, it)
			continue
		}
		kept = append(kept, it)
	}
	r.items = kept
	return removed
}

// related returns, in sequence order, the writes overlapping the subtree at k.
func (r *registry) related(k pathkey.Key) []*pendingWrite {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*pendingWrite
	for _, it := range r.items {
		if it.relatedTo(k) {
			out = append(out, it)
		}
	}
	return out
}

// all returns every write in sequence order.
func (r *registry) all() []*pendingWrite {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*pendingWrite(nil), r.items...)
}

// covers reports whether some pending write replaces the position at k or
// an ancestor of it.
func (r *registry) covers(k pathkey.Key) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, it := range r.items {
		for _, t := range it.targets {
			if t.path.Contains(k) {
				return true
			}
		}
	}
	return false
}

// claim marks p as sent on generation gen of s and counts the attempt.
// Returns false when p is gone or already in flight there.
func (r *registry) claim(p *pendingWrite, s *subscription, gen uint64) (attempts int, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.containsLocked(p) || (p.inflight == s && p.inflightGen == gen) {
		return p.attempts, false
	}
	p.attempts++
	p.inflight, p.inflightGen = s, gen
	return p.attempts, true
}

// unclaim reverts a claim whose send failed.
func (r *registry) unclaim(p *pendingWrite, s *subscription, gen uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p.inflight == s && p.inflightGen == gen {
		p.inflight = nil
		p.attempts--
	}
}

// inflightOn reports whether p is still pending and last sent on gen of s.
func (r *registry) inflightOn(p *pendingWrite, s *subscription, gen uint64) (attempts int, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return p.attempts, r.containsLocked(p) && p.inflight == s && p.inflightGen == gen
}

func (r *registry) contains(p *pendingWrite) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.containsLocked(p)
}

func (r *registry) containsLocked(p *pendingWrite) bool {
	for _, it := range r.items {
		if it == p {
			return true
		}
	}
	return false
}

func (r *registry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.items)
}

func sortedRel(m map[pathkey.Key]json.RawMessage) []pathkey.Key {
	keys := make([]pathkey.Key, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sortKeys(keys)
	return keys
}
