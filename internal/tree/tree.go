// Treesync - Realtime Tree Mirror and Sync Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/treesync

// Package tree holds the in-memory mirror of a subscribed subtree together
// with its sync-state counters.
//
// Every key passed to a Tree is relative to the tree's own root. Counters are
// maintained incrementally: a mutation at depth d touches only the d ancestors
// on its path. A full traversal happens only in Build, bounded by the size of the
// incoming payload.
//
// A Tree is not safe for concurrent use; callers serialize access.
package tree

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/goccy/go-json"

	"github.com/tomtom215/treesync/internal/pathkey"
)

// Counts is the (total, synced) pair for a subtree.
type Counts struct {
	Total  int `json:"total"`
	Synced int `json:"synced"`
}

// FullySynced reports whether every known leaf is confirmed.
func (c Counts) FullySynced() bool { return c.Synced == c.Total }

// Change describes a leaf whose value was added, replaced or removed.
// Old is nil for additions, New is nil for removals.
type Change struct {
	Path pathkey.Key
	Old  json.RawMessage
	New  json.RawMessage
}

// Tree is a mutable subtree mirror.
type Tree struct {
	root *Node
}

// New returns an empty tree.
func New() *Tree {
	return &Tree{root: &Node{}}
}

// FromNode wraps n as the root of a tree. n may be nil.
func FromNode(n *Node) *Tree {
	if n == nil {
		n = &Node{}
	}
	return &Tree{root: n}
}

// Root returns the root node. It is never nil but may be an empty container.
func (t *Tree) Root() *Node { return t.root }

// Counts returns the counters at the tree root.
func (t *Tree) Counts() Counts {
	return Counts{Total: t.root.total, Synced: t.root.synced}
}

// Get returns the node at key, or nil.
func (t *Tree) Get(key pathkey.Key) *Node {
	return t.root.Get(key).orNil()
}

// Value returns the serialized subtree at key. ok is false when nothing is there.
func (t *Tree) Value(key pathkey.Key) (json.RawMessage, bool) {
	n := t.Get(key)
	if n == nil {
		return nil, false
	}
	return n.Marshal(), true
}

// Replace installs n at key, discarding whatever was there. A nil n removes the
// subtree; containers left empty are pruned. A leaf found on the way down is
// turned into a container. Returns the leaf-level value changes in key order.
func (t *Tree) Replace(key pathkey.Key, n *Node) []Change {
	var changes []Change
	t.root = replace(t.root, pathkey.Root, key.Segments(), n.orNil(), &changes)
	if t.root == nil {
		t.root = &Node{}
	}
	return changes
}

// Merge replaces each named child of key, leaving other children untouched.
// fields are relative to key and may address nested positions.
func (t *Tree) Merge(key pathkey.Key, fields map[pathkey.Key]*Node) []Change {
	var changes []Change
	for _, rel := range sortedKeys(fields) {
		changes = append(changes, t.Replace(key.Join(rel), fields[rel])...)
	}
	return changes
}

func replace(cur *Node, key pathkey.Key, segs []string, n *Node, changes *[]Change) *Node {
	if len(segs) == 0 {
		diff(key, cur, n, changes)
		return n
	}

	if cur == nil || cur.value != nil {
		if n == nil {
			return cur
		}
		if cur != nil {
			*changes = append(*changes, Change{Path: key, Old: cur.value})
		}
		cur = &Node{}
	}

	seg := segs[0]
	old := cur.children[seg]
	oldTotal, oldSynced := old.Total(), old.Synced()

	next := replace(old, key.MustAppend(seg), segs[1:], n, changes).orNil()
	if next == nil {
		delete(cur.children, seg)
	} else {
		if cur.children == nil {
			cur.children = make(map[string]*Node)
		}
		cur.children[seg] = next
	}

	cur.total += next.Total() - oldTotal
	cur.synced += next.Synced() - oldSynced
	return cur.orNil()
}

// diff appends every leaf difference between prev and next, both rooted at key.
func diff(key pathkey.Key, prev, next *Node, changes *[]Change) {
	if prev.IsLeaf() || next.IsLeaf() {
		if prev.IsLeaf() && next.IsLeaf() {
			if !bytes.Equal(prev.value, next.value) {
				*changes = append(*changes, Change{Path: key, Old: prev.value, New: next.value})
			}
			return
		}
		if prev.IsLeaf() {
			*changes = append(*changes, Change{Path: key, Old: prev.value})
			prev = nil
		} else {
			*changes = append(*changes, Change{Path: key, New: next.value})
			next = nil
		}
	}

	seen := make(map[string]struct{})
	var segs []string
	for _, n := range []*Node{prev, next} {
		for _, s := range n.Segments() {
			if _, ok := seen[s]; !ok {
				seen[s] = struct{}{}
				segs = append(segs, s)
			}
		}
	}
	sort.Strings(segs)
	for _, s := range segs {
		diff(key.MustAppend(s), prev.Child(s), next.Child(s), changes)
	}
}

// Confirm marks every leaf at or beneath key as synced, skipping subtrees for
// which skip returns true. skip receives keys relative to the tree root and may
// be nil. Returns the number of leaves newly confirmed.
func (t *Tree) Confirm(key pathkey.Key, skip func(pathkey.Key) bool) int {
	segs := key.Segments()
	ancestors := make([]*Node, 0, len(segs)+1)
	cur := t.root
	for _, s := range segs {
		ancestors = append(ancestors, cur)
		cur = cur.Child(s)
		if cur == nil {
			return 0
		}
	}

	delta := confirm(cur, key, skip)
	for _, a := range ancestors {
		a.synced += delta
	}
	return delta
}

func confirm(n *Node, key pathkey.Key, skip func(pathkey.Key) bool) int {
	if n == nil || (skip != nil && skip(key)) {
		return 0
	}
	if n.value != nil {
		if n.synced == 1 {
			return 0
		}
		n.synced = 1
		return 1
	}
	delta := 0
	for s, c := range n.children {
		delta += confirm(c, key.MustAppend(s), skip)
	}
	n.synced += delta
	return delta
}

// Check recomputes every counter by full traversal and reports the first
// mismatch or invariant violation. Intended for tests and debugging.
func (t *Tree) Check() error {
	_, _, err := check(t.root, pathkey.Root)
	return err
}

func check(n *Node, key pathkey.Key) (total, synced int, err error) {
	if n == nil {
		return 0, 0, nil
	}
	if n.value != nil {
		if len(n.children) > 0 {
			return 0, 0, fmt.Errorf("%s: leaf has children", key)
		}
		total, synced = 1, n.synced
	} else {
		for s, c := range n.children {
			if c.orNil() == nil {
				return 0, 0, fmt.Errorf("%s: empty child %q not pruned", key, s)
			}
			ct, cs, err := check(c, key.MustAppend(s))
			if err != nil {
				return 0, 0, err
			}
			total += ct
			synced += cs
		}
	}
	if n.total != total || n.synced != synced {
		return 0, 0, fmt.Errorf("%s: counts (%d,%d), recomputed (%d,%d)", key, n.total, n.synced, total, synced)
	}
	if synced < 0 || synced > total {
		return 0, 0, fmt.Errorf("%s: synced %d outside [0,%d]", key, synced, total)
	}
	return total, synced, nil
}

func sortedKeys(m map[pathkey.Key]*Node) []pathkey.Key {
	keys := make([]pathkey.Key, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}
