// Treesync - Realtime Tree Mirror and Sync Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/treesync

package tree

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/goccy/go-json"

	"github.com/tomtom215/treesync/internal/pathkey"
)

// ErrInvalidValue is returned when a payload cannot be represented as a tree.
var ErrInvalidValue = errors.New("invalid tree value")

// Node is one position in the tree. A node is either a leaf holding a compact
// JSON scalar, or a container whose children are keyed by segment.
//
// total counts the leaves at or beneath the node; synced counts the subset the
// backend has confirmed. A leaf contributes 1 to total, and 1 to synced when
// confirmed.
type Node struct {
	value    json.RawMessage
	children map[string]*Node
	total    int
	synced   int
}

// NewLeaf returns a leaf holding raw, which must be a JSON scalar.
func NewLeaf(raw []byte, confirmed bool) (*Node, error) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, bytes.TrimSpace(raw)); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidValue, err)
	}
	b := buf.Bytes()
	if len(b) == 0 || b[0] == '{' || b[0] == '[' {
		return nil, fmt.Errorf("%w: leaf value must be a scalar", ErrInvalidValue)
	}
	n := &Node{value: b, total: 1}
	if confirmed {
		n.synced = 1
	}
	return n, nil
}

// Build converts a JSON document into a node. Objects become containers, arrays
// become containers keyed by index, null and empty containers yield nil
// (absent). Object keys must be valid path segments.
func Build(raw []byte, confirmed bool) (*Node, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty document", ErrInvalidValue)
	}

	switch raw[0] {
	case '{':
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidValue, err)
		}
		n := &Node{}
		for seg, v := range fields {
			if err := pathkey.ValidateSegment(seg); err != nil {
				return nil, fmt.Errorf("%w: %w", ErrInvalidValue, err)
			}
			if err := n.addChild(seg, v, confirmed); err != nil {
				return nil, err
			}
		}
		return n.orNil(), nil

	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidValue, err)
		}
		n := &Node{}
		for i, v := range items {
			if err := n.addChild(strconv.Itoa(i), v, confirmed); err != nil {
				return nil, err
			}
		}
		return n.orNil(), nil

	case 'n':
		if string(raw) == "null" {
			return nil, nil
		}
	}
	return NewLeaf(raw, confirmed)
}

func (n *Node) addChild(seg string, raw json.RawMessage, confirmed bool) error {
	child, err := Build(raw, confirmed)
	if err != nil {
		return err
	}
	if child == nil {
		return nil
	}
	if n.children == nil {
		n.children = make(map[string]*Node)
	}
	n.children[seg] = child
	n.total += child.total
	n.synced += child.synced
	return nil
}

// orNil collapses an empty container to nil.
func (n *Node) orNil() *Node {
	if n == nil || (n.value == nil && len(n.children) == 0) {
		return nil
	}
	return n
}

// IsLeaf reports whether the node holds a scalar.
func (n *Node) IsLeaf() bool { return n != nil && n.value != nil }

// Total returns the number of leaves at or beneath n.
func (n *Node) Total() int {
	if n == nil {
		return 0
	}
	return n.total
}

// Synced returns the number of confirmed leaves at or beneath n.
func (n *Node) Synced() int {
	if n == nil {
		return 0
	}
	return n.synced
}

// Scalar returns the leaf value, or nil for containers.
func (n *Node) Scalar() json.RawMessage {
	if n == nil {
		return nil
	}
	return n.value
}

// Child returns the child at seg, or nil.
func (n *Node) Child(seg string) *Node {
	if n == nil {
		return nil
	}
	return n.children[seg]
}

// Segments returns the child segments in sorted order.
func (n *Node) Segments() []string {
	if n == nil || len(n.children) == 0 {
		return nil
	}
	segs := make([]string, 0, len(n.children))
	for s := range n.children {
		segs = append(segs, s)
	}
	sort.Strings(segs)
	return segs
}

// Get returns the node at rel beneath n, or nil.
func (n *Node) Get(rel pathkey.Key) *Node {
	cur := n
	for _, s := range rel.Segments() {
		cur = cur.Child(s)
		if cur == nil {
			return nil
		}
	}
	return cur
}

// Clone returns a deep copy of n. confirmed overrides the sync state of every
// copied leaf when non-nil.
func (n *Node) Clone(confirmed *bool) *Node {
	if n == nil {
		return nil
	}
	c := &Node{total: n.total, synced: n.synced}
	if n.value != nil {
		c.value = append(json.RawMessage(nil), n.value...)
		if confirmed != nil {
			c.synced = 0
			if *confirmed {
				c.synced = 1
			}
		}
		return c
	}
	c.synced = 0
	if len(n.children) > 0 {
		c.children = make(map[string]*Node, len(n.children))
	}
	for s, child := range n.children {
		cc := child.Clone(confirmed)
		c.children[s] = cc
		c.synced += cc.synced
	}
	return c
}

// Unconfirmed returns a deep copy of n with every leaf marked unconfirmed.
func (n *Node) Unconfirmed() *Node {
	f := false
	return n.Clone(&f)
}

// Equal reports whether n and o hold the same values, ignoring sync state.
func (n *Node) Equal(o *Node) bool {
	n, o = n.orNil(), o.orNil()
	if n == nil || o == nil {
		return n == o
	}
	if n.value != nil || o.value != nil {
		return bytes.Equal(n.value, o.value)
	}
	if len(n.children) != len(o.children) {
		return false
	}
	for s, c := range n.children {
		if !c.Equal(o.children[s]) {
			return false
		}
	}
	return true
}

// Marshal serializes the subtree back to JSON. Absent nodes marshal as null.
func (n *Node) Marshal() json.RawMessage {
	if n.orNil() == nil {
		return json.RawMessage("null")
	}
	if n.value != nil {
		return n.value
	}
	obj := make(map[string]json.RawMessage, len(n.children))
	for s, c := range n.children {
		obj[s] = c.Marshal()
	}
	b, err := json.Marshal(obj)
	if err != nil {
		// Every element is already valid JSON.
		panic(fmt.Sprintf("tree: marshal subtree: %v", err))
	}
	return b
}
