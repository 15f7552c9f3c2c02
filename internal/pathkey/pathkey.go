// Treesync - Realtime Tree Mirror and Sync Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/treesync

// Package pathkey implements immutable, structurally comparable paths into the
// synchronized tree.
//
// A Key is a value type wrapping the flattened form of its segments, so two keys
// built independently from the same segments compare equal with == and can be
// used directly as map keys.
//
//	k, err := pathkey.Parse("/rooms/1")
//	child := k.MustAppend("occupancy") // /rooms/1/occupancy
//	k.IsAncestorOf(child)            // true
package pathkey

import (
	"errors"
	"fmt"
	"hash/maphash"
	"strings"
)

// Separator joins segments in the flattened form of a key.
const Separator = "/"

// reservedChars may not appear inside a segment. The separator is reserved so the
// flattened form is unambiguous; the rest are reserved by the backend.
const reservedChars = "/.#$[]"

// ErrInvalidPath is returned when a segment is empty or contains a reserved character.
var ErrInvalidPath = errors.New("invalid path")

// Root is the empty key.
var Root = Key{}

// Key identifies a node in the tree. The zero value is the root.
type Key struct {
	// flat is "" for the root, otherwise "/seg1/seg2".
	flat string
}

var hashSeed = maphash.MakeSeed()

// New builds a key from individual segments.
func New(segments ...string) (Key, error) {
	if len(segments) == 0 {
		return Root, nil
	}
	var b strings.Builder
	for _, s := range segments {
		if err := ValidateSegment(s); err != nil {
			return Key{}, err
		}
		b.WriteString(Separator)
		b.WriteString(s)
	}
	return Key{flat: b.String()}, nil
}

// MustNew is like New but panics on invalid input. Intended for literals and tests.
func MustNew(segments ...string) Key {
	k, err := New(segments...)
	if err != nil {
		panic(err)
	}
	return k
}

// Parse builds a key from its flattened form. Leading and trailing separators
// are ignored, so "", "/" and "//" all denote the root; empty interior segments
// ("/a//b") are rejected.
func Parse(s string) (Key, error) {
	trimmed := strings.Trim(s, Separator)
	if trimmed == "" {
		return Root, nil
	}
	k, err := New(strings.Split(trimmed, Separator)...)
	if err != nil {
		return Key{}, fmt.Errorf("parse %q: %w", s, err)
	}
	return k, nil
}

// MustParse is like Parse but panics on invalid input.
func MustParse(s string) Key {
	k, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return k
}

// ValidateSegment reports whether s is usable as a single path segment.
func ValidateSegment(s string) error {
	if s == "" {
		return fmt.Errorf("%w: empty segment", ErrInvalidPath)
	}
	for _, r := range s {
		if r < 0x20 || r == 0x7f || strings.ContainsRune(reservedChars, r) {
			return fmt.Errorf("%w: segment %q contains reserved character %q", ErrInvalidPath, s, r)
		}
	}
	return nil
}

// IsRoot reports whether k is the empty key.
func (k Key) IsRoot() bool {
	return k.flat == ""
}

// String returns the flattened form; the root renders as "/".
func (k Key) String() string {
	if k.flat == "" {
		return Separator
	}
	return k.flat
}

// Segments returns a fresh copy of the key's segments.
func (k Key) Segments() []string {
	if k.flat == "" {
		return nil
	}
	return strings.Split(k.flat[1:], Separator)
}

// Len returns the number of segments.
func (k Key) Len() int {
	if k.flat == "" {
		return 0
	}
	return strings.Count(k.flat, Separator)
}

// Last returns the final segment, or "" for the root.
func (k Key) Last() string {
	if k.flat == "" {
		return ""
	}
	return k.flat[strings.LastIndex(k.flat, Separator)+1:]
}

// Append returns a key with segment added at the end.
func (k Key) Append(segment string) (Key, error) {
	if err := ValidateSegment(segment); err != nil {
		return Key{}, err
	}
	return Key{flat: k.flat + Separator + segment}, nil
}

// MustAppend is like Append but panics on invalid input.
func (k Key) MustAppend(segment string) Key {
	c, err := k.Append(segment)
	if err != nil {
		panic(err)
	}
	return c
}

// Join appends every segment of rel to k.
func (k Key) Join(rel Key) Key {
	return Key{flat: k.flat + rel.flat}
}

// Parent returns the key without its last segment. ok is false for the root.
func (k Key) Parent() (parent Key, ok bool) {
	if k.flat == "" {
		return Root, false
	}
	return Key{flat: k.flat[:strings.LastIndex(k.flat, Separator)]}, true
}

// IsAncestorOf reports whether k is a strict ancestor of other.
func (k Key) IsAncestorOf(other Key) bool {
	if len(other.flat) <= len(k.flat) {
		return false
	}
	return strings.HasPrefix(other.flat, k.flat) && other.flat[len(k.flat)] == '/'
}

// Contains reports whether other equals k or lies beneath it.
func (k Key) Contains(other Key) bool {
	return k == other || k.IsAncestorOf(other)
}

// Related reports whether one key contains the other.
func (k Key) Related(other Key) bool {
	return k.Contains(other) || other.Contains(k)
}

// Rel returns other expressed relative to k. ok is false when k does not contain other.
func (k Key) Rel(other Key) (rel Key, ok bool) {
	if !k.Contains(other) {
		return Key{}, false
	}
	return Key{flat: other.flat[len(k.flat):]}, true
}

// Equals reports structural equality. Equivalent to ==.
func (k Key) Equals(other Key) bool {
	return k.flat == other.flat
}

// Hash returns a process-local hash of the key, stable across equal instances.
func (k Key) Hash() uint64 {
	return maphash.String(hashSeed, k.flat)
}

// MarshalText implements encoding.TextMarshaler.
func (k Key) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Key) UnmarshalText(b []byte) error {
	parsed, err := Parse(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}
