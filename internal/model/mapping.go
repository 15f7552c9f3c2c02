// Treesync - Realtime Tree Mirror and Sync Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/treesync

package model

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"

	"github.com/goccy/go-json"

	"github.com/tomtom215/treesync/internal/pathkey"
)

// ErrInvalidMapping is returned for a mapping table that cannot be bound.
var ErrInvalidMapping = errors.New("invalid model mapping")

// ErrUnknownField is returned when a field name is not in the mapping.
var ErrUnknownField = errors.New("unknown model field")

// Field binds one struct field of T to a position beneath the model root.
type Field[T any] struct {
	name    string
	segment pathkey.Key
	encode  func(*T) (json.RawMessage, error)
	decode  func(*T, json.RawMessage) error
}

// NewField maps the field reached through accessor to segment, a path
// relative to the model root such as "title" or "meta/owner". The field value
// is stored as the JSON encoding of V; structs, maps and slices become
// subtrees.
func NewField[T, V any](name, segment string, accessor func(*T) *V) Field[T] {
	seg, err := pathkey.Parse(segment)
	if err != nil {
		// Reported by NewMapping.
		seg = pathkey.Root
	}
	return Field[T]{
		name:    name,
		segment: seg,
		encode: func(t *T) (json.RawMessage, error) {
			return json.Marshal(accessor(t))
		},
		decode: func(t *T, raw json.RawMessage) error {
			var v V
			if !isNull(raw) {
				if err := unmarshalTree(raw, &v); err != nil {
					return err
				}
			}
			*accessor(t) = v
			return nil
		},
	}
}

// Name returns the field name.
func (f Field[T]) Name() string { return f.name }

// Segment returns the field position relative to the model root.
func (f Field[T]) Segment() pathkey.Key { return f.segment }

// Mapping is a validated field table for T.
type Mapping[T any] struct {
	fields []Field[T]
	byName map[string]int
}

// NewMapping validates fields: names must be unique and non-empty, segments
// non-root, and no segment may lie beneath another.
func NewMapping[T any](fields ...Field[T]) (*Mapping[T], error) {
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: no fields", ErrInvalidMapping)
	}
	m := &Mapping[T]{byName: make(map[string]int, len(fields))}
	for i, f := range fields {
		if f.name == "" {
			return nil, fmt.Errorf("%w: field %d has no name", ErrInvalidMapping, i)
		}
		if _, dup := m.byName[f.name]; dup {
			return nil, fmt.Errorf("%w: duplicate field %q", ErrInvalidMapping, f.name)
		}
		if f.segment.IsRoot() {
			return nil, fmt.Errorf("%w: field %q has an invalid segment", ErrInvalidMapping, f.name)
		}
		for _, other := range m.fields {
			if other.segment.Related(f.segment) {
				return nil, fmt.Errorf("%w: fields %q and %q overlap at %s", ErrInvalidMapping, other.name, f.name, f.segment)
			}
		}
		m.byName[f.name] = len(m.fields)
		m.fields = append(m.fields, f)
	}
	return m, nil
}

// MustMapping is NewMapping for package-level tables.
func MustMapping[T any](fields ...Field[T]) *Mapping[T] {
	m, err := NewMapping(fields...)
	if err != nil {
		panic(err)
	}
	return m
}

// Fields returns the field names in table order.
func (m *Mapping[T]) Fields() []string {
	out := make([]string, len(m.fields))
	for i, f := range m.fields {
		out[i] = f.name
	}
	return out
}

func (m *Mapping[T]) field(name string) (Field[T], bool) {
	i, ok := m.byName[name]
	if !ok {
		return Field[T]{}, false
	}
	return m.fields[i], true
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || string(bytes.TrimSpace(raw)) == "null"
}

// unmarshalTree decodes a subtree value. The tree stores arrays as containers
// keyed by index, so on failure the value is retried with every such
// container turned back into an array.
func unmarshalTree(raw json.RawMessage, v any) error {
	err := json.Unmarshal(raw, v)
	if err == nil {
		return nil
	}
	var doc any
	if json.Unmarshal(raw, &doc) != nil {
		return err
	}
	b, merr := json.Marshal(restoreArrays(doc))
	if merr != nil {
		return err
	}
	if json.Unmarshal(b, v) != nil {
		return err
	}
	return nil
}

func restoreArrays(doc any) any {
	obj, ok := doc.(map[string]any)
	if !ok {
		return doc
	}
	for k, child := range obj {
		obj[k] = restoreArrays(child)
	}
	if len(obj) == 0 {
		return obj
	}
	items := make([]any, len(obj))
	for k, child := range obj {
		n, err := strconv.Atoi(k)
		if err != nil || n < 0 || n >= len(obj) || strconv.Itoa(n) != k {
			return obj
		}
		items[n] = child
	}
	return items
}
