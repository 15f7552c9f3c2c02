// Treesync - Realtime Tree Mirror and Sync Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/treesync

// Package protocol decodes raw backend events into typed operations and
// encodes local merge-updates for the wire.
//
// Event payload shapes:
//
//	put          {"path":"/a","data":<any json>}
//	patch        {"path":"/a","data":{"b":<json>,"c/d":<json>}}
//	cancel       "reason"
//	auth_revoked "reason"
//	keep-alive   (no payload)
//
// Paths are relative to the subscribed path. Patch field names may address
// nested positions with slashes.
package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/goccy/go-json"

	"github.com/tomtom215/treesync/internal/pathkey"
	"github.com/tomtom215/treesync/internal/wire"
)

// ErrMalformedEvent is matched by every decode failure.
var ErrMalformedEvent = errors.New("malformed event")

// Event names as sent by the backend.
const (
	EventPut         = "put"
	EventPatch       = "patch"
	EventKeepAlive   = "keep-alive"
	EventCancel      = "cancel"
	EventAuthRevoked = "auth_revoked"
)

// DecodeError describes why one event could not be decoded.
type DecodeError struct {
	Event string
	Err   error
}

func (e *DecodeError) Error() string {
	name := e.Event
	if name == "" {
		name = "unnamed"
	}
	return fmt.Sprintf("malformed %s event: %v", name, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Is makes every DecodeError match ErrMalformedEvent.
func (e *DecodeError) Is(target error) bool { return target == ErrMalformedEvent }

// Operation is a decoded event. It is one of Put, Patch, AuthRevoked,
// Cancelled or KeepAlive.
type Operation interface {
	Kind() string
}

// Put replaces the subtree at Path with Value. A null Value removes it.
type Put struct {
	Path     pathkey.Key
	Value    json.RawMessage
	Revision string
}

// Patch replaces each named child of Path, leaving other children alone.
// Fields keys are relative to Path and never the root.
type Patch struct {
	Path     pathkey.Key
	Fields   map[pathkey.Key]json.RawMessage
	Revision string
}

// AuthRevoked ends the subscription because its credentials are no longer valid.
type AuthRevoked struct {
	Reason string
}

// Cancelled ends the subscription at the backend's request.
type Cancelled struct {
	Reason string
}

// KeepAlive carries no data.
type KeepAlive struct{}

func (Put) Kind() string         { return EventPut }
func (Patch) Kind() string       { return EventPatch }
func (AuthRevoked) Kind() string { return EventAuthRevoked }
func (Cancelled) Kind() string   { return EventCancel }
func (KeepAlive) Kind() string   { return EventKeepAlive }

type envelope struct {
	Path *string         `json:"path"`
	Data json.RawMessage `json:"data"`
}

// Decode converts a raw event. Failures are *DecodeError values matching
// ErrMalformedEvent.
func Decode(ev wire.RawEvent) (Operation, error) {
	switch ev.Name {
	case EventPut:
		path, data, err := decodeEnvelope(ev.Data)
		if err != nil {
			return nil, &DecodeError{Event: ev.Name, Err: err}
		}
		return Put{Path: path, Value: data, Revision: ev.Revision}, nil

	case EventPatch:
		path, data, err := decodeEnvelope(ev.Data)
		if err != nil {
			return nil, &DecodeError{Event: ev.Name, Err: err}
		}
		fields, err := decodeFields(data)
		if err != nil {
			return nil, &DecodeError{Event: ev.Name, Err: err}
		}
		return Patch{Path: path, Fields: fields, Revision: ev.Revision}, nil

	case EventKeepAlive:
		return KeepAlive{}, nil

	case EventCancel:
		return Cancelled{Reason: decodeReason(ev.Data)}, nil

	case EventAuthRevoked:
		return AuthRevoked{Reason: decodeReason(ev.Data)}, nil

	default:
		return nil, &DecodeError{Event: ev.Name, Err: fmt.Errorf("unknown event name %q", ev.Name)}
	}
}

func decodeEnvelope(raw json.RawMessage) (pathkey.Key, json.RawMessage, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return pathkey.Key{}, nil, errors.New("missing payload")
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return pathkey.Key{}, nil, err
	}
	if env.Path == nil {
		return pathkey.Key{}, nil, errors.New("missing path")
	}
	if len(env.Data) == 0 {
		return pathkey.Key{}, nil, errors.New("missing data")
	}
	path, err := pathkey.Parse(*env.Path)
	if err != nil {
		return pathkey.Key{}, nil, err
	}
	return path, env.Data, nil
}

func decodeFields(raw json.RawMessage) (map[pathkey.Key]json.RawMessage, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		return nil, errors.New("patch data must be an object")
	}
	var named map[string]json.RawMessage
	if err := json.Unmarshal(raw, &named); err != nil {
		return nil, err
	}
	fields := make(map[pathkey.Key]json.RawMessage, len(named))
	for name, v := range named {
		rel, err := pathkey.Parse(name)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", name, err)
		}
		if rel.IsRoot() {
			return nil, fmt.Errorf("field %q addresses the patch root", name)
		}
		fields[rel] = v
	}
	return fields, nil
}

// decodeReason accepts a JSON string or, failing that, the raw payload text.
func decodeReason(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

// EncodeFields renders merge-update fields as the data of a patch operation.
// Keys are written relative, without a leading slash, in sorted order.
func EncodeFields(fields map[pathkey.Key]json.RawMessage) (json.RawMessage, error) {
	keys := make([]pathkey.Key, 0, len(fields))
	for k := range fields {
		if k.IsRoot() {
			return nil, fmt.Errorf("%w: patch field addresses the root", pathkey.ErrInvalidPath)
		}
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })

	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		name, err := json.Marshal(strings.TrimPrefix(k.String(), "/"))
		if err != nil {
			return nil, err
		}
		buf.Write(name)
		buf.WriteByte(':')
		v := fields[k]
		if len(v) == 0 {
			v = json.RawMessage("null")
		}
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
