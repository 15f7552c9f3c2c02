// Treesync - Realtime Tree Mirror and Sync Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/treesync

package changefeed

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/tomtom215/treesync/internal/engine"
	"github.com/tomtom215/treesync/internal/logging"
	"github.com/tomtom215/treesync/internal/metrics"
	"github.com/tomtom215/treesync/internal/pathkey"
)

// Event types, also used as topic suffixes.
const (
	TypeValue  = "value"
	TypeSync   = "sync"
	TypeClosed = "closed"
)

// Event is the JSON payload of one feed message.
type Event struct {
	Type         string             `json:"type"`
	Subscription string             `json:"subscription"`
	Query        map[string]string  `json:"query,omitempty"`
	Path         string             `json:"path,omitempty"`
	Value        json.RawMessage    `json:"value,omitempty"`
	Status       *engine.SyncStatus `json:"status,omitempty"`
	Error        string             `json:"error,omitempty"`
	Time         time.Time          `json:"time"`
}

// Config configures a Feed.
type Config struct {
	// Topic prefix; messages go to <Topic>.value, <Topic>.sync and <Topic>.closed.
	Topic string

	// Buffer is the queue length between observers and the publisher.
	Buffer int
}

type outbound struct {
	topic string
	kind  string
	msg   *message.Message
}

// Feed republishes engine notifications through a watermill publisher.
// Observers never block: notifications are queued and published by Serve.
// A full queue drops the notification.
type Feed struct {
	pub    message.Publisher
	topic  string
	queue  chan outbound
	closed atomic.Bool
	logger zerolog.Logger
}

// New returns a Feed that owns pub.
func New(pub message.Publisher, cfg Config) *Feed {
	if cfg.Buffer <= 0 {
		cfg.Buffer = 1024
	}
	if cfg.Topic == "" {
		cfg.Topic = "treesync"
	}
	return &Feed{
		pub:    pub,
		topic:  cfg.Topic,
		queue:  make(chan outbound, cfg.Buffer),
		logger: logging.WithComponent("changefeed"),
	}
}

// Topic returns the full topic for an event type.
func (f *Feed) Topic(kind string) string {
	return f.topic + "." + kind
}

// Observer returns an engine.Observer that feeds notifications of the
// subscription at path (with query) into f.
func (f *Feed) Observer(path pathkey.Key, query map[string]string) engine.Observer {
	sub := path.String()
	return engine.ObserverFuncs{
		SyncChanged: func(s engine.SyncStatus) {
			f.enqueue(Event{Type: TypeSync, Subscription: sub, Query: query, Status: &s})
		},
		ValueChanged: func(p pathkey.Key, v json.RawMessage) {
			f.enqueue(Event{Type: TypeValue, Subscription: sub, Query: query, Path: p.String(), Value: v})
		},
		Closed: func(err error) {
			ev := Event{Type: TypeClosed, Subscription: sub, Query: query}
			if err != nil {
				ev.Error = err.Error()
			}
			f.enqueue(ev)
		},
	}
}

func (f *Feed) enqueue(ev Event) {
	if f.closed.Load() {
		return
	}
	ev.Time = time.Now().UTC()
	payload, err := json.Marshal(ev)
	if err != nil {
		metrics.ChangeFeedErrors.Inc()
		f.logger.Warn().Err(err).Str("type", ev.Type).Msg("Failed to encode change event")
		return
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set("type", ev.Type)
	msg.Metadata.Set("subscription", ev.Subscription)

	select {
	case f.queue <- outbound{topic: f.Topic(ev.Type), kind: ev.Type, msg: msg}:
	default:
		metrics.ChangeFeedDropped.Inc()
		f.logger.Debug().Str("type", ev.Type).Str("subscription", ev.Subscription).Msg("Change feed queue full, dropping event")
	}
}

// Serve publishes queued notifications until ctx is done.
func (f *Feed) Serve(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case out := <-f.queue:
			f.publish(out)
		}
	}
}

func (f *Feed) publish(out outbound) {
	if err := f.pub.Publish(out.topic, out.msg); err != nil {
		metrics.ChangeFeedErrors.Inc()
		f.logger.Warn().Err(err).Str("topic", out.topic).Msg("Failed to publish change event")
		return
	}
	metrics.ChangeFeedPublished.WithLabelValues(out.kind).Inc()
}

// Flush publishes whatever is queued without waiting for more.
func (f *Feed) Flush() {
	for {
		select {
		case out := <-f.queue:
			f.publish(out)
		default:
			return
		}
	}
}

// String implements fmt.Stringer for supervisor logs.
func (f *Feed) String() string { return "changefeed" }

// Close stops accepting notifications and closes the publisher.
func (f *Feed) Close() error {
	if f.closed.Swap(true) {
		return nil
	}
	return f.pub.Close()
}
