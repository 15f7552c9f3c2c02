// Treesync - Realtime Tree Mirror and Sync Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/treesync

/*
Package wire is the streaming transport between the sync engine and the
realtime backend.

A Dialer opens one Conn per subscribed path. The Conn yields RawEvents in the
order the backend sent them and accepts outbound Operations, each returning an
Ack future that resolves on the backend's ack or nack frame. Ordering holds
within a connection only; nothing is promised across reconnects.

# Transport

WebSocketDialer speaks JSON text frames over gorilla/websocket:

	-> {"t":"listen","path":"/rooms","rev":"r41","query":{"orderBy":"ts"}}
	<- {"event":"put","data":{"path":"/","data":{...}},"rev":"r42"}
	-> {"t":"put","id":"6f1c...","path":"/1/title","data":"hello"}
	<- {"event":"ack","id":"6f1c..."}

Dials pass through a circuit breaker (sony/gobreaker) shared by every
subscription, and sends are paced by a token bucket (x/time/rate). A read
deadline is extended by every inbound frame; keep-alive frames are written on
PingPeriod.

# Failure

When the socket fails, every pending Ack resolves with ErrDisconnected, a
RawEvent named EventDisconnected is delivered and the event channel closes.
Reconnecting is the caller's job; Backoff computes the delays.

# Testing

Package wiretest provides a scripted in-memory Dialer.
*/
package wire
