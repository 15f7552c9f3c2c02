// Treesync - Realtime Tree Mirror and Sync Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/treesync

package logging

import (
	"time"

	"github.com/rs/zerolog"
)

// SyncLogger provides logging for one subscription's lifecycle with
// domain-specific helpers. All entries carry component=engine and the
// subscription path.
type SyncLogger struct {
	logger zerolog.Logger
}

// NewSyncLogger creates a SyncLogger for the subscription at path.
func NewSyncLogger(path string) *SyncLogger {
	return &SyncLogger{
		logger: With().Str("component", "engine").Str("subscription", path).Logger(),
	}
}

// NewSyncLoggerWithLogger creates a SyncLogger on top of a custom logger.
//
//nolint:gocritic // zerolog.Logger is designed to be passed by value
func NewSyncLoggerWithLogger(logger zerolog.Logger, path string) *SyncLogger {
	return &SyncLogger{
		logger: logger.With().Str("component", "engine").Str("subscription", path).Logger(),
	}
}

// Logger exposes the underlying tagged logger.
func (l *SyncLogger) Logger() *zerolog.Logger { return &l.logger }

// LogStateChange records a state machine transition.
func (l *SyncLogger) LogStateChange(from, to string) {
	l.logger.Info().Str("from", from).Str("to", to).Msg("Subscription state changed")
}

// LogOpened records a successful (re)open.
func (l *SyncLogger) LogOpened(delta bool, token string, d time.Duration) {
	l.logger.Info().
		Bool("delta", delta).
		Str("rev", token).
		Dur("duration", d).
		Msg("Connection opened")
}

// LogOpenFailed records a failed open and the delay before the next attempt.
func (l *SyncLogger) LogOpenFailed(err error, attempt int, retryIn time.Duration) {
	l.logger.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", retryIn).Msg("Connection open failed")
}

// LogDisconnected records a transport drop.
func (l *SyncLogger) LogDisconnected(err error, retryIn time.Duration) {
	l.logger.Warn().Err(err).Dur("retry_in", retryIn).Msg("Connection lost, reconnecting")
}

// LogMalformed records an inbound event that was skipped.
func (l *SyncLogger) LogMalformed(event string, err error) {
	l.logger.Warn().Str("event", event).Err(err).Msg("Skipping malformed event")
}

// LogWriteQueued records a local write entering the outbound queue.
func (l *SyncLogger) LogWriteQueued(opID, path, kind string) {
	l.logger.Debug().Str("op_id", opID).Str("path", path).Str("kind", kind).Msg("Write queued")
}

// LogWriteAcked records a write acknowledged by the backend.
func (l *SyncLogger) LogWriteAcked(opID, path string) {
	l.logger.Debug().Str("op_id", opID).Str("path", path).Msg("Write acknowledged")
}

// LogWriteFailed records a write that will not be retried.
func (l *SyncLogger) LogWriteFailed(opID, path string, err error, attempts int) {
	l.logger.Error().Str("op_id", opID).Str("path", path).Int("attempts", attempts).Err(err).Msg("Write failed")
}

// LogCacheFailure records a cache error absorbed by the engine.
func (l *SyncLogger) LogCacheFailure(op string, err error) {
	l.logger.Warn().Str("op", op).Err(err).Msg("Local cache operation failed")
}

// LogClosed records the terminal transition.
func (l *SyncLogger) LogClosed(err error) {
	if err != nil {
		l.logger.Warn().Err(err).Msg("Subscription closed by backend")
		return
	}
	l.logger.Info().Msg("Subscription closed")
}
