// Treesync - Realtime Tree Mirror and Sync Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/treesync

package logging

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type contextKey string

const (
	subscriptionKey contextKey = "subscription"
	operationIDKey  contextKey = "op_id"
	loggerKey       contextKey = "logger"
)

// GenerateOperationID returns a new unique ID for an outbound operation.
func GenerateOperationID() string {
	return uuid.New().String()
}

// ContextWithSubscription tags ctx with a subscription path.
func ContextWithSubscription(ctx context.Context, path string) context.Context {
	return context.WithValue(ctx, subscriptionKey, path)
}

// SubscriptionFromContext returns the subscription path, or "".
func SubscriptionFromContext(ctx context.Context) string {
	if p, ok := ctx.Value(subscriptionKey).(string); ok {
		return p
	}
	return ""
}

// ContextWithOperationID tags ctx with an outbound operation ID.
func ContextWithOperationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, operationIDKey, id)
}

// OperationIDFromContext returns the operation ID, or "".
func OperationIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(operationIDKey).(string); ok {
		return id
	}
	return ""
}

// ContextWithLogger stores a logger in the context.
//
//nolint:gocritic // zerolog.Logger is designed to be passed by value
func ContextWithLogger(ctx context.Context, logger zerolog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// LoggerFromContext returns the logger stored in ctx, or the global logger.
func LoggerFromContext(ctx context.Context) zerolog.Logger {
	if logger, ok := ctx.Value(loggerKey).(zerolog.Logger); ok {
		return logger
	}
	return Logger()
}

// Ctx returns a logger carrying the subscription path and operation ID from ctx.
//
//	logging.Ctx(ctx).Info().Msg("Write acknowledged")
//	// {"level":"info","subscription":"/rooms/1","op_id":"...","message":"Write acknowledged"}
func Ctx(ctx context.Context) *zerolog.Logger {
	logger := LoggerFromContext(ctx)
	lc := logger.With()
	if p := SubscriptionFromContext(ctx); p != "" {
		lc = lc.Str("subscription", p)
	}
	if id := OperationIDFromContext(ctx); id != "" {
		lc = lc.Str("op_id", id)
	}
	l := lc.Logger()
	return &l
}

// WithComponent creates a child of the global logger with a component field.
func WithComponent(component string) zerolog.Logger {
	return With().Str("component", component).Logger()
}
