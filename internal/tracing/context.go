// Package tracing carries trace, run and session identifiers through
// context.Context and stamps them onto spans and log lines.
package tracing

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type contextKey string

const (
	traceIDKey    contextKey = "trace_id"
	runIDKey      contextKey = "run_id"
	sessionKeyKey contextKey = "session_key"
)

// NewTraceID generates a fresh trace ID for requests that arrive without one.
func NewTraceID() string {
	return uuid.New().String()
}

// WithTraceID attaches a trace ID to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

// GetTraceID returns the trace ID, or "" when the context carries none.
func GetTraceID(ctx context.Context) string {
	id, _ := ctx.Value(traceIDKey).(string)
	return id
}

// WithRunID attaches a run ID to the context.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey, runID)
}

// GetRunID returns the run ID, or "" when the context carries none.
func GetRunID(ctx context.Context) string {
	id, _ := ctx.Value(runIDKey).(string)
	return id
}

// WithSessionKey attaches a session key to the context.
func WithSessionKey(ctx context.Context, sessionKey string) context.Context {
	return context.WithValue(ctx, sessionKeyKey, sessionKey)
}

// GetSessionKey returns the session key, or "" when the context carries none.
func GetSessionKey(ctx context.Context) string {
	key, _ := ctx.Value(sessionKeyKey).(string)
	return key
}

// LoggerFromContext returns the base logger enriched with whichever
// identifiers the context carries.
func LoggerFromContext(ctx context.Context, base zerolog.Logger) zerolog.Logger {
	if id := GetTraceID(ctx); id != "" {
		base = base.With().Str("trace_id", id).Logger()
	}
	if id := GetRunID(ctx); id != "" {
		base = base.With().Str("run_id", id).Logger()
	}
	if key := GetSessionKey(ctx); key != "" {
		base = base.With().Str("session_key", key).Logger()
	}
	return base
}
