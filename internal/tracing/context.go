package tracing

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ContextKey is the type for context keys
type ContextKey string

const (
	// TraceIDKey is the context key for the trace ID of one request
	TraceIDKey ContextKey = "trace_id"
	// RunIDKey is the context key for the ID of one agent run
	RunIDKey ContextKey = "run_id"
	// SessionKeyKey is the context key for the conversation's session key
	SessionKeyKey ContextKey = "session_key"
	// ToolCallIDKey is the context key for the provider-assigned tool call ID
	ToolCallIDKey ContextKey = "call_id"
)

// TraceContext holds the correlation IDs carried by a context.
type TraceContext struct {
	TraceID    string
	RunID      string
	SessionKey string
	ToolCallID string
}

// NewTraceID generates a new trace ID
func NewTraceID() string {
	return uuid.New().String()
}

// NewRunID generates a new run ID
func NewRunID() string {
	return uuid.New().String()
}

// WithTraceID adds a trace ID to the context
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// WithRunID adds a run ID to the context
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, RunIDKey, runID)
}

// WithSessionKey adds a session key to the context
func WithSessionKey(ctx context.Context, sessionKey string) context.Context {
	return context.WithValue(ctx, SessionKeyKey, sessionKey)
}

// WithToolCallID adds a tool call ID to the context
func WithToolCallID(ctx context.Context, callID string) context.Context {
	return context.WithValue(ctx, ToolCallIDKey, callID)
}

func value(ctx context.Context, key ContextKey) string {
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}

// GetTraceID retrieves the trace ID from the context
func GetTraceID(ctx context.Context) string { return value(ctx, TraceIDKey) }

// GetRunID retrieves the run ID from the context
func GetRunID(ctx context.Context) string { return value(ctx, RunIDKey) }

// GetSessionKey retrieves the session key from the context
func GetSessionKey(ctx context.Context) string { return value(ctx, SessionKeyKey) }

// GetToolCallID retrieves the tool call ID from the context
func GetToolCallID(ctx context.Context) string { return value(ctx, ToolCallIDKey) }

// FromContext extracts all correlation IDs from the context
func FromContext(ctx context.Context) *TraceContext {
	return &TraceContext{
		TraceID:    GetTraceID(ctx),
		RunID:      GetRunID(ctx),
		SessionKey: GetSessionKey(ctx),
		ToolCallID: GetToolCallID(ctx),
	}
}

// NewRequestContext starts a new trace for an incoming request
func NewRequestContext(ctx context.Context) context.Context {
	return WithTraceID(ctx, NewTraceID())
}

// LoggerFromContext returns baseLogger with the context's correlation IDs
// attached as fields.
func LoggerFromContext(ctx context.Context, baseLogger zerolog.Logger) zerolog.Logger {
	tc := FromContext(ctx)
	lc := baseLogger.With()
	if tc.TraceID != "" {
		lc = lc.Str("trace_id", tc.TraceID)
	}
	if tc.RunID != "" {
		lc = lc.Str("run_id", tc.RunID)
	}
	if tc.SessionKey != "" {
		lc = lc.Str("session_key", tc.SessionKey)
	}
	if tc.ToolCallID != "" {
		lc = lc.Str("call_id", tc.ToolCallID)
	}
	return lc.Logger()
}
