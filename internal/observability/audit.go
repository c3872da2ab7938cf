package observability

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/harun/ranya-core/internal/tracing"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// AuditEvent is one line of the audit log.
type AuditEvent struct {
	// Type groups events: "tool" or "config".
	Type string
	// Actor is the session key or component that caused the event.
	Actor    string
	Action   string
	Status   string
	Metadata map[string]interface{}
}

// AuditLogger appends audit events as JSON lines. Until a file is attached
// events are dropped.
type AuditLogger struct {
	mu     sync.Mutex
	logger zerolog.Logger
	file   *os.File
}

var auditLog = &AuditLogger{logger: zerolog.Nop()}

// GetAuditLogger returns the process-wide audit logger.
func GetAuditLogger() *AuditLogger {
	return auditLog
}

// InitAuditLogger attaches the process-wide audit logger to path.
func InitAuditLogger(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create audit directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to open audit log: %w", err)
	}

	auditLog.mu.Lock()
	defer auditLog.mu.Unlock()
	if auditLog.file != nil {
		_ = auditLog.file.Close()
	}
	auditLog.file = file
	auditLog.logger = zerolog.New(file).With().Timestamp().Logger()
	return nil
}

// Record writes the event, tagged with the correlation IDs in ctx. When ctx
// carries a recording span the event is also added to it.
func (a *AuditLogger) Record(ctx context.Context, event AuditEvent) {
	tc := tracing.FromContext(ctx)
	traceID := tc.TraceID
	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		traceID = span.SpanContext().TraceID().String()
		span.AddEvent("audit."+event.Type, trace.WithAttributes(
			attribute.String("action", event.Action),
			attribute.String("status", event.Status),
		))
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	e := a.logger.Log().
		Str("type", event.Type).
		Str("action", event.Action).
		Str("status", event.Status)
	if event.Actor != "" {
		e = e.Str("actor", event.Actor)
	}
	if traceID != "" {
		e = e.Str("trace_id", traceID)
	}
	if tc.RunID != "" {
		e = e.Str("run_id", tc.RunID)
	}
	if len(event.Metadata) > 0 {
		e = e.Interface("metadata", event.Metadata)
	}
	e.Send()
}

// Close detaches the audit log file.
func (a *AuditLogger) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.logger = zerolog.Nop()
	if a.file == nil {
		return nil
	}
	err := a.file.Close()
	a.file = nil
	return err
}

// RecordToolAudit records the outcome of one tool call.
func RecordToolAudit(ctx context.Context, toolName, actor, status string, metadata map[string]interface{}) {
	auditLog.Record(ctx, AuditEvent{
		Type:     "tool",
		Actor:    actor,
		Action:   "execute:" + toolName,
		Status:   status,
		Metadata: metadata,
	})
}

// RecordConfigAudit records a configuration change applied at runtime.
func RecordConfigAudit(ctx context.Context, action, actor string, metadata map[string]interface{}) {
	auditLog.Record(ctx, AuditEvent{
		Type:     "config",
		Actor:    actor,
		Action:   action,
		Status:   "applied",
		Metadata: metadata,
	})
}
