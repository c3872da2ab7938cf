package observability

import (
	"context"
	"time"

	"github.com/harun/ranya-core/pkg/llm"
	"github.com/harun/ranya-core/pkg/telemetry"
)

// Telemetry feeds agent notifications into prometheus and the audit log.
type Telemetry struct {
	// Actor is written to audit events, usually the session key.
	Actor string
}

var _ telemetry.Sink = (*Telemetry)(nil)

// NewTelemetry creates a sink and registers the metrics it writes.
func NewTelemetry(actor string) *Telemetry {
	EnsureRegistered()
	return &Telemetry{Actor: actor}
}

func (t *Telemetry) RequestStarted(provider, model string, turn int) {
	getMetrics().requestTotal.WithLabelValues(provider, model).Inc()
}

func (t *Telemetry) ResponseReceived(provider, model string, usage llm.Usage, duration time.Duration) {
	m := getMetrics()
	m.requestDuration.WithLabelValues(provider, model).Observe(duration.Seconds())
	m.tokensTotal.WithLabelValues(provider, "input").Add(float64(usage.InputTokens))
	m.tokensTotal.WithLabelValues(provider, "output").Add(float64(usage.OutputTokens))
	m.tokensTotal.WithLabelValues(provider, "cache_write").Add(float64(usage.CacheWriteTokens))
	m.tokensTotal.WithLabelValues(provider, "cache_read").Add(float64(usage.CacheReadTokens))
}

func (t *Telemetry) RetryScheduled(provider string, attempt int, delay time.Duration, err error) {
	getMetrics().retryTotal.WithLabelValues(provider).Inc()
}

func (t *Telemetry) ToolStarted(tool string) {
	getMetrics().toolsInFlight.Inc()
}

func (t *Telemetry) ToolFinished(tool string, outcome llm.OutputKind, duration time.Duration) {
	m := getMetrics()
	m.toolsInFlight.Dec()
	m.toolExecutionTotal.WithLabelValues(tool, string(outcome)).Inc()
	m.toolExecutionDuration.WithLabelValues(tool).Observe(duration.Seconds())

	RecordToolAudit(context.Background(), tool, t.Actor, string(outcome), map[string]interface{}{
		"duration_ms": duration.Milliseconds(),
	})
}
