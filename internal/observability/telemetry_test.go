package observability

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/harun/ranya-core/internal/tracing"
	"github.com/harun/ranya-core/pkg/llm"
	"github.com/harun/ranya-core/pkg/telemetry"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTelemetryRecordsMetrics(t *testing.T) {
	sink := NewTelemetry("session-1")
	m := getMetrics()

	requests := testutil.ToFloat64(m.requestTotal.WithLabelValues("anthropic", "claude-test"))
	retries := testutil.ToFloat64(m.retryTotal.WithLabelValues("anthropic"))
	cacheRead := testutil.ToFloat64(m.tokensTotal.WithLabelValues("anthropic", "cache_read"))
	denied := testutil.ToFloat64(m.toolExecutionTotal.WithLabelValues("Write", string(llm.OutputDenied)))

	sink.RequestStarted("anthropic", "claude-test", 0)
	sink.RetryScheduled("anthropic", 1, time.Second, errors.New("overloaded"))
	sink.ResponseReceived("anthropic", "claude-test", llm.Usage{InputTokens: 10, OutputTokens: 4, CacheReadTokens: 7}, time.Second)
	sink.ToolStarted("Write")
	sink.ToolFinished("Write", llm.OutputDenied, time.Millisecond)

	assert.Equal(t, requests+1, testutil.ToFloat64(m.requestTotal.WithLabelValues("anthropic", "claude-test")))
	assert.Equal(t, retries+1, testutil.ToFloat64(m.retryTotal.WithLabelValues("anthropic")))
	assert.Equal(t, cacheRead+7, testutil.ToFloat64(m.tokensTotal.WithLabelValues("anthropic", "cache_read")))
	assert.Equal(t, denied+1, testutil.ToFloat64(m.toolExecutionTotal.WithLabelValues("Write", string(llm.OutputDenied))))
}

func TestTelemetryIsSafeSink(t *testing.T) {
	var sink telemetry.Sink = telemetry.Safe(NewTelemetry(""))
	assert.NotPanics(t, func() {
		sink.ToolStarted("Read")
		sink.ToolFinished("Read", llm.OutputText, time.Millisecond)
	})
}

func TestMetricsHandler(t *testing.T) {
	RecordAgentRun("completed", 3, 2*time.Second)
	RecordQueueEnqueue("session-x", 1)

	srv := httptest.NewServer(MetricsHandler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "ranya_core_agent_run_total")
	assert.Contains(t, string(body), `ranya_core_queue_size{lane="session-x"}`)
}

func TestAuditLoggerWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	require.NoError(t, InitAuditLogger(path))
	defer func() { _ = GetAuditLogger().Close() }()

	RecordToolAudit(context.Background(), "Bash", "session-1", "execution-denied", map[string]interface{}{"reason": "dangerous"})
	RecordConfigAudit(context.Background(), "permission_mode", "config-watcher", map[string]interface{}{"mode": "auto"})

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(content)), "\n")
	require.Len(t, lines, 2)

	var event map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &event))
	assert.Equal(t, "tool", event["type"])
	assert.Equal(t, "execute:Bash", event["action"])
	assert.Equal(t, "execution-denied", event["status"])
	assert.Equal(t, "session-1", event["actor"])
}

func TestAuditLoggerAddsCorrelationIDs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "audit.log")
	require.NoError(t, InitAuditLogger(path))
	defer func() { _ = GetAuditLogger().Close() }()

	ctx := tracing.WithRunID(tracing.WithTraceID(context.Background(), "trace-9"), "run-9")
	RecordConfigAudit(ctx, "permission_mode", "config_watcher", nil)

	content, err := os.ReadFile(path)
	require.NoError(t, err)

	var event map[string]any
	require.NoError(t, json.Unmarshal(content, &event))
	assert.Equal(t, "config", event["type"])
	assert.Equal(t, "applied", event["status"])
	assert.Equal(t, "trace-9", event["trace_id"])
	assert.Equal(t, "run-9", event["run_id"])
	assert.NotContains(t, event, "metadata")
}
