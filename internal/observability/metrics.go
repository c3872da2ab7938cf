package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	queueSize    *prometheus.GaugeVec
	enqueueTotal *prometheus.CounterVec
	dequeueTotal *prometheus.CounterVec
	taskDuration *prometheus.HistogramVec

	requestTotal    *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	retryTotal      *prometheus.CounterVec
	tokensTotal     *prometheus.CounterVec

	toolExecutionTotal    *prometheus.CounterVec
	toolExecutionDuration *prometheus.HistogramVec
	toolsInFlight         prometheus.Gauge

	agentRunTotal    *prometheus.CounterVec
	agentRunDuration prometheus.Histogram
	agentTurns       prometheus.Histogram
	activeRuns       prometheus.Gauge

	sessionIODuration *prometheus.HistogramVec
	storedSessions    prometheus.Gauge
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			queueSize: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "ranya_core_queue_size",
					Help: "Current queue size by lane.",
				},
				[]string{"lane"},
			),
			enqueueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "ranya_core_enqueue_total",
					Help: "Total enqueue operations by lane.",
				},
				[]string{"lane"},
			),
			dequeueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "ranya_core_dequeue_total",
					Help: "Total task completions by lane and status.",
				},
				[]string{"lane", "status"},
			),
			taskDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "ranya_core_task_duration_seconds",
					Help:    "Task execution duration in seconds by lane.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"lane"},
			),
			requestTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "ranya_core_provider_requests_total",
					Help: "Total provider requests by provider and model.",
				},
				[]string{"provider", "model"},
			),
			requestDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "ranya_core_provider_response_seconds",
					Help:    "Provider response duration in seconds.",
					Buckets: []float64{0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
				},
				[]string{"provider", "model"},
			),
			retryTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "ranya_core_provider_retries_total",
					Help: "Total scheduled provider retries by provider.",
				},
				[]string{"provider"},
			),
			tokensTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "ranya_core_tokens_total",
					Help: "Total tokens by provider and kind (input, output, cache_write, cache_read).",
				},
				[]string{"provider", "kind"},
			),
			toolExecutionTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "ranya_core_tool_execution_total",
					Help: "Total tool executions by tool and outcome.",
				},
				[]string{"tool", "outcome"},
			),
			toolExecutionDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "ranya_core_tool_execution_duration_seconds",
					Help:    "Tool execution duration in seconds by tool.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"tool"},
			),
			toolsInFlight: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "ranya_core_tools_in_flight",
					Help: "Tool executions currently running.",
				},
			),
			agentRunTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "ranya_core_agent_run_total",
					Help: "Total agent runs by stop reason.",
				},
				[]string{"stop_reason"},
			),
			agentRunDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "ranya_core_agent_run_duration_seconds",
					Help:    "Agent run duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			agentTurns: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "ranya_core_agent_turns",
					Help:    "Turns taken per agent run.",
					Buckets: []float64{1, 2, 3, 5, 8, 13, 21, 34, 55},
				},
			),
			activeRuns: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "ranya_core_active_runs",
					Help: "Agent runs currently executing.",
				},
			),
			sessionIODuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "ranya_core_session_io_duration_seconds",
					Help:    "Transcript load and append duration in seconds.",
					Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
				},
				[]string{"op"},
			),
			storedSessions: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "ranya_core_stored_sessions",
					Help: "Session transcripts on disk.",
				},
			),
		}

		prometheus.MustRegister(
			m.queueSize,
			m.enqueueTotal,
			m.dequeueTotal,
			m.taskDuration,
			m.requestTotal,
			m.requestDuration,
			m.retryTotal,
			m.tokensTotal,
			m.toolExecutionTotal,
			m.toolExecutionDuration,
			m.toolsInFlight,
			m.agentRunTotal,
			m.agentRunDuration,
			m.agentTurns,
			m.activeRuns,
			m.sessionIODuration,
			m.storedSessions,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

// MetricsHandler serves the default prometheus registry.
func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func RecordQueueEnqueue(lane string, queueSize int) {
	m := getMetrics()
	m.enqueueTotal.WithLabelValues(lane).Inc()
	m.queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

func SetQueueSize(lane string, queueSize int) {
	m := getMetrics()
	m.queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

func RecordQueueCompletion(lane string, duration time.Duration, success bool, queueSize int) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.dequeueTotal.WithLabelValues(lane, status).Inc()
	m.taskDuration.WithLabelValues(lane).Observe(duration.Seconds())
	m.queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

// RecordAgentRun records a finished loop run.
func RecordAgentRun(stopReason string, turns int, duration time.Duration) {
	m := getMetrics()
	m.agentRunTotal.WithLabelValues(stopReason).Inc()
	m.agentRunDuration.Observe(duration.Seconds())
	m.agentTurns.Observe(float64(turns))
}

// SetActiveRuns reports the number of runs currently executing.
func SetActiveRuns(count int) {
	getMetrics().activeRuns.Set(float64(count))
}

// RecordSessionIO records a transcript load or append.
func RecordSessionIO(op string, duration time.Duration) {
	getMetrics().sessionIODuration.WithLabelValues(op).Observe(duration.Seconds())
}

// SetStoredSessions reports the number of transcripts on disk.
func SetStoredSessions(count int) {
	getMetrics().storedSessions.Set(float64(count))
}
