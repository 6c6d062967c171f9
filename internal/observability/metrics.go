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
	queueRunning prometheus.Gauge
	enqueueTotal *prometheus.CounterVec
	dequeueTotal *prometheus.CounterVec
	taskDuration *prometheus.HistogramVec
	taskWait     *prometheus.HistogramVec

	toolExecutionTotal    *prometheus.CounterVec
	toolExecutionDuration *prometheus.HistogramVec
	toolErrorsTotal       *prometheus.CounterVec

	stepTotal    *prometheus.CounterVec
	stepDuration prometheus.Histogram

	agentRunTotal    *prometheus.CounterVec
	agentRunDuration *prometheus.HistogramVec
	agentErrorsTotal *prometheus.CounterVec
	providerCooldown *prometheus.GaugeVec

	sessionAppendDuration prometheus.Histogram
	activeSessions        prometheus.Gauge
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
					Name: "taskqueue_pending",
					Help: "Current number of pending tasks by kind.",
				},
				[]string{"kind"},
			),
			queueRunning: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "taskqueue_running",
					Help: "Current number of running tasks.",
				},
			),
			enqueueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "taskqueue_enqueue_total",
					Help: "Total enqueue operations by kind.",
				},
				[]string{"kind"},
			),
			dequeueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "taskqueue_completed_total",
					Help: "Total settled tasks by kind and status.",
				},
				[]string{"kind", "status"},
			),
			taskDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "taskqueue_task_duration_seconds",
					Help:    "Task execution duration in seconds by kind.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"kind"},
			),
			taskWait: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "taskqueue_task_wait_seconds",
					Help:    "Time between enqueue and dispatch in seconds by kind.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"kind"},
			),
			toolExecutionTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tool_execution_total",
					Help: "Total tool executions by tool and status.",
				},
				[]string{"tool", "status"},
			),
			toolExecutionDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "tool_execution_duration_seconds",
					Help:    "Tool execution duration in seconds by tool.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"tool"},
			),
			toolErrorsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tool_errors_total",
					Help: "Total tool execution errors by tool.",
				},
				[]string{"tool"},
			),
			stepTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "agent_step_total",
					Help: "Total agent steps by status.",
				},
				[]string{"status"},
			),
			stepDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "agent_step_duration_seconds",
					Help:    "Agent step duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			agentRunTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "agent_run_total",
					Help: "Total agent runs by provider and status.",
				},
				[]string{"provider", "status"},
			),
			agentRunDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "agent_run_duration_seconds",
					Help:    "Agent run duration in seconds by provider.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"provider"},
			),
			agentErrorsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "agent_errors_total",
					Help: "Total agent errors by provider.",
				},
				[]string{"provider"},
			),
			providerCooldown: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "provider_cooldown_active",
					Help: "Provider cooldown active state (1 active, 0 inactive).",
				},
				[]string{"provider"},
			),
			sessionAppendDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "session_append_duration_seconds",
					Help:    "Step history append duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			activeSessions: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "active_sessions",
					Help: "Number of sessions with stored step history.",
				},
			),
		}

		prometheus.MustRegister(
			m.queueSize,
			m.queueRunning,
			m.enqueueTotal,
			m.dequeueTotal,
			m.taskDuration,
			m.taskWait,
			m.toolExecutionTotal,
			m.toolExecutionDuration,
			m.toolErrorsTotal,
			m.stepTotal,
			m.stepDuration,
			m.agentRunTotal,
			m.agentRunDuration,
			m.agentErrorsTotal,
			m.providerCooldown,
			m.sessionAppendDuration,
			m.activeSessions,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

func RecordQueueEnqueue(kind string, pending int) {
	m := getMetrics()
	m.enqueueTotal.WithLabelValues(kind).Inc()
	m.queueSize.WithLabelValues(kind).Set(float64(pending))
}

func SetQueueSize(kind string, pending int) {
	m := getMetrics()
	m.queueSize.WithLabelValues(kind).Set(float64(pending))
}

func RecordQueueDispatch(kind string, wait time.Duration, running int) {
	m := getMetrics()
	m.taskWait.WithLabelValues(kind).Observe(wait.Seconds())
	m.queueRunning.Set(float64(running))
}

func RecordQueueCompletion(kind string, duration time.Duration, success bool, running int) {
	m := getMetrics()
	m.dequeueTotal.WithLabelValues(kind, statusLabel(success)).Inc()
	m.taskDuration.WithLabelValues(kind).Observe(duration.Seconds())
	m.queueRunning.Set(float64(running))
}

func RecordToolExecution(tool string, duration time.Duration, success bool) {
	m := getMetrics()
	m.toolExecutionTotal.WithLabelValues(tool, statusLabel(success)).Inc()
	m.toolExecutionDuration.WithLabelValues(tool).Observe(duration.Seconds())
	if !success {
		m.toolErrorsTotal.WithLabelValues(tool).Inc()
	}
}

func RecordStep(duration time.Duration, success bool) {
	m := getMetrics()
	m.stepTotal.WithLabelValues(statusLabel(success)).Inc()
	m.stepDuration.Observe(duration.Seconds())
}

func RecordAgentRun(provider string, duration time.Duration, success bool) {
	m := getMetrics()
	m.agentRunTotal.WithLabelValues(provider, statusLabel(success)).Inc()
	m.agentRunDuration.WithLabelValues(provider).Observe(duration.Seconds())
	if !success {
		m.agentErrorsTotal.WithLabelValues(provider).Inc()
	}
}

func SetProviderCooldown(provider string, active bool) {
	m := getMetrics()
	value := 0.0
	if active {
		value = 1.0
	}
	m.providerCooldown.WithLabelValues(provider).Set(value)
}

func RecordSessionAppend(duration time.Duration) {
	getMetrics().sessionAppendDuration.Observe(duration.Seconds())
}

func SetActiveSessions(count int) {
	getMetrics().activeSessions.Set(float64(count))
}
