package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	activeSessions prometheus.Gauge

	toolInvocationTotal    *prometheus.CounterVec
	toolInvocationDuration *prometheus.HistogramVec
	classifiedFailures     *prometheus.CounterVec

	resolutionTotal    *prometheus.CounterVec
	resolutionAttempts prometheus.Histogram

	turnTotal  *prometheus.CounterVec
	turnRounds prometheus.Histogram

	modelCallTotal    *prometheus.CounterVec
	modelCallDuration *prometheus.HistogramVec
	providerCooldown  *prometheus.GaugeVec

	taskTotal *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			activeSessions: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "mcpilot_active_sessions",
					Help: "Current active session count.",
				},
			),
			toolInvocationTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "mcpilot_tool_invocation_total",
					Help: "Total tool invocations by tool and classified status.",
				},
				[]string{"tool", "status"},
			),
			toolInvocationDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "mcpilot_tool_invocation_duration_seconds",
					Help:    "Tool invocation duration in seconds by tool.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"tool"},
			),
			classifiedFailures: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "mcpilot_classified_failures_total",
					Help: "Total classified tool failures by kind.",
				},
				[]string{"kind"},
			),
			resolutionTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "mcpilot_resolution_total",
					Help: "Total tool call resolutions by result (first_try, recovered, exhausted, canceled).",
				},
				[]string{"result"},
			),
			resolutionAttempts: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "mcpilot_resolution_attempts",
					Help:    "Attempts used per tool call resolution.",
					Buckets: []float64{1, 2, 3, 4, 5},
				},
			),
			turnTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "mcpilot_turn_total",
					Help: "Total orchestrator turns by status.",
				},
				[]string{"status"},
			),
			turnRounds: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "mcpilot_turn_rounds",
					Help:    "Model rounds per orchestrator turn.",
					Buckets: []float64{1, 2, 3, 5, 8, 10, 15},
				},
			),
			modelCallTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "mcpilot_model_call_total",
					Help: "Total model calls by provider and status.",
				},
				[]string{"provider", "status"},
			),
			modelCallDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "mcpilot_model_call_duration_seconds",
					Help:    "Model call duration in seconds by provider.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"provider"},
			),
			providerCooldown: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "mcpilot_provider_cooldown_active",
					Help: "Provider cooldown active state (1 active, 0 inactive).",
				},
				[]string{"profile"},
			),
			taskTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "mcpilot_task_total",
					Help: "Total planned tasks by final status.",
				},
				[]string{"status"},
			),
		}

		prometheus.MustRegister(
			m.activeSessions,
			m.toolInvocationTotal,
			m.toolInvocationDuration,
			m.classifiedFailures,
			m.resolutionTotal,
			m.resolutionAttempts,
			m.turnTotal,
			m.turnRounds,
			m.modelCallTotal,
			m.modelCallDuration,
			m.providerCooldown,
			m.taskTotal,
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

func AddActiveSessions(delta int) {
	m := getMetrics()
	m.activeSessions.Add(float64(delta))
}

// RecordToolInvocation records one external tool operation and its classified status.
func RecordToolInvocation(tool string, duration time.Duration, status string) {
	m := getMetrics()
	m.toolInvocationTotal.WithLabelValues(tool, status).Inc()
	m.toolInvocationDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

func RecordClassifiedFailure(kind string) {
	m := getMetrics()
	m.classifiedFailures.WithLabelValues(kind).Inc()
}

func RecordResolution(result string, attempts int) {
	m := getMetrics()
	m.resolutionTotal.WithLabelValues(result).Inc()
	m.resolutionAttempts.Observe(float64(attempts))
}

func RecordTurn(rounds int, success bool) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.turnTotal.WithLabelValues(status).Inc()
	m.turnRounds.Observe(float64(rounds))
}

func RecordModelCall(provider string, duration time.Duration, success bool) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.modelCallTotal.WithLabelValues(provider, status).Inc()
	m.modelCallDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

func SetProviderCooldown(profile string, active bool) {
	m := getMetrics()
	value := 0.0
	if active {
		value = 1.0
	}
	m.providerCooldown.WithLabelValues(profile).Set(value)
}

func RecordTask(status string) {
	m := getMetrics()
	m.taskTotal.WithLabelValues(status).Inc()
}
