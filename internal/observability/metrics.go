package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector holds all Prometheus metrics for the orchestrator.
// Uses a custom registry — no global state.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Session lifecycle metrics.
	SessionsCreatedTotal   *prometheus.CounterVec
	SessionsDestroyedTotal *prometheus.CounterVec
	SessionStartDuration   *prometheus.HistogramVec

	// Sandbox process metrics.
	SandboxStartsTotal     *prometheus.CounterVec
	SandboxCommandsTotal   *prometheus.CounterVec
	SandboxCommandDuration *prometheus.HistogramVec

	// File store metrics.
	StoreOperationsTotal  *prometheus.CounterVec
	StoreOperationRetries *prometheus.CounterVec

	// Plugin metrics.
	PluginActivationsTotal *prometheus.CounterVec

	// HTTP gateway metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// System metrics.
	ActiveSessions prometheus.Gauge
	ActiveRequests prometheus.Gauge
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		SessionsCreatedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "openhands",
			Subsystem: "session",
			Name:      "created_total",
			Help:      "Total sessions created.",
		}, []string{"runtime", "status"}),

		SessionsDestroyedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "openhands",
			Subsystem: "session",
			Name:      "destroyed_total",
			Help:      "Total sessions destroyed.",
		}, []string{"reason"}),

		SessionStartDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "openhands",
			Subsystem: "session",
			Name:      "start_duration_seconds",
			Help:      "Time from create request to a running sandbox.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"runtime"}),

		SandboxStartsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "openhands",
			Subsystem: "sandbox",
			Name:      "starts_total",
			Help:      "Total sandbox process launches.",
		}, []string{"runtime", "status"}),

		SandboxCommandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "openhands",
			Subsystem: "sandbox",
			Name:      "commands_total",
			Help:      "Total commands executed inside sandboxes.",
		}, []string{"runtime", "status"}),

		SandboxCommandDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "openhands",
			Subsystem: "sandbox",
			Name:      "command_duration_seconds",
			Help:      "Sandbox command duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		}, []string{"runtime"}),

		StoreOperationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "openhands",
			Subsystem: "store",
			Name:      "operations_total",
			Help:      "Total file store operations.",
		}, []string{"backend", "op", "status"}),

		StoreOperationRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "openhands",
			Subsystem: "store",
			Name:      "operation_retries_total",
			Help:      "Total file store operation retries.",
		}, []string{"backend", "op"}),

		PluginActivationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "openhands",
			Subsystem: "plugin",
			Name:      "activations_total",
			Help:      "Total plugin activations.",
		}, []string{"plugin", "status"}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "openhands",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "openhands",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "openhands",
			Name:      "active_sessions",
			Help:      "Number of sessions with a live sandbox.",
		}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "openhands",
			Name:      "active_requests",
			Help:      "Number of HTTP requests currently in flight.",
		}),
	}

	// Register all collectors.
	reg.MustRegister(
		m.SessionsCreatedTotal,
		m.SessionsDestroyedTotal,
		m.SessionStartDuration,
		m.SandboxStartsTotal,
		m.SandboxCommandsTotal,
		m.SandboxCommandDuration,
		m.StoreOperationsTotal,
		m.StoreOperationRetries,
		m.PluginActivationsTotal,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ActiveSessions,
		m.ActiveRequests,
	)

	return m
}
