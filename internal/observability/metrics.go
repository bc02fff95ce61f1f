package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// MetricsCollector holds the process-wide Prometheus metrics for scratchd.
// Uses a custom registry, no global state. Scheduler metrics register on the
// same Registry.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Sandbox metrics.
	SandboxRunsTotal   *prometheus.CounterVec
	SandboxRunDuration *prometheus.HistogramVec
	SandboxActive      prometheus.Gauge

	// Reference store metrics.
	ReferenceOpsTotal *prometheus.CounterVec

	// HTTP gateway metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	RateLimitedTotal    prometheus.Counter

	// System metrics.
	ActiveRequests prometheus.Gauge
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		SandboxRunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scratchd",
			Subsystem: "sandbox",
			Name:      "runs_total",
			Help:      "Total sandboxed compiler runs, by backend and outcome.",
		}, []string{"type", "outcome"}),

		SandboxRunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "scratchd",
			Subsystem: "sandbox",
			Name:      "run_duration_seconds",
			Help:      "Sandboxed compiler run duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		}, []string{"type", "family"}),

		SandboxActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "scratchd",
			Subsystem: "sandbox",
			Name:      "active",
			Help:      "Sandboxes currently running.",
		}),

		ReferenceOpsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scratchd",
			Subsystem: "references",
			Name:      "operations_total",
			Help:      "Total reference store operations.",
		}, []string{"op", "status"}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scratchd",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "scratchd",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		RateLimitedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "scratchd",
			Subsystem: "http",
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the rate limiter.",
		}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "scratchd",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),
	}

	reg.MustRegister(
		m.SandboxRunsTotal,
		m.SandboxRunDuration,
		m.SandboxActive,
		m.ReferenceOpsTotal,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.RateLimitedTotal,
		m.ActiveRequests,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}
