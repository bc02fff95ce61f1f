package scheduler

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the job queue.
type Metrics struct {
	JobsSubmitted prometheus.Counter
	JobsRejected  *prometheus.CounterVec
	JobsFinished  *prometheus.CounterVec
	JobsRunning   prometheus.Gauge
	QueueDepth    prometheus.Gauge
	QueueWait     prometheus.Histogram
	JobDuration   prometheus.Histogram
	DiffDuration  prometheus.Histogram
	DiffErrors    prometheus.Counter
	SweptJobs     prometheus.Counter
}

// NewMetrics creates and registers scheduler metrics.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		JobsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "scratchd",
			Subsystem: "scheduler",
			Name:      "jobs_submitted_total",
			Help:      "Total compile jobs accepted into the queue.",
		}),
		JobsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scratchd",
			Subsystem: "scheduler",
			Name:      "jobs_rejected_total",
			Help:      "Total submissions rejected before queueing.",
		}, []string{"reason"}),
		JobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scratchd",
			Subsystem: "scheduler",
			Name:      "jobs_finished_total",
			Help:      "Total compile jobs finished, by outcome.",
		}, []string{"outcome"}),
		JobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "scratchd",
			Subsystem: "scheduler",
			Name:      "jobs_running",
			Help:      "Compile jobs currently holding a slot.",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "scratchd",
			Subsystem: "scheduler",
			Name:      "queue_depth",
			Help:      "Compile jobs waiting for a slot.",
		}),
		QueueWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "scratchd",
			Subsystem: "scheduler",
			Name:      "queue_wait_seconds",
			Help:      "Time between submission and start.",
			Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 10, 30, 60},
		}),
		JobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "scratchd",
			Subsystem: "scheduler",
			Name:      "job_duration_seconds",
			Help:      "Wall-clock duration of a compile job, diff included.",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}),
		DiffDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "scratchd",
			Subsystem: "scheduler",
			Name:      "diff_duration_seconds",
			Help:      "Duration of reference diffs.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),
		DiffErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "scratchd",
			Subsystem: "scheduler",
			Name:      "diff_errors_total",
			Help:      "Reference diffs that could not be computed.",
		}),
		SweptJobs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "scratchd",
			Subsystem: "maintenance",
			Name:      "swept_workspaces_total",
			Help:      "Orphaned job workspaces removed by maintenance.",
		}),
	}

	reg.MustRegister(
		m.JobsSubmitted,
		m.JobsRejected,
		m.JobsFinished,
		m.JobsRunning,
		m.QueueDepth,
		m.QueueWait,
		m.JobDuration,
		m.DiffDuration,
		m.DiffErrors,
		m.SweptJobs,
	)

	return m
}
