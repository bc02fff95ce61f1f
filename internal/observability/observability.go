// Package observability holds scratchd's Prometheus metrics, OpenTelemetry
// tracing, readiness probes and failure-rate detection.
//
// Metrics, tracing and anomaly detection are optional. The Wrap helpers
// return their argument unchanged when nothing would observe it.
package observability

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jkaninda/scratchd/internal/config"
	"github.com/jkaninda/scratchd/internal/refstore"
	"github.com/jkaninda/scratchd/internal/sandbox"
	"github.com/jkaninda/scratchd/internal/scheduler"
)

// Observability bundles the enabled components. Metrics, Tracer and Anomaly
// are nil when disabled; Health is always set because /readyz is always served.
type Observability struct {
	Metrics *MetricsCollector
	Tracer  *TracerSetup
	Anomaly *AnomalyDetector
	Health  *HealthChecker
}

// New builds the components enabled in cfg. A nil cfg yields only the
// health checker.
func New(cfg *config.ObservabilityConfig, logger *slog.Logger) (*Observability, error) {
	obs := &Observability{Health: NewHealthChecker(logger)}
	if cfg == nil {
		return obs, nil
	}
	if cfg.Metrics != nil && cfg.Metrics.Enabled {
		obs.Metrics = NewMetricsCollector()
	}
	if cfg.Tracing != nil && cfg.Tracing.Enabled {
		ts, err := NewTracerSetup(cfg.Tracing)
		if err != nil {
			return nil, fmt.Errorf("initializing tracing: %w", err)
		}
		obs.Tracer = ts
	}
	if cfg.Anomaly != nil && cfg.Anomaly.Enabled {
		obs.Anomaly = NewAnomalyDetector(cfg.Anomaly, logger)
	}
	return obs, nil
}

// LogAttrs describes which components are on.
func (o *Observability) LogAttrs() []any {
	if o == nil {
		return nil
	}
	return []any{
		slog.Bool("metrics", o.Metrics != nil),
		slog.Bool("tracing", o.Tracer != nil),
		slog.Bool("anomaly", o.Anomaly != nil),
	}
}

// WrapSandbox instruments sandbox runs for metrics, spans and violation
// counting.
func (o *Observability) WrapSandbox(s sandbox.Sandbox) sandbox.Sandbox {
	if o == nil || (o.Metrics == nil && o.Tracer == nil && o.Anomaly == nil) {
		return s
	}
	return NewInstrumentedSandbox(s, o.Metrics, o.Tracer, o.Anomaly)
}

// WrapCompiler adds a span around each job.
func (o *Observability) WrapCompiler(c scheduler.Compiler) scheduler.Compiler {
	if o == nil || o.Tracer == nil {
		return c
	}
	return NewInstrumentedCompiler(c, o.Tracer)
}

// WrapReferences instruments reference store reads and writes.
func (o *Observability) WrapReferences(s refstore.Store) refstore.Store {
	if o == nil || (o.Metrics == nil && o.Tracer == nil) {
		return s
	}
	return NewInstrumentedReferenceStore(s, o.Metrics, o.Tracer)
}

// SchedulerOptions exports queue metrics and trace context to the scheduler.
func (o *Observability) SchedulerOptions() []scheduler.Option {
	if o == nil {
		return nil
	}
	var opts []scheduler.Option
	if o.Metrics != nil {
		opts = append(opts, scheduler.WithMetrics(scheduler.NewMetrics(o.Metrics.Registry)))
	}
	if o.Tracer != nil {
		opts = append(opts, scheduler.WithTracer(o.Tracer.Tracer()))
	}
	return opts
}

// Shutdown flushes pending spans.
func (o *Observability) Shutdown(ctx context.Context) error {
	if o == nil || o.Tracer == nil {
		return nil
	}
	return o.Tracer.Shutdown(ctx)
}
