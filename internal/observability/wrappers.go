package observability

import (
	"context"
	"errors"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/scratchd/internal/domain"
	"github.com/jkaninda/scratchd/internal/refstore"
	"github.com/jkaninda/scratchd/internal/runner"
	"github.com/jkaninda/scratchd/internal/sandbox"
	"github.com/jkaninda/scratchd/internal/scheduler"
)

// --- InstrumentedSandbox ---

// InstrumentedSandbox wraps a sandbox.Sandbox with metrics, tracing, and anomaly detection.
type InstrumentedSandbox struct {
	inner   sandbox.Sandbox
	metrics *MetricsCollector
	tracer  trace.Tracer
	anomaly *AnomalyDetector
}

// NewInstrumentedSandbox wraps a sandbox with observability.
func NewInstrumentedSandbox(inner sandbox.Sandbox, metrics *MetricsCollector, ts *TracerSetup, anomaly *AnomalyDetector) *InstrumentedSandbox {
	return &InstrumentedSandbox{
		inner:   inner,
		metrics: metrics,
		tracer:  tracerOf(ts),
		anomaly: anomaly,
	}
}

func (s *InstrumentedSandbox) Name() string { return s.inner.Name() }

func (s *InstrumentedSandbox) Run(ctx context.Context, req sandbox.Request) (*sandbox.Result, error) {
	backend := s.inner.Name()
	family := req.Profile.Family()

	if s.tracer != nil {
		var span trace.Span
		ctx, span = s.tracer.Start(ctx, "sandbox.run",
			trace.WithAttributes(
				attribute.String("sandbox.type", backend),
				attribute.String("sandbox.family", family),
			))
		defer span.End()
	}
	if s.metrics != nil {
		s.metrics.SandboxActive.Inc()
		defer s.metrics.SandboxActive.Dec()
	}

	start := time.Now()
	result, err := s.inner.Run(ctx, req)
	duration := time.Since(start).Seconds()

	outcome := "error"
	switch {
	case err != nil:
		if s.tracer != nil {
			failSpan(ctx, err)
		}
		s.anomaly.RecordFailure(backend + "/" + family)
	case result != nil:
		outcome = string(result.Outcome)
		if s.tracer != nil {
			span := trace.SpanFromContext(ctx)
			span.SetAttributes(
				attribute.String("sandbox.outcome", outcome),
				attribute.Int("sandbox.exit_code", result.ExitCode),
			)
			if result.Outcome == domain.OutcomeSandboxViolation {
				failSpan(ctx, errors.New("sandbox violation"), attribute.String("sandbox.signal", result.Signal))
			}
		}
		s.anomaly.RecordOutcome(backend+"/"+family, result.Outcome)
	}

	if s.metrics != nil {
		s.metrics.SandboxRunsTotal.WithLabelValues(backend, outcome).Inc()
		s.metrics.SandboxRunDuration.WithLabelValues(backend, family).Observe(duration)
	}

	return result, err
}

// --- InstrumentedCompiler ---

// InstrumentedCompiler wraps a scheduler.Compiler with a span per job, so
// the sandbox run and the diff become children of one trace.
type InstrumentedCompiler struct {
	inner  scheduler.Compiler
	tracer trace.Tracer
}

// NewInstrumentedCompiler returns inner unchanged when tracing is off.
func NewInstrumentedCompiler(inner scheduler.Compiler, ts *TracerSetup) scheduler.Compiler {
	if ts == nil {
		return inner
	}
	return &InstrumentedCompiler{inner: inner, tracer: ts.Tracer()}
}

func (c *InstrumentedCompiler) Compile(ctx context.Context, jobID string, req domain.CompileRequest, observe runner.Observer) domain.CompileResult {
	ctx, span := c.tracer.Start(ctx, "job.compile",
		trace.WithAttributes(
			attribute.String("job.id", jobID),
			attribute.String("job.arch", req.Arch),
			attribute.String("job.compiler", req.Compiler),
			attribute.String("job.version", req.Version),
		))
	defer span.End()

	result := c.inner.Compile(ctx, jobID, req, observe)
	span.SetAttributes(
		attribute.String("job.outcome", string(result.Outcome)),
		attribute.Int("job.artifact_bytes", len(result.Artifact)),
	)
	if result.Error != "" {
		failSpan(ctx, errors.New(result.Error))
	}
	return result
}

// --- InstrumentedReferenceStore ---

// InstrumentedReferenceStore wraps a refstore.Store with operation counters.
type InstrumentedReferenceStore struct {
	inner   refstore.Store
	metrics *MetricsCollector
	tracer  trace.Tracer
}

// NewInstrumentedReferenceStore wraps a reference store with observability.
func NewInstrumentedReferenceStore(inner refstore.Store, metrics *MetricsCollector, ts *TracerSetup) *InstrumentedReferenceStore {
	return &InstrumentedReferenceStore{inner: inner, metrics: metrics, tracer: tracerOf(ts)}
}

func (s *InstrumentedReferenceStore) Put(ctx context.Context, data []byte) (string, error) {
	ctx, end := s.start(ctx, "put", attribute.Int("reference.bytes", len(data)))
	id, err := s.inner.Put(ctx, data)
	end(err)
	return id, err
}

func (s *InstrumentedReferenceStore) Get(ctx context.Context, id string) ([]byte, error) {
	ctx, end := s.start(ctx, "get", attribute.String("reference.id", id))
	data, err := s.inner.Get(ctx, id)
	end(err)
	return data, err
}

func (s *InstrumentedReferenceStore) Exists(ctx context.Context, id string) (bool, error) {
	ctx, end := s.start(ctx, "exists", attribute.String("reference.id", id))
	ok, err := s.inner.Exists(ctx, id)
	end(err)
	return ok, err
}

func (s *InstrumentedReferenceStore) Delete(ctx context.Context, id string) error {
	ctx, end := s.start(ctx, "delete", attribute.String("reference.id", id))
	err := s.inner.Delete(ctx, id)
	end(err)
	return err
}

func (s *InstrumentedReferenceStore) start(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	var span trace.Span
	if s.tracer != nil {
		ctx, span = s.tracer.Start(ctx, "references."+op, trace.WithAttributes(attrs...))
	}
	return ctx, func(err error) {
		status := "success"
		switch {
		case errors.Is(err, refstore.ErrNotFound):
			status = "not_found"
		case err != nil:
			status = "error"
			if span != nil {
				failSpan(ctx, err)
			}
		}
		if span != nil {
			span.End()
		}
		if s.metrics != nil {
			s.metrics.ReferenceOpsTotal.WithLabelValues(op, status).Inc()
		}
	}
}

// --- Compile-time interface checks ---

var (
	_ sandbox.Sandbox    = (*InstrumentedSandbox)(nil)
	_ scheduler.Compiler = (*InstrumentedCompiler)(nil)
	_ refstore.Store     = (*InstrumentedReferenceStore)(nil)
)

// statusCode returns the HTTP status code as a string for metric labels.
func statusCode(code int) string {
	return strconv.Itoa(code)
}
