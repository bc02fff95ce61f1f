package observability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/jkaninda/scratchd/internal/config"
	"github.com/jkaninda/scratchd/internal/domain"
	"github.com/jkaninda/scratchd/internal/refstore"
	"github.com/jkaninda/scratchd/internal/runner"
	"github.com/jkaninda/scratchd/internal/sandbox"
)

// --- Facade ---

func TestNew_NilConfig(t *testing.T) {
	obs, err := New(nil, nil)
	if err != nil {
		t.Fatalf("New(nil) error: %v", err)
	}
	if obs.Metrics != nil || obs.Tracer != nil || obs.Anomaly != nil {
		t.Error("optional components should be nil for nil config")
	}
	if obs.Health == nil {
		t.Error("health checker should always be created")
	}
}

func TestNew_MetricsEnabled(t *testing.T) {
	obs, err := New(&config.ObservabilityConfig{
		Metrics: &config.MetricsConfig{Enabled: true},
		Anomaly: &config.AnomalyConfig{Enabled: true},
	}, nil)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if obs.Metrics == nil {
		t.Error("metrics should be created when enabled")
	}
	if obs.Anomaly == nil {
		t.Error("anomaly detector should be created when enabled")
	}
	if obs.Tracer != nil {
		t.Error("tracer should be nil when not enabled")
	}
	if len(obs.SchedulerOptions()) != 1 {
		t.Errorf("SchedulerOptions = %d, want metrics only", len(obs.SchedulerOptions()))
	}
}

func TestObservability_ShutdownNil(t *testing.T) {
	var obs *Observability
	if err := obs.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
	if obs.SchedulerOptions() != nil || obs.LogAttrs() != nil {
		t.Error("nil Observability should contribute nothing")
	}
}

func TestTracerSetup_NilTracerIsNoop(t *testing.T) {
	var ts *TracerSetup
	_, span := ts.Tracer().Start(context.Background(), "x")
	span.End()
	if err := ts.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown on nil = %v", err)
	}
}

// --- MetricsCollector ---

func TestMetricsCollector_Registered(t *testing.T) {
	m := NewMetricsCollector()
	m.SandboxRunsTotal.WithLabelValues("process", "SUCCEEDED").Inc()
	m.HTTPRequestsTotal.WithLabelValues("GET", "/healthz", "200").Inc()
	m.ReferenceOpsTotal.WithLabelValues("get", "success").Inc()

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("gather error: %v", err)
	}
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, expected := range []string{
		"scratchd_sandbox_runs_total",
		"scratchd_http_requests_total",
		"scratchd_references_operations_total",
		"scratchd_active_requests",
		"go_goroutines",
	} {
		if !names[expected] {
			t.Errorf("metric %q not found in registry", expected)
		}
	}
}

// --- HealthChecker ---

func TestHealthChecker_NoProbes(t *testing.T) {
	h := NewHealthChecker(nil)
	r := h.CheckReady(context.Background())
	if r.Status != StatusReady || !r.Serving() {
		t.Errorf("status = %q, want ready", r.Status)
	}
	if r.Uptime == "" {
		t.Error("uptime not reported")
	}
}

func TestHealthChecker_RequiredFails(t *testing.T) {
	h := NewHealthChecker(nil)
	h.AddProbe(Probe{Name: "toolchains", Check: func(ctx context.Context) error { return errors.New("root missing") }})
	h.AddProbe(Probe{Name: "database", Optional: true, Check: func(ctx context.Context) error { return nil }})

	r := h.CheckReady(context.Background())
	if r.Status != StatusUnavailable || r.Serving() {
		t.Errorf("status = %q, want unavailable", r.Status)
	}
	if p := r.Probes["toolchains"]; p.OK || p.Error == "" {
		t.Errorf("toolchains probe = %+v, want failure with error", p)
	}
	if !r.Probes["database"].OK {
		t.Errorf("database probe = %+v, want ok", r.Probes["database"])
	}
}

func TestHealthChecker_OptionalFailsDegrades(t *testing.T) {
	h := NewHealthChecker(nil)
	h.AddProbe(Probe{Name: "toolchains", Check: func(ctx context.Context) error { return nil }})
	h.AddProbe(Probe{Name: "database", Optional: true, Check: func(ctx context.Context) error { return errors.New("connection refused") }})

	r := h.CheckReady(context.Background())
	if r.Status != StatusDegraded || !r.Serving() {
		t.Errorf("status = %q, want degraded", r.Status)
	}
	if !r.Probes["database"].Optional {
		t.Error("optional flag not reported")
	}
}

func TestHealthChecker_ProbesRunConcurrently(t *testing.T) {
	h := NewHealthChecker(nil)
	release := make(chan struct{})
	var started sync.WaitGroup
	started.Add(2)
	for _, name := range []string{"a", "b"} {
		h.AddProbe(Probe{Name: name, Check: func(ctx context.Context) error {
			started.Done()
			select {
			case <-release:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}})
	}
	go func() {
		started.Wait()
		close(release)
	}()
	if r := h.CheckReady(context.Background()); r.Status != StatusReady {
		t.Errorf("status = %q, probes = %+v", r.Status, r.Probes)
	}
}

func TestHealthChecker_AddProbeReplaces(t *testing.T) {
	h := NewHealthChecker(nil)
	h.AddProbe(Probe{Name: "database", Check: func(ctx context.Context) error { return errors.New("down") }})
	h.AddProbe(Probe{Name: "database", Check: func(ctx context.Context) error { return nil }})
	r := h.CheckReady(context.Background())
	if len(r.Probes) != 1 || r.Status != StatusReady {
		t.Errorf("readiness = %+v", r)
	}
}

// --- AnomalyDetector ---

func TestAnomalyDetector_NilSafe(t *testing.T) {
	var a *AnomalyDetector
	a.RecordOutcome("process/gcc", domain.OutcomeInternalError)
	a.RecordFailure("process/gcc")
}

func TestAnomalyDetector_Counts(t *testing.T) {
	a := NewAnomalyDetector(&config.AnomalyConfig{Enabled: true, ErrorRateThreshold: 0.5, WindowSeconds: 60}, nil)
	for range 4 {
		a.RecordOutcome("process/gcc", domain.OutcomeSucceeded)
	}
	a.RecordOutcome("process/gcc", domain.OutcomeCompileError)
	for range 3 {
		a.RecordFailure("process/gcc")
	}
	a.RecordOutcome("process/gcc", domain.OutcomeSandboxViolation)

	a.mu.Lock()
	defer a.mu.Unlock()
	now := a.now()
	if got := a.failures["process/gcc"].sum(now); got != 3 {
		t.Errorf("failures = %v, want 3", got)
	}
	if got := a.successes["process/gcc"].sum(now); got != 6 {
		t.Errorf("successes = %v, want 6", got)
	}
	if got := a.violations["process/gcc"].sum(now); got != 1 {
		t.Errorf("violations = %v, want 1", got)
	}
}

func TestAnomalyDetector_WindowExpires(t *testing.T) {
	a := NewAnomalyDetector(&config.AnomalyConfig{Enabled: true, WindowSeconds: 60}, nil)
	base := time.Now()
	a.now = func() time.Time { return base }
	a.RecordFailure("docker/ido")

	a.now = func() time.Time { return base.Add(2 * time.Minute) }
	a.mu.Lock()
	defer a.mu.Unlock()
	if got := a.failures["docker/ido"].sum(a.now()); got != 0 {
		t.Errorf("failures after window = %v, want 0", got)
	}
}

func TestAnomalyDetector_OnAnomalyOncePerWindow(t *testing.T) {
	a := NewAnomalyDetector(&config.AnomalyConfig{Enabled: true, ViolationThreshold: 2, WindowSeconds: 60}, nil)
	base := time.Now()
	a.now = func() time.Time { return base }
	fired := make(chan Anomaly, 4)
	a.OnAnomaly(func(an Anomaly) { fired <- an })

	for range 4 {
		a.RecordOutcome("docker/mwcc", domain.OutcomeSandboxViolation)
	}
	select {
	case an := <-fired:
		if an.Kind != AnomalyViolations || an.Key != "docker/mwcc" || an.Value != 2 {
			t.Errorf("anomaly = %+v", an)
		}
	case <-time.After(time.Second):
		t.Fatal("hook not called")
	}
	select {
	case an := <-fired:
		t.Fatalf("second alert inside the window: %+v", an)
	case <-time.After(50 * time.Millisecond):
	}

	a.now = func() time.Time { return base.Add(2 * time.Minute) }
	for range 2 {
		a.RecordOutcome("docker/mwcc", domain.OutcomeSandboxViolation)
	}
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("hook not called after the window passed")
	}
}

// --- InstrumentedSandbox ---

type mockSandbox struct {
	result *sandbox.Result
	err    error
}

func (m *mockSandbox) Name() string { return "process" }
func (m *mockSandbox) Run(ctx context.Context, req sandbox.Request) (*sandbox.Result, error) {
	return m.result, m.err
}

func TestWrapSandbox(t *testing.T) {
	inner := &mockSandbox{}
	off, _ := New(nil, nil)
	if got := off.WrapSandbox(inner); got != sandbox.Sandbox(inner) {
		t.Error("disabled observability should not wrap")
	}
	on, _ := New(&config.ObservabilityConfig{Metrics: &config.MetricsConfig{Enabled: true}}, nil)
	if _, ok := on.WrapSandbox(inner).(*InstrumentedSandbox); !ok {
		t.Error("metrics enabled should wrap the sandbox")
	}
}

func TestInstrumentedSandbox_Outcome(t *testing.T) {
	metrics := NewMetricsCollector()
	inner := &mockSandbox{result: &sandbox.Result{Outcome: domain.OutcomeSucceeded}}

	s := NewInstrumentedSandbox(inner, metrics, nil, nil)
	if s.Name() != "process" {
		t.Errorf("Name = %q", s.Name())
	}
	res, err := s.Run(context.Background(), sandbox.Request{Command: []string{"cc"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Outcome != domain.OutcomeSucceeded {
		t.Errorf("outcome = %s", res.Outcome)
	}

	val := counterValue(t, metrics.Registry, "scratchd_sandbox_runs_total", prometheus.Labels{"type": "process", "outcome": "SUCCEEDED"})
	if val != 1 {
		t.Errorf("sandbox runs = %v, want 1", val)
	}
}

func TestInstrumentedSandbox_Error(t *testing.T) {
	metrics := NewMetricsCollector()
	s := NewInstrumentedSandbox(&mockSandbox{err: errors.New("clone failed")}, metrics, nil, nil)
	if _, err := s.Run(context.Background(), sandbox.Request{}); err == nil {
		t.Fatal("expected error to pass through")
	}
	val := counterValue(t, metrics.Registry, "scratchd_sandbox_runs_total", prometheus.Labels{"type": "process", "outcome": "error"})
	if val != 1 {
		t.Errorf("sandbox errors = %v, want 1", val)
	}
}

// --- InstrumentedCompiler ---

type stubCompiler struct{ calls int }

func (c *stubCompiler) Compile(ctx context.Context, jobID string, req domain.CompileRequest, observe runner.Observer) domain.CompileResult {
	c.calls++
	return domain.CompileResult{Outcome: domain.OutcomeSucceeded}
}

func TestInstrumentedCompiler_PassThroughWhenTracingOff(t *testing.T) {
	inner := &stubCompiler{}
	if got := NewInstrumentedCompiler(inner, nil); got != inner {
		t.Error("expected inner compiler when tracing is disabled")
	}
}

// --- InstrumentedReferenceStore ---

func TestInstrumentedReferenceStore(t *testing.T) {
	metrics := NewMetricsCollector()
	fs, err := refstore.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	s := NewInstrumentedReferenceStore(fs, metrics, nil)
	ctx := context.Background()

	id, err := s.Put(ctx, []byte("ref"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, err := s.Get(ctx, id); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if _, err := s.Get(ctx, refstore.IDFor([]byte("missing"))); !errors.Is(err, refstore.ErrNotFound) {
		t.Fatalf("Get missing = %v", err)
	}

	if got := counterValue(t, metrics.Registry, "scratchd_references_operations_total", prometheus.Labels{"op": "get", "status": "success"}); got != 1 {
		t.Errorf("get success = %v, want 1", got)
	}
	if got := counterValue(t, metrics.Registry, "scratchd_references_operations_total", prometheus.Labels{"op": "get", "status": "not_found"}); got != 1 {
		t.Errorf("get not_found = %v, want 1", got)
	}
}

// --- HTTP Middleware ---

func TestHTTPMetricsMiddleware(t *testing.T) {
	metrics := NewMetricsCollector()

	handler := HTTPMetricsMiddleware(metrics, nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))

	req := httptest.NewRequest("GET", "/v1/jobs/abc-123/watch", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Errorf("status = %d, want 202", rec.Code)
	}

	val := counterValue(t, metrics.Registry, "scratchd_http_requests_total", prometheus.Labels{"method": "GET", "path": "/v1/jobs/{id}/watch", "status_code": "202"})
	if val != 1 {
		t.Errorf("http requests = %v, want 1", val)
	}
}

func TestHTTPMetricsMiddleware_NilMetrics(t *testing.T) {
	handler := HTTPMetricsMiddleware(nil, nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/test", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestRouteLabel(t *testing.T) {
	tests := []struct{ in, want string }{
		{"/v1/jobs", "/v1/jobs"},
		{"/v1/jobs/", "/v1/jobs/"},
		{"/v1/jobs/123", "/v1/jobs/{id}"},
		{"/v1/jobs/123/cancel", "/v1/jobs/{id}/cancel"},
		{"/v1/compile", "/v1/compile"},
	}
	for _, tt := range tests {
		if got := routeLabel(tt.in); got != tt.want {
			t.Errorf("routeLabel(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

// --- Helpers ---

func labelMap(pairs []*dto.LabelPair) map[string]string {
	m := make(map[string]string)
	for _, p := range pairs {
		m[p.GetName()] = p.GetValue()
	}
	return m
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels prometheus.Labels) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather error: %v", err)
	}
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, metric := range f.GetMetric() {
			lm := labelMap(metric.GetLabel())
			match := true
			for k, v := range labels {
				if lm[k] != v {
					match = false
					break
				}
			}
			if match {
				return metric.GetCounter().GetValue()
			}
		}
	}
	return 0
}
