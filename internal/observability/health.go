package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// probeTimeout bounds each readiness probe independently.
const probeTimeout = 3 * time.Second

// Readiness states.
const (
	StatusReady       = "ready"
	StatusDegraded    = "degraded"
	StatusUnavailable = "unavailable"
)

// Probe is one dependency checked by /readyz. A failing optional probe
// degrades the node but leaves it accepting jobs.
type Probe struct {
	Name     string
	Optional bool
	Check    func(ctx context.Context) error
}

// ProbeResult is the outcome of a single probe.
type ProbeResult struct {
	OK        bool   `json:"ok"`
	Optional  bool   `json:"optional,omitempty"`
	Error     string `json:"error,omitempty"`
	LatencyMS int64  `json:"latency_ms"`
}

// Readiness is the body served by /readyz.
type Readiness struct {
	Status string                 `json:"status"`
	Uptime string                 `json:"uptime"`
	Probes map[string]ProbeResult `json:"probes,omitempty"`
}

// Serving reports whether the node should receive traffic.
func (r Readiness) Serving() bool { return r.Status != StatusUnavailable }

// HealthChecker runs readiness probes concurrently.
type HealthChecker struct {
	mu      sync.RWMutex
	probes  []Probe
	started time.Time
	logger  *slog.Logger
}

// NewHealthChecker returns a checker with no probes. Uptime counts from now.
func NewHealthChecker(logger *slog.Logger) *HealthChecker {
	return &HealthChecker{started: time.Now(), logger: logger}
}

// AddProbe registers a probe. Registering a name twice replaces the first.
func (h *HealthChecker) AddProbe(p Probe) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := range h.probes {
		if h.probes[i].Name == p.Name {
			h.probes[i] = p
			return
		}
	}
	h.probes = append(h.probes, p)
}

// Uptime is the time since the checker was created.
func (h *HealthChecker) Uptime() time.Duration {
	return time.Since(h.started).Truncate(time.Second)
}

// CheckReady runs every probe in parallel, each under its own deadline.
func (h *HealthChecker) CheckReady(ctx context.Context) Readiness {
	h.mu.RLock()
	probes := append([]Probe(nil), h.probes...)
	h.mu.RUnlock()

	r := Readiness{Status: StatusReady, Uptime: h.Uptime().String()}
	if len(probes) == 0 {
		return r
	}

	results := make([]ProbeResult, len(probes))
	var wg sync.WaitGroup
	for i, p := range probes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = runProbe(ctx, p)
		}()
	}
	wg.Wait()

	r.Probes = make(map[string]ProbeResult, len(probes))
	for i, p := range probes {
		res := results[i]
		r.Probes[p.Name] = res
		if res.OK {
			continue
		}
		if h.logger != nil {
			h.logger.Warn("readiness probe failed",
				slog.String("probe", p.Name),
				slog.Bool("optional", p.Optional),
				slog.String("error", res.Error),
			)
		}
		switch {
		case !p.Optional:
			r.Status = StatusUnavailable
		case r.Status == StatusReady:
			r.Status = StatusDegraded
		}
	}
	return r
}

func runProbe(ctx context.Context, p Probe) ProbeResult {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	start := time.Now()
	err := p.Check(ctx)
	res := ProbeResult{
		OK:        err == nil,
		Optional:  p.Optional,
		LatencyMS: time.Since(start).Milliseconds(),
	}
	if err != nil {
		res.Error = err.Error()
	}
	return res
}
