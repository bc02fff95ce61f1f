package observability

import (
	"log/slog"
	"sync"
	"time"

	"github.com/jkaninda/scratchd/internal/config"
	"github.com/jkaninda/scratchd/internal/domain"
)

const (
	defaultAnomalyWindow      = 5 * time.Minute
	defaultViolationThreshold = 5
	minAnomalySamples         = 5
)

// AnomalyDetector warns when a sandbox backend or toolchain family starts
// failing: a high rate of runs that could not start or ended in an internal
// error (usually a broken toolchain install), or a burst of sandbox
// violations (usually someone probing the jail).
type AnomalyDetector struct {
	mu         sync.Mutex
	failures   map[string]*slidingWindow
	successes  map[string]*slidingWindow
	violations map[string]*slidingWindow
	cfg        *config.AnomalyConfig
	logger     *slog.Logger
	now        func() time.Time

	onAnomaly func(Anomaly)
	lastAlert map[string]time.Time
}

// Anomaly kinds.
const (
	AnomalyFailureRate = "failure_rate"
	AnomalyViolations  = "violations"
)

// Anomaly is one detection handed to the OnAnomaly hook.
type Anomaly struct {
	Kind      string        `json:"kind"`
	Key       string        `json:"key"`
	Value     float64       `json:"value"`
	Threshold float64       `json:"threshold"`
	Window    time.Duration `json:"window"`
	Time      time.Time     `json:"time"`
}

type slidingWindow struct {
	entries []windowEntry
	window  time.Duration
}

type windowEntry struct {
	timestamp time.Time
	value     float64
}

// NewAnomalyDetector creates an anomaly detector from config.
func NewAnomalyDetector(cfg *config.AnomalyConfig, logger *slog.Logger) *AnomalyDetector {
	return &AnomalyDetector{
		failures:   make(map[string]*slidingWindow),
		successes:  make(map[string]*slidingWindow),
		violations: make(map[string]*slidingWindow),
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
		lastAlert:  make(map[string]time.Time),
	}
}

// OnAnomaly registers fn to run, in its own goroutine, for each detection.
// A given kind and key fire at most once per window.
func (a *AnomalyDetector) OnAnomaly(fn func(Anomaly)) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onAnomaly = fn
}

// raise must be called with a.mu held.
func (a *AnomalyDetector) raise(an Anomaly) {
	if a.onAnomaly == nil {
		return
	}
	k := an.Kind + "|" + an.Key
	if last, ok := a.lastAlert[k]; ok && an.Time.Sub(last) < an.Window {
		return
	}
	a.lastAlert[k] = an.Time
	go a.onAnomaly(an)
}

func (a *AnomalyDetector) windowDuration() time.Duration {
	if a.cfg.WindowSeconds <= 0 {
		return defaultAnomalyWindow
	}
	return time.Duration(a.cfg.WindowSeconds) * time.Second
}

// RecordOutcome classifies one finished run under key. A nil-receiver call
// is a no-op.
func (a *AnomalyDetector) RecordOutcome(key string, outcome domain.Outcome) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	switch outcome {
	case domain.OutcomeInternalError:
		a.window(a.failures, key).add(a.now(), 1)
		a.checkFailureRate(key)
	case domain.OutcomeSandboxViolation:
		a.window(a.violations, key).add(a.now(), 1)
		a.window(a.successes, key).add(a.now(), 1)
		a.checkViolations(key)
	default:
		// Compile errors and timeouts are the user's code, not the system.
		a.window(a.successes, key).add(a.now(), 1)
	}
}

// RecordFailure records a run that never produced a result.
func (a *AnomalyDetector) RecordFailure(key string) {
	a.RecordOutcome(key, domain.OutcomeInternalError)
}

// checkFailureRate must be called with a.mu held.
func (a *AnomalyDetector) checkFailureRate(key string) {
	threshold := a.cfg.ErrorRateThreshold
	if threshold <= 0 {
		return
	}
	now := a.now()
	failures := a.window(a.failures, key).sum(now)
	total := failures + a.window(a.successes, key).sum(now)
	if total < minAnomalySamples {
		return
	}
	rate := failures / total
	if rate <= threshold {
		return
	}
	a.raise(Anomaly{Kind: AnomalyFailureRate, Key: key, Value: rate, Threshold: threshold, Window: a.windowDuration(), Time: now})
	if a.logger != nil {
		a.logger.Warn("anomaly detected: high sandbox failure rate",
			slog.String("key", key),
			slog.Float64("failure_rate", rate),
			slog.Float64("threshold", threshold),
			slog.Float64("failures", failures),
			slog.Float64("total", total),
		)
	}
}

// checkViolations must be called with a.mu held.
func (a *AnomalyDetector) checkViolations(key string) {
	limit := a.cfg.ViolationThreshold
	if limit <= 0 {
		limit = defaultViolationThreshold
	}
	now := a.now()
	n := a.window(a.violations, key).sum(now)
	if n < float64(limit) {
		return
	}
	a.raise(Anomaly{Kind: AnomalyViolations, Key: key, Value: n, Threshold: float64(limit), Window: a.windowDuration(), Time: now})
	if a.logger != nil {
		a.logger.Warn("anomaly detected: repeated sandbox violations",
			slog.String("key", key),
			slog.Float64("violations", n),
			slog.Duration("window", a.windowDuration()),
		)
	}
}

func (a *AnomalyDetector) window(m map[string]*slidingWindow, key string) *slidingWindow {
	w, ok := m[key]
	if !ok {
		w = &slidingWindow{window: a.windowDuration()}
		m[key] = w
	}
	return w
}

func (w *slidingWindow) add(now time.Time, value float64) {
	w.entries = append(w.entries, windowEntry{timestamp: now, value: value})
	w.prune(now)
}

func (w *slidingWindow) sum(now time.Time) float64 {
	w.prune(now)
	var total float64
	for _, e := range w.entries {
		total += e.value
	}
	return total
}

// prune drops entries older than the window.
func (w *slidingWindow) prune(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.entries) && w.entries[i].timestamp.Before(cutoff) {
		i++
	}
	if i > 0 {
		w.entries = w.entries[i:]
	}
}
