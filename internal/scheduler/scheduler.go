// Package scheduler admits compile jobs in FIFO order under a concurrency
// ceiling and attaches reference diffs to successful results.
//
// The queue and the slot counter are the only state shared between jobs.
// A job that is still queued is cancelled by removing it from the queue; a
// running job is cancelled through its context and the runner kills the
// sandbox.
package scheduler

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/scratchd/internal/diff"
	"github.com/jkaninda/scratchd/internal/domain"
	"github.com/jkaninda/scratchd/internal/runner"
)

var (
	// ErrJobNotFound is returned for ids the scheduler does not know.
	ErrJobNotFound = errors.New("job not found")
	// ErrQueueFull is returned when the wait queue is at capacity.
	ErrQueueFull = errors.New("job queue is full")
	// ErrClosed is returned by Submit after Close.
	ErrClosed = errors.New("scheduler is closed")
)

const defaultMaxConcurrent = 4

// Compiler runs one job to completion, reporting transitions to observe.
type Compiler interface {
	Compile(ctx context.Context, jobID string, req domain.CompileRequest, observe runner.Observer) domain.CompileResult
}

// FromRunner adapts a runner.Runner to Compiler.
func FromRunner(r *runner.Runner) Compiler {
	return runnerCompiler{r}
}

type runnerCompiler struct {
	runner *runner.Runner
}

func (c runnerCompiler) Compile(ctx context.Context, jobID string, req domain.CompileRequest, observe runner.Observer) domain.CompileResult {
	return c.runner.Compile(ctx, req, runner.WithJobID(jobID), runner.WithObserver(observe))
}

// ReferenceStore fetches reference binaries by id.
type ReferenceStore interface {
	Get(ctx context.Context, id string) ([]byte, error)
}

// Config bounds the scheduler.
type Config struct {
	MaxConcurrent int // running jobs; 0 = 4
	MaxQueued     int // waiting jobs; 0 = unbounded
}

// Stats is a snapshot of the queue.
type Stats struct {
	Running  int `json:"running"`
	Queued   int `json:"queued"`
	Tracked  int `json:"tracked"`
	Capacity int `json:"capacity"`
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithReferences enables reference diffs.
func WithReferences(refs ReferenceStore) Option {
	return func(s *Scheduler) { s.refs = refs }
}

// WithMetrics records queue metrics. A nil m is ignored.
func WithMetrics(m *Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithFinishHook calls fn after every job finishes, outside any lock.
// Hooks run in the order they were added.
func WithFinishHook(fn func(Snapshot)) Option {
	return func(s *Scheduler) { s.onFinish = append(s.onFinish, fn) }
}

// WithTracer records a span around every reference diff.
func WithTracer(t trace.Tracer) Option {
	return func(s *Scheduler) { s.tracer = t }
}

// Scheduler is safe for concurrent use.
type Scheduler struct {
	compiler Compiler
	refs     ReferenceStore
	metrics  *Metrics
	onFinish []func(Snapshot)
	tracer   trace.Tracer
	logger   *slog.Logger
	limit    int
	maxQueue int

	// Parent of every job context; cancelled when Close gives up waiting.
	ctx  context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup

	mu      sync.Mutex
	queue   *list.List
	running int
	jobs    map[string]*Job
	closed  bool
}

// New creates a Scheduler.
func New(compiler Compiler, cfg Config, logger *slog.Logger, opts ...Option) *Scheduler {
	limit := cfg.MaxConcurrent
	if limit <= 0 {
		limit = defaultMaxConcurrent
	}
	ctx, stop := context.WithCancel(context.Background())
	s := &Scheduler{
		compiler: compiler,
		logger:   logger,
		limit:    limit,
		maxQueue: cfg.MaxQueued,
		ctx:      ctx,
		stop:     stop,
		queue:    list.New(),
		jobs:     make(map[string]*Job),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Submit queues req and returns its handle. ctx only bounds admission; the
// job itself outlives it.
func (s *Scheduler) Submit(ctx context.Context, req domain.CompileRequest) (*Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	j := newJob(uuid.NewString(), req.Clone())

	s.mu.Lock()
	switch {
	case s.closed:
		s.mu.Unlock()
		s.reject("closed")
		return nil, ErrClosed
	case s.maxQueue > 0 && s.queue.Len() >= s.maxQueue:
		s.mu.Unlock()
		s.reject("queue_full")
		return nil, ErrQueueFull
	}
	s.jobs[j.ID] = j
	j.elem = s.queue.PushBack(j)
	s.dispatchLocked()
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.JobsSubmitted.Inc()
	}
	s.logger.Debug("job queued",
		slog.String("job_id", j.ID),
		slog.String("arch", req.Arch),
		slog.String("compiler", req.Compiler),
	)
	return j, nil
}

func (s *Scheduler) reject(reason string) {
	if s.metrics != nil {
		s.metrics.JobsRejected.WithLabelValues(reason).Inc()
	}
}

// dispatchLocked starts queued jobs while slots are free.
func (s *Scheduler) dispatchLocked() {
	for s.running < s.limit && s.queue.Len() > 0 {
		j := s.queue.Remove(s.queue.Front()).(*Job)
		j.elem = nil
		ctx, cancel := context.WithCancel(s.ctx)
		j.cancel = cancel
		s.running++
		s.wg.Add(1)
		go s.run(ctx, j)
	}
	s.updateGaugesLocked()
}

func (s *Scheduler) updateGaugesLocked() {
	if s.metrics == nil {
		return
	}
	s.metrics.JobsRunning.Set(float64(s.running))
	s.metrics.QueueDepth.Set(float64(s.queue.Len()))
}

func (s *Scheduler) run(ctx context.Context, j *Job) {
	defer s.wg.Done()
	if s.metrics != nil {
		s.metrics.QueueWait.Observe(time.Since(j.SubmittedAt).Seconds())
	}

	start := time.Now()
	result := s.execute(ctx, j)

	s.mu.Lock()
	j.cancel()
	s.running--
	s.dispatchLocked()
	s.mu.Unlock()

	s.complete(j, result, time.Since(start))
}

// execute never panics: a panic anywhere in the job becomes INTERNAL_ERROR.
func (s *Scheduler) execute(ctx context.Context, j *Job) (result *Result) {
	defer func() {
		if p := recover(); p != nil {
			s.logger.Error("job panicked",
				slog.String("job_id", j.ID),
				slog.Any("panic", p),
			)
			result = &Result{CompileResult: domain.CompileResult{
				Outcome:  domain.OutcomeInternalError,
				ExitCode: -1,
				Error:    fmt.Sprintf("panic: %v", p),
			}}
			j.transition(domain.OutcomeState(domain.OutcomeInternalError))
			j.transition(domain.StateTornDown)
		}
	}()

	cr := s.compiler.Compile(ctx, j.ID, j.Request, func(_ string, st domain.State) { j.transition(st) })
	result = &Result{CompileResult: cr}
	if cr.Succeeded() && j.Request.ReferenceID != "" {
		s.attachDiff(ctx, j, result)
	}
	return result
}

// attachDiff compares the artifact against the requested reference. Any
// failure is recorded on the result without touching the compile outcome.
func (s *Scheduler) attachDiff(ctx context.Context, j *Job, result *Result) {
	if s.tracer != nil {
		var span trace.Span
		ctx, span = s.tracer.Start(ctx, "job.diff", trace.WithAttributes(
			attribute.String("job.id", j.ID),
			attribute.String("reference.id", j.Request.ReferenceID),
		))
		defer func() {
			if result.Diff != nil {
				span.SetAttributes(attribute.Float64("diff.similarity", result.Diff.Similarity))
			}
			span.End()
		}()
	}
	fail := func(err error) {
		if s.tracer != nil {
			span := trace.SpanFromContext(ctx)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		result.DiffError = err.Error()
		if s.metrics != nil {
			s.metrics.DiffErrors.Inc()
		}
		s.logger.Warn("reference diff failed",
			slog.String("job_id", j.ID),
			slog.String("reference_id", j.Request.ReferenceID),
			slog.String("error", err.Error()),
		)
	}
	if s.refs == nil {
		fail(errors.New("no reference store configured"))
		return
	}
	ref, err := s.refs.Get(ctx, j.Request.ReferenceID)
	if err != nil {
		fail(fmt.Errorf("fetching reference: %w", err))
		return
	}

	start := time.Now()
	d := diff.Diff(ref, result.Artifact)
	if s.metrics != nil {
		s.metrics.DiffDuration.Observe(time.Since(start).Seconds())
	}
	result.Diff = &d
}

func (s *Scheduler) complete(j *Job, result *Result, elapsed time.Duration) {
	j.finish(result)
	if s.metrics != nil {
		s.metrics.JobsFinished.WithLabelValues(string(result.Outcome)).Inc()
		s.metrics.JobDuration.Observe(elapsed.Seconds())
	}
	if len(s.onFinish) > 0 {
		snap := j.Snapshot()
		for _, fn := range s.onFinish {
			fn(snap)
		}
	}
	j.release()
}

// Cancel stops job id. Queued jobs finish as CANCELLED without reaching a
// sandbox; running jobs have their context cancelled. Cancelling a finished
// job is a no-op.
func (s *Scheduler) Cancel(id string) error {
	s.mu.Lock()
	j, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return ErrJobNotFound
	}
	if j.elem != nil {
		s.queue.Remove(j.elem)
		j.elem = nil
		s.updateGaugesLocked()
		s.mu.Unlock()
		s.cancelQueued(j)
		return nil
	}
	cancel := j.cancel
	s.mu.Unlock()

	if cancel != nil {
		s.logger.Info("cancelling running job", slog.String("job_id", id))
		cancel()
	}
	return nil
}

func (s *Scheduler) cancelQueued(j *Job) {
	s.logger.Info("cancelled queued job", slog.String("job_id", j.ID))
	j.transition(domain.OutcomeState(domain.OutcomeCancelled))
	j.transition(domain.StateTornDown)
	s.complete(j, &Result{CompileResult: domain.CompileResult{
		Outcome:  domain.OutcomeCancelled,
		ExitCode: -1,
	}}, 0)
}

// Get returns the job with id.
func (s *Scheduler) Get(id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return j, nil
}

// Stats returns the current queue occupancy.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Running:  s.running,
		Queued:   s.queue.Len(),
		Tracked:  len(s.jobs),
		Capacity: s.limit,
	}
}

// Prune forgets finished jobs that ended before cutoff.
func (s *Scheduler) Prune(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, j := range s.jobs {
		if j.finishedBefore(cutoff) {
			delete(s.jobs, id)
			n++
		}
	}
	return n
}

// Close stops admission, cancels queued jobs and waits for running ones.
// If ctx ends first, running jobs are cancelled and Close waits for their
// teardown before returning ctx's error.
func (s *Scheduler) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	var queued []*Job
	for e := s.queue.Front(); e != nil; e = e.Next() {
		j := e.Value.(*Job)
		j.elem = nil
		queued = append(queued, j)
	}
	s.queue.Init()
	s.updateGaugesLocked()
	s.mu.Unlock()

	for _, j := range queued {
		s.cancelQueued(j)
	}

	drained := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		s.stop()
		return nil
	case <-ctx.Done():
		s.logger.Warn("shutdown deadline reached, cancelling running jobs")
		s.stop()
		<-drained
		return ctx.Err()
	}
}
