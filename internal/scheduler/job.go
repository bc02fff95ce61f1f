package scheduler

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/jkaninda/scratchd/internal/diff"
	"github.com/jkaninda/scratchd/internal/domain"
)

// Result is a finished job: the compile result plus the reference diff when
// one was requested.
type Result struct {
	domain.CompileResult
	Diff *diff.Result `json:"diff,omitempty"`
	// DiffError is set when a reference was requested but could not be
	// diffed. The compile result is still valid.
	DiffError string `json:"diff_error,omitempty"`
}

// Event is one state transition of a job.
type Event struct {
	JobID string       `json:"job_id"`
	State domain.State `json:"state"`
	Time  time.Time    `json:"time"`
}

// Snapshot is a point-in-time copy of a job.
type Snapshot struct {
	ID          string                `json:"id"`
	State       domain.State          `json:"state"`
	Request     domain.CompileRequest `json:"-"`
	SubmittedAt time.Time             `json:"submitted_at"`
	StartedAt   *time.Time            `json:"started_at,omitempty"`
	FinishedAt  *time.Time            `json:"finished_at,omitempty"`
	Result      *Result               `json:"result,omitempty"`
}

// watchBuffer covers every transition a job can make, so a watcher that
// reads late never drops one.
const watchBuffer = 16

// Job is the handle returned by Submit. Its result is available once Done
// is closed.
type Job struct {
	ID          string
	Request     domain.CompileRequest
	SubmittedAt time.Time

	done chan struct{}

	// Guarded by the scheduler lock.
	elem   *list.Element
	cancel context.CancelFunc

	mu         sync.Mutex
	state      domain.State
	startedAt  time.Time
	finishedAt time.Time
	result     *Result
	watchers   map[chan Event]struct{}
}

func newJob(id string, req domain.CompileRequest) *Job {
	return &Job{
		ID:          id,
		Request:     req,
		SubmittedAt: time.Now(),
		done:        make(chan struct{}),
		state:       domain.StateQueued,
		watchers:    make(map[chan Event]struct{}),
	}
}

// Done is closed when the job has a result.
func (j *Job) Done() <-chan struct{} { return j.done }

// Result returns the result, or nil while the job is unfinished.
func (j *Job) Result() *Result {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.result
}

// Wait blocks until the job finishes or ctx ends. Giving up on the wait
// does not cancel the job.
func (j *Job) Wait(ctx context.Context) (*Result, error) {
	select {
	case <-j.done:
		return j.Result(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// State returns the latest lifecycle state.
func (j *Job) State() domain.State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// Snapshot returns a copy of the job's current status.
func (j *Job) Snapshot() Snapshot {
	j.mu.Lock()
	defer j.mu.Unlock()
	s := Snapshot{
		ID:          j.ID,
		State:       j.state,
		Request:     j.Request,
		SubmittedAt: j.SubmittedAt,
		Result:      j.result,
	}
	if !j.startedAt.IsZero() {
		t := j.startedAt
		s.StartedAt = &t
	}
	if !j.finishedAt.IsZero() {
		t := j.finishedAt
		s.FinishedAt = &t
	}
	return s
}

// Watch streams state transitions from now on. The channel is closed once
// the job is torn down; for a finished job it yields the final state and
// closes. Call stop to unsubscribe early.
func (j *Job) Watch() (events <-chan Event, stop func()) {
	ch := make(chan Event, watchBuffer)
	j.mu.Lock()
	if j.result != nil {
		ch <- Event{JobID: j.ID, State: j.state, Time: j.finishedAt}
		close(ch)
		j.mu.Unlock()
		return ch, func() {}
	}
	ch <- Event{JobID: j.ID, State: j.state, Time: time.Now()}
	j.watchers[ch] = struct{}{}
	j.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			j.mu.Lock()
			defer j.mu.Unlock()
			if _, ok := j.watchers[ch]; ok {
				delete(j.watchers, ch)
				close(ch)
			}
		})
	}
}

// transition records s and fans it out to watchers.
func (j *Job) transition(s domain.State) {
	now := time.Now()
	j.mu.Lock()
	defer j.mu.Unlock()
	j.state = s
	if s == domain.StateCreated && j.startedAt.IsZero() {
		j.startedAt = now
	}
	ev := Event{JobID: j.ID, State: s, Time: now}
	for ch := range j.watchers {
		select {
		case ch <- ev:
		default:
		}
	}
}

// finish records r and ends every watch stream. Waiters are released
// separately by release, once bookkeeping is done.
func (j *Job) finish(r *Result) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.result = r
	j.finishedAt = time.Now()
	for ch := range j.watchers {
		close(ch)
	}
	clear(j.watchers)
}

func (j *Job) release() { close(j.done) }

func (j *Job) finishedBefore(cutoff time.Time) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.result != nil && j.finishedAt.Before(cutoff)
}
