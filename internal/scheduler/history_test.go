package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jkaninda/scratchd/internal/diff"
	"github.com/jkaninda/scratchd/internal/domain"
	"github.com/jkaninda/scratchd/internal/storage"
)

type memoryJobs struct {
	mu      sync.Mutex
	records map[string]storage.JobRecord
	fail    bool
}

func (m *memoryJobs) Record(_ context.Context, rec *storage.JobRecord) error {
	if m.fail {
		return errors.New("disk full")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.records == nil {
		m.records = make(map[string]storage.JobRecord)
	}
	m.records[rec.ID] = *rec
	return nil
}

func (m *memoryJobs) Get(_ context.Context, id string) (*storage.JobRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &r, nil
}

func (m *memoryJobs) List(context.Context, storage.JobFilter) ([]storage.JobRecord, error) {
	return nil, nil
}

func (m *memoryJobs) PruneJobs(context.Context, time.Time) (int64, error) { return 0, nil }

func TestNewJobRecord(t *testing.T) {
	finished := time.Now()
	snap := Snapshot{
		ID:          "j1",
		Request:     domain.CompileRequest{Source: "", Arch: "mips", Compiler: "gcc", Version: "2.95", Flags: []string{"-O2"}, ReferenceID: "sha256:r"},
		SubmittedAt: finished.Add(-time.Second),
		FinishedAt:  &finished,
		Result: &Result{
			CompileResult: domain.CompileResult{Outcome: domain.OutcomeSucceeded, Artifact: make([]byte, 12), Duration: time.Second},
			Diff:          &diff.Result{Similarity: 42},
		},
	}
	rec := NewJobRecord(snap)
	if rec.SourceHash != "sha256:e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855" {
		t.Errorf("SourceHash = %s", rec.SourceHash)
	}
	if rec.Similarity == nil || *rec.Similarity != 42 {
		t.Errorf("Similarity = %v", rec.Similarity)
	}
	if rec.ArtifactSize != 12 || rec.Outcome != domain.OutcomeSucceeded || !rec.FinishedAt.Equal(finished) {
		t.Errorf("record = %+v", rec)
	}
}

func TestRecordHistory_FromScheduler(t *testing.T) {
	jobs := &memoryJobs{}
	s := New(newFakeCompiler(false), Config{}, testLogger(), WithFinishHook(RecordHistory(jobs, testLogger())))
	defer closeScheduler(t, s)

	j, _ := s.Submit(context.Background(), request("x"))
	wait(t, j)

	rec, err := jobs.Get(context.Background(), j.ID)
	if err != nil {
		t.Fatalf("history missing: %v", err)
	}
	if rec.Outcome != domain.OutcomeSucceeded || rec.Similarity != nil {
		t.Errorf("record = %+v", rec)
	}
}

func TestRecordHistory_FailureDoesNotAffectJob(t *testing.T) {
	jobs := &memoryJobs{fail: true}
	s := New(newFakeCompiler(false), Config{}, testLogger(), WithFinishHook(RecordHistory(jobs, testLogger())))
	defer closeScheduler(t, s)

	j, _ := s.Submit(context.Background(), request("x"))
	if r := wait(t, j); r.Outcome != domain.OutcomeSucceeded {
		t.Errorf("outcome = %s", r.Outcome)
	}
}
