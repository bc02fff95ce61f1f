// Package audit keeps an append-only JSONL trail of who submitted which
// source to which toolchain and how it ended. Sources themselves are never
// written, only their hash.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/jkaninda/scratchd/internal/domain"
	"github.com/jkaninda/scratchd/internal/scheduler"
)

// Actions recorded in the trail.
const (
	ActionSubmit          = "job.submit"
	ActionCancel          = "job.cancel"
	ActionFinish          = "job.finish"
	ActionReferenceUpload = "reference.upload"
)

// Event is one line of the audit log.
type Event struct {
	Timestamp   time.Time      `json:"timestamp"`
	Action      string         `json:"action"`
	ClientID    string         `json:"client_id,omitempty"`
	JobID       string         `json:"job_id,omitempty"`
	ReferenceID string         `json:"reference_id,omitempty"`
	Arch        string         `json:"arch,omitempty"`
	Compiler    string         `json:"compiler,omitempty"`
	Version     string         `json:"version,omitempty"`
	SourceHash  string         `json:"source_hash,omitempty"`
	Outcome     domain.Outcome `json:"outcome,omitempty"`
	Error       string         `json:"error,omitempty"`
}

// Logger writes events as JSONL. Safe for concurrent use. A nil *Logger
// discards everything.
type Logger struct {
	mu     sync.Mutex
	file   *os.File
	logger *slog.Logger
	now    func() time.Time
}

// Open opens (or creates) the audit log in append-only mode with 0600
// permissions.
func Open(path string, logger *slog.Logger) (*Logger, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("opening audit log %s: %w", path, err)
	}
	return &Logger{file: f, logger: logger, now: time.Now}, nil
}

// Record appends ev, stamping it when Timestamp is zero.
func (l *Logger) Record(ctx context.Context, ev Event) error {
	if l == nil {
		return nil
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = l.now().UTC()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshaling audit event: %w", err)
	}
	data = append(data, '\n')

	l.mu.Lock()
	_, err = l.file.Write(data)
	l.mu.Unlock()
	if err != nil {
		return fmt.Errorf("writing audit event: %w", err)
	}

	l.logger.DebugContext(ctx, "audit event recorded",
		slog.String("action", ev.Action),
		slog.String("client_id", ev.ClientID),
		slog.String("job_id", ev.JobID),
	)
	return nil
}

// SubmitEvent describes an accepted submission.
func SubmitEvent(clientID, jobID string, req domain.CompileRequest) Event {
	return Event{
		Action:      ActionSubmit,
		ClientID:    clientID,
		JobID:       jobID,
		ReferenceID: req.ReferenceID,
		Arch:        req.Arch,
		Compiler:    req.Compiler,
		Version:     req.Version,
		SourceHash:  scheduler.SourceHash(req.Source),
	}
}

// FinishHook returns a scheduler finish hook that records every job's
// outcome. Write errors are logged and otherwise ignored.
func (l *Logger) FinishHook() func(scheduler.Snapshot) {
	return func(snap scheduler.Snapshot) {
		ev := Event{
			Action:      ActionFinish,
			JobID:       snap.ID,
			ReferenceID: snap.Request.ReferenceID,
			Arch:        snap.Request.Arch,
			Compiler:    snap.Request.Compiler,
			Version:     snap.Request.Version,
			SourceHash:  scheduler.SourceHash(snap.Request.Source),
		}
		if r := snap.Result; r != nil {
			ev.Outcome = r.Outcome
			ev.Error = r.Error
		}
		if err := l.Record(context.Background(), ev); err != nil {
			l.logger.Error("recording audit event",
				slog.String("job_id", snap.ID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// Close closes the underlying file.
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}
