// Package storage defines the Store interface for job history and the
// reference index. Two backends are provided: SQLite (default, zero-config)
// and PostgreSQL.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/jkaninda/scratchd/internal/domain"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// Store is the persistence interface. Both SQLite and PostgreSQL backends
// implement it.
type Store interface {
	Jobs() JobStore
	References() ReferenceIndex

	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error

	// Driver returns the storage driver name ("sqlite" or "postgres").
	Driver() string
}

// JobRecord is the persisted summary of a finished job. Sources and
// artifacts are not kept.
type JobRecord struct {
	ID          string         `json:"id"`
	Arch        string         `json:"arch"`
	Compiler    string         `json:"compiler"`
	Version     string         `json:"version"`
	Flags       []string       `json:"flags"`
	SourceHash  string         `json:"source_hash"`
	ReferenceID string         `json:"reference_id,omitempty"`
	Outcome     domain.Outcome `json:"outcome"`
	ExitCode    int            `json:"exit_code"`
	Error       string         `json:"error,omitempty"`
	// Similarity is nil when no diff was computed.
	Similarity   *float64      `json:"similarity,omitempty"`
	DiffError    string        `json:"diff_error,omitempty"`
	ArtifactSize int           `json:"artifact_size"`
	Duration     time.Duration `json:"duration"`
	SubmittedAt  time.Time     `json:"submitted_at"`
	FinishedAt   time.Time     `json:"finished_at"`
}

// JobFilter narrows List. Zero fields match everything.
type JobFilter struct {
	Arch     string
	Compiler string
	Outcome  domain.Outcome
	Limit    int // default 50, max 500
}

// EffectiveLimit clamps Limit.
func (f JobFilter) EffectiveLimit() int {
	switch {
	case f.Limit <= 0:
		return 50
	case f.Limit > 500:
		return 500
	default:
		return f.Limit
	}
}

// JobStore persists job history.
type JobStore interface {
	// Record inserts or replaces a job record.
	Record(ctx context.Context, rec *JobRecord) error
	Get(ctx context.Context, id string) (*JobRecord, error)
	// List returns the newest records first.
	List(ctx context.Context, filter JobFilter) ([]JobRecord, error)
	// PruneJobs deletes records that finished before the cutoff.
	PruneJobs(ctx context.Context, before time.Time) (int64, error)
}

// ReferenceRecord describes an uploaded reference binary. The bytes live
// in the reference store.
type ReferenceRecord struct {
	ID        string    `json:"id"`
	Name      string    `json:"name,omitempty"`
	Size      int       `json:"size"`
	Format    string    `json:"format"`
	Machine   string    `json:"machine,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ReferenceIndex persists reference metadata.
type ReferenceIndex interface {
	// Record is idempotent: re-uploading the same bytes keeps the first record.
	Record(ctx context.Context, rec *ReferenceRecord) error
	Get(ctx context.Context, id string) (*ReferenceRecord, error)
	List(ctx context.Context, limit int) ([]ReferenceRecord, error)
}

// Driver names.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)
