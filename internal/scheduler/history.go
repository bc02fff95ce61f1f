package scheduler

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"

	"github.com/jkaninda/scratchd/internal/storage"
)

// historyTimeout bounds a single history write.
const historyTimeout = 5 * time.Second

// RecordHistory returns a finish hook that persists every finished job.
// Write failures are logged; they never affect the job.
func RecordHistory(jobs storage.JobStore, logger *slog.Logger) func(Snapshot) {
	return func(snap Snapshot) {
		ctx, cancel := context.WithTimeout(context.Background(), historyTimeout)
		defer cancel()
		if err := jobs.Record(ctx, NewJobRecord(snap)); err != nil {
			logger.Error("recording job history",
				slog.String("job_id", snap.ID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// NewJobRecord summarizes a finished job for storage.
func NewJobRecord(snap Snapshot) *storage.JobRecord {
	rec := &storage.JobRecord{
		ID:          snap.ID,
		Arch:        snap.Request.Arch,
		Compiler:    snap.Request.Compiler,
		Version:     snap.Request.Version,
		Flags:       snap.Request.Flags,
		SourceHash:  SourceHash(snap.Request.Source),
		ReferenceID: snap.Request.ReferenceID,
		SubmittedAt: snap.SubmittedAt,
	}
	if snap.FinishedAt != nil {
		rec.FinishedAt = *snap.FinishedAt
	}
	if r := snap.Result; r != nil {
		rec.Outcome = r.Outcome
		rec.ExitCode = r.ExitCode
		rec.Error = r.Error
		rec.DiffError = r.DiffError
		rec.ArtifactSize = len(r.Artifact)
		rec.Duration = r.Duration
		if r.Diff != nil {
			score := r.Diff.Similarity
			rec.Similarity = &score
		}
	}
	return rec
}

// SourceHash identifies a source text without keeping it.
func SourceHash(source string) string {
	sum := sha256.Sum256([]byte(source))
	return "sha256:" + hex.EncodeToString(sum[:])
}
