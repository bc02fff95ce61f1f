package postgres

import (
	"time"

	"github.com/jkaninda/scratchd/internal/domain"
	"github.com/jkaninda/scratchd/internal/storage"
)

// --- Job ---

func toJobModel(r *storage.JobRecord) JobModel {
	return JobModel{
		ID:           r.ID,
		Arch:         r.Arch,
		Compiler:     r.Compiler,
		Version:      r.Version,
		Flags:        r.Flags,
		SourceHash:   r.SourceHash,
		ReferenceID:  r.ReferenceID,
		Outcome:      string(r.Outcome),
		ExitCode:     r.ExitCode,
		Error:        r.Error,
		Similarity:   r.Similarity,
		DiffError:    r.DiffError,
		ArtifactSize: r.ArtifactSize,
		DurationMS:   r.Duration.Milliseconds(),
		SubmittedAt:  r.SubmittedAt.UTC(),
		FinishedAt:   r.FinishedAt.UTC(),
	}
}

func toJobRecord(m *JobModel) *storage.JobRecord {
	return &storage.JobRecord{
		ID:           m.ID,
		Arch:         m.Arch,
		Compiler:     m.Compiler,
		Version:      m.Version,
		Flags:        m.Flags,
		SourceHash:   m.SourceHash,
		ReferenceID:  m.ReferenceID,
		Outcome:      domain.Outcome(m.Outcome),
		ExitCode:     m.ExitCode,
		Error:        m.Error,
		Similarity:   m.Similarity,
		DiffError:    m.DiffError,
		ArtifactSize: m.ArtifactSize,
		Duration:     time.Duration(m.DurationMS) * time.Millisecond,
		SubmittedAt:  m.SubmittedAt,
		FinishedAt:   m.FinishedAt,
	}
}

// --- Reference ---

func toReferenceModel(r *storage.ReferenceRecord) ReferenceModel {
	return ReferenceModel{
		ID:        r.ID,
		Name:      r.Name,
		Size:      r.Size,
		Format:    r.Format,
		Machine:   r.Machine,
		CreatedAt: r.CreatedAt,
	}
}

func toReferenceRecord(m *ReferenceModel) *storage.ReferenceRecord {
	return &storage.ReferenceRecord{
		ID:        m.ID,
		Name:      m.Name,
		Size:      m.Size,
		Format:    m.Format,
		Machine:   m.Machine,
		CreatedAt: m.CreatedAt,
	}
}
