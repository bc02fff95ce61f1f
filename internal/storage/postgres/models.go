package postgres

import (
	"time"
)

// JobModel maps to the "jobs" table.
type JobModel struct {
	ID           string   `gorm:"primaryKey"`
	Arch         string   `gorm:"not null;index:idx_jobs_toolchain"`
	Compiler     string   `gorm:"not null;index:idx_jobs_toolchain"`
	Version      string   `gorm:"not null;default:''"`
	Flags        []string `gorm:"serializer:json;type:text"`
	SourceHash   string   `gorm:"not null"`
	ReferenceID  string   `gorm:"index"`
	Outcome      string   `gorm:"not null;index"`
	ExitCode     int      `gorm:"not null;default:0"`
	Error        string   `gorm:"type:text"`
	Similarity   *float64
	DiffError    string `gorm:"type:text"`
	ArtifactSize int    `gorm:"not null;default:0"`
	DurationMS   int64  `gorm:"not null;default:0"`
	SubmittedAt  time.Time
	FinishedAt   time.Time `gorm:"index"`
	CreatedAt    time.Time
}

func (JobModel) TableName() string { return "jobs" }

// ReferenceModel maps to the "reference_binaries" table.
type ReferenceModel struct {
	ID        string `gorm:"primaryKey"`
	Name      string
	Size      int    `gorm:"not null"`
	Format    string `gorm:"not null"`
	Machine   string
	CreatedAt time.Time `gorm:"index"`
}

func (ReferenceModel) TableName() string { return "reference_binaries" }

// Models lists every table in migration order.
func Models() []any {
	return []any{&JobModel{}, &ReferenceModel{}}
}
