package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jkaninda/scratchd/internal/storage"
)

// JobRepository implements storage.JobStore with GORM.
type JobRepository struct {
	db *gorm.DB
}

// NewJobRepository creates a JobRepository.
func NewJobRepository(db *gorm.DB) *JobRepository {
	return &JobRepository{db: db}
}

// Record upserts a job by ID.
func (r *JobRepository) Record(ctx context.Context, rec *storage.JobRecord) error {
	model := toJobModel(rec)
	if err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&model).Error; err != nil {
		return fmt.Errorf("recording job %s: %w", rec.ID, err)
	}
	return nil
}

// Get retrieves a job by ID.
func (r *JobRepository) Get(ctx context.Context, id string) (*storage.JobRecord, error) {
	var model JobModel
	if err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("job %s: %w", id, storage.ErrNotFound)
		}
		return nil, fmt.Errorf("getting job %s: %w", id, err)
	}
	return toJobRecord(&model), nil
}

// List returns jobs matching filter, newest first.
func (r *JobRepository) List(ctx context.Context, filter storage.JobFilter) ([]storage.JobRecord, error) {
	q := r.db.WithContext(ctx).Model(&JobModel{})
	if filter.Arch != "" {
		q = q.Where("arch = ?", filter.Arch)
	}
	if filter.Compiler != "" {
		q = q.Where("compiler = ?", filter.Compiler)
	}
	if filter.Outcome != "" {
		q = q.Where("outcome = ?", string(filter.Outcome))
	}

	var models []JobModel
	if err := q.Order("finished_at DESC").
		Limit(filter.EffectiveLimit()).
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}
	out := make([]storage.JobRecord, len(models))
	for i := range models {
		out[i] = *toJobRecord(&models[i])
	}
	return out, nil
}

// PruneJobs hard-deletes jobs that finished before the cutoff.
func (r *JobRepository) PruneJobs(ctx context.Context, before time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("finished_at < ?", before.UTC()).
		Delete(&JobModel{})
	if result.Error != nil {
		return 0, fmt.Errorf("pruning jobs: %w", result.Error)
	}
	return result.RowsAffected, nil
}
