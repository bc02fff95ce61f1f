package postgres

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jkaninda/scratchd/internal/storage"
)

// ReferenceRepository implements storage.ReferenceIndex with GORM.
type ReferenceRepository struct {
	db *gorm.DB
}

// NewReferenceRepository creates a ReferenceRepository.
func NewReferenceRepository(db *gorm.DB) *ReferenceRepository {
	return &ReferenceRepository{db: db}
}

// Record inserts the reference unless it already exists.
func (r *ReferenceRepository) Record(ctx context.Context, rec *storage.ReferenceRecord) error {
	model := toReferenceModel(rec)
	if err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&model).Error; err != nil {
		return fmt.Errorf("recording reference %s: %w", rec.ID, err)
	}
	return nil
}

// Get retrieves a reference by ID.
func (r *ReferenceRepository) Get(ctx context.Context, id string) (*storage.ReferenceRecord, error) {
	var model ReferenceModel
	if err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("reference %s: %w", id, storage.ErrNotFound)
		}
		return nil, fmt.Errorf("getting reference %s: %w", id, err)
	}
	return toReferenceRecord(&model), nil
}

// List returns the newest references first.
func (r *ReferenceRepository) List(ctx context.Context, limit int) ([]storage.ReferenceRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	var models []ReferenceModel
	if err := r.db.WithContext(ctx).
		Order("created_at DESC").
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing references: %w", err)
	}
	out := make([]storage.ReferenceRecord, len(models))
	for i := range models {
		out[i] = *toReferenceRecord(&models[i])
	}
	return out, nil
}
