package repository

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jmylchreest/mediarr/internal/models"
)

const knownFileBatchSize = 200

type knownFileRepository struct {
	db *gorm.DB
}

// NewKnownFileRepository creates a new KnownFileRepository.
func NewKnownFileRepository(db *gorm.DB) KnownFileRepository {
	return &knownFileRepository{db: db}
}

func (r *knownFileRepository) ListPaths(ctx context.Context) ([]string, error) {
	var paths []string
	if err := r.db.WithContext(ctx).Model(&models.KnownFile{}).Pluck("path", &paths).Error; err != nil {
		return nil, err
	}
	return paths, nil
}

func (r *knownFileRepository) UpsertBatch(ctx context.Context, files []*models.KnownFile) error {
	if len(files) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "path"}},
		DoUpdates: clause.AssignmentColumns([]string{"size", "mod_time", "last_error", "updated_at"}),
	}).CreateInBatches(files, knownFileBatchSize).Error
}

func (r *knownFileRepository) DeleteByPath(ctx context.Context, path string) error {
	return r.db.WithContext(ctx).Delete(&models.KnownFile{}, "path = ?", path).Error
}

func (r *knownFileRepository) Count(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&models.KnownFile{}).Count(&n).Error
	return n, err
}
