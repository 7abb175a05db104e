package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/jmylchreest/mediarr/internal/models"
)

type transcodeJobRepository struct {
	db *gorm.DB
}

// NewTranscodeJobRepository creates a new TranscodeJobRepository.
func NewTranscodeJobRepository(db *gorm.DB) TranscodeJobRepository {
	return &transcodeJobRepository{db: db}
}

var activeStatuses = []models.TranscodeJobStatus{models.TranscodeJobPending, models.TranscodeJobRunning}

func (r *transcodeJobRepository) CreateIfAbsent(ctx context.Context, job *models.TranscodeJob) (bool, error) {
	created := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(&models.TranscodeJob{}).
			Where("file_path = ? AND status IN ?", job.FilePath, activeStatuses).
			Count(&n).Error; err != nil {
			return err
		}
		if n > 0 {
			return nil
		}
		if job.Status == "" {
			job.Status = models.TranscodeJobPending
		}
		if err := tx.Create(job).Error; err != nil {
			return err
		}
		created = true
		return nil
	})
	return created, err
}

// GetActiveByPath returns nil, nil when no pending or running job exists.
func (r *transcodeJobRepository) GetActiveByPath(ctx context.Context, path string) (*models.TranscodeJob, error) {
	var job models.TranscodeJob
	err := r.db.WithContext(ctx).
		Where("file_path = ? AND status IN ?", path, activeStatuses).
		Order("created_at DESC").
		First(&job).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &job, nil
}

func (r *transcodeJobRepository) ListByStatus(ctx context.Context, status models.TranscodeJobStatus, limit int) ([]*models.TranscodeJob, error) {
	var jobs []*models.TranscodeJob
	q := r.db.WithContext(ctx).Where("status = ?", status).Order("created_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&jobs).Error; err != nil {
		return nil, err
	}
	return jobs, nil
}

func (r *transcodeJobRepository) UpdateStatus(ctx context.Context, id models.ULID, status models.TranscodeJobStatus) error {
	updates := map[string]any{"status": status}
	switch status {
	case models.TranscodeJobRunning:
		updates["attempts"] = gorm.Expr("attempts + 1")
	case models.TranscodeJobCompleted, models.TranscodeJobFailed:
		updates["completed_at"] = time.Now()
	}
	result := r.db.WithContext(ctx).Model(&models.TranscodeJob{}).Where("id = ?", id).Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}
