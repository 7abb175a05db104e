// Package repository provides GORM-backed data access for mediarr.
package repository

import (
	"context"

	"github.com/jmylchreest/mediarr/internal/models"
)

// KnownFileRepository persists the watcher's set of processed source paths.
type KnownFileRepository interface {
	// ListPaths returns every known path.
	ListPaths(ctx context.Context) ([]string, error)
	// UpsertBatch records files as known, refreshing size, mod time and error.
	UpsertBatch(ctx context.Context, files []*models.KnownFile) error
	// DeleteByPath forgets a path so it will be processed again.
	DeleteByPath(ctx context.Context, path string) error
	Count(ctx context.Context) (int64, error)
}

// MediaItemRepository reads the catalog.
type MediaItemRepository interface {
	GetByID(ctx context.Context, id models.ULID) (*models.MediaItem, error)
	GetByPath(ctx context.Context, path string) (*models.MediaItem, error)
	ExistsByPath(ctx context.Context, path string) (bool, error)
	ExistsByTitleKey(ctx context.Context, key string) (bool, error)
	Create(ctx context.Context, item *models.MediaItem) error
}

// TranscodeJobRepository stores background transcode requests.
type TranscodeJobRepository interface {
	// CreateIfAbsent inserts job unless an active job exists for the same
	// path. It reports whether a new row was written.
	CreateIfAbsent(ctx context.Context, job *models.TranscodeJob) (bool, error)
	GetActiveByPath(ctx context.Context, path string) (*models.TranscodeJob, error)
	ListByStatus(ctx context.Context, status models.TranscodeJobStatus, limit int) ([]*models.TranscodeJob, error)
	UpdateStatus(ctx context.Context, id models.ULID, status models.TranscodeJobStatus) error
}
