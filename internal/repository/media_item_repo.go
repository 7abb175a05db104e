package repository

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/jmylchreest/mediarr/internal/models"
)

type mediaItemRepository struct {
	db *gorm.DB
}

// NewMediaItemRepository creates a new MediaItemRepository.
func NewMediaItemRepository(db *gorm.DB) MediaItemRepository {
	return &mediaItemRepository{db: db}
}

// GetByID returns nil, nil when the item does not exist.
func (r *mediaItemRepository) GetByID(ctx context.Context, id models.ULID) (*models.MediaItem, error) {
	var item models.MediaItem
	if err := r.db.WithContext(ctx).First(&item, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &item, nil
}

// GetByPath returns nil, nil when no item references path.
func (r *mediaItemRepository) GetByPath(ctx context.Context, path string) (*models.MediaItem, error) {
	var item models.MediaItem
	if err := r.db.WithContext(ctx).First(&item, "file_path = ?", path).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &item, nil
}

func (r *mediaItemRepository) ExistsByPath(ctx context.Context, path string) (bool, error) {
	return r.exists(ctx, "file_path = ?", path)
}

func (r *mediaItemRepository) ExistsByTitleKey(ctx context.Context, key string) (bool, error) {
	if key == "" {
		return false, nil
	}
	return r.exists(ctx, "title_key = ?", key)
}

func (r *mediaItemRepository) exists(ctx context.Context, query string, arg any) (bool, error) {
	var n int64
	if err := r.db.WithContext(ctx).Model(&models.MediaItem{}).Where(query, arg).Limit(1).Count(&n).Error; err != nil {
		return false, fmt.Errorf("querying media items: %w", err)
	}
	return n > 0, nil
}

func (r *mediaItemRepository) Create(ctx context.Context, item *models.MediaItem) error {
	return r.db.WithContext(ctx).Create(item).Error
}
