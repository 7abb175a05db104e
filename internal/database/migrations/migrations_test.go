package migrations

import (
	"context"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/jmylchreest/mediarr/internal/models"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	return db
}

func TestAllMigrations_VersionsAreUniqueAndOrdered(t *testing.T) {
	all := AllMigrations()
	seen := make(map[string]bool)
	for i, m := range all {
		assert.False(t, seen[m.Version], "duplicate version %s", m.Version)
		seen[m.Version] = true
		if i > 0 {
			assert.Less(t, all[i-1].Version, m.Version)
		}
		assert.NotNil(t, m.Up)
		assert.NotNil(t, m.Down)
	}
}

func TestMigrator_UpCreatesTables(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	m := NewMigrator(db, nil, AllMigrations())
	require.NoError(t, m.Up(ctx))

	assert.True(t, db.Migrator().HasTable(&models.KnownFile{}))
	assert.True(t, db.Migrator().HasTable(&models.MediaItem{}))
	assert.True(t, db.Migrator().HasTable(&models.TranscodeJob{}))
	assert.True(t, db.Migrator().HasIndex("transcode_jobs", jobLookupIndex))

	// Idempotent.
	require.NoError(t, m.Up(ctx))

	statuses, err := m.Status(ctx)
	require.NoError(t, err)
	require.Len(t, statuses, 2)
	for _, s := range statuses {
		assert.True(t, s.Applied, s.Version)
		assert.NotNil(t, s.AppliedAt)
	}
}

func TestMigrator_Down(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	m := NewMigrator(db, nil, AllMigrations())
	require.NoError(t, m.Up(ctx))

	require.NoError(t, m.Down(ctx))
	assert.False(t, db.Migrator().HasIndex("transcode_jobs", jobLookupIndex))
	assert.True(t, db.Migrator().HasTable(&models.TranscodeJob{}))

	require.NoError(t, m.Down(ctx))
	assert.False(t, db.Migrator().HasTable(&models.TranscodeJob{}))

	// Nothing left to roll back.
	require.NoError(t, m.Down(ctx))
}
