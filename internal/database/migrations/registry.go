package migrations

import (
	"gorm.io/gorm"

	"github.com/jmylchreest/mediarr/internal/models"
)

// AllMigrations returns all registered migrations in order.
//   - 001: known files, catalog, and transcode job tables
//   - 002: composite index used by queue de-duplication
func AllMigrations() []Migration {
	return []Migration{
		migration001Schema(),
		migration002JobLookupIndex(),
	}
}

func migration001Schema() Migration {
	return Migration{
		Version:     "001",
		Description: "Create known_files, media_items and transcode_jobs",
		Up: func(tx *gorm.DB) error {
			return tx.AutoMigrate(
				&models.KnownFile{},
				&models.MediaItem{},
				&models.TranscodeJob{},
			)
		},
		Down: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(
				&models.TranscodeJob{},
				&models.MediaItem{},
				&models.KnownFile{},
			)
		},
	}
}

const jobLookupIndex = "idx_transcode_jobs_path_status"

func migration002JobLookupIndex() Migration {
	return Migration{
		Version:     "002",
		Description: "Index transcode_jobs on (file_path, status)",
		Up: func(tx *gorm.DB) error {
			return tx.Exec("CREATE INDEX IF NOT EXISTS " + jobLookupIndex +
				" ON transcode_jobs (file_path, status)").Error
		},
		Down: func(tx *gorm.DB) error {
			return tx.Exec("DROP INDEX IF EXISTS " + jobLookupIndex).Error
		},
	}
}
