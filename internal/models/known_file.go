package models

import "time"

// KnownFile records a source path the ingestion watcher has already processed,
// so that a restart does not re-import the whole library.
type KnownFile struct {
	BaseModel
	Path    string    `gorm:"uniqueIndex;size:2048;not null" json:"path"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
	// LastError holds the processing error, if any. Failed files stay known.
	LastError string `gorm:"size:1024" json:"last_error,omitempty"`
}

// TableName returns the table name for KnownFile.
func (KnownFile) TableName() string {
	return "known_files"
}
