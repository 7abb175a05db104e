package models

import "gorm.io/gorm"

// MediaItem is a catalog entry mapping a media identifier to its source file.
type MediaItem struct {
	BaseModel
	FilePath string  `gorm:"uniqueIndex;size:2048;not null" json:"file_path"`
	Title    string  `gorm:"size:512" json:"title"`
	Year     int     `json:"year,omitempty"`
	Season   *int    `json:"season,omitempty"`
	Episode  *int    `json:"episode,omitempty"`
	Duration float64 `json:"duration"` // seconds
	TitleKey string  `gorm:"index;size:512" json:"title_key"`
}

// TableName returns the table name for MediaItem.
func (MediaItem) TableName() string {
	return "media_items"
}

// IsEpisode reports whether the item belongs to a series.
func (m *MediaItem) IsEpisode() bool {
	return m.Season != nil && m.Episode != nil
}

// BeforeSave keeps TitleKey in step with the title fields.
func (m *MediaItem) BeforeSave(_ *gorm.DB) error {
	if m.Title != "" {
		m.TitleKey = BuildTitleKey(m.Title, m.Season, m.Episode, m.Year)
	} else if m.FilePath != "" {
		m.TitleKey = ParseTitleKey(m.FilePath)
	}
	return nil
}
