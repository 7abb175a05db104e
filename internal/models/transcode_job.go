package models

import "time"

// TranscodeJobStatus represents the lifecycle state of a background transcode job.
type TranscodeJobStatus string

const (
	TranscodeJobPending   TranscodeJobStatus = "pending"
	TranscodeJobRunning   TranscodeJobStatus = "running"
	TranscodeJobCompleted TranscodeJobStatus = "completed"
	TranscodeJobFailed    TranscodeJobStatus = "failed"
)

// TranscodeJobSource identifies what enqueued a job.
type TranscodeJobSource string

const (
	TranscodeSourceWatcher  TranscodeJobSource = "watcher"
	TranscodeSourceRealtime TranscodeJobSource = "realtime"
)

// TranscodeJob is a request for background pre-transcoding of a source file.
// Scheduling and execution belong to the queue consumer.
type TranscodeJob struct {
	BaseModel
	FilePath    string             `gorm:"index;size:2048;not null" json:"file_path"`
	Source      TranscodeJobSource `gorm:"size:20" json:"source"`
	Status      TranscodeJobStatus `gorm:"index;size:20;default:'pending'" json:"status"`
	Attempts    int                `json:"attempts"`
	CompletedAt *time.Time         `json:"completed_at,omitempty"`
}

// TableName returns the table name for TranscodeJob.
func (TranscodeJob) TableName() string {
	return "transcode_jobs"
}

// IsActive reports whether the job is still waiting or running.
func (j *TranscodeJob) IsActive() bool {
	return j.Status == TranscodeJobPending || j.Status == TranscodeJobRunning
}
