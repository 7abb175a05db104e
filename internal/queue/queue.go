// Package queue hands source files to background pre-transcoding. Jobs are
// rows in the transcode_jobs table; the consumer that runs them lives outside
// this process.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/jmylchreest/mediarr/internal/models"
	"github.com/jmylchreest/mediarr/internal/repository"
)

// ErrRelativePath is returned for paths that are not absolute.
var ErrRelativePath = errors.New("queue: path must be absolute")

// Enqueuer accepts files for background transcoding.
type Enqueuer interface {
	Enqueue(ctx context.Context, path string, source models.TranscodeJobSource) (bool, error)
}

// Queue writes transcode jobs, at most one active job per path.
type Queue struct {
	jobs   repository.TranscodeJobRepository
	logger *slog.Logger
}

// New creates a Queue.
func New(jobs repository.TranscodeJobRepository, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{jobs: jobs, logger: logger}
}

// Enqueue records a job for path unless one is already pending or running.
// It reports whether a job was created.
func (q *Queue) Enqueue(ctx context.Context, path string, source models.TranscodeJobSource) (bool, error) {
	if !filepath.IsAbs(path) {
		return false, fmt.Errorf("%w: %s", ErrRelativePath, path)
	}

	job := &models.TranscodeJob{
		FilePath: filepath.Clean(path),
		Source:   source,
		Status:   models.TranscodeJobPending,
	}
	created, err := q.jobs.CreateIfAbsent(ctx, job)
	if err != nil {
		return false, fmt.Errorf("enqueueing %s: %w", path, err)
	}

	if created {
		q.logger.Info("transcode job enqueued",
			slog.String("path", job.FilePath),
			slog.String("source", string(source)),
			slog.String("job_id", job.ID.String()),
		)
	} else {
		q.logger.Debug("transcode job already active", slog.String("path", job.FilePath))
	}
	return created, nil
}

// Pending returns up to limit jobs waiting to run, oldest first.
func (q *Queue) Pending(ctx context.Context, limit int) ([]*models.TranscodeJob, error) {
	return q.jobs.ListByStatus(ctx, models.TranscodeJobPending, limit)
}
