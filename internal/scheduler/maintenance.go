package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jmylchreest/mediarr/internal/startup"
)

// Task names.
const (
	TaskCacheSweep     = "cache_sweep"
	TaskReconcile      = "reconcile"
	TaskSessionCleanup = "session_cleanup"
)

// SegmentCache is the part of the segment cache maintenance needs.
type SegmentCache interface {
	CleanOldSegments() (int, error)
	EnforceMaxSize() (int, error)
}

// PlaylistCache drops expired playlist validation results.
type PlaylistCache interface {
	PruneCache() int
}

// Reconciler re-processes watcher gaps.
type Reconciler interface {
	Reconcile(ctx context.Context) (int, error)
}

// Maintenance collects the components periodic tasks act on. Nil fields
// disable the tasks that need them.
type Maintenance struct {
	Cache         SegmentCache
	Playlists     PlaylistCache
	Watcher       Reconciler
	TranscodeRoot string
	OrphanMaxAge  time.Duration
	IsActive      startup.IsActive
}

// Schedules holds the cron expressions for the maintenance tasks.
type Schedules struct {
	CacheSweep     string
	Reconcile      string
	SessionCleanup string
}

// RegisterMaintenance registers the maintenance tasks on s.
func RegisterMaintenance(s *Scheduler, m Maintenance, sched Schedules) error {
	var errs []error
	if m.Cache != nil || m.Playlists != nil {
		errs = append(errs, s.Register(TaskCacheSweep, sched.CacheSweep, m.cacheSweep(s.logger)))
	}
	if m.Watcher != nil {
		errs = append(errs, s.Register(TaskReconcile, sched.Reconcile, func(ctx context.Context) error {
			_, err := m.Watcher.Reconcile(ctx)
			return err
		}))
	}
	if m.TranscodeRoot != "" {
		errs = append(errs, s.Register(TaskSessionCleanup, sched.SessionCleanup, func(context.Context) error {
			_, err := startup.CleanupOrphanedSessionDirs(s.logger, m.TranscodeRoot, m.OrphanMaxAge, m.IsActive)
			return err
		}))
	}
	return errors.Join(errs...)
}

// cacheSweep removes expired entries first so size enforcement only evicts
// what the age bound left behind.
func (m Maintenance) cacheSweep(logger *slog.Logger) Task {
	return func(ctx context.Context) error {
		if m.Playlists != nil {
			m.Playlists.PruneCache()
		}
		if m.Cache == nil {
			return nil
		}
		expired, err := m.Cache.CleanOldSegments()
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		evicted, err := m.Cache.EnforceMaxSize()
		if err != nil {
			return err
		}
		logger.Debug("cache sweep finished", slog.Int("expired", expired), slog.Int("evicted", evicted))
		return nil
	}
}
