// Package startup provides utilities for application startup tasks.
package startup

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmylchreest/mediarr/internal/storage"
)

// CompleteMarker is the file a realtime session writes on clean exit.
const CompleteMarker = ".complete"

// IsActive reports whether a session directory belongs to a running session.
type IsActive func(sessionID string) bool

// CleanupOrphanedSessionDirs removes realtime session directories under
// transcodeRoot that never completed and have not been modified within
// maxAge. Directories of active sessions are always kept, as are completed
// ones, which later sessions for the same stream reuse.
//
// Returns the number of directories removed and any error encountered.
func CleanupOrphanedSessionDirs(logger *slog.Logger, transcodeRoot string, maxAge time.Duration, active IsActive) (int, error) {
	if _, err := os.Stat(transcodeRoot); os.IsNotExist(err) {
		logger.Debug("transcode directory does not exist, skipping cleanup",
			slog.String("path", transcodeRoot),
		)
		return 0, nil
	}

	sb, err := storage.OpenSandbox(transcodeRoot)
	if err != nil {
		return 0, err
	}
	entries, err := os.ReadDir(transcodeRoot)
	if err != nil {
		logger.Error("failed to read directory for cleanup",
			slog.String("path", transcodeRoot),
			slog.String("error", err.Error()),
		)
		return 0, err
	}

	cutoff := time.Now().Add(-maxAge)
	var removed int

	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		name := entry.Name()
		dirPath := filepath.Join(transcodeRoot, name)

		if active != nil && active(name) {
			continue
		}
		if done, _ := sb.Exists(filepath.Join(name, CompleteMarker)); done {
			continue
		}

		modTime, err := newestModTime(dirPath)
		if err != nil {
			logger.Warn("failed to get directory info",
				slog.String("path", dirPath),
				slog.String("error", err.Error()),
			)
			continue
		}
		if modTime.After(cutoff) {
			continue
		}

		if err := sb.RemoveAll(name); err != nil {
			logger.Warn("failed to remove orphaned session directory",
				slog.String("path", dirPath),
				slog.String("error", err.Error()),
			)
			continue
		}

		logger.Info("removed orphaned session directory",
			slog.String("path", dirPath),
			slog.Duration("age", time.Since(modTime).Round(time.Second)),
		)
		removed++
	}

	return removed, nil
}

// newestModTime returns the latest modification time of dir and its direct
// children. Segment writes do not always touch the directory itself.
func newestModTime(dir string) (time.Time, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return time.Time{}, err
	}
	newest := info.ModTime()
	entries, err := os.ReadDir(dir)
	if err != nil {
		return newest, nil
	}
	for _, e := range entries {
		if fi, err := e.Info(); err == nil && fi.ModTime().After(newest) {
			newest = fi.ModTime()
		}
	}
	return newest, nil
}
