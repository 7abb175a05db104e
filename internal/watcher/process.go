package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/jmylchreest/mediarr/internal/metrics"
	"github.com/jmylchreest/mediarr/internal/models"
)

func (w *Watcher) processLoop(ctx context.Context) {
	defer w.wg.Done()
	batch := make([]string, 0, w.opts.BatchSize)
	for {
		select {
		case <-w.stop:
			return
		case <-ctx.Done():
			return
		case p := <-w.ready:
			batch = append(batch, p)
		}
	drain:
		for len(batch) < w.opts.BatchSize {
			select {
			case p := <-w.ready:
				batch = append(batch, p)
			default:
				break drain
			}
		}
		w.ProcessBatch(ctx, batch)
		batch = batch[:0]
	}
}

// ProcessBatch imports each path and records all of them as known, including
// those that failed, so a broken file is not retried forever. One file's
// failure never aborts the rest of the batch.
func (w *Watcher) ProcessBatch(ctx context.Context, paths []string) {
	if len(paths) == 0 {
		return
	}
	start := time.Now()
	records := make([]*models.KnownFile, 0, len(paths))
	failed := 0

	for _, path := range paths {
		rec := &models.KnownFile{Path: path}
		if info, err := w.stat(path); err == nil {
			rec.Size = info.Size()
			rec.ModTime = info.ModTime()
		}
		if err := w.processFile(ctx, path); err != nil {
			failed++
			rec.LastError = truncate(err.Error(), 1024)
			metrics.WatcherErrors.Inc()
			w.logger.Warn("importing file failed", slog.String("path", path), slog.String("error", err.Error()))
		}
		records = append(records, rec)
	}

	w.mu.Lock()
	for _, rec := range records {
		w.knownSet[rec.Path] = struct{}{}
		delete(w.inflight, rec.Path)
	}
	w.mu.Unlock()

	if err := w.known.UpsertBatch(ctx, records); err != nil {
		metrics.WatcherErrors.Inc()
		w.logger.Error("persisting known files failed", slog.Int("count", len(records)), slog.String("error", err.Error()))
	}

	w.logger.Info("processed watcher batch",
		slog.Int("files", len(paths)),
		slog.Int("failed", failed),
		slog.Duration("duration", time.Since(start)),
	)
}

// processFile registers the file in the catalog and enqueues it for
// background transcoding. A panic is reported as an error.
func (w *Watcher) processFile(ctx context.Context, path string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			w.logger.Error("panic importing file", slog.String("path", path), slog.String("stack", string(debug.Stack())))
		}
	}()

	info, err := w.stat(path)
	if err != nil {
		return err
	}
	if !info.Mode().IsRegular() {
		return errNotRegular
	}

	exists, err := w.catalog.ExistsByPath(ctx, path)
	if err != nil {
		return err
	}
	if !exists {
		item := &models.MediaItem{FilePath: path}
		if w.prober != nil {
			if probe, err := w.prober.Probe(ctx, path); err == nil {
				item.Duration = probe.Duration.Seconds()
			} else {
				w.logger.Debug("probe failed, importing without duration", slog.String("path", path), slog.String("error", err.Error()))
			}
		}
		if err := w.catalog.Create(ctx, item); err != nil {
			return fmt.Errorf("creating catalog entry: %w", err)
		}
	}

	created, err := w.queue.Enqueue(ctx, path, models.TranscodeSourceWatcher)
	if err != nil {
		return err
	}
	if created {
		metrics.WatcherFilesEnqueued.Inc()
	}
	return nil
}

// Reconcile finds known files that never made it into the catalog, matching
// by path and then by title key, and imports them again. Files that no
// longer exist are skipped. It returns the number of files re-processed.
func (w *Watcher) Reconcile(ctx context.Context) (int, error) {
	w.mu.Lock()
	paths := make([]string, 0, len(w.knownSet))
	for p := range w.knownSet {
		paths = append(paths, p)
	}
	w.mu.Unlock()

	var gaps []string
	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		ok, err := w.catalog.ExistsByPath(ctx, p)
		if err != nil {
			return 0, fmt.Errorf("reconciling %s: %w", p, err)
		}
		if ok {
			continue
		}
		ok, err = w.catalog.ExistsByTitleKey(ctx, models.ParseTitleKey(p))
		if err != nil {
			return 0, fmt.Errorf("reconciling %s: %w", p, err)
		}
		if ok {
			continue
		}
		if _, err := w.stat(p); err != nil {
			continue
		}
		gaps = append(gaps, p)
	}

	if len(gaps) == 0 {
		return 0, nil
	}

	w.mu.Lock()
	for _, p := range gaps {
		w.inflight[p] = struct{}{}
	}
	w.mu.Unlock()

	w.logger.Info("reconciliation found unimported files", slog.Int("count", len(gaps)))
	for start := 0; start < len(gaps); start += w.opts.BatchSize {
		end := min(start+w.opts.BatchSize, len(gaps))
		w.ProcessBatch(ctx, gaps[start:end])
	}
	metrics.WatcherReconciled.Add(float64(len(gaps)))
	return len(gaps), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
