// Package watcher discovers new source files in the library and hands them
// to background transcoding once they have stopped growing.
//
// Discovery uses fsnotify plus a periodic full-tree poll; inotify does not
// see changes made on network mounts by other hosts, so the poll is what
// eventually finds them. Each path has at most one pending debounce timer.
// When it fires the file size is sampled twice, StabilityDelay apart, and a
// change restarts the debounce.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/jmylchreest/mediarr/internal/ffmpeg"
	"github.com/jmylchreest/mediarr/internal/metrics"
	"github.com/jmylchreest/mediarr/internal/queue"
	"github.com/jmylchreest/mediarr/internal/repository"
)

// Prober reads stream metadata from a source file.
type Prober interface {
	Probe(ctx context.Context, path string) (*ffmpeg.ProbeInfo, error)
}

// Options configures a Watcher.
type Options struct {
	Paths          []string
	Extensions     []string
	Debounce       time.Duration
	StabilityDelay time.Duration
	PollInterval   time.Duration
	BatchSize      int
}

func (o *Options) setDefaults() {
	if o.Debounce <= 0 {
		o.Debounce = 5 * time.Second
	}
	if o.StabilityDelay <= 0 {
		o.StabilityDelay = 2 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 5 * time.Minute
	}
	if o.BatchSize < 1 {
		o.BatchSize = 25
	}
}

type pendingFile struct {
	timer *time.Timer
	gen   uint64
}

// Watcher tracks library files from discovery to import.
type Watcher struct {
	opts       Options
	extensions map[string]bool
	known      repository.KnownFileRepository
	catalog    repository.MediaItemRepository
	queue      queue.Enqueuer
	prober     Prober
	logger     *slog.Logger
	stat       func(string) (fs.FileInfo, error)

	mu       sync.Mutex
	knownSet map[string]struct{}
	pending  map[string]*pendingFile
	inflight map[string]struct{}
	nextGen  uint64

	ready   chan string
	stop    chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
	fsw     *fsnotify.Watcher
}

// New creates a Watcher. prober may be nil.
func New(opts Options, known repository.KnownFileRepository, catalog repository.MediaItemRepository, q queue.Enqueuer, prober Prober, logger *slog.Logger) *Watcher {
	opts.setDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	exts := make(map[string]bool, len(opts.Extensions))
	for _, e := range opts.Extensions {
		e = strings.ToLower(e)
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		exts[e] = true
	}
	return &Watcher{
		opts:       opts,
		extensions: exts,
		known:      known,
		catalog:    catalog,
		queue:      q,
		prober:     prober,
		logger:     logger,
		stat:       os.Stat,
		knownSet:   make(map[string]struct{}),
		pending:    make(map[string]*pendingFile),
		inflight:   make(map[string]struct{}),
		ready:      make(chan string, opts.BatchSize*4),
		stop:       make(chan struct{}),
	}
}

// Start loads the known-file state, reconciles it against the catalog,
// and begins watching. It returns once the watches are in place.
func (w *Watcher) Start(ctx context.Context) error {
	n, err := w.loadKnown(ctx)
	if err != nil {
		return err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	w.fsw = fsw
	for _, root := range w.opts.Paths {
		w.addTree(root)
	}

	w.logger.Info("watcher started",
		slog.Int("known_files", n),
		slog.Any("paths", w.opts.Paths),
		slog.Duration("debounce", w.opts.Debounce),
		slog.Duration("poll_interval", w.opts.PollInterval),
	)

	w.wg.Add(3)
	go w.processLoop(ctx)
	go w.eventLoop()
	go w.pollLoop(ctx)

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		if _, err := w.Reconcile(ctx); err != nil {
			w.logger.Warn("startup reconciliation failed", slog.String("error", err.Error()))
		}
		w.Scan()
	}()
	return nil
}

func (w *Watcher) loadKnown(ctx context.Context) (int, error) {
	paths, err := w.known.ListPaths(ctx)
	if err != nil {
		return 0, fmt.Errorf("loading known files: %w", err)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, p := range paths {
		w.knownSet[p] = struct{}{}
	}
	return len(paths), nil
}

// Stop cancels pending timers, closes the watches, and waits for the
// background loops to exit.
func (w *Watcher) Stop() {
	w.stopped.Do(func() {
		close(w.stop)
		w.mu.Lock()
		for p, pf := range w.pending {
			pf.timer.Stop()
			delete(w.pending, p)
		}
		metrics.WatcherPending.Set(0)
		w.mu.Unlock()
		if w.fsw != nil {
			_ = w.fsw.Close()
		}
	})
	w.wg.Wait()
}

func (w *Watcher) isMedia(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") {
		return false
	}
	return w.extensions[strings.ToLower(filepath.Ext(base))]
}

// addTree watches root and every non-hidden directory below it.
func (w *Watcher) addTree(root string) {
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			w.logger.Warn("walking directory failed", slog.String("path", path), slog.String("error", err.Error()))
			metrics.WatcherErrors.Inc()
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		if err := w.fsw.Add(path); err != nil {
			w.logger.Warn("adding watch failed", slog.String("path", path), slog.String("error", err.Error()))
			metrics.WatcherErrors.Inc()
		}
		return nil
	})
	if err != nil {
		w.logger.Warn("watching tree failed", slog.String("root", root), slog.String("error", err.Error()))
	}
}

func (w *Watcher) eventLoop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.stop:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch error", slog.String("error", err.Error()))
			metrics.WatcherErrors.Inc()
		}
	}
}

func (w *Watcher) handleEvent(ev fsnotify.Event) {
	switch {
	case ev.Op.Has(fsnotify.Create):
		info, err := w.stat(ev.Name)
		if err != nil {
			return
		}
		if info.IsDir() {
			// Files may land in a new directory before its watch exists.
			w.addTree(ev.Name)
			w.scanTree(ev.Name)
			return
		}
		w.schedule(ev.Name)
	case ev.Op.Has(fsnotify.Write):
		w.schedule(ev.Name)
	case ev.Op.Has(fsnotify.Remove), ev.Op.Has(fsnotify.Rename):
		w.cancel(ev.Name)
	}
}

func (w *Watcher) pollLoop(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(w.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, root := range w.opts.Paths {
				w.addTree(root)
			}
			w.Scan()
		}
	}
}

// Scan walks every library root and schedules files that are neither known
// nor already pending.
func (w *Watcher) Scan() int {
	n := 0
	for _, root := range w.opts.Paths {
		n += w.scanTree(root)
	}
	return n
}

func (w *Watcher) scanTree(root string) int {
	n := 0
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if path != root && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		w.mu.Lock()
		_, isPending := w.pending[path]
		w.mu.Unlock()
		if !isPending && w.schedule(path) {
			n++
		}
		return nil
	})
	return n
}

// schedule arms or re-arms the debounce timer for path. It reports whether
// the path was accepted.
func (w *Watcher) schedule(path string) bool {
	if !w.isMedia(path) {
		return false
	}
	select {
	case <-w.stop:
		return false
	default:
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.knownSet[path]; ok {
		return false
	}
	if _, ok := w.inflight[path]; ok {
		return false
	}

	w.nextGen++
	gen := w.nextGen
	if pf, ok := w.pending[path]; ok {
		pf.timer.Stop()
		pf.gen = gen
		pf.timer = time.AfterFunc(w.opts.Debounce, func() { w.settle(path, gen) })
		return true
	}
	w.pending[path] = &pendingFile{
		gen:   gen,
		timer: time.AfterFunc(w.opts.Debounce, func() { w.settle(path, gen) }),
	}
	metrics.WatcherPending.Set(float64(len(w.pending)))
	return true
}

func (w *Watcher) cancel(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if pf, ok := w.pending[path]; ok {
		pf.timer.Stop()
		delete(w.pending, path)
		metrics.WatcherPending.Set(float64(len(w.pending)))
	}
}

func (w *Watcher) current(path string, gen uint64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	pf, ok := w.pending[path]
	return ok && pf.gen == gen
}

// settle runs when a debounce timer fires. The file is only handed on if its
// size holds still across StabilityDelay and no newer event re-armed it.
func (w *Watcher) settle(path string, gen uint64) {
	if !w.current(path, gen) {
		return
	}

	before, err := w.stat(path)
	if err != nil {
		w.cancel(path)
		return
	}

	select {
	case <-w.stop:
		return
	case <-time.After(w.opts.StabilityDelay):
	}

	if !w.current(path, gen) {
		return
	}
	after, err := w.stat(path)
	if err != nil {
		w.cancel(path)
		return
	}

	if before.Size() != after.Size() {
		w.logger.Debug("file still growing, restarting debounce",
			slog.String("path", path),
			slog.Int64("size", after.Size()),
		)
		w.schedule(path)
		return
	}

	w.mu.Lock()
	pf, ok := w.pending[path]
	if !ok || pf.gen != gen {
		w.mu.Unlock()
		return
	}
	delete(w.pending, path)
	w.inflight[path] = struct{}{}
	metrics.WatcherPending.Set(float64(len(w.pending)))
	w.mu.Unlock()

	select {
	case w.ready <- path:
	case <-w.stop:
	}
}

// Pending returns the paths currently waiting out their debounce.
func (w *Watcher) Pending() []string {
	w.mu.Lock()
	out := make([]string, 0, len(w.pending))
	for p := range w.pending {
		out = append(out, p)
	}
	w.mu.Unlock()
	slices.Sort(out)
	return out
}

// IsKnown reports whether path has been processed.
func (w *Watcher) IsKnown(path string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.knownSet[path]
	return ok
}

var errNotRegular = errors.New("not a regular file")
