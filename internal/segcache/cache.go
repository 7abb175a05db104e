// Package segcache is a content-addressed disk cache of encoded segments.
//
// Entries are addressed by a hash of the segment's identity and stored under
// a two-character shard directory. A file's modification time doubles as its
// last-access time: reads refresh it, and both size eviction and the age
// sweep order by it.
package segcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/jmylchreest/mediarr/internal/metrics"
	"github.com/jmylchreest/mediarr/internal/storage"
)

const segmentExt = ".ts"

// Key identifies one encoded segment.
type Key struct {
	FilePath     string
	AudioTrack   int
	SegmentIndex int
	Codec        string
	Resolution   string
}

// Hash returns the stable content address of the key.
func (k Key) Hash() string {
	h := sha256.New()
	for _, part := range []string{
		k.FilePath,
		strconv.Itoa(k.AudioTrack),
		strconv.Itoa(k.SegmentIndex),
		k.Codec,
		k.Resolution,
	} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func relPath(hash string) string {
	return filepath.Join(hash[:2], hash+segmentExt)
}

// Options configures a Cache.
type Options struct {
	Dir       string
	MaxSize   int64
	MaxAge    time.Duration
	QueueSize int
	// Verify checks that a segment parses as MPEG-TS before it is cached.
	Verify bool
	Logger *slog.Logger
}

// Stats describes the cache contents.
type Stats struct {
	Entries       int    `json:"entries"`
	TotalBytes    int64  `json:"total_bytes"`
	MaxBytes      int64  `json:"max_bytes"`
	TotalHuman    string `json:"total_human"`
	MaxHuman      string `json:"max_human"`
	Hits          int64  `json:"hits"`
	Misses        int64  `json:"misses"`
	WritesDropped int64  `json:"writes_dropped"`
}

type writeRequest struct {
	key Key
	src string
}

// Cache is a size- and age-bounded segment cache.
type Cache struct {
	sandbox *storage.Sandbox
	maxSize int64
	maxAge  time.Duration
	verify  bool
	logger  *slog.Logger

	// Serializes enforcement passes; Get and Set do not take it.
	enforceMu sync.Mutex

	queue   chan writeRequest
	wg      sync.WaitGroup
	closeMu sync.RWMutex
	closed  bool

	hits    atomic.Int64
	misses  atomic.Int64
	dropped atomic.Int64
}

// New creates a cache rooted at opts.Dir.
func New(opts Options) (*Cache, error) {
	if opts.MaxSize <= 0 {
		return nil, errors.New("cache max size must be positive")
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	sandbox, err := storage.NewSandbox(opts.Dir)
	if err != nil {
		return nil, fmt.Errorf("creating cache directory: %w", err)
	}
	return &Cache{
		sandbox: sandbox,
		maxSize: opts.MaxSize,
		maxAge:  opts.MaxAge,
		verify:  opts.Verify,
		logger:  opts.Logger,
		queue:   make(chan writeRequest, opts.QueueSize),
	}, nil
}

// Dir returns the cache root.
func (c *Cache) Dir() string {
	return c.sandbox.BaseDir()
}

// Get returns the path of a cached segment and refreshes its access time.
func (c *Cache) Get(key Key) (string, bool) {
	path, err := c.sandbox.ResolvePath(relPath(key.Hash()))
	if err != nil {
		return "", false
	}
	now := time.Now()
	if err := os.Chtimes(path, now, now); err != nil {
		c.misses.Add(1)
		metrics.CacheRequests.WithLabelValues("miss").Inc()
		return "", false
	}
	c.hits.Add(1)
	metrics.CacheRequests.WithLabelValues("hit").Inc()
	return path, true
}

// Set copies sourcePath into the cache under key, then enforces the size
// limit. The entry becomes visible only once fully written.
func (c *Cache) Set(key Key, sourcePath string) error {
	if c.verify {
		if err := VerifySegment(sourcePath); err != nil {
			return fmt.Errorf("refusing to cache %s: %w", filepath.Base(sourcePath), err)
		}
	}
	if _, err := c.sandbox.CopyIn(sourcePath, relPath(key.Hash())); err != nil {
		return fmt.Errorf("caching segment: %w", err)
	}
	if _, err := c.EnforceMaxSize(); err != nil {
		return fmt.Errorf("enforcing cache size: %w", err)
	}
	return nil
}

// SetAsync queues a write without blocking. It reports false when the write
// was dropped because the queue is full or the cache is closed.
func (c *Cache) SetAsync(key Key, sourcePath string) bool {
	c.closeMu.RLock()
	defer c.closeMu.RUnlock()
	if c.closed {
		return false
	}
	select {
	case c.queue <- writeRequest{key: key, src: sourcePath}:
		return true
	default:
		c.dropped.Add(1)
		metrics.CacheWritesDropped.Inc()
		return false
	}
}

// Start runs the background writer until ctx is cancelled or Close is called.
func (c *Cache) Start(ctx context.Context) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case req, ok := <-c.queue:
				if !ok {
					return
				}
				if err := c.Set(req.key, req.src); err != nil {
					c.logger.Warn("background cache write failed",
						slog.String("segment", filepath.Base(req.src)),
						slog.String("error", err.Error()),
					)
				}
			}
		}
	}()
}

// Close stops accepting writes, drains queued writes and waits for the writer.
func (c *Cache) Close() {
	c.closeMu.Lock()
	if !c.closed {
		c.closed = true
		close(c.queue)
	}
	c.closeMu.Unlock()
	c.wg.Wait()
}

type entry struct {
	path     string
	size     int64
	accessed time.Time
}

func (c *Cache) scan() ([]entry, []string, error) {
	var entries []entry
	var temps []string
	err := c.sandbox.WalkDir(".", func(rel string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		abs := filepath.Join(c.sandbox.BaseDir(), rel)
		if strings.HasSuffix(d.Name(), storage.TempSuffix) {
			temps = append(temps, abs)
			return nil
		}
		if !strings.HasSuffix(d.Name(), segmentExt) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		entries = append(entries, entry{path: abs, size: info.Size(), accessed: info.ModTime()})
		return nil
	})
	return entries, temps, err
}

// EnforceMaxSize evicts least recently accessed entries until the cache is
// within its size limit. It returns the number of entries removed.
func (c *Cache) EnforceMaxSize() (int, error) {
	c.enforceMu.Lock()
	defer c.enforceMu.Unlock()

	entries, _, err := c.scan()
	if err != nil {
		return 0, err
	}

	var total int64
	for _, e := range entries {
		total += e.size
	}
	if total <= c.maxSize {
		metrics.CacheBytes.Set(float64(total))
		return 0, nil
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].accessed.Before(entries[j].accessed) })

	removed := 0
	for _, e := range entries {
		if total <= c.maxSize {
			break
		}
		if err := os.Remove(e.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			c.logger.Warn("evicting cache entry failed", slog.String("path", e.path), slog.String("error", err.Error()))
			continue
		}
		total -= e.size
		removed++
	}

	metrics.CacheEvictions.WithLabelValues("size").Add(float64(removed))
	metrics.CacheBytes.Set(float64(total))
	c.logger.Info("cache size enforced",
		slog.Int("evicted", removed),
		slog.String("size", humanize.IBytes(uint64(total))),
		slog.String("limit", humanize.IBytes(uint64(c.maxSize))),
	)
	return removed, nil
}

// CleanOldSegments removes entries not accessed within the configured max
// age, regardless of size pressure, together with abandoned temporary files.
func (c *Cache) CleanOldSegments() (int, error) {
	if c.maxAge <= 0 {
		return 0, nil
	}

	c.enforceMu.Lock()
	defer c.enforceMu.Unlock()

	entries, temps, err := c.scan()
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-c.maxAge)
	removed := 0
	for _, e := range entries {
		if !e.accessed.Before(cutoff) {
			continue
		}
		if err := os.Remove(e.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			continue
		}
		removed++
	}

	// In-flight writes finish well within an hour.
	tempCutoff := time.Now().Add(-time.Hour)
	for _, tmp := range temps {
		if info, err := os.Stat(tmp); err == nil && info.ModTime().Before(tempCutoff) {
			_ = os.Remove(tmp)
		}
	}

	metrics.CacheEvictions.WithLabelValues("age").Add(float64(removed))
	if removed > 0 {
		c.logger.Info("removed expired cache entries", slog.Int("removed", removed))
	}
	return removed, nil
}

// Stats scans the cache and returns its current contents.
func (c *Cache) Stats() (Stats, error) {
	entries, _, err := c.scan()
	if err != nil {
		return Stats{}, err
	}
	s := Stats{
		Entries:       len(entries),
		MaxBytes:      c.maxSize,
		Hits:          c.hits.Load(),
		Misses:        c.misses.Load(),
		WritesDropped: c.dropped.Load(),
	}
	for _, e := range entries {
		s.TotalBytes += e.size
	}
	s.TotalHuman = humanize.IBytes(uint64(s.TotalBytes))
	s.MaxHuman = humanize.IBytes(uint64(s.MaxBytes))
	return s, nil
}
