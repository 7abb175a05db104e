// Package assets serves pre-transcoded HLS assets, including assets whose
// background transcode is still running. Variant playlists are validated
// against the segments on disk before they are served.
package assets

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bluenviron/gohlslib/v2/pkg/playlist"

	"github.com/jmylchreest/mediarr/internal/ffmpeg"
	"github.com/jmylchreest/mediarr/internal/metrics"
	"github.com/jmylchreest/mediarr/internal/models"
	"github.com/jmylchreest/mediarr/internal/storage"
)

// On-disk names inside an asset directory.
const (
	MasterPlaylist  = "master.m3u8"
	AudioTracksFile = "audio_tracks.json"
	CompleteMarker  = ".complete"
)

var (
	// ErrSegmentUnavailable means the segment may still be produced; retry.
	ErrSegmentUnavailable = errors.New("segment not available yet")
	// ErrNotFound means the requested file does not exist and will not appear.
	ErrNotFound = errors.New("asset file not found")
)

// Options configures a Server.
type Options struct {
	CatalogRoot   string
	EpisodicRoot  string
	ValidationTTL time.Duration
}

// Asset is a servable output directory.
type Asset struct {
	Dir string `json:"dir"`
	// Complete is set once the producing transcode has finished.
	Complete bool `json:"complete"`
	// Partial is set for assets served while their transcode is running.
	Partial bool `json:"partial"`
}

type cachedPlaylist struct {
	v       Validated
	expires time.Time
}

// Server locates and serves assets.
type Server struct {
	roots  []string
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time

	mu    sync.Mutex
	cache map[string]cachedPlaylist
}

// NewServer creates a Server. Asset directories are looked up under the
// catalog root first, then under the episodic root.
func NewServer(opts Options, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.ValidationTTL <= 0 {
		opts.ValidationTTL = 5 * time.Second
	}
	roots := []string{opts.CatalogRoot}
	if opts.EpisodicRoot != "" && opts.EpisodicRoot != opts.CatalogRoot {
		roots = append(roots, opts.EpisodicRoot)
	}
	return &Server{
		roots:  roots,
		ttl:    opts.ValidationTTL,
		logger: logger,
		now:    time.Now,
		cache:  make(map[string]cachedPlaylist),
	}
}

// AssetDirName maps a source path to its asset directory name: a readable
// slug of the file name plus a hash of the full path.
func AssetDirName(sourcePath string) string {
	stem := strings.TrimSuffix(filepath.Base(sourcePath), filepath.Ext(sourcePath))
	slug := strings.ReplaceAll(models.NormalizeTitle(stem), " ", "-")
	if r := []rune(slug); len(r) > 80 {
		slug = strings.TrimRight(string(r[:80]), "-")
	}
	sum := sha256.Sum256([]byte(sourcePath))
	hash := hex.EncodeToString(sum[:6])
	if slug == "" {
		return hash
	}
	return slug + "-" + hash
}

// GetAssetDir returns the first existing asset directory for a source path.
func (s *Server) GetAssetDir(sourcePath string) (string, bool) {
	name := AssetDirName(sourcePath)
	for _, root := range s.roots {
		dir := filepath.Join(root, name)
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			return dir, true
		}
	}
	return "", false
}

// Lookup returns the asset for a source path if it can be served. An asset
// is servable when its master playlist exists and it is either complete, its
// variant already ends the stream, or its variant lists at least one segment.
func (s *Server) Lookup(sourcePath string) (Asset, bool) {
	dir, ok := s.GetAssetDir(sourcePath)
	if !ok {
		return Asset{}, false
	}
	sb, err := storage.OpenSandbox(dir)
	if err != nil {
		return Asset{}, false
	}

	master, err := sb.ReadFile(MasterPlaylist)
	if err != nil {
		return Asset{}, false
	}
	if ok, _ := sb.Exists(CompleteMarker); ok {
		return Asset{Dir: dir, Complete: true}, true
	}

	variant := firstVariant(master)
	if variant == "" {
		return Asset{}, false
	}
	data, err := sb.ReadFile(variant)
	if err != nil {
		return Asset{}, false
	}

	ended, segments := inspectMedia(data)
	if ended {
		if err := sb.AtomicWrite(CompleteMarker, []byte(s.now().UTC().Format(time.RFC3339))); err != nil {
			s.logger.Warn("writing completion marker failed", slog.String("dir", dir), slog.String("error", err.Error()))
		}
		return Asset{Dir: dir, Complete: true}, true
	}
	if segments > 0 {
		return Asset{Dir: dir, Partial: true}, true
	}
	return Asset{}, false
}

// IsReady reports whether a pre-transcoded asset can be served.
func (s *Server) IsReady(sourcePath string) bool {
	_, ok := s.Lookup(sourcePath)
	return ok
}

func firstVariant(master []byte) string {
	if pl, err := playlist.Unmarshal(master); err == nil {
		if mv, ok := pl.(*playlist.Multivariant); ok && len(mv.Variants) > 0 {
			return path.Clean(mv.Variants[0].URI)
		}
	}
	if uri := firstURI(master); uri != "" {
		return path.Clean(uri)
	}
	return ""
}

// inspectMedia reports whether a media playlist is ended and how many
// segments it lists. Playlists the parser rejects are scanned line by line.
func inspectMedia(data []byte) (bool, int) {
	if pl, err := playlist.Unmarshal(data); err == nil {
		if media, ok := pl.(*playlist.Media); ok {
			return media.Endlist, len(media.Segments)
		}
	}
	ended, segments := false, 0
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		switch {
		case line == tagEndlist:
			ended = true
		case line != "" && !strings.HasPrefix(line, "#"):
			segments++
		}
	}
	return ended, segments
}

// ServeMaster returns the master playlist with variant and rendition URIs
// rewritten.
func (s *Server) ServeMaster(a Asset, rewrite Rewriter) ([]byte, error) {
	sb, err := storage.OpenSandbox(a.Dir)
	if err != nil {
		return nil, err
	}
	data, err := sb.ReadFile(MasterPlaylist)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("reading master playlist: %w", err)
	}
	return RewriteMaster(data, rewrite), nil
}

// ServeVariant returns a validated, rewritten variant playlist.
func (s *Server) ServeVariant(a Asset, name string, rewrite Rewriter) ([]byte, Validated, error) {
	v, err := s.Validate(a.Dir, name)
	if err != nil {
		return nil, Validated{}, err
	}
	return RewriteMedia(v.Content, path.Dir(path.Clean(name)), rewrite), v, nil
}

// ServeLive validates and rewrites a playlist that is still being written,
// such as a realtime session's output, without caching the result.
func (s *Server) ServeLive(dir, name string, rewrite Rewriter) ([]byte, Validated, error) {
	v, err := s.validate(dir, path.Clean(name), false)
	if err != nil {
		return nil, Validated{}, err
	}
	return RewriteMedia(v.Content, path.Dir(path.Clean(name)), rewrite), v, nil
}

// Validate returns the validated form of a variant playlist, reusing a
// recent result for the same directory and variant.
func (s *Server) Validate(dir, name string) (Validated, error) {
	return s.validate(dir, path.Clean(name), true)
}

func (s *Server) validate(dir, name string, cached bool) (Validated, error) {
	key := dir + "|" + name

	if cached {
		s.mu.Lock()
		if c, ok := s.cache[key]; ok && s.now().Before(c.expires) {
			s.mu.Unlock()
			return c.v, nil
		}
		s.mu.Unlock()
	}

	sb, err := storage.OpenSandbox(dir)
	if err != nil {
		return Validated{}, err
	}
	data, err := sb.ReadFile(name)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, storage.ErrEscapesSandbox) {
			return Validated{}, ErrNotFound
		}
		return Validated{}, fmt.Errorf("reading variant playlist: %w", err)
	}

	v := ValidatePlaylist(data, path.Dir(name), func(ref string) bool {
		if ref == "" {
			return false
		}
		info, err := sb.Stat(ref)
		return err == nil && info.Mode().IsRegular()
	})
	if v.Truncated {
		metrics.PlaylistTruncations.Inc()
		s.logger.Debug("variant playlist truncated at missing segment",
			slog.String("dir", dir),
			slog.String("variant", name),
			slog.Int("segments", v.Segments),
		)
	}

	if cached {
		s.mu.Lock()
		s.cache[key] = cachedPlaylist{v: v, expires: s.now().Add(s.ttl)}
		s.mu.Unlock()
	}
	return v, nil
}

// InvalidateDir drops cached validation results for a directory.
func (s *Server) InvalidateDir(dir string) {
	prefix := dir + "|"
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.cache {
		if strings.HasPrefix(k, prefix) {
			delete(s.cache, k)
		}
	}
}

// PruneCache drops expired validation results.
func (s *Server) PruneCache() int {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for k, c := range s.cache {
		if !now.Before(c.expires) {
			delete(s.cache, k)
			removed++
		}
	}
	return removed
}

// ServeSegment returns the on-disk path of a segment. A missing segment
// invalidates cached playlists for the directory; it is reported as
// retryable unless the asset is complete.
func (s *Server) ServeSegment(a Asset, name string) (string, error) {
	sb, err := storage.OpenSandbox(a.Dir)
	if err != nil {
		return "", err
	}
	p, err := sb.ResolvePath(path.Clean(name))
	if err != nil {
		return "", ErrNotFound
	}
	if info, err := os.Stat(p); err == nil && info.Mode().IsRegular() {
		return p, nil
	}

	s.InvalidateDir(a.Dir)
	if a.Complete {
		return "", ErrNotFound
	}
	return "", ErrSegmentUnavailable
}

// ReadAudioTracks reads the audio track side-car of an asset.
func (s *Server) ReadAudioTracks(a Asset) ([]ffmpeg.AudioTrack, error) {
	sb, err := storage.OpenSandbox(a.Dir)
	if err != nil {
		return nil, err
	}
	data, err := sb.ReadFile(AudioTracksFile)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var tracks []ffmpeg.AudioTrack
	if err := json.Unmarshal(data, &tracks); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", AudioTracksFile, err)
	}
	return tracks, nil
}
