// Package playback resolves stream requests to pre-transcoded assets or
// realtime encoder sessions.
package playback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/jmylchreest/mediarr/internal/assets"
	"github.com/jmylchreest/mediarr/internal/buffer"
	"github.com/jmylchreest/mediarr/internal/ffmpeg"
	"github.com/jmylchreest/mediarr/internal/models"
	"github.com/jmylchreest/mediarr/internal/queue"
	"github.com/jmylchreest/mediarr/internal/segcache"
	"github.com/jmylchreest/mediarr/internal/session"
	"github.com/jmylchreest/mediarr/internal/transcoder"
)

// Content types.
const (
	ContentTypePlaylist = "application/vnd.apple.mpegurl"
	ContentTypeSegment  = "video/mp2t"
)

// DefaultStreamPath is the route prefix used in rewritten playlist URLs.
const DefaultStreamPath = "/api/v1/stream"

// sourceResolution is the cache key resolution for realtime output, which
// keeps the source frame size.
const sourceResolution = "source"

var (
	// ErrMediaNotFound is returned for unknown media identifiers.
	ErrMediaNotFound = errors.New("media not found")
	// ErrRealtimeDisabled is returned when no pre-transcoded asset exists and
	// realtime transcoding is unavailable.
	ErrRealtimeDisabled = errors.New("realtime transcoding is disabled")
	// ErrInvalidRequest is returned for malformed stream requests.
	ErrInvalidRequest = errors.New("invalid stream request")
)

// Catalog maps media identifiers to source files.
type Catalog interface {
	GetByID(ctx context.Context, id models.ULID) (*models.MediaItem, error)
}

// Realtime starts and waits on encoder sessions.
type Realtime interface {
	Start(ctx context.Context, filePath string, audioTrack int) (session.Session, error)
	WaitForPlaylist(ctx context.Context, s session.Session) error
	OutputDir(sessionID string) string
}

// SegmentCache stores finished realtime segments.
type SegmentCache interface {
	Get(key segcache.Key) (string, bool)
	SetAsync(key segcache.Key, sourcePath string) bool
}

// CapabilityDetector reports the active encoder.
type CapabilityDetector interface {
	Detect(ctx context.Context) ffmpeg.Capabilities
}

// Prober reads stream metadata from a source file.
type Prober interface {
	Probe(ctx context.Context, path string) (*ffmpeg.ProbeInfo, error)
}

// Kind identifies what a Response carries.
type Kind int

const (
	KindPlaylist Kind = iota
	KindSegment
)

// CacheStatus reports how a segment was served.
type CacheStatus string

const (
	CacheNone CacheStatus = ""
	CacheHit  CacheStatus = "HIT"
	CacheMiss CacheStatus = "MISS"
)

// Request is one stream request. At most one of Segment and Playlist is set;
// neither selects the master playlist.
type Request struct {
	MediaID    string
	Segment    string
	Playlist   string
	AudioTrack int
	Subtitle   string
}

// Response is a served playlist body or a segment file on disk.
type Response struct {
	Kind        Kind
	ContentType string
	Body        []byte
	FilePath    string

	Pretranscoded bool
	Partial       bool
	InstantSeek   bool
	Cache         CacheStatus
}

// Service serves stream requests.
type Service struct {
	catalog   Catalog
	assets    *assets.Server
	realtime  Realtime
	detector  CapabilityDetector
	buffers   *buffer.Registry
	cache     SegmentCache
	prober    Prober
	bandwidth int
	basePath  string
	logger    *slog.Logger
}

// NewService creates a playback service serving pre-transcoded assets only.
// Realtime transcoding is enabled with WithRealtime.
func NewService(catalog Catalog, assetServer *assets.Server) *Service {
	return &Service{
		catalog:   catalog,
		assets:    assetServer,
		bandwidth: 6_000_000,
		basePath:  DefaultStreamPath,
		logger:    slog.Default(),
	}
}

// WithLogger sets the logger for the service.
func (s *Service) WithLogger(logger *slog.Logger) *Service {
	s.logger = logger
	return s
}

// WithRealtime enables realtime transcoding.
func (s *Service) WithRealtime(rt Realtime, detector CapabilityDetector, buffers *buffer.Registry) *Service {
	s.realtime = rt
	s.detector = detector
	s.buffers = buffers
	return s
}

// WithSegmentCache enables caching of realtime segments.
func (s *Service) WithSegmentCache(c SegmentCache) *Service {
	s.cache = c
	return s
}

// WithProber sets the prober used for audio track listings.
func (s *Service) WithProber(p Prober) *Service {
	s.prober = p
	return s
}

// WithVariantBandwidth sets the BANDWIDTH advertised by realtime master playlists.
func (s *Service) WithVariantBandwidth(bps int) *Service {
	if bps > 0 {
		s.bandwidth = bps
	}
	return s
}

// WithBasePath sets the route prefix used in rewritten URLs.
func (s *Service) WithBasePath(p string) *Service {
	s.basePath = strings.TrimRight(p, "/")
	return s
}

// RealtimeEnabled reports whether realtime transcoding is available.
func (s *Service) RealtimeEnabled() bool {
	return s.realtime != nil
}

// Serve resolves a stream request.
func (s *Service) Serve(ctx context.Context, req Request) (*Response, error) {
	if req.Segment != "" && req.Playlist != "" {
		return nil, fmt.Errorf("%w: segment and playlist are mutually exclusive", ErrInvalidRequest)
	}
	if req.AudioTrack < 0 {
		return nil, fmt.Errorf("%w: negative audio track", ErrInvalidRequest)
	}

	item, err := s.lookup(ctx, req.MediaID)
	if err != nil {
		return nil, err
	}

	if a, ok := s.assets.Lookup(item.FilePath); ok {
		return s.servePretranscoded(a, req)
	}
	if s.realtime == nil {
		return nil, ErrRealtimeDisabled
	}
	return s.serveRealtime(ctx, item, req)
}

func (s *Service) lookup(ctx context.Context, mediaID string) (*models.MediaItem, error) {
	id, err := models.ParseULID(mediaID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMediaNotFound, mediaID)
	}
	item, err := s.catalog.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("loading media %s: %w", mediaID, err)
	}
	if item == nil {
		return nil, fmt.Errorf("%w: %s", ErrMediaNotFound, mediaID)
	}
	return item, nil
}

func (s *Service) servePretranscoded(a assets.Asset, req Request) (*Response, error) {
	resp := &Response{
		Pretranscoded: true,
		Partial:       a.Partial,
		InstantSeek:   a.Complete,
	}
	rewrite := s.rewriter(req)

	switch {
	case req.Segment != "":
		p, err := s.assets.ServeSegment(a, req.Segment)
		if err != nil {
			return nil, err
		}
		resp.Kind, resp.ContentType, resp.FilePath = KindSegment, ContentTypeSegment, p
	case req.Playlist != "":
		body, _, err := s.assets.ServeVariant(a, req.Playlist, rewrite)
		if err != nil {
			return nil, err
		}
		resp.Kind, resp.ContentType, resp.Body = KindPlaylist, ContentTypePlaylist, body
	default:
		body, err := s.assets.ServeMaster(a, rewrite)
		if err != nil {
			return nil, err
		}
		resp.Kind, resp.ContentType, resp.Body = KindPlaylist, ContentTypePlaylist, body
	}
	return resp, nil
}

func (s *Service) serveRealtime(ctx context.Context, item *models.MediaItem, req Request) (*Response, error) {
	id := session.SessionID(item.FilePath, req.AudioTrack)
	dir := s.realtime.OutputDir(id)
	// A finished realtime output is served as-is; starting a session would
	// clear it.
	complete := transcoder.IsComplete(dir)

	switch {
	case req.Segment != "":
		return s.serveRealtimeSegment(ctx, item, req, id, dir, complete)
	case req.Playlist != "":
		return s.serveRealtimeVariant(ctx, item, req, dir, complete)
	default:
		if !complete {
			if _, err := s.realtime.Start(ctx, item.FilePath, req.AudioTrack); err != nil {
				return nil, err
			}
		}
		return &Response{
			Kind:        KindPlaylist,
			ContentType: ContentTypePlaylist,
			Body:        s.syntheticMaster(req),
			InstantSeek: complete,
		}, nil
	}
}

func (s *Service) serveRealtimeVariant(ctx context.Context, item *models.MediaItem, req Request, dir string, complete bool) (*Response, error) {
	if path.Clean(req.Playlist) != transcoder.VariantPlaylist {
		return nil, assets.ErrNotFound
	}
	if !complete {
		sess, err := s.realtime.Start(ctx, item.FilePath, req.AudioTrack)
		if err != nil {
			return nil, err
		}
		if err := s.realtime.WaitForPlaylist(ctx, sess); err != nil {
			return nil, err
		}
		dir = sess.OutputDir
	}

	body, _, err := s.assets.ServeLive(dir, transcoder.VariantPlaylist, s.rewriter(req))
	if err != nil {
		return nil, err
	}
	return &Response{
		Kind:        KindPlaylist,
		ContentType: ContentTypePlaylist,
		Body:        body,
		InstantSeek: complete,
	}, nil
}

func (s *Service) serveRealtimeSegment(ctx context.Context, item *models.MediaItem, req Request, id, dir string, complete bool) (*Response, error) {
	index, ok := ParseSegmentIndex(req.Segment)
	if !ok {
		return nil, assets.ErrNotFound
	}
	resp := &Response{Kind: KindSegment, ContentType: ContentTypeSegment, InstantSeek: complete}

	var key segcache.Key
	if s.cache != nil {
		key = s.cacheKey(ctx, item.FilePath, req.AudioTrack, index)
		if p, hit := s.cache.Get(key); hit {
			s.markConsumed(id, index)
			resp.FilePath, resp.Cache = p, CacheHit
			return resp, nil
		}
	}

	p := filepath.Join(dir, req.Segment)
	if info, err := os.Stat(p); err == nil && info.Mode().IsRegular() {
		if s.cache != nil {
			s.cache.SetAsync(key, p)
			resp.Cache = CacheMiss
		}
		s.markConsumed(id, index)
		resp.FilePath = p
		return resp, nil
	}

	if complete {
		return nil, assets.ErrNotFound
	}
	// The player may ask for segments before the session exists, e.g. after
	// a restart. Make sure one is running and ask it to retry.
	if _, err := s.realtime.Start(ctx, item.FilePath, req.AudioTrack); err != nil {
		return nil, err
	}
	return nil, assets.ErrSegmentUnavailable
}

func (s *Service) cacheKey(ctx context.Context, filePath string, audioTrack, index int) segcache.Key {
	codec := ffmpeg.SoftwareEncoder
	if s.detector != nil {
		codec = s.detector.Detect(ctx).Encoder
	}
	return segcache.Key{
		FilePath:     filePath,
		AudioTrack:   audioTrack,
		SegmentIndex: index,
		Codec:        codec,
		Resolution:   sourceResolution,
	}
}

func (s *Service) markConsumed(sessionID string, index int) {
	if s.buffers == nil {
		return
	}
	if bm, ok := s.buffers.Lookup(sessionID); ok {
		bm.MarkConsumed(index)
	}
}

func (s *Service) syntheticMaster(req Request) []byte {
	var b strings.Builder
	b.WriteString("#EXTM3U\n#EXT-X-VERSION:3\n")
	fmt.Fprintf(&b, "#EXT-X-STREAM-INF:BANDWIDTH=%d\n", s.bandwidth)
	b.WriteString(s.rewriter(req)(assets.RefPlaylist, transcoder.VariantPlaylist))
	b.WriteString("\n")
	return []byte(b.String())
}

// rewriter maps playlist references to stream URLs that carry the request's
// audio and subtitle selection.
func (s *Service) rewriter(req Request) assets.Rewriter {
	return func(kind assets.RefKind, name string) string {
		q := url.Values{}
		if kind == assets.RefSegment {
			q.Set("segment", name)
		} else {
			q.Set("playlist", name)
		}
		q.Set("audio", strconv.Itoa(req.AudioTrack))
		if req.Subtitle != "" {
			q.Set("subtitle", req.Subtitle)
		}
		return s.basePath + "/" + url.PathEscape(req.MediaID) + "?" + q.Encode()
	}
}

// ParseSegmentIndex extracts n from a realtime segment name segment_NNNNN.ts.
func ParseSegmentIndex(name string) (int, bool) {
	if name != filepath.Base(name) {
		return 0, false
	}
	digits, ok := strings.CutPrefix(name, "segment_")
	if !ok {
		return 0, false
	}
	digits, ok = strings.CutSuffix(digits, ".ts")
	if !ok || digits == "" {
		return 0, false
	}
	n, err := strconv.Atoi(digits)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// AudioTracks lists the audio tracks of a media item, preferring the
// pre-transcoded side-car file over probing the source.
func (s *Service) AudioTracks(ctx context.Context, mediaID string) ([]ffmpeg.AudioTrack, error) {
	item, err := s.lookup(ctx, mediaID)
	if err != nil {
		return nil, err
	}
	if a, ok := s.assets.Lookup(item.FilePath); ok {
		tracks, err := s.assets.ReadAudioTracks(a)
		if err == nil {
			return tracks, nil
		}
		if !errors.Is(err, assets.ErrNotFound) {
			s.logger.Warn("reading audio track side-car failed",
				slog.String("media_id", mediaID),
				slog.String("error", err.Error()),
			)
		}
	}
	if s.prober == nil {
		return []ffmpeg.AudioTrack{}, nil
	}
	info, err := s.prober.Probe(ctx, item.FilePath)
	if err != nil {
		return nil, fmt.Errorf("probing %s: %w", item.FilePath, err)
	}
	return info.AudioTracks, nil
}

// EnqueueHook returns a transcoder start hook that hands each newly started
// realtime file to the background queue.
func EnqueueHook(q queue.Enqueuer, logger *slog.Logger) transcoder.StartHook {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, sess session.Session) {
		if _, err := q.Enqueue(ctx, sess.FilePath, models.TranscodeSourceRealtime); err != nil {
			logger.Warn("enqueueing realtime file failed",
				slog.String("session_id", sess.ID),
				slog.String("file", sess.FilePath),
				slog.String("error", err.Error()),
			)
		}
	}
}
