package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/jmylchreest/mediarr/internal/assets"
	"github.com/jmylchreest/mediarr/internal/metrics"
	"github.com/jmylchreest/mediarr/internal/observability"
	"github.com/jmylchreest/mediarr/internal/service/playback"
	"github.com/jmylchreest/mediarr/internal/session"
	"github.com/jmylchreest/mediarr/internal/transcoder"
)

// Stream signalling headers.
const (
	HeaderPretranscoded = "X-Pretranscoded"
	HeaderAssetPartial  = "X-Asset-Partial"
	HeaderCache         = "X-Cache"
	HeaderInstantSeek   = "X-Instant-Seek"
)

// StreamService resolves stream requests.
type StreamService interface {
	Serve(ctx context.Context, req playback.Request) (*playback.Response, error)
}

// StreamHandler serves playlists and segments.
type StreamHandler struct {
	svc        StreamService
	retryAfter time.Duration
	logger     *slog.Logger
}

// NewStreamHandler creates a new stream handler.
func NewStreamHandler(svc StreamService, retryAfter time.Duration) *StreamHandler {
	if retryAfter <= 0 {
		retryAfter = 2 * time.Second
	}
	return &StreamHandler{svc: svc, retryAfter: retryAfter, logger: slog.Default()}
}

// WithLogger sets the logger for the handler.
func (h *StreamHandler) WithLogger(logger *slog.Logger) *StreamHandler {
	h.logger = logger
	return h
}

// RegisterChiRoutes registers the stream route as a raw chi handler. Segments
// are served with range support straight from disk, which huma's typed
// responses do not do.
func (h *StreamHandler) RegisterChiRoutes(router chi.Router) {
	router.Get(playback.DefaultStreamPath+"/{mediaID}", h.handleStream)
	router.Head(playback.DefaultStreamPath+"/{mediaID}", h.handleStream)
}

func (h *StreamHandler) handleStream(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := playback.Request{
		MediaID:  chi.URLParam(r, "mediaID"),
		Segment:  q.Get("segment"),
		Playlist: q.Get("playlist"),
		Subtitle: q.Get("subtitle"),
	}
	if v := q.Get("audio"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			http.Error(w, "invalid audio track", http.StatusBadRequest)
			return
		}
		req.AudioTrack = n
	}

	resp, err := h.svc.Serve(r.Context(), req)
	if err != nil {
		h.writeError(w, r, req, err)
		return
	}

	metrics.AssetRequests.WithLabelValues(deliveryPath(resp), requestKind(req)).Inc()

	w.Header().Set(HeaderPretranscoded, strconv.FormatBool(resp.Pretranscoded))
	w.Header().Set(HeaderAssetPartial, strconv.FormatBool(resp.Partial))
	w.Header().Set(HeaderInstantSeek, strconv.FormatBool(resp.InstantSeek))
	if resp.Cache != playback.CacheNone {
		w.Header().Set(HeaderCache, string(resp.Cache))
	}
	w.Header().Set("Content-Type", resp.ContentType)

	if resp.Kind == playback.KindPlaylist {
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Content-Length", strconv.Itoa(len(resp.Body)))
		w.WriteHeader(http.StatusOK)
		if r.Method != http.MethodHead {
			_, _ = w.Write(resp.Body)
		}
		return
	}

	f, err := os.Open(resp.FilePath)
	if err != nil {
		// Evicted or cleaned up between resolution and open.
		if errors.Is(err, os.ErrNotExist) {
			h.writeError(w, r, req, assets.ErrSegmentUnavailable)
			return
		}
		h.writeError(w, r, req, err)
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		h.writeError(w, r, req, err)
		return
	}
	http.ServeContent(w, r, filepath.Base(resp.FilePath), info.ModTime(), f)
}

func (h *StreamHandler) writeError(w http.ResponseWriter, r *http.Request, req playback.Request, err error) {
	logger := observability.LoggerFromContext(r.Context()).With(
		slog.String("media_id", req.MediaID),
		slog.String("segment", req.Segment),
		slog.String("playlist", req.Playlist),
	)

	switch {
	case errors.Is(err, context.Canceled):
		// Client went away.
		return
	case errors.Is(err, playback.ErrInvalidRequest):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, playback.ErrMediaNotFound), errors.Is(err, assets.ErrNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	case errors.Is(err, assets.ErrSegmentUnavailable),
		errors.Is(err, transcoder.ErrPlaylistTimeout),
		errors.Is(err, session.ErrSessionStopping):
		logger.Debug("stream not ready", slog.String("error", err.Error()))
		w.Header().Set("Retry-After", strconv.Itoa(max(1, int(h.retryAfter.Round(time.Second)/time.Second))))
		http.Error(w, "not available yet", http.StatusServiceUnavailable)
	case errors.Is(err, playback.ErrRealtimeDisabled):
		http.Error(w, "realtime transcoding unavailable", http.StatusServiceUnavailable)
	default:
		observability.WithError(logger, err).Error("stream request failed")
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

func deliveryPath(resp *playback.Response) string {
	if resp.Pretranscoded {
		return "pretranscoded"
	}
	return "realtime"
}

func requestKind(req playback.Request) string {
	switch {
	case req.Segment != "":
		return "segment"
	case req.Playlist != "":
		return "variant"
	default:
		return "master"
	}
}
