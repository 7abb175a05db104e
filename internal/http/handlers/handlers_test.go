package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/danielgtaylor/huma/v2/humatest"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/mediarr/internal/assets"
	"github.com/jmylchreest/mediarr/internal/buffer"
	"github.com/jmylchreest/mediarr/internal/ffmpeg"
	"github.com/jmylchreest/mediarr/internal/scheduler"
	"github.com/jmylchreest/mediarr/internal/segcache"
	"github.com/jmylchreest/mediarr/internal/service/playback"
	"github.com/jmylchreest/mediarr/internal/session"
	"github.com/jmylchreest/mediarr/internal/transcoder"
)

type fakeStream struct {
	resp *playback.Response
	err  error
	got  playback.Request
}

func (f *fakeStream) Serve(_ context.Context, req playback.Request) (*playback.Response, error) {
	f.got = req
	return f.resp, f.err
}

func serveStream(t *testing.T, svc StreamService, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	router := chi.NewRouter()
	NewStreamHandler(svc, 2*time.Second).RegisterChiRoutes(router)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func TestStreamHandler_Playlist(t *testing.T) {
	svc := &fakeStream{resp: &playback.Response{
		Kind:          playback.KindPlaylist,
		ContentType:   playback.ContentTypePlaylist,
		Body:          []byte("#EXTM3U\n"),
		Pretranscoded: true,
		Partial:       true,
	}}

	rec := serveStream(t, svc, http.MethodGet, "/api/v1/stream/01ARZ3NDEKTSV4RRFFQ69G5FAV?playlist=stream.m3u8&audio=2&subtitle=en")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "#EXTM3U\n", rec.Body.String())
	assert.Equal(t, playback.ContentTypePlaylist, rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))
	assert.Equal(t, "true", rec.Header().Get(HeaderPretranscoded))
	assert.Equal(t, "true", rec.Header().Get(HeaderAssetPartial))
	assert.Equal(t, "false", rec.Header().Get(HeaderInstantSeek))
	assert.Empty(t, rec.Header().Get(HeaderCache))

	assert.Equal(t, playback.Request{
		MediaID:    "01ARZ3NDEKTSV4RRFFQ69G5FAV",
		Playlist:   "stream.m3u8",
		AudioTrack: 2,
		Subtitle:   "en",
	}, svc.got)

	rec = serveStream(t, svc, http.MethodHead, "/api/v1/stream/x")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Zero(t, rec.Body.Len())
}

func TestStreamHandler_Segment(t *testing.T) {
	seg := filepath.Join(t.TempDir(), "segment_00003.ts")
	require.NoError(t, os.WriteFile(seg, []byte("0123456789"), 0o644))
	svc := &fakeStream{resp: &playback.Response{
		Kind:        playback.KindSegment,
		ContentType: playback.ContentTypeSegment,
		FilePath:    seg,
		Cache:       playback.CacheHit,
	}}

	rec := serveStream(t, svc, http.MethodGet, "/api/v1/stream/x?segment=segment_00003.ts")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "0123456789", rec.Body.String())
	assert.Equal(t, playback.ContentTypeSegment, rec.Header().Get("Content-Type"))
	assert.Equal(t, "HIT", rec.Header().Get(HeaderCache))
	assert.Equal(t, "false", rec.Header().Get(HeaderPretranscoded))

	router := chi.NewRouter()
	NewStreamHandler(svc, 0).RegisterChiRoutes(router)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/stream/x?segment=segment_00003.ts", nil)
	req.Header.Set("Range", "bytes=2-4")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusPartialContent, rec.Code)
	assert.Equal(t, "234", rec.Body.String())

	// A segment removed after resolution is retryable.
	require.NoError(t, os.Remove(seg))
	rec = serveStream(t, svc, http.MethodGet, "/api/v1/stream/x?segment=segment_00003.ts")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "2", rec.Header().Get("Retry-After"))
}

func TestStreamHandler_ErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		status     int
		retryAfter bool
	}{
		{"unavailable segment", assets.ErrSegmentUnavailable, http.StatusServiceUnavailable, true},
		{"playlist timeout", fmt.Errorf("%w after 30s", transcoder.ErrPlaylistTimeout), http.StatusServiceUnavailable, true},
		{"session stopping", session.ErrSessionStopping, http.StatusServiceUnavailable, true},
		{"realtime disabled", playback.ErrRealtimeDisabled, http.StatusServiceUnavailable, false},
		{"unknown media", playback.ErrMediaNotFound, http.StatusNotFound, false},
		{"missing asset file", assets.ErrNotFound, http.StatusNotFound, false},
		{"invalid request", playback.ErrInvalidRequest, http.StatusBadRequest, false},
		{"spawn failure", fmt.Errorf("%w: exec: not found", transcoder.ErrSpawn), http.StatusInternalServerError, false},
		{"io failure", errors.New("disk on fire"), http.StatusInternalServerError, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serveStream(t, &fakeStream{err: tt.err}, http.MethodGet, "/api/v1/stream/x")
			assert.Equal(t, tt.status, rec.Code)
			if tt.retryAfter {
				assert.Equal(t, "2", rec.Header().Get("Retry-After"))
			} else {
				assert.Empty(t, rec.Header().Get("Retry-After"))
			}
			assert.NotContains(t, rec.Body.String(), "disk on fire", "internal errors are not leaked")
		})
	}

	rec := serveStream(t, &fakeStream{}, http.MethodGet, "/api/v1/stream/x?audio=two")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthHandler(t *testing.T) {
	_, api := humatest.New(t)
	mgr := session.NewManager(nil)
	_, err := mgr.RegisterSession("abc", "/a.mkv", 0, "/out")
	require.NoError(t, err)
	NewHealthHandler("1.0.0").WithSessions(mgr, true, false).Register(api)

	resp := api.Get("/health")
	require.Equal(t, http.StatusOK, resp.Code)

	var body HealthResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body.Status)
	assert.Equal(t, "1.0.0", body.Version)
	assert.NotZero(t, body.CPUInfo.Cores)
	assert.Equal(t, "unknown", body.Components.Database.Status)
	assert.Equal(t, "enabled", body.Components.Realtime)
	assert.Equal(t, "disabled", body.Components.Cache)
	assert.Equal(t, 1, body.Components.Sessions)

	resp = api.Get("/livez")
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.JSONEq(t, `{"status":"ok"}`, resp.Body.String())
}

type fakeSessions struct {
	list   []session.Session
	killed []string
}

func (f *fakeSessions) List() []session.Session { return f.list }

func (f *fakeSessions) KillSession(_ context.Context, id string) error {
	for _, s := range f.list {
		if s.ID == id {
			f.killed = append(f.killed, id)
			return nil
		}
	}
	return session.ErrSessionNotFound
}

func TestSessionHandler(t *testing.T) {
	_, api := humatest.New(t)
	sessions := &fakeSessions{list: []session.Session{
		{ID: "aaa", FilePath: "/a.mkv", PID: 10, Status: session.StatusRunning},
		{ID: "bbb", FilePath: "/b.mkv", AudioTrack: 1, Status: session.StatusStarting},
	}}
	buffers := buffer.NewRegistry(0, 0)
	buffers.Get("aaa").MarkConsumed(4)
	NewSessionHandler(sessions, buffers).Register(api)

	resp := api.Get("/api/v1/sessions")
	require.Equal(t, http.StatusOK, resp.Code)
	var body struct {
		Sessions []SessionResponse `json:"sessions"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	require.Len(t, body.Sessions, 2)
	require.NotNil(t, body.Sessions[0].Buffer)
	assert.Equal(t, buffer.HealthUnknown, body.Sessions[0].Buffer.Health)
	assert.Nil(t, body.Sessions[1].Buffer)

	resp = api.Delete("/api/v1/sessions/bbb")
	assert.Equal(t, http.StatusNoContent, resp.Code)
	assert.Equal(t, []string{"bbb"}, sessions.killed)

	resp = api.Delete("/api/v1/sessions/zzz")
	assert.Equal(t, http.StatusNotFound, resp.Code)
}

type staticDetector struct{}

func (staticDetector) Detect(context.Context) ffmpeg.Capabilities {
	return ffmpeg.Capabilities{Accel: ffmpeg.AccelVAAPI, Encoder: "h264_vaapi", Hardware: true, Device: "/dev/dri/renderD128"}
}

func TestHardwareHandler(t *testing.T) {
	_, api := humatest.New(t)
	NewHardwareHandler(staticDetector{}).Register(api)

	resp := api.Get("/api/v1/hardware")
	require.Equal(t, http.StatusOK, resp.Code)
	var body HardwareResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	assert.Equal(t, "h264_vaapi", body.Encoder)
	assert.True(t, body.Hardware)
	assert.True(t, body.RealtimeEnabled)

	_, api = humatest.New(t)
	NewHardwareHandler(nil).Register(api)
	resp = api.Get("/api/v1/hardware")
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Contains(t, resp.Body.String(), `"realtime_enabled":false`)
}

type fakeCacheStats struct{ stats segcache.Stats }

func (f fakeCacheStats) Stats() (segcache.Stats, error) { return f.stats, nil }

func TestCacheHandler(t *testing.T) {
	_, api := humatest.New(t)
	NewCacheHandler(fakeCacheStats{stats: segcache.Stats{Entries: 3, TotalBytes: 2048, Hits: 5}}).Register(api)

	resp := api.Get("/api/v1/cache")
	require.Equal(t, http.StatusOK, resp.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	assert.Equal(t, true, body["enabled"])
	assert.EqualValues(t, 3, body["entries"])
	assert.EqualValues(t, 5, body["hits"])

	_, api = humatest.New(t)
	NewCacheHandler(nil).Register(api)
	resp = api.Get("/api/v1/cache")
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Contains(t, resp.Body.String(), `"enabled":false`)
}

func TestTaskHandler(t *testing.T) {
	_, api := humatest.New(t)
	s := scheduler.NewScheduler(nil)
	require.NoError(t, s.Register("sweep", "@every 30m", func(context.Context) error { return nil }))
	require.NoError(t, s.Register("broken", "", func(context.Context) error { return errors.New("boom") }))
	NewTaskHandler(s).Register(api)

	resp := api.Get("/api/v1/tasks")
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Contains(t, resp.Body.String(), `"name":"sweep"`)

	resp = api.Post("/api/v1/tasks/broken/run")
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Contains(t, resp.Body.String(), `"last_error":"boom"`)

	resp = api.Post("/api/v1/tasks/missing/run")
	assert.Equal(t, http.StatusNotFound, resp.Code)
}

type fakeTracks struct{ err error }

func (f fakeTracks) AudioTracks(context.Context, string) ([]ffmpeg.AudioTrack, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []ffmpeg.AudioTrack{{Index: 0, Codec: "aac", Language: "eng", Channels: 2, Default: true}}, nil
}

func TestMediaHandler(t *testing.T) {
	_, api := humatest.New(t)
	NewMediaHandler(fakeTracks{}).Register(api)
	resp := api.Get("/api/v1/media/01ARZ3NDEKTSV4RRFFQ69G5FAV/audio-tracks")
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Contains(t, resp.Body.String(), `"language":"eng"`)

	_, api = humatest.New(t)
	NewMediaHandler(fakeTracks{err: playback.ErrMediaNotFound}).Register(api)
	resp = api.Get("/api/v1/media/missing/audio-tracks")
	assert.Equal(t, http.StatusNotFound, resp.Code)
}
