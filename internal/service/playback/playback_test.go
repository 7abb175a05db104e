package playback

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/mediarr/internal/assets"
	"github.com/jmylchreest/mediarr/internal/buffer"
	"github.com/jmylchreest/mediarr/internal/ffmpeg"
	"github.com/jmylchreest/mediarr/internal/models"
	"github.com/jmylchreest/mediarr/internal/segcache"
	"github.com/jmylchreest/mediarr/internal/session"
	"github.com/jmylchreest/mediarr/internal/transcoder"
)

type fakeCatalog map[models.ULID]*models.MediaItem

func (c fakeCatalog) GetByID(_ context.Context, id models.ULID) (*models.MediaItem, error) {
	return c[id], nil
}

// fakeRealtime writes a growing playlist with the given number of segments
// when a session starts.
type fakeRealtime struct {
	root     string
	segments int
	startErr error
	waitErr  error

	mu     sync.Mutex
	starts int
}

func (f *fakeRealtime) OutputDir(id string) string { return filepath.Join(f.root, id) }

func (f *fakeRealtime) Start(_ context.Context, file string, track int) (session.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return session.Session{}, f.startErr
	}
	f.starts++
	id := session.SessionID(file, track)
	dir := f.OutputDir(id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return session.Session{}, err
	}
	var b strings.Builder
	b.WriteString("#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION:2\n#EXT-X-PLAYLIST-TYPE:EVENT\n")
	for i := range f.segments {
		name := fmt.Sprintf("segment_%05d.ts", i)
		fmt.Fprintf(&b, "#EXTINF:2.000000,\n%s\n", name)
		if err := os.WriteFile(filepath.Join(dir, name), []byte("ts"), 0o644); err != nil {
			return session.Session{}, err
		}
	}
	if err := os.WriteFile(filepath.Join(dir, transcoder.VariantPlaylist), []byte(b.String()), 0o644); err != nil {
		return session.Session{}, err
	}
	return session.Session{ID: id, FilePath: file, AudioTrack: track, OutputDir: dir}, nil
}

func (f *fakeRealtime) WaitForPlaylist(context.Context, session.Session) error { return f.waitErr }

func (f *fakeRealtime) startCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts
}

type fakeCache struct {
	mu      sync.Mutex
	entries map[segcache.Key]string
	sets    []segcache.Key
}

func (c *fakeCache) Get(key segcache.Key) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.entries[key]
	return p, ok
}

func (c *fakeCache) SetAsync(key segcache.Key, _ string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sets = append(c.sets, key)
	return true
}

type staticDetector struct{ encoder string }

func (d staticDetector) Detect(context.Context) ffmpeg.Capabilities {
	return ffmpeg.Capabilities{Encoder: d.encoder}
}

type fakeProber struct{ tracks []ffmpeg.AudioTrack }

func (p fakeProber) Probe(context.Context, string) (*ffmpeg.ProbeInfo, error) {
	return &ffmpeg.ProbeInfo{AudioTracks: p.tracks}, nil
}

type fixture struct {
	svc      *Service
	assets   string
	realtime *fakeRealtime
	cache    *fakeCache
	buffers  *buffer.Registry
	item     *models.MediaItem
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	item := &models.MediaItem{FilePath: "/media/Movies/Film (2021).mkv"}
	item.ID = models.NewULID()

	f := &fixture{
		assets:   t.TempDir(),
		realtime: &fakeRealtime{root: t.TempDir(), segments: 3},
		cache:    &fakeCache{entries: map[segcache.Key]string{}},
		buffers:  buffer.NewRegistry(0, 0),
		item:     item,
	}
	f.svc = NewService(fakeCatalog{item.ID: item}, assets.NewServer(assets.Options{CatalogRoot: f.assets}, nil)).
		WithRealtime(f.realtime, staticDetector{encoder: "h264_nvenc"}, f.buffers).
		WithSegmentCache(f.cache).
		WithVariantBandwidth(4_000_000)
	return f
}

// writeAsset lays out a pre-transcoded asset with listed segments in the
// variant playlist and onDisk of them present.
func (f *fixture) writeAsset(t *testing.T, listed, onDisk int) string {
	t.Helper()
	dir := filepath.Join(f.assets, assets.AssetDirName(f.item.FilePath))
	require.NoError(t, os.MkdirAll(dir, 0o755))
	master := "#EXTM3U\n#EXT-X-STREAM-INF:BANDWIDTH=5000000\nstream.m3u8\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, assets.MasterPlaylist), []byte(master), 0o644))

	var b strings.Builder
	b.WriteString("#EXTM3U\n#EXT-X-TARGETDURATION:2\n")
	for i := range listed {
		fmt.Fprintf(&b, "#EXTINF:2,\nsegment_%05d.ts\n", i)
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "stream.m3u8"), []byte(b.String()), 0o644))
	for i := range onDisk {
		require.NoError(t, os.WriteFile(filepath.Join(dir, fmt.Sprintf("segment_%05d.ts", i)), []byte("ts"), 0o644))
	}
	return dir
}

func (f *fixture) request() Request {
	return Request{MediaID: f.item.ID.String()}
}

func TestServe_RejectsBadRequests(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Serve(ctx, Request{MediaID: "not-a-ulid"})
	assert.ErrorIs(t, err, ErrMediaNotFound)

	_, err = f.svc.Serve(ctx, Request{MediaID: models.NewULID().String()})
	assert.ErrorIs(t, err, ErrMediaNotFound)

	req := f.request()
	req.Segment, req.Playlist = "segment_00000.ts", "stream.m3u8"
	_, err = f.svc.Serve(ctx, req)
	assert.ErrorIs(t, err, ErrInvalidRequest)

	req = f.request()
	req.AudioTrack = -1
	_, err = f.svc.Serve(ctx, req)
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestServe_PartialPretranscodedAsset(t *testing.T) {
	f := newFixture(t)
	f.writeAsset(t, 10, 7)
	ctx := context.Background()

	req := f.request()
	req.Playlist = "stream.m3u8"
	req.AudioTrack = 1
	req.Subtitle = "en"
	resp, err := f.svc.Serve(ctx, req)
	require.NoError(t, err)

	assert.True(t, resp.Pretranscoded)
	assert.True(t, resp.Partial)
	assert.False(t, resp.InstantSeek)
	assert.Equal(t, ContentTypePlaylist, resp.ContentType)

	body := string(resp.Body)
	assert.Equal(t, 7, strings.Count(body, "#EXTINF"))
	assert.Equal(t, 1, strings.Count(body, "#EXT-X-ENDLIST"))
	assert.Contains(t, body, "/api/v1/stream/"+f.item.ID.String()+"?audio=1&segment=segment_00006.ts&subtitle=en")
	assert.NotContains(t, body, "segment_00007.ts")
	assert.Zero(t, f.realtime.startCount(), "pre-transcoded assets never start an encoder")

	req = f.request()
	req.Segment = "segment_00008.ts"
	_, err = f.svc.Serve(ctx, req)
	assert.ErrorIs(t, err, assets.ErrSegmentUnavailable)

	req.Segment = "segment_00002.ts"
	resp, err = f.svc.Serve(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, KindSegment, resp.Kind)
	assert.FileExists(t, resp.FilePath)
	assert.Equal(t, CacheNone, resp.Cache)
}

func TestServe_PretranscodedMaster(t *testing.T) {
	f := newFixture(t)
	f.writeAsset(t, 2, 2)

	resp, err := f.svc.Serve(context.Background(), f.request())
	require.NoError(t, err)
	assert.True(t, resp.Pretranscoded)
	assert.Contains(t, string(resp.Body), "?audio=0&playlist=stream.m3u8")
}

func TestServe_RealtimeMasterAndVariant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	resp, err := f.svc.Serve(ctx, f.request())
	require.NoError(t, err)
	assert.False(t, resp.Pretranscoded)
	body := string(resp.Body)
	assert.Contains(t, body, "#EXT-X-STREAM-INF:BANDWIDTH=4000000\n")
	assert.Contains(t, body, "playlist=stream.m3u8")

	req := f.request()
	req.Playlist = "stream.m3u8"
	resp, err = f.svc.Serve(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, 3, strings.Count(string(resp.Body), "segment="))
	assert.NotContains(t, string(resp.Body), "#EXT-X-ENDLIST")

	req.Playlist = "other.m3u8"
	_, err = f.svc.Serve(ctx, req)
	assert.ErrorIs(t, err, assets.ErrNotFound)
}

func TestServe_RealtimeVariantPropagatesTimeout(t *testing.T) {
	f := newFixture(t)
	f.realtime.waitErr = transcoder.ErrPlaylistTimeout

	req := f.request()
	req.Playlist = "stream.m3u8"
	_, err := f.svc.Serve(context.Background(), req)
	assert.ErrorIs(t, err, transcoder.ErrPlaylistTimeout)
}

func TestServe_RealtimeSegmentCaching(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess, err := f.realtime.Start(ctx, f.item.FilePath, 0)
	require.NoError(t, err)
	bm := f.buffers.Get(sess.ID)

	req := f.request()
	req.Segment = "segment_00001.ts"
	resp, err := f.svc.Serve(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, CacheMiss, resp.Cache)
	assert.Equal(t, filepath.Join(sess.OutputDir, "segment_00001.ts"), resp.FilePath)
	assert.Equal(t, 2, bm.Consumed())

	require.Len(t, f.cache.sets, 1)
	key := f.cache.sets[0]
	assert.Equal(t, segcache.Key{
		FilePath:     f.item.FilePath,
		SegmentIndex: 1,
		Codec:        "h264_nvenc",
		Resolution:   "source",
	}, key)

	f.cache.entries[key] = "/cache/ab/abcdef.ts"
	resp, err = f.svc.Serve(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, CacheHit, resp.Cache)
	assert.Equal(t, "/cache/ab/abcdef.ts", resp.FilePath)
}

func TestServe_RealtimeMissingSegment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req := f.request()
	req.Segment = "segment_00050.ts"
	_, err := f.svc.Serve(ctx, req)
	assert.ErrorIs(t, err, assets.ErrSegmentUnavailable)
	assert.Equal(t, 1, f.realtime.startCount(), "a missing segment starts the session")

	req.Segment = "../segment_00001.ts"
	_, err = f.svc.Serve(ctx, req)
	assert.ErrorIs(t, err, assets.ErrNotFound)

	// Completed realtime output is served without restarting the encoder.
	dir := f.realtime.OutputDir(session.SessionID(f.item.FilePath, 0))
	require.NoError(t, os.WriteFile(filepath.Join(dir, transcoder.CompleteMarker), []byte("done"), 0o644))
	req.Segment = "segment_00050.ts"
	_, err = f.svc.Serve(ctx, req)
	assert.ErrorIs(t, err, assets.ErrNotFound)

	req.Segment = ""
	req.Playlist = "stream.m3u8"
	resp, err := f.svc.Serve(ctx, req)
	require.NoError(t, err)
	assert.True(t, resp.InstantSeek)
	assert.Equal(t, 1, f.realtime.startCount())
}

func TestServe_RealtimeDisabled(t *testing.T) {
	f := newFixture(t)
	svc := NewService(fakeCatalog{f.item.ID: f.item}, assets.NewServer(assets.Options{CatalogRoot: f.assets}, nil))
	assert.False(t, svc.RealtimeEnabled())

	_, err := svc.Serve(context.Background(), f.request())
	assert.ErrorIs(t, err, ErrRealtimeDisabled)

	// Pre-transcoded assets are still served.
	f.writeAsset(t, 2, 2)
	resp, err := svc.Serve(context.Background(), f.request())
	require.NoError(t, err)
	assert.True(t, resp.Pretranscoded)
}

func TestServe_RealtimeSpawnFailure(t *testing.T) {
	f := newFixture(t)
	f.realtime.startErr = fmt.Errorf("%w: no such file", transcoder.ErrSpawn)

	_, err := f.svc.Serve(context.Background(), f.request())
	assert.ErrorIs(t, err, transcoder.ErrSpawn)
}

func TestParseSegmentIndex(t *testing.T) {
	tests := []struct {
		name string
		want int
		ok   bool
	}{
		{"segment_00000.ts", 0, true},
		{"segment_00042.ts", 42, true},
		{"segment_123456.ts", 123456, true},
		{"segment_.ts", 0, false},
		{"segment_00001.mp4", 0, false},
		{"x/segment_00001.ts", 0, false},
		{"segment_-1.ts", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseSegmentIndex(tt.name)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAudioTracks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	probed := []ffmpeg.AudioTrack{{Index: 0, Codec: "ac3", Language: "eng", Channels: 6}}
	f.svc.WithProber(fakeProber{tracks: probed})

	tracks, err := f.svc.AudioTracks(ctx, f.item.ID.String())
	require.NoError(t, err)
	assert.Equal(t, probed, tracks)

	dir := f.writeAsset(t, 1, 1)
	sidecar := `[{"index":0,"codec":"aac","language":"eng","channels":2,"default":true},{"index":1,"codec":"aac","language":"fra","channels":2,"default":false}]`
	require.NoError(t, os.WriteFile(filepath.Join(dir, assets.AudioTracksFile), []byte(sidecar), 0o644))

	tracks, err = f.svc.AudioTracks(ctx, f.item.ID.String())
	require.NoError(t, err)
	require.Len(t, tracks, 2)
	assert.Equal(t, "fra", tracks[1].Language)
}

type recordingQueue struct {
	paths []string
	err   error
}

func (q *recordingQueue) Enqueue(_ context.Context, p string, src models.TranscodeJobSource) (bool, error) {
	q.paths = append(q.paths, string(src)+":"+p)
	return q.err == nil, q.err
}

func TestEnqueueHook(t *testing.T) {
	q := &recordingQueue{}
	hook := EnqueueHook(q, nil)
	hook(context.Background(), session.Session{ID: "abc", FilePath: "/media/a.mkv"})
	assert.Equal(t, []string{"realtime:/media/a.mkv"}, q.paths)

	q.err = errors.New("db locked")
	hook(context.Background(), session.Session{ID: "abc", FilePath: "/media/a.mkv"})
	assert.Len(t, q.paths, 2)
}
