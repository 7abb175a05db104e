// Package transcoder drives realtime encoder sessions that produce a growing
// HLS output for a single (source file, audio track) key.
package transcoder

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/jmylchreest/mediarr/internal/buffer"
	"github.com/jmylchreest/mediarr/internal/ffmpeg"
	"github.com/jmylchreest/mediarr/internal/metrics"
	"github.com/jmylchreest/mediarr/internal/session"
	"github.com/jmylchreest/mediarr/internal/storage"
)

// On-disk names inside a session output directory.
const (
	VariantPlaylist = "stream.m3u8"
	SegmentPattern  = "segment_%05d.ts"
	CompleteMarker  = ".complete"
)

var (
	// ErrSpawn wraps failures to start the encoder process.
	ErrSpawn = errors.New("starting encoder")
	// ErrPlaylistTimeout is returned when no segment appears within the wait budget.
	ErrPlaylistTimeout = errors.New("timed out waiting for first segment")
	// ErrSessionEnded is returned when the encoder exits before producing output.
	ErrSessionEnded = errors.New("encoder exited before producing output")
)

// CapabilityDetector supplies encoder arguments for this host.
type CapabilityDetector interface {
	Detect(ctx context.Context) ffmpeg.Capabilities
}

// CommandFactory creates the process for one session.
type CommandFactory func(binary string, args []string) *ffmpeg.Command

// StartHook runs after a new session's encoder has started.
type StartHook func(ctx context.Context, s session.Session)

// Options configures a Transcoder.
type Options struct {
	FFmpegPath      string
	OutputRoot      string
	SegmentDuration time.Duration
	PlaylistTimeout time.Duration
	ProgressStall   time.Duration
	StderrTailLines int
	AudioCodec      string
	AudioBitrate    string
	AudioSampleRate int
	AudioChannels   int
}

func (o *Options) setDefaults() {
	if o.SegmentDuration <= 0 {
		o.SegmentDuration = 2 * time.Second
	}
	if o.PlaylistTimeout <= 0 {
		o.PlaylistTimeout = 30 * time.Second
	}
	if o.ProgressStall <= 0 {
		o.ProgressStall = 5 * time.Second
	}
	if o.StderrTailLines <= 0 {
		o.StderrTailLines = 50
	}
	if o.AudioCodec == "" {
		o.AudioCodec = "aac"
	}
	if o.AudioBitrate == "" {
		o.AudioBitrate = "192k"
	}
	if o.AudioSampleRate <= 0 {
		o.AudioSampleRate = 48000
	}
	if o.AudioChannels <= 0 {
		o.AudioChannels = 2
	}
}

// Transcoder starts and supervises realtime encoder sessions.
type Transcoder struct {
	opts       Options
	output     *storage.Sandbox
	detector   CapabilityDetector
	sessions   *session.Manager
	buffers    *buffer.Registry
	newCommand CommandFactory
	onStart    StartHook
	logger     *slog.Logger

	mu     sync.Mutex
	exited map[string]exitSignal
	wg     sync.WaitGroup
}

type exitSignal struct {
	gen uint64
	ch  chan struct{}
}

// Option configures a Transcoder.
type Option func(*Transcoder)

// WithCommandFactory replaces process creation.
func WithCommandFactory(f CommandFactory) Option {
	return func(t *Transcoder) { t.newCommand = f }
}

// WithStartHook registers a hook run once per newly started session.
func WithStartHook(h StartHook) Option {
	return func(t *Transcoder) { t.onStart = h }
}

// New creates a Transcoder writing session output under opts.OutputRoot.
func New(opts Options, detector CapabilityDetector, sessions *session.Manager, buffers *buffer.Registry, logger *slog.Logger, options ...Option) (*Transcoder, error) {
	opts.setDefaults()
	if opts.FFmpegPath == "" {
		return nil, errors.New("ffmpeg path is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	output, err := storage.NewSandbox(opts.OutputRoot)
	if err != nil {
		return nil, fmt.Errorf("creating transcode directory: %w", err)
	}

	t := &Transcoder{
		opts:     opts,
		output:   output,
		detector: detector,
		sessions: sessions,
		buffers:  buffers,
		logger:   logger,
		exited:   make(map[string]exitSignal),
	}
	t.newCommand = func(binary string, args []string) *ffmpeg.Command {
		return ffmpeg.NewCommand(binary, args)
	}
	for _, o := range options {
		o(t)
	}
	return t, nil
}

// OutputDir returns the output directory for a session id.
func (t *Transcoder) OutputDir(sessionID string) string {
	return filepath.Join(t.output.BaseDir(), sessionID)
}

// SegmentDuration returns the fixed segment length.
func (t *Transcoder) SegmentDuration() time.Duration {
	return t.opts.SegmentDuration
}

// Start returns the session for (filePath, audioTrack), spawning an encoder
// when none is live. Concurrent calls for the same key share one process.
func (t *Transcoder) Start(ctx context.Context, filePath string, audioTrack int) (session.Session, error) {
	id := session.SessionID(filePath, audioTrack)
	return t.sessions.Acquire(ctx, filePath, audioTrack, t.OutputDir(id), t.spawn)
}

// Stop terminates a session's encoder.
func (t *Transcoder) Stop(ctx context.Context, sessionID string) error {
	return t.sessions.KillSession(ctx, sessionID)
}

// BuildArgs assembles the encoder invocation for one session.
func (t *Transcoder) BuildArgs(caps ffmpeg.Capabilities, input string, audioTrack int, outDir string) []string {
	return ffmpeg.NewCommandBuilder(t.opts.FFmpegPath).
		Stats().
		InputArgs(caps.DecodeArgs...).
		Input(input).
		MapVideo().
		MapAudio(audioTrack).
		VideoFilter(caps.VideoFilter).
		OutputArgs(caps.EncodeArgs...).
		ForceKeyframes(t.opts.SegmentDuration).
		StereoAudio(t.opts.AudioCodec, t.opts.AudioBitrate, t.opts.AudioSampleRate, t.opts.AudioChannels).
		HLSArgs(t.opts.SegmentDuration, filepath.Join(outDir, SegmentPattern)).
		Output(filepath.Join(outDir, VariantPlaylist)).
		Args()
}

func (t *Transcoder) spawn(ctx context.Context, s session.Session) error {
	logger := t.logger.With(slog.String("session_id", s.ID), slog.String("file", s.FilePath))

	// A previous run may have left a partial output behind.
	if err := t.output.RemoveAll(s.ID); err != nil {
		return fmt.Errorf("%w: clearing output: %v", ErrSpawn, err)
	}
	if err := t.output.MkdirAll(s.ID); err != nil {
		return fmt.Errorf("%w: creating output: %v", ErrSpawn, err)
	}

	caps := t.detector.Detect(ctx)
	args := t.BuildArgs(caps, s.FilePath, s.AudioTrack, s.OutputDir)
	cmd := t.newCommand(t.opts.FFmpegPath, args)
	cmd.SetTailSize(t.opts.StderrTailLines)

	progress := make(chan ffmpeg.Progress, 16)
	if err := cmd.Start(progress); err != nil {
		metrics.SessionsFailed.WithLabelValues("spawn").Inc()
		logger.Error("encoder failed to start", slog.String("error", err.Error()))
		return fmt.Errorf("%w: %v", ErrSpawn, err)
	}
	if err := t.sessions.UpdateSessionPid(s.ID, cmd.Pid(), cmd); err != nil {
		_ = cmd.Kill()
		_ = cmd.Wait()
		return fmt.Errorf("%w: %v", ErrSpawn, err)
	}

	metrics.SessionsStarted.Inc()
	metrics.SessionsActive.Inc()
	logger.Info("encoder started",
		slog.Int("pid", cmd.Pid()),
		slog.String("encoder", caps.Encoder),
		slog.Int("audio_track", s.AudioTrack),
	)
	logger.Debug("encoder command", slog.String("command", cmd.String()))

	exited := make(chan struct{})
	t.mu.Lock()
	t.exited[s.ID] = exitSignal{gen: s.Generation, ch: exited}
	t.mu.Unlock()

	bm := t.buffers.Get(s.ID)
	t.wg.Add(2)
	go func() {
		defer t.wg.Done()
		t.monitor(s, bm, progress)
	}()
	go func() {
		defer t.wg.Done()
		t.wait(s, cmd, progress, exited, logger)
	}()

	if t.onStart != nil {
		t.onStart(ctx, s)
	}
	return nil
}

// wait is the exit handler. Bookkeeping is released unconditionally.
func (t *Transcoder) wait(s session.Session, cmd *ffmpeg.Command, progress chan ffmpeg.Progress, exited chan struct{}, logger *slog.Logger) {
	err := cmd.Wait()
	close(progress)

	current, _ := t.sessions.Get(s.ID)
	stopping := current.Generation == s.Generation && current.Status == session.StatusStopping

	switch {
	case err == nil:
		if werr := t.output.AtomicWrite(filepath.Join(s.ID, CompleteMarker), []byte(time.Now().UTC().Format(time.RFC3339))); werr != nil {
			logger.Warn("writing completion marker failed", slog.String("error", werr.Error()))
		}
		logger.Info("encoder finished", slog.Duration("runtime", cmd.Runtime()))
	case stopping:
		logger.Info("encoder stopped", slog.Duration("runtime", cmd.Runtime()))
	default:
		metrics.SessionsFailed.WithLabelValues("exit").Inc()
		logger.Error("encoder exited with error",
			slog.String("error", err.Error()),
			slog.String("stderr", strings.Join(cmd.StderrTail(), "\n")),
		)
	}

	t.sessions.Release(s.ID, s.Generation)
	t.buffers.Discard(s.ID)
	metrics.SessionsActive.Dec()

	t.mu.Lock()
	if t.exited[s.ID].ch == exited {
		delete(t.exited, s.ID)
	}
	t.mu.Unlock()
	close(exited)
}

// monitor turns encoder progress into buffer samples. When progress stops
// arriving it falls back to estimating from output growth; such samples are
// flagged Estimated and only approximate real encode speed.
func (t *Transcoder) monitor(s session.Session, bm *buffer.Manager, progress <-chan ffmpeg.Progress) {
	stall := time.NewTicker(t.opts.ProgressStall)
	defer stall.Stop()

	started := time.Now()
	lastProgress := started

	for {
		select {
		case p, ok := <-progress:
			if !ok {
				return
			}
			lastProgress = time.Now()
			bm.RecordMetrics(buffer.Sample{
				EncodeSpeed:       p.Speed,
				FPS:               p.FPS,
				SegmentsGenerated: CountSegments(s.OutputDir),
				Timestamp:         lastProgress,
			})
		case now := <-stall.C:
			if now.Sub(lastProgress) < t.opts.ProgressStall {
				continue
			}
			generated := CountSegments(s.OutputDir)
			elapsed := now.Sub(started).Seconds()
			var speed float64
			if elapsed > 0 {
				speed = float64(generated) * t.opts.SegmentDuration.Seconds() / elapsed
			}
			bm.RecordMetrics(buffer.Sample{
				EncodeSpeed:       speed,
				SegmentsGenerated: generated,
				Timestamp:         now,
				Estimated:         true,
			})
		}
	}
}

// WaitForPlaylist blocks until the session's variant playlist references at
// least one segment present on disk, the encoder exits, or the wait budget
// runs out.
func (t *Transcoder) WaitForPlaylist(ctx context.Context, s session.Session) error {
	ctx, cancel := context.WithTimeout(ctx, t.opts.PlaylistTimeout)
	defer cancel()

	playlist := filepath.Join(s.OutputDir, VariantPlaylist)
	t.mu.Lock()
	sig, ok := t.exited[s.ID]
	t.mu.Unlock()
	exited := sig.ch
	if !ok || sig.gen != s.Generation {
		// The encoder for this generation has already exited.
		exited = make(chan struct{})
		close(exited)
	}

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		if HasSegment(playlist) {
			return nil
		}
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return fmt.Errorf("%w after %s", ErrPlaylistTimeout, t.opts.PlaylistTimeout)
			}
			return ctx.Err()
		case <-exited:
			if HasSegment(playlist) {
				return nil
			}
			return ErrSessionEnded
		case <-ticker.C:
		}
	}
}

// Shutdown stops every session and waits for their exit handlers.
func (t *Transcoder) Shutdown(ctx context.Context) error {
	for _, s := range t.sessions.List() {
		if err := t.sessions.KillSession(ctx, s.ID); err != nil && !errors.Is(err, session.ErrSessionNotFound) {
			t.logger.Warn("stopping session failed", slog.String("session_id", s.ID), slog.String("error", err.Error()))
		}
	}

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CountSegments returns the number of finished segment files in dir.
func CountSegments(dir string) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	n := 0
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, "segment_") && strings.HasSuffix(name, ".ts") {
			n++
		}
	}
	return n
}

// HasSegment reports whether a playlist references at least one segment
// that exists next to it.
func HasSegment(playlist string) bool {
	f, err := os.Open(playlist)
	if err != nil {
		return false
	}
	defer f.Close()

	dir := filepath.Dir(playlist)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if _, err := os.Stat(filepath.Join(dir, filepath.Base(line))); err == nil {
			return true
		}
	}
	return false
}

// IsComplete reports whether a session output directory holds a finished encode.
func IsComplete(outputDir string) bool {
	_, err := os.Stat(filepath.Join(outputDir, CompleteMarker))
	return err == nil
}
