package ffmpeg

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestHelperProcess is not a real test. It stands in for ffmpeg when a test
// re-executes the test binary with GO_WANT_HELPER_PROCESS=1.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	fmt.Fprint(os.Stderr, "Input #0, matroska\n")
	fmt.Fprint(os.Stderr, "frame=   48 fps= 24 q=28.0 size=     256kB time=00:00:02.00 bitrate=1048.6kbits/s speed=2.00x\r")
	fmt.Fprint(os.Stderr, "frame=   96 fps= 24 q=28.0 size=     512kB time=00:00:04.00 bitrate=1048.6kbits/s speed=2.10x\r")
	fmt.Fprint(os.Stderr, "[aac @ 0x1] Too many bits\n")
	if os.Getenv("HELPER_EXIT") == "1" {
		os.Exit(1)
	}
	os.Exit(0)
}

func helperCommand(exit string) *Command {
	return NewCommand(os.Args[0],
		[]string{"-test.run=TestHelperProcess", "--"},
		"GO_WANT_HELPER_PROCESS=1", "HELPER_EXIT="+exit,
	)
}

func TestCommand_ParsesProgressAndTail(t *testing.T) {
	cmd := helperCommand("0")
	progress := make(chan Progress, 8)

	require.NoError(t, cmd.Start(progress))
	assert.NotZero(t, cmd.Pid())
	require.NoError(t, cmd.Wait())
	close(progress)

	var got []Progress
	for p := range progress {
		got = append(got, p)
	}
	require.Len(t, got, 2)
	assert.Equal(t, int64(96), got[1].Frame)
	assert.InDelta(t, 2.1, got[1].Speed, 0.001)

	tail := cmd.StderrTail()
	assert.Contains(t, tail, "Input #0, matroska")
	assert.Contains(t, tail, "[aac @ 0x1] Too many bits")
}

func TestCommand_NonZeroExit(t *testing.T) {
	cmd := helperCommand("1")
	require.NoError(t, cmd.Start(nil))
	err := cmd.Wait()
	require.Error(t, err)
	assert.NotEmpty(t, cmd.StderrTail())
}

func TestCommand_StartTwice(t *testing.T) {
	cmd := helperCommand("0")
	require.NoError(t, cmd.Start(nil))
	assert.Error(t, cmd.Start(nil))
	require.NoError(t, cmd.Wait())
}

func TestCommand_StartMissingBinary(t *testing.T) {
	cmd := NewCommand(filepath.Join(t.TempDir(), "no-ffmpeg"), nil)
	assert.Error(t, cmd.Start(nil))
	assert.Zero(t, cmd.Pid())
	assert.NoError(t, cmd.Kill())
}

func TestCommandBuilder_RealtimeHLS(t *testing.T) {
	args := NewCommandBuilder("ffmpeg").
		Stats().
		InputArgs("-hwaccel", "cuda").
		Input("/media/film.mkv").
		MapVideo().
		MapAudio(1).
		VideoFilter("format=nv12,hwupload").
		VideoFilter("").
		OutputArgs("-c:v", "h264_nvenc").
		ForceKeyframes(2*time.Second).
		StereoAudio("aac", "192k", 48000, 2).
		HLSArgs(2*time.Second, "/out/segment_%05d.ts").
		Output("/out/stream.m3u8").
		Args()

	joined := strings.Join(args, " ")
	assert.Equal(t, "-loglevel", args[0])
	assert.Contains(t, joined, "-hwaccel cuda -i /media/film.mkv")
	assert.Contains(t, joined, "-map 0:v:0 -map 0:a:1?")
	assert.Contains(t, joined, "-vf format=nv12,hwupload")
	assert.Contains(t, joined, "-force_key_frames expr:gte(t,n_forced*2)")
	assert.Contains(t, joined, "-c:a aac -b:a 192k -ar 48000 -ac 2")
	assert.Contains(t, joined, "-hls_time 2")
	assert.Contains(t, joined, "-hls_playlist_type event")
	assert.Contains(t, joined, "-hls_segment_filename /out/segment_%05d.ts")
	assert.Equal(t, "/out/stream.m3u8", args[len(args)-1])
}

func TestParseProgressLine(t *testing.T) {
	tests := []struct {
		name string
		line string
		ok   bool
		want Progress
	}{
		{
			name: "full status line",
			line: "frame= 1234 fps= 59.9 q=28.0 size=   10240kB time=00:00:51.42 bitrate=1631.3kbits/s drop=3 speed=2.49x",
			ok:   true,
			want: Progress{
				Frame:      1234,
				FPS:        59.9,
				TotalSize:  10240,
				Time:       51*time.Second + 420*time.Millisecond,
				Speed:      2.49,
				DropFrames: 3,
			},
		},
		{
			name: "speed not yet known",
			line: "frame=    0 fps=0.0 q=0.0 size=       0kB time=00:00:00.00 bitrate=N/A speed=N/A",
			ok:   true,
			want: Progress{},
		},
		{
			name: "hours",
			line: "frame=100 time=01:02:03.50 speed=1.0x",
			ok:   true,
			want: Progress{Frame: 100, Time: time.Hour + 2*time.Minute + 3*time.Second + 500*time.Millisecond, Speed: 1.0},
		},
		{name: "log line", line: "[hls @ 0x55] Opening 'segment_00001.ts' for writing", ok: false},
		{name: "frame only", line: "frame=12", ok: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseProgressLine(tt.line)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want.Frame, got.Frame)
				assert.InDelta(t, tt.want.FPS, got.FPS, 0.001)
				assert.Equal(t, tt.want.Time, got.Time)
				assert.InDelta(t, tt.want.Speed, got.Speed, 0.001)
				assert.Equal(t, tt.want.TotalSize, got.TotalSize)
				assert.Equal(t, tt.want.DropFrames, got.DropFrames)
			}
		})
	}
}

func TestScanStatusLines(t *testing.T) {
	scanner := bufio.NewScanner(strings.NewReader("a\rb\nc\r\nd"))
	scanner.Split(ScanStatusLines)

	var tokens []string
	for scanner.Scan() {
		if s := scanner.Text(); s != "" {
			tokens = append(tokens, s)
		}
	}
	assert.Equal(t, []string{"a", "b", "c", "d"}, tokens)
}

func TestTail(t *testing.T) {
	tail := NewTail(3)
	for i := range 5 {
		tail.Add(fmt.Sprintf("line %d", i))
	}
	assert.Equal(t, []string{"line 2", "line 3", "line 4"}, tail.Lines())

	assert.Empty(t, NewTail(0).Lines())
}

const encodersOutput = `Encoders:
 V..... = Video
 ------
 V....D libx264              libx264 H.264 / AVC / MPEG-4 AVC / MPEG-4 part 10 (codec h264)
 V....D h264_nvenc           NVIDIA NVENC H.264 encoder (codec h264)
 V....D h264_vaapi           H.264/AVC (VAAPI) (codec h264)
 A....D aac                  AAC (Advanced Audio Coding)
`

type fakeRunner struct {
	calls   [][]string
	failFor map[string]bool
}

func (f *fakeRunner) run(_ context.Context, name string, args ...string) ([]byte, error) {
	f.calls = append(f.calls, append([]string{name}, args...))
	if len(args) > 1 && args[1] == "-encoders" {
		return []byte(encodersOutput), nil
	}
	for _, a := range args {
		if f.failFor[a] {
			return []byte("Cannot load libcuda.so.1"), errors.New("exit status 1")
		}
	}
	return nil, nil
}

func newTestDetector(runner *fakeRunner, priority ...string) *Detector {
	d := NewDetector("ffmpeg", priority, "", nil)
	d.run = runner.run
	d.vaapiGlob = filepath.Join(os.TempDir(), "mediarr-no-such-render-node*")
	return d
}

func TestDetector_SelectsFirstWorkingAccel(t *testing.T) {
	runner := &fakeRunner{}
	d := newTestDetector(runner, "nvenc", "vaapi")

	caps := d.Detect(context.Background())
	assert.Equal(t, AccelNVENC, caps.Accel)
	assert.Equal(t, "h264_nvenc", caps.Encoder)
	assert.True(t, caps.Hardware)
	assert.Equal(t, []string{"-hwaccel", "cuda"}, caps.DecodeArgs)
}

func TestDetector_FallsBackWhenTestEncodeFails(t *testing.T) {
	runner := &fakeRunner{failFor: map[string]bool{"h264_nvenc": true}}
	d := newTestDetector(runner, "nvenc", "vaapi", "qsv")

	caps := d.Detect(context.Background())
	assert.Equal(t, AccelNone, caps.Accel)
	assert.Equal(t, SoftwareEncoder, caps.Encoder)
	assert.False(t, caps.Hardware)
	assert.Contains(t, caps.EncodeArgs, "veryfast")
}

func TestDetector_CachesResult(t *testing.T) {
	runner := &fakeRunner{}
	d := newTestDetector(runner, "nvenc")

	first := d.Detect(context.Background())
	calls := len(runner.calls)
	second := d.Detect(context.Background())

	assert.Equal(t, first, second)
	assert.Equal(t, calls, len(runner.calls))
}

func TestDetector_NoBinary(t *testing.T) {
	d := NewDetector("", nil, "fast", nil)
	caps := d.Detect(context.Background())
	assert.Equal(t, SoftwareEncoder, caps.Encoder)
	assert.Contains(t, caps.EncodeArgs, "fast")
}

func TestPlatformPriority(t *testing.T) {
	assert.Equal(t, []AccelKind{AccelVideoToolbox}, PlatformPriority("darwin"))
	assert.Equal(t, AccelNVENC, PlatformPriority("linux")[0])
	assert.Contains(t, PlatformPriority("windows"), AccelAMF)
	assert.Nil(t, PlatformPriority("plan9"))
}

func TestParseProbeOutput(t *testing.T) {
	out := []byte(`{
		"format": {"duration": "5400.500000"},
		"streams": [
			{"codec_type": "video", "codec_name": "hevc", "width": 3840, "height": 2160},
			{"codec_type": "audio", "codec_name": "truehd", "channels": 8, "disposition": {"default": 1}, "tags": {"language": "eng", "title": "Atmos"}},
			{"codec_type": "subtitle", "codec_name": "subrip"},
			{"codec_type": "audio", "codec_name": "ac3", "channels": 6, "tags": {"language": "fra"}}
		]
	}`)

	info, err := parseProbeOutput(out)
	require.NoError(t, err)
	assert.Equal(t, 5400*time.Second+500*time.Millisecond, info.Duration)
	assert.Equal(t, "hevc", info.VideoCodec)
	require.Len(t, info.AudioTracks, 2)
	assert.Equal(t, AudioTrack{Index: 0, Codec: "truehd", Language: "eng", Title: "Atmos", Channels: 8, Default: true}, info.AudioTracks[0])
	assert.Equal(t, 1, info.AudioTracks[1].Index)
	assert.Equal(t, "fra", info.AudioTracks[1].Language)

	_, err = parseProbeOutput([]byte("not json"))
	assert.Error(t, err)
}

func TestFindBinary(t *testing.T) {
	dir := t.TempDir()
	bin := filepath.Join(dir, "ffmpeg")
	require.NoError(t, os.WriteFile(bin, []byte("#!/bin/sh\n"), 0o755))
	plain := filepath.Join(dir, "plain")
	require.NoError(t, os.WriteFile(plain, []byte("x"), 0o644))

	got, err := FindBinary(bin, "ffmpeg", "")
	require.NoError(t, err)
	assert.Equal(t, bin, got)

	_, err = FindBinary(plain, "ffmpeg", "")
	assert.Error(t, err)

	t.Setenv(EnvFFmpegBinary, bin)
	got, err = FindBinary("", "ffmpeg", EnvFFmpegBinary)
	require.NoError(t, err)
	assert.Equal(t, bin, got)

	_, err = FindBinary("", "mediarr-definitely-missing-binary", "")
	assert.Error(t, err)
}
