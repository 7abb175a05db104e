package ffmpeg

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// AudioTrack describes one audio stream of a source file. Index is relative
// to the audio streams only, matching the -map 0:a:N selector.
type AudioTrack struct {
	Index    int    `json:"index"`
	Codec    string `json:"codec"`
	Language string `json:"language,omitempty"`
	Title    string `json:"title,omitempty"`
	Channels int    `json:"channels"`
	Default  bool   `json:"default"`
}

// ProbeInfo is the subset of ffprobe output mediarr uses.
type ProbeInfo struct {
	Duration    time.Duration `json:"duration"`
	VideoCodec  string        `json:"video_codec"`
	Width       int           `json:"width"`
	Height      int           `json:"height"`
	AudioTracks []AudioTrack  `json:"audio_tracks"`
}

type probeOutput struct {
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
	Streams []struct {
		CodecName   string `json:"codec_name"`
		CodecType   string `json:"codec_type"`
		Width       int    `json:"width"`
		Height      int    `json:"height"`
		Channels    int    `json:"channels"`
		Disposition struct {
			Default int `json:"default"`
		} `json:"disposition"`
		Tags map[string]string `json:"tags"`
	} `json:"streams"`
}

// Prober runs ffprobe against source files.
type Prober struct {
	ffprobePath string
	timeout     time.Duration
	run         CommandRunner
}

// NewProber creates a new Prober.
func NewProber(ffprobePath string) *Prober {
	return &Prober{
		ffprobePath: ffprobePath,
		timeout:     30 * time.Second,
		run:         execRunner,
	}
}

// Probe reads container and stream information from path.
func (p *Prober) Probe(ctx context.Context, path string) (*ProbeInfo, error) {
	if p.ffprobePath == "" {
		return nil, fmt.Errorf("ffprobe not available")
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	out, err := p.run(ctx, p.ffprobePath,
		"-v", "error",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	)
	if err != nil {
		return nil, fmt.Errorf("ffprobe %s: %w", path, err)
	}
	return parseProbeOutput(out)
}

func parseProbeOutput(out []byte) (*ProbeInfo, error) {
	var raw probeOutput
	if err := json.Unmarshal(out, &raw); err != nil {
		return nil, fmt.Errorf("parsing ffprobe output: %w", err)
	}

	info := &ProbeInfo{AudioTracks: []AudioTrack{}}
	if secs, err := strconv.ParseFloat(raw.Format.Duration, 64); err == nil {
		info.Duration = time.Duration(secs * float64(time.Second))
	}

	for _, s := range raw.Streams {
		switch s.CodecType {
		case "video":
			if info.VideoCodec == "" {
				info.VideoCodec = s.CodecName
				info.Width = s.Width
				info.Height = s.Height
			}
		case "audio":
			info.AudioTracks = append(info.AudioTracks, AudioTrack{
				Index:    len(info.AudioTracks),
				Codec:    s.CodecName,
				Language: s.Tags["language"],
				Title:    s.Tags["title"],
				Channels: s.Channels,
				Default:  s.Disposition.Default == 1,
			})
		}
	}
	return info, nil
}
