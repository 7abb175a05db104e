package ffmpeg

import (
	"bufio"
	"bytes"
	"context"
	"log/slog"
	"os/exec"
	"path/filepath"
	"regexp"
	"runtime"
	"sync"
	"time"
)

// AccelKind identifies a hardware encoder family.
type AccelKind string

const (
	AccelNone         AccelKind = "none"
	AccelNVENC        AccelKind = "nvenc"
	AccelQSV          AccelKind = "qsv"
	AccelVAAPI        AccelKind = "vaapi"
	AccelVideoToolbox AccelKind = "videotoolbox"
	AccelAMF          AccelKind = "amf"
)

// SoftwareEncoder is used when no hardware encoder is usable.
const SoftwareEncoder = "libx264"

// Capabilities describes the encoder chosen for this host.
type Capabilities struct {
	Platform    string    `json:"platform"`
	Accel       AccelKind `json:"accel"`
	Encoder     string    `json:"encoder"`
	Hardware    bool      `json:"hardware"`
	Device      string    `json:"device,omitempty"`
	DecodeArgs  []string  `json:"decode_args"`
	EncodeArgs  []string  `json:"encode_args"`
	VideoFilter string    `json:"video_filter,omitempty"`
	DetectedAt  time.Time `json:"detected_at"`
}

// CommandRunner runs a short-lived command and returns its combined output.
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// encoderLine matches a video encoder row of `ffmpeg -encoders`, e.g.
// " V....D h264_nvenc           NVIDIA NVENC H.264 encoder".
var encoderLine = regexp.MustCompile(`^\s*V[A-Z.]{5}\s+(\S+)\s+`)

var accelEncoders = map[AccelKind]string{
	AccelNVENC:        "h264_nvenc",
	AccelQSV:          "h264_qsv",
	AccelVAAPI:        "h264_vaapi",
	AccelVideoToolbox: "h264_videotoolbox",
	AccelAMF:          "h264_amf",
}

// PlatformPriority returns the default probe order for an operating system.
func PlatformPriority(goos string) []AccelKind {
	switch goos {
	case "darwin":
		return []AccelKind{AccelVideoToolbox}
	case "linux":
		return []AccelKind{AccelNVENC, AccelQSV, AccelVAAPI}
	case "windows":
		return []AccelKind{AccelNVENC, AccelQSV, AccelAMF}
	default:
		return nil
	}
}

// Detector probes the host once for a usable encoder.
type Detector struct {
	ffmpegPath     string
	priority       []AccelKind
	softwarePreset string
	vaapiGlob      string
	probeTimeout   time.Duration
	run            CommandRunner
	logger         *slog.Logger

	once sync.Once
	caps Capabilities
}

// NewDetector creates a Detector. An empty priority selects the platform
// default order. An empty ffmpegPath yields the software fallback.
func NewDetector(ffmpegPath string, priority []string, softwarePreset string, logger *slog.Logger) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	if softwarePreset == "" {
		softwarePreset = "veryfast"
	}
	order := make([]AccelKind, 0, len(priority))
	for _, p := range priority {
		order = append(order, AccelKind(p))
	}
	if len(order) == 0 {
		order = PlatformPriority(runtime.GOOS)
	}
	return &Detector{
		ffmpegPath:     ffmpegPath,
		priority:       order,
		softwarePreset: softwarePreset,
		vaapiGlob:      "/dev/dri/renderD*",
		probeTimeout:   15 * time.Second,
		run:            execRunner,
		logger:         logger,
	}
}

// Detect returns the cached capabilities, probing on first use. It never
// fails: any probing problem degrades to the software encoder.
func (d *Detector) Detect(ctx context.Context) Capabilities {
	d.once.Do(func() {
		// The result outlives the first caller's request.
		d.caps = d.probe(context.WithoutCancel(ctx))
		d.logger.Info("encoder selected",
			slog.String("accel", string(d.caps.Accel)),
			slog.String("encoder", d.caps.Encoder),
			slog.Bool("hardware", d.caps.Hardware),
		)
	})
	return d.caps
}

func (d *Detector) probe(ctx context.Context) Capabilities {
	if d.ffmpegPath == "" {
		return d.software()
	}

	listCtx, cancel := context.WithTimeout(ctx, d.probeTimeout)
	out, err := d.run(listCtx, d.ffmpegPath, "-hide_banner", "-encoders")
	cancel()
	if err != nil {
		d.logger.Warn("listing encoders failed, using software encoding", slog.String("error", err.Error()))
		return d.software()
	}
	available := parseEncoders(out)

	for _, kind := range d.priority {
		encoder, ok := accelEncoders[kind]
		if !ok || !available[encoder] {
			continue
		}
		caps, ok := d.tryAccel(ctx, kind, encoder)
		if ok {
			return caps
		}
		d.logger.Debug("hardware encoder listed but unusable", slog.String("encoder", encoder))
	}

	return d.software()
}

func (d *Detector) tryAccel(ctx context.Context, kind AccelKind, encoder string) (Capabilities, bool) {
	devices := []string{""}
	if kind == AccelVAAPI {
		devices, _ = filepath.Glob(d.vaapiGlob)
		if len(devices) == 0 {
			return Capabilities{}, false
		}
	}

	for _, device := range devices {
		caps := d.accelCaps(kind, encoder, device)
		args := []string{"-hide_banner", "-loglevel", "error"}
		args = append(args, caps.DecodeArgs...)
		args = append(args, "-f", "lavfi", "-i", "testsrc2=s=256x144:d=0.2")
		if caps.VideoFilter != "" {
			args = append(args, "-vf", caps.VideoFilter)
		}
		args = append(args, caps.EncodeArgs...)
		args = append(args, "-frames:v", "2", "-f", "null", "-")

		testCtx, cancel := context.WithTimeout(ctx, d.probeTimeout)
		_, err := d.run(testCtx, d.ffmpegPath, args...)
		cancel()
		if err == nil {
			return caps, true
		}
	}
	return Capabilities{}, false
}

func (d *Detector) accelCaps(kind AccelKind, encoder, device string) Capabilities {
	caps := Capabilities{
		Platform:   runtime.GOOS,
		Accel:      kind,
		Encoder:    encoder,
		Hardware:   true,
		Device:     device,
		DetectedAt: time.Now(),
	}
	switch kind {
	case AccelNVENC:
		caps.DecodeArgs = []string{"-hwaccel", "cuda"}
		caps.EncodeArgs = []string{"-c:v", encoder, "-preset", "p4", "-cq", "23"}
	case AccelQSV:
		caps.DecodeArgs = []string{"-hwaccel", "qsv"}
		caps.EncodeArgs = []string{"-c:v", encoder, "-preset", "veryfast", "-global_quality", "23"}
	case AccelVAAPI:
		caps.DecodeArgs = []string{"-vaapi_device", device}
		caps.VideoFilter = "format=nv12,hwupload"
		caps.EncodeArgs = []string{"-c:v", encoder, "-qp", "23"}
	case AccelVideoToolbox:
		caps.DecodeArgs = []string{"-hwaccel", "videotoolbox"}
		caps.EncodeArgs = []string{"-c:v", encoder, "-b:v", "8M", "-allow_sw", "1"}
	case AccelAMF:
		caps.DecodeArgs = []string{"-hwaccel", "d3d11va"}
		caps.EncodeArgs = []string{"-c:v", encoder, "-quality", "speed"}
	}
	return caps
}

func (d *Detector) software() Capabilities {
	return Capabilities{
		Platform:   runtime.GOOS,
		Accel:      AccelNone,
		Encoder:    SoftwareEncoder,
		DecodeArgs: []string{},
		EncodeArgs: []string{"-c:v", SoftwareEncoder, "-preset", d.softwarePreset, "-crf", "21", "-pix_fmt", "yuv420p"},
		DetectedAt: time.Now(),
	}
}

func parseEncoders(out []byte) map[string]bool {
	encoders := make(map[string]bool)
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		if m := encoderLine.FindStringSubmatch(scanner.Text()); m != nil {
			encoders[m[1]] = true
		}
	}
	return encoders
}
