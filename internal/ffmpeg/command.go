package ffmpeg

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"
)

// CommandBuilder builds FFmpeg commands with a fluent API.
type CommandBuilder struct {
	binary     string
	logLevel   string
	globalArgs []string
	inputArgs  []string
	input      string
	mapArgs    []string
	filters    []string
	outputArgs []string
	output     string
	env        []string
}

// NewCommandBuilder creates a new FFmpeg command builder.
func NewCommandBuilder(ffmpegPath string) *CommandBuilder {
	return &CommandBuilder{
		binary:     ffmpegPath,
		logLevel:   "error",
		globalArgs: []string{"-hide_banner", "-nostdin", "-y"},
	}
}

// LogLevel sets the FFmpeg log level.
func (b *CommandBuilder) LogLevel(level string) *CommandBuilder {
	b.logLevel = level
	return b
}

// Stats enables periodic status lines on stderr even at quiet log levels.
func (b *CommandBuilder) Stats() *CommandBuilder {
	b.globalArgs = append(b.globalArgs, "-stats", "-stats_period", "1")
	return b
}

// InputArgs adds arguments placed before -i (hardware decode flags).
func (b *CommandBuilder) InputArgs(args ...string) *CommandBuilder {
	b.inputArgs = append(b.inputArgs, args...)
	return b
}

// Input sets the input source.
func (b *CommandBuilder) Input(input string) *CommandBuilder {
	b.input = input
	return b
}

// MapVideo selects the first video stream.
func (b *CommandBuilder) MapVideo() *CommandBuilder {
	b.mapArgs = append(b.mapArgs, "-map", "0:v:0")
	return b
}

// MapAudio selects the audio stream at the given audio-relative index.
// The trailing '?' keeps sources without that track encodable.
func (b *CommandBuilder) MapAudio(track int) *CommandBuilder {
	b.mapArgs = append(b.mapArgs, "-map", fmt.Sprintf("0:a:%d?", track))
	return b
}

// VideoFilter appends a filter to the -vf chain.
func (b *CommandBuilder) VideoFilter(filter string) *CommandBuilder {
	if filter != "" {
		b.filters = append(b.filters, filter)
	}
	return b
}

// OutputArgs adds raw output arguments.
func (b *CommandBuilder) OutputArgs(args ...string) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, args...)
	return b
}

// ForceKeyframes places a keyframe at every segment boundary so each
// segment starts independently decodable.
func (b *CommandBuilder) ForceKeyframes(every time.Duration) *CommandBuilder {
	secs := formatSeconds(every)
	b.outputArgs = append(b.outputArgs,
		"-force_key_frames", "expr:gte(t,n_forced*"+secs+")",
		"-sc_threshold", "0",
	)
	return b
}

// StereoAudio normalizes audio to a widely supported stereo encoding.
func (b *CommandBuilder) StereoAudio(codec, bitrate string, sampleRate, channels int) *CommandBuilder {
	b.outputArgs = append(b.outputArgs,
		"-c:a", codec,
		"-b:a", bitrate,
		"-ar", strconv.Itoa(sampleRate),
		"-ac", strconv.Itoa(channels),
	)
	return b
}

// HLSArgs configures a growing event playlist with fixed segment duration.
// segmentPattern is a path template such as /out/segment_%05d.ts.
func (b *CommandBuilder) HLSArgs(segmentDuration time.Duration, segmentPattern string) *CommandBuilder {
	b.outputArgs = append(b.outputArgs,
		"-f", "hls",
		"-hls_time", formatSeconds(segmentDuration),
		"-hls_list_size", "0",
		"-hls_playlist_type", "event",
		"-hls_flags", "independent_segments+temp_file",
		"-hls_segment_type", "mpegts",
		"-hls_segment_filename", segmentPattern,
	)
	return b
}

// Env adds environment variables for the child process.
func (b *CommandBuilder) Env(kv ...string) *CommandBuilder {
	b.env = append(b.env, kv...)
	return b
}

// Output sets the output destination.
func (b *CommandBuilder) Output(output string) *CommandBuilder {
	b.output = output
	return b
}

// Args returns the assembled argument list.
func (b *CommandBuilder) Args() []string {
	args := []string{"-loglevel", b.logLevel}
	args = append(args, b.globalArgs...)
	args = append(args, b.inputArgs...)
	args = append(args, "-i", b.input)
	args = append(args, b.mapArgs...)
	if len(b.filters) > 0 {
		args = append(args, "-vf", strings.Join(b.filters, ","))
	}
	args = append(args, b.outputArgs...)
	return append(args, b.output)
}

// Build builds the command.
func (b *CommandBuilder) Build() *Command {
	return NewCommand(b.binary, b.Args(), b.env...)
}

func formatSeconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', -1, 64)
}

// Command is a single ffmpeg process whose stderr is parsed for progress.
type Command struct {
	Binary string
	Args   []string
	Env    []string

	mu       sync.Mutex
	cmd      *exec.Cmd
	started  time.Time
	tail     *Tail
	stderrWG sync.WaitGroup
}

// NewCommand creates a Command for an arbitrary binary and argument list.
func NewCommand(binary string, args []string, env ...string) *Command {
	return &Command{Binary: binary, Args: args, Env: env, tail: NewTail(0)}
}

// SetTailSize sets how many non-progress stderr lines are retained.
func (c *Command) SetTailSize(n int) {
	c.tail = NewTail(n)
}

// String returns the command line.
func (c *Command) String() string {
	return c.Binary + " " + strings.Join(c.Args, " ")
}

// Start launches the process. The process is not tied to a context; stop it
// with Terminate or Kill. Parsed status lines are delivered on progress
// without blocking; other stderr lines are kept for StderrTail.
func (c *Command) Start(progress chan<- Progress) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cmd != nil {
		return errors.New("command already started")
	}

	cmd := exec.Command(c.Binary, c.Args...)
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("getting stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting %s: %w", c.Binary, err)
	}
	c.cmd = cmd
	c.started = time.Now()

	c.stderrWG.Add(1)
	go func() {
		defer c.stderrWG.Done()
		scanner := bufio.NewScanner(stderr)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		scanner.Split(ScanStatusLines)
		for scanner.Scan() {
			line := scanner.Text()
			if line == "" {
				continue
			}
			if p, ok := ParseProgressLine(line); ok {
				if progress != nil {
					select {
					case progress <- p:
					default:
					}
				}
				continue
			}
			c.tail.Add(line)
		}
	}()

	return nil
}

// Wait blocks until the process exits and stderr has been drained.
func (c *Command) Wait() error {
	c.mu.Lock()
	cmd := c.cmd
	c.mu.Unlock()
	if cmd == nil {
		return errors.New("command not started")
	}
	c.stderrWG.Wait()
	return cmd.Wait()
}

// Pid returns the process id, or 0 before Start.
func (c *Command) Pid() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cmd == nil || c.cmd.Process == nil {
		return 0
	}
	return c.cmd.Process.Pid
}

// Terminate asks the process to exit, falling back to Kill where SIGTERM
// is unsupported.
func (c *Command) Terminate() error {
	c.mu.Lock()
	cmd := c.cmd
	c.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			return nil
		}
		return cmd.Process.Kill()
	}
	return nil
}

// Kill forcibly stops the process.
func (c *Command) Kill() error {
	c.mu.Lock()
	cmd := c.cmd
	c.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}

// Runtime returns how long the process has been running.
func (c *Command) Runtime() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started.IsZero() {
		return 0
	}
	return time.Since(c.started)
}

// StderrTail returns the retained non-progress stderr lines.
func (c *Command) StderrTail() []string {
	return c.tail.Lines()
}
