package ffmpeg

import (
	"bytes"
	"regexp"
	"strconv"
	"sync"
	"time"
)

// Progress is one status line reported by ffmpeg on stderr.
type Progress struct {
	Frame      int64         `json:"frame"`
	FPS        float64       `json:"fps"`
	Time       time.Duration `json:"time"`
	Speed      float64       `json:"speed"`
	TotalSize  int64         `json:"total_size"`
	DropFrames int64         `json:"drop_frames"`
}

var (
	frameRe = regexp.MustCompile(`frame=\s*(\d+)`)
	fpsRe   = regexp.MustCompile(`fps=\s*([\d.]+)`)
	sizeRe  = regexp.MustCompile(`size=\s*(\d+)`)
	timeRe  = regexp.MustCompile(`time=\s*(\d+):(\d+):(\d+)\.(\d+)`)
	speedRe = regexp.MustCompile(`speed=\s*([\d.]+)x`)
	dropRe  = regexp.MustCompile(`drop=\s*(\d+)`)
)

// ParseProgressLine extracts progress fields from an ffmpeg status line.
// It reports false for lines that are not status lines.
func ParseProgressLine(line string) (Progress, bool) {
	var p Progress

	m := frameRe.FindStringSubmatch(line)
	if m == nil {
		return p, false
	}
	p.Frame, _ = strconv.ParseInt(m[1], 10, 64)

	matched := false
	if m := timeRe.FindStringSubmatch(line); m != nil {
		hours, _ := strconv.Atoi(m[1])
		mins, _ := strconv.Atoi(m[2])
		secs, _ := strconv.Atoi(m[3])
		frac, _ := strconv.Atoi(m[4])
		// ffmpeg prints centiseconds.
		p.Time = time.Duration(hours)*time.Hour +
			time.Duration(mins)*time.Minute +
			time.Duration(secs)*time.Second +
			time.Duration(frac)*10*time.Millisecond
		matched = true
	}
	if m := speedRe.FindStringSubmatch(line); m != nil {
		p.Speed, _ = strconv.ParseFloat(m[1], 64)
		matched = true
	}
	if !matched {
		return p, false
	}

	if m := fpsRe.FindStringSubmatch(line); m != nil {
		p.FPS, _ = strconv.ParseFloat(m[1], 64)
	}
	if m := sizeRe.FindStringSubmatch(line); m != nil {
		p.TotalSize, _ = strconv.ParseInt(m[1], 10, 64)
	}
	if m := dropRe.FindStringSubmatch(line); m != nil {
		p.DropFrames, _ = strconv.ParseInt(m[1], 10, 64)
	}
	return p, true
}

// ScanStatusLines is a bufio.SplitFunc that splits on '\n' or '\r'; ffmpeg
// rewrites its status line in place with carriage returns.
func ScanStatusLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, bytes.TrimSpace(data[:i]), nil
	}
	if atEOF {
		return len(data), bytes.TrimSpace(data), nil
	}
	return 0, nil, nil
}

// Tail keeps the last N lines written to it.
type Tail struct {
	mu    sync.Mutex
	lines []string
	max   int
}

// NewTail creates a Tail retaining up to max lines.
func NewTail(max int) *Tail {
	if max <= 0 {
		max = 50
	}
	return &Tail{max: max, lines: make([]string, 0, max)}
}

// Add appends a line, dropping the oldest when full.
func (t *Tail) Add(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.lines) == t.max {
		copy(t.lines, t.lines[1:])
		t.lines = t.lines[:t.max-1]
	}
	t.lines = append(t.lines, line)
}

// Lines returns a copy of the retained lines, oldest first.
func (t *Tail) Lines() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.lines))
	copy(out, t.lines)
	return out
}
