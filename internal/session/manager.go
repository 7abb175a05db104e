// Package session tracks the encoder process serving each realtime stream.
//
// A stream is keyed by (source file, audio track). The Manager guarantees at
// most one live encoder per key: concurrent requests for the same key share a
// single spawn, and a registered entry whose process has died outside the
// normal exit path is purged before a replacement is started.
package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/process"
	"golang.org/x/sync/singleflight"

	"github.com/jmylchreest/mediarr/internal/metrics"
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopping Status = "stopping"
)

var (
	// ErrSessionExists is returned when registering a key that already has a session.
	ErrSessionExists = errors.New("session already registered")
	// ErrSessionNotFound is returned for operations on an unknown session.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionStopping is returned when a session is still shutting down.
	ErrSessionStopping = errors.New("session is stopping")
)

// Stopper stops a running encoder process.
type Stopper interface {
	Terminate() error
}

// ProcessChecker reports whether a process id refers to a live process.
type ProcessChecker func(ctx context.Context, pid int) (bool, error)

// ProcessTerminator signals a process that has no Stopper.
type ProcessTerminator func(ctx context.Context, pid int) error

// Session is a snapshot of one encoder session.
type Session struct {
	ID         string    `json:"id"`
	FilePath   string    `json:"file_path"`
	AudioTrack int       `json:"audio_track"`
	OutputDir  string    `json:"output_dir"`
	PID        int       `json:"pid"`
	Status     Status    `json:"status"`
	StartedAt  time.Time `json:"started_at"`
	Generation uint64    `json:"-"`
}

type entry struct {
	Session
	stopper Stopper
}

// SpawnFunc starts the encoder for a freshly registered session. It must call
// UpdateSessionPid once the process is running.
type SpawnFunc func(ctx context.Context, s Session) error

// Manager owns the session table.
type Manager struct {
	mu        sync.Mutex
	sessions  map[string]*entry
	nextGen   uint64
	group     singleflight.Group
	alive     ProcessChecker
	terminate ProcessTerminator
	logger    *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithProcessChecker replaces the liveness probe.
func WithProcessChecker(fn ProcessChecker) Option {
	return func(m *Manager) { m.alive = fn }
}

// WithProcessTerminator replaces the fallback used to signal processes that
// were registered without a Stopper.
func WithProcessTerminator(fn ProcessTerminator) Option {
	return func(m *Manager) { m.terminate = fn }
}

// NewManager creates an empty Manager.
func NewManager(logger *slog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		sessions:  make(map[string]*entry),
		alive:     ProcessAlive,
		terminate: TerminateProcess,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SessionID derives the session key for a file and audio track.
func SessionID(filePath string, audioTrack int) string {
	sum := sha256.Sum256([]byte(filePath + "\x00" + strconv.Itoa(audioTrack)))
	return hex.EncodeToString(sum[:8])
}

// RegisterSession records a new session in the starting state.
func (m *Manager) RegisterSession(id, filePath string, audioTrack int, outputDir string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[id]; ok {
		return Session{}, fmt.Errorf("%w: %s", ErrSessionExists, id)
	}
	m.nextGen++
	e := &entry{Session: Session{
		ID:         id,
		FilePath:   filePath,
		AudioTrack: audioTrack,
		OutputDir:  outputDir,
		Status:     StatusStarting,
		StartedAt:  time.Now(),
		Generation: m.nextGen,
	}}
	m.sessions[id] = e
	return e.Session, nil
}

// UpdateSessionPid attaches the running process to a session.
func (m *Manager) UpdateSessionPid(id string, pid int, stopper Stopper) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.sessions[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	e.PID = pid
	e.stopper = stopper
	if e.Status == StatusStarting {
		e.Status = StatusRunning
	}
	return nil
}

// HasActiveSession reports whether a session is registered for id.
func (m *Manager) HasActiveSession(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sessions[id]
	return ok
}

// GetSessionPid returns the process id of a session, if it has one.
func (m *Manager) GetSessionPid(id string) (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[id]
	if !ok || e.PID == 0 {
		return 0, false
	}
	return e.PID, true
}

// Get returns a snapshot of a session.
func (m *Manager) Get(id string) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[id]
	if !ok {
		return Session{}, false
	}
	return e.Session, true
}

// Count returns the number of registered sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// List returns all sessions ordered by start time.
func (m *Manager) List() []Session {
	m.mu.Lock()
	out := make([]Session, 0, len(m.sessions))
	for _, e := range m.sessions {
		out = append(out, e.Session)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// KillSession asks the session's process to stop. Bookkeeping is released by
// the process exit handler; sessions without a Stopper are released here.
func (m *Manager) KillSession(ctx context.Context, id string) error {
	m.mu.Lock()
	e, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	stopper, pid, gen := e.stopper, e.PID, e.Generation
	e.Status = StatusStopping
	m.mu.Unlock()

	m.logger.Info("stopping session", slog.String("session_id", id), slog.Int("pid", pid))

	if stopper != nil {
		return stopper.Terminate()
	}

	var err error
	if pid > 0 {
		err = m.terminate(ctx, pid)
	}
	m.Release(id, gen)
	return err
}

// Release removes a session if it still belongs to generation gen, so a
// late exit handler cannot remove a newer session for the same key.
func (m *Manager) Release(id string, gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[id]
	if !ok || e.Generation != gen {
		return false
	}
	delete(m.sessions, id)
	return true
}

// PurgeIfGhost removes the session for id when its registered process no
// longer exists. It reports whether a ghost was purged.
func (m *Manager) PurgeIfGhost(ctx context.Context, id string) bool {
	m.mu.Lock()
	e, ok := m.sessions[id]
	if !ok || e.PID == 0 {
		m.mu.Unlock()
		return false
	}
	pid, gen := e.PID, e.Generation
	m.mu.Unlock()

	alive, err := m.alive(ctx, pid)
	if err != nil {
		m.logger.Warn("probing session process failed",
			slog.String("session_id", id),
			slog.Int("pid", pid),
			slog.String("error", err.Error()),
		)
		return false
	}
	if alive {
		return false
	}

	if m.Release(id, gen) {
		metrics.GhostSessionsPurged.Inc()
		m.logger.Warn("purged ghost session", slog.String("session_id", id), slog.Int("pid", pid))
		return true
	}
	return false
}

// Acquire returns the live session for (filePath, audioTrack), starting one
// with spawn when none exists. Concurrent callers for the same key share one
// spawn. If spawn fails the registration is released before returning.
func (m *Manager) Acquire(ctx context.Context, filePath string, audioTrack int, outputDir string, spawn SpawnFunc) (Session, error) {
	id := SessionID(filePath, audioTrack)

	v, err, _ := m.group.Do(id, func() (any, error) {
		m.PurgeIfGhost(ctx, id)

		if s, ok := m.Get(id); ok {
			if s.Status == StatusStopping {
				return Session{}, fmt.Errorf("%w: %s", ErrSessionStopping, id)
			}
			return s, nil
		}

		s, err := m.RegisterSession(id, filePath, audioTrack, outputDir)
		if err != nil {
			return Session{}, err
		}

		// The encoder outlives the request that started it.
		if err := spawn(context.WithoutCancel(ctx), s); err != nil {
			m.Release(id, s.Generation)
			return Session{}, err
		}

		if current, ok := m.Get(id); ok {
			return current, nil
		}
		return s, nil
	})
	if err != nil {
		return Session{}, err
	}
	return v.(Session), nil
}

// ProcessAlive reports whether pid is a running, non-zombie process.
func ProcessAlive(ctx context.Context, pid int) (bool, error) {
	exists, err := process.PidExistsWithContext(ctx, int32(pid))
	if err != nil || !exists {
		return false, err
	}
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return false, nil
	}
	if status, err := p.StatusWithContext(ctx); err == nil && slices.Contains(status, process.Zombie) {
		return false, nil
	}
	return true, nil
}

// TerminateProcess sends SIGTERM to pid.
func TerminateProcess(ctx context.Context, pid int) error {
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		if errors.Is(err, process.ErrorProcessNotRunning) {
			return nil
		}
		return fmt.Errorf("finding process %d: %w", pid, err)
	}
	return p.TerminateWithContext(ctx)
}
