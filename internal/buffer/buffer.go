// Package buffer classifies realtime session health by comparing how fast
// segments are produced with how fast they are played.
package buffer

import (
	"sort"
	"sync"
	"time"
)

// Health is the buffer classification of a session.
type Health string

const (
	HealthUnknown  Health = "unknown"
	HealthStarving Health = "starving"
	HealthLow      Health = "low"
	HealthHealthy  Health = "healthy"
	HealthSurplus  Health = "surplus"
)

const (
	DefaultWindow          = 60 * time.Second
	DefaultSurplusSegments = 30
)

// Sample is one observation of a session.
type Sample struct {
	EncodeSpeed       float64   `json:"encode_speed"`
	FPS               float64   `json:"fps"`
	SegmentsGenerated int       `json:"segments_generated"`
	SegmentsConsumed  int       `json:"segments_consumed"`
	Timestamp         time.Time `json:"timestamp"`
	// Estimated marks samples derived from output growth rather than
	// encoder progress; they are approximate.
	Estimated bool `json:"estimated"`
}

// Report summarizes the current window.
type Report struct {
	SessionID        string    `json:"session_id"`
	Health           Health    `json:"health"`
	Samples          int       `json:"samples"`
	EncodeSpeed      float64   `json:"encode_speed"`
	FPS              float64   `json:"fps"`
	GenerationRate   float64   `json:"generation_rate"`
	ConsumptionRate  float64   `json:"consumption_rate"`
	BufferedSegments int       `json:"buffered_segments"`
	Estimated        bool      `json:"estimated"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Manager holds the sliding window for one session.
type Manager struct {
	sessionID string
	window    time.Duration
	surplus   int

	mu       sync.Mutex
	samples  []Sample
	consumed int
}

// NewManager creates a Manager. Zero values select the defaults.
func NewManager(sessionID string, window time.Duration, surplusSegments int) *Manager {
	if window <= 0 {
		window = DefaultWindow
	}
	if surplusSegments <= 0 {
		surplusSegments = DefaultSurplusSegments
	}
	return &Manager{sessionID: sessionID, window: window, surplus: surplusSegments}
}

// RecordMetrics appends a sample and prunes samples older than the window,
// measured from the newest sample.
func (m *Manager) RecordMetrics(s Sample) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s.Timestamp.IsZero() {
		s.Timestamp = time.Now()
	}
	if s.SegmentsConsumed < m.consumed {
		s.SegmentsConsumed = m.consumed
	}
	m.samples = append(m.samples, s)

	cutoff := s.Timestamp.Add(-m.window)
	keep := m.samples[:0]
	for _, old := range m.samples {
		if !old.Timestamp.Before(cutoff) {
			keep = append(keep, old)
		}
	}
	m.samples = keep
}

// MarkConsumed records that the segment at index has been delivered.
func (m *Manager) MarkConsumed(index int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if index+1 > m.consumed {
		m.consumed = index + 1
	}
}

// Consumed returns the number of segments delivered so far.
func (m *Manager) Consumed() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.consumed
}

// StatusReport classifies the window.
func (m *Manager) StatusReport() Report {
	m.mu.Lock()
	defer m.mu.Unlock()

	r := Report{SessionID: m.sessionID, Health: HealthUnknown, Samples: len(m.samples)}
	if len(m.samples) == 0 {
		return r
	}

	first, last := m.samples[0], m.samples[len(m.samples)-1]
	r.EncodeSpeed = last.EncodeSpeed
	r.FPS = last.FPS
	r.Estimated = last.Estimated
	r.UpdatedAt = last.Timestamp
	consumed := max(last.SegmentsConsumed, m.consumed)
	r.BufferedSegments = max(last.SegmentsGenerated-consumed, 0)

	if len(m.samples) < 2 {
		return r
	}
	elapsed := last.Timestamp.Sub(first.Timestamp).Seconds()
	if elapsed <= 0 {
		return r
	}
	r.GenerationRate = float64(last.SegmentsGenerated-first.SegmentsGenerated) / elapsed
	r.ConsumptionRate = float64(consumed-first.SegmentsConsumed) / elapsed

	switch {
	case r.GenerationRate < r.ConsumptionRate && r.BufferedSegments <= 1:
		r.Health = HealthStarving
	case r.GenerationRate < r.ConsumptionRate:
		r.Health = HealthLow
	case r.BufferedSegments >= m.surplus:
		r.Health = HealthSurplus
	default:
		r.Health = HealthHealthy
	}
	return r
}

// ShouldThrottle reports whether production is far enough ahead of playback
// that it could be paused. Nothing acts on it yet.
func (m *Manager) ShouldThrottle() bool {
	return m.StatusReport().Health == HealthSurplus
}

// Registry holds one Manager per active session.
type Registry struct {
	window  time.Duration
	surplus int

	mu       sync.Mutex
	managers map[string]*Manager
}

// NewRegistry creates a Registry whose managers use the given window settings.
func NewRegistry(window time.Duration, surplusSegments int) *Registry {
	return &Registry{window: window, surplus: surplusSegments, managers: make(map[string]*Manager)}
}

// Get returns the Manager for a session, creating it if needed.
func (r *Registry) Get(sessionID string) *Manager {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.managers[sessionID]
	if !ok {
		m = NewManager(sessionID, r.window, r.surplus)
		r.managers[sessionID] = m
	}
	return m
}

// Lookup returns the Manager for a session without creating one.
func (r *Registry) Lookup(sessionID string) (*Manager, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.managers[sessionID]
	return m, ok
}

// Discard drops a session's Manager.
func (r *Registry) Discard(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.managers, sessionID)
}

// Reports returns a report for every session, ordered by session id.
func (r *Registry) Reports() []Report {
	r.mu.Lock()
	managers := make([]*Manager, 0, len(r.managers))
	for _, m := range r.managers {
		managers = append(managers, m)
	}
	r.mu.Unlock()

	reports := make([]Report, 0, len(managers))
	for _, m := range managers {
		reports = append(reports, m.StatusReport())
	}
	sort.Slice(reports, func(i, j int) bool { return reports[i].SessionID < reports[j].SessionID })
	return reports
}
