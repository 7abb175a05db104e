// Package handlers provides HTTP API handlers for mediarr.
package handlers

import (
	"time"

	"github.com/jmylchreest/mediarr/internal/buffer"
	"github.com/jmylchreest/mediarr/internal/ffmpeg"
	"github.com/jmylchreest/mediarr/internal/scheduler"
	"github.com/jmylchreest/mediarr/internal/session"
)

// Health types

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status        string            `json:"status"`
	Timestamp     string            `json:"timestamp"`
	Version       string            `json:"version"`
	Uptime        string            `json:"uptime"`
	UptimeSeconds float64           `json:"uptime_seconds"`
	CPUInfo       CPUInfo           `json:"cpu_info"`
	Memory        MemoryInfo        `json:"memory"`
	Components    HealthComponents  `json:"components"`
	Checks        map[string]string `json:"checks,omitempty"`
}

// CPUInfo contains host load averages.
type CPUInfo struct {
	Cores              int     `json:"cores"`
	Load1Min           float64 `json:"load_1min"`
	Load5Min           float64 `json:"load_5min"`
	Load15Min          float64 `json:"load_15min"`
	LoadPercentage1Min float64 `json:"load_percentage_1min"`
}

// MemoryInfo contains host and process memory usage.
type MemoryInfo struct {
	TotalMemoryMB     float64 `json:"total_memory_mb"`
	UsedMemoryMB      float64 `json:"used_memory_mb"`
	AvailableMemoryMB float64 `json:"available_memory_mb"`

	// ProcessTreeMB includes the encoder child processes.
	ProcessTreeMB    float64 `json:"process_tree_mb"`
	EncoderProcesses int     `json:"encoder_processes"`
}

// HealthComponents reports the state of each subsystem.
type HealthComponents struct {
	Database DatabaseHealth `json:"database"`
	Realtime string         `json:"realtime"`
	Cache    string         `json:"cache"`
	Sessions int            `json:"sessions"`
}

// DatabaseHealth contains database connection pool information.
type DatabaseHealth struct {
	Status            string  `json:"status"`
	ResponseTimeMS    float64 `json:"response_time_ms"`
	ActiveConnections int     `json:"active_connections"`
	IdleConnections   int     `json:"idle_connections"`
}

// Session types

// SessionResponse is a live realtime session with its buffer state.
type SessionResponse struct {
	ID         string         `json:"id"`
	FilePath   string         `json:"file_path"`
	AudioTrack int            `json:"audio_track"`
	PID        int            `json:"pid"`
	Status     session.Status `json:"status"`
	StartedAt  time.Time      `json:"started_at"`
	Buffer     *buffer.Report `json:"buffer,omitempty"`
}

// SessionFromModel converts a session and its optional buffer report.
func SessionFromModel(s session.Session, report *buffer.Report) SessionResponse {
	return SessionResponse{
		ID:         s.ID,
		FilePath:   s.FilePath,
		AudioTrack: s.AudioTrack,
		PID:        s.PID,
		Status:     s.Status,
		StartedAt:  s.StartedAt,
		Buffer:     report,
	}
}

// Hardware types

// HardwareResponse describes the encoder selected for this host.
type HardwareResponse struct {
	ffmpeg.Capabilities
	RealtimeEnabled bool `json:"realtime_enabled"`
}

// Task types

// TaskResponse is one scheduled maintenance task.
type TaskResponse struct {
	Name     string    `json:"name"`
	Schedule string    `json:"schedule,omitempty"`
	Next     time.Time `json:"next,omitzero"`
	LastRun  time.Time `json:"last_run,omitzero"`
	LastErr  string    `json:"last_error,omitempty"`
	Duration string    `json:"duration,omitempty"`
}

// TaskFromInfo converts scheduler task state.
func TaskFromInfo(t scheduler.TaskInfo) TaskResponse {
	r := TaskResponse{
		Name:     t.Name,
		Schedule: t.Schedule,
		Next:     t.Next,
		LastRun:  t.LastRun,
		LastErr:  t.LastErr,
	}
	if t.Duration > 0 {
		r.Duration = t.Duration.String()
	}
	return r
}
