package handlers

import (
	"context"
	"errors"

	"github.com/danielgtaylor/huma/v2"

	"github.com/jmylchreest/mediarr/internal/buffer"
	"github.com/jmylchreest/mediarr/internal/session"
)

// SessionStore lists and stops realtime sessions.
type SessionStore interface {
	List() []session.Session
	KillSession(ctx context.Context, id string) error
}

// BufferLookup finds a session's buffer manager.
type BufferLookup interface {
	Lookup(sessionID string) (*buffer.Manager, bool)
}

// SessionHandler handles realtime session endpoints.
type SessionHandler struct {
	sessions SessionStore
	buffers  BufferLookup
}

// NewSessionHandler creates a new session handler.
func NewSessionHandler(sessions SessionStore, buffers BufferLookup) *SessionHandler {
	return &SessionHandler{sessions: sessions, buffers: buffers}
}

// ListSessionsInput is the input for listing sessions.
type ListSessionsInput struct{}

// ListSessionsOutput is the output for listing sessions.
type ListSessionsOutput struct {
	Body struct {
		Sessions []SessionResponse `json:"sessions"`
	}
}

// StopSessionInput is the input for stopping a session.
type StopSessionInput struct {
	ID string `path:"id" doc:"Session ID"`
}

// StopSessionOutput is the output for stopping a session.
type StopSessionOutput struct{}

// Register registers the session routes with the API.
func (h *SessionHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "listSessions",
		Method:      "GET",
		Path:        "/api/v1/sessions",
		Summary:     "List realtime sessions",
		Description: "Returns the live realtime encoder sessions with their adaptive buffer state",
		Tags:        []string{"Sessions"},
	}, h.List)

	huma.Register(api, huma.Operation{
		OperationID:   "stopSession",
		Method:        "DELETE",
		Path:          "/api/v1/sessions/{id}",
		Summary:       "Stop a realtime session",
		Tags:          []string{"Sessions"},
		DefaultStatus: 204,
	}, h.Stop)
}

// List returns all live sessions.
func (h *SessionHandler) List(_ context.Context, _ *ListSessionsInput) (*ListSessionsOutput, error) {
	sessions := h.sessions.List()
	out := &ListSessionsOutput{}
	out.Body.Sessions = make([]SessionResponse, 0, len(sessions))
	for _, s := range sessions {
		var report *buffer.Report
		if h.buffers != nil {
			if bm, ok := h.buffers.Lookup(s.ID); ok {
				r := bm.StatusReport()
				report = &r
			}
		}
		out.Body.Sessions = append(out.Body.Sessions, SessionFromModel(s, report))
	}
	return out, nil
}

// Stop terminates a session's encoder.
func (h *SessionHandler) Stop(ctx context.Context, input *StopSessionInput) (*StopSessionOutput, error) {
	if err := h.sessions.KillSession(ctx, input.ID); err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			return nil, huma.Error404NotFound("session not found")
		}
		return nil, huma.Error500InternalServerError("failed to stop session", err)
	}
	return &StopSessionOutput{}, nil
}
