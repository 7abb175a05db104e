package handlers

import (
	"context"
	"errors"

	"github.com/danielgtaylor/huma/v2"

	"github.com/jmylchreest/mediarr/internal/ffmpeg"
	"github.com/jmylchreest/mediarr/internal/service/playback"
)

// AudioTrackLister lists a media item's audio tracks.
type AudioTrackLister interface {
	AudioTracks(ctx context.Context, mediaID string) ([]ffmpeg.AudioTrack, error)
}

// MediaHandler handles media metadata endpoints.
type MediaHandler struct {
	tracks AudioTrackLister
}

// NewMediaHandler creates a new media handler.
func NewMediaHandler(tracks AudioTrackLister) *MediaHandler {
	return &MediaHandler{tracks: tracks}
}

// GetAudioTracksInput is the input for the audio tracks endpoint.
type GetAudioTracksInput struct {
	ID string `path:"id" doc:"Media ID (ULID)"`
}

// GetAudioTracksOutput is the output for the audio tracks endpoint.
type GetAudioTracksOutput struct {
	Body struct {
		Tracks []ffmpeg.AudioTrack `json:"tracks"`
	}
}

// Register registers the media routes with the API.
func (h *MediaHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "getAudioTracks",
		Method:      "GET",
		Path:        "/api/v1/media/{id}/audio-tracks",
		Summary:     "List audio tracks",
		Description: "Returns the audio tracks selectable with the stream audio parameter",
		Tags:        []string{"Media"},
	}, h.GetAudioTracks)
}

// GetAudioTracks returns the audio tracks for a media item.
func (h *MediaHandler) GetAudioTracks(ctx context.Context, input *GetAudioTracksInput) (*GetAudioTracksOutput, error) {
	tracks, err := h.tracks.AudioTracks(ctx, input.ID)
	if err != nil {
		if errors.Is(err, playback.ErrMediaNotFound) {
			return nil, huma.Error404NotFound("media not found")
		}
		return nil, huma.Error500InternalServerError("failed to read audio tracks", err)
	}
	out := &GetAudioTracksOutput{}
	out.Body.Tracks = tracks
	return out, nil
}
