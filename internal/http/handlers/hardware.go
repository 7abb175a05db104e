package handlers

import (
	"context"

	"github.com/danielgtaylor/huma/v2"

	"github.com/jmylchreest/mediarr/internal/ffmpeg"
)

// CapabilityDetector reports the encoder selected for this host.
type CapabilityDetector interface {
	Detect(ctx context.Context) ffmpeg.Capabilities
}

// HardwareHandler reports hardware acceleration state.
type HardwareHandler struct {
	detector CapabilityDetector
}

// NewHardwareHandler creates a new hardware handler. A nil detector means
// ffmpeg was not found and realtime transcoding is off.
func NewHardwareHandler(detector CapabilityDetector) *HardwareHandler {
	return &HardwareHandler{detector: detector}
}

// GetHardwareInput is the input for the hardware endpoint.
type GetHardwareInput struct{}

// GetHardwareOutput is the output for the hardware endpoint.
type GetHardwareOutput struct {
	Body HardwareResponse
}

// Register registers the hardware routes with the API.
func (h *HardwareHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "getHardware",
		Method:      "GET",
		Path:        "/api/v1/hardware",
		Summary:     "Get encoder capabilities",
		Description: "Returns the detected hardware acceleration and the encoder realtime sessions use",
		Tags:        []string{"System"},
	}, h.Get)
}

// Get returns the cached capability detection result.
func (h *HardwareHandler) Get(ctx context.Context, _ *GetHardwareInput) (*GetHardwareOutput, error) {
	if h.detector == nil {
		return &GetHardwareOutput{Body: HardwareResponse{
			Capabilities: ffmpeg.Capabilities{Accel: ffmpeg.AccelNone},
		}}, nil
	}
	return &GetHardwareOutput{Body: HardwareResponse{
		Capabilities:    h.detector.Detect(ctx),
		RealtimeEnabled: true,
	}}, nil
}
