package handlers

import (
	"context"

	"github.com/danielgtaylor/huma/v2"

	"github.com/jmylchreest/mediarr/internal/segcache"
)

// CacheStatter reports segment cache usage.
type CacheStatter interface {
	Stats() (segcache.Stats, error)
}

// CacheHandler handles segment cache endpoints.
type CacheHandler struct {
	cache CacheStatter
}

// NewCacheHandler creates a new cache handler. A nil cache reports the
// cache as disabled.
func NewCacheHandler(cache CacheStatter) *CacheHandler {
	return &CacheHandler{cache: cache}
}

// GetCacheStatsInput is the input for the cache stats endpoint.
type GetCacheStatsInput struct{}

// GetCacheStatsOutput is the output for the cache stats endpoint.
type GetCacheStatsOutput struct {
	Body struct {
		Enabled bool `json:"enabled"`
		segcache.Stats
	}
}

// Register registers the cache routes with the API.
func (h *CacheHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "getCacheStats",
		Method:      "GET",
		Path:        "/api/v1/cache",
		Summary:     "Get segment cache statistics",
		Tags:        []string{"Cache"},
	}, h.GetStats)
}

// GetStats returns entry count, size and hit counters.
func (h *CacheHandler) GetStats(_ context.Context, _ *GetCacheStatsInput) (*GetCacheStatsOutput, error) {
	out := &GetCacheStatsOutput{}
	if h.cache == nil {
		return out, nil
	}
	stats, err := h.cache.Stats()
	if err != nil {
		return nil, huma.Error500InternalServerError("failed to read cache statistics", err)
	}
	out.Body.Enabled = true
	out.Body.Stats = stats
	return out, nil
}
