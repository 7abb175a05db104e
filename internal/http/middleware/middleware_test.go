package middleware

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/mediarr/internal/observability"
)

func loggedRouter(buf *bytes.Buffer, enabled bool) http.Handler {
	logger := slog.New(slog.NewJSONHandler(buf, nil))
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			next.ServeHTTP(w, req.WithContext(observability.ContextWithLogger(req.Context(), logger)))
		})
	})
	r.Use(Logging(enabled))
	r.Get("/stream/{id}", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("#EXTM3U\n"))
	})
	r.Get("/missing", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	return r
}

func TestLogging(t *testing.T) {
	var buf bytes.Buffer
	h := loggedRouter(&buf, true)
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/stream/abc?segment=segment_00001.ts", nil))

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "INFO", line["level"])
	assert.Equal(t, "/stream/{id}", line["route"])
	assert.Equal(t, "segment=segment_00001.ts", line["query"])
	assert.EqualValues(t, 200, line["status"])
	assert.EqualValues(t, 8, line["bytes"])
}

func TestLogging_ErrorsOnlyWhenDisabled(t *testing.T) {
	var buf bytes.Buffer
	h := loggedRouter(&buf, false)

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/stream/abc", nil))
	assert.Zero(t, buf.Len())

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/missing", nil))
	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "WARN", line["level"])
	assert.EqualValues(t, 404, line["status"])
}

func TestRoutePattern_Unmatched(t *testing.T) {
	assert.Equal(t, "unmatched", routePattern(httptest.NewRequest(http.MethodGet, "/", nil)))
}
