package middleware

import (
	"net/http"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
)

// compressibleTypes are the text responses worth compressing. Segments are
// already compressed video and are served with range support, so they are
// left alone.
var compressibleTypes = []string{
	"application/json",
	"application/problem+json",
	"application/vnd.apple.mpegurl",
	"text/plain",
}

// Compress gzips playlists and API responses.
func Compress(level int) func(http.Handler) http.Handler {
	return chimiddleware.Compress(level, compressibleTypes...)
}
