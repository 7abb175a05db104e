// Package metrics exposes Prometheus instruments for mediarr.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediarr_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mediarr_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
)

// Realtime session metrics
var (
	SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mediarr_transcode_sessions_active",
			Help: "Number of running realtime encoder processes",
		},
	)

	SessionsStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mediarr_transcode_sessions_started_total",
			Help: "Total number of realtime encoder processes started",
		},
	)

	SessionsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediarr_transcode_sessions_failed_total",
			Help: "Total number of realtime sessions that failed",
		},
		[]string{"reason"}, // spawn, exit
	)

	GhostSessionsPurged = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mediarr_transcode_ghost_sessions_purged_total",
			Help: "Total number of sessions purged because their process had died",
		},
	)
)

// Segment cache metrics
var (
	CacheRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediarr_segment_cache_requests_total",
			Help: "Segment cache lookups by result",
		},
		[]string{"result"}, // hit, miss
	)

	CacheEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediarr_segment_cache_evictions_total",
			Help: "Segment cache entries removed",
		},
		[]string{"reason"}, // size, age
	)

	CacheWritesDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mediarr_segment_cache_writes_dropped_total",
			Help: "Cache writes skipped because the write queue was full",
		},
	)

	CacheBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mediarr_segment_cache_bytes",
			Help: "Bytes held by the segment cache after the last enforcement",
		},
	)
)

// Asset metrics
var (
	PlaylistTruncations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mediarr_playlist_truncations_total",
			Help: "Variant playlists truncated at a missing segment",
		},
	)

	AssetRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediarr_stream_requests_total",
			Help: "Stream requests by delivery path and kind",
		},
		[]string{"path", "kind"}, // path: pretranscoded, realtime; kind: master, variant, segment
	)
)

// Watcher metrics
var (
	WatcherFilesEnqueued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mediarr_watcher_files_enqueued_total",
			Help: "Stable files handed to the transcoding queue",
		},
	)

	WatcherErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mediarr_watcher_errors_total",
			Help: "Files that failed processing",
		},
	)

	WatcherPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mediarr_watcher_pending_files",
			Help: "Files waiting for their size to settle",
		},
	)

	WatcherReconciled = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mediarr_watcher_reconciled_total",
			Help: "Known files re-processed because they were missing from the catalog",
		},
	)
)
