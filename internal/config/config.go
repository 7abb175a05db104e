// Package config provides configuration management for mediarr using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Default configuration values.
const (
	defaultServerPort        = 8096
	defaultServerTimeout     = 30 * time.Second
	defaultShutdownTimeout   = 10 * time.Second
	defaultMaxOpenConns      = 25
	defaultMaxIdleConns      = 10
	defaultConnMaxIdleTime   = 30 * time.Minute
	defaultSegmentDuration   = 2 * time.Second
	defaultPlaylistTimeout   = 30 * time.Second
	defaultProgressStall     = 5 * time.Second
	defaultStderrTailLines   = 50
	defaultAudioBitrate      = "192k"
	defaultAudioSampleRate   = 48000
	defaultAudioChannels     = 2
	defaultVariantBandwidth  = 6_000_000
	defaultBufferWindow      = 60 * time.Second
	defaultSurplusSegments   = 30
	defaultCacheMaxSize      = "10GiB"
	defaultCacheMaxAge       = 7 * 24 * time.Hour
	defaultCacheWriteQueue   = 64
	defaultValidationTTL     = 5 * time.Second
	defaultRetryAfter        = 2 * time.Second
	defaultWatcherDebounce   = 5 * time.Second
	defaultWatcherStability  = 2 * time.Second
	defaultWatcherPoll       = 5 * time.Minute
	defaultWatcherBatchSize  = 25
	defaultOrphanedSessionTT = 6 * time.Hour
)

// DefaultVideoExtensions lists the source file extensions the watcher imports.
var DefaultVideoExtensions = []string{
	".mkv", ".mp4", ".m4v", ".avi", ".mov", ".ts", ".webm", ".wmv", ".mpg", ".mpeg",
}

// Config holds all configuration for the application.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	FFmpeg    FFmpegConfig    `mapstructure:"ffmpeg"`
	Transcode TranscodeConfig `mapstructure:"transcode"`
	Buffer    BufferConfig    `mapstructure:"buffer"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Assets    AssetsConfig    `mapstructure:"assets"`
	Watcher   WatcherConfig   `mapstructure:"watcher"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
	RequestLogging  bool          `mapstructure:"request_logging"`
}

// DatabaseConfig holds database connection configuration.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"` // sqlite, postgres, mysql
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	LogLevel        string        `mapstructure:"log_level"` // silent, error, warn, info
}

// StorageConfig holds file storage configuration.
type StorageConfig struct {
	BaseDir      string `mapstructure:"base_dir"`
	TranscodeDir string `mapstructure:"transcode_dir"` // realtime session output, relative to base_dir
	CacheDir     string `mapstructure:"cache_dir"`     // segment cache, relative to base_dir
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// FFmpegConfig holds FFmpeg binary configuration.
type FFmpegConfig struct {
	BinaryPath      string   `mapstructure:"binary_path"`      // Path to ffmpeg binary (empty = auto-detect)
	ProbePath       string   `mapstructure:"probe_path"`       // Path to ffprobe binary (empty = auto-detect)
	HWAccelPriority []string `mapstructure:"hwaccel_priority"` // Overrides the platform order when set
	SoftwarePreset  string   `mapstructure:"software_preset"`
}

// TranscodeConfig holds realtime transcoding configuration.
type TranscodeConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	SegmentDuration  time.Duration `mapstructure:"segment_duration"`
	PlaylistTimeout  time.Duration `mapstructure:"playlist_timeout"` // wait budget for the first segment
	ProgressStall    time.Duration `mapstructure:"progress_stall"`   // fall back to output growth after this long without progress
	StderrTailLines  int           `mapstructure:"stderr_tail_lines"`
	AudioCodec       string        `mapstructure:"audio_codec"`
	AudioBitrate     string        `mapstructure:"audio_bitrate"`
	AudioSampleRate  int           `mapstructure:"audio_sample_rate"`
	AudioChannels    int           `mapstructure:"audio_channels"`
	VariantBandwidth int           `mapstructure:"variant_bandwidth"`
	EnqueueOnPlay    bool          `mapstructure:"enqueue_on_play"` // hand realtime files to the background queue
	OrphanMaxAge     time.Duration `mapstructure:"orphan_max_age"`
}

// BufferConfig holds adaptive buffer configuration.
type BufferConfig struct {
	Window          time.Duration `mapstructure:"window"`
	SurplusSegments int           `mapstructure:"surplus_segments"`
}

// CacheConfig holds segment cache configuration.
type CacheConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// MaxSize supports human-readable values like "10GiB", "500MB", or raw byte counts.
	MaxSize        ByteSize      `mapstructure:"max_size"`
	MaxAge         time.Duration `mapstructure:"max_age"`
	WriteQueue     int           `mapstructure:"write_queue"`
	VerifySegments bool          `mapstructure:"verify_segments"`
}

// AssetsConfig holds pre-transcoded asset configuration.
type AssetsConfig struct {
	CatalogRoot   string        `mapstructure:"catalog_root"`
	EpisodicRoot  string        `mapstructure:"episodic_root"` // empty = {catalog_root}/episodes
	ValidationTTL time.Duration `mapstructure:"validation_ttl"`
	RetryAfter    time.Duration `mapstructure:"retry_after"`
}

// WatcherConfig holds library ingestion configuration.
type WatcherConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Paths          []string      `mapstructure:"paths"`
	Extensions     []string      `mapstructure:"extensions"`
	Debounce       time.Duration `mapstructure:"debounce"`
	StabilityDelay time.Duration `mapstructure:"stability_delay"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	BatchSize      int           `mapstructure:"batch_size"`
}

// SchedulerConfig holds cron expressions for maintenance jobs.
type SchedulerConfig struct {
	CacheSweep     string `mapstructure:"cache_sweep"`
	Reconcile      string `mapstructure:"reconcile"`
	SessionCleanup string `mapstructure:"session_cleanup"`
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration.
// Environment variables are prefixed with MEDIARR_ and use underscores for nesting.
// Example: MEDIARR_SERVER_PORT=8096.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/mediarr")
		v.AddConfigPath("$HOME/.config/mediarr")
	}

	v.SetEnvPrefix("MEDIARR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.TextUnmarshallerHookFunc(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// SetDefaults configures default values for all configuration options.
func SetDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", defaultServerPort)
	v.SetDefault("server.read_timeout", defaultServerTimeout)
	v.SetDefault("server.write_timeout", 0) // segment responses may stream for a while
	v.SetDefault("server.shutdown_timeout", defaultShutdownTimeout)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("server.request_logging", true)

	// Database defaults
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "mediarr.db")
	v.SetDefault("database.max_open_conns", defaultMaxOpenConns)
	v.SetDefault("database.max_idle_conns", defaultMaxIdleConns)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.conn_max_idle_time", defaultConnMaxIdleTime)
	v.SetDefault("database.log_level", "warn")

	// Storage defaults
	v.SetDefault("storage.base_dir", "./data")
	v.SetDefault("storage.transcode_dir", "transcodes")
	v.SetDefault("storage.cache_dir", "segment-cache")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)

	// FFmpeg defaults
	v.SetDefault("ffmpeg.binary_path", "")
	v.SetDefault("ffmpeg.probe_path", "")
	v.SetDefault("ffmpeg.hwaccel_priority", []string{})
	v.SetDefault("ffmpeg.software_preset", "veryfast")

	// Transcode defaults
	v.SetDefault("transcode.enabled", true)
	v.SetDefault("transcode.segment_duration", defaultSegmentDuration)
	v.SetDefault("transcode.playlist_timeout", defaultPlaylistTimeout)
	v.SetDefault("transcode.progress_stall", defaultProgressStall)
	v.SetDefault("transcode.stderr_tail_lines", defaultStderrTailLines)
	v.SetDefault("transcode.audio_codec", "aac")
	v.SetDefault("transcode.audio_bitrate", defaultAudioBitrate)
	v.SetDefault("transcode.audio_sample_rate", defaultAudioSampleRate)
	v.SetDefault("transcode.audio_channels", defaultAudioChannels)
	v.SetDefault("transcode.variant_bandwidth", defaultVariantBandwidth)
	v.SetDefault("transcode.enqueue_on_play", true)
	v.SetDefault("transcode.orphan_max_age", defaultOrphanedSessionTT)

	// Buffer defaults
	v.SetDefault("buffer.window", defaultBufferWindow)
	v.SetDefault("buffer.surplus_segments", defaultSurplusSegments)

	// Cache defaults
	v.SetDefault("cache.enabled", true)
	v.SetDefault("cache.max_size", defaultCacheMaxSize)
	v.SetDefault("cache.max_age", defaultCacheMaxAge)
	v.SetDefault("cache.write_queue", defaultCacheWriteQueue)
	v.SetDefault("cache.verify_segments", false)

	// Assets defaults
	v.SetDefault("assets.catalog_root", "./data/library")
	v.SetDefault("assets.episodic_root", "")
	v.SetDefault("assets.validation_ttl", defaultValidationTTL)
	v.SetDefault("assets.retry_after", defaultRetryAfter)

	// Watcher defaults
	v.SetDefault("watcher.enabled", false)
	v.SetDefault("watcher.paths", []string{})
	v.SetDefault("watcher.extensions", DefaultVideoExtensions)
	v.SetDefault("watcher.debounce", defaultWatcherDebounce)
	v.SetDefault("watcher.stability_delay", defaultWatcherStability)
	v.SetDefault("watcher.poll_interval", defaultWatcherPoll)
	v.SetDefault("watcher.batch_size", defaultWatcherBatchSize)

	// Scheduler defaults (robfig/cron descriptors or 6-field expressions)
	v.SetDefault("scheduler.cache_sweep", "@every 30m")
	v.SetDefault("scheduler.reconcile", "@every 1h")
	v.SetDefault("scheduler.session_cleanup", "@every 1h")
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	const maxPort = 65535
	if c.Server.Port < 1 || c.Server.Port > maxPort {
		return fmt.Errorf("server.port must be between 1 and %d", maxPort)
	}

	validDrivers := map[string]bool{"sqlite": true, "postgres": true, "mysql": true}
	if !validDrivers[c.Database.Driver] {
		return fmt.Errorf("database.driver must be one of: sqlite, postgres, mysql")
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}

	if c.Storage.BaseDir == "" {
		return fmt.Errorf("storage.base_dir is required")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	if c.Transcode.SegmentDuration < time.Second {
		return fmt.Errorf("transcode.segment_duration must be at least 1s")
	}
	if c.Transcode.PlaylistTimeout <= 0 {
		return fmt.Errorf("transcode.playlist_timeout must be positive")
	}

	if c.Buffer.Window <= 0 {
		return fmt.Errorf("buffer.window must be positive")
	}

	if c.Cache.Enabled && c.Cache.MaxSize <= 0 {
		return fmt.Errorf("cache.max_size must be positive when the cache is enabled")
	}

	if c.Assets.CatalogRoot == "" {
		return fmt.Errorf("assets.catalog_root is required")
	}

	if c.Watcher.Enabled {
		if len(c.Watcher.Paths) == 0 {
			return fmt.Errorf("watcher.paths must list at least one directory when the watcher is enabled")
		}
		if c.Watcher.Debounce <= 0 {
			return fmt.Errorf("watcher.debounce must be positive")
		}
		if c.Watcher.BatchSize < 1 {
			return fmt.Errorf("watcher.batch_size must be at least 1")
		}
	}

	return nil
}

// Address returns the server address in host:port format.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// TranscodePath returns the full path to the realtime session output directory.
func (c *StorageConfig) TranscodePath() string {
	return filepath.Join(c.BaseDir, c.TranscodeDir)
}

// CachePath returns the full path to the segment cache directory.
func (c *StorageConfig) CachePath() string {
	return filepath.Join(c.BaseDir, c.CacheDir)
}

// EpisodicPath returns the secondary asset root used for episodic content.
func (c *AssetsConfig) EpisodicPath() string {
	if c.EpisodicRoot != "" {
		return c.EpisodicRoot
	}
	return filepath.Join(c.CatalogRoot, "episodes")
}
