package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jmylchreest/mediarr/internal/assets"
	"github.com/jmylchreest/mediarr/internal/buffer"
	"github.com/jmylchreest/mediarr/internal/database"
	"github.com/jmylchreest/mediarr/internal/ffmpeg"
	internalhttp "github.com/jmylchreest/mediarr/internal/http"
	"github.com/jmylchreest/mediarr/internal/http/handlers"
	"github.com/jmylchreest/mediarr/internal/observability"
	"github.com/jmylchreest/mediarr/internal/queue"
	"github.com/jmylchreest/mediarr/internal/repository"
	"github.com/jmylchreest/mediarr/internal/scheduler"
	"github.com/jmylchreest/mediarr/internal/segcache"
	"github.com/jmylchreest/mediarr/internal/service/playback"
	"github.com/jmylchreest/mediarr/internal/session"
	"github.com/jmylchreest/mediarr/internal/startup"
	"github.com/jmylchreest/mediarr/internal/transcoder"
	"github.com/jmylchreest/mediarr/internal/version"
	"github.com/jmylchreest/mediarr/internal/watcher"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the mediarr server",
	Long: `Start the mediarr HTTP server.

The server provides:
- HLS playback at /api/v1/stream/{mediaID}
- Session, cache, hardware and task endpoints under /api/v1
- Health checks at /health and /livez, Prometheus metrics at /metrics
- OpenAPI documentation at /docs`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("host", "", "host to bind to (overrides server.host)")
	serveCmd.Flags().Int("port", 0, "port to listen on (overrides server.port)")
	serveCmd.Flags().Bool("no-watch", false, "disable the library watcher")
}

// components groups what runServe must stop on the way out.
type components struct {
	db         *database.DB
	transcoder *transcoder.Transcoder
	cache      *segcache.Cache
	watcher    *watcher.Watcher
	scheduler  *scheduler.Scheduler
}

func (c *components) shutdown(ctx context.Context, logger *slog.Logger) {
	if c.watcher != nil {
		c.watcher.Stop()
	}
	if c.scheduler != nil {
		c.scheduler.Stop()
	}
	if c.transcoder != nil {
		if err := c.transcoder.Shutdown(ctx); err != nil {
			logger.Warn("stopping realtime sessions", slog.String("error", err.Error()))
		}
	}
	if c.cache != nil {
		c.cache.Close()
	}
	if c.db != nil {
		if err := c.db.Close(); err != nil {
			logger.Warn("closing database", slog.String("error", err.Error()))
		}
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	flags := cmd.Flags()
	if flags.Changed("host") {
		cfg.Server.Host, _ = flags.GetString("host")
	}
	if flags.Changed("port") {
		cfg.Server.Port, _ = flags.GetInt("port")
	}
	if noWatch, _ := flags.GetBool("no-watch"); noWatch {
		cfg.Watcher.Enabled = false
	}

	logger := slog.Default()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	c := &components{}
	defer c.shutdown(context.Background(), logger)

	db, err := database.New(cfg.Database, observability.WithComponent(logger, "database"))
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	c.db = db
	if err := db.Migrate(ctx); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	knownFiles := repository.NewKnownFileRepository(db.DB)
	mediaItems := repository.NewMediaItemRepository(db.DB)
	jobs := queue.New(repository.NewTranscodeJobRepository(db.DB), observability.WithComponent(logger, "queue"))

	assetServer := assets.NewServer(assets.Options{
		CatalogRoot:   cfg.Assets.CatalogRoot,
		EpisodicRoot:  cfg.Assets.EpisodicPath(),
		ValidationTTL: cfg.Assets.ValidationTTL,
	}, observability.WithComponent(logger, "assets"))

	var prober *ffmpeg.Prober
	if probePath, err := ffmpeg.FindBinary(cfg.FFmpeg.ProbePath, "ffprobe", ffmpeg.EnvFFprobeBinary); err != nil {
		logger.Warn("ffprobe not found, stream metadata unavailable", slog.String("error", err.Error()))
	} else {
		prober = ffmpeg.NewProber(probePath)
	}

	playbackService := playback.NewService(mediaItems, assetServer).
		WithLogger(observability.WithComponent(logger, "playback")).
		WithVariantBandwidth(cfg.Transcode.VariantBandwidth)
	if prober != nil {
		playbackService.WithProber(prober)
	}

	sessions := session.NewManager(observability.WithComponent(logger, "sessions"))
	buffers := buffer.NewRegistry(cfg.Buffer.Window, cfg.Buffer.SurplusSegments)

	var detector *ffmpeg.Detector
	if cfg.Transcode.Enabled {
		detector, c.transcoder = setupRealtime(ctx, logger, sessions, buffers, jobs)
		if c.transcoder != nil {
			playbackService.WithRealtime(c.transcoder, detector, buffers)
		}
	}

	if cfg.Cache.Enabled && c.transcoder != nil {
		cache, err := segcache.New(segcache.Options{
			Dir:       cfg.Storage.CachePath(),
			MaxSize:   cfg.Cache.MaxSize.Bytes(),
			MaxAge:    cfg.Cache.MaxAge,
			QueueSize: cfg.Cache.WriteQueue,
			Verify:    cfg.Cache.VerifySegments,
			Logger:    observability.WithComponent(logger, "segcache"),
		})
		if err != nil {
			return fmt.Errorf("creating segment cache: %w", err)
		}
		cache.Start(ctx)
		c.cache = cache
		playbackService.WithSegmentCache(cache)
	}

	transcodeRoot := cfg.Storage.TranscodePath()
	if removed, err := startup.CleanupOrphanedSessionDirs(logger, transcodeRoot, cfg.Transcode.OrphanMaxAge, sessions.HasActiveSession); err != nil {
		logger.Warn("cleaning orphaned session directories", slog.String("error", err.Error()))
	} else if removed > 0 {
		logger.Info("removed orphaned session directories", slog.Int("count", removed))
	}

	var prb watcher.Prober
	if prober != nil {
		prb = prober
	}
	if cfg.Watcher.Enabled {
		c.watcher = watcher.New(watcher.Options{
			Paths:          cfg.Watcher.Paths,
			Extensions:     cfg.Watcher.Extensions,
			Debounce:       cfg.Watcher.Debounce,
			StabilityDelay: cfg.Watcher.StabilityDelay,
			PollInterval:   cfg.Watcher.PollInterval,
			BatchSize:      cfg.Watcher.BatchSize,
		}, knownFiles, mediaItems, jobs, prb, observability.WithComponent(logger, "watcher"))
		if err := c.watcher.Start(ctx); err != nil {
			return fmt.Errorf("starting watcher: %w", err)
		}
	}

	sched := scheduler.NewScheduler(observability.WithComponent(logger, "scheduler"))
	maint := scheduler.Maintenance{
		Playlists:     assetServer,
		TranscodeRoot: transcodeRoot,
		OrphanMaxAge:  cfg.Transcode.OrphanMaxAge,
		IsActive:      sessions.HasActiveSession,
	}
	if c.cache != nil {
		maint.Cache = c.cache
	}
	if c.watcher != nil {
		maint.Watcher = c.watcher
	}
	if err := scheduler.RegisterMaintenance(sched, maint, scheduler.Schedules{
		CacheSweep:     cfg.Scheduler.CacheSweep,
		Reconcile:      cfg.Scheduler.Reconcile,
		SessionCleanup: cfg.Scheduler.SessionCleanup,
	}); err != nil {
		return fmt.Errorf("registering maintenance tasks: %w", err)
	}
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("starting scheduler: %w", err)
	}
	c.scheduler = sched

	server := internalhttp.NewServer(cfg.Server, logger, version.Version)
	registerHandlers(server, db, playbackService, sessions, buffers, detector, c.cache, sched)

	logger.Info("starting mediarr server",
		slog.String("address", cfg.Server.Address()),
		slog.String("version", version.Version),
		slog.Bool("realtime", playbackService.RealtimeEnabled()),
		slog.Bool("segment_cache", c.cache != nil),
		slog.Bool("watcher", c.watcher != nil),
	)

	err = server.ListenAndServe(ctx)
	logger.Info("shutting down")
	return err
}

// setupRealtime locates ffmpeg and builds the realtime transcoder. Without
// ffmpeg it returns nils and the server runs with pre-transcoded assets only.
func setupRealtime(ctx context.Context, logger *slog.Logger, sessions *session.Manager, buffers *buffer.Registry, jobs queue.Enqueuer) (*ffmpeg.Detector, *transcoder.Transcoder) {
	ffmpegPath, err := ffmpeg.FindBinary(cfg.FFmpeg.BinaryPath, "ffmpeg", ffmpeg.EnvFFmpegBinary)
	if err != nil {
		logger.Warn("ffmpeg not found, realtime transcoding disabled", slog.String("error", err.Error()))
		return nil, nil
	}

	detector := ffmpeg.NewDetector(ffmpegPath, cfg.FFmpeg.HWAccelPriority, cfg.FFmpeg.SoftwarePreset,
		observability.WithComponent(logger, "hwaccel"))
	// Probe now so the first playback request does not pay for it.
	detector.Detect(ctx)

	var opts []transcoder.Option
	if cfg.Transcode.EnqueueOnPlay {
		opts = append(opts, transcoder.WithStartHook(playback.EnqueueHook(jobs, logger)))
	}
	tc, err := transcoder.New(transcoder.Options{
		FFmpegPath:      ffmpegPath,
		OutputRoot:      cfg.Storage.TranscodePath(),
		SegmentDuration: cfg.Transcode.SegmentDuration,
		PlaylistTimeout: cfg.Transcode.PlaylistTimeout,
		ProgressStall:   cfg.Transcode.ProgressStall,
		StderrTailLines: cfg.Transcode.StderrTailLines,
		AudioCodec:      cfg.Transcode.AudioCodec,
		AudioBitrate:    cfg.Transcode.AudioBitrate,
		AudioSampleRate: cfg.Transcode.AudioSampleRate,
		AudioChannels:   cfg.Transcode.AudioChannels,
	}, detector, sessions, buffers, observability.WithComponent(logger, "transcoder"), opts...)
	if err != nil {
		logger.Error("creating transcoder, realtime transcoding disabled", slog.String("error", err.Error()))
		return nil, nil
	}
	return detector, tc
}

func registerHandlers(
	server *internalhttp.Server,
	db *database.DB,
	svc *playback.Service,
	sessions *session.Manager,
	buffers *buffer.Registry,
	detector *ffmpeg.Detector,
	cache *segcache.Cache,
	sched *scheduler.Scheduler,
) {
	api := server.API()

	handlers.NewHealthHandler(version.Version).
		WithDB(db.DB).
		WithSessions(sessions, svc.RealtimeEnabled(), cache != nil).
		Register(api)

	handlers.NewStreamHandler(svc, cfg.Assets.RetryAfter).
		WithLogger(observability.WithComponent(slog.Default(), "stream")).
		RegisterChiRoutes(server.Router())

	handlers.NewSessionHandler(sessions, buffers).Register(api)
	handlers.NewMediaHandler(svc).Register(api)
	handlers.NewTaskHandler(sched).Register(api)

	// Typed nils would defeat the handlers' nil checks.
	if detector != nil {
		handlers.NewHardwareHandler(detector).Register(api)
	} else {
		handlers.NewHardwareHandler(nil).Register(api)
	}
	if cache != nil {
		handlers.NewCacheHandler(cache).Register(api)
	} else {
		handlers.NewCacheHandler(nil).Register(api)
	}
}
