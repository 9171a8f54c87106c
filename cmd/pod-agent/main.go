package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"platebridge-pod/internal/allowlist"
	"platebridge-pod/internal/bus"
	"platebridge-pod/internal/config"
	"platebridge-pod/internal/db"
	gateway "platebridge-pod/internal/http"
	"platebridge-pod/internal/ingest"
	"platebridge-pod/internal/logger"
	"platebridge-pod/internal/media"
	"platebridge-pod/internal/metrics"
	"platebridge-pod/internal/portal"
	"platebridge-pod/internal/repository"
	"platebridge-pod/internal/scheduler"
	"platebridge-pod/internal/service"
	"platebridge-pod/internal/storage"
	"platebridge-pod/internal/telemetry"
	"platebridge-pod/internal/token"
)

func main() {
	configPath := pflag.StringP("config", "c", "config.yaml", "path to the pod config file")
	pflag.Parse()
	if pflag.NArg() > 0 {
		*configPath = pflag.Arg(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	log := logger.New(cfg)

	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("pod agent stopped with error")
	}
	log.Info().Msg("shutdown complete")
}

func run(cfg *config.Config, log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New()

	gdb, err := db.Open(cfg.Database, log)
	if err != nil {
		return fmt.Errorf("open recordings journal: %w", err)
	}
	defer func() {
		if err := db.Close(gdb); err != nil {
			log.Warn().Err(err).Msg("failed to close recordings journal")
		}
	}()
	recordingsRepo := repository.NewRecordingRepository(gdb)

	cache := allowlist.NewCache(cfg.CachePath, log)
	cache.LoadFromDisk()

	client := portal.NewClient(cfg, log)
	identity := portal.NewIdentityResolver(cfg.Network, portal.OSRunner{}, log)
	collector := telemetry.NewCollector("/", log)

	mediaMgr := media.NewManager(media.OptionsFromConfig(cfg), log)
	defer mediaMgr.Close()

	var clips service.ClipCapturer
	if cfg.CameraRTSPURL != "" {
		clips = mediaMgr
	} else {
		log.Warn().Msg("camera_rtsp_url not set, live stream and clip capture disabled")
	}

	var archiver service.EvidenceArchiver
	if a, err := storage.NewArchiver(ctx, cfg.Evidence, log); err != nil {
		log.Warn().Err(err).Msg("evidence archive unavailable, continuing without it")
	} else if a != nil {
		archiver = a
	}

	recordings := service.NewRecordingService(recordingsRepo, client, archiver, clips, m, service.RecordingOptions{
		CameraID:  cfg.CameraID,
		PodID:     cfg.PodID,
		KeepLocal: cfg.Recordings.KeepLocal,
	}, log)

	var snapshots service.SnapshotSource
	if cfg.Frigate.URL != "" {
		snapshots = service.NewSnapshotFetcher(cfg.Frigate.URL, cfg.Recordings.Dir, cfg.HTTPTimeout)
	}

	detections := service.NewDetectionService(cache, client, snapshots, clips, recordings, m, service.DetectionOptions{
		MinConfidence:     cfg.MinConfidence,
		RecordOnDetection: cfg.RecordOnDetection,
		ClipDuration:      cfg.ClipDuration,
	}, log)

	ingestor := ingest.NewIngestor(detections, cfg.Ingest.Workers, cfg.Ingest.QueueSize, m, log)
	ingestor.Start()
	defer ingestor.Shutdown()

	var subscriber *bus.Subscriber
	if cfg.MQTT.Enabled {
		subscriber = bus.NewSubscriber(cfg.MQTT, ingestor.HandleMessage, log)
		if err := subscriber.Connect(); err != nil {
			log.Error().Err(err).Msg("event bus unavailable, detections will not be received until it reconnects")
		}
	}

	streaming := cfg.Stream.Enabled && cfg.CameraRTSPURL != ""
	var live scheduler.LiveStream
	var gatewayLive gateway.LiveStream
	if streaming {
		live = mediaMgr
		gatewayLive = mediaMgr
	}
	loop := scheduler.NewLoop(client, cache, collector, identity, live, recordings, m, scheduler.OptionsFromConfig(cfg), log)

	gin.SetMode(gin.ReleaseMode)
	handler := gateway.NewHandler(gatewayLive, recordings, cache, m, cfg.PodID, log)
	router := gateway.NewRouter(handler, token.NewValidator(cfg.Stream.Secret, cfg.Stream.JWTEnabled), cfg.Stream.CORSOrigins, log)
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Stream.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("media gateway listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		loop.Run(ctx)
	}()

	log.Info().
		Str("pod_id", cfg.PodID).
		Str("camera_id", cfg.CameraID).
		Str("allowlist_source", cfg.AllowlistSource).
		Int("allowlist_entries", cache.Count()).
		Bool("streaming", streaming).
		Msg("pod agent started")

	var runErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-serverErr:
		runErr = fmt.Errorf("media gateway: %w", err)
		stop()
	}

	if subscriber != nil {
		subscriber.Close()
	}
	// the loop restarts a stopped live session, so it has to exit before StopLive
	<-loopDone
	mediaMgr.StopLive()
	// cancels in-flight work; queued detections are drained without new captures
	ingestor.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("media gateway shutdown")
	}
	// deferred: media manager close (joins every ffmpeg), journal close
	return runErr
}
