package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"platebridge-pod/internal/allowlist"
	"platebridge-pod/internal/config"
	"platebridge-pod/internal/domain/pod"
	"platebridge-pod/internal/metrics"
	"platebridge-pod/internal/portal"
)

// Portal is the part of the portal client the loop drives.
type Portal interface {
	allowlist.Source
	Heartbeat(ctx context.Context, hb pod.Heartbeat) (string, error)
	SetCommunityID(id string) bool
}

type Refresher interface {
	Refresh(ctx context.Context, src allowlist.Source) (int, error)
}

type TelemetrySource interface {
	Collect() pod.Telemetry
}

type IdentitySource interface {
	Resolve(ctx context.Context) pod.NetworkIdentity
}

type LiveStream interface {
	LiveRunning() bool
	StartLive() error
}

type RecordingJanitor interface {
	CleanupOldRecordings(ctx context.Context, days int) (int, error)
}

type Options struct {
	PodID           string
	CameraID        string
	CameraName      string
	RTSPURL         string
	FirmwareVersion string

	Tick              time.Duration
	HeartbeatInterval time.Duration
	RefreshInterval   time.Duration
	CleanupInterval   time.Duration
	RetentionDays     int

	StreamEnabled bool
	StreamPort    int
	StreamScheme  string
}

func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		PodID:             cfg.PodID,
		CameraID:          cfg.CameraID,
		CameraName:        cfg.CameraName,
		RTSPURL:           cfg.CameraRTSPURL,
		FirmwareVersion:   cfg.FirmwareVersion,
		Tick:              cfg.TickInterval,
		HeartbeatInterval: cfg.HeartbeatInterval,
		RefreshInterval:   cfg.RefreshInterval,
		CleanupInterval:   time.Hour,
		RetentionDays:     cfg.Recordings.RetentionDays,
		StreamEnabled:     cfg.Stream.Enabled && cfg.CameraRTSPURL != "",
		StreamPort:        cfg.Stream.Port,
		StreamScheme:      cfg.Stream.URLScheme,
	}
}

// Loop is a cooperative scheduler. Due actions run one after another on the tick
// goroutine, so a slow action delays the next tick instead of overlapping it.
type Loop struct {
	portal    Portal
	cache     Refresher
	telemetry TelemetrySource
	identity  IdentitySource
	live      LiveStream
	janitor   RecordingJanitor
	metrics   *metrics.Metrics
	opts      Options
	log       zerolog.Logger

	lastHeartbeat time.Time
	lastRefresh   time.Time
	lastCleanup   time.Time
	refreshNow    bool
}

// NewLoop wires the loop; live and janitor may be nil.
func NewLoop(portal Portal, cache Refresher, telemetry TelemetrySource, identity IdentitySource, live LiveStream, janitor RecordingJanitor, m *metrics.Metrics, opts Options, log zerolog.Logger) *Loop {
	if opts.Tick <= 0 {
		opts.Tick = time.Second
	}
	return &Loop{
		portal:    portal,
		cache:     cache,
		telemetry: telemetry,
		identity:  identity,
		live:      live,
		janitor:   janitor,
		metrics:   m,
		opts:      opts,
		log:       log.With().Str("component", "scheduler").Logger(),
	}
}

// Run ticks until ctx is cancelled. The first tick fires immediately, so the pod
// announces itself and loads the allow-list at startup.
func (l *Loop) Run(ctx context.Context) {
	l.log.Info().
		Dur("tick", l.opts.Tick).
		Dur("heartbeat_interval", l.opts.HeartbeatInterval).
		Dur("refresh_interval", l.opts.RefreshInterval).
		Msg("scheduler started")

	ticker := time.NewTicker(l.opts.Tick)
	defer ticker.Stop()

	l.Tick(ctx, time.Now())
	for {
		select {
		case <-ctx.Done():
			l.log.Info().Msg("scheduler stopped")
			return
		case now := <-ticker.C:
			l.Tick(ctx, now)
		}
	}
}

// Tick runs every action that is due at now. It never returns an error; each action
// logs its own failure and is retried when next due.
func (l *Loop) Tick(ctx context.Context, now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error().Interface("panic", r).Msg("scheduler tick panicked")
		}
	}()

	if l.opts.StreamEnabled && l.live != nil && !l.live.LiveRunning() {
		l.restartLive()
	}
	if due(l.lastHeartbeat, l.opts.HeartbeatInterval, now) {
		l.lastHeartbeat = now
		l.heartbeat(ctx)
	}
	if l.refreshNow || due(l.lastRefresh, l.opts.RefreshInterval, now) {
		l.lastRefresh = now
		l.refreshNow = false
		l.refresh(ctx)
	}
	if l.janitor != nil && l.opts.RetentionDays > 0 && due(l.lastCleanup, l.opts.CleanupInterval, now) {
		l.lastCleanup = now
		if _, err := l.janitor.CleanupOldRecordings(ctx, l.opts.RetentionDays); err != nil {
			l.log.Warn().Err(err).Msg("recording cleanup failed")
		}
	}
}

func due(last time.Time, interval time.Duration, now time.Time) bool {
	return last.IsZero() || interval <= 0 || now.Sub(last) >= interval
}

func (l *Loop) restartLive() {
	metrics.Inc(&l.metrics.LiveRestarts)
	if err := l.live.StartLive(); err != nil {
		l.log.Error().Err(err).Msg("live stream restart failed, retrying next tick")
		return
	}
	l.log.Info().Msg("live stream (re)started")
}

func (l *Loop) heartbeat(ctx context.Context) {
	hb := l.buildHeartbeat(ctx)
	community, err := l.portal.Heartbeat(ctx, hb)
	if err != nil {
		metrics.Inc(&l.metrics.HeartbeatFailed)
		l.log.Warn().Err(err).Msg("heartbeat failed")
		return
	}
	metrics.Inc(&l.metrics.HeartbeatOK)
	l.log.Debug().
		Str("ip", hb.IPAddress).
		Float64("cpu", hb.Telemetry.CPUPercent).
		Float64("memory", hb.Telemetry.MemoryPercent).
		Msg("heartbeat sent")

	if l.portal.SetCommunityID(community) {
		l.log.Info().Str("community_id", community).Msg("community changed, allow-list refresh scheduled")
		l.refreshNow = true
	}
}

func (l *Loop) buildHeartbeat(ctx context.Context) pod.Heartbeat {
	id := l.identity.Resolve(ctx)
	hb := pod.Heartbeat{
		PodID:             l.opts.PodID,
		CameraID:          l.opts.CameraID,
		Status:            "online",
		IPAddress:         id.IPAddress,
		TailscaleIP:       id.TailscaleIP,
		TailscaleHostname: id.TailscaleHostname,
		FirmwareVersion:   l.opts.FirmwareVersion,
		Cameras: []pod.CameraInfo{{
			CameraID: l.opts.CameraID,
			Name:     l.opts.CameraName,
			RTSPURL:  l.opts.RTSPURL,
		}},
		Telemetry: l.telemetry.Collect(),
	}
	// an unresolved address would advertise a URL nobody can reach
	if l.opts.StreamPort > 0 && id.IPAddress != "" && id.Source != portal.SourceUnknown {
		scheme := l.opts.StreamScheme
		if scheme == "" {
			scheme = "http"
		}
		hb.StreamURL = fmt.Sprintf("%s://%s:%d/stream", scheme, id.IPAddress, l.opts.StreamPort)
	}
	return hb
}

func (l *Loop) refresh(ctx context.Context) {
	n, err := l.cache.Refresh(ctx, l.portal)
	if err != nil {
		// the cache already logged it and kept the previous snapshot
		metrics.Inc(&l.metrics.RefreshFailed)
		return
	}
	metrics.Inc(&l.metrics.RefreshOK)
	l.log.Debug().Int("entries", n).Msg("allow-list refresh done")
}
