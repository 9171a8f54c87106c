package service

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"platebridge-pod/internal/domain/pod"
	"platebridge-pod/internal/metrics"
	"platebridge-pod/internal/utils"
)

type AllowlistLookup interface {
	Lookup(plate string) (pod.AllowlistEntry, bool)
}

type DecisionRelay interface {
	ReportDetection(ctx context.Context, ev pod.DetectionEvent) pod.DetectionResult
}

type SnapshotSource interface {
	Fetch(ctx context.Context, eventID string) (string, error)
}

type ClipStore interface {
	StoreClip(ctx context.Context, clip Clip) (*pod.Recording, error)
}

type DetectionOptions struct {
	MinConfidence     float64
	RecordOnDetection bool
	ClipDuration      time.Duration
}

// DetectionService applies the local policy to a detection and relays it. It keeps
// no per-event state, so detections from any camera can be handled concurrently
// and in any order.
type DetectionService struct {
	allowlist AllowlistLookup
	relay     DecisionRelay
	snapshots SnapshotSource
	clips     ClipCapturer
	store     ClipStore
	metrics   *metrics.Metrics
	opts      DetectionOptions
	log       zerolog.Logger
}

// NewDetectionService builds the detection pipeline; snapshots, clips and store may
// be nil to disable those steps.
func NewDetectionService(allowlist AllowlistLookup, relay DecisionRelay, snapshots SnapshotSource, clips ClipCapturer, store ClipStore, m *metrics.Metrics, opts DetectionOptions, log zerolog.Logger) *DetectionService {
	return &DetectionService{
		allowlist: allowlist,
		relay:     relay,
		snapshots: snapshots,
		clips:     clips,
		store:     store,
		metrics:   m,
		opts:      opts,
		log:       log.With().Str("component", "detections").Logger(),
	}
}

type Outcome struct {
	Plate       string              `json:"plate"`
	Whitelisted bool                `json:"whitelisted"`
	Result      pod.DetectionResult `json:"result"`
	Snapshot    string              `json:"snapshot,omitempty"`
	Recording   *pod.Recording      `json:"recording,omitempty"`
}

// ProcessDetection implements ingest.Processor.
func (s *DetectionService) ProcessDetection(ctx context.Context, ev pod.DetectionEvent) {
	_, _ = s.HandleDetection(ctx, ev)
}

// HandleDetection runs one detection through policy, relay and recording. Events
// that fail the policy return ErrInvalidInput before any outbound call is made.
func (s *DetectionService) HandleDetection(ctx context.Context, ev pod.DetectionEvent) (*Outcome, error) {
	if utils.NormalizePlate(ev.Plate) == "" {
		metrics.Inc(&s.metrics.DetectionsDropped)
		s.log.Debug().Str("event_id", ev.EventID).Msg("detection without plate text, ignoring")
		return nil, fmt.Errorf("%w: plate is required", ErrInvalidInput)
	}
	if ev.Confidence < s.opts.MinConfidence {
		metrics.Inc(&s.metrics.DetectionsDropped)
		s.log.Debug().
			Str("plate", ev.Plate).
			Float64("confidence", ev.Confidence).
			Float64("threshold", s.opts.MinConfidence).
			Msg("confidence below threshold, ignoring")
		return nil, fmt.Errorf("%w: confidence %.2f below %.2f", ErrInvalidInput, ev.Confidence, s.opts.MinConfidence)
	}
	metrics.Inc(&s.metrics.DetectionsAccepted)

	out := &Outcome{Plate: ev.Plate}
	if entry, ok := s.allowlist.Lookup(ev.Plate); ok {
		out.Whitelisted = true
		s.log.Info().
			Str("plate", ev.Plate).
			Str("listed_as", entry.Plate).
			Msg("plate found in local allow-list")
	} else {
		s.log.Debug().Str("plate", ev.Plate).Msg("plate not in local allow-list")
	}

	if err := ctx.Err(); err != nil {
		s.log.Warn().Str("plate", ev.Plate).Str("event_id", ev.EventID).Msg("shutting down, detection not relayed")
		return out, err
	}

	out.Result = s.relay.ReportDetection(ctx, ev)
	log := s.log.With().
		Str("plate", ev.Plate).
		Float64("confidence", ev.Confidence).
		Str("camera", ev.CameraID).
		Str("action", out.Result.Action).
		Logger()
	if out.Result.GateOpened {
		metrics.Inc(&s.metrics.GateOpens)
		log.Info().Msg("gate opened")
	} else {
		if out.Result.Action != pod.ActionAllow {
			metrics.Inc(&s.metrics.RelayDenied)
		}
		log.Info().Msg("detection relayed, gate not opened")
	}

	if !s.recordingEnabled() {
		return out, nil
	}
	if ctx.Err() != nil {
		log.Info().Msg("shutting down, skipping clip capture")
		return out, nil
	}

	thumb := s.fetchSnapshot(ctx, ev.EventID)
	out.Recording = s.record(ctx, ev, thumb)
	if out.Recording != nil && out.Recording.ThumbnailPath == thumb {
		out.Snapshot = thumb
	} else if thumb != "" {
		// only journaled recordings are swept by retention
		if err := os.Remove(thumb); err != nil && !os.IsNotExist(err) {
			s.log.Warn().Err(err).Str("path", thumb).Msg("failed to remove unused snapshot")
		}
	}
	return out, nil
}

func (s *DetectionService) recordingEnabled() bool {
	return s.opts.RecordOnDetection && s.clips != nil && s.store != nil
}

// fetchSnapshot downloads the event snapshot to use as the clip thumbnail. It
// returns "" when no snapshot is available.
func (s *DetectionService) fetchSnapshot(ctx context.Context, eventID string) string {
	if s.snapshots == nil || eventID == "" {
		return ""
	}
	path, err := s.snapshots.Fetch(ctx, eventID)
	if err != nil {
		s.log.Debug().Err(err).Str("event_id", eventID).Msg("snapshot unavailable")
		return ""
	}
	return path
}

// record captures and stores a clip for ev. Failures are logged only.
func (s *DetectionService) record(ctx context.Context, ev pod.DetectionEvent, snapshot string) *pod.Recording {
	path, err := s.clips.CaptureClip(ctx, s.opts.ClipDuration)
	if err != nil {
		metrics.Inc(&s.metrics.ClipsFailed)
		s.log.Error().Err(err).Str("plate", ev.Plate).Msg("clip capture failed")
		return nil
	}
	metrics.Inc(&s.metrics.ClipsCaptured)

	// StoreClip logs its own failures and returns the entry whenever it was journaled
	rec, _ := s.store.StoreClip(ctx, Clip{
		LocalPath:     path,
		ThumbnailPath: snapshot,
		Duration:      s.opts.ClipDuration,
		EventType:     pod.EventTypePlateDetection,
		EventID:       ev.EventID,
		Plate:         ev.Plate,
		Confidence:    ev.Confidence,
	})
	if rec == nil {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			s.log.Warn().Err(err).Str("path", path).Msg("failed to remove unjournaled clip")
		}
	}
	return rec
}
