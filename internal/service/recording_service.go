package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"platebridge-pod/internal/domain/pod"
	"platebridge-pod/internal/metrics"
	"platebridge-pod/internal/portal"
	"platebridge-pod/internal/repository"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrNotFound     = errors.New("not found")
	ErrDisabled     = errors.New("recording is disabled")
)

type RecordingStore interface {
	Create(ctx context.Context, rec *pod.Recording) error
	MarkUploaded(ctx context.Context, id, remotePath, portalID string, keepLocal bool) error
	SetArchiveKey(ctx context.Context, id, key string) error
	FindByID(ctx context.Context, id string) (*pod.Recording, error)
	List(ctx context.Context, cameraID *string, limit, offset int) ([]pod.Recording, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) ([]pod.Recording, error)
}

type RecordingRegistrar interface {
	RegisterRecording(ctx context.Context, meta pod.RecordingMetadata) (portal.RecordingRecord, error)
}

type EvidenceArchiver interface {
	Archive(ctx context.Context, cameraID string, recordedAt time.Time, localPath string) (string, error)
}

type ClipCapturer interface {
	CaptureClip(ctx context.Context, duration time.Duration) (string, error)
}

// Clip describes a freshly captured file waiting to be journaled and uploaded.
type Clip struct {
	LocalPath     string
	ThumbnailPath string
	Duration      time.Duration
	EventType     string
	EventID       string
	Plate         string
	Confidence    float64
}

type RecordingService struct {
	store     RecordingStore
	registrar RecordingRegistrar
	archiver  EvidenceArchiver
	clips     ClipCapturer
	metrics   *metrics.Metrics
	cameraID  string
	podID     string
	keepLocal bool
	log       zerolog.Logger
}

type RecordingOptions struct {
	CameraID  string
	PodID     string
	KeepLocal bool
}

// NewRecordingService wires the journal and portal; archiver may be nil.
func NewRecordingService(store RecordingStore, registrar RecordingRegistrar, archiver EvidenceArchiver, clips ClipCapturer, m *metrics.Metrics, opts RecordingOptions, log zerolog.Logger) *RecordingService {
	return &RecordingService{
		store:     store,
		registrar: registrar,
		archiver:  archiver,
		clips:     clips,
		metrics:   m,
		cameraID:  opts.CameraID,
		podID:     opts.PodID,
		keepLocal: opts.KeepLocal,
		log:       log.With().Str("component", "recordings").Logger(),
	}
}

// StoreClip journals a captured clip, archives it when an evidence bucket is set,
// and registers it with the portal. The journal entry survives upload failures so
// the clip stays listable from the gateway.
func (s *RecordingService) StoreClip(ctx context.Context, clip Clip) (*pod.Recording, error) {
	info, err := os.Stat(clip.LocalPath)
	if err != nil {
		return nil, fmt.Errorf("%w: clip file: %v", ErrInvalidInput, err)
	}
	eventType := clip.EventType
	if eventType == "" {
		eventType = pod.EventTypePlateDetection
	}

	meta := map[string]interface{}{"pod_id": s.podID}
	if clip.EventID != "" {
		meta["event_id"] = clip.EventID
	}
	if clip.Confidence > 0 {
		meta["confidence"] = clip.Confidence
	}

	rec := &pod.Recording{
		ID:              uuid.NewString(),
		CameraID:        s.cameraID,
		EventID:         clip.EventID,
		EventType:       eventType,
		PlateNumber:     clip.Plate,
		LocalPath:       clip.LocalPath,
		ThumbnailPath:   clip.ThumbnailPath,
		FileSizeBytes:   info.Size(),
		DurationSeconds: int(clip.Duration / time.Second),
		Metadata:        meta,
		RecordedAt:      time.Now().UTC(),
	}
	if err := s.store.Create(ctx, rec); err != nil {
		s.log.Error().Err(err).Str("path", clip.LocalPath).Msg("failed to journal recording")
		return nil, fmt.Errorf("failed to journal recording: %w", err)
	}

	if s.archiver != nil {
		key, err := s.archiver.Archive(ctx, rec.CameraID, rec.RecordedAt, rec.LocalPath)
		if err != nil {
			s.log.Warn().Err(err).Str("recording_id", rec.ID).Msg("evidence archive failed")
		} else {
			rec.ArchiveKey = key
			meta["archive_key"] = key
			if err := s.store.SetArchiveKey(ctx, rec.ID, key); err != nil {
				s.log.Warn().Err(err).Str("recording_id", rec.ID).Msg("failed to journal archive key")
			}
		}
	}

	portalRec, err := s.registrar.RegisterRecording(ctx, pod.RecordingMetadata{
		RecordingID:     rec.ID,
		CameraID:        rec.CameraID,
		LocalPath:       rec.LocalPath,
		FileSizeBytes:   rec.FileSizeBytes,
		DurationSeconds: rec.DurationSeconds,
		EventType:       rec.EventType,
		PlateNumber:     rec.PlateNumber,
		Metadata:        meta,
	})
	if err != nil {
		metrics.Inc(&s.metrics.UploadsFailed)
		s.log.Error().Err(err).Str("recording_id", rec.ID).Msg("failed to register recording with portal, kept locally")
		return rec, fmt.Errorf("register recording: %w", err)
	}
	metrics.Inc(&s.metrics.UploadsConfirmed)

	if err := s.store.MarkUploaded(ctx, rec.ID, portalRec.FilePath, portalRec.ID, s.keepLocal); err != nil {
		s.log.Warn().Err(err).Str("recording_id", rec.ID).Msg("failed to journal upload state")
	}
	rec.Uploaded = true
	rec.RemotePath = portalRec.FilePath
	rec.PortalRecordingID = portalRec.ID

	if !s.keepLocal {
		if err := os.Remove(rec.LocalPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.log.Warn().Err(err).Str("path", rec.LocalPath).Msg("failed to remove uploaded clip")
		}
		rec.LocalPath = ""
	}

	s.log.Info().
		Str("recording_id", rec.ID).
		Str("portal_id", portalRec.ID).
		Str("plate", rec.PlateNumber).
		Int64("bytes", rec.FileSizeBytes).
		Msg("recording registered")
	return rec, nil
}

// CaptureManual records a clip on request rather than in response to a detection.
func (s *RecordingService) CaptureManual(ctx context.Context, duration time.Duration) (*pod.Recording, error) {
	if s.clips == nil {
		return nil, ErrDisabled
	}
	if duration < time.Second || duration > 5*time.Minute {
		return nil, fmt.Errorf("%w: duration must be between 1s and 5m", ErrInvalidInput)
	}

	path, err := s.clips.CaptureClip(ctx, duration)
	if err != nil {
		metrics.Inc(&s.metrics.ClipsFailed)
		return nil, fmt.Errorf("capture clip: %w", err)
	}
	metrics.Inc(&s.metrics.ClipsCaptured)
	return s.StoreClip(ctx, Clip{LocalPath: path, Duration: duration, EventType: pod.EventTypeManual})
}

func (s *RecordingService) FindRecordings(ctx context.Context, limit, offset int) ([]pod.Recording, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	recs, err := s.store.List(ctx, nil, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list recordings: %w", err)
	}
	return recs, nil
}

func (s *RecordingService) GetRecording(ctx context.Context, id string) (*pod.Recording, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: recording id is required", ErrInvalidInput)
	}
	rec, err := s.store.FindByID(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load recording: %w", err)
	}
	return rec, nil
}

// CleanupOldRecordings drops journal entries older than days along with any local
// clip and thumbnail files.
func (s *RecordingService) CleanupOldRecordings(ctx context.Context, days int) (int, error) {
	if days <= 0 {
		return 0, nil
	}
	cutoff := time.Now().UTC().Add(-time.Duration(days) * 24 * time.Hour)
	removed, err := s.store.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		s.log.Error().Err(err).Int("days", days).Msg("failed to cleanup old recordings")
		return 0, err
	}
	for _, rec := range removed {
		for _, p := range []string{rec.LocalPath, rec.ThumbnailPath} {
			if p == "" {
				continue
			}
			if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
				s.log.Warn().Err(err).Str("path", p).Msg("failed to remove expired file")
			}
		}
	}
	if len(removed) > 0 {
		s.log.Info().Int("deleted_count", len(removed)).Int("days", days).Msg("cleaned up old recordings")
	}
	return len(removed), nil
}
