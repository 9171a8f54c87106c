package repository

import (
	"context"
	"errors"
	"time"

	json "github.com/goccy/go-json"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"platebridge-pod/internal/domain/pod"
)

var ErrNotFound = errors.New("record not found")

type RecordingRepository struct {
	db *gorm.DB
}

func NewRecordingRepository(db *gorm.DB) *RecordingRepository {
	return &RecordingRepository{db: db}
}

type Recording struct {
	ID                string `gorm:"primaryKey"`
	CameraID          string `gorm:"not null"`
	EventID           *string
	EventType         string `gorm:"not null"`
	PlateNumber       *string
	LocalPath         *string
	ThumbnailPath     *string
	RemotePath        *string
	ArchiveKey        *string
	PortalRecordingID *string
	FileSizeBytes     int64
	DurationSeconds   int
	Uploaded          bool
	Metadata          datatypes.JSON
	RecordedAt        time.Time `gorm:"not null"`
	CreatedAt         time.Time
}

func (Recording) TableName() string {
	return "recordings"
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func fromDomain(r *pod.Recording) (Recording, error) {
	row := Recording{
		ID:                r.ID,
		CameraID:          r.CameraID,
		EventID:           optional(r.EventID),
		EventType:         r.EventType,
		PlateNumber:       optional(r.PlateNumber),
		LocalPath:         optional(r.LocalPath),
		ThumbnailPath:     optional(r.ThumbnailPath),
		RemotePath:        optional(r.RemotePath),
		ArchiveKey:        optional(r.ArchiveKey),
		PortalRecordingID: optional(r.PortalRecordingID),
		FileSizeBytes:     r.FileSizeBytes,
		DurationSeconds:   r.DurationSeconds,
		Uploaded:          r.Uploaded,
		RecordedAt:        r.RecordedAt,
		CreatedAt:         time.Now().UTC(),
	}
	if len(r.Metadata) > 0 {
		raw, err := json.Marshal(r.Metadata)
		if err != nil {
			return Recording{}, err
		}
		row.Metadata = datatypes.JSON(raw)
	}
	return row, nil
}

func (row Recording) toDomain() pod.Recording {
	rec := pod.Recording{
		ID:                row.ID,
		CameraID:          row.CameraID,
		EventID:           deref(row.EventID),
		EventType:         row.EventType,
		PlateNumber:       deref(row.PlateNumber),
		LocalPath:         deref(row.LocalPath),
		ThumbnailPath:     deref(row.ThumbnailPath),
		RemotePath:        deref(row.RemotePath),
		ArchiveKey:        deref(row.ArchiveKey),
		PortalRecordingID: deref(row.PortalRecordingID),
		FileSizeBytes:     row.FileSizeBytes,
		DurationSeconds:   row.DurationSeconds,
		Uploaded:          row.Uploaded,
		RecordedAt:        row.RecordedAt,
	}
	if len(row.Metadata) > 0 {
		_ = json.Unmarshal(row.Metadata, &rec.Metadata)
	}
	return rec
}

func (r *RecordingRepository) Create(ctx context.Context, rec *pod.Recording) error {
	row, err := fromDomain(rec)
	if err != nil {
		return err
	}
	return r.db.WithContext(ctx).Create(&row).Error
}

// MarkUploaded records where the clip ended up. keepLocal false also clears the
// local path, since the caller removes the file.
func (r *RecordingRepository) MarkUploaded(ctx context.Context, id, remotePath, portalID string, keepLocal bool) error {
	updates := map[string]interface{}{
		"uploaded":            true,
		"remote_path":         optional(remotePath),
		"portal_recording_id": optional(portalID),
	}
	if !keepLocal {
		updates["local_path"] = nil
	}
	return r.update(ctx, id, updates)
}

func (r *RecordingRepository) SetArchiveKey(ctx context.Context, id, key string) error {
	return r.update(ctx, id, map[string]interface{}{"archive_key": optional(key)})
}

func (r *RecordingRepository) update(ctx context.Context, id string, updates map[string]interface{}) error {
	res := r.db.WithContext(ctx).Model(&Recording{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *RecordingRepository) FindByID(ctx context.Context, id string) (*pod.Recording, error) {
	var row Recording
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	rec := row.toDomain()
	return &rec, nil
}

func (r *RecordingRepository) List(ctx context.Context, cameraID *string, limit, offset int) ([]pod.Recording, error) {
	query := r.db.WithContext(ctx).Model(&Recording{})
	if cameraID != nil {
		query = query.Where("camera_id = ?", *cameraID)
	}
	query = query.Order("recorded_at DESC")

	if limit > 0 {
		query = query.Limit(limit)
	}
	if offset > 0 {
		query = query.Offset(offset)
	}

	var rows []Recording
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]pod.Recording, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toDomain())
	}
	return out, nil
}

// DeleteOlderThan removes journal rows recorded before cutoff and returns them so
// the caller can clean up any local files.
func (r *RecordingRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) ([]pod.Recording, error) {
	var rows []Recording
	if err := r.db.WithContext(ctx).Where("recorded_at < ?", cutoff).Find(&rows).Error; err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(rows))
	out := make([]pod.Recording, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.ID)
		out = append(out, row.toDomain())
	}
	if err := r.db.WithContext(ctx).Where("id IN ?", ids).Delete(&Recording{}).Error; err != nil {
		return nil, err
	}
	return out, nil
}
