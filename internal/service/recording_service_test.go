package service

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"platebridge-pod/internal/domain/pod"
	"platebridge-pod/internal/metrics"
	"platebridge-pod/internal/portal"
	"platebridge-pod/internal/repository"
)

type memStore struct {
	mu         sync.Mutex
	recs       map[string]*pod.Recording
	lastLimit  int
	lastOffset int
}

func newMemStore() *memStore {
	return &memStore{recs: map[string]*pod.Recording{}}
}

func (m *memStore) Create(_ context.Context, rec *pod.Recording) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rec
	m.recs[rec.ID] = &cp
	return nil
}

func (m *memStore) MarkUploaded(_ context.Context, id, remotePath, portalID string, keepLocal bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[id]
	if !ok {
		return repository.ErrNotFound
	}
	rec.Uploaded = true
	rec.RemotePath = remotePath
	rec.PortalRecordingID = portalID
	if !keepLocal {
		rec.LocalPath = ""
	}
	return nil
}

func (m *memStore) SetArchiveKey(_ context.Context, id, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs[id].ArchiveKey = key
	return nil
}

func (m *memStore) FindByID(_ context.Context, id string) (*pod.Recording, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (m *memStore) List(_ context.Context, _ *string, limit, offset int) ([]pod.Recording, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastLimit, m.lastOffset = limit, offset
	out := make([]pod.Recording, 0, len(m.recs))
	for _, r := range m.recs {
		out = append(out, *r)
	}
	return out, nil
}

func (m *memStore) DeleteOlderThan(_ context.Context, cutoff time.Time) ([]pod.Recording, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []pod.Recording
	for id, r := range m.recs {
		if r.RecordedAt.Before(cutoff) {
			out = append(out, *r)
			delete(m.recs, id)
		}
	}
	return out, nil
}

type fakeRegistrar struct {
	meta pod.RecordingMetadata
	err  error
}

func (f *fakeRegistrar) RegisterRecording(_ context.Context, meta pod.RecordingMetadata) (portal.RecordingRecord, error) {
	f.meta = meta
	if f.err != nil {
		return portal.RecordingRecord{}, f.err
	}
	return portal.RecordingRecord{ID: "portal-1", FilePath: "cam-1/" + filepath.Base(meta.LocalPath)}, nil
}

type fakeArchiver struct{ key string }

func (f fakeArchiver) Archive(context.Context, string, time.Time, string) (string, error) {
	return f.key, nil
}

func writeClip(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "clip_1.mp4")
	require.NoError(t, os.WriteFile(path, []byte("0123456789"), 0o644))
	return path
}

func TestRecordingService_StoreClipUploadsAndRemovesLocal(t *testing.T) {
	store := newMemStore()
	reg := &fakeRegistrar{}
	m := metrics.New()
	svc := NewRecordingService(store, reg, fakeArchiver{key: "recordings/cam-1/clip_1.mp4"}, nil, m,
		RecordingOptions{CameraID: "cam-1", PodID: "pod-1"}, zerolog.Nop())

	path := writeClip(t)
	rec, err := svc.StoreClip(context.Background(), Clip{
		LocalPath:  path,
		Duration:   30 * time.Second,
		EventID:    "e1",
		Plate:      "ABC123",
		Confidence: 0.9,
	})
	require.NoError(t, err)

	assert.True(t, rec.Uploaded)
	assert.Equal(t, "portal-1", rec.PortalRecordingID)
	assert.NoFileExists(t, path)
	assert.EqualValues(t, 10, reg.meta.FileSizeBytes)
	assert.Equal(t, 30, reg.meta.DurationSeconds)
	assert.Equal(t, pod.EventTypePlateDetection, reg.meta.EventType)
	assert.Equal(t, "recordings/cam-1/clip_1.mp4", reg.meta.Metadata["archive_key"])

	stored, err := svc.GetRecording(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.True(t, stored.Uploaded)
	assert.Empty(t, stored.LocalPath)
	assert.Equal(t, "recordings/cam-1/clip_1.mp4", stored.ArchiveKey)
	assert.EqualValues(t, 1, m.UploadsConfirmed)
}

func TestRecordingService_UploadFailureKeepsClip(t *testing.T) {
	store := newMemStore()
	m := metrics.New()
	svc := NewRecordingService(store, &fakeRegistrar{err: errors.New("HTTP 500")}, nil, nil, m,
		RecordingOptions{CameraID: "cam-1"}, zerolog.Nop())

	path := writeClip(t)
	rec, err := svc.StoreClip(context.Background(), Clip{LocalPath: path, Duration: time.Second})
	require.Error(t, err)
	require.NotNil(t, rec)
	assert.FileExists(t, path)

	stored, err := svc.GetRecording(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.False(t, stored.Uploaded)
	assert.Equal(t, path, stored.LocalPath)
	assert.EqualValues(t, 1, m.UploadsFailed)
}

func TestRecordingService_KeepLocal(t *testing.T) {
	svc := NewRecordingService(newMemStore(), &fakeRegistrar{}, nil, nil, metrics.New(),
		RecordingOptions{CameraID: "cam-1", KeepLocal: true}, zerolog.Nop())

	path := writeClip(t)
	rec, err := svc.StoreClip(context.Background(), Clip{LocalPath: path})
	require.NoError(t, err)
	assert.FileExists(t, path)
	assert.Equal(t, path, rec.LocalPath)
}

func TestRecordingService_CaptureManual(t *testing.T) {
	reg := &fakeRegistrar{}
	clips := &fakeClips{dir: t.TempDir()}
	svc := NewRecordingService(newMemStore(), reg, nil, clips, metrics.New(),
		RecordingOptions{CameraID: "cam-1"}, zerolog.Nop())

	_, err := svc.CaptureManual(context.Background(), 0)
	assert.ErrorIs(t, err, ErrInvalidInput)

	rec, err := svc.CaptureManual(context.Background(), 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, pod.EventTypeManual, rec.EventType)
	assert.Equal(t, pod.EventTypeManual, reg.meta.EventType)

	disabled := NewRecordingService(newMemStore(), reg, nil, nil, metrics.New(), RecordingOptions{}, zerolog.Nop())
	_, err = disabled.CaptureManual(context.Background(), 10*time.Second)
	assert.ErrorIs(t, err, ErrDisabled)
}

func TestRecordingService_FindRecordingsClampsPaging(t *testing.T) {
	store := newMemStore()
	svc := NewRecordingService(store, &fakeRegistrar{}, nil, nil, metrics.New(), RecordingOptions{}, zerolog.Nop())

	tests := []struct {
		limit, offset         int
		wantLimit, wantOffset int
	}{
		{0, 0, 50, 0},
		{500, -3, 100, 0},
		{20, 40, 20, 40},
	}
	for _, tt := range tests {
		_, err := svc.FindRecordings(context.Background(), tt.limit, tt.offset)
		require.NoError(t, err)
		assert.Equal(t, tt.wantLimit, store.lastLimit)
		assert.Equal(t, tt.wantOffset, store.lastOffset)
	}
}

func TestRecordingService_GetRecordingErrors(t *testing.T) {
	svc := NewRecordingService(newMemStore(), &fakeRegistrar{}, nil, nil, metrics.New(), RecordingOptions{}, zerolog.Nop())

	_, err := svc.GetRecording(context.Background(), "")
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = svc.GetRecording(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRecordingService_CleanupOldRecordings(t *testing.T) {
	store := newMemStore()
	svc := NewRecordingService(store, &fakeRegistrar{}, nil, nil, metrics.New(), RecordingOptions{}, zerolog.Nop())

	oldClip := writeClip(t)
	thumb := filepath.Join(t.TempDir(), "e1.jpg")
	require.NoError(t, os.WriteFile(thumb, []byte("jpg"), 0o644))
	require.NoError(t, store.Create(context.Background(), &pod.Recording{
		ID: "old", LocalPath: oldClip, ThumbnailPath: thumb, RecordedAt: time.Now().Add(-30 * 24 * time.Hour),
	}))
	require.NoError(t, store.Create(context.Background(), &pod.Recording{ID: "new", RecordedAt: time.Now()}))

	n, err := svc.CleanupOldRecordings(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.NoFileExists(t, oldClip)
	assert.NoFileExists(t, thumb)

	n, err = svc.CleanupOldRecordings(context.Background(), 0)
	require.NoError(t, err)
	assert.Zero(t, n)
}
