package media

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"platebridge-pod/internal/domain/pod"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-ffmpeg")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func newTestManager(t *testing.T, bin string) *Manager {
	t.Helper()
	root := t.TempDir()
	m := NewManager(Options{
		FFmpegBin:     bin,
		RTSPURL:       "rtsp://camera.local/stream",
		HLSDir:        filepath.Join(root, "hls"),
		SegmentTime:   2,
		ListSize:      5,
		RecordingsDir: filepath.Join(root, "recordings"),
		ClipGrace:     300 * time.Millisecond,
	}, zerolog.Nop())
	t.Cleanup(m.Close)
	return m
}

func TestLiveArgs(t *testing.T) {
	args := LiveArgs("rtsp://cam", "/tmp/hls", 2, 5)
	joined := strings.Join(args, " ")
	assert.Contains(t, joined, "-rtsp_transport tcp -i rtsp://cam")
	assert.Contains(t, joined, "-hls_flags delete_segments")
	assert.Contains(t, joined, "-hls_segment_filename /tmp/hls/segment_%03d.ts")
	assert.Contains(t, joined, "-hls_base_url stream/segment/")
	assert.Equal(t, "/tmp/hls/stream.m3u8", args[len(args)-1])
}

func TestManager_CaptureClip(t *testing.T) {
	bin := writeScript(t, `for last; do :; done
printf 'fake-mp4-data' > "$last"`)
	m := newTestManager(t, bin)

	path, err := m.CaptureClip(context.Background(), 5*time.Second)
	require.NoError(t, err)
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Positive(t, info.Size())
	assert.True(t, strings.HasSuffix(path, ".mp4"))
}

func TestManager_CaptureClipNeverReturnsMissingFile(t *testing.T) {
	tests := []struct {
		name   string
		script string
		want   error
	}{
		{"empty output", "exit 0", ErrClipEmpty},
		{"zero byte file", `for last; do :; done
: > "$last"`, ErrClipEmpty},
		{"non-zero exit", `for last; do :; done
printf 'partial' > "$last"
exit 1`, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestManager(t, writeScript(t, tt.script))
			path, err := m.CaptureClip(context.Background(), time.Second)
			require.Error(t, err)
			if tt.want != nil {
				assert.ErrorIs(t, err, tt.want)
			}
			assert.Empty(t, path)

			leftovers, _ := filepath.Glob(filepath.Join(m.opts.RecordingsDir, "*.mp4"))
			assert.Empty(t, leftovers)
		})
	}
}

func TestManager_CaptureClipTimeoutKillsProcess(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "pid")
	m := newTestManager(t, writeScript(t, `echo $$ > `+pidFile+`
exec sleep 30`))

	start := time.Now()
	_, err := m.CaptureClip(context.Background(), time.Second)
	require.ErrorIs(t, err, ErrClipTimeout)
	assert.Less(t, time.Since(start), 5*time.Second)

	raw, err := os.ReadFile(pidFile)
	require.NoError(t, err)
	proc := filepath.Join("/proc", strings.TrimSpace(string(raw)))
	_, err = os.Stat(proc)
	assert.True(t, os.IsNotExist(err), "capture process must be reaped")
}

func TestManager_StartLiveIsSingleton(t *testing.T) {
	counter := filepath.Join(t.TempDir(), "starts")
	m := newTestManager(t, writeScript(t, `echo started >> `+counter+`
exec sleep 30`))

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, m.StartLive())
		}()
	}
	wg.Wait()

	assert.Eventually(t, func() bool {
		raw, _ := os.ReadFile(counter)
		return len(raw) > 0
	}, 2*time.Second, 20*time.Millisecond)
	time.Sleep(200 * time.Millisecond)

	raw, err := os.ReadFile(counter)
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(raw), "started"))
	assert.Equal(t, pod.StateRunning, m.LiveStatus().State)
	assert.Positive(t, m.LiveStatus().PID)
}

func TestManager_StopLive(t *testing.T) {
	m := newTestManager(t, writeScript(t, "exec sleep 30"))

	// nothing running yet
	m.StopLive()
	assert.Equal(t, pod.StateStopped, m.LiveStatus().State)

	require.NoError(t, m.StartLive())
	pid := m.LiveStatus().PID
	require.Positive(t, pid)

	m.StopLive()
	assert.Equal(t, pod.StateStopped, m.LiveStatus().State)
	assert.False(t, m.LiveRunning())
	_, err := os.Stat(filepath.Join("/proc", strconv.Itoa(pid)))
	assert.True(t, os.IsNotExist(err))

	m.StopLive()
}

func TestManager_LiveCrashIsFailed(t *testing.T) {
	m := newTestManager(t, writeScript(t, "exit 3"))
	require.NoError(t, m.StartLive())

	assert.Eventually(t, func() bool {
		return m.LiveStatus().State == pod.StateFailed
	}, 2*time.Second, 20*time.Millisecond)
	assert.NotEmpty(t, m.LiveStatus().Err)

	// the manager does not restart on its own
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, pod.StateFailed, m.LiveStatus().State)
}

func TestManager_StartLiveWithoutSource(t *testing.T) {
	m := newTestManager(t, writeScript(t, "exec sleep 30"))
	m.opts.RTSPURL = ""

	require.ErrorIs(t, m.StartLive(), ErrNoSource)
	assert.Equal(t, pod.StateFailed, m.LiveStatus().State)
}

func TestManager_ClosedRejectsWork(t *testing.T) {
	m := newTestManager(t, writeScript(t, "exec sleep 30"))
	m.Close()

	assert.ErrorIs(t, m.StartLive(), ErrShuttingDown)
	_, err := m.CaptureClip(context.Background(), time.Second)
	assert.ErrorIs(t, err, ErrShuttingDown)
}
