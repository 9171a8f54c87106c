package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"platebridge-pod/internal/allowlist"
	"platebridge-pod/internal/domain/pod"
	"platebridge-pod/internal/metrics"
)

type fakePortal struct {
	heartbeats atomic.Int32
	fetches    atomic.Int32
	community  string
	current    string
	fetchErr   error
	hbErr      error
	lastHB     pod.Heartbeat
	entries    []pod.AllowlistEntry
}

func (f *fakePortal) FetchAllowlist(context.Context) (pod.AllowlistSnapshot, error) {
	f.fetches.Add(1)
	if f.fetchErr != nil {
		return pod.AllowlistSnapshot{}, f.fetchErr
	}
	return pod.AllowlistSnapshot{Entries: f.entries}, nil
}

func (f *fakePortal) Heartbeat(_ context.Context, hb pod.Heartbeat) (string, error) {
	f.heartbeats.Add(1)
	f.lastHB = hb
	return f.community, f.hbErr
}

func (f *fakePortal) SetCommunityID(id string) bool {
	if id == "" || id == f.current {
		return false
	}
	f.current = id
	return true
}

type fakeTelemetry struct{}

func (fakeTelemetry) Collect() pod.Telemetry { return pod.Telemetry{CPUPercent: 12.5} }

type fakeIdentity struct{ unresolved bool }

func (f fakeIdentity) Resolve(context.Context) pod.NetworkIdentity {
	if f.unresolved {
		return pod.NetworkIdentity{IPAddress: "unknown", Source: "unknown"}
	}
	return pod.NetworkIdentity{IPAddress: "100.64.0.7", Source: "tailscale", TailscaleIP: "100.64.0.7"}
}

type fakeLive struct {
	running bool
	starts  int
	err     error
}

func (f *fakeLive) LiveRunning() bool { return f.running }

func (f *fakeLive) StartLive() error {
	f.starts++
	if f.err == nil {
		f.running = true
	}
	return f.err
}

func testOptions() Options {
	return Options{
		PodID:             "pod-1",
		CameraID:          "cam-1",
		CameraName:        "gate",
		Tick:              time.Second,
		HeartbeatInterval: 60 * time.Second,
		RefreshInterval:   300 * time.Second,
		StreamPort:        8000,
	}
}

func newCache(t *testing.T) *allowlist.Cache {
	return allowlist.NewCache(filepath.Join(t.TempDir(), "cache.json"), zerolog.Nop())
}

func TestTick_IntervalsAreIndependent(t *testing.T) {
	p := &fakePortal{entries: []pod.AllowlistEntry{{Plate: "ABC123", Active: true}}}
	cache := newCache(t)
	m := metrics.New()
	l := NewLoop(p, cache, fakeTelemetry{}, fakeIdentity{}, nil, nil, m, testOptions(), zerolog.Nop())

	start := time.Now()
	l.Tick(context.Background(), start)
	assert.EqualValues(t, 1, p.heartbeats.Load())
	assert.EqualValues(t, 1, p.fetches.Load())
	assert.Equal(t, 1, cache.Count())

	l.Tick(context.Background(), start.Add(30*time.Second))
	assert.EqualValues(t, 1, p.heartbeats.Load())
	assert.EqualValues(t, 1, p.fetches.Load())

	l.Tick(context.Background(), start.Add(61*time.Second))
	assert.EqualValues(t, 2, p.heartbeats.Load())
	assert.EqualValues(t, 1, p.fetches.Load())

	l.Tick(context.Background(), start.Add(301*time.Second))
	assert.EqualValues(t, 2, p.fetches.Load())
	assert.EqualValues(t, 2, m.RefreshOK)
}

func TestTick_HeartbeatPayload(t *testing.T) {
	p := &fakePortal{}
	l := NewLoop(p, newCache(t), fakeTelemetry{}, fakeIdentity{}, nil, nil, metrics.New(), testOptions(), zerolog.Nop())

	l.Tick(context.Background(), time.Now())

	hb := p.lastHB
	assert.Equal(t, "pod-1", hb.PodID)
	assert.Equal(t, "online", hb.Status)
	assert.Equal(t, "http://100.64.0.7:8000/stream", hb.StreamURL)
	assert.Equal(t, "100.64.0.7", hb.TailscaleIP)
	require.Len(t, hb.Cameras, 1)
	assert.Equal(t, "gate", hb.Cameras[0].Name)
	assert.Equal(t, 12.5, hb.Telemetry.CPUPercent)
}

func TestTick_HeartbeatStreamURL(t *testing.T) {
	opts := testOptions()
	opts.StreamScheme = "https"
	p := &fakePortal{}
	l := NewLoop(p, newCache(t), fakeTelemetry{}, fakeIdentity{}, nil, nil, metrics.New(), opts, zerolog.Nop())
	l.Tick(context.Background(), time.Now())
	assert.Equal(t, "https://100.64.0.7:8000/stream", p.lastHB.StreamURL)

	p = &fakePortal{}
	l = NewLoop(p, newCache(t), fakeTelemetry{}, fakeIdentity{unresolved: true}, nil, nil, metrics.New(), opts, zerolog.Nop())
	l.Tick(context.Background(), time.Now())
	assert.Equal(t, "unknown", p.lastHB.IPAddress)
	assert.Empty(t, p.lastHB.StreamURL)
}

func TestTick_RefreshFailureKeepsCache(t *testing.T) {
	p := &fakePortal{entries: []pod.AllowlistEntry{{Plate: "ABC123", Active: true}, {Plate: "XYZ999", Active: true}}}
	cache := newCache(t)
	m := metrics.New()
	l := NewLoop(p, cache, fakeTelemetry{}, fakeIdentity{}, nil, nil, m, testOptions(), zerolog.Nop())

	start := time.Now()
	l.Tick(context.Background(), start)
	require.Equal(t, 2, cache.Count())

	p.fetchErr = errors.New("unexpected status: HTTP 500")
	assert.NotPanics(t, func() {
		l.Tick(context.Background(), start.Add(301*time.Second))
	})
	assert.Equal(t, 2, cache.Count())
	assert.True(t, cache.IsWhitelisted("abc 123"))
	assert.EqualValues(t, 1, m.RefreshFailed)
}

func TestTick_CommunityChangeForcesRefresh(t *testing.T) {
	p := &fakePortal{community: "comm-1"}
	l := NewLoop(p, newCache(t), fakeTelemetry{}, fakeIdentity{}, nil, nil, metrics.New(), testOptions(), zerolog.Nop())

	start := time.Now()
	l.Tick(context.Background(), start)
	assert.EqualValues(t, 1, p.fetches.Load())

	// next tick refreshes without waiting for the refresh interval
	l.Tick(context.Background(), start.Add(time.Second))
	assert.EqualValues(t, 2, p.fetches.Load())

	l.Tick(context.Background(), start.Add(2*time.Second))
	assert.EqualValues(t, 2, p.fetches.Load())
}

func TestTick_HeartbeatFailureIsCounted(t *testing.T) {
	p := &fakePortal{hbErr: errors.New("timeout"), community: "comm-1"}
	m := metrics.New()
	l := NewLoop(p, newCache(t), fakeTelemetry{}, fakeIdentity{}, nil, nil, m, testOptions(), zerolog.Nop())

	l.Tick(context.Background(), time.Now())
	assert.EqualValues(t, 1, m.HeartbeatFailed)
	assert.Empty(t, p.current)
}

func TestTick_RestartsLiveStream(t *testing.T) {
	live := &fakeLive{err: errors.New("spawn failed")}
	opts := testOptions()
	opts.StreamEnabled = true
	m := metrics.New()
	l := NewLoop(&fakePortal{}, newCache(t), fakeTelemetry{}, fakeIdentity{}, live, nil, m, opts, zerolog.Nop())

	start := time.Now()
	l.Tick(context.Background(), start)
	assert.Equal(t, 1, live.starts)

	live.err = nil
	l.Tick(context.Background(), start.Add(time.Second))
	assert.Equal(t, 2, live.starts)

	l.Tick(context.Background(), start.Add(2*time.Second))
	assert.Equal(t, 2, live.starts)
	assert.EqualValues(t, 2, m.LiveRestarts)
}

type fakeJanitor struct{ calls []int }

func (f *fakeJanitor) CleanupOldRecordings(_ context.Context, days int) (int, error) {
	f.calls = append(f.calls, days)
	return 0, nil
}

func TestTick_Cleanup(t *testing.T) {
	j := &fakeJanitor{}
	opts := testOptions()
	opts.RetentionDays = 7
	opts.CleanupInterval = time.Hour
	l := NewLoop(&fakePortal{}, newCache(t), fakeTelemetry{}, fakeIdentity{}, nil, j, metrics.New(), opts, zerolog.Nop())

	start := time.Now()
	l.Tick(context.Background(), start)
	l.Tick(context.Background(), start.Add(time.Minute))
	l.Tick(context.Background(), start.Add(time.Hour))
	assert.Equal(t, []int{7, 7}, j.calls)
}

func TestRun_StopsOnCancel(t *testing.T) {
	p := &fakePortal{}
	opts := testOptions()
	opts.Tick = 10 * time.Millisecond
	l := NewLoop(p, newCache(t), fakeTelemetry{}, fakeIdentity{}, nil, nil, metrics.New(), opts, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		l.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return p.heartbeats.Load() == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
