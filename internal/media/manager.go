package media

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"platebridge-pod/internal/config"
	"platebridge-pod/internal/domain/pod"
)

var (
	ErrNoSource     = errors.New("no camera stream configured")
	ErrClipTimeout  = errors.New("clip capture timed out")
	ErrClipEmpty    = errors.New("clip capture produced no output")
	ErrShuttingDown = errors.New("media manager is shutting down")
)

const stopTimeout = 5 * time.Second

type Options struct {
	FFmpegBin     string
	RTSPURL       string
	HLSDir        string
	SegmentTime   int
	ListSize      int
	RecordingsDir string
	ClipGrace     time.Duration
}

func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		FFmpegBin:     cfg.FFmpegBin,
		RTSPURL:       cfg.CameraRTSPURL,
		HLSDir:        cfg.Stream.HLSDir,
		SegmentTime:   cfg.Stream.SegmentTime,
		ListSize:      cfg.Stream.ListSize,
		RecordingsDir: cfg.Recordings.Dir,
		ClipGrace:     cfg.ClipGrace,
	}
}

// proc is one supervised subprocess. done is closed after Wait returns and err is
// set before that.
type proc struct {
	cmd  *exec.Cmd
	done chan struct{}
	err  error
}

func startProc(bin string, args []string) (*proc, error) {
	cmd := exec.Command(bin, args...)
	// own process group so a kill reaches anything ffmpeg forks
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	p := &proc{cmd: cmd, done: make(chan struct{})}
	go func() {
		p.err = cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

func (p *proc) pid() int {
	return p.cmd.Process.Pid
}

func (p *proc) signal(sig unix.Signal) {
	if err := unix.Kill(-p.pid(), sig); err != nil && !errors.Is(err, unix.ESRCH) {
		_ = p.cmd.Process.Signal(sig)
	}
}

// terminate asks the group to exit and escalates to SIGKILL after grace.
func (p *proc) terminate(grace time.Duration) {
	p.signal(unix.SIGTERM)
	select {
	case <-p.done:
		return
	case <-time.After(grace):
	}
	p.signal(unix.SIGKILL)
	<-p.done
}

// Manager owns every ffmpeg subprocess on the pod: at most one live HLS session and
// any number of independent clip captures.
type Manager struct {
	opts Options
	log  zerolog.Logger

	// opMu serializes live start/stop; mu guards the fields below it.
	opMu      sync.Mutex
	mu        sync.Mutex
	live      *proc
	session   pod.MediaSession
	retention *Retention
	closed    bool

	clips sync.WaitGroup
}

func NewManager(opts Options, log zerolog.Logger) *Manager {
	return &Manager{
		opts:    opts,
		log:     log.With().Str("component", "media").Logger(),
		session: pod.MediaSession{Kind: pod.SessionLive, State: pod.StateStopped, OutputPath: filepath.Join(opts.HLSDir, PlaylistName)},
	}
}

// StartLive spawns the live transcoder unless one is already running.
func (m *Manager) StartLive() error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrShuttingDown
	}
	if m.live != nil && m.session.State == pod.StateRunning {
		m.mu.Unlock()
		return nil
	}
	m.session = pod.MediaSession{
		Kind:       pod.SessionLive,
		OutputPath: filepath.Join(m.opts.HLSDir, PlaylistName),
		StartedAt:  time.Now().UTC(),
		State:      pod.StateStarting,
	}
	m.mu.Unlock()

	if m.opts.RTSPURL == "" {
		m.failLive(ErrNoSource)
		return ErrNoSource
	}
	if err := os.MkdirAll(m.opts.HLSDir, 0o755); err != nil {
		m.failLive(err)
		return fmt.Errorf("create hls dir: %w", err)
	}

	p, err := startProc(m.opts.FFmpegBin, LiveArgs(m.opts.RTSPURL, m.opts.HLSDir, m.opts.SegmentTime, m.opts.ListSize))
	if err != nil {
		m.failLive(err)
		return fmt.Errorf("start live transcoder: %w", err)
	}

	m.mu.Lock()
	m.live = p
	m.session.PID = p.pid()
	m.session.State = pod.StateRunning
	m.mu.Unlock()

	m.startRetention()
	go m.watchLive(p)

	m.log.Info().Int("pid", p.pid()).Str("dir", m.opts.HLSDir).Msg("live stream started")
	return nil
}

func (m *Manager) failLive(err error) {
	m.mu.Lock()
	m.session.State = pod.StateFailed
	m.session.Err = err.Error()
	m.mu.Unlock()
	m.log.Error().Err(err).Msg("live stream failed to start")
}

func (m *Manager) watchLive(p *proc) {
	<-p.done

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.live != p {
		return
	}
	m.live = nil
	if m.session.State == pod.StateStopped {
		return
	}
	if p.err != nil {
		m.session.State = pod.StateFailed
		m.session.Err = p.err.Error()
		m.log.Warn().Err(p.err).Int("pid", p.pid()).Msg("live transcoder exited")
		return
	}
	m.session.State = pod.StateStopped
	m.log.Info().Int("pid", p.pid()).Msg("live transcoder finished")
}

// StopLive terminates the live transcoder and waits for it. It is a no-op when
// nothing is running.
func (m *Manager) StopLive() {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	m.stopLiveLocked()
}

func (m *Manager) stopLiveLocked() {
	m.mu.Lock()
	p := m.live
	ret := m.retention
	m.retention = nil
	if p != nil {
		m.session.State = pod.StateStopped
	}
	m.mu.Unlock()

	if ret != nil {
		ret.Close()
	}
	if p == nil {
		return
	}

	p.terminate(stopTimeout)

	m.mu.Lock()
	if m.live == p {
		m.live = nil
	}
	m.mu.Unlock()
	m.log.Info().Int("pid", p.pid()).Msg("live stream stopped")
}

// RestartLive stops and starts the live session.
func (m *Manager) RestartLive() error {
	m.StopLive()
	return m.StartLive()
}

func (m *Manager) LiveStatus() pod.MediaSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session
}

func (m *Manager) LiveRunning() bool {
	return m.LiveStatus().State == pod.StateRunning
}

func (m *Manager) HLSDir() string {
	return m.opts.HLSDir
}

func (m *Manager) startRetention() {
	keep := m.opts.ListSize + 2
	r, err := NewRetention(m.opts.HLSDir, keep, m.log)
	if err != nil {
		m.log.Warn().Err(err).Msg("segment retention watcher unavailable")
		return
	}
	m.mu.Lock()
	old := m.retention
	m.retention = r
	m.mu.Unlock()
	if old != nil {
		old.Close()
	}
}

// CaptureClip records duration of the camera stream into the recordings directory.
// It blocks for at most duration plus the configured grace and always reaps the
// subprocess before returning. The returned path names a non-empty file.
func (m *Manager) CaptureClip(ctx context.Context, duration time.Duration) (string, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return "", ErrShuttingDown
	}
	m.clips.Add(1)
	m.mu.Unlock()
	defer m.clips.Done()

	if m.opts.RTSPURL == "" {
		return "", ErrNoSource
	}
	if err := os.MkdirAll(m.opts.RecordingsDir, 0o755); err != nil {
		return "", fmt.Errorf("create recordings dir: %w", err)
	}

	seconds := int(duration.Round(time.Second) / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	name := fmt.Sprintf("clip_%s_%s.mp4", time.Now().UTC().Format("20060102_150405"), uuid.NewString()[:8])
	out := filepath.Join(m.opts.RecordingsDir, name)

	p, err := startProc(m.opts.FFmpegBin, ClipArgs(m.opts.RTSPURL, seconds, out))
	if err != nil {
		return "", fmt.Errorf("start clip capture: %w", err)
	}
	log := m.log.With().Int("pid", p.pid()).Str("path", out).Logger()
	log.Info().Int("seconds", seconds).Msg("clip capture started")

	timer := time.NewTimer(time.Duration(seconds)*time.Second + m.opts.ClipGrace)
	defer timer.Stop()

	select {
	case <-p.done:
	case <-timer.C:
		p.signal(unix.SIGKILL)
		<-p.done
		os.Remove(out)
		log.Error().Msg("clip capture timed out, process killed")
		return "", ErrClipTimeout
	case <-ctx.Done():
		p.signal(unix.SIGKILL)
		<-p.done
		os.Remove(out)
		return "", ctx.Err()
	}

	if p.err != nil {
		os.Remove(out)
		return "", fmt.Errorf("clip capture: %w", p.err)
	}
	info, err := os.Stat(out)
	if err != nil || info.Size() == 0 {
		os.Remove(out)
		return "", ErrClipEmpty
	}

	log.Info().Int64("bytes", info.Size()).Msg("clip captured")
	return out, nil
}

// Close stops the live session and waits for in-flight clip captures.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	m.opMu.Lock()
	m.stopLiveLocked()
	m.opMu.Unlock()

	m.clips.Wait()
}
