package http

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"platebridge-pod/internal/domain/pod"
	"platebridge-pod/internal/media"
	"platebridge-pod/internal/metrics"
	"platebridge-pod/internal/service"
)

var errStreamingDisabled = fmt.Errorf("%w: live streaming is not enabled", service.ErrDisabled)

type LiveStream interface {
	LiveStatus() pod.MediaSession
	LiveRunning() bool
	RestartLive() error
	HLSDir() string
}

type Recordings interface {
	FindRecordings(ctx context.Context, limit, offset int) ([]pod.Recording, error)
	GetRecording(ctx context.Context, id string) (*pod.Recording, error)
	CaptureManual(ctx context.Context, duration time.Duration) (*pod.Recording, error)
}

type AllowlistStats interface {
	Count() int
	FetchedAt() time.Time
}

// Handler serves the gateway routes. live may be nil when streaming is disabled;
// the stream routes then answer 503.
type Handler struct {
	live       LiveStream
	recordings Recordings
	allowlist  AllowlistStats
	metrics    *metrics.Metrics
	podID      string
	log        zerolog.Logger
}

func NewHandler(
	live LiveStream,
	recordings Recordings,
	allowlist AllowlistStats,
	m *metrics.Metrics,
	podID string,
	log zerolog.Logger,
) *Handler {
	return &Handler{
		live:       live,
		recordings: recordings,
		allowlist:  allowlist,
		metrics:    m,
		podID:      podID,
		log:        log.With().Str("component", "gateway").Logger(),
	}
}

func (h *Handler) Register(r *gin.Engine, authMiddleware gin.HandlerFunc) {
	r.GET("/health", Gzip(), h.health)

	protected := r.Group("/")
	protected.Use(authMiddleware)
	{
		protected.GET("/stream", h.stream)
		protected.GET("/stream/segment/:name", h.segment)
		protected.GET("/recordings/list", Gzip(), h.listRecordings)
		protected.POST("/recordings/capture", h.captureRecording)
		protected.GET("/recording/:id", h.recording)
		protected.GET("/thumbnail/:id", h.thumbnail)
		protected.GET("/restart", h.restart)
		protected.POST("/restart", h.restart)
		protected.GET("/metrics", Gzip(), h.metricsText)
	}
}

func (h *Handler) health(c *gin.Context) {
	session := pod.MediaSession{Kind: pod.SessionLive, State: pod.StateStopped}
	running := false
	if h.live != nil {
		session = h.live.LiveStatus()
		running = h.live.LiveRunning()
	}

	var fetchedAt *time.Time
	if t := h.allowlist.FetchedAt(); !t.IsZero() {
		fetchedAt = &t
	}

	c.JSON(http.StatusOK, gin.H{
		"status":               "ok",
		"pod_id":               h.podID,
		"streaming":            running,
		"live_state":           session.State,
		"ffmpeg_running":       running,
		"allowlist_count":      h.allowlist.Count(),
		"allowlist_fetched_at": fetchedAt,
		"timestamp":            time.Now().UTC(),
	})
}

// stream serves the live playlist with the caller's token appended to every segment
// URI, so players that do not forward query strings can still fetch segments.
func (h *Handler) stream(c *gin.Context) {
	if h.live == nil {
		h.handleError(c, errStreamingDisabled)
		return
	}
	playlist, err := os.ReadFile(filepath.Join(h.live.HLSDir(), media.PlaylistName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			c.JSON(http.StatusServiceUnavailable, errorResponse("stream not ready, try again in a few seconds"))
			return
		}
		h.handleError(c, err)
		return
	}

	c.Header("Cache-Control", "no-cache")
	c.Data(http.StatusOK, "application/vnd.apple.mpegurl", withToken(playlist, c.GetString(tokenKey)))
}

func withToken(playlist []byte, token string) []byte {
	if token == "" {
		return playlist
	}
	q := "token=" + url.QueryEscape(token)

	var out bytes.Buffer
	out.Grow(len(playlist) + 64)
	sc := bufio.NewScanner(bytes.NewReader(playlist))
	for sc.Scan() {
		line := sc.Text()
		if line != "" && !strings.HasPrefix(line, "#") {
			if strings.Contains(line, "?") {
				line += "&" + q
			} else {
				line += "?" + q
			}
		}
		out.WriteString(line)
		out.WriteByte('\n')
	}
	return out.Bytes()
}

func (h *Handler) segment(c *gin.Context) {
	name := c.Param("name")
	if name != filepath.Base(name) || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".ts") {
		c.JSON(http.StatusBadRequest, errorResponse("invalid segment name"))
		return
	}
	if h.live == nil {
		h.handleError(c, errStreamingDisabled)
		return
	}

	path := filepath.Join(h.live.HLSDir(), name)
	if _, err := os.Stat(path); err != nil {
		c.JSON(http.StatusNotFound, errorResponse("segment not found"))
		return
	}
	c.Header("Content-Type", "video/MP2T")
	c.File(path)
}

func (h *Handler) listRecordings(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := parseInt(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	offset := 0
	if o := c.Query("offset"); o != "" {
		if parsed, err := parseInt(o); err == nil && parsed >= 0 {
			offset = parsed
		}
	}

	recs, err := h.recordings.FindRecordings(c.Request.Context(), limit, offset)
	if err != nil {
		h.handleError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data":  recs,
		"count": len(recs),
	})
}

func (h *Handler) recording(c *gin.Context) {
	rec, err := h.recordings.GetRecording(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.handleError(c, err)
		return
	}
	if !rec.HasLocalFile() {
		c.JSON(http.StatusNotFound, gin.H{
			"error":       "recording is not stored on this pod",
			"remote_path": rec.RemotePath,
		})
		return
	}
	h.serveFile(c, rec.LocalPath, "video/mp4")
}

func (h *Handler) thumbnail(c *gin.Context) {
	rec, err := h.recordings.GetRecording(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.handleError(c, err)
		return
	}
	if rec.ThumbnailPath == "" {
		c.JSON(http.StatusNotFound, errorResponse("recording has no thumbnail"))
		return
	}
	h.serveFile(c, rec.ThumbnailPath, "image/jpeg")
}

func (h *Handler) serveFile(c *gin.Context, path, contentType string) {
	if _, err := os.Stat(path); err != nil {
		c.JSON(http.StatusNotFound, errorResponse("file not found"))
		return
	}
	c.Header("Content-Type", contentType)
	c.File(path)
}

func (h *Handler) captureRecording(c *gin.Context) {
	seconds := 30
	if d := c.Query("duration"); d != "" {
		parsed, err := parseInt(d)
		if err != nil {
			c.JSON(http.StatusBadRequest, errorResponse("duration must be a number of seconds"))
			return
		}
		seconds = parsed
	}

	rec, err := h.recordings.CaptureManual(c.Request.Context(), time.Duration(seconds)*time.Second)
	if err != nil && rec == nil {
		h.handleError(c, err)
		return
	}
	if err != nil {
		// captured and journaled, but the portal did not accept it
		c.JSON(http.StatusAccepted, gin.H{"data": rec, "warning": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, successResponse(rec))
}

func (h *Handler) restart(c *gin.Context) {
	if h.live == nil {
		h.handleError(c, errStreamingDisabled)
		return
	}
	if err := h.live.RestartLive(); err != nil {
		h.handleError(c, err)
		return
	}
	h.log.Info().Msg("live stream restarted on request")
	c.JSON(http.StatusOK, gin.H{"status": "restarted"})
}

func (h *Handler) metricsText(c *gin.Context) {
	c.String(http.StatusOK, "%s", h.metrics.String())
}

func (h *Handler) handleError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
	case errors.Is(err, service.ErrNotFound):
		c.JSON(http.StatusNotFound, errorResponse(err.Error()))
	case errors.Is(err, service.ErrDisabled),
		errors.Is(err, media.ErrNoSource),
		errors.Is(err, media.ErrShuttingDown):
		c.JSON(http.StatusServiceUnavailable, errorResponse(err.Error()))
	default:
		h.log.Error().Err(err).Str("path", c.FullPath()).Msg("handler error")
		c.JSON(http.StatusInternalServerError, errorResponse("internal error"))
	}
}

func successResponse(data interface{}) gin.H {
	return gin.H{
		"data": data,
	}
}

func errorResponse(message string) gin.H {
	return gin.H{
		"error": message,
	}
}

func parseInt(s string) (int, error) {
	return strconv.Atoi(s)
}
