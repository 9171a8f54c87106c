package portal

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"platebridge-pod/internal/config"
	"platebridge-pod/internal/domain/pod"
)

var (
	ErrUnexpectedStatus = errors.New("unexpected portal status")
	ErrNoCommunity      = errors.New("community id not known yet")
	ErrBadResponse      = errors.New("malformed portal response")
)

const maxResponseBytes = 4 << 20

// StatusError carries the HTTP status and a short body excerpt of a non-2xx reply.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: HTTP %d: %s", ErrUnexpectedStatus, e.Code, e.Body)
}

func (e *StatusError) Unwrap() error {
	return ErrUnexpectedStatus
}

// Client talks to the remote authority. Calls are single-shot: nothing here retries,
// the scheduler or the next event simply tries again.
type Client struct {
	cfg    *config.Config
	http   *http.Client
	upload *http.Client
	log    zerolog.Logger

	mu          sync.RWMutex
	communityID string
}

func NewClient(cfg *config.Config, log zerolog.Logger) *Client {
	return &Client{
		cfg:         cfg,
		http:        &http.Client{Timeout: cfg.HTTPTimeout},
		upload:      &http.Client{Timeout: cfg.UploadTimeout},
		log:         log.With().Str("component", "portal").Logger(),
		communityID: cfg.CommunityID,
	}
}

func (c *Client) CommunityID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.communityID
}

// SetCommunityID records the community reported by the portal and reports whether
// it differs from the previous value.
func (c *Client) SetCommunityID(id string) bool {
	if id == "" {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	changed := c.communityID != id
	c.communityID = id
	return changed
}

type detectRequest struct {
	SiteID     string    `json:"site_id"`
	Plate      string    `json:"plate"`
	Camera     string    `json:"camera"`
	CameraID   string    `json:"camera_id"`
	PodName    string    `json:"pod_name"`
	Confidence float64   `json:"confidence"`
	Timestamp  time.Time `json:"timestamp"`
	ImagePath  string    `json:"image_path,omitempty"`
}

// ReportDetection relays one detection. Any failure degrades to a deny decision and
// is never returned to the caller.
func (c *Client) ReportDetection(ctx context.Context, ev pod.DetectionEvent) pod.DetectionResult {
	camera := c.cfg.CameraName
	if ev.CameraID != "" {
		camera = ev.CameraID
	}
	occurred := ev.OccurredAt
	if occurred.IsZero() {
		occurred = time.Now().UTC()
	}
	req := detectRequest{
		SiteID:     c.cfg.SiteID,
		Plate:      ev.Plate,
		Camera:     camera,
		CameraID:   c.cfg.CameraID,
		PodName:    c.cfg.PodID,
		Confidence: ev.Confidence,
		Timestamp:  occurred,
		ImagePath:  ev.SnapshotPath,
	}

	var result pod.DetectionResult
	if err := c.doJSON(ctx, http.MethodPost, "/api/pod/detect", req, &result); err != nil {
		c.log.Error().Err(err).Str("plate", ev.Plate).Msg("failed to report detection, treating as deny")
		return pod.Denied()
	}
	if result.Action == "" {
		result.Action = pod.ActionDeny
	}
	return result
}

type heartbeatResponse struct {
	Success     bool   `json:"success"`
	PodID       string `json:"pod_id"`
	CommunityID string `json:"community_id"`
}

// Heartbeat reports liveness and returns the community id the portal associates
// with this pod's API key, when it sends one.
func (c *Client) Heartbeat(ctx context.Context, hb pod.Heartbeat) (string, error) {
	if c.cfg.HeartbeatTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.HeartbeatTimeout)
		defer cancel()
	}

	var resp heartbeatResponse
	if err := c.doJSON(ctx, http.MethodPost, "/api/pod/heartbeat", hb, &resp); err != nil {
		return "", fmt.Errorf("heartbeat: %w", err)
	}
	return resp.CommunityID, nil
}

// FetchAllowlist implements allowlist.Source.
func (c *Client) FetchAllowlist(ctx context.Context) (pod.AllowlistSnapshot, error) {
	switch c.cfg.AllowlistSource {
	case "access_list":
		return c.fetchAccessList(ctx)
	default:
		return c.fetchPlates(ctx)
	}
}

func (c *Client) fetchPlates(ctx context.Context) (pod.AllowlistSnapshot, error) {
	q := url.Values{}
	q.Set("site", c.cfg.SiteID)
	q.Set("company_id", c.cfg.CompanyID)

	var raw struct {
		Entries []map[string]interface{} `json:"entries"`
		Plates  []map[string]interface{} `json:"plates"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/api/plates?"+q.Encode(), nil, &raw); err != nil {
		return pod.AllowlistSnapshot{}, fmt.Errorf("fetch plates: %w", err)
	}
	if raw.Entries == nil && raw.Plates == nil {
		return pod.AllowlistSnapshot{}, fmt.Errorf("%w: no entries field", ErrBadResponse)
	}
	items := raw.Entries
	if items == nil {
		items = raw.Plates
	}
	return buildSnapshot(items, "enabled"), nil
}

func (c *Client) fetchAccessList(ctx context.Context) (pod.AllowlistSnapshot, error) {
	community := c.CommunityID()
	if community == "" {
		return pod.AllowlistSnapshot{}, ErrNoCommunity
	}

	var raw struct {
		AccessList []map[string]interface{} `json:"access_list"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/api/access/list/"+url.PathEscape(community), nil, &raw); err != nil {
		return pod.AllowlistSnapshot{}, fmt.Errorf("fetch access list: %w", err)
	}
	if raw.AccessList == nil {
		return pod.AllowlistSnapshot{}, fmt.Errorf("%w: no access_list field", ErrBadResponse)
	}
	return buildSnapshot(raw.AccessList, "is_active"), nil
}

func buildSnapshot(items []map[string]interface{}, activeKey string) pod.AllowlistSnapshot {
	entries := make([]pod.AllowlistEntry, 0, len(items))
	for _, item := range items {
		plate := firstString(item, "plate", "license_plate", "plate_number")
		if plate == "" {
			continue
		}
		active := true
		if v, ok := item[activeKey].(bool); ok {
			active = v
		}
		meta := make(map[string]interface{}, len(item))
		for k, v := range item {
			switch k {
			case "plate", "license_plate", "plate_number", activeKey:
				continue
			}
			meta[k] = v
		}
		entries = append(entries, pod.AllowlistEntry{Plate: plate, Active: active, Metadata: meta})
	}
	return pod.AllowlistSnapshot{Entries: entries, FetchedAt: time.Now().UTC()}
}

func firstString(m map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

type RecordingRecord struct {
	ID              string `json:"id"`
	CameraID        string `json:"camera_id"`
	RecordedAt      string `json:"recorded_at"`
	DurationSeconds int    `json:"duration_seconds"`
	EventType       string `json:"event_type"`
	FilePath        string `json:"-"`
}

type uploadURLResponse struct {
	SignedURL string `json:"signed_url"`
	FilePath  string `json:"file_path"`
	ExpiresIn int    `json:"expires_in"`
}

// RegisterRecording associates a clip with the portal. When meta.FilePath is empty the
// local file is first uploaded through a signed URL; otherwise the clip is assumed to
// already live at FilePath and only the confirmation is sent.
func (c *Client) RegisterRecording(ctx context.Context, meta pod.RecordingMetadata) (RecordingRecord, error) {
	if meta.FilePath == "" {
		remote, err := c.UploadClip(ctx, meta.LocalPath, meta.CameraID)
		if err != nil {
			return RecordingRecord{}, err
		}
		meta.FilePath = remote
	}
	return c.ConfirmRecording(ctx, meta)
}

// UploadClip requests a signed upload URL and PUTs the file body to it.
func (c *Client) UploadClip(ctx context.Context, localPath, cameraID string) (string, error) {
	info, err := os.Stat(localPath)
	if err != nil {
		return "", fmt.Errorf("stat clip: %w", err)
	}

	var target uploadURLResponse
	req := map[string]string{
		"camera_id":    cameraID,
		"filename":     filepath.Base(localPath),
		"content_type": "video/mp4",
	}
	if err := c.doJSON(ctx, http.MethodPost, "/api/pod/recordings/upload-url", req, &target); err != nil {
		return "", fmt.Errorf("request upload url: %w", err)
	}
	if target.SignedURL == "" || target.FilePath == "" {
		return "", fmt.Errorf("%w: upload url response missing fields", ErrBadResponse)
	}

	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("open clip: %w", err)
	}
	defer f.Close()

	put, err := http.NewRequestWithContext(ctx, http.MethodPut, target.SignedURL, f)
	if err != nil {
		return "", fmt.Errorf("build upload request: %w", err)
	}
	put.ContentLength = info.Size()
	put.Header.Set("Content-Type", "video/mp4")

	resp, err := c.upload.Do(put)
	if err != nil {
		return "", fmt.Errorf("upload clip: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("upload clip: %w", statusError(resp))
	}

	c.log.Info().
		Str("file_path", target.FilePath).
		Int64("bytes", info.Size()).
		Msg("clip uploaded")
	return target.FilePath, nil
}

func (c *Client) ConfirmRecording(ctx context.Context, meta pod.RecordingMetadata) (RecordingRecord, error) {
	var resp struct {
		Success   bool            `json:"success"`
		Recording RecordingRecord `json:"recording"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/api/pod/recordings/confirm", meta, &resp); err != nil {
		return RecordingRecord{}, fmt.Errorf("confirm recording: %w", err)
	}
	resp.Recording.FilePath = meta.FilePath
	return resp.Recording, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.PortalURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.PodAPIKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(out); err != nil {
		return fmt.Errorf("%w: %v", ErrBadResponse, err)
	}
	return nil
}

func statusError(resp *http.Response) error {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &StatusError{Code: resp.StatusCode, Body: string(bytes.TrimSpace(snippet))}
}
