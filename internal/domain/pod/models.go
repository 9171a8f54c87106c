package pod

import (
	"time"
)

const (
	ActionAllow = "allow"
	ActionDeny  = "deny"

	EventTypePlateDetection = "plate_detection"
	EventTypeManual         = "manual"
)

// AllowlistEntry keeps the plate exactly as the portal sent it; matching is done on
// the normalized form at lookup time.
type AllowlistEntry struct {
	Plate    string                 `json:"plate"`
	Active   bool                   `json:"active"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

type AllowlistSnapshot struct {
	Entries   []AllowlistEntry `json:"entries"`
	FetchedAt time.Time        `json:"fetched_at"`
}

type DetectionEvent struct {
	EventID      string    `json:"event_id"`
	CameraID     string    `json:"camera_id"`
	Plate        string    `json:"plate"`
	Confidence   float64   `json:"confidence"`
	OccurredAt   time.Time `json:"occurred_at"`
	SnapshotPath string    `json:"snapshot_path,omitempty"`
}

type DetectionResult struct {
	Success    bool                   `json:"success"`
	Action     string                 `json:"action"`
	GateOpened bool                   `json:"gate_opened"`
	PlateInfo  map[string]interface{} `json:"plate_info,omitempty"`
	Message    string                 `json:"message,omitempty"`
}

// Denied is the implicit decision used whenever the portal cannot be reached.
func Denied() DetectionResult {
	return DetectionResult{Action: ActionDeny}
}

type CameraInfo struct {
	CameraID string `json:"camera_id"`
	Name     string `json:"name"`
	RTSPURL  string `json:"rtsp_url,omitempty"`
}

type Telemetry struct {
	CPUPercent    float64  `json:"cpu_percent"`
	MemoryPercent float64  `json:"memory_percent"`
	DiskPercent   float64  `json:"disk_percent"`
	TemperatureC  *float64 `json:"temperature_c,omitempty"`
	UptimeSeconds int64    `json:"uptime_seconds"`
	LoadAverage1m float64  `json:"load_average_1m"`
}

type NetworkIdentity struct {
	IPAddress         string `json:"ip_address"`
	Source            string `json:"source"`
	TailscaleIP       string `json:"tailscale_ip,omitempty"`
	TailscaleHostname string `json:"tailscale_hostname,omitempty"`
}

type Heartbeat struct {
	PodID             string       `json:"pod_id"`
	CameraID          string       `json:"camera_id"`
	StreamURL         string       `json:"stream_url,omitempty"`
	Status            string       `json:"status"`
	IPAddress         string       `json:"ip_address"`
	TailscaleIP       string       `json:"tailscale_ip,omitempty"`
	TailscaleHostname string       `json:"tailscale_hostname,omitempty"`
	FirmwareVersion   string       `json:"firmware_version,omitempty"`
	Cameras           []CameraInfo `json:"cameras"`
	Telemetry         Telemetry    `json:"telemetry"`
}

type RecordingMetadata struct {
	RecordingID     string                 `json:"-"`
	CameraID        string                 `json:"camera_id"`
	LocalPath       string                 `json:"-"`
	FilePath        string                 `json:"file_path"`
	FileSizeBytes   int64                  `json:"file_size_bytes"`
	DurationSeconds int                    `json:"duration_seconds"`
	EventType       string                 `json:"event_type"`
	PlateNumber     string                 `json:"plate_number,omitempty"`
	ThumbnailPath   string                 `json:"thumbnail_path,omitempty"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
}

type SessionKind string

const (
	SessionLive SessionKind = "LIVE"
	SessionClip SessionKind = "CLIP"
)

type SessionState string

const (
	StateStarting SessionState = "STARTING"
	StateRunning  SessionState = "RUNNING"
	StateStopped  SessionState = "STOPPED"
	StateFailed   SessionState = "FAILED"
)

// MediaSession is a read-only view of a supervised subprocess.
type MediaSession struct {
	Kind       SessionKind  `json:"kind"`
	PID        int          `json:"pid,omitempty"`
	OutputPath string       `json:"output_path"`
	StartedAt  time.Time    `json:"started_at"`
	State      SessionState `json:"state"`
	Err        string       `json:"error,omitempty"`
}

// Recording is a clip known to this pod, as journaled locally.
type Recording struct {
	ID                string                 `json:"id"`
	CameraID          string                 `json:"camera_id"`
	EventID           string                 `json:"event_id,omitempty"`
	EventType         string                 `json:"event_type"`
	PlateNumber       string                 `json:"plate_number,omitempty"`
	LocalPath         string                 `json:"-"`
	ThumbnailPath     string                 `json:"-"`
	RemotePath        string                 `json:"remote_path,omitempty"`
	ArchiveKey        string                 `json:"archive_key,omitempty"`
	PortalRecordingID string                 `json:"portal_recording_id,omitempty"`
	FileSizeBytes     int64                  `json:"file_size_bytes"`
	DurationSeconds   int                    `json:"duration_seconds"`
	Uploaded          bool                   `json:"uploaded"`
	Metadata          map[string]interface{} `json:"metadata,omitempty"`
	RecordedAt        time.Time              `json:"recorded_at"`
}

// HasLocalFile reports whether the clip is still on the pod's disk.
func (r Recording) HasLocalFile() bool {
	return r.LocalPath != ""
}
