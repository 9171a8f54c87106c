package metrics

import (
	"fmt"
	"strings"
	"sync/atomic"
)

// Metrics is the set of agent counters exposed on the gateway's /metrics route.
// Fields are updated with sync/atomic only.
type Metrics struct {
	// bus messages that parsed as license_plate detections
	DetectionsReceived int64
	// detections that passed the confidence/plate policy and were relayed
	DetectionsAccepted int64
	// detections dropped by policy before any outbound call
	DetectionsDropped int64
	// messages dropped because the work queue was full
	QueueFull int64
	// bus messages that failed to parse or validate
	MalformedMessages int64

	GateOpens     int64
	RelayDenied   int64
	RefreshOK     int64
	RefreshFailed int64

	HeartbeatOK     int64
	HeartbeatFailed int64

	ClipsCaptured    int64
	ClipsFailed      int64
	UploadsConfirmed int64
	UploadsFailed    int64

	LiveRestarts int64
}

func New() *Metrics {
	return &Metrics{}
}

func Inc(p *int64) {
	atomic.AddInt64(p, 1)
}

func (m *Metrics) String() string {
	var sb strings.Builder
	sb.Grow(512)

	fmt.Fprintf(&sb, "detections_received_total=%d\n", atomic.LoadInt64(&m.DetectionsReceived))
	fmt.Fprintf(&sb, "detections_accepted_total=%d\n", atomic.LoadInt64(&m.DetectionsAccepted))
	fmt.Fprintf(&sb, "detections_dropped_total=%d\n", atomic.LoadInt64(&m.DetectionsDropped))
	fmt.Fprintf(&sb, "ingest_queue_full_total=%d\n", atomic.LoadInt64(&m.QueueFull))
	fmt.Fprintf(&sb, "bus_messages_malformed_total=%d\n", atomic.LoadInt64(&m.MalformedMessages))

	fmt.Fprintf(&sb, "gate_opens_total=%d\n", atomic.LoadInt64(&m.GateOpens))
	fmt.Fprintf(&sb, "relay_denied_total=%d\n", atomic.LoadInt64(&m.RelayDenied))
	fmt.Fprintf(&sb, "allowlist_refresh_ok_total=%d\n", atomic.LoadInt64(&m.RefreshOK))
	fmt.Fprintf(&sb, "allowlist_refresh_failed_total=%d\n", atomic.LoadInt64(&m.RefreshFailed))

	fmt.Fprintf(&sb, "heartbeat_ok_total=%d\n", atomic.LoadInt64(&m.HeartbeatOK))
	fmt.Fprintf(&sb, "heartbeat_failed_total=%d\n", atomic.LoadInt64(&m.HeartbeatFailed))

	fmt.Fprintf(&sb, "clips_captured_total=%d\n", atomic.LoadInt64(&m.ClipsCaptured))
	fmt.Fprintf(&sb, "clips_failed_total=%d\n", atomic.LoadInt64(&m.ClipsFailed))
	fmt.Fprintf(&sb, "uploads_confirmed_total=%d\n", atomic.LoadInt64(&m.UploadsConfirmed))
	fmt.Fprintf(&sb, "uploads_failed_total=%d\n", atomic.LoadInt64(&m.UploadsFailed))

	fmt.Fprintf(&sb, "live_restarts_total=%d\n", atomic.LoadInt64(&m.LiveRestarts))

	return sb.String()
}
