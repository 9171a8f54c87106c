package ingest

import (
	"errors"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"platebridge-pod/internal/domain/pod"
)

var (
	ErrMalformed = errors.New("malformed bus message")
	ErrIgnored   = errors.New("bus message is not a new license plate detection")
)

const plateLabel = "license_plate"

// messageSchema describes the subset of a Frigate event message the agent relies on.
const messageSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["type"],
  "properties": {
    "type": {"type": "string"},
    "after": {
      "type": "object",
      "properties": {
        "id": {"type": "string"},
        "camera": {"type": "string"},
        "label": {"type": "string"},
        "sub_label": {"type": ["string", "array", "null"]},
        "score": {"type": ["number", "null"]},
        "top_score": {"type": ["number", "null"]},
        "start_time": {"type": ["number", "null"]},
        "snapshot": {"type": ["object", "null"]}
      }
    }
  }
}`

var compiledSchema = jsonschema.MustCompileString("frigate-event.json", messageSchema)

type frigateMessage struct {
	Type  string         `json:"type"`
	After *frigateObject `json:"after"`
}

type frigateObject struct {
	ID        string           `json:"id"`
	Camera    string           `json:"camera"`
	Label     string           `json:"label"`
	SubLabel  json.RawMessage  `json:"sub_label"`
	Score     *float64         `json:"score"`
	TopScore  *float64         `json:"top_score"`
	StartTime *float64         `json:"start_time"`
	Snapshot  *frigateSnapshot `json:"snapshot"`
}

type frigateSnapshot struct {
	Path string `json:"path"`
}

// ParseDetection turns a raw bus payload into a detection. It returns ErrIgnored for
// well-formed messages that are not new license plate objects, and ErrMalformed for
// anything that does not match the expected shape.
func ParseDetection(payload []byte) (pod.DetectionEvent, error) {
	var doc interface{}
	if err := json.Unmarshal(payload, &doc); err != nil {
		return pod.DetectionEvent{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := compiledSchema.Validate(doc); err != nil {
		return pod.DetectionEvent{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var msg frigateMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return pod.DetectionEvent{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if msg.Type != "new" || msg.After == nil || !strings.EqualFold(strings.TrimSpace(msg.After.Label), plateLabel) {
		return pod.DetectionEvent{}, ErrIgnored
	}

	after := msg.After
	ev := pod.DetectionEvent{
		EventID:    after.ID,
		CameraID:   after.Camera,
		Plate:      strings.TrimSpace(subLabel(after.SubLabel)),
		OccurredAt: time.Now().UTC(),
	}
	if after.Snapshot != nil {
		ev.SnapshotPath = after.Snapshot.Path
	}
	switch {
	case after.Score != nil:
		ev.Confidence = *after.Score
	case after.TopScore != nil:
		ev.Confidence = *after.TopScore
	}
	if after.StartTime != nil && *after.StartTime > 0 {
		sec := int64(*after.StartTime)
		nsec := int64((*after.StartTime - float64(sec)) * 1e9)
		ev.OccurredAt = time.Unix(sec, nsec).UTC()
	}
	return ev, nil
}

// subLabel accepts both a bare string and the ["PLATE", score] pair newer Frigate
// versions emit.
func subLabel(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var pair []interface{}
	if err := json.Unmarshal(raw, &pair); err == nil && len(pair) > 0 {
		if s, ok := pair[0].(string); ok {
			return s
		}
	}
	return ""
}
