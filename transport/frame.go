package transport

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"

	taskerr "github.com/vinayprograms/taskfeed/errors"
)

// EventType is the wire value of a frame's "type" field.
type EventType string

const (
	EventStatus          EventType = "status"
	EventProgress        EventType = "progress"
	EventHeartbeat       EventType = "heartbeat"
	EventPong            EventType = "pong"
	EventPingWarning     EventType = "ping_warning"
	EventTimeout         EventType = "timeout"
	EventDeviceCompleted EventType = "device_completed"
	EventCompleted       EventType = "completed"
	EventError           EventType = "error"
	EventFailed          EventType = "failed"
)

// Kind groups event types by their effect on a job.
type Kind int

const (
	KindUnknown Kind = iota
	KindInfo         // status, progress
	KindKeepalive    // heartbeat, pong, ping_warning
	KindTimeout      // server suspects the stream is dead
	KindCompleted    // device_completed, completed
	KindFailed       // error, failed
)

func (k Kind) String() string {
	switch k {
	case KindInfo:
		return "info"
	case KindKeepalive:
		return "keepalive"
	case KindTimeout:
		return "timeout"
	case KindCompleted:
		return "completed"
	case KindFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Kind maps the event type to its Kind.
func (t EventType) Kind() Kind {
	switch t {
	case EventStatus, EventProgress:
		return KindInfo
	case EventHeartbeat, EventPong, EventPingWarning:
		return KindKeepalive
	case EventTimeout:
		return KindTimeout
	case EventDeviceCompleted, EventCompleted:
		return KindCompleted
	case EventError, EventFailed:
		return KindFailed
	default:
		return KindUnknown
	}
}

// ID is an identifier that may arrive as a JSON string or number.
type ID string

// UnmarshalJSON accepts "abc", 42 and null.
func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		*id = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*id = ID(n.String())
	return nil
}

// Frame is one inbound event on a job stream.
type Frame struct {
	Type       EventType       `json:"type"`
	DeviceID   ID              `json:"device_id,omitempty"`
	DeviceName string          `json:"device_name,omitempty"`
	Message    string          `json:"message,omitempty"`
	Value      json.RawMessage `json:"value,omitempty"`
	TaskID     ID              `json:"task_id,omitempty"`
}

// ParseFrame decodes a frame. Malformed JSON and frames without a type
// return a protocol error; unknown types decode fine and report
// KindUnknown.
func ParseFrame(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, taskerr.WrapWithCode(err, taskerr.ErrCodeProtocol, "decoding frame")
	}
	if f.Type == "" {
		return nil, taskerr.Protocol("frame has no type")
	}
	return &f, nil
}

// Marshal encodes the frame.
func (f *Frame) Marshal() ([]byte, error) {
	return json.Marshal(f)
}

// Kind returns the frame's event kind.
func (f *Frame) Kind() Kind {
	return f.Type.Kind()
}

// Progress returns the numeric value of a progress frame. Numbers and
// numeric strings such as "40" or "40%" are accepted.
func (f *Frame) Progress() (float64, bool) {
	if len(f.Value) == 0 {
		return 0, false
	}
	var n float64
	if err := json.Unmarshal(f.Value, &n); err == nil {
		return n, true
	}
	var s string
	if err := json.Unmarshal(f.Value, &s); err != nil {
		return 0, false
	}
	n, err := strconv.ParseFloat(strings.TrimSuffix(strings.TrimSpace(s), "%"), 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// ValueString returns the raw value as text, unquoting JSON strings.
func (f *Frame) ValueString() string {
	if len(f.Value) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(f.Value, &s); err == nil {
		return s
	}
	return string(f.Value)
}
