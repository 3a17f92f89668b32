package protocol

import "encoding/json"

// Client-facing message type tags.
const (
	TypeJobStart = "job_start"
	TypeJobEnd   = "job_end"
	TypePing     = "ping"
	TypePong     = "pong"
	TypeError    = "error"
	TypeWarning  = "warning"
)

// JobStart announces that a job's program is running and lists its sinks.
type JobStart struct {
	Type  string `json:"type"`
	JobID string `json:"job_id"`
	Sinks []Sink `json:"sinks"`
}

func NewJobStart(jobID string, sinks []Sink) JobStart {
	if sinks == nil {
		sinks = []Sink{}
	}
	return JobStart{Type: TypeJobStart, JobID: jobID, Sinks: sinks}
}

// Lifecycle is the {type, job_id} shape shared by job_end and observer notices.
type Lifecycle struct {
	Type  string `json:"type"`
	JobID string `json:"job_id"`
}

func NewJobEnd(jobID string) Lifecycle {
	return Lifecycle{Type: TypeJobEnd, JobID: jobID}
}

// Notice forwards a worker warning or runtime error to job subscribers.
type Notice struct {
	Type    string          `json:"type"`
	JobID   string          `json:"job_id,omitempty"`
	Warning json.RawMessage `json:"warning,omitempty"`
	Error   json.RawMessage `json:"error,omitempty"`
}

// Ping is the heartbeat sent to every websocket client.
type Ping struct {
	Type string `json:"type"`
}

func NewPing() Ping {
	return Ping{Type: TypePing}
}

// NoSuchJob is sent on a job subscription whose id does not resolve.
type NoSuchJob struct {
	Err string `json:"err"`
}

// ErrorBody is the {code, message, info} shape of a client-visible error.
type ErrorBody struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Info    map[string]any `json:"info,omitempty"`
}

// ErrorMessage wraps an error body for delivery over a websocket.
type ErrorMessage struct {
	Type  string    `json:"type"`
	Error ErrorBody `json:"error"`
}

// MessageType returns the "type" field of an inbound client message, or "" if
// the message is not an object or has no string type.
func MessageType(raw json.RawMessage) string {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return ""
	}
	return head.Type
}
