package job

import (
	"context"
	"encoding/json"
	"time"

	"juttled/internal/protocol"
)

// Job modes, used as a metrics attribute.
const (
	ModeStream = "stream"
	ModeWait   = "wait"
)

// Job outcomes, used as a metrics attribute.
const (
	OutcomeCompleted    = "completed"
	OutcomeCompileError = "compile_error"
	OutcomeTimeout      = "timeout"
	OutcomeCrashed      = "crashed"
)

// RunRequest describes a program submission.
type RunRequest struct {
	Bundle     protocol.Bundle
	Inputs     protocol.Inputs
	ObserverID string

	// Timeout bounds program start, and for RunProgramWait also completion.
	// Zero means no bound for RunProgram and the default for RunProgramWait.
	Timeout time.Duration

	// RunWithoutEndpoints keeps the job alive after its last subscriber leaves.
	RunWithoutEndpoints bool
}

// RunResult identifies a started job.
type RunResult struct {
	JobID string `json:"job_id"`
	Pid   int    `json:"pid,omitempty"`
}

// Description is the externally visible summary of a job.
type Description struct {
	JobID     string          `json:"job_id"`
	Bundle    protocol.Bundle `json:"bundle"`
	Endpoints []string        `json:"endpoints"`
}

// WaitResult is the collected output of a job run to completion.
type WaitResult struct {
	Output   map[string]*SinkOutput `json:"output"`
	Errors   []json.RawMessage      `json:"errors"`
	Warnings []json.RawMessage      `json:"warnings"`
}

// SinkOutput is everything one sink received, in arrival order.
type SinkOutput struct {
	Type    string         `json:"type"`
	Options map[string]any `json:"options"`
	Data    []any          `json:"data"`
}

// Subscriber receives a job's output. *endpoint.Endpoint satisfies it.
// Send and SendMany must not block.
type Subscriber interface {
	Send(msg any)
	SendMany(msgs []any)
	Close(force bool)
	OnClose(fn func())
	Describe() string
}

// Metrics records job and fan-out activity. *observability.Metrics
// satisfies it.
type Metrics interface {
	RecordJobCreated(ctx context.Context, mode string)
	RecordJobEnded(ctx context.Context, mode, outcome string, durationSeconds float64)
	RecordEndpointAttached(ctx context.Context, kind string)
	RecordEndpointDetached(ctx context.Context, kind string)
	RecordMessagesFanout(ctx context.Context, n int)
	RecordMessagesReplayed(ctx context.Context, n int)
}

type noopMetrics struct{}

func (noopMetrics) RecordJobCreated(context.Context, string)                {}
func (noopMetrics) RecordJobEnded(context.Context, string, string, float64) {}
func (noopMetrics) RecordEndpointAttached(context.Context, string)          {}
func (noopMetrics) RecordEndpointDetached(context.Context, string)          {}
func (noopMetrics) RecordMessagesFanout(context.Context, int)               {}
func (noopMetrics) RecordMessagesReplayed(context.Context, int)             {}
