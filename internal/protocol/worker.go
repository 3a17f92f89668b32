// Package protocol defines the messages exchanged with worker processes and
// websocket clients, and the newline-delimited JSON framing used on the wire.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Bundle is a program's source plus the sources of the modules it imports.
type Bundle struct {
	Program string            `json:"program"`
	Modules map[string]string `json:"modules"`
}

// Inputs are input values passed through to the worker untouched.
type Inputs map[string]json.RawMessage

// Sink describes one output channel of a running program.
type Sink struct {
	Type    string         `json:"type"`
	SinkID  string         `json:"sink_id"`
	Options map[string]any `json:"options"`
}

// Data subtypes carried by a data event.
const (
	DataPoints  = "points"
	DataMark    = "mark"
	DataTick    = "tick"
	DataSinkEnd = "sink_end"
)

// SinkData is one unit of program output addressed to a sink.
type SinkData struct {
	Type   string            `json:"type"`
	SinkID string            `json:"sink_id"`
	JobID  string            `json:"job_id,omitempty"`
	Points []json.RawMessage `json:"points,omitempty"`
	Time   string            `json:"time,omitempty"`
}

func (d SinkData) known() bool {
	switch d.Type {
	case DataPoints, DataMark, DataTick, DataSinkEnd:
		return true
	}
	return false
}

// Worker event type tags.
const (
	EventProgramStarted = "program_started"
	EventCompileError   = "compile_error"
	EventData           = "data"
	EventLog            = "log"
	EventDone           = "done"
	EventWarning        = "warning"
	EventError          = "error"
)

// Event is a message sent by a worker. The set of implementations is closed;
// anything unrecognised decodes to Unknown.
type Event interface {
	EventType() string
}

type ProgramStarted struct {
	Sinks []Sink
}

type CompileError struct {
	Err json.RawMessage
}

type Data struct {
	Data SinkData
}

// Log is a structured log line forwarded by the worker. It is never sent to clients.
type Log struct {
	Name      string
	Level     string
	Arguments []json.RawMessage
}

type Done struct{}

type Warning struct {
	Warning json.RawMessage
}

type RuntimeError struct {
	Error json.RawMessage
}

// Unknown carries a message whose type tag is not recognised.
type Unknown struct {
	Type string
	Raw  json.RawMessage
}

func (ProgramStarted) EventType() string { return EventProgramStarted }
func (CompileError) EventType() string   { return EventCompileError }
func (Data) EventType() string           { return EventData }
func (Log) EventType() string            { return EventLog }
func (Done) EventType() string           { return EventDone }
func (Warning) EventType() string        { return EventWarning }
func (RuntimeError) EventType() string   { return EventError }
func (u Unknown) EventType() string      { return u.Type }

type eventEnvelope struct {
	Type      string            `json:"type"`
	Sinks     *[]Sink           `json:"sinks,omitempty"`
	Err       json.RawMessage   `json:"err,omitempty"`
	Data      *SinkData         `json:"data,omitempty"`
	Name      string            `json:"name,omitempty"`
	Level     string            `json:"level,omitempty"`
	Arguments []json.RawMessage `json:"arguments,omitempty"`
	Warning   json.RawMessage   `json:"warning,omitempty"`
	Error     json.RawMessage   `json:"error,omitempty"`
}

// DecodeEvent parses one worker message.
func DecodeEvent(raw []byte) (Event, error) {
	var env eventEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode worker event: %w", err)
	}

	switch env.Type {
	case EventProgramStarted:
		var sinks []Sink
		if env.Sinks != nil {
			sinks = *env.Sinks
		}
		return ProgramStarted{Sinks: sinks}, nil
	case EventCompileError:
		return CompileError{Err: env.Err}, nil
	case EventData:
		if env.Data == nil || !env.Data.known() {
			return Unknown{Type: env.Type, Raw: raw}, nil
		}
		return Data{Data: *env.Data}, nil
	case EventLog:
		return Log{Name: env.Name, Level: env.Level, Arguments: env.Arguments}, nil
	case EventDone:
		return Done{}, nil
	case EventWarning:
		return Warning{Warning: env.Warning}, nil
	case EventError:
		return RuntimeError{Error: env.Error}, nil
	default:
		return Unknown{Type: env.Type, Raw: raw}, nil
	}
}

// MarshalEvent renders a worker message in its wire form.
func MarshalEvent(ev Event) ([]byte, error) {
	env := eventEnvelope{Type: ev.EventType()}
	switch e := ev.(type) {
	case ProgramStarted:
		// Always present, as [] when the program has no sinks.
		sinks := e.Sinks
		if sinks == nil {
			sinks = []Sink{}
		}
		env.Sinks = &sinks
	case CompileError:
		env.Err = e.Err
	case Data:
		env.Data = &e.Data
	case Log:
		env.Name, env.Level, env.Arguments = e.Name, e.Level, e.Arguments
	case Done:
	case Warning:
		env.Warning = e.Warning
	case RuntimeError:
		env.Error = e.Error
	case Unknown:
		return e.Raw, nil
	default:
		return nil, fmt.Errorf("unsupported worker event %T", ev)
	}
	return json.Marshal(env)
}

// Worker command tags.
const (
	CmdRun  = "run"
	CmdStop = "stop"
)

// Command is a message sent to a worker.
type Command interface {
	CommandName() string
}

type Run struct {
	Bundle Bundle
	Inputs Inputs
}

type Stop struct{}

func (Run) CommandName() string  { return CmdRun }
func (Stop) CommandName() string { return CmdStop }

type commandEnvelope struct {
	Cmd    string  `json:"cmd"`
	Bundle *Bundle `json:"bundle,omitempty"`
	Inputs Inputs  `json:"inputs,omitempty"`
}

// ErrUnknownCommand is returned for a command the worker does not understand.
var ErrUnknownCommand = errors.New("unknown worker command")

// DecodeCommand parses one command received by a worker.
func DecodeCommand(raw []byte) (Command, error) {
	var env commandEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode worker command: %w", err)
	}
	switch env.Cmd {
	case CmdRun:
		if env.Bundle == nil {
			return nil, fmt.Errorf("run command without bundle")
		}
		return Run{Bundle: *env.Bundle, Inputs: env.Inputs}, nil
	case CmdStop:
		return Stop{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, env.Cmd)
	}
}

// MarshalCommand renders a worker command in its wire form.
func MarshalCommand(cmd Command) ([]byte, error) {
	run, ok := cmd.(Run)
	if !ok {
		return json.Marshal(commandEnvelope{Cmd: cmd.CommandName()})
	}
	if run.Inputs == nil {
		run.Inputs = Inputs{}
	}
	return json.Marshal(struct {
		Cmd    string `json:"cmd"`
		Bundle Bundle `json:"bundle"`
		Inputs Inputs `json:"inputs"`
	}{CmdRun, run.Bundle, run.Inputs})
}
