// Package worker launches worker processes and speaks the worker protocol
// with them.
package worker

import (
	"context"
	"io"
)

// Spec identifies the job a worker is launched for.
type Spec struct {
	JobID string
}

// ExitStatus describes how a worker ended. Signal is empty unless the worker
// was terminated by one.
type ExitStatus struct {
	Code   int
	Signal string
	Err    error
}

// Process is one running worker. Wait must only be called once Stdout and
// Stderr have been read to EOF.
type Process interface {
	Stdin() io.WriteCloser
	Stdout() io.Reader
	Stderr() io.Reader
	Pid() int
	Wait() ExitStatus
	Kill() error
}

// Launcher starts workers.
type Launcher interface {
	Launch(ctx context.Context, spec Spec) (Process, error)
	Ready(ctx context.Context) error
}
