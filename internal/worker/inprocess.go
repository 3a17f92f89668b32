package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"

	"juttled/internal/config"
	"juttled/internal/engine"
)

// errKilled is seen by an in-process worker reading its input after Kill.
var errKilled = errors.New("worker killed")

// InProcessLauncher runs the worker protocol loop on goroutines inside the
// server, connected through pipes. It exercises the same wire protocol as a
// real worker without the process boundary.
type InProcessLauncher struct {
	opts engine.Options
}

func NewInProcessLauncher(opts engine.Options) *InProcessLauncher {
	return &InProcessLauncher{opts: opts}
}

func (l *InProcessLauncher) Ready(_ context.Context) error {
	return nil
}

func (l *InProcessLauncher) Launch(_ context.Context, spec Spec) (Process, error) {
	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()

	opts := l.opts
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewJSONHandler(stderrW, nil)).With("jobId", spec.JobID)
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &pipeProcess{
		stdin:  stdinW,
		stdinR: stdinR,
		stdout: stdoutR,
		stderr: stderrR,
		cancel: cancel,
		exit:   make(chan ExitStatus, 1),
	}

	go func() {
		code := engine.Serve(ctx, stdinR, stdoutW, opts)
		status := ExitStatus{Code: code}
		if ctx.Err() != nil {
			status = ExitStatus{Code: -1, Signal: "killed"}
		}
		_ = stdoutW.Close()
		_ = stderrW.Close()
		p.exit <- status
	}()
	return p, nil
}

type pipeProcess struct {
	stdin  *io.PipeWriter
	stdinR *io.PipeReader
	stdout io.Reader
	stderr io.Reader
	cancel context.CancelFunc
	exit   chan ExitStatus
}

func (p *pipeProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *pipeProcess) Stdout() io.Reader     { return p.stdout }
func (p *pipeProcess) Stderr() io.Reader     { return p.stderr }
func (p *pipeProcess) Pid() int              { return os.Getpid() }

func (p *pipeProcess) Kill() error {
	p.cancel()
	return p.stdinR.CloseWithError(errKilled)
}

func (p *pipeProcess) Wait() ExitStatus {
	status := <-p.exit
	p.cancel()
	_ = p.stdinR.CloseWithError(io.EOF)
	return status
}

// engineOptions builds worker options from the worker config file, the same
// file a separate worker binary would read.
func engineOptions(configPath string) engine.Options {
	var opts engine.Options
	if configPath == "" {
		return opts
	}
	file, err := config.ReadFile(configPath)
	if err != nil {
		slog.Warn("Failed to read worker config", "path", configPath, "error", err)
		return opts
	}
	opts.ImplicitSink = file.Juttle.ImplicitSink
	return opts
}
