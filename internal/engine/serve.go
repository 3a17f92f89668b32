package engine

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"

	"juttled/internal/protocol"
)

// Options configure the worker protocol loop.
type Options struct {
	ImplicitSink string
	Logger       *slog.Logger
}

// workerLogName is the logger name attached to log events sent to the server.
const workerLogName = "juttle-worker"

// Serve runs the worker side of the protocol, reading commands from r and
// writing events to w. It returns the process exit code once a stop command
// arrives, the input ends, or ctx is cancelled.
func Serve(ctx context.Context, r io.Reader, w io.Writer, opts Options) int {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default().With("component", "worker")
	}
	enc := protocol.NewEncoder(w)

	send := func(ev protocol.Event) {
		data, err := protocol.MarshalEvent(ev)
		if err != nil {
			logger.Error("Failed to encode event", "type", ev.EventType(), "error", err)
			return
		}
		if err := enc.WriteRaw(data); err != nil {
			logger.Debug("Failed to write event", "type", ev.EventType(), "error", err)
		}
	}

	quit := make(chan struct{})
	defer close(quit)
	cmds := make(chan protocol.Command)
	readDone := make(chan error, 1)
	go readCommands(r, cmds, readDone, quit, logger)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	var running sync.WaitGroup
	stop := func() {
		cancel()
		running.Wait()
	}

	started := false
	for {
		select {
		case <-ctx.Done():
			stop()
			return 0
		case err := <-readDone:
			if !errors.Is(err, io.EOF) {
				logger.Warn("Command stream failed", "error", err)
			}
			stop()
			return 0
		case cmd := <-cmds:
			switch c := cmd.(type) {
			case protocol.Stop:
				logger.Debug("Stop requested", "active", started)
				stop()
				return 0
			case protocol.Run:
				if started {
					logger.Warn("Ignoring run command, program already started")
					continue
				}
				started = true
				run(runCtx, c, opts, send, &running, logger)
			}
		}
	}
}

func readCommands(r io.Reader, cmds chan<- protocol.Command, done chan<- error, quit <-chan struct{}, logger *slog.Logger) {
	dec := protocol.NewDecoder(r)
	for {
		line, err := dec.Next()
		if err != nil {
			done <- err
			return
		}
		cmd, err := protocol.DecodeCommand(line)
		if err != nil {
			logger.Warn("Ignoring invalid command", "error", err)
			continue
		}
		select {
		case cmds <- cmd:
		case <-quit:
			return
		}
	}
}

func run(ctx context.Context, cmd protocol.Run, opts Options, send func(protocol.Event), running *sync.WaitGroup, logger *slog.Logger) {
	send(logEvent("info", "starting-juttle-program", cmd.Bundle.Program))

	prog, err := Compile(cmd.Bundle, CompileOptions{ImplicitSink: opts.ImplicitSink, Inputs: cmd.Inputs})
	if err != nil {
		var jerr *Error
		if !errors.As(err, &jerr) {
			jerr = &Error{Code: "RT-INTERNAL-ERROR", Message: err.Error(), Info: map[string]any{}}
		}
		logger.Info("Program failed to compile", "code", jerr.Code, "error", jerr.Message)
		send(protocol.CompileError{Err: jerr.JSON()})
		send(protocol.Done{})
		return
	}

	send(protocol.ProgramStarted{Sinks: prog.Sinks()})

	running.Add(1)
	go func() {
		defer running.Done()
		err := prog.Run(ctx, send)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			e := &Error{Code: "RT-INTERNAL-ERROR", Message: err.Error(), Info: map[string]any{}}
			send(protocol.RuntimeError{Error: e.JSON()})
		}
		send(logEvent("debug", "program done"))
		send(protocol.Done{})
	}()
}

func logEvent(level string, args ...any) protocol.Log {
	ev := protocol.Log{Name: workerLogName, Level: level}
	for _, a := range args {
		raw, err := json.Marshal(a)
		if err != nil {
			continue
		}
		ev.Arguments = append(ev.Arguments, raw)
	}
	return ev
}
