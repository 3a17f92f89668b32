package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"juttled/internal/protocol"
)

// EventExit is the type tag of the final event of every handle.
const EventExit = "exit"

// Exit is delivered once the worker process has ended. Nothing follows it.
type Exit struct {
	Status ExitStatus
}

func (Exit) EventType() string { return EventExit }

// StartResult is returned once the worker reports that the program runs.
type StartResult struct {
	Pid   int
	Sinks []protocol.Sink
}

// CompileError carries the structured error the worker reported for a
// program that failed to compile.
type CompileError struct {
	Err json.RawMessage
}

func (e *CompileError) Error() string {
	var body struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(e.Err, &body) == nil && body.Message != "" {
		return "compile error: " + body.Message
	}
	return "compile error"
}

// ErrExitedBeforeStart is returned by Start when the worker ends without
// reporting either a started program or a compile error.
var ErrExitedBeforeStart = errors.New("worker exited before program started")

type startOutcome struct {
	result StartResult
	err    error
}

// Handle owns one worker process for one job. It translates the worker's
// output into an ordered event stream that always ends with Exit.
type Handle struct {
	launcher  Launcher
	spec      Spec
	stopGrace time.Duration
	logger    *slog.Logger

	mu        sync.Mutex
	proc      Process
	enc       *protocol.Encoder
	stopping  bool
	exited    bool
	killTimer *time.Timer

	started   chan startOutcome
	startOnce sync.Once

	qmu     sync.Mutex
	queue   []protocol.Event
	qclosed bool
	qsignal chan struct{}
	events  chan protocol.Event
}

// NewHandle prepares a handle; no process runs until Start.
func NewHandle(launcher Launcher, spec Spec, stopGrace time.Duration) *Handle {
	if stopGrace <= 0 {
		stopGrace = 5 * time.Second
	}
	return &Handle{
		launcher:  launcher,
		spec:      spec,
		stopGrace: stopGrace,
		logger:    slog.With("component", "worker", "jobId", spec.JobID),
		started:   make(chan startOutcome, 1),
		qsignal:   make(chan struct{}, 1),
		events:    make(chan protocol.Event),
	}
}

// Events returns the worker's data, warning, error and done events followed by
// a final Exit. The channel is closed after Exit.
func (h *Handle) Events() <-chan protocol.Event {
	return h.events
}

// Start launches the worker and sends it the program. It returns once the
// worker reports the program started, fails to compile, or exits, or when ctx
// ends. On a ctx error the worker's stdin is closed if the program was not yet
// delivered, and the worker keeps running until the caller stops it.
func (h *Handle) Start(ctx context.Context, bundle protocol.Bundle, inputs protocol.Inputs) (StartResult, error) {
	proc, err := h.launcher.Launch(ctx, h.spec)
	if err != nil {
		h.mu.Lock()
		h.exited = true
		h.mu.Unlock()
		go h.pump()
		h.enqueue(Exit{Status: ExitStatus{Code: -1, Err: err}})
		h.closeQueue()
		return StartResult{}, fmt.Errorf("launch worker: %w", err)
	}

	h.mu.Lock()
	h.proc = proc
	h.enc = protocol.NewEncoder(proc.Stdin())
	stopRequested := h.stopping
	h.mu.Unlock()

	h.logger.Debug("Worker launched", "pid", proc.Pid())

	stderrDone := make(chan struct{})
	go h.readStderr(proc.Stderr(), stderrDone)
	go h.readStdout(proc, stderrDone)
	go h.pump()

	// The run write blocks while the worker is not reading stdin.
	var sent chan error
	if stopRequested {
		h.beginStop()
	} else {
		sent = make(chan error, 1)
		go func() {
			sent <- h.send(protocol.Run{Bundle: bundle, Inputs: inputs})
		}()
	}

	for {
		select {
		case out := <-h.started:
			return out.result, out.err
		case err := <-sent:
			sent = nil
			if err != nil {
				h.logger.Warn("Failed to send program to worker", "error", err)
				h.Stop()
			}
		case <-ctx.Done():
			if sent != nil {
				// Abort the pending write; the worker sees end of input.
				_ = proc.Stdin().Close()
			}
			return StartResult{}, ctx.Err()
		}
	}
}

// Stop asks the worker to stop and kills it if it has not exited within the
// stop grace period. It is safe to call at any time, any number of times.
func (h *Handle) Stop() {
	h.mu.Lock()
	if h.stopping || h.exited {
		h.mu.Unlock()
		return
	}
	h.stopping = true
	launched := h.proc != nil
	h.mu.Unlock()

	if launched {
		h.beginStop()
	}
}

// beginStop arms the kill timer before sending stop, so a worker that no
// longer reads stdin is still killed after the grace period.
func (h *Handle) beginStop() {
	h.mu.Lock()
	if h.exited {
		h.mu.Unlock()
		return
	}
	proc := h.proc
	h.killTimer = time.AfterFunc(h.stopGrace, func() {
		h.mu.Lock()
		exited := h.exited
		h.mu.Unlock()
		if exited {
			return
		}
		h.logger.Warn("Worker did not stop in time, killing", "grace", h.stopGrace)
		if err := proc.Kill(); err != nil {
			h.logger.Error("Failed to kill worker", "error", err)
		}
		// Unblocks any command write still waiting on the pipe.
		_ = proc.Stdin().Close()
	})
	h.mu.Unlock()

	go func() {
		if err := h.send(protocol.Stop{}); err != nil {
			h.logger.Debug("Failed to send stop to worker", "error", err)
		}
	}()
}

func (h *Handle) send(cmd protocol.Command) error {
	raw, err := protocol.MarshalCommand(cmd)
	if err != nil {
		return err
	}
	h.mu.Lock()
	enc := h.enc
	h.mu.Unlock()
	if enc == nil {
		return errors.New("worker not launched")
	}
	return enc.WriteRaw(raw)
}

func (h *Handle) resolveStart(out startOutcome) {
	h.startOnce.Do(func() {
		h.started <- out
	})
}

func (h *Handle) readStdout(proc Process, stderrDone <-chan struct{}) {
	dec := protocol.NewDecoder(proc.Stdout())
	for {
		line, err := dec.Next()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				h.logger.Debug("Worker output ended", "error", err)
			}
			break
		}

		ev, err := protocol.DecodeEvent(line)
		if err != nil {
			h.logger.Warn("Ignoring malformed worker message", "error", err)
			continue
		}

		switch e := ev.(type) {
		case protocol.ProgramStarted:
			h.resolveStart(startOutcome{result: StartResult{Pid: proc.Pid(), Sinks: e.Sinks}})
		case protocol.CompileError:
			h.resolveStart(startOutcome{err: &CompileError{Err: e.Err}})
		case protocol.Log:
			h.logWorker(e)
		case protocol.Done:
			h.enqueue(e)
			go h.Stop()
		case protocol.Unknown:
			h.logger.Warn("Ignoring unknown worker message", "type", e.Type)
		default:
			h.enqueue(ev)
		}
	}

	<-stderrDone
	status := proc.Wait()
	_ = proc.Stdin().Close()

	h.mu.Lock()
	h.exited = true
	if h.killTimer != nil {
		h.killTimer.Stop()
	}
	h.mu.Unlock()

	logger := h.logger.With("code", status.Code)
	switch {
	case status.Signal != "":
		logger.Warn("Worker terminated by signal", "signal", status.Signal)
	case status.Code != 0:
		logger.Warn("Worker exited with error", "error", status.Err)
	default:
		logger.Debug("Worker exited")
	}

	h.resolveStart(startOutcome{err: ErrExitedBeforeStart})
	h.enqueue(Exit{Status: status})
	h.closeQueue()
}

func (h *Handle) readStderr(r io.Reader, done chan<- struct{}) {
	defer close(done)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			h.logger.Info("Worker stderr", "line", line)
		}
	}
	// Drain anything the scanner refused so the writer never blocks.
	_, _ = io.Copy(io.Discard, r)
}

var logLevels = map[string]slog.Level{
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

func (h *Handle) logWorker(e protocol.Log) {
	level, ok := logLevels[e.Level]
	if !ok {
		level = slog.LevelInfo
	}
	msg := "Worker log"
	var args []any
	for i, raw := range e.Arguments {
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			continue
		}
		if s, isString := v.(string); i == 0 && isString {
			msg = s
			continue
		}
		args = append(args, v)
	}
	h.logger.Log(context.Background(), level, msg, "logger", e.Name, "args", args)
}

func (h *Handle) enqueue(ev protocol.Event) {
	h.qmu.Lock()
	h.queue = append(h.queue, ev)
	h.qmu.Unlock()
	h.signalQueue()
}

func (h *Handle) closeQueue() {
	h.qmu.Lock()
	if h.qclosed {
		h.qmu.Unlock()
		return
	}
	h.qclosed = true
	h.qmu.Unlock()
	h.signalQueue()
}

func (h *Handle) signalQueue() {
	select {
	case h.qsignal <- struct{}{}:
	default:
	}
}

// pump moves queued events to the events channel so that slow consumers
// never block reading the worker's output.
func (h *Handle) pump() {
	for {
		h.qmu.Lock()
		if len(h.queue) == 0 {
			closed := h.qclosed
			h.qmu.Unlock()
			if closed {
				close(h.events)
				return
			}
			<-h.qsignal
			continue
		}
		ev := h.queue[0]
		h.queue[0] = nil
		h.queue = h.queue[1:]
		h.qmu.Unlock()

		h.events <- ev
	}
}
