package job

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"juttled/internal/protocol"
	"juttled/internal/testutil"
	"juttled/internal/worker"
)

const recvTimeout = 5 * time.Second

// fakeLauncher hands every launched worker to the test, which then plays the
// worker's side of the protocol by hand.
type fakeLauncher struct {
	workers chan *fakeWorker
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{workers: make(chan *fakeWorker, 16)}
}

func (l *fakeLauncher) Ready(context.Context) error { return nil }

func (l *fakeLauncher) Launch(context.Context, worker.Spec) (worker.Process, error) {
	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	w := &fakeWorker{
		stdinR: stdinR, stdinW: stdinW,
		stdoutR: stdoutR, stdoutW: stdoutW,
		stderrR: stderrR, stderrW: stderrW,
		cmds:   make(chan protocol.Command, 16),
		status: make(chan worker.ExitStatus, 1),
	}
	go w.readCommands()
	l.workers <- w
	return w, nil
}

func (l *fakeLauncher) next(t *testing.T) *fakeWorker {
	t.Helper()
	return testutil.Recv(t, l.workers, recvTimeout)
}

// fakeWorker exits as soon as it is told to stop, like a real worker.
type fakeWorker struct {
	stdinR  *io.PipeReader
	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
	stderrR *io.PipeReader
	stderrW *io.PipeWriter

	cmds     chan protocol.Command
	exitOnce sync.Once
	status   chan worker.ExitStatus
}

func (w *fakeWorker) readCommands() {
	dec := protocol.NewDecoder(w.stdinR)
	for {
		line, err := dec.Next()
		if err != nil {
			return
		}
		cmd, err := protocol.DecodeCommand(line)
		if err != nil {
			continue
		}
		w.cmds <- cmd
		if _, ok := cmd.(protocol.Stop); ok {
			w.exit(0)
		}
	}
}

func (w *fakeWorker) emit(line string) {
	_, _ = w.stdoutW.Write([]byte(line + "\n"))
}

func (w *fakeWorker) started() {
	w.emit(`{"type":"program_started","sinks":[{"type":"table","sink_id":"sink0","options":{}}]}`)
}

func (w *fakeWorker) points(n int) {
	w.emit(`{"type":"data","data":{"type":"points","sink_id":"sink0","points":[{"n":` + itoa(n) + `}]}}`)
}

func (w *fakeWorker) exit(code int) {
	w.exitOnce.Do(func() {
		_ = w.stdoutW.Close()
		_ = w.stderrW.Close()
		w.status <- worker.ExitStatus{Code: code}
	})
}

func (w *fakeWorker) command(t *testing.T) protocol.Command {
	t.Helper()
	return testutil.Recv(t, w.cmds, recvTimeout)
}

func (w *fakeWorker) Stdin() io.WriteCloser { return w.stdinW }
func (w *fakeWorker) Stdout() io.Reader     { return w.stdoutR }
func (w *fakeWorker) Stderr() io.Reader     { return w.stderrR }
func (w *fakeWorker) Pid() int              { return 31337 }
func (w *fakeWorker) Wait() worker.ExitStatus {
	status := <-w.status
	_ = w.stdinR.Close()
	return status
}

func (w *fakeWorker) Kill() error {
	w.exit(-1)
	return nil
}

func itoa(n int) string {
	b, _ := json.Marshal(n)
	return string(b)
}

// recorder is a Subscriber that keeps everything it is sent.
type recorder struct {
	name string

	mu       sync.Mutex
	msgs     []any
	closed   bool
	closeFns []func()
}

func newRecorder(name string) *recorder {
	return &recorder{name: name}
}

func (r *recorder) Describe() string { return r.name }

func (r *recorder) Send(msg any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.closed {
		r.msgs = append(r.msgs, msg)
	}
}

func (r *recorder) SendMany(msgs []any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.closed {
		r.msgs = append(r.msgs, msgs...)
	}
}

func (r *recorder) Close(bool) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	fns := r.closeFns
	r.mu.Unlock()
	go func() {
		for _, fn := range fns {
			fn()
		}
	}()
}

func (r *recorder) OnClose(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		go fn()
		return
	}
	r.closeFns = append(r.closeFns, fn)
}

func (r *recorder) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// types renders each message as its type, with data messages as
// "data:<subtype>" and points messages as "n=<value>" for the fake worker's
// single-point batches.
func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.msgs))
	for _, msg := range r.msgs {
		out = append(out, describeMessage(msg))
	}
	return out
}

func (r *recorder) count(typ string) int {
	n := 0
	for _, s := range r.types() {
		if s == typ {
			n++
		}
	}
	return n
}

func (r *recorder) waitLen(t *testing.T, n int) {
	t.Helper()
	testutil.MustWaitFor(t, func() bool {
		return len(r.types()) >= n
	}, testutil.WithTimeout(recvTimeout))
}

func describeMessage(msg any) string {
	switch m := msg.(type) {
	case protocol.JobStart:
		return m.Type
	case protocol.Lifecycle:
		return m.Type
	case protocol.Notice:
		return m.Type
	case protocol.SinkData:
		if m.Type == protocol.DataPoints && len(m.Points) == 1 {
			var p struct {
				N *int `json:"n"`
			}
			if json.Unmarshal(m.Points[0], &p) == nil && p.N != nil {
				return "n=" + itoa(*p.N)
			}
		}
		return "data:" + m.Type
	default:
		return "?"
	}
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// newTestJob builds a job directly on top of a fake launcher.
func newTestJob(l worker.Launcher, maxSaved int, runWithoutEndpoints bool) *Job {
	return newJob(jobOptions{
		id:                  "job-1",
		bundle:              protocol.Bundle{Program: "emit | view table"},
		mode:                ModeStream,
		runWithoutEndpoints: runWithoutEndpoints,
		maxSavedMessages:    maxSaved,
		handle:              worker.NewHandle(l, worker.Spec{JobID: "job-1"}, time.Second),
		metrics:             noopMetrics{},
	})
}

// startJob starts j against the next fake worker and returns that worker
// once the program runs.
func startJob(t *testing.T, l *fakeLauncher, j *Job) *fakeWorker {
	t.Helper()
	errc := make(chan error, 1)
	go func() {
		_, err := j.Start(context.Background())
		errc <- err
	}()
	w := l.next(t)
	if _, ok := w.command(t).(protocol.Run); !ok {
		t.Fatal("expected run command first")
	}
	w.started()
	if err := testutil.Recv(t, errc, recvTimeout); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	return w
}
