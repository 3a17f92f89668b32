// Package job runs programs in worker processes and fans their output out to
// subscribers, replaying recent output to late joiners.
package job

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"juttled/internal/apperrors"
	"juttled/internal/protocol"
	"juttled/internal/worker"
	"juttled/pkg/ringbuf"
)

type state int

const (
	statePending state = iota
	stateRunning
	stateStopped
)

type jobOptions struct {
	id                  string
	bundle              protocol.Bundle
	inputs              protocol.Inputs
	observerID          string
	mode                string
	runWithoutEndpoints bool
	maxSavedMessages    int
	handle              *worker.Handle
	metrics             Metrics
	onEnd               func(*Job, string)
}

// Job binds one worker to a changing set of subscribers.
//
// All state transitions and every delivery to subscribers happen under mu, so
// a subscriber attaching to a running job receives job_start and the replay
// buffer before any message published after it attached, and nothing twice.
type Job struct {
	id                  string
	bundle              protocol.Bundle
	inputs              protocol.Inputs
	observerID          string
	mode                string
	runWithoutEndpoints bool
	handle              *worker.Handle
	metrics             Metrics
	onEnd               func(*Job, string)
	logger              *slog.Logger
	created             time.Time

	mu           sync.Mutex
	state        state
	endpoints    []Subscriber
	saved        *ringbuf.Buffer[any]
	jobStart     protocol.JobStart
	jobEnd       protocol.Lifecycle
	compileError bool
	timedOut     bool

	ended chan struct{}
}

func newJob(opts jobOptions) *Job {
	return &Job{
		id:                  opts.id,
		bundle:              opts.bundle,
		inputs:              opts.inputs,
		observerID:          opts.observerID,
		mode:                opts.mode,
		runWithoutEndpoints: opts.runWithoutEndpoints,
		handle:              opts.handle,
		metrics:             opts.metrics,
		onEnd:               opts.onEnd,
		logger:              slog.With("component", "job", "jobId", opts.id),
		created:             time.Now(),
		saved:               ringbuf.New[any](opts.maxSavedMessages),
		jobEnd:              protocol.NewJobEnd(opts.id),
		ended:               make(chan struct{}),
	}
}

// ID returns the job's id.
func (j *Job) ID() string { return j.id }

// ObserverID returns the observer tag the job was submitted under, if any.
func (j *Job) ObserverID() string { return j.observerID }

// Ended is closed once the worker has exited and subscribers were told.
func (j *Job) Ended() <-chan struct{} { return j.ended }

// Start launches the worker and waits until the program runs. A program that
// fails to compile yields a JuttleError carrying the bundle and the job never
// runs. The worker's events are consumed until it exits whatever the outcome.
func (j *Job) Start(ctx context.Context) (worker.StartResult, error) {
	j.logger.Debug("Starting job")
	res, err := j.handle.Start(ctx, j.bundle, j.inputs)
	defer func() { go j.consume() }()

	if err != nil {
		var ce *worker.CompileError
		switch {
		case errors.As(err, &ce):
			j.mu.Lock()
			j.compileError = true
			j.mu.Unlock()
			j.logger.Debug("Program failed to compile", "error", ce)
			return worker.StartResult{}, apperrors.Juttle(ce.Err, j.bundle)
		case ctx.Err() != nil:
			return worker.StartResult{}, err
		default:
			return worker.StartResult{}, apperrors.Internal("job.start", err)
		}
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	j.state = stateRunning
	j.jobStart = protocol.NewJobStart(j.id, res.Sinks)
	for _, ep := range j.endpoints {
		ep.Send(j.jobStart)
	}
	j.logger.Info("Job started", "pid", res.Pid, "sinks", len(res.Sinks), "endpoints", len(j.endpoints))
	return res, nil
}

// Stop asks the worker to stop. It is idempotent; the job ends once the
// worker exits.
func (j *Job) Stop() {
	j.logger.Debug("Stopping job")
	j.handle.Stop()
}

// AddEndpoint attaches a subscriber. On a running job the subscriber first
// receives job_start and the replay buffer; on a stopped job it receives
// job_end and is closed.
func (j *Job) AddEndpoint(ep Subscriber) {
	j.mu.Lock()
	defer j.mu.Unlock()

	switch j.state {
	case stateStopped:
		j.logger.Debug("Endpoint joined stopped job", "endpoint", ep.Describe())
		ep.Send(j.jobEnd)
		ep.Close(false)
		return
	case stateRunning:
		replay := j.saved.Slice()
		ep.Send(j.jobStart)
		ep.SendMany(replay)
		j.metrics.RecordMessagesReplayed(context.Background(), len(replay))
		j.logger.Debug("Replayed saved messages", "endpoint", ep.Describe(), "count", len(replay))
	}

	j.endpoints = append(j.endpoints, ep)
	j.metrics.RecordEndpointAttached(context.Background(), "job")
	j.logger.Debug("Endpoint added", "endpoint", ep.Describe(), "endpoints", len(j.endpoints))
	ep.OnClose(func() {
		j.RemoveEndpoint(ep)
	})
}

// RemoveEndpoint detaches a subscriber. Removing the last one stops the job
// unless it runs without endpoints.
func (j *Job) RemoveEndpoint(ep Subscriber) {
	j.mu.Lock()
	idx := slices.Index(j.endpoints, ep)
	if idx < 0 {
		j.mu.Unlock()
		return
	}
	j.endpoints = slices.Delete(j.endpoints, idx, idx+1)
	remaining := len(j.endpoints)
	stop := remaining == 0 && !j.runWithoutEndpoints && j.state != stateStopped
	j.mu.Unlock()

	j.metrics.RecordEndpointDetached(context.Background(), "job")
	j.logger.Debug("Endpoint removed", "endpoint", ep.Describe(), "endpoints", remaining)
	if stop {
		j.Stop()
	}
}

// Describe summarises the job and its live subscribers.
func (j *Job) Describe() Description {
	j.mu.Lock()
	defer j.mu.Unlock()
	eps := make([]string, 0, len(j.endpoints))
	for _, ep := range j.endpoints {
		eps = append(eps, ep.Describe())
	}
	return Description{JobID: j.id, Bundle: j.bundle, Endpoints: eps}
}

func (j *Job) markTimedOut() {
	j.mu.Lock()
	j.timedOut = true
	j.mu.Unlock()
}

func (j *Job) consume() {
	for ev := range j.handle.Events() {
		switch e := ev.(type) {
		case protocol.Data:
			msg := e.Data
			msg.JobID = j.id
			j.publish(msg)
		case protocol.Warning:
			j.publish(protocol.Notice{Type: protocol.TypeWarning, JobID: j.id, Warning: e.Warning})
		case protocol.RuntimeError:
			j.publish(protocol.Notice{Type: protocol.TypeError, JobID: j.id, Error: e.Error})
		case protocol.Done:
			j.logger.Debug("Program done")
		case worker.Exit:
			j.finish(e.Status)
		}
	}
}

func (j *Job) publish(msg any) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state == stateStopped {
		return
	}
	j.saved.Push(msg)
	for _, ep := range j.endpoints {
		ep.Send(msg)
	}
	if n := len(j.endpoints); n > 0 {
		j.metrics.RecordMessagesFanout(context.Background(), n)
	}
}

func (j *Job) finish(status worker.ExitStatus) {
	j.mu.Lock()
	if j.state == stateStopped {
		j.mu.Unlock()
		return
	}
	j.state = stateStopped
	eps := j.endpoints
	j.endpoints = nil

	outcome := OutcomeCompleted
	switch {
	case j.compileError:
		outcome = OutcomeCompileError
	case j.timedOut:
		outcome = OutcomeTimeout
	case status.Code != 0:
		outcome = OutcomeCrashed
	}
	j.mu.Unlock()

	j.logger.Info("Job ended", "outcome", outcome, "code", status.Code, "endpoints", len(eps))
	j.metrics.RecordJobEnded(context.Background(), j.mode, outcome, time.Since(j.created).Seconds())

	if j.onEnd != nil {
		j.onEnd(j, outcome)
	}

	for _, ep := range eps {
		j.metrics.RecordEndpointDetached(context.Background(), "job")
		ep.Send(j.jobEnd)
		ep.Close(false)
	}
	close(j.ended)
}
