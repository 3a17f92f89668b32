package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"juttled/internal/apperrors"
	"juttled/internal/config"
	"juttled/internal/worker"
)

// ErrShutdown is returned for submissions after Shutdown.
var ErrShutdown = errors.New("job manager is shutting down")

// Config holds job manager settings.
type Config struct {
	MaxSavedMessages   int           // replay buffer capacity per job (default: 1024)
	DelayedJobCleanup  time.Duration // how long ended jobs stay resolvable; 0 removes at once
	StopGrace          time.Duration // time a stopping worker gets before it is killed (default: 5s)
	DefaultWaitTimeout time.Duration // wait-mode bound when the request sets none (default: 60s)
}

// ConfigFromService derives manager settings from the service configuration.
func ConfigFromService(svc *config.ServiceConfig, stopGrace time.Duration) Config {
	return Config{
		MaxSavedMessages:  svc.MaxSavedMessages,
		DelayedJobCleanup: svc.DelayedJobCleanup,
		StopGrace:         stopGrace,
	}
}

func (c Config) withDefaults() Config {
	if c.MaxSavedMessages <= 0 {
		c.MaxSavedMessages = 1024
	}
	if c.DelayedJobCleanup < 0 {
		c.DelayedJobCleanup = 0
	}
	if c.StopGrace <= 0 {
		c.StopGrace = 5 * time.Second
	}
	if c.DefaultWaitTimeout <= 0 {
		c.DefaultWaitTimeout = 60 * time.Second
	}
	return c
}

// LifecycleListener is told when jobs start and end. Calls are synchronous
// and made in registration order.
type LifecycleListener interface {
	JobStarted(jobID, observerID string)
	JobEnded(jobID, observerID string)
}

// Manager owns the table of jobs.
type Manager struct {
	launcher worker.Launcher
	cfg      Config
	metrics  Metrics
	logger   *slog.Logger

	mu        sync.RWMutex
	jobs      map[string]*Job
	order     []string
	cleanups  map[string]*time.Timer
	listeners []LifecycleListener
	closed    bool

	live sync.WaitGroup
}

// NewManager creates a manager that launches workers with launcher.
// metrics may be nil.
func NewManager(launcher worker.Launcher, cfg Config, metrics Metrics) *Manager {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Manager{
		launcher: launcher,
		cfg:      cfg.withDefaults(),
		metrics:  metrics,
		logger:   slog.With("component", "job-manager"),
		jobs:     make(map[string]*Job),
		cleanups: make(map[string]*time.Timer),
	}
}

// AddListener registers l for job lifecycle notifications.
func (m *Manager) AddListener(l LifecycleListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// RunProgram creates a job and starts its program. Listeners hear about the
// job before the worker confirms it runs. If the program does not start
// within req.Timeout the job is deleted and a timeout error returned.
func (m *Manager) RunProgram(ctx context.Context, req RunRequest) (RunResult, error) {
	j, err := m.create(req, ModeStream)
	if err != nil {
		return RunResult{}, err
	}

	startCtx := ctx
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		startCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	res, err := j.Start(startCtx)
	if err != nil {
		return RunResult{}, m.startFailed(j, req.Timeout, err)
	}
	return RunResult{JobID: j.id, Pid: res.Pid}, nil
}

// RunProgramWait runs a program to completion and returns everything it
// produced. The whole run is bounded by req.Timeout, or the configured
// default when unset; on expiry the job is deleted.
func (m *Manager) RunProgramWait(ctx context.Context, req RunRequest) (*WaitResult, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = m.cfg.DefaultWaitTimeout
	}

	j, err := m.create(req, ModeWait)
	if err != nil {
		return nil, err
	}

	c := newCollector()
	j.AddEndpoint(c)

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if _, err := j.Start(waitCtx); err != nil {
		return nil, m.startFailed(j, timeout, err)
	}

	select {
	case <-c.Done():
		return c.Result(), nil
	case <-waitCtx.Done():
		return nil, m.startFailed(j, timeout, waitCtx.Err())
	}
}

func (m *Manager) startFailed(j *Job, timeout time.Duration, err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded) && timeout > 0:
		j.markTimedOut()
		m.DeleteJob(j.id)
		j.logger.Warn("Job timed out", "timeout", timeout)
		return apperrors.Timeout(timeout.Milliseconds())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		m.DeleteJob(j.id)
		return fmt.Errorf("start job %s: %w", j.id, err)
	default:
		return err
	}
}

func (m *Manager) create(req RunRequest, mode string) (*Job, error) {
	id := uuid.NewString()
	j := newJob(jobOptions{
		id:                  id,
		bundle:              req.Bundle,
		inputs:              req.Inputs,
		observerID:          req.ObserverID,
		mode:                mode,
		runWithoutEndpoints: req.RunWithoutEndpoints,
		maxSavedMessages:    m.cfg.MaxSavedMessages,
		handle:              worker.NewHandle(m.launcher, worker.Spec{JobID: id}, m.cfg.StopGrace),
		metrics:             m.metrics,
		onEnd:               m.jobEnded,
	})

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrShutdown
	}
	m.jobs[id] = j
	m.order = append(m.order, id)
	m.live.Add(1)
	listeners := slices.Clone(m.listeners)
	m.mu.Unlock()

	m.metrics.RecordJobCreated(context.Background(), mode)
	m.logger.Info("Job created", "jobId", id, "observer", req.ObserverID, "mode", mode)

	for _, l := range listeners {
		l.JobStarted(id, req.ObserverID)
	}
	return j, nil
}

func (m *Manager) jobEnded(j *Job, outcome string) {
	m.mu.RLock()
	listeners := slices.Clone(m.listeners)
	m.mu.RUnlock()

	for _, l := range listeners {
		l.JobEnded(j.id, j.observerID)
	}

	if m.cfg.DelayedJobCleanup == 0 {
		m.remove(j)
	} else {
		m.mu.Lock()
		if _, ok := m.jobs[j.id]; ok {
			m.cleanups[j.id] = time.AfterFunc(m.cfg.DelayedJobCleanup, func() {
				m.remove(j)
			})
		}
		m.mu.Unlock()
	}
	m.live.Done()
}

// remove drops j from the table if it is still there.
func (m *Manager) remove(j *Job) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.jobs[j.id] != j {
		return
	}
	m.deleteLocked(j.id)
	m.logger.Debug("Job removed", "jobId", j.id)
}

func (m *Manager) deleteLocked(id string) {
	delete(m.jobs, id)
	if i := slices.Index(m.order, id); i >= 0 {
		m.order = slices.Delete(m.order, i, i+1)
	}
	if t, ok := m.cleanups[id]; ok {
		t.Stop()
		delete(m.cleanups, id)
	}
}

// GetJob looks up a job by id.
func (m *Manager) GetJob(id string) (*Job, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[id]
	return j, ok
}

// GetAllJobs returns every job in the table, oldest first.
func (m *Manager) GetAllJobs() []*Job {
	m.mu.RLock()
	defer m.mu.RUnlock()
	jobs := make([]*Job, 0, len(m.order))
	for _, id := range m.order {
		jobs = append(jobs, m.jobs[id])
	}
	return jobs
}

// DeleteJob stops a job and removes it from the table at once. Its id never
// resolves again.
func (m *Manager) DeleteJob(id string) error {
	m.mu.Lock()
	j, ok := m.jobs[id]
	if ok {
		m.deleteLocked(id)
	}
	m.mu.Unlock()

	if !ok {
		return apperrors.JobNotFound(id)
	}
	m.logger.Info("Job deleted", "jobId", id)
	j.Stop()
	return nil
}

// AddEndpointToJob attaches ep to the job. It reports false if no such job
// exists; the caller then tells the client and closes ep.
func (m *Manager) AddEndpointToJob(ep Subscriber, id string) bool {
	j, ok := m.GetJob(id)
	if !ok {
		return false
	}
	j.AddEndpoint(ep)
	return true
}

// Shutdown refuses new jobs, stops every running job and waits for their
// workers to exit or ctx to end.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	jobs := make([]*Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		jobs = append(jobs, j)
	}
	m.mu.Unlock()

	m.logger.Info("Stopping jobs", "count", len(jobs))
	for _, j := range jobs {
		j.Stop()
	}

	done := make(chan struct{})
	go func() {
		m.live.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	m.mu.Lock()
	for id, t := range m.cleanups {
		t.Stop()
		delete(m.cleanups, id)
	}
	m.mu.Unlock()
	return nil
}
