// Package observer tracks clients that watch for jobs started under an
// observer id. Each watcher is told when such a job starts and when it ends.
package observer

import (
	"context"
	"log/slog"
	"slices"
	"sort"
	"sync"

	"juttled/internal/protocol"
)

// Endpoint is the subset of a client connection the manager needs.
type Endpoint interface {
	Send(msg any)
	OnClose(fn func())
	Close(force bool)
	Describe() string
}

// Metrics records observer attach and detach events.
type Metrics interface {
	RecordEndpointAttached(ctx context.Context, kind string)
	RecordEndpointDetached(ctx context.Context, kind string)
}

type noopMetrics struct{}

func (noopMetrics) RecordEndpointAttached(context.Context, string) {}
func (noopMetrics) RecordEndpointDetached(context.Context, string) {}

const metricsKind = "observer"

// Info describes one registered observer id.
type Info struct {
	ObserverID string `json:"observer_id"`
}

// Manager maps observer ids to the endpoints watching them. It is a
// job.LifecycleListener.
type Manager struct {
	mu        sync.Mutex
	observers map[string][]Endpoint
	metrics   Metrics
	logger    *slog.Logger
}

func NewManager(metrics Metrics) *Manager {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Manager{
		observers: make(map[string][]Endpoint),
		metrics:   metrics,
		logger:    slog.With("component", "observer-manager"),
	}
}

// AddEndpointToObserver registers ep under id until ep closes.
func (m *Manager) AddEndpointToObserver(ep Endpoint, id string) {
	m.mu.Lock()
	m.observers[id] = append(m.observers[id], ep)
	count := len(m.observers[id])
	m.mu.Unlock()

	m.metrics.RecordEndpointAttached(context.Background(), metricsKind)
	m.logger.Debug("Endpoint added", "endpoint", ep.Describe(), "observer", id, "count", count)

	ep.OnClose(func() { m.removeEndpoint(ep, id) })
}

func (m *Manager) removeEndpoint(ep Endpoint, id string) {
	m.mu.Lock()
	eps := m.observers[id]
	i := slices.Index(eps, ep)
	if i < 0 {
		m.mu.Unlock()
		return
	}
	eps = slices.Delete(eps, i, i+1)
	if len(eps) == 0 {
		delete(m.observers, id)
	} else {
		m.observers[id] = eps
	}
	m.mu.Unlock()

	m.metrics.RecordEndpointDetached(context.Background(), metricsKind)
	m.logger.Debug("Endpoint removed", "endpoint", ep.Describe(), "observer", id, "count", len(eps))
}

// CloseAll closes every registered endpoint after its queued messages are
// written. Each close deregisters the endpoint.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	var eps []Endpoint
	for _, list := range m.observers {
		eps = append(eps, list...)
	}
	m.mu.Unlock()

	if len(eps) > 0 {
		m.logger.Info("Closing observer endpoints", "count", len(eps))
	}
	for _, ep := range eps {
		ep.Close(false)
	}
}

// ListObservers returns every observer id with at least one endpoint, sorted.
func (m *Manager) ListObservers() []Info {
	m.mu.Lock()
	ids := make([]string, 0, len(m.observers))
	for id := range m.observers {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	sort.Strings(ids)
	out := make([]Info, len(ids))
	for i, id := range ids {
		out[i] = Info{ObserverID: id}
	}
	return out
}

func (m *Manager) JobStarted(jobID, observerID string) {
	m.notify(protocol.TypeJobStart, jobID, observerID)
}

func (m *Manager) JobEnded(jobID, observerID string) {
	m.notify(protocol.TypeJobEnd, jobID, observerID)
}

func (m *Manager) notify(eventType, jobID, observerID string) {
	if observerID == "" {
		return
	}
	m.mu.Lock()
	eps := slices.Clone(m.observers[observerID])
	m.mu.Unlock()

	if len(eps) == 0 {
		return
	}
	m.logger.Debug("Notifying observer", "event", eventType, "observer", observerID, "jobId", jobID)
	msg := protocol.Lifecycle{Type: eventType, JobID: jobID}
	for _, ep := range eps {
		ep.Send(msg)
	}
}
