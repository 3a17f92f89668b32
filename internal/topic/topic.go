// Package topic implements the rendezvous service: clients join a named
// topic and every valid message one of them sends is broadcast to all of
// them. A newcomer first receives the topic's most recent message.
package topic

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"slices"
	"sync"

	"juttled/internal/apperrors"
	"juttled/internal/protocol"
)

// Endpoint is the subset of a client connection the notifier needs.
type Endpoint interface {
	Send(msg any)
	OnClose(fn func())
	OnMessage(fn func(json.RawMessage))
	Close(force bool)
	Describe() string
}

// Metrics records topic membership and broadcasts.
type Metrics interface {
	RecordEndpointAttached(ctx context.Context, kind string)
	RecordEndpointDetached(ctx context.Context, kind string)
	RecordTopicBroadcast(ctx context.Context)
}

type noopMetrics struct{}

func (noopMetrics) RecordEndpointAttached(context.Context, string) {}
func (noopMetrics) RecordEndpointDetached(context.Context, string) {}
func (noopMetrics) RecordTopicBroadcast(context.Context)           {}

const metricsKind = "topic"

type topicState struct {
	endpoints []Endpoint
	last      json.RawMessage
}

// Notifier holds the endpoints and last message of every topic. A topic's
// last message outlives its endpoints.
type Notifier struct {
	mu      sync.Mutex
	topics  map[string]*topicState
	metrics Metrics
	logger  *slog.Logger
}

func NewNotifier(metrics Metrics) *Notifier {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Notifier{
		topics:  make(map[string]*topicState),
		metrics: metrics,
		logger:  slog.With("component", "rendezvous"),
	}
}

// AddEndpointToTopic joins ep to topic and replays the topic's last message
// to it, if there is one.
func (n *Notifier) AddEndpointToTopic(ep Endpoint, topic string) {
	n.mu.Lock()
	st := n.state(topic)
	st.endpoints = append(st.endpoints, ep)
	count := len(st.endpoints)
	if st.last != nil {
		ep.Send(st.last)
	}
	n.mu.Unlock()

	n.metrics.RecordEndpointAttached(context.Background(), metricsKind)
	n.logger.Debug("Endpoint joined topic", "endpoint", ep.Describe(), "topic", topic, "count", count)

	ep.OnClose(func() { n.removeEndpoint(ep, topic) })
	ep.OnMessage(func(msg json.RawMessage) { n.handle(ep, topic, msg) })
}

// Topics returns how many endpoints are on each topic that has any.
func (n *Notifier) Topics() map[string]int {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make(map[string]int)
	for name, st := range n.topics {
		if len(st.endpoints) > 0 {
			out[name] = len(st.endpoints)
		}
	}
	return out
}

// CloseAll closes the endpoints of every topic. Last messages are kept.
func (n *Notifier) CloseAll() {
	n.mu.Lock()
	var eps []Endpoint
	for _, st := range n.topics {
		eps = append(eps, st.endpoints...)
	}
	n.mu.Unlock()

	if len(eps) > 0 {
		n.logger.Info("Closing topic endpoints", "count", len(eps))
	}
	for _, ep := range eps {
		ep.Close(false)
	}
}

func (n *Notifier) state(topic string) *topicState {
	st, ok := n.topics[topic]
	if !ok {
		st = &topicState{}
		n.topics[topic] = st
	}
	return st
}

func (n *Notifier) removeEndpoint(ep Endpoint, topic string) {
	n.mu.Lock()
	st, ok := n.topics[topic]
	if !ok {
		n.mu.Unlock()
		return
	}
	i := slices.Index(st.endpoints, ep)
	if i < 0 {
		n.mu.Unlock()
		return
	}
	st.endpoints = slices.Delete(st.endpoints, i, i+1)
	count := len(st.endpoints)
	n.mu.Unlock()

	n.metrics.RecordEndpointDetached(context.Background(), metricsKind)
	n.logger.Debug("Endpoint left topic", "endpoint", ep.Describe(), "topic", topic, "count", count)
}

func (n *Notifier) handle(sender Endpoint, topic string, msg json.RawMessage) {
	if err := Validate(msg); err != nil {
		n.logger.Debug("Rejected topic message", "endpoint", sender.Describe(), "topic", topic, "error", err)
		sender.Send(errorMessage(err))
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	st := n.state(topic)
	st.last = msg
	for _, ep := range st.endpoints {
		ep.Send(msg)
	}
	n.metrics.RecordTopicBroadcast(context.Background())
}

// Validate checks that msg is an object carrying every required key.
func Validate(msg json.RawMessage) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(msg, &fields); err != nil {
		fields = nil
	}
	present := make(map[string]bool, len(fields))
	for k := range fields {
		present[k] = true
	}
	if !present["bundle"] || !present["bundle_id"] || !present["type"] {
		return apperrors.TopicMessage(present)
	}
	return nil
}

func errorMessage(err error) protocol.ErrorMessage {
	var appErr *apperrors.Error
	if !errors.As(err, &appErr) {
		return protocol.ErrorMessage{Type: protocol.TypeError, Error: protocol.ErrorBody{Message: err.Error()}}
	}
	return protocol.ErrorMessage{
		Type:  protocol.TypeError,
		Error: protocol.ErrorBody{Code: appErr.Code, Message: appErr.Message, Info: appErr.Info},
	}
}
