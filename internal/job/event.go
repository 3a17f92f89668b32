package job

import (
	"log/slog"

	"juttled/internal/dispatcher"
	"juttled/pkg/cloudevent"
)

// Event types for job lifecycle webhooks
const (
	EventTypeStart = "juttled.job.start"
	EventTypeEnd   = "juttled.job.end"
)

// EventBuilder builds CloudEvents for job lifecycle events.
type EventBuilder struct {
	source string
}

// NewEventBuilder creates a new EventBuilder.
func NewEventBuilder(source string) *EventBuilder {
	return &EventBuilder{source: source}
}

// Build creates a CloudEvent about one job.
func (b *EventBuilder) Build(eventType, jobID, observerID string) *cloudevent.CloudEvent {
	data := map[string]any{"job_id": jobID}
	if observerID != "" {
		data["observer_id"] = observerID
	}
	return cloudevent.New(eventType, b.source, jobID, data)
}

// BuildStartEvent creates a job start event.
func (b *EventBuilder) BuildStartEvent(jobID, observerID string) *cloudevent.CloudEvent {
	return b.Build(EventTypeStart, jobID, observerID)
}

// BuildEndEvent creates a job end event.
func (b *EventBuilder) BuildEndEvent(jobID, observerID string) *cloudevent.CloudEvent {
	return b.Build(EventTypeEnd, jobID, observerID)
}

// WebhookNotifier is a LifecycleListener that posts lifecycle CloudEvents
// to a webhook through a dispatcher.
type WebhookNotifier struct {
	dispatcher dispatcher.Dispatcher
	url        string
	key        string
	builder    *EventBuilder
	logger     *slog.Logger
}

// NewWebhookNotifier creates a notifier delivering to url, signing with key
// when it is not empty.
func NewWebhookNotifier(d dispatcher.Dispatcher, url, key string) *WebhookNotifier {
	return &WebhookNotifier{
		dispatcher: d,
		url:        url,
		key:        key,
		builder:    NewEventBuilder("juttled"),
		logger:     slog.With("component", "webhook"),
	}
}

func (w *WebhookNotifier) JobStarted(jobID, observerID string) {
	w.dispatch(w.builder.BuildStartEvent(jobID, observerID))
}

func (w *WebhookNotifier) JobEnded(jobID, observerID string) {
	w.dispatch(w.builder.BuildEndEvent(jobID, observerID))
}

func (w *WebhookNotifier) dispatch(ev *cloudevent.CloudEvent) {
	err := w.dispatcher.Dispatch(&dispatcher.Event{
		Payload:     ev,
		Destination: w.url,
		SigningKey:  w.key,
	})
	if err != nil {
		w.logger.Warn("Lifecycle event not queued", "type", ev.Type, "jobId", ev.Subject, "error", err)
	}
}

var _ LifecycleListener = (*WebhookNotifier)(nil)
