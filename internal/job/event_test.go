package job

import (
	"context"
	"sync"
	"testing"

	"juttled/internal/dispatcher"
	"juttled/pkg/cloudevent"
)

type fakeDispatcher struct {
	mu     sync.Mutex
	events []*dispatcher.Event
	err    error
}

func (d *fakeDispatcher) Dispatch(ev *dispatcher.Event) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.events = append(d.events, ev)
	return nil
}

func (d *fakeDispatcher) Stats() dispatcher.Stats     { return dispatcher.Stats{} }
func (d *fakeDispatcher) Close(context.Context) error { return nil }

func TestEventBuilder_Build(t *testing.T) {
	t.Parallel()
	b := NewEventBuilder("juttled-test")

	tests := []struct {
		name       string
		event      *cloudevent.CloudEvent
		eventType  string
		observerID string
	}{
		{"start with observer", b.BuildStartEvent("job-1", "obs"), EventTypeStart, "obs"},
		{"end without observer", b.BuildEndEvent("job-1", ""), EventTypeEnd, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := tt.event
			if ev.Type != tt.eventType || ev.Source != "juttled-test" || ev.Subject != "job-1" {
				t.Errorf("event = %+v", ev)
			}
			if ev.ID == "" {
				t.Error("event has no id")
			}
			data := ev.Data.(map[string]any)
			if data["job_id"] != "job-1" {
				t.Errorf("data = %v", data)
			}
			if got, _ := data["observer_id"].(string); got != tt.observerID {
				t.Errorf("observer_id = %q, want %q", got, tt.observerID)
			}
		})
	}
}

func TestWebhookNotifier(t *testing.T) {
	t.Parallel()
	d := &fakeDispatcher{}
	n := NewWebhookNotifier(d, "http://hooks.example/juttled", "key")

	n.JobStarted("job-1", "obs")
	n.JobEnded("job-1", "obs")

	if len(d.events) != 2 {
		t.Fatalf("dispatched %d events, want 2", len(d.events))
	}
	for i, want := range []string{EventTypeStart, EventTypeEnd} {
		ev := d.events[i]
		if ev.Payload.Type != want {
			t.Errorf("event %d type = %q, want %q", i, ev.Payload.Type, want)
		}
		if ev.Destination != "http://hooks.example/juttled" || ev.SigningKey != "key" {
			t.Errorf("event %d = %+v", i, ev)
		}
	}

	d.err = dispatcher.ErrBufferFull
	n.JobEnded("job-2", "")
	if len(d.events) != 2 {
		t.Error("failed dispatch was recorded")
	}
}
