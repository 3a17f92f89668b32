package observability

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds all application metrics implementing the golden 4 signals:
// - Latency: How long requests/jobs take
// - Traffic: Request/job/message throughput
// - Errors: Rate of failures
// - Saturation: Running jobs and attached endpoints
type Metrics struct {
	meter metric.Meter

	// HTTP metrics
	HTTPRequestDuration metric.Float64Histogram
	HTTPRequestsTotal   metric.Int64Counter
	HTTPErrorsTotal     metric.Int64Counter

	// Job metrics
	JobDuration    metric.Float64Histogram
	JobsTotal      metric.Int64Counter
	JobErrorsTotal metric.Int64Counter
	JobsActive     metric.Int64UpDownCounter

	// Fan-out metrics
	EndpointsActive  metric.Int64UpDownCounter
	MessagesFanout   metric.Int64Counter
	MessagesReplayed metric.Int64Counter
	TopicBroadcasts  metric.Int64Counter

	// Dispatcher metrics
	DispatcherDuration  metric.Float64Histogram
	DispatcherDelivered metric.Int64Counter
	DispatcherFailed    metric.Int64Counter
	DispatcherDropped   metric.Int64Counter
	DispatcherQueueSize metric.Int64Gauge
}

// NewMetrics creates and registers all metrics with a Prometheus exporter.
func NewMetrics(ctx context.Context) (*Metrics, http.Handler, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	meter := provider.Meter("juttled")
	m := &Metrics{meter: meter}

	// HTTP metrics
	m.HTTPRequestDuration, err = meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("HTTP request latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, nil, err
	}

	m.HTTPRequestsTotal, err = meter.Int64Counter(
		"http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.HTTPErrorsTotal, err = meter.Int64Counter(
		"http_errors_total",
		metric.WithDescription("Total number of HTTP errors (4xx and 5xx)"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Job metrics
	m.JobDuration, err = meter.Float64Histogram(
		"job_duration_seconds",
		metric.WithDescription("Time from job creation to worker exit in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1, 5, 10, 30, 60, 300, 900, 3600),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobsTotal, err = meter.Int64Counter(
		"jobs_total",
		metric.WithDescription("Total number of jobs created"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobErrorsTotal, err = meter.Int64Counter(
		"job_errors_total",
		metric.WithDescription("Total number of jobs that failed to compile, timed out or crashed"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobsActive, err = meter.Int64UpDownCounter(
		"jobs_active",
		metric.WithDescription("Number of jobs with a live worker (saturation)"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Fan-out metrics
	m.EndpointsActive, err = meter.Int64UpDownCounter(
		"endpoints_active",
		metric.WithDescription("Number of attached websocket endpoints by kind (saturation)"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.MessagesFanout, err = meter.Int64Counter(
		"job_messages_fanout_total",
		metric.WithDescription("Total job output messages delivered to endpoints"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.MessagesReplayed, err = meter.Int64Counter(
		"job_messages_replayed_total",
		metric.WithDescription("Total buffered job messages replayed to late subscribers"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.TopicBroadcasts, err = meter.Int64Counter(
		"topic_broadcasts_total",
		metric.WithDescription("Total rendezvous messages broadcast"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Dispatcher metrics
	m.DispatcherDuration, err = meter.Float64Histogram(
		"dispatcher_duration_seconds",
		metric.WithDescription("Webhook delivery latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, nil, err
	}

	m.DispatcherDelivered, err = meter.Int64Counter(
		"dispatcher_delivered_total",
		metric.WithDescription("Total events successfully delivered"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.DispatcherFailed, err = meter.Int64Counter(
		"dispatcher_failed_total",
		metric.WithDescription("Total events failed after retries"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.DispatcherDropped, err = meter.Int64Counter(
		"dispatcher_dropped_total",
		metric.WithDescription("Total events dropped because the buffer was full"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.DispatcherQueueSize, err = meter.Int64Gauge(
		"dispatcher_queue_size",
		metric.WithDescription("Current number of events in dispatcher queue (saturation)"),
	)
	if err != nil {
		return nil, nil, err
	}

	return m, promhttp.Handler(), nil
}

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, statusCode int, durationSeconds float64) {
	attrs := metric.WithAttributes(
		methodAttr(method),
		pathAttr(path),
		statusAttr(statusCode),
	)

	m.HTTPRequestDuration.Record(ctx, durationSeconds, attrs)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)

	if statusCode >= 400 {
		m.HTTPErrorsTotal.Add(ctx, 1, attrs)
	}
}

// RecordJobCreated records a new job. Mode is "stream" or "wait".
func (m *Metrics) RecordJobCreated(ctx context.Context, mode string) {
	attrs := metric.WithAttributes(modeAttr(mode))
	m.JobsTotal.Add(ctx, 1, attrs)
	m.JobsActive.Add(ctx, 1, attrs)
}

// RecordJobEnded records a job's worker exiting. Outcome is one of
// "completed", "compile_error", "timeout" or "crashed".
func (m *Metrics) RecordJobEnded(ctx context.Context, mode, outcome string, durationSeconds float64) {
	attrs := metric.WithAttributes(modeAttr(mode), outcomeAttr(outcome))
	m.JobDuration.Record(ctx, durationSeconds, attrs)
	m.JobsActive.Add(ctx, -1, metric.WithAttributes(modeAttr(mode)))

	if outcome != "completed" {
		m.JobErrorsTotal.Add(ctx, 1, attrs)
	}
}

// RecordEndpointAttached records an endpoint joining a job, observer or topic.
func (m *Metrics) RecordEndpointAttached(ctx context.Context, kind string) {
	m.EndpointsActive.Add(ctx, 1, metric.WithAttributes(kindAttr(kind)))
}

// RecordEndpointDetached records an endpoint leaving.
func (m *Metrics) RecordEndpointDetached(ctx context.Context, kind string) {
	m.EndpointsActive.Add(ctx, -1, metric.WithAttributes(kindAttr(kind)))
}

// RecordMessagesFanout records messages pushed to live endpoints.
func (m *Metrics) RecordMessagesFanout(ctx context.Context, n int) {
	m.MessagesFanout.Add(ctx, int64(n))
}

// RecordMessagesReplayed records buffered messages sent to a late joiner.
func (m *Metrics) RecordMessagesReplayed(ctx context.Context, n int) {
	m.MessagesReplayed.Add(ctx, int64(n))
}

// RecordTopicBroadcast records one rendezvous message broadcast.
func (m *Metrics) RecordTopicBroadcast(ctx context.Context) {
	m.TopicBroadcasts.Add(ctx, 1)
}

// RecordDispatcherDelivered records a successful event delivery with its duration.
func (m *Metrics) RecordDispatcherDelivered(ctx context.Context, durationSeconds float64) {
	m.DispatcherDelivered.Add(ctx, 1)
	m.DispatcherDuration.Record(ctx, durationSeconds)
}

// RecordDispatcherFailed records a failed event delivery.
func (m *Metrics) RecordDispatcherFailed(ctx context.Context) {
	m.DispatcherFailed.Add(ctx, 1)
}

// RecordDispatcherDropped records a dropped event.
func (m *Metrics) RecordDispatcherDropped(ctx context.Context) {
	m.DispatcherDropped.Add(ctx, 1)
}

// RecordDispatcherQueueSize records the current queue size.
func (m *Metrics) RecordDispatcherQueueSize(ctx context.Context, size int64) {
	m.DispatcherQueueSize.Record(ctx, size)
}
