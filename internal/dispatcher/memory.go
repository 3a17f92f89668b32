package dispatcher

import (
	"context"
	"hash/fnv"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"juttled/pkg/backoff"
	"juttled/pkg/cloudevent"
)

// MemoryDispatcher is an in-memory async event dispatcher.
// Events are sharded by subject across a fixed set of workers, each with its
// own bounded queue, so the events of one job are delivered in the order
// they were dispatched. A full shard drops the event.
type MemoryDispatcher struct {
	shards  []chan *Event
	sender  *cloudevent.Sender
	config  MemoryConfig
	backoff backoff.Config
	logger  *slog.Logger
	metrics MetricsRecorder

	queued       atomic.Int64
	delivered    atomic.Int64
	failed       atomic.Int64
	dropped      atomic.Int64
	retriesTotal atomic.Int64

	// mu orders Dispatch against Close so nothing is sent on a closed shard.
	mu       sync.RWMutex
	closed   bool
	wg       sync.WaitGroup
	shutdown chan struct{}
}

// MetricsRecorder is an optional interface for recording dispatcher metrics.
type MetricsRecorder interface {
	RecordDispatcherDelivered(ctx context.Context, durationSeconds float64)
	RecordDispatcherFailed(ctx context.Context)
	RecordDispatcherDropped(ctx context.Context)
	RecordDispatcherQueueSize(ctx context.Context, size int64)
}

// NewMemory creates a new in-memory dispatcher. BufferSize is split evenly
// between the workers.
func NewMemory(cfg MemoryConfig, metrics MetricsRecorder) *MemoryDispatcher {
	cfg = cfg.withDefaults()

	d := &MemoryDispatcher{
		shards:   make([]chan *Event, cfg.Workers),
		sender:   cloudevent.NewSender(cfg.HTTPTimeout),
		config:   cfg,
		backoff:  backoff.Config{Initial: cfg.InitialBackoff, Max: cfg.MaxBackoff},
		logger:   slog.With("component", "dispatcher"),
		metrics:  metrics,
		shutdown: make(chan struct{}),
	}

	perShard := max(cfg.BufferSize/cfg.Workers, 1)
	d.wg.Add(cfg.Workers)
	for i := range d.shards {
		d.shards[i] = make(chan *Event, perShard)
		go d.worker(d.shards[i])
	}

	if metrics != nil {
		go d.reportQueueSize()
	}

	d.logger.Info("Dispatcher started", "workers", cfg.Workers, "buffer", cfg.BufferSize)
	return d
}

func (d *MemoryDispatcher) reportQueueSize() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-d.shutdown:
			return
		case <-ticker.C:
			d.metrics.RecordDispatcherQueueSize(context.Background(), int64(d.depth()))
		}
	}
}

// shardFor keeps every event about one subject on one worker.
func (d *MemoryDispatcher) shardFor(event *Event) chan *Event {
	if len(d.shards) == 1 {
		return d.shards[0]
	}
	h := fnv.New32a()
	h.Write([]byte(event.Payload.Subject))
	return d.shards[h.Sum32()%uint32(len(d.shards))]
}

func (d *MemoryDispatcher) depth() int {
	n := 0
	for _, s := range d.shards {
		n += len(s)
	}
	return n
}

// Dispatch queues an event for async delivery.
func (d *MemoryDispatcher) Dispatch(event *Event) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrClosed
	}

	select {
	case d.shardFor(event) <- event:
		d.queued.Add(1)
		return nil
	default:
		d.dropped.Add(1)
		if d.metrics != nil {
			d.metrics.RecordDispatcherDropped(context.Background())
		}
		d.logger.Warn("Event dropped, buffer full",
			"destination", extractHost(event.Destination),
			"type", event.Payload.Type,
			"subject", event.Payload.Subject,
		)
		return ErrBufferFull
	}
}

// Stats returns current dispatcher statistics.
func (d *MemoryDispatcher) Stats() Stats {
	return Stats{
		QueueDepth:   d.depth(),
		Queued:       d.queued.Load(),
		Delivered:    d.delivered.Load(),
		Failed:       d.failed.Load(),
		Dropped:      d.dropped.Load(),
		RetriesTotal: d.retriesTotal.Load(),
	}
}

// Close stops accepting events and waits for the queued ones to be
// delivered or for ctx to end.
func (d *MemoryDispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.shutdown)
	d.mu.Unlock()

	d.logger.Info("Dispatcher shutting down", "queued", d.depth())

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.logger.Info("Dispatcher shutdown complete",
			"delivered", d.delivered.Load(),
			"failed", d.failed.Load(),
			"dropped", d.dropped.Load(),
		)
		return nil
	case <-ctx.Done():
		d.logger.Warn("Dispatcher shutdown timed out", "remaining", d.depth())
		return ctx.Err()
	}
}

func (d *MemoryDispatcher) worker(shard chan *Event) {
	defer d.wg.Done()

	for {
		select {
		case <-d.shutdown:
			// Dispatch can no longer send, so whatever is buffered is all there is.
			for {
				select {
				case event := <-shard:
					d.deliver(event)
				default:
					return
				}
			}
		case event := <-shard:
			d.deliver(event)
		}
	}
}

func (d *MemoryDispatcher) deliver(event *Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	start := time.Now()
	attempts, err := d.sendWithRetry(ctx, event)
	if err != nil {
		d.failed.Add(1)
		if d.metrics != nil {
			d.metrics.RecordDispatcherFailed(ctx)
		}
		d.logger.Warn("Delivery failed",
			"destination", extractHost(event.Destination),
			"type", event.Payload.Type,
			"subject", event.Payload.Subject,
			"attempts", attempts,
			"error", err,
		)
		return
	}

	d.delivered.Add(1)
	if d.metrics != nil {
		d.metrics.RecordDispatcherDelivered(ctx, time.Since(start).Seconds())
	}
	d.logger.Debug("Event delivered",
		"type", event.Payload.Type,
		"subject", event.Payload.Subject,
		"attempts", attempts,
	)
}

// sendWithRetry returns the number of attempts made. Client errors are not
// retried.
func (d *MemoryDispatcher) sendWithRetry(ctx context.Context, event *Event) (int, error) {
	opts := cloudevent.SendOptions{SigningKey: event.SigningKey}

	var err error
	for attempt := range d.config.MaxRetries + 1 {
		if attempt > 0 {
			d.retriesTotal.Add(1)
			if werr := backoff.Wait(ctx, attempt, &d.backoff); werr != nil {
				return attempt, werr
			}
		}

		if err = d.sender.Send(ctx, event.Destination, event.Payload, opts); err == nil || cloudevent.IsClientError(err) {
			return attempt + 1, err
		}
	}
	return d.config.MaxRetries + 1, err
}

// extractHost reduces a webhook URL to its host for logging.
func extractHost(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return rawURL
	}
	return parsed.Host
}

var _ Dispatcher = (*MemoryDispatcher)(nil)
