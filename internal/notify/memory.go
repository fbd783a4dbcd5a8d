package notify

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hitzu/luca-home-assessment/pkg/backoff"
	"github.com/hitzu/luca-home-assessment/pkg/circuitbreaker"
	"github.com/hitzu/luca-home-assessment/pkg/cloudevent"
)

// MemoryDispatcher queues events in a bounded channel and delivers them
// with a worker pool. When the buffer is full events are dropped.
type MemoryDispatcher struct {
	queue    chan *Event
	sender   *cloudevent.Sender
	breakers *circuitbreaker.Registry
	config   Config
	logger   *slog.Logger
	metrics  MetricsRecorder

	queued       atomic.Int64
	delivered    atomic.Int64
	failed       atomic.Int64
	dropped      atomic.Int64
	requeued     atomic.Int64
	retriesTotal atomic.Int64

	wg       sync.WaitGroup
	pending  sync.WaitGroup // requeue timers
	shutdown chan struct{}
	closed   atomic.Bool
}

// MetricsRecorder is an optional interface for recording dispatcher metrics.
type MetricsRecorder interface {
	RecordNotifyDelivered(ctx context.Context, durationSeconds float64)
	RecordNotifyFailed(ctx context.Context)
	RecordNotifyDropped(ctx context.Context)
	RecordNotifyRequeued(ctx context.Context)
	RecordNotifyQueueSize(ctx context.Context, size int64)
}

// NewMemory creates a dispatcher and starts its workers.
func NewMemory(cfg Config, metrics MetricsRecorder) *MemoryDispatcher {
	cfg = cfg.withDefaults()

	d := &MemoryDispatcher{
		queue:  make(chan *Event, cfg.BufferSize),
		sender: cloudevent.NewSender(cfg.HTTPTimeout),
		breakers: circuitbreaker.NewRegistry(circuitbreaker.Config{
			Threshold:  cfg.BreakerThreshold,
			OpenWindow: cfg.BreakerOpenWindow,
		}),
		config:   cfg,
		logger:   slog.With("component", "notify"),
		metrics:  metrics,
		shutdown: make(chan struct{}),
	}

	d.wg.Add(cfg.Workers)
	for range cfg.Workers {
		go d.worker()
	}
	if metrics != nil {
		go d.reportQueueSize()
	}

	d.logger.Info("Notifier started",
		"workers", cfg.Workers,
		"buffer", cfg.BufferSize,
		"callback", extractHost(cfg.URL),
		"signed", cfg.SigningKey != "",
	)
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
			d.metrics.RecordNotifyQueueSize(context.Background(), int64(len(d.queue)))
		}
	}
}

// Dispatch queues an event for async delivery. It does not block.
func (d *MemoryDispatcher) Dispatch(event *Event) error {
	if d.closed.Load() {
		return ErrClosed
	}

	select {
	case d.queue <- event:
		d.queued.Add(1)
		return nil
	default:
		d.drop(event, "buffer full")
		return ErrBufferFull
	}
}

// Stats returns current dispatcher statistics.
func (d *MemoryDispatcher) Stats() Stats {
	bs := d.breakers.Stats()
	return Stats{
		QueueDepth:    len(d.queue),
		Queued:        d.queued.Load(),
		Delivered:     d.delivered.Load(),
		Failed:        d.failed.Load(),
		Dropped:       d.dropped.Load(),
		Requeued:      d.requeued.Load(),
		RetriesTotal:  d.retriesTotal.Load(),
		BreakersTotal: bs.Total,
		BreakersOpen:  bs.Open,
	}
}

// Close stops accepting events and waits for queued ones to be delivered.
// The context deadline bounds the drain.
func (d *MemoryDispatcher) Close(ctx context.Context) error {
	if d.closed.Swap(true) {
		return nil
	}

	d.logger.Info("Notifier shutting down", "queued", len(d.queue))
	close(d.shutdown)

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		d.pending.Wait()
		d.dropLeftovers()
		close(done)
	}()

	select {
	case <-done:
		d.logger.Info("Notifier shutdown complete",
			"delivered", d.delivered.Load(),
			"failed", d.failed.Load(),
			"dropped", d.dropped.Load(),
		)
		return nil
	case <-ctx.Done():
		d.logger.Warn("Notifier shutdown timed out", "remaining", len(d.queue))
		return ctx.Err()
	}
}

func (d *MemoryDispatcher) worker() {
	defer d.wg.Done()

	for {
		select {
		case <-d.shutdown:
			d.drainQueue()
			return
		case event := <-d.queue:
			d.deliver(event)
		}
	}
}

func (d *MemoryDispatcher) drainQueue() {
	for {
		select {
		case event := <-d.queue:
			d.deliver(event)
		default:
			return
		}
	}
}

// dropLeftovers accounts for events a requeue timer pushed after the
// workers had already drained and exited.
func (d *MemoryDispatcher) dropLeftovers() {
	for {
		select {
		case event := <-d.queue:
			d.drop(event, "shutdown while circuit open")
		default:
			return
		}
	}
}

func (d *MemoryDispatcher) deliver(event *Event) {
	host := extractHost(event.Destination)
	breaker := d.breakers.Get(host)

	permit, err := breaker.Allow()
	if err != nil {
		d.requeue(event, host)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	start := time.Now()
	if err := d.sendWithRetry(ctx, event); err != nil {
		breaker.RecordFailure(permit)
		d.failed.Add(1)
		if d.metrics != nil {
			d.metrics.RecordNotifyFailed(ctx)
		}
		d.logger.Warn("Delivery failed",
			"destination", host,
			"type", event.Payload.Type,
			"subject", event.Payload.Subject,
			"error", err,
		)
		return
	}

	breaker.RecordSuccess(permit)
	d.delivered.Add(1)
	if d.metrics != nil {
		d.metrics.RecordNotifyDelivered(ctx, time.Since(start).Seconds())
	}
}

// requeue puts an event back on the queue once the host's open window
// has passed. Requeues still waiting at shutdown are dropped.
func (d *MemoryDispatcher) requeue(event *Event, host string) {
	if event.requeues >= d.config.MaxRequeues {
		d.drop(event, "max requeues reached")
		return
	}
	if d.closed.Load() {
		d.drop(event, "shutdown while circuit open")
		return
	}

	event.requeues++
	d.requeued.Add(1)
	if d.metrics != nil {
		d.metrics.RecordNotifyRequeued(context.Background())
	}

	wait := d.config.BreakerOpenWindow
	if rem := d.breakers.Snapshot(host).OpenRemaining; rem != nil && *rem > 0 {
		wait = *rem
	}

	d.pending.Add(1)
	go func() {
		defer d.pending.Done()
		select {
		case <-d.shutdown:
			d.drop(event, "shutdown while circuit open")
			return
		case <-time.After(wait):
		}

		if d.closed.Load() {
			d.drop(event, "shutdown while circuit open")
			return
		}
		select {
		case d.queue <- event:
			d.logger.Debug("Event requeued", "destination", host, "type", event.Payload.Type, "requeues", event.requeues)
		default:
			d.drop(event, "buffer full on requeue")
		}
	}()
}

func (d *MemoryDispatcher) drop(event *Event, reason string) {
	d.dropped.Add(1)
	if d.metrics != nil {
		d.metrics.RecordNotifyDropped(context.Background())
	}
	d.logger.Warn("Event dropped",
		"reason", reason,
		"destination", extractHost(event.Destination),
		"type", event.Payload.Type,
	)
}

func (d *MemoryDispatcher) sendWithRetry(ctx context.Context, event *Event) error {
	var lastErr error
	for attempt := range d.config.MaxRetries + 1 {
		if attempt > 0 {
			d.retriesTotal.Add(1)
			select {
			case <-ctx.Done():
				return errors.Join(lastErr, ctx.Err())
			case <-time.After(backoff.Delay(attempt, d.config.Backoff)):
			}
		}

		lastErr = d.sender.Send(ctx, event.Destination, event.Payload, event.SigningKey)
		if lastErr == nil {
			return nil
		}
		if cloudevent.IsPermanent(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

// extractHost returns the host of a URL for circuit breaker keying.
func extractHost(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return rawURL
	}
	return parsed.Host
}
