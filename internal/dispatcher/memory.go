package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kpiteira/ktrdr-sub003/pkg/backoff"
	"github.com/kpiteira/ktrdr-sub003/pkg/circuitbreaker"
	"github.com/kpiteira/ktrdr-sub003/pkg/command"
)

// MemoryDispatcher is an in-memory async command dispatcher. Commands are
// queued in a bounded channel and delivered by a worker pool. If the buffer
// is full, commands are dropped (logged + metric incremented); the orphan
// detector covers any job whose run command never arrived.
type MemoryDispatcher struct {
	queue    chan *Delivery
	sender   *command.Sender
	breakers *circuitbreaker.Registry
	config   MemoryConfig
	logger   *slog.Logger
	metrics  MetricsRecorder

	queued       atomic.Int64
	delivered    atomic.Int64
	failed       atomic.Int64
	dropped      atomic.Int64
	requeued     atomic.Int64
	retriesTotal atomic.Int64

	wg       sync.WaitGroup
	shutdown chan struct{}
	closed   atomic.Bool
}

// MetricsRecorder is an optional interface for recording dispatcher metrics.
type MetricsRecorder interface {
	RecordDispatcherDelivered(ctx context.Context, durationSeconds float64)
	RecordDispatcherFailed(ctx context.Context)
	RecordDispatcherDropped(ctx context.Context)
	RecordDispatcherRequeued(ctx context.Context)
	RecordDispatcherQueueSize(ctx context.Context, size int64)
}

// NewMemory creates a new in-memory dispatcher.
func NewMemory(cfg MemoryConfig, metrics MetricsRecorder) *MemoryDispatcher {
	cfg = cfg.withDefaults()

	d := &MemoryDispatcher{
		queue:  make(chan *Delivery, cfg.BufferSize),
		sender: command.NewSender(cfg.HTTPTimeout),
		breakers: circuitbreaker.NewRegistry(circuitbreaker.Config{
			Threshold: defaultBreakerThreshold,
			Cooldown:  defaultBreakerCooldown,
		}),
		config:   cfg,
		logger:   slog.With("component", "dispatcher"),
		metrics:  metrics,
		shutdown: make(chan struct{}),
	}

	d.wg.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		go d.worker()
	}

	if metrics != nil {
		go d.reportQueueSize()
	}

	d.logger.Info("Dispatcher started", "workers", cfg.Workers, "buffer", cfg.BufferSize)
	return d
}

// reportQueueSize periodically reports the queue size metric.
func (d *MemoryDispatcher) reportQueueSize() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-d.shutdown:
			return
		case <-ticker.C:
			d.metrics.RecordDispatcherQueueSize(context.Background(), int64(len(d.queue)))
		}
	}
}

// Dispatch queues a command for async delivery.
func (d *MemoryDispatcher) Dispatch(delivery *Delivery) error {
	if d.closed.Load() {
		return fmt.Errorf("dispatcher is closed")
	}

	select {
	case d.queue <- delivery:
		d.queued.Add(1)
		return nil
	default:
		d.dropped.Add(1)
		if d.metrics != nil {
			d.metrics.RecordDispatcherDropped(context.Background())
		}
		d.logger.Warn("Command dropped, buffer full",
			"destination", extractHost(delivery.Destination),
			"type", delivery.Payload.Type,
		)
		d.notifyFailure(delivery)
		return ErrBufferFull
	}
}

// Stats returns current dispatcher statistics.
func (d *MemoryDispatcher) Stats() Stats {
	breakerStats := d.breakers.Stats()
	return Stats{
		QueueDepth:    len(d.queue),
		Queued:        d.queued.Load(),
		Delivered:     d.delivered.Load(),
		Failed:        d.failed.Load(),
		Dropped:       d.dropped.Load(),
		Requeued:      d.requeued.Load(),
		RetriesTotal:  d.retriesTotal.Load(),
		BreakersTotal: breakerStats.Total,
		BreakersOpen:  breakerStats.Open,
	}
}

// Close gracefully shuts down the dispatcher.
func (d *MemoryDispatcher) Close(ctx context.Context) error {
	if d.closed.Swap(true) {
		return nil // already closed
	}

	d.logger.Info("Dispatcher shutting down", "queued", len(d.queue))

	close(d.shutdown)

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
		d.logger.Warn("Dispatcher shutdown timed out", "remaining", len(d.queue))
		return ctx.Err()
	}
}

// worker processes deliveries from the queue.
func (d *MemoryDispatcher) worker() {
	defer d.wg.Done()

	for {
		select {
		case <-d.shutdown:
			// Drain remaining deliveries before exiting
			d.drainQueue()
			return
		case delivery := <-d.queue:
			d.deliver(delivery)
		}
	}
}

// drainQueue delivers remaining commands after shutdown signal.
func (d *MemoryDispatcher) drainQueue() {
	for {
		select {
		case delivery := <-d.queue:
			d.deliver(delivery)
		default:
			return // queue empty
		}
	}
}

// deliver attempts to deliver a command with retry and circuit breaker.
func (d *MemoryDispatcher) deliver(delivery *Delivery) {
	host := extractHost(delivery.Destination)
	breaker := d.breakers.Get(host)

	if !breaker.Allow() {
		d.requeue(delivery, host)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	start := time.Now()
	if err := d.sendWithRetry(ctx, delivery); err != nil {
		breaker.RecordFailure()
		d.failed.Add(1)
		if d.metrics != nil {
			d.metrics.RecordDispatcherFailed(ctx)
		}
		d.logger.Warn("Delivery failed",
			"destination", host, "type", delivery.Payload.Type,
			"jobId", delivery.Payload.JobID, "error", err)
		d.notifyFailure(delivery)
		return
	}

	breaker.RecordSuccess()
	d.delivered.Add(1)
	if d.metrics != nil {
		d.metrics.RecordDispatcherDelivered(ctx, time.Since(start).Seconds())
	}
}

// requeue puts a delivery back in the queue after a delay when circuit is open.
func (d *MemoryDispatcher) requeue(delivery *Delivery, host string) {
	if delivery.Requeues >= defaultMaxRequeues {
		d.dropped.Add(1)
		if d.metrics != nil {
			d.metrics.RecordDispatcherDropped(context.Background())
		}
		d.logger.Warn("Command dropped, max requeues reached",
			"destination", host,
			"type", delivery.Payload.Type,
			"requeues", delivery.Requeues,
		)
		d.notifyFailure(delivery)
		return
	}

	delivery.Requeues++
	requeues := delivery.Requeues // capture for goroutine
	d.requeued.Add(1)
	if d.metrics != nil {
		d.metrics.RecordDispatcherRequeued(context.Background())
	}

	// Requeue after cooldown period so circuit has time to recover
	go func() {
		select {
		case <-d.shutdown:
			return
		case <-time.After(defaultBreakerCooldown):
		}

		select {
		case d.queue <- delivery:
			d.logger.Debug("Command requeued", "destination", host, "type", delivery.Payload.Type, "requeues", requeues)
		case <-d.shutdown:
		default:
			// Buffer full, drop
			d.dropped.Add(1)
			if d.metrics != nil {
				d.metrics.RecordDispatcherDropped(context.Background())
			}
			d.logger.Warn("Command dropped on requeue, buffer full", "destination", host, "type", delivery.Payload.Type)
			d.notifyFailure(delivery)
		}
	}()
}

func (d *MemoryDispatcher) sendWithRetry(ctx context.Context, delivery *Delivery) error {
	opts := command.SendOptions{SigningKey: delivery.SigningKey}

	var lastErr error
	for attempt := range defaultMaxRetries + 1 {
		if attempt > 0 {
			d.retriesTotal.Add(1)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff.Exponential(attempt, nil)):
			}
		}

		lastErr = d.sender.Send(ctx, delivery.Destination, delivery.Payload, opts)
		if lastErr == nil {
			return nil
		}
		if command.IsClientError(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

func (d *MemoryDispatcher) notifyFailure(delivery *Delivery) {
	if delivery.OnFailure != nil {
		delivery.OnFailure(delivery)
	}
}

// extractHost extracts the host from a URL for circuit breaker keying.
func extractHost(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return rawURL
	}
	return parsed.Host
}

// Verify MemoryDispatcher implements Dispatcher
var _ Dispatcher = (*MemoryDispatcher)(nil)
