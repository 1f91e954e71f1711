// Package consumer implements the event consumer: a bounded-concurrency
// worker pool that drains the event queue across event types, classifies
// handler failures into retry-with-backoff or dead-letter, and coordinates
// with the queue's processing set for crash recovery.
package consumer

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/everclearorg/mark/internal/events"
)

// Queue is the narrow subset of internal/queue.Queue the consumer depends
// on, so it can be exercised with a fake in tests without a real store.
type Queue interface {
	MoveProcessingToPending(ctx context.Context) error
	DequeueEvents(ctx context.Context, t events.Type, count int) ([]events.QueuedEvent, error)
	AcknowledgeProcessedEvent(ctx context.Context, e events.QueuedEvent) error
	MoveToDeadLetterQueue(ctx context.Context, e events.QueuedEvent, errText string) error
	EnqueueEvent(ctx context.Context, e events.QueuedEvent) (bool, error)
}

// Handler processes one dequeued event. Handle has no reference back
// to the consumer's scheduling loop.
type Handler interface {
	Handle(ctx context.Context, e events.QueuedEvent) error
}

// MetricsSink receives processing-outcome counters. internal/metrics.QueueMetrics
// is the production implementation; nil disables metrics.
type MetricsSink interface {
	IncEventsProcessed()
	IncEventsRetried()
	IncEventsDeadLettered()
}

// Clock abstracts wall-clock time so tests can drive deterministic
// scheduling without sleeping.
type Clock func() int64

const defaultMaxConcurrency = 5

// Consumer drains the event queue with a bounded worker pool.
type Consumer struct {
	queue          Queue
	handler        Handler
	maxConcurrency int
	pollInterval   time.Duration
	log            *zap.Logger
	now            Clock
	tracer         trace.Tracer
	metrics        MetricsSink

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	sem     chan struct{}
}

// Option configures a Consumer at construction.
type Option func(*Consumer)

// WithMaxConcurrency overrides the default concurrency of 5.
func WithMaxConcurrency(n int) Option {
	return func(c *Consumer) {
		if n > 0 {
			c.maxConcurrency = n
		}
	}
}

// WithPollInterval overrides the sleep duration used when no type has
// pending work.
func WithPollInterval(d time.Duration) Option {
	return func(c *Consumer) {
		if d > 0 {
			c.pollInterval = d
		}
	}
}

// WithClock overrides the wall clock, for deterministic tests.
func WithClock(now Clock) Option {
	return func(c *Consumer) { c.now = now }
}

// WithTracer overrides the tracer used to start one span per dequeued event.
func WithTracer(t trace.Tracer) Option {
	return func(c *Consumer) { c.tracer = t }
}

// WithMetrics wires a MetricsSink to receive per-outcome counters.
func WithMetrics(m MetricsSink) Option {
	return func(c *Consumer) { c.metrics = m }
}

// New constructs a Consumer over queue, draining events to handler.
func New(queue Queue, handler Handler, log *zap.Logger, opts ...Option) *Consumer {
	if log == nil {
		log = zap.NewNop()
	}
	c := &Consumer{
		queue:          queue,
		handler:        handler,
		maxConcurrency: defaultMaxConcurrency,
		pollInterval:   time.Second,
		log:            log,
		now:            func() int64 { return time.Now().UnixMilli() },
		tracer:         otel.Tracer("event-queue.consumer"),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.sem = make(chan struct{}, c.maxConcurrency)
	return c
}

// AddEvent is a thin pass-through to queue.EnqueueEvent.
func (c *Consumer) AddEvent(ctx context.Context, e events.QueuedEvent) (bool, error) {
	return c.queue.EnqueueEvent(ctx, e)
}

// Start begins the drain loop. Idempotent: calling Start while already
// running is a no-op.
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return nil
	}
	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.running = true
	c.mu.Unlock()

	if err := c.queue.MoveProcessingToPending(ctx); err != nil {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
		cancel()
		return err
	}

	c.wg.Add(1)
	go c.run(loopCtx)
	return nil
}

// Stop signals the drain loop to exit and waits for in-flight tasks to
// finish, bounded by ctx (the caller's context enforces the shutdown
// cap). Idempotent.
func (c *Consumer) Stop(ctx context.Context) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = false
	cancel := c.cancel
	c.mu.Unlock()
	cancel()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Consumer) run(ctx context.Context) {
	defer c.wg.Done()
	for {
		if ctx.Err() != nil {
			return
		}

		dequeuedAny := false
		for _, t := range events.Types {
			if ctx.Err() != nil {
				return
			}
			slots := c.availableSlots()
			if slots <= 0 {
				continue
			}
			evts, err := c.queue.DequeueEvents(ctx, t, slots)
			if err != nil {
				c.log.Error("dequeue failed", zap.String("type", string(t)), zap.Error(err))
				continue
			}
			if len(evts) > 0 {
				dequeuedAny = true
			}
			for _, e := range evts {
				c.sem <- struct{}{}
				c.wg.Add(1)
				go c.process(ctx, e)
			}
		}

		if dequeuedAny {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(c.pollInterval):
		}
	}
}

func (c *Consumer) availableSlots() int {
	return cap(c.sem) - len(c.sem)
}

// process runs one handler invocation and then acks, retries, or
// dead-letters the event. The handler runs on the drain loop's context so
// it sees the shutdown cancellation signal; the post-handler queue
// operation runs on a fresh context so that same signal cannot abort the
// final atomic step. A handler interrupted mid-flight returns an error,
// is not acknowledged, and is replayed from processing on next boot.
func (c *Consumer) process(ctx context.Context, e events.QueuedEvent) {
	defer func() {
		<-c.sem
		c.wg.Done()
	}()

	ctx, span := c.tracer.Start(ctx, "event-queue.consume."+string(e.Type))
	err := c.handler.Handle(ctx, e)
	span.End()

	if err != nil && errors.Is(err, context.Canceled) && ctx.Err() != nil {
		// Shutdown interrupted the handler. Leave the event in processing:
		// it is not acknowledged, and the next boot's crash replay returns
		// it to pending.
		c.log.Info("handler cancelled by shutdown, leaving event inflight",
			zap.String("id", e.ID))
		return
	}

	finishCtx := context.Background()

	if err == nil {
		if ackErr := c.queue.AcknowledgeProcessedEvent(finishCtx, e); ackErr != nil {
			c.log.Error("failed to acknowledge processed event",
				zap.String("id", e.ID), zap.Error(ackErr))
			return
		}
		if c.metrics != nil {
			c.metrics.IncEventsProcessed()
		}
		return
	}

	if Classify(err) == Retryable && e.RetryCount+1 <= e.MaxRetries {
		next := e
		next.RetryCount++
		next.ScheduledAt = c.now() + backoffDelay(next.RetryCount).Milliseconds()
		if _, reErr := c.queue.EnqueueEvent(finishCtx, next); reErr != nil {
			c.log.Error("failed to re-enqueue event after transient failure",
				zap.String("id", e.ID), zap.Error(reErr))
			return
		}
		if c.metrics != nil {
			c.metrics.IncEventsRetried()
		}
		c.log.Warn("event requeued after transient failure",
			zap.String("id", e.ID), zap.Int("retryCount", next.RetryCount), zap.Error(err))
		return
	}

	if dlErr := c.queue.MoveToDeadLetterQueue(finishCtx, e, err.Error()); dlErr != nil {
		c.log.Error("failed to dead-letter event",
			zap.String("id", e.ID), zap.Error(dlErr))
		return
	}
	if c.metrics != nil {
		c.metrics.IncEventsDeadLettered()
	}
	c.log.Error("event dead-lettered", zap.String("id", e.ID), zap.Error(err))
}

// RetryDecision classifies a handler failure.
type RetryDecision int

const (
	// Permanent failures (validation, type mismatch) are never retried.
	Permanent RetryDecision = iota
	// Retryable failures (network, rate-limit, timeout, 5xx) are retried
	// with backoff up to maxRetries.
	Retryable
)

// permanentMarker lets error types self-identify as non-retryable without
// this package importing their concrete types.
type permanentMarker interface {
	IsPermanent() bool
}

var transientSubstrings = []string{
	"blockhash not found",
	"block height exceeded",
	"429",
	"too many requests",
	"rate limit",
	"timeout",
	"connection refused",
	"connection reset",
	"i/o timeout",
	"eof",
	"500",
	"502",
	"503",
	"504",
}

// Classify inspects err and decides whether the consumer should retry or
// dead-letter.
func Classify(err error) RetryDecision {
	if err == nil {
		return Permanent
	}

	var marker permanentMarker
	if errors.As(err, &marker) {
		if marker.IsPermanent() {
			return Permanent
		}
		return Retryable
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return Retryable
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Retryable
	}

	msg := strings.ToLower(err.Error())
	for _, substr := range transientSubstrings {
		if strings.Contains(msg, substr) {
			return Retryable
		}
	}
	return Permanent
}

// backoffDelay computes the exponential-with-jitter delay before retry
// attempt retryCount, using github.com/cenkalti/backoff/v5's
// ExponentialBackOff (base 2, cap 10s, ±20% jitter) rather than a
// hand-rolled formula.
func backoffDelay(retryCount int) time.Duration {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.Multiplier = 2
	bo.RandomizationFactor = 0.2
	bo.MaxInterval = 10 * time.Second
	bo.Reset()

	var d time.Duration
	for i := 0; i < retryCount; i++ {
		d = bo.NextBackOff()
	}
	if d <= 0 {
		d = bo.MaxInterval
	}
	return d
}
