// Package scheduler implements the maintenance loop: a fixed-tick
// reconciler that pushes queue-depth metrics, backfills missed webhooks,
// expires dead-letter entries, earmarks, and rebalance operations, and
// triggers rebalance evaluation. The tick is re-entrance guarded: a slow
// tick never overlaps the next.
package scheduler

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/everclearorg/mark/internal/events"
	"github.com/everclearorg/mark/internal/queue"
	"github.com/everclearorg/mark/internal/rebalance"
)

// Queue is the narrow subset of internal/queue.Queue the scheduler depends
// on, so it can be exercised with a fake in tests without a real store.
type Queue interface {
	GetQueueDepths(ctx context.Context) (map[events.Type]queue.QueueDepths, error)
	DeadLetterSize(ctx context.Context) (int64, error)
	CleanupExpiredDeadLetterEntries(ctx context.Context, ttlMs int64) (int, error)
	GetBackfillCursor(ctx context.Context) (string, error)
	SetBackfillCursor(ctx context.Context, cursor string) error
	EnqueueEvent(ctx context.Context, e events.QueuedEvent) (bool, error)
}

// UpstreamEventSource reconciles missed webhooks by listing ids the
// upstream event source has produced since cursor. The HTTP intake
// server and its upstream indexer are external collaborators; this is
// the narrow interface the scheduler depends on.
type UpstreamEventSource interface {
	ListSince(ctx context.Context, cursor string) (ids []BackfillEvent, nextCursor string, err error)
}

// BackfillEvent is one event the upstream source reports as missed, ready
// to enqueue through the same dedup path the webhook handler uses.
type BackfillEvent struct {
	Event events.QueuedEvent
}

// EarmarkStore expires earmarks (inventory reservations against future
// fulfillments, see GLOSSARY) past their TTL. A declared external
// collaborator (invoice economics are out of this core's scope);
// NoopEarmarkStore is the only implementation this repo ships.
type EarmarkStore interface {
	ExpireEarmarks(ctx context.Context, now time.Time) (int, error)
}

// RebalanceStore expires regular rebalance operations past their TTL.
type RebalanceStore interface {
	ExpireOperations(ctx context.Context, now time.Time) (int, error)
}

// RebalanceTrigger evaluates and triggers rebalancing. The rebalancing
// policy itself lives outside this core; this is the seam.
type RebalanceTrigger interface {
	TriggerEvaluation(ctx context.Context) ([]rebalance.Op, error)
}

// MetricsSink receives queue health readings each tick.
// internal/metrics.QueueMetrics is the production implementation.
type MetricsSink interface {
	SetQueueDepth(eventType string, pending, processing int)
	SetDeadLetterSize(n int)
}

// Clock abstracts wall-clock time so tests can drive deterministic ticks.
type Clock func() time.Time

// Scheduler runs periodic queue and inventory reconciliation.
type Scheduler struct {
	queue          Queue
	upstream       UpstreamEventSource
	earmarks       EarmarkStore
	rebalances     RebalanceStore
	trigger        RebalanceTrigger
	metrics        MetricsSink
	pollInterval   time.Duration
	deadLetterTTL  int64
	log            *zap.Logger
	now            Clock

	running atomic.Bool // guards a single tick in flight at a time
	ticker  *time.Ticker
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// Option configures a Scheduler at construction.
type Option func(*Scheduler)

// WithClock overrides the wall clock, for deterministic tests.
func WithClock(now Clock) Option {
	return func(s *Scheduler) { s.now = now }
}

const defaultPollInterval = 60 * time.Second

// New constructs a Scheduler. deadLetterTTLMs is the dead-letter retention
// window cleanup runs against each tick; New applies no default to it (the
// configuration default is 604,800,000ms = 7 days).
func New(
	q Queue,
	upstream UpstreamEventSource,
	earmarks EarmarkStore,
	rebalances RebalanceStore,
	trigger RebalanceTrigger,
	metrics MetricsSink,
	pollInterval time.Duration,
	deadLetterTTLMs int64,
	log *zap.Logger,
	opts ...Option,
) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	s := &Scheduler{
		queue:         q,
		upstream:      upstream,
		earmarks:      earmarks,
		rebalances:    rebalances,
		trigger:       trigger,
		metrics:       metrics,
		pollInterval:  pollInterval,
		deadLetterTTL: deadLetterTTLMs,
		log:           log,
		now:           time.Now,
	}
	return s
}

// Start begins the fixed-tick loop. Idempotent: calling Start while
// already running is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	if s.ticker != nil {
		return
	}
	s.ticker = time.NewTicker(s.pollInterval)
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})

	go s.loop(ctx)
}

// Stop halts the tick loop and waits for any in-flight tick to finish.
func (s *Scheduler) Stop() {
	if s.ticker == nil {
		return
	}
	s.ticker.Stop()
	close(s.stopCh)
	<-s.doneCh
	s.ticker = nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.doneCh)
	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-s.ticker.C:
			s.tick(ctx)
		}
	}
}

// tick runs one reconciliation pass. Re-entry is skipped if the previous
// tick is still running or the context is already cancelled (shutting
// down). Errors inside a tick are logged and swallowed — the scheduler
// never terminates on a single tick failure.
func (s *Scheduler) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if !s.running.CompareAndSwap(false, true) {
		s.log.Warn("skipping maintenance tick: previous tick still running")
		return
	}
	defer s.running.Store(false)

	s.pushQueueMetrics(ctx)
	s.reconcileBackfill(ctx)
	s.cleanupDeadLetter(ctx)
	s.expireEarmarks(ctx)
	s.expireRebalances(ctx)
	s.triggerRebalance(ctx)
}

func (s *Scheduler) pushQueueMetrics(ctx context.Context) {
	if s.metrics == nil {
		return
	}
	depths, err := s.queue.GetQueueDepths(ctx)
	if err != nil {
		s.log.Error("failed to read queue depths", zap.Error(err))
		return
	}
	for t, d := range depths {
		s.metrics.SetQueueDepth(string(t), int(d.Pending), int(d.Processing))
	}
	if dl, err := s.queue.DeadLetterSize(ctx); err == nil {
		s.metrics.SetDeadLetterSize(int(dl))
	} else {
		s.log.Error("failed to read dead-letter size", zap.Error(err))
	}
}

func (s *Scheduler) reconcileBackfill(ctx context.Context) {
	if s.upstream == nil {
		return
	}
	cursor, err := s.queue.GetBackfillCursor(ctx)
	if err != nil {
		s.log.Error("failed to read backfill cursor", zap.Error(err))
		return
	}
	missed, nextCursor, err := s.upstream.ListSince(ctx, cursor)
	if err != nil {
		s.log.Error("failed to reconcile missed webhooks", zap.Error(err))
		return
	}
	for _, be := range missed {
		existed, err := s.queue.EnqueueEvent(ctx, be.Event)
		if err != nil {
			s.log.Error("failed to enqueue backfilled event", zap.String("id", be.Event.ID), zap.Error(err))
			continue
		}
		if !existed {
			s.log.Info("enqueued missed webhook via backfill", zap.String("id", be.Event.ID))
		}
	}
	if nextCursor != "" && nextCursor != cursor {
		if err := s.queue.SetBackfillCursor(ctx, nextCursor); err != nil {
			s.log.Error("failed to persist backfill cursor", zap.Error(err))
		}
	}
}

func (s *Scheduler) cleanupDeadLetter(ctx context.Context) {
	removed, err := s.queue.CleanupExpiredDeadLetterEntries(ctx, s.deadLetterTTL)
	if err != nil {
		s.log.Error("failed to clean up expired dead-letter entries", zap.Error(err))
		return
	}
	if removed > 0 {
		s.log.Info("expired dead-letter entries", zap.Int("count", removed))
	}
}

func (s *Scheduler) expireEarmarks(ctx context.Context) {
	if s.earmarks == nil {
		return
	}
	n, err := s.earmarks.ExpireEarmarks(ctx, s.now())
	if err != nil {
		s.log.Error("failed to expire earmarks", zap.Error(err))
		return
	}
	if n > 0 {
		s.log.Info("expired earmarks", zap.Int("count", n))
	}
}

func (s *Scheduler) expireRebalances(ctx context.Context) {
	if s.rebalances == nil {
		return
	}
	n, err := s.rebalances.ExpireOperations(ctx, s.now())
	if err != nil {
		s.log.Error("failed to expire rebalance operations", zap.Error(err))
		return
	}
	if n > 0 {
		s.log.Info("expired rebalance operations", zap.Int("count", n))
	}
}

func (s *Scheduler) triggerRebalance(ctx context.Context) {
	if s.trigger == nil {
		return
	}
	ops, err := s.trigger.TriggerEvaluation(ctx)
	if err != nil {
		s.log.Error("failed to trigger rebalance evaluation", zap.Error(err))
		return
	}
	for _, op := range ops {
		s.log.Info("rebalance operation triggered",
			zap.String("id", op.ID), zap.String("origin", op.Origin), zap.String("dest", op.Dest), zap.String("amount", op.Amount))
	}
}
