// Package processor dispatches each dequeued event to its handler by
// type. Handle has no reference back to the queue's scheduling loop —
// retry/dead-letter classification is the consumer's job
// (internal/consumer), not the processor's.
package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/everclearorg/mark/internal/chain"
	"github.com/everclearorg/mark/internal/events"
	"github.com/everclearorg/mark/internal/purchase"
	"github.com/everclearorg/mark/internal/rebalance"
)

// Clock abstracts wall-clock time for deterministic PurchaseAction
// timestamps in tests.
type Clock func() int64

// Processor routes dequeued events to their per-type handlers.
type Processor struct {
	purchases  *purchase.Cache
	minAmounts chain.MinAmountsProvider
	balances   chain.BalanceProvider
	submitter  chain.IntentSubmitter
	planner    rebalance.SplitIntentPlanner
	evaluator  rebalance.Evaluator
	log        *zap.Logger
	now        Clock
}

// Option configures a Processor at construction.
type Option func(*Processor)

// WithClock overrides the wall clock, for deterministic tests.
func WithClock(now Clock) Option {
	return func(p *Processor) { p.now = now }
}

// New constructs a Processor wired to its collaborators.
func New(
	purchases *purchase.Cache,
	minAmounts chain.MinAmountsProvider,
	balances chain.BalanceProvider,
	submitter chain.IntentSubmitter,
	planner rebalance.SplitIntentPlanner,
	evaluator rebalance.Evaluator,
	log *zap.Logger,
	opts ...Option,
) *Processor {
	if log == nil {
		log = zap.NewNop()
	}
	p := &Processor{
		purchases:  purchases,
		minAmounts: minAmounts,
		balances:   balances,
		submitter:  submitter,
		planner:    planner,
		evaluator:  evaluator,
		log:        log,
		now:        func() int64 { return time.Now().UnixMilli() },
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Handle routes e to its handler by type. An unrecognized type is a
// permanent failure — the consumer dead-letters it without retry.
func (p *Processor) Handle(ctx context.Context, e events.QueuedEvent) error {
	switch e.Type {
	case events.InvoiceEnqueued:
		return p.handleInvoiceEnqueued(ctx, e)
	case events.SettlementEnqueued:
		return p.handleSettlementEnqueued(ctx, e)
	default:
		return &ValidationError{Reason: fmt.Sprintf("no handler registered for event type %q", e.Type)}
	}
}

// ValidationError reports an event this processor cannot dispatch: an
// unknown type or a payload that does not parse. Never retryable.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "processor: " + e.Reason
}

// IsPermanent marks ValidationError as never retryable; see
// internal/consumer.Classify.
func (e *ValidationError) IsPermanent() bool { return true }

func (p *Processor) handleInvoiceEnqueued(ctx context.Context, e events.QueuedEvent) error {
	var payload events.InvoiceEnqueuedPayload
	if err := json.Unmarshal(e.Data, &payload); err != nil {
		return &ValidationError{Reason: fmt.Sprintf("malformed InvoiceEnqueued payload: %v", err)}
	}

	inv := purchase.Invoice{
		IntentID:                    payload.Invoice.Intent.ID,
		Owner:                       payload.Invoice.Owner,
		Amount:                      payload.Invoice.Amount,
		Origin:                      payload.Invoice.Intent.Origin,
		Destinations:                payload.Invoice.Intent.Destinations,
		TickerHash:                  payload.Invoice.TickerHash,
		EntryEpoch:                  payload.Invoice.EntryEpoch,
		HubInvoiceEnqueuedTimestamp: e.ScheduledAt,
	}

	// Idempotency short-circuit: a retried or duplicate delivery of an
	// already-fulfilled invoice must not resubmit.
	has, err := p.purchases.HasPurchase(ctx, inv.IntentID)
	if err != nil {
		return fmt.Errorf("check existing purchase for %s: %w", inv.IntentID, err)
	}
	if has {
		p.log.Info("invoice already purchased, skipping resubmission",
			zap.String("intentId", inv.IntentID))
		return nil
	}

	// The min-amount, balance and submission calls share one bounded
	// deadline.
	const externalCallTimeout = 60 * time.Second
	callCtx, cancel := context.WithTimeout(ctx, externalCallTimeout)
	defer cancel()

	minAmounts, err := p.minAmounts.MinAmounts(callCtx, inv.TickerHash)
	if err != nil {
		return fmt.Errorf("fetch min amounts for %s: %w", inv.TickerHash, err)
	}
	balances, err := p.balances.Balances(callCtx, inv.TickerHash)
	if err != nil {
		return fmt.Errorf("fetch balances for %s: %w", inv.TickerHash, err)
	}

	allocation, err := p.planner.Plan(ctx, inv, minAmounts, balances)
	if err != nil {
		return fmt.Errorf("plan split intent for %s: %w", inv.IntentID, err)
	}
	if allocation == nil {
		if err := p.evaluator.EvaluateOnDemand(ctx, inv); err != nil {
			return fmt.Errorf("evaluate on-demand rebalance for %s: %w", inv.IntentID, err)
		}
		return nil
	}

	txHash, err := p.submitter.Submit(callCtx, chain.SubmittedIntent{
		IntentID:     inv.IntentID,
		TickerHash:   inv.TickerHash,
		Origin:       inv.Origin,
		Destinations: inv.Destinations,
		Amount:       inv.Amount,
		Params:       allocation.Splits,
	})
	if err != nil {
		return fmt.Errorf("submit fulfilling intent for %s: %w", inv.IntentID, err)
	}

	action := purchase.Action{
		Target:          inv,
		Purchase:        purchase.Params{IntentID: inv.IntentID, Params: allocation.Splits},
		TransactionHash: txHash,
		CachedAt:        p.now(),
	}
	if _, err := p.purchases.AddPurchases(ctx, []purchase.Action{action}); err != nil {
		return fmt.Errorf("record purchase for %s: %w", inv.IntentID, err)
	}
	return nil
}

func (p *Processor) handleSettlementEnqueued(ctx context.Context, e events.QueuedEvent) error {
	var payload events.SettlementEnqueuedPayload
	if err := json.Unmarshal(e.Data, &payload); err != nil {
		return &ValidationError{Reason: fmt.Sprintf("malformed SettlementEnqueued payload: %v", err)}
	}
	if _, err := p.purchases.InvalidateBySettlement(ctx, payload); err != nil {
		return fmt.Errorf("invalidate purchase for settlement %s: %w", payload.IntentID, err)
	}
	return nil
}
