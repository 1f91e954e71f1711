// Package rebalance declares the split-intent planner and on-demand
// rebalance evaluator the event processor and maintenance scheduler
// depend on. Rebalancing policy and the split-intent planner's
// economics live outside this core — this package is the declared
// interface seam plus a minimal stub implementation.
package rebalance

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/everclearorg/mark/internal/purchase"
)

// Allocation is a valid split-intent plan for fulfilling an invoice: which
// destination domains to draw from and in what amounts.
type Allocation struct {
	IntentID string
	Splits   map[string]string // destination domain -> amount
}

// SplitIntentPlanner decides whether an invoice can be profitably fulfilled
// given the current min-amounts and balances, and if so, how to split it
// across destinations. A nil Allocation with a nil error means "no valid
// allocation", in which case the processor falls back to on-demand
// rebalancing.
type SplitIntentPlanner interface {
	Plan(ctx context.Context, inv purchase.Invoice, minAmounts, balances map[string]string) (*Allocation, error)
}

// Evaluator triggers on-demand rebalancing when direct fulfillment is not
// currently viable for inv.
type Evaluator interface {
	EvaluateOnDemand(ctx context.Context, inv purchase.Invoice) error
}

// Op is a rebalance operation the maintenance scheduler tracks for TTL
// expiry and logs after each TriggerEvaluation.
type Op struct {
	ID        string
	Origin    string
	Dest      string
	Amount    string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// NaivePlanner is the one SplitIntentPlanner this repo ships: it allocates
// the full invoice amount to its first declared destination if that
// destination's balance is at least the invoice amount and no less than the
// ticker's min amount there, otherwise it reports no valid allocation.
// Real split-intent economics live outside this core.
type NaivePlanner struct{}

// Plan implements SplitIntentPlanner.
func (NaivePlanner) Plan(_ context.Context, inv purchase.Invoice, minAmounts, balances map[string]string) (*Allocation, error) {
	if len(inv.Destinations) == 0 {
		return nil, fmt.Errorf("invoice %s has no destinations", inv.IntentID)
	}
	dest := inv.Destinations[0]
	balance, hasBalance := balances[dest]
	minAmount, hasMin := minAmounts[dest]
	if !hasBalance || !hasMin {
		return nil, nil
	}
	if balance == "" || balance == "0" {
		return nil, nil
	}
	if minAmount != "" && !amountAtLeast(balance, minAmount) {
		return nil, nil
	}
	if !amountAtLeast(balance, inv.Amount) {
		return nil, nil
	}
	return &Allocation{
		IntentID: inv.IntentID,
		Splits:   map[string]string{dest: inv.Amount},
	}, nil
}

// amountAtLeast compares two decimal-string amounts lexicographically by
// length-then-value, which is correct for the non-negative integer-string
// amounts this system carries: amounts are opaque decimal strings,
// never coerced to a numeric type.
func amountAtLeast(a, b string) bool {
	if len(a) != len(b) {
		return len(a) > len(b)
	}
	return a >= b
}

// NoopEvaluator implements Evaluator by doing nothing and returning nil —
// a real evaluator that moves inventory across chains lives outside this
// core.
type NoopEvaluator struct{}

// EvaluateOnDemand implements Evaluator.
func (NoopEvaluator) EvaluateOnDemand(context.Context, purchase.Invoice) error { return nil }

// NewOpID generates a correlation id for a rebalance operation.
func NewOpID() string { return uuid.NewString() }
