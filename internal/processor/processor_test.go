package processor_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/everclearorg/mark/internal/chain"
	"github.com/everclearorg/mark/internal/events"
	"github.com/everclearorg/mark/internal/kvstore"
	"github.com/everclearorg/mark/internal/processor"
	"github.com/everclearorg/mark/internal/purchase"
	"github.com/everclearorg/mark/internal/rebalance"
)

func newPurchaseCache(t *testing.T) *purchase.Cache {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return purchase.New(kvstore.NewFromClient(client))
}

func invoiceEnqueuedEvent(t *testing.T, intentID string, destinations []string, amount string) events.QueuedEvent {
	t.Helper()
	payload := events.InvoiceEnqueuedPayload{
		ID: "evt-" + intentID,
		Invoice: events.Invoice{
			ID:         "inv-" + intentID,
			TickerHash: "0xticker",
			Amount:     amount,
			Owner:      "0xowner",
			Intent: events.Intent{
				ID:           intentID,
				Origin:       "origin-domain",
				Amount:       amount,
				Destinations: destinations,
			},
		},
	}
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	return events.QueuedEvent{
		ID:   "evt-" + intentID,
		Type: events.InvoiceEnqueued,
		Data: data,
	}
}

// evaluateOnDemandSpy records whether EvaluateOnDemand was invoked.
type evaluateOnDemandSpy struct {
	called bool
	inv    purchase.Invoice
}

func (s *evaluateOnDemandSpy) EvaluateOnDemand(_ context.Context, inv purchase.Invoice) error {
	s.called = true
	s.inv = inv
	return nil
}

// submitSpy records the SubmittedIntent passed to Submit.
type submitSpy struct {
	submitted *chain.SubmittedIntent
	txHash    string
}

func (s *submitSpy) Submit(_ context.Context, intent chain.SubmittedIntent) (string, error) {
	s.submitted = &intent
	if s.txHash == "" {
		s.txHash = "0xsubmitted"
	}
	return s.txHash, nil
}

func TestProcessor_InvoiceEnqueued_AllocatesAndSubmits(t *testing.T) {
	ctx := context.Background()
	cache := newPurchaseCache(t)

	minAmounts := chain.NewStaticProvider()
	minAmounts.SetMinAmounts("0xticker", map[string]string{"dest-1": "100"})
	minAmounts.SetBalances("0xticker", map[string]string{"dest-1": "500"})

	submitter := &submitSpy{}
	evaluator := &evaluateOnDemandSpy{}

	p := processor.New(cache, minAmounts, minAmounts, submitter, rebalance.NaivePlanner{}, evaluator, zap.NewNop())

	e := invoiceEnqueuedEvent(t, "intent-1", []string{"dest-1"}, "250")
	require.NoError(t, p.Handle(ctx, e))

	require.NotNil(t, submitter.submitted)
	require.Equal(t, "intent-1", submitter.submitted.IntentID)
	require.False(t, evaluator.called, "evaluator must not run once an allocation is found")

	has, err := cache.HasPurchase(ctx, "intent-1")
	require.NoError(t, err)
	require.True(t, has, "a successful submission must record a purchase")
}

func TestProcessor_InvoiceEnqueued_NoAllocationTriggersOnDemandEvaluation(t *testing.T) {
	ctx := context.Background()
	cache := newPurchaseCache(t)

	// No balances seeded at all: NaivePlanner reports no valid allocation.
	minAmounts := chain.NewStaticProvider()

	submitter := &submitSpy{}
	evaluator := &evaluateOnDemandSpy{}

	p := processor.New(cache, minAmounts, minAmounts, submitter, rebalance.NaivePlanner{}, evaluator, zap.NewNop())

	e := invoiceEnqueuedEvent(t, "intent-2", []string{"dest-1"}, "250")
	require.NoError(t, p.Handle(ctx, e))

	require.Nil(t, submitter.submitted, "no allocation means no submission")
	require.True(t, evaluator.called, "no allocation must fall back to on-demand evaluation")
	require.Equal(t, "intent-2", evaluator.inv.IntentID)

	has, err := cache.HasPurchase(ctx, "intent-2")
	require.NoError(t, err)
	require.False(t, has)
}

// Idempotency: a previously-purchased intent must not be resubmitted.
func TestProcessor_InvoiceEnqueued_SkipsAlreadyPurchasedInvoice(t *testing.T) {
	ctx := context.Background()
	cache := newPurchaseCache(t)

	_, err := cache.AddPurchases(ctx, []purchase.Action{{
		Target:          purchase.Invoice{IntentID: "intent-3"},
		Purchase:        purchase.Params{IntentID: "intent-3"},
		TransactionHash: "0xalreadydone",
	}})
	require.NoError(t, err)

	minAmounts := chain.NewStaticProvider()
	minAmounts.SetMinAmounts("0xticker", map[string]string{"dest-1": "100"})
	minAmounts.SetBalances("0xticker", map[string]string{"dest-1": "500"})

	submitter := &submitSpy{}
	evaluator := &evaluateOnDemandSpy{}

	p := processor.New(cache, minAmounts, minAmounts, submitter, rebalance.NaivePlanner{}, evaluator, zap.NewNop())

	e := invoiceEnqueuedEvent(t, "intent-3", []string{"dest-1"}, "250")
	require.NoError(t, p.Handle(ctx, e))

	require.Nil(t, submitter.submitted, "an already-purchased invoice must not be resubmitted")
	require.False(t, evaluator.called)
}

func TestProcessor_InvoiceEnqueued_MalformedPayloadIsPermanent(t *testing.T) {
	ctx := context.Background()
	cache := newPurchaseCache(t)
	minAmounts := chain.NewStaticProvider()
	submitter := &submitSpy{}
	evaluator := &evaluateOnDemandSpy{}

	p := processor.New(cache, minAmounts, minAmounts, submitter, rebalance.NaivePlanner{}, evaluator, zap.NewNop())

	e := events.QueuedEvent{
		ID:   "evt-bad",
		Type: events.InvoiceEnqueued,
		Data: json.RawMessage(`not-json`),
	}
	err := p.Handle(ctx, e)
	require.Error(t, err)

	var ve *processor.ValidationError
	require.ErrorAs(t, err, &ve)
	require.True(t, ve.IsPermanent())
}

func TestProcessor_SettlementEnqueued_InvalidatesPurchase(t *testing.T) {
	ctx := context.Background()
	cache := newPurchaseCache(t)

	_, err := cache.AddPurchases(ctx, []purchase.Action{{
		Target:          purchase.Invoice{IntentID: "intent-4"},
		Purchase:        purchase.Params{IntentID: "intent-4"},
		TransactionHash: "0xfilled",
	}})
	require.NoError(t, err)

	minAmounts := chain.NewStaticProvider()
	submitter := &submitSpy{}
	evaluator := &evaluateOnDemandSpy{}
	p := processor.New(cache, minAmounts, minAmounts, submitter, rebalance.NaivePlanner{}, evaluator, zap.NewNop())

	payload := events.SettlementEnqueuedPayload{ID: "set-1", IntentID: "intent-4"}
	data, err := json.Marshal(payload)
	require.NoError(t, err)

	e := events.QueuedEvent{ID: "evt-set-1", Type: events.SettlementEnqueued, Data: data}
	require.NoError(t, p.Handle(ctx, e))

	has, err := cache.HasPurchase(ctx, "intent-4")
	require.NoError(t, err)
	require.False(t, has, "settlement must invalidate the cached purchase")
}

func TestProcessor_UnknownEventTypeIsPermanent(t *testing.T) {
	ctx := context.Background()
	cache := newPurchaseCache(t)
	minAmounts := chain.NewStaticProvider()
	submitter := &submitSpy{}
	evaluator := &evaluateOnDemandSpy{}
	p := processor.New(cache, minAmounts, minAmounts, submitter, rebalance.NaivePlanner{}, evaluator, zap.NewNop())

	e := events.QueuedEvent{ID: "evt-unknown", Type: events.Type("SomethingElse")}
	err := p.Handle(ctx, e)
	require.Error(t, err)

	var ve *processor.ValidationError
	require.ErrorAs(t, err, &ve)
	require.True(t, ve.IsPermanent())
}
