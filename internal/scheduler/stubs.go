package scheduler

import (
	"context"
	"time"

	"github.com/everclearorg/mark/internal/rebalance"
)

// NoopEarmarkStore implements EarmarkStore with no earmarks to expire.
// Earmark persistence (inventory reservation bookkeeping) is out of this
// core's scope here; this is the standing placeholder so the
// maintenance tick's "expire earmarks" step always has something to call.
type NoopEarmarkStore struct{}

// ExpireEarmarks implements EarmarkStore.
func (NoopEarmarkStore) ExpireEarmarks(context.Context, time.Time) (int, error) { return 0, nil }

// NoopRebalanceStore implements RebalanceStore with no operations to expire.
type NoopRebalanceStore struct{}

// ExpireOperations implements RebalanceStore.
func (NoopRebalanceStore) ExpireOperations(context.Context, time.Time) (int, error) { return 0, nil }

// NoopRebalanceTrigger implements RebalanceTrigger by reporting no pending
// rebalance work. A real rebalance planner lives outside this core.
type NoopRebalanceTrigger struct{}

// TriggerEvaluation implements RebalanceTrigger.
func (NoopRebalanceTrigger) TriggerEvaluation(context.Context) ([]rebalance.Op, error) {
	return nil, nil
}

// NoopUpstreamEventSource implements UpstreamEventSource by reporting no
// missed events and an unchanged cursor. The upstream indexer the webhook
// server backfills from is an external collaborator, not modeled here.
type NoopUpstreamEventSource struct{}

// ListSince implements UpstreamEventSource.
func (NoopUpstreamEventSource) ListSince(_ context.Context, cursor string) ([]BackfillEvent, string, error) {
	return nil, cursor, nil
}
