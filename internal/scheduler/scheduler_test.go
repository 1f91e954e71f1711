package scheduler_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/everclearorg/mark/internal/events"
	"github.com/everclearorg/mark/internal/queue"
	"github.com/everclearorg/mark/internal/rebalance"
	"github.com/everclearorg/mark/internal/scheduler"
)

type fakeQueue struct {
	depths         map[events.Type]queue.QueueDepths
	deadLetterSize int64
	cleanupCalls   int
	cleanupReturn  int
	cursor         string
	setCursor      string
	enqueued       []events.QueuedEvent
}

func (f *fakeQueue) GetQueueDepths(context.Context) (map[events.Type]queue.QueueDepths, error) {
	return f.depths, nil
}
func (f *fakeQueue) DeadLetterSize(context.Context) (int64, error) { return f.deadLetterSize, nil }
func (f *fakeQueue) CleanupExpiredDeadLetterEntries(context.Context, int64) (int, error) {
	f.cleanupCalls++
	return f.cleanupReturn, nil
}
func (f *fakeQueue) GetBackfillCursor(context.Context) (string, error) { return f.cursor, nil }
func (f *fakeQueue) SetBackfillCursor(_ context.Context, cursor string) error {
	f.setCursor = cursor
	f.cursor = cursor
	return nil
}
func (f *fakeQueue) EnqueueEvent(_ context.Context, e events.QueuedEvent) (bool, error) {
	f.enqueued = append(f.enqueued, e)
	return false, nil
}

type fakeUpstream struct {
	events     []scheduler.BackfillEvent
	nextCursor string
}

// ListSince reports its events only to a caller that has not yet advanced
// to nextCursor, like an upstream source paginating past what it returned.
func (f *fakeUpstream) ListSince(_ context.Context, cursor string) ([]scheduler.BackfillEvent, string, error) {
	if cursor == f.nextCursor {
		return nil, cursor, nil
	}
	return f.events, f.nextCursor, nil
}

type fakeMetrics struct {
	depths         map[string][2]int
	deadLetterSize int
}

func (f *fakeMetrics) SetQueueDepth(eventType string, pending, processing int) {
	if f.depths == nil {
		f.depths = make(map[string][2]int)
	}
	f.depths[eventType] = [2]int{pending, processing}
}
func (f *fakeMetrics) SetDeadLetterSize(n int) { f.deadLetterSize = n }

type fakeTrigger struct {
	ops   []rebalance.Op
	calls int
}

func (f *fakeTrigger) TriggerEvaluation(context.Context) ([]rebalance.Op, error) {
	f.calls++
	return f.ops, nil
}

func TestScheduler_Tick_PushesQueueMetricsAndDeadLetterSize(t *testing.T) {
	q := &fakeQueue{
		depths:         map[events.Type]queue.QueueDepths{events.InvoiceEnqueued: {Pending: 3, Processing: 1}},
		deadLetterSize: 2,
	}
	m := &fakeMetrics{}

	s := scheduler.New(q, nil, nil, nil, nil, m, time.Millisecond, 1000, zap.NewNop())
	s.Start(context.Background())
	time.Sleep(20 * time.Millisecond)
	s.Stop()

	require.Equal(t, [2]int{3, 1}, m.depths[string(events.InvoiceEnqueued)])
	require.Equal(t, 2, m.deadLetterSize)
}

func TestScheduler_ReconcileBackfill_EnqueuesMissedEvents(t *testing.T) {
	q := &fakeQueue{depths: map[events.Type]queue.QueueDepths{}, cursor: "cursor-0"}
	up := &fakeUpstream{
		events:     []scheduler.BackfillEvent{{Event: events.QueuedEvent{ID: "ev-missed", Type: events.InvoiceEnqueued}}},
		nextCursor: "cursor-1",
	}
	m := &fakeMetrics{}

	s := scheduler.New(q, up, scheduler.NoopEarmarkStore{}, scheduler.NoopRebalanceStore{}, scheduler.NoopRebalanceTrigger{}, m, time.Millisecond, 1000, zap.NewNop())
	s.Start(context.Background())
	time.Sleep(20 * time.Millisecond)
	s.Stop()

	require.Len(t, q.enqueued, 1)
	require.Equal(t, "ev-missed", q.enqueued[0].ID)
	require.Equal(t, "cursor-1", q.setCursor)
}

func TestScheduler_Tick_CleansUpDeadLetterAndTriggersRebalance(t *testing.T) {
	q := &fakeQueue{depths: map[events.Type]queue.QueueDepths{}, cleanupReturn: 2}
	trigger := &fakeTrigger{ops: []rebalance.Op{{ID: "op-1", Origin: "10", Dest: "1", Amount: "100"}}}
	m := &fakeMetrics{}

	s := scheduler.New(q, nil, scheduler.NoopEarmarkStore{}, scheduler.NoopRebalanceStore{}, trigger, m, time.Millisecond, 1000, zap.NewNop())
	s.Start(context.Background())
	time.Sleep(20 * time.Millisecond)
	s.Stop()

	require.GreaterOrEqual(t, q.cleanupCalls, 1)
	require.GreaterOrEqual(t, trigger.calls, 1)
}

func TestScheduler_StartStop_Idempotent(t *testing.T) {
	q := &fakeQueue{depths: map[events.Type]queue.QueueDepths{}}
	s := scheduler.New(q, nil, nil, nil, nil, nil, time.Hour, 1000, zap.NewNop())
	s.Start(context.Background())
	s.Start(context.Background()) // second Start is a no-op
	s.Stop()
	s.Stop() // second Stop is a no-op
}
