// Package queue implements the durable event queue: per-type FIFO pending
// and processing ordered sets backed by a shared data hash, with
// deduplication on enqueue, crash-safe inflight transfer, and a
// TTL-bounded dead-letter set. Every multi-key state change commits as one
// atomic store transaction, so an id is never observable in more than one
// of pending, processing, or dead-letter.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/everclearorg/mark/internal/events"
	"github.com/everclearorg/mark/internal/kvstore"
)

const keyPrefix = "event-queue"

const (
	minDequeueCount = 1
	maxDequeueCount = 1000

	// minScore bounds ZRangeByScore queries from below. Timestamps in this
	// system are epoch milliseconds, always far above this floor.
	minScore = -1 << 52
)

// Clock abstracts wall-clock time so tests can drive deterministic
// scheduling without sleeping.
type Clock func() int64

// Queue is the durable event queue.
type Queue struct {
	store kvstore.Store
	log   *zap.Logger
	now   Clock
}

// New constructs a Queue over store. now defaults to the system clock if
// nil — tests pass a deterministic Clock to exercise scheduling edge cases
// without wall-clock sleeps.
func New(store kvstore.Store, log *zap.Logger, now Clock) *Queue {
	if log == nil {
		log = zap.NewNop()
	}
	if now == nil {
		now = func() int64 { return time.Now().UnixMilli() }
	}
	return &Queue{store: store, log: log, now: now}
}

func pendingKey(t events.Type) string    { return fmt.Sprintf("%s:pending:%s", keyPrefix, t) }
func processingKey(t events.Type) string { return fmt.Sprintf("%s:processing:%s", keyPrefix, t) }
func deadLetterKey() string              { return keyPrefix + ":dead-letter" }
func dataKey() string                    { return keyPrefix + ":data" }
func statusKey() string                  { return keyPrefix + ":status" }
func backfillCursorKey() string          { return keyPrefix + ":backfill-cursor" }
func metricKey(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return fmt.Sprintf("%s:metrics:%s", keyPrefix, name)
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+labels[k])
	}
	return fmt.Sprintf("%s:metrics:%s:%s", keyPrefix, name, strings.Join(parts, ","))
}

// EnqueueEvent validates e, then atomically removes it from processing (if
// present), upserts its data, and adds it to pending at score scheduledAt.
// It returns true iff the id already existed in pending or processing of
// the same type.
func (q *Queue) EnqueueEvent(ctx context.Context, e events.QueuedEvent) (bool, error) {
	if err := e.Validate(); err != nil {
		return false, err
	}

	encoded, err := json.Marshal(e)
	if err != nil {
		return false, fmt.Errorf("encode event %s: %w", e.ID, err)
	}

	pKey := pendingKey(e.Type)
	procKey := processingKey(e.Type)

	var existed bool
	err = q.store.Atomic(ctx, []string{pKey, procKey, dataKey()}, func(ctx context.Context, sc kvstore.Scope) error {
		_, pendingOK, err := sc.ZScore(ctx, pKey, e.ID)
		if err != nil {
			return err
		}
		_, processingOK, err := sc.ZScore(ctx, procKey, e.ID)
		if err != nil {
			return err
		}
		existed = pendingOK || processingOK
		if pendingOK && processingOK {
			// An id should never be in both sets. Log and continue
			// treating it as "already exists".
			q.log.Error("event present in both pending and processing",
				zap.String("id", e.ID), zap.String("type", string(e.Type)))
		}

		sc.Queue(func(w kvstore.Writer) {
			w.ZRem(procKey, e.ID)
			w.HSet(dataKey(), e.ID, string(encoded))
			w.ZAdd(pKey, float64(e.ScheduledAt), e.ID)
		})
		return nil
	})
	if err != nil {
		return false, &kvstore.StoreError{Op: "enqueueEvent", Err: err}
	}
	return existed, nil
}

// HasEvent is a membership test across pending ∪ processing for type t.
func (q *Queue) HasEvent(ctx context.Context, t events.Type, id string) (bool, error) {
	_, ok, err := q.store.ZScore(ctx, pendingKey(t), id)
	if err != nil {
		return false, err
	}
	if ok {
		return true, nil
	}
	_, ok, err = q.store.ZScore(ctx, processingKey(t), id)
	if err != nil {
		return false, err
	}
	return ok, nil
}

// MoveProcessingToPending replays events stranded inflight by a prior
// crash: for every known type, read the processing set, fetch its data,
// and re-add each id to pending at its original scheduledAt. Corrupted or
// missing payloads are purged.
func (q *Queue) MoveProcessingToPending(ctx context.Context) error {
	for _, t := range events.Types {
		if err := q.moveProcessingToPendingForType(ctx, t); err != nil {
			return err
		}
	}
	return nil
}

func (q *Queue) moveProcessingToPendingForType(ctx context.Context, t events.Type) error {
	procKey := processingKey(t)
	pKey := pendingKey(t)

	return q.store.Atomic(ctx, []string{procKey, pKey, dataKey()}, func(ctx context.Context, sc kvstore.Scope) error {
		ids, err := sc.ZRangeByIndex(ctx, procKey, 0, -1)
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}

		raw, err := sc.HMGet(ctx, dataKey(), ids)
		if err != nil {
			return err
		}

		sc.Queue(func(w kvstore.Writer) {
			for i, id := range ids {
				w.ZRem(procKey, id)
				if raw[i] == nil {
					w.HDel(dataKey(), id)
					q.log.Error("purged orphan id with no data during crash replay",
						zap.String("id", id), zap.String("type", string(t)))
					continue
				}
				var e events.QueuedEvent
				if err := json.Unmarshal([]byte(*raw[i]), &e); err != nil {
					w.HDel(dataKey(), id)
					q.log.Error("purged corrupted data during crash replay",
						zap.String("id", id), zap.String("type", string(t)), zap.Error(err))
					continue
				}
				w.ZAdd(pKey, float64(e.ScheduledAt), id)
			}
		})
		return nil
	})
}

// DequeueEvents takes the lowest-scored count ids from pending for type t,
// fetches their data, filters to those with scheduledAt <= now, moves the
// valid ones to processing in the same transaction, purges orphans and
// corrupted entries, and returns the parsed events in FIFO order.
func (q *Queue) DequeueEvents(ctx context.Context, t events.Type, count int) ([]events.QueuedEvent, error) {
	if count <= 0 {
		return []events.QueuedEvent{}, nil
	}
	if !t.Valid() {
		q.log.Error("dequeue against unknown event type", zap.String("type", string(t)))
		return []events.QueuedEvent{}, nil
	}
	if count > maxDequeueCount {
		count = maxDequeueCount
	}
	if count < minDequeueCount {
		count = minDequeueCount
	}

	pKey := pendingKey(t)
	procKey := processingKey(t)
	now := q.now()

	var result []events.QueuedEvent
	err := q.store.Atomic(ctx, []string{pKey, procKey, dataKey()}, func(ctx context.Context, sc kvstore.Scope) error {
		result = nil

		candidates, err := sc.ZRangeByIndex(ctx, pKey, 0, int64(count)-1)
		if err != nil {
			return err
		}
		if len(candidates) == 0 {
			return nil
		}

		raw, err := sc.HMGet(ctx, dataKey(), candidates)
		if err != nil {
			return err
		}

		type parsedCandidate struct {
			id  string
			evt events.QueuedEvent
		}
		var eligible []parsedCandidate
		var orphans []string

		for i, id := range candidates {
			if raw[i] == nil {
				orphans = append(orphans, id)
				q.log.Error("purged orphan id with no data during dequeue",
					zap.String("id", id), zap.String("type", string(t)))
				continue
			}
			var e events.QueuedEvent
			if err := json.Unmarshal([]byte(*raw[i]), &e); err != nil {
				orphans = append(orphans, id)
				q.log.Error("purged corrupted data during dequeue",
					zap.String("id", id), zap.String("type", string(t)), zap.Error(err))
				continue
			}
			if e.ScheduledAt > now {
				continue
			}
			eligible = append(eligible, parsedCandidate{id: id, evt: e})
		}

		sc.Queue(func(w kvstore.Writer) {
			for _, id := range orphans {
				w.ZRem(pKey, id)
				w.HDel(dataKey(), id)
			}
			for _, c := range eligible {
				w.ZRem(pKey, c.id)
				w.ZAdd(procKey, float64(now), c.id)
			}
		})

		result = make([]events.QueuedEvent, len(eligible))
		for i, c := range eligible {
			result[i] = c.evt
		}
		return nil
	})
	if err != nil {
		return nil, &kvstore.StoreError{Op: "dequeueEvents", Err: err}
	}
	if result == nil {
		return []events.QueuedEvent{}, nil
	}
	return result, nil
}

// AcknowledgeProcessedEvent removes e from processing and deletes its data
// field atomically, then records the status update.
func (q *Queue) AcknowledgeProcessedEvent(ctx context.Context, e events.QueuedEvent) error {
	procKey := processingKey(e.Type)
	now := q.now()

	err := q.store.Atomic(ctx, []string{procKey, dataKey(), statusKey()}, func(ctx context.Context, sc kvstore.Scope) error {
		status := events.QueueStatus{LastProcessedAt: now, LastAction: events.LastActionProcessed}
		encodedStatus, err := json.Marshal(status)
		if err != nil {
			return err
		}
		sc.Queue(func(w kvstore.Writer) {
			w.ZRem(procKey, e.ID)
			w.HDel(dataKey(), e.ID)
			w.Put(statusKey(), string(encodedStatus))
		})
		return nil
	})
	if err != nil {
		return &kvstore.StoreError{Op: "acknowledgeProcessedEvent", Err: err}
	}
	return nil
}

// MoveToDeadLetterQueue removes e from processing, adds it to dead-letter
// with score now, and overwrites its data with the dead-letter entry shape.
func (q *Queue) MoveToDeadLetterQueue(ctx context.Context, e events.QueuedEvent, errText string) error {
	procKey := processingKey(e.Type)
	now := q.now()

	entry := events.DeadLetterEntry{QueuedEvent: e, Error: errText, MovedAt: now}
	encoded, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode dead-letter entry %s: %w", e.ID, err)
	}

	err = q.store.Atomic(ctx, []string{procKey, deadLetterKey(), dataKey(), statusKey()}, func(ctx context.Context, sc kvstore.Scope) error {
		status := events.QueueStatus{LastProcessedAt: now, LastAction: events.LastActionDeadLetter}
		encodedStatus, err := json.Marshal(status)
		if err != nil {
			return err
		}
		sc.Queue(func(w kvstore.Writer) {
			w.ZRem(procKey, e.ID)
			w.ZAdd(deadLetterKey(), float64(now), e.ID)
			w.HSet(dataKey(), e.ID, string(encoded))
			w.Put(statusKey(), string(encodedStatus))
		})
		return nil
	})
	if err != nil {
		return &kvstore.StoreError{Op: "moveToDeadLetterQueue", Err: err}
	}
	return nil
}

// CleanupExpiredDeadLetterEntries removes every dead-letter id whose score
// <= now - ttlMs from both the dead-letter set and the data hash, returning
// the count removed.
func (q *Queue) CleanupExpiredDeadLetterEntries(ctx context.Context, ttlMs int64) (int, error) {
	now := q.now()
	cutoff := float64(now - ttlMs)

	var removed int
	err := q.store.Atomic(ctx, []string{deadLetterKey(), dataKey()}, func(ctx context.Context, sc kvstore.Scope) error {
		removed = 0
		expired, err := sc.ZRangeByScore(ctx, deadLetterKey(), minScore, cutoff, 0)
		if err != nil {
			return err
		}
		if len(expired) == 0 {
			return nil
		}
		sc.Queue(func(w kvstore.Writer) {
			for _, id := range expired {
				w.ZRem(deadLetterKey(), id)
				w.HDel(dataKey(), id)
			}
		})
		removed = len(expired)
		return nil
	})
	if err != nil {
		return 0, &kvstore.StoreError{Op: "cleanupExpiredDeadLetterEntries", Err: err}
	}
	return removed, nil
}

// DeadLetterSize returns the current cardinality of the dead-letter set,
// used by the maintenance scheduler to report queue health each tick.
func (q *Queue) DeadLetterSize(ctx context.Context) (int64, error) {
	return q.store.ZCard(ctx, deadLetterKey())
}

// QueueDepths is a per-type {pending, processing} cardinality pair.
type QueueDepths struct {
	Pending    int64
	Processing int64
}

// GetQueueDepths returns per-type cardinalities.
func (q *Queue) GetQueueDepths(ctx context.Context) (map[events.Type]QueueDepths, error) {
	out := make(map[events.Type]QueueDepths, len(events.Types))
	for _, t := range events.Types {
		pending, err := q.store.ZCard(ctx, pendingKey(t))
		if err != nil {
			return nil, err
		}
		processing, err := q.store.ZCard(ctx, processingKey(t))
		if err != nil {
			return nil, err
		}
		out[t] = QueueDepths{Pending: pending, Processing: processing}
	}
	return out, nil
}

// Status is the aggregated queue status returned by GetQueueStatus.
type Status struct {
	TotalPending    int64
	TotalProcessing int64
	LastProcessedAt int64
	LastAction      string
}

// GetQueueStatus sums depths across types and returns the persisted status
// record alongside the aggregate counts.
func (q *Queue) GetQueueStatus(ctx context.Context) (Status, error) {
	depths, err := q.GetQueueDepths(ctx)
	if err != nil {
		return Status{}, err
	}

	var out Status
	for _, d := range depths {
		out.TotalPending += d.Pending
		out.TotalProcessing += d.Processing
	}

	raw, ok, err := q.store.Get(ctx, statusKey())
	if err != nil {
		return Status{}, err
	}
	if ok {
		var status events.QueueStatus
		if err := json.Unmarshal([]byte(raw), &status); err == nil {
			out.LastProcessedAt = status.LastProcessedAt
			out.LastAction = status.LastAction
		}
	}
	return out, nil
}

// GetBackfillCursor returns the persisted pagination cursor for the webhook
// backfill producer, or "" if none has been set.
func (q *Queue) GetBackfillCursor(ctx context.Context) (string, error) {
	v, _, err := q.store.Get(ctx, backfillCursorKey())
	return v, err
}

// SetBackfillCursor persists cursor for the webhook backfill producer.
func (q *Queue) SetBackfillCursor(ctx context.Context, cursor string) error {
	return q.store.Put(ctx, backfillCursorKey(), cursor)
}

// IncrementMetric atomically increments a label-sorted named counter.
func (q *Queue) IncrementMetric(ctx context.Context, name string, labels map[string]string) (int64, error) {
	return q.store.Incr(ctx, metricKey(name, labels))
}
