// Package kvstore is the key-value store abstraction the rest of the
// invoice core is built on: ordered sets with numeric scores, hashes,
// strings, and an atomic multi-op transaction. It exists so
// the queue (internal/queue) and purchase cache (internal/purchase) can be
// tested against a real store's semantics without a live network Redis —
// RedisStore is exercised in tests against github.com/alicebob/miniredis,
// a real in-process Redis protocol implementation.
package kvstore

import "context"

// StoreError wraps a failure returned by the underlying store, as opposed
// to a caller error (bad arguments). internal/purchase.Clear reports its
// failures as this type.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return "kvstore: " + e.Op + ": " + e.Err.Error()
}

func (e *StoreError) Unwrap() error { return e.Err }

// Ops is the synchronous command surface: ordered sets, hashes, strings.
// Every method here executes immediately. Store embeds Ops for use outside
// a transaction; Scope (passed into Atomic's callback) embeds it too, for
// reads made while a transaction's watched keys are held.
type Ops interface {
	// ZAdd adds member to the ordered set at key with the given score,
	// or updates its score if already present.
	ZAdd(ctx context.Context, key string, score float64, member string) error
	// ZScore returns the score of member in the ordered set at key.
	// ok is false if the member is absent.
	ZScore(ctx context.Context, key, member string) (score float64, ok bool, err error)
	// ZRem removes member from the ordered set at key. Removing an absent
	// member is not an error.
	ZRem(ctx context.Context, key, member string) error
	// ZRangeByIndex returns members in [lo, hi] by rank, ascending score.
	ZRangeByIndex(ctx context.Context, key string, lo, hi int64) ([]string, error)
	// ZRangeByScore returns members with min <= score <= max, ascending
	// score, capped at limit (0 means unlimited).
	ZRangeByScore(ctx context.Context, key string, min, max float64, limit int64) ([]string, error)
	// ZCard returns the number of members in the ordered set at key.
	ZCard(ctx context.Context, key string) (int64, error)

	// HSet sets field within the hash at key. created is true iff field did
	// not previously exist — callers rely on this single round-trip signal
	// instead of a separate existence check, which would leave a race
	// window between the read and the write under concurrent callers.
	HSet(ctx context.Context, key, field, value string) (created bool, err error)
	// HMGet fetches fields from the hash at key. Each result is nil for a
	// field that does not exist, preserving fields' order.
	HMGet(ctx context.Context, key string, fields []string) ([]*string, error)
	// HDel removes fields from the hash at key.
	HDel(ctx context.Context, key string, fields ...string) error
	// HGetAll returns every field/value pair in the hash at key.
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	// HLen returns the number of fields in the hash at key.
	HLen(ctx context.Context, key string) (int64, error)

	// Get returns the string at key. ok is false if key is unset.
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	// Put sets key to value.
	Put(ctx context.Context, key, value string) error
	// Del deletes key.
	Del(ctx context.Context, key string) error
	// Incr increments the integer at key (treated as 0 if unset) and
	// returns the new value.
	Incr(ctx context.Context, key string) (int64, error)
}

// Writer is the write-only command surface queued inside an Atomic
// transaction's commit pipeline. Its operations have no individual return
// value; the transaction either commits every queued write or none of them.
type Writer interface {
	ZAdd(key string, score float64, member string)
	ZRem(key, member string)
	HSet(key, field, value string)
	HDel(key string, fields ...string)
	Put(key, value string)
	Del(key string)
	Incr(key string)
}

// Scope is handed to an Atomic callback. Reads made through it observe the
// store while its watched keys are held; Queue registers the single write
// batch committed atomically once the callback returns.
type Scope interface {
	Ops
	// Queue registers the writes to commit atomically. Calling Queue more
	// than once keeps only the last registration. A callback that never
	// calls Queue commits no writes (a read-only atomic op, used to
	// validate preconditions without holding a lock longer than necessary
	// is fine; it's still correct here since Atomic is a no-op commit).
	Queue(fn func(w Writer))
}

// Store is the full abstraction: direct ops plus atomic multi-key
// transactions, plus lifecycle.
type Store interface {
	Ops
	// Atomic runs fn with a Scope holding a watch on watchKeys. If any
	// watched key changes between the watch being established and the
	// commit, the whole attempt is retried internally up to a bounded
	// number of times before returning an error: a batch that executes
	// atomically with respect to other client writes to the same keys.
	Atomic(ctx context.Context, watchKeys []string, fn func(ctx context.Context, s Scope) error) error
	// Close releases the underlying connection.
	Close() error
}
