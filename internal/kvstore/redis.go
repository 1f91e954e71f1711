package kvstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store over github.com/redis/go-redis/v9.
type RedisStore struct {
	client *redis.Client
}

// Options configures a RedisStore connection.
type Options struct {
	Addr         string
	Password     string
	DB           int
	DialTimeout  time.Duration
	MaxRetryWait time.Duration // cap on the backoff between connect attempts
}

// Connect opens a connection to Redis, retrying the initial ping with
// exponential backoff capped at opts.MaxRetryWait (default 1s between
// attempts).
func Connect(ctx context.Context, opts Options) (*RedisStore, error) {
	if opts.DialTimeout == 0 {
		opts.DialTimeout = 17 * time.Second
	}
	if opts.MaxRetryWait == 0 {
		opts.MaxRetryWait = time.Second
	}

	client := redis.NewClient(&redis.Options{
		Addr:        opts.Addr,
		Password:    opts.Password,
		DB:          opts.DB,
		DialTimeout: opts.DialTimeout,
	})

	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = opts.MaxRetryWait

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		if pingErr := client.Ping(ctx).Err(); pingErr != nil {
			return struct{}{}, pingErr
		}
		return struct{}{}, nil
	}, backoff.WithBackOff(bo), backoff.WithMaxTries(5))
	if err != nil {
		client.Close()
		return nil, &StoreError{Op: "connect", Err: err}
	}

	return &RedisStore{client: client}, nil
}

// NewFromClient wraps an already-constructed redis.Client — used by tests
// to point a RedisStore at a miniredis instance.
func NewFromClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// HSetValue is a convenience wrapper over HSet for callers that don't need
// the created flag — used by tests to seed hash fields directly.
func (s *RedisStore) HSetValue(ctx context.Context, key, field, value string) error {
	_, err := s.HSet(ctx, key, field, value)
	return err
}

// Close implements Store.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// -- Ops: ordered sets --------------------------------------------------

func (s *RedisStore) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return s.client.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
}

func (s *RedisStore) ZScore(ctx context.Context, key, member string) (float64, bool, error) {
	score, err := s.client.ZScore(ctx, key, member).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return score, true, nil
}

func (s *RedisStore) ZRem(ctx context.Context, key, member string) error {
	return s.client.ZRem(ctx, key, member).Err()
}

func (s *RedisStore) ZRangeByIndex(ctx context.Context, key string, lo, hi int64) ([]string, error) {
	return s.client.ZRange(ctx, key, lo, hi).Result()
}

func (s *RedisStore) ZRangeByScore(ctx context.Context, key string, min, max float64, limit int64) ([]string, error) {
	opt := &redis.ZRangeBy{
		Min: fmt.Sprintf("%v", min),
		Max: fmt.Sprintf("%v", max),
	}
	if limit > 0 {
		opt.Offset = 0
		opt.Count = limit
	}
	return s.client.ZRangeByScore(ctx, key, opt).Result()
}

func (s *RedisStore) ZCard(ctx context.Context, key string) (int64, error) {
	return s.client.ZCard(ctx, key).Result()
}

// -- Ops: hashes ----------------------------------------------------------

func (s *RedisStore) HSet(ctx context.Context, key, field, value string) (bool, error) {
	n, err := s.client.HSet(ctx, key, field, value).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *RedisStore) HMGet(ctx context.Context, key string, fields []string) ([]*string, error) {
	if len(fields) == 0 {
		return nil, nil
	}
	raw, err := s.client.HMGet(ctx, key, fields...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*string, len(raw))
	for i, v := range raw {
		if v == nil {
			continue
		}
		str, ok := v.(string)
		if !ok {
			continue
		}
		out[i] = &str
	}
	return out, nil
}

func (s *RedisStore) HDel(ctx context.Context, key string, fields ...string) error {
	if len(fields) == 0 {
		return nil
	}
	return s.client.HDel(ctx, key, fields...).Err()
}

func (s *RedisStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return s.client.HGetAll(ctx, key).Result()
}

func (s *RedisStore) HLen(ctx context.Context, key string) (int64, error) {
	return s.client.HLen(ctx, key).Result()
}

// -- Ops: strings ----------------------------------------------------------

func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (s *RedisStore) Put(ctx context.Context, key, value string) error {
	return s.client.Set(ctx, key, value, 0).Err()
}

func (s *RedisStore) Del(ctx context.Context, key string) error {
	return s.client.Del(ctx, key).Err()
}

func (s *RedisStore) Incr(ctx context.Context, key string) (int64, error) {
	return s.client.Incr(ctx, key).Result()
}

// -- Atomic transactions ---------------------------------------------------

const maxAtomicAttempts = 10

type scope struct {
	*RedisStore
	tx     *redis.Tx
	ctx    context.Context
	queued func(redis.Pipeliner) error
}

func (s *scope) Queue(fn func(w Writer)) {
	s.queued = func(pipe redis.Pipeliner) error {
		fn(&pipelineWriter{ctx: s.ctx, pipe: pipe})
		return nil
	}
}

// Reads issued through a scope run on the watching transaction's
// connection so they see a consistent view for the duration of Atomic.
func (s *scope) ZScore(ctx context.Context, key, member string) (float64, bool, error) {
	score, err := s.tx.ZScore(ctx, key, member).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return score, true, nil
}

func (s *scope) ZRangeByScore(ctx context.Context, key string, min, max float64, limit int64) ([]string, error) {
	opt := &redis.ZRangeBy{Min: fmt.Sprintf("%v", min), Max: fmt.Sprintf("%v", max)}
	if limit > 0 {
		opt.Count = limit
	}
	return s.tx.ZRangeByScore(ctx, key, opt).Result()
}

func (s *scope) ZRangeByIndex(ctx context.Context, key string, lo, hi int64) ([]string, error) {
	return s.tx.ZRange(ctx, key, lo, hi).Result()
}

func (s *scope) ZCard(ctx context.Context, key string) (int64, error) {
	return s.tx.ZCard(ctx, key).Result()
}

func (s *scope) HMGet(ctx context.Context, key string, fields []string) ([]*string, error) {
	if len(fields) == 0 {
		return nil, nil
	}
	raw, err := s.tx.HMGet(ctx, key, fields...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*string, len(raw))
	for i, v := range raw {
		if v == nil {
			continue
		}
		str, ok := v.(string)
		if !ok {
			continue
		}
		out[i] = &str
	}
	return out, nil
}

func (s *scope) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return s.tx.HGetAll(ctx, key).Result()
}

func (s *scope) HLen(ctx context.Context, key string) (int64, error) {
	return s.tx.HLen(ctx, key).Result()
}

func (s *scope) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := s.tx.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

// Atomic implements Store.
func (s *RedisStore) Atomic(ctx context.Context, watchKeys []string, fn func(ctx context.Context, sc Scope) error) error {
	var lastErr error
	for attempt := 0; attempt < maxAtomicAttempts; attempt++ {
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			sc := &scope{RedisStore: s, tx: tx, ctx: ctx}
			if err := fn(ctx, sc); err != nil {
				return err
			}
			if sc.queued == nil {
				return nil
			}
			_, err := tx.TxPipelined(ctx, sc.queued)
			return err
		}, watchKeys...)

		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			lastErr = err
			continue
		}
		return err
	}
	return &StoreError{Op: "atomic", Err: fmt.Errorf("exceeded %d attempts, last error: %w", maxAtomicAttempts, lastErr)}
}

type pipelineWriter struct {
	ctx  context.Context
	pipe redis.Pipeliner
}

func (w *pipelineWriter) ZAdd(key string, score float64, member string) {
	w.pipe.ZAdd(w.ctx, key, redis.Z{Score: score, Member: member})
}

func (w *pipelineWriter) ZRem(key, member string) {
	w.pipe.ZRem(w.ctx, key, member)
}

func (w *pipelineWriter) HSet(key, field, value string) {
	w.pipe.HSet(w.ctx, key, field, value)
}

func (w *pipelineWriter) HDel(key string, fields ...string) {
	if len(fields) == 0 {
		return
	}
	w.pipe.HDel(w.ctx, key, fields...)
}

func (w *pipelineWriter) Put(key, value string) {
	w.pipe.Set(w.ctx, key, value, 0)
}

func (w *pipelineWriter) Del(key string) {
	w.pipe.Del(w.ctx, key)
}

func (w *pipelineWriter) Incr(key string) {
	w.pipe.Incr(w.ctx, key)
}
