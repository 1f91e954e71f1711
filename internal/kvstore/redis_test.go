package kvstore_test

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/everclearorg/mark/internal/kvstore"
)

func newTestStore(t *testing.T) *kvstore.RedisStore {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return kvstore.NewFromClient(client)
}

func TestRedisStore_OrderedSet(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.ZAdd(ctx, "q", 3, "c"))
	require.NoError(t, s.ZAdd(ctx, "q", 1, "a"))
	require.NoError(t, s.ZAdd(ctx, "q", 2, "b"))

	members, err := s.ZRangeByIndex(ctx, "q", 0, -1)
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b", "c"}, members)

	score, ok, err := s.ZScore(ctx, "q", "b")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, float64(2), score)

	_, ok, err = s.ZScore(ctx, "q", "missing")
	require.NoError(t, err)
	require.False(t, ok)

	byScore, err := s.ZRangeByScore(ctx, "q", 0, 2, 0)
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, byScore)

	limited, err := s.ZRangeByScore(ctx, "q", 0, 3, 1)
	require.NoError(t, err)
	require.Equal(t, []string{"a"}, limited)

	card, err := s.ZCard(ctx, "q")
	require.NoError(t, err)
	require.Equal(t, int64(3), card)

	require.NoError(t, s.ZRem(ctx, "q", "b"))
	card, err = s.ZCard(ctx, "q")
	require.NoError(t, err)
	require.Equal(t, int64(2), card)

	// Removing an absent member is not an error.
	require.NoError(t, s.ZRem(ctx, "q", "nonexistent"))
}

func TestRedisStore_Hash(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	created, err := s.HSet(ctx, "h", "f1", "v1")
	require.NoError(t, err)
	require.True(t, created)
	_, err = s.HSet(ctx, "h", "f2", "v2")
	require.NoError(t, err)

	vals, err := s.HMGet(ctx, "h", []string{"f1", "missing", "f2"})
	require.NoError(t, err)
	require.Len(t, vals, 3)
	require.NotNil(t, vals[0])
	require.Equal(t, "v1", *vals[0])
	require.Nil(t, vals[1])
	require.NotNil(t, vals[2])
	require.Equal(t, "v2", *vals[2])

	all, err := s.HGetAll(ctx, "h")
	require.NoError(t, err)
	require.Equal(t, map[string]string{"f1": "v1", "f2": "v2"}, all)

	n, err := s.HLen(ctx, "h")
	require.NoError(t, err)
	require.Equal(t, int64(2), n)

	require.NoError(t, s.HDel(ctx, "h", "f1"))
	n, err = s.HLen(ctx, "h")
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}

func TestRedisStore_String(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, ok, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.Put(ctx, "k", "v"))
	v, ok, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v", v)

	require.NoError(t, s.Del(ctx, "k"))
	_, ok, err = s.Get(ctx, "k")
	require.NoError(t, err)
	require.False(t, ok)

	n, err := s.Incr(ctx, "counter")
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
	n, err = s.Incr(ctx, "counter")
	require.NoError(t, err)
	require.Equal(t, int64(2), n)
}

func TestRedisStore_AtomicMovesMembersBetweenSets(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.ZAdd(ctx, "pending", 1, "evt-1"))
	require.NoError(t, s.ZAdd(ctx, "pending", 2, "evt-2"))

	err := s.Atomic(ctx, []string{"pending", "processing"}, func(ctx context.Context, sc kvstore.Scope) error {
		members, err := sc.ZRangeByScore(ctx, "pending", 0, 2, 1)
		if err != nil {
			return err
		}
		sc.Queue(func(w kvstore.Writer) {
			for _, m := range members {
				w.ZRem("pending", m)
				w.ZAdd("processing", 2, m)
			}
		})
		return nil
	})
	require.NoError(t, err)

	pendingCard, err := s.ZCard(ctx, "pending")
	require.NoError(t, err)
	require.Equal(t, int64(1), pendingCard)

	processingCard, err := s.ZCard(ctx, "processing")
	require.NoError(t, err)
	require.Equal(t, int64(1), processingCard)

	members, err := s.ZRangeByIndex(ctx, "processing", 0, -1)
	require.NoError(t, err)
	require.Equal(t, []string{"evt-1"}, members)
}

func TestRedisStore_AtomicReadOnlyCommitsNoWrites(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.Put(ctx, "k", "v"))

	err := s.Atomic(ctx, []string{"k"}, func(ctx context.Context, sc kvstore.Scope) error {
		_, _, err := sc.Get(ctx, "k")
		return err
	})
	require.NoError(t, err)

	v, ok, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v", v)
}

func TestRedisStore_AtomicPropagatesCallbackError(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	sentinel := require.Error
	err := s.Atomic(ctx, []string{"k"}, func(ctx context.Context, sc kvstore.Scope) error {
		return errNotFound
	})
	sentinel(t, err)
}

var errNotFound = &kvstore.StoreError{Op: "test", Err: errTest{}}

type errTest struct{}

func (errTest) Error() string { return "simulated failure" }
