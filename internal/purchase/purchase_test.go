package purchase_test

import (
	"context"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/everclearorg/mark/internal/kvstore"
	"github.com/everclearorg/mark/internal/purchase"
)

func newCache(t *testing.T) *purchase.Cache {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return purchase.New(kvstore.NewFromClient(client))
}

func action(intentID string) purchase.Action {
	return purchase.Action{
		Target:          purchase.Invoice{IntentID: intentID},
		Purchase:        purchase.Params{IntentID: intentID},
		TransactionHash: "0xabc",
		CachedAt:        1000,
	}
}

func TestCache_AddPurchasesCountsOnlyCreates(t *testing.T) {
	ctx := context.Background()
	c := newCache(t)

	n, err := c.AddPurchases(ctx, []purchase.Action{action("intent-A")})
	require.NoError(t, err)
	require.Equal(t, 1, n)

	n, err = c.AddPurchases(ctx, []purchase.Action{action("intent-A")})
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestCache_AddPurchasesEmptyInputNoop(t *testing.T) {
	ctx := context.Background()
	c := newCache(t)

	n, err := c.AddPurchases(ctx, nil)
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestCache_GetPurchasesPreservesOrderDropsMissing(t *testing.T) {
	ctx := context.Background()
	c := newCache(t)

	_, err := c.AddPurchases(ctx, []purchase.Action{action("a"), action("b")})
	require.NoError(t, err)

	got, err := c.GetPurchases(ctx, []string{"a", "missing", "b"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "a", got[0].Target.IntentID)
	require.Equal(t, "b", got[1].Target.IntentID)
}

func TestCache_HasPurchase(t *testing.T) {
	ctx := context.Background()
	c := newCache(t)

	has, err := c.HasPurchase(ctx, "intent-A")
	require.NoError(t, err)
	require.False(t, has)

	_, err = c.AddPurchases(ctx, []purchase.Action{action("intent-A")})
	require.NoError(t, err)

	has, err = c.HasPurchase(ctx, "intent-A")
	require.NoError(t, err)
	require.True(t, has)
}

func TestCache_RemovePurchases(t *testing.T) {
	ctx := context.Background()
	c := newCache(t)

	_, err := c.AddPurchases(ctx, []purchase.Action{action("a"), action("b")})
	require.NoError(t, err)

	n, err := c.RemovePurchases(ctx, []string{"a", "missing"})
	require.NoError(t, err)
	require.Equal(t, 1, n)

	all, err := c.GetAllPurchases(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.Equal(t, "b", all[0].Target.IntentID)
}

func TestCache_Clear(t *testing.T) {
	ctx := context.Background()
	c := newCache(t)

	_, err := c.AddPurchases(ctx, []purchase.Action{action("a")})
	require.NoError(t, err)
	require.NoError(t, c.Clear(ctx))

	all, err := c.GetAllPurchases(ctx)
	require.NoError(t, err)
	require.Empty(t, all)
}

// Concurrent AddPurchases for the same intent_id: exactly one call counts
// as a create, the rest are updates, and only one entry survives.
func TestCache_ConcurrentAddPurchasesDedup(t *testing.T) {
	ctx := context.Background()
	c := newCache(t)

	const attempts = 5
	var wg sync.WaitGroup
	results := make([]int, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			n, err := c.AddPurchases(ctx, []purchase.Action{action("intent-Z")})
			require.NoError(t, err)
			results[idx] = n
		}(i)
	}
	wg.Wait()

	sum := 0
	for _, n := range results {
		sum += n
	}
	require.Equal(t, 1, sum)

	all, err := c.GetAllPurchases(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func TestCache_GetPurchasesEmptyInput(t *testing.T) {
	ctx := context.Background()
	c := newCache(t)

	got, err := c.GetPurchases(ctx, nil)
	require.NoError(t, err)
	require.Empty(t, got)
}
