// Package purchase implements the purchase cache: the
// at-most-one-purchase-per-invoice deduplication boundary. Without it the
// agent could resubmit fulfilling transactions for the same invoice
// across retries or restarts.
package purchase

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/everclearorg/mark/internal/events"
	"github.com/everclearorg/mark/internal/kvstore"
)

const namespaceKey = "purchases:data"

// Invoice is the opaque invoice record a PurchaseAction targets.
type Invoice struct {
	IntentID                    string   `json:"intent_id"`
	Owner                       string   `json:"owner"`
	Amount                      string   `json:"amount"`
	Origin                      string   `json:"origin"`
	Destinations                []string `json:"destinations"`
	TickerHash                  string   `json:"ticker_hash"`
	EntryEpoch                  string   `json:"entry_epoch"`
	HubStatus                   string   `json:"hub_status"`
	HubInvoiceEnqueuedTimestamp int64    `json:"hub_invoice_enqueued_timestamp"`
}

// Params describes the submitted fulfilling intent.
type Params struct {
	IntentID string            `json:"intentId"`
	Params   map[string]string `json:"params"`
}

// Action is a PurchaseAction: the record created when fulfilling
// intents are submitted, and removed once downstream settlement is observed.
type Action struct {
	Target          Invoice `json:"target"`
	Purchase        Params  `json:"purchase"`
	TransactionHash string  `json:"transactionHash"`
	TransactionType string  `json:"transactionType,omitempty"`
	CachedAt        int64   `json:"cachedAt"`
}

// Cache tracks in-flight purchases, backed by a single kvstore hash keyed
// by invoice intent_id.
type Cache struct {
	store kvstore.Store
}

// New constructs a Cache over store.
func New(store kvstore.Store) *Cache {
	return &Cache{store: store}
}

// AddPurchases serializes each action and upserts it into the cache hash,
// keyed by target.intent_id. It returns the number of newly created entries
// — updates to an existing intent_id count as 0. Concurrent
// addPurchases for the same intent_id are serialized by the store; the
// later write wins, which is acceptable because PurchaseAction
// content is derived from the same on-chain truth.
func (c *Cache) AddPurchases(ctx context.Context, actions []Action) (int, error) {
	if len(actions) == 0 {
		return 0, nil
	}

	created := 0
	for _, a := range actions {
		encoded, err := json.Marshal(a)
		if err != nil {
			return created, fmt.Errorf("encode purchase action %s: %w", a.Target.IntentID, err)
		}
		// HSet reports per-call whether the field was new, so concurrent
		// callers upserting the same intent_id never double-count a
		// create — the store itself serializes each field write.
		wasCreated, err := c.store.HSet(ctx, namespaceKey, a.Target.IntentID, string(encoded))
		if err != nil {
			return created, &kvstore.StoreError{Op: "addPurchases", Err: err}
		}
		if wasCreated {
			created++
		}
	}
	return created, nil
}

// GetPurchases multi-gets ids, drops entries with no record, and preserves
// the input order of surviving entries. Empty input returns no actions but
// still issues a single store round-trip, so the read shows up in
// store-side request accounting like any other lookup.
func (c *Cache) GetPurchases(ctx context.Context, ids []string) ([]Action, error) {
	if len(ids) == 0 {
		if _, err := c.store.HLen(ctx, namespaceKey); err != nil {
			return nil, &kvstore.StoreError{Op: "getPurchases", Err: err}
		}
		return []Action{}, nil
	}

	raw, err := c.store.HMGet(ctx, namespaceKey, ids)
	if err != nil {
		return nil, &kvstore.StoreError{Op: "getPurchases", Err: err}
	}

	out := make([]Action, 0, len(ids))
	for _, v := range raw {
		if v == nil {
			continue
		}
		var a Action
		if err := json.Unmarshal([]byte(*v), &a); err != nil {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

// GetAllPurchases scans the full hash and parses every value.
func (c *Cache) GetAllPurchases(ctx context.Context) ([]Action, error) {
	all, err := c.store.HGetAll(ctx, namespaceKey)
	if err != nil {
		return nil, &kvstore.StoreError{Op: "getAllPurchases", Err: err}
	}

	out := make([]Action, 0, len(all))
	for _, v := range all {
		var a Action
		if err := json.Unmarshal([]byte(v), &a); err != nil {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

// HasPurchase reports whether id has a cached purchase action. This is the
// idempotency check the event processor must consult before submitting a
// fulfilling transaction.
func (c *Cache) HasPurchase(ctx context.Context, id string) (bool, error) {
	vals, err := c.store.HMGet(ctx, namespaceKey, []string{id})
	if err != nil {
		return false, &kvstore.StoreError{Op: "hasPurchase", Err: err}
	}
	return len(vals) == 1 && vals[0] != nil, nil
}

// RemovePurchases deletes ids from the cache and returns the count of
// fields actually removed. Empty input returns 0 without a store call.
func (c *Cache) RemovePurchases(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	existing, err := c.store.HMGet(ctx, namespaceKey, ids)
	if err != nil {
		return 0, &kvstore.StoreError{Op: "removePurchases", Err: err}
	}

	present := make([]string, 0, len(ids))
	for i, id := range ids {
		if existing[i] != nil {
			present = append(present, id)
		}
	}
	if len(present) == 0 {
		return 0, nil
	}

	if err := c.store.HDel(ctx, namespaceKey, present...); err != nil {
		return 0, &kvstore.StoreError{Op: "removePurchases", Err: err}
	}
	return len(present), nil
}

// Clear flushes the entire purchase namespace. It fails with a StoreError
// if the underlying store reports anything other than success.
func (c *Cache) Clear(ctx context.Context) error {
	if err := c.store.Del(ctx, namespaceKey); err != nil {
		return &kvstore.StoreError{Op: "clear", Err: err}
	}
	return nil
}

// InvalidateBySettlement removes purchase entries matching a
// SettlementEnqueued payload's intentId, once downstream settlement has
// been observed for that intent.
func (c *Cache) InvalidateBySettlement(ctx context.Context, payload events.SettlementEnqueuedPayload) (int, error) {
	return c.RemovePurchases(ctx, []string{payload.IntentID})
}
