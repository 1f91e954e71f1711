package webhook_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/everclearorg/mark/internal/events"
	"github.com/everclearorg/mark/internal/kvstore"
	"github.com/everclearorg/mark/internal/queue"
	"github.com/everclearorg/mark/internal/webhook"
)

func newHandler(t *testing.T, secret string, minBlock int64) *webhook.Handler {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	q := queue.New(kvstore.NewFromClient(client), zap.NewNop(), queue.Clock(func() int64 { return 1000 }))
	h := webhook.New(q, secret, minBlock, 10, zap.NewNop())
	h.SetReady(true)
	return h
}

func invoicePayload(id, blockNumber string) []byte {
	payload := events.InvoiceEnqueuedPayload{
		ID:          id,
		BlockNumber: blockNumber,
		Invoice: events.Invoice{
			ID:         "inv-" + id,
			TickerHash: "usdc",
			Amount:     "1000",
			Owner:      "0xowner",
			Intent:     events.Intent{ID: "intent-" + id, Origin: "10", Destinations: []string{"1"}},
		},
	}
	data, _ := json.Marshal(payload)
	return data
}

func TestHandleWebhookRequest_WrongSecretUnauthorized(t *testing.T) {
	h := newHandler(t, "correct-secret", 0)
	status, resp := h.HandleWebhookRequest(context.Background(), invoicePayload("ev-1", "100"), "wrong-secret", "invoice-enqueued")
	require.Equal(t, 401, status)
	require.NotEmpty(t, resp.Error)
}

func TestHandleWebhookRequest_MalformedBodyBadRequest(t *testing.T) {
	h := newHandler(t, "s", 0)
	status, _ := h.HandleWebhookRequest(context.Background(), []byte("not json"), "s", "invoice-enqueued")
	require.Equal(t, 400, status)
}

func TestHandleWebhookRequest_BelowMinBlockNumberIgnored(t *testing.T) {
	h := newHandler(t, "s", 500)
	status, resp := h.HandleWebhookRequest(context.Background(), invoicePayload("ev-1", "100"), "s", "invoice-enqueued")
	require.Equal(t, 200, status)
	require.False(t, resp.Processed)
}

func TestHandleWebhookRequest_FirstDeliveryProcessedTrue(t *testing.T) {
	h := newHandler(t, "s", 0)
	status, resp := h.HandleWebhookRequest(context.Background(), invoicePayload("ev-1", "100"), "s", "invoice-enqueued")
	require.Equal(t, 200, status)
	require.True(t, resp.Processed)
	require.Equal(t, "ev-1", resp.WebhookID)
}

// A second delivery of the same webhook id reports processed=false.
func TestHandleWebhookRequest_DuplicateProcessedFalse(t *testing.T) {
	h := newHandler(t, "s", 0)
	status1, resp1 := h.HandleWebhookRequest(context.Background(), invoicePayload("ev-2", "100"), "s", "invoice-enqueued")
	require.Equal(t, 200, status1)
	require.True(t, resp1.Processed)

	status2, resp2 := h.HandleWebhookRequest(context.Background(), invoicePayload("ev-2", "100"), "s", "invoice-enqueued")
	require.Equal(t, 200, status2)
	require.False(t, resp2.Processed)
}

func TestHandleWebhookRequest_UnknownWebhookNameBadRequest(t *testing.T) {
	h := newHandler(t, "s", 0)
	status, _ := h.HandleWebhookRequest(context.Background(), invoicePayload("ev-1", "100"), "s", "not-a-real-webhook")
	require.Equal(t, 400, status)
}

func TestHandleWebhookRequest_NotReadyReturns503(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	q := queue.New(kvstore.NewFromClient(client), zap.NewNop(), nil)
	h := webhook.New(q, "s", 0, 10, zap.NewNop())

	status, resp := h.HandleWebhookRequest(context.Background(), invoicePayload("ev-1", "100"), "s", "invoice-enqueued")
	require.Equal(t, 503, status)
	require.Equal(t, "Handlers not initialized", resp.Error)
}
