// Package webhook implements the webhook intake handler: it authenticates
// requests, deduplicates via the event queue's enqueue contract, and
// enqueues one QueuedEvent per delivery. HandleWebhookRequest is a pure
// function over bytes, independently testable without an HTTP server; the
// thin chi router in router.go is the only HTTP surface.
package webhook

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"strconv"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/everclearorg/mark/internal/events"
)

// Queue is the narrow subset of internal/queue.Queue the webhook handler
// depends on.
type Queue interface {
	EnqueueEvent(ctx context.Context, e events.QueuedEvent) (bool, error)
}

// Clock abstracts wall-clock time so tests can assert on scheduledAt
// without depending on real time.
type Clock func() int64

// Handler authenticates and enqueues webhook deliveries.
type Handler struct {
	queue         Queue
	secret        string
	minBlock      int64
	defaultMaxRet int
	log           *zap.Logger
	now           Clock
	ready         atomic.Bool
}

// Option configures a Handler at construction.
type Option func(*Handler)

// WithClock overrides the wall clock, for deterministic tests.
func WithClock(now Clock) Option {
	return func(h *Handler) { h.now = now }
}

// New constructs a Handler. secret is the shared webhook secret compared
// in constant time; minBlockNumber is the floor
// below which events are rejected as historical replays; defaultMaxRetries
// seeds QueuedEvent.MaxRetries for every enqueued event.
func New(queue Queue, secret string, minBlockNumber int64, defaultMaxRetries int, log *zap.Logger, opts ...Option) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	h := &Handler{
		queue:         queue,
		secret:        secret,
		minBlock:      minBlockNumber,
		defaultMaxRet: defaultMaxRetries,
		log:           log,
		now:           func() int64 { return time.Now().UnixMilli() },
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// SetReady flips whether the handler accepts webhook requests. The boot
// sequencer (internal/app) calls SetReady(true) once the queue and its
// dependencies are fully wired; until then HandleWebhookRequest returns
// 503 with {"error":"Handlers not initialized"}.
func (h *Handler) SetReady(ready bool) { h.ready.Store(ready) }

// Response is the JSON body HandleWebhookRequest returns.
type Response struct {
	Message   string `json:"message,omitempty"`
	Processed bool   `json:"processed"`
	WebhookID string `json:"webhookId,omitempty"`
	Error     string `json:"error,omitempty"`
}

// rawEnvelope is the subset of every webhook payload's shape this handler
// needs before it can be opaque-serialized into a QueuedEvent: the
// event's declared id and the blockNumber replay floor. Both travel as
// decimal strings, never parsed as numbers.
type rawEnvelope struct {
	ID          string `json:"id"`
	BlockNumber string `json:"blockNumber"`
}

// webhookTypeMap resolves a webhookName path segment to the QueuedEvent
// Type it produces. New webhook names are added here alongside a processor
// handler.
var webhookTypeMap = map[string]events.Type{
	"invoice-enqueued":    events.InvoiceEnqueued,
	"settlement-enqueued": events.SettlementEnqueued,
}

// HandleWebhookRequest verifies the secret (constant-time), parses the
// body, enforces the block number floor, builds and enqueues a
// QueuedEvent, and reports processed=false on a duplicate. Any
// internal failure yields 500 with a generic body — webhook senders
// always see 200 unless authentication, parsing, or readiness fails.
func (h *Handler) HandleWebhookRequest(ctx context.Context, rawBody []byte, secretHeader, webhookName string) (int, Response) {
	if !h.ready.Load() {
		return 503, Response{Error: "Handlers not initialized"}
	}

	if subtle.ConstantTimeCompare([]byte(secretHeader), []byte(h.secret)) != 1 {
		return 401, Response{Error: "unauthorized"}
	}

	eventType, ok := webhookTypeMap[webhookName]
	if !ok {
		return 400, Response{Error: "unknown webhook: " + webhookName}
	}

	var env rawEnvelope
	if err := json.Unmarshal(rawBody, &env); err != nil {
		return 400, Response{Error: "malformed request body"}
	}
	if env.ID == "" {
		return 400, Response{Error: "missing id"}
	}

	blockNumber, err := strconv.ParseInt(env.BlockNumber, 10, 64)
	if err != nil {
		return 400, Response{Error: "malformed blockNumber"}
	}
	if blockNumber < h.minBlock {
		h.log.Info("ignoring historical webhook replay",
			zap.String("webhookId", env.ID), zap.Int64("blockNumber", blockNumber), zap.Int64("minBlockNumber", h.minBlock))
		return 200, Response{Processed: false, WebhookID: env.ID, Message: "ignored: below minimum block number"}
	}

	event := events.QueuedEvent{
		ID:          env.ID,
		Type:        eventType,
		Data:        json.RawMessage(rawBody),
		Priority:    events.PriorityNormal,
		RetryCount:  0,
		MaxRetries:  h.defaultMaxRet,
		ScheduledAt: h.now(),
		Metadata:    events.Metadata{Source: webhookName, OriginalWebhookID: env.ID},
	}

	alreadySeen, err := h.queue.EnqueueEvent(ctx, event)
	if err != nil {
		h.log.Error("failed to enqueue webhook event", zap.String("webhookId", env.ID), zap.Error(err))
		return 500, Response{Error: "internal error"}
	}

	if alreadySeen {
		return 200, Response{Processed: false, WebhookID: env.ID}
	}
	return 200, Response{Processed: true, WebhookID: env.ID}
}
