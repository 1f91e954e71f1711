// Package events defines the wire and in-process shapes that flow through
// the event queue: event types, priorities, the QueuedEvent envelope, and
// the webhook payload variants it carries.
package events

import "encoding/json"

// Type is the closed set of event kinds the queue accepts. The set is
// extensible in principle, but every variant currently recognized is
// listed here.
type Type string

const (
	InvoiceEnqueued    Type = "InvoiceEnqueued"
	SettlementEnqueued Type = "SettlementEnqueued"
)

// Types lists every known Type, used for validation and for iterating the
// queue's per-type keyspace in fair round-robin order.
var Types = []Type{InvoiceEnqueued, SettlementEnqueued}

// Valid reports whether t is a recognized event type.
func (t Type) Valid() bool {
	switch t {
	case InvoiceEnqueued, SettlementEnqueued:
		return true
	default:
		return false
	}
}

// Priority orders events for operator visibility; it does not currently
// affect dequeue order, which is governed solely by scheduledAt score.
type Priority string

const (
	PriorityHigh   Priority = "HIGH"
	PriorityNormal Priority = "NORMAL"
	PriorityLow    Priority = "LOW"
)

// Valid reports whether p is a recognized priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityHigh, PriorityNormal, PriorityLow:
		return true
	default:
		return false
	}
}

// Metadata carries provenance and correlation fields alongside a QueuedEvent.
type Metadata struct {
	Source            string `json:"source"`
	CorrelationID     string `json:"correlationId,omitempty"`
	ChainID           string `json:"chainId,omitempty"`
	TokenAddress      string `json:"tokenAddress,omitempty"`
	OriginalWebhookID string `json:"originalWebhookId,omitempty"`
}

// QueuedEvent is the envelope stored in the event queue's data hash and
// carried through pending/processing/dead-letter.
type QueuedEvent struct {
	ID          string          `json:"id"`
	Type        Type            `json:"type"`
	Data        json.RawMessage `json:"data"`
	Priority    Priority        `json:"priority"`
	RetryCount  int             `json:"retryCount"`
	MaxRetries  int             `json:"maxRetries"`
	ScheduledAt int64           `json:"scheduledAt"`
	Metadata    Metadata        `json:"metadata"`
}

// Validate checks the structural invariants enqueueEvent must enforce:
// id is non-empty, scheduledAt is non-negative, priority and type are
// both members of their closed sets.
func (e *QueuedEvent) Validate() error {
	if e.ID == "" {
		return &ValidationError{Field: "id", Reason: "must not be empty"}
	}
	if e.ScheduledAt < 0 {
		return &ValidationError{Field: "scheduledAt", Reason: "must be >= 0"}
	}
	if !e.Priority.Valid() {
		return &ValidationError{Field: "priority", Reason: "must be HIGH, NORMAL, or LOW"}
	}
	if !e.Type.Valid() {
		return &ValidationError{Field: "type", Reason: "not in the closed set of known event types"}
	}
	if e.RetryCount < 0 {
		return &ValidationError{Field: "retryCount", Reason: "must be >= 0"}
	}
	if e.MaxRetries < 0 {
		return &ValidationError{Field: "maxRetries", Reason: "must be >= 0"}
	}
	return nil
}

// ValidationError reports a rejected QueuedEvent field. Validation errors
// are never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid " + e.Field + ": " + e.Reason
}

// IsPermanent marks ValidationError as never retryable — internal/consumer
// classifies errors via this interface rather than importing concrete
// error types from every package that can produce one.
func (e *ValidationError) IsPermanent() bool { return true }

// DeadLetterEntry is a QueuedEvent extended with failure provenance.
type DeadLetterEntry struct {
	QueuedEvent
	Error   string `json:"error"`
	MovedAt int64  `json:"movedAt"`
}

// QueueStatus is the persisted aggregate status record.
type QueueStatus struct {
	LastProcessedAt int64  `json:"lastProcessedAt"`
	LastAction      string `json:"lastAction"`
}

const (
	LastActionProcessed  = "processed"
	LastActionDeadLetter = "deadLetter"
)
