package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event audit outcomes. "executing" marks an ambiguous external call whose
// true result only the recovery sweeper or a processor webhook may decide.
const (
	OutcomePending   = "pending"
	OutcomeCommitted = "committed"
	OutcomeFailed    = "failed"
	OutcomeExecuting = "executing"
)

// Outbound call statuses.
const (
	OutboundPending   = "pending"
	OutboundSucceeded = "succeeded"
	OutboundFailed    = "failed"
)

// Outbound call types, matching the processor API surface.
const (
	CallTypeHold     = "hold"
	CallTypeTransfer = "transfer"
	CallTypeRefund   = "refund"
)

// EventAuditRecord is the immutable append-only log of every event attempt.
// It doubles as the idempotency table: admission is an atomic insert keyed by
// EventID, and a conflict means the event was already seen.
type EventAuditRecord struct {
	EventID       string          `json:"event_id"`
	SubjectID     string          `json:"subject_id"`
	EventType     string          `json:"event_type"`
	PreviousState string          `json:"previous_state"`
	NewState      string          `json:"new_state"`
	Actor         string          `json:"actor"`
	Outcome       string          `json:"outcome"`
	Context       json.RawMessage `json:"context,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// OutboundCall records every idempotency key ever sent (or about to be sent)
// to the processor. Its absence proves no external call was dispatched for an
// intent; its presence requires querying the processor before any further
// local action. This row is written and durably committed before the network
// call it describes.
type OutboundCall struct {
	IdempotencyKey    string          `json:"idempotency_key"`
	SubjectID         string          `json:"subject_id"`
	EventID           string          `json:"event_id"`
	CallType          string          `json:"call_type"`
	Amount            int64           `json:"amount"`
	Payload           json.RawMessage `json:"payload,omitempty"`
	Status            string          `json:"status"`
	ProcessorObjectID *string         `json:"processor_object_id,omitempty"`
	DispatchedAt      time.Time       `json:"dispatched_at"`
	CompletedAt       *time.Time      `json:"completed_at,omitempty"`
}

// KillSwitch is the persisted process-wide gate over all money movement. It
// must survive restarts, so it is a database row rather than a flag in
// memory.
type KillSwitch struct {
	Active      bool       `json:"active"`
	Reason      string     `json:"reason"`
	TriggeredBy string     `json:"triggered_by"`
	TriggeredAt *time.Time `json:"triggered_at,omitempty"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty"`
}

// AdminOverride records a manual admin money action. Admin actions run
// through the same engine path as ordinary events; this row is written in
// addition, never instead.
type AdminOverride struct {
	ID        uuid.UUID `json:"id"`
	SubjectID string    `json:"subject_id"`
	AdminID   string    `json:"admin_id"`
	Action    string    `json:"action"`
	Reason    string    `json:"reason"`
	EventID   string    `json:"event_id"`
	CreatedAt time.Time `json:"created_at"`
}
