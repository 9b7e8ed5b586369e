package domain

import "time"

// HoldRequest is the DTO for funding a task's escrow.
type HoldRequest struct {
	SubjectID string `json:"subject_id"`
	EventID   string `json:"event_id"`
	PayerID   string `json:"payer_id"`
	PayeeID   string `json:"payee_id"`
	Amount    int64  `json:"amount"` // minor units
	Currency  string `json:"currency,omitempty"`
}

// DispositionRequest is the DTO shared by release, refund, and dispute
// requests against an existing escrow.
type DispositionRequest struct {
	EventID string `json:"event_id"`
	Actor   string `json:"actor,omitempty"`
}

// SplitRequest resolves a dispute into a partial refund plus a partial
// release. RefundAmount + ReleaseAmount must equal the held amount exactly.
type SplitRequest struct {
	EventID       string `json:"event_id"`
	RefundAmount  int64  `json:"refund_amount"`
	ReleaseAmount int64  `json:"release_amount"`
	Actor         string `json:"actor,omitempty"`
}

// AdminActionRequest is the DTO for forceRefund / forcePayout.
type AdminActionRequest struct {
	AdminID string `json:"admin_id"`
	Reason  string `json:"reason"`
}

// EventResult is what the money engine returns for every admitted event.
type EventResult struct {
	EventID          string `json:"event_id"`
	SubjectID        string `json:"subject_id"`
	State            string `json:"state"`
	Outcome          string `json:"outcome"`
	DuplicateIgnored bool   `json:"duplicate_ignored,omitempty"`
}

// EscrowStateResponse is returned by getState for the task-lifecycle layer.
type EscrowStateResponse struct {
	SubjectID    string    `json:"subject_id"`
	State        string    `json:"state"`
	DisplayState string    `json:"display_state"`
	HeldAmount   int64     `json:"held_amount"`
	Currency     string    `json:"currency"`
	Version      int64     `json:"version"`
	DeadlineAt   time.Time `json:"deadline_at"`
}

// ProcessorWebhookEvent is the payload of processor-originated status events,
// delivered over HTTP or relayed through the broker. ProcessorEventID is the
// processor's own event id and is deduplicated through the same guard as
// engine events.
type ProcessorWebhookEvent struct {
	ProcessorEventID string `json:"processor_event_id"`
	IdempotencyKey   string `json:"idempotency_key"`
	ObjectID         string `json:"object_id"`
	ObjectType       string `json:"object_type"`
	Status           string `json:"status"`
	Reason           string `json:"reason,omitempty"`
}

// RecoverySweepResult summarizes one pass of the saga recovery sweeper.
type RecoverySweepResult struct {
	Scanned    int `json:"scanned"`
	Committed  int `json:"committed"`
	Reverted   int `json:"reverted"`
	Redispatch int `json:"redispatched"`
	Escalated  int `json:"escalated"`
	Errors     int `json:"errors"`
}

// TimeoutSweepResult summarizes one pass of the escrow timeout sweeper.
type TimeoutSweepResult struct {
	Scanned   int `json:"scanned"`
	Refunded  int `json:"refunded"`
	Escalated int `json:"escalated"`
	Errors    int `json:"errors"`
}

// TransactionImbalance is one per-transaction zero-sum violation found by the
// reconciler.
type TransactionImbalance struct {
	TransactionID   string `json:"transaction_id"`
	SubjectID       string `json:"subject_id"`
	TransactionType string `json:"transaction_type"`
	Debits          int64  `json:"debits"`
	Credits         int64  `json:"credits"`
}

// AccountMismatch is one account whose recorded balance differs from the
// fold of its entries.
type AccountMismatch struct {
	AccountID      string `json:"account_id"`
	OwnerType      string `json:"owner_type"`
	OwnerID        string `json:"owner_id"`
	StoredBalance  int64  `json:"stored_balance"`
	DerivedBalance int64  `json:"derived_balance"`
}

// ReconciliationReport is the output of one invariant check. Violations are
// reported, never auto-corrected.
type ReconciliationReport struct {
	CheckedAt              time.Time              `json:"checked_at"`
	TotalDebits            int64                  `json:"total_debits"`
	TotalCredits           int64                  `json:"total_credits"`
	Drift                  int64                  `json:"drift"`
	UnbalancedTransactions []TransactionImbalance `json:"unbalanced_transactions,omitempty"`
	AccountMismatches      []AccountMismatch      `json:"account_mismatches,omitempty"`
}

// Clean reports whether the ledger passed every invariant.
func (r *ReconciliationReport) Clean() bool {
	return r.Drift == 0 && len(r.UnbalancedTransactions) == 0 && len(r.AccountMismatches) == 0
}
