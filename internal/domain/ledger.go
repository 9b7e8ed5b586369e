/**
 * @description
 * This file defines the double-entry ledger models for the escrow-service.
 * These structs map directly to the `accounts`, `ledger_transactions`, and
 * `ledger_entries` tables.
 *
 * @notes
 * - Amounts are stored as `int64` in the smallest currency unit (minor units),
 *   which avoids floating-point inaccuracies with financial data.
 * - Entries are append-only. A committed transaction is never edited;
 *   corrections happen through new compensating transactions.
 */

package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Account types. Asset accounts track money the platform holds with the
// processor; liability accounts track money owed to escrows and payees.
const (
	AccountTypeAsset     = "asset"
	AccountTypeLiability = "liability"
)

// Account owner types.
const (
	OwnerTypePlatform = "platform"
	OwnerTypeUser     = "user"
	OwnerTypeTask     = "task"
)

// Well-known platform account owner ids.
const (
	PlatformCashOwnerID = "processor_cash"
	PlatformFeesOwnerID = "platform_fees"
)

// Entry directions.
const (
	DirectionDebit  = "debit"
	DirectionCredit = "credit"
)

// Ledger transaction statuses.
const (
	TxStatusPending     = "pending"
	TxStatusCommitted   = "committed"
	TxStatusFailed      = "failed"
	TxStatusCompensated = "compensated"
)

// Ledger transaction types, one per financial event the money engine executes.
const (
	TxTypeEscrowHold   = "escrow_hold"
	TxTypeRelease      = "payout_release"
	TxTypeRefund       = "escrow_refund"
	TxTypeSplitRefund  = "split_refund"
	TxTypeSplitRelease = "split_release"
)

// Account represents one balance holder: a user's receivable account, a
// task's escrow account, or a platform-level account. The balance column is
// always the fold of all committed entries against the account; it is never
// mutated except inside a committed transaction.
type Account struct {
	ID          uuid.UUID `json:"id"`
	OwnerType   string    `json:"owner_type"`
	OwnerID     string    `json:"owner_id"`
	AccountType string    `json:"account_type"`
	Currency    string    `json:"currency"`
	Balance     int64     `json:"balance"` // minor units, signed
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// LedgerTransaction is a named atomic unit of financial intent. Once
// committed its entries are immutable.
type LedgerTransaction struct {
	ID              uuid.UUID       `json:"id"`
	IdempotencyKey  string          `json:"idempotency_key"`
	SubjectID       string          `json:"subject_id"`
	TransactionType string          `json:"transaction_type"`
	Status          string          `json:"status"`
	Amount          int64           `json:"amount"`
	Currency        string          `json:"currency"`
	Metadata        json.RawMessage `json:"metadata,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	CommittedAt     *time.Time      `json:"committed_at,omitempty"`
}

// LedgerEntry is one leg of a transaction. For any transaction id,
// sum(debits) == sum(credits).
type LedgerEntry struct {
	ID            uuid.UUID `json:"id"`
	TransactionID uuid.UUID `json:"transaction_id"`
	AccountID     uuid.UUID `json:"account_id"`
	Direction     string    `json:"direction"`
	Amount        int64     `json:"amount"` // strictly positive
	CreatedAt     time.Time `json:"created_at"`
}

// EntriesBalance reports whether the debit and credit legs of a candidate
// entry set sum to the same value. It is checked before any write; the
// reconciler re-checks it against persisted rows.
func EntriesBalance(entries []LedgerEntry) bool {
	var debits, credits int64
	for _, e := range entries {
		if e.Amount <= 0 {
			return false
		}
		switch e.Direction {
		case DirectionDebit:
			debits += e.Amount
		case DirectionCredit:
			credits += e.Amount
		default:
			return false
		}
	}
	return debits == credits && debits > 0
}
