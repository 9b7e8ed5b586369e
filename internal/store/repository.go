/**
 * @description
 * This file defines the Repository interface for the escrow-service data
 * layer, the sentinel errors it surfaces, and the parameter structs for the
 * two multi-row operations (saga commit and lock transition).
 *
 * @notes
 * - Defining the interface here decouples the money engine from Postgres and
 *   lets tests substitute stubs.
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sidequest/escrow-service/internal/domain"
)

var (
	ErrAccountNotFound      = errors.New("account not found")
	ErrEscrowNotFound       = errors.New("escrow lock not found")
	ErrEscrowExists         = errors.New("escrow lock already exists")
	ErrVersionConflict      = errors.New("escrow version conflict")
	ErrInsufficientBalance  = errors.New("insufficient escrow balance")
	ErrTransactionNotFound  = errors.New("ledger transaction not found")
	ErrOutboundCallNotFound = errors.New("outbound call not found")
	ErrEventNotFound        = errors.New("event audit record not found")
)

// SagaEntry is one candidate ledger leg inside a saga commit.
type SagaEntry struct {
	AccountID uuid.UUID
	Direction string
	Amount    int64
}

// CommitSagaParams describes the single atomic unit executed when a saga
// commits: ledger transaction + balanced entries + balance updates + escrow
// lock advance + outbound log completion + audit outcome, all in one
// database transaction.
type CommitSagaParams struct {
	Transaction domain.LedgerTransaction
	Entries     []SagaEntry

	SubjectID       string
	ExpectedVersion int64
	NewState        string

	// Processor object references recorded on the lock; nil fields are left
	// untouched.
	ProcessorHoldID     *string
	ProcessorTransferID *string
	ProcessorRefundID   *string

	// Outbound log completion; empty key skips the update.
	OutboundKey       string
	ProcessorObjectID string

	// Audit outcome; empty event id skips the update.
	EventID      string
	EventOutcome string
}

// TransitionParams is a bare version-guarded state transition with no ledger
// effect: saga entry into an intermediate state, a dispute lock, or a revert
// after an explicit processor decline.
type TransitionParams struct {
	SubjectID       string
	ExpectedVersion int64
	NewState        string
	InflightEventID *string // nil clears the in-flight marker
}

// Repository defines all persistence operations used by the money engine,
// the sweepers, and the reconciler.
type Repository interface {
	// Accounts are created lazily on first reference and never deleted.
	EnsureAccount(ctx context.Context, ownerType, ownerID, accountType, currency string) (*domain.Account, error)
	GetAccountByOwner(ctx context.Context, ownerType, ownerID string) (*domain.Account, error)

	// CommitSaga applies a committed ledger transaction and advances the
	// escrow lock in one atomic unit. Re-running a commit with the same
	// idempotency key is safe: already-applied ledger writes are skipped.
	CommitSaga(ctx context.Context, p CommitSagaParams) error
	FindTransactionByIdempotencyKey(ctx context.Context, key string) (*domain.LedgerTransaction, error)

	// AdmitEvent atomically records an event attempt. It returns admitted ==
	// false together with the original record when the event id was already
	// seen.
	AdmitEvent(ctx context.Context, rec domain.EventAuditRecord) (admitted bool, prior *domain.EventAuditRecord, err error)
	GetEventAudit(ctx context.Context, eventID string) (*domain.EventAuditRecord, error)
	SetEventOutcome(ctx context.Context, eventID, outcome, newState string) error

	CreateEscrowLock(ctx context.Context, lock domain.EscrowLock) (*domain.EscrowLock, error)
	GetEscrowLock(ctx context.Context, subjectID string) (*domain.EscrowLock, error)
	TransitionEscrowLock(ctx context.Context, p TransitionParams) (*domain.EscrowLock, error)
	SetTaskCompleted(ctx context.Context, subjectID string, completed bool) error
	ListStuckLocks(ctx context.Context, cutoff time.Time, limit int) ([]domain.EscrowLock, error)
	ListExpiredHeldLocks(ctx context.Context, now time.Time, limit int) ([]domain.EscrowLock, error)
	IncrementRecoveryAttempts(ctx context.Context, subjectID string) (int, error)

	CreateOutboundCall(ctx context.Context, call domain.OutboundCall) error
	GetOutboundCall(ctx context.Context, idempotencyKey string) (*domain.OutboundCall, error)
	MarkOutboundCallFailed(ctx context.Context, idempotencyKey string) error

	GetKillSwitch(ctx context.Context) (*domain.KillSwitch, error)
	TriggerKillSwitch(ctx context.Context, reason, actor string) error
	ResolveKillSwitch(ctx context.Context, actor string) error

	CreateAdminOverride(ctx context.Context, rec domain.AdminOverride) error

	LedgerDrift(ctx context.Context) (debits int64, credits int64, err error)
	ListUnbalancedTransactions(ctx context.Context) ([]domain.TransactionImbalance, error)
	ListAccountMismatches(ctx context.Context) ([]domain.AccountMismatch, error)
}
