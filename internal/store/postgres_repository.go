/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository`
 * interface for accounts and the double-entry ledger, including the atomic
 * saga commit that writes a committed transaction, its balanced entries, the
 * balance updates, and the escrow lock advance in one database transaction.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sidequest/escrow-service/internal/domain"
)

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const accountColumns = `id, owner_type, owner_id, account_type, currency, balance, created_at, updated_at`

func scanAccount(row pgx.Row) (*domain.Account, error) {
	var acc domain.Account
	err := row.Scan(
		&acc.ID,
		&acc.OwnerType,
		&acc.OwnerID,
		&acc.AccountType,
		&acc.Currency,
		&acc.Balance,
		&acc.CreatedAt,
		&acc.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return &acc, nil
}

// EnsureAccount creates the account on first reference and returns the
// existing row on subsequent calls. Accounts are never deleted.
func (r *PostgresRepository) EnsureAccount(ctx context.Context, ownerType, ownerID, accountType, currency string) (*domain.Account, error) {
	insert := `
		INSERT INTO accounts (owner_type, owner_id, account_type, currency, balance)
		VALUES ($1, $2, $3, $4, 0)
		ON CONFLICT (owner_type, owner_id) DO NOTHING
	`
	if _, err := r.db.Exec(ctx, insert, ownerType, ownerID, accountType, currency); err != nil {
		return nil, fmt.Errorf("failed to ensure account: %w", err)
	}
	return r.GetAccountByOwner(ctx, ownerType, ownerID)
}

// GetAccountByOwner retrieves an account by its owner reference.
func (r *PostgresRepository) GetAccountByOwner(ctx context.Context, ownerType, ownerID string) (*domain.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE owner_type = $1 AND owner_id = $2`
	return scanAccount(r.db.QueryRow(ctx, query, ownerType, ownerID))
}

// FindTransactionByIdempotencyKey retrieves a ledger transaction by its idempotency key.
func (r *PostgresRepository) FindTransactionByIdempotencyKey(ctx context.Context, key string) (*domain.LedgerTransaction, error) {
	var txn domain.LedgerTransaction
	query := `
		SELECT id, idempotency_key, subject_id, transaction_type, status, amount, currency, metadata, created_at, committed_at
		FROM ledger_transactions
		WHERE idempotency_key = $1
	`
	err := r.db.QueryRow(ctx, query, key).Scan(
		&txn.ID,
		&txn.IdempotencyKey,
		&txn.SubjectID,
		&txn.TransactionType,
		&txn.Status,
		&txn.Amount,
		&txn.Currency,
		&txn.Metadata,
		&txn.CreatedAt,
		&txn.CommittedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	return &txn, nil
}

// CommitSaga writes the committed ledger transaction, its entries, the
// resulting balance movements, the escrow lock advance, and the outbound and
// audit bookkeeping in a single database transaction. The ledger writes are
// guarded by the transaction idempotency key, so re-running a commit during
// recovery only re-applies the lock and bookkeeping updates.
func (r *PostgresRepository) CommitSaga(ctx context.Context, p CommitSagaParams) error {
	if !balancedSagaEntries(p.Entries) {
		return fmt.Errorf("refusing unbalanced ledger transaction for subject %s", p.SubjectID)
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin saga commit: %w", err)
	}
	defer tx.Rollback(ctx)

	insertTxn := `
		INSERT INTO ledger_transactions (id, idempotency_key, subject_id, transaction_type, status, amount, currency, metadata, committed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		ON CONFLICT (idempotency_key) DO NOTHING
	`
	tag, err := tx.Exec(ctx, insertTxn,
		p.Transaction.ID,
		p.Transaction.IdempotencyKey,
		p.Transaction.SubjectID,
		p.Transaction.TransactionType,
		domain.TxStatusCommitted,
		p.Transaction.Amount,
		p.Transaction.Currency,
		p.Transaction.Metadata,
	)
	if err != nil {
		return fmt.Errorf("failed to insert ledger transaction: %w", err)
	}

	// A conflict means this exact ledger transaction was already applied by
	// an earlier attempt. Skip entries and balances but still finish the lock
	// and bookkeeping updates below.
	if tag.RowsAffected() > 0 {
		for _, entry := range p.Entries {
			if err := applyEntry(ctx, tx, p.Transaction.ID, entry); err != nil {
				return err
			}
		}
	}

	if err := advanceLockTx(ctx, tx, p); err != nil {
		return err
	}

	if p.OutboundKey != "" {
		complete := `
			UPDATE outbound_calls
			SET status = $1, processor_object_id = $2, completed_at = NOW()
			WHERE idempotency_key = $3
		`
		if _, err := tx.Exec(ctx, complete, domain.OutboundSucceeded, p.ProcessorObjectID, p.OutboundKey); err != nil {
			return fmt.Errorf("failed to complete outbound call: %w", err)
		}
	}

	if p.EventID != "" {
		audit := `UPDATE event_audit SET outcome = $1, new_state = $2 WHERE event_id = $3`
		if _, err := tx.Exec(ctx, audit, p.EventOutcome, p.NewState, p.EventID); err != nil {
			return fmt.Errorf("failed to finalize event audit: %w", err)
		}
	}

	return tx.Commit(ctx)
}

func balancedSagaEntries(entries []SagaEntry) bool {
	var debits, credits int64
	for _, e := range entries {
		if e.Amount <= 0 {
			return false
		}
		switch e.Direction {
		case domain.DirectionDebit:
			debits += e.Amount
		case domain.DirectionCredit:
			credits += e.Amount
		default:
			return false
		}
	}
	return debits > 0 && debits == credits
}

// applyEntry appends one ledger entry and moves the account balance by the
// natural-sign delta: debits increase asset accounts, credits increase
// liability accounts. Moves that would take a liability account negative are
// rejected with ErrInsufficientBalance.
func applyEntry(ctx context.Context, tx pgx.Tx, txnID uuid.UUID, entry SagaEntry) error {
	insert := `
		INSERT INTO ledger_entries (transaction_id, account_id, direction, amount)
		VALUES ($1, $2, $3, $4)
	`
	if _, err := tx.Exec(ctx, insert, txnID, entry.AccountID, entry.Direction, entry.Amount); err != nil {
		if pgErr, ok := err.(*pgconn.PgError); ok && pgErr.Code == "23503" {
			return ErrAccountNotFound
		}
		return fmt.Errorf("failed to insert ledger entry: %w", err)
	}

	update := `
		UPDATE accounts
		SET balance = balance + (CASE
				WHEN account_type = 'asset' AND $1 = 'debit' THEN $2::bigint
				WHEN account_type = 'asset' AND $1 = 'credit' THEN -$2::bigint
				WHEN account_type = 'liability' AND $1 = 'credit' THEN $2::bigint
				ELSE -$2::bigint
			END),
			updated_at = NOW()
		WHERE id = $3
		  AND (account_type = 'asset' OR $1 = 'credit' OR balance >= $2)
	`
	tag, err := tx.Exec(ctx, update, entry.Direction, entry.Amount, entry.AccountID)
	if err != nil {
		return fmt.Errorf("failed to update account balance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM accounts WHERE id = $1)`, entry.AccountID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrAccountNotFound
		}
		return ErrInsufficientBalance
	}
	return nil
}
