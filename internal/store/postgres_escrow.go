/**
 * @description
 * This file provides the PostgreSQL persistence for escrow locks: creation,
 * version-guarded state transitions, and the scan queries the recovery and
 * timeout sweepers run. Every state change is a conditional UPDATE on the
 * expected version, so concurrent writers lose cleanly instead of racing.
 */

package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sidequest/escrow-service/internal/domain"
)

const escrowColumns = `subject_id, state, version, held_amount, currency, payer_id, payee_id,
	inflight_event_id, processor_hold_id, processor_transfer_id, processor_refund_id,
	recovery_attempts, task_completed, deadline_at, last_transition_at, created_at`

func scanEscrowLock(row pgx.Row) (*domain.EscrowLock, error) {
	var lock domain.EscrowLock
	err := row.Scan(
		&lock.SubjectID,
		&lock.State,
		&lock.Version,
		&lock.HeldAmount,
		&lock.Currency,
		&lock.PayerID,
		&lock.PayeeID,
		&lock.InflightEventID,
		&lock.ProcessorHoldID,
		&lock.ProcessorTransferID,
		&lock.ProcessorRefundID,
		&lock.RecoveryAttempts,
		&lock.TaskCompleted,
		&lock.DeadlineAt,
		&lock.LastTransitionAt,
		&lock.CreatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrEscrowNotFound
		}
		return nil, err
	}
	return &lock, nil
}

// CreateEscrowLock inserts a new lock in the pending state at version 1.
func (r *PostgresRepository) CreateEscrowLock(ctx context.Context, lock domain.EscrowLock) (*domain.EscrowLock, error) {
	query := `
		INSERT INTO escrow_locks (subject_id, state, version, held_amount, currency, payer_id, payee_id, deadline_at, last_transition_at)
		VALUES ($1, $2, 1, $3, $4, $5, $6, $7, NOW())
		RETURNING ` + escrowColumns
	created, err := scanEscrowLock(r.db.QueryRow(ctx, query,
		lock.SubjectID,
		domain.StatePending,
		lock.HeldAmount,
		lock.Currency,
		lock.PayerID,
		lock.PayeeID,
		lock.DeadlineAt,
	))
	if err != nil {
		if pgErr, ok := err.(*pgconn.PgError); ok && pgErr.Code == "23505" {
			return nil, ErrEscrowExists
		}
		return nil, err
	}
	return created, nil
}

// GetEscrowLock retrieves a lock by its subject id.
func (r *PostgresRepository) GetEscrowLock(ctx context.Context, subjectID string) (*domain.EscrowLock, error) {
	query := `SELECT ` + escrowColumns + ` FROM escrow_locks WHERE subject_id = $1`
	return scanEscrowLock(r.db.QueryRow(ctx, query, subjectID))
}

// TransitionEscrowLock moves a lock to a new state if and only if the stored
// version still matches the expected one. Terminal states are refused at the
// SQL level regardless of version. A zero-row result is classified by a
// follow-up read: missing row, terminal state, or a concurrent writer.
func (r *PostgresRepository) TransitionEscrowLock(ctx context.Context, p TransitionParams) (*domain.EscrowLock, error) {
	query := `
		UPDATE escrow_locks
		SET state = $1,
			version = version + 1,
			inflight_event_id = $2,
			last_transition_at = NOW()
		WHERE subject_id = $3
		  AND version = $4
		  AND state NOT IN ('released', 'refunded', 'refund_partial')
		RETURNING ` + escrowColumns
	lock, err := scanEscrowLock(r.db.QueryRow(ctx, query, p.NewState, p.InflightEventID, p.SubjectID, p.ExpectedVersion))
	if err == nil {
		return lock, nil
	}
	if err != ErrEscrowNotFound {
		return nil, err
	}
	return nil, r.classifyTransitionMiss(ctx, p.SubjectID)
}

func (r *PostgresRepository) classifyTransitionMiss(ctx context.Context, subjectID string) error {
	current, err := r.GetEscrowLock(ctx, subjectID)
	if err != nil {
		return err
	}
	if domain.IsTerminalState(current.State) {
		return domain.ErrTerminalState
	}
	return ErrVersionConflict
}

// advanceLockTx performs the lock advance inside an already-open saga commit
// and records any processor object references in the same statement.
func advanceLockTx(ctx context.Context, tx pgx.Tx, p CommitSagaParams) error {
	query := `
		UPDATE escrow_locks
		SET state = $1,
			version = version + 1,
			inflight_event_id = NULL,
			processor_hold_id = COALESCE($2, processor_hold_id),
			processor_transfer_id = COALESCE($3, processor_transfer_id),
			processor_refund_id = COALESCE($4, processor_refund_id),
			recovery_attempts = 0,
			last_transition_at = NOW()
		WHERE subject_id = $5
		  AND version = $6
		  AND state NOT IN ('released', 'refunded', 'refund_partial')
	`
	tag, err := tx.Exec(ctx, query,
		p.NewState,
		p.ProcessorHoldID,
		p.ProcessorTransferID,
		p.ProcessorRefundID,
		p.SubjectID,
		p.ExpectedVersion,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		var state string
		err := tx.QueryRow(ctx, `SELECT state FROM escrow_locks WHERE subject_id = $1`, p.SubjectID).Scan(&state)
		if err != nil {
			if err == pgx.ErrNoRows {
				return ErrEscrowNotFound
			}
			return err
		}
		if domain.IsTerminalState(state) {
			return domain.ErrTerminalState
		}
		return ErrVersionConflict
	}
	return nil
}

// SetTaskCompleted flips the completion marker consulted by the timeout sweeper.
func (r *PostgresRepository) SetTaskCompleted(ctx context.Context, subjectID string, completed bool) error {
	tag, err := r.db.Exec(ctx, `UPDATE escrow_locks SET task_completed = $1 WHERE subject_id = $2`, completed, subjectID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrEscrowNotFound
	}
	return nil
}

// ListStuckLocks returns locks sitting in an intermediate state since before
// the cutoff, oldest first. These are the saga executions interrupted between
// dispatch and commit.
func (r *PostgresRepository) ListStuckLocks(ctx context.Context, cutoff time.Time, limit int) ([]domain.EscrowLock, error) {
	query := `
		SELECT ` + escrowColumns + `
		FROM escrow_locks
		WHERE state IN ('holding', 'releasing', 'refunding', 'splitting')
		  AND last_transition_at < $1
		ORDER BY last_transition_at ASC
		LIMIT $2
	`
	return r.collectLocks(ctx, query, cutoff, limit)
}

// ListExpiredHeldLocks returns held locks whose deadline has passed. The
// timeout sweeper auto-refunds the incomplete ones and escalates the rest.
func (r *PostgresRepository) ListExpiredHeldLocks(ctx context.Context, now time.Time, limit int) ([]domain.EscrowLock, error) {
	query := `
		SELECT ` + escrowColumns + `
		FROM escrow_locks
		WHERE state = 'held'
		  AND deadline_at IS NOT NULL
		  AND deadline_at < $1
		ORDER BY deadline_at ASC
		LIMIT $2
	`
	return r.collectLocks(ctx, query, now, limit)
}

func (r *PostgresRepository) collectLocks(ctx context.Context, query string, args ...interface{}) ([]domain.EscrowLock, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var locks []domain.EscrowLock
	for rows.Next() {
		lock, err := scanEscrowLock(rows)
		if err != nil {
			return nil, err
		}
		locks = append(locks, *lock)
	}
	return locks, rows.Err()
}

// IncrementRecoveryAttempts bumps the per-lock recovery counter and returns
// the new value so the sweeper can decide whether to escalate.
func (r *PostgresRepository) IncrementRecoveryAttempts(ctx context.Context, subjectID string) (int, error) {
	var attempts int
	query := `
		UPDATE escrow_locks
		SET recovery_attempts = recovery_attempts + 1
		WHERE subject_id = $1
		RETURNING recovery_attempts
	`
	err := r.db.QueryRow(ctx, query, subjectID).Scan(&attempts)
	if err != nil {
		if err == pgx.ErrNoRows {
			return 0, ErrEscrowNotFound
		}
		return 0, err
	}
	return attempts, nil
}
