/**
 * @description
 * This file provides the read-only queries behind the reconciliation report:
 * global debit/credit drift, per-transaction imbalances, and accounts whose
 * stored balance disagrees with the fold of their entries.
 */

package store

import (
	"context"

	"github.com/sidequest/escrow-service/internal/domain"
)

// entryDeltaSQL is the natural-sign fold used everywhere balances are
// derived: debits increase asset accounts, credits increase liability
// accounts.
const entryDeltaSQL = `CASE
	WHEN a.account_type = 'asset' AND e.direction = 'debit' THEN e.amount
	WHEN a.account_type = 'asset' AND e.direction = 'credit' THEN -e.amount
	WHEN a.account_type = 'liability' AND e.direction = 'credit' THEN e.amount
	ELSE -e.amount
END`

// LedgerDrift sums all committed debits and credits. The two totals must be
// equal at every instant.
func (r *PostgresRepository) LedgerDrift(ctx context.Context) (int64, int64, error) {
	var debits, credits int64
	query := `
		SELECT
			COALESCE(SUM(CASE WHEN e.direction = 'debit' THEN e.amount ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN e.direction = 'credit' THEN e.amount ELSE 0 END), 0)
		FROM ledger_entries e
		JOIN ledger_transactions t ON t.id = e.transaction_id
		WHERE t.status = 'committed'
	`
	if err := r.db.QueryRow(ctx, query).Scan(&debits, &credits); err != nil {
		return 0, 0, err
	}
	return debits, credits, nil
}

// ListUnbalancedTransactions returns committed transactions whose entries do
// not sum to zero. Any result is an invariant breach.
func (r *PostgresRepository) ListUnbalancedTransactions(ctx context.Context) ([]domain.TransactionImbalance, error) {
	query := `
		SELECT t.id, t.subject_id, t.transaction_type,
			COALESCE(SUM(CASE WHEN e.direction = 'debit' THEN e.amount ELSE 0 END), 0) AS debits,
			COALESCE(SUM(CASE WHEN e.direction = 'credit' THEN e.amount ELSE 0 END), 0) AS credits
		FROM ledger_transactions t
		LEFT JOIN ledger_entries e ON e.transaction_id = t.id
		WHERE t.status = 'committed'
		GROUP BY t.id, t.subject_id, t.transaction_type
		HAVING COALESCE(SUM(CASE WHEN e.direction = 'debit' THEN e.amount ELSE 0 END), 0)
			<> COALESCE(SUM(CASE WHEN e.direction = 'credit' THEN e.amount ELSE 0 END), 0)
	`
	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.TransactionImbalance
	for rows.Next() {
		var imb domain.TransactionImbalance
		if err := rows.Scan(&imb.TransactionID, &imb.SubjectID, &imb.TransactionType, &imb.Debits, &imb.Credits); err != nil {
			return nil, err
		}
		out = append(out, imb)
	}
	return out, rows.Err()
}

// ListAccountMismatches compares each stored account balance against the fold
// of its committed entries.
func (r *PostgresRepository) ListAccountMismatches(ctx context.Context) ([]domain.AccountMismatch, error) {
	query := `
		SELECT a.id, a.owner_type, a.owner_id, a.balance,
			COALESCE(SUM(CASE WHEN t.status = 'committed' THEN ` + entryDeltaSQL + ` ELSE 0 END), 0) AS derived
		FROM accounts a
		LEFT JOIN ledger_entries e ON e.account_id = a.id
		LEFT JOIN ledger_transactions t ON t.id = e.transaction_id
		GROUP BY a.id, a.owner_type, a.owner_id, a.balance
		HAVING a.balance <> COALESCE(SUM(CASE WHEN t.status = 'committed' THEN ` + entryDeltaSQL + ` ELSE 0 END), 0)
	`
	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.AccountMismatch
	for rows.Next() {
		var m domain.AccountMismatch
		if err := rows.Scan(&m.AccountID, &m.OwnerType, &m.OwnerID, &m.StoredBalance, &m.DerivedBalance); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
