/**
 * @description
 * This file implements the ledger invariant checker. It recomputes the
 * global debit/credit totals, finds unbalanced committed transactions, and
 * compares every stored account balance against the fold of its entries.
 * Violations are reported and trip the kill switch; nothing is ever
 * auto-corrected.
 */

package app

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/sidequest/escrow-service/internal/domain"
)

// RunReconciliation performs one full invariant check over the ledger.
func (e *Engine) RunReconciliation(ctx context.Context) (*domain.ReconciliationReport, error) {
	report := &domain.ReconciliationReport{CheckedAt: time.Now().UTC()}

	debits, credits, err := e.repo.LedgerDrift(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compute ledger drift: %w", err)
	}
	report.TotalDebits = debits
	report.TotalCredits = credits
	report.Drift = debits - credits

	report.UnbalancedTransactions, err = e.repo.ListUnbalancedTransactions(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list unbalanced transactions: %w", err)
	}

	report.AccountMismatches, err = e.repo.ListAccountMismatches(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list account mismatches: %w", err)
	}

	if !report.Clean() {
		reconciliationBreaches.Inc()
		killSwitchTrips.Inc()
		reason := fmt.Sprintf("ledger invariant breach: drift=%d unbalanced=%d mismatched_accounts=%d",
			report.Drift, len(report.UnbalancedTransactions), len(report.AccountMismatches))
		log.Printf("level=error component=reconciler msg=\"invariant breach detected; triggering kill switch\" drift=%d unbalanced=%d mismatched_accounts=%d",
			report.Drift, len(report.UnbalancedTransactions), len(report.AccountMismatches))
		if err := e.repo.TriggerKillSwitch(ctx, reason, "reconciler"); err != nil {
			return report, fmt.Errorf("failed to trigger kill switch after breach: %w", err)
		}
		e.publishAlert(ctx, "escrow.killswitch_triggered", map[string]string{
			"reason":       reason,
			"triggered_by": "reconciler",
		})
		return report, nil
	}

	log.Printf("level=info component=reconciler msg=\"ledger clean\" total_debits=%d total_credits=%d", debits, credits)
	return report, nil
}
