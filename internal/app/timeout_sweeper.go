/**
 * @description
 * This file implements the escrow timeout sweeper. Held escrows whose
 * deadline passed without the task being completed are automatically
 * refunded through the exact same saga path a caller-initiated refund takes,
 * under a deterministic event id so repeated sweeps of the same lock stay
 * idempotent. Expired escrows whose task did complete are escalated instead
 * of refunded.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/sidequest/escrow-service/internal/domain"
)

const timeoutSweepBatchSize = 50

// RunTimeoutSweep refunds held escrows past their deadline.
func (e *Engine) RunTimeoutSweep(ctx context.Context) (*domain.TimeoutSweepResult, error) {
	result := &domain.TimeoutSweepResult{}

	if err := e.checkKillSwitch(ctx); err != nil {
		return result, err
	}

	locks, err := e.repo.ListExpiredHeldLocks(ctx, time.Now().UTC(), timeoutSweepBatchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired locks: %w", err)
	}

	for i := range locks {
		lock := &locks[i]
		result.Scanned++

		if lock.TaskCompleted {
			// The task finished but nobody released the money. That is an
			// operator problem, not an auto-refund.
			result.Escalated++
			e.publishAlert(ctx, "escrow.escalated", map[string]string{
				"subject_id": lock.SubjectID,
				"cause":      "deadline passed with task completed but unreleased",
			})
			log.Printf("level=warn component=timeout_sweeper subject_id=%s msg=\"completed task past deadline; awaiting release\"", lock.SubjectID)
			continue
		}

		// Deterministic per subject, so a sweep interrupted mid-refund and a
		// later sweep of the same lock share one event.
		eventID := "timeout-refund:" + lock.SubjectID

		res, err := e.Refund(ctx, lock.SubjectID, domain.DispositionRequest{
			EventID: eventID,
			Actor:   "timeout_sweeper",
		})
		switch {
		case err == nil && res != nil && res.DuplicateIgnored && res.Outcome == domain.OutcomeFailed:
			// A prior sweep's refund was declined; this needs an operator.
			result.Escalated++
			e.publishAlert(ctx, "escrow.escalated", map[string]string{
				"subject_id": lock.SubjectID,
				"cause":      "prior auto-refund failed",
			})
			log.Printf("level=error component=timeout_sweeper subject_id=%s msg=\"prior auto-refund failed; manual review required\"", lock.SubjectID)
		case err == nil && res != nil && res.DuplicateIgnored:
			// Already refunded by an earlier sweep.
		case err == nil:
			result.Refunded++
		case errors.Is(err, ErrProcessorPending), errors.Is(err, ErrEventInProgress):
			// In flight; the recovery sweeper owns it now.
		case errors.Is(err, ErrKillSwitchActive):
			return result, err
		case errors.Is(err, ErrProcessorDecline):
			result.Escalated++
			e.publishAlert(ctx, "escrow.escalated", map[string]string{
				"subject_id": lock.SubjectID,
				"cause":      "auto-refund declined by processor",
			})
			log.Printf("level=error component=timeout_sweeper subject_id=%s msg=\"auto-refund declined by processor\"", lock.SubjectID)
		default:
			result.Errors++
			log.Printf("level=error component=timeout_sweeper subject_id=%s msg=\"auto-refund failed\" err=%v", lock.SubjectID, err)
		}
	}

	log.Printf("level=info component=timeout_sweeper scanned=%d refunded=%d escalated=%d errors=%d",
		result.Scanned, result.Refunded, result.Escalated, result.Errors)
	return result, nil
}
