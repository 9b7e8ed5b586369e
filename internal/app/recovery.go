/**
 * @description
 * This file implements the saga recovery sweeper. It finds escrow locks left
 * in an intermediate state past a threshold and resolves each one from
 * evidence, ledger first, processor second:
 *
 *  1. No outbound dispatch evidence: the crash happened before the network
 *     call, so the lock is reverted to its prior stable state.
 *  2. Dispatch evidence but no outcome: the processor is queried by
 *     idempotency key. A settled object commits the saga, a failed object
 *     reverts it, and "not found" proves the dispatch never landed, making a
 *     re-dispatch under the same key safe.
 *
 * Locks that survive more attempts than the configured cap trip the kill
 * switch for operator review.
 */

package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/sidequest/escrow-service/internal/domain"
	"github.com/sidequest/escrow-service/internal/store"
	"github.com/sidequest/escrow-service/pkg/processorclient"
)

const recoverySweepBatchSize = 50

// RunRecoverySweep resolves locks stuck in an intermediate state since
// before now minus olderThan.
func (e *Engine) RunRecoverySweep(ctx context.Context, olderThan time.Duration) (*domain.RecoverySweepResult, error) {
	result := &domain.RecoverySweepResult{}

	cutoff := time.Now().UTC().Add(-olderThan)
	locks, err := e.repo.ListStuckLocks(ctx, cutoff, recoverySweepBatchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to list stuck locks: %w", err)
	}

	for i := range locks {
		lock := &locks[i]
		result.Scanned++

		attempts, err := e.repo.IncrementRecoveryAttempts(ctx, lock.SubjectID)
		if err != nil {
			result.Errors++
			log.Printf("level=error component=recovery_sweeper subject_id=%s msg=\"failed to bump recovery attempts\" err=%v", lock.SubjectID, err)
			continue
		}
		if attempts > e.maxRecoveryAttempts {
			reason := fmt.Sprintf("recovery attempts exhausted for subject %s in state %s", lock.SubjectID, lock.State)
			if err := e.repo.TriggerKillSwitch(ctx, reason, "recovery_sweeper"); err != nil {
				result.Errors++
				log.Printf("level=error component=recovery_sweeper subject_id=%s msg=\"failed to trigger kill switch\" err=%v", lock.SubjectID, err)
				continue
			}
			result.Escalated++
			killSwitchTrips.Inc()
			e.publishAlert(ctx, "escrow.killswitch_triggered", map[string]string{
				"subject_id":   lock.SubjectID,
				"reason":       reason,
				"triggered_by": "recovery_sweeper",
			})
			log.Printf("level=error component=recovery_sweeper subject_id=%s state=%s attempts=%d msg=\"kill switch triggered\"", lock.SubjectID, lock.State, attempts)
			continue
		}

		outcome, err := e.resolveStuckLock(ctx, lock)
		if err != nil {
			result.Errors++
			log.Printf("level=error component=recovery_sweeper subject_id=%s state=%s msg=\"resolution failed\" err=%v", lock.SubjectID, lock.State, err)
			continue
		}
		recoveryResolutionsTotal.WithLabelValues(outcome.String()).Inc()
		switch outcome {
		case resolutionCommitted:
			result.Committed++
		case resolutionReverted:
			result.Reverted++
		case resolutionRedispatched:
			result.Redispatch++
		}
	}

	log.Printf("level=info component=recovery_sweeper scanned=%d committed=%d reverted=%d redispatched=%d escalated=%d errors=%d",
		result.Scanned, result.Committed, result.Reverted, result.Redispatch, result.Escalated, result.Errors)
	return result, nil
}

type resolution int

const (
	resolutionNone resolution = iota
	resolutionCommitted
	resolutionReverted
	resolutionRedispatched
)

func (r resolution) String() string {
	switch r {
	case resolutionCommitted:
		return "committed"
	case resolutionReverted:
		return "reverted"
	case resolutionRedispatched:
		return "redispatched"
	default:
		return "none"
	}
}

func (e *Engine) resolveStuckLock(ctx context.Context, lock *domain.EscrowLock) (resolution, error) {
	if lock.State == domain.StateSplitting {
		return e.resolveStuckSplit(ctx, lock)
	}

	eventID, fromDispute := e.inflightContext(ctx, lock)
	leg, err := e.rebuildLeg(ctx, lock, eventID)
	if err != nil {
		return resolutionNone, err
	}
	return e.resolveLeg(ctx, lock, leg, eventID, fromDispute)
}

// resolveLeg classifies one in-flight saga leg from the outbound log and, if
// needed, the processor.
func (e *Engine) resolveLeg(ctx context.Context, lock *domain.EscrowLock, leg sagaLeg, eventID string, fromDispute bool) (resolution, error) {
	call, err := e.repo.GetOutboundCall(ctx, leg.key)
	if err == store.ErrOutboundCallNotFound {
		// Nothing was ever dispatched. Reverting cannot lose money.
		return e.revertStuck(ctx, lock, eventID, fromDispute)
	}
	if err != nil {
		return resolutionNone, err
	}

	switch call.Status {
	case domain.OutboundFailed:
		// Decline was recorded but the revert did not land before the crash.
		return e.revertStuck(ctx, lock, eventID, fromDispute)
	case domain.OutboundSucceeded:
		// Commit and dispatch log are written together, so this means a
		// prior partial recovery; re-running the commit is idempotent.
		objectID := ""
		if call.ProcessorObjectID != nil {
			objectID = *call.ProcessorObjectID
		}
		if _, err := e.commitLeg(ctx, leg, objectID); err != nil {
			return resolutionNone, err
		}
		return resolutionCommitted, nil
	}

	obj, err := e.processor.GetByIdempotencyKey(ctx, leg.key)
	if err == processorclient.ErrNotFound {
		// The processor never saw the key: the original dispatch never
		// landed, so repeating it under the same key cannot double-move.
		log.Printf("level=info component=recovery_sweeper subject_id=%s key=%s msg=\"no processor object; re-dispatching\"", lock.SubjectID, leg.key)
		if _, err := e.executeLeg(ctx, lock, leg, eventID, fromDispute); err != nil {
			if errors.Is(err, ErrProcessorPending) {
				return resolutionRedispatched, nil
			}
			if errors.Is(err, ErrProcessorDecline) {
				return resolutionReverted, nil
			}
			return resolutionNone, err
		}
		return resolutionCommitted, nil
	}
	if err != nil {
		return resolutionNone, fmt.Errorf("processor lookup failed: %w", err)
	}

	switch {
	case obj.Succeeded():
		if _, err := e.commitLeg(ctx, leg, obj.Data.ID); err != nil {
			return resolutionNone, err
		}
		return resolutionCommitted, nil
	case obj.Failed():
		if err := e.repo.MarkOutboundCallFailed(ctx, leg.key); err != nil {
			log.Printf("level=error component=recovery_sweeper subject_id=%s msg=\"failed to mark outbound call failed\" err=%v", lock.SubjectID, err)
		}
		return e.revertStuck(ctx, lock, eventID, fromDispute)
	default:
		// Still settling at the processor; next sweep will look again.
		return resolutionNone, nil
	}
}

func (e *Engine) revertStuck(ctx context.Context, lock *domain.EscrowLock, eventID string, fromDispute bool) (resolution, error) {
	reverted, err := e.revert(ctx, lock, fromDispute)
	if err != nil {
		return resolutionNone, fmt.Errorf("failed to revert stuck lock: %w", err)
	}
	if eventID != "" {
		if err := e.repo.SetEventOutcome(ctx, eventID, domain.OutcomeFailed, reverted.State); err != nil {
			log.Printf("level=error component=recovery_sweeper subject_id=%s event_id=%s msg=\"failed to record revert outcome\" err=%v", lock.SubjectID, eventID, err)
		}
	}
	return resolutionReverted, nil
}

// inflightContext recovers the event id that started the stuck saga and
// whether it began from a dispute, using the audit record when one exists.
func (e *Engine) inflightContext(ctx context.Context, lock *domain.EscrowLock) (string, bool) {
	if lock.InflightEventID == nil {
		return "", false
	}
	eventID := *lock.InflightEventID
	rec, err := e.repo.GetEventAudit(ctx, eventID)
	if err != nil {
		return eventID, false
	}
	return eventID, rec.PreviousState == domain.StateLockedDispute
}

// rebuildLeg reconstructs the saga leg for a stuck intermediate state so the
// recovery path applies exactly the postings the live path would have.
func (e *Engine) rebuildLeg(ctx context.Context, lock *domain.EscrowLock, eventID string) (sagaLeg, error) {
	switch lock.State {
	case domain.StateHolding:
		entries, err := e.holdEntries(ctx, lock)
		if err != nil {
			return sagaLeg{}, err
		}
		payload, _ := json.Marshal(processorclient.HoldRequest{
			Amount:    lock.HeldAmount,
			Currency:  lock.Currency,
			PayerID:   lock.PayerID,
			Reference: lock.SubjectID,
		})
		return sagaLeg{
			callType: domain.CallTypeHold,
			key:      holdKey(lock.SubjectID),
			amount:   lock.HeldAmount,
			payload:  payload,
			dispatch: func(ctx context.Context) (*processorclient.ObjectResponse, error) {
				return e.processor.CreateHold(ctx, holdKey(lock.SubjectID), processorclient.HoldRequest{
					Amount:    lock.HeldAmount,
					Currency:  lock.Currency,
					PayerID:   lock.PayerID,
					Reference: lock.SubjectID,
				})
			},
			commit: store.CommitSagaParams{
				Transaction:     newLedgerTransaction(holdKey(lock.SubjectID), lock.SubjectID, domain.TxTypeEscrowHold, lock.HeldAmount, lock.Currency, nil),
				Entries:         entries,
				SubjectID:       lock.SubjectID,
				ExpectedVersion: lock.Version,
				NewState:        domain.StateHeld,
				OutboundKey:     holdKey(lock.SubjectID),
				EventID:         eventID,
				EventOutcome:    domain.OutcomeCommitted,
			},
		}, nil
	case domain.StateReleasing:
		leg, err := e.releaseLeg(ctx, lock, releaseKey(lock.SubjectID), domain.TxTypeRelease, lock.HeldAmount, eventID)
		if err != nil {
			return sagaLeg{}, err
		}
		leg.commit.ExpectedVersion = lock.Version
		return leg, nil
	case domain.StateRefunding:
		leg, err := e.refundLeg(ctx, lock, refundKey(lock.SubjectID), domain.TxTypeRefund, lock.HeldAmount, domain.StateRefunded, eventID)
		if err != nil {
			return sagaLeg{}, err
		}
		leg.commit.ExpectedVersion = lock.Version
		return leg, nil
	}
	return sagaLeg{}, fmt.Errorf("no saga leg for state %s", lock.State)
}

// resolveStuckSplit handles the two-leg split saga. The refund leg is
// resolved first; once its ledger transaction exists the release leg is
// resolved or freshly dispatched.
func (e *Engine) resolveStuckSplit(ctx context.Context, lock *domain.EscrowLock) (resolution, error) {
	eventID, _ := e.inflightContext(ctx, lock)

	refundTx, err := e.repo.FindTransactionByIdempotencyKey(ctx, splitRefundKey(lock.SubjectID))
	if err == store.ErrTransactionNotFound {
		refundCall, callErr := e.repo.GetOutboundCall(ctx, splitRefundKey(lock.SubjectID))
		if callErr == store.ErrOutboundCallNotFound {
			// Neither leg was dispatched; the split never started moving money.
			return e.revertStuck(ctx, lock, eventID, false)
		}
		if callErr != nil {
			return resolutionNone, callErr
		}
		leg, legErr := e.refundLeg(ctx, lock, splitRefundKey(lock.SubjectID), domain.TxTypeSplitRefund, refundCall.Amount, domain.StateSplitting, eventID)
		if legErr != nil {
			return resolutionNone, legErr
		}
		leg.commit.ExpectedVersion = lock.Version
		leg.commit.EventOutcome = domain.OutcomeExecuting
		res, err := e.resolveLeg(ctx, lock, leg, eventID, false)
		if err != nil || res != resolutionCommitted {
			return res, err
		}
		// Fall through to the release leg with the advanced lock.
		lock, err = e.repo.GetEscrowLock(ctx, lock.SubjectID)
		if err != nil {
			return resolutionNone, err
		}
		refundTx, err = e.repo.FindTransactionByIdempotencyKey(ctx, splitRefundKey(lock.SubjectID))
		if err != nil {
			return resolutionNone, err
		}
	} else if err != nil {
		return resolutionNone, err
	}

	releaseAmount := lock.HeldAmount - refundTx.Amount
	if releaseAmount <= 0 {
		return resolutionNone, fmt.Errorf("split release amount %d is not positive for subject %s", releaseAmount, lock.SubjectID)
	}
	leg, err := e.releaseLeg(ctx, lock, splitReleaseKey(lock.SubjectID), domain.TxTypeSplitRelease, releaseAmount, eventID)
	if err != nil {
		return resolutionNone, err
	}
	leg.commit.ExpectedVersion = lock.Version

	if _, err := e.repo.GetOutboundCall(ctx, splitReleaseKey(lock.SubjectID)); err == store.ErrOutboundCallNotFound {
		// Refund leg is committed but the release leg was never dispatched.
		if _, err := e.executeLeg(ctx, lock, leg, eventID, false); err != nil {
			if errors.Is(err, ErrProcessorPending) {
				return resolutionRedispatched, nil
			}
			if errors.Is(err, ErrProcessorDecline) {
				return resolutionReverted, nil
			}
			return resolutionNone, err
		}
		return resolutionCommitted, nil
	} else if err != nil {
		return resolutionNone, err
	}

	return e.resolveLeg(ctx, lock, leg, eventID, false)
}
