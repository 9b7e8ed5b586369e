/**
 * @description
 * This file implements the financial operations the money engine accepts:
 * hold, release, refund, dispute, and split, plus the state read used by the
 * task-lifecycle layer. Every operation follows the same shape: kill switch
 * check, event admission, version-guarded entry into an intermediate state,
 * then the saga leg(s) against the processor.
 */

package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/sidequest/escrow-service/internal/domain"
	"github.com/sidequest/escrow-service/internal/store"
	"github.com/sidequest/escrow-service/pkg/processorclient"
)

// Hold funds a new escrow for a subject. The first call creates the lock;
// a duplicate event id replays the recorded outcome.
func (e *Engine) Hold(ctx context.Context, req domain.HoldRequest) (*domain.EventResult, error) {
	if req.SubjectID == "" || req.EventID == "" || req.PayerID == "" || req.PayeeID == "" {
		return nil, fmt.Errorf("%w: subject_id, event_id, payer_id and payee_id are required", ErrInvalidAmount)
	}
	if req.Amount <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidAmount)
	}
	if err := e.checkKillSwitch(ctx); err != nil {
		return nil, err
	}

	currency := req.Currency
	if currency == "" {
		currency = e.currency
	}

	lock, err := e.repo.GetEscrowLock(ctx, req.SubjectID)
	if err == store.ErrEscrowNotFound {
		lock, err = e.repo.CreateEscrowLock(ctx, domain.EscrowLock{
			SubjectID:  req.SubjectID,
			HeldAmount: req.Amount,
			Currency:   currency,
			PayerID:    req.PayerID,
			PayeeID:    req.PayeeID,
			DeadlineAt: time.Now().UTC().Add(e.holdDeadline),
		})
		if err == store.ErrEscrowExists {
			lock, err = e.repo.GetEscrowLock(ctx, req.SubjectID)
		}
	}
	if err != nil {
		return nil, err
	}
	// The saga dispatches the recorded lock amount under a subject-scoped
	// idempotency key, so a re-hold asking for a different amount (after a
	// declined attempt reverted the lock to pending) must be rejected, never
	// silently replaced.
	if lock.HeldAmount != req.Amount || lock.Currency != currency {
		return nil, fmt.Errorf("%w: requested %d %s does not match the recorded escrow of %d %s", ErrInvalidAmount, req.Amount, currency, lock.HeldAmount, lock.Currency)
	}

	if dup, err := e.admitEvent(ctx, domain.EventAuditRecord{
		EventID:       req.EventID,
		SubjectID:     req.SubjectID,
		EventType:     domain.EventHold,
		PreviousState: lock.State,
		Actor:         req.PayerID,
		Outcome:       domain.OutcomeExecuting,
	}); dup != nil || err != nil {
		return dup, err
	}

	entries, err := e.holdEntries(ctx, lock)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare hold entries: %w", err)
	}

	moved, err := e.enterIntermediate(ctx, lock, domain.EventHold, req.EventID)
	if err != nil {
		return nil, e.failEvent(ctx, req.EventID, lock.State, err)
	}

	payload, _ := json.Marshal(processorclient.HoldRequest{
		Amount:    lock.HeldAmount,
		Currency:  lock.Currency,
		PayerID:   lock.PayerID,
		Reference: lock.SubjectID,
	})
	leg := sagaLeg{
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
			ExpectedVersion: moved.Version,
			NewState:        domain.StateHeld,
			OutboundKey:     holdKey(lock.SubjectID),
			EventID:         req.EventID,
			EventOutcome:    domain.OutcomeCommitted,
		},
	}

	committed, err := e.executeLeg(ctx, moved, leg, req.EventID, false)
	if err != nil {
		return e.pendingResult(req.EventID, moved, err)
	}
	e.publishState(ctx, committed, req.EventID, "escrow.held")
	return e.committedResult(req.EventID, committed), nil
}

// Release pays out held funds to the payee, carving out the platform fee.
// Legal from held and, as a dispute resolution, from locked_dispute.
func (e *Engine) Release(ctx context.Context, subjectID string, req domain.DispositionRequest) (*domain.EventResult, error) {
	return e.disposition(ctx, subjectID, req, domain.EventRelease)
}

// Refund returns the full held amount to the payer. Legal from held and,
// as a dispute resolution, from locked_dispute.
func (e *Engine) Refund(ctx context.Context, subjectID string, req domain.DispositionRequest) (*domain.EventResult, error) {
	return e.disposition(ctx, subjectID, req, domain.EventRefund)
}

func (e *Engine) disposition(ctx context.Context, subjectID string, req domain.DispositionRequest, event string) (*domain.EventResult, error) {
	if err := e.checkKillSwitch(ctx); err != nil {
		return nil, err
	}
	return e.runDisposition(ctx, subjectID, req, event)
}

// runDisposition executes a release or refund without the kill switch gate.
// Only admin overrides reach it directly.
func (e *Engine) runDisposition(ctx context.Context, subjectID string, req domain.DispositionRequest, event string) (*domain.EventResult, error) {
	if subjectID == "" || req.EventID == "" {
		return nil, fmt.Errorf("%w: subject_id and event_id are required", ErrInvalidAmount)
	}

	lock, err := e.repo.GetEscrowLock(ctx, subjectID)
	if err != nil {
		return nil, err
	}
	fromDispute := lock.State == domain.StateLockedDispute

	if dup, err := e.admitEvent(ctx, domain.EventAuditRecord{
		EventID:       req.EventID,
		SubjectID:     subjectID,
		EventType:     event,
		PreviousState: lock.State,
		Actor:         req.Actor,
		Outcome:       domain.OutcomeExecuting,
	}); dup != nil || err != nil {
		return dup, err
	}

	var leg sagaLeg
	switch event {
	case domain.EventRelease:
		leg, err = e.releaseLeg(ctx, lock, releaseKey(subjectID), domain.TxTypeRelease, lock.HeldAmount, req.EventID)
	case domain.EventRefund:
		leg, err = e.refundLeg(ctx, lock, refundKey(subjectID), domain.TxTypeRefund, lock.HeldAmount, domain.StateRefunded, req.EventID)
	default:
		return nil, domain.ErrIllegalTransition
	}
	if err != nil {
		return nil, err
	}

	moved, err := e.enterIntermediate(ctx, lock, event, req.EventID)
	if err != nil {
		return nil, e.failEvent(ctx, req.EventID, lock.State, err)
	}
	leg.commit.ExpectedVersion = moved.Version

	committed, err := e.executeLeg(ctx, moved, leg, req.EventID, fromDispute)
	if err != nil {
		return e.pendingResult(req.EventID, moved, err)
	}
	routingKey := "escrow.released"
	if event == domain.EventRefund {
		routingKey = "escrow.refunded"
	}
	e.publishState(ctx, committed, req.EventID, routingKey)
	return e.committedResult(req.EventID, committed), nil
}

// releaseLeg builds the payout saga leg. The processor moves amount minus fee
// to the payee; the fee stays on the platform's books.
func (e *Engine) releaseLeg(ctx context.Context, lock *domain.EscrowLock, key, txType string, amount int64, eventID string) (sagaLeg, error) {
	fee := e.platformFee(amount)
	entries, err := e.releaseEntries(ctx, lock, amount, fee)
	if err != nil {
		return sagaLeg{}, fmt.Errorf("failed to prepare release entries: %w", err)
	}
	holdID := ""
	if lock.ProcessorHoldID != nil {
		holdID = *lock.ProcessorHoldID
	}
	reqPayload := processorclient.TransferRequest{
		Amount:    amount - fee,
		Currency:  lock.Currency,
		PayeeID:   lock.PayeeID,
		HoldID:    holdID,
		Reference: lock.SubjectID,
	}
	payload, _ := json.Marshal(reqPayload)
	metadata, _ := json.Marshal(map[string]int64{"fee": fee})
	newState := domain.StateReleased
	if txType == domain.TxTypeSplitRelease {
		newState = domain.StateRefundPartial
	}
	return sagaLeg{
		callType: domain.CallTypeTransfer,
		key:      key,
		amount:   amount - fee,
		payload:  payload,
		dispatch: func(ctx context.Context) (*processorclient.ObjectResponse, error) {
			return e.processor.CreateTransfer(ctx, key, reqPayload)
		},
		commit: store.CommitSagaParams{
			Transaction:  newLedgerTransaction(key, lock.SubjectID, txType, amount, lock.Currency, metadata),
			Entries:      entries,
			SubjectID:    lock.SubjectID,
			NewState:     newState,
			OutboundKey:  key,
			EventID:      eventID,
			EventOutcome: domain.OutcomeCommitted,
		},
	}, nil
}

// refundLeg builds the refund saga leg returning amount to the payer.
func (e *Engine) refundLeg(ctx context.Context, lock *domain.EscrowLock, key, txType string, amount int64, newState, eventID string) (sagaLeg, error) {
	entries, err := e.refundEntries(ctx, lock, amount)
	if err != nil {
		return sagaLeg{}, fmt.Errorf("failed to prepare refund entries: %w", err)
	}
	holdID := ""
	if lock.ProcessorHoldID != nil {
		holdID = *lock.ProcessorHoldID
	}
	reqPayload := processorclient.RefundRequest{
		Amount:    amount,
		Currency:  lock.Currency,
		HoldID:    holdID,
		Reference: lock.SubjectID,
	}
	payload, _ := json.Marshal(reqPayload)
	return sagaLeg{
		callType: domain.CallTypeRefund,
		key:      key,
		amount:   amount,
		payload:  payload,
		dispatch: func(ctx context.Context) (*processorclient.ObjectResponse, error) {
			return e.processor.CreateRefund(ctx, key, reqPayload)
		},
		commit: store.CommitSagaParams{
			Transaction:  newLedgerTransaction(key, lock.SubjectID, txType, amount, lock.Currency, nil),
			Entries:      entries,
			SubjectID:    lock.SubjectID,
			NewState:     newState,
			OutboundKey:  key,
			EventID:      eventID,
			EventOutcome: domain.OutcomeCommitted,
		},
	}, nil
}

// Dispute freezes a held escrow pending resolution. This is the only purely
// local transition: no processor call and no ledger effect.
func (e *Engine) Dispute(ctx context.Context, subjectID string, req domain.DispositionRequest) (*domain.EventResult, error) {
	if subjectID == "" || req.EventID == "" {
		return nil, fmt.Errorf("%w: subject_id and event_id are required", ErrInvalidAmount)
	}

	lock, err := e.repo.GetEscrowLock(ctx, subjectID)
	if err != nil {
		return nil, err
	}

	if dup, err := e.admitEvent(ctx, domain.EventAuditRecord{
		EventID:       req.EventID,
		SubjectID:     subjectID,
		EventType:     domain.EventDispute,
		PreviousState: lock.State,
		Actor:         req.Actor,
		Outcome:       domain.OutcomeExecuting,
	}); dup != nil || err != nil {
		return dup, err
	}

	moved, err := e.enterIntermediate(ctx, lock, domain.EventDispute, req.EventID)
	if err != nil {
		return nil, e.failEvent(ctx, req.EventID, lock.State, err)
	}
	if err := e.repo.SetEventOutcome(ctx, req.EventID, domain.OutcomeCommitted, moved.State); err != nil {
		log.Printf("level=error component=money_engine subject_id=%s event_id=%s msg=\"failed to record dispute outcome\" err=%v", subjectID, req.EventID, err)
	}
	e.publishState(ctx, moved, req.EventID, "escrow.disputed")
	return e.committedResult(req.EventID, moved), nil
}

// Split resolves a dispute into a partial refund plus a partial release. The
// refund leg runs first; a committed refund leg survives a failed release leg
// and is skipped when the split is retried.
func (e *Engine) Split(ctx context.Context, subjectID string, req domain.SplitRequest) (*domain.EventResult, error) {
	if subjectID == "" || req.EventID == "" {
		return nil, fmt.Errorf("%w: subject_id and event_id are required", ErrInvalidAmount)
	}
	if req.RefundAmount <= 0 || req.ReleaseAmount <= 0 {
		return nil, fmt.Errorf("%w: both split amounts must be positive", ErrInvalidAmount)
	}
	if err := e.checkKillSwitch(ctx); err != nil {
		return nil, err
	}

	lock, err := e.repo.GetEscrowLock(ctx, subjectID)
	if err != nil {
		return nil, err
	}
	if req.RefundAmount+req.ReleaseAmount != lock.HeldAmount {
		return nil, ErrSplitMismatch
	}

	// Retry detection. A committed refund leg from an earlier attempt pins
	// the split ratio: the retry must ask for the same refund amount.
	refundCommitted := false
	refundTx, err := e.repo.FindTransactionByIdempotencyKey(ctx, splitRefundKey(subjectID))
	switch err {
	case nil:
		if refundTx.Amount != req.RefundAmount {
			return nil, fmt.Errorf("%w: refund amount %d does not match the already committed refund leg of %d", ErrSplitMismatch, req.RefundAmount, refundTx.Amount)
		}
		refundCommitted = true
	case store.ErrTransactionNotFound:
	default:
		return nil, err
	}

	if dup, err := e.admitEvent(ctx, domain.EventAuditRecord{
		EventID:       req.EventID,
		SubjectID:     subjectID,
		EventType:     domain.EventSplit,
		PreviousState: lock.State,
		Actor:         req.Actor,
		Outcome:       domain.OutcomeExecuting,
	}); dup != nil || err != nil {
		return dup, err
	}

	moved, err := e.enterIntermediate(ctx, lock, domain.EventSplit, req.EventID)
	if err != nil {
		return nil, e.failEvent(ctx, req.EventID, lock.State, err)
	}

	if !refundCommitted {
		leg, legErr := e.refundLeg(ctx, moved, splitRefundKey(subjectID), domain.TxTypeSplitRefund, req.RefundAmount, domain.StateSplitting, req.EventID)
		if legErr != nil {
			return nil, legErr
		}
		leg.commit.ExpectedVersion = moved.Version
		leg.commit.EventOutcome = domain.OutcomeExecuting // split is not done until the release leg lands
		afterRefund, err := e.executeLeg(ctx, moved, leg, req.EventID, false)
		if err != nil {
			return e.pendingResult(req.EventID, moved, err)
		}
		moved = afterRefund
	}

	leg, err := e.releaseLeg(ctx, moved, splitReleaseKey(subjectID), domain.TxTypeSplitRelease, req.ReleaseAmount, req.EventID)
	if err != nil {
		return nil, err
	}
	leg.commit.ExpectedVersion = moved.Version

	committed, err := e.executeLeg(ctx, moved, leg, req.EventID, false)
	if err != nil {
		return e.pendingResult(req.EventID, moved, err)
	}
	e.publishState(ctx, committed, req.EventID, "escrow.split_resolved")
	return e.committedResult(req.EventID, committed), nil
}

// GetState returns the lock state together with its user-facing projection.
func (e *Engine) GetState(ctx context.Context, subjectID string) (*domain.EscrowStateResponse, error) {
	lock, err := e.repo.GetEscrowLock(ctx, subjectID)
	if err != nil {
		return nil, err
	}
	return &domain.EscrowStateResponse{
		SubjectID:    lock.SubjectID,
		State:        lock.State,
		DisplayState: domain.DisplayState(lock.State),
		HeldAmount:   lock.HeldAmount,
		Currency:     lock.Currency,
		Version:      lock.Version,
		DeadlineAt:   lock.DeadlineAt,
	}, nil
}

// MarkTaskCompleted records task completion so the timeout sweeper leaves the
// escrow alone past its deadline.
func (e *Engine) MarkTaskCompleted(ctx context.Context, subjectID string, completed bool) error {
	return e.repo.SetTaskCompleted(ctx, subjectID, completed)
}

func (e *Engine) failEvent(ctx context.Context, eventID, state string, cause error) error {
	if err := e.repo.SetEventOutcome(ctx, eventID, domain.OutcomeFailed, state); err != nil {
		log.Printf("level=error component=money_engine event_id=%s msg=\"failed to record event failure\" err=%v", eventID, err)
	}
	return cause
}

// pendingResult shapes the response for the two non-commit exits of a saga
// leg: an ambiguous outcome (lock intentionally left in-flight) and an
// explicit decline (lock already reverted).
func (e *Engine) pendingResult(eventID string, lock *domain.EscrowLock, cause error) (*domain.EventResult, error) {
	if lock == nil || cause != ErrProcessorPending {
		return nil, cause
	}
	return &domain.EventResult{
		EventID:   eventID,
		SubjectID: lock.SubjectID,
		State:     lock.State,
		Outcome:   domain.OutcomeExecuting,
	}, cause
}

func (e *Engine) committedResult(eventID string, lock *domain.EscrowLock) *domain.EventResult {
	return &domain.EventResult{
		EventID:   eventID,
		SubjectID: lock.SubjectID,
		State:     lock.State,
		Outcome:   domain.OutcomeCommitted,
	}
}
