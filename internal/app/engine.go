/**
 * @description
 * This file contains the core money engine for the escrow-service. The
 * `Engine` struct orchestrates every money movement as a saga: record intent
 * in the audit log, move the lock into an intermediate state, log the
 * outbound dispatch, call the processor, then commit ledger and lock
 * atomically. An ambiguous processor outcome leaves the lock in its
 * intermediate state for the recovery sweeper to resolve.
 *
 * Key features:
 * - Event-id idempotency: duplicate events replay the recorded outcome.
 * - Subject-scoped processor idempotency keys, stable across retries.
 * - Kill switch check in front of every money movement.
 *
 * @dependencies
 * - context, errors, fmt, log, time: Standard Go libraries.
 * - github.com/google/uuid: For ledger transaction ids.
 * - internal/domain, internal/store: For domain models and data access.
 * - pkg/processorclient, pkg/rabbitmq: For external service communication.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sidequest/escrow-service/internal/domain"
	"github.com/sidequest/escrow-service/internal/store"
	"github.com/sidequest/escrow-service/pkg/processorclient"
	"github.com/sidequest/escrow-service/pkg/rabbitmq"
)

// ProcessorClient is the subset of the processor API the engine depends on.
type ProcessorClient interface {
	CreateHold(ctx context.Context, idempotencyKey string, payload processorclient.HoldRequest) (*processorclient.ObjectResponse, error)
	CreateTransfer(ctx context.Context, idempotencyKey string, payload processorclient.TransferRequest) (*processorclient.ObjectResponse, error)
	CreateRefund(ctx context.Context, idempotencyKey string, payload processorclient.RefundRequest) (*processorclient.ObjectResponse, error)
	GetByIdempotencyKey(ctx context.Context, idempotencyKey string) (*processorclient.ObjectResponse, error)
}

// Engine provides the core money movement logic for escrow locks.
type Engine struct {
	repo                store.Repository
	processor           ProcessorClient
	eventProducer       rabbitmq.Publisher
	feeBps              int64
	currency            string
	holdDeadline        time.Duration
	maxRecoveryAttempts int
}

// NewEngine creates a new money engine instance.
func NewEngine(repo store.Repository, processor ProcessorClient, producer rabbitmq.Publisher, feeBps int64, currency string, holdDeadline time.Duration, maxRecoveryAttempts int) *Engine {
	return &Engine{
		repo:                repo,
		processor:           processor,
		eventProducer:       producer,
		feeBps:              feeBps,
		currency:            currency,
		holdDeadline:        holdDeadline,
		maxRecoveryAttempts: maxRecoveryAttempts,
	}
}

// Processor idempotency keys are scoped to the subject, not the event, so a
// retried operation with a fresh event id still dedupes at the processor.
func holdKey(subjectID string) string         { return "hold:" + subjectID }
func releaseKey(subjectID string) string      { return "release:" + subjectID }
func refundKey(subjectID string) string       { return "refund:" + subjectID }
func splitRefundKey(subjectID string) string  { return "split-refund:" + subjectID }
func splitReleaseKey(subjectID string) string { return "split-release:" + subjectID }

func (e *Engine) platformFee(amount int64) int64 {
	return amount * e.feeBps / 10000
}

// checkKillSwitch fails closed: an unreadable switch blocks money movement.
func (e *Engine) checkKillSwitch(ctx context.Context) error {
	ks, err := e.repo.GetKillSwitch(ctx)
	if err != nil {
		return fmt.Errorf("failed to read kill switch: %w", err)
	}
	if ks.Active {
		return ErrKillSwitchActive
	}
	return nil
}

// admitEvent reserves the event id and classifies duplicates by their
// recorded outcome.
func (e *Engine) admitEvent(ctx context.Context, rec domain.EventAuditRecord) (*domain.EventResult, error) {
	admitted, prior, err := e.repo.AdmitEvent(ctx, rec)
	if err != nil {
		return nil, fmt.Errorf("failed to admit event: %w", err)
	}
	if admitted {
		return nil, nil
	}
	switch prior.Outcome {
	case domain.OutcomeExecuting, domain.OutcomePending:
		return nil, ErrEventInProgress
	default:
		return &domain.EventResult{
			EventID:          prior.EventID,
			SubjectID:        prior.SubjectID,
			State:            prior.NewState,
			Outcome:          prior.Outcome,
			DuplicateIgnored: true,
		}, nil
	}
}

// enterIntermediate validates the transition against the state machine and
// applies it under the version guard.
func (e *Engine) enterIntermediate(ctx context.Context, lock *domain.EscrowLock, event, eventID string) (*domain.EscrowLock, error) {
	next, err := domain.NextState(lock.State, event)
	if err != nil {
		return nil, err
	}
	moved, err := e.repo.TransitionEscrowLock(ctx, store.TransitionParams{
		SubjectID:       lock.SubjectID,
		ExpectedVersion: lock.Version,
		NewState:        next,
		InflightEventID: &eventID,
	})
	if err != nil {
		return nil, err
	}
	return moved, nil
}

// revert returns a lock from its intermediate state to the stable state it
// came from, after an explicit processor decline or missing dispatch evidence.
func (e *Engine) revert(ctx context.Context, lock *domain.EscrowLock, fromDispute bool) (*domain.EscrowLock, error) {
	back, err := domain.RevertState(lock.State, fromDispute)
	if err != nil {
		return nil, err
	}
	return e.repo.TransitionEscrowLock(ctx, store.TransitionParams{
		SubjectID:       lock.SubjectID,
		ExpectedVersion: lock.Version,
		NewState:        back,
		InflightEventID: nil,
	})
}

// sagaLeg describes one processor call and its ledger effect. commit is built
// up front so the live path and the recovery path apply identical postings.
type sagaLeg struct {
	callType string
	key      string
	dispatch func(ctx context.Context) (*processorclient.ObjectResponse, error)
	commit   store.CommitSagaParams
	payload  []byte
	amount   int64
}

// executeLeg runs the prepare-log, dispatch, commit sequence for one leg.
// The returned lock reflects the committed state; ErrProcessorPending means
// the lock was intentionally left in its intermediate state.
func (e *Engine) executeLeg(ctx context.Context, lock *domain.EscrowLock, leg sagaLeg, eventID string, fromDispute bool) (*domain.EscrowLock, error) {
	call := domain.OutboundCall{
		IdempotencyKey: leg.key,
		SubjectID:      lock.SubjectID,
		EventID:        eventID,
		CallType:       leg.callType,
		Amount:         leg.amount,
		Payload:        leg.payload,
	}
	if err := e.repo.CreateOutboundCall(ctx, call); err != nil {
		return nil, fmt.Errorf("failed to log outbound call: %w", err)
	}

	timer := prometheus.NewTimer(processorCallDuration.WithLabelValues(leg.callType))
	obj, err := leg.dispatch(ctx)
	timer.ObserveDuration()
	if err != nil {
		var procErr *processorclient.ErrorResponse
		if errors.As(err, &procErr) && procErr.IsExplicitRejection() {
			return nil, e.declineLeg(ctx, lock, leg, eventID, fromDispute, procErr)
		}
		sagaOutcomesTotal.WithLabelValues(leg.callType, "ambiguous").Inc()
		log.Printf("level=warn component=money_engine op=%s subject_id=%s event_id=%s msg=\"ambiguous processor outcome; leaving intermediate state\" err=%v", leg.callType, lock.SubjectID, eventID, err)
		return nil, ErrProcessorPending
	}
	if obj.Failed() {
		return nil, e.declineLeg(ctx, lock, leg, eventID, fromDispute, fmt.Errorf("processor returned status %s", obj.Data.Attributes.Status))
	}
	if !obj.Succeeded() {
		// Accepted but not yet settled. Treat like a timeout and let the
		// webhook or the sweeper finish it.
		sagaOutcomesTotal.WithLabelValues(leg.callType, "ambiguous").Inc()
		log.Printf("level=info component=money_engine op=%s subject_id=%s event_id=%s status=%s msg=\"processor outcome pending\"", leg.callType, lock.SubjectID, eventID, obj.Data.Attributes.Status)
		return nil, ErrProcessorPending
	}

	sagaOutcomesTotal.WithLabelValues(leg.callType, "committed").Inc()
	return e.commitLeg(ctx, leg, obj.Data.ID)
}

func (e *Engine) declineLeg(ctx context.Context, lock *domain.EscrowLock, leg sagaLeg, eventID string, fromDispute bool, cause error) error {
	sagaOutcomesTotal.WithLabelValues(leg.callType, "declined").Inc()
	if err := e.repo.MarkOutboundCallFailed(ctx, leg.key); err != nil {
		log.Printf("level=error component=money_engine subject_id=%s msg=\"failed to mark outbound call failed\" err=%v", lock.SubjectID, err)
	}
	reverted, err := e.revert(ctx, lock, fromDispute)
	if err != nil {
		return fmt.Errorf("failed to revert after decline: %w", err)
	}
	if err := e.repo.SetEventOutcome(ctx, eventID, domain.OutcomeFailed, reverted.State); err != nil {
		log.Printf("level=error component=money_engine subject_id=%s event_id=%s msg=\"failed to record decline outcome\" err=%v", lock.SubjectID, eventID, err)
	}
	log.Printf("level=warn component=money_engine op=%s subject_id=%s event_id=%s msg=\"processor decline; lock reverted\" reverted_state=%s cause=%v", leg.callType, lock.SubjectID, eventID, reverted.State, cause)
	return ErrProcessorDecline
}

func (e *Engine) commitLeg(ctx context.Context, leg sagaLeg, processorObjectID string) (*domain.EscrowLock, error) {
	params := leg.commit
	params.ProcessorObjectID = processorObjectID
	switch leg.callType {
	case domain.CallTypeHold:
		params.ProcessorHoldID = &processorObjectID
	case domain.CallTypeTransfer:
		params.ProcessorTransferID = &processorObjectID
	case domain.CallTypeRefund:
		params.ProcessorRefundID = &processorObjectID
	}
	if err := e.repo.CommitSaga(ctx, params); err != nil {
		return nil, fmt.Errorf("failed to commit saga: %w", err)
	}
	return e.repo.GetEscrowLock(ctx, leg.commit.SubjectID)
}

// publishState emits a lifecycle event for downstream consumers. Publish
// failures are logged, never surfaced: the ledger is the source of truth.
func (e *Engine) publishState(ctx context.Context, lock *domain.EscrowLock, eventID, routingKey string) {
	evt := rabbitmq.EscrowEvent{
		SubjectID:    lock.SubjectID,
		EventID:      eventID,
		State:        lock.State,
		DisplayState: domain.DisplayState(lock.State),
		Amount:       lock.HeldAmount,
		Currency:     lock.Currency,
		Timestamp:    time.Now().UTC(),
	}
	if err := e.eventProducer.PublishEscrowEvent(ctx, routingKey, evt); err != nil {
		log.Printf("level=warn component=money_engine subject_id=%s msg=\"failed to publish escrow event\" routing_key=%s err=%v", lock.SubjectID, routingKey, err)
	}
}

// publishAlert emits an operational event (kill-switch trips, escalations,
// invariant breaches) on the same exchange as lifecycle events.
func (e *Engine) publishAlert(ctx context.Context, routingKey string, body interface{}) {
	if err := e.eventProducer.Publish(ctx, rabbitmq.EscrowExchange, routingKey, body); err != nil {
		log.Printf("level=warn component=money_engine msg=\"failed to publish alert event\" routing_key=%s err=%v", routingKey, err)
	}
}

func newLedgerTransaction(key, subjectID, txType string, amount int64, currency string, metadata []byte) domain.LedgerTransaction {
	return domain.LedgerTransaction{
		ID:              uuid.New(),
		IdempotencyKey:  key,
		SubjectID:       subjectID,
		TransactionType: txType,
		Amount:          amount,
		Currency:        currency,
		Metadata:        metadata,
	}
}

// holdEntries moves processor cash onto the books and mirrors it in the
// subject's escrow account.
func (e *Engine) holdEntries(ctx context.Context, lock *domain.EscrowLock) ([]store.SagaEntry, error) {
	cash, err := e.repo.EnsureAccount(ctx, domain.OwnerTypePlatform, domain.PlatformCashOwnerID, domain.AccountTypeAsset, e.currency)
	if err != nil {
		return nil, err
	}
	escrow, err := e.repo.EnsureAccount(ctx, domain.OwnerTypeTask, lock.SubjectID, domain.AccountTypeLiability, e.currency)
	if err != nil {
		return nil, err
	}
	return []store.SagaEntry{
		{AccountID: cash.ID, Direction: domain.DirectionDebit, Amount: lock.HeldAmount},
		{AccountID: escrow.ID, Direction: domain.DirectionCredit, Amount: lock.HeldAmount},
	}, nil
}

// releaseEntries empties (part of) the escrow account into the payee's
// receivable, carving out the platform fee.
func (e *Engine) releaseEntries(ctx context.Context, lock *domain.EscrowLock, amount, fee int64) ([]store.SagaEntry, error) {
	escrow, err := e.repo.EnsureAccount(ctx, domain.OwnerTypeTask, lock.SubjectID, domain.AccountTypeLiability, e.currency)
	if err != nil {
		return nil, err
	}
	receivable, err := e.repo.EnsureAccount(ctx, domain.OwnerTypeUser, lock.PayeeID, domain.AccountTypeLiability, e.currency)
	if err != nil {
		return nil, err
	}
	entries := []store.SagaEntry{
		{AccountID: escrow.ID, Direction: domain.DirectionDebit, Amount: amount},
		{AccountID: receivable.ID, Direction: domain.DirectionCredit, Amount: amount - fee},
	}
	if fee > 0 {
		fees, err := e.repo.EnsureAccount(ctx, domain.OwnerTypePlatform, domain.PlatformFeesOwnerID, domain.AccountTypeLiability, e.currency)
		if err != nil {
			return nil, err
		}
		entries = append(entries, store.SagaEntry{AccountID: fees.ID, Direction: domain.DirectionCredit, Amount: fee})
	}
	return entries, nil
}

// refundEntries returns (part of) the escrow account to processor cash,
// reflecting money leaving the platform back to the payer.
func (e *Engine) refundEntries(ctx context.Context, lock *domain.EscrowLock, amount int64) ([]store.SagaEntry, error) {
	escrow, err := e.repo.EnsureAccount(ctx, domain.OwnerTypeTask, lock.SubjectID, domain.AccountTypeLiability, e.currency)
	if err != nil {
		return nil, err
	}
	cash, err := e.repo.EnsureAccount(ctx, domain.OwnerTypePlatform, domain.PlatformCashOwnerID, domain.AccountTypeAsset, e.currency)
	if err != nil {
		return nil, err
	}
	return []store.SagaEntry{
		{AccountID: escrow.ID, Direction: domain.DirectionDebit, Amount: amount},
		{AccountID: cash.ID, Direction: domain.DirectionCredit, Amount: amount},
	}, nil
}
