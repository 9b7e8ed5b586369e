/**
 * @description
 * This file implements the manual override surface: forced refunds and
 * payouts for locks an operator must unstick, and kill switch control.
 * Every override writes an admin_overrides row naming who did what and why,
 * and moves money through the ordinary saga path so the ledger and audit
 * trail stay complete.
 */

package app

import (
	"context"
	"fmt"
	"log"

	"github.com/google/uuid"
	"github.com/sidequest/escrow-service/internal/domain"
)

// ForceRefund refunds a lock on operator authority. It runs even while the
// kill switch is active, which is what makes it useful for remediation.
func (e *Engine) ForceRefund(ctx context.Context, subjectID string, req domain.AdminActionRequest) (*domain.EventResult, error) {
	return e.forceDisposition(ctx, subjectID, req, domain.EventRefund, "force_refund")
}

// ForcePayout releases a lock to the payee on operator authority.
func (e *Engine) ForcePayout(ctx context.Context, subjectID string, req domain.AdminActionRequest) (*domain.EventResult, error) {
	return e.forceDisposition(ctx, subjectID, req, domain.EventRelease, "force_payout")
}

func (e *Engine) forceDisposition(ctx context.Context, subjectID string, req domain.AdminActionRequest, event, action string) (*domain.EventResult, error) {
	if req.AdminID == "" || req.Reason == "" {
		return nil, fmt.Errorf("%w: admin_id and reason are required", ErrInvalidAmount)
	}

	eventID := fmt.Sprintf("admin-%s:%s:%s", action, subjectID, uuid.New().String())
	if err := e.repo.CreateAdminOverride(ctx, domain.AdminOverride{
		ID:        uuid.New(),
		SubjectID: subjectID,
		AdminID:   req.AdminID,
		Action:    action,
		Reason:    req.Reason,
		EventID:   eventID,
	}); err != nil {
		return nil, fmt.Errorf("failed to record admin override: %w", err)
	}
	log.Printf("level=warn component=admin subject_id=%s admin_id=%s action=%s msg=\"manual override\" reason=%q", subjectID, req.AdminID, action, req.Reason)

	return e.runDisposition(ctx, subjectID, domain.DispositionRequest{
		EventID: eventID,
		Actor:   "admin:" + req.AdminID,
	}, event)
}

// TriggerKillSwitch halts all money movement until an operator resolves it.
func (e *Engine) TriggerKillSwitch(ctx context.Context, req domain.AdminActionRequest) error {
	if req.AdminID == "" || req.Reason == "" {
		return fmt.Errorf("%w: admin_id and reason are required", ErrInvalidAmount)
	}
	log.Printf("level=warn component=admin admin_id=%s msg=\"kill switch trigger requested\" reason=%q", req.AdminID, req.Reason)
	return e.repo.TriggerKillSwitch(ctx, req.Reason, "admin:"+req.AdminID)
}

// ResolveKillSwitch re-enables money movement after review.
func (e *Engine) ResolveKillSwitch(ctx context.Context, req domain.AdminActionRequest) error {
	if req.AdminID == "" {
		return fmt.Errorf("%w: admin_id is required", ErrInvalidAmount)
	}
	log.Printf("level=warn component=admin admin_id=%s msg=\"kill switch resolved\"", req.AdminID)
	return e.repo.ResolveKillSwitch(ctx, "admin:"+req.AdminID)
}

// KillSwitchStatus reports the current halt state.
func (e *Engine) KillSwitchStatus(ctx context.Context) (*domain.KillSwitch, error) {
	return e.repo.GetKillSwitch(ctx)
}
