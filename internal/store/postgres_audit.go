/**
 * @description
 * This file provides the PostgreSQL persistence for the event audit log, the
 * outbound call log, the kill switch row, and admin overrides. The event
 * audit insert doubles as the idempotency gate: the first writer of an event
 * id wins and every duplicate is handed the original record instead.
 */

package store

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/sidequest/escrow-service/internal/domain"
)

// AdmitEvent records an event attempt. The primary key on event_id makes the
// insert a reservation: admitted == true means this caller owns the event,
// admitted == false returns the prior record for duplicate replay.
func (r *PostgresRepository) AdmitEvent(ctx context.Context, rec domain.EventAuditRecord) (bool, *domain.EventAuditRecord, error) {
	insert := `
		INSERT INTO event_audit (event_id, subject_id, event_type, previous_state, new_state, actor, outcome, context)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (event_id) DO NOTHING
	`
	tag, err := r.db.Exec(ctx, insert,
		rec.EventID,
		rec.SubjectID,
		rec.EventType,
		rec.PreviousState,
		rec.NewState,
		rec.Actor,
		rec.Outcome,
		rec.Context,
	)
	if err != nil {
		return false, nil, err
	}
	if tag.RowsAffected() > 0 {
		return true, nil, nil
	}

	prior, err := r.GetEventAudit(ctx, rec.EventID)
	if err != nil {
		return false, nil, err
	}
	return false, prior, nil
}

// GetEventAudit retrieves the audit record for an event id.
func (r *PostgresRepository) GetEventAudit(ctx context.Context, eventID string) (*domain.EventAuditRecord, error) {
	var rec domain.EventAuditRecord
	query := `
		SELECT event_id, subject_id, event_type, previous_state, new_state, actor, outcome, context, created_at
		FROM event_audit
		WHERE event_id = $1
	`
	err := r.db.QueryRow(ctx, query, eventID).Scan(
		&rec.EventID,
		&rec.SubjectID,
		&rec.EventType,
		&rec.PreviousState,
		&rec.NewState,
		&rec.Actor,
		&rec.Outcome,
		&rec.Context,
		&rec.CreatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrEventNotFound
		}
		return nil, err
	}
	return &rec, nil
}

// SetEventOutcome finalizes the audit record for an event that did not go
// through the saga commit path (declines, reverts, validation failures).
func (r *PostgresRepository) SetEventOutcome(ctx context.Context, eventID, outcome, newState string) error {
	tag, err := r.db.Exec(ctx, `UPDATE event_audit SET outcome = $1, new_state = $2 WHERE event_id = $3`, outcome, newState, eventID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrEventNotFound
	}
	return nil
}

// CreateOutboundCall logs an external dispatch intent before the network call
// is made. Re-dispatching with the same idempotency key refreshes the row
// instead of failing, since the processor-side key is the real dedupe.
func (r *PostgresRepository) CreateOutboundCall(ctx context.Context, call domain.OutboundCall) error {
	query := `
		INSERT INTO outbound_calls (idempotency_key, subject_id, event_id, call_type, amount, payload, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (idempotency_key) DO UPDATE
		SET event_id = EXCLUDED.event_id, status = EXCLUDED.status, dispatched_at = NOW()
	`
	_, err := r.db.Exec(ctx, query,
		call.IdempotencyKey,
		call.SubjectID,
		call.EventID,
		call.CallType,
		call.Amount,
		call.Payload,
		domain.OutboundPending,
	)
	return err
}

// GetOutboundCall retrieves the dispatch log row for an idempotency key.
func (r *PostgresRepository) GetOutboundCall(ctx context.Context, idempotencyKey string) (*domain.OutboundCall, error) {
	var call domain.OutboundCall
	query := `
		SELECT idempotency_key, subject_id, event_id, call_type, amount, payload, status, processor_object_id, dispatched_at, completed_at
		FROM outbound_calls
		WHERE idempotency_key = $1
	`
	err := r.db.QueryRow(ctx, query, idempotencyKey).Scan(
		&call.IdempotencyKey,
		&call.SubjectID,
		&call.EventID,
		&call.CallType,
		&call.Amount,
		&call.Payload,
		&call.Status,
		&call.ProcessorObjectID,
		&call.DispatchedAt,
		&call.CompletedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrOutboundCallNotFound
		}
		return nil, err
	}
	return &call, nil
}

// MarkOutboundCallFailed records an explicit processor rejection for a dispatch.
func (r *PostgresRepository) MarkOutboundCallFailed(ctx context.Context, idempotencyKey string) error {
	tag, err := r.db.Exec(ctx, `UPDATE outbound_calls SET status = $1, completed_at = NOW() WHERE idempotency_key = $2`, domain.OutboundFailed, idempotencyKey)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrOutboundCallNotFound
	}
	return nil
}

// GetKillSwitch reads the singleton kill switch row.
func (r *PostgresRepository) GetKillSwitch(ctx context.Context) (*domain.KillSwitch, error) {
	var ks domain.KillSwitch
	query := `SELECT active, reason, triggered_by, triggered_at, resolved_at FROM kill_switch WHERE id = 1`
	err := r.db.QueryRow(ctx, query).Scan(&ks.Active, &ks.Reason, &ks.TriggeredBy, &ks.TriggeredAt, &ks.ResolvedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			// A missing singleton row means the switch was never armed.
			return &domain.KillSwitch{Active: false}, nil
		}
		return nil, err
	}
	return &ks, nil
}

// TriggerKillSwitch halts all money movement. Triggering an already-active
// switch keeps the original reason and timestamp. The upsert guarantees the
// halt lands even if the singleton row was never seeded.
func (r *PostgresRepository) TriggerKillSwitch(ctx context.Context, reason, actor string) error {
	query := `
		INSERT INTO kill_switch (id, active, reason, triggered_by, triggered_at, resolved_at)
		VALUES (1, TRUE, $1, $2, NOW(), NULL)
		ON CONFLICT (id) DO UPDATE
		SET active = TRUE,
			reason = CASE WHEN kill_switch.active THEN kill_switch.reason ELSE EXCLUDED.reason END,
			triggered_by = CASE WHEN kill_switch.active THEN kill_switch.triggered_by ELSE EXCLUDED.triggered_by END,
			triggered_at = CASE WHEN kill_switch.active THEN kill_switch.triggered_at ELSE EXCLUDED.triggered_at END,
			resolved_at = NULL
	`
	_, err := r.db.Exec(ctx, query, reason, actor)
	return err
}

// ResolveKillSwitch re-enables money movement after operator review.
func (r *PostgresRepository) ResolveKillSwitch(ctx context.Context, actor string) error {
	query := `
		UPDATE kill_switch
		SET active = FALSE, triggered_by = $1, resolved_at = NOW()
		WHERE id = 1 AND active = TRUE
	`
	_, err := r.db.Exec(ctx, query, actor)
	return err
}

// CreateAdminOverride records a manual intervention for the audit trail.
func (r *PostgresRepository) CreateAdminOverride(ctx context.Context, rec domain.AdminOverride) error {
	query := `
		INSERT INTO admin_overrides (id, subject_id, admin_id, action, reason, event_id)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := r.db.Exec(ctx, query, rec.ID, rec.SubjectID, rec.AdminID, rec.Action, rec.Reason, rec.EventID)
	return err
}
