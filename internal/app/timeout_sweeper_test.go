package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sidequest/escrow-service/internal/domain"
)

func seedExpiredHeldLock(repo *memRepo, subjectID string, amount int64) {
	repo.seedHeldLock(subjectID, amount)
	repo.mu.Lock()
	repo.locks[subjectID].DeadlineAt = time.Now().UTC().Add(-time.Hour)
	repo.mu.Unlock()
}

func TestTimeoutSweep_RefundsExpiredHeldLock(t *testing.T) {
	repo := newMemRepo()
	proc := &processorStub{}
	engine := newTestEngine(repo, proc)

	seedExpiredHeldLock(repo, "task_1", 10000)

	result, err := engine.RunTimeoutSweep(context.Background())
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if result.Refunded != 1 {
		t.Fatalf("expected one refund, got %+v", result)
	}

	lock, _ := repo.GetEscrowLock(context.Background(), "task_1")
	if lock.State != domain.StateRefunded {
		t.Fatalf("expected refunded, got %s", lock.State)
	}
	rec, err := repo.GetEventAudit(context.Background(), "timeout-refund:task_1")
	if err != nil {
		t.Fatalf("expected deterministic sweep event, got %v", err)
	}
	if rec.Actor != "timeout_sweeper" || rec.Outcome != domain.OutcomeCommitted {
		t.Fatalf("unexpected audit record: %+v", rec)
	}
	if got := repo.balanceOf(domain.OwnerTypeTask, "task_1"); got != 0 {
		t.Fatalf("expected escrow emptied, got %d", got)
	}
}

func TestTimeoutSweep_EscalatesCompletedTaskWithoutRefund(t *testing.T) {
	repo := newMemRepo()
	proc := &processorStub{}
	engine := newTestEngine(repo, proc)

	seedExpiredHeldLock(repo, "task_1", 10000)
	if err := engine.MarkTaskCompleted(context.Background(), "task_1", true); err != nil {
		t.Fatalf("failed to mark task completed: %v", err)
	}

	result, err := engine.RunTimeoutSweep(context.Background())
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if result.Scanned != 1 || result.Escalated != 1 || result.Refunded != 0 {
		t.Fatalf("expected one escalation and no refund, got %+v", result)
	}
	if proc.refundCalls != 0 {
		t.Fatal("expected no refund dispatch for completed task")
	}

	lock, _ := repo.GetEscrowLock(context.Background(), "task_1")
	if lock.State != domain.StateHeld {
		t.Fatalf("expected lock untouched, got %s", lock.State)
	}
}

func TestTimeoutSweep_HaltsUnderKillSwitch(t *testing.T) {
	repo := newMemRepo()
	repo.kill.Active = true
	engine := newTestEngine(repo, &processorStub{})

	seedExpiredHeldLock(repo, "task_1", 10000)

	_, err := engine.RunTimeoutSweep(context.Background())
	if !errors.Is(err, ErrKillSwitchActive) {
		t.Fatalf("expected ErrKillSwitchActive, got %v", err)
	}
	lock, _ := repo.GetEscrowLock(context.Background(), "task_1")
	if lock.State != domain.StateHeld {
		t.Fatalf("expected lock untouched, got %s", lock.State)
	}
}

func TestTimeoutSweep_EscalatesPriorDeclinedAutoRefund(t *testing.T) {
	repo := newMemRepo()
	proc := &processorStub{}
	engine := newTestEngine(repo, proc)

	seedExpiredHeldLock(repo, "task_1", 10000)
	repo.events["timeout-refund:task_1"] = &domain.EventAuditRecord{
		EventID:   "timeout-refund:task_1",
		SubjectID: "task_1",
		Outcome:   domain.OutcomeFailed,
	}

	result, err := engine.RunTimeoutSweep(context.Background())
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if result.Escalated != 1 {
		t.Fatalf("expected escalation for prior declined refund, got %+v", result)
	}
	if proc.refundCalls != 0 {
		t.Fatal("expected no retry of a declined auto-refund")
	}
}
