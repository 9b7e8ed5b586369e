package app

import (
	"context"
	"errors"
	"testing"

	"github.com/sidequest/escrow-service/internal/domain"
)

func TestHandleProcessorEvent_UnknownKeyIsDropped(t *testing.T) {
	repo := newMemRepo()
	proc := &processorStub{}
	engine := newTestEngine(repo, proc)

	err := engine.HandleProcessorEvent(context.Background(), domain.ProcessorWebhookEvent{
		ProcessorEventID: "pev_1",
		IdempotencyKey:   "release:never_seen",
		Status:           "succeeded",
	})
	if err != nil {
		t.Fatalf("expected unknown key to be dropped, got %v", err)
	}
	if proc.lookupCalls != 0 {
		t.Fatal("expected no processor lookup for unknown key")
	}
}

func TestHandleProcessorEvent_ResolvesStuckSaga(t *testing.T) {
	repo := newMemRepo()
	proc := &processorStub{lookupObj: processorObject("transfer_obj_1", "succeeded")}
	engine := newTestEngine(repo, proc)

	seedStuckLock(repo, "task_1", domain.StateReleasing, "evt_rel", 10000)
	repo.outbound["release:task_1"] = &domain.OutboundCall{
		IdempotencyKey: "release:task_1",
		SubjectID:      "task_1",
		EventID:        "evt_rel",
		CallType:       domain.CallTypeTransfer,
		Amount:         9000,
		Status:         domain.OutboundPending,
	}

	err := engine.HandleProcessorEvent(context.Background(), domain.ProcessorWebhookEvent{
		ProcessorEventID: "pev_1",
		IdempotencyKey:   "release:task_1",
		ObjectID:         "transfer_obj_1",
		Status:           "succeeded",
	})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}

	lock, _ := repo.GetEscrowLock(context.Background(), "task_1")
	if lock.State != domain.StateReleased {
		t.Fatalf("expected released, got %s", lock.State)
	}
	if got := repo.balanceOf(domain.OwnerTypeUser, "payee_1"); got != 9000 {
		t.Fatalf("expected payee credited, got %d", got)
	}
}

func TestHandleProcessorEvent_DuplicateEventIDIsIgnored(t *testing.T) {
	repo := newMemRepo()
	proc := &processorStub{lookupObj: processorObject("transfer_obj_1", "succeeded")}
	engine := newTestEngine(repo, proc)

	seedStuckLock(repo, "task_1", domain.StateReleasing, "evt_rel", 10000)
	repo.outbound["release:task_1"] = &domain.OutboundCall{
		IdempotencyKey: "release:task_1",
		SubjectID:      "task_1",
		EventID:        "evt_rel",
		CallType:       domain.CallTypeTransfer,
		Amount:         9000,
		Status:         domain.OutboundPending,
	}

	evt := domain.ProcessorWebhookEvent{
		ProcessorEventID: "pev_1",
		IdempotencyKey:   "release:task_1",
		Status:           "succeeded",
	}
	if err := engine.HandleProcessorEvent(context.Background(), evt); err != nil {
		t.Fatalf("first delivery failed: %v", err)
	}
	lookupsAfterFirst := proc.lookupCalls

	if err := engine.HandleProcessorEvent(context.Background(), evt); err != nil {
		t.Fatalf("redelivery failed: %v", err)
	}
	if proc.lookupCalls != lookupsAfterFirst {
		t.Fatal("expected redelivery to be deduplicated without processor lookup")
	}
	if got := repo.balanceOf(domain.OwnerTypeUser, "payee_1"); got != 9000 {
		t.Fatalf("expected payee credited exactly once, got %d", got)
	}
}

func TestHandleProcessorEvent_RedeliveryRetriesAfterTransientFailure(t *testing.T) {
	repo := newMemRepo()
	proc := &processorStub{lookupErr: errors.New("connection reset")}
	engine := newTestEngine(repo, proc)

	seedStuckLock(repo, "task_1", domain.StateReleasing, "evt_rel", 10000)
	repo.outbound["release:task_1"] = &domain.OutboundCall{
		IdempotencyKey: "release:task_1",
		SubjectID:      "task_1",
		EventID:        "evt_rel",
		CallType:       domain.CallTypeTransfer,
		Amount:         9000,
		Status:         domain.OutboundPending,
	}

	evt := domain.ProcessorWebhookEvent{
		ProcessorEventID: "pev_1",
		IdempotencyKey:   "release:task_1",
		Status:           "succeeded",
	}
	if err := engine.HandleProcessorEvent(context.Background(), evt); err == nil {
		t.Fatal("expected transient resolution failure to surface for redelivery")
	}
	lock, _ := repo.GetEscrowLock(context.Background(), "task_1")
	if lock.State != domain.StateReleasing {
		t.Fatalf("expected lock still releasing, got %s", lock.State)
	}

	// The broker redelivers the same event id; it must get to retry, not be
	// swallowed as a duplicate.
	proc.lookupErr = nil
	proc.lookupObj = processorObject("transfer_obj_1", "succeeded")
	if err := engine.HandleProcessorEvent(context.Background(), evt); err != nil {
		t.Fatalf("redelivery failed: %v", err)
	}
	lock, _ = repo.GetEscrowLock(context.Background(), "task_1")
	if lock.State != domain.StateReleased {
		t.Fatalf("expected released after retry, got %s", lock.State)
	}
	if got := repo.balanceOf(domain.OwnerTypeUser, "payee_1"); got != 9000 {
		t.Fatalf("expected payee credited exactly once, got %d", got)
	}

	// Once resolved, further redeliveries are dropped.
	lookups := proc.lookupCalls
	if err := engine.HandleProcessorEvent(context.Background(), evt); err != nil {
		t.Fatalf("late redelivery failed: %v", err)
	}
	if proc.lookupCalls != lookups {
		t.Fatal("expected finalized event to be deduplicated")
	}
}

func TestHandleProcessorEvent_SettledLockIsLeftAlone(t *testing.T) {
	repo := newMemRepo()
	proc := &processorStub{}
	engine := newTestEngine(repo, proc)

	repo.seedHeldLock("task_1", 10000)
	repo.outbound["hold:task_1"] = &domain.OutboundCall{
		IdempotencyKey: "hold:task_1",
		SubjectID:      "task_1",
		CallType:       domain.CallTypeHold,
		Amount:         10000,
		Status:         domain.OutboundSucceeded,
	}

	err := engine.HandleProcessorEvent(context.Background(), domain.ProcessorWebhookEvent{
		ProcessorEventID: "pev_late",
		IdempotencyKey:   "hold:task_1",
		Status:           "succeeded",
	})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	lock, _ := repo.GetEscrowLock(context.Background(), "task_1")
	if lock.State != domain.StateHeld || lock.Version != 2 {
		t.Fatalf("expected lock untouched, got state=%s version=%d", lock.State, lock.Version)
	}
}
