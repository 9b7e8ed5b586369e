package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/sidequest/escrow-service/internal/domain"
	"github.com/sidequest/escrow-service/internal/store"
)

func TestRelease_ConcurrentRequestsCommitExactlyOnce(t *testing.T) {
	repo := newMemRepo()
	repo.seedHeldLock("task_1", 10000)
	engine := newTestEngine(repo, &processorStub{})

	const workers = 8
	var wg sync.WaitGroup
	errs := make([]error, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = engine.Release(context.Background(), "task_1", domain.DispositionRequest{
				EventID: fmt.Sprintf("evt_rel_%d", i),
				Actor:   "payer_1",
			})
		}(i)
	}
	wg.Wait()

	var committed int
	for i, err := range errs {
		switch {
		case err == nil:
			committed++
		case errors.Is(err, store.ErrVersionConflict),
			errors.Is(err, domain.ErrTerminalState),
			errors.Is(err, domain.ErrIllegalTransition):
			// Losers of the version race fail cleanly.
		default:
			t.Fatalf("worker %d failed with unexpected error: %v", i, err)
		}
	}
	if committed != 1 {
		t.Fatalf("expected exactly one committed release, got %d", committed)
	}

	lock, err := repo.GetEscrowLock(context.Background(), "task_1")
	if err != nil {
		t.Fatalf("expected lock, got %v", err)
	}
	if lock.State != domain.StateReleased {
		t.Fatalf("expected released, got %s", lock.State)
	}
	if got := repo.balanceOf(domain.OwnerTypeUser, "payee_1"); got != 9000 {
		t.Fatalf("expected payee credited once, got %d", got)
	}
	debits, credits, _ := repo.LedgerDrift(context.Background())
	if debits != credits {
		t.Fatalf("expected zero-sum ledger, got debits=%d credits=%d", debits, credits)
	}
}
