package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sidequest/escrow-service/internal/domain"
	"github.com/sidequest/escrow-service/internal/store"
	"github.com/sidequest/escrow-service/pkg/processorclient"
	"github.com/sidequest/escrow-service/pkg/rabbitmq"
)

// memRepo is an in-memory Repository with the same guard semantics as the
// Postgres implementation: version-guarded transitions, idempotency-keyed
// ledger commits, and natural-sign balance updates.
type memRepo struct {
	mu sync.Mutex

	accounts     map[string]*domain.Account
	accountsByID map[uuid.UUID]*domain.Account
	locks        map[string]*domain.EscrowLock
	events       map[string]*domain.EventAuditRecord
	outbound     map[string]*domain.OutboundCall
	txns         map[string]*domain.LedgerTransaction
	entries      []domain.LedgerEntry
	kill         domain.KillSwitch
	overrides    []domain.AdminOverride
}

func newMemRepo() *memRepo {
	return &memRepo{
		accounts:     make(map[string]*domain.Account),
		accountsByID: make(map[uuid.UUID]*domain.Account),
		locks:        make(map[string]*domain.EscrowLock),
		events:       make(map[string]*domain.EventAuditRecord),
		outbound:     make(map[string]*domain.OutboundCall),
		txns:         make(map[string]*domain.LedgerTransaction),
	}
}

func ownerKey(ownerType, ownerID string) string { return ownerType + "/" + ownerID }

func (m *memRepo) EnsureAccount(ctx context.Context, ownerType, ownerID, accountType, currency string) (*domain.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ensureAccountLocked(ownerType, ownerID, accountType, currency), nil
}

func (m *memRepo) ensureAccountLocked(ownerType, ownerID, accountType, currency string) *domain.Account {
	key := ownerKey(ownerType, ownerID)
	if acc, ok := m.accounts[key]; ok {
		return acc
	}
	acc := &domain.Account{
		ID:          uuid.New(),
		OwnerType:   ownerType,
		OwnerID:     ownerID,
		AccountType: accountType,
		Currency:    currency,
	}
	m.accounts[key] = acc
	m.accountsByID[acc.ID] = acc
	return acc
}

func (m *memRepo) GetAccountByOwner(ctx context.Context, ownerType, ownerID string) (*domain.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acc, ok := m.accounts[ownerKey(ownerType, ownerID)]
	if !ok {
		return nil, store.ErrAccountNotFound
	}
	cp := *acc
	return &cp, nil
}

func (m *memRepo) CommitSaga(ctx context.Context, p store.CommitSagaParams) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, applied := m.txns[p.Transaction.IdempotencyKey]; !applied {
		// Validate every balance move before applying any.
		for _, entry := range p.Entries {
			acc, ok := m.accountsByID[entry.AccountID]
			if !ok {
				return store.ErrAccountNotFound
			}
			if acc.AccountType == domain.AccountTypeLiability && entry.Direction == domain.DirectionDebit && acc.Balance < entry.Amount {
				return store.ErrInsufficientBalance
			}
		}
		for _, entry := range p.Entries {
			acc := m.accountsByID[entry.AccountID]
			delta := entry.Amount
			if (acc.AccountType == domain.AccountTypeAsset) != (entry.Direction == domain.DirectionDebit) {
				delta = -delta
			}
			acc.Balance += delta
			m.entries = append(m.entries, domain.LedgerEntry{
				ID:            uuid.New(),
				TransactionID: p.Transaction.ID,
				AccountID:     entry.AccountID,
				Direction:     entry.Direction,
				Amount:        entry.Amount,
			})
		}
		now := time.Now().UTC()
		txn := p.Transaction
		txn.Status = domain.TxStatusCommitted
		txn.CommittedAt = &now
		m.txns[txn.IdempotencyKey] = &txn
	}

	lock, ok := m.locks[p.SubjectID]
	if !ok {
		return store.ErrEscrowNotFound
	}
	if domain.IsTerminalState(lock.State) {
		return domain.ErrTerminalState
	}
	if lock.Version != p.ExpectedVersion {
		return store.ErrVersionConflict
	}
	lock.State = p.NewState
	lock.Version++
	lock.InflightEventID = nil
	lock.RecoveryAttempts = 0
	if p.ProcessorHoldID != nil {
		lock.ProcessorHoldID = p.ProcessorHoldID
	}
	if p.ProcessorTransferID != nil {
		lock.ProcessorTransferID = p.ProcessorTransferID
	}
	if p.ProcessorRefundID != nil {
		lock.ProcessorRefundID = p.ProcessorRefundID
	}
	lock.LastTransitionAt = time.Now().UTC()

	if p.OutboundKey != "" {
		if call, ok := m.outbound[p.OutboundKey]; ok {
			call.Status = domain.OutboundSucceeded
			objectID := p.ProcessorObjectID
			call.ProcessorObjectID = &objectID
		}
	}
	if p.EventID != "" {
		if rec, ok := m.events[p.EventID]; ok {
			rec.Outcome = p.EventOutcome
			rec.NewState = p.NewState
		}
	}
	return nil
}

func (m *memRepo) FindTransactionByIdempotencyKey(ctx context.Context, key string) (*domain.LedgerTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	txn, ok := m.txns[key]
	if !ok {
		return nil, store.ErrTransactionNotFound
	}
	cp := *txn
	return &cp, nil
}

func (m *memRepo) AdmitEvent(ctx context.Context, rec domain.EventAuditRecord) (bool, *domain.EventAuditRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prior, ok := m.events[rec.EventID]; ok {
		cp := *prior
		return false, &cp, nil
	}
	rec.CreatedAt = time.Now().UTC()
	m.events[rec.EventID] = &rec
	return true, nil, nil
}

func (m *memRepo) GetEventAudit(ctx context.Context, eventID string) (*domain.EventAuditRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.events[eventID]
	if !ok {
		return nil, store.ErrEventNotFound
	}
	cp := *rec
	return &cp, nil
}

func (m *memRepo) SetEventOutcome(ctx context.Context, eventID, outcome, newState string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.events[eventID]; ok {
		rec.Outcome = outcome
		rec.NewState = newState
	}
	return nil
}

func (m *memRepo) CreateEscrowLock(ctx context.Context, lock domain.EscrowLock) (*domain.EscrowLock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.locks[lock.SubjectID]; ok {
		return nil, store.ErrEscrowExists
	}
	lock.State = domain.StatePending
	lock.Version = 1
	lock.LastTransitionAt = time.Now().UTC()
	lock.CreatedAt = lock.LastTransitionAt
	m.locks[lock.SubjectID] = &lock
	cp := lock
	return &cp, nil
}

func (m *memRepo) GetEscrowLock(ctx context.Context, subjectID string) (*domain.EscrowLock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[subjectID]
	if !ok {
		return nil, store.ErrEscrowNotFound
	}
	cp := *lock
	return &cp, nil
}

func (m *memRepo) TransitionEscrowLock(ctx context.Context, p store.TransitionParams) (*domain.EscrowLock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[p.SubjectID]
	if !ok {
		return nil, store.ErrEscrowNotFound
	}
	if domain.IsTerminalState(lock.State) {
		return nil, domain.ErrTerminalState
	}
	if lock.Version != p.ExpectedVersion {
		return nil, store.ErrVersionConflict
	}
	lock.State = p.NewState
	lock.Version++
	lock.InflightEventID = p.InflightEventID
	lock.LastTransitionAt = time.Now().UTC()
	cp := *lock
	return &cp, nil
}

func (m *memRepo) SetTaskCompleted(ctx context.Context, subjectID string, completed bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[subjectID]
	if !ok {
		return store.ErrEscrowNotFound
	}
	lock.TaskCompleted = completed
	return nil
}

func (m *memRepo) ListStuckLocks(ctx context.Context, cutoff time.Time, limit int) ([]domain.EscrowLock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.EscrowLock
	for _, lock := range m.locks {
		if domain.IsIntermediateState(lock.State) && lock.LastTransitionAt.Before(cutoff) {
			out = append(out, *lock)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *memRepo) ListExpiredHeldLocks(ctx context.Context, now time.Time, limit int) ([]domain.EscrowLock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.EscrowLock
	for _, lock := range m.locks {
		if lock.State == domain.StateHeld && lock.DeadlineAt.Before(now) {
			out = append(out, *lock)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *memRepo) IncrementRecoveryAttempts(ctx context.Context, subjectID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[subjectID]
	if !ok {
		return 0, store.ErrEscrowNotFound
	}
	lock.RecoveryAttempts++
	return lock.RecoveryAttempts, nil
}

func (m *memRepo) CreateOutboundCall(ctx context.Context, call domain.OutboundCall) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.outbound[call.IdempotencyKey]; ok {
		existing.EventID = call.EventID
		existing.Status = domain.OutboundPending
		existing.DispatchedAt = time.Now().UTC()
		return nil
	}
	call.Status = domain.OutboundPending
	call.DispatchedAt = time.Now().UTC()
	m.outbound[call.IdempotencyKey] = &call
	return nil
}

func (m *memRepo) GetOutboundCall(ctx context.Context, idempotencyKey string) (*domain.OutboundCall, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	call, ok := m.outbound[idempotencyKey]
	if !ok {
		return nil, store.ErrOutboundCallNotFound
	}
	cp := *call
	return &cp, nil
}

func (m *memRepo) MarkOutboundCallFailed(ctx context.Context, idempotencyKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	call, ok := m.outbound[idempotencyKey]
	if !ok {
		return store.ErrOutboundCallNotFound
	}
	call.Status = domain.OutboundFailed
	return nil
}

func (m *memRepo) GetKillSwitch(ctx context.Context) (*domain.KillSwitch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := m.kill
	return &cp, nil
}

func (m *memRepo) TriggerKillSwitch(ctx context.Context, reason, actor string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.kill.Active {
		now := time.Now().UTC()
		m.kill = domain.KillSwitch{Active: true, Reason: reason, TriggeredBy: actor, TriggeredAt: &now}
	}
	return nil
}

func (m *memRepo) ResolveKillSwitch(ctx context.Context, actor string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	m.kill.Active = false
	m.kill.ResolvedAt = &now
	return nil
}

func (m *memRepo) CreateAdminOverride(ctx context.Context, rec domain.AdminOverride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.overrides = append(m.overrides, rec)
	return nil
}

func (m *memRepo) LedgerDrift(ctx context.Context) (int64, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var debits, credits int64
	for _, e := range m.entries {
		if e.Direction == domain.DirectionDebit {
			debits += e.Amount
		} else {
			credits += e.Amount
		}
	}
	return debits, credits, nil
}

func (m *memRepo) ListUnbalancedTransactions(ctx context.Context) ([]domain.TransactionImbalance, error) {
	return nil, nil
}

func (m *memRepo) ListAccountMismatches(ctx context.Context) ([]domain.AccountMismatch, error) {
	return nil, nil
}

func (m *memRepo) balanceOf(ownerType, ownerID string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if acc, ok := m.accounts[ownerKey(ownerType, ownerID)]; ok {
		return acc.Balance
	}
	return 0
}

// seedHeldLock installs a lock in the held state with the books a committed
// hold saga would have left behind.
func (m *memRepo) seedHeldLock(subjectID string, amount int64) *domain.EscrowLock {
	m.mu.Lock()
	defer m.mu.Unlock()
	holdID := "hold_obj_" + subjectID
	lock := &domain.EscrowLock{
		SubjectID:        subjectID,
		State:            domain.StateHeld,
		Version:          2,
		HeldAmount:       amount,
		Currency:         "USD",
		PayerID:          "payer_1",
		PayeeID:          "payee_1",
		ProcessorHoldID:  &holdID,
		DeadlineAt:       time.Now().UTC().Add(72 * time.Hour),
		LastTransitionAt: time.Now().UTC(),
	}
	m.locks[subjectID] = lock

	cash := m.ensureAccountLocked(domain.OwnerTypePlatform, domain.PlatformCashOwnerID, domain.AccountTypeAsset, "USD")
	cash.Balance += amount
	escrow := m.ensureAccountLocked(domain.OwnerTypeTask, subjectID, domain.AccountTypeLiability, "USD")
	escrow.Balance += amount
	cp := *lock
	return &cp
}

// processorStub scripts the processor responses per call type.
type processorStub struct {
	mu sync.Mutex

	holdErr     error
	transferErr error
	refundErr   error

	holdStatus     string
	transferStatus string
	refundStatus   string

	lookupObj *processorclient.ObjectResponse
	lookupErr error

	holdCalls     int
	transferCalls int
	refundCalls   int
	lookupCalls   int
}

func processorObject(id, status string) *processorclient.ObjectResponse {
	obj := &processorclient.ObjectResponse{}
	obj.Data.ID = id
	obj.Data.Attributes.Status = status
	return obj
}

func (p *processorStub) CreateHold(ctx context.Context, key string, payload processorclient.HoldRequest) (*processorclient.ObjectResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.holdCalls++
	if p.holdErr != nil {
		return nil, p.holdErr
	}
	status := p.holdStatus
	if status == "" {
		status = "succeeded"
	}
	return processorObject("hold_obj_1", status), nil
}

func (p *processorStub) CreateTransfer(ctx context.Context, key string, payload processorclient.TransferRequest) (*processorclient.ObjectResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.transferCalls++
	if p.transferErr != nil {
		return nil, p.transferErr
	}
	status := p.transferStatus
	if status == "" {
		status = "succeeded"
	}
	return processorObject("transfer_obj_1", status), nil
}

func (p *processorStub) CreateRefund(ctx context.Context, key string, payload processorclient.RefundRequest) (*processorclient.ObjectResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refundCalls++
	if p.refundErr != nil {
		return nil, p.refundErr
	}
	status := p.refundStatus
	if status == "" {
		status = "succeeded"
	}
	return processorObject("refund_obj_1", status), nil
}

func (p *processorStub) GetByIdempotencyKey(ctx context.Context, key string) (*processorclient.ObjectResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lookupCalls++
	if p.lookupErr != nil {
		return nil, p.lookupErr
	}
	return p.lookupObj, nil
}

func rejection(status string) *processorclient.ErrorResponse {
	resp := &processorclient.ErrorResponse{}
	resp.Errors = append(resp.Errors, struct {
		Title  string `json:"title"`
		Detail string `json:"detail"`
		Status string `json:"status"`
	}{Title: "Declined", Detail: "card declined", Status: status})
	return resp
}

func newTestEngine(repo store.Repository, proc ProcessorClient) *Engine {
	return NewEngine(repo, proc, &rabbitmq.EventProducerFallback{}, 1000, "USD", 72*time.Hour, 3)
}

func TestHold_CommitsLedgerAndAdvancesLock(t *testing.T) {
	repo := newMemRepo()
	engine := newTestEngine(repo, &processorStub{})

	res, err := engine.Hold(context.Background(), domain.HoldRequest{
		SubjectID: "task_1",
		EventID:   "evt_1",
		PayerID:   "payer_1",
		PayeeID:   "payee_1",
		Amount:    10000,
	})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if res.State != domain.StateHeld || res.Outcome != domain.OutcomeCommitted {
		t.Fatalf("expected committed held result, got state=%s outcome=%s", res.State, res.Outcome)
	}

	lock, err := repo.GetEscrowLock(context.Background(), "task_1")
	if err != nil {
		t.Fatalf("expected lock, got %v", err)
	}
	if lock.State != domain.StateHeld {
		t.Fatalf("expected lock state held, got %s", lock.State)
	}
	if lock.ProcessorHoldID == nil || *lock.ProcessorHoldID != "hold_obj_1" {
		t.Fatal("expected processor hold id recorded on lock")
	}
	if lock.InflightEventID != nil {
		t.Fatal("expected in-flight marker cleared after commit")
	}

	if got := repo.balanceOf(domain.OwnerTypePlatform, domain.PlatformCashOwnerID); got != 10000 {
		t.Fatalf("expected cash balance 10000, got %d", got)
	}
	if got := repo.balanceOf(domain.OwnerTypeTask, "task_1"); got != 10000 {
		t.Fatalf("expected escrow balance 10000, got %d", got)
	}
	debits, credits, _ := repo.LedgerDrift(context.Background())
	if debits != credits {
		t.Fatalf("expected zero-sum ledger, got debits=%d credits=%d", debits, credits)
	}
}

func TestHold_DuplicateEventReplaysOutcome(t *testing.T) {
	repo := newMemRepo()
	proc := &processorStub{}
	engine := newTestEngine(repo, proc)

	req := domain.HoldRequest{
		SubjectID: "task_1",
		EventID:   "evt_1",
		PayerID:   "payer_1",
		PayeeID:   "payee_1",
		Amount:    10000,
	}
	if _, err := engine.Hold(context.Background(), req); err != nil {
		t.Fatalf("first hold failed: %v", err)
	}

	res, err := engine.Hold(context.Background(), req)
	if err != nil {
		t.Fatalf("expected nil error on duplicate, got %v", err)
	}
	if !res.DuplicateIgnored {
		t.Fatal("expected duplicate to be flagged")
	}
	if res.Outcome != domain.OutcomeCommitted || res.State != domain.StateHeld {
		t.Fatalf("expected replayed committed outcome, got outcome=%s state=%s", res.Outcome, res.State)
	}
	if proc.holdCalls != 1 {
		t.Fatalf("expected exactly one processor call, got %d", proc.holdCalls)
	}
	if got := repo.balanceOf(domain.OwnerTypeTask, "task_1"); got != 10000 {
		t.Fatalf("expected escrow balance unchanged at 10000, got %d", got)
	}
}

func TestHold_ExecutingDuplicateIsRejected(t *testing.T) {
	repo := newMemRepo()
	engine := newTestEngine(repo, &processorStub{})

	repo.events["evt_1"] = &domain.EventAuditRecord{
		EventID:   "evt_1",
		SubjectID: "task_1",
		Outcome:   domain.OutcomeExecuting,
	}

	_, err := engine.Hold(context.Background(), domain.HoldRequest{
		SubjectID: "task_1",
		EventID:   "evt_1",
		PayerID:   "payer_1",
		PayeeID:   "payee_1",
		Amount:    10000,
	})
	if !errors.Is(err, ErrEventInProgress) {
		t.Fatalf("expected ErrEventInProgress, got %v", err)
	}
}

func TestHold_KillSwitchBlocksMoneyMovement(t *testing.T) {
	repo := newMemRepo()
	repo.kill.Active = true
	proc := &processorStub{}
	engine := newTestEngine(repo, proc)

	_, err := engine.Hold(context.Background(), domain.HoldRequest{
		SubjectID: "task_1",
		EventID:   "evt_1",
		PayerID:   "payer_1",
		PayeeID:   "payee_1",
		Amount:    10000,
	})
	if !errors.Is(err, ErrKillSwitchActive) {
		t.Fatalf("expected ErrKillSwitchActive, got %v", err)
	}
	if proc.holdCalls != 0 {
		t.Fatal("expected no processor call while halted")
	}
}

func TestHold_ExplicitDeclineRevertsLock(t *testing.T) {
	repo := newMemRepo()
	proc := &processorStub{holdErr: rejection("402")}
	engine := newTestEngine(repo, proc)

	_, err := engine.Hold(context.Background(), domain.HoldRequest{
		SubjectID: "task_1",
		EventID:   "evt_1",
		PayerID:   "payer_1",
		PayeeID:   "payee_1",
		Amount:    10000,
	})
	if !errors.Is(err, ErrProcessorDecline) {
		t.Fatalf("expected ErrProcessorDecline, got %v", err)
	}

	lock, _ := repo.GetEscrowLock(context.Background(), "task_1")
	if lock.State != domain.StatePending {
		t.Fatalf("expected lock reverted to pending, got %s", lock.State)
	}
	rec, err := repo.GetEventAudit(context.Background(), "evt_1")
	if err != nil {
		t.Fatalf("expected audit record, got %v", err)
	}
	if rec.Outcome != domain.OutcomeFailed {
		t.Fatalf("expected failed outcome, got %s", rec.Outcome)
	}
	call, _ := repo.GetOutboundCall(context.Background(), "hold:task_1")
	if call.Status != domain.OutboundFailed {
		t.Fatalf("expected outbound call marked failed, got %s", call.Status)
	}
	if got := repo.balanceOf(domain.OwnerTypeTask, "task_1"); got != 0 {
		t.Fatalf("expected no ledger movement on decline, got escrow balance %d", got)
	}
}

func TestHold_ReholdWithDifferentAmountIsRejected(t *testing.T) {
	repo := newMemRepo()
	proc := &processorStub{holdErr: rejection("402")}
	engine := newTestEngine(repo, proc)

	_, err := engine.Hold(context.Background(), domain.HoldRequest{
		SubjectID: "task_1",
		EventID:   "evt_1",
		PayerID:   "payer_1",
		PayeeID:   "payee_1",
		Amount:    10000,
	})
	if !errors.Is(err, ErrProcessorDecline) {
		t.Fatalf("expected ErrProcessorDecline, got %v", err)
	}

	// The decline reverted the lock to pending. A re-hold for a different
	// amount must not ride the recorded 10000.
	proc.holdErr = nil
	_, err = engine.Hold(context.Background(), domain.HoldRequest{
		SubjectID: "task_1",
		EventID:   "evt_2",
		PayerID:   "payer_1",
		PayeeID:   "payee_1",
		Amount:    20000,
	})
	if !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount for amount mismatch, got %v", err)
	}
	lock, _ := repo.GetEscrowLock(context.Background(), "task_1")
	if lock.State != domain.StatePending || lock.HeldAmount != 10000 {
		t.Fatalf("expected pending lock untouched at 10000, got state=%s amount=%d", lock.State, lock.HeldAmount)
	}
	if got := repo.balanceOf(domain.OwnerTypeTask, "task_1"); got != 0 {
		t.Fatalf("expected no ledger movement, got %d", got)
	}

	// Matching the recorded amount proceeds normally.
	res, err := engine.Hold(context.Background(), domain.HoldRequest{
		SubjectID: "task_1",
		EventID:   "evt_3",
		PayerID:   "payer_1",
		PayeeID:   "payee_1",
		Amount:    10000,
	})
	if err != nil {
		t.Fatalf("expected matching re-hold to commit, got %v", err)
	}
	if res.State != domain.StateHeld {
		t.Fatalf("expected held, got %s", res.State)
	}
	if got := repo.balanceOf(domain.OwnerTypeTask, "task_1"); got != 10000 {
		t.Fatalf("expected escrow balance 10000, got %d", got)
	}
}

func TestHold_AmbiguousOutcomeLeavesIntermediateState(t *testing.T) {
	repo := newMemRepo()
	proc := &processorStub{holdErr: errors.New("connection reset")}
	engine := newTestEngine(repo, proc)

	res, err := engine.Hold(context.Background(), domain.HoldRequest{
		SubjectID: "task_1",
		EventID:   "evt_1",
		PayerID:   "payer_1",
		PayeeID:   "payee_1",
		Amount:    10000,
	})
	if !errors.Is(err, ErrProcessorPending) {
		t.Fatalf("expected ErrProcessorPending, got %v", err)
	}
	if res == nil || res.Outcome != domain.OutcomeExecuting {
		t.Fatalf("expected executing result alongside pending error, got %+v", res)
	}

	lock, _ := repo.GetEscrowLock(context.Background(), "task_1")
	if lock.State != domain.StateHolding {
		t.Fatalf("expected lock left in holding, got %s", lock.State)
	}
	if lock.InflightEventID == nil || *lock.InflightEventID != "evt_1" {
		t.Fatal("expected in-flight event id preserved for recovery")
	}
	if got := repo.balanceOf(domain.OwnerTypeTask, "task_1"); got != 0 {
		t.Fatalf("expected no ledger movement before resolution, got %d", got)
	}
}

func TestRelease_CarvesPlatformFee(t *testing.T) {
	repo := newMemRepo()
	repo.seedHeldLock("task_1", 10000)
	engine := newTestEngine(repo, &processorStub{})

	res, err := engine.Release(context.Background(), "task_1", domain.DispositionRequest{EventID: "evt_rel", Actor: "payer_1"})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if res.State != domain.StateReleased {
		t.Fatalf("expected released, got %s", res.State)
	}

	if got := repo.balanceOf(domain.OwnerTypeTask, "task_1"); got != 0 {
		t.Fatalf("expected escrow emptied, got %d", got)
	}
	if got := repo.balanceOf(domain.OwnerTypeUser, "payee_1"); got != 9000 {
		t.Fatalf("expected payee receivable 9000 after 10%% fee, got %d", got)
	}
	if got := repo.balanceOf(domain.OwnerTypePlatform, domain.PlatformFeesOwnerID); got != 1000 {
		t.Fatalf("expected fee balance 1000, got %d", got)
	}
	debits, credits, _ := repo.LedgerDrift(context.Background())
	if debits != credits {
		t.Fatalf("expected zero-sum ledger, got debits=%d credits=%d", debits, credits)
	}
}

func TestRelease_IllegalFromPending(t *testing.T) {
	repo := newMemRepo()
	engine := newTestEngine(repo, &processorStub{})

	if _, err := repo.CreateEscrowLock(context.Background(), domain.EscrowLock{
		SubjectID:  "task_1",
		HeldAmount: 10000,
		Currency:   "USD",
		PayerID:    "payer_1",
		PayeeID:    "payee_1",
	}); err != nil {
		t.Fatalf("failed to seed lock: %v", err)
	}

	_, err := engine.Release(context.Background(), "task_1", domain.DispositionRequest{EventID: "evt_rel"})
	if !errors.Is(err, domain.ErrIllegalTransition) {
		t.Fatalf("expected ErrIllegalTransition, got %v", err)
	}
}

func TestRelease_TerminalLockIsImmutable(t *testing.T) {
	repo := newMemRepo()
	repo.seedHeldLock("task_1", 10000)
	repo.mu.Lock()
	repo.locks["task_1"].State = domain.StateReleased
	repo.mu.Unlock()

	engine := newTestEngine(repo, &processorStub{})
	_, err := engine.Refund(context.Background(), "task_1", domain.DispositionRequest{EventID: "evt_ref"})
	if !errors.Is(err, domain.ErrTerminalState) {
		t.Fatalf("expected ErrTerminalState, got %v", err)
	}
}

func TestRefund_FromDisputeDeclineRevertsToDispute(t *testing.T) {
	repo := newMemRepo()
	repo.seedHeldLock("task_1", 10000)
	engine := newTestEngine(repo, &processorStub{refundErr: rejection("422")})

	if _, err := engine.Dispute(context.Background(), "task_1", domain.DispositionRequest{EventID: "evt_disp"}); err != nil {
		t.Fatalf("dispute failed: %v", err)
	}

	_, err := engine.Refund(context.Background(), "task_1", domain.DispositionRequest{EventID: "evt_ref"})
	if !errors.Is(err, ErrProcessorDecline) {
		t.Fatalf("expected ErrProcessorDecline, got %v", err)
	}
	lock, _ := repo.GetEscrowLock(context.Background(), "task_1")
	if lock.State != domain.StateLockedDispute {
		t.Fatalf("expected revert to locked_dispute, got %s", lock.State)
	}
}

func TestSplit_ResolvesDisputeAcrossBothLegs(t *testing.T) {
	repo := newMemRepo()
	repo.seedHeldLock("task_1", 10000)
	engine := newTestEngine(repo, &processorStub{})

	if _, err := engine.Dispute(context.Background(), "task_1", domain.DispositionRequest{EventID: "evt_disp"}); err != nil {
		t.Fatalf("dispute failed: %v", err)
	}

	res, err := engine.Split(context.Background(), "task_1", domain.SplitRequest{
		EventID:       "evt_split",
		RefundAmount:  4000,
		ReleaseAmount: 6000,
		Actor:         "moderator_1",
	})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if res.State != domain.StateRefundPartial {
		t.Fatalf("expected refund_partial, got %s", res.State)
	}

	// Hold put 10000 into cash; the refund leg returned 4000 of it.
	if got := repo.balanceOf(domain.OwnerTypePlatform, domain.PlatformCashOwnerID); got != 6000 {
		t.Fatalf("expected cash balance 6000, got %d", got)
	}
	if got := repo.balanceOf(domain.OwnerTypeTask, "task_1"); got != 0 {
		t.Fatalf("expected escrow emptied, got %d", got)
	}
	if got := repo.balanceOf(domain.OwnerTypeUser, "payee_1"); got != 5400 {
		t.Fatalf("expected payee receivable 5400 after fee, got %d", got)
	}
	if got := repo.balanceOf(domain.OwnerTypePlatform, domain.PlatformFeesOwnerID); got != 600 {
		t.Fatalf("expected fee balance 600, got %d", got)
	}
	debits, credits, _ := repo.LedgerDrift(context.Background())
	if debits != credits {
		t.Fatalf("expected zero-sum ledger, got debits=%d credits=%d", debits, credits)
	}
}

func TestSplit_RejectsAmountMismatch(t *testing.T) {
	repo := newMemRepo()
	repo.seedHeldLock("task_1", 10000)
	engine := newTestEngine(repo, &processorStub{})

	if _, err := engine.Dispute(context.Background(), "task_1", domain.DispositionRequest{EventID: "evt_disp"}); err != nil {
		t.Fatalf("dispute failed: %v", err)
	}

	_, err := engine.Split(context.Background(), "task_1", domain.SplitRequest{
		EventID:       "evt_split",
		RefundAmount:  4000,
		ReleaseAmount: 5000,
	})
	if !errors.Is(err, ErrSplitMismatch) {
		t.Fatalf("expected ErrSplitMismatch, got %v", err)
	}
}

func TestSplit_RetryMustMatchCommittedRefundLeg(t *testing.T) {
	repo := newMemRepo()
	repo.seedHeldLock("task_1", 10000)
	proc := &processorStub{transferErr: rejection("422")}
	engine := newTestEngine(repo, proc)

	if _, err := engine.Dispute(context.Background(), "task_1", domain.DispositionRequest{EventID: "evt_disp"}); err != nil {
		t.Fatalf("dispute failed: %v", err)
	}

	// First attempt: the refund leg commits, the release leg is declined and
	// the lock reverts to locked_dispute with 3000 already returned.
	_, err := engine.Split(context.Background(), "task_1", domain.SplitRequest{
		EventID:       "evt_split_1",
		RefundAmount:  3000,
		ReleaseAmount: 7000,
		Actor:         "moderator_1",
	})
	if !errors.Is(err, ErrProcessorDecline) {
		t.Fatalf("expected ErrProcessorDecline, got %v", err)
	}
	if proc.refundCalls != 1 {
		t.Fatalf("expected one refund dispatch, got %d", proc.refundCalls)
	}
	lock, _ := repo.GetEscrowLock(context.Background(), "task_1")
	if lock.State != domain.StateLockedDispute {
		t.Fatalf("expected locked_dispute, got %s", lock.State)
	}
	if got := repo.balanceOf(domain.OwnerTypeTask, "task_1"); got != 7000 {
		t.Fatalf("expected 7000 left in escrow after refund leg, got %d", got)
	}

	// A retry asking for a different ratio would strand funds against the
	// already committed refund leg.
	proc.transferErr = nil
	_, err = engine.Split(context.Background(), "task_1", domain.SplitRequest{
		EventID:       "evt_split_2",
		RefundAmount:  5000,
		ReleaseAmount: 5000,
		Actor:         "moderator_1",
	})
	if !errors.Is(err, ErrSplitMismatch) {
		t.Fatalf("expected ErrSplitMismatch for changed ratio, got %v", err)
	}
	lock, _ = repo.GetEscrowLock(context.Background(), "task_1")
	if lock.State != domain.StateLockedDispute {
		t.Fatalf("expected lock untouched in locked_dispute, got %s", lock.State)
	}

	// Retrying the original ratio skips the committed leg and drains escrow.
	res, err := engine.Split(context.Background(), "task_1", domain.SplitRequest{
		EventID:       "evt_split_3",
		RefundAmount:  3000,
		ReleaseAmount: 7000,
		Actor:         "moderator_1",
	})
	if err != nil {
		t.Fatalf("expected retry to commit, got %v", err)
	}
	if res.State != domain.StateRefundPartial {
		t.Fatalf("expected refund_partial, got %s", res.State)
	}
	if proc.refundCalls != 1 {
		t.Fatalf("expected committed refund leg to be skipped, got %d dispatches", proc.refundCalls)
	}
	if got := repo.balanceOf(domain.OwnerTypeTask, "task_1"); got != 0 {
		t.Fatalf("expected escrow drained, got %d", got)
	}
	if got := repo.balanceOf(domain.OwnerTypeUser, "payee_1"); got != 6300 {
		t.Fatalf("expected payee receivable 6300 after fee on 7000, got %d", got)
	}
	debits, credits, _ := repo.LedgerDrift(context.Background())
	if debits != credits {
		t.Fatalf("expected zero-sum ledger, got debits=%d credits=%d", debits, credits)
	}
}

func TestForceRefund_BypassesKillSwitchAndRecordsOverride(t *testing.T) {
	repo := newMemRepo()
	repo.seedHeldLock("task_1", 10000)
	repo.kill.Active = true
	engine := newTestEngine(repo, &processorStub{})

	res, err := engine.ForceRefund(context.Background(), "task_1", domain.AdminActionRequest{
		AdminID: "admin_1",
		Reason:  "payer chargeback upheld",
	})
	if err != nil {
		t.Fatalf("expected forced refund to run under kill switch, got %v", err)
	}
	if res.State != domain.StateRefunded {
		t.Fatalf("expected refunded, got %s", res.State)
	}
	if len(repo.overrides) != 1 {
		t.Fatalf("expected one admin override record, got %d", len(repo.overrides))
	}
	if repo.overrides[0].AdminID != "admin_1" || repo.overrides[0].Action != "force_refund" {
		t.Fatalf("unexpected override record: %+v", repo.overrides[0])
	}
}

func TestForceRefund_RequiresReason(t *testing.T) {
	repo := newMemRepo()
	repo.seedHeldLock("task_1", 10000)
	engine := newTestEngine(repo, &processorStub{})

	if _, err := engine.ForceRefund(context.Background(), "task_1", domain.AdminActionRequest{AdminID: "admin_1"}); err == nil {
		t.Fatal("expected error for missing reason")
	}
	if len(repo.overrides) != 0 {
		t.Fatal("expected no override record for rejected request")
	}
}
