/**
 * @description
 * In-memory implementation of the Repository interface. It honors the same
 * atomicity contract as the PostgreSQL implementation — one mutex serializes
 * every mutating operation, which is exactly the per-transfer/per-wallet
 * atomic read-modify-write the engine requires — so the state machine's
 * concurrency tests run against it unchanged. Also handy for local runs
 * without a database.
 */

package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/stablerail/settlement-service/internal/domain"
)

// MemoryRepository keeps all engine state in process memory.
type MemoryRepository struct {
	mu sync.Mutex

	banks       map[uuid.UUID]domain.Bank
	users       map[uuid.UUID]domain.User
	wallets     map[uuid.UUID]*domain.Wallet
	rules       []domain.ApprovalRule
	transfers   map[uuid.UUID]*domain.TransferRequest
	approvals   map[uuid.UUID][]uuid.UUID
	settlements map[uuid.UUID]domain.SettlementResult
	events      map[uuid.UUID][]domain.TransferEvent
	nextEventID int64
}

// NewMemoryRepository returns an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		banks:       make(map[uuid.UUID]domain.Bank),
		users:       make(map[uuid.UUID]domain.User),
		wallets:     make(map[uuid.UUID]*domain.Wallet),
		transfers:   make(map[uuid.UUID]*domain.TransferRequest),
		approvals:   make(map[uuid.UUID][]uuid.UUID),
		settlements: make(map[uuid.UUID]domain.SettlementResult),
		events:      make(map[uuid.UUID][]domain.TransferEvent),
	}
}

// Seed helpers used by bootstrap fixtures and tests.

func (r *MemoryRepository) PutBank(bank domain.Bank) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.banks[bank.ID] = bank
}

func (r *MemoryRepository) PutUser(user domain.User) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users[user.ID] = user
}

func (r *MemoryRepository) PutWallet(wallet domain.Wallet) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w := wallet
	r.wallets[wallet.ID] = &w
}

func (r *MemoryRepository) PutApprovalRules(rules []domain.ApprovalRule) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rules = append([]domain.ApprovalRule(nil), rules...)
}

func (r *MemoryRepository) FindBankByID(ctx context.Context, bankID uuid.UUID) (*domain.Bank, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	bank, ok := r.banks[bankID]
	if !ok {
		return nil, ErrBankNotFound
	}
	return &bank, nil
}

func (r *MemoryRepository) FindUserByID(ctx context.Context, userID uuid.UUID) (*domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	user, ok := r.users[userID]
	if !ok {
		return nil, ErrUserNotFound
	}
	return &user, nil
}

func (r *MemoryRepository) FindWalletByID(ctx context.Context, walletID uuid.UUID) (*domain.Wallet, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	wallet, ok := r.wallets[walletID]
	if !ok {
		return nil, ErrWalletNotFound
	}
	copied := *wallet
	return &copied, nil
}

func (r *MemoryRepository) ListBanks(ctx context.Context) ([]domain.Bank, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	banks := make([]domain.Bank, 0, len(r.banks))
	for _, bank := range r.banks {
		banks = append(banks, bank)
	}
	return banks, nil
}

func (r *MemoryRepository) ListApprovalRules(ctx context.Context) ([]domain.ApprovalRule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.ApprovalRule(nil), r.rules...), nil
}

func (r *MemoryRepository) CreateTransfer(ctx context.Context, transfer *domain.TransferRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	transfer.CreatedAt = now
	transfer.UpdatedAt = now
	transfer.Version = 1
	copied := *transfer
	r.transfers[transfer.ID] = &copied
	r.appendEventLocked(transfer.ID, "", transfer.State, &transfer.InitiatorID, nil)
	return nil
}

func (r *MemoryRepository) FindTransferByID(ctx context.Context, transferID uuid.UUID) (*domain.TransferRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	transfer, ok := r.transfers[transferID]
	if !ok {
		return nil, ErrTransferNotFound
	}
	return r.snapshotLocked(transfer), nil
}

func (r *MemoryRepository) snapshotLocked(transfer *domain.TransferRequest) *domain.TransferRequest {
	copied := *transfer
	if transfer.Rule != nil {
		rule := *transfer.Rule
		copied.Rule = &rule
	}
	copied.ApproverIDs = append([]uuid.UUID(nil), r.approvals[transfer.ID]...)
	return &copied
}

func (r *MemoryRepository) AttachRuleSnapshot(ctx context.Context, transferID uuid.UUID, snapshot *domain.RuleSnapshot, deadline *time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	transfer, ok := r.transfers[transferID]
	if !ok {
		return ErrTransferNotFound
	}
	if transfer.State != domain.StateCreated {
		return ErrStateConflict
	}
	rule := *snapshot
	transfer.Rule = &rule
	transfer.ApprovalDeadline = deadline
	transfer.Version++
	transfer.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *MemoryRepository) TransitionState(ctx context.Context, transferID uuid.UUID, from, to domain.TransferState, actorUserID *uuid.UUID, reason *string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	transfer, ok := r.transfers[transferID]
	if !ok {
		return ErrTransferNotFound
	}
	if transfer.State != from {
		return ErrStateConflict
	}
	transfer.State = to
	if reason != nil {
		transfer.FailureReason = reason
	}
	transfer.Version++
	transfer.UpdatedAt = time.Now().UTC()
	r.appendEventLocked(transferID, from, to, actorUserID, reason)
	return nil
}

func (r *MemoryRepository) RecordApproval(ctx context.Context, transferID, approverID uuid.UUID) (*ApprovalRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	transfer, ok := r.transfers[transferID]
	if !ok {
		return nil, ErrTransferNotFound
	}

	record := &ApprovalRecord{State: transfer.State}
	if transfer.Rule != nil {
		record.RequiredCount = transfer.Rule.RequiredApprovals
	}

	switch transfer.State {
	case domain.StatePendingApproval, domain.StateApproved, domain.StateSettling, domain.StateSettled:
	default:
		return record, ErrStateConflict
	}

	for _, id := range r.approvals[transferID] {
		if id == approverID {
			record.Duplicate = true
		}
	}
	if !record.Duplicate {
		r.approvals[transferID] = append(r.approvals[transferID], approverID)
	}
	record.CurrentCount = len(r.approvals[transferID])

	if transfer.State == domain.StatePendingApproval && !record.Duplicate && record.CurrentCount >= record.RequiredCount {
		transfer.State = domain.StateApproved
		transfer.Version++
		transfer.UpdatedAt = time.Now().UTC()
		actor := approverID
		r.appendEventLocked(transferID, domain.StatePendingApproval, domain.StateApproved, &actor, nil)
		record.State = domain.StateApproved
		record.TransitionedToApproved = true
	}
	return record, nil
}

func (r *MemoryRepository) Settle(ctx context.Context, params SettleParams) (*domain.SettlementResult, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.settlements[params.TransferID]; ok {
		copied := existing
		return &copied, true, nil
	}

	source, ok := r.wallets[params.SourceWalletID]
	if !ok {
		return nil, false, ErrWalletNotFound
	}
	dest, ok := r.wallets[params.DestWalletID]
	if !ok {
		return nil, false, ErrWalletNotFound
	}
	if source.Status != domain.WalletActive || dest.Status != domain.WalletActive {
		return nil, false, ErrWalletInactive
	}
	if source.Currency != params.Currency || dest.Currency != params.Currency {
		return nil, false, ErrCurrencyMismatch
	}
	if source.Balance < params.Amount {
		return nil, false, ErrInsufficientFunds
	}

	source.Balance -= params.Amount
	dest.Balance += params.Amount
	now := time.Now().UTC()
	source.UpdatedAt = now
	dest.UpdatedAt = now

	result := domain.SettlementResult{
		TransferID:       params.TransferID,
		NewSourceBalance: source.Balance,
		NewDestBalance:   dest.Balance,
		SettledAt:        now,
	}
	r.settlements[params.TransferID] = result
	copied := result
	return &copied, false, nil
}

func (r *MemoryRepository) SetComplianceFlag(ctx context.Context, transferID uuid.UUID, cleared bool, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	transfer, ok := r.transfers[transferID]
	if !ok {
		return ErrTransferNotFound
	}
	flag := cleared
	transfer.ComplianceFlag = &flag
	transfer.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *MemoryRepository) FindOverduePendingTransfers(ctx context.Context, now time.Time, limit int) ([]domain.TransferRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var overdue []domain.TransferRequest
	for _, transfer := range r.transfers {
		if len(overdue) >= limit {
			break
		}
		if transfer.State != domain.StatePendingApproval || transfer.ApprovalDeadline == nil {
			continue
		}
		if now.After(*transfer.ApprovalDeadline) {
			overdue = append(overdue, *r.snapshotLocked(transfer))
		}
	}
	return overdue, nil
}

func (r *MemoryRepository) ListTransferEvents(ctx context.Context, transferID uuid.UUID) ([]domain.TransferEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.TransferEvent(nil), r.events[transferID]...), nil
}

func (r *MemoryRepository) appendEventLocked(transferID uuid.UUID, from, to domain.TransferState, actorUserID *uuid.UUID, reason *string) {
	r.nextEventID++
	r.events[transferID] = append(r.events[transferID], domain.TransferEvent{
		ID:          r.nextEventID,
		TransferID:  transferID,
		FromState:   from,
		ToState:     to,
		ActorUserID: actorUserID,
		Reason:      reason,
		CreatedAt:   time.Now().UTC(),
	})
}
