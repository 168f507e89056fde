/**
 * @description
 * This file contains the approval state machine for the settlement-service.
 * The `Service` struct orchestrates the full transfer lifecycle: rule
 * resolution and snapshotting, quorum collection, expiry, and the exactly-once
 * hand-off to the ledger guard.
 *
 * Key features:
 * - Per-transfer serialization via the repository's compare-and-swap state
 *   transitions; a lost swap is retried against freshly read state, never
 *   surfaced to the caller unless the transfer has reached a final state.
 * - Settlement is triggered at most once per transfer: only the caller whose
 *   approval atomically crossed the quorum threshold (or the initiation path
 *   for auto-approved tiers) wins the Approved -> Settling swap, and the
 *   ledger guard is additionally idempotent on the transfer id.
 * - State-change events are published after the transition commits and are
 *   fire-and-forget; notification delivery is never on the settlement path.
 *
 * @dependencies
 * - github.com/google/uuid: entity ids.
 * - internal/domain, internal/rules, internal/store: models, rule catalog, data access.
 * - pkg/rabbitmq: event publishing.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/stablerail/settlement-service/internal/domain"
	"github.com/stablerail/settlement-service/internal/rules"
	"github.com/stablerail/settlement-service/internal/store"
	"github.com/stablerail/settlement-service/pkg/rabbitmq"
)

var (
	// Validation failures; rejected before any state mutation.
	ErrSameWallet         = errors.New("source and destination wallets must differ")
	ErrWalletWrongBank    = errors.New("wallet does not belong to the transfer's bank")
	ErrCurrencyMismatch   = errors.New("transfer currency does not match wallet currency")
	ErrBankSuspended      = errors.New("bank is suspended")
	ErrInitiatorWrongBank = errors.New("initiator does not belong to the transfer's bank")

	// Authorization failures; transfer state unchanged.
	ErrSelfApproval         = errors.New("initiator cannot approve their own transfer")
	ErrApproverWrongBank    = errors.New("approver does not belong to the transfer's bank")
	ErrApproverNotPermitted = errors.New("approver's role cannot approve transfers")
	ErrRoleLevelTooLow      = errors.New("approver's role level is below the rule's requirement")
	ErrRoleCeilingExceeded  = errors.New("amount exceeds the role's transfer ceiling")

	// Terminal-state failures.
	ErrTransferExpired    = errors.New("transfer has expired")
	ErrTransferNotPending = errors.New("transfer is not awaiting approval")

	// ErrRateLimited is returned when a caller exceeds the approval
	// submission limit.
	ErrRateLimited = errors.New("too many approval submissions; retry later")
)

// stateConflictRetries bounds the internal retry loop for lost
// compare-and-swaps before the conflict is surfaced.
const stateConflictRetries = 3

const expirySweepBatchSize = 200

// RateLimiter is the distributed limiter consulted before counting an
// approval submission. A nil limiter disables limiting.
type RateLimiter interface {
	ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (count int, retryAfterSeconds int, err error)
}

// Service provides the approval and settlement state machine.
type Service struct {
	repo               store.Repository
	catalog            *rules.Catalog
	eventProducer      rabbitmq.Publisher
	rateLimiter        RateLimiter
	defaultApprovalTTL time.Duration
	approvalRateLimit  int
}

// NewService creates a new settlement service instance.
func NewService(repo store.Repository, catalog *rules.Catalog, producer rabbitmq.Publisher, defaultApprovalTTL time.Duration) *Service {
	return &Service{
		repo:               repo,
		catalog:            catalog,
		eventProducer:      producer,
		defaultApprovalTTL: defaultApprovalTTL,
	}
}

// SetApprovalRateLimiter wires an optional distributed rate limiter for
// approval submissions.
func (s *Service) SetApprovalRateLimiter(limiter RateLimiter, perMinute int) {
	s.rateLimiter = limiter
	s.approvalRateLimit = perMinute
}

// ReloadRules reads every bank's rule set from the store, validates partition
// completeness, and atomically swaps the catalog. Invalid configuration is
// rejected whole; the running catalog is untouched.
func (s *Service) ReloadRules(ctx context.Context) error {
	allRules, err := s.repo.ListApprovalRules(ctx)
	if err != nil {
		return fmt.Errorf("failed to load approval rules: %w", err)
	}

	grouped := make(map[uuid.UUID][]domain.ApprovalRule)
	for _, rule := range allRules {
		grouped[rule.BankID] = append(grouped[rule.BankID], rule)
	}
	if err := s.catalog.ReplaceAll(grouped); err != nil {
		return fmt.Errorf("rule catalog validation failed: %w", err)
	}

	log.Printf("level=info component=engine msg=\"rule catalog loaded\" banks=%d rules=%d", len(grouped), len(allRules))
	return nil
}

// InitiateTransfer validates the request, resolves and snapshots the approval
// rule, and either settles immediately (auto-approve tier) or parks the
// transfer in PendingApproval with its deadline.
func (s *Service) InitiateTransfer(ctx context.Context, params domain.InitiateTransferParams) (*domain.TransferRequest, error) {
	if params.Amount <= 0 {
		return nil, domain.ErrInvalidAmount
	}
	if params.SourceWalletID == params.DestWalletID {
		return nil, ErrSameWallet
	}

	bank, err := s.repo.FindBankByID(ctx, params.BankID)
	if err != nil {
		return nil, fmt.Errorf("failed to find bank: %w", err)
	}
	if bank.Status != domain.BankActive {
		return nil, ErrBankSuspended
	}

	initiator, err := s.repo.FindUserByID(ctx, params.InitiatorID)
	if err != nil {
		return nil, fmt.Errorf("failed to find initiator: %w", err)
	}
	if initiator.BankID != params.BankID {
		return nil, ErrInitiatorWrongBank
	}
	if initiator.Role.MaxTransferAmount > 0 && params.Amount > initiator.Role.MaxTransferAmount {
		return nil, ErrRoleCeilingExceeded
	}

	source, err := s.repo.FindWalletByID(ctx, params.SourceWalletID)
	if err != nil {
		return nil, fmt.Errorf("failed to find source wallet: %w", err)
	}
	dest, err := s.repo.FindWalletByID(ctx, params.DestWalletID)
	if err != nil {
		return nil, fmt.Errorf("failed to find destination wallet: %w", err)
	}
	if source.BankID != params.BankID {
		return nil, ErrWalletWrongBank
	}
	if source.Currency != params.Currency || dest.Currency != params.Currency {
		return nil, ErrCurrencyMismatch
	}

	// Resolution is a pure read against the catalog; a miss here is a
	// configuration fault and nothing has been written yet.
	rule, err := s.catalog.Resolve(params.BankID, params.Amount)
	if err != nil {
		return nil, err
	}

	transfer := &domain.TransferRequest{
		ID:             uuid.New(),
		BankID:         params.BankID,
		SourceWalletID: params.SourceWalletID,
		DestWalletID:   params.DestWalletID,
		Amount:         params.Amount,
		Currency:       params.Currency,
		InitiatorID:    params.InitiatorID,
		State:          domain.StateCreated,
	}
	if err := s.repo.CreateTransfer(ctx, transfer); err != nil {
		return nil, fmt.Errorf("failed to create transfer: %w", err)
	}

	ttl := bank.ApprovalTTL
	if ttl <= 0 {
		ttl = s.defaultApprovalTTL
	}
	deadline := time.Now().UTC().Add(ttl)
	snapshot := rule.Snapshot()
	if err := s.repo.AttachRuleSnapshot(ctx, transfer.ID, snapshot, &deadline); err != nil {
		return nil, fmt.Errorf("failed to snapshot rule: %w", err)
	}
	transfer.Rule = snapshot
	transfer.ApprovalDeadline = &deadline

	if err := s.transition(ctx, transfer, domain.StateCreated, domain.StateRuleEvaluated, &params.InitiatorID, nil); err != nil {
		return nil, err
	}

	if snapshot.RequiredApprovals == 0 {
		if err := s.transition(ctx, transfer, domain.StateRuleEvaluated, domain.StateAutoApproved, &params.InitiatorID, nil); err != nil {
			return nil, err
		}
		if err := s.settle(ctx, transfer, domain.StateAutoApproved, &params.InitiatorID); err != nil {
			return transfer, err
		}
		return transfer, nil
	}

	if err := s.transition(ctx, transfer, domain.StateRuleEvaluated, domain.StatePendingApproval, &params.InitiatorID, nil); err != nil {
		return nil, err
	}
	log.Printf("level=info component=engine msg=\"transfer pending approval\" transfer_id=%s required=%d role_level=%d deadline=%s",
		transfer.ID, snapshot.RequiredApprovals, snapshot.RequiredRoleLevel, deadline.Format(time.RFC3339))
	return transfer, nil
}

// SubmitApproval records one approver's signature and, when this signature is
// the one that crosses quorum, triggers settlement exactly once.
func (s *Service) SubmitApproval(ctx context.Context, transferID, userID uuid.UUID) (*domain.ApprovalOutcome, error) {
	if err := s.consumeApprovalBudget(ctx, userID); err != nil {
		return nil, err
	}

	for attempt := 0; ; attempt++ {
		transfer, err := s.loadFresh(ctx, transferID)
		if err != nil {
			return nil, err
		}

		if err := s.checkApprovable(transfer); err != nil {
			return nil, err
		}

		user, err := s.repo.FindUserByID(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("failed to find approver: %w", err)
		}
		if err := authorizeApprover(transfer, user); err != nil {
			return nil, err
		}

		record, err := s.repo.RecordApproval(ctx, transferID, userID)
		if errors.Is(err, store.ErrStateConflict) {
			// The transfer moved under us; re-evaluate against fresh state.
			if attempt < stateConflictRetries {
				continue
			}
			return nil, err
		}
		if err != nil {
			return nil, fmt.Errorf("failed to record approval: %w", err)
		}

		outcome := &domain.ApprovalOutcome{
			TransferID:    transferID,
			State:         record.State,
			CurrentCount:  record.CurrentCount,
			RequiredCount: record.RequiredCount,
			Duplicate:     record.Duplicate,
		}

		if record.TransitionedToApproved {
			s.emitStateChange(ctx, transferID, domain.StatePendingApproval, domain.StateApproved, &userID, "")
			transfer.State = domain.StateApproved
			if err := s.settle(ctx, transfer, domain.StateApproved, &userID); err != nil {
				// The approval itself is committed; report the transfer's
				// post-settlement state rather than failing the approver.
				log.Printf("level=error component=engine msg=\"settlement after quorum failed\" transfer_id=%s err=%v", transferID, err)
			}
			if fresh, freshErr := s.repo.FindTransferByID(ctx, transferID); freshErr == nil {
				outcome.State = fresh.State
			}
		}
		return outcome, nil
	}
}

// RejectTransfer short-circuits a pending or auto-approved transfer to the
// terminal Rejected state. Any sufficiently privileged user of the bank may
// reject; rejection cannot be reversed.
func (s *Service) RejectTransfer(ctx context.Context, transferID, userID uuid.UUID) (*domain.TransferRequest, error) {
	transfer, err := s.loadFresh(ctx, transferID)
	if err != nil {
		return nil, err
	}

	switch transfer.State {
	case domain.StatePendingApproval, domain.StateAutoApproved:
	case domain.StateExpired:
		return nil, ErrTransferExpired
	default:
		return nil, ErrTransferNotPending
	}

	user, err := s.repo.FindUserByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to find rejecting user: %w", err)
	}
	if user.BankID != transfer.BankID {
		return nil, ErrApproverWrongBank
	}
	if !user.Role.CanApproveTransfers {
		return nil, ErrApproverNotPermitted
	}
	if transfer.Rule != nil && user.Role.Level < transfer.Rule.RequiredRoleLevel {
		return nil, ErrRoleLevelTooLow
	}

	reason := fmt.Sprintf("rejected by %s", user.Username)
	if err := s.transition(ctx, transfer, transfer.State, domain.StateRejected, &userID, &reason); err != nil {
		if errors.Is(err, store.ErrStateConflict) {
			return nil, ErrTransferNotPending
		}
		return nil, err
	}
	return transfer, nil
}

// GetTransferStatus returns the current snapshot of a transfer, applying the
// lazy expiry check and resuming any settlement interrupted mid-flight.
func (s *Service) GetTransferStatus(ctx context.Context, transferID uuid.UUID) (*domain.TransferRequest, error) {
	transfer, err := s.loadFresh(ctx, transferID)
	if err != nil {
		return nil, err
	}
	if transfer.State == domain.StateSettling {
		if err := s.resumeSettling(ctx, transfer); err != nil {
			log.Printf("level=warn component=engine msg=\"settlement resume failed\" transfer_id=%s err=%v", transferID, err)
		}
		return s.repo.FindTransferByID(ctx, transferID)
	}
	return transfer, nil
}

// GetTransferEvents returns the committed transition history of a transfer.
func (s *Service) GetTransferEvents(ctx context.Context, transferID uuid.UUID) ([]domain.TransferEvent, error) {
	if _, err := s.repo.FindTransferByID(ctx, transferID); err != nil {
		return nil, err
	}
	return s.repo.ListTransferEvents(ctx, transferID)
}

// RecordComplianceResult stores the flag delivered by the external compliance
// check. A negative result on a still-pending transfer rejects it terminally.
func (s *Service) RecordComplianceResult(ctx context.Context, event domain.ComplianceResultEvent) error {
	if err := s.repo.SetComplianceFlag(ctx, event.TransferID, event.Cleared, event.Reason); err != nil {
		return err
	}
	if event.Cleared {
		return nil
	}

	transfer, err := s.repo.FindTransferByID(ctx, event.TransferID)
	if err != nil {
		return err
	}
	switch transfer.State {
	case domain.StatePendingApproval, domain.StateAutoApproved:
		reason := "compliance check failed"
		if event.Reason != "" {
			reason = fmt.Sprintf("compliance check failed: %s", event.Reason)
		}
		if err := s.transition(ctx, transfer, transfer.State, domain.StateRejected, nil, &reason); err != nil && !errors.Is(err, store.ErrStateConflict) {
			return err
		}
	}
	return nil
}

// ExpireOverdueTransfers moves every pending transfer past its stored
// deadline to the terminal Expired state. Used by the periodic sweep; the
// same stored deadline drives the lazy per-access check.
func (s *Service) ExpireOverdueTransfers(ctx context.Context) (int, error) {
	overdue, err := s.repo.FindOverduePendingTransfers(ctx, time.Now().UTC(), expirySweepBatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to find overdue transfers: %w", err)
	}

	expired := 0
	for i := range overdue {
		transfer := overdue[i]
		if err := s.expire(ctx, &transfer); err != nil {
			if errors.Is(err, store.ErrStateConflict) {
				continue // approved or rejected between the scan and the swap
			}
			return expired, err
		}
		expired++
	}
	if expired > 0 {
		log.Printf("level=info component=engine msg=\"expiry sweep completed\" expired=%d", expired)
	}
	return expired, nil
}

// loadFresh reads a transfer and applies the lazy expiry check against the
// stored deadline.
func (s *Service) loadFresh(ctx context.Context, transferID uuid.UUID) (*domain.TransferRequest, error) {
	transfer, err := s.repo.FindTransferByID(ctx, transferID)
	if err != nil {
		return nil, err
	}
	if transfer.State == domain.StatePendingApproval && transfer.ApprovalDeadline != nil && time.Now().UTC().After(*transfer.ApprovalDeadline) {
		if err := s.expire(ctx, transfer); err != nil && !errors.Is(err, store.ErrStateConflict) {
			return nil, err
		}
		return s.repo.FindTransferByID(ctx, transferID)
	}
	return transfer, nil
}

func (s *Service) expire(ctx context.Context, transfer *domain.TransferRequest) error {
	reason := "approval deadline passed before quorum"
	if err := s.transition(ctx, transfer, domain.StatePendingApproval, domain.StateExpired, nil, &reason); err != nil {
		return err
	}
	return nil
}

func (s *Service) checkApprovable(transfer *domain.TransferRequest) error {
	switch transfer.State {
	case domain.StatePendingApproval, domain.StateApproved, domain.StateSettling, domain.StateSettled:
		return nil
	case domain.StateExpired:
		return ErrTransferExpired
	default:
		return ErrTransferNotPending
	}
}

func authorizeApprover(transfer *domain.TransferRequest, user *domain.User) error {
	if user.BankID != transfer.BankID {
		return ErrApproverWrongBank
	}
	if user.ID == transfer.InitiatorID {
		return ErrSelfApproval
	}
	if !user.Role.CanApproveTransfers {
		return ErrApproverNotPermitted
	}
	if transfer.Rule == nil || user.Role.Level < transfer.Rule.RequiredRoleLevel {
		return ErrRoleLevelTooLow
	}
	if user.Role.MaxTransferAmount > 0 && transfer.Amount > user.Role.MaxTransferAmount {
		return ErrRoleCeilingExceeded
	}
	return nil
}

// settle drives {Approved|AutoApproved} -> Settling -> {Settled|Failed}. The
// Settling swap admits exactly one caller per transfer, and the ledger
// guard's idempotency key covers the crash-retry window after that swap.
func (s *Service) settle(ctx context.Context, transfer *domain.TransferRequest, from domain.TransferState, actorUserID *uuid.UUID) error {
	if err := s.transition(ctx, transfer, from, domain.StateSettling, actorUserID, nil); err != nil {
		if errors.Is(err, store.ErrStateConflict) {
			return nil // another caller is already settling
		}
		return err
	}
	return s.applySettlement(ctx, transfer, actorUserID)
}

// resumeSettling re-drives a transfer found in Settling, e.g. after a crash
// between the state swap and the ledger commit. Safe because the ledger guard
// returns the stored result for an already-settled transfer id.
func (s *Service) resumeSettling(ctx context.Context, transfer *domain.TransferRequest) error {
	return s.applySettlement(ctx, transfer, nil)
}

func (s *Service) applySettlement(ctx context.Context, transfer *domain.TransferRequest, actorUserID *uuid.UUID) error {
	result, alreadySettled, err := s.repo.Settle(ctx, store.SettleParams{
		TransferID:     transfer.ID,
		SourceWalletID: transfer.SourceWalletID,
		DestWalletID:   transfer.DestWalletID,
		Amount:         transfer.Amount,
		Currency:       transfer.Currency,
	})

	switch {
	case err == nil:
		if alreadySettled {
			log.Printf("level=info component=engine msg=\"settlement replay detected; no funds moved\" transfer_id=%s", transfer.ID)
		}
		if terr := s.transition(ctx, transfer, domain.StateSettling, domain.StateSettled, actorUserID, nil); terr != nil && !errors.Is(terr, store.ErrStateConflict) {
			return terr
		}
		log.Printf("level=info component=engine msg=\"transfer settled\" transfer_id=%s amount=%d new_source_balance=%d new_destination_balance=%d",
			transfer.ID, transfer.Amount, result.NewSourceBalance, result.NewDestBalance)
		return nil

	case errors.Is(err, store.ErrInsufficientFunds),
		errors.Is(err, store.ErrWalletInactive),
		errors.Is(err, store.ErrCurrencyMismatch):
		reason := err.Error()
		if terr := s.transition(ctx, transfer, domain.StateSettling, domain.StateFailed, actorUserID, &reason); terr != nil && !errors.Is(terr, store.ErrStateConflict) {
			return terr
		}
		log.Printf("level=warn component=engine msg=\"settlement failed\" transfer_id=%s reason=%q", transfer.ID, reason)
		return nil

	default:
		// Infrastructure fault: the transfer stays in Settling and is resumed
		// on the next access via the idempotent ledger guard.
		return fmt.Errorf("settlement error for transfer %s: %w", transfer.ID, err)
	}
}

// transition commits a state swap and publishes the corresponding event.
func (s *Service) transition(ctx context.Context, transfer *domain.TransferRequest, from, to domain.TransferState, actorUserID *uuid.UUID, reason *string) error {
	if err := s.repo.TransitionState(ctx, transfer.ID, from, to, actorUserID, reason); err != nil {
		return err
	}
	transfer.State = to
	msg := ""
	if reason != nil {
		msg = *reason
	}
	s.emitStateChange(ctx, transfer.ID, from, to, actorUserID, msg)
	return nil
}

func (s *Service) emitStateChange(ctx context.Context, transferID uuid.UUID, from, to domain.TransferState, actorUserID *uuid.UUID, reason string) {
	if s.eventProducer == nil {
		return
	}
	event := domain.TransferStateChangedEvent{
		TransferID:  transferID,
		FromState:   from,
		ToState:     to,
		ActorUserID: actorUserID,
		Reason:      reason,
		Timestamp:   time.Now().UTC(),
	}
	if err := s.eventProducer.PublishTransferStateChanged(ctx, event); err != nil {
		log.Printf("level=warn component=engine msg=\"state change event publish failed\" transfer_id=%s to_state=%s err=%v", transferID, to, err)
	}
}

func (s *Service) consumeApprovalBudget(ctx context.Context, userID uuid.UUID) error {
	if s.rateLimiter == nil || s.approvalRateLimit <= 0 {
		return nil
	}
	count, retryAfter, err := s.rateLimiter.ConsumeRateLimit(ctx, "approval_submit", userID.String(), s.approvalRateLimit, time.Minute)
	if err != nil {
		log.Printf("level=warn component=engine msg=\"rate limiter unavailable; allowing approval\" user_id=%s err=%v", userID, err)
		return nil
	}
	if count > s.approvalRateLimit {
		log.Printf("level=warn component=engine msg=\"approval submission rate limited\" user_id=%s count=%d retry_after_s=%d", userID, count, retryAfter)
		return ErrRateLimited
	}
	return nil
}
