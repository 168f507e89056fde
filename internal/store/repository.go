/**
 * @description
 * This file defines the `Repository` interface, the contract for all data
 * access the settlement-service needs. The interface keeps the approval state
 * machine independent of the storage backend; the engine only requires atomic
 * read-modify-write per transfer and per wallet, which both the PostgreSQL
 * and the in-memory implementations provide.
 *
 * The three operations with real concurrency obligations live here rather
 * than in the service layer:
 *   - RecordApproval: a single atomic insert-and-check-threshold, so two
 *     concurrent approvers can never both observe count == required-1 and
 *     both decide they crossed quorum.
 *   - Settle: the ledger guard's two-wallet movement, idempotent on the
 *     transfer id.
 *   - TransitionState: a compare-and-swap on the transfer's current state.
 *
 * @dependencies
 * - context, time: Standard Go libraries.
 * - github.com/google/uuid: entity ids.
 * - internal/domain: domain models.
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/stablerail/settlement-service/internal/domain"
)

var (
	ErrBankNotFound     = errors.New("bank not found")
	ErrUserNotFound     = errors.New("user not found")
	ErrWalletNotFound   = errors.New("wallet not found")
	ErrTransferNotFound = errors.New("transfer not found")

	// ErrInsufficientFunds aborts a settlement without touching either balance.
	ErrInsufficientFunds = errors.New("insufficient funds in source wallet")

	// ErrWalletInactive aborts a settlement when either wallet is suspended.
	ErrWalletInactive = errors.New("wallet is not active")

	// ErrCurrencyMismatch aborts a settlement when a wallet's currency does
	// not match the transfer currency.
	ErrCurrencyMismatch = errors.New("wallet currency does not match transfer currency")

	// ErrStateConflict signals a lost compare-and-swap; callers retry against
	// freshly read state.
	ErrStateConflict = errors.New("transfer state changed concurrently")
)

// ApprovalRecord is the outcome of the atomic insert-and-check-threshold
// operation. Exactly one caller per transfer ever observes
// TransitionedToApproved == true.
type ApprovalRecord struct {
	Duplicate              bool
	CurrentCount           int
	RequiredCount          int
	State                  domain.TransferState
	TransitionedToApproved bool
}

// SettleParams describes one ledger movement. TransferID doubles as the
// idempotency key.
type SettleParams struct {
	TransferID     uuid.UUID
	SourceWalletID uuid.UUID
	DestWalletID   uuid.UUID
	Amount         int64
	Currency       string
}

// Repository defines the set of methods for interacting with storage.
type Repository interface {
	// Reference data owned by collaborators, read-only here.
	FindBankByID(ctx context.Context, bankID uuid.UUID) (*domain.Bank, error)
	FindUserByID(ctx context.Context, userID uuid.UUID) (*domain.User, error)
	FindWalletByID(ctx context.Context, walletID uuid.UUID) (*domain.Wallet, error)
	ListBanks(ctx context.Context) ([]domain.Bank, error)
	ListApprovalRules(ctx context.Context) ([]domain.ApprovalRule, error)

	// Transfer lifecycle.
	CreateTransfer(ctx context.Context, transfer *domain.TransferRequest) error
	FindTransferByID(ctx context.Context, transferID uuid.UUID) (*domain.TransferRequest, error)

	// AttachRuleSnapshot persists the resolved rule and the approval deadline
	// onto a freshly created transfer. Only valid while the transfer is still
	// in the Created state.
	AttachRuleSnapshot(ctx context.Context, transferID uuid.UUID, snapshot *domain.RuleSnapshot, deadline *time.Time) error

	// TransitionState performs a compare-and-swap from `from` to `to` and, in
	// the same transaction, appends the transition to the transfer's audit
	// trail. Returns ErrStateConflict when the transfer is no longer in `from`.
	TransitionState(ctx context.Context, transferID uuid.UUID, from, to domain.TransferState, actorUserID *uuid.UUID, reason *string) error

	// RecordApproval atomically inserts the approver (if absent), counts the
	// distinct signatures, and flips PendingApproval to Approved for exactly
	// the caller whose insert crosses the threshold. A duplicate signature is
	// a counted no-op, not an error. Post-quorum signatures on an approved,
	// settling or settled transfer are recorded for the audit trail; any other
	// state returns ErrStateConflict.
	RecordApproval(ctx context.Context, transferID, approverID uuid.UUID) (*ApprovalRecord, error)

	// Settle is the ledger guard: debit source and credit destination in one
	// atomic unit, checking wallet status, currency and funds under the same
	// lock. A repeat call for an already-settled transfer returns the stored
	// result with alreadySettled == true and moves no funds.
	Settle(ctx context.Context, params SettleParams) (result *domain.SettlementResult, alreadySettled bool, err error)

	// Compliance flag recorded from the external check.
	SetComplianceFlag(ctx context.Context, transferID uuid.UUID, cleared bool, reason string) error

	// Expiry sweep support. Deadlines are read from the stored value, never
	// recomputed.
	FindOverduePendingTransfers(ctx context.Context, now time.Time, limit int) ([]domain.TransferRequest, error)

	// Audit trail, queryable forever.
	ListTransferEvents(ctx context.Context, transferID uuid.UUID) ([]domain.TransferEvent, error)
}
