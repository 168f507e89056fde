package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stablerail/settlement-service/internal/domain"
	"github.com/stablerail/settlement-service/internal/rules"
	"github.com/stablerail/settlement-service/internal/store"
)

func int64Ptr(v int64) *int64 { return &v }

// engineFixture seeds one active bank with the canonical three-tier rule set:
// below 100.00 auto-approves, up to 1000.00 needs one level-2 approval, and
// anything above needs two level-3 approvals.
type engineFixture struct {
	repo    *store.MemoryRepository
	service *Service

	bank       domain.Bank
	otherBank  domain.Bank
	initiator  domain.User
	approverL2 domain.User
	approverL3 domain.User
	approverL3b domain.User

	source domain.Wallet
	dest   domain.Wallet
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	return newEngineFixtureWithTTL(t, 24*time.Hour, 1_000_000)
}

func newEngineFixtureWithTTL(t *testing.T, approvalTTL time.Duration, sourceBalance int64) *engineFixture {
	t.Helper()

	repo := store.NewMemoryRepository()

	bank := domain.Bank{ID: uuid.New(), Name: "First Meridian", Status: domain.BankActive, ApprovalTTL: approvalTTL}
	otherBank := domain.Bank{ID: uuid.New(), Name: "Banco Austral", Status: domain.BankActive, ApprovalTTL: approvalTTL}
	repo.PutBank(bank)
	repo.PutBank(otherBank)

	initiator := domain.User{
		ID: uuid.New(), BankID: bank.ID, Username: "ops.initiator",
		Role: domain.Role{Name: "operator", Level: 1},
	}
	approverL2 := domain.User{
		ID: uuid.New(), BankID: bank.ID, Username: "supervisor.ada",
		Role: domain.Role{Name: "supervisor", Level: 2, CanApproveTransfers: true},
	}
	approverL3 := domain.User{
		ID: uuid.New(), BankID: bank.ID, Username: "treasurer.bo",
		Role: domain.Role{Name: "treasurer", Level: 3, CanApproveTransfers: true},
	}
	approverL3b := domain.User{
		ID: uuid.New(), BankID: bank.ID, Username: "treasurer.cy",
		Role: domain.Role{Name: "treasurer", Level: 3, CanApproveTransfers: true},
	}
	repo.PutUser(initiator)
	repo.PutUser(approverL2)
	repo.PutUser(approverL3)
	repo.PutUser(approverL3b)

	source := domain.Wallet{ID: uuid.New(), BankID: bank.ID, Currency: "USDC", Balance: sourceBalance, Status: domain.WalletActive}
	dest := domain.Wallet{ID: uuid.New(), BankID: otherBank.ID, Currency: "USDC", Balance: 0, Status: domain.WalletActive}
	repo.PutWallet(source)
	repo.PutWallet(dest)

	repo.PutApprovalRules([]domain.ApprovalRule{
		{ID: uuid.New(), BankID: bank.ID, MinAmount: 0, MaxAmount: int64Ptr(10000), RequiredApprovals: 0},
		{ID: uuid.New(), BankID: bank.ID, MinAmount: 10000, MaxAmount: int64Ptr(100000), RequiredRoleLevel: 2, RequiredApprovals: 1},
		{ID: uuid.New(), BankID: bank.ID, MinAmount: 100000, MaxAmount: nil, RequiredRoleLevel: 3, RequiredApprovals: 2},
	})

	service := NewService(repo, rules.NewCatalog(), nil, 24*time.Hour)
	if err := service.ReloadRules(context.Background()); err != nil {
		t.Fatalf("rule catalog load failed: %v", err)
	}

	return &engineFixture{
		repo: repo, service: service,
		bank: bank, otherBank: otherBank,
		initiator: initiator, approverL2: approverL2, approverL3: approverL3, approverL3b: approverL3b,
		source: source, dest: dest,
	}
}

func (f *engineFixture) initiate(t *testing.T, amount int64) *domain.TransferRequest {
	t.Helper()
	transfer, err := f.service.InitiateTransfer(context.Background(), domain.InitiateTransferParams{
		BankID:         f.bank.ID,
		SourceWalletID: f.source.ID,
		DestWalletID:   f.dest.ID,
		Amount:         amount,
		Currency:       "USDC",
		InitiatorID:    f.initiator.ID,
	})
	if err != nil {
		t.Fatalf("InitiateTransfer failed: %v", err)
	}
	return transfer
}

func (f *engineFixture) walletBalance(t *testing.T, walletID uuid.UUID) int64 {
	t.Helper()
	wallet, err := f.repo.FindWalletByID(context.Background(), walletID)
	if err != nil {
		t.Fatalf("wallet lookup failed: %v", err)
	}
	return wallet.Balance
}

func (f *engineFixture) transferState(t *testing.T, transferID uuid.UUID) domain.TransferState {
	t.Helper()
	transfer, err := f.repo.FindTransferByID(context.Background(), transferID)
	if err != nil {
		t.Fatalf("transfer lookup failed: %v", err)
	}
	return transfer.State
}

func TestInitiateTransfer_AutoApproveTierSettlesImmediately(t *testing.T) {
	f := newEngineFixture(t)

	transfer := f.initiate(t, 5000)

	if transfer.State != domain.StateSettled {
		t.Fatalf("expected auto-approved transfer to settle, got state %s", transfer.State)
	}
	if got := f.walletBalance(t, f.source.ID); got != 1_000_000-5000 {
		t.Fatalf("expected source debited to %d, got %d", 1_000_000-5000, got)
	}
	if got := f.walletBalance(t, f.dest.ID); got != 5000 {
		t.Fatalf("expected destination credited with 5000, got %d", got)
	}

	events, err := f.service.GetTransferEvents(context.Background(), transfer.ID)
	if err != nil {
		t.Fatalf("GetTransferEvents failed: %v", err)
	}
	var sawAutoApproved, sawSettled bool
	for _, ev := range events {
		if ev.ToState == domain.StateAutoApproved {
			sawAutoApproved = true
		}
		if ev.ToState == domain.StateSettled {
			sawSettled = true
		}
	}
	if !sawAutoApproved || !sawSettled {
		t.Fatalf("expected auto_approved and settled events in trail, got %+v", events)
	}
}

func TestInitiateTransfer_MidTierParksPendingWithSnapshotAndDeadline(t *testing.T) {
	f := newEngineFixture(t)

	transfer := f.initiate(t, 50000)

	if transfer.State != domain.StatePendingApproval {
		t.Fatalf("expected pending_approval, got %s", transfer.State)
	}
	if transfer.Rule == nil {
		t.Fatal("expected a rule snapshot on the transfer")
	}
	if transfer.Rule.RequiredApprovals != 1 || transfer.Rule.RequiredRoleLevel != 2 {
		t.Fatalf("expected mid tier snapshot (1 approval, level 2), got %+v", transfer.Rule)
	}
	if transfer.ApprovalDeadline == nil {
		t.Fatal("expected an approval deadline")
	}
	remaining := time.Until(*transfer.ApprovalDeadline)
	if remaining < 23*time.Hour || remaining > 25*time.Hour {
		t.Fatalf("expected deadline about 24h out, got %s", remaining)
	}
	// No funds move before approval.
	if got := f.walletBalance(t, f.source.ID); got != 1_000_000 {
		t.Fatalf("expected source untouched, got %d", got)
	}
}

func TestInitiateTransfer_ValidationFailures(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	base := domain.InitiateTransferParams{
		BankID:         f.bank.ID,
		SourceWalletID: f.source.ID,
		DestWalletID:   f.dest.ID,
		Amount:         50000,
		Currency:       "USDC",
		InitiatorID:    f.initiator.ID,
	}

	sameWallet := base
	sameWallet.DestWalletID = base.SourceWalletID
	if _, err := f.service.InitiateTransfer(ctx, sameWallet); !errors.Is(err, ErrSameWallet) {
		t.Fatalf("expected ErrSameWallet, got %v", err)
	}

	zeroAmount := base
	zeroAmount.Amount = 0
	if _, err := f.service.InitiateTransfer(ctx, zeroAmount); !errors.Is(err, domain.ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}

	badCurrency := base
	badCurrency.Currency = "EURC"
	if _, err := f.service.InitiateTransfer(ctx, badCurrency); !errors.Is(err, ErrCurrencyMismatch) {
		t.Fatalf("expected ErrCurrencyMismatch, got %v", err)
	}

	// The source wallet must belong to the initiating bank; the destination
	// may be another bank's (that is the point of the rail).
	foreignSource := base
	foreignSource.SourceWalletID = f.dest.ID
	foreignSource.DestWalletID = f.source.ID
	if _, err := f.service.InitiateTransfer(ctx, foreignSource); !errors.Is(err, ErrWalletWrongBank) {
		t.Fatalf("expected ErrWalletWrongBank, got %v", err)
	}

	outsider := domain.User{ID: uuid.New(), BankID: f.otherBank.ID, Username: "intruder", Role: domain.Role{Level: 1}}
	f.repo.PutUser(outsider)
	wrongInitiator := base
	wrongInitiator.InitiatorID = outsider.ID
	if _, err := f.service.InitiateTransfer(ctx, wrongInitiator); !errors.Is(err, ErrInitiatorWrongBank) {
		t.Fatalf("expected ErrInitiatorWrongBank, got %v", err)
	}
}

func TestInitiateTransfer_SuspendedBankRefused(t *testing.T) {
	f := newEngineFixture(t)
	suspended := f.bank
	suspended.Status = domain.BankSuspended
	f.repo.PutBank(suspended)

	_, err := f.service.InitiateTransfer(context.Background(), domain.InitiateTransferParams{
		BankID:         f.bank.ID,
		SourceWalletID: f.source.ID,
		DestWalletID:   f.dest.ID,
		Amount:         5000,
		Currency:       "USDC",
		InitiatorID:    f.initiator.ID,
	})
	if !errors.Is(err, ErrBankSuspended) {
		t.Fatalf("expected ErrBankSuspended, got %v", err)
	}
}

func TestInitiateTransfer_InitiatorCeilingEnforced(t *testing.T) {
	f := newEngineFixture(t)
	capped := f.initiator
	capped.Role.MaxTransferAmount = 20000
	f.repo.PutUser(capped)

	_, err := f.service.InitiateTransfer(context.Background(), domain.InitiateTransferParams{
		BankID:         f.bank.ID,
		SourceWalletID: f.source.ID,
		DestWalletID:   f.dest.ID,
		Amount:         50000,
		Currency:       "USDC",
		InitiatorID:    f.initiator.ID,
	})
	if !errors.Is(err, ErrRoleCeilingExceeded) {
		t.Fatalf("expected ErrRoleCeilingExceeded, got %v", err)
	}
}

func TestSubmitApproval_SingleApprovalReachesQuorumAndSettles(t *testing.T) {
	f := newEngineFixture(t)
	transfer := f.initiate(t, 50000)

	outcome, err := f.service.SubmitApproval(context.Background(), transfer.ID, f.approverL2.ID)
	if err != nil {
		t.Fatalf("SubmitApproval failed: %v", err)
	}
	if outcome.State != domain.StateSettled {
		t.Fatalf("expected settled outcome, got %s", outcome.State)
	}
	if outcome.CurrentCount != 1 || outcome.RequiredCount != 1 {
		t.Fatalf("expected 1/1 approvals, got %d/%d", outcome.CurrentCount, outcome.RequiredCount)
	}
	if got := f.walletBalance(t, f.source.ID); got != 1_000_000-50000 {
		t.Fatalf("expected source debited, got %d", got)
	}
	if got := f.walletBalance(t, f.dest.ID); got != 50000 {
		t.Fatalf("expected destination credited, got %d", got)
	}
}

func TestSubmitApproval_AuthorizationFailures(t *testing.T) {
	f := newEngineFixture(t)
	transfer := f.initiate(t, 50000)
	ctx := context.Background()

	// The initiator cannot approve their own transfer even with a qualifying role.
	promoted := f.initiator
	promoted.Role = domain.Role{Name: "supervisor", Level: 2, CanApproveTransfers: true}
	f.repo.PutUser(promoted)
	if _, err := f.service.SubmitApproval(ctx, transfer.ID, f.initiator.ID); !errors.Is(err, ErrSelfApproval) {
		t.Fatalf("expected ErrSelfApproval, got %v", err)
	}

	outsider := domain.User{
		ID: uuid.New(), BankID: f.otherBank.ID, Username: "foreign.approver",
		Role: domain.Role{Name: "treasurer", Level: 3, CanApproveTransfers: true},
	}
	f.repo.PutUser(outsider)
	if _, err := f.service.SubmitApproval(ctx, transfer.ID, outsider.ID); !errors.Is(err, ErrApproverWrongBank) {
		t.Fatalf("expected ErrApproverWrongBank, got %v", err)
	}

	clerk := domain.User{
		ID: uuid.New(), BankID: f.bank.ID, Username: "clerk",
		Role: domain.Role{Name: "clerk", Level: 2},
	}
	f.repo.PutUser(clerk)
	if _, err := f.service.SubmitApproval(ctx, transfer.ID, clerk.ID); !errors.Is(err, ErrApproverNotPermitted) {
		t.Fatalf("expected ErrApproverNotPermitted, got %v", err)
	}

	junior := domain.User{
		ID: uuid.New(), BankID: f.bank.ID, Username: "junior.approver",
		Role: domain.Role{Name: "junior", Level: 1, CanApproveTransfers: true},
	}
	f.repo.PutUser(junior)
	if _, err := f.service.SubmitApproval(ctx, transfer.ID, junior.ID); !errors.Is(err, ErrRoleLevelTooLow) {
		t.Fatalf("expected ErrRoleLevelTooLow, got %v", err)
	}

	capped := domain.User{
		ID: uuid.New(), BankID: f.bank.ID, Username: "capped.approver",
		Role: domain.Role{Name: "supervisor", Level: 2, CanApproveTransfers: true, MaxTransferAmount: 10000},
	}
	f.repo.PutUser(capped)
	if _, err := f.service.SubmitApproval(ctx, transfer.ID, capped.ID); !errors.Is(err, ErrRoleCeilingExceeded) {
		t.Fatalf("expected ErrRoleCeilingExceeded, got %v", err)
	}

	// None of the failures may have moved the transfer.
	if got := f.transferState(t, transfer.ID); got != domain.StatePendingApproval {
		t.Fatalf("expected transfer still pending, got %s", got)
	}
}

func TestSubmitApproval_DuplicateApproverCountsOnce(t *testing.T) {
	f := newEngineFixture(t)
	transfer := f.initiate(t, 200000) // dual-approval tier
	ctx := context.Background()

	first, err := f.service.SubmitApproval(ctx, transfer.ID, f.approverL3.ID)
	if err != nil {
		t.Fatalf("first approval failed: %v", err)
	}
	if first.Duplicate || first.CurrentCount != 1 {
		t.Fatalf("expected first approval to count once, got %+v", first)
	}

	second, err := f.service.SubmitApproval(ctx, transfer.ID, f.approverL3.ID)
	if err != nil {
		t.Fatalf("duplicate approval failed: %v", err)
	}
	if !second.Duplicate {
		t.Fatal("expected duplicate approval to be flagged")
	}
	if second.CurrentCount != 1 {
		t.Fatalf("expected duplicate to leave count at 1, got %d", second.CurrentCount)
	}
	if got := f.transferState(t, transfer.ID); got != domain.StatePendingApproval {
		t.Fatalf("expected transfer still pending after duplicate, got %s", got)
	}
}

func TestSubmitApproval_QuorumOfTwoThenRedundantSignature(t *testing.T) {
	f := newEngineFixture(t)
	transfer := f.initiate(t, 200000)
	ctx := context.Background()

	if _, err := f.service.SubmitApproval(ctx, transfer.ID, f.approverL3.ID); err != nil {
		t.Fatalf("first approval failed: %v", err)
	}
	outcome, err := f.service.SubmitApproval(ctx, transfer.ID, f.approverL3b.ID)
	if err != nil {
		t.Fatalf("quorum approval failed: %v", err)
	}
	if outcome.State != domain.StateSettled {
		t.Fatalf("expected quorum approval to settle, got %s", outcome.State)
	}

	sourceAfter := f.walletBalance(t, f.source.ID)
	destAfter := f.walletBalance(t, f.dest.ID)

	// A redundant post-quorum signature is recorded for the audit trail but
	// must not move funds again.
	extra := domain.User{
		ID: uuid.New(), BankID: f.bank.ID, Username: "treasurer.dee",
		Role: domain.Role{Name: "treasurer", Level: 3, CanApproveTransfers: true},
	}
	f.repo.PutUser(extra)
	redundant, err := f.service.SubmitApproval(ctx, transfer.ID, extra.ID)
	if err != nil {
		t.Fatalf("redundant approval failed: %v", err)
	}
	if redundant.State != domain.StateSettled {
		t.Fatalf("expected settled state reported, got %s", redundant.State)
	}
	if got := f.walletBalance(t, f.source.ID); got != sourceAfter {
		t.Fatalf("redundant signature moved source funds: %d -> %d", sourceAfter, got)
	}
	if got := f.walletBalance(t, f.dest.ID); got != destAfter {
		t.Fatalf("redundant signature moved destination funds: %d -> %d", destAfter, got)
	}
}

func TestSubmitApproval_InsufficientFundsFailsSettlement(t *testing.T) {
	f := newEngineFixtureWithTTL(t, 24*time.Hour, 1000) // far below the transfer amount
	transfer := f.initiate(t, 50000)

	outcome, err := f.service.SubmitApproval(context.Background(), transfer.ID, f.approverL2.ID)
	if err != nil {
		t.Fatalf("SubmitApproval failed: %v", err)
	}
	if outcome.State != domain.StateFailed {
		t.Fatalf("expected failed outcome, got %s", outcome.State)
	}

	stored, err := f.repo.FindTransferByID(context.Background(), transfer.ID)
	if err != nil {
		t.Fatalf("transfer lookup failed: %v", err)
	}
	if stored.State != domain.StateFailed {
		t.Fatalf("expected failed state, got %s", stored.State)
	}
	if stored.FailureReason == nil || *stored.FailureReason == "" {
		t.Fatal("expected a failure reason to be recorded")
	}
	if got := f.walletBalance(t, f.source.ID); got != 1000 {
		t.Fatalf("expected source untouched after failed settlement, got %d", got)
	}
	if got := f.walletBalance(t, f.dest.ID); got != 0 {
		t.Fatalf("expected destination untouched after failed settlement, got %d", got)
	}
}

func TestRejectTransfer_TerminalAndIrreversible(t *testing.T) {
	f := newEngineFixture(t)
	transfer := f.initiate(t, 50000)
	ctx := context.Background()

	rejected, err := f.service.RejectTransfer(ctx, transfer.ID, f.approverL2.ID)
	if err != nil {
		t.Fatalf("RejectTransfer failed: %v", err)
	}
	if rejected.State != domain.StateRejected {
		t.Fatalf("expected rejected state, got %s", rejected.State)
	}

	// A rejection cannot be approved away.
	if _, err := f.service.SubmitApproval(ctx, transfer.ID, f.approverL2.ID); !errors.Is(err, ErrTransferNotPending) {
		t.Fatalf("expected ErrTransferNotPending after rejection, got %v", err)
	}
	// Nor rejected twice.
	if _, err := f.service.RejectTransfer(ctx, transfer.ID, f.approverL2.ID); !errors.Is(err, ErrTransferNotPending) {
		t.Fatalf("expected ErrTransferNotPending on double reject, got %v", err)
	}
	if got := f.walletBalance(t, f.source.ID); got != 1_000_000 {
		t.Fatalf("expected no funds moved on rejection, got %d", got)
	}
}

func TestRejectTransfer_RequiresPrivilege(t *testing.T) {
	f := newEngineFixture(t)
	transfer := f.initiate(t, 50000)

	clerk := domain.User{
		ID: uuid.New(), BankID: f.bank.ID, Username: "clerk",
		Role: domain.Role{Name: "clerk", Level: 2},
	}
	f.repo.PutUser(clerk)
	if _, err := f.service.RejectTransfer(context.Background(), transfer.ID, clerk.ID); !errors.Is(err, ErrApproverNotPermitted) {
		t.Fatalf("expected ErrApproverNotPermitted, got %v", err)
	}
}

func TestExpiry_LateApprovalRefusedLazily(t *testing.T) {
	f := newEngineFixtureWithTTL(t, time.Nanosecond, 1_000_000)
	transfer := f.initiate(t, 50000)

	time.Sleep(5 * time.Millisecond) // deadline is one nanosecond out

	_, err := f.service.SubmitApproval(context.Background(), transfer.ID, f.approverL2.ID)
	if !errors.Is(err, ErrTransferExpired) {
		t.Fatalf("expected ErrTransferExpired, got %v", err)
	}
	if got := f.transferState(t, transfer.ID); got != domain.StateExpired {
		t.Fatalf("expected expired state, got %s", got)
	}
	if got := f.walletBalance(t, f.source.ID); got != 1_000_000 {
		t.Fatalf("expected no funds moved on expiry, got %d", got)
	}
}

func TestExpireOverdueTransfers_SweepMovesPendingPastDeadline(t *testing.T) {
	f := newEngineFixtureWithTTL(t, time.Nanosecond, 1_000_000)
	overdue := f.initiate(t, 50000)

	time.Sleep(5 * time.Millisecond)

	expired, err := f.service.ExpireOverdueTransfers(context.Background())
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if expired != 1 {
		t.Fatalf("expected one expired transfer, got %d", expired)
	}
	if got := f.transferState(t, overdue.ID); got != domain.StateExpired {
		t.Fatalf("expected expired state after sweep, got %s", got)
	}

	// Second sweep finds nothing.
	expired, err = f.service.ExpireOverdueTransfers(context.Background())
	if err != nil {
		t.Fatalf("second sweep failed: %v", err)
	}
	if expired != 0 {
		t.Fatalf("expected idempotent sweep, got %d newly expired", expired)
	}
}

func TestGetTransferStatus_AppliesLazyExpiry(t *testing.T) {
	f := newEngineFixtureWithTTL(t, time.Nanosecond, 1_000_000)
	transfer := f.initiate(t, 50000)

	time.Sleep(5 * time.Millisecond)

	fresh, err := f.service.GetTransferStatus(context.Background(), transfer.ID)
	if err != nil {
		t.Fatalf("GetTransferStatus failed: %v", err)
	}
	if fresh.State != domain.StateExpired {
		t.Fatalf("expected status read to expire the transfer, got %s", fresh.State)
	}
}

func TestGetTransferStatus_ResumesInterruptedSettlement(t *testing.T) {
	f := newEngineFixture(t)
	transfer := f.initiate(t, 50000)
	ctx := context.Background()

	// Simulate a crash after the Settling swap but before the ledger commit.
	if err := f.repo.TransitionState(ctx, transfer.ID, domain.StatePendingApproval, domain.StateSettling, nil, nil); err != nil {
		t.Fatalf("setup transition failed: %v", err)
	}

	fresh, err := f.service.GetTransferStatus(ctx, transfer.ID)
	if err != nil {
		t.Fatalf("GetTransferStatus failed: %v", err)
	}
	if fresh.State != domain.StateSettled {
		t.Fatalf("expected resumed settlement to finish, got %s", fresh.State)
	}
	if got := f.walletBalance(t, f.dest.ID); got != 50000 {
		t.Fatalf("expected destination credited once on resume, got %d", got)
	}

	// A second status read must not settle again.
	if _, err := f.service.GetTransferStatus(ctx, transfer.ID); err != nil {
		t.Fatalf("second status read failed: %v", err)
	}
	if got := f.walletBalance(t, f.dest.ID); got != 50000 {
		t.Fatalf("expected no double settlement, got %d", got)
	}
}

func TestRecordComplianceResult_UnclearedRejectsPendingTransfer(t *testing.T) {
	f := newEngineFixture(t)
	transfer := f.initiate(t, 50000)

	err := f.service.RecordComplianceResult(context.Background(), domain.ComplianceResultEvent{
		TransferID: transfer.ID,
		Cleared:    false,
		Reason:     "sanctions screening hit",
	})
	if err != nil {
		t.Fatalf("RecordComplianceResult failed: %v", err)
	}

	stored, err := f.repo.FindTransferByID(context.Background(), transfer.ID)
	if err != nil {
		t.Fatalf("transfer lookup failed: %v", err)
	}
	if stored.State != domain.StateRejected {
		t.Fatalf("expected uncleared compliance result to reject, got %s", stored.State)
	}
	if stored.ComplianceFlag == nil || *stored.ComplianceFlag {
		t.Fatal("expected compliance flag recorded as uncleared")
	}
}

func TestRecordComplianceResult_ClearedLeavesTransferPending(t *testing.T) {
	f := newEngineFixture(t)
	transfer := f.initiate(t, 50000)

	err := f.service.RecordComplianceResult(context.Background(), domain.ComplianceResultEvent{
		TransferID: transfer.ID,
		Cleared:    true,
	})
	if err != nil {
		t.Fatalf("RecordComplianceResult failed: %v", err)
	}
	if got := f.transferState(t, transfer.ID); got != domain.StatePendingApproval {
		t.Fatalf("expected cleared result to leave transfer pending, got %s", got)
	}
}

// stubRateLimiter returns a fixed count for every consume call.
type stubRateLimiter struct {
	count int
	err   error
}

func (s *stubRateLimiter) ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (int, int, error) {
	return s.count, 30, s.err
}

func TestSubmitApproval_RateLimited(t *testing.T) {
	f := newEngineFixture(t)
	transfer := f.initiate(t, 50000)

	f.service.SetApprovalRateLimiter(&stubRateLimiter{count: 61}, 60)
	if _, err := f.service.SubmitApproval(context.Background(), transfer.ID, f.approverL2.ID); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	if got := f.transferState(t, transfer.ID); got != domain.StatePendingApproval {
		t.Fatalf("expected limited approval to leave transfer pending, got %s", got)
	}
}

func TestSubmitApproval_LimiterOutageFailsOpen(t *testing.T) {
	f := newEngineFixture(t)
	transfer := f.initiate(t, 50000)

	f.service.SetApprovalRateLimiter(&stubRateLimiter{err: errors.New("redis down")}, 60)
	outcome, err := f.service.SubmitApproval(context.Background(), transfer.ID, f.approverL2.ID)
	if err != nil {
		t.Fatalf("expected limiter outage to fail open, got %v", err)
	}
	if outcome.State != domain.StateSettled {
		t.Fatalf("expected approval to proceed during limiter outage, got %s", outcome.State)
	}
}
