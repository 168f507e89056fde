/**
 * @description
 * PostgreSQL implementation of the Repository interface using the pgx driver.
 * Every multi-row invariant (quorum threshold, two-wallet conservation,
 * exactly-once settlement) is enforced inside a single database transaction
 * under `SELECT ... FOR UPDATE` row locks, and state transitions are
 * compare-and-swap updates guarded by the current state.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5, pgxpool: PostgreSQL driver and pool.
 * - github.com/google/uuid: entity ids.
 * - internal/domain: domain models.
 */

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stablerail/settlement-service/internal/domain"
)

// PostgresRepository provides data access methods backed by PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new repository with the given connection pool.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) FindBankByID(ctx context.Context, bankID uuid.UUID) (*domain.Bank, error) {
	query := `
		SELECT id, name, status, approval_ttl_seconds, created_at
		FROM banks
		WHERE id = $1
	`
	var bank domain.Bank
	var ttlSeconds int64
	err := r.db.QueryRow(ctx, query, bankID).Scan(&bank.ID, &bank.Name, &bank.Status, &ttlSeconds, &bank.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrBankNotFound
		}
		return nil, fmt.Errorf("failed to find bank: %w", err)
	}
	bank.ApprovalTTL = time.Duration(ttlSeconds) * time.Second
	return &bank, nil
}

func (r *PostgresRepository) FindUserByID(ctx context.Context, userID uuid.UUID) (*domain.User, error) {
	query := `
		SELECT id, bank_id, username, role_name, role_level, role_can_approve, role_max_transfer_amount, created_at
		FROM users
		WHERE id = $1
	`
	var user domain.User
	err := r.db.QueryRow(ctx, query, userID).Scan(
		&user.ID, &user.BankID, &user.Username,
		&user.Role.Name, &user.Role.Level, &user.Role.CanApproveTransfers, &user.Role.MaxTransferAmount,
		&user.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	return &user, nil
}

func (r *PostgresRepository) FindWalletByID(ctx context.Context, walletID uuid.UUID) (*domain.Wallet, error) {
	query := `
		SELECT id, bank_id, currency, balance, status, created_at, updated_at
		FROM wallets
		WHERE id = $1
	`
	var w domain.Wallet
	err := r.db.QueryRow(ctx, query, walletID).Scan(&w.ID, &w.BankID, &w.Currency, &w.Balance, &w.Status, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrWalletNotFound
		}
		return nil, fmt.Errorf("failed to find wallet: %w", err)
	}
	return &w, nil
}

func (r *PostgresRepository) ListBanks(ctx context.Context) ([]domain.Bank, error) {
	query := `
		SELECT id, name, status, approval_ttl_seconds, created_at
		FROM banks
		ORDER BY created_at
	`
	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list banks: %w", err)
	}
	defer rows.Close()

	var banks []domain.Bank
	for rows.Next() {
		var bank domain.Bank
		var ttlSeconds int64
		if err := rows.Scan(&bank.ID, &bank.Name, &bank.Status, &ttlSeconds, &bank.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan bank: %w", err)
		}
		bank.ApprovalTTL = time.Duration(ttlSeconds) * time.Second
		banks = append(banks, bank)
	}
	return banks, rows.Err()
}

func (r *PostgresRepository) ListApprovalRules(ctx context.Context) ([]domain.ApprovalRule, error) {
	query := `
		SELECT id, bank_id, min_amount, max_amount, required_role_level, required_approvals
		FROM approval_rules
		ORDER BY bank_id, min_amount
	`
	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list approval rules: %w", err)
	}
	defer rows.Close()

	var rules []domain.ApprovalRule
	for rows.Next() {
		var rule domain.ApprovalRule
		if err := rows.Scan(&rule.ID, &rule.BankID, &rule.MinAmount, &rule.MaxAmount, &rule.RequiredRoleLevel, &rule.RequiredApprovals); err != nil {
			return nil, fmt.Errorf("failed to scan approval rule: %w", err)
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

func (r *PostgresRepository) CreateTransfer(ctx context.Context, transfer *domain.TransferRequest) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO transfers (
			id, bank_id, source_wallet_id, destination_wallet_id,
			amount, currency, initiator_id, state, version, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 1, NOW(), NOW())
		RETURNING created_at, updated_at
	`
	err = tx.QueryRow(ctx, query,
		transfer.ID, transfer.BankID, transfer.SourceWalletID, transfer.DestWalletID,
		transfer.Amount, transfer.Currency, transfer.InitiatorID, transfer.State,
	).Scan(&transfer.CreatedAt, &transfer.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert transfer: %w", err)
	}

	eventQuery := `
		INSERT INTO transfer_events (transfer_id, from_state, to_state, actor_user_id, created_at)
		VALUES ($1, '', $2, $3, NOW())
	`
	if _, err := tx.Exec(ctx, eventQuery, transfer.ID, transfer.State, transfer.InitiatorID); err != nil {
		return fmt.Errorf("failed to record creation event: %w", err)
	}

	return tx.Commit(ctx)
}

const transferColumns = `
	id, bank_id, source_wallet_id, destination_wallet_id, amount, currency,
	initiator_id, state, rule_id, rule_min_amount, rule_max_amount,
	rule_required_role_level, rule_required_approvals, approval_deadline,
	compliance_flag, failure_reason, version, created_at, updated_at
`

func scanTransfer(row pgx.Row) (*domain.TransferRequest, error) {
	var t domain.TransferRequest
	var ruleID *uuid.UUID
	var ruleMin *int64
	var ruleMax *int64
	var ruleLevel, ruleApprovals *int

	err := row.Scan(
		&t.ID, &t.BankID, &t.SourceWalletID, &t.DestWalletID, &t.Amount, &t.Currency,
		&t.InitiatorID, &t.State, &ruleID, &ruleMin, &ruleMax,
		&ruleLevel, &ruleApprovals, &t.ApprovalDeadline,
		&t.ComplianceFlag, &t.FailureReason, &t.Version, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if ruleID != nil {
		t.Rule = &domain.RuleSnapshot{
			RuleID:            *ruleID,
			MinAmount:         *ruleMin,
			MaxAmount:         ruleMax,
			RequiredRoleLevel: *ruleLevel,
			RequiredApprovals: *ruleApprovals,
		}
	}
	return &t, nil
}

func (r *PostgresRepository) FindTransferByID(ctx context.Context, transferID uuid.UUID) (*domain.TransferRequest, error) {
	query := `SELECT ` + transferColumns + ` FROM transfers WHERE id = $1`
	transfer, err := scanTransfer(r.db.QueryRow(ctx, query, transferID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTransferNotFound
		}
		return nil, fmt.Errorf("failed to find transfer: %w", err)
	}

	approvalsQuery := `
		SELECT approver_id
		FROM transfer_approvals
		WHERE transfer_id = $1
		ORDER BY created_at
	`
	rows, err := r.db.Query(ctx, approvalsQuery, transferID)
	if err != nil {
		return nil, fmt.Errorf("failed to load transfer approvals: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var approverID uuid.UUID
		if err := rows.Scan(&approverID); err != nil {
			return nil, fmt.Errorf("failed to scan approver: %w", err)
		}
		transfer.ApproverIDs = append(transfer.ApproverIDs, approverID)
	}
	return transfer, rows.Err()
}

func (r *PostgresRepository) AttachRuleSnapshot(ctx context.Context, transferID uuid.UUID, snapshot *domain.RuleSnapshot, deadline *time.Time) error {
	query := `
		UPDATE transfers
		SET rule_id = $2,
			rule_min_amount = $3,
			rule_max_amount = $4,
			rule_required_role_level = $5,
			rule_required_approvals = $6,
			approval_deadline = $7,
			version = version + 1,
			updated_at = NOW()
		WHERE id = $1 AND state = $8
	`
	tag, err := r.db.Exec(ctx, query,
		transferID, snapshot.RuleID, snapshot.MinAmount, snapshot.MaxAmount,
		snapshot.RequiredRoleLevel, snapshot.RequiredApprovals, deadline, domain.StateCreated,
	)
	if err != nil {
		return fmt.Errorf("failed to attach rule snapshot: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStateConflict
	}
	return nil
}

func (r *PostgresRepository) TransitionState(ctx context.Context, transferID uuid.UUID, from, to domain.TransferState, actorUserID *uuid.UUID, reason *string) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		UPDATE transfers
		SET state = $3,
			failure_reason = COALESCE($4, failure_reason),
			version = version + 1,
			updated_at = NOW()
		WHERE id = $1 AND state = $2
	`
	tag, err := tx.Exec(ctx, query, transferID, from, to, reason)
	if err != nil {
		return fmt.Errorf("failed to update transfer state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM transfers WHERE id = $1)`, transferID).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check transfer existence: %w", err)
		}
		if !exists {
			return ErrTransferNotFound
		}
		return ErrStateConflict
	}

	eventQuery := `
		INSERT INTO transfer_events (transfer_id, from_state, to_state, actor_user_id, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
	`
	if _, err := tx.Exec(ctx, eventQuery, transferID, from, to, actorUserID, reason); err != nil {
		return fmt.Errorf("failed to record transition event: %w", err)
	}

	return tx.Commit(ctx)
}

// RecordApproval performs the atomic insert-and-check-threshold under a row
// lock on the transfer, so concurrent approvers serialize and exactly one of
// them flips the state to approved.
func (r *PostgresRepository) RecordApproval(ctx context.Context, transferID, approverID uuid.UUID) (*ApprovalRecord, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var state domain.TransferState
	var required *int
	lockQuery := `
		SELECT state, rule_required_approvals
		FROM transfers
		WHERE id = $1
		FOR UPDATE
	`
	if err := tx.QueryRow(ctx, lockQuery, transferID).Scan(&state, &required); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTransferNotFound
		}
		return nil, fmt.Errorf("failed to lock transfer: %w", err)
	}

	record := &ApprovalRecord{State: state}
	if required != nil {
		record.RequiredCount = *required
	}

	// Post-quorum states still accept signatures for the audit trail; anything
	// else is a conflict the caller resolves against fresh state.
	switch state {
	case domain.StatePendingApproval, domain.StateApproved, domain.StateSettling, domain.StateSettled:
	default:
		return record, ErrStateConflict
	}

	insertQuery := `
		INSERT INTO transfer_approvals (transfer_id, approver_id, created_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (transfer_id, approver_id) DO NOTHING
	`
	tag, err := tx.Exec(ctx, insertQuery, transferID, approverID)
	if err != nil {
		return nil, fmt.Errorf("failed to insert approval: %w", err)
	}
	record.Duplicate = tag.RowsAffected() == 0

	countQuery := `SELECT COUNT(*) FROM transfer_approvals WHERE transfer_id = $1`
	if err := tx.QueryRow(ctx, countQuery, transferID).Scan(&record.CurrentCount); err != nil {
		return nil, fmt.Errorf("failed to count approvals: %w", err)
	}

	if state == domain.StatePendingApproval && !record.Duplicate && record.CurrentCount >= record.RequiredCount {
		updateQuery := `
			UPDATE transfers
			SET state = $2, version = version + 1, updated_at = NOW()
			WHERE id = $1
		`
		if _, err := tx.Exec(ctx, updateQuery, transferID, domain.StateApproved); err != nil {
			return nil, fmt.Errorf("failed to mark transfer approved: %w", err)
		}
		eventQuery := `
			INSERT INTO transfer_events (transfer_id, from_state, to_state, actor_user_id, created_at)
			VALUES ($1, $2, $3, $4, NOW())
		`
		if _, err := tx.Exec(ctx, eventQuery, transferID, domain.StatePendingApproval, domain.StateApproved, approverID); err != nil {
			return nil, fmt.Errorf("failed to record approval event: %w", err)
		}
		record.State = domain.StateApproved
		record.TransitionedToApproved = true
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit approval: %w", err)
	}
	return record, nil
}

// Settle applies the two-wallet movement atomically. Wallet rows are locked in
// deterministic id order to avoid lock-order deadlocks between opposing
// transfers, and the settlements primary key makes the operation idempotent
// on the transfer id.
func (r *PostgresRepository) Settle(ctx context.Context, params SettleParams) (*domain.SettlementResult, bool, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	lockQuery := `
		SELECT id, currency, balance, status
		FROM wallets
		WHERE id = $1 OR id = $2
		ORDER BY id
		FOR UPDATE
	`
	rows, err := tx.Query(ctx, lockQuery, params.SourceWalletID, params.DestWalletID)
	if err != nil {
		return nil, false, fmt.Errorf("failed to lock wallets: %w", err)
	}

	wallets := make(map[uuid.UUID]*domain.Wallet, 2)
	for rows.Next() {
		var w domain.Wallet
		if err := rows.Scan(&w.ID, &w.Currency, &w.Balance, &w.Status); err != nil {
			rows.Close()
			return nil, false, fmt.Errorf("failed to scan wallet: %w", err)
		}
		wallets[w.ID] = &w
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, false, fmt.Errorf("failed to read wallets: %w", err)
	}

	source, ok := wallets[params.SourceWalletID]
	if !ok {
		return nil, false, ErrWalletNotFound
	}
	dest, ok := wallets[params.DestWalletID]
	if !ok {
		return nil, false, ErrWalletNotFound
	}

	// Wallet locks serialize concurrent settles for the same transfer, so this
	// check is race-free even though the row may have been written between our
	// begin and the lock acquisition.
	var existing domain.SettlementResult
	settledQuery := `
		SELECT transfer_id, new_source_balance, new_destination_balance, settled_at
		FROM settlements
		WHERE transfer_id = $1
	`
	err = tx.QueryRow(ctx, settledQuery, params.TransferID).Scan(
		&existing.TransferID, &existing.NewSourceBalance, &existing.NewDestBalance, &existing.SettledAt,
	)
	if err == nil {
		return &existing, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("failed to check settlement: %w", err)
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

	debitQuery := `UPDATE wallets SET balance = balance - $2, updated_at = NOW() WHERE id = $1`
	if _, err := tx.Exec(ctx, debitQuery, params.SourceWalletID, params.Amount); err != nil {
		return nil, false, fmt.Errorf("failed to debit source wallet: %w", err)
	}
	creditQuery := `UPDATE wallets SET balance = balance + $2, updated_at = NOW() WHERE id = $1`
	if _, err := tx.Exec(ctx, creditQuery, params.DestWalletID, params.Amount); err != nil {
		return nil, false, fmt.Errorf("failed to credit destination wallet: %w", err)
	}

	result := &domain.SettlementResult{
		TransferID:       params.TransferID,
		NewSourceBalance: source.Balance - params.Amount,
		NewDestBalance:   dest.Balance + params.Amount,
	}
	insertQuery := `
		INSERT INTO settlements (transfer_id, source_wallet_id, destination_wallet_id, amount, new_source_balance, new_destination_balance, settled_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		RETURNING settled_at
	`
	err = tx.QueryRow(ctx, insertQuery,
		params.TransferID, params.SourceWalletID, params.DestWalletID,
		params.Amount, result.NewSourceBalance, result.NewDestBalance,
	).Scan(&result.SettledAt)
	if err != nil {
		return nil, false, fmt.Errorf("failed to record settlement: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("failed to commit settlement: %w", err)
	}
	return result, false, nil
}

func (r *PostgresRepository) SetComplianceFlag(ctx context.Context, transferID uuid.UUID, cleared bool, reason string) error {
	query := `
		UPDATE transfers
		SET compliance_flag = $2, compliance_reason = $3, updated_at = NOW()
		WHERE id = $1
	`
	tag, err := r.db.Exec(ctx, query, transferID, cleared, reason)
	if err != nil {
		return fmt.Errorf("failed to set compliance flag: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTransferNotFound
	}
	return nil
}

func (r *PostgresRepository) FindOverduePendingTransfers(ctx context.Context, now time.Time, limit int) ([]domain.TransferRequest, error) {
	query := `SELECT ` + transferColumns + `
		FROM transfers
		WHERE state = $1 AND approval_deadline IS NOT NULL AND approval_deadline < $2
		ORDER BY approval_deadline
		LIMIT $3
	`
	rows, err := r.db.Query(ctx, query, domain.StatePendingApproval, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to find overdue transfers: %w", err)
	}
	defer rows.Close()

	var transfers []domain.TransferRequest
	for rows.Next() {
		transfer, err := scanTransfer(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan overdue transfer: %w", err)
		}
		transfers = append(transfers, *transfer)
	}
	return transfers, rows.Err()
}

func (r *PostgresRepository) ListTransferEvents(ctx context.Context, transferID uuid.UUID) ([]domain.TransferEvent, error) {
	query := `
		SELECT id, transfer_id, from_state, to_state, actor_user_id, reason, created_at
		FROM transfer_events
		WHERE transfer_id = $1
		ORDER BY id
	`
	rows, err := r.db.Query(ctx, query, transferID)
	if err != nil {
		return nil, fmt.Errorf("failed to list transfer events: %w", err)
	}
	defer rows.Close()

	var events []domain.TransferEvent
	for rows.Next() {
		var e domain.TransferEvent
		if err := rows.Scan(&e.ID, &e.TransferID, &e.FromState, &e.ToState, &e.ActorUserID, &e.Reason, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan transfer event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
