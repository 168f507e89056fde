/**
 * @description
 * This file defines the core domain models for the settlement-service: the
 * transfer request, its lifecycle states, the resolved-rule snapshot, and the
 * DTOs exchanged at the API boundary.
 *
 * @notes
 * - Amounts are stored as `int64` in the smallest currency unit (cents) to
 *   avoid floating-point inaccuracies with financial data. API payloads carry
 *   decimal strings; conversion lives in money.go.
 * - The rule snapshot is captured onto the transfer at evaluation time so a
 *   later catalog edit never changes an in-flight transfer's requirements.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// TransferState enumerates the lifecycle of a transfer request.
type TransferState string

const (
	StateCreated         TransferState = "created"
	StateRuleEvaluated   TransferState = "rule_evaluated"
	StateAutoApproved    TransferState = "auto_approved"
	StatePendingApproval TransferState = "pending_approval"
	StateApproved        TransferState = "approved"
	StateRejected        TransferState = "rejected"
	StateExpired         TransferState = "expired"
	StateSettling        TransferState = "settling"
	StateSettled         TransferState = "settled"
	StateFailed          TransferState = "failed"
)

// IsTerminal reports whether the state admits no further transitions.
func (s TransferState) IsTerminal() bool {
	switch s {
	case StateSettled, StateRejected, StateExpired, StateFailed:
		return true
	}
	return false
}

// RuleSnapshot is the approval policy captured onto a transfer when its rule
// was resolved. MaxAmount is nil for the unbounded top tier.
type RuleSnapshot struct {
	RuleID            uuid.UUID `json:"rule_id"`
	MinAmount         int64     `json:"min_amount"`
	MaxAmount         *int64    `json:"max_amount,omitempty"`
	RequiredRoleLevel int       `json:"required_role_level"`
	RequiredApprovals int       `json:"required_approvals"`
}

// TransferRequest is the central record mutated by the approval state machine.
// It maps to the `transfers` table.
type TransferRequest struct {
	ID               uuid.UUID     `json:"id"`
	BankID           uuid.UUID     `json:"bank_id"`
	SourceWalletID   uuid.UUID     `json:"source_wallet_id"`
	DestWalletID     uuid.UUID     `json:"destination_wallet_id"`
	Amount           int64         `json:"amount"` // in minor units
	Currency         string        `json:"currency"`
	InitiatorID      uuid.UUID     `json:"initiator_id"`
	State            TransferState `json:"state"`
	Rule             *RuleSnapshot `json:"rule,omitempty"`
	ApprovalDeadline *time.Time    `json:"approval_deadline,omitempty"`
	ApproverIDs      []uuid.UUID   `json:"approver_ids,omitempty"`
	ComplianceFlag   *bool         `json:"compliance_flag,omitempty"`
	FailureReason    *string       `json:"failure_reason,omitempty"`
	Version          int64         `json:"-"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
}

// HasApprover reports whether the given user already signed this transfer.
func (t *TransferRequest) HasApprover(userID uuid.UUID) bool {
	for _, id := range t.ApproverIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// InitiateTransferParams carries a validated initiation request into the
// state machine.
type InitiateTransferParams struct {
	BankID         uuid.UUID
	SourceWalletID uuid.UUID
	DestWalletID   uuid.UUID
	Amount         int64
	Currency       string
	InitiatorID    uuid.UUID
}

// SettlementResult is the committed outcome of the ledger movement for one
// transfer. It maps to the `settlements` table (keyed by transfer id, which is
// the settlement idempotency key).
type SettlementResult struct {
	TransferID       uuid.UUID `json:"transfer_id"`
	NewSourceBalance int64     `json:"new_source_balance"`
	NewDestBalance   int64     `json:"new_destination_balance"`
	SettledAt        time.Time `json:"settled_at"`
}

// TransferEvent is one committed state transition, appended to the audit
// trail in the same transaction that commits the transition.
type TransferEvent struct {
	ID          int64         `json:"id"`
	TransferID  uuid.UUID     `json:"transfer_id"`
	FromState   TransferState `json:"from_state"`
	ToState     TransferState `json:"to_state"`
	ActorUserID *uuid.UUID    `json:"actor_user_id,omitempty"`
	Reason      *string       `json:"reason,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
}

// TransferStateChangedEvent is the payload published to the audit/notification
// exchange after each committed transition. Delivery is fire-and-forget; the
// consumer owns retries.
type TransferStateChangedEvent struct {
	TransferID  uuid.UUID     `json:"transfer_id"`
	FromState   TransferState `json:"from_state"`
	ToState     TransferState `json:"to_state"`
	ActorUserID *uuid.UUID    `json:"actor_user_id,omitempty"`
	Reason      string        `json:"reason,omitempty"`
	Timestamp   time.Time     `json:"timestamp"`
}

// ComplianceResultEvent is consumed from the external compliance check. The
// engine records the flag; it never runs KYC/AML decisioning itself.
type ComplianceResultEvent struct {
	TransferID uuid.UUID `json:"transfer_id"`
	Cleared    bool      `json:"cleared"`
	Reason     string    `json:"reason,omitempty"`
}

// InitiateTransferRequest is the DTO for incoming transfer initiation calls.
// The amount is a decimal string ("50000.00"); see ParseAmount.
type InitiateTransferRequest struct {
	BankID         string `json:"bank_id"`
	SourceWalletID string `json:"source_wallet_id"`
	DestWalletID   string `json:"destination_wallet_id"`
	Amount         string `json:"amount"`
	Currency       string `json:"currency"`
}

// ApprovalOutcome is returned to approval callers.
type ApprovalOutcome struct {
	TransferID    uuid.UUID     `json:"transfer_id"`
	State         TransferState `json:"state"`
	CurrentCount  int           `json:"current_count"`
	RequiredCount int           `json:"required_count"`
	Duplicate     bool          `json:"duplicate,omitempty"`
}
