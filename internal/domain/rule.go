package domain

import "github.com/google/uuid"

// ApprovalRule is one bank-scoped approval tier over the half-open amount
// interval [MinAmount, MaxAmount). MaxAmount is nil on the final, unbounded
// tier. RequiredApprovals == 0 means auto-approve.
type ApprovalRule struct {
	ID                uuid.UUID `json:"id"`
	BankID            uuid.UUID `json:"bank_id"`
	MinAmount         int64     `json:"min_amount"` // in minor units, inclusive
	MaxAmount         *int64    `json:"max_amount,omitempty"`
	RequiredRoleLevel int       `json:"required_role_level"`
	RequiredApprovals int       `json:"required_approvals"`
}

// Covers reports whether the amount falls inside this rule's interval.
func (r ApprovalRule) Covers(amount int64) bool {
	if amount < r.MinAmount {
		return false
	}
	return r.MaxAmount == nil || amount < *r.MaxAmount
}

// Snapshot freezes the rule onto a transfer.
func (r ApprovalRule) Snapshot() *RuleSnapshot {
	return &RuleSnapshot{
		RuleID:            r.ID,
		MinAmount:         r.MinAmount,
		MaxAmount:         r.MaxAmount,
		RequiredRoleLevel: r.RequiredRoleLevel,
		RequiredApprovals: r.RequiredApprovals,
	}
}
