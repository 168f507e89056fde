/**
 * @description
 * Tenant-scoped entities consumed by the settlement engine: banks, users with
 * their role values, and wallets. Bank and user records are owned by the
 * user-management collaborator; the engine reads them to authorize transfers
 * and approvals. Wallet balances are owned by the engine's ledger guard and
 * are never written anywhere else.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// BankStatus enumerates tenant states.
type BankStatus string

const (
	BankActive    BankStatus = "active"
	BankSuspended BankStatus = "suspended"
)

// Bank is the tenant boundary. No entity is ever visible across banks.
// ApprovalTTL is the per-bank window a pending transfer may wait for quorum.
type Bank struct {
	ID          uuid.UUID     `json:"id"`
	Name        string        `json:"name"`
	Status      BankStatus    `json:"status"`
	ApprovalTTL time.Duration `json:"approval_ttl"`
	CreatedAt   time.Time     `json:"created_at"`
}

// Role is a value carried on each user, not a pointer into a shared mutable
// object. A role change concurrent with an approval therefore never
// invalidates an already-recorded signature.
type Role struct {
	Name                string `json:"name"`
	Level               int    `json:"level"` // 1-10, higher = more authority
	CanApproveTransfers bool   `json:"can_approve_transfers"`
	MaxTransferAmount   int64  `json:"max_transfer_amount"` // in minor units; 0 = no ceiling
}

// User belongs to exactly one bank and holds exactly one role at a time.
type User struct {
	ID        uuid.UUID `json:"id"`
	BankID    uuid.UUID `json:"bank_id"`
	Username  string    `json:"username"`
	Role      Role      `json:"role"`
	CreatedAt time.Time `json:"created_at"`
}

// WalletStatus enumerates wallet states.
type WalletStatus string

const (
	WalletActive    WalletStatus = "active"
	WalletSuspended WalletStatus = "suspended"
)

// Wallet holds one currency for one bank. Balance is in minor units and is
// mutated only by the ledger guard's atomic settle operation.
type Wallet struct {
	ID        uuid.UUID    `json:"id"`
	BankID    uuid.UUID    `json:"bank_id"`
	Currency  string       `json:"currency"`
	Balance   int64        `json:"balance"`
	Status    WalletStatus `json:"status"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}
