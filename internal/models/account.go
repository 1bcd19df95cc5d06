package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PlatformAccountID is the fixed account that accrues platform fees and KYC revenue.
var PlatformAccountID = uuid.MustParse("00000000-0000-0000-0000-000000000001")

// Account roles.
const (
	RoleUser       = "user"
	RoleAdvertiser = "advertiser"
	RolePlatform   = "platform"
	RoleAdmin      = "admin"
)

// KYC status values (user accounts only).
const (
	KYCNone     = "none"
	KYCPending  = "pending"
	KYCVerified = "verified"
	KYCRejected = "rejected"
)

// Account is a balance-holding entity. Balance always equals TotalCredits - TotalDebits.
type Account struct {
	ID            uuid.UUID       `json:"id"`
	Email         string          `json:"email"`
	Role          string          `json:"role"`
	Balance       decimal.Decimal `json:"balance"`
	TotalCredits  decimal.Decimal `json:"totalCredits"`
	TotalDebits   decimal.Decimal `json:"totalDebits"`
	KYCStatus     string          `json:"kycStatus"`
	ReferrerID    *uuid.UUID      `json:"referrerId,omitempty"`
	Suspended     bool            `json:"suspended"`
	SuspendReason string          `json:"suspendReason,omitempty"`
	Version       int64           `json:"-"`
	ClosedAt      *time.Time      `json:"closedAt,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// Reconciled reports whether the stored balance matches the lifetime counters.
func (a *Account) Reconciled() bool {
	return a.Balance.Equal(a.TotalCredits.Sub(a.TotalDebits))
}

// IsClosed reports whether the account has been soft-deleted.
func (a *Account) IsClosed() bool { return a.ClosedAt != nil }

// ValidRole reports whether role can own a wallet.
func ValidRole(role string) bool {
	switch role {
	case RoleUser, RoleAdvertiser, RolePlatform, RoleAdmin:
		return true
	}
	return false
}
