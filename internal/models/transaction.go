package models

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/taskpay/backend/internal/money"
)

// Direction of a balance mutation.
type Direction string

const (
	Credit Direction = "credit"
	Debit  Direction = "debit"
)

// Valid reports whether d is credit or debit.
func (d Direction) Valid() bool { return d == Credit || d == Debit }

// Category is the discriminant of a Transaction.
type Category string

const (
	CategoryAdvertiserPayment   Category = "advertiser_payment"
	CategoryUserPayout          Category = "user_payout"
	CategoryUserReward          Category = "user_reward"
	CategoryKYCPayment          Category = "kyc_payment"
	CategoryAccountReactivation Category = "account_reactivation"
	CategoryWalletTopup         Category = "wallet_topup"
	CategoryAdminAdjustment     Category = "admin_adjustment"
)

// Categories lists every valid category.
var Categories = []Category{
	CategoryAdvertiserPayment,
	CategoryUserPayout,
	CategoryUserReward,
	CategoryKYCPayment,
	CategoryAccountReactivation,
	CategoryWalletTopup,
	CategoryAdminAdjustment,
}

// Valid reports whether c is one of the enumerated categories.
func (c Category) Valid() bool {
	for _, v := range Categories {
		if c == v {
			return true
		}
	}
	return false
}

// ErrInvalidTransaction is wrapped by every construction failure.
var ErrInvalidTransaction = errors.New("invalid transaction")

// Transaction is an immutable ledger entry. Category-specific fields are optional and
// validated by NewTransaction: ReferrerCut and CounterpartyID only on kyc_payment,
// ActorID required on admin_adjustment, TaskID only on task payment categories.
type Transaction struct {
	ID             uuid.UUID        `json:"id"`
	AccountID      uuid.UUID        `json:"accountId"`
	Direction      Direction        `json:"type"`
	Category       Category         `json:"category"`
	Amount         decimal.Decimal  `json:"amount"`
	Description    string           `json:"description"`
	Reference      string           `json:"reference"`
	BalanceAfter   decimal.Decimal  `json:"balanceAfter"`
	CounterpartyID *uuid.UUID       `json:"counterpartyId,omitempty"`
	ReferrerCut    *decimal.Decimal `json:"referrerCut,omitempty"`
	ActorID        *uuid.UUID       `json:"actorId,omitempty"`
	TaskID         *uuid.UUID       `json:"taskId,omitempty"`
	CreatedAt      time.Time        `json:"createdAt"`

	// Read-side projections joined from accounts.
	AccountEmail string `json:"-"`
	ActorEmail   string `json:"-"`
}

// TransactionParams carries everything NewTransaction needs.
type TransactionParams struct {
	AccountID      uuid.UUID
	Direction      Direction
	Category       Category
	Amount         decimal.Decimal
	Description    string
	Reference      string
	BalanceAfter   decimal.Decimal
	CounterpartyID *uuid.UUID
	ReferrerCut    *decimal.Decimal
	ActorID        *uuid.UUID
	TaskID         *uuid.UUID
}

// NewTransaction validates p and returns a new Transaction with a fresh ID.
// CreatedAt is assigned by the store.
func NewTransaction(p TransactionParams) (*Transaction, error) {
	if p.AccountID == uuid.Nil {
		return nil, fmt.Errorf("%w: missing account", ErrInvalidTransaction)
	}
	if !p.Direction.Valid() {
		return nil, fmt.Errorf("%w: direction %q", ErrInvalidTransaction, p.Direction)
	}
	if !p.Category.Valid() {
		return nil, fmt.Errorf("%w: category %q", ErrInvalidTransaction, p.Category)
	}
	if err := money.ValidatePositive(p.Amount); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTransaction, err)
	}
	if p.BalanceAfter.IsNegative() {
		return nil, fmt.Errorf("%w: negative balance after", ErrInvalidTransaction)
	}
	if strings.TrimSpace(p.Description) == "" {
		return nil, fmt.Errorf("%w: description is required", ErrInvalidTransaction)
	}
	if p.ReferrerCut != nil && p.Category != CategoryKYCPayment {
		return nil, fmt.Errorf("%w: referrer cut on %s", ErrInvalidTransaction, p.Category)
	}
	if p.CounterpartyID != nil && p.Category != CategoryKYCPayment {
		return nil, fmt.Errorf("%w: counterparty on %s", ErrInvalidTransaction, p.Category)
	}
	if p.Category == CategoryAdminAdjustment && p.ActorID == nil {
		return nil, fmt.Errorf("%w: admin adjustment without actor", ErrInvalidTransaction)
	}
	if p.ActorID != nil && p.Category != CategoryAdminAdjustment && p.Category != CategoryUserPayout {
		return nil, fmt.Errorf("%w: actor on %s", ErrInvalidTransaction, p.Category)
	}
	if p.TaskID != nil && p.Category != CategoryAdvertiserPayment && p.Category != CategoryUserReward {
		return nil, fmt.Errorf("%w: task reference on %s", ErrInvalidTransaction, p.Category)
	}
	return &Transaction{
		ID:             uuid.New(),
		AccountID:      p.AccountID,
		Direction:      p.Direction,
		Category:       p.Category,
		Amount:         p.Amount,
		Description:    p.Description,
		Reference:      p.Reference,
		BalanceAfter:   p.BalanceAfter,
		CounterpartyID: p.CounterpartyID,
		ReferrerCut:    p.ReferrerCut,
		ActorID:        p.ActorID,
		TaskID:         p.TaskID,
	}, nil
}

// Signed returns the amount with the sign the transaction applies to its account.
func (t *Transaction) Signed() decimal.Decimal {
	if t.Direction == Debit {
		return t.Amount.Neg()
	}
	return t.Amount
}
