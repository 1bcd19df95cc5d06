// Package accounts owns wallet accounts: creation, the wallet view, suspension and
// reactivation, KYC fee payment and review.
package accounts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"github.com/taskpay/backend/internal/ledger"
	"github.com/taskpay/backend/internal/models"
)

// Store is the account persistence beyond balances. The state setters accept a nil tx
// to run outside a transaction and return pgx.ErrNoRows when no live account matched.
// TransitionKYC and ClearSuspension are conditional on the current state, so inside a
// posting they re-check what was read before the row lock was taken.
type Store interface {
	Create(ctx context.Context, a *models.Account) error
	SetSuspended(ctx context.Context, tx pgx.Tx, id uuid.UUID, suspended bool, reason string) error
	ClearSuspension(ctx context.Context, tx pgx.Tx, id uuid.UUID) error
	TransitionKYC(ctx context.Context, tx pgx.Tx, id uuid.UUID, from []string, to string) error
	Close(ctx context.Context, id uuid.UUID) error
}

type Service struct {
	ledger *ledger.Service
	store  Store
	log    *slog.Logger
}

func NewService(l *ledger.Service, store Store, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{ledger: l, store: store, log: log}
}

type CreateParams struct {
	ID         uuid.UUID // optional; the identity provider's subject when set
	Email      string
	Role       string
	ReferrerID *uuid.UUID
}

const sqlStateUniqueViolation = "23505"

// CreateAccount opens a zero-balance wallet. Only users can carry a referrer, and
// the referrer must be a live user account.
func (s *Service) CreateAccount(ctx context.Context, p CreateParams) (*models.Account, error) {
	email := strings.ToLower(strings.TrimSpace(p.Email))
	if _, err := mail.ParseAddress(email); err != nil {
		return nil, fmt.Errorf("%w: invalid email", ledger.ErrValidation)
	}
	if p.Role != models.RoleUser && p.Role != models.RoleAdvertiser && p.Role != models.RoleAdmin {
		return nil, fmt.Errorf("%w: role must be user, advertiser or admin", ledger.ErrValidation)
	}
	if p.ReferrerID != nil {
		if p.Role != models.RoleUser {
			return nil, fmt.Errorf("%w: only users can be referred", ledger.ErrValidation)
		}
		ref, err := s.ledger.GetAccount(ctx, *p.ReferrerID)
		if err != nil {
			return nil, fmt.Errorf("%w: unknown referrer", ledger.ErrValidation)
		}
		if ref.Role != models.RoleUser {
			return nil, fmt.Errorf("%w: referrer must be a user", ledger.ErrValidation)
		}
	}
	id := p.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	if id == models.PlatformAccountID {
		return nil, fmt.Errorf("%w: reserved account id", ledger.ErrValidation)
	}
	a := &models.Account{
		ID:         id,
		Email:      email,
		Role:       p.Role,
		KYCStatus:  models.KYCNone,
		ReferrerID: p.ReferrerID,
	}
	if err := s.store.Create(ctx, a); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == sqlStateUniqueViolation {
			return nil, fmt.Errorf("%w: account already exists", models.ErrStateConflict)
		}
		return nil, err
	}
	s.log.Info("account created", "account_id", a.ID, "role", a.Role)
	return a, nil
}

// Wallet is the balance view of one account plus a page of its history.
type Wallet struct {
	Account      *models.Account
	TotalSpent   *decimal.Decimal // advertisers
	TotalEarning *decimal.Decimal // users
	Transactions *ledger.Page
}

// GetWallet returns the account balance summary and the requested transaction page.
func (s *Service) GetWallet(ctx context.Context, id uuid.UUID, f ledger.ListFilter, page, pageSize int) (*Wallet, error) {
	acc, err := s.ledger.GetAccount(ctx, id)
	if err != nil {
		return nil, err
	}
	txns, err := s.ledger.ListTransactions(ctx, id, f, page, pageSize)
	if err != nil {
		return nil, err
	}
	w := &Wallet{Account: acc, Transactions: txns}
	switch acc.Role {
	case models.RoleAdvertiser:
		spent := acc.TotalDebits
		w.TotalSpent = &spent
	case models.RoleUser:
		earned := acc.TotalCredits
		w.TotalEarning = &earned
	}
	return w, nil
}

// SetSuspended suspends or unsuspends an account. A reason is required to suspend.
func (s *Service) SetSuspended(ctx context.Context, id uuid.UUID, suspended bool, reason string) error {
	reason = strings.TrimSpace(reason)
	if suspended && reason == "" {
		return fmt.Errorf("%w: reason is required", ledger.ErrValidation)
	}
	if id == models.PlatformAccountID {
		return fmt.Errorf("%w: the platform account cannot be suspended", ledger.ErrValidation)
	}
	if !suspended {
		reason = ""
	}
	if err := s.store.SetSuspended(ctx, nil, id, suspended, reason); err != nil {
		return notFound(err, id)
	}
	s.log.Info("account suspension changed", "account_id", id, "suspended", suspended, "reason", reason)
	return nil
}

// Reactivate charges the reactivation fee to a suspended account, credits it to the
// platform and lifts the suspension, all in one transaction.
func (s *Service) Reactivate(ctx context.Context, id uuid.UUID) (*models.Transaction, error) {
	acc, err := s.ledger.GetAccount(ctx, id)
	if err != nil {
		return nil, err
	}
	if !acc.Suspended {
		return nil, fmt.Errorf("%w: account is not suspended", models.ErrStateConflict)
	}
	fee := s.ledger.Config().ReactivationFee
	ref := "REACT-" + strings.ToUpper(id.String()[:8])
	txns, err := s.ledger.Post(ctx, ledger.Posting{
		Entries: []ledger.Entry{
			{
				AccountID:   id,
				Direction:   models.Debit,
				Category:    models.CategoryAccountReactivation,
				Amount:      fee,
				Description: "Account reactivation fee",
				Reference:   ref,
			},
			{
				AccountID:   models.PlatformAccountID,
				Direction:   models.Credit,
				Category:    models.CategoryAccountReactivation,
				Amount:      fee,
				Description: "Account reactivation fee",
				Reference:   ref,
			},
		},
		Balanced: true,
		After: func(ctx context.Context, tx pgx.Tx, _ []*models.Transaction) error {
			err := s.store.ClearSuspension(ctx, tx, id)
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("%w: account is not suspended", models.ErrStateConflict)
			}
			return err
		},
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("account reactivated", "account_id", id)
	return txns[0], nil
}

// kycPayable are the KYC states from which the fee may be paid.
var kycPayable = []string{models.KYCNone, models.KYCRejected}

// PayKYCFee charges the KYC fee, splitting it with the payer's stored referrer, and
// moves the payer's KYC status to pending in the same transaction.
func (s *Service) PayKYCFee(ctx context.Context, id uuid.UUID) (*ledger.KYCSplitResult, error) {
	acc, err := s.ledger.GetAccount(ctx, id)
	if err != nil {
		return nil, err
	}
	if acc.Role != models.RoleUser {
		return nil, fmt.Errorf("%w: only users pay the KYC fee", ledger.ErrValidation)
	}
	switch acc.KYCStatus {
	case models.KYCPending:
		return nil, fmt.Errorf("%w: KYC review is already pending", ledger.ErrValidation)
	case models.KYCVerified:
		return nil, fmt.Errorf("%w: KYC is already verified", ledger.ErrValidation)
	}
	res, err := s.ledger.ApplyKycFeeSplit(ctx, id, acc.ReferrerID, func(ctx context.Context, tx pgx.Tx, _ []*models.Transaction) error {
		err := s.store.TransitionKYC(ctx, tx, id, kycPayable, models.KYCPending)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: KYC fee is already paid", ledger.ErrValidation)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("kyc fee paid", "account_id", id, "referred", acc.ReferrerID != nil)
	return res, nil
}

// ReviewKYC records the outcome of a pending KYC review.
func (s *Service) ReviewKYC(ctx context.Context, id uuid.UUID, status string) error {
	if status != models.KYCVerified && status != models.KYCRejected {
		return fmt.Errorf("%w: status must be verified or rejected", ledger.ErrValidation)
	}
	acc, err := s.ledger.GetAccount(ctx, id)
	if err != nil {
		return err
	}
	if acc.KYCStatus != models.KYCPending {
		return fmt.Errorf("%w: KYC is %s, not pending", models.ErrStateConflict, acc.KYCStatus)
	}
	err = s.store.TransitionKYC(ctx, nil, id, []string{models.KYCPending}, status)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: KYC is no longer pending", models.ErrStateConflict)
	}
	if err != nil {
		return err
	}
	s.log.Info("kyc reviewed", "account_id", id, "status", status)
	return nil
}

// Close soft-deletes an account. The balance must be zero so no funds are stranded.
func (s *Service) Close(ctx context.Context, id uuid.UUID) error {
	if id == models.PlatformAccountID {
		return fmt.Errorf("%w: the platform account cannot be closed", ledger.ErrValidation)
	}
	acc, err := s.ledger.GetAccount(ctx, id)
	if err != nil {
		return err
	}
	if !acc.Balance.IsZero() {
		return fmt.Errorf("%w: balance must be zero to close the account", models.ErrStateConflict)
	}
	if err := s.store.Close(ctx, id); err != nil {
		return notFound(err, id)
	}
	s.log.Info("account closed", "account_id", id)
	return nil
}

func notFound(err error, id uuid.UUID) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", ledger.ErrAccountNotFound, id)
	}
	return err
}
