// Package payouts handles user withdrawal requests and their admin review.
package payouts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/taskpay/backend/internal/ledger"
	"github.com/taskpay/backend/internal/models"
	"github.com/taskpay/backend/internal/money"
)

// Store is the payout request persistence. Review only updates pending requests and
// returns pgx.ErrNoRows otherwise; tx may be nil.
type Store interface {
	Create(ctx context.Context, p *models.PayoutRequest) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.PayoutRequest, error)
	Review(ctx context.Context, tx pgx.Tx, p *models.PayoutRequest) error
	ListByStatus(ctx context.Context, status string) ([]*models.PayoutRequest, error)
	ListByUser(ctx context.Context, userID uuid.UUID) ([]*models.PayoutRequest, error)
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

// RequestPayout files a pending withdrawal. The balance is not touched until an
// admin approves it, but a request larger than the current balance is refused.
func (s *Service) RequestPayout(ctx context.Context, userID uuid.UUID, amount decimal.Decimal, note string) (*models.PayoutRequest, error) {
	if err := money.ValidatePositive(amount); err != nil {
		return nil, fmt.Errorf("%w: %v", ledger.ErrInvalidAmount, err)
	}
	acc, err := s.ledger.GetAccount(ctx, userID)
	if err != nil {
		return nil, err
	}
	if acc.Role != models.RoleUser {
		return nil, fmt.Errorf("%w: only users can request payouts", ledger.ErrValidation)
	}
	if acc.Suspended {
		return nil, fmt.Errorf("%w: %s", ledger.ErrAccountSuspended, userID)
	}
	if acc.Balance.LessThan(amount) {
		return nil, fmt.Errorf("%w: balance %s is below %s", ledger.ErrInsufficientFunds,
			money.Format(acc.Balance), money.Format(amount))
	}
	p := &models.PayoutRequest{
		ID:     uuid.New(),
		UserID: userID,
		Amount: amount,
		Status: models.PayoutPending,
		Note:   strings.TrimSpace(note),
	}
	if err := s.store.Create(ctx, p); err != nil {
		return nil, err
	}
	s.log.Info("payout requested", "payout_id", p.ID, "user_id", userID, "amount", money.Format(amount))
	return p, nil
}

// ApprovePayout debits the user and marks the request approved in one transaction.
func (s *Service) ApprovePayout(ctx context.Context, id, adminID uuid.UUID) (*models.PayoutRequest, *models.Transaction, error) {
	p, err := s.get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if p.Status != models.PayoutPending {
		return nil, nil, fmt.Errorf("%w: payout is %s", models.ErrStateConflict, p.Status)
	}
	if err := s.ledger.RequireAdmin(ctx, adminID); err != nil {
		return nil, nil, err
	}
	res, err := s.ledger.Debit(ctx, ledger.DebitRequest{
		AccountID:   p.UserID,
		Amount:      p.Amount,
		Category:    models.CategoryUserPayout,
		Description: "Payout to bank account",
		Reference:   "PAYOUT-" + strings.ToUpper(p.ID.String()[:8]),
		ActorID:     &adminID,
		After: func(ctx context.Context, tx pgx.Tx, txns []*models.Transaction) error {
			p.Status = models.PayoutApproved
			p.ReviewedBy = &adminID
			p.TransactionID = &txns[0].ID
			return reviewed(s.store.Review(ctx, tx, p), id)
		},
	})
	if err != nil {
		return nil, nil, err
	}
	s.log.Info("payout approved", "payout_id", id, "admin_id", adminID, "transaction_id", res.Transaction.ID)
	return p, res.Transaction, nil
}

// RejectPayout closes a pending request without touching the balance.
func (s *Service) RejectPayout(ctx context.Context, id, adminID uuid.UUID, reason string) (*models.PayoutRequest, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, fmt.Errorf("%w: reason is required", ledger.ErrValidation)
	}
	p, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.ledger.RequireAdmin(ctx, adminID); err != nil {
		return nil, err
	}
	p.Status = models.PayoutRejected
	p.ReviewedBy = &adminID
	p.Note = reason
	if err := reviewed(s.store.Review(ctx, nil, p), id); err != nil {
		return nil, err
	}
	s.log.Info("payout rejected", "payout_id", id, "admin_id", adminID, "reason", reason)
	return p, nil
}

func (s *Service) ListPending(ctx context.Context) ([]*models.PayoutRequest, error) {
	return s.store.ListByStatus(ctx, models.PayoutPending)
}

func (s *Service) ListForUser(ctx context.Context, userID uuid.UUID) ([]*models.PayoutRequest, error) {
	return s.store.ListByUser(ctx, userID)
}

func (s *Service) get(ctx context.Context, id uuid.UUID) (*models.PayoutRequest, error) {
	p, err := s.store.GetByID(ctx, id)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: payout %s", models.ErrNotFound, id)
	}
	return p, err
}

func reviewed(err error, id uuid.UUID) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: payout %s is no longer pending", models.ErrStateConflict, id)
	}
	return err
}
