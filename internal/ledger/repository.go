package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/taskpay/backend/internal/models"
)

// TxBeginner opens the database transaction every ledger operation runs in.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// AccountStore is the account persistence the ledger needs.
// Lookups return pgx.ErrNoRows when the account does not exist.
type AccountStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Account, error)
	// GetByIDForUpdate locks the account row (SELECT ... FOR UPDATE).
	GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Account, error)
	// UpdateBalance writes balance and lifetime counters guarded by a.Version and bumps
	// the version. A stale version returns ErrConcurrencyConflict.
	UpdateBalance(ctx context.Context, tx pgx.Tx, a *models.Account) error
}

// TransactionStore is the append-only transaction log.
type TransactionStore interface {
	CreateTx(ctx context.Context, tx pgx.Tx, t *models.Transaction) error
	List(ctx context.Context, f Filter) ([]*models.Transaction, int, error)
	// SumCredits totals credit transactions of accountID per category with
	// createdAt in [from, to). Nil bounds are open.
	SumCredits(ctx context.Context, accountID uuid.UUID, from, to *time.Time) (map[models.Category]decimal.Decimal, error)
}

// Filter selects a page of one account's transactions.
type Filter struct {
	AccountID uuid.UUID
	Search    string
	Category  models.Category
	Direction models.Direction
	// From and To bound createdAt as [From, To).
	From   *time.Time
	To     *time.Time
	Limit  int
	Offset int
}
