package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/taskpay/backend/internal/ledger"
	"github.com/taskpay/backend/internal/models"
)

const accountColumns = `id, email, role, balance, total_credits, total_debits, kyc_status, referrer_id,
	suspended, suspend_reason, version, closed_at, created_at, updated_at`

type AccountRepo struct {
	pool *pgxpool.Pool
}

func NewAccountRepo(pool *pgxpool.Pool) *AccountRepo {
	return &AccountRepo{pool: pool}
}

func (r *AccountRepo) Begin(ctx context.Context) (pgx.Tx, error) {
	return r.pool.Begin(ctx)
}

func scanAccount(row pgx.Row) (*models.Account, error) {
	var a models.Account
	err := row.Scan(&a.ID, &a.Email, &a.Role, &a.Balance, &a.TotalCredits, &a.TotalDebits, &a.KYCStatus, &a.ReferrerID,
		&a.Suspended, &a.SuspendReason, &a.Version, &a.ClosedAt, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// Create inserts a zero-balance account.
func (r *AccountRepo) Create(ctx context.Context, a *models.Account) error {
	return r.pool.QueryRow(ctx, `
		INSERT INTO accounts (id, email, role, kyc_status, referrer_id)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING balance, total_credits, total_debits, version, created_at, updated_at
	`, a.ID, a.Email, a.Role, a.KYCStatus, a.ReferrerID).Scan(&a.Balance, &a.TotalCredits, &a.TotalDebits, &a.Version, &a.CreatedAt, &a.UpdatedAt)
}

func (r *AccountRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Account, error) {
	return scanAccount(r.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id))
}

func (r *AccountRepo) GetByEmail(ctx context.Context, email string) (*models.Account, error) {
	return scanAccount(r.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE email = $1`, email))
}

// GetByIDForUpdate locks the account row for update. Call within a transaction.
func (r *AccountRepo) GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Account, error) {
	return scanAccount(tx.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1 FOR UPDATE`, id))
}

// UpdateBalance writes the balance and lifetime counters if the row still has a.Version.
// On success a.Version is advanced.
func (r *AccountRepo) UpdateBalance(ctx context.Context, tx pgx.Tx, a *models.Account) error {
	err := tx.QueryRow(ctx, `
		UPDATE accounts
		SET balance = $2, total_credits = $3, total_debits = $4, version = version + 1, updated_at = now()
		WHERE id = $1 AND version = $5
		RETURNING version, updated_at
	`, a.ID, a.Balance, a.TotalCredits, a.TotalDebits, a.Version).Scan(&a.Version, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.ErrConcurrencyConflict
	}
	return err
}

// SetSuspended toggles the suspension flag. tx may be nil to run outside a transaction.
func (r *AccountRepo) SetSuspended(ctx context.Context, tx pgx.Tx, id uuid.UUID, suspended bool, reason string) error {
	return r.exec(ctx, tx, `
		UPDATE accounts SET suspended = $2, suspend_reason = $3, updated_at = now()
		WHERE id = $1 AND closed_at IS NULL
	`, id, suspended, reason)
}

// TransitionKYC moves the account's KYC state to `to` only while it is one of from.
// tx may be nil. pgx.ErrNoRows means the account is gone or its state moved on.
func (r *AccountRepo) TransitionKYC(ctx context.Context, tx pgx.Tx, id uuid.UUID, from []string, to string) error {
	return r.exec(ctx, tx, `
		UPDATE accounts SET kyc_status = $2, updated_at = now()
		WHERE id = $1 AND kyc_status = ANY($3) AND closed_at IS NULL
	`, id, to, from)
}

// ClearSuspension lifts a suspension that is still in place.
func (r *AccountRepo) ClearSuspension(ctx context.Context, tx pgx.Tx, id uuid.UUID) error {
	return r.exec(ctx, tx, `
		UPDATE accounts SET suspended = false, suspend_reason = '', updated_at = now()
		WHERE id = $1 AND suspended AND closed_at IS NULL
	`, id)
}

// Close soft-deletes the account.
func (r *AccountRepo) Close(ctx context.Context, id uuid.UUID) error {
	return r.exec(ctx, nil, `UPDATE accounts SET closed_at = now(), updated_at = now() WHERE id = $1 AND closed_at IS NULL`, id)
}

func (r *AccountRepo) exec(ctx context.Context, tx pgx.Tx, sql string, args ...any) error {
	var err error
	var n int64
	if tx != nil {
		tag, e := tx.Exec(ctx, sql, args...)
		err, n = e, tag.RowsAffected()
	} else {
		tag, e := r.pool.Exec(ctx, sql, args...)
		err, n = e, tag.RowsAffected()
	}
	if err != nil {
		return err
	}
	if n == 0 {
		return pgx.ErrNoRows
	}
	return nil
}
