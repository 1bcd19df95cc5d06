package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/taskpay/backend/internal/models"
)

const payoutColumns = `id, user_id, amount, status, note, reviewed_by, transaction_id, created_at, updated_at`

type PayoutRepo struct {
	pool *pgxpool.Pool
}

func NewPayoutRepo(pool *pgxpool.Pool) *PayoutRepo {
	return &PayoutRepo{pool: pool}
}

func scanPayout(row pgx.Row) (*models.PayoutRequest, error) {
	var p models.PayoutRequest
	err := row.Scan(&p.ID, &p.UserID, &p.Amount, &p.Status, &p.Note, &p.ReviewedBy, &p.TransactionID, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *PayoutRepo) Create(ctx context.Context, p *models.PayoutRequest) error {
	return r.pool.QueryRow(ctx, `
		INSERT INTO payout_requests (id, user_id, amount, status, note)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at, updated_at
	`, p.ID, p.UserID, p.Amount, p.Status, p.Note).Scan(&p.CreatedAt, &p.UpdatedAt)
}

func (r *PayoutRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.PayoutRequest, error) {
	return scanPayout(r.pool.QueryRow(ctx, `SELECT `+payoutColumns+` FROM payout_requests WHERE id = $1`, id))
}

// GetByIDForUpdate locks the payout request. Call within a transaction.
func (r *PayoutRepo) GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.PayoutRequest, error) {
	return scanPayout(tx.QueryRow(ctx, `SELECT `+payoutColumns+` FROM payout_requests WHERE id = $1 FOR UPDATE`, id))
}

// Review moves a pending request to its final status.
func (r *PayoutRepo) Review(ctx context.Context, tx pgx.Tx, p *models.PayoutRequest) error {
	q := `
		UPDATE payout_requests SET status = $2, note = $3, reviewed_by = $4, transaction_id = $5, updated_at = now()
		WHERE id = $1 AND status = 'pending'
		RETURNING updated_at`
	args := []any{p.ID, p.Status, p.Note, p.ReviewedBy, p.TransactionID}
	if tx != nil {
		return tx.QueryRow(ctx, q, args...).Scan(&p.UpdatedAt)
	}
	return r.pool.QueryRow(ctx, q, args...).Scan(&p.UpdatedAt)
}

func (r *PayoutRepo) ListByStatus(ctx context.Context, status string) ([]*models.PayoutRequest, error) {
	return r.list(ctx, `SELECT `+payoutColumns+` FROM payout_requests WHERE status = $1 ORDER BY created_at ASC`, status)
}

func (r *PayoutRepo) ListByUser(ctx context.Context, userID uuid.UUID) ([]*models.PayoutRequest, error) {
	return r.list(ctx, `SELECT `+payoutColumns+` FROM payout_requests WHERE user_id = $1 ORDER BY created_at DESC`, userID)
}

func (r *PayoutRepo) list(ctx context.Context, q string, arg any) ([]*models.PayoutRequest, error) {
	rows, err := r.pool.Query(ctx, q, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.PayoutRequest
	for rows.Next() {
		p, err := scanPayout(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, p)
	}
	return list, rows.Err()
}
