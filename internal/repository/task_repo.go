package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/taskpay/backend/internal/models"
)

const taskColumns = `id, advertiser_id, title, rate_to_user, fee_percent, limit_count, approved_count, status,
	payment_status, created_at, updated_at`

type TaskRepo struct {
	pool *pgxpool.Pool
}

func NewTaskRepo(pool *pgxpool.Pool) *TaskRepo {
	return &TaskRepo{pool: pool}
}

func (r *TaskRepo) Begin(ctx context.Context) (pgx.Tx, error) {
	return r.pool.Begin(ctx)
}

func scanTask(row pgx.Row) (*models.Task, error) {
	var t models.Task
	err := row.Scan(&t.ID, &t.AdvertiserID, &t.Title, &t.RateToUser, &t.FeePercent, &t.LimitCount, &t.ApprovedCount,
		&t.Status, &t.PaymentStatus, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

const insertTask = `
	INSERT INTO tasks (id, advertiser_id, title, rate_to_user, fee_percent, limit_count, approved_count, status, payment_status)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	RETURNING created_at, updated_at`

func (r *TaskRepo) Create(ctx context.Context, t *models.Task) error {
	return r.pool.QueryRow(ctx, insertTask, t.ID, t.AdvertiserID, t.Title, t.RateToUser, t.FeePercent, t.LimitCount,
		t.ApprovedCount, t.Status, t.PaymentStatus).Scan(&t.CreatedAt, &t.UpdatedAt)
}

// CreateTx inserts the task inside the given transaction.
func (r *TaskRepo) CreateTx(ctx context.Context, tx pgx.Tx, t *models.Task) error {
	return tx.QueryRow(ctx, insertTask, t.ID, t.AdvertiserID, t.Title, t.RateToUser, t.FeePercent, t.LimitCount,
		t.ApprovedCount, t.Status, t.PaymentStatus).Scan(&t.CreatedAt, &t.UpdatedAt)
}

func (r *TaskRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Task, error) {
	return scanTask(r.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id))
}

// GetByIDForUpdate locks the task row. Call within a transaction.
func (r *TaskRepo) GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Task, error) {
	return scanTask(tx.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1 FOR UPDATE`, id))
}

// UpdateState writes status, payment status and approved count.
func (r *TaskRepo) UpdateState(ctx context.Context, tx pgx.Tx, t *models.Task) error {
	return tx.QueryRow(ctx, `
		UPDATE tasks SET status = $2, payment_status = $3, approved_count = $4, updated_at = now()
		WHERE id = $1
		RETURNING updated_at
	`, t.ID, t.Status, t.PaymentStatus, t.ApprovedCount).Scan(&t.UpdatedAt)
}

func (r *TaskRepo) ListByAdvertiser(ctx context.Context, advertiserID uuid.UUID) ([]*models.Task, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+taskColumns+` FROM tasks WHERE advertiser_id = $1 ORDER BY created_at DESC`, advertiserID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, t)
	}
	return list, rows.Err()
}

// InsertCompletion records a paid submission. It reports false when the submission
// was already recorded.
func (r *TaskRepo) InsertCompletion(ctx context.Context, tx pgx.Tx, c *models.TaskCompletion) (bool, error) {
	tag, err := tx.Exec(ctx, `
		INSERT INTO task_completions (submission_id, task_id, user_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (submission_id) DO NOTHING
	`, c.SubmissionID, c.TaskID, c.UserID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// HasCompletion reports whether submissionID has already been paid.
func (r *TaskRepo) HasCompletion(ctx context.Context, submissionID string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM task_completions WHERE submission_id = $1)`, submissionID).Scan(&exists)
	return exists, err
}
