package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/taskpay/backend/internal/ledger"
	"github.com/taskpay/backend/internal/models"
)

type TransactionRepo struct {
	pool *pgxpool.Pool
}

func NewTransactionRepo(pool *pgxpool.Pool) *TransactionRepo {
	return &TransactionRepo{pool: pool}
}

// CreateTx inserts a transaction inside the given database transaction.
func (r *TransactionRepo) CreateTx(ctx context.Context, tx pgx.Tx, t *models.Transaction) error {
	return tx.QueryRow(ctx, `
		INSERT INTO transactions (id, account_id, direction, category, amount, description, reference, balance_after,
			counterparty_id, referrer_cut, actor_id, task_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING created_at
	`, t.ID, t.AccountID, t.Direction, t.Category, t.Amount, t.Description, t.Reference, t.BalanceAfter,
		t.CounterpartyID, t.ReferrerCut, t.ActorID, t.TaskID).Scan(&t.CreatedAt)
}

func (r *TransactionRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Transaction, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+transactionColumns+` `+transactionFrom+` WHERE t.id = $1`, id)
	if err != nil {
		return nil, err
	}
	return pgx.CollectExactlyOneRow(rows, scanTransaction)
}

const transactionColumns = `t.id, t.account_id, t.direction, t.category, t.amount, t.description, t.reference,
	t.balance_after, t.counterparty_id, t.referrer_cut, t.actor_id, t.task_id, t.created_at,
	a.email, COALESCE(actor.email, '')`

const transactionFrom = `FROM transactions t
	JOIN accounts a ON a.id = t.account_id
	LEFT JOIN accounts actor ON actor.id = t.actor_id`

func scanTransaction(row pgx.CollectableRow) (*models.Transaction, error) {
	var t models.Transaction
	err := row.Scan(&t.ID, &t.AccountID, &t.Direction, &t.Category, &t.Amount, &t.Description, &t.Reference,
		&t.BalanceAfter, &t.CounterpartyID, &t.ReferrerCut, &t.ActorID, &t.TaskID, &t.CreatedAt,
		&t.AccountEmail, &t.ActorEmail)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// List returns one page of f.AccountID's transactions, newest first, and the size of
// the filtered set.
func (r *TransactionRepo) List(ctx context.Context, f ledger.Filter) ([]*models.Transaction, int, error) {
	where, args := listWhere(f)

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT count(*) FROM transactions t WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	args = append(args, f.Limit, f.Offset)
	q := fmt.Sprintf(`SELECT %s %s WHERE %s ORDER BY t.created_at DESC, t.id DESC LIMIT $%d OFFSET $%d`,
		transactionColumns, transactionFrom, where, len(args)-1, len(args))
	rows, err := r.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, 0, err
	}
	list, err := pgx.CollectRows(rows, scanTransaction)
	if err != nil {
		return nil, 0, err
	}
	return list, total, nil
}

func listWhere(f ledger.Filter) (string, []any) {
	conds := []string{"t.account_id = $1"}
	args := []any{f.AccountID}
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.Search != "" {
		add("(t.description ILIKE $%[1]d OR t.reference ILIKE $%[1]d)", "%"+escapeLike(f.Search)+"%")
	}
	if f.Category != "" {
		add("t.category = $%d", f.Category)
	}
	if f.Direction != "" {
		add("t.direction = $%d", f.Direction)
	}
	if f.From != nil {
		add("t.created_at >= $%d", *f.From)
	}
	if f.To != nil {
		add("t.created_at < $%d", *f.To)
	}
	return strings.Join(conds, " AND "), args
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string { return likeEscaper.Replace(s) }

// SumCredits totals accountID's credits per category with created_at in [from, to).
func (r *TransactionRepo) SumCredits(ctx context.Context, accountID uuid.UUID, from, to *time.Time) (map[models.Category]decimal.Decimal, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT category, COALESCE(SUM(amount), 0)
		FROM transactions
		WHERE account_id = $1 AND direction = 'credit'
			AND ($2::timestamptz IS NULL OR created_at >= $2)
			AND ($3::timestamptz IS NULL OR created_at < $3)
		GROUP BY category
	`, accountID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[models.Category]decimal.Decimal)
	for rows.Next() {
		var c models.Category
		var sum decimal.Decimal
		if err := rows.Scan(&c, &sum); err != nil {
			return nil, err
		}
		out[c] = sum
	}
	return out, rows.Err()
}
