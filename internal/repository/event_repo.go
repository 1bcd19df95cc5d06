package repository

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// EventRepo remembers which workflow events have been applied.
type EventRepo struct {
	pool *pgxpool.Pool
}

func NewEventRepo(pool *pgxpool.Pool) *EventRepo {
	return &EventRepo{pool: pool}
}

// MarkProcessed records the event inside tx. It reports false if the event was seen before.
func (r *EventRepo) MarkProcessed(ctx context.Context, tx pgx.Tx, id, eventType string) (bool, error) {
	tag, err := tx.Exec(ctx, `
		INSERT INTO workflow_events (id, type) VALUES ($1, $2)
		ON CONFLICT (id) DO NOTHING
	`, id, eventType)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// Seen reports whether the event has already been applied.
func (r *EventRepo) Seen(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM workflow_events WHERE id = $1)`, id).Scan(&exists)
	return exists, err
}
