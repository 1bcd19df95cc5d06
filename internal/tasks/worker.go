package tasks

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/riverqueue/river"

	"github.com/taskpay/backend/internal/models"
)

type SettleTaskPaymentArgs struct {
	TaskID uuid.UUID `json:"task_id"`
}

func (SettleTaskPaymentArgs) Kind() string { return "settle_task_payment" }

// InsertOpts keeps one pending settlement per task.
func (SettleTaskPaymentArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{UniqueOpts: river.UniqueOpts{ByArgs: true}}
}

// Settler is what the worker needs from the coordinator.
type Settler interface {
	SettlePayment(ctx context.Context, id uuid.UUID) (*SettleResult, error)
}

// SettleTaskPaymentWorker retries a deferred task payment, snoozing while the
// advertiser's balance is still short.
type SettleTaskPaymentWorker struct {
	river.WorkerDefaults[SettleTaskPaymentArgs]
	settler       Settler
	retryInterval time.Duration
	log           *slog.Logger
}

func NewSettleTaskPaymentWorker(s Settler, retryInterval time.Duration, log *slog.Logger) *SettleTaskPaymentWorker {
	if log == nil {
		log = slog.Default()
	}
	return &SettleTaskPaymentWorker{settler: s, retryInterval: retryInterval, log: log}
}

func (w *SettleTaskPaymentWorker) Work(ctx context.Context, job *river.Job[SettleTaskPaymentArgs]) error {
	res, err := w.settler.SettlePayment(ctx, job.Args.TaskID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return river.JobCancel(err)
		}
		return err
	}
	if res.Deferred {
		w.log.Info("task payment still deferred", "task_id", job.Args.TaskID, "attempt", job.Attempt, "retry_in", w.retryInterval)
		return river.JobSnooze(w.retryInterval)
	}
	return nil
}
