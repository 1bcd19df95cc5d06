// Package tasks coordinates the payments of advertiser tasks: the upfront debit when
// a task is created, deferred settlement, per-submission rewards and the refund of
// unused slots when a task is closed.
package tasks

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
)

// Store is the task persistence. Lookups return pgx.ErrNoRows for unknown tasks.
type Store interface {
	Create(ctx context.Context, t *models.Task) error
	CreateTx(ctx context.Context, tx pgx.Tx, t *models.Task) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Task, error)
	GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Task, error)
	UpdateState(ctx context.Context, tx pgx.Tx, t *models.Task) error
	ListByAdvertiser(ctx context.Context, advertiserID uuid.UUID) ([]*models.Task, error)
	// InsertCompletion reports false when the submission was already recorded.
	InsertCompletion(ctx context.Context, tx pgx.Tx, c *models.TaskCompletion) (bool, error)
	HasCompletion(ctx context.Context, submissionID string) (bool, error)
}

// InsertSettleTxFunc enqueues a settlement job within the given transaction. Provided
// by main as a closure over river.Client.InsertTx.
type InsertSettleTxFunc func(ctx context.Context, tx pgx.Tx, args SettleTaskPaymentArgs) error

var (
	errDuplicateSubmission = errors.New("submission already paid")
	errAlreadySettled      = errors.New("task payment already settled")
	errTaskChanged         = errors.New("task changed while closing")
)

// closeAttempts bounds how often CloseTask recomputes its refund when approvals race it.
const closeAttempts = 3

type Coordinator struct {
	ledger       *ledger.Service
	db           ledger.TxBeginner
	store        Store
	insertSettle InsertSettleTxFunc
	feePercent   decimal.Decimal
	log          *slog.Logger
}

// NewCoordinator creates the coordinator. feePercent applies to tasks created from now
// on; existing tasks keep the percentage stored with them.
func NewCoordinator(l *ledger.Service, db ledger.TxBeginner, store Store, insertSettle InsertSettleTxFunc, feePercent decimal.Decimal, log *slog.Logger) *Coordinator {
	if log == nil {
		log = slog.Default()
	}
	return &Coordinator{ledger: l, db: db, store: store, insertSettle: insertSettle, feePercent: feePercent, log: log}
}

func taskRef(id uuid.UUID) string {
	return "TASK-" + strings.ToUpper(id.String()[:8])
}

// Breakdown recomputes the cost breakdown of a stored task.
func Breakdown(t *models.Task) (ledger.TaskBreakdown, error) {
	return ledger.ComputeTaskBreakdown(t.RateToUser, t.LimitCount, t.FeePercent)
}

type CreateTaskParams struct {
	AdvertiserID uuid.UUID
	Title        string
	RateToUser   decimal.Decimal
	LimitCount   int
}

type CreateTaskResult struct {
	Task        *models.Task
	Breakdown   ledger.TaskBreakdown
	Transaction *models.Transaction // nil when deferred
	Deferred    bool
}

// CreateTask charges the advertiser the full task cost. When funds are short the task
// is still created, in pending_payment with a deferred payment and no ledger entry.
func (c *Coordinator) CreateTask(ctx context.Context, p CreateTaskParams) (*CreateTaskResult, error) {
	title := strings.TrimSpace(p.Title)
	if title == "" {
		return nil, fmt.Errorf("%w: title is required", ledger.ErrValidation)
	}
	b, err := ledger.ComputeTaskBreakdown(p.RateToUser, p.LimitCount, c.feePercent)
	if err != nil {
		return nil, err
	}
	adv, err := c.ledger.GetAccount(ctx, p.AdvertiserID)
	if err != nil {
		return nil, err
	}
	if adv.Role != models.RoleAdvertiser {
		return nil, fmt.Errorf("%w: only advertisers create tasks", ledger.ErrValidation)
	}
	task := &models.Task{
		ID:            uuid.New(),
		AdvertiserID:  p.AdvertiserID,
		Title:         title,
		RateToUser:    p.RateToUser,
		FeePercent:    c.feePercent,
		LimitCount:    p.LimitCount,
		Status:        models.TaskStatusActive,
		PaymentStatus: models.PaymentStatusPaid,
	}
	res, err := c.ledger.Debit(ctx, ledger.DebitRequest{
		AccountID:       p.AdvertiserID,
		Amount:          b.TotalCost,
		Category:        models.CategoryAdvertiserPayment,
		Description:     "Task payment: " + title,
		Reference:       taskRef(task.ID),
		TaskID:          &task.ID,
		DeferredAllowed: true,
		After: func(ctx context.Context, tx pgx.Tx, _ []*models.Transaction) error {
			return c.store.CreateTx(ctx, tx, task)
		},
	})
	if err != nil {
		return nil, err
	}
	if res.Deferred {
		task.Status = models.TaskStatusPendingPayment
		task.PaymentStatus = models.PaymentStatusDeferred
		if err := c.store.Create(ctx, task); err != nil {
			return nil, err
		}
	}
	c.log.Info("task created", "task_id", task.ID, "advertiser_id", task.AdvertiserID,
		"total_cost", b.TotalCost.StringFixed(2), "deferred", res.Deferred)
	return &CreateTaskResult{Task: task, Breakdown: b, Transaction: res.Transaction, Deferred: res.Deferred}, nil
}

// GetTask returns the task with its cost breakdown.
func (c *Coordinator) GetTask(ctx context.Context, id uuid.UUID) (*models.Task, ledger.TaskBreakdown, error) {
	t, err := c.getTask(ctx, id)
	if err != nil {
		return nil, ledger.TaskBreakdown{}, err
	}
	b, err := Breakdown(t)
	if err != nil {
		return nil, ledger.TaskBreakdown{}, err
	}
	return t, b, nil
}

func (c *Coordinator) ListTasks(ctx context.Context, advertiserID uuid.UUID) ([]*models.Task, error) {
	return c.store.ListByAdvertiser(ctx, advertiserID)
}

func (c *Coordinator) getTask(ctx context.Context, id uuid.UUID) (*models.Task, error) {
	t, err := c.store.GetByID(ctx, id)
	if err != nil {
		return nil, taskNotFound(err, id)
	}
	return t, nil
}

func taskNotFound(err error, id uuid.UUID) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: task %s", models.ErrNotFound, id)
	}
	return err
}

// ApproveTaskPayment schedules settlement of a deferred task payment.
func (c *Coordinator) ApproveTaskPayment(ctx context.Context, id uuid.UUID) error {
	t, err := c.getTask(ctx, id)
	if err != nil {
		return err
	}
	if t.Status != models.TaskStatusPendingPayment {
		return fmt.Errorf("%w: task payment is %s", models.ErrStateConflict, t.PaymentStatus)
	}
	tx, err := c.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	if err := c.insertSettle(ctx, tx, SettleTaskPaymentArgs{TaskID: id}); err != nil {
		return fmt.Errorf("enqueue settlement: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	c.log.Info("task payment settlement scheduled", "task_id", id)
	return nil
}

type SettleResult struct {
	Task        *models.Task
	Transaction *models.Transaction
	Deferred    bool
	// Skipped is set when the task no longer awaits payment.
	Skipped bool
}

// SettlePayment retries the debit of a pending_payment task and activates it on
// success. Funds still short yield Deferred.
func (c *Coordinator) SettlePayment(ctx context.Context, id uuid.UUID) (*SettleResult, error) {
	task, err := c.getTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if task.Status != models.TaskStatusPendingPayment {
		return &SettleResult{Task: task, Skipped: true}, nil
	}
	b, err := Breakdown(task)
	if err != nil {
		return nil, err
	}
	res, err := c.ledger.Debit(ctx, ledger.DebitRequest{
		AccountID:       task.AdvertiserID,
		Amount:          b.TotalCost,
		Category:        models.CategoryAdvertiserPayment,
		Description:     "Task payment: " + task.Title,
		Reference:       taskRef(task.ID),
		TaskID:          &task.ID,
		DeferredAllowed: true,
		After: func(ctx context.Context, tx pgx.Tx, _ []*models.Transaction) error {
			locked, err := c.store.GetByIDForUpdate(ctx, tx, id)
			if err != nil {
				return taskNotFound(err, id)
			}
			if locked.Status != models.TaskStatusPendingPayment {
				return errAlreadySettled
			}
			locked.Status = models.TaskStatusActive
			locked.PaymentStatus = models.PaymentStatusPaid
			if err := c.store.UpdateState(ctx, tx, locked); err != nil {
				return err
			}
			task = locked
			return nil
		},
	})
	if errors.Is(err, errAlreadySettled) {
		return &SettleResult{Task: task, Skipped: true}, nil
	}
	if err != nil {
		return nil, err
	}
	if res.Deferred {
		return &SettleResult{Task: task, Deferred: true}, nil
	}
	c.log.Info("task payment settled", "task_id", id, "transaction_id", res.Transaction.ID)
	return &SettleResult{Task: task, Transaction: res.Transaction}, nil
}

type ApproveParams struct {
	TaskID       uuid.UUID
	SubmissionID string
	UserID       uuid.UUID
	// After runs inside the payment transaction.
	After ledger.TxFunc
}

type ApproveResult struct {
	Task   *models.Task
	Reward *models.Transaction
	Fee    *models.Transaction // nil for tasks created with a zero fee
	// Duplicate is set when the submission had already been paid; nothing was written.
	Duplicate bool
}

// ApproveSubmission pays the user the task rate and accrues the per-completion fee to
// the platform, in one transaction. A submission is paid at most once.
func (c *Coordinator) ApproveSubmission(ctx context.Context, p ApproveParams) (*ApproveResult, error) {
	subID := strings.TrimSpace(p.SubmissionID)
	if subID == "" {
		return nil, fmt.Errorf("%w: submissionId is required", ledger.ErrValidation)
	}
	task, err := c.getTask(ctx, p.TaskID)
	if err != nil {
		return nil, err
	}
	if paid, err := c.store.HasCompletion(ctx, subID); err != nil {
		return nil, err
	} else if paid {
		return &ApproveResult{Task: task, Duplicate: true}, nil
	}
	if err := checkOpen(task); err != nil {
		return nil, err
	}
	user, err := c.ledger.GetAccount(ctx, p.UserID)
	if err != nil {
		return nil, err
	}
	if user.Role != models.RoleUser {
		return nil, fmt.Errorf("%w: rewards are paid to users only", ledger.ErrValidation)
	}
	b, err := Breakdown(task)
	if err != nil {
		return nil, err
	}
	entries := []ledger.Entry{{
		AccountID:   p.UserID,
		Direction:   models.Credit,
		Category:    models.CategoryUserReward,
		Amount:      task.RateToUser,
		Description: "Task reward: " + task.Title,
		Reference:   subID,
		TaskID:      &task.ID,
	}}
	if fee := b.FeePerCompletion(); fee.IsPositive() {
		entries = append(entries, ledger.Entry{
			AccountID:   models.PlatformAccountID,
			Direction:   models.Credit,
			Category:    models.CategoryAdvertiserPayment,
			Amount:      fee,
			Description: "Platform fee: " + task.Title,
			Reference:   subID,
			TaskID:      &task.ID,
		})
	}
	txns, err := c.ledger.Post(ctx, ledger.Posting{
		Entries: entries,
		After: func(ctx context.Context, tx pgx.Tx, txns []*models.Transaction) error {
			locked, err := c.store.GetByIDForUpdate(ctx, tx, task.ID)
			if err != nil {
				return taskNotFound(err, task.ID)
			}
			if err := checkOpen(locked); err != nil {
				return err
			}
			inserted, err := c.store.InsertCompletion(ctx, tx, &models.TaskCompletion{
				SubmissionID: subID, TaskID: task.ID, UserID: p.UserID,
			})
			if err != nil {
				return err
			}
			if !inserted {
				return errDuplicateSubmission
			}
			locked.ApprovedCount++
			if locked.ApprovedCount >= locked.LimitCount {
				locked.Status = models.TaskStatusCompleted
			}
			if err := c.store.UpdateState(ctx, tx, locked); err != nil {
				return err
			}
			if p.After != nil {
				if err := p.After(ctx, tx, txns); err != nil {
					return err
				}
			}
			task = locked
			return nil
		},
	})
	if errors.Is(err, errDuplicateSubmission) {
		return &ApproveResult{Task: task, Duplicate: true}, nil
	}
	if err != nil {
		return nil, err
	}
	res := &ApproveResult{Task: task, Reward: txns[0]}
	if len(txns) > 1 {
		res.Fee = txns[1]
	}
	c.log.Info("submission approved", "task_id", task.ID, "submission_id", subID,
		"approved", task.ApprovedCount, "limit", task.LimitCount)
	return res, nil
}

func checkOpen(t *models.Task) error {
	if t.Status != models.TaskStatusActive {
		return fmt.Errorf("%w: task is %s", models.ErrStateConflict, t.Status)
	}
	if t.ApprovedCount >= t.LimitCount {
		return fmt.Errorf("%w: task completion limit reached", models.ErrStateConflict)
	}
	return nil
}

// RejectSubmission has no ledger effect; it is recorded in the log only.
func (c *Coordinator) RejectSubmission(ctx context.Context, taskID uuid.UUID, submissionID, reason string) error {
	if _, err := c.getTask(ctx, taskID); err != nil {
		return err
	}
	c.log.Info("submission rejected", "task_id", taskID, "submission_id", submissionID, "reason", reason)
	return nil
}

type CloseParams struct {
	TaskID uuid.UUID
	// After runs inside the closing transaction.
	After ledger.TxFunc
}

type CloseResult struct {
	Task   *models.Task
	Refund *models.Transaction // nil when nothing was refunded
}

// CloseTask stops a task and refunds the advertiser the cost of every unused slot.
// An unpaid task is cancelled without a ledger entry.
func (c *Coordinator) CloseTask(ctx context.Context, p CloseParams) (*CloseResult, error) {
	for attempt := 1; attempt <= closeAttempts; attempt++ {
		res, err := c.closeOnce(ctx, p)
		if !errors.Is(err, errTaskChanged) {
			return res, err
		}
		c.log.Warn("task changed while closing", "task_id", p.TaskID, "attempt", attempt)
	}
	return nil, fmt.Errorf("%w: task %s kept changing while closing", ledger.ErrConcurrencyConflict, p.TaskID)
}

func (c *Coordinator) closeOnce(ctx context.Context, p CloseParams) (*CloseResult, error) {
	task, err := c.getTask(ctx, p.TaskID)
	if err != nil {
		return nil, err
	}
	switch task.Status {
	case models.TaskStatusCompleted, models.TaskStatusCancelled:
		return nil, fmt.Errorf("%w: task is already %s", models.ErrStateConflict, task.Status)
	case models.TaskStatusPendingPayment:
		return c.closeWithoutRefund(ctx, task, models.TaskStatusCancelled, p.After)
	}
	remaining := task.Remaining()
	if remaining == 0 {
		return c.closeWithoutRefund(ctx, task, models.TaskStatusCompleted, p.After)
	}
	b, err := Breakdown(task)
	if err != nil {
		return nil, err
	}
	refund := b.AdvertiserCost.Mul(decimal.NewFromInt(int64(remaining)))
	seen := *task
	txn, err := c.ledger.Credit(ctx, ledger.CreditRequest{
		AccountID:   task.AdvertiserID,
		Amount:      refund,
		Category:    models.CategoryAdvertiserPayment,
		Description: fmt.Sprintf("Refund for %d unused completions: %s", remaining, task.Title),
		Reference:   taskRef(task.ID),
		TaskID:      &task.ID,
		After: func(ctx context.Context, tx pgx.Tx, txns []*models.Transaction) error {
			locked, err := c.store.GetByIDForUpdate(ctx, tx, task.ID)
			if err != nil {
				return taskNotFound(err, task.ID)
			}
			if locked.Status != seen.Status || locked.ApprovedCount != seen.ApprovedCount {
				return errTaskChanged
			}
			locked.Status = models.TaskStatusCancelled
			if locked.ApprovedCount > 0 {
				locked.Status = models.TaskStatusCompleted
			}
			locked.PaymentStatus = models.PaymentStatusRefunded
			if err := c.store.UpdateState(ctx, tx, locked); err != nil {
				return err
			}
			if p.After != nil {
				if err := p.After(ctx, tx, txns); err != nil {
					return err
				}
			}
			task = locked
			return nil
		},
	})
	if err != nil {
		return nil, err
	}
	c.log.Info("task closed", "task_id", task.ID, "refund", refund.StringFixed(2), "status", task.Status)
	return &CloseResult{Task: task, Refund: txn}, nil
}

func (c *Coordinator) closeWithoutRefund(ctx context.Context, task *models.Task, status string, after ledger.TxFunc) (*CloseResult, error) {
	tx, err := c.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)
	locked, err := c.store.GetByIDForUpdate(ctx, tx, task.ID)
	if err != nil {
		return nil, taskNotFound(err, task.ID)
	}
	if locked.Status != task.Status || locked.ApprovedCount != task.ApprovedCount {
		return nil, errTaskChanged
	}
	locked.Status = status
	if err := c.store.UpdateState(ctx, tx, locked); err != nil {
		return nil, err
	}
	if after != nil {
		if err := after(ctx, tx, nil); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	c.log.Info("task closed", "task_id", task.ID, "status", status)
	return &CloseResult{Task: locked}, nil
}

// CanContinue reports whether the advertiser's balance covers at least one more
// completion at the task's advertiser cost.
func (c *Coordinator) CanContinue(ctx context.Context, id uuid.UUID) (bool, ledger.TaskBreakdown, error) {
	t, b, err := c.GetTask(ctx, id)
	if err != nil {
		return false, b, err
	}
	ok, err := c.ledger.CanCover(ctx, t.AdvertiserID, b.AdvertiserCost)
	return ok, b, err
}
