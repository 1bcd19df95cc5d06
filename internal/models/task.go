package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Task lifecycle status.
const (
	TaskStatusPendingPayment = "pending_payment"
	TaskStatusActive         = "active"
	TaskStatusCompleted      = "completed"
	TaskStatusCancelled      = "cancelled"
)

// Task payment status.
const (
	PaymentStatusPaid     = "paid"
	PaymentStatusDeferred = "deferred"
	PaymentStatusRefunded = "refunded"
)

// Task is the payment-relevant part of an advertiser task.
type Task struct {
	ID            uuid.UUID       `json:"id"`
	AdvertiserID  uuid.UUID       `json:"advertiserId"`
	Title         string          `json:"title"`
	RateToUser    decimal.Decimal `json:"rateToUser"`
	FeePercent    decimal.Decimal `json:"feePercent"` // fixed at creation
	LimitCount    int             `json:"limitCount"`
	ApprovedCount int             `json:"approvedCount"`
	Status        string          `json:"status"`
	PaymentStatus string          `json:"paymentStatus"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// IsOpen reports whether submissions can still be paid against the task.
func (t *Task) IsOpen() bool { return t.Status == TaskStatusActive && t.ApprovedCount < t.LimitCount }

// Remaining is the number of completions still payable.
func (t *Task) Remaining() int {
	if r := t.LimitCount - t.ApprovedCount; r > 0 {
		return r
	}
	return 0
}

// TaskCompletion records one paid submission so a submission is never paid twice.
type TaskCompletion struct {
	SubmissionID string    `json:"submissionId"`
	TaskID       uuid.UUID `json:"taskId"`
	UserID       uuid.UUID `json:"userId"`
	CreatedAt    time.Time `json:"createdAt"`
}
