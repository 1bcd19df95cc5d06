package tasks

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/taskpay/backend/internal/accounts"
	"github.com/taskpay/backend/internal/httputil"
	"github.com/taskpay/backend/internal/ledger"
	"github.com/taskpay/backend/internal/middleware"
	"github.com/taskpay/backend/internal/models"
	"github.com/taskpay/backend/internal/money"
)

type CreateTaskRequest struct {
	Title      string       `json:"title" validate:"required,max=200"`
	RateToUser money.Amount `json:"rateToUser"`
	LimitCount int          `json:"limitCount" validate:"required,gt=0"`
}

type BreakdownResponse struct {
	RateToUser     money.Amount `json:"rateToUser"`
	LimitCount     int          `json:"limitCount"`
	AdvertiserCost money.Amount `json:"advertiserCost"`
	TotalCost      money.Amount `json:"totalCost"`
	PlatformFee    money.Amount `json:"platformFee"`
}

func NewBreakdownResponse(b ledger.TaskBreakdown) BreakdownResponse {
	return BreakdownResponse{
		RateToUser:     money.NewAmount(b.RateToUser),
		LimitCount:     b.LimitCount,
		AdvertiserCost: money.NewAmount(b.AdvertiserCost),
		TotalCost:      money.NewAmount(b.TotalCost),
		PlatformFee:    money.NewAmount(b.PlatformFee),
	}
}

type TaskResponse struct {
	ID            uuid.UUID         `json:"id"`
	AdvertiserID  uuid.UUID         `json:"advertiserId"`
	Title         string            `json:"title"`
	Status        string            `json:"status"`
	PaymentStatus string            `json:"paymentStatus"`
	ApprovedCount int               `json:"approvedCount"`
	FeePercent    string            `json:"feePercent"`
	Breakdown     BreakdownResponse `json:"breakdown"`
	CreatedAt     time.Time         `json:"createdAt"`
}

func NewTaskResponse(t *models.Task, b ledger.TaskBreakdown) TaskResponse {
	return TaskResponse{
		ID:            t.ID,
		AdvertiserID:  t.AdvertiserID,
		Title:         t.Title,
		Status:        t.Status,
		PaymentStatus: t.PaymentStatus,
		ApprovedCount: t.ApprovedCount,
		FeePercent:    t.FeePercent.String(),
		Breakdown:     NewBreakdownResponse(b),
		CreatedAt:     t.CreatedAt,
	}
}

type CreateTaskResponse struct {
	Task        TaskResponse              `json:"task"`
	Deferred    bool                      `json:"paymentDeferred"`
	Message     string                    `json:"message,omitempty"`
	Transaction *accounts.TransactionItem `json:"transaction,omitempty"`
}

type CanContinueResponse struct {
	CanContinue    bool         `json:"canContinue"`
	AdvertiserCost money.Amount `json:"advertiserCost"`
}

type Handler struct {
	c   *Coordinator
	log *slog.Logger
}

func NewHandler(c *Coordinator, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{c: c, log: log}
}

func (h *Handler) CreateTask(w http.ResponseWriter, r *http.Request) {
	advertiserID := middleware.AccountIDFromCtx(r.Context())
	if advertiserID == uuid.Nil {
		httputil.WriteError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req CreateTaskRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteServiceError(w, err)
		return
	}
	res, err := h.c.CreateTask(r.Context(), CreateTaskParams{
		AdvertiserID: advertiserID,
		Title:        req.Title,
		RateToUser:   req.RateToUser.Decimal(),
		LimitCount:   req.LimitCount,
	})
	if err != nil {
		h.fail(w, "create task failed", err)
		return
	}
	resp := CreateTaskResponse{Task: NewTaskResponse(res.Task, res.Breakdown), Deferred: res.Deferred}
	if res.Deferred {
		resp.Message = "Insufficient wallet balance. The task was created and its payment is deferred until your wallet is topped up."
	}
	if res.Transaction != nil {
		item := accounts.NewTransactionItem(res.Transaction)
		resp.Transaction = &item
	}
	httputil.WriteJSON(w, http.StatusCreated, resp)
}

func (h *Handler) ListTasks(w http.ResponseWriter, r *http.Request) {
	advertiserID := middleware.AccountIDFromCtx(r.Context())
	list, err := h.c.ListTasks(r.Context(), advertiserID)
	if err != nil {
		h.fail(w, "list tasks failed", err)
		return
	}
	out := make([]TaskResponse, 0, len(list))
	for _, t := range list {
		b, err := Breakdown(t)
		if err != nil {
			h.fail(w, "list tasks failed", err)
			return
		}
		out = append(out, NewTaskResponse(t, b))
	}
	httputil.WriteJSON(w, http.StatusOK, out)
}

func (h *Handler) GetTask(w http.ResponseWriter, r *http.Request) {
	t, b, ok := h.ownedTask(w, r)
	if !ok {
		return
	}
	httputil.WriteJSON(w, http.StatusOK, NewTaskResponse(t, b))
}

func (h *Handler) CloseTask(w http.ResponseWriter, r *http.Request) {
	t, _, ok := h.ownedTask(w, r)
	if !ok {
		return
	}
	res, err := h.c.CloseTask(r.Context(), CloseParams{TaskID: t.ID})
	if err != nil {
		h.fail(w, "close task failed", err)
		return
	}
	b, _ := Breakdown(res.Task)
	body := struct {
		Task   TaskResponse              `json:"task"`
		Refund *accounts.TransactionItem `json:"refund,omitempty"`
	}{Task: NewTaskResponse(res.Task, b)}
	if res.Refund != nil {
		item := accounts.NewTransactionItem(res.Refund)
		body.Refund = &item
	}
	httputil.WriteJSON(w, http.StatusOK, body)
}

func (h *Handler) CanContinue(w http.ResponseWriter, r *http.Request) {
	t, _, ok := h.ownedTask(w, r)
	if !ok {
		return
	}
	can, b, err := h.c.CanContinue(r.Context(), t.ID)
	if err != nil {
		h.fail(w, "can-continue check failed", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, CanContinueResponse{CanContinue: can, AdvertiserCost: money.NewAmount(b.AdvertiserCost)})
}

// ApprovePayment is the admin action that schedules settlement of a deferred payment.
func (h *Handler) ApprovePayment(w http.ResponseWriter, r *http.Request) {
	id, err := httputil.PathUUID(r, "id")
	if err != nil {
		httputil.WriteServiceError(w, err)
		return
	}
	if err := h.c.ApproveTaskPayment(r.Context(), id); err != nil {
		h.fail(w, "approve task payment failed", err)
		return
	}
	httputil.WriteJSON(w, http.StatusAccepted, map[string]string{"status": "scheduled"})
}

// ownedTask loads the {id} task. Advertisers only see their own tasks; admins see all.
// Foreign tasks are reported as not found.
func (h *Handler) ownedTask(w http.ResponseWriter, r *http.Request) (*models.Task, ledger.TaskBreakdown, bool) {
	id, err := httputil.PathUUID(r, "id")
	if err != nil {
		httputil.WriteServiceError(w, err)
		return nil, ledger.TaskBreakdown{}, false
	}
	t, b, err := h.c.GetTask(r.Context(), id)
	if err != nil {
		h.fail(w, "get task failed", err)
		return nil, b, false
	}
	p, _ := middleware.PrincipalFromCtx(r.Context())
	if p.Role != models.RoleAdmin && p.AccountID != t.AdvertiserID {
		httputil.WriteError(w, http.StatusNotFound, "task not found")
		return nil, b, false
	}
	return t, b, true
}

func (h *Handler) fail(w http.ResponseWriter, msg string, err error) {
	if status := httputil.WriteServiceError(w, err); status >= http.StatusInternalServerError {
		h.log.Error(msg, "error", err)
	}
}
