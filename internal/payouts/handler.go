package payouts

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/taskpay/backend/internal/accounts"
	"github.com/taskpay/backend/internal/httputil"
	"github.com/taskpay/backend/internal/middleware"
	"github.com/taskpay/backend/internal/models"
	"github.com/taskpay/backend/internal/money"
)

type RequestPayoutRequest struct {
	Amount money.Amount `json:"amount"`
	Note   string       `json:"note" validate:"max=500"`
}

type RejectPayoutRequest struct {
	Reason string `json:"reason" validate:"required"`
}

type PayoutResponse struct {
	ID            uuid.UUID    `json:"id"`
	UserID        uuid.UUID    `json:"userId"`
	Amount        money.Amount `json:"amount"`
	Status        string       `json:"status"`
	Note          string       `json:"note,omitempty"`
	ReviewedBy    *uuid.UUID   `json:"reviewedBy,omitempty"`
	TransactionID *uuid.UUID   `json:"transactionId,omitempty"`
	CreatedAt     time.Time    `json:"createdAt"`
}

func NewPayoutResponse(p *models.PayoutRequest) PayoutResponse {
	return PayoutResponse{
		ID:            p.ID,
		UserID:        p.UserID,
		Amount:        money.NewAmount(p.Amount),
		Status:        p.Status,
		Note:          p.Note,
		ReviewedBy:    p.ReviewedBy,
		TransactionID: p.TransactionID,
		CreatedAt:     p.CreatedAt,
	}
}

type Handler struct {
	svc *Service
	log *slog.Logger
}

func NewHandler(svc *Service, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{svc: svc, log: log}
}

func (h *Handler) RequestPayout(w http.ResponseWriter, r *http.Request) {
	userID := middleware.AccountIDFromCtx(r.Context())
	if userID == uuid.Nil {
		httputil.WriteError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req RequestPayoutRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteServiceError(w, err)
		return
	}
	p, err := h.svc.RequestPayout(r.Context(), userID, req.Amount.Decimal(), req.Note)
	if err != nil {
		h.fail(w, "request payout failed", err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, NewPayoutResponse(p))
}

func (h *Handler) ListMine(w http.ResponseWriter, r *http.Request) {
	list, err := h.svc.ListForUser(r.Context(), middleware.AccountIDFromCtx(r.Context()))
	if err != nil {
		h.fail(w, "list payouts failed", err)
		return
	}
	writeList(w, list)
}

func (h *Handler) ListPending(w http.ResponseWriter, r *http.Request) {
	list, err := h.svc.ListPending(r.Context())
	if err != nil {
		h.fail(w, "list payouts failed", err)
		return
	}
	writeList(w, list)
}

func (h *Handler) Approve(w http.ResponseWriter, r *http.Request) {
	id, err := httputil.PathUUID(r, "id")
	if err != nil {
		httputil.WriteServiceError(w, err)
		return
	}
	p, txn, err := h.svc.ApprovePayout(r.Context(), id, middleware.AccountIDFromCtx(r.Context()))
	if err != nil {
		h.fail(w, "approve payout failed", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, struct {
		Payout      PayoutResponse           `json:"payout"`
		Transaction accounts.TransactionItem `json:"transaction"`
	}{NewPayoutResponse(p), accounts.NewTransactionItem(txn)})
}

func (h *Handler) Reject(w http.ResponseWriter, r *http.Request) {
	id, err := httputil.PathUUID(r, "id")
	if err != nil {
		httputil.WriteServiceError(w, err)
		return
	}
	var req RejectPayoutRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteServiceError(w, err)
		return
	}
	p, err := h.svc.RejectPayout(r.Context(), id, middleware.AccountIDFromCtx(r.Context()), req.Reason)
	if err != nil {
		h.fail(w, "reject payout failed", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, NewPayoutResponse(p))
}

func writeList(w http.ResponseWriter, list []*models.PayoutRequest) {
	out := make([]PayoutResponse, 0, len(list))
	for _, p := range list {
		out = append(out, NewPayoutResponse(p))
	}
	httputil.WriteJSON(w, http.StatusOK, out)
}

func (h *Handler) fail(w http.ResponseWriter, msg string, err error) {
	if status := httputil.WriteServiceError(w, err); status >= http.StatusInternalServerError {
		h.log.Error(msg, "error", err)
	}
}
