// Package dashboard serves the admin back office: balance adjustments, revenue,
// account history and account moderation.
package dashboard

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

type AdjustRequest struct {
	UserID    uuid.UUID        `json:"userId" validate:"required"`
	Type      models.Direction `json:"type" validate:"required,oneof=credit debit"`
	Amount    money.Amount     `json:"amount"`
	Note      string           `json:"note"`
	Reference string           `json:"reference" validate:"max=128"`
}

type SuspendRequest struct {
	Suspended bool   `json:"suspended"`
	Reason    string `json:"reason" validate:"max=500"`
}

type KYCReviewRequest struct {
	Status string `json:"status" validate:"required,oneof=verified rejected"`
	Note   string `json:"note" validate:"max=500"`
}

type Revenue struct {
	KYCRevenue          money.Amount `json:"kycRevenue"`
	ReactivationRevenue money.Amount `json:"reactivationRevenue"`
	TaskPlatformFees    money.Amount `json:"taskPlatformFees"`
	TotalRevenue        money.Amount `json:"totalRevenue"`
}

type PeriodRevenue struct {
	Revenue
	Period ledger.Period `json:"period"`
	From   *time.Time    `json:"from,omitempty"`
	To     *time.Time    `json:"to,omitempty"`
}

// RevenueResponse carries all-time revenue plus the window selected by revenuePeriod.
type RevenueResponse struct {
	Revenue
	PeriodRevenue PeriodRevenue `json:"periodRevenue"`
}

func newRevenue(s *ledger.RevenueSummary) Revenue {
	return Revenue{
		KYCRevenue:          money.NewAmount(s.KYCRevenue),
		ReactivationRevenue: money.NewAmount(s.ReactivationRevenue),
		TaskPlatformFees:    money.NewAmount(s.TaskPlatformFees),
		TotalRevenue:        money.NewAmount(s.TotalRevenue),
	}
}

type Handler struct {
	ledger   *ledger.Service
	accounts *accounts.Service
	log      *slog.Logger
}

func NewHandler(l *ledger.Service, accts *accounts.Service, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{ledger: l, accounts: accts, log: log}
}

// POST /api/v1/admin/wallet/adjust
func (h *Handler) AdjustWallet(w http.ResponseWriter, r *http.Request) {
	adminID := middleware.AccountIDFromCtx(r.Context())
	var req AdjustRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteServiceError(w, err)
		return
	}
	txn, err := h.ledger.AdjustBalance(r.Context(), ledger.AdjustRequest{
		AccountID: req.UserID,
		Direction: req.Type,
		Amount:    req.Amount.Decimal(),
		Note:      req.Note,
		Reference: req.Reference,
		ActorID:   adminID,
	})
	if err != nil {
		h.fail(w, "wallet adjustment failed", err)
		return
	}
	h.log.Info("wallet adjusted", "admin_id", adminID, "account_id", req.UserID, "type", req.Type,
		"amount", money.Format(txn.Amount))
	httputil.WriteJSON(w, http.StatusOK, accounts.NewTransactionItem(txn))
}

// GET /api/v1/admin/revenue?revenuePeriod=all|monthly|weekly
func (h *Handler) Revenue(w http.ResponseWriter, r *http.Request) {
	period, err := ledger.ParsePeriod(r.URL.Query().Get("revenuePeriod"))
	if err != nil {
		httputil.WriteServiceError(w, err)
		return
	}
	total, err := h.ledger.ComputeRevenueSummary(r.Context(), ledger.PeriodAll)
	if err != nil {
		h.fail(w, "revenue summary failed", err)
		return
	}
	scoped := total
	if period != ledger.PeriodAll {
		if scoped, err = h.ledger.ComputeRevenueSummary(r.Context(), period); err != nil {
			h.fail(w, "revenue summary failed", err)
			return
		}
	}
	httputil.WriteJSON(w, http.StatusOK, RevenueResponse{
		Revenue: newRevenue(total),
		PeriodRevenue: PeriodRevenue{
			Revenue: newRevenue(scoped),
			Period:  scoped.Period,
			From:    scoped.From,
			To:      scoped.To,
		},
	})
}

// GET /api/v1/admin/accounts/{id}/wallet
func (h *Handler) AccountWallet(w http.ResponseWriter, r *http.Request) {
	id, err := httputil.PathUUID(r, "id")
	if err != nil {
		httputil.WriteServiceError(w, err)
		return
	}
	f, page, size, err := accounts.ParseTransactionQuery(r)
	if err != nil {
		httputil.WriteServiceError(w, err)
		return
	}
	wallet, err := h.accounts.GetWallet(r.Context(), id, f, page, size)
	if err != nil {
		h.fail(w, "get wallet failed", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, accounts.NewWalletResponse(wallet))
}

// GET /api/v1/admin/accounts/{id}/transactions
func (h *Handler) AccountTransactions(w http.ResponseWriter, r *http.Request) {
	id, err := httputil.PathUUID(r, "id")
	if err != nil {
		httputil.WriteServiceError(w, err)
		return
	}
	f, page, size, err := accounts.ParseTransactionQuery(r)
	if err != nil {
		httputil.WriteServiceError(w, err)
		return
	}
	p, err := h.ledger.ListTransactions(r.Context(), id, f, page, size)
	if err != nil {
		h.fail(w, "list transactions failed", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, accounts.NewTransactionPage(p))
}

// POST /api/v1/admin/accounts/{id}/suspend
func (h *Handler) Suspend(w http.ResponseWriter, r *http.Request) {
	id, err := httputil.PathUUID(r, "id")
	if err != nil {
		httputil.WriteServiceError(w, err)
		return
	}
	var req SuspendRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteServiceError(w, err)
		return
	}
	if err := h.accounts.SetSuspended(r.Context(), id, req.Suspended, req.Reason); err != nil {
		h.fail(w, "suspend failed", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"id": id, "suspended": req.Suspended})
}

// POST /api/v1/admin/accounts/{id}/kyc
func (h *Handler) ReviewKYC(w http.ResponseWriter, r *http.Request) {
	id, err := httputil.PathUUID(r, "id")
	if err != nil {
		httputil.WriteServiceError(w, err)
		return
	}
	var req KYCReviewRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteServiceError(w, err)
		return
	}
	if err := h.accounts.ReviewKYC(r.Context(), id, req.Status); err != nil {
		h.fail(w, "kyc review failed", err)
		return
	}
	h.log.Info("kyc review note", "account_id", id, "admin_id", middleware.AccountIDFromCtx(r.Context()), "note", req.Note)
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"id": id, "kycStatus": req.Status})
}

// DELETE /api/v1/admin/accounts/{id}
func (h *Handler) CloseAccount(w http.ResponseWriter, r *http.Request) {
	id, err := httputil.PathUUID(r, "id")
	if err != nil {
		httputil.WriteServiceError(w, err)
		return
	}
	if err := h.accounts.Close(r.Context(), id); err != nil {
		h.fail(w, "close account failed", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) fail(w http.ResponseWriter, msg string, err error) {
	if status := httputil.WriteServiceError(w, err); status >= http.StatusInternalServerError {
		h.log.Error(msg, "error", err)
	}
}
