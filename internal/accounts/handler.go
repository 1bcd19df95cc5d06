package accounts

import (
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/taskpay/backend/internal/httputil"
	"github.com/taskpay/backend/internal/middleware"
)

type CreateAccountRequest struct {
	ID         *uuid.UUID `json:"id"`
	Email      string     `json:"email" validate:"required,email"`
	Role       string     `json:"role" validate:"required,oneof=user advertiser admin"`
	ReferrerID *uuid.UUID `json:"referrerId"`
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

// CreateAccount is called by the identity workflow when a new identity is registered.
func (h *Handler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req CreateAccountRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteServiceError(w, err)
		return
	}
	p := CreateParams{Email: req.Email, Role: req.Role, ReferrerID: req.ReferrerID}
	if req.ID != nil {
		p.ID = *req.ID
	}
	acc, err := h.svc.CreateAccount(r.Context(), p)
	if err != nil {
		h.fail(w, "create account failed", err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, NewAccountResponse(acc))
}

// GetWallet returns the caller's balance summary and first page of transactions.
func (h *Handler) GetWallet(w http.ResponseWriter, r *http.Request) {
	id, ok := callerID(w, r)
	if !ok {
		return
	}
	f, page, size, err := ParseTransactionQuery(r)
	if err != nil {
		httputil.WriteServiceError(w, err)
		return
	}
	wallet, err := h.svc.GetWallet(r.Context(), id, f, page, size)
	if err != nil {
		h.fail(w, "get wallet failed", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, NewWalletResponse(wallet))
}

// ListTransactions pages through the caller's transactions.
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	id, ok := callerID(w, r)
	if !ok {
		return
	}
	f, page, size, err := ParseTransactionQuery(r)
	if err != nil {
		httputil.WriteServiceError(w, err)
		return
	}
	p, err := h.svc.ledger.ListTransactions(r.Context(), id, f, page, size)
	if err != nil {
		h.fail(w, "list transactions failed", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, NewTransactionPage(p))
}

func (h *Handler) PayKYCFee(w http.ResponseWriter, r *http.Request) {
	id, ok := callerID(w, r)
	if !ok {
		return
	}
	res, err := h.svc.PayKYCFee(r.Context(), id)
	if err != nil {
		h.fail(w, "kyc fee payment failed", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, NewKYCFeeResponse(res))
}

func (h *Handler) Reactivate(w http.ResponseWriter, r *http.Request) {
	id, ok := callerID(w, r)
	if !ok {
		return
	}
	txn, err := h.svc.Reactivate(r.Context(), id)
	if err != nil {
		h.fail(w, "reactivation failed", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, NewTransactionItem(txn))
}

func (h *Handler) fail(w http.ResponseWriter, msg string, err error) {
	if status := httputil.WriteServiceError(w, err); status >= http.StatusInternalServerError {
		h.log.Error(msg, "error", err)
	}
}

func callerID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id := middleware.AccountIDFromCtx(r.Context())
	if id == uuid.Nil {
		httputil.WriteError(w, http.StatusUnauthorized, "unauthorized")
		return uuid.Nil, false
	}
	return id, true
}
