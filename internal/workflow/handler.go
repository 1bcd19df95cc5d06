package workflow

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/taskpay/backend/internal/httputil"
)

// EventHandler is what the HTTP endpoint needs from the Dispatcher.
type EventHandler interface {
	Handle(ctx context.Context, raw []byte) (*Outcome, error)
}

type EventResponse struct {
	ID           string `json:"id"`
	Type         string `json:"type"`
	Status       string `json:"status"`
	Transactions int    `json:"transactions"`
}

type Handler struct {
	events EventHandler
	log    *slog.Logger
}

func NewHandler(events EventHandler, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{events: events, log: log}
}

// PostEvent accepts one workflow event envelope. Schema violations are 422; a
// repeated event id is acknowledged with status "duplicate".
func (h *Handler) PostEvent(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, httputil.MaxBodyBytes))
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "could not read body")
		return
	}
	out, err := h.events.Handle(r.Context(), raw)
	if err != nil {
		if errors.Is(err, ErrInvalidEvent) {
			httputil.WriteError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		if status := httputil.WriteServiceError(w, err); status >= http.StatusInternalServerError {
			h.log.Error("workflow event failed", "error", err)
		}
		return
	}
	status := "applied"
	if out.Duplicate {
		status = "duplicate"
	}
	httputil.WriteJSON(w, http.StatusAccepted, EventResponse{ID: out.ID, Type: out.Type, Status: status, Transactions: len(out.Transactions)})
}
