package router

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/taskpay/backend/internal/accounts"
	"github.com/taskpay/backend/internal/auth"
	"github.com/taskpay/backend/internal/dashboard"
	"github.com/taskpay/backend/internal/httputil"
	"github.com/taskpay/backend/internal/middleware"
	"github.com/taskpay/backend/internal/models"
	"github.com/taskpay/backend/internal/payouts"
	"github.com/taskpay/backend/internal/tasks"
	"github.com/taskpay/backend/internal/workflow"
)

// Pinger reports whether the database is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Deps struct {
	Tokens      middleware.TokenValidator
	Service     middleware.ServiceTokenChecker
	Idempotency middleware.IdempotencyStore
	IdemTTL     time.Duration
	DB          Pinger

	Accounts  *accounts.Handler
	Tasks     *tasks.Handler
	Payouts   *payouts.Handler
	Dashboard *dashboard.Handler
	Workflow  *workflow.Handler

	Log *slog.Logger
}

// New returns an http.Handler that serves the wallet API under /api/v1 and workflow
// intake under /internal/v1.
func New(d Deps) http.Handler {
	mux := http.NewServeMux()
	base := "/api/v1"

	idem := middleware.Idempotency(d.Idempotency, d.IdemTTL, d.Log)
	bearer := middleware.BearerAuth(d.Tokens)
	anyRole := func(h http.HandlerFunc) http.Handler {
		return middleware.Chain(h, bearer, idem)
	}
	role := func(h http.HandlerFunc, roles ...string) http.Handler {
		return middleware.Chain(h, bearer, middleware.RequireRole(roles...), idem)
	}
	admin := func(h http.HandlerFunc) http.Handler {
		return role(h, models.RoleAdmin)
	}

	mux.HandleFunc("GET /healthz", health(d.DB))

	mux.Handle("POST "+base+"/accounts", middleware.Chain(http.HandlerFunc(d.Accounts.CreateAccount),
		middleware.ServiceOrBearer(d.Service, d.Tokens), middleware.RequireRole(auth.RoleService, models.RoleAdmin), idem))
	mux.Handle("GET "+base+"/wallet", anyRole(d.Accounts.GetWallet))
	mux.Handle("GET "+base+"/wallet/transactions", anyRole(d.Accounts.ListTransactions))
	mux.Handle("POST "+base+"/kyc/fee", role(d.Accounts.PayKYCFee, models.RoleUser))
	mux.Handle("POST "+base+"/account/reactivate", anyRole(d.Accounts.Reactivate))

	mux.Handle("POST "+base+"/payouts", role(d.Payouts.RequestPayout, models.RoleUser))
	mux.Handle("GET "+base+"/payouts", role(d.Payouts.ListMine, models.RoleUser))

	mux.Handle("POST "+base+"/tasks", role(d.Tasks.CreateTask, models.RoleAdvertiser))
	mux.Handle("GET "+base+"/tasks", role(d.Tasks.ListTasks, models.RoleAdvertiser))
	mux.Handle("GET "+base+"/tasks/{id}", role(d.Tasks.GetTask, models.RoleAdvertiser, models.RoleAdmin))
	mux.Handle("POST "+base+"/tasks/{id}/close", role(d.Tasks.CloseTask, models.RoleAdvertiser, models.RoleAdmin))
	mux.Handle("GET "+base+"/tasks/{id}/can-continue", role(d.Tasks.CanContinue, models.RoleAdvertiser, models.RoleAdmin))

	mux.Handle("POST "+base+"/admin/wallet/adjust", admin(d.Dashboard.AdjustWallet))
	mux.Handle("GET "+base+"/admin/revenue", admin(d.Dashboard.Revenue))
	mux.Handle("GET "+base+"/admin/accounts/{id}/wallet", admin(d.Dashboard.AccountWallet))
	mux.Handle("GET "+base+"/admin/accounts/{id}/transactions", admin(d.Dashboard.AccountTransactions))
	mux.Handle("POST "+base+"/admin/accounts/{id}/suspend", admin(d.Dashboard.Suspend))
	mux.Handle("POST "+base+"/admin/accounts/{id}/kyc", admin(d.Dashboard.ReviewKYC))
	mux.Handle("DELETE "+base+"/admin/accounts/{id}", admin(d.Dashboard.CloseAccount))
	mux.Handle("POST "+base+"/admin/tasks/{id}/approve-payment", admin(d.Tasks.ApprovePayment))
	mux.Handle("GET "+base+"/admin/payouts", admin(d.Payouts.ListPending))
	mux.Handle("POST "+base+"/admin/payouts/{id}/approve", admin(d.Payouts.Approve))
	mux.Handle("POST "+base+"/admin/payouts/{id}/reject", admin(d.Payouts.Reject))

	mux.Handle("POST /internal/v1/events", middleware.Chain(http.HandlerFunc(d.Workflow.PostEvent),
		middleware.ServiceAuth(d.Service), idem))

	return mux
}

func health(db Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if db != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := db.Ping(ctx); err != nil {
				httputil.WriteError(w, http.StatusServiceUnavailable, "database unavailable")
				return
			}
		}
		httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
