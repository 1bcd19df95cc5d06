package middleware

import (
	"context"
	"net/http"
	"slices"
	"strings"

	"github.com/google/uuid"

	"github.com/taskpay/backend/internal/auth"
	"github.com/taskpay/backend/internal/httputil"
)

type contextKey string

const ctxPrincipalKey contextKey = "principal"

// TokenValidator resolves a bearer token to its principal.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (auth.Principal, error)
}

// ServiceTokenChecker verifies the shared token of internal workflow callers.
type ServiceTokenChecker interface {
	CheckServiceToken(token string) bool
}

// BearerAuth authenticates requests with a JWT issued by the identity provider and
// stores the principal in the request context.
func BearerAuth(v TokenValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := extractBearer(r)
			if raw == "" {
				httputil.WriteError(w, http.StatusUnauthorized, "missing or malformed Authorization header")
				return
			}
			p, err := v.ValidateToken(r.Context(), raw)
			if err != nil {
				httputil.WriteError(w, http.StatusUnauthorized, "invalid token")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}

// RequireRole rejects principals whose role is not listed. Use after BearerAuth.
func RequireRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := PrincipalFromCtx(r.Context())
			if !ok {
				httputil.WriteError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			if !slices.Contains(roles, p.Role) {
				httputil.WriteError(w, http.StatusForbidden, "forbidden")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ServiceAuth admits internal callers presenting the configured service token.
func ServiceAuth(c ServiceTokenChecker) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !c.CheckServiceToken(extractBearer(r)) {
				httputil.WriteError(w, http.StatusUnauthorized, "invalid service token")
				return
			}
			ctx := WithPrincipal(r.Context(), auth.Principal{Role: auth.RoleService})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ServiceOrBearer admits either a workflow caller with the service token or a user
// with a valid JWT. Combine with RequireRole to narrow the bearer roles.
func ServiceOrBearer(c ServiceTokenChecker, v TokenValidator) func(http.Handler) http.Handler {
	bearer := BearerAuth(v)
	return func(next http.Handler) http.Handler {
		viaToken := bearer(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if c.CheckServiceToken(extractBearer(r)) {
				next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), auth.Principal{Role: auth.RoleService})))
				return
			}
			viaToken.ServeHTTP(w, r)
		})
	}
}

// PrincipalFromCtx returns the authenticated principal.
func PrincipalFromCtx(ctx context.Context) (auth.Principal, bool) {
	p, ok := ctx.Value(ctxPrincipalKey).(auth.Principal)
	return p, ok
}

// AccountIDFromCtx returns the authenticated account, or uuid.Nil.
func AccountIDFromCtx(ctx context.Context) uuid.UUID {
	p, _ := PrincipalFromCtx(ctx)
	return p.AccountID
}

// WithPrincipal returns a context carrying p.
func WithPrincipal(ctx context.Context, p auth.Principal) context.Context {
	return context.WithValue(ctx, ctxPrincipalKey, p)
}

// Chain applies middlewares so the first listed runs first.
func Chain(h http.Handler, mws ...func(http.Handler) http.Handler) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

func extractBearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}
