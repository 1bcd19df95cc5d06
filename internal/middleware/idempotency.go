package middleware

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/taskpay/backend/internal/httputil"
)

const IdempotencyHeader = "Idempotency-Key"

const maxIdempotencyKeyLen = 255

// StoredResponse is what a completed idempotent request replays. Status 0 marks a
// request that is still in flight.
type StoredResponse struct {
	RequestHash string `json:"requestHash"`
	Status      int    `json:"status"`
	ContentType string `json:"contentType,omitempty"`
	Body        []byte `json:"body,omitempty"`
}

// IdempotencyStore persists Idempotency-Key outcomes.
type IdempotencyStore interface {
	// Begin claims key for a request with requestHash. If the key is already claimed
	// started is false and existing holds the earlier request's record.
	Begin(ctx context.Context, key, requestHash string, ttl time.Duration) (existing *StoredResponse, started bool, err error)
	Complete(ctx context.Context, key string, resp StoredResponse, ttl time.Duration) error
	Abort(ctx context.Context, key string) error
}

// Idempotency de-duplicates mutating requests that carry an Idempotency-Key header.
// A completed key replays the stored status and body, an in-flight key answers 409
// and a key reused with a different request answers 422. Reads the body to hash it,
// then replaces r.Body so downstream handlers can re-read it. A nil store disables it.
func Idempotency(store IdempotencyStore, ttl time.Duration, log *slog.Logger) func(http.Handler) http.Handler {
	if store == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	if log == nil {
		log = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(IdempotencyHeader)
			if key == "" || r.Method == http.MethodGet || r.Method == http.MethodHead {
				next.ServeHTTP(w, r)
				return
			}
			if len(key) > maxIdempotencyKeyLen {
				httputil.WriteError(w, http.StatusBadRequest, "Idempotency-Key too long")
				return
			}

			bodyBytes, err := io.ReadAll(io.LimitReader(r.Body, httputil.MaxBodyBytes))
			r.Body.Close()
			if err != nil {
				httputil.WriteError(w, http.StatusBadRequest, "failed to read body")
				return
			}
			// Restore body for the handler.
			r.Body = io.NopCloser(bytes.NewReader(bodyBytes))

			hash := requestHash(r, bodyBytes)
			scoped := scopeKey(r, key)
			existing, started, err := store.Begin(r.Context(), scoped, hash, ttl)
			if err != nil {
				log.Error("idempotency store unavailable", "error", err)
				httputil.WriteError(w, http.StatusServiceUnavailable, "idempotency store unavailable")
				return
			}
			if !started {
				switch {
				case existing == nil || existing.RequestHash != hash:
					httputil.WriteError(w, http.StatusUnprocessableEntity, "Idempotency-Key reused with a different request")
				case existing.Status == 0:
					httputil.WriteError(w, http.StatusConflict, "request with this Idempotency-Key is in progress")
				default:
					replay(w, existing)
				}
				return
			}

			ctx := context.WithoutCancel(r.Context())
			defer func() {
				if p := recover(); p != nil {
					// Release the key before re-panicking or retries see 409 until it expires.
					if err := store.Abort(ctx, scoped); err != nil {
						log.Error("idempotency abort failed", "error", err)
					}
					panic(p)
				}
			}()

			cw := &captureWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(cw, r)

			// Server errors may succeed on retry, so they are not remembered.
			if cw.status >= http.StatusInternalServerError {
				if err := store.Abort(ctx, scoped); err != nil {
					log.Error("idempotency abort failed", "error", err)
				}
				return
			}
			resp := StoredResponse{
				RequestHash: hash,
				Status:      cw.status,
				ContentType: cw.Header().Get("Content-Type"),
				Body:        cw.buf.Bytes(),
			}
			if err := store.Complete(ctx, scoped, resp, ttl); err != nil {
				log.Error("idempotency complete failed", "error", err)
			}
		})
	}
}

func replay(w http.ResponseWriter, resp *StoredResponse) {
	if resp.ContentType != "" {
		w.Header().Set("Content-Type", resp.ContentType)
	}
	w.Header().Set("Idempotent-Replayed", "true")
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)
}

func requestHash(r *http.Request, body []byte) string {
	h := sha256.New()
	h.Write([]byte(r.Method))
	h.Write([]byte{0})
	h.Write([]byte(r.URL.Path))
	h.Write([]byte{0})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// scopeKey namespaces the key by caller so two accounts cannot collide.
func scopeKey(r *http.Request, key string) string {
	p, _ := PrincipalFromCtx(r.Context())
	caller := p.Role
	if p.AccountID != uuid.Nil {
		caller = p.AccountID.String()
	}
	return caller + ":" + key
}

type captureWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
	buf         bytes.Buffer
}

func (c *captureWriter) WriteHeader(status int) {
	if !c.wroteHeader {
		c.status = status
		c.wroteHeader = true
	}
	c.ResponseWriter.WriteHeader(status)
}

func (c *captureWriter) Write(b []byte) (int, error) {
	c.wroteHeader = true
	c.buf.Write(b)
	return c.ResponseWriter.Write(b)
}
