package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"escrowflow/account"
)

type contextKey string

const (
	ctxEmail contextKey = "email"
	ctxRole  contextKey = "role"
)

// TokenVerifier validates a bearer token and returns the caller identity.
type TokenVerifier interface {
	VerifyToken(token string) (string, account.Role, error)
}

// Authenticate extracts and validates the bearer token, stashing the caller
// identity in the request context.
func Authenticate(verifier TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if !strings.HasPrefix(header, "Bearer ") {
				writeError(w, http.StatusUnauthorized, "missing bearer token", false)
				return
			}
			email, role, err := verifier.VerifyToken(strings.TrimPrefix(header, "Bearer "))
			if err != nil {
				writeError(w, http.StatusUnauthorized, "invalid token", false)
				return
			}
			ctx := context.WithValue(r.Context(), ctxEmail, email)
			ctx = context.WithValue(ctx, ctxRole, role)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireAdmin gates admin-only routes.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if callerRole(r) != account.RoleAdmin {
			writeError(w, http.StatusForbidden, "admin only", false)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func callerEmail(r *http.Request) string {
	email, _ := r.Context().Value(ctxEmail).(string)
	return email
}

func callerRole(r *http.Request) account.Role {
	role, _ := r.Context().Value(ctxRole).(account.Role)
	return role
}

// RequestLogger emits one structured line per request.
func RequestLogger(log *logrus.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.WithFields(logrus.Fields{
				"method":   r.Method,
				"path":     r.URL.Path,
				"status":   ww.Status(),
				"duration": time.Since(start).String(),
			}).Info("request")
		})
	}
}
