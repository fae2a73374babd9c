// Package httpapi exposes the escrow platform over HTTP: payments,
// approvals, disputes, payment requests, accounts, plus health and metrics.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"escrowflow/automation"
	"escrowflow/request"
)

// HealthSource reports background sweep liveness.
type HealthSource interface {
	Snapshot() map[string]automation.SweepStatus
	Stale(tolerance time.Duration, now time.Time) bool
}

// NewRouter wires all routes. gatherer may be nil to omit /metrics.
func NewRouter(s *Server, health HealthSource, gatherer prometheus.Gatherer, log *logrus.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if log != nil {
		r.Use(RequestLogger(log))
	}

	r.Get("/healthz", handleHealth(health, func() time.Time { return s.clock() }))
	if gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	r.Post("/api/register", s.handleRegister)
	r.Post("/api/login", s.handleLogin)

	r.Group(func(r chi.Router) {
		r.Use(Authenticate(s.Accounts))

		r.Put("/api/account/wallet", s.handleBindWallet)
		r.Put("/api/account/payout-account", s.handleBindPayout)

		r.Post("/api/payments", s.handleCreatePayment)
		r.Get("/api/payments", s.handleListPayments)
		r.Get("/api/payments/{id}", s.handleGetPayment)
		r.Get("/api/payments/{id}/events", s.handlePaymentFeed)
		r.Get("/api/payments/{id}/yield", s.handleYield)
		r.Post("/api/payments/{id}/fund-wallet", s.handleFundFromWallet)
		r.Post("/api/payments/{id}/cancel", s.handleCancelPayment)

		r.Post("/api/payments/{id}/approvals/{party}", s.handleApprove)
		r.Delete("/api/payments/{id}/approvals/{party}", s.handleRevokeApproval)

		r.Post("/api/payments/{id}/disputes", s.handleOpenDispute)
		r.Get("/api/payments/{id}/disputes", s.handleListDisputes)

		r.Post("/api/requests", s.handleCreateRequest)
		r.Get("/api/requests", s.handleListRequests)
		r.Post("/api/requests/{id}/accept", s.handleRequestAction(
			func(s *Server, ctx context.Context, id, actor string) (request.Request, error) {
				return s.Requests.Accept(ctx, id, actor)
			}))
		r.Post("/api/requests/{id}/reject", s.handleRequestAction(
			func(s *Server, ctx context.Context, id, actor string) (request.Request, error) {
				return s.Requests.Reject(ctx, id, actor)
			}))
		r.Post("/api/requests/{id}/cancel", s.handleRequestAction(
			func(s *Server, ctx context.Context, id, actor string) (request.Request, error) {
				return s.Requests.Cancel(ctx, id, actor)
			}))

		r.Group(func(r chi.Router) {
			r.Use(RequireAdmin)
			r.Get("/api/disputes/pending", s.handlePendingDisputes)
			r.Post("/api/disputes/{id}/resolution", s.handleResolveDispute)
		})
	})

	return r
}

func handleHealth(health HealthSource, now func() time.Time) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if health == nil {
			writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
			return
		}
		status := "ok"
		code := http.StatusOK
		if health.Stale(30*time.Minute, now().UTC()) {
			status = "degraded"
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, map[string]any{
			"status": status,
			"sweeps": health.Snapshot(),
		})
	}
}
