package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"escrowflow/account"
	"escrowflow/approval"
	"escrowflow/custody"
	"escrowflow/dispute"
	"escrowflow/payment"
	"escrowflow/request"
	"escrowflow/yield"
)

// PaymentService is the lifecycle surface exposed over HTTP.
type PaymentService interface {
	Create(ctx context.Context, params payment.CreateParams) (payment.Payment, error)
	Cancel(ctx context.Context, paymentID, reason string) error
	FundFromWallet(ctx context.Context, paymentID string) error
	Release(ctx context.Context, paymentID string, trigger payment.ReleaseTrigger) error
	Feed(ctx context.Context, paymentID string, audit bool) ([]payment.Event, error)
}

// PaymentReader serves read-only payment queries.
type PaymentReader interface {
	Get(ctx context.Context, id string) (payment.Payment, error)
	ListForParty(ctx context.Context, email string, limit int) ([]payment.Payment, error)
}

type ApprovalService interface {
	Approve(ctx context.Context, paymentID, actorEmail string, party payment.Party) (approval.Result, error)
	Revoke(ctx context.Context, paymentID, actorEmail string, party payment.Party) (approval.Result, error)
}

type DisputeService interface {
	Open(ctx context.Context, params dispute.OpenParams) (dispute.Dispute, error)
	Resolve(ctx context.Context, params dispute.ResolveParams) (dispute.Dispute, error)
	ListByPayment(ctx context.Context, paymentID string) ([]dispute.Dispute, error)
	PendingQueue(ctx context.Context, limit int) ([]dispute.Dispute, error)
}

type RequestService interface {
	Create(ctx context.Context, params request.CreateParams) (request.Request, error)
	Accept(ctx context.Context, requestID, actorEmail string) (request.Request, error)
	Reject(ctx context.Context, requestID, actorEmail string) (request.Request, error)
	Cancel(ctx context.Context, requestID, actorEmail string) (request.Request, error)
	ListForParty(ctx context.Context, email string, limit int) ([]request.Request, error)
}

type AccountService interface {
	TokenVerifier
	Register(ctx context.Context, req account.RegisterRequest) (*account.Account, error)
	Login(ctx context.Context, req account.LoginRequest) (account.LoginResult, error)
	BindWallet(ctx context.Context, email, address string) error
	BindPayoutAccount(ctx context.Context, email, payoutAccountID string) error
}

// IdempotencyStore claims create keys.
type IdempotencyStore interface {
	Claim(ctx context.Context, key string) (bool, error)
}

// CustodyReader serves the custody record backing a payment.
type CustodyReader interface {
	GetByPayment(ctx context.Context, paymentID string) (custody.Record, error)
}

type Server struct {
	Payments   PaymentService
	Reader     PaymentReader
	Custody    CustodyReader
	Approvals  ApprovalService
	Disputes   DisputeService
	Requests   RequestService
	Accounts   AccountService
	Idempotent IdempotencyStore
	Yield      yield.Calculator
	Rates      yield.RateSource
	now        func() time.Time
}

// calculator builds the accrual calculator for one query, consulting the
// rate source so the current annual rate applies. The statically configured
// calculator is the fallback when the source is absent or unreachable.
func (s *Server) calculator(ctx context.Context) yield.Calculator {
	if s.Rates == nil {
		return s.Yield
	}
	rate, err := s.Rates.CurrentRate(ctx)
	if err != nil {
		return s.Yield
	}
	return yield.NewCalculator(rate)
}

func (s *Server) clock() time.Time {
	if s.now != nil {
		return s.now()
	}
	return time.Now()
}

type errorBody struct {
	Error     string `json:"error"`
	Retryable bool   `json:"retryable,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string, retryable bool) {
	writeJSON(w, status, errorBody{Error: msg, Retryable: retryable})
}

// writeDomainError maps the error taxonomy onto HTTP statuses. Retryable
// external failures surface as 502 with a retry affordance.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, payment.ErrNotFound),
		errors.Is(err, dispute.ErrNotFound),
		errors.Is(err, request.ErrNotFound),
		errors.Is(err, account.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error(), false)
	case errors.Is(err, payment.ErrTerminalState),
		errors.Is(err, payment.ErrInvalidTransition),
		errors.Is(err, payment.ErrSuperseded),
		errors.Is(err, dispute.ErrAlreadyOpen),
		errors.Is(err, dispute.ErrAlreadyResolved),
		errors.Is(err, request.ErrNotOpen):
		writeError(w, http.StatusConflict, err.Error(), false)
	case errors.Is(err, payment.ErrNotEligible),
		errors.Is(err, dispute.ErrWindowClosed),
		errors.Is(err, approval.ErrNotRevocable):
		writeError(w, http.StatusUnprocessableEntity, err.Error(), false)
	case errors.Is(err, approval.ErrNotParticipant),
		errors.Is(err, dispute.ErrNotParticipant),
		errors.Is(err, request.ErrForbidden):
		writeError(w, http.StatusForbidden, err.Error(), false)
	case errors.Is(err, account.ErrDuplicateEmail):
		writeError(w, http.StatusConflict, err.Error(), false)
	case errors.Is(err, account.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, err.Error(), false)
	case payment.IsRetryable(err):
		writeError(w, http.StatusBadGateway, err.Error(), true)
	default:
		writeError(w, http.StatusBadRequest, err.Error(), false)
	}
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req account.RegisterRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body", false)
		return
	}
	a, err := s.Accounts.Register(r.Context(), req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, accountView(*a))
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req account.LoginRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body", false)
		return
	}
	res, err := s.Accounts.Login(r.Context(), req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":   res.Token,
		"account": accountView(res.Account),
	})
}

type bindRequest struct {
	WalletAddress   string `json:"wallet_address,omitempty"`
	PayoutAccountID string `json:"payout_account_id,omitempty"`
}

func (s *Server) handleBindWallet(w http.ResponseWriter, r *http.Request) {
	var req bindRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body", false)
		return
	}
	if err := s.Accounts.BindWallet(r.Context(), callerEmail(r), req.WalletAddress); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleBindPayout(w http.ResponseWriter, r *http.Request) {
	var req bindRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body", false)
		return
	}
	if err := s.Accounts.BindPayoutAccount(r.Context(), callerEmail(r), req.PayoutAccountID); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type createPaymentRequest struct {
	PayeeEmail        string  `json:"payee_email"`
	CommissionEmail   *string `json:"commission_email,omitempty"`
	CommissionAmount  int64   `json:"commission_amount,omitempty"`
	TotalAmount       int64   `json:"total_amount"`
	Currency          string  `json:"currency,omitempty"`
	CustodyPercent    int     `json:"custody_percent"`
	CustodyPeriodDays int     `json:"custody_period_days"`
	ReleaseConditions *string `json:"release_conditions,omitempty"`
	Description       *string `json:"description,omitempty"`
	DepositAccount    *string `json:"deposit_account,omitempty"`
	YieldEnabled      bool    `json:"yield_enabled,omitempty"`
}

func (s *Server) handleCreatePayment(w http.ResponseWriter, r *http.Request) {
	if key := r.Header.Get("Idempotency-Key"); key != "" && s.Idempotent != nil {
		won, err := s.Idempotent.Claim(r.Context(), key)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		if !won {
			writeError(w, http.StatusConflict, "duplicate idempotency key", false)
			return
		}
	}

	var req createPaymentRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body", false)
		return
	}
	p, err := s.Payments.Create(r.Context(), payment.CreateParams{
		PayerEmail:        callerEmail(r),
		PayeeEmail:        req.PayeeEmail,
		CommissionEmail:   req.CommissionEmail,
		CommissionAmount:  req.CommissionAmount,
		TotalAmount:       req.TotalAmount,
		Currency:          req.Currency,
		CustodyPercent:    req.CustodyPercent,
		CustodyPeriodDays: req.CustodyPeriodDays,
		ReleaseConditions: req.ReleaseConditions,
		Description:       req.Description,
		DepositAccount:    req.DepositAccount,
		YieldEnabled:      req.YieldEnabled,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, paymentView(p))
}

func (s *Server) handleListPayments(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	items, err := s.Reader.ListForParty(r.Context(), callerEmail(r), limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	views := make([]map[string]any, 0, len(items))
	for _, p := range items {
		views = append(views, paymentView(p))
	}
	writeJSON(w, http.StatusOK, map[string]any{"payments": views})
}

// loadVisible returns the payment only if the caller participates or is an
// admin.
func (s *Server) loadVisible(r *http.Request) (payment.Payment, bool, error) {
	p, err := s.Reader.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		return payment.Payment{}, false, err
	}
	email := callerEmail(r)
	if email != p.PayerEmail && email != p.PayeeEmail && callerRole(r) != account.RoleAdmin {
		return payment.Payment{}, false, nil
	}
	return p, true, nil
}

func (s *Server) handleGetPayment(w http.ResponseWriter, r *http.Request) {
	p, visible, err := s.loadVisible(r)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if !visible {
		writeError(w, http.StatusForbidden, "not a party to this payment", false)
		return
	}
	writeJSON(w, http.StatusOK, paymentView(p))
}

func (s *Server) handlePaymentFeed(w http.ResponseWriter, r *http.Request) {
	p, visible, err := s.loadVisible(r)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if !visible {
		writeError(w, http.StatusForbidden, "not a party to this payment", false)
		return
	}
	audit := r.URL.Query().Get("audit") == "true" && callerRole(r) == account.RoleAdmin
	events, err := s.Payments.Feed(r.Context(), p.ID, audit)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	views := make([]map[string]any, 0, len(events))
	for _, ev := range events {
		view := map[string]any{
			"type":       ev.Type,
			"created_at": ev.CreatedAt,
		}
		if ev.Description != nil {
			view["description"] = *ev.Description
		}
		views = append(views, view)
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": views})
}

func (s *Server) handleFundFromWallet(w http.ResponseWriter, r *http.Request) {
	p, visible, err := s.loadVisible(r)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if !visible || callerEmail(r) != p.PayerEmail {
		writeError(w, http.StatusForbidden, "only the payer may fund", false)
		return
	}
	if err := s.Payments.FundFromWallet(r.Context(), p.ID); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleCancelPayment(w http.ResponseWriter, r *http.Request) {
	p, visible, err := s.loadVisible(r)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if !visible {
		writeError(w, http.StatusForbidden, "not a party to this payment", false)
		return
	}
	var req cancelRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body", false)
		return
	}
	if req.Reason == "" {
		req.Reason = "cancelled by " + callerEmail(r)
	}
	if err := s.Payments.Cancel(r.Context(), p.ID, req.Reason); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	paymentID := chi.URLParam(r, "id")
	party := payment.Party(chi.URLParam(r, "party"))
	res, err := s.Approvals.Approve(r.Context(), paymentID, callerEmail(r), party)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	released := false
	if res.BothApproved {
		// Both sides confirmed; settle immediately. A retryable failure
		// here leaves the approval recorded and the release sweepable.
		err := s.Payments.Release(r.Context(), paymentID, payment.TriggerDualApproval)
		switch {
		case err == nil:
			released = true
		case payment.IsRetryable(err):
		default:
			writeDomainError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"changed":       res.Changed,
		"both_approved": res.BothApproved,
		"released":      released,
	})
}

func (s *Server) handleRevokeApproval(w http.ResponseWriter, r *http.Request) {
	paymentID := chi.URLParam(r, "id")
	party := payment.Party(chi.URLParam(r, "party"))
	res, err := s.Approvals.Revoke(r.Context(), paymentID, callerEmail(r), party)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"changed": res.Changed})
}

type openDisputeRequest struct {
	Reason       string   `json:"reason"`
	Details      string   `json:"details"`
	EvidenceRefs []string `json:"evidence_refs,omitempty"`
}

func (s *Server) handleOpenDispute(w http.ResponseWriter, r *http.Request) {
	var req openDisputeRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body", false)
		return
	}
	d, err := s.Disputes.Open(r.Context(), dispute.OpenParams{
		PaymentID:    chi.URLParam(r, "id"),
		RaisedBy:     callerEmail(r),
		Reason:       req.Reason,
		Details:      req.Details,
		EvidenceRefs: req.EvidenceRefs,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, disputeView(d))
}

func (s *Server) handleListDisputes(w http.ResponseWriter, r *http.Request) {
	p, visible, err := s.loadVisible(r)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if !visible {
		writeError(w, http.StatusForbidden, "not a party to this payment", false)
		return
	}
	items, err := s.Disputes.ListByPayment(r.Context(), p.ID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	views := make([]map[string]any, 0, len(items))
	for _, d := range items {
		views = append(views, disputeView(d))
	}
	writeJSON(w, http.StatusOK, map[string]any{"disputes": views})
}

type resolveDisputeRequest struct {
	Outcome    string `json:"outcome"`
	AdminNotes string `json:"admin_notes,omitempty"`
}

func (s *Server) handleResolveDispute(w http.ResponseWriter, r *http.Request) {
	var req resolveDisputeRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body", false)
		return
	}
	d, err := s.Disputes.Resolve(r.Context(), dispute.ResolveParams{
		DisputeID:  chi.URLParam(r, "id"),
		Outcome:    dispute.Outcome(req.Outcome),
		AdminNotes: req.AdminNotes,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, disputeView(d))
}

func (s *Server) handlePendingDisputes(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	items, err := s.Disputes.PendingQueue(r.Context(), limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	views := make([]map[string]any, 0, len(items))
	for _, d := range items {
		views = append(views, disputeView(d))
	}
	writeJSON(w, http.StatusOK, map[string]any{"disputes": views})
}

func (s *Server) handleYield(w http.ResponseWriter, r *http.Request) {
	p, visible, err := s.loadVisible(r)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if !visible {
		writeError(w, http.StatusForbidden, "not a party to this payment", false)
		return
	}
	if !p.YieldEnabled || p.YieldStartedAt == nil {
		writeJSON(w, http.StatusOK, map[string]any{"enabled": false})
		return
	}

	// A dispute sustained in the payer's favor reassigns the full accrual
	// to the payer.
	refundToPayer := false
	if s.Custody != nil {
		rec, err := s.Custody.GetByPayment(r.Context(), p.ID)
		if err != nil && !errors.Is(err, custody.ErrNotFound) {
			writeDomainError(w, err)
			return
		}
		refundToPayer = err == nil && rec.DisputeStatus == custody.DisputeApproved
	}

	calc := s.calculator(r.Context())
	b := calc.Accrue(p.TotalAmount, *p.YieldStartedAt, s.clock().UTC())
	if refundToPayer {
		b = calc.AccrueRefund(p.TotalAmount, *p.YieldStartedAt, s.clock().UTC())
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"enabled":         true,
		"accrued":         b.Total,
		"payer_share":     b.PayerShare,
		"platform_share":  b.PlatformShare,
		"refund_to_payer": refundToPayer,
		"since":           p.YieldStartedAt,
	})
}

type createRequestRequest struct {
	PayerEmail        string  `json:"payer_email"`
	TotalAmount       int64   `json:"total_amount"`
	Currency          string  `json:"currency,omitempty"`
	CustodyPercent    int     `json:"custody_percent"`
	CustodyPeriodDays int     `json:"custody_period_days"`
	Description       *string `json:"description,omitempty"`
}

func (s *Server) handleCreateRequest(w http.ResponseWriter, r *http.Request) {
	var req createRequestRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body", false)
		return
	}
	created, err := s.Requests.Create(r.Context(), request.CreateParams{
		PayeeEmail:        callerEmail(r),
		PayerEmail:        req.PayerEmail,
		TotalAmount:       req.TotalAmount,
		Currency:          req.Currency,
		CustodyPercent:    req.CustodyPercent,
		CustodyPeriodDays: req.CustodyPeriodDays,
		Description:       req.Description,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, requestView(created))
}

func (s *Server) handleListRequests(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	items, err := s.Requests.ListForParty(r.Context(), callerEmail(r), limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	views := make([]map[string]any, 0, len(items))
	for _, req := range items {
		views = append(views, requestView(req))
	}
	writeJSON(w, http.StatusOK, map[string]any{"requests": views})
}

func (s *Server) handleRequestAction(action func(*Server, context.Context, string, string) (request.Request, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		updated, err := action(s, r.Context(), chi.URLParam(r, "id"), callerEmail(r))
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, requestView(updated))
	}
}

func paymentView(p payment.Payment) map[string]any {
	custodyAmount, releaseAmount := p.SplitAmounts()
	view := map[string]any{
		"id":                  p.ID,
		"payer_email":         p.PayerEmail,
		"payee_email":         p.PayeeEmail,
		"total_amount":        p.TotalAmount,
		"currency":            p.Currency,
		"custody_percent":     p.CustodyPercent,
		"custody_period_days": p.CustodyPeriodDays,
		"custody_amount":      custodyAmount,
		"release_amount":      releaseAmount,
		"status":              p.Status,
		"payer_approved":      p.PayerApproved,
		"payee_approved":      p.PayeeApproved,
		"yield_enabled":       p.YieldEnabled,
		"created_at":          p.CreatedAt,
	}
	if p.Description != nil {
		view["description"] = *p.Description
	}
	if p.DepositAccount != nil {
		view["deposit_account"] = *p.DepositAccount
	}
	if p.FundedAt != nil {
		view["funded_at"] = *p.FundedAt
	}
	return view
}

func disputeView(d dispute.Dispute) map[string]any {
	view := map[string]any{
		"id":         d.ID,
		"payment_id": d.PaymentID,
		"raised_by":  d.RaisedBy,
		"reason":     d.Reason,
		"status":     d.Status,
		"created_at": d.CreatedAt,
	}
	if d.AdminNotes != nil {
		view["admin_notes"] = *d.AdminNotes
	}
	if d.ResolvedAt != nil {
		view["resolved_at"] = *d.ResolvedAt
	}
	return view
}

func requestView(req request.Request) map[string]any {
	view := map[string]any{
		"id":                  req.ID,
		"payee_email":         req.PayeeEmail,
		"payer_email":         req.PayerEmail,
		"total_amount":        req.TotalAmount,
		"currency":            req.Currency,
		"custody_percent":     req.CustodyPercent,
		"custody_period_days": req.CustodyPeriodDays,
		"status":              req.Status,
		"created_at":          req.CreatedAt,
	}
	if req.PaymentID != nil {
		view["payment_id"] = *req.PaymentID
	}
	return view
}

func accountView(a account.Account) map[string]any {
	view := map[string]any{
		"id":        a.ID,
		"email":     a.Email,
		"full_name": a.FullName,
		"role":      a.Role,
	}
	if a.WalletAddress != nil {
		view["wallet_address"] = *a.WalletAddress
	}
	if a.PayoutAccountID != nil {
		view["payout_account_id"] = *a.PayoutAccountID
	}
	return view
}
