package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"escrowflow/account"
	"escrowflow/approval"
	"escrowflow/custody"
	"escrowflow/dispute"
	"escrowflow/payment"
	"escrowflow/request"
	"escrowflow/yield"
)

// Tokens in tests are "email" or "email|admin"; the stub verifier decodes
// them without any signing.
type stubAccounts struct {
	registered []account.RegisterRequest
	wallets    map[string]string
}

func (s *stubAccounts) VerifyToken(token string) (string, account.Role, error) {
	if token == "" {
		return "", "", errors.New("empty token")
	}
	parts := strings.SplitN(token, "|", 2)
	role := account.RoleUser
	if len(parts) == 2 && parts[1] == "admin" {
		role = account.RoleAdmin
	}
	return parts[0], role, nil
}

func (s *stubAccounts) Register(ctx context.Context, req account.RegisterRequest) (*account.Account, error) {
	s.registered = append(s.registered, req)
	return &account.Account{ID: "acct-1", Email: req.Email, FullName: req.FullName, Role: account.RoleUser}, nil
}

func (s *stubAccounts) Login(ctx context.Context, req account.LoginRequest) (account.LoginResult, error) {
	if req.Password != "hunter22" {
		return account.LoginResult{}, account.ErrInvalidCredentials
	}
	return account.LoginResult{
		Token:   req.Email,
		Account: account.Account{ID: "acct-1", Email: req.Email, Role: account.RoleUser},
	}, nil
}

func (s *stubAccounts) BindWallet(ctx context.Context, email, address string) error {
	if s.wallets == nil {
		s.wallets = map[string]string{}
	}
	s.wallets[email] = address
	return nil
}

func (s *stubAccounts) BindPayoutAccount(ctx context.Context, email, payoutAccountID string) error {
	return nil
}

type stubPayments struct {
	created   []payment.CreateParams
	releases  []string
	createErr error
	releErr   error
	feed      []payment.Event
}

func (s *stubPayments) Create(ctx context.Context, params payment.CreateParams) (payment.Payment, error) {
	if s.createErr != nil {
		return payment.Payment{}, s.createErr
	}
	s.created = append(s.created, params)
	return payment.Payment{
		ID:                "pay-1",
		PayerEmail:        params.PayerEmail,
		PayeeEmail:        params.PayeeEmail,
		TotalAmount:       params.TotalAmount,
		Currency:          "MXN",
		CustodyPercent:    params.CustodyPercent,
		CustodyPeriodDays: params.CustodyPeriodDays,
		Status:            payment.StatusPending,
	}, nil
}

func (s *stubPayments) Cancel(ctx context.Context, paymentID, reason string) error { return nil }

func (s *stubPayments) FundFromWallet(ctx context.Context, paymentID string) error { return nil }

func (s *stubPayments) Release(ctx context.Context, paymentID string, trigger payment.ReleaseTrigger) error {
	s.releases = append(s.releases, paymentID+"/"+string(trigger))
	return s.releErr
}

func (s *stubPayments) Feed(ctx context.Context, paymentID string, audit bool) ([]payment.Event, error) {
	return s.feed, nil
}

type stubReader struct {
	payments map[string]payment.Payment
}

func (s *stubReader) Get(ctx context.Context, id string) (payment.Payment, error) {
	p, ok := s.payments[id]
	if !ok {
		return payment.Payment{}, payment.ErrNotFound
	}
	return p, nil
}

func (s *stubReader) ListForParty(ctx context.Context, email string, limit int) ([]payment.Payment, error) {
	var out []payment.Payment
	for _, p := range s.payments {
		if p.PayerEmail == email || p.PayeeEmail == email {
			out = append(out, p)
		}
	}
	return out, nil
}

type stubCustody struct {
	records map[string]custody.Record
}

func (s *stubCustody) GetByPayment(ctx context.Context, paymentID string) (custody.Record, error) {
	rec, ok := s.records[paymentID]
	if !ok {
		return custody.Record{}, custody.ErrNotFound
	}
	return rec, nil
}

type stubApprovals struct {
	result approval.Result
	err    error
}

func (s *stubApprovals) Approve(ctx context.Context, paymentID, actorEmail string, party payment.Party) (approval.Result, error) {
	return s.result, s.err
}

func (s *stubApprovals) Revoke(ctx context.Context, paymentID, actorEmail string, party payment.Party) (approval.Result, error) {
	return s.result, s.err
}

type stubDisputes struct {
	opened   []dispute.OpenParams
	resolved []dispute.ResolveParams
	openErr  error
}

func (s *stubDisputes) Open(ctx context.Context, params dispute.OpenParams) (dispute.Dispute, error) {
	if s.openErr != nil {
		return dispute.Dispute{}, s.openErr
	}
	s.opened = append(s.opened, params)
	return dispute.Dispute{ID: "disp-1", PaymentID: params.PaymentID, RaisedBy: params.RaisedBy, Status: dispute.StatusPending}, nil
}

func (s *stubDisputes) Resolve(ctx context.Context, params dispute.ResolveParams) (dispute.Dispute, error) {
	s.resolved = append(s.resolved, params)
	return dispute.Dispute{ID: params.DisputeID, Status: dispute.Status(params.Outcome)}, nil
}

func (s *stubDisputes) ListByPayment(ctx context.Context, paymentID string) ([]dispute.Dispute, error) {
	return nil, nil
}

func (s *stubDisputes) PendingQueue(ctx context.Context, limit int) ([]dispute.Dispute, error) {
	return []dispute.Dispute{{ID: "disp-1", Status: dispute.StatusPending}}, nil
}

type stubRequests struct{}

func (stubRequests) Create(ctx context.Context, params request.CreateParams) (request.Request, error) {
	return request.Request{ID: "req-1", PayeeEmail: params.PayeeEmail, PayerEmail: params.PayerEmail, Status: request.StatusOpen}, nil
}
func (stubRequests) Accept(ctx context.Context, requestID, actorEmail string) (request.Request, error) {
	return request.Request{ID: requestID, Status: request.StatusAccepted}, nil
}
func (stubRequests) Reject(ctx context.Context, requestID, actorEmail string) (request.Request, error) {
	return request.Request{ID: requestID, Status: request.StatusRejected}, nil
}
func (stubRequests) Cancel(ctx context.Context, requestID, actorEmail string) (request.Request, error) {
	return request.Request{ID: requestID, Status: request.StatusCancelled}, nil
}
func (stubRequests) ListForParty(ctx context.Context, email string, limit int) ([]request.Request, error) {
	return nil, nil
}

// retryableError mimics a failed ledger or bank call.
type retryableError struct{ msg string }

func (e *retryableError) Error() string   { return e.msg }
func (e *retryableError) Retryable() bool { return true }

type stubIdem struct {
	claimed map[string]bool
}

func (s *stubIdem) Claim(ctx context.Context, key string) (bool, error) {
	if s.claimed == nil {
		s.claimed = map[string]bool{}
	}
	if s.claimed[key] {
		return false, nil
	}
	s.claimed[key] = true
	return true, nil
}

type fixture struct {
	payments  *stubPayments
	reader    *stubReader
	custodies *stubCustody
	approvals *stubApprovals
	disputes  *stubDisputes
	accounts  *stubAccounts
	idem      *stubIdem
	handler   http.Handler
}

func newFixture() *fixture {
	f := &fixture{
		payments: &stubPayments{},
		reader: &stubReader{payments: map[string]payment.Payment{
			"pay-1": {
				ID:                "pay-1",
				PayerEmail:        "payer@example.com",
				PayeeEmail:        "payee@example.com",
				TotalAmount:       100000,
				Currency:          "MXN",
				CustodyPercent:    50,
				CustodyPeriodDays: 30,
				Status:            payment.StatusEscrowed,
			},
		}},
		custodies: &stubCustody{records: map[string]custody.Record{}},
		approvals: &stubApprovals{},
		disputes:  &stubDisputes{},
		accounts:  &stubAccounts{},
		idem:      &stubIdem{},
	}
	server := &Server{
		Payments:   f.payments,
		Reader:     f.reader,
		Custody:    f.custodies,
		Approvals:  f.approvals,
		Disputes:   f.disputes,
		Requests:   stubRequests{},
		Accounts:   f.accounts,
		Idempotent: f.idem,
		Yield:      yield.NewCalculator(0),
		now:        func() time.Time { return time.Date(2025, 6, 15, 0, 0, 0, 0, time.UTC) },
	}
	f.handler = NewRouter(server, nil, nil, nil)
	return f
}

func (f *fixture) do(t *testing.T, method, path, token, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var rdr *strings.Reader
	if body == "" {
		rdr = strings.NewReader("{}")
	} else {
		rdr = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rdr)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestAuthRequired(t *testing.T) {
	f := newFixture()
	rec := f.do(t, http.MethodGet, "/api/payments", "", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("code = %d, want 401", rec.Code)
	}
}

func TestRegisterAndLogin(t *testing.T) {
	f := newFixture()
	rec := f.do(t, http.MethodPost, "/api/register", "", `{"email":"a@example.com","password":"hunter22","full_name":"A"}`, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("register code = %d: %s", rec.Code, rec.Body.String())
	}

	rec = f.do(t, http.MethodPost, "/api/login", "", `{"email":"a@example.com","password":"wrong"}`, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad login code = %d", rec.Code)
	}

	rec = f.do(t, http.MethodPost, "/api/login", "", `{"email":"a@example.com","password":"hunter22"}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("login code = %d", rec.Code)
	}
	if decodeBody(t, rec)["token"] == "" {
		t.Fatal("missing token")
	}
}

func TestCreatePaymentUsesCallerAsPayer(t *testing.T) {
	f := newFixture()
	body := `{"payee_email":"payee@example.com","total_amount":100000,"custody_percent":50,"custody_period_days":30}`
	rec := f.do(t, http.MethodPost, "/api/payments", "payer@example.com", body, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("code = %d: %s", rec.Code, rec.Body.String())
	}
	if len(f.payments.created) != 1 || f.payments.created[0].PayerEmail != "payer@example.com" {
		t.Fatalf("created = %+v", f.payments.created)
	}
}

func TestCreatePaymentIdempotencyKey(t *testing.T) {
	f := newFixture()
	body := `{"payee_email":"payee@example.com","total_amount":100000,"custody_percent":50,"custody_period_days":30}`
	hdr := map[string]string{"Idempotency-Key": "key-1"}

	rec := f.do(t, http.MethodPost, "/api/payments", "payer@example.com", body, hdr)
	if rec.Code != http.StatusCreated {
		t.Fatalf("first code = %d", rec.Code)
	}
	rec = f.do(t, http.MethodPost, "/api/payments", "payer@example.com", body, hdr)
	if rec.Code != http.StatusConflict {
		t.Fatalf("replay code = %d, want 409", rec.Code)
	}
	if len(f.payments.created) != 1 {
		t.Fatalf("created %d payments, want 1", len(f.payments.created))
	}
}

func TestGetPaymentVisibility(t *testing.T) {
	f := newFixture()

	rec := f.do(t, http.MethodGet, "/api/payments/pay-1", "payee@example.com", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("party code = %d", rec.Code)
	}
	rec = f.do(t, http.MethodGet, "/api/payments/pay-1", "stranger@example.com", "", nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("stranger code = %d, want 403", rec.Code)
	}
	rec = f.do(t, http.MethodGet, "/api/payments/pay-1", "ops@example.com|admin", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("admin code = %d", rec.Code)
	}
	rec = f.do(t, http.MethodGet, "/api/payments/nope", "payer@example.com", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing code = %d", rec.Code)
	}
}

func TestFundFromWalletPayerOnly(t *testing.T) {
	f := newFixture()
	rec := f.do(t, http.MethodPost, "/api/payments/pay-1/fund-wallet", "payee@example.com", "", nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("payee code = %d, want 403", rec.Code)
	}
	rec = f.do(t, http.MethodPost, "/api/payments/pay-1/fund-wallet", "payer@example.com", "", nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("payer code = %d, want 202", rec.Code)
	}
}

func TestApproveTriggersRelease(t *testing.T) {
	f := newFixture()
	f.approvals.result = approval.Result{Changed: true, BothApproved: true}

	rec := f.do(t, http.MethodPost, "/api/payments/pay-1/approvals/payee", "payee@example.com", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["released"] != true {
		t.Fatalf("body = %v, want released", body)
	}
	if len(f.payments.releases) != 1 || f.payments.releases[0] != "pay-1/dual_approval" {
		t.Fatalf("releases = %v", f.payments.releases)
	}
}

func TestApproveToleratesRetryableReleaseFailure(t *testing.T) {
	f := newFixture()
	f.approvals.result = approval.Result{Changed: true, BothApproved: true}
	f.payments.releErr = &retryableError{msg: "release custody: gateway timeout"}

	rec := f.do(t, http.MethodPost, "/api/payments/pay-1/approvals/payee", "payee@example.com", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["released"] != false || body["both_approved"] != true {
		t.Fatalf("body = %v", body)
	}
}

func TestApproveErrorMapping(t *testing.T) {
	f := newFixture()
	f.approvals.err = payment.ErrTerminalState

	rec := f.do(t, http.MethodPost, "/api/payments/pay-1/approvals/payer", "payer@example.com", "", nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("code = %d, want 409", rec.Code)
	}
}

func TestOpenDispute(t *testing.T) {
	f := newFixture()
	body := `{"reason":"not_delivered","details":"nothing arrived"}`
	rec := f.do(t, http.MethodPost, "/api/payments/pay-1/disputes", "payer@example.com", body, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("code = %d: %s", rec.Code, rec.Body.String())
	}
	if len(f.disputes.opened) != 1 || f.disputes.opened[0].RaisedBy != "payer@example.com" {
		t.Fatalf("opened = %+v", f.disputes.opened)
	}
}

func TestOpenDisputeWindowClosed(t *testing.T) {
	f := newFixture()
	f.disputes.openErr = dispute.ErrWindowClosed
	rec := f.do(t, http.MethodPost, "/api/payments/pay-1/disputes", "payer@example.com", `{"reason":"r","details":"d"}`, nil)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("code = %d, want 422", rec.Code)
	}
}

func TestDisputeResolutionIsAdminOnly(t *testing.T) {
	f := newFixture()
	body := `{"outcome":"approved"}`

	rec := f.do(t, http.MethodPost, "/api/disputes/disp-1/resolution", "payer@example.com", body, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("user code = %d, want 403", rec.Code)
	}

	rec = f.do(t, http.MethodPost, "/api/disputes/disp-1/resolution", "ops@example.com|admin", body, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("admin code = %d: %s", rec.Code, rec.Body.String())
	}
	if len(f.disputes.resolved) != 1 || f.disputes.resolved[0].Outcome != dispute.StatusApproved {
		t.Fatalf("resolved = %+v", f.disputes.resolved)
	}
}

func TestPendingDisputesAdminOnly(t *testing.T) {
	f := newFixture()
	rec := f.do(t, http.MethodGet, "/api/disputes/pending", "payer@example.com", "", nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("user code = %d, want 403", rec.Code)
	}
	rec = f.do(t, http.MethodGet, "/api/disputes/pending", "ops@example.com|admin", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("admin code = %d", rec.Code)
	}
}

func TestYieldEstimate(t *testing.T) {
	f := newFixture()
	start := time.Date(2025, 5, 16, 0, 0, 0, 0, time.UTC)
	p := f.reader.payments["pay-1"]
	p.YieldEnabled = true
	p.YieldStartedAt = &start
	f.reader.payments["pay-1"] = p

	rec := f.do(t, http.MethodGet, "/api/payments/pay-1/yield", "payer@example.com", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["enabled"] != true {
		t.Fatalf("body = %v", body)
	}
	// 100,000 centavos at 7.2% annual over 30 days, 80% to the payer.
	if body["accrued"].(float64) != 592 || body["payer_share"].(float64) != 473 {
		t.Fatalf("accrual = %v / %v", body["accrued"], body["payer_share"])
	}
}

func TestYieldRefundAfterSustainedDispute(t *testing.T) {
	f := newFixture()
	start := time.Date(2025, 5, 16, 0, 0, 0, 0, time.UTC)
	p := f.reader.payments["pay-1"]
	p.YieldEnabled = true
	p.YieldStartedAt = &start
	p.Status = payment.StatusCancelled
	f.reader.payments["pay-1"] = p
	f.custodies.records["pay-1"] = custody.Record{
		PaymentID:     "pay-1",
		Status:        custody.StatusReleased,
		DisputeStatus: custody.DisputeApproved,
	}

	rec := f.do(t, http.MethodGet, "/api/payments/pay-1/yield", "payer@example.com", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}
	body := decodeBody(t, rec)
	// Full accrual to the payer, nothing retained by the platform.
	if body["accrued"].(float64) != 592 || body["payer_share"].(float64) != 592 {
		t.Fatalf("accrual = %v / %v, want the full amount for the payer", body["accrued"], body["payer_share"])
	}
	if body["platform_share"].(float64) != 0 {
		t.Fatalf("platform share = %v, want 0", body["platform_share"])
	}
	if body["refund_to_payer"] != true {
		t.Fatalf("body = %v", body)
	}
}

func TestYieldSplitUnchangedByDismissedDispute(t *testing.T) {
	f := newFixture()
	start := time.Date(2025, 5, 16, 0, 0, 0, 0, time.UTC)
	p := f.reader.payments["pay-1"]
	p.YieldEnabled = true
	p.YieldStartedAt = &start
	f.reader.payments["pay-1"] = p
	f.custodies.records["pay-1"] = custody.Record{
		PaymentID:     "pay-1",
		Status:        custody.StatusActive,
		DisputeStatus: custody.DisputeDismissed,
	}

	rec := f.do(t, http.MethodGet, "/api/payments/pay-1/yield", "payer@example.com", "", nil)
	body := decodeBody(t, rec)
	if body["payer_share"].(float64) != 473 || body["refund_to_payer"] != false {
		t.Fatalf("body = %v, want the normal split", body)
	}
}

func TestYieldConsultsRateSource(t *testing.T) {
	f := newFixture()
	start := time.Date(2025, 5, 16, 0, 0, 0, 0, time.UTC)
	p := f.reader.payments["pay-1"]
	p.YieldEnabled = true
	p.YieldStartedAt = &start
	f.reader.payments["pay-1"] = p

	server := &Server{
		Payments:   f.payments,
		Reader:     f.reader,
		Custody:    f.custodies,
		Approvals:  f.approvals,
		Disputes:   f.disputes,
		Requests:   stubRequests{},
		Accounts:   f.accounts,
		Idempotent: f.idem,
		Yield:      yield.NewCalculator(0),
		Rates:      yield.StaticRate(0.144),
		now:        func() time.Time { return time.Date(2025, 6, 15, 0, 0, 0, 0, time.UTC) },
	}
	f.handler = NewRouter(server, nil, nil, nil)

	rec := f.do(t, http.MethodGet, "/api/payments/pay-1/yield", "payer@example.com", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}
	// 100,000 centavos at 14.4% annual over 30 days.
	if got := decodeBody(t, rec)["accrued"].(float64); got != 1184 {
		t.Fatalf("accrued = %v, want 1184 at the sourced rate", got)
	}
}

func TestYieldDisabled(t *testing.T) {
	f := newFixture()
	rec := f.do(t, http.MethodGet, "/api/payments/pay-1/yield", "payer@example.com", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}
	if decodeBody(t, rec)["enabled"] != false {
		t.Fatal("yield should be off by default")
	}
}

func TestRequestLifecycleRoutes(t *testing.T) {
	f := newFixture()
	rec := f.do(t, http.MethodPost, "/api/requests", "payee@example.com",
		`{"payer_email":"payer@example.com","total_amount":5000,"custody_percent":50,"custody_period_days":15}`, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create code = %d: %s", rec.Code, rec.Body.String())
	}
	rec = f.do(t, http.MethodPost, "/api/requests/req-1/accept", "payer@example.com", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("accept code = %d", rec.Code)
	}
	if decodeBody(t, rec)["status"] != string(request.StatusAccepted) {
		t.Fatalf("body = %s", rec.Body.String())
	}
}

func TestRetryableErrorSurfacesAs502(t *testing.T) {
	f := newFixture()
	f.payments.createErr = &retryableError{msg: "authorize hold: ledger down"}

	body := `{"payee_email":"payee@example.com","total_amount":100000,"custody_percent":50,"custody_period_days":30}`
	rec := f.do(t, http.MethodPost, "/api/payments", "payer@example.com", body, nil)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("code = %d, want 502", rec.Code)
	}
	if decodeBody(t, rec)["retryable"] != true {
		t.Fatalf("body = %s", rec.Body.String())
	}
}

func TestHealthEndpointWithoutSource(t *testing.T) {
	f := newFixture()
	rec := f.do(t, http.MethodGet, "/healthz", "", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}
}
