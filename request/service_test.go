package request

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"escrowflow/payment"
)

type fakePool struct{}

func (f *fakePool) Begin(ctx context.Context) (pgx.Tx, error) { return &fakeTx{}, nil }

type fakeTx struct{}

func (f *fakeTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("fakeTx does not support nested transactions")
}
func (f *fakeTx) Commit(context.Context) error   { return nil }
func (f *fakeTx) Rollback(context.Context) error { return nil }
func (f *fakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}
func (f *fakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults { panic("not implemented") }
func (f *fakeTx) LargeObjects() pgx.LargeObjects                         { panic("not implemented") }
func (f *fakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}
func (f *fakeTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	panic("not implemented")
}
func (f *fakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) { panic("not implemented") }
func (f *fakeTx) QueryRow(context.Context, string, ...any) pgx.Row        { panic("not implemented") }
func (f *fakeTx) Conn() *pgx.Conn                                         { return nil }

type memStore struct {
	items     map[string]Request
	updateErr error
}

func newMemStore() *memStore { return &memStore{items: make(map[string]Request)} }

func (m *memStore) Create(ctx context.Context, req Request) (Request, error) {
	req.Status = StatusOpen
	req.CreatedAt = time.Now()
	m.items[req.ID] = req
	return req, nil
}

func (m *memStore) Get(ctx context.Context, id string) (Request, error) {
	req, ok := m.items[id]
	if !ok {
		return Request{}, ErrNotFound
	}
	return req, nil
}

func (m *memStore) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Request, error) {
	return m.Get(ctx, id)
}

func (m *memStore) UpdateStatus(ctx context.Context, tx pgx.Tx, id string, status Status, paymentID *string) (Request, error) {
	if m.updateErr != nil {
		return Request{}, m.updateErr
	}
	req, ok := m.items[id]
	if !ok {
		return Request{}, ErrNotFound
	}
	req.Status = status
	if paymentID != nil {
		req.PaymentID = paymentID
	}
	m.items[id] = req
	return req, nil
}

func (m *memStore) ListForParty(ctx context.Context, email string, limit int) ([]Request, error) {
	var out []Request
	for _, req := range m.items {
		if req.PayeeEmail == email || req.PayerEmail == email {
			out = append(out, req)
		}
	}
	return out, nil
}

type fakeCreator struct {
	created   []payment.CreateParams
	cancelled []string
	createErr error
}

func (f *fakeCreator) Create(ctx context.Context, params payment.CreateParams) (payment.Payment, error) {
	if f.createErr != nil {
		return payment.Payment{}, f.createErr
	}
	f.created = append(f.created, params)
	return payment.Payment{
		ID:         fmt.Sprintf("pay-%d", len(f.created)),
		PayerEmail: params.PayerEmail,
		PayeeEmail: params.PayeeEmail,
		Status:     payment.StatusPending,
	}, nil
}

func (f *fakeCreator) Cancel(ctx context.Context, paymentID, reason string) error {
	f.cancelled = append(f.cancelled, paymentID)
	return nil
}

func newService() (*Service, *memStore, *fakeCreator) {
	store := newMemStore()
	creator := &fakeCreator{}
	seq := 0
	svc := NewService(&fakePool{}, store, creator).
		WithIDGenerator(func() string { seq++; return fmt.Sprintf("req-%d", seq) })
	return svc, store, creator
}

func openRequest(t *testing.T, svc *Service) Request {
	t.Helper()
	req, err := svc.Create(context.Background(), CreateParams{
		PayeeEmail:        "payee@example.com",
		PayerEmail:        "payer@example.com",
		TotalAmount:       100000,
		CustodyPercent:    50,
		CustodyPeriodDays: 30,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return req
}

func TestCreateNormalizesEmails(t *testing.T) {
	svc, _, _ := newService()

	req, err := svc.Create(context.Background(), CreateParams{
		PayeeEmail:        "  Payee@Example.com ",
		PayerEmail:        "PAYER@example.com",
		TotalAmount:       5000,
		CustodyPercent:    100,
		CustodyPeriodDays: 7,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if req.PayeeEmail != "payee@example.com" || req.PayerEmail != "payer@example.com" {
		t.Fatalf("emails not normalized: %s / %s", req.PayeeEmail, req.PayerEmail)
	}
	if req.Currency != "MXN" {
		t.Fatalf("currency = %s, want MXN default", req.Currency)
	}
}

func TestCreateValidation(t *testing.T) {
	svc, _, _ := newService()
	base := CreateParams{
		PayeeEmail:        "payee@example.com",
		PayerEmail:        "payer@example.com",
		TotalAmount:       1000,
		CustodyPercent:    50,
		CustodyPeriodDays: 7,
	}

	cases := []struct {
		name   string
		mutate func(*CreateParams)
	}{
		{"same party both sides", func(p *CreateParams) { p.PayerEmail = p.PayeeEmail }},
		{"non-positive amount", func(p *CreateParams) { p.TotalAmount = 0 }},
		{"percent above 100", func(p *CreateParams) { p.CustodyPercent = 101 }},
		{"zero custody period", func(p *CreateParams) { p.CustodyPeriodDays = 0 }},
		{"missing payer", func(p *CreateParams) { p.PayerEmail = "" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			params := base
			tc.mutate(&params)
			if _, err := svc.Create(context.Background(), params); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestAcceptOpensPaymentWithRequestTerms(t *testing.T) {
	svc, _, creator := newService()
	req := openRequest(t, svc)

	accepted, err := svc.Accept(context.Background(), req.ID, "payer@example.com")
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if accepted.Status != StatusAccepted {
		t.Fatalf("status = %s, want accepted", accepted.Status)
	}
	if accepted.PaymentID == nil || *accepted.PaymentID != "pay-1" {
		t.Fatalf("payment link = %v, want pay-1", accepted.PaymentID)
	}
	if len(creator.created) != 1 {
		t.Fatalf("payments created = %d, want 1", len(creator.created))
	}
	got := creator.created[0]
	if got.TotalAmount != 100000 || got.CustodyPercent != 50 || got.CustodyPeriodDays != 30 {
		t.Fatalf("payment terms differ from the request: %+v", got)
	}
}

func TestAcceptOnlyByNamedPayer(t *testing.T) {
	svc, _, creator := newService()
	req := openRequest(t, svc)

	if _, err := svc.Accept(context.Background(), req.ID, "payee@example.com"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("err = %v, want ErrForbidden", err)
	}
	if len(creator.created) != 0 {
		t.Fatal("payment created for a forbidden accept")
	}
}

func TestAcceptClosedRequest(t *testing.T) {
	svc, _, _ := newService()
	req := openRequest(t, svc)
	if _, err := svc.Reject(context.Background(), req.ID, "payer@example.com"); err != nil {
		t.Fatalf("reject: %v", err)
	}
	if _, err := svc.Accept(context.Background(), req.ID, "payer@example.com"); !errors.Is(err, ErrNotOpen) {
		t.Fatalf("err = %v, want ErrNotOpen", err)
	}
}

func TestAcceptCancelsPaymentWhenLinkFails(t *testing.T) {
	svc, store, creator := newService()
	req := openRequest(t, svc)
	store.updateErr = errors.New("request: update status: connection reset")

	if _, err := svc.Accept(context.Background(), req.ID, "payer@example.com"); err == nil {
		t.Fatal("expected the store failure to surface")
	}
	if len(creator.created) != 1 {
		t.Fatalf("payments created = %d, want 1", len(creator.created))
	}
	if len(creator.cancelled) != 1 || creator.cancelled[0] != "pay-1" {
		t.Fatalf("cancelled = %v, want the freshly created payment", creator.cancelled)
	}
	if got, _ := store.Get(context.Background(), req.ID); got.Status != StatusOpen {
		t.Fatalf("request status = %s, want still open", got.Status)
	}
}

func TestCancelOnlyByPayee(t *testing.T) {
	svc, _, _ := newService()
	req := openRequest(t, svc)

	if _, err := svc.Cancel(context.Background(), req.ID, "payer@example.com"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("err = %v, want ErrForbidden", err)
	}
	cancelled, err := svc.Cancel(context.Background(), req.ID, "payee@example.com")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != StatusCancelled {
		t.Fatalf("status = %s, want cancelled", cancelled.Status)
	}
}
