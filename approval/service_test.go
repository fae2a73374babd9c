package approval

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"escrowflow/payment"
)

type fakePayments struct {
	p      payment.Payment
	events []string
}

func (f *fakePayments) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (payment.Payment, error) {
	if id != f.p.ID {
		return payment.Payment{}, payment.ErrNotFound
	}
	return f.p, nil
}

func (f *fakePayments) AppendEvent(ctx context.Context, tx pgx.Tx, paymentID, eventType, description string) error {
	f.events = append(f.events, eventType)
	return nil
}

type fakePool struct {
	txs []*fakeTx
}

func (f *fakePool) Begin(ctx context.Context) (pgx.Tx, error) {
	tx := &fakeTx{}
	f.txs = append(f.txs, tx)
	return tx, nil
}

type fakeTx struct {
	committed bool
	rolled    bool
	execs     []string
}

func (f *fakeTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("fakeTx does not support nested transactions")
}
func (f *fakeTx) Commit(context.Context) error   { f.committed = true; return nil }
func (f *fakeTx) Rollback(context.Context) error { f.rolled = true; return nil }
func (f *fakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}
func (f *fakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults { panic("not implemented") }
func (f *fakeTx) LargeObjects() pgx.LargeObjects                         { panic("not implemented") }
func (f *fakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}
func (f *fakeTx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.execs = append(f.execs, sql)
	return pgconn.NewCommandTag("UPDATE 1"), nil
}
func (f *fakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) { panic("not implemented") }
func (f *fakeTx) QueryRow(context.Context, string, ...any) pgx.Row        { panic("not implemented") }
func (f *fakeTx) Conn() *pgx.Conn                                         { return nil }

func escrowedPayment() payment.Payment {
	return payment.Payment{
		ID:         "pay-1",
		PayerEmail: "payer@example.com",
		PayeeEmail: "payee@example.com",
		Status:     payment.StatusEscrowed,
	}
}

func newService(p payment.Payment) (*Service, *fakePayments, *fakePool) {
	payments := &fakePayments{p: p}
	pool := &fakePool{}
	svc := NewService(pool, payments, payment.NewLockTable()).
		WithClock(func() time.Time { return time.Date(2025, 6, 15, 0, 0, 0, 0, time.UTC) })
	return svc, payments, pool
}

func TestApproveRecordsFlag(t *testing.T) {
	svc, payments, pool := newService(escrowedPayment())

	res, err := svc.Approve(context.Background(), "pay-1", "payer@example.com", payment.PartyPayer)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if !res.Changed {
		t.Fatal("expected Changed")
	}
	if res.BothApproved {
		t.Fatal("one approval must not satisfy the dual condition")
	}
	if len(payments.events) != 1 || payments.events[0] != payment.EventPayerApproved {
		t.Fatalf("events = %v, want [payer_approved]", payments.events)
	}
	tx := pool.txs[len(pool.txs)-1]
	if !tx.committed {
		t.Fatal("expected commit")
	}
	if len(tx.execs) != 1 || !strings.Contains(tx.execs[0], "payer_approved") {
		t.Fatalf("flag update not executed: %v", tx.execs)
	}
}

func TestApproveCompletesPair(t *testing.T) {
	p := escrowedPayment()
	p.PayerApproved = true
	svc, payments, _ := newService(p)

	res, err := svc.Approve(context.Background(), "pay-1", "payee@example.com", payment.PartyPayee)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if !res.BothApproved {
		t.Fatal("second approval must complete the pair")
	}
	if payments.events[0] != payment.EventPayeeApproved {
		t.Fatalf("events = %v", payments.events)
	}
}

func TestApproveIdempotent(t *testing.T) {
	p := escrowedPayment()
	p.PayerApproved = true
	svc, payments, _ := newService(p)

	res, err := svc.Approve(context.Background(), "pay-1", "payer@example.com", payment.PartyPayer)
	if err != nil {
		t.Fatalf("approve replay: %v", err)
	}
	if res.Changed {
		t.Fatal("replay must not change state")
	}
	if len(payments.events) != 0 {
		t.Fatalf("replay recorded events: %v", payments.events)
	}
}

func TestApproveChecksIdentity(t *testing.T) {
	svc, _, _ := newService(escrowedPayment())

	// The payee cannot fill the payer's slot.
	if _, err := svc.Approve(context.Background(), "pay-1", "payee@example.com", payment.PartyPayer); !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("err = %v, want ErrNotParticipant", err)
	}
	if _, err := svc.Approve(context.Background(), "pay-1", "stranger@example.com", payment.PartyPayee); !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("err = %v, want ErrNotParticipant", err)
	}
}

func TestApproveRequiresEscrow(t *testing.T) {
	p := escrowedPayment()
	p.Status = payment.StatusFunded
	svc, _, _ := newService(p)

	if _, err := svc.Approve(context.Background(), "pay-1", "payer@example.com", payment.PartyPayer); !errors.Is(err, payment.ErrInvalidTransition) {
		t.Fatalf("err = %v, want ErrInvalidTransition", err)
	}

	p.Status = payment.StatusCompleted
	svc, _, _ = newService(p)
	if _, err := svc.Approve(context.Background(), "pay-1", "payer@example.com", payment.PartyPayer); !errors.Is(err, payment.ErrTerminalState) {
		t.Fatalf("err = %v, want ErrTerminalState", err)
	}
}

func TestRevoke(t *testing.T) {
	p := escrowedPayment()
	p.PayerApproved = true
	svc, payments, _ := newService(p)

	res, err := svc.Revoke(context.Background(), "pay-1", "payer@example.com", payment.PartyPayer)
	if err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if !res.Changed {
		t.Fatal("expected Changed")
	}
	if payments.events[0] != payment.EventApprovalRevoked {
		t.Fatalf("events = %v", payments.events)
	}
}

func TestRevokeNoopWhenNotApproved(t *testing.T) {
	svc, payments, _ := newService(escrowedPayment())

	res, err := svc.Revoke(context.Background(), "pay-1", "payer@example.com", payment.PartyPayer)
	if err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if res.Changed || len(payments.events) != 0 {
		t.Fatal("revoking an absent approval must be a no-op")
	}
}

func TestRevokeRequiresEscrow(t *testing.T) {
	p := escrowedPayment()
	p.Status = payment.StatusDisputed
	p.PayerApproved = true
	svc, payments, _ := newService(p)

	if _, err := svc.Revoke(context.Background(), "pay-1", "payer@example.com", payment.PartyPayer); !errors.Is(err, payment.ErrInvalidTransition) {
		t.Fatalf("err = %v, want ErrInvalidTransition", err)
	}
	if len(payments.events) != 0 {
		t.Fatalf("revoke while disputed recorded events: %v", payments.events)
	}

	p.Status = payment.StatusCancelled
	svc, _, _ = newService(p)
	if _, err := svc.Revoke(context.Background(), "pay-1", "payer@example.com", payment.PartyPayer); !errors.Is(err, payment.ErrTerminalState) {
		t.Fatalf("err = %v, want ErrTerminalState", err)
	}
}

func TestRevokeClosedAfterBothApproved(t *testing.T) {
	p := escrowedPayment()
	p.PayerApproved, p.PayeeApproved = true, true
	svc, _, _ := newService(p)

	if _, err := svc.Revoke(context.Background(), "pay-1", "payer@example.com", payment.PartyPayer); !errors.Is(err, ErrNotRevocable) {
		t.Fatalf("err = %v, want ErrNotRevocable", err)
	}
}
