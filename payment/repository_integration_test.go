package payment

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// TestRepository_Integration connects to a real PostgreSQL via DATABASE_URL and
// walks a payment through funding, audit events and payout listing.
func TestRepository_Integration(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL is empty; set it to a live PostgreSQL to run integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect pool: %v", err)
	}
	defer pool.Close()

	if !tableExists(ctx, t, pool, "payments") || !tableExists(ctx, t, pool, "custody_records") || !tableExists(ctx, t, pool, "payment_events") {
		t.Skip("database schema missing; apply files under migrations/ first")
	}

	repo := NewRepository(pool)

	suffix := time.Now().UnixNano()
	payer := fmt.Sprintf("payer+%d@example.com", suffix)
	payee := fmt.Sprintf("payee+%d@example.com", suffix)

	paymentID := uuid.NewString()
	custodyID := uuid.NewString()

	t.Cleanup(func() {
		ctx2, cancel2 := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel2()
		// Events are append-only; the trigger has to be lifted for cleanup.
		pool.Exec(ctx2, `DELETE FROM custody_records WHERE payment_id = $1`, paymentID)
		pool.Exec(ctx2, `ALTER TABLE payment_events DISABLE TRIGGER no_mutate_payment_events`)
		pool.Exec(ctx2, `DELETE FROM payment_events WHERE payment_id = $1`, paymentID)
		pool.Exec(ctx2, `ALTER TABLE payment_events ENABLE TRIGGER no_mutate_payment_events`)
		pool.Exec(ctx2, `DELETE FROM payments WHERE id = $1`, paymentID)
	})

	// Create inside a transaction, the way the engine does it.
	tx, err := pool.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	created, err := repo.Create(ctx, tx, Payment{
		ID:                paymentID,
		PayerEmail:        payer,
		PayeeEmail:        payee,
		TotalAmount:       250_000,
		Currency:          "MXN",
		CustodyPercent:    40,
		CustodyPeriodDays: 30,
		YieldEnabled:      true,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := repo.AppendEvent(ctx, tx, paymentID, EventPaymentCreated, ""); err != nil {
		t.Fatalf("append created event: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if created.Status != StatusPending {
		t.Fatalf("status = %s, want pending", created.Status)
	}

	got, err := repo.Get(ctx, paymentID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.TotalAmount != 250_000 || got.PayerEmail != payer {
		t.Fatalf("round trip mismatch: %+v", got)
	}

	if _, err := repo.Get(ctx, uuid.NewString()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("get missing: err = %v, want ErrNotFound", err)
	}

	// Mark funded under row lock. funded_at and yield_started_at are stamped
	// once and must survive a replay with a later timestamp.
	fundedAt := time.Now().UTC().Truncate(time.Millisecond)
	markFunded := func(at time.Time) {
		t.Helper()
		tx, err := pool.Begin(ctx)
		if err != nil {
			t.Fatalf("begin: %v", err)
		}
		if _, err := repo.GetForUpdate(ctx, tx, paymentID); err != nil {
			t.Fatalf("get for update: %v", err)
		}
		if err := repo.MarkFunded(ctx, tx, paymentID, "dep-ref-1", at); err != nil {
			t.Fatalf("mark funded: %v", err)
		}
		if err := tx.Commit(ctx); err != nil {
			t.Fatalf("commit funded: %v", err)
		}
	}
	markFunded(fundedAt)
	markFunded(fundedAt.Add(time.Hour))

	got, err = repo.Get(ctx, paymentID)
	if err != nil {
		t.Fatalf("get after funding: %v", err)
	}
	if got.Status != StatusFunded {
		t.Fatalf("status = %s, want funded", got.Status)
	}
	if got.FundedAt == nil || !got.FundedAt.Equal(fundedAt) {
		t.Fatalf("funded_at = %v, want first stamp %v", got.FundedAt, fundedAt)
	}
	if got.YieldStartedAt == nil || !got.YieldStartedAt.Equal(fundedAt) {
		t.Fatalf("yield_started_at = %v, want %v", got.YieldStartedAt, fundedAt)
	}

	byStatus, err := repo.ListByStatus(ctx, StatusFunded, 500)
	if err != nil {
		t.Fatalf("list by status: %v", err)
	}
	if !containsPayment(byStatus, paymentID) {
		t.Fatal("funded payment missing from status listing")
	}

	forParty, err := repo.ListForParty(ctx, payee, 500)
	if err != nil {
		t.Fatalf("list for party: %v", err)
	}
	if !containsPayment(forParty, paymentID) {
		t.Fatal("payment missing from payee listing")
	}

	// Failure events bypass transactions entirely.
	if err := repo.AppendEventDirect(ctx, paymentID, EventEscrowFundingFailed, "ledger timeout"); err != nil {
		t.Fatalf("append direct: %v", err)
	}
	events, err := repo.ListEvents(ctx, paymentID)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 2 || events[0].Type != EventPaymentCreated || events[1].Type != EventEscrowFundingFailed {
		t.Fatalf("events = %+v", events)
	}

	// Payout listing needs a released custody and no payout_completed event.
	if _, err := pool.Exec(ctx, `
        INSERT INTO custody_records (id, payment_id, custody_amount, release_amount, status, custody_end)
        VALUES ($1,$2,100000,150000,'released', now())`, custodyID, paymentID); err != nil {
		t.Fatalf("seed custody: %v", err)
	}
	tx, err = pool.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := repo.UpdateStatus(ctx, tx, paymentID, StatusCompleted); err != nil {
		t.Fatalf("update status: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit completed: %v", err)
	}

	pending, err := repo.ListCompletedWithoutPayout(ctx, 500)
	if err != nil {
		t.Fatalf("list pending payouts: %v", err)
	}
	if !containsPayment(pending, paymentID) {
		t.Fatal("completed payment missing from payout backlog")
	}

	if err := repo.AppendEventDirect(ctx, paymentID, EventPayoutCompleted, ""); err != nil {
		t.Fatalf("append payout event: %v", err)
	}
	pending, err = repo.ListCompletedWithoutPayout(ctx, 500)
	if err != nil {
		t.Fatalf("re-list pending payouts: %v", err)
	}
	if containsPayment(pending, paymentID) {
		t.Fatal("paid-out payment still in payout backlog")
	}

	has, err := repo.HasEvent(ctx, paymentID, EventPayoutCompleted)
	if err != nil || !has {
		t.Fatalf("has event = %v, %v", has, err)
	}
}

func containsPayment(list []Payment, id string) bool {
	for _, p := range list {
		if p.ID == id {
			return true
		}
	}
	return false
}

func tableExists(ctx context.Context, t *testing.T, pool *pgxpool.Pool, name string) bool {
	t.Helper()
	var exists bool
	err := pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_schema = 'public' AND table_name = $1)`, name).Scan(&exists)
	if err != nil {
		t.Fatalf("check table %s: %v", name, err)
	}
	return exists
}
