// Package actors drives concurrent payment lifecycles straight against the
// database, racing the transitions the platform serializes in production.
package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Creator opens new pending payments between the seeded parties.
func Creator(ctx context.Context, pool *pgxpool.Pool, payerEmail, payeeEmail string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		id := uuid.NewString()
		_, err := pool.Exec(ctx, `
            INSERT INTO payments (id, payer_email, payee_email, total_amount, custody_percent, custody_period_days, status)
            VALUES ($1,$2,$3,$4,50,30,'pending')`,
			id, payerEmail, payeeEmail, int64(1000+rand.Intn(100000)))
		if err != nil {
			var pgErr *pgconn.PgError
			if !errors.As(err, &pgErr) {
				return fmt.Errorf("creator insert: %w", err)
			}
		} else {
			_, _ = pool.Exec(ctx, `INSERT INTO payment_events (payment_id, type) VALUES ($1,'payment_created')`, id)
		}
		time.Sleep(time.Duration(10+rand.Intn(20)) * time.Millisecond)
	}
}

// Funder races to move pending payments to funded and on into escrow,
// creating the custody record with the exact split.
func Funder(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}
		var (
			id    string
			total int64
			pct   int
			days  int
		)
		err = tx.QueryRow(ctx, `
            SELECT id, total_amount, custody_percent, custody_period_days
            FROM payments WHERE status='pending'
            LIMIT 1 FOR UPDATE SKIP LOCKED`).Scan(&id, &total, &pct, &days)
		if err == nil {
			custodyAmt := total * int64(pct) / 100
			_, err = tx.Exec(ctx, `
                UPDATE payments SET status='escrowed', funded_at = COALESCE(funded_at, NOW()),
                    deposit_reference = $2, updated_at = NOW()
                WHERE id=$1`, id, "dep-"+id[:8])
			if err == nil {
				_, _ = tx.Exec(ctx, `
                    INSERT INTO custody_records (id, payment_id, custody_amount, release_amount, status, ledger_custody_id, custody_end)
                    VALUES ($1,$2,$3,$4,'active',$5, NOW() + ($6 || ' days')::interval)
                    ON CONFLICT (payment_id) DO NOTHING`,
					uuid.NewString(), id, custodyAmt, total-custodyAmt, "ledger-"+id[:8], days)
				_, _ = tx.Exec(ctx, `INSERT INTO payment_events (payment_id, type) VALUES ($1,'deposit_detected'), ($1,'escrow_funded')`, id)
			}
		}
		if err == nil {
			_ = tx.Commit(ctx)
		} else {
			_ = tx.Rollback(ctx)
		}
		time.Sleep(time.Duration(20+rand.Intn(40)) * time.Millisecond)
	}
}

// Approver flips approval flags on escrowed payments, one side at a time.
func Approver(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		column := "payer"
		event := "payer_approved"
		if rand.Intn(2) == 0 {
			column = "payee"
			event = "payee_approved"
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}
		var id string
		err = tx.QueryRow(ctx, fmt.Sprintf(`
            SELECT id FROM payments
            WHERE status='escrowed' AND %s_approved = false
            LIMIT 1 FOR UPDATE SKIP LOCKED`, column)).Scan(&id)
		if err == nil {
			_, err = tx.Exec(ctx, fmt.Sprintf(`
                UPDATE payments SET %s_approved = true, %s_approved_at = NOW(), updated_at = NOW()
                WHERE id=$1`, column, column), id)
			if err == nil {
				_, _ = tx.Exec(ctx, `INSERT INTO payment_events (payment_id, type) VALUES ($1,$2)`, id, event)
			}
		}
		if err == nil {
			_ = tx.Commit(ctx)
		} else {
			_ = tx.Rollback(ctx)
		}
		time.Sleep(time.Duration(15+rand.Intn(35)) * time.Millisecond)
	}
}

// Releaser settles escrowed payments once both approvals are in and no
// dispute is pending, mirroring the dual-approval release path.
func Releaser(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}
		var id string
		err = tx.QueryRow(ctx, `
            SELECT p.id FROM payments p
            JOIN custody_records c ON c.payment_id = p.id
            WHERE p.status='escrowed' AND p.payer_approved AND p.payee_approved
              AND c.dispute_status IN ('none','dismissed') AND c.status <> 'released'
            LIMIT 1 FOR UPDATE OF p SKIP LOCKED`).Scan(&id)
		if err == nil {
			_, err = tx.Exec(ctx, `
                UPDATE custody_records SET status='released', release_tx_hash=$2, updated_at=NOW()
                WHERE payment_id=$1`, id, "rel-"+id[:8])
			if err == nil {
				_, err = tx.Exec(ctx, `UPDATE payments SET status='completed', updated_at=NOW() WHERE id=$1`, id)
			}
			if err == nil {
				_, _ = tx.Exec(ctx, `INSERT INTO payment_events (payment_id, type) VALUES ($1,'custody_released')`, id)
			}
		}
		if err == nil {
			_ = tx.Commit(ctx)
		} else {
			_ = tx.Rollback(ctx)
		}
		time.Sleep(time.Duration(25+rand.Intn(50)) * time.Millisecond)
	}
}

// Disputer freezes random escrowed payments and later dismisses the dispute,
// racing the Releaser for the same rows.
func Disputer(ctx context.Context, pool *pgxpool.Pool, payerEmail string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}
		var id string
		err = tx.QueryRow(ctx, `
            SELECT p.id FROM payments p
            JOIN custody_records c ON c.payment_id = p.id
            WHERE p.status='escrowed' AND c.dispute_status='none'
            LIMIT 1 FOR UPDATE OF p SKIP LOCKED`).Scan(&id)
		if err == nil {
			_, err = tx.Exec(ctx, `
                UPDATE custody_records SET dispute_status='pending', status='disputed', updated_at=NOW()
                WHERE payment_id=$1 AND status <> 'released'`, id)
			if err == nil {
				_, err = tx.Exec(ctx, `UPDATE payments SET status='disputed', updated_at=NOW() WHERE id=$1`, id)
			}
			if err == nil {
				_, _ = tx.Exec(ctx, `
                    INSERT INTO disputes (id, payment_id, raised_by, reason, details, status)
                    VALUES ($1,$2,$3,'stress','raised under contention','pending')`, uuid.NewString(), id, payerEmail)
				_, _ = tx.Exec(ctx, `INSERT INTO payment_events (payment_id, type) VALUES ($1,'dispute_opened')`, id)
			}
		}
		if err == nil {
			_ = tx.Commit(ctx)
		} else {
			_ = tx.Rollback(ctx)
		}

		// Occasionally dismiss a pending dispute, returning the payment to
		// escrow.
		if rand.Intn(3) == 0 {
			tx, err := pool.Begin(ctx)
			if err != nil {
				return err
			}
			var disputedID string
			err = tx.QueryRow(ctx, `
                SELECT id FROM payments WHERE status='disputed'
                LIMIT 1 FOR UPDATE SKIP LOCKED`).Scan(&disputedID)
			if err == nil {
				_, _ = tx.Exec(ctx, `
                    UPDATE disputes SET status='dismissed', resolved_at=NOW()
                    WHERE payment_id=$1 AND status='pending'`, disputedID)
				_, _ = tx.Exec(ctx, `
                    UPDATE custody_records SET dispute_status='dismissed', status='active', updated_at=NOW()
                    WHERE payment_id=$1 AND status <> 'released'`, disputedID)
				_, _ = tx.Exec(ctx, `UPDATE payments SET status='escrowed', updated_at=NOW() WHERE id=$1`, disputedID)
				_, _ = tx.Exec(ctx, `INSERT INTO payment_events (payment_id, type) VALUES ($1,'dispute_resolved')`, disputedID)
			}
			_ = tx.Commit(ctx)
		}
		time.Sleep(time.Duration(40+rand.Intn(80)) * time.Millisecond)
	}
}

// EventTamperer tries to rewrite and delete audit events; the append-only
// trigger must reject every attempt.
func EventTamperer(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		// Both statements are expected to fail whenever they match a row;
		// success with rows affected would be an invariant breach the
		// oracles cannot see, so record it.
		if tag, err := pool.Exec(ctx, `UPDATE payment_events SET type='tampered' WHERE id = (SELECT MIN(id) FROM payment_events)`); err == nil && tag.RowsAffected() > 0 {
			return errors.New("event tamperer: UPDATE on payment_events succeeded")
		}
		if tag, err := pool.Exec(ctx, `DELETE FROM payment_events WHERE id = (SELECT MIN(id) FROM payment_events)`); err == nil && tag.RowsAffected() > 0 {
			return errors.New("event tamperer: DELETE on payment_events succeeded")
		}
		time.Sleep(time.Duration(100+rand.Intn(100)) * time.Millisecond)
	}
}
