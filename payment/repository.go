package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotFound is returned when no payment row exists for the identifier.
	ErrNotFound = errors.New("payment: not found")
)

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const paymentColumns = `id, payer_email, payee_email, commission_email, commission_amount,
	total_amount, currency, custody_percent, custody_period_days,
	release_conditions, description, deposit_account, deposit_reference,
	status, payer_approved, payee_approved, payer_approved_at, payee_approved_at,
	yield_enabled, yield_started_at, funded_at, created_at, updated_at`

func scanPayment(row pgx.Row) (Payment, error) {
	var p Payment
	err := row.Scan(
		&p.ID, &p.PayerEmail, &p.PayeeEmail, &p.CommissionEmail, &p.CommissionAmount,
		&p.TotalAmount, &p.Currency, &p.CustodyPercent, &p.CustodyPeriodDays,
		&p.ReleaseConditions, &p.Description, &p.DepositAccount, &p.DepositReference,
		&p.Status, &p.PayerApproved, &p.PayeeApproved, &p.PayerApprovedAt, &p.PayeeApprovedAt,
		&p.YieldEnabled, &p.YieldStartedAt, &p.FundedAt, &p.CreatedAt, &p.UpdatedAt,
	)
	return p, err
}

func (r *Repository) Create(ctx context.Context, tx pgx.Tx, p Payment) (Payment, error) {
	insertSQL := `
        INSERT INTO payments (id, payer_email, payee_email, commission_email, commission_amount,
            total_amount, currency, custody_percent, custody_period_days,
            release_conditions, description, deposit_account, yield_enabled, status)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,'pending')
        RETURNING ` + paymentColumns
	created, err := scanPayment(tx.QueryRow(ctx, insertSQL,
		p.ID, p.PayerEmail, p.PayeeEmail, p.CommissionEmail, p.CommissionAmount,
		p.TotalAmount, p.Currency, p.CustodyPercent, p.CustodyPeriodDays,
		p.ReleaseConditions, p.Description, p.DepositAccount, p.YieldEnabled,
	))
	if err != nil {
		return Payment{}, fmt.Errorf("payment: insert: %w", err)
	}
	return created, nil
}

func (r *Repository) Get(ctx context.Context, id string) (Payment, error) {
	p, err := scanPayment(r.pool.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Payment{}, ErrNotFound
	}
	if err != nil {
		return Payment{}, fmt.Errorf("payment: get: %w", err)
	}
	return p, nil
}

func (r *Repository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Payment, error) {
	p, err := scanPayment(tx.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Payment{}, ErrNotFound
	}
	if err != nil {
		return Payment{}, fmt.Errorf("payment: get for update: %w", err)
	}
	return p, nil
}

func (r *Repository) UpdateStatus(ctx context.Context, tx pgx.Tx, id string, status Status) error {
	tag, err := tx.Exec(ctx, `UPDATE payments SET status = $2, updated_at = now() WHERE id = $1`, id, string(status))
	if err != nil {
		return fmt.Errorf("payment: update status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkFunded records the deposit match and stamps the funding instant, which
// anchors both the custody timer and yield accrual.
func (r *Repository) MarkFunded(ctx context.Context, tx pgx.Tx, id, depositReference string, fundedAt time.Time) error {
	tag, err := tx.Exec(ctx, `
        UPDATE payments
        SET status = 'funded',
            deposit_reference = $2,
            funded_at = COALESCE(funded_at, $3),
            yield_started_at = CASE WHEN yield_enabled THEN COALESCE(yield_started_at, $3) ELSE yield_started_at END,
            updated_at = now()
        WHERE id = $1
    `, id, depositReference, fundedAt)
	if err != nil {
		return fmt.Errorf("payment: mark funded: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Repository) AppendEvent(ctx context.Context, tx pgx.Tx, paymentID, eventType, description string) error {
	var desc any
	if description != "" {
		desc = description
	}
	if _, err := tx.Exec(ctx, `INSERT INTO payment_events (payment_id, type, description) VALUES ($1,$2,$3)`, paymentID, eventType, desc); err != nil {
		return fmt.Errorf("payment: append event: %w", err)
	}
	return nil
}

// AppendEventDirect writes an event outside any transaction. Failure events
// use this path: the transition they describe rolled back, but the audit
// trail must still record the attempt.
func (r *Repository) AppendEventDirect(ctx context.Context, paymentID, eventType, description string) error {
	var desc any
	if description != "" {
		desc = description
	}
	if _, err := r.pool.Exec(ctx, `INSERT INTO payment_events (payment_id, type, description) VALUES ($1,$2,$3)`, paymentID, eventType, desc); err != nil {
		return fmt.Errorf("payment: append event: %w", err)
	}
	return nil
}

// ListEvents returns the full ordered feed for a payment, oldest first.
func (r *Repository) ListEvents(ctx context.Context, paymentID string) ([]Event, error) {
	rows, err := r.pool.Query(ctx, `
        SELECT id, payment_id, type, description, created_at
        FROM payment_events
        WHERE payment_id = $1
        ORDER BY created_at, id
    `, paymentID)
	if err != nil {
		return nil, fmt.Errorf("payment: list events: %w", err)
	}
	defer rows.Close()

	out := make([]Event, 0, 16)
	for rows.Next() {
		var ev Event
		if err := rows.Scan(&ev.ID, &ev.PaymentID, &ev.Type, &ev.Description, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("payment: scan event: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("payment: iterate events: %w", err)
	}
	return out, nil
}

func (r *Repository) HasEvent(ctx context.Context, paymentID, eventType string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM payment_events WHERE payment_id = $1 AND type = $2)`, paymentID, eventType).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("payment: has event: %w", err)
	}
	return exists, nil
}

func (r *Repository) ListByStatus(ctx context.Context, status Status, limit int) ([]Payment, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `SELECT `+paymentColumns+` FROM payments WHERE status = $1 ORDER BY created_at LIMIT $2`, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("payment: list by status: %w", err)
	}
	defer rows.Close()

	out := make([]Payment, 0, limit)
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("payment: scan: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("payment: iterate: %w", err)
	}
	return out, nil
}

// ListForParty lists payments where the account participates on either side.
func (r *Repository) ListForParty(ctx context.Context, email string, limit int) ([]Payment, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `
        SELECT `+paymentColumns+`
        FROM payments
        WHERE payer_email = $1 OR payee_email = $1
        ORDER BY created_at DESC
        LIMIT $2
    `, email, limit)
	if err != nil {
		return nil, fmt.Errorf("payment: list for party: %w", err)
	}
	defer rows.Close()

	out := make([]Payment, 0, limit)
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("payment: scan: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("payment: iterate: %w", err)
	}
	return out, nil
}

// ListCompletedWithoutPayout finds completed payments whose custody released
// but whose fiat settlement has not produced a payout_completed event yet.
func (r *Repository) ListCompletedWithoutPayout(ctx context.Context, limit int) ([]Payment, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `
        SELECT `+paymentColumns+`
        FROM payments p
        WHERE p.status = 'completed'
          AND EXISTS (
              SELECT 1 FROM custody_records c
              WHERE c.payment_id = p.id AND c.status = 'released'
          )
          AND NOT EXISTS (
              SELECT 1 FROM payment_events e
              WHERE e.payment_id = p.id AND e.type = 'payout_completed'
          )
        ORDER BY p.updated_at
        LIMIT $1
    `, limit)
	if err != nil {
		return nil, fmt.Errorf("payment: list pending payouts: %w", err)
	}
	defer rows.Close()

	out := make([]Payment, 0, limit)
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("payment: scan: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("payment: iterate: %w", err)
	}
	return out, nil
}
