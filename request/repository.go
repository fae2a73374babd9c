package request

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrNotFound = errors.New("request: not found")
)

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const requestColumns = `id, payee_email, payer_email, total_amount, currency,
	custody_percent, custody_period_days, description, status, payment_id,
	created_at, updated_at`

func scanRequest(row pgx.Row) (Request, error) {
	var req Request
	err := row.Scan(
		&req.ID, &req.PayeeEmail, &req.PayerEmail, &req.TotalAmount, &req.Currency,
		&req.CustodyPercent, &req.CustodyPeriodDays, &req.Description, &req.Status, &req.PaymentID,
		&req.CreatedAt, &req.UpdatedAt,
	)
	return req, err
}

func (r *Repository) Create(ctx context.Context, req Request) (Request, error) {
	insertSQL := `
        INSERT INTO payment_requests (id, payee_email, payer_email, total_amount, currency,
            custody_percent, custody_period_days, description, status)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,'open')
        RETURNING ` + requestColumns
	created, err := scanRequest(r.pool.QueryRow(ctx, insertSQL,
		req.ID, req.PayeeEmail, req.PayerEmail, req.TotalAmount, req.Currency,
		req.CustodyPercent, req.CustodyPeriodDays, req.Description,
	))
	if err != nil {
		return Request{}, fmt.Errorf("request: insert: %w", err)
	}
	return created, nil
}

func (r *Repository) Get(ctx context.Context, id string) (Request, error) {
	req, err := scanRequest(r.pool.QueryRow(ctx, `SELECT `+requestColumns+` FROM payment_requests WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Request{}, ErrNotFound
	}
	if err != nil {
		return Request{}, fmt.Errorf("request: get: %w", err)
	}
	return req, nil
}

func (r *Repository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Request, error) {
	req, err := scanRequest(tx.QueryRow(ctx, `SELECT `+requestColumns+` FROM payment_requests WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Request{}, ErrNotFound
	}
	if err != nil {
		return Request{}, fmt.Errorf("request: get for update: %w", err)
	}
	return req, nil
}

func (r *Repository) UpdateStatus(ctx context.Context, tx pgx.Tx, id string, status Status, paymentID *string) (Request, error) {
	req, err := scanRequest(tx.QueryRow(ctx, `
        UPDATE payment_requests
        SET status = $2, payment_id = COALESCE($3, payment_id), updated_at = now()
        WHERE id = $1
        RETURNING `+requestColumns, id, string(status), paymentID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Request{}, ErrNotFound
	}
	if err != nil {
		return Request{}, fmt.Errorf("request: update status: %w", err)
	}
	return req, nil
}

// ListForParty lists requests the account sent or received, newest first.
func (r *Repository) ListForParty(ctx context.Context, email string, limit int) ([]Request, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `
        SELECT `+requestColumns+`
        FROM payment_requests
        WHERE payee_email = $1 OR payer_email = $1
        ORDER BY created_at DESC
        LIMIT $2
    `, email, limit)
	if err != nil {
		return nil, fmt.Errorf("request: list for party: %w", err)
	}
	defer rows.Close()

	out := make([]Request, 0, limit)
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("request: scan: %w", err)
		}
		out = append(out, req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("request: iterate: %w", err)
	}
	return out, nil
}
