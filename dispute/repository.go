package dispute

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrNotFound = errors.New("dispute: not found")
)

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const disputeColumns = `id, payment_id, raised_by, reason, details, evidence_refs,
	status, admin_notes, open_tx_hash, resolve_tx_hash, created_at, resolved_at`

func scanDispute(row pgx.Row) (Dispute, error) {
	var d Dispute
	err := row.Scan(
		&d.ID, &d.PaymentID, &d.RaisedBy, &d.Reason, &d.Details, &d.EvidenceRefs,
		&d.Status, &d.AdminNotes, &d.OpenTxHash, &d.ResolveTxHash, &d.CreatedAt, &d.ResolvedAt,
	)
	return d, err
}

func (r *Repository) Create(ctx context.Context, tx pgx.Tx, d Dispute) (Dispute, error) {
	insertSQL := `
        INSERT INTO disputes (id, payment_id, raised_by, reason, details, evidence_refs, open_tx_hash, status)
        VALUES ($1,$2,$3,$4,$5,$6,$7,'pending')
        RETURNING ` + disputeColumns
	created, err := scanDispute(tx.QueryRow(ctx, insertSQL,
		d.ID, d.PaymentID, d.RaisedBy, d.Reason, d.Details, d.EvidenceRefs, d.OpenTxHash,
	))
	if err != nil {
		return Dispute{}, fmt.Errorf("dispute: insert: %w", err)
	}
	return created, nil
}

func (r *Repository) Get(ctx context.Context, id string) (Dispute, error) {
	d, err := scanDispute(r.pool.QueryRow(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Dispute{}, ErrNotFound
	}
	if err != nil {
		return Dispute{}, fmt.Errorf("dispute: get: %w", err)
	}
	return d, nil
}

func (r *Repository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Dispute, error) {
	d, err := scanDispute(tx.QueryRow(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Dispute{}, ErrNotFound
	}
	if err != nil {
		return Dispute{}, fmt.Errorf("dispute: get for update: %w", err)
	}
	return d, nil
}

func (r *Repository) Settle(ctx context.Context, tx pgx.Tx, id string, outcome Outcome, adminNotes, resolveTxHash string, resolvedAt time.Time) error {
	tag, err := tx.Exec(ctx, `
        UPDATE disputes
        SET status = $2, admin_notes = $3, resolve_tx_hash = $4, resolved_at = $5
        WHERE id = $1 AND status = 'pending'
    `, id, string(outcome), adminNotes, resolveTxHash, resolvedAt)
	if err != nil {
		return fmt.Errorf("dispute: settle: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Repository) ListByPayment(ctx context.Context, paymentID string) ([]Dispute, error) {
	return r.list(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE payment_id = $1 ORDER BY created_at`, paymentID)
}

// ListPending is the admin review queue, oldest dispute first.
func (r *Repository) ListPending(ctx context.Context, limit int) ([]Dispute, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return r.list(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE status = 'pending' ORDER BY created_at LIMIT $1`, limit)
}

func (r *Repository) list(ctx context.Context, query string, args ...any) ([]Dispute, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("dispute: list: %w", err)
	}
	defer rows.Close()

	out := make([]Dispute, 0, 8)
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, fmt.Errorf("dispute: scan: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispute: iterate: %w", err)
	}
	return out, nil
}
