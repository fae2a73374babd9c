package custody

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrNotFound = errors.New("custody: record not found")
)

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const recordColumns = `id, payment_id, custody_amount, release_amount, ledger_custody_id,
	auth_tx_hash, authorized_amount, funding_tx_hash, release_tx_hash,
	status::text, dispute_status::text, custody_end, created_at, updated_at`

func scanRecord(row pgx.Row) (Record, error) {
	var rec Record
	err := row.Scan(
		&rec.ID, &rec.PaymentID, &rec.CustodyAmount, &rec.ReleaseAmount, &rec.LedgerCustodyID,
		&rec.AuthTxHash, &rec.AuthorizedAmount, &rec.FundingTxHash, &rec.ReleaseTxHash,
		&rec.Status, &rec.DisputeStatus, &rec.CustodyEnd, &rec.CreatedAt, &rec.UpdatedAt,
	)
	return rec, err
}

// CreateIfAbsent inserts a pending custody record for the payment, returning
// the existing record when a previous funding attempt already created one.
func (r *Repository) CreateIfAbsent(ctx context.Context, tx pgx.Tx, rec Record) (Record, error) {
	insertSQL := `
        INSERT INTO custody_records (id, payment_id, custody_amount, release_amount, status)
        VALUES ($1, $2, $3, $4, 'pending')
        ON CONFLICT (payment_id) DO NOTHING
        RETURNING ` + recordColumns
	created, err := scanRecord(tx.QueryRow(ctx, insertSQL, rec.ID, rec.PaymentID, rec.CustodyAmount, rec.ReleaseAmount))
	if err == nil {
		return created, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Record{}, fmt.Errorf("custody: insert record: %w", err)
	}
	return r.GetByPaymentForUpdate(ctx, tx, rec.PaymentID)
}

func (r *Repository) GetByPayment(ctx context.Context, paymentID string) (Record, error) {
	rec, err := scanRecord(r.pool.QueryRow(ctx, `SELECT `+recordColumns+` FROM custody_records WHERE payment_id = $1`, paymentID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("custody: get by payment: %w", err)
	}
	return rec, nil
}

func (r *Repository) GetByPaymentForUpdate(ctx context.Context, tx pgx.Tx, paymentID string) (Record, error) {
	rec, err := scanRecord(tx.QueryRow(ctx, `SELECT `+recordColumns+` FROM custody_records WHERE payment_id = $1 FOR UPDATE`, paymentID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("custody: get for update: %w", err)
	}
	return rec, nil
}

// SaveAuthorization records a confirmed token authorization so a later
// funding retry can reuse it instead of re-authorizing the allowance.
func (r *Repository) SaveAuthorization(ctx context.Context, paymentID, authTxHash string, amount int64) error {
	tag, err := r.pool.Exec(ctx, `
        UPDATE custody_records
        SET auth_tx_hash = $2, authorized_amount = $3, updated_at = now()
        WHERE payment_id = $1
    `, paymentID, authTxHash, amount)
	if err != nil {
		return fmt.Errorf("custody: save authorization: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Activate marks the record active after custody creation is confirmed on the
// ledger. custody_end is written here and never again (enforced by trigger).
func (r *Repository) Activate(ctx context.Context, tx pgx.Tx, paymentID, ledgerCustodyID, fundingTxHash string, custodyEnd time.Time) error {
	tag, err := tx.Exec(ctx, `
        UPDATE custody_records
        SET status = 'active',
            ledger_custody_id = $2,
            funding_tx_hash = $3,
            custody_end = COALESCE(custody_end, $4),
            updated_at = now()
        WHERE payment_id = $1
    `, paymentID, ledgerCustodyID, fundingTxHash, custodyEnd)
	if err != nil {
		return fmt.Errorf("custody: activate: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Repository) SetDisputeStatus(ctx context.Context, tx pgx.Tx, paymentID string, ds DisputeStatus) error {
	var status string
	switch ds {
	case DisputePending:
		status = string(StatusDisputed)
	default:
		status = string(StatusActive)
	}
	tag, err := tx.Exec(ctx, `
        UPDATE custody_records
        SET dispute_status = $2, status = $3, updated_at = now()
        WHERE payment_id = $1 AND status <> 'released'
    `, paymentID, string(ds), status)
	if err != nil {
		return fmt.Errorf("custody: set dispute status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Repository) MarkReleased(ctx context.Context, tx pgx.Tx, paymentID, releaseTxHash string) error {
	tag, err := tx.Exec(ctx, `
        UPDATE custody_records
        SET status = 'released', release_tx_hash = $2, updated_at = now()
        WHERE payment_id = $1
    `, paymentID, releaseTxHash)
	if err != nil {
		return fmt.Errorf("custody: mark released: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListExpired returns custody records whose window has closed and whose
// dispute state does not block automatic release.
func (r *Repository) ListExpired(ctx context.Context, now time.Time, limit int) ([]Record, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `
        SELECT `+recordColumns+`
        FROM custody_records
        WHERE status IN ('active','funded')
          AND dispute_status IN ('none','dismissed')
          AND custody_end IS NOT NULL
          AND custody_end <= $1
        ORDER BY custody_end
        LIMIT $2
    `, now, limit)
	if err != nil {
		return nil, fmt.Errorf("custody: list expired: %w", err)
	}
	defer rows.Close()

	out := make([]Record, 0, limit)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("custody: scan expired: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("custody: iterate expired: %w", err)
	}
	return out, nil
}
