package account

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotFound signals that no account exists for the identifier.
	ErrNotFound = errors.New("account: not found")
	// ErrDuplicateEmail signals that the email is already registered.
	ErrDuplicateEmail = errors.New("account: email already exists")
	// ErrNoWallet signals the account has no ledger account bound yet.
	ErrNoWallet = errors.New("account: no wallet address on file")
)

// Repository handles account data access.
type Repository interface {
	Create(ctx context.Context, params CreateParams) (Account, error)
	GetByEmail(ctx context.Context, email string) (Account, error)
	GetByID(ctx context.Context, id string) (Account, error)
	SetWalletAddress(ctx context.Context, email, address string) error
	SetPayoutAccount(ctx context.Context, email, payoutAccountID string) error
}

// CreateParams contains write parameters for new accounts.
type CreateParams struct {
	Email        string
	FullName     string
	PasswordHash string
	Role         Role
}

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const accountColumns = `id, email, full_name, password_hash, role, wallet_address, payout_account_id, created_at, updated_at`

func scanAccount(row pgx.Row) (Account, error) {
	var a Account
	err := row.Scan(
		&a.ID, &a.Email, &a.FullName, &a.PasswordHash, &a.Role,
		&a.WalletAddress, &a.PayoutAccountID, &a.CreatedAt, &a.UpdatedAt,
	)
	return a, err
}

func (r *PGRepository) Create(ctx context.Context, params CreateParams) (Account, error) {
	insertSQL := `
        INSERT INTO accounts (email, full_name, password_hash, role)
        VALUES ($1, $2, $3, $4)
        RETURNING ` + accountColumns

	a, err := scanAccount(r.pool.QueryRow(ctx, insertSQL, params.Email, params.FullName, params.PasswordHash, params.Role))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Account{}, ErrDuplicateEmail
		}
		return Account{}, fmt.Errorf("account: create: %w", err)
	}
	return a, nil
}

func (r *PGRepository) GetByEmail(ctx context.Context, email string) (Account, error) {
	a, err := scanAccount(r.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE email = $1`, email))
	if errors.Is(err, pgx.ErrNoRows) {
		return Account{}, ErrNotFound
	}
	if err != nil {
		return Account{}, fmt.Errorf("account: get by email: %w", err)
	}
	return a, nil
}

func (r *PGRepository) GetByID(ctx context.Context, id string) (Account, error) {
	a, err := scanAccount(r.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Account{}, ErrNotFound
	}
	if err != nil {
		return Account{}, fmt.Errorf("account: get by id: %w", err)
	}
	return a, nil
}

func (r *PGRepository) SetWalletAddress(ctx context.Context, email, address string) error {
	tag, err := r.pool.Exec(ctx, `UPDATE accounts SET wallet_address = $2, updated_at = now() WHERE email = $1`, email, address)
	if err != nil {
		return fmt.Errorf("account: set wallet: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PGRepository) SetPayoutAccount(ctx context.Context, email, payoutAccountID string) error {
	tag, err := r.pool.Exec(ctx, `UPDATE accounts SET payout_account_id = $2, updated_at = now() WHERE email = $1`, email, payoutAccountID)
	if err != nil {
		return fmt.Errorf("account: set payout account: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
