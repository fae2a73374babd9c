package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// IdempotencyStore claims request keys so a retried create cannot run twice.
type IdempotencyStore struct {
	pool *pgxpool.Pool
}

func NewIdempotencyStore(pool *pgxpool.Pool) *IdempotencyStore {
	return &IdempotencyStore{pool: pool}
}

// Claim records the key and reports whether this caller won it. A false
// return means an earlier request already holds the key.
func (s *IdempotencyStore) Claim(ctx context.Context, key string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `INSERT INTO idempotency (key) VALUES ($1) ON CONFLICT (key) DO NOTHING`, key)
	if err != nil {
		return false, fmt.Errorf("db: claim idempotency key: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}
