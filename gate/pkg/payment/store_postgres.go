package payment

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// PgxQuerier is satisfied by *pgxpool.Pool and pgx.Tx.
type PgxQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore keeps consumed hashes in the consumed_payments table.
type PostgresStore struct {
	db PgxQuerier
}

func NewPostgresStore(db PgxQuerier) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Lookup(ctx context.Context, hash string) (Consumption, bool, error) {
	var c Consumption
	err := s.db.QueryRow(ctx, `
		SELECT tx_hash, payer, amount::text, resource, consumed_at
		FROM consumed_payments
		WHERE tx_hash = $1
	`, hash).Scan(&c.TxHash, &c.Payer, &c.Amount, &c.Resource, &c.ConsumedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Consumption{}, false, nil
	}
	if err != nil {
		return Consumption{}, false, fmt.Errorf("payment: lookup %s: %w", hash, err)
	}
	return c, true, nil
}

func (s *PostgresStore) Consume(ctx context.Context, c Consumption) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		INSERT INTO consumed_payments (tx_hash, payer, amount, resource, consumed_at)
		VALUES ($1, $2, $3::text::numeric, $4, $5)
		ON CONFLICT (tx_hash) DO NOTHING
	`, c.TxHash, c.Payer, c.Amount, c.Resource, c.ConsumedAt)
	if err != nil {
		return false, fmt.Errorf("payment: consume %s: %w", c.TxHash, err)
	}
	return tag.RowsAffected() == 1, nil
}
