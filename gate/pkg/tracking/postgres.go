package tracking

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// CopyFromer is satisfied by *pgxpool.Pool and pgx.Tx.
type CopyFromer interface {
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
}

var apiCallColumns = []string{
	"id", "called_at", "method", "endpoint", "identity_kind", "identity",
	"tier", "status", "outcome", "latency_ms", "payment_tx", "country",
}

// PostgresSink appends calls to the api_calls table.
type PostgresSink struct {
	db CopyFromer
}

func NewPostgresSink(db CopyFromer) *PostgresSink {
	return &PostgresSink{db: db}
}

func (s *PostgresSink) Write(ctx context.Context, calls []Call) error {
	rows := make([][]any, 0, len(calls))
	for _, c := range calls {
		rows = append(rows, []any{
			c.ID, c.At, c.Method, c.Endpoint, c.IdentityKind, c.Identity,
			c.Tier, c.Status, c.Outcome, c.Latency.Milliseconds(),
			nullable(c.PaymentTxHash), nullable(c.Country),
		})
	}
	n, err := s.db.CopyFrom(ctx, pgx.Identifier{"api_calls"}, apiCallColumns, pgx.CopyFromRows(rows))
	if err != nil {
		return fmt.Errorf("tracking: copy %d calls: %w", len(calls), err)
	}
	if n != int64(len(calls)) {
		return fmt.Errorf("tracking: copied %d of %d calls", n, len(calls))
	}
	return nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
