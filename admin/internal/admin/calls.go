package admin

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PruneCallsConfig holds the options for deleting old tracked calls.
type PruneCallsConfig struct {
	OlderThan time.Duration
	Now       time.Time
	DryRun    bool
}

// PruneCalls deletes api_calls rows recorded before Now-OlderThan and returns how many were (or,
// in dry run, would be) removed.
func PruneCalls(ctx context.Context, log *slog.Logger, db *pgxpool.Pool, cfg PruneCallsConfig) (int64, error) {
	if cfg.OlderThan <= 0 {
		return 0, errors.New("older-than must be positive")
	}
	if cfg.Now.IsZero() {
		cfg.Now = time.Now()
	}
	cutoff := cfg.Now.Add(-cfg.OlderThan).UTC()

	if cfg.DryRun {
		var n int64
		if err := db.QueryRow(ctx, `SELECT count(*) FROM api_calls WHERE called_at < $1`, cutoff).Scan(&n); err != nil {
			return 0, fmt.Errorf("failed to count calls: %w", err)
		}
		log.Info("[DRY RUN] would prune calls", "cutoff", cutoff, "rows", n)
		return n, nil
	}

	tag, err := db.Exec(ctx, `DELETE FROM api_calls WHERE called_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune calls: %w", err)
	}
	log.Info("pruned calls", "cutoff", cutoff, "rows", tag.RowsAffected())
	return tag.RowsAffected(), nil
}

// CallSummaryRow is the number of calls with one tier and outcome.
type CallSummaryRow struct {
	Tier    string
	Outcome string
	Calls   int64
}

// SummarizeCalls counts tracked calls since the given time by tier and outcome.
func SummarizeCalls(ctx context.Context, db *pgxpool.Pool, since time.Time) ([]CallSummaryRow, error) {
	rows, err := db.Query(ctx, `
		SELECT tier, outcome, count(*)
		FROM api_calls
		WHERE called_at >= $1
		GROUP BY tier, outcome
		ORDER BY tier, outcome`, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to summarize calls: %w", err)
	}
	defer rows.Close()

	var out []CallSummaryRow
	for rows.Next() {
		var r CallSummaryRow
		if err := rows.Scan(&r.Tier, &r.Outcome, &r.Calls); err != nil {
			return nil, fmt.Errorf("failed to scan call summary: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// PrintCallSummary writes rows as a table.
func PrintCallSummary(w io.Writer, rows []CallSummaryRow) {
	if len(rows) == 0 {
		fmt.Fprintln(w, "no calls")
		return
	}
	fmt.Fprintf(w, "%-8s %-16s %s\n", "TIER", "OUTCOME", "CALLS")
	for _, r := range rows {
		fmt.Fprintf(w, "%-8s %-16s %d\n", r.Tier, r.Outcome, r.Calls)
	}
}
