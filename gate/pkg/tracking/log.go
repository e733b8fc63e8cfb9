package tracking

import (
	"context"
	"log/slog"
)

// LogSink writes each call as a structured log line.
type LogSink struct {
	Logger *slog.Logger
	Level  slog.Level
}

func (s LogSink) Write(ctx context.Context, calls []Call) error {
	for _, c := range calls {
		s.Logger.LogAttrs(ctx, s.Level, "tracking: call",
			slog.String("id", c.ID.String()),
			slog.String("method", c.Method),
			slog.String("endpoint", c.Endpoint),
			slog.String("identity_kind", c.IdentityKind),
			slog.String("identity", c.Identity),
			slog.String("tier", c.Tier),
			slog.Int("status", c.Status),
			slog.String("outcome", c.Outcome),
			slog.Int64("latency_ms", c.Latency.Milliseconds()),
			slog.String("payment_tx", c.PaymentTxHash),
			slog.String("country", c.Country),
		)
	}
	return nil
}
