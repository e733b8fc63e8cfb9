package admin

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/malbeclabs/stakegate/gate/pkg/payment"
)

// PaymentLedger is the operator view of the consumed payment set. *payment.Service implements it.
type PaymentLedger interface {
	Status(ctx context.Context, hash string) (payment.Consumption, bool, error)
	Consume(ctx context.Context, hash, payer, note string) (bool, error)
}

// PaymentStatus prints whether hash has been consumed and, if so, by whom and for what.
func PaymentStatus(ctx context.Context, w io.Writer, payments PaymentLedger, hash string) error {
	c, consumed, err := payments.Status(ctx, hash)
	if err != nil {
		return fmt.Errorf("failed to look up payment: %w", err)
	}
	if !consumed {
		fmt.Fprintf(w, "%s: not consumed\n", hash)
		return nil
	}
	fmt.Fprintf(w, "%s: consumed\n", c.TxHash)
	fmt.Fprintf(w, "  payer:       %s\n", c.Payer)
	fmt.Fprintf(w, "  amount:      %s\n", c.Amount)
	fmt.Fprintf(w, "  resource:    %s\n", c.Resource)
	fmt.Fprintf(w, "  consumed at: %s\n", c.ConsumedAt.UTC().Format(time.RFC3339))
	return nil
}

// ConsumePaymentConfig holds the options for a manual consumption.
type ConsumePaymentConfig struct {
	TxHash string
	Payer  string
	Note   string
	DryRun bool
}

// ConsumePayment marks a hash as used without a chain check, so it can no longer buy access. It is
// for hashes an operator has settled out of band.
func ConsumePayment(ctx context.Context, log *slog.Logger, w io.Writer, payments PaymentLedger, cfg ConsumePaymentConfig) error {
	if cfg.TxHash == "" {
		return errors.New("tx hash is required")
	}
	existing, consumed, err := payments.Status(ctx, cfg.TxHash)
	if err != nil {
		return fmt.Errorf("failed to look up payment: %w", err)
	}
	if consumed {
		fmt.Fprintf(w, "%s: already consumed at %s\n", existing.TxHash, existing.ConsumedAt.UTC().Format(time.RFC3339))
		return nil
	}
	if cfg.DryRun {
		fmt.Fprintf(w, "[DRY RUN] would consume %s (payer %q, note %q)\n", cfg.TxHash, cfg.Payer, cfg.Note)
		return nil
	}

	ok, err := payments.Consume(ctx, cfg.TxHash, cfg.Payer, cfg.Note)
	if err != nil {
		return fmt.Errorf("failed to consume payment: %w", err)
	}
	if !ok {
		fmt.Fprintf(w, "%s: consumed concurrently by another caller\n", cfg.TxHash)
		return nil
	}
	log.Info("payment consumed manually", "tx_hash", cfg.TxHash, "payer", cfg.Payer, "note", cfg.Note)
	fmt.Fprintf(w, "%s: consumed\n", cfg.TxHash)
	return nil
}
