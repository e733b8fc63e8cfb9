// Package ledger reads stake and reward state from the chain. Readers are collaborators of the
// tier resolver and the reward endpoints; every failure is reported as ErrLedgerUnavailable so
// callers can degrade instead of failing the request.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/holiman/uint256"
	"github.com/malbeclabs/stakegate/staking/pkg/rewards"
	"github.com/malbeclabs/stakegate/utils/pkg/retry"
	"golang.org/x/time/rate"
)

var (
	ErrLedgerUnavailable  = errors.New("ledger unavailable")
	ErrUnsupportedAddress = errors.New("unsupported address")
)

// Reader is the stake ledger as seen by the access gate and reward engine.
type Reader interface {
	GetStakedAmount(ctx context.Context, wallet string) (*uint256.Int, error)
	GetRewardLedgerSnapshot(ctx context.Context) (rewards.LedgerSnapshot, error)
	GetUserAccount(ctx context.Context, wallet string) (rewards.UserAccount, error)
	// GetRewardState reads the pool snapshot of the wallet's ledger together with its account.
	GetRewardState(ctx context.Context, wallet string) (rewards.LedgerSnapshot, rewards.UserAccount, error)
}

// PositionReader is implemented by ledgers that expose individual stake positions.
type PositionReader interface {
	GetStakePositions(ctx context.Context, wallet string) ([]rewards.StakePosition, error)
}

// CallConfig bounds how a reader talks to its upstream RPC.
type CallConfig struct {
	// RequestsPerSecond throttles upstream calls; zero disables throttling.
	RequestsPerSecond float64
	Burst             int
	Retry             retry.Config
}

func (c CallConfig) limiter() *rate.Limiter {
	if c.RequestsPerSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := c.Burst
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(c.RequestsPerSecond), burst)
}

func (c CallConfig) retryConfig() retry.Config {
	if c.Retry.MaxAttempts == 0 {
		return retry.DefaultConfig()
	}
	return c.Retry
}

// caller wraps throttling, retries, metrics and error classification shared by the readers.
type caller struct {
	log     *slog.Logger
	backend string
	limiter *rate.Limiter
	retry   retry.Config
}

func newCaller(log *slog.Logger, backend string, cfg CallConfig) *caller {
	return &caller{log: log, backend: backend, limiter: cfg.limiter(), retry: cfg.retryConfig()}
}

func do[T any](ctx context.Context, c *caller, method string, fn func(context.Context) (T, error)) (T, error) {
	start := time.Now()
	v, err := retry.DoValue(ctx, c.retry, func() (T, error) {
		if err := c.limiter.Wait(ctx); err != nil {
			var zero T
			return zero, err
		}
		return fn(ctx)
	})
	ReadDuration.WithLabelValues(c.backend, method).Observe(time.Since(start).Seconds())
	if err != nil {
		ReadErrorsTotal.WithLabelValues(c.backend, method).Inc()
		c.log.Debug("ledger: read failed", "backend", c.backend, "method", method, "error", err)
		var zero T
		return zero, fmt.Errorf("%w: %s %s: %w", ErrLedgerUnavailable, c.backend, method, err)
	}
	return v, nil
}
