// Package ratelimit enforces a fixed-window request ceiling per identifier.
//
// A window starts on the first request for an identifier and lasts Window. Up to limit requests
// are admitted in it; the next request after it ends starts a fresh window. Across a boundary a
// caller can therefore land up to 2x limit requests in quick succession.
//
// With a shared Store the limit is global. If the shared store fails, checks fall back to an
// in-process store, which keeps the limit exact per instance and best-effort overall.
package ratelimit

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
)

// Unlimited is the limit sentinel that admits every request.
const Unlimited = -1

const DefaultWindow = 60 * time.Second

// Result is the outcome of a check. Remaining is -1 for unlimited callers.
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetIn   time.Duration
}

// ResetInSeconds rounds ResetIn up to whole seconds.
func (r Result) ResetInSeconds() int {
	if r.ResetIn <= 0 {
		return 0
	}
	return int((r.ResetIn + time.Second - 1) / time.Second)
}

// Unlimited reports whether the result came from the unlimited sentinel.
func (r Result) Unlimited() bool {
	return r.Limit == Unlimited
}

type LimiterConfig struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
	// Store is the primary store. Defaults to Fallback.
	Store Store
	// Fallback serves checks when Store errors. Defaults to a MemoryStore.
	Fallback Store
	Window   time.Duration
}

func (cfg *LimiterConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	return nil
}

type Limiter struct {
	log      *slog.Logger
	cfg      LimiterConfig
	ownStore *MemoryStore
}

func NewLimiter(cfg LimiterConfig) (*Limiter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	l := &Limiter{log: cfg.Logger, cfg: cfg}
	if cfg.Fallback == nil {
		mem, err := NewMemoryStore(MemoryStoreConfig{Logger: cfg.Logger, Clock: cfg.Clock})
		if err != nil {
			return nil, err
		}
		l.ownStore = mem
		l.cfg.Fallback = mem
	}
	if l.cfg.Store == nil {
		l.cfg.Store = l.cfg.Fallback
	}
	return l, nil
}

// Window is the configured window length.
func (l *Limiter) Window() time.Duration {
	return l.cfg.Window
}

// Check admits or denies one request for key against limit, consuming quota when admitted.
// It never fails: store errors degrade to the fallback store.
func (l *Limiter) Check(ctx context.Context, key string, limit int) Result {
	if limit == Unlimited {
		ChecksTotal.WithLabelValues("unlimited").Inc()
		return Result{Allowed: true, Limit: Unlimited, Remaining: Unlimited}
	}
	if limit < 0 {
		limit = 0
	}

	entry, admitted, err := l.cfg.Store.Increment(ctx, key, limit, l.cfg.Window)
	if err != nil && l.cfg.Store != l.cfg.Fallback {
		StoreFallbacksTotal.Inc()
		l.log.Warn("ratelimit: shared store failed, using in-process store", "key", key, "error", err)
		entry, admitted, err = l.cfg.Fallback.Increment(ctx, key, limit, l.cfg.Window)
	}
	if err != nil {
		// Only reachable with a custom fallback that itself fails. Admit rather than fail the request.
		l.log.Error("ratelimit: fallback store failed", "key", key, "error", err)
		ChecksTotal.WithLabelValues("error").Inc()
		return Result{Allowed: true, Limit: limit, Remaining: 0}
	}

	res := Result{Allowed: admitted, Limit: limit, ResetIn: entry.ResetAt.Sub(l.cfg.Clock.Now())}
	if admitted {
		res.Remaining = limit - entry.Count
		ChecksTotal.WithLabelValues("allowed").Inc()
	} else {
		ChecksTotal.WithLabelValues("denied").Inc()
	}
	return res
}

// Peek reports the standing of key without consuming quota.
func (l *Limiter) Peek(ctx context.Context, key string, limit int) Result {
	if limit == Unlimited {
		return Result{Allowed: true, Limit: Unlimited, Remaining: Unlimited}
	}
	if limit < 0 {
		limit = 0
	}

	entry, ok, err := l.cfg.Store.Get(ctx, key)
	if err != nil && l.cfg.Store != l.cfg.Fallback {
		l.log.Warn("ratelimit: shared store failed on peek, using in-process store", "key", key, "error", err)
		entry, ok, err = l.cfg.Fallback.Get(ctx, key)
	}
	if err != nil || !ok {
		return Result{Allowed: limit > 0, Limit: limit, Remaining: limit, ResetIn: l.cfg.Window}
	}

	remaining := limit - entry.Count
	if remaining < 0 {
		remaining = 0
	}
	return Result{
		Allowed:   remaining > 0,
		Limit:     limit,
		Remaining: remaining,
		ResetIn:   entry.ResetAt.Sub(l.cfg.Clock.Now()),
	}
}

// Reset clears key in both stores.
func (l *Limiter) Reset(ctx context.Context, key string) error {
	err := l.cfg.Store.Reset(ctx, key)
	if l.cfg.Store != l.cfg.Fallback {
		err = errors.Join(err, l.cfg.Fallback.Reset(ctx, key))
	}
	return err
}

// Close releases the in-process store the limiter created for itself.
func (l *Limiter) Close() {
	if l.ownStore != nil {
		l.ownStore.Close()
	}
}
