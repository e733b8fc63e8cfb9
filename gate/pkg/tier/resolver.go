package tier

import (
	"context"
	"errors"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/holiman/uint256"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"
)

// StakeReader is the ledger read the resolver needs.
type StakeReader interface {
	GetStakedAmount(ctx context.Context, wallet string) (*uint256.Int, error)
}

// Info is a resolved tier and the stake backing it.
type Info struct {
	Tier      Tier
	Stake     *uint256.Int
	RateLimit int
	// Degraded is set when the ledger could not be read and the wallet was classified FREE.
	Degraded bool
}

type ResolverConfig struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
	Ledger StakeReader
	Policy Policy
	// CacheSize bounds cached wallets. Defaults to 10000.
	CacheSize int
	// CacheTTL is how long a resolution is reused. Zero disables caching.
	CacheTTL time.Duration
	// ReadTimeout bounds one ledger read. Defaults to 10s.
	ReadTimeout time.Duration
}

func (cfg *ResolverConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Ledger == nil {
		return errors.New("ledger is required")
	}
	if err := cfg.Policy.Validate(); err != nil {
		return err
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 10_000
	}
	if cfg.CacheTTL < 0 {
		return errors.New("cache ttl must not be negative")
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 10 * time.Second
	}
	return nil
}

type cached struct {
	stake     *uint256.Int
	expiresAt time.Time
}

// Resolver maps wallets to tiers. It never fails: a ledger error resolves to FREE and is not cached.
type Resolver struct {
	log   *slog.Logger
	cfg   ResolverConfig
	cache *lru.Cache
	group singleflight.Group
}

func NewResolver(cfg ResolverConfig) (*Resolver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cache, err := lru.New(cfg.CacheSize)
	if err != nil {
		return nil, err
	}
	return &Resolver{log: cfg.Logger, cfg: cfg, cache: cache}, nil
}

// Policy is the policy the resolver classifies with.
func (r *Resolver) Policy() Policy {
	return r.cfg.Policy
}

// Resolve classifies wallet. An empty wallet is FREE without a ledger read.
func (r *Resolver) Resolve(ctx context.Context, wallet string) Info {
	if wallet == "" {
		return r.info(new(uint256.Int), false)
	}

	if stake, ok := r.cached(wallet); ok {
		CacheLookupsTotal.WithLabelValues("hit").Inc()
		return r.info(stake, false)
	}
	CacheLookupsTotal.WithLabelValues("miss").Inc()

	// The read is shared by every caller waiting on wallet, so it must outlive the first one.
	v, err, _ := r.group.Do(wallet, func() (any, error) {
		readCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.ReadTimeout)
		defer cancel()
		stake, err := r.cfg.Ledger.GetStakedAmount(readCtx, wallet)
		if err != nil {
			return nil, err
		}
		if stake == nil {
			stake = new(uint256.Int)
		}
		if r.cfg.CacheTTL > 0 {
			r.cache.Add(wallet, cached{stake: stake, expiresAt: r.cfg.Clock.Now().Add(r.cfg.CacheTTL)})
		}
		return stake, nil
	})
	if err != nil {
		LedgerFailuresTotal.Inc()
		r.log.Warn("tier: ledger read failed, resolving FREE", "wallet", wallet, "error", err)
		return r.info(new(uint256.Int), true)
	}
	return r.info(v.(*uint256.Int), false)
}

// Invalidate drops a cached resolution, e.g. after a stake change is observed.
func (r *Resolver) Invalidate(wallet string) {
	r.cache.Remove(wallet)
}

func (r *Resolver) cached(wallet string) (*uint256.Int, bool) {
	if r.cfg.CacheTTL <= 0 {
		return nil, false
	}
	v, ok := r.cache.Get(wallet)
	if !ok {
		return nil, false
	}
	c := v.(cached)
	if !r.cfg.Clock.Now().Before(c.expiresAt) {
		r.cache.Remove(wallet)
		return nil, false
	}
	return c.stake, true
}

func (r *Resolver) info(stake *uint256.Int, degraded bool) Info {
	t := r.cfg.Policy.Classify(stake)
	return Info{
		Tier:      t,
		Stake:     new(uint256.Int).Set(stake),
		RateLimit: r.cfg.Policy.Ceiling(t),
		Degraded:  degraded,
	}
}
