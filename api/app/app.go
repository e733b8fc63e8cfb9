// Package app assembles the gateway from a GatewayConfig and the shared infrastructure clients.
// Both the API binary and the admin CLI build their ledger and payment services here.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/malbeclabs/stakegate/api/config"
	"github.com/malbeclabs/stakegate/api/handlers"
	"github.com/malbeclabs/stakegate/gate/pkg/access"
	"github.com/malbeclabs/stakegate/gate/pkg/payment"
	"github.com/malbeclabs/stakegate/gate/pkg/ratelimit"
	"github.com/malbeclabs/stakegate/gate/pkg/tier"
	"github.com/malbeclabs/stakegate/gate/pkg/tracking"
	"github.com/malbeclabs/stakegate/staking/pkg/ledger"
	"github.com/redis/go-redis/v9"
)

// Infra holds the optional shared clients. A nil client means the backend is not configured.
type Infra struct {
	Postgres *pgxpool.Pool
	Redis    *redis.Client
	// LevelDBPath is where the leveldb payment store lives.
	LevelDBPath string
	// GeoIPPath points at a MaxMind country database used to enrich tracked calls.
	GeoIPPath string
}

// closers runs cleanup functions in reverse order of registration.
type closers []func()

func (c *closers) add(fn func()) { *c = append(*c, fn) }

func (c closers) run() {
	for i := len(c) - 1; i >= 0; i-- {
		c[i]()
	}
}

// OpenLedger dials the chains selected by ledger.kind and returns a router over them. The returned
// function closes the RPC clients.
func OpenLedger(ctx context.Context, log *slog.Logger, cfg config.LedgerConfig) (*ledger.Router, func(), error) {
	var cleanup closers
	call := ledger.CallConfig{RequestsPerSecond: cfg.RequestsPerSecond, Burst: 1}

	var evmReader, solReader ledger.Reader
	if cfg.Kind == config.LedgerEVM || cfg.Kind == config.LedgerBoth {
		if !common.IsHexAddress(cfg.StakingContract) {
			return nil, nil, fmt.Errorf("invalid staking contract address %q", cfg.StakingContract)
		}
		client, err := ethclient.DialContext(ctx, cfg.EVMRPCURL)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to dial evm rpc: %w", err)
		}
		cleanup.add(client.Close)
		reader, err := ledger.NewEVMReader(ledger.EVMReaderConfig{
			Logger:   log,
			Client:   client,
			Contract: common.HexToAddress(cfg.StakingContract),
			Call:     call,
		})
		if err != nil {
			cleanup.run()
			return nil, nil, fmt.Errorf("failed to create evm ledger reader: %w", err)
		}
		evmReader = reader
		log.Info("evm ledger configured", "contract", cfg.StakingContract)
	}
	if cfg.Kind == config.LedgerSolana || cfg.Kind == config.LedgerBoth {
		programID, err := solana.PublicKeyFromBase58(cfg.StakingProgram)
		if err != nil {
			cleanup.run()
			return nil, nil, fmt.Errorf("invalid staking program id %q: %w", cfg.StakingProgram, err)
		}
		client := rpc.New(cfg.SolanaRPCURL)
		cleanup.add(func() { _ = client.Close() })
		reader, err := ledger.NewSolanaReader(ledger.SolanaReaderConfig{
			Logger:    log,
			RPC:       client,
			ProgramID: programID,
			Call:      call,
		})
		if err != nil {
			cleanup.run()
			return nil, nil, fmt.Errorf("failed to create solana ledger reader: %w", err)
		}
		solReader = reader
		log.Info("solana ledger configured", "program", programID.String())
	}

	router, err := ledger.NewRouter(evmReader, solReader)
	if err != nil {
		cleanup.run()
		return nil, nil, err
	}
	return router, cleanup.run, nil
}

// OpenPaymentStore returns the consumed-payment store named by kind.
func OpenPaymentStore(kind string, infra Infra) (payment.ConsumedStore, func(), error) {
	switch kind {
	case config.StoreMemory, "":
		return payment.NewMemoryStore(), func() {}, nil
	case config.StoreRedis:
		if infra.Redis == nil {
			return nil, nil, errors.New("payment store redis requires REDIS_ADDR")
		}
		return payment.NewRedisStore(infra.Redis, ""), func() {}, nil
	case config.StorePostgres:
		if infra.Postgres == nil {
			return nil, nil, errors.New("payment store postgres requires POSTGRES_DB")
		}
		return payment.NewPostgresStore(infra.Postgres), func() {}, nil
	case config.StoreLevelDB:
		if infra.LevelDBPath == "" {
			return nil, nil, errors.New("payment store leveldb requires LEVELDB_PATH")
		}
		store, err := payment.OpenLevelDBStore(infra.LevelDBPath)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown payment store %q", kind)
	}
}

// OpenPayments builds the payment service. It returns a nil service when payments are disabled.
func OpenPayments(ctx context.Context, log *slog.Logger, cfg *config.GatewayConfig, infra Infra) (*payment.Service, func(), error) {
	if !cfg.Payment.Enabled {
		return nil, func() {}, nil
	}
	var cleanup closers

	rpcURL := cfg.Payment.RPCURL
	if rpcURL == "" {
		rpcURL = cfg.Ledger.EVMRPCURL
	}
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to dial payment rpc: %w", err)
	}
	cleanup.add(client.Close)

	verifier, err := payment.NewEVMVerifier(payment.EVMVerifierConfig{
		Logger:            log,
		Client:            client,
		ChainID:           cfg.PaymentChainID(),
		RequestsPerSecond: cfg.Ledger.RequestsPerSecond,
	})
	if err != nil {
		cleanup.run()
		return nil, nil, fmt.Errorf("failed to create payment verifier: %w", err)
	}

	store, closeStore, err := OpenPaymentStore(cfg.Payment.Store, infra)
	if err != nil {
		cleanup.run()
		return nil, nil, err
	}
	cleanup.add(closeStore)

	reqs, err := cfg.PaymentRequirements()
	if err != nil {
		cleanup.run()
		return nil, nil, err
	}
	svc, err := payment.NewService(payment.ServiceConfig{
		Logger:       log,
		Verifier:     verifier,
		Store:        store,
		Requirements: reqs,
	})
	if err != nil {
		cleanup.run()
		return nil, nil, fmt.Errorf("failed to create payment service: %w", err)
	}
	log.Info("payments enabled", "network", reqs.Network, "payTo", reqs.PayTo, "store", cfg.Payment.Store)
	return svc, cleanup.run, nil
}

// NewLimiter builds the rate limiter. A redis store is used when rate_limit.store is redis; the
// limiter keeps its own in-memory fallback either way.
func NewLimiter(log *slog.Logger, cfg *config.GatewayConfig, infra Infra) (*ratelimit.Limiter, error) {
	lc := ratelimit.LimiterConfig{Logger: log, Window: cfg.RateLimit.Window}
	switch cfg.RateLimit.Store {
	case config.StoreRedis:
		if infra.Redis == nil {
			return nil, errors.New("rate limit store redis requires REDIS_ADDR")
		}
		store, err := ratelimit.NewRedisStore(ratelimit.RedisStoreConfig{Logger: log, Client: infra.Redis})
		if err != nil {
			return nil, err
		}
		lc.Store = store
	case config.StoreMemory, "":
	default:
		return nil, fmt.Errorf("unsupported rate limit store %q", cfg.RateLimit.Store)
	}
	return ratelimit.NewLimiter(lc)
}

// NewTracker builds the call tracker. It returns nil when tracking.sink is none.
func NewTracker(log *slog.Logger, cfg config.TrackingConfig, infra Infra) (*tracking.Tracker, func(context.Context), error) {
	var sink tracking.Sink
	switch cfg.Sink {
	case config.SinkNone:
		return nil, func(context.Context) {}, nil
	case config.SinkPostgres:
		if infra.Postgres == nil {
			return nil, nil, errors.New("tracking sink postgres requires POSTGRES_DB")
		}
		sink = tracking.NewPostgresSink(infra.Postgres)
	case config.SinkLog, "":
		sink = tracking.LogSink{Logger: log, Level: slog.LevelDebug}
	default:
		return nil, nil, fmt.Errorf("unknown tracking sink %q", cfg.Sink)
	}

	tc := tracking.TrackerConfig{
		Logger:        log,
		Sink:          sink,
		QueueSize:     cfg.QueueSize,
		BatchSize:     cfg.BatchSize,
		FlushInterval: cfg.FlushInterval,
	}
	var geo *tracking.GeoIPResolver
	if infra.GeoIPPath != "" {
		var err error
		geo, err = tracking.OpenGeoIP(infra.GeoIPPath)
		if err != nil {
			return nil, nil, err
		}
		tc.Countries = geo
	}

	tracker, err := tracking.NewTracker(tc)
	if err != nil {
		if geo != nil {
			_ = geo.Close()
		}
		return nil, nil, err
	}
	return tracker, func(ctx context.Context) {
		if err := tracker.Close(ctx); err != nil {
			log.Warn("tracker did not drain", "error", err)
		}
		if geo != nil {
			_ = geo.Close()
		}
	}, nil
}

// App is the assembled gateway.
type App struct {
	Ledger   *ledger.Router
	Resolver *tier.Resolver
	Limiter  *ratelimit.Limiter
	Payments *payment.Service
	Tracker  *tracking.Tracker
	Gate     *access.Gate
	Handlers *handlers.Handlers

	cleanup      closers
	closeTracker func(context.Context)
}

// New wires every component. Close must be called to release them.
func New(ctx context.Context, log *slog.Logger, cfg *config.GatewayConfig, infra Infra, build handlers.BuildInfo) (*App, error) {
	a := &App{closeTracker: func(context.Context) {}}
	ok := false
	defer func() {
		if !ok {
			a.Close(context.Background())
		}
	}()

	policy, err := cfg.TierPolicy()
	if err != nil {
		return nil, err
	}
	lockTiers, err := cfg.LockTierTable()
	if err != nil {
		return nil, err
	}

	router, closeLedger, err := OpenLedger(ctx, log, cfg.Ledger)
	if err != nil {
		return nil, err
	}
	a.Ledger = router
	a.cleanup.add(closeLedger)

	a.Resolver, err = tier.NewResolver(tier.ResolverConfig{
		Logger:    log,
		Ledger:    router,
		Policy:    policy,
		CacheSize: cfg.TierCache.Size,
		CacheTTL:  cfg.TierCache.TTL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create tier resolver: %w", err)
	}

	a.Limiter, err = NewLimiter(log, cfg, infra)
	if err != nil {
		return nil, fmt.Errorf("failed to create rate limiter: %w", err)
	}
	a.cleanup.add(a.Limiter.Close)

	payments, closePayments, err := OpenPayments(ctx, log, cfg, infra)
	if err != nil {
		return nil, err
	}
	a.Payments = payments
	a.cleanup.add(closePayments)

	tracker, closeTracker, err := NewTracker(log, cfg.Tracking, infra)
	if err != nil {
		return nil, fmt.Errorf("failed to create tracker: %w", err)
	}
	a.Tracker = tracker
	a.closeTracker = closeTracker

	policies, err := cfg.AccessPolicies()
	if err != nil {
		return nil, err
	}
	gc := access.GateConfig{
		Logger:   log,
		Resolver: a.Resolver,
		Limiter:  a.Limiter,
		Policies: policies,
	}
	// Optional collaborators are only set when present so the interfaces stay nil.
	if payments != nil {
		gc.Payments = payments
	}
	if tracker != nil {
		gc.Tracker = tracker
	}
	a.Gate, err = access.NewGate(gc)
	if err != nil {
		return nil, fmt.Errorf("failed to create access gate: %w", err)
	}

	hc := handlers.Config{
		Logger:    log,
		Ledger:    router,
		Resolver:  a.Resolver,
		Quota:     a.Limiter,
		LockTiers: lockTiers,
		Decimals:  cfg.Token.Decimals,
		Ready:     readiness(infra),
		Build:     build,
	}
	if payments != nil {
		hc.Payments = payments
	}
	a.Handlers, err = handlers.New(hc)
	if err != nil {
		return nil, fmt.Errorf("failed to create handlers: %w", err)
	}

	ok = true
	return a, nil
}

func readiness(infra Infra) map[string]handlers.Pinger {
	ready := make(map[string]handlers.Pinger)
	if infra.Postgres != nil {
		ready["postgres"] = infra.Postgres
	}
	if infra.Redis != nil {
		client := infra.Redis
		ready["redis"] = handlers.PingFunc(func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		})
	}
	return ready
}

// Close drains the tracker within ctx and releases every client.
func (a *App) Close(ctx context.Context) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
	}
	a.closeTracker(ctx)
	a.cleanup.run()
}
