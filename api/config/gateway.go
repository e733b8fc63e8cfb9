package config

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/malbeclabs/stakegate/gate/pkg/access"
	"github.com/malbeclabs/stakegate/gate/pkg/payment"
	"github.com/malbeclabs/stakegate/gate/pkg/tier"
	"github.com/malbeclabs/stakegate/staking/pkg/fixedpoint"
	"github.com/malbeclabs/stakegate/staking/pkg/rewards"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides of policy file keys, e.g. STAKEGATE_RATE_LIMIT_WINDOW.
const EnvPrefix = "STAKEGATE"

// Store backends selectable for the rate limiter and the consumed payment set.
const (
	StoreMemory   = "memory"
	StoreRedis    = "redis"
	StorePostgres = "postgres"
	StoreLevelDB  = "leveldb"
)

// Ledger kinds.
const (
	LedgerEVM    = "evm"
	LedgerSolana = "solana"
	LedgerBoth   = "both"
)

// Tracking sinks.
const (
	SinkPostgres = "postgres"
	SinkLog      = "log"
	SinkNone     = "none"
)

type TokenConfig struct {
	Decimals uint8 `mapstructure:"decimals"`
}

type TierThresholds struct {
	Builder string `mapstructure:"builder"`
	Pro     string `mapstructure:"pro"`
	Elite   string `mapstructure:"elite"`
}

type TierRateLimits struct {
	Free    int `mapstructure:"free"`
	Builder int `mapstructure:"builder"`
	Pro     int `mapstructure:"pro"`
	Elite   int `mapstructure:"elite"`
}

type TiersConfig struct {
	Thresholds TierThresholds `mapstructure:"thresholds"`
	RateLimits TierRateLimits `mapstructure:"rate_limits"`
}

type RateLimitConfig struct {
	Window time.Duration `mapstructure:"window"`
	Store  string        `mapstructure:"store"`
}

type TierCacheConfig struct {
	TTL  time.Duration `mapstructure:"ttl"`
	Size int           `mapstructure:"size"`
}

type LockTierConfig struct {
	Duration   time.Duration `mapstructure:"duration"`
	Multiplier string        `mapstructure:"multiplier"`
}

type PaymentConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Scheme        string        `mapstructure:"scheme"`
	Network       string        `mapstructure:"network"`
	RPCURL        string        `mapstructure:"rpc_url"`
	ChainID       int64         `mapstructure:"chain_id"`
	PayTo         string        `mapstructure:"pay_to"`
	Asset         string        `mapstructure:"asset"`
	Currency      string        `mapstructure:"currency"`
	Decimals      uint8         `mapstructure:"decimals"`
	Amount        string        `mapstructure:"amount"`
	Confirmations uint64        `mapstructure:"confirmations"`
	MaxAge        time.Duration `mapstructure:"max_age"`
	Description   string        `mapstructure:"description"`
	Store         string        `mapstructure:"store"`
}

type LedgerConfig struct {
	Kind              string  `mapstructure:"kind"`
	EVMRPCURL         string  `mapstructure:"evm_rpc_url"`
	StakingContract   string  `mapstructure:"staking_contract"`
	SolanaRPCURL      string  `mapstructure:"solana_rpc_url"`
	StakingProgram    string  `mapstructure:"staking_program"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
}

type EndpointConfig struct {
	Pattern      string `mapstructure:"pattern"`
	MinTier      string `mapstructure:"min_tier"`
	RequireAuth  bool   `mapstructure:"require_auth"`
	AllowPayment bool   `mapstructure:"allow_payment"`
}

type TrackingConfig struct {
	Sink          string        `mapstructure:"sink"`
	QueueSize     int           `mapstructure:"queue_size"`
	BatchSize     int           `mapstructure:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
}

// GatewayConfig is the access policy file. It is loaded once at startup and not reloaded.
type GatewayConfig struct {
	Token           TokenConfig      `mapstructure:"token"`
	Tiers           TiersConfig      `mapstructure:"tiers"`
	RateLimit       RateLimitConfig  `mapstructure:"rate_limit"`
	TierCache       TierCacheConfig  `mapstructure:"tier_cache"`
	LockTiers       []LockTierConfig `mapstructure:"lock_tiers"`
	Payment         PaymentConfig    `mapstructure:"payment"`
	Ledger          LedgerConfig     `mapstructure:"ledger"`
	DefaultEndpoint EndpointConfig   `mapstructure:"default_endpoint"`
	Endpoints       []EndpointConfig `mapstructure:"endpoints"`
	Tracking        TrackingConfig   `mapstructure:"tracking"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("token.decimals", 9)
	v.SetDefault("tiers.thresholds.builder", "1000000")
	v.SetDefault("tiers.thresholds.pro", "10000000")
	v.SetDefault("tiers.thresholds.elite", "50000000")
	v.SetDefault("tiers.rate_limits.free", 10)
	v.SetDefault("tiers.rate_limits.builder", 60)
	v.SetDefault("tiers.rate_limits.pro", 300)
	v.SetDefault("tiers.rate_limits.elite", -1)
	v.SetDefault("rate_limit.window", time.Minute)
	v.SetDefault("rate_limit.store", StoreMemory)
	v.SetDefault("tier_cache.ttl", 30*time.Second)
	v.SetDefault("tier_cache.size", 10_000)
	v.SetDefault("payment.enabled", false)
	v.SetDefault("payment.scheme", "exact")
	v.SetDefault("payment.network", "")
	v.SetDefault("payment.rpc_url", "")
	v.SetDefault("payment.chain_id", 0)
	v.SetDefault("payment.pay_to", "")
	v.SetDefault("payment.asset", "")
	v.SetDefault("payment.currency", "")
	v.SetDefault("payment.decimals", 6)
	v.SetDefault("payment.amount", "")
	v.SetDefault("payment.confirmations", 1)
	v.SetDefault("payment.max_age", time.Duration(0))
	v.SetDefault("payment.description", "")
	v.SetDefault("payment.store", StoreMemory)
	v.SetDefault("ledger.kind", LedgerEVM)
	v.SetDefault("ledger.evm_rpc_url", "")
	v.SetDefault("ledger.staking_contract", "")
	v.SetDefault("ledger.solana_rpc_url", "")
	v.SetDefault("ledger.staking_program", "")
	v.SetDefault("ledger.requests_per_second", 20)
	v.SetDefault("default_endpoint.min_tier", "FREE")
	v.SetDefault("default_endpoint.require_auth", false)
	v.SetDefault("default_endpoint.allow_payment", false)
	v.SetDefault("tracking.sink", SinkLog)
	v.SetDefault("tracking.queue_size", 1024)
	v.SetDefault("tracking.batch_size", 100)
	v.SetDefault("tracking.flush_interval", 5*time.Second)
}

// LoadGatewayConfig reads the policy file at path, applies STAKEGATE_* environment overrides and
// validates the result. An empty path loads defaults and environment only.
func LoadGatewayConfig(path string) (*GatewayConfig, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg GatewayConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func (c *GatewayConfig) Validate() error {
	if _, err := c.TierPolicy(); err != nil {
		return err
	}
	if _, err := c.LockTierTable(); err != nil {
		return err
	}
	if _, err := c.AccessPolicies(); err != nil {
		return err
	}
	if c.RateLimit.Window <= 0 {
		return errors.New("rate_limit.window must be positive")
	}
	if err := validateStore("rate_limit.store", c.RateLimit.Store, StoreMemory, StoreRedis); err != nil {
		return err
	}
	if c.Payment.Enabled {
		if _, err := c.PaymentRequirements(); err != nil {
			return err
		}
		if err := validateStore("payment.store", c.Payment.Store, StoreMemory, StoreRedis, StorePostgres, StoreLevelDB); err != nil {
			return err
		}
	}
	switch c.Ledger.Kind {
	case LedgerEVM, LedgerSolana, LedgerBoth:
	default:
		return fmt.Errorf("ledger.kind %q must be one of evm, solana, both", c.Ledger.Kind)
	}
	switch c.Tracking.Sink {
	case SinkPostgres, SinkLog, SinkNone:
	default:
		return fmt.Errorf("tracking.sink %q must be one of postgres, log, none", c.Tracking.Sink)
	}
	return nil
}

func validateStore(key, value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return fmt.Errorf("%s %q must be one of %s", key, value, strings.Join(allowed, ", "))
}

// TierPolicy converts the tier section into a tier.Policy in base units.
func (c *GatewayConfig) TierPolicy() (tier.Policy, error) {
	var thresholds [3]decimal.Decimal
	for i, s := range []string{c.Tiers.Thresholds.Builder, c.Tiers.Thresholds.Pro, c.Tiers.Thresholds.Elite} {
		d, err := decimal.NewFromString(s)
		if err != nil {
			return tier.Policy{}, fmt.Errorf("tiers.thresholds.%s: %w", strings.ToLower(tier.Tier(i+1).String()), err)
		}
		thresholds[i] = d
	}
	limits := c.Tiers.RateLimits
	p, err := tier.NewPolicy(c.Token.Decimals, thresholds, [4]int{limits.Free, limits.Builder, limits.Pro, limits.Elite})
	if err != nil {
		return tier.Policy{}, fmt.Errorf("tiers: %w", err)
	}
	return p, nil
}

var defaultLockTiers = []LockTierConfig{
	{Duration: 0, Multiplier: "1"},
	{Duration: 30 * 24 * time.Hour, Multiplier: "1.25"},
	{Duration: 90 * 24 * time.Hour, Multiplier: "1.5"},
	{Duration: 180 * 24 * time.Hour, Multiplier: "2"},
}

// LockTierTable builds the lock tier table, or the default 0/30/90/180 day table when none is
// configured.
func (c *GatewayConfig) LockTierTable() (rewards.TierTable, error) {
	cfgs := c.LockTiers
	if len(cfgs) == 0 {
		cfgs = defaultLockTiers
	}
	tiers := make([]rewards.LockTier, len(cfgs))
	for i, lt := range cfgs {
		m, err := decimal.NewFromString(lt.Multiplier)
		if err != nil {
			return rewards.TierTable{}, fmt.Errorf("lock_tiers[%d].multiplier: %w", i, err)
		}
		tiers[i] = rewards.LockTier{Index: i, Duration: lt.Duration, Multiplier: m}
	}
	table, err := rewards.NewTierTable(tiers)
	if err != nil {
		return rewards.TierTable{}, fmt.Errorf("lock_tiers: %w", err)
	}
	return table, nil
}

// PaymentRequirements converts the payment section. Amount is in whole units of the payment
// currency.
func (c *GatewayConfig) PaymentRequirements() (payment.Requirements, error) {
	p := c.Payment
	amount, err := decimal.NewFromString(p.Amount)
	if err != nil {
		return payment.Requirements{}, fmt.Errorf("payment.amount: %w", err)
	}
	base, err := fixedpoint.FromTokens(amount, p.Decimals)
	if err != nil {
		return payment.Requirements{}, fmt.Errorf("payment.amount: %w", err)
	}
	req := payment.Requirements{
		Scheme:        p.Scheme,
		Network:       p.Network,
		PayTo:         strings.ToLower(p.PayTo),
		Asset:         strings.ToLower(p.Asset),
		Currency:      p.Currency,
		Decimals:      p.Decimals,
		Amount:        base,
		Confirmations: p.Confirmations,
		Description:   p.Description,
		MaxAge:        p.MaxAge,
	}
	if err := req.Validate(); err != nil {
		return payment.Requirements{}, err
	}
	return req, nil
}

// PaymentChainID returns the configured chain id, or nil when unset.
func (c *GatewayConfig) PaymentChainID() *big.Int {
	if c.Payment.ChainID == 0 {
		return nil
	}
	return big.NewInt(c.Payment.ChainID)
}

func endpointPolicy(ec EndpointConfig) (access.EndpointPolicy, error) {
	minTier := tier.Free
	if ec.MinTier != "" {
		t, err := tier.Parse(ec.MinTier)
		if err != nil {
			return access.EndpointPolicy{}, err
		}
		minTier = t
	}
	return access.EndpointPolicy{
		MinTier:      minTier,
		RequireAuth:  ec.RequireAuth,
		AllowPayment: ec.AllowPayment,
	}, nil
}

// AccessPolicies converts the endpoint list, keyed by chi route pattern.
func (c *GatewayConfig) AccessPolicies() (access.Policies, error) {
	def, err := endpointPolicy(c.DefaultEndpoint)
	if err != nil {
		return access.Policies{}, fmt.Errorf("default_endpoint: %w", err)
	}
	policies := access.Policies{Default: def, Endpoints: make(map[string]access.EndpointPolicy, len(c.Endpoints))}
	for i, ec := range c.Endpoints {
		if ec.Pattern == "" {
			return access.Policies{}, fmt.Errorf("endpoints[%d]: pattern is required", i)
		}
		if _, dup := policies.Endpoints[ec.Pattern]; dup {
			return access.Policies{}, fmt.Errorf("endpoints[%d]: duplicate pattern %s", i, ec.Pattern)
		}
		ep, err := endpointPolicy(ec)
		if err != nil {
			return access.Policies{}, fmt.Errorf("endpoints[%d]: %w", i, err)
		}
		policies.Endpoints[ec.Pattern] = ep
	}
	if err := policies.Validate(); err != nil {
		return access.Policies{}, err
	}
	return policies, nil
}
