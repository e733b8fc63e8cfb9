// Package handlers serves the stakegate HTTP API. Gated routes are wrapped by the access gate
// middleware in api/server; handlers here only read.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/stakegate/gate/pkg/payment"
	"github.com/malbeclabs/stakegate/gate/pkg/ratelimit"
	"github.com/malbeclabs/stakegate/gate/pkg/tier"
	"github.com/malbeclabs/stakegate/staking/pkg/rewards"
)

// Ledger is the read side of the staking ledger used by the rewards and positions endpoints.
type Ledger interface {
	GetRewardState(ctx context.Context, wallet string) (rewards.LedgerSnapshot, rewards.UserAccount, error)
	GetStakePositions(ctx context.Context, wallet string) ([]rewards.StakePosition, error)
}

type TierResolver interface {
	Resolve(ctx context.Context, wallet string) tier.Info
	Policy() tier.Policy
}

// QuotaReader reads rate-limit standing without consuming it.
type QuotaReader interface {
	Peek(ctx context.Context, key string, limit int) ratelimit.Result
	Window() time.Duration
}

type PaymentLookup interface {
	Status(ctx context.Context, hash string) (payment.Consumption, bool, error)
	Requirements() payment.Requirements
}

// Pinger is a readiness dependency.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// BuildInfo is reported by /version.
type BuildInfo struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Date    string `json:"date"`
}

type Config struct {
	Logger   *slog.Logger
	Clock    clockwork.Clock
	Ledger   Ledger
	Resolver TierResolver
	Quota    QuotaReader
	// Payments is nil when pay-per-call is disabled.
	Payments  PaymentLookup
	LockTiers rewards.TierTable
	// Decimals of the staking token, for display amounts.
	Decimals uint8
	// Ready maps dependency names to their readiness checks.
	Ready map[string]Pinger
	Build BuildInfo
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Ledger == nil {
		return errors.New("ledger is required")
	}
	if cfg.Resolver == nil {
		return errors.New("tier resolver is required")
	}
	if cfg.Quota == nil {
		return errors.New("quota reader is required")
	}
	return nil
}

type Handlers struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Handlers, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Handlers{log: cfg.Logger, cfg: cfg}, nil
}

// ErrorResponse is the body of every handler error.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Error: code, Message: message})
}
