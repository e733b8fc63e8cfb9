// Package tier classifies wallets into access tiers by staked amount.
package tier

import (
	"errors"
	"fmt"
	"strings"

	"github.com/holiman/uint256"
	"github.com/malbeclabs/stakegate/gate/pkg/ratelimit"
	"github.com/malbeclabs/stakegate/staking/pkg/fixedpoint"
	"github.com/shopspring/decimal"
)

// Tier is an access tier. Tiers are totally ordered: Free < Builder < Pro < Elite.
type Tier int

const (
	Free Tier = iota
	Builder
	Pro
	Elite
)

const numTiers = 4

var tierNames = [numTiers]string{"FREE", "BUILDER", "PRO", "ELITE"}

// All returns every tier in ascending order.
func All() []Tier {
	return []Tier{Free, Builder, Pro, Elite}
}

func (t Tier) Valid() bool {
	return t >= Free && t <= Elite
}

func (t Tier) String() string {
	if !t.Valid() {
		return fmt.Sprintf("Tier(%d)", int(t))
	}
	return tierNames[t]
}

// AtLeast reports whether t meets min.
func (t Tier) AtLeast(min Tier) bool {
	return t >= min
}

// Parse reads a tier name, case-insensitively.
func Parse(s string) (Tier, error) {
	for i, name := range tierNames {
		if strings.EqualFold(strings.TrimSpace(s), name) {
			return Tier(i), nil
		}
	}
	return Free, fmt.Errorf("unknown tier %q", s)
}

func (t Tier) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("invalid tier %d", int(t))
	}
	return []byte(t.String()), nil
}

func (t *Tier) UnmarshalText(b []byte) error {
	v, err := Parse(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// Policy holds the stake thresholds and per-minute rate ceilings of each tier.
type Policy struct {
	// MinStake is the minimum stake in base units per tier. MinStake[Free] is ignored.
	MinStake [numTiers]*uint256.Int
	// RateLimit is requests per window per tier; ratelimit.Unlimited for no ceiling.
	RateLimit [numTiers]int
}

// DefaultPolicy is 1M / 10M / 50M whole tokens and 10 / 60 / 300 / unlimited requests per minute.
func DefaultPolicy(decimals uint8) (Policy, error) {
	return NewPolicy(decimals,
		[3]decimal.Decimal{decimal.NewFromInt(1_000_000), decimal.NewFromInt(10_000_000), decimal.NewFromInt(50_000_000)},
		[numTiers]int{10, 60, 300, ratelimit.Unlimited},
	)
}

// NewPolicy builds a policy from whole-token thresholds for Builder, Pro and Elite.
func NewPolicy(decimals uint8, thresholds [3]decimal.Decimal, rateLimits [numTiers]int) (Policy, error) {
	p := Policy{RateLimit: rateLimits}
	p.MinStake[Free] = new(uint256.Int)
	for i, th := range thresholds {
		v, err := fixedpoint.FromTokens(th, decimals)
		if err != nil {
			return Policy{}, fmt.Errorf("%s threshold: %w", Tier(i+1), err)
		}
		p.MinStake[i+1] = v
	}
	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

func (p Policy) Validate() error {
	for _, t := range []Tier{Builder, Pro, Elite} {
		if p.MinStake[t] == nil {
			return fmt.Errorf("%s threshold is required", t)
		}
		if prev := p.MinStake[t-1]; prev != nil && p.MinStake[t].Lt(prev) {
			return fmt.Errorf("%s threshold is below %s threshold", t, t-1)
		}
	}
	for _, t := range All() {
		if p.RateLimit[t] < ratelimit.Unlimited {
			return fmt.Errorf("%s rate limit %d is invalid", t, p.RateLimit[t])
		}
	}
	if p.RateLimit[Free] == ratelimit.Unlimited {
		return errors.New("FREE rate limit cannot be unlimited")
	}
	return nil
}

// Classify evaluates thresholds from the highest tier down.
func (p Policy) Classify(stake *uint256.Int) Tier {
	if stake == nil {
		return Free
	}
	for _, t := range []Tier{Elite, Pro, Builder} {
		if !stake.Lt(p.MinStake[t]) {
			return t
		}
	}
	return Free
}

// Ceiling is t's per-window request limit.
func (p Policy) Ceiling(t Tier) int {
	if !t.Valid() {
		return p.RateLimit[Free]
	}
	return p.RateLimit[t]
}

// Threshold is the minimum stake for t.
func (p Policy) Threshold(t Tier) *uint256.Int {
	if !t.Valid() || t == Free || p.MinStake[t] == nil {
		return new(uint256.Int)
	}
	return new(uint256.Int).Set(p.MinStake[t])
}
