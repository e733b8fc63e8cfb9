package rewards

import (
	"errors"
	"fmt"
	"time"

	"github.com/holiman/uint256"
	"github.com/malbeclabs/stakegate/staking/pkg/fixedpoint"
	"github.com/shopspring/decimal"
)

var ErrInvalidTierIndex = errors.New("rewards: invalid lock tier index")

// LockTier is a configured lock duration and the multiplier it applies to staked amounts.
type LockTier struct {
	Index      int             `json:"index"`
	Duration   time.Duration   `json:"-"`
	Multiplier decimal.Decimal `json:"multiplier"`
}

// DurationSeconds is the lock duration in whole seconds.
func (t LockTier) DurationSeconds() int64 {
	return int64(t.Duration / time.Second)
}

// TierTable is the ordered list of lock tiers of a deployment. It is immutable once built.
type TierTable struct {
	tiers []LockTier
}

// NewTierTable validates and copies tiers. Each tier's Index must equal its position.
func NewTierTable(tiers []LockTier) (TierTable, error) {
	if len(tiers) == 0 {
		return TierTable{}, errors.New("at least one lock tier is required")
	}
	out := make([]LockTier, len(tiers))
	for i, t := range tiers {
		if t.Index != i {
			return TierTable{}, fmt.Errorf("lock tier %d has index %d", i, t.Index)
		}
		if t.Duration < 0 {
			return TierTable{}, fmt.Errorf("lock tier %d has negative duration", i)
		}
		if t.Multiplier.IsNegative() {
			return TierTable{}, fmt.Errorf("lock tier %d has negative multiplier", i)
		}
		out[i] = t
	}
	return TierTable{tiers: out}, nil
}

// Tier returns the tier at index or ErrInvalidTierIndex.
func (t TierTable) Tier(index int) (LockTier, error) {
	if index < 0 || index >= len(t.tiers) {
		return LockTier{}, fmt.Errorf("%w: %d (have %d)", ErrInvalidTierIndex, index, len(t.tiers))
	}
	return t.tiers[index], nil
}

// Tiers returns a copy of the table.
func (t TierTable) Tiers() []LockTier {
	out := make([]LockTier, len(t.tiers))
	copy(out, t.tiers)
	return out
}

func (t TierTable) Len() int { return len(t.tiers) }

// WeightedAmount returns floor(amount * tier.Multiplier).
func WeightedAmount(amount *uint256.Int, tier LockTier) (*uint256.Int, error) {
	w, err := fixedpoint.MulDecimalFloor(amount, tier.Multiplier)
	if err != nil {
		return nil, fmt.Errorf("weighted amount for tier %d: %w", tier.Index, err)
	}
	return w, nil
}
