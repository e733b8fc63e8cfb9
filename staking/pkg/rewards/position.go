package rewards

import (
	"fmt"
	"time"

	"github.com/holiman/uint256"
)

// StakePosition is one deposit. WeightedAmount is fixed at creation; the ledger only ever flips
// Active off when the position is withdrawn.
type StakePosition struct {
	ID             uint64
	Amount         *uint256.Int
	WeightedAmount *uint256.Int
	LockTierIndex  int
	StakedAt       time.Time
	UnlockAt       time.Time
	Active         bool
}

// NewPosition builds an active position for a deposit of amount at the given lock tier.
func NewPosition(amount *uint256.Int, table TierTable, tierIndex int, stakedAt time.Time) (StakePosition, error) {
	tier, err := table.Tier(tierIndex)
	if err != nil {
		return StakePosition{}, err
	}
	weighted, err := WeightedAmount(amount, tier)
	if err != nil {
		return StakePosition{}, err
	}
	return StakePosition{
		Amount:         new(uint256.Int).Set(amount),
		WeightedAmount: weighted,
		LockTierIndex:  tierIndex,
		StakedAt:       stakedAt,
		UnlockAt:       stakedAt.Add(tier.Duration),
		Active:         true,
	}, nil
}

// IsUnlocked reports whether now >= UnlockAt. Enforcing it is the ledger's job.
func IsUnlocked(p StakePosition, now time.Time) bool {
	return !now.Before(p.UnlockAt)
}

// TimeRemaining is the time until unlock, zero once unlocked.
func TimeRemaining(p StakePosition, now time.Time) time.Duration {
	if IsUnlocked(p, now) {
		return 0
	}
	return p.UnlockAt.Sub(now)
}

// SumWeighted totals the weighted amount of active positions.
func SumWeighted(positions []StakePosition) (*uint256.Int, error) {
	total := new(uint256.Int)
	for _, p := range positions {
		if !p.Active || p.WeightedAmount == nil {
			continue
		}
		if _, overflow := total.AddOverflow(total, p.WeightedAmount); overflow {
			return nil, fmt.Errorf("sum weighted: position %d overflows", p.ID)
		}
	}
	return total, nil
}
