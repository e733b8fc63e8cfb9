// Package rewards implements reward-per-token accrual over weighted stake.
//
// The ledger keeps a global accumulator per reward token, scaled by fixedpoint.Precision, and a
// per-user checkpoint of that accumulator. Pending reward for a user is the amount credited at
// the last checkpoint plus weighted stake times the accumulator delta, floored.
package rewards

import (
	"errors"
	"fmt"
	"sort"

	"github.com/holiman/uint256"
	"github.com/malbeclabs/stakegate/staking/pkg/fixedpoint"
)

var ErrUnknownRewardToken = errors.New("rewards: unknown reward token")

// RewardToken identifies a reward denomination: a contract address, an SPL mint, or NativeToken.
type RewardToken string

const NativeToken RewardToken = "native"

// LedgerSnapshot is the global reward state read from the ledger.
type LedgerSnapshot struct {
	TotalWeightedStake   *uint256.Int
	RewardPerTokenStored map[RewardToken]*uint256.Int
}

// Tokens returns the snapshot's reward tokens in lexical order.
func (s LedgerSnapshot) Tokens() []RewardToken {
	tokens := make([]RewardToken, 0, len(s.RewardPerTokenStored))
	for t := range s.RewardPerTokenStored {
		tokens = append(tokens, t)
	}
	sort.Slice(tokens, func(i, j int) bool { return tokens[i] < tokens[j] })
	return tokens
}

// Checkpoint is a user's state for one reward token as of their last claim or update.
type Checkpoint struct {
	RewardPerTokenPaid *uint256.Int
	PendingRewards     *uint256.Int
}

// UserAccount is a staker's reward state.
type UserAccount struct {
	Wallet             string
	TotalWeightedStake *uint256.Int
	Checkpoints        map[RewardToken]Checkpoint
}

// PendingReward is the claimable amount of one token.
type PendingReward struct {
	Token  RewardToken
	Amount *uint256.Int
}

// ComputePending returns pending + weighted * (stored - paid) / P for token. A stored value at or
// below paid accrues nothing, so a stale ledger read never reduces the result.
func ComputePending(account UserAccount, snapshot LedgerSnapshot, token RewardToken) (*uint256.Int, error) {
	stored, ok := snapshot.RewardPerTokenStored[token]
	if !ok {
		return nil, fmt.Errorf("%w: %s not in ledger snapshot", ErrUnknownRewardToken, token)
	}
	cp, ok := account.Checkpoints[token]
	if !ok {
		return nil, fmt.Errorf("%w: %s not in account %s", ErrUnknownRewardToken, token, account.Wallet)
	}

	pending := orZero(cp.PendingRewards)
	paid := orZero(cp.RewardPerTokenPaid)
	weighted := orZero(account.TotalWeightedStake)
	stored = orZero(stored)

	if weighted.IsZero() || !stored.Gt(paid) {
		return new(uint256.Int).Set(pending), nil
	}

	delta := new(uint256.Int).Sub(stored, paid)
	accrued, err := fixedpoint.MulDivFloor(weighted, delta, fixedpoint.Precision())
	if err != nil {
		return nil, fmt.Errorf("accrue %s: %w", token, err)
	}
	total, err := fixedpoint.Add(pending, accrued)
	if err != nil {
		return nil, fmt.Errorf("accrue %s: %w", token, err)
	}
	return total, nil
}

// ComputeAllPending computes every reward token of the snapshot, ordered by token. Tokens the
// account has never checkpointed are treated as a zero checkpoint.
func ComputeAllPending(account UserAccount, snapshot LedgerSnapshot) ([]PendingReward, error) {
	tokens := snapshot.Tokens()
	out := make([]PendingReward, 0, len(tokens))

	acct := account
	acct.Checkpoints = make(map[RewardToken]Checkpoint, len(tokens))
	for _, token := range tokens {
		if cp, ok := account.Checkpoints[token]; ok {
			acct.Checkpoints[token] = cp
		} else {
			acct.Checkpoints[token] = Checkpoint{}
		}
	}

	for _, token := range tokens {
		amount, err := ComputePending(acct, snapshot, token)
		if err != nil {
			return nil, err
		}
		out = append(out, PendingReward{Token: token, Amount: amount})
	}
	return out, nil
}

var zero = new(uint256.Int)

func orZero(v *uint256.Int) *uint256.Int {
	if v == nil {
		return zero
	}
	return v
}
