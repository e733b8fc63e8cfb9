package admin

import (
	"context"
	"fmt"
	"io"

	"github.com/holiman/uint256"
	"github.com/malbeclabs/stakegate/gate/pkg/identity"
	"github.com/malbeclabs/stakegate/staking/pkg/rewards"
)

// RewardsLedger reads what pending reward computation needs.
type RewardsLedger interface {
	GetRewardState(ctx context.Context, wallet string) (rewards.LedgerSnapshot, rewards.UserAccount, error)
}

// PendingRewards prints the wallet's claimable amount of every reward token, in base units.
func PendingRewards(ctx context.Context, w io.Writer, ledger RewardsLedger, wallet string) error {
	normalized, ok := identity.NormalizeWallet(wallet)
	if !ok {
		return fmt.Errorf("invalid wallet address %q", wallet)
	}

	snapshot, account, err := ledger.GetRewardState(ctx, normalized)
	if err != nil {
		return fmt.Errorf("failed to read ledger: %w", err)
	}

	pending, err := rewards.ComputeAllPending(account, snapshot)
	if err != nil {
		return fmt.Errorf("failed to compute pending rewards: %w", err)
	}

	fmt.Fprintf(w, "wallet:               %s\n", normalized)
	fmt.Fprintf(w, "weighted stake:       %s\n", decOrZero(account.TotalWeightedStake))
	fmt.Fprintf(w, "pool weighted stake:  %s\n", decOrZero(snapshot.TotalWeightedStake))
	if len(pending) == 0 {
		fmt.Fprintln(w, "no reward tokens")
		return nil
	}
	for _, p := range pending {
		fmt.Fprintf(w, "  %-20s %s\n", p.Token, p.Amount.Dec())
	}
	return nil
}

func decOrZero(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}
