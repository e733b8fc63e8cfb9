package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/malbeclabs/stakegate/staking/pkg/rewards"
)

// Router serves wallets of both address families from one Reader. Pool-wide reads go to
// Primary.
type Router struct {
	EVM    Reader
	Solana Reader
	// Primary answers GetRewardLedgerSnapshot. Defaults to EVM, then Solana.
	Primary Reader
}

func NewRouter(evm, sol Reader) (*Router, error) {
	if evm == nil && sol == nil {
		return nil, errors.New("at least one ledger reader is required")
	}
	r := &Router{EVM: evm, Solana: sol, Primary: evm}
	if r.Primary == nil {
		r.Primary = sol
	}
	return r, nil
}

func (r *Router) route(wallet string) (Reader, error) {
	var reader Reader
	if strings.HasPrefix(wallet, "0x") && common.IsHexAddress(wallet) {
		reader = r.EVM
	} else {
		reader = r.Solana
	}
	if reader == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedAddress, wallet)
	}
	return reader, nil
}

func (r *Router) GetStakedAmount(ctx context.Context, wallet string) (*uint256.Int, error) {
	reader, err := r.route(wallet)
	if err != nil {
		return nil, err
	}
	return reader.GetStakedAmount(ctx, wallet)
}

func (r *Router) GetRewardLedgerSnapshot(ctx context.Context) (rewards.LedgerSnapshot, error) {
	return r.Primary.GetRewardLedgerSnapshot(ctx)
}

// GetRewardState reads from the ledger that holds wallet, so a wallet's account and the snapshot
// it is compared against come from the same chain.
func (r *Router) GetRewardState(ctx context.Context, wallet string) (rewards.LedgerSnapshot, rewards.UserAccount, error) {
	reader, err := r.route(wallet)
	if err != nil {
		return rewards.LedgerSnapshot{}, rewards.UserAccount{}, err
	}
	return reader.GetRewardState(ctx, wallet)
}

func (r *Router) GetUserAccount(ctx context.Context, wallet string) (rewards.UserAccount, error) {
	reader, err := r.route(wallet)
	if err != nil {
		return rewards.UserAccount{}, err
	}
	return reader.GetUserAccount(ctx, wallet)
}

// GetStakePositions fails with ErrUnsupportedAddress when the wallet's ledger does not expose
// positions.
func (r *Router) GetStakePositions(ctx context.Context, wallet string) ([]rewards.StakePosition, error) {
	reader, err := r.route(wallet)
	if err != nil {
		return nil, err
	}
	pr, ok := reader.(PositionReader)
	if !ok {
		return nil, fmt.Errorf("%w: positions are not available for %q", ErrUnsupportedAddress, wallet)
	}
	return pr.GetStakePositions(ctx, wallet)
}
