package ledger

import (
	"context"
	"testing"

	"github.com/holiman/uint256"
	"github.com/malbeclabs/stakegate/staking/pkg/rewards"
	"github.com/stretchr/testify/require"
)

type mockReader struct {
	name  string
	stake uint64
}

func (m *mockReader) GetStakedAmount(context.Context, string) (*uint256.Int, error) {
	return uint256.NewInt(m.stake), nil
}

func (m *mockReader) GetRewardLedgerSnapshot(context.Context) (rewards.LedgerSnapshot, error) {
	return rewards.LedgerSnapshot{TotalWeightedStake: uint256.NewInt(m.stake * 10)}, nil
}

func (m *mockReader) GetUserAccount(_ context.Context, wallet string) (rewards.UserAccount, error) {
	return rewards.UserAccount{Wallet: m.name + ":" + wallet}, nil
}

func (m *mockReader) GetRewardState(ctx context.Context, wallet string) (rewards.LedgerSnapshot, rewards.UserAccount, error) {
	snapshot, _ := m.GetRewardLedgerSnapshot(ctx)
	account, _ := m.GetUserAccount(ctx, wallet)
	return snapshot, account, nil
}

func TestStakeGate_Ledger_Router(t *testing.T) {
	t.Parallel()

	const solWallet = "7xKXtg2CW87d97TXJSDpbD5jBkheTqA83TZRuJosgAsU"
	evm := newTestEVMReader(t, newFakeStakingContract(t, stakingState))
	sol := &mockReader{name: "sol", stake: 7}

	r, err := NewRouter(evm, sol)
	require.NoError(t, err)
	ctx := t.Context()

	amount, err := r.GetStakedAmount(ctx, testUser)
	require.NoError(t, err)
	require.Equal(t, uint64(2_000_000), amount.Uint64())

	amount, err = r.GetStakedAmount(ctx, solWallet)
	require.NoError(t, err)
	require.Equal(t, uint64(7), amount.Uint64())

	snapshot, err := r.GetRewardLedgerSnapshot(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(50_000_000), snapshot.TotalWeightedStake.Uint64(), "primary is the EVM ledger")

	snapshot, state, err := r.GetRewardState(ctx, solWallet)
	require.NoError(t, err)
	require.Equal(t, uint64(70), snapshot.TotalWeightedStake.Uint64())
	require.Equal(t, "sol:"+solWallet, state.Wallet)

	account, err := r.GetUserAccount(ctx, solWallet)
	require.NoError(t, err)
	require.Equal(t, "sol:"+solWallet, account.Wallet)

	positions, err := r.GetStakePositions(ctx, testUser)
	require.NoError(t, err)
	require.Len(t, positions, 2)

	_, err = r.GetStakePositions(ctx, solWallet)
	require.ErrorIs(t, err, ErrUnsupportedAddress, "mock solana reader has no positions")
}

func TestStakeGate_Ledger_Router_SingleFamily(t *testing.T) {
	t.Parallel()

	_, err := NewRouter(nil, nil)
	require.Error(t, err)

	r, err := NewRouter(nil, &mockReader{name: "sol", stake: 1})
	require.NoError(t, err)

	_, err = r.GetStakedAmount(t.Context(), testUser)
	require.ErrorIs(t, err, ErrUnsupportedAddress)

	snapshot, err := r.GetRewardLedgerSnapshot(t.Context())
	require.NoError(t, err)
	require.Equal(t, uint64(10), snapshot.TotalWeightedStake.Uint64(), "primary falls back to solana")
}
