package ledger

import (
	"context"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/gagliardetto/solana-go"
	solanarpc "github.com/gagliardetto/solana-go/rpc"
	"github.com/holiman/uint256"
	"github.com/malbeclabs/stakegate/staking/pkg/rewards"
	stakegatetesting "github.com/malbeclabs/stakegate/utils/pkg/testing"
	"github.com/stretchr/testify/require"
)

var (
	testProgram = solana.MustPublicKeyFromBase58("Stake11111111111111111111111111111111111111")
	testMint    = solana.MustPublicKeyFromBase58("EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v")
	testOwner   = solana.MustPublicKeyFromBase58("7xKXtg2CW87d97TXJSDpbD5jBkheTqA83TZRuJosgAsU")
)

type mockSolanaRPC struct {
	getAccountInfoFunc func(context.Context, solana.PublicKey) (*solanarpc.GetAccountInfoResult, error)
}

func (m *mockSolanaRPC) GetAccountInfoWithOpts(ctx context.Context, account solana.PublicKey, _ *solanarpc.GetAccountInfoOpts) (*solanarpc.GetAccountInfoResult, error) {
	return m.getAccountInfoFunc(ctx, account)
}

func accountsRPC(accounts map[solana.PublicKey][]byte) *mockSolanaRPC {
	return &mockSolanaRPC{
		getAccountInfoFunc: func(_ context.Context, account solana.PublicKey) (*solanarpc.GetAccountInfoResult, error) {
			data, ok := accounts[account]
			if !ok {
				return nil, solanarpc.ErrNotFound
			}
			return &solanarpc.GetAccountInfoResult{
				Value: &solanarpc.Account{Data: solanarpc.DataBytesOrJSONFromBytes(data)},
			}, nil
		},
	}
}

type accountBuilder struct{ buf []byte }

func newAccountBuilder() *accountBuilder {
	return &accountBuilder{buf: make([]byte, discriminatorLen)}
}

func (b *accountBuilder) pubkey(pk solana.PublicKey) *accountBuilder {
	b.buf = append(b.buf, pk.Bytes()...)
	return b
}

func (b *accountBuilder) u8(v uint8) *accountBuilder {
	b.buf = append(b.buf, v)
	return b
}

func (b *accountBuilder) u64(v uint64) *accountBuilder {
	b.buf = binary.LittleEndian.AppendUint64(b.buf, v)
	return b
}

func (b *accountBuilder) u128(hi, lo uint64) *accountBuilder {
	b.buf = binary.LittleEndian.AppendUint64(b.buf, lo)
	b.buf = binary.LittleEndian.AppendUint64(b.buf, hi)
	return b
}

func newTestSolanaReader(t *testing.T, rpc SolanaRPC) *SolanaReader {
	t.Helper()
	r, err := NewSolanaReader(SolanaReaderConfig{
		Logger:    stakegatetesting.NewLogger(),
		RPC:       rpc,
		ProgramID: testProgram,
	})
	require.NoError(t, err)
	return r
}

func TestStakeGate_Ledger_SolanaReaderConfig_Validate(t *testing.T) {
	t.Parallel()

	_, err := NewSolanaReader(SolanaReaderConfig{})
	require.EqualError(t, err, "logger is required")
	_, err = NewSolanaReader(SolanaReaderConfig{Logger: stakegatetesting.NewLogger()})
	require.EqualError(t, err, "rpc client is required")
	_, err = NewSolanaReader(SolanaReaderConfig{Logger: stakegatetesting.NewLogger(), RPC: &mockSolanaRPC{}})
	require.EqualError(t, err, "program id is required")
}

func TestStakeGate_Ledger_SolanaReader(t *testing.T) {
	t.Parallel()

	accounts := map[solana.PublicKey][]byte{}
	r := newTestSolanaReader(t, accountsRPC(accounts))

	userAddr, err := r.UserAccountAddress(testOwner)
	require.NoError(t, err)

	accounts[r.pool] = newAccountBuilder().
		pubkey(testMint).
		u128(1, 0).
		u8(1).
		pubkey(testMint).u128(0, 4_000_000_000_000).
		buf
	accounts[userAddr] = newAccountBuilder().
		pubkey(testOwner).
		u64(1_000_000).
		u128(0, 1_500_000).
		u8(1).
		pubkey(testMint).u128(0, 1_000_000_000_000).u64(9).
		buf

	t.Run("staked amount", func(t *testing.T) {
		amount, err := r.GetStakedAmount(t.Context(), testOwner.String())
		require.NoError(t, err)
		require.Equal(t, uint64(1_000_000), amount.Uint64())
	})

	t.Run("snapshot decodes u128", func(t *testing.T) {
		snapshot, err := r.GetRewardLedgerSnapshot(t.Context())
		require.NoError(t, err)
		want := new(uint256.Int).Lsh(uint256.NewInt(1), 64)
		require.True(t, snapshot.TotalWeightedStake.Eq(want), snapshot.TotalWeightedStake.Dec())
		require.Equal(t, uint64(4_000_000_000_000), snapshot.RewardPerTokenStored[rewards.RewardToken(testMint.String())].Uint64())
	})

	t.Run("pending rewards", func(t *testing.T) {
		snapshot, account, err := r.GetRewardState(t.Context(), testOwner.String())
		require.NoError(t, err)
		require.Equal(t, testOwner.String(), account.Wallet)
		pending, err := rewards.ComputePending(account, snapshot, rewards.RewardToken(testMint.String()))
		require.NoError(t, err)
		require.Equal(t, uint64(9+1_500_000*3), pending.Uint64())
	})

	t.Run("missing user account is zero stake", func(t *testing.T) {
		other := solana.MustPublicKeyFromBase58("9WzDXwBbmkg8ZTbNMqUxvQRAyrZzDsGYdLVL9zYtAWWM")
		amount, err := r.GetStakedAmount(t.Context(), other.String())
		require.NoError(t, err)
		require.True(t, amount.IsZero())
	})

	t.Run("evm address is unsupported", func(t *testing.T) {
		_, err := r.GetStakedAmount(t.Context(), testUser)
		require.ErrorIs(t, err, ErrUnsupportedAddress)
	})
}

func TestStakeGate_Ledger_SolanaReader_Errors(t *testing.T) {
	t.Parallel()

	t.Run("missing pool", func(t *testing.T) {
		t.Parallel()
		r := newTestSolanaReader(t, accountsRPC(map[solana.PublicKey][]byte{}))
		_, err := r.GetRewardLedgerSnapshot(t.Context())
		require.ErrorIs(t, err, ErrLedgerUnavailable)
	})

	t.Run("truncated account", func(t *testing.T) {
		t.Parallel()
		accounts := map[solana.PublicKey][]byte{}
		r := newTestSolanaReader(t, accountsRPC(accounts))
		accounts[r.pool] = newAccountBuilder().pubkey(testMint).u128(0, 1).u8(2).pubkey(testMint).buf
		_, err := r.GetRewardLedgerSnapshot(t.Context())
		require.ErrorIs(t, err, ErrLedgerUnavailable)
	})

	t.Run("rpc failure", func(t *testing.T) {
		t.Parallel()
		r := newTestSolanaReader(t, &mockSolanaRPC{
			getAccountInfoFunc: func(context.Context, solana.PublicKey) (*solanarpc.GetAccountInfoResult, error) {
				return nil, errors.New("invalid params")
			},
		})
		_, err := r.GetStakedAmount(t.Context(), testOwner.String())
		require.ErrorIs(t, err, ErrLedgerUnavailable)
	})
}
