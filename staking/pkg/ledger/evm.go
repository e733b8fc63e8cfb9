package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/malbeclabs/stakegate/staking/pkg/rewards"
	"golang.org/x/sync/errgroup"
)

// StakingABI is the read surface of the staking contract.
const StakingABI = `[
{"type":"function","name":"stakedBalance","stateMutability":"view","inputs":[{"name":"user","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"totalWeightedStake","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"rewardTokensLength","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"rewardTokens","stateMutability":"view","inputs":[{"name":"index","type":"uint256"}],"outputs":[{"name":"","type":"address"}]},
{"type":"function","name":"rewardPerTokenStored","stateMutability":"view","inputs":[{"name":"token","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"userWeightedStake","stateMutability":"view","inputs":[{"name":"user","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"userRewardPerTokenPaid","stateMutability":"view","inputs":[{"name":"user","type":"address"},{"name":"token","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"rewards","stateMutability":"view","inputs":[{"name":"user","type":"address"},{"name":"token","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"stakeCount","stateMutability":"view","inputs":[{"name":"user","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"stakes","stateMutability":"view","inputs":[{"name":"user","type":"address"},{"name":"index","type":"uint256"}],"outputs":[{"name":"amount","type":"uint256"},{"name":"weightedAmount","type":"uint256"},{"name":"lockTier","type":"uint8"},{"name":"stakedAt","type":"uint64"},{"name":"unlockAt","type":"uint64"},{"name":"active","type":"bool"}]}
]`

// maxListLength caps reward token and position lists read from the contract.
const maxListLength = 256

// ContractCaller is the subset of ethclient.Client the reader uses.
type ContractCaller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

type EVMReaderConfig struct {
	Logger   *slog.Logger
	Client   ContractCaller
	Contract common.Address
	Call     CallConfig
	// Concurrency bounds parallel per-token reads. Defaults to 4.
	Concurrency int
}

func (cfg *EVMReaderConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Client == nil {
		return errors.New("client is required")
	}
	if cfg.Contract == (common.Address{}) {
		return errors.New("contract address is required")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	return nil
}

// EVMReader reads a staking contract through eth_call.
type EVMReader struct {
	log    *slog.Logger
	cfg    EVMReaderConfig
	abi    abi.ABI
	caller *caller
}

func NewEVMReader(cfg EVMReaderConfig) (*EVMReader, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	parsed, err := abi.JSON(strings.NewReader(StakingABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse staking abi: %w", err)
	}
	return &EVMReader{
		log:    cfg.Logger,
		cfg:    cfg,
		abi:    parsed,
		caller: newCaller(cfg.Logger, "evm", cfg.Call),
	}, nil
}

func (r *EVMReader) call(ctx context.Context, method string, args ...any) ([]any, error) {
	return do(ctx, r.caller, method, func(ctx context.Context) ([]any, error) {
		data, err := r.abi.Pack(method, args...)
		if err != nil {
			return nil, fmt.Errorf("pack %s: %w", method, err)
		}
		out, err := r.cfg.Client.CallContract(ctx, ethereum.CallMsg{To: &r.cfg.Contract, Data: data}, nil)
		if err != nil {
			return nil, err
		}
		values, err := r.abi.Unpack(method, out)
		if err != nil {
			return nil, fmt.Errorf("unpack %s: %w", method, err)
		}
		return values, nil
	})
}

func (r *EVMReader) callUint(ctx context.Context, method string, args ...any) (*uint256.Int, error) {
	values, err := r.call(ctx, method, args...)
	if err != nil {
		return nil, err
	}
	return toUint256(method, values[0])
}

func (r *EVMReader) GetStakedAmount(ctx context.Context, wallet string) (*uint256.Int, error) {
	user, err := evmAddress(wallet)
	if err != nil {
		return nil, err
	}
	return r.callUint(ctx, "stakedBalance", user)
}

func (r *EVMReader) rewardTokens(ctx context.Context) ([]common.Address, error) {
	n, err := r.callUint(ctx, "rewardTokensLength")
	if err != nil {
		return nil, err
	}
	if !n.IsUint64() || n.Uint64() > maxListLength {
		return nil, fmt.Errorf("%w: implausible reward token count %s", ErrLedgerUnavailable, n.Dec())
	}

	tokens := make([]common.Address, n.Uint64())
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Concurrency)
	for i := range tokens {
		g.Go(func() error {
			values, err := r.call(gctx, "rewardTokens", new(big.Int).SetUint64(uint64(i)))
			if err != nil {
				return err
			}
			addr, ok := values[0].(common.Address)
			if !ok {
				return fmt.Errorf("%w: rewardTokens returned %T", ErrLedgerUnavailable, values[0])
			}
			tokens[i] = addr
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return tokens, nil
}

func (r *EVMReader) GetRewardLedgerSnapshot(ctx context.Context) (rewards.LedgerSnapshot, error) {
	tokens, err := r.rewardTokens(ctx)
	if err != nil {
		return rewards.LedgerSnapshot{}, err
	}
	return r.snapshot(ctx, tokens)
}

func (r *EVMReader) GetUserAccount(ctx context.Context, wallet string) (rewards.UserAccount, error) {
	user, err := evmAddress(wallet)
	if err != nil {
		return rewards.UserAccount{}, err
	}
	tokens, err := r.rewardTokens(ctx)
	if err != nil {
		return rewards.UserAccount{}, err
	}
	return r.account(ctx, wallet, user, tokens)
}

// GetRewardState reads the reward token list once and then the snapshot and account over it, so a
// token added mid-read cannot appear in one and not the other.
func (r *EVMReader) GetRewardState(ctx context.Context, wallet string) (rewards.LedgerSnapshot, rewards.UserAccount, error) {
	user, err := evmAddress(wallet)
	if err != nil {
		return rewards.LedgerSnapshot{}, rewards.UserAccount{}, err
	}
	tokens, err := r.rewardTokens(ctx)
	if err != nil {
		return rewards.LedgerSnapshot{}, rewards.UserAccount{}, err
	}

	var (
		snapshot rewards.LedgerSnapshot
		account  rewards.UserAccount
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		snapshot, err = r.snapshot(gctx, tokens)
		return err
	})
	g.Go(func() error {
		var err error
		account, err = r.account(gctx, wallet, user, tokens)
		return err
	})
	if err := g.Wait(); err != nil {
		return rewards.LedgerSnapshot{}, rewards.UserAccount{}, err
	}
	return snapshot, account, nil
}

func (r *EVMReader) snapshot(ctx context.Context, tokens []common.Address) (rewards.LedgerSnapshot, error) {
	total, err := r.callUint(ctx, "totalWeightedStake")
	if err != nil {
		return rewards.LedgerSnapshot{}, err
	}

	stored := make([]*uint256.Int, len(tokens))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Concurrency)
	for i, token := range tokens {
		g.Go(func() error {
			v, err := r.callUint(gctx, "rewardPerTokenStored", token)
			stored[i] = v
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return rewards.LedgerSnapshot{}, err
	}

	snapshot := rewards.LedgerSnapshot{
		TotalWeightedStake:   total,
		RewardPerTokenStored: make(map[rewards.RewardToken]*uint256.Int, len(tokens)),
	}
	for i, token := range tokens {
		snapshot.RewardPerTokenStored[evmRewardToken(token)] = stored[i]
	}
	return snapshot, nil
}

func (r *EVMReader) account(ctx context.Context, wallet string, user common.Address, tokens []common.Address) (rewards.UserAccount, error) {
	weighted, err := r.callUint(ctx, "userWeightedStake", user)
	if err != nil {
		return rewards.UserAccount{}, err
	}

	checkpoints := make([]rewards.Checkpoint, len(tokens))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Concurrency)
	for i, token := range tokens {
		g.Go(func() error {
			paid, err := r.callUint(gctx, "userRewardPerTokenPaid", user, token)
			if err != nil {
				return err
			}
			pending, err := r.callUint(gctx, "rewards", user, token)
			if err != nil {
				return err
			}
			checkpoints[i] = rewards.Checkpoint{RewardPerTokenPaid: paid, PendingRewards: pending}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return rewards.UserAccount{}, err
	}

	account := rewards.UserAccount{
		Wallet:             wallet,
		TotalWeightedStake: weighted,
		Checkpoints:        make(map[rewards.RewardToken]rewards.Checkpoint, len(tokens)),
	}
	for i, token := range tokens {
		account.Checkpoints[evmRewardToken(token)] = checkpoints[i]
	}
	return account, nil
}

func (r *EVMReader) GetStakePositions(ctx context.Context, wallet string) ([]rewards.StakePosition, error) {
	user, err := evmAddress(wallet)
	if err != nil {
		return nil, err
	}
	n, err := r.callUint(ctx, "stakeCount", user)
	if err != nil {
		return nil, err
	}
	count := n.Uint64()
	if !n.IsUint64() || count > maxListLength {
		r.log.Warn("ledger: truncating stake positions", "wallet", wallet, "count", n.Dec())
		count = maxListLength
	}

	positions := make([]rewards.StakePosition, count)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Concurrency)
	for i := range positions {
		g.Go(func() error {
			values, err := r.call(gctx, "stakes", user, new(big.Int).SetUint64(uint64(i)))
			if err != nil {
				return err
			}
			p, err := decodeEVMPosition(uint64(i), values)
			if err != nil {
				return err
			}
			positions[i] = p
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return positions, nil
}

func decodeEVMPosition(id uint64, values []any) (rewards.StakePosition, error) {
	if len(values) != 6 {
		return rewards.StakePosition{}, fmt.Errorf("%w: stakes returned %d values", ErrLedgerUnavailable, len(values))
	}
	amount, err := toUint256("stakes.amount", values[0])
	if err != nil {
		return rewards.StakePosition{}, err
	}
	weighted, err := toUint256("stakes.weightedAmount", values[1])
	if err != nil {
		return rewards.StakePosition{}, err
	}
	tier, ok1 := values[2].(uint8)
	stakedAt, ok2 := values[3].(uint64)
	unlockAt, ok3 := values[4].(uint64)
	active, ok4 := values[5].(bool)
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return rewards.StakePosition{}, fmt.Errorf("%w: unexpected stakes tuple types", ErrLedgerUnavailable)
	}
	return rewards.StakePosition{
		ID:             id,
		Amount:         amount,
		WeightedAmount: weighted,
		LockTierIndex:  int(tier),
		StakedAt:       time.Unix(int64(stakedAt), 0).UTC(),
		UnlockAt:       time.Unix(int64(unlockAt), 0).UTC(),
		Active:         active,
	}, nil
}

func toUint256(method string, v any) (*uint256.Int, error) {
	b, ok := v.(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%w: %s returned %T", ErrLedgerUnavailable, method, v)
	}
	u, overflow := uint256.FromBig(b)
	if overflow {
		return nil, fmt.Errorf("%w: %s overflows uint256", ErrLedgerUnavailable, method)
	}
	return u, nil
}

func evmAddress(wallet string) (common.Address, error) {
	if !common.IsHexAddress(wallet) || !strings.HasPrefix(wallet, "0x") {
		return common.Address{}, fmt.Errorf("%w: %q is not an EVM address", ErrUnsupportedAddress, wallet)
	}
	return common.HexToAddress(wallet), nil
}

// evmRewardToken maps the zero address to the native token and everything else to its lower-case hex.
func evmRewardToken(addr common.Address) rewards.RewardToken {
	if addr == (common.Address{}) {
		return rewards.NativeToken
	}
	return rewards.RewardToken(strings.ToLower(addr.Hex()))
}
