package ledger

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"

	"github.com/gagliardetto/solana-go"
	solanarpc "github.com/gagliardetto/solana-go/rpc"
	"github.com/holiman/uint256"
	"github.com/malbeclabs/stakegate/staking/pkg/rewards"
	"golang.org/x/sync/errgroup"
)

// Staking program account layouts, little-endian, after the 8-byte account discriminator:
//
//	pool: mint(32) total_weighted(u128) n(u8) n * [reward_mint(32) reward_per_token_stored(u128)]
//	user: owner(32) staked(u64) weighted(u128) n(u8) n * [reward_mint(32) paid(u128) pending(u64)]
const discriminatorLen = 8

var (
	poolSeed = []byte("pool")
	userSeed = []byte("user")
)

// SolanaRPC is the subset of the solana-go RPC client the reader uses.
type SolanaRPC interface {
	GetAccountInfoWithOpts(ctx context.Context, account solana.PublicKey, opts *solanarpc.GetAccountInfoOpts) (*solanarpc.GetAccountInfoResult, error)
}

type SolanaReaderConfig struct {
	Logger    *slog.Logger
	RPC       SolanaRPC
	ProgramID solana.PublicKey
	Call      CallConfig
}

func (cfg *SolanaReaderConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.RPC == nil {
		return errors.New("rpc client is required")
	}
	if cfg.ProgramID.IsZero() {
		return errors.New("program id is required")
	}
	return nil
}

// SolanaReader reads the staking program's pool and user accounts.
type SolanaReader struct {
	log    *slog.Logger
	cfg    SolanaReaderConfig
	pool   solana.PublicKey
	caller *caller
}

func NewSolanaReader(cfg SolanaReaderConfig) (*SolanaReader, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	pool, _, err := solana.FindProgramAddress([][]byte{poolSeed}, cfg.ProgramID)
	if err != nil {
		return nil, fmt.Errorf("failed to derive pool address: %w", err)
	}
	return &SolanaReader{
		log:    cfg.Logger,
		cfg:    cfg,
		pool:   pool,
		caller: newCaller(cfg.Logger, "solana", cfg.Call),
	}, nil
}

// UserAccountAddress derives the user stake account for owner.
func (r *SolanaReader) UserAccountAddress(owner solana.PublicKey) (solana.PublicKey, error) {
	addr, _, err := solana.FindProgramAddress([][]byte{userSeed, owner.Bytes()}, r.cfg.ProgramID)
	return addr, err
}

// accountData returns the account's data, or nil when the account does not exist.
func (r *SolanaReader) accountData(ctx context.Context, method string, addr solana.PublicKey) ([]byte, error) {
	return do(ctx, r.caller, method, func(ctx context.Context) ([]byte, error) {
		out, err := r.cfg.RPC.GetAccountInfoWithOpts(ctx, addr, &solanarpc.GetAccountInfoOpts{
			Commitment: solanarpc.CommitmentConfirmed,
			Encoding:   solana.EncodingBase64,
		})
		if errors.Is(err, solanarpc.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		if out == nil || out.Value == nil || out.Value.Data == nil {
			return nil, nil
		}
		return out.Value.Data.GetBinary(), nil
	})
}

type solanaUser struct {
	staked   *uint256.Int
	weighted *uint256.Int
	rewards  map[rewards.RewardToken]rewards.Checkpoint
}

func (r *SolanaReader) readUser(ctx context.Context, wallet string) (*solanaUser, error) {
	owner, err := solana.PublicKeyFromBase58(wallet)
	if err != nil {
		return nil, fmt.Errorf("%w: %q is not a solana address", ErrUnsupportedAddress, wallet)
	}
	addr, err := r.UserAccountAddress(owner)
	if err != nil {
		return nil, fmt.Errorf("%w: derive user account: %w", ErrUnsupportedAddress, err)
	}
	data, err := r.accountData(ctx, "user", addr)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return &solanaUser{
			staked:   new(uint256.Int),
			weighted: new(uint256.Int),
			rewards:  map[rewards.RewardToken]rewards.Checkpoint{},
		}, nil
	}
	return decodeSolanaUser(data)
}

func (r *SolanaReader) GetStakedAmount(ctx context.Context, wallet string) (*uint256.Int, error) {
	u, err := r.readUser(ctx, wallet)
	if err != nil {
		return nil, err
	}
	return u.staked, nil
}

func (r *SolanaReader) GetRewardLedgerSnapshot(ctx context.Context) (rewards.LedgerSnapshot, error) {
	data, err := r.accountData(ctx, "pool", r.pool)
	if err != nil {
		return rewards.LedgerSnapshot{}, err
	}
	if data == nil {
		return rewards.LedgerSnapshot{}, fmt.Errorf("%w: pool account %s not found", ErrLedgerUnavailable, r.pool)
	}
	return decodeSolanaPool(data)
}

func (r *SolanaReader) GetUserAccount(ctx context.Context, wallet string) (rewards.UserAccount, error) {
	u, err := r.readUser(ctx, wallet)
	if err != nil {
		return rewards.UserAccount{}, err
	}
	return rewards.UserAccount{
		Wallet:             wallet,
		TotalWeightedStake: u.weighted,
		Checkpoints:        u.rewards,
	}, nil
}

// GetRewardState reads the pool and the wallet's user account concurrently.
func (r *SolanaReader) GetRewardState(ctx context.Context, wallet string) (rewards.LedgerSnapshot, rewards.UserAccount, error) {
	var (
		snapshot rewards.LedgerSnapshot
		account  rewards.UserAccount
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		snapshot, err = r.GetRewardLedgerSnapshot(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		account, err = r.GetUserAccount(gctx, wallet)
		return err
	})
	if err := g.Wait(); err != nil {
		return rewards.LedgerSnapshot{}, rewards.UserAccount{}, err
	}
	return snapshot, account, nil
}

// decoder walks a little-endian account buffer.
type decoder struct {
	buf []byte
	off int
	err error
}

func (d *decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if d.off+n > len(d.buf) {
		d.err = fmt.Errorf("%w: account data truncated at offset %d (need %d of %d)", ErrLedgerUnavailable, d.off, n, len(d.buf))
		return nil
	}
	b := d.buf[d.off : d.off+n]
	d.off += n
	return b
}

func (d *decoder) pubkey() solana.PublicKey {
	b := d.take(32)
	if b == nil {
		return solana.PublicKey{}
	}
	return solana.PublicKeyFromBytes(b)
}

func (d *decoder) u8() uint8 {
	b := d.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (d *decoder) u64() *uint256.Int {
	b := d.take(8)
	if b == nil {
		return new(uint256.Int)
	}
	return uint256.NewInt(binary.LittleEndian.Uint64(b))
}

func (d *decoder) u128() *uint256.Int {
	b := d.take(16)
	if b == nil {
		return new(uint256.Int)
	}
	lo := uint256.NewInt(binary.LittleEndian.Uint64(b[:8]))
	hi := uint256.NewInt(binary.LittleEndian.Uint64(b[8:]))
	return hi.Lsh(hi, 64).Or(hi, lo)
}

func newDecoder(data []byte) *decoder {
	d := &decoder{buf: data}
	d.take(discriminatorLen)
	return d
}

func decodeSolanaPool(data []byte) (rewards.LedgerSnapshot, error) {
	d := newDecoder(data)
	d.pubkey()
	snapshot := rewards.LedgerSnapshot{TotalWeightedStake: d.u128()}
	n := int(d.u8())
	snapshot.RewardPerTokenStored = make(map[rewards.RewardToken]*uint256.Int, n)
	for i := 0; i < n && d.err == nil; i++ {
		mint := d.pubkey()
		snapshot.RewardPerTokenStored[rewards.RewardToken(mint.String())] = d.u128()
	}
	if d.err != nil {
		return rewards.LedgerSnapshot{}, d.err
	}
	return snapshot, nil
}

func decodeSolanaUser(data []byte) (*solanaUser, error) {
	d := newDecoder(data)
	d.pubkey()
	u := &solanaUser{staked: d.u64(), weighted: d.u128()}
	n := int(d.u8())
	u.rewards = make(map[rewards.RewardToken]rewards.Checkpoint, n)
	for i := 0; i < n && d.err == nil; i++ {
		mint := d.pubkey()
		paid := d.u128()
		pending := d.u64()
		u.rewards[rewards.RewardToken(mint.String())] = rewards.Checkpoint{RewardPerTokenPaid: paid, PendingRewards: pending}
	}
	if d.err != nil {
		return nil, d.err
	}
	return u, nil
}
