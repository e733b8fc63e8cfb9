package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"regexp"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/stakegate/utils/pkg/retry"
	"golang.org/x/time/rate"
)

var (
	evmTxHashRE = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)
	// transferTopic is keccak256("Transfer(address,address,uint256)").
	transferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))
)

// EVMClient is the subset of ethclient.Client the verifier uses.
type EVMClient interface {
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

type EVMVerifierConfig struct {
	Logger *slog.Logger
	Client EVMClient
	Clock  clockwork.Clock
	// ChainID, when set, rejects native transfers signed for another chain.
	ChainID           *big.Int
	RequestsPerSecond float64
	Retry             retry.Config
}

func (cfg *EVMVerifierConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Client == nil {
		return errors.New("client is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	return nil
}

// EVMVerifier verifies native or ERC-20 payments on an EVM chain.
type EVMVerifier struct {
	log     *slog.Logger
	cfg     EVMVerifierConfig
	limiter *rate.Limiter
}

func NewEVMVerifier(cfg EVMVerifierConfig) (*EVMVerifier, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	return &EVMVerifier{log: cfg.Logger, cfg: cfg, limiter: limiter}, nil
}

func (v *EVMVerifier) NormalizeTxHash(hash string) (string, error) {
	hash = strings.TrimSpace(hash)
	if !evmTxHashRE.MatchString(hash) {
		return "", fmt.Errorf("%w: %q", ErrInvalidTxHash, hash)
	}
	return strings.ToLower(hash), nil
}

// rpcCall throttles and retries fn. ethereum.NotFound is not retryable and surfaces unwrapped.
func rpcCall[T any](ctx context.Context, v *EVMVerifier, fn func() (T, error)) (T, error) {
	return retry.DoValue(ctx, v.cfg.Retry, func() (T, error) {
		if err := v.limiter.Wait(ctx); err != nil {
			var zero T
			return zero, err
		}
		return fn()
	})
}

func (v *EVMVerifier) Verify(ctx context.Context, hash string, req Requirements) (Transfer, error) {
	normalized, err := v.NormalizeTxHash(hash)
	if err != nil {
		return Transfer{}, err
	}
	txHash := common.HexToHash(normalized)

	receipt, err := rpcCall(ctx, v, func() (*types.Receipt, error) {
		return v.cfg.Client.TransactionReceipt(ctx, txHash)
	})
	if errors.Is(err, ethereum.NotFound) {
		return Transfer{}, fmt.Errorf("%w: %s", ErrTxNotFound, normalized)
	}
	if err != nil {
		return Transfer{}, unavailable("receipt", err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return Transfer{}, fmt.Errorf("%w: %s reverted", ErrTxFailed, normalized)
	}

	head, err := rpcCall(ctx, v, func() (uint64, error) {
		return v.cfg.Client.BlockNumber(ctx)
	})
	if err != nil {
		return Transfer{}, unavailable("block number", err)
	}
	block := receipt.BlockNumber.Uint64()
	var confirmations uint64
	if head >= block {
		confirmations = head - block + 1
	}
	if confirmations == 0 || confirmations < req.Confirmations {
		return Transfer{}, fmt.Errorf("%w: %s has %d of %d confirmations", ErrTxPending, normalized, confirmations, req.Confirmations)
	}

	var transfer Transfer
	if req.Asset == "" {
		transfer, err = v.nativeTransfer(ctx, txHash, req)
	} else {
		transfer, err = v.tokenTransfer(receipt, req)
	}
	if err != nil {
		return Transfer{}, err
	}
	transfer.TxHash = normalized
	transfer.BlockNumber = block

	if req.MaxAge > 0 {
		header, err := rpcCall(ctx, v, func() (*types.Header, error) {
			return v.cfg.Client.HeaderByNumber(ctx, receipt.BlockNumber)
		})
		if err != nil {
			return Transfer{}, unavailable("header", err)
		}
		transfer.BlockTime = time.Unix(int64(header.Time), 0).UTC()
		if age := v.cfg.Clock.Since(transfer.BlockTime); age > req.MaxAge {
			return Transfer{}, fmt.Errorf("%w: %s is %s old", ErrTxExpired, normalized, age.Truncate(time.Second))
		}
	}
	return transfer, nil
}

func (v *EVMVerifier) nativeTransfer(ctx context.Context, txHash common.Hash, req Requirements) (Transfer, error) {
	type txResult struct {
		tx      *types.Transaction
		pending bool
	}
	res, err := rpcCall(ctx, v, func() (txResult, error) {
		tx, pending, err := v.cfg.Client.TransactionByHash(ctx, txHash)
		return txResult{tx: tx, pending: pending}, err
	})
	if errors.Is(err, ethereum.NotFound) {
		return Transfer{}, fmt.Errorf("%w: %s", ErrTxNotFound, txHash.Hex())
	}
	if err != nil {
		return Transfer{}, unavailable("transaction", err)
	}
	if res.pending {
		return Transfer{}, fmt.Errorf("%w: %s is pending", ErrTxPending, txHash.Hex())
	}

	tx := res.tx
	if tx.To() == nil || !sameAddress(*tx.To(), req.PayTo) {
		return Transfer{}, fmt.Errorf("%w: %s", ErrWrongRecipient, txHash.Hex())
	}
	if v.cfg.ChainID != nil && tx.ChainId() != nil && tx.ChainId().Sign() != 0 && tx.ChainId().Cmp(v.cfg.ChainID) != 0 {
		return Transfer{}, fmt.Errorf("%w: %s is for chain %s", ErrWrongRecipient, txHash.Hex(), tx.ChainId())
	}
	amount, overflow := uint256.FromBig(tx.Value())
	if overflow {
		return Transfer{}, fmt.Errorf("%w: %s value overflows", ErrTxFailed, txHash.Hex())
	}
	if amount.Lt(req.Amount) {
		return Transfer{}, fmt.Errorf("%w: paid %s, need %s", ErrInsufficientAmount, amount.Dec(), req.Amount.Dec())
	}

	from := ""
	if sender, err := types.Sender(types.LatestSignerForChainID(tx.ChainId()), tx); err == nil {
		from = strings.ToLower(sender.Hex())
	}
	return Transfer{
		From:   from,
		To:     strings.ToLower(tx.To().Hex()),
		Amount: amount,
	}, nil
}

// tokenTransfer sums ERC-20 Transfer events from the configured asset to the treasury.
func (v *EVMVerifier) tokenTransfer(receipt *types.Receipt, req Requirements) (Transfer, error) {
	total := new(uint256.Int)
	from := ""
	found := false
	for _, l := range receipt.Logs {
		if l == nil || len(l.Topics) != 3 || l.Topics[0] != transferTopic || !sameAddress(l.Address, req.Asset) {
			continue
		}
		to := common.BytesToAddress(l.Topics[2].Bytes())
		if !sameAddress(to, req.PayTo) {
			continue
		}
		amount, overflow := uint256.FromBig(new(big.Int).SetBytes(l.Data))
		if overflow {
			continue
		}
		if _, overflow := total.AddOverflow(total, amount); overflow {
			return Transfer{}, fmt.Errorf("%w: transfer total overflows", ErrTxFailed)
		}
		if !found {
			from = strings.ToLower(common.BytesToAddress(l.Topics[1].Bytes()).Hex())
			found = true
		}
	}
	if !found {
		return Transfer{}, fmt.Errorf("%w: no %s transfer to treasury in %s", ErrWrongRecipient, req.Currency, receipt.TxHash.Hex())
	}
	if total.Lt(req.Amount) {
		return Transfer{}, fmt.Errorf("%w: paid %s, need %s", ErrInsufficientAmount, total.Dec(), req.Amount.Dec())
	}
	return Transfer{
		From:   from,
		To:     strings.ToLower(req.PayTo),
		Asset:  strings.ToLower(req.Asset),
		Amount: total,
	}, nil
}

func sameAddress(a common.Address, b string) bool {
	return common.IsHexAddress(b) && a == common.HexToAddress(b)
}
