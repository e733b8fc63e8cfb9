// Package payment verifies x402 pay-per-call proofs: a transaction hash that paid the treasury at
// least the required amount, accepted once.
package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/holiman/uint256"
	"github.com/malbeclabs/stakegate/staking/pkg/fixedpoint"
)

var (
	ErrInvalidTxHash       = errors.New("invalid transaction hash")
	ErrAlreadyConsumed     = errors.New("payment already used")
	ErrTxNotFound          = errors.New("transaction not found")
	ErrTxPending           = errors.New("transaction not confirmed")
	ErrTxFailed            = errors.New("transaction failed")
	ErrTxExpired           = errors.New("payment too old")
	ErrWrongRecipient      = errors.New("payment not sent to treasury")
	ErrInsufficientAmount  = errors.New("payment below required amount")
	ErrVerifierUnavailable = errors.New("payment verifier unavailable")
)

// X402Version is the protocol version advertised in challenges.
const X402Version = 1

// Requirements describes the payment that unlocks one call.
type Requirements struct {
	Scheme  string
	Network string
	// PayTo is the treasury address.
	PayTo string
	// Asset is the token contract; empty for the chain's native currency.
	Asset    string
	Currency string
	Decimals uint8
	// Amount is the minimum payment in base units.
	Amount        *uint256.Int
	Confirmations uint64
	Description   string
	// MaxAge bounds how old a payment may be; zero accepts any age.
	MaxAge time.Duration
}

func (r Requirements) Validate() error {
	if r.PayTo == "" {
		return errors.New("payment recipient is required")
	}
	if r.Amount == nil || r.Amount.IsZero() {
		return errors.New("payment amount is required")
	}
	if r.Currency == "" {
		return errors.New("payment currency is required")
	}
	if r.Network == "" {
		return errors.New("payment network is required")
	}
	return nil
}

// Accept is one accepted way to pay, x402 style.
type Accept struct {
	Scheme            string `json:"scheme"`
	Network           string `json:"network"`
	MaxAmountRequired string `json:"maxAmountRequired"`
	Amount            string `json:"amount"`
	Resource          string `json:"resource"`
	Description       string `json:"description,omitempty"`
	PayTo             string `json:"payTo"`
	Asset             string `json:"asset,omitempty"`
	Currency          string `json:"currency"`
	Header            string `json:"header"`
}

// Challenge is the machine-readable body of a 402 response.
type Challenge struct {
	X402Version int      `json:"x402Version"`
	Error       string   `json:"error"`
	Message     string   `json:"message,omitempty"`
	Reason      string   `json:"reason,omitempty"`
	RetryAfter  int      `json:"retryAfter,omitempty"`
	Accepts     []Accept `json:"accepts"`
}

// Challenge builds the challenge for resource. Amount is rendered in whole tokens alongside the
// base-unit maxAmountRequired.
func (r Requirements) Challenge(resource, header string) Challenge {
	return Challenge{
		X402Version: X402Version,
		Error:       "payment_required",
		Accepts: []Accept{{
			Scheme:            r.scheme(),
			Network:           r.Network,
			MaxAmountRequired: r.Amount.Dec(),
			Amount:            fixedpoint.ToTokens(r.Amount, r.Decimals).String(),
			Resource:          resource,
			Description:       r.Description,
			PayTo:             r.PayTo,
			Asset:             r.Asset,
			Currency:          r.Currency,
			Header:            header,
		}},
	}
}

func (r Requirements) scheme() string {
	if r.Scheme == "" {
		return "exact"
	}
	return r.Scheme
}

// Transfer is a verified on-chain payment.
type Transfer struct {
	TxHash      string
	From        string
	To          string
	Asset       string
	Amount      *uint256.Int
	BlockNumber uint64
	BlockTime   time.Time
}

// ChainVerifier checks a transaction against the requirements. It does not track consumption.
type ChainVerifier interface {
	// NormalizeTxHash returns the canonical form of hash or ErrInvalidTxHash.
	NormalizeTxHash(hash string) (string, error)
	Verify(ctx context.Context, hash string, req Requirements) (Transfer, error)
}

// Consumption is the durable record of a used payment.
type Consumption struct {
	TxHash     string    `json:"txHash"`
	Payer      string    `json:"payer"`
	Amount     string    `json:"amount"`
	Resource   string    `json:"resource"`
	ConsumedAt time.Time `json:"consumedAt"`
}

// ConsumedStore is the used-hash set. Consume must be an atomic insert-if-absent.
type ConsumedStore interface {
	Lookup(ctx context.Context, hash string) (Consumption, bool, error)
	// Consume records c and reports false if c.TxHash was already recorded.
	Consume(ctx context.Context, c Consumption) (bool, error)
}

// Reason is the short machine reason for a verification error.
func Reason(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrInvalidTxHash):
		return "invalid_hash"
	case errors.Is(err, ErrAlreadyConsumed):
		return "already_consumed"
	case errors.Is(err, ErrTxNotFound):
		return "not_found"
	case errors.Is(err, ErrTxPending):
		return "pending"
	case errors.Is(err, ErrTxFailed):
		return "failed"
	case errors.Is(err, ErrTxExpired):
		return "expired"
	case errors.Is(err, ErrWrongRecipient):
		return "wrong_recipient"
	case errors.Is(err, ErrInsufficientAmount):
		return "insufficient_amount"
	case errors.Is(err, ErrVerifierUnavailable):
		return "unavailable"
	default:
		return "error"
	}
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrVerifierUnavailable, op, err)
}
