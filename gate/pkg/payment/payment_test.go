package payment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/jonboulle/clockwork"
	stakegatetesting "github.com/malbeclabs/stakegate/utils/pkg/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testTreasury = "0x00000000000000000000000000000000000000aa"
	testAsset    = "0x00000000000000000000000000000000000000cc"
)

func testRequirements() Requirements {
	return Requirements{
		Network:       "base",
		PayTo:         testTreasury,
		Currency:      "USDC",
		Decimals:      6,
		Amount:        uint256.NewInt(10_000),
		Confirmations: 1,
		Description:   "one API call",
	}
}

func testHash(n int) string {
	return fmt.Sprintf("0x%064x", n)
}

type mockVerifier struct {
	calls      atomic.Int32
	verifyFunc func(ctx context.Context, hash string, req Requirements) (Transfer, error)
}

func (m *mockVerifier) NormalizeTxHash(hash string) (string, error) {
	if !evmTxHashRE.MatchString(hash) {
		return "", fmt.Errorf("%w: %q", ErrInvalidTxHash, hash)
	}
	return strings.ToLower(hash), nil
}

func (m *mockVerifier) Verify(ctx context.Context, hash string, req Requirements) (Transfer, error) {
	m.calls.Add(1)
	if m.verifyFunc != nil {
		return m.verifyFunc(ctx, hash, req)
	}
	return Transfer{TxHash: hash, From: "0xpayer", Amount: req.Amount.Clone()}, nil
}

type failingStore struct {
	lookupErr  error
	consumeErr error
}

func (s *failingStore) Lookup(context.Context, string) (Consumption, bool, error) {
	return Consumption{}, false, s.lookupErr
}

func (s *failingStore) Consume(context.Context, Consumption) (bool, error) {
	return false, s.consumeErr
}

func newTestService(t *testing.T, verifier ChainVerifier, store ConsumedStore) *Service {
	t.Helper()
	svc, err := NewService(ServiceConfig{
		Logger:       stakegatetesting.NewLogger(),
		Clock:        clockwork.NewFakeClockAt(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)),
		Verifier:     verifier,
		Store:        store,
		Requirements: testRequirements(),
	})
	require.NoError(t, err)
	return svc
}

func TestStakeGate_Payment_Requirements_Validate(t *testing.T) {
	t.Parallel()

	require.NoError(t, testRequirements().Validate())

	tests := []struct {
		name   string
		mutate func(r *Requirements)
		want   string
	}{
		{"missing recipient", func(r *Requirements) { r.PayTo = "" }, "recipient"},
		{"nil amount", func(r *Requirements) { r.Amount = nil }, "amount"},
		{"zero amount", func(r *Requirements) { r.Amount = new(uint256.Int) }, "amount"},
		{"missing currency", func(r *Requirements) { r.Currency = "" }, "currency"},
		{"missing network", func(r *Requirements) { r.Network = "" }, "network"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r := testRequirements()
			tt.mutate(&r)
			err := r.Validate()
			require.Error(t, err)
			require.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestStakeGate_Payment_Challenge(t *testing.T) {
	t.Parallel()

	req := testRequirements()
	req.Asset = testAsset
	ch := req.Challenge("/api/rewards/0xabc", "X-Payment-TxHash")

	require.Equal(t, X402Version, ch.X402Version)
	require.Equal(t, "payment_required", ch.Error)
	require.Len(t, ch.Accepts, 1)

	a := ch.Accepts[0]
	assert.Equal(t, "exact", a.Scheme)
	assert.Equal(t, "base", a.Network)
	assert.Equal(t, "10000", a.MaxAmountRequired)
	assert.Equal(t, "0.01", a.Amount)
	assert.Equal(t, "/api/rewards/0xabc", a.Resource)
	assert.Equal(t, testTreasury, a.PayTo)
	assert.Equal(t, testAsset, a.Asset)
	assert.Equal(t, "USDC", a.Currency)
	assert.Equal(t, "X-Payment-TxHash", a.Header)
}

func TestStakeGate_Payment_Reason(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		want string
	}{
		{nil, "ok"},
		{fmt.Errorf("%w: x", ErrInvalidTxHash), "invalid_hash"},
		{fmt.Errorf("%w: x", ErrAlreadyConsumed), "already_consumed"},
		{ErrTxNotFound, "not_found"},
		{ErrTxPending, "pending"},
		{ErrTxFailed, "failed"},
		{ErrTxExpired, "expired"},
		{ErrWrongRecipient, "wrong_recipient"},
		{ErrInsufficientAmount, "insufficient_amount"},
		{unavailable("receipt", errors.New("boom")), "unavailable"},
		{errors.New("other"), "error"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Reason(tt.err), "%v", tt.err)
	}
}

func TestStakeGate_Payment_Service_SingleUse(t *testing.T) {
	t.Parallel()

	verifier := &mockVerifier{}
	svc := newTestService(t, verifier, NewMemoryStore())
	ctx := t.Context()
	hash := testHash(1)

	transfer, err := svc.Verify(ctx, hash, "/api/rewards/0xabc")
	require.NoError(t, err)
	require.Equal(t, "0xpayer", transfer.From)

	_, err = svc.Verify(ctx, hash, "/api/rewards/0xabc")
	require.ErrorIs(t, err, ErrAlreadyConsumed)
	require.Equal(t, "already_consumed", Reason(err))

	// Case differences normalize to the same hash.
	_, err = svc.Verify(ctx, strings.ToUpper(hash[:2])+strings.ToUpper(hash[2:]), "/api/other")
	require.ErrorIs(t, err, ErrInvalidTxHash, "0X prefix is not a hash")
	_, err = svc.Verify(ctx, "0x"+strings.ToUpper(hash[2:]), "/api/other")
	require.ErrorIs(t, err, ErrAlreadyConsumed)

	require.Equal(t, int32(1), verifier.calls.Load(), "consumed hashes are not re-verified on chain")

	c, ok, err := svc.Status(ctx, hash)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "0xpayer", c.Payer)
	require.Equal(t, "10000", c.Amount)
	require.Equal(t, "/api/rewards/0xabc", c.Resource)
}

func TestStakeGate_Payment_Service_ConcurrentSameHash(t *testing.T) {
	t.Parallel()

	verifier := &mockVerifier{
		verifyFunc: func(ctx context.Context, hash string, req Requirements) (Transfer, error) {
			time.Sleep(5 * time.Millisecond)
			return Transfer{TxHash: hash, Amount: req.Amount.Clone()}, nil
		},
	}
	svc := newTestService(t, verifier, NewMemoryStore())
	ctx := t.Context()
	hash := testHash(2)

	const n = 32
	var wg sync.WaitGroup
	var successes, consumed atomic.Int32
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Verify(ctx, hash, "/api/x")
			switch {
			case err == nil:
				successes.Add(1)
			case errors.Is(err, ErrAlreadyConsumed):
				consumed.Add(1)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, int32(1), successes.Load())
	require.Equal(t, int32(n-1), consumed.Load())
	require.Equal(t, int32(1), verifier.calls.Load())
}

func TestStakeGate_Payment_Service_VerifierFailureLeavesHashUnconsumed(t *testing.T) {
	t.Parallel()

	var fail atomic.Bool
	fail.Store(true)
	verifier := &mockVerifier{
		verifyFunc: func(ctx context.Context, hash string, req Requirements) (Transfer, error) {
			if fail.Load() {
				return Transfer{}, unavailable("receipt", errors.New("connection refused"))
			}
			return Transfer{TxHash: hash, Amount: req.Amount.Clone()}, nil
		},
	}
	svc := newTestService(t, verifier, NewMemoryStore())
	ctx := t.Context()
	hash := testHash(3)

	_, err := svc.Verify(ctx, hash, "/api/x")
	require.ErrorIs(t, err, ErrVerifierUnavailable)

	_, ok, err := svc.Status(ctx, hash)
	require.NoError(t, err)
	require.False(t, ok)

	fail.Store(false)
	_, err = svc.Verify(ctx, hash, "/api/x")
	require.NoError(t, err)
}

func TestStakeGate_Payment_Service_ChainRejections(t *testing.T) {
	t.Parallel()

	for _, sentinel := range []error{ErrTxNotFound, ErrTxPending, ErrTxFailed, ErrWrongRecipient, ErrInsufficientAmount, ErrTxExpired} {
		t.Run(Reason(sentinel), func(t *testing.T) {
			t.Parallel()
			svc := newTestService(t, &mockVerifier{
				verifyFunc: func(context.Context, string, Requirements) (Transfer, error) {
					return Transfer{}, sentinel
				},
			}, NewMemoryStore())
			_, err := svc.Verify(t.Context(), testHash(4), "/api/x")
			require.ErrorIs(t, err, sentinel)
			_, ok, err := svc.Status(t.Context(), testHash(4))
			require.NoError(t, err)
			require.False(t, ok)
		})
	}
}

func TestStakeGate_Payment_Service_StoreErrors(t *testing.T) {
	t.Parallel()

	t.Run("lookup error", func(t *testing.T) {
		t.Parallel()
		verifier := &mockVerifier{}
		svc := newTestService(t, verifier, &failingStore{lookupErr: errors.New("db down")})
		_, err := svc.Verify(t.Context(), testHash(5), "/api/x")
		require.ErrorIs(t, err, ErrVerifierUnavailable)
		require.Zero(t, verifier.calls.Load())

		_, _, err = svc.Status(t.Context(), testHash(5))
		require.ErrorIs(t, err, ErrVerifierUnavailable)
	})

	t.Run("consume error", func(t *testing.T) {
		t.Parallel()
		svc := newTestService(t, &mockVerifier{}, &failingStore{consumeErr: errors.New("db down")})
		_, err := svc.Verify(t.Context(), testHash(6), "/api/x")
		require.ErrorIs(t, err, ErrVerifierUnavailable)
	})
}

func TestStakeGate_Payment_Service_InvalidHash(t *testing.T) {
	t.Parallel()

	verifier := &mockVerifier{}
	svc := newTestService(t, verifier, NewMemoryStore())
	for _, h := range []string{"", "0x1234", "deadbeef", testHash(1) + "00"} {
		_, err := svc.Verify(t.Context(), h, "/api/x")
		require.ErrorIs(t, err, ErrInvalidTxHash, h)
	}
	require.Zero(t, verifier.calls.Load())
}

func TestStakeGate_Payment_Service_ManualConsume(t *testing.T) {
	t.Parallel()

	verifier := &mockVerifier{}
	svc := newTestService(t, verifier, NewMemoryStore())
	ctx := t.Context()
	hash := testHash(7)

	ok, err := svc.Consume(ctx, hash, "0xpayer", "support ticket 42")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = svc.Consume(ctx, hash, "0xpayer", "again")
	require.NoError(t, err)
	require.False(t, ok)

	_, err = svc.Verify(ctx, hash, "/api/x")
	require.ErrorIs(t, err, ErrAlreadyConsumed)
	require.Zero(t, verifier.calls.Load())

	c, ok, err := svc.Status(ctx, hash)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "support ticket 42", c.Resource)
}

func TestStakeGate_Payment_ServiceConfig_Validate(t *testing.T) {
	t.Parallel()

	_, err := NewService(ServiceConfig{})
	require.EqualError(t, err, "logger is required")

	_, err = NewService(ServiceConfig{Logger: stakegatetesting.NewLogger()})
	require.EqualError(t, err, "verifier is required")

	_, err = NewService(ServiceConfig{Logger: stakegatetesting.NewLogger(), Verifier: &mockVerifier{}})
	require.EqualError(t, err, "consumed store is required")

	_, err = NewService(ServiceConfig{Logger: stakegatetesting.NewLogger(), Verifier: &mockVerifier{}, Store: NewMemoryStore()})
	require.Error(t, err)
}

func testConsumedStore(t *testing.T, store ConsumedStore) {
	t.Helper()
	ctx := t.Context()
	hash := testHash(100)

	_, ok, err := store.Lookup(ctx, hash)
	require.NoError(t, err)
	require.False(t, ok)

	at := time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)
	ok, err = store.Consume(ctx, Consumption{TxHash: hash, Payer: "0xpayer", Amount: "10000", Resource: "/api/x", ConsumedAt: at})
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = store.Consume(ctx, Consumption{TxHash: hash, Payer: "0xother", Amount: "1", ConsumedAt: at})
	require.NoError(t, err)
	require.False(t, ok)

	c, ok, err := store.Lookup(ctx, hash)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "0xpayer", c.Payer)
	require.Equal(t, "10000", c.Amount)
	require.True(t, at.Equal(c.ConsumedAt))
}

func TestStakeGate_Payment_MemoryStore(t *testing.T) {
	t.Parallel()
	testConsumedStore(t, NewMemoryStore())
}

func TestStakeGate_Payment_LevelDBStore(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store, err := OpenLevelDBStore(dir)
	require.NoError(t, err)
	testConsumedStore(t, store)
	require.NoError(t, store.Close())

	reopened, err := OpenLevelDBStore(dir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reopened.Close() })

	_, ok, err := reopened.Lookup(t.Context(), testHash(100))
	require.NoError(t, err)
	require.True(t, ok, "consumption survives reopen")

	var wg sync.WaitGroup
	var wins atomic.Int32
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := reopened.Consume(context.Background(), Consumption{TxHash: testHash(101), Amount: "1"})
			if err == nil && ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), wins.Load())
}
