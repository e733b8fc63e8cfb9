package payment_test

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	apitesting "github.com/malbeclabs/stakegate/api/testing"
	"github.com/malbeclabs/stakegate/gate/pkg/payment"
	stakegatetesting "github.com/malbeclabs/stakegate/utils/pkg/testing"
	"github.com/stretchr/testify/require"
)

func uniqueHash() string {
	u := uuid.New()
	return fmt.Sprintf("0x%032x%x", 0, u[:])
}

func testStore(t *testing.T, store payment.ConsumedStore) {
	t.Helper()
	ctx := t.Context()
	hash := uniqueHash()

	_, ok, err := store.Lookup(ctx, hash)
	require.NoError(t, err)
	require.False(t, ok)

	at := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	ok, err = store.Consume(ctx, payment.Consumption{
		TxHash:     hash,
		Payer:      "0xpayer",
		Amount:     "115792089237316195423570985008687907853269984665640564039457584007913129639935",
		Resource:   "/api/rewards/0xabc",
		ConsumedAt: at,
	})
	require.NoError(t, err)
	require.True(t, ok)

	c, ok, err := store.Lookup(ctx, hash)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, hash, c.TxHash)
	require.Equal(t, "0xpayer", c.Payer)
	require.Equal(t, "115792089237316195423570985008687907853269984665640564039457584007913129639935", c.Amount)
	require.Equal(t, "/api/rewards/0xabc", c.Resource)
	require.True(t, at.Equal(c.ConsumedAt))

	concurrent := uniqueHash()
	var wg sync.WaitGroup
	var wins atomic.Int32
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := store.Consume(ctx, payment.Consumption{TxHash: concurrent, Amount: "1", ConsumedAt: at})
			if err == nil && ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), wins.Load(), "exactly one insert wins")
}

func TestStakeGate_Payment_RedisStore(t *testing.T) {
	t.Parallel()

	client := stakegatetesting.NewRedisClient(t, testRedis)
	testStore(t, payment.NewRedisStore(client, "test:"+uuid.NewString()+":"))
}

func TestStakeGate_Payment_PostgresStore(t *testing.T) {
	t.Parallel()

	pool := apitesting.NewTestPool(t, testPG)
	testStore(t, payment.NewPostgresStore(pool))
}

func TestStakeGate_Payment_PostgresStore_SharedAcrossInstances(t *testing.T) {
	t.Parallel()

	a := payment.NewPostgresStore(apitesting.NewTestPool(t, testPG))
	b := payment.NewPostgresStore(apitesting.NewTestPool(t, testPG))
	hash := uniqueHash()

	ok, err := a.Consume(t.Context(), payment.Consumption{TxHash: hash, Amount: "5", ConsumedAt: time.Now().UTC()})
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = b.Consume(t.Context(), payment.Consumption{TxHash: hash, Amount: "5", ConsumedAt: time.Now().UTC()})
	require.NoError(t, err)
	require.False(t, ok)
}
