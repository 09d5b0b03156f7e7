package recovery

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/luxfi/stealthpay/ledgerrpc"
	"github.com/luxfi/stealthpay/vault"
)

func newTestRegistry(t *testing.T) (*Registry, *ledgerrpc.Fake) {
	t.Helper()
	fake := ledgerrpc.NewFake()
	reg, err := Open(filepath.Join(t.TempDir(), "recovery.json"), fake)
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })
	return reg, fake
}

func TestReserveRefusesAtExactlyMinLiquidity(t *testing.T) {
	reg, fake := newTestRegistry(t)
	var secret vault.SecretKey
	sealed, err := vault.Seal("owner-1", []byte("sig"), &secret)
	require.NoError(t, err)
	rec, err := reg.Create("owner-1", "recovery-pk-1", sealed)
	require.NoError(t, err)

	fake.CreditLamports(rec.PublicKey, MinLiquidity)

	ok, err := reg.Reserve(context.Background(), "owner-1", 1, "tx-1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestReserveSucceedsAboveMinLiquidity(t *testing.T) {
	reg, fake := newTestRegistry(t)
	var secret vault.SecretKey
	sealed, _ := vault.Seal("owner-1", []byte("sig"), &secret)
	rec, err := reg.Create("owner-1", "recovery-pk-1", sealed)
	require.NoError(t, err)

	fake.CreditLamports(rec.PublicKey, MinLiquidity+1000)

	ok, err := reg.Reserve(context.Background(), "owner-1", 1000, "tx-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(1000), reg.PendingTotal("owner-1"))
}

func TestConcurrentReservationsNeverExceedAvailable(t *testing.T) {
	reg, fake := newTestRegistry(t)
	var secret vault.SecretKey
	sealed, _ := vault.Seal("owner-1", []byte("sig"), &secret)
	rec, err := reg.Create("owner-1", "recovery-pk-1", sealed)
	require.NoError(t, err)

	const budget = 10_000
	fake.CreditLamports(rec.PublicKey, MinLiquidity+budget)

	var wg sync.WaitGroup
	var mu sync.Mutex
	var granted uint64
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := reg.Reserve(context.Background(), "owner-1", 1000, fmt.Sprintf("tx-%d", i))
			require.NoError(t, err)
			if ok {
				mu.Lock()
				granted += 1000
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	require.LessOrEqual(t, granted, uint64(budget))
	require.LessOrEqual(t, reg.PendingTotal("owner-1"), uint64(budget))
}

func TestReleaseIsIdempotent(t *testing.T) {
	reg, fake := newTestRegistry(t)
	var secret vault.SecretKey
	sealed, _ := vault.Seal("owner-1", []byte("sig"), &secret)
	rec, err := reg.Create("owner-1", "recovery-pk-1", sealed)
	require.NoError(t, err)
	fake.CreditLamports(rec.PublicKey, MinLiquidity+5000)

	ok, err := reg.Reserve(context.Background(), "owner-1", 1000, "tx-1")
	require.NoError(t, err)
	require.True(t, ok)

	reg.Release("owner-1", "tx-1")
	reg.Release("owner-1", "tx-1")
	require.Equal(t, uint64(0), reg.PendingTotal("owner-1"))
}

func TestRateCheckAllowsFiveThenRefuses(t *testing.T) {
	reg, _ := newTestRegistry(t)
	for i := 0; i < 5; i++ {
		require.True(t, reg.RateCheck("owner-1"))
	}
	require.False(t, reg.RateCheck("owner-1"))
}
