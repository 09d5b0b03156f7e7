package shadowlink

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/luxfi/stealthpay/gatewayerr"
	"github.com/luxfi/stealthpay/ledgerrpc"
	"github.com/luxfi/stealthpay/vault"
)

func newTestEngine(t *testing.T) (*Engine, *ledgerrpc.Fake) {
	t.Helper()
	fake := ledgerrpc.NewFake()
	eng, err := Open(filepath.Join(t.TempDir(), "shadowlinks.json"), fake)
	require.NoError(t, err)
	t.Cleanup(func() { eng.Close() })
	return eng, fake
}

func sealLink(t *testing.T, owner string) vault.Sealed {
	t.Helper()
	var secret vault.SecretKey
	sealed, err := vault.Seal(owner, []byte("sig"), &secret)
	require.NoError(t, err)
	return sealed
}

func TestCreateThenGetByAliasIsWaiting(t *testing.T) {
	eng, _ := newTestEngine(t)
	sealed := sealLink(t, "owner-1")

	_, err := eng.Create("my-alias", "owner-1", "stealth-addr", "pool-addr", "mint-1", 250_000, sealed, nil, 10*time.Minute)
	require.NoError(t, err)

	rec, err := eng.GetByAlias("my-alias")
	require.NoError(t, err)
	require.Equal(t, StatusWaiting, rec.Status)
}

func TestDuplicateAliasRejected(t *testing.T) {
	eng, _ := newTestEngine(t)
	sealed := sealLink(t, "owner-1")

	_, err := eng.Create("dup", "owner-1", "addr-1", "pool-1", "mint-1", 1000, sealed, nil, time.Minute)
	require.NoError(t, err)

	sealed2 := sealLink(t, "owner-1")
	_, err = eng.Create("dup", "owner-1", "addr-2", "pool-2", "mint-1", 1000, sealed2, nil, time.Minute)
	require.Error(t, err)
}

func TestPollPaymentTransitionsWaitingToPaid(t *testing.T) {
	eng, fake := newTestEngine(t)
	sealed := sealLink(t, "owner-1")

	rec, err := eng.Create("alias-1", "owner-1", "stealth-1", "pool-1", "mint-1", 250_000, sealed, nil, time.Minute)
	require.NoError(t, err)

	fake.CreditToken("stealth-1", "mint-1", 250_000)

	updated, err := eng.PollPayment(context.Background(), rec.LinkID)
	require.NoError(t, err)
	require.Equal(t, StatusPaid, updated.Status)
}

func TestSweepOfUnpaidLinkFailsWithoutMutating(t *testing.T) {
	eng, _ := newTestEngine(t)
	sealed := sealLink(t, "owner-1")

	rec, err := eng.Create("alias-2", "owner-1", "stealth-2", "pool-2", "mint-1", 1000, sealed, nil, time.Minute)
	require.NoError(t, err)

	_, err = eng.Sweep(rec.LinkID, []byte("sig"), "sweep-tx")
	require.ErrorIs(t, err, gatewayerr.ErrShadowLinkUsed)

	after, err := eng.Get(rec.LinkID)
	require.NoError(t, err)
	require.Equal(t, StatusWaiting, after.Status)
}

func TestSweepOfPaidLinkSucceedsAndPurgesSecret(t *testing.T) {
	eng, fake := newTestEngine(t)
	sealed := sealLink(t, "owner-1")

	rec, err := eng.Create("alias-3", "owner-1", "stealth-3", "pool-3", "mint-1", 250_000, sealed, nil, time.Minute)
	require.NoError(t, err)
	fake.CreditToken("stealth-3", "mint-1", 250_000)

	_, err = eng.PollPayment(context.Background(), rec.LinkID)
	require.NoError(t, err)

	swept, err := eng.Sweep(rec.LinkID, []byte("sig"), "sweep-tx-1")
	require.NoError(t, err)
	require.Equal(t, StatusSwept, swept.Status)
	require.Empty(t, swept.Sealed.Ciphertext)

	_, err = eng.Sweep(rec.LinkID, []byte("sig"), "sweep-tx-2")
	require.ErrorIs(t, err, gatewayerr.ErrShadowLinkUsed)
}

func TestExpiredLinkCannotBePaid(t *testing.T) {
	eng, _ := newTestEngine(t)
	sealed := sealLink(t, "owner-1")

	rec, err := eng.Create("alias-4", "owner-1", "stealth-4", "pool-4", "mint-1", 1000, sealed, nil, time.Millisecond)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	_, err = eng.ConfirmPayment(rec.LinkID, "tx")
	require.ErrorIs(t, err, gatewayerr.ErrShadowLinkExpired)
}
