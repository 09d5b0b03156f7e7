package pool

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/luxfi/stealthpay/gatewayerr"
	"github.com/luxfi/stealthpay/vault"
)

func sealSecret(t *testing.T, owner string, sig []byte) (vault.Sealed, string) {
	t.Helper()
	var secret vault.SecretKey
	copy(secret[:], owner+"-secret-material-padding-bytes!")
	sealed, err := vault.Seal(owner, sig, &secret)
	require.NoError(t, err)
	return sealed, DeriveSolanaPublicKey(&secret)
}

func TestCreateRootThenChildHierarchy(t *testing.T) {
	reg, err := Open(filepath.Join(t.TempDir(), "pools.json"))
	require.NoError(t, err)
	defer reg.Close()

	sig := []byte("owner-sig")
	sealed, pub := sealSecret(t, "owner-1", sig)
	root, err := reg.Create("owner-1", Root, "", pub, sealed, nil)
	require.NoError(t, err)
	require.Equal(t, Root, root.PoolType)

	childSealed, childPub := sealSecret(t, "owner-1", sig)
	child, err := reg.Create("owner-1", Intermediate, root.PoolID, childPub, childSealed, nil)
	require.NoError(t, err)
	require.Equal(t, root.PoolID, child.FundedFrom)
}

func TestSecondRootForSameOwnerRejected(t *testing.T) {
	reg, err := Open(filepath.Join(t.TempDir(), "pools.json"))
	require.NoError(t, err)
	defer reg.Close()

	sealed1, pub1 := sealSecret(t, "owner-1", []byte("sig"))
	_, err = reg.Create("owner-1", Root, "", pub1, sealed1, nil)
	require.NoError(t, err)

	sealed2, pub2 := sealSecret(t, "owner-1", []byte("sig"))
	_, err = reg.Create("owner-1", Root, "", pub2, sealed2, nil)
	require.ErrorIs(t, err, gatewayerr.ErrHierarchyViolation)
}

func TestRootCannotFundLeafDirectly(t *testing.T) {
	reg, err := Open(filepath.Join(t.TempDir(), "pools.json"))
	require.NoError(t, err)
	defer reg.Close()

	sig := []byte("sig")
	sealed, pub := sealSecret(t, "owner-1", sig)
	root, err := reg.Create("owner-1", Root, "", pub, sealed, nil)
	require.NoError(t, err)

	leafSealed, leafPub := sealSecret(t, "owner-1", sig)
	_, err = reg.Create("owner-1", Leaf, root.PoolID, leafPub, leafSealed, nil)
	require.ErrorIs(t, err, gatewayerr.ErrHierarchyViolation)
}

func TestUnlockWrongSignatureFails(t *testing.T) {
	reg, err := Open(filepath.Join(t.TempDir(), "pools.json"))
	require.NoError(t, err)
	defer reg.Close()

	sealed, pub := sealSecret(t, "owner-1", []byte("correct-sig"))
	rec, err := reg.Create("owner-1", Root, "", pub, sealed, nil)
	require.NoError(t, err)

	_, err = reg.Unlock(rec.PoolID, []byte("wrong-sig"))
	require.ErrorIs(t, err, gatewayerr.ErrKeyVaultAuthFailed)
}

func TestCachedSignerBeforeUnlockIsLocked(t *testing.T) {
	reg, err := Open(filepath.Join(t.TempDir(), "pools.json"))
	require.NoError(t, err)
	defer reg.Close()

	sealed, pub := sealSecret(t, "owner-1", []byte("sig"))
	rec, err := reg.Create("owner-1", Root, "", pub, sealed, nil)
	require.NoError(t, err)

	_, err = reg.CachedSigner(rec.PoolID)
	require.ErrorIs(t, err, gatewayerr.ErrPoolLocked)

	signer, err := reg.Unlock(rec.PoolID, []byte("sig"))
	require.NoError(t, err)
	defer signer.Zero()

	cached, err := reg.CachedSigner(rec.PoolID)
	require.NoError(t, err)
	require.Equal(t, rec.PublicKey, cached.PublicKey)
}
