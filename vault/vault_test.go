package vault

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSealDecryptRoundTrip(t *testing.T) {
	var secret SecretKey
	for i := range secret {
		secret[i] = byte(i)
	}

	sealed, err := Seal("owner-1", []byte("sig-bytes"), &secret)
	require.NoError(t, err)

	decrypted, err := sealed.DecryptWith("owner-1", []byte("sig-bytes"))
	require.NoError(t, err)
	require.Equal(t, secret, *decrypted)
	decrypted.Zero()
}

func TestDecryptWithWrongSignatureFails(t *testing.T) {
	var secret SecretKey
	copy(secret[:], []byte("this is a test secret key value"))

	sealed, err := Seal("owner-1", []byte("correct-sig"), &secret)
	require.NoError(t, err)

	_, err = sealed.DecryptWith("owner-1", []byte("wrong-sig"))
	require.ErrorIs(t, err, ErrAuthFailed)
}

func TestDecryptWithWrongOwnerFails(t *testing.T) {
	var secret SecretKey
	sealed, err := Seal("owner-1", []byte("sig"), &secret)
	require.NoError(t, err)

	_, err = sealed.DecryptWith("owner-2", []byte("sig"))
	require.ErrorIs(t, err, ErrAuthFailed)
}

func TestZeroClearsSecret(t *testing.T) {
	var secret SecretKey
	for i := range secret {
		secret[i] = 0xFF
	}
	secret.Zero()
	for _, b := range secret {
		require.Equal(t, byte(0), b)
	}
}
