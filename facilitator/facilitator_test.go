package facilitator

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseSupportedShapeA(t *testing.T) {
	body := []byte(`{"kinds":[{"network":"solana","extra":{"feePayer":"FeePayer111"}}]}`)
	info, err := parseSupported(body)
	require.NoError(t, err)
	require.Equal(t, "FeePayer111", info.FeePayer)
	require.Equal(t, "solana", info.Network)
}

func TestParseSupportedShapeB(t *testing.T) {
	body := []byte(`{"signers":{"solana:mainnet":"FeePayer222"}}`)
	info, err := parseSupported(body)
	require.NoError(t, err)
	require.Equal(t, "FeePayer222", info.FeePayer)
}

func TestParseSupportedRejectsUnknownShape(t *testing.T) {
	_, err := parseSupported([]byte(`{"unexpected":true}`))
	require.Error(t, err)
}
