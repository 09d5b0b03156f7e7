package ledgerrpc

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeTxRoundTrip(t *testing.T) {
	req := TxRequest{
		FeePayer:  "payer-1",
		Blockhash: "bh-1",
		Instructions: []Instruction{
			{Kind: InstrComputeUnitLimit, Units: 200_000},
			{Kind: InstrTransferChecked, From: "a", To: "b", Mint: "m", Amount: 1000, Decimals: 6},
		},
	}
	encoded, err := EncodeTx(req)
	require.NoError(t, err)

	decoded, err := DecodeTx(encoded)
	require.NoError(t, err)
	require.Equal(t, req, decoded)
}

func TestFakeExecuteTransfersLamports(t *testing.T) {
	fake := NewFake()
	fake.CreditLamports("payer", 1_000_000)

	sig, err := fake.Execute(context.Background(), TxRequest{
		FeePayer: "payer",
		Instructions: []Instruction{
			{Kind: InstrTransferLamports, From: "payer", To: "dest", Amount: 1000},
		},
	}, nil)
	require.NoError(t, err)
	require.NotEmpty(t, sig)

	balance, _ := fake.GetBalance(context.Background(), "dest")
	require.Equal(t, uint64(1000), balance)
}

func TestFakeExecuteCloseAccountRejectsNonEmpty(t *testing.T) {
	fake := NewFake()
	fake.CreditToken("burner", "mint-1", 500)
	fake.CreditLamports("burner", 1_000_000)

	_, err := fake.Execute(context.Background(), TxRequest{
		FeePayer: "burner",
		Instructions: []Instruction{
			{Kind: InstrCloseAccount, Owner: "burner", Mint: "mint-1", RentDestination: "pool"},
		},
	}, nil)
	require.Error(t, err)
}
