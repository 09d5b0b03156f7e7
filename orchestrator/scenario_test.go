// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package orchestrator

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/luxfi/stealthpay/facilitator"
	"github.com/luxfi/stealthpay/gatewayerr"
	"github.com/luxfi/stealthpay/ledgerrpc"
	gwlog "github.com/luxfi/stealthpay/log"
	"github.com/luxfi/stealthpay/metrics"
	"github.com/luxfi/stealthpay/pool"
	"github.com/luxfi/stealthpay/recovery"
	"github.com/luxfi/stealthpay/vault"
)

const testMint = "mint-usdc"

// TestMain verifies this package's tests leave no goroutine running, mirroring
// luxfi-evm/core/main_test.go's use of goleak.VerifyTestMain.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type harness struct {
	orch        *Orchestrator
	ledger      *ledgerrpc.Fake
	pools       *pool.Registry
	recoveries  *recovery.Registry
	facilitator *facilitator.Fake

	ownerAddress string
	ownerSig     []byte
	sourcePoolID string
	sourcePoolPK string
}

// newHarness wires one owner with a funded ROOT source pool and a funded
// Recovery Pool, mirroring §8's S1 fixture shape.
func newHarness(t *testing.T, facilitatorHealthy bool) *harness {
	t.Helper()

	ledger := ledgerrpc.NewFake()

	poolsReg, err := pool.Open(filepath.Join(t.TempDir(), "pools.json"))
	require.NoError(t, err)
	t.Cleanup(func() { poolsReg.Close() })

	recReg, err := recovery.Open(filepath.Join(t.TempDir(), "recovery.json"), ledger)
	require.NoError(t, err)
	t.Cleanup(func() { recReg.Close() })

	owner := "owner-1"
	ownerSig := []byte("owner-1-signature")

	var secret vault.SecretKey
	copy(secret[:], owner+"-source-pool-secret-material!!!")
	sealed, err := vault.Seal(owner, ownerSig, &secret)
	require.NoError(t, err)
	sourcePub := pool.DeriveSolanaPublicKey(&secret)

	sourceRec, err := poolsReg.Create(owner, pool.Root, "", sourcePub, sealed, nil)
	require.NoError(t, err)

	ledger.CreditLamports(sourcePub, 10_000_000_000)
	ledger.CreditToken(sourcePub, testMint, 1_000_000_000)
	ledger.TokenAccountsOpen[sourcePub+"/"+testMint] = true

	var recoverySecret vault.SecretKey
	copy(recoverySecret[:], owner+"-recovery-pool-secret-material!!")
	recoverySealed, err := vault.Seal(owner, ownerSig, &recoverySecret)
	require.NoError(t, err)
	recoveryRec, err := recReg.Create(owner, "recovery-pk-"+owner, recoverySealed)
	require.NoError(t, err)
	ledger.CreditLamports(recoveryRec.PublicKey, recovery.MinLiquidity+50_000_000)

	facilitatorFake := &facilitator.Fake{
		Info:         facilitator.FacilitatorInfo{FeePayer: "facilitator-feepayer", Network: "devnet"},
		HealthyValue: facilitatorHealthy,
	}
	ledger.CreditLamports("facilitator-feepayer", 1_000_000_000)

	logger, err := gwlog.InitLogger(gwlog.Config{Component: "orchestrator-test", Level: "error"})
	require.NoError(t, err)

	orch := New(poolsReg, recReg, nil, ledger, facilitatorFake, nil, metrics.New("stealthpay-test"), logger, testMint, 6)

	return &harness{
		orch:         orch,
		ledger:       ledger,
		pools:        poolsReg,
		recoveries:   recReg,
		facilitator:  facilitatorFake,
		ownerAddress: owner,
		ownerSig:     ownerSig,
		sourcePoolID: sourceRec.PoolID,
		sourcePoolPK: sourcePub,
	}
}

func (h *harness) payRequest(recipient string, amount uint64) PayRequest {
	return PayRequest{
		OwnerAddress:   h.ownerAddress,
		SourcePoolID:   h.sourcePoolID,
		Recipient:      recipient,
		Amount:         amount,
		OwnerSignature: h.ownerSig,
	}
}

// TestPayDirectHappyPath is §8's S1 shape run in direct mode: Phase 1-4 all
// land, the recipient is paid in full, and the burner's rent returns to the
// source pool.
func TestPayDirectHappyPath(t *testing.T) {
	h := newHarness(t, false)
	req := h.payRequest("recipient-1", 50_000)
	req.MethodHint = MethodDirect

	session, err := h.orch.Pay(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, session.Status)
	require.Equal(t, MethodDirect, session.Method)
	require.NotEmpty(t, session.Phase1Signature)
	require.NotEmpty(t, session.Phase2Signature)
	require.NotEmpty(t, session.Phase3Signature)
	require.NotEmpty(t, session.Phase4Signature)
	require.Equal(t, 4, session.TransactionCount())
	require.Equal(t, 4, h.ledger.ExecuteCalls, "direct happy path must land exactly four on-chain transactions (§8 S1), not a fifth hidden one")

	recipientBalance, err := h.ledger.GetTokenBalance(context.Background(), "recipient-1", testMint)
	require.NoError(t, err)
	require.Equal(t, uint64(50_000), recipientBalance)

	burnerBalance, err := h.ledger.GetBalance(context.Background(), session.BurnerPublicKey)
	require.NoError(t, err)
	require.Equal(t, uint64(0), burnerBalance)

	require.Equal(t, uint64(0), h.recoveries.PendingTotal(h.ownerAddress))
	require.Equal(t, 0, h.orch.PendingRollbackCount())
}

// TestPayGaslessHappyPath drives Phase 3 through the facilitator, whose
// Apply hook actually executes the encoded transaction against the fake
// ledger, the way a real co-signing facilitator would.
func TestPayGaslessHappyPath(t *testing.T) {
	h := newHarness(t, true)
	h.facilitator.Apply = func(req facilitator.SettlementRequest) (facilitator.SettlementResult, error) {
		txReq, err := ledgerrpc.DecodeTx(req.TransactionB64)
		if err != nil {
			return facilitator.SettlementResult{}, err
		}
		sig, err := h.ledger.Execute(context.Background(), txReq, nil)
		if err != nil {
			return facilitator.SettlementResult{Success: false, ErrorReason: err.Error()}, err
		}
		return facilitator.SettlementResult{Success: true, Signature: sig}, nil
	}

	req := h.payRequest("recipient-2", 75_000)
	session, err := h.orch.Pay(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, session.Status)
	require.Equal(t, MethodGasless, session.Method)
	require.NotEmpty(t, session.Phase3Signature)

	recipientBalance, err := h.ledger.GetTokenBalance(context.Background(), "recipient-2", testMint)
	require.NoError(t, err)
	require.Equal(t, uint64(75_000), recipientBalance)

	require.Len(t, h.facilitator.SettleCalls, 1)
	require.Equal(t, "facilitator-feepayer", h.facilitator.SettleCalls[0].FeePayer)
}

// TestPayFallsBackToDirectOnFacilitatorUnavailable covers §7's disposition
// for Facilitator::Unavailable: Phase 3 retries direct and still lands,
// using the Phase-1 gas buffer sized for exactly this case.
func TestPayFallsBackToDirectOnFacilitatorUnavailable(t *testing.T) {
	h := newHarness(t, true)
	h.facilitator.SettleErr = gatewayerr.New(gatewayerr.FacilitatorUnavailable, "facilitator down")

	req := h.payRequest("recipient-3", 10_000)
	session, err := h.orch.Pay(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, session.Status)
	require.Equal(t, MethodDirect, session.Method)
	require.NotEmpty(t, session.Phase3Signature)

	recipientBalance, err := h.ledger.GetTokenBalance(context.Background(), "recipient-3", testMint)
	require.NoError(t, err)
	require.Equal(t, uint64(10_000), recipientBalance)
}

// TestPayFacilitatorRejectedIsFatal covers §7's other facilitator
// disposition: Facilitator::Rejected must not fall back, and the session
// fails with a rollback sweep scheduled.
func TestPayFacilitatorRejectedIsFatal(t *testing.T) {
	h := newHarness(t, true)
	h.facilitator.SettleErr = gatewayerr.New(gatewayerr.FacilitatorRejected, "double spend")

	req := h.payRequest("recipient-4", 10_000)
	session, err := h.orch.Pay(context.Background(), req)
	require.Error(t, err)
	require.Equal(t, StatusFailed, session.Status)
	require.Equal(t, StageSettle, session.FailStage)
	require.ErrorIs(t, err, gatewayerr.ErrFacilitatorRejected)

	recipientBalance, err := h.ledger.GetTokenBalance(context.Background(), "recipient-4", testMint)
	require.NoError(t, err)
	require.Equal(t, uint64(0), recipientBalance)
}

// TestPayZeroAmountRefused covers the amount=0 precondition, checked before
// any reservation or burner is created.
func TestPayZeroAmountRefused(t *testing.T) {
	h := newHarness(t, false)
	req := h.payRequest("recipient-5", 0)

	session, err := h.orch.Pay(context.Background(), req)
	require.Error(t, err)
	require.Equal(t, StatusFailed, session.Status)
	require.Equal(t, StageValidate, session.FailStage)
	require.ErrorIs(t, err, gatewayerr.ErrInvalidRequest)
}

// TestPayMalformedRecipientRefused covers precondition 3: a whitespace-
// containing recipient is rejected before any ledger side effect.
func TestPayMalformedRecipientRefused(t *testing.T) {
	h := newHarness(t, false)
	req := h.payRequest("not a valid address", 1000)

	session, err := h.orch.Pay(context.Background(), req)
	require.Error(t, err)
	require.Equal(t, StatusFailed, session.Status)
	require.ErrorIs(t, err, gatewayerr.ErrInvalidRequest)
}

// TestPayInsufficientLiquidityRefused drains the Recovery Pool down to
// MinLiquidity so the reservation step refuses before any burner exists.
func TestPayInsufficientLiquidityRefused(t *testing.T) {
	h := newHarness(t, false)
	rec, ok := h.recoveries.Get(h.ownerAddress)
	require.True(t, ok)
	h.ledger.DebitLamports(rec.PublicKey, h.ledger.LamportsOf[rec.PublicKey])
	h.ledger.CreditLamports(rec.PublicKey, recovery.MinLiquidity)

	req := h.payRequest("recipient-6", 10_000)
	session, err := h.orch.Pay(context.Background(), req)
	require.Error(t, err)
	require.Equal(t, StatusFailed, session.Status)
	require.ErrorIs(t, err, gatewayerr.ErrInsufficientLiquidity)
}

// TestPayStockFailureSchedulesRollback covers §7's Phase-2-failure row: the
// burner is left funded but un-stocked, and an idempotent sweep recovers
// its rent without operator intervention.
func TestPayStockFailureSchedulesRollback(t *testing.T) {
	h := newHarness(t, false)
	req := h.payRequest("recipient-7", 20_000)
	req.MethodHint = MethodDirect

	var phase atomic.Int32
	h.ledger.ExecuteHook = func(tx ledgerrpc.TxRequest) error {
		if phase.Add(1) == 2 {
			return fmt.Errorf("simulated ledger rejection")
		}
		return nil
	}

	session, err := h.orch.Pay(context.Background(), req)
	require.Error(t, err)
	require.Equal(t, StatusFailed, session.Status)
	require.Equal(t, StageStock, session.FailStage)

	// enqueueRollback already fired one async sweep attempt against the same
	// ExecuteHook, which only rejects the single Phase-2 call — so that
	// attempt succeeds on its own; poll rather than assume its timing.
	require.Eventually(t, func() bool {
		return h.orch.PendingRollbackCount() == 0
	}, time.Second, 10*time.Millisecond)

	burnerBalance, err := h.ledger.GetBalance(context.Background(), session.BurnerPublicKey)
	require.NoError(t, err)
	require.Equal(t, uint64(0), burnerBalance)
}

// TestPayConcurrentPaymentsShareOnePoolLockSerially covers Property 7
// ("at most one in-flight payment per source pool signer at a time"): firing
// many concurrent payments against the same source pool must never corrupt
// its token balance, because the pool's mutex forces them to serialize.
func TestPayConcurrentPaymentsShareOnePoolLockSerially(t *testing.T) {
	h := newHarness(t, false)
	const n = 8
	const amount = 1000

	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := h.payRequest(fmt.Sprintf("recipient-concurrent-%d", i), amount)
			req.MethodHint = MethodDirect
			_, err := h.orch.Pay(context.Background(), req)
			errs[i] = err
		}(i)
	}
	wg.Wait()

	var succeeded int
	for _, err := range errs {
		if err == nil {
			succeeded++
		}
	}
	require.Greater(t, succeeded, 0)

	sourceBalance, err := h.ledger.GetTokenBalance(context.Background(), h.sourcePoolPK, testMint)
	require.NoError(t, err)
	require.Equal(t, uint64(1_000_000_000)-uint64(succeeded)*amount, sourceBalance)
}

// TestPayRefusesRateLimitedOwner spends the owner's five rate-limit tokens
// up front, then checks that Pay fails with RateLimited in the precondition
// fan-out and leaves the session failed.
func TestPayRefusesRateLimitedOwner(t *testing.T) {
	h := newHarness(t, false)
	for i := 0; i < 5; i++ {
		require.True(t, h.recoveries.RateCheck(h.ownerAddress))
	}
	require.False(t, h.recoveries.RateCheck(h.ownerAddress))

	req := h.payRequest("recipient-8", 1000)
	session, err := h.orch.Pay(context.Background(), req)
	require.Error(t, err)
	require.Equal(t, StatusFailed, session.Status)
	require.ErrorIs(t, err, gatewayerr.ErrRateLimited)
}
