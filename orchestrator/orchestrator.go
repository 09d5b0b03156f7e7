// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package orchestrator implements C5: the Payment Orchestrator. For each
// outbound payment it provisions an ephemeral "burner" account, funds it,
// routes value to the recipient (directly or via a gasless facilitator),
// closes the burner, and recovers its rent — a four-phase state machine
// sequenced the way luxfi-evm/plugin/evm/vm.go sequences block verification
// stages, with concurrent precondition fan-out grounded on
// warp/aggregator/aggregator.go's channel-based early-cancel shape (here
// expressed with golang.org/x/sync/errgroup, the idiomatic fit for a small,
// heterogeneous, bounded set of checks).
package orchestrator

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/luxfi/stealthpay/agent"
	"github.com/luxfi/stealthpay/audit"
	"github.com/luxfi/stealthpay/facilitator"
	"github.com/luxfi/stealthpay/gatewayerr"
	"github.com/luxfi/stealthpay/ledgerrpc"
	gwlog "github.com/luxfi/stealthpay/log"
	"github.com/luxfi/stealthpay/metrics"
	"github.com/luxfi/stealthpay/pool"
	"github.com/luxfi/stealthpay/recovery"
	"github.com/luxfi/stealthpay/vault"
)

// Method selects how Phase 3 settles.
type Method string

const (
	MethodDirect  Method = "direct"
	MethodGasless Method = "gasless"
)

// Status is a PaymentSession's lifecycle state, per §4.5's state machine
// (S0 Validated ... S4 Recovered, collapsed here to "completed") plus the
// parallel Failed/partial terminals.
type Status string

const (
	StatusValidated Status = "validated"
	StatusFunded    Status = "funded"
	StatusStocked   Status = "stocked"
	StatusSettled   Status = "settled"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusPartial   Status = "partial"
)

// Stage names the phase a Failed/partial session stopped at.
type Stage string

const (
	StageValidate Stage = "validate"
	StageSetup    Stage = "setup"
	StageStock    Stage = "stock"
	StageSettle   Stage = "settle"
	StageRecover  Stage = "recover"
)

// tokenAccountDataLen is the SPL token account size in bytes, used only to
// ask the ledger for that account type's rent-exempt minimum; it is not a
// hard-coded lamport amount (§4.5's gas budget formula queries the ledger
// for every lamport figure).
const tokenAccountDataLen = 165

const (
	preflightRetries     = 3
	preflightBaseDelay   = 1 * time.Second
	watchdogTimeout      = 10 * time.Minute
	rollbackRetryWindow  = 5 * time.Minute
)

// PayRequest is C5's input, per §4.5 "Inputs".
type PayRequest struct {
	OwnerAddress   string
	SourcePoolID   string
	Recipient      string
	Amount         uint64
	MethodHint     Method
	OwnerSignature []byte

	// AgentAPIKey and Resource are populated when an agent, not the owner
	// directly, initiated this payment (§4.9).
	AgentAPIKey string
	Resource    string
}

// PaymentSession is the record of one payment's progress through the state
// machine; it is also the payload C8 (audit) seals for this owner.
type PaymentSession struct {
	SessionID    string    `json:"session_id"`
	OwnerAddress string    `json:"owner_address"`
	SourcePoolID string    `json:"source_pool_id"`
	Recipient    string    `json:"recipient"`
	Mint         string    `json:"mint"`
	Amount       uint64    `json:"amount"`
	Method       Method    `json:"method"`
	AgentID      string    `json:"agent_id,omitempty"`

	Status     Status `json:"status"`
	FailStage  Stage  `json:"fail_stage,omitempty"`
	FailReason string `json:"fail_reason,omitempty"`

	BurnerPublicKey  string `json:"burner_public_key,omitempty"`
	Phase1Signature  string `json:"phase1_signature,omitempty"`
	Phase2Signature  string `json:"phase2_signature,omitempty"`
	Phase3Signature  string `json:"phase3_signature,omitempty"`
	Phase4Signature  string `json:"phase4_signature,omitempty"`

	SolFunded    uint64 `json:"sol_funded"`
	SolRecovered uint64 `json:"sol_recovered"`

	CreatedAt   time.Time `json:"created_at"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
}

// TransactionCount reports how many of the four phases landed a signature,
// the metric C8's audit Entry stores in clear.
func (s PaymentSession) TransactionCount() int {
	n := 0
	for _, sig := range []string{s.Phase1Signature, s.Phase2Signature, s.Phase3Signature, s.Phase4Signature} {
		if sig != "" {
			n++
		}
	}
	return n
}

// pendingRollback is one burner awaiting an idempotent Phase 4 sweep after
// a mid-session failure, per §7's "any error after Phase 1 success
// schedules a rollback sweep" rule and §9's bounded retry resolution.
type pendingRollback struct {
	burnerSecret         *vault.SecretKey
	burnerPublicKey      string
	sourcePoolPublicKey  string
	mint                 string
	owner                string
	sessionID            string
	lastAttempt          time.Time
}

// Orchestrator is C5, wired against every other component it depends on.
// No field here is a package-level global; every instance is constructed
// explicitly by gateway.GatewayContext (Design Notes §9 bullet 1).
type Orchestrator struct {
	pools        *pool.Registry
	recoveries   *recovery.Registry
	agents       *agent.Registry
	ledger       ledgerrpc.Client
	facilitator  facilitator.Client
	auditLogger  *audit.Logger
	metrics      *metrics.Registry
	log          gwlog.Logger

	mint          string
	tokenDecimals uint8

	rollbackMu sync.Mutex
	rollbacks  map[string]*pendingRollback
}

// New constructs an Orchestrator. agents and auditLogger may be nil if the
// deployment does not wire agent policy or audit logging.
func New(pools *pool.Registry, recoveries *recovery.Registry, agents *agent.Registry, ledger ledgerrpc.Client, facilitatorClient facilitator.Client, auditLogger *audit.Logger, reg *metrics.Registry, logger gwlog.Logger, mint string, tokenDecimals uint8) *Orchestrator {
	return &Orchestrator{
		pools:         pools,
		recoveries:    recoveries,
		agents:        agents,
		ledger:        ledger,
		facilitator:   facilitatorClient,
		auditLogger:   auditLogger,
		metrics:       reg,
		log:           logger.With("component", "orchestrator"),
		mint:          mint,
		tokenDecimals: tokenDecimals,
		rollbacks:     make(map[string]*pendingRollback),
	}
}

// Pay drives one payment through S0..S4, per §4.5. It never panics on a
// disposable error: every failure path returns a non-nil *PaymentSession
// describing where and why it stopped, alongside the error.
func (o *Orchestrator) Pay(ctx context.Context, req PayRequest) (*PaymentSession, error) {
	session := &PaymentSession{
		SessionID:    uuid.NewString(),
		OwnerAddress: req.OwnerAddress,
		SourcePoolID: req.SourcePoolID,
		Recipient:    req.Recipient,
		Mint:         o.mint,
		Amount:       req.Amount,
		Status:       StatusValidated,
		CreatedAt:    time.Now().UTC(),
	}
	if o.metrics != nil {
		o.metrics.SessionsStarted.Inc()
	}

	ctx, cancel := context.WithTimeout(ctx, watchdogTimeout)
	defer cancel()

	if req.Amount == 0 {
		return o.fail(session, StageValidate, gatewayerr.New(gatewayerr.InvalidRequest, "amount=0 refused"))
	}

	method, budget, baseFee, rentSys, rentToken, sourceSigner, err := o.preconditions(ctx, session, req)
	if err != nil {
		return o.fail(session, StageValidate, err)
	}
	session.Method = method

	poolLock := o.pools.PoolLock(req.SourcePoolID)
	poolLock.Lock()
	defer poolLock.Unlock()

	burnerSecret, burnerPub, err := generateBurner()
	if err != nil {
		o.recoveries.Release(req.OwnerAddress, session.SessionID)
		sourceSigner.Zero()
		return o.fail(session, StageSetup, fmt.Errorf("orchestrator: generate burner: %w", err))
	}
	session.BurnerPublicKey = burnerPub

	// Phase 1 — Setup. The burner is always funded as if it might have to
	// pay its own Phase 3 gas, even when method is gasless: §7's fallback
	// from Facilitator::Unavailable can still land Phase 3 on the burner
	// after this funding transaction has already landed.
	const burnerGasOps = uint64(2) // phase 3 (direct or fallback) plus phase 4
	burnerLamports := rentSys + burnerGasOps*baseFee

	phase1Start := time.Now()
	sig1, err := o.executeWithRetry(ctx, ledgerrpc.TxRequest{
		FeePayer: sourceSigner.PublicKey,
		Instructions: []ledgerrpc.Instruction{
			{Kind: ledgerrpc.InstrTransferLamports, From: sourceSigner.PublicKey, To: burnerPub, Amount: burnerLamports},
			{Kind: ledgerrpc.InstrCreateATA, Owner: burnerPub, Mint: o.mint},
		},
	}, [][]byte{sourceSigner.SecretBytes()})
	if err != nil {
		o.recoveries.Release(req.OwnerAddress, session.SessionID)
		sourceSigner.Zero()
		burnerSecret.Zero()
		return o.fail(session, StageSetup, err)
	}
	session.Phase1Signature = sig1
	session.Status = StatusFunded
	session.SolFunded += burnerLamports
	if o.metrics != nil {
		o.metrics.PhaseLatencyMS.Set(float64(time.Since(phase1Start).Milliseconds()))
	}

	// Phase 2 — Stock.
	sig2, err := o.executeWithRetry(ctx, ledgerrpc.TxRequest{
		FeePayer: sourceSigner.PublicKey,
		Instructions: []ledgerrpc.Instruction{
			{Kind: ledgerrpc.InstrTransferChecked, From: sourceSigner.PublicKey, To: burnerPub, Mint: o.mint, Amount: req.Amount, Decimals: o.tokenDecimals},
		},
	}, [][]byte{sourceSigner.SecretBytes()})
	sourceSigner.Zero() // not needed past Phase 2
	if err != nil {
		o.enqueueRollback(burnerSecret, burnerPub, req.SourcePoolID, session)
		return o.fail(session, StageStock, err)
	}
	session.Phase2Signature = sig2
	session.Status = StatusStocked

	// Pre-flight verification (§4.5): confirm propagation before Phase 3.
	if err := o.verifyBurnerFunded(ctx, burnerPub, req.Amount); err != nil {
		o.enqueueRollback(burnerSecret, burnerPub, req.SourcePoolID, session)
		return o.fail(session, StageSettle, err)
	}

	// Phase 3 — Settle.
	sig3, err := o.settlePhase3(ctx, session, burnerSecret, burnerPub, req.Recipient, req.Amount, budget)
	if err != nil {
		o.enqueueRollback(burnerSecret, burnerPub, req.SourcePoolID, session)
		return o.fail(session, StageSettle, err)
	}
	session.Phase3Signature = sig3
	session.Status = StatusSettled

	// Phase 4 — Recovery.
	sourcePoolRec, _ := o.pools.Get(req.SourcePoolID)
	if err := o.sweepBurner(ctx, session, burnerSecret, burnerPub, sourcePoolRec.PublicKey, rentToken, baseFee); err != nil {
		session.Status = StatusPartial
		o.enqueueRollback(burnerSecret, burnerPub, req.SourcePoolID, session)
		o.recoveries.Release(req.OwnerAddress, session.SessionID)
		if o.metrics != nil {
			o.metrics.SessionsPartial.Inc()
		}
		o.logSession(req.OwnerAddress, req.OwnerSignature, session)
		return session, nil
	}
	burnerSecret.Zero()

	session.Status = StatusCompleted
	session.CompletedAt = time.Now().UTC()
	o.recoveries.Release(req.OwnerAddress, session.SessionID)
	_ = o.recoveries.CreditRecovered(req.OwnerAddress, session.SolRecovered)
	if o.metrics != nil {
		o.metrics.SessionsCompleted.Inc()
		o.metrics.RecoveryRecycledTotal.Add(float64(session.SolRecovered))
	}
	if req.AgentAPIKey != "" && o.agents != nil {
		_ = o.agents.RecordSpend(session.AgentID, req.Amount)
	}
	o.logSession(req.OwnerAddress, req.OwnerSignature, session)
	return session, nil
}

// preconditions runs §4.5's ordered precondition chain. The agent policy
// check, recipient validation and rate check are independent of one another
// and fan out concurrently via errgroup, grounded on warp/aggregator.go's
// early-cancel fan-out. Once all three pass, the source pool is unlocked,
// the method is chosen, and the liquidity reservation runs last because its
// budget depends on the chosen method.
func (o *Orchestrator) preconditions(ctx context.Context, session *PaymentSession, req PayRequest) (method Method, budget, baseFee, rentSys, rentToken uint64, sourceSigner *pool.Signer, err error) {
	var g errgroup.Group

	g.Go(func() error {
		if req.AgentAPIKey == "" {
			return nil
		}
		rec, ok := o.agents.Authenticate(req.AgentAPIKey)
		if !ok {
			return gatewayerr.New(gatewayerr.AgentPolicyDenied, "unknown api key")
		}
		if err := o.agents.Check(rec.AgentID, req.Resource, req.Amount); err != nil {
			if o.metrics != nil {
				o.metrics.AgentDenied.Inc()
			}
			return err
		}
		session.AgentID = rec.AgentID
		return nil
	})

	g.Go(func() error { return validateRecipientAddress(req.Recipient) })

	g.Go(func() error {
		if !o.recoveries.RateCheck(req.OwnerAddress) {
			return gatewayerr.New(gatewayerr.RateLimited, req.OwnerAddress)
		}
		return nil
	})

	if err = g.Wait(); err != nil {
		return "", 0, 0, 0, 0, nil, err
	}

	sourceSigner, err = o.pools.Unlock(req.SourcePoolID, req.OwnerSignature)
	if err != nil {
		return "", 0, 0, 0, 0, nil, err
	}

	method = o.chooseMethod(ctx, req.MethodHint)
	n := uint64(4)
	if method == MethodGasless {
		n = 3
	}

	baseFee, err = o.ledger.BaseTransactionFee(ctx)
	if err != nil {
		sourceSigner.Zero()
		return "", 0, 0, 0, 0, nil, err
	}
	rentSys, err = o.ledger.RentExemptMinimum(ctx, 0)
	if err != nil {
		sourceSigner.Zero()
		return "", 0, 0, 0, 0, nil, err
	}
	rentToken, err = o.ledger.RentExemptMinimum(ctx, tokenAccountDataLen)
	if err != nil {
		sourceSigner.Zero()
		return "", 0, 0, 0, 0, nil, err
	}
	budget = rentSys + rentToken + n*baseFee

	if err = o.recoveries.ReserveOrErr(ctx, req.OwnerAddress, budget, session.SessionID); err != nil {
		sourceSigner.Zero()
		return "", 0, 0, 0, 0, nil, err
	}
	return method, budget, baseFee, rentSys, rentToken, sourceSigner, nil
}

// executeWithRetry stamps req with the current blockhash, executes it, and
// confirms the resulting signature before returning — per §5's ordering
// guarantee that a transaction's confirmation must precede the next phase's
// blockhash fetch. It refreshes the blockhash and retries the whole
// execute-then-confirm cycle exactly once on Ledger::BlockhashExpired
// (surfaced by either Execute or Confirm), per §7: "Orchestrator refreshes
// and retries one phase; else fails."
func (o *Orchestrator) executeWithRetry(ctx context.Context, req ledgerrpc.TxRequest, secrets [][]byte) (string, error) {
	bh, _ := o.ledger.LatestBlockhash(ctx)
	req.Blockhash = bh.Blockhash

	sig, err := o.executeAndConfirm(ctx, req, secrets, bh)
	if err == nil {
		return sig, nil
	}
	kind, ok := gatewayerr.KindOf(err)
	if !ok || kind != gatewayerr.LedgerBlockhashExpired {
		return "", err
	}

	bh, bhErr := o.ledger.LatestBlockhash(ctx)
	if bhErr != nil {
		return "", err
	}
	req.Blockhash = bh.Blockhash
	return o.executeAndConfirm(ctx, req, secrets, bh)
}

// executeAndConfirm submits req and blocks until ledger.Confirm reports it
// landed (or the blockhash's deadline passes), so callers never advance to
// the next phase on a submission that hasn't actually confirmed.
func (o *Orchestrator) executeAndConfirm(ctx context.Context, req ledgerrpc.TxRequest, secrets [][]byte, bh ledgerrpc.Blockhash) (string, error) {
	sig, err := o.ledger.Execute(ctx, req, secrets)
	if err != nil {
		return "", err
	}
	if _, err := o.ledger.Confirm(ctx, sig, bh); err != nil {
		return "", err
	}
	return sig, nil
}

// chooseMethod implements §4.5's tie-break: gasless wins unless the
// facilitator's most recent health probe failed (Open Question #1).
func (o *Orchestrator) chooseMethod(ctx context.Context, hint Method) Method {
	if hint == MethodDirect || o.facilitator == nil {
		return MethodDirect
	}
	if _, err := o.facilitator.Discover(ctx); err != nil || !o.facilitator.Healthy() {
		return MethodDirect
	}
	return MethodGasless
}

// verifyBurnerFunded implements the §4.5 pre-flight check: up to 3 retries
// at 1s/2s/3s, then a raw-account-exists fallback (modeled here as one more
// GetBalance probe, since this abstraction has no separate typed-decode
// path — see §1 Non-goals on not re-deriving ledger account encodings).
func (o *Orchestrator) verifyBurnerFunded(ctx context.Context, burnerPub string, amount uint64) error {
	delay := preflightBaseDelay
	for attempt := 0; attempt <= preflightRetries; attempt++ {
		balance, err := o.ledger.GetTokenBalance(ctx, burnerPub, o.mint)
		if err == nil && balance >= amount {
			return nil
		}
		if attempt == preflightRetries {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay += preflightBaseDelay
	}

	if _, err := o.ledger.GetBalance(ctx, burnerPub); err == nil {
		return nil
	}
	return gatewayerr.New(gatewayerr.PropagationBurnerAtaMissing, burnerPub)
}

// settlePhase3 attempts gasless settlement (when chosen) and falls back to
// direct settlement on Facilitator::Unavailable, per §7's disposition table.
func (o *Orchestrator) settlePhase3(ctx context.Context, session *PaymentSession, burnerSecret *vault.SecretKey, burnerPub, recipient string, amount, budget uint64) (string, error) {
	direct := ledgerrpc.TxRequest{
		FeePayer: burnerPub,
		Instructions: []ledgerrpc.Instruction{
			{Kind: ledgerrpc.InstrComputeUnitLimit, Units: 200_000},
			{Kind: ledgerrpc.InstrComputeUnitPrice, MicroLamports: 0},
			{Kind: ledgerrpc.InstrTransferChecked, From: burnerPub, To: recipient, Mint: o.mint, Amount: amount, Decimals: o.tokenDecimals},
		},
	}

	if session.Method == MethodGasless {
		sig, err := o.settleGasless(ctx, direct, recipient, amount, budget)
		if err == nil {
			return sig, nil
		}
		if kind, ok := gatewayerr.KindOf(err); ok && kind == gatewayerr.FacilitatorUnavailable {
			if o.metrics != nil {
				o.metrics.FacilitatorFallback.Inc()
			}
			session.Method = MethodDirect
		} else {
			return "", err
		}
	}

	return o.executeWithRetry(ctx, direct, [][]byte{burnerSecret[:]})
}

// settleGasless builds the facilitator-fee-payer variant of Phase 3's
// transaction (burner partially signs, facilitator pays and co-signs) and
// hands it to C6, per §4.6's "exactly: compute-unit-limit, compute-unit-
// price, then the single transfer-checked instruction" ordering rule.
func (o *Orchestrator) settleGasless(ctx context.Context, direct ledgerrpc.TxRequest, recipient string, amount, budget uint64) (string, error) {
	info, err := o.facilitator.Discover(ctx)
	if err != nil {
		return "", gatewayerr.Wrap(gatewayerr.FacilitatorUnavailable, err)
	}

	gasless := direct
	gasless.FeePayer = info.FeePayer

	encoded, err := ledgerrpc.EncodeTx(gasless)
	if err != nil {
		return "", fmt.Errorf("orchestrator: encode gasless tx: %w", err)
	}

	result, err := o.facilitator.Settle(ctx, facilitator.SettlementRequest{
		TransactionB64:    encoded,
		Scheme:            "exact",
		Network:           info.Network,
		MaxAmountLamports: budget,
		Resource:          "payment",
		PayTo:             recipient,
		MaxTimeoutSeconds: 30,
		Asset:             o.mint,
		FeePayer:          info.FeePayer,
	})
	if err != nil {
		return "", err
	}
	return result.Signature, nil
}

// sweepBurner runs Phase 4 (or a rollback sweep) as the single transaction
// §4.5 and §8's S1 narrative call for: move any residual token balance back
// to the source pool, close the burner's token account (rent destination =
// source pool), and sweep the burner's own remaining lamports, all in one
// burner-signed, burner-paid tx.
//
// rentToken is the token account's rent-exempt minimum, which the close
// instruction returns directly to sourcePoolPublicKey on-chain — it never
// passes through the burner's own lamport balance, so it is credited to
// SolRecovered independently of whatever lamport sweep follows, never as
// part of it.
func (o *Orchestrator) sweepBurner(ctx context.Context, session *PaymentSession, burnerSecret *vault.SecretKey, burnerPub, sourcePoolPublicKey string, rentToken, baseFee uint64) error {
	instructions := []ledgerrpc.Instruction{}

	if residual, err := o.ledger.GetTokenBalance(ctx, burnerPub, o.mint); err == nil && residual > 0 {
		instructions = append(instructions, ledgerrpc.Instruction{
			Kind: ledgerrpc.InstrTransferChecked, From: burnerPub, To: sourcePoolPublicKey,
			Mint: o.mint, Amount: residual, Decimals: o.tokenDecimals,
		})
	}
	instructions = append(instructions, ledgerrpc.Instruction{
		Kind: ledgerrpc.InstrCloseAccount, Owner: burnerPub, Mint: o.mint, RentDestination: sourcePoolPublicKey,
	})

	// The close instruction above never touches the burner's own system
	// balance, so it is safe to read it before submitting and fold a
	// lamport sweep for everything but this tx's own fee into the same
	// instruction list instead of a second transaction.
	var sweepAmount uint64
	if balance, err := o.ledger.GetBalance(ctx, burnerPub); err == nil && balance > baseFee {
		sweepAmount = balance - baseFee
		instructions = append(instructions, ledgerrpc.Instruction{
			Kind: ledgerrpc.InstrTransferLamports, From: burnerPub, To: sourcePoolPublicKey, Amount: sweepAmount,
		})
	}

	sig, err := o.executeWithRetry(ctx, ledgerrpc.TxRequest{FeePayer: burnerPub, Instructions: instructions}, [][]byte{burnerSecret[:]})
	if err != nil {
		return err
	}
	session.Phase4Signature = sig
	session.SolRecovered += rentToken + sweepAmount
	return nil
}

// enqueueRollback registers burnerPub for an idempotent Phase 4 sweep and
// attempts it once immediately, per §7: "any error after Phase 1 success
// schedules a rollback sweep ... may be safely re-invoked."
func (o *Orchestrator) enqueueRollback(burnerSecret *vault.SecretKey, burnerPub, sourcePoolID string, session *PaymentSession) {
	sourcePoolRec, _ := o.pools.Get(sourcePoolID)

	o.rollbackMu.Lock()
	o.rollbacks[burnerPub] = &pendingRollback{
		burnerSecret:        burnerSecret,
		burnerPublicKey:     burnerPub,
		sourcePoolPublicKey: sourcePoolRec.PublicKey,
		mint:                o.mint,
		owner:               session.OwnerAddress,
		sessionID:           session.SessionID,
	}
	o.rollbackMu.Unlock()

	go o.attemptRollback(context.Background(), burnerPub)
}

// attemptRollback runs one sweep attempt for burnerPub if it has not been
// tried within rollbackRetryWindow, per Design Notes §9's bounded retry
// resolution ("at most one retry per five minutes per burner").
func (o *Orchestrator) attemptRollback(ctx context.Context, burnerPub string) {
	o.rollbackMu.Lock()
	p, ok := o.rollbacks[burnerPub]
	if !ok {
		o.rollbackMu.Unlock()
		return
	}
	if !p.lastAttempt.IsZero() && time.Since(p.lastAttempt) < rollbackRetryWindow {
		o.rollbackMu.Unlock()
		return
	}
	p.lastAttempt = time.Now()
	o.rollbackMu.Unlock()

	session := &PaymentSession{SessionID: p.sessionID, OwnerAddress: p.owner}
	baseFee, _ := o.ledger.BaseTransactionFee(ctx)
	if err := o.sweepBurner(ctx, session, p.burnerSecret, p.burnerPublicKey, p.sourcePoolPublicKey, 0, baseFee); err != nil {
		o.log.Warn("rollback sweep failed, will retry", "burner", burnerPub, "err", err)
		return
	}

	o.rollbackMu.Lock()
	delete(o.rollbacks, burnerPub)
	o.rollbackMu.Unlock()

	_ = o.recoveries.CreditRecovered(p.owner, session.SolRecovered)
	if o.metrics != nil {
		o.metrics.RecoveryRecycledTotal.Add(float64(session.SolRecovered))
	}
	p.burnerSecret.Zero()
}

// RunRollbackWorker periodically retries every burner still awaiting a
// sweep; cmd/gatewayd starts this as a background goroutine for the life
// of the process.
func (o *Orchestrator) RunRollbackWorker(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.rollbackMu.Lock()
			pending := make([]string, 0, len(o.rollbacks))
			for burnerPub := range o.rollbacks {
				pending = append(pending, burnerPub)
			}
			o.rollbackMu.Unlock()
			for _, burnerPub := range pending {
				o.attemptRollback(ctx, burnerPub)
			}
		}
	}
}

// TriggerRollbackSweep immediately retries every burner still awaiting a
// sweep and returns how many were attempted; it backs the `POST
// /recovery/sweep` endpoint so an operator does not have to wait for
// RunRollbackWorker's next tick.
func (o *Orchestrator) TriggerRollbackSweep(ctx context.Context) int {
	o.rollbackMu.Lock()
	pending := make([]string, 0, len(o.rollbacks))
	for burnerPub := range o.rollbacks {
		pending = append(pending, burnerPub)
	}
	o.rollbackMu.Unlock()

	for _, burnerPub := range pending {
		o.attemptRollback(ctx, burnerPub)
	}
	return len(pending)
}

// PendingRollbackCount reports how many burners await a sweep, for tests
// and operational metrics.
func (o *Orchestrator) PendingRollbackCount() int {
	o.rollbackMu.Lock()
	defer o.rollbackMu.Unlock()
	return len(o.rollbacks)
}

// fail records a terminal failure. A session still in_progress past the
// watchdog is reported as failed(stuck), per §9's boundary resolution —
// the caller at each post-Phase-1 site has already scheduled the rollback
// sweep this implies before reaching here.
func (o *Orchestrator) fail(session *PaymentSession, stage Stage, err error) (*PaymentSession, error) {
	if errors.Is(err, context.DeadlineExceeded) {
		err = gatewayerr.Wrap(gatewayerr.SessionStuck, err)
	}
	session.Status = StatusFailed
	session.FailStage = stage
	session.FailReason = err.Error()
	if o.metrics != nil {
		o.metrics.SessionsFailed.Inc()
	}
	o.logSession(session.OwnerAddress, nil, session)
	return session, err
}

func (o *Orchestrator) logSession(owner string, ownerSignature []byte, session *PaymentSession) {
	if o.auditLogger == nil || len(ownerSignature) == 0 {
		return
	}
	if _, err := o.auditLogger.Seal(owner, ownerSignature, session.SessionID, string(session.Status), string(session.Method), session.TransactionCount(), session); err != nil {
		o.log.Warn("audit seal failed", "session", session.SessionID, "err", err)
	}
}

// generateBurner creates a fresh, process-memory-only signing secret for
// one session's ephemeral ("burner") account.
func generateBurner() (*vault.SecretKey, string, error) {
	var secret vault.SecretKey
	if _, err := rand.Read(secret[:]); err != nil {
		return nil, "", fmt.Errorf("orchestrator: generate burner secret: %w", err)
	}
	return &secret, pool.DeriveSolanaPublicKey(&secret), nil
}

// validateRecipientAddress enforces §4.5 precondition 3, "well-formed for
// the ledger." This gateway's ledger abstraction does not re-derive the
// real address encoding (§1 Non-goals), so well-formed here means
// non-empty and free of whitespace, the narrowest check that still rejects
// obviously malformed input.
func validateRecipientAddress(addr string) error {
	if addr == "" {
		return gatewayerr.New(gatewayerr.InvalidRequest, "recipient address is empty")
	}
	for _, r := range addr {
		if r == ' ' || r == '\t' || r == '\n' {
			return gatewayerr.New(gatewayerr.InvalidRequest, "recipient address contains whitespace")
		}
	}
	return nil
}
