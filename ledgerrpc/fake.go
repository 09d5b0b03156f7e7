package ledgerrpc

import (
	"context"
	"fmt"
	"sync"
)

// Fake is an in-memory Client used by package tests across this module. It
// is not behind a build tag because several packages (recovery, orchestrator,
// shadowlink) need it from their own _test.go files; a hand-written stand-in
// rather than a generated mock, since Client is small enough not to need one.
type Fake struct {
	mu sync.Mutex

	Height        uint64
	LamportsOf    map[string]uint64
	TokenOf       map[string]uint64 // key: owner+"/"+mint
	Transactions  map[string]ParsedTransaction
	NextSignature int

	// ExecuteCalls counts every Execute invocation, successful or not —
	// tests use it to pin down the exact number of on-chain transactions a
	// flow submits, since TransactionCount only reports which named phase
	// fields got a signature, not how many submissions actually happened.
	ExecuteCalls int

	// SubmitHook, if set, is called on every SubmitSigned and may mutate
	// state or return an error to simulate rejection.
	SubmitHook func(rawTx string) error

	// ExecuteHook, if set, is called before Execute applies req's
	// instructions; returning an error simulates a rejected simulation
	// (Ledger::Rejected) without mutating any balance.
	ExecuteHook func(req TxRequest) error

	RentExemptMinimumLamports uint64
	BaseFeeLamports           uint64

	// TokenAccountsOpen tracks which (owner, mint) ATAs have been created,
	// for CreateATA idempotence and CloseAccount bookkeeping.
	TokenAccountsOpen map[string]bool
}

// NewFake returns a ready-to-use Fake with empty balances.
func NewFake() *Fake {
	return &Fake{
		LamportsOf:                make(map[string]uint64),
		TokenOf:                   make(map[string]uint64),
		Transactions:              make(map[string]ParsedTransaction),
		TokenAccountsOpen:         make(map[string]bool),
		RentExemptMinimumLamports: 890_880,
		BaseFeeLamports:           5000,
	}
}

func (f *Fake) tokenKey(owner, mint string) string { return owner + "/" + mint }

func (f *Fake) LatestBlockhash(ctx context.Context) (Blockhash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return Blockhash{Blockhash: fmt.Sprintf("bh-%d", f.Height), LastValidBlockHeight: f.Height + 150}, nil
}

func (f *Fake) GetBalance(ctx context.Context, addr string) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.LamportsOf[addr], nil
}

func (f *Fake) GetTokenBalance(ctx context.Context, owner, mint string) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.TokenOf[f.tokenKey(owner, mint)], nil
}

func (f *Fake) SubmitSigned(ctx context.Context, rawTxBase64 string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.SubmitHook != nil {
		if err := f.SubmitHook(rawTxBase64); err != nil {
			return "", err
		}
	}

	f.NextSignature++
	sig := fmt.Sprintf("sig-%d", f.NextSignature)
	f.Transactions[sig] = ParsedTransaction{Signature: sig, Slot: f.Height, FeeLamports: 5000}
	f.Height++
	return sig, nil
}

func (f *Fake) Confirm(ctx context.Context, signature string, deadline Blockhash) (ParsedTransaction, error) {
	return f.GetParsedTransaction(ctx, signature)
}

func (f *Fake) GetParsedTransaction(ctx context.Context, signature string) (ParsedTransaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tx, ok := f.Transactions[signature]
	if !ok {
		return ParsedTransaction{}, fmt.Errorf("ledgerrpc/fake: unknown signature %s", signature)
	}
	return tx, nil
}

func (f *Fake) RentExemptMinimum(ctx context.Context, dataLen uint64) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.RentExemptMinimumLamports, nil
}

func (f *Fake) BaseTransactionFee(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.BaseFeeLamports, nil
}

// Execute applies req's instructions against the fake ledger state
// all-or-nothing — mirroring real-ledger transaction atomicity — then
// records a transaction exactly like SubmitSigned. signerSecrets is
// accepted for interface parity but not verified — this fake models ledger
// state transitions, not cryptography (§1 Non-goals).
func (f *Fake) Execute(ctx context.Context, req TxRequest, signerSecrets [][]byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.ExecuteCalls++

	if f.ExecuteHook != nil {
		if err := f.ExecuteHook(req); err != nil {
			return "", err
		}
	}

	scratch := f.cloneLocked()
	fee := f.BaseFeeLamports
	for _, instr := range req.Instructions {
		if err := scratch.applyInstructionLocked(instr); err != nil {
			return "", err
		}
	}
	if scratch.LamportsOf[req.FeePayer] < fee {
		return "", fmt.Errorf("ledgerrpc/fake: fee payer %s cannot cover base fee", req.FeePayer)
	}
	scratch.LamportsOf[req.FeePayer] -= fee
	f.commitLocked(scratch)

	f.NextSignature++
	sig := fmt.Sprintf("sig-%d", f.NextSignature)
	f.Transactions[sig] = ParsedTransaction{Signature: sig, Slot: f.Height, FeeLamports: fee}
	f.Height++
	return sig, nil
}

// cloneLocked returns a deep copy of mutable balance state so Execute can
// apply a candidate transaction's instructions and discard them atomically
// on any failure, instead of leaving partial effects committed.
func (f *Fake) cloneLocked() *Fake {
	clone := &Fake{
		LamportsOf:                make(map[string]uint64, len(f.LamportsOf)),
		TokenOf:                   make(map[string]uint64, len(f.TokenOf)),
		TokenAccountsOpen:         make(map[string]bool, len(f.TokenAccountsOpen)),
		RentExemptMinimumLamports: f.RentExemptMinimumLamports,
		BaseFeeLamports:           f.BaseFeeLamports,
	}
	for k, v := range f.LamportsOf {
		clone.LamportsOf[k] = v
	}
	for k, v := range f.TokenOf {
		clone.TokenOf[k] = v
	}
	for k, v := range f.TokenAccountsOpen {
		clone.TokenAccountsOpen[k] = v
	}
	return clone
}

func (f *Fake) commitLocked(scratch *Fake) {
	f.LamportsOf = scratch.LamportsOf
	f.TokenOf = scratch.TokenOf
	f.TokenAccountsOpen = scratch.TokenAccountsOpen
}

func (f *Fake) applyInstructionLocked(instr Instruction) error {
	switch instr.Kind {
	case InstrComputeUnitLimit, InstrComputeUnitPrice:
		return nil
	case InstrTransferLamports:
		if f.LamportsOf[instr.From] < instr.Amount {
			return fmt.Errorf("ledgerrpc/fake: insufficient lamports at %s", instr.From)
		}
		f.LamportsOf[instr.From] -= instr.Amount
		f.LamportsOf[instr.To] += instr.Amount
		return nil
	case InstrCreateATA:
		key := f.tokenKey(instr.Owner, instr.Mint)
		f.TokenAccountsOpen[key] = true // idempotent: re-creating is a no-op
		return nil
	case InstrTransferChecked:
		srcKey, dstKey := f.tokenKey(instr.From, instr.Mint), f.tokenKey(instr.To, instr.Mint)
		if f.TokenOf[srcKey] < instr.Amount {
			return fmt.Errorf("ledgerrpc/fake: insufficient token balance at %s", instr.From)
		}
		f.TokenOf[srcKey] -= instr.Amount
		f.TokenOf[dstKey] += instr.Amount
		return nil
	case InstrCloseAccount:
		key := f.tokenKey(instr.Owner, instr.Mint)
		if f.TokenOf[key] != 0 {
			return fmt.Errorf("ledgerrpc/fake: cannot close non-empty token account %s", key)
		}
		delete(f.TokenAccountsOpen, key)
		f.LamportsOf[instr.RentDestination] += f.RentExemptMinimumLamports
		return nil
	default:
		return fmt.Errorf("ledgerrpc/fake: unknown instruction kind %q", instr.Kind)
	}
}

// CreditLamports adds to addr's lamport balance, for test setup.
func (f *Fake) CreditLamports(addr string, amount uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.LamportsOf[addr] += amount
}

// CreditToken adds to owner's token balance for mint, for test setup.
func (f *Fake) CreditToken(owner, mint string, amount uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.TokenOf[f.tokenKey(owner, mint)] += amount
}

// DebitLamports subtracts from addr's lamport balance, saturating at zero.
func (f *Fake) DebitLamports(addr string, amount uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.LamportsOf[addr] < amount {
		f.LamportsOf[addr] = 0
		return
	}
	f.LamportsOf[addr] -= amount
}

// TransferToken moves amount of mint from src to dst, for test setup and
// for the fake orchestrator-driving transaction instructions.
func (f *Fake) TransferToken(src, dst, mint string, amount uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	srcKey, dstKey := f.tokenKey(src, mint), f.tokenKey(dst, mint)
	if f.TokenOf[srcKey] < amount {
		return fmt.Errorf("ledgerrpc/fake: insufficient token balance")
	}
	f.TokenOf[srcKey] -= amount
	f.TokenOf[dstKey] += amount
	return nil
}
