// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package ledgerrpc

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// InstructionKind enumerates the narrow set of ledger primitives the
// orchestrator composes into each phase's transaction, per §6 "Ledger
// primitives consumed".
type InstructionKind string

const (
	InstrTransferLamports InstructionKind = "transfer_lamports"
	InstrCreateATA        InstructionKind = "create_ata_idempotent"
	InstrTransferChecked  InstructionKind = "transfer_checked"
	InstrCloseAccount     InstructionKind = "close_account"
	InstrComputeUnitLimit InstructionKind = "compute_unit_limit"
	InstrComputeUnitPrice InstructionKind = "compute_unit_price"
)

// Instruction is one normalized ledger instruction. Only the fields
// relevant to Kind are meaningful.
type Instruction struct {
	Kind            InstructionKind `json:"kind"`
	From            string          `json:"from,omitempty"`
	To              string          `json:"to,omitempty"`
	Owner           string          `json:"owner,omitempty"`
	Mint            string          `json:"mint,omitempty"`
	Account         string          `json:"account,omitempty"`
	RentDestination string          `json:"rent_destination,omitempty"`
	Amount          uint64          `json:"amount,omitempty"`
	Decimals        uint8           `json:"decimals,omitempty"`
	Units           uint32          `json:"units,omitempty"`
	MicroLamports   uint64          `json:"micro_lamports,omitempty"`
}

// TxRequest is one phase's transaction: an ordered instruction list plus
// the fee payer and blockhash it should be built against.
type TxRequest struct {
	FeePayer  string        `json:"fee_payer"`
	Blockhash string        `json:"blockhash"`
	Instructions []Instruction `json:"instructions"`
}

// DeriveATA computes the deterministic associated-token-account address for
// (owner, mint). The real derivation is a PDA computation the ledger's SDK
// owns; this narrow stand-in is stable and collision-free for addresses
// drawn from this gateway's own keyspace.
func DeriveATA(owner, mint string) string {
	return fmt.Sprintf("ata(%s,%s)", owner, mint)
}

// Execute encodes req, submits it via SubmitSigned, and returns the
// resulting transaction's signature. It is the write path for phases that
// do not need facilitator co-signing (1, 2, 4, and phase 3 in direct mode).
// signerSecrets is accepted but not used: no signature is computed here.
func (c *HTTPClient) Execute(ctx context.Context, req TxRequest, signerSecrets [][]byte) (string, error) {
	encoded, err := EncodeTx(req)
	if err != nil {
		return "", err
	}
	return c.SubmitSigned(ctx, encoded)
}

// EncodeTx serializes req into the wire shape SubmitSigned/the facilitator
// expect: base64 JSON. The real ledger uses a compact binary wire format;
// this narrow stand-in keeps the orchestrator's phase logic exercised
// without re-deriving that encoding (§1 Non-goals: "their cryptography is
// not re-derived").
func EncodeTx(req TxRequest) (string, error) {
	raw, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("ledgerrpc: encode tx: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodeTx is EncodeTx's inverse, used by tests (including the scenario
// tests' simulated facilitator) to read back an encoded transaction.
func DecodeTx(encoded string) (TxRequest, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return TxRequest{}, fmt.Errorf("ledgerrpc: decode tx: %w", err)
	}
	var req TxRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return TxRequest{}, fmt.Errorf("ledgerrpc: decode tx: %w", err)
	}
	return req, nil
}
