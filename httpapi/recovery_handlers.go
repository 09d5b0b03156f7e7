// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package httpapi

import (
	"encoding/base64"
	"net/http"

	"github.com/luxfi/stealthpay/gatewayerr"
	"github.com/luxfi/stealthpay/ledgerrpc"
	"github.com/luxfi/stealthpay/recovery"
	"github.com/luxfi/stealthpay/vault"
)

type recoveryCreateRequest struct {
	OwnerAddress      string `json:"owner_address"`
	OwnerSignatureB64 string `json:"owner_signature"`
	FundAmount        uint64 `json:"fund_amount"`
}

type recoveryCreateResponse struct {
	PublicKey         string `json:"public_key"`
	FundingTransaction string `json:"funding_transaction"`
}

// handleRecoveryCreate provisions a Recovery Pool signing key and returns an
// unsigned funding transaction for the owner's own wallet to sign and
// submit — this gateway never holds the owner's primary wallet key, only
// the Recovery Pool's own (§4.4).
func (s *Server) handleRecoveryCreate(w http.ResponseWriter, r *http.Request) {
	var req recoveryCreateRequest
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, statusFor(err), err)
		return
	}

	if req.FundAmount < recovery.MinLiquidity {
		err := gatewayerr.New(gatewayerr.InvalidRequest, "fund_amount below MinLiquidity")
		writeErr(w, statusFor(err), err)
		return
	}

	ownerSignature, err := base64.StdEncoding.DecodeString(req.OwnerSignatureB64)
	if err != nil {
		err = gatewayerr.New(gatewayerr.InvalidRequest, "owner_signature is not valid base64")
		writeErr(w, statusFor(err), err)
		return
	}

	secret, publicKey, err := generateKey()
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	sealed, err := vault.Seal(req.OwnerAddress, ownerSignature, secret)
	secret.Zero()
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}

	if _, err := s.gw.Recoveries.Create(req.OwnerAddress, publicKey, sealed); err != nil {
		writeErr(w, statusFor(err), err)
		return
	}

	ctx := r.Context()
	bh, err := s.gw.Ledger.LatestBlockhash(ctx)
	if err != nil {
		writeErr(w, http.StatusBadGateway, err)
		return
	}
	unsigned := ledgerrpc.TxRequest{
		FeePayer:  req.OwnerAddress,
		Blockhash: bh.Blockhash,
		Instructions: []ledgerrpc.Instruction{
			{Kind: ledgerrpc.InstrTransferLamports, From: req.OwnerAddress, To: publicKey, Amount: req.FundAmount},
		},
	}
	encoded, err := ledgerrpc.EncodeTx(unsigned)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}

	writeOK(w, http.StatusCreated, recoveryCreateResponse{PublicKey: publicKey, FundingTransaction: encoded})
}

type recoverySweepResponse struct {
	SweptAttempted int `json:"swept_attempted"`
}

// handleRecoverySweep forces every burner still awaiting a Phase 4 sweep to
// retry now, instead of waiting for RunRollbackWorker's next tick.
func (s *Server) handleRecoverySweep(w http.ResponseWriter, r *http.Request) {
	n := s.gw.Orchestrator.TriggerRollbackSweep(r.Context())
	writeOK(w, http.StatusOK, recoverySweepResponse{SweptAttempted: n})
}
