// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package httpapi

import (
	"encoding/base64"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/luxfi/stealthpay/gatewayerr"
	"github.com/luxfi/stealthpay/ledgerrpc"
	"github.com/luxfi/stealthpay/vault"
)

const defaultShadowLinkTTL = 24 * time.Hour

type shadowCreateRequest struct {
	OwnerAddress      string `json:"owner_address"`
	OwnerSignatureB64 string `json:"owner_signature"`
	Alias             string `json:"alias"`
	DestinationPoolID string `json:"destination_pool_id"`
	Mint              string `json:"mint"`
	ExpectedAmount    uint64 `json:"expected_amount"`
	Memo              string `json:"memo,omitempty"`
	TTLSeconds        int64  `json:"ttl_seconds,omitempty"`
}

type shadowCreateResponse struct {
	LinkID         string    `json:"link_id"`
	Alias          string    `json:"alias"`
	StealthAddress string    `json:"stealth_address"`
	ExpiresAt      time.Time `json:"expires_at"`
}

func (s *Server) handleShadowCreate(w http.ResponseWriter, r *http.Request) {
	var req shadowCreateRequest
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, statusFor(err), err)
		return
	}

	ownerSignature, err := base64.StdEncoding.DecodeString(req.OwnerSignatureB64)
	if err != nil {
		err = gatewayerr.New(gatewayerr.InvalidRequest, "owner_signature is not valid base64")
		writeErr(w, statusFor(err), err)
		return
	}

	destPool, ok := s.gw.Pools.Get(req.DestinationPoolID)
	if !ok {
		err := gatewayerr.New(gatewayerr.InvalidRequest, "unknown destination_pool_id")
		writeErr(w, statusFor(err), err)
		return
	}

	secret, stealthAddress, err := generateKey()
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

	var memo *vault.Sealed
	if req.Memo != "" {
		m, err := vault.SealBytes(req.OwnerAddress, ownerSignature, []byte(req.Memo))
		if err != nil {
			writeErr(w, http.StatusInternalServerError, err)
			return
		}
		memo = &m
	}

	ttl := defaultShadowLinkTTL
	if req.TTLSeconds > 0 {
		ttl = time.Duration(req.TTLSeconds) * time.Second
	}

	rec, err := s.gw.Shadow.Create(req.Alias, req.OwnerAddress, stealthAddress, destPool.PublicKey, req.Mint, req.ExpectedAmount, sealed, memo, ttl)
	if err != nil {
		writeErr(w, statusFor(err), err)
		return
	}

	writeOK(w, http.StatusCreated, shadowCreateResponse{
		LinkID:         rec.LinkID,
		Alias:          rec.Alias,
		StealthAddress: rec.StealthAddress,
		ExpiresAt:      rec.ExpiresAt,
	})
}

type shadowSweepRequest struct {
	OwnerSignatureB64 string `json:"owner_signature"`
}

type shadowSweepResponse struct {
	Status   string `json:"status"`
	SweepTx  string `json:"sweep_tx"`
}

// handleShadowSweep builds and submits the close-account-plus-transfer
// sweep transaction itself (the stealth key never leaves this process),
// then hands the resulting signature to Engine.Sweep to persist the
// terminal state and purge the sealed secret.
func (s *Server) handleShadowSweep(w http.ResponseWriter, r *http.Request) {
	linkID := mux.Vars(r)["id"]

	var req shadowSweepRequest
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, statusFor(err), err)
		return
	}
	ownerSignature, err := base64.StdEncoding.DecodeString(req.OwnerSignatureB64)
	if err != nil {
		err = gatewayerr.New(gatewayerr.InvalidRequest, "owner_signature is not valid base64")
		writeErr(w, statusFor(err), err)
		return
	}

	rec, err := s.gw.Shadow.Get(linkID)
	if err != nil {
		writeErr(w, statusFor(err), err)
		return
	}

	secret, err := rec.Sealed.DecryptWith(rec.OwnerAddress, ownerSignature)
	if err != nil {
		err = gatewayerr.Wrap(gatewayerr.KeyVaultAuthFailed, err)
		writeErr(w, statusFor(err), err)
		return
	}
	defer secret.Zero()

	ctx := r.Context()
	bh, err := s.gw.Ledger.LatestBlockhash(ctx)
	if err != nil {
		writeErr(w, http.StatusBadGateway, err)
		return
	}

	stealthATA := ledgerrpc.DeriveATA(rec.StealthAddress, rec.Mint)
	destATA := ledgerrpc.DeriveATA(rec.DestinationPoolAddress, rec.Mint)
	txReq := ledgerrpc.TxRequest{
		FeePayer:  rec.StealthAddress,
		Blockhash: bh.Blockhash,
		Instructions: []ledgerrpc.Instruction{
			{Kind: ledgerrpc.InstrTransferChecked, From: stealthATA, To: destATA, Owner: rec.StealthAddress, Mint: rec.Mint, Amount: rec.ExpectedAmount, Decimals: s.gw.TokenDecimals},
			{Kind: ledgerrpc.InstrCloseAccount, Account: stealthATA, Owner: rec.StealthAddress, RentDestination: rec.DestinationPoolAddress},
		},
	}

	sweepTx, err := s.gw.Ledger.Execute(ctx, txReq, [][]byte{secret[:]})
	if err != nil {
		writeErr(w, statusFor(err), err)
		return
	}

	swept, err := s.gw.Shadow.Sweep(linkID, ownerSignature, sweepTx)
	if err != nil {
		writeErr(w, statusFor(err), err)
		return
	}

	writeOK(w, http.StatusOK, shadowSweepResponse{Status: string(swept.Status), SweepTx: swept.SweepTx})
}
