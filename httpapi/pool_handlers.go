// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package httpapi

import (
	"encoding/base64"
	"net/http"

	"github.com/luxfi/stealthpay/gatewayerr"
	"github.com/luxfi/stealthpay/ledgerrpc"
	"github.com/luxfi/stealthpay/orchestrator"
	"github.com/luxfi/stealthpay/pool"
	"github.com/luxfi/stealthpay/vault"
)

type poolCreateRequest struct {
	OwnerAddress      string `json:"owner_address"`
	OwnerSignatureB64 string `json:"owner_signature"`
	PoolType          string `json:"pool_type"`
	FundedFrom        string `json:"funded_from,omitempty"`
}

type poolCreateResponse struct {
	PoolID         string `json:"pool_id"`
	FundingAddress string `json:"funding_address"`
}

func (s *Server) handlePoolCreate(w http.ResponseWriter, r *http.Request) {
	var req poolCreateRequest
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

	rec, err := s.gw.Pools.Create(req.OwnerAddress, pool.Type(req.PoolType), req.FundedFrom, publicKey, sealed, ownerSignature)
	if err != nil {
		writeErr(w, statusFor(err), err)
		return
	}

	writeOK(w, http.StatusCreated, poolCreateResponse{PoolID: rec.PoolID, FundingAddress: rec.PublicKey})
}

type poolPayRequest struct {
	OwnerAddress      string `json:"owner_address,omitempty"`
	OwnerSignatureB64 string `json:"owner_signature,omitempty"`
	SourcePoolID      string `json:"source_pool_id"`
	Recipient         string `json:"recipient"`
	Amount            uint64 `json:"amount"`
	Method            string `json:"method,omitempty"`
	AgentAPIKey       string `json:"agent_api_key,omitempty"`
	Resource          string `json:"resource,omitempty"`
}

func (s *Server) handlePoolPay(w http.ResponseWriter, r *http.Request) {
	var req poolPayRequest
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, statusFor(err), err)
		return
	}

	ownerSignature, err := base64.StdEncoding.DecodeString(req.OwnerSignatureB64)
	if err != nil && req.OwnerSignatureB64 != "" {
		err = gatewayerr.New(gatewayerr.InvalidRequest, "owner_signature is not valid base64")
		writeErr(w, statusFor(err), err)
		return
	}

	payReq := orchestrator.PayRequest{
		OwnerAddress:   req.OwnerAddress,
		SourcePoolID:   req.SourcePoolID,
		Recipient:      req.Recipient,
		Amount:         req.Amount,
		MethodHint:     orchestrator.Method(req.Method),
		OwnerSignature: ownerSignature,
		AgentAPIKey:    req.AgentAPIKey,
		Resource:       req.Resource,
	}

	session, payErr := s.gw.Orchestrator.Pay(r.Context(), payReq)
	status := http.StatusOK
	if payErr != nil {
		status = statusFor(payErr)
	}

	// Pay always returns a non-nil session, even on failure (§4.5), so the
	// caller sees exactly how far the payment progressed either way.
	resp := envelope{Success: payErr == nil, Timestamp: nowMillis(), Data: session}
	if payErr != nil {
		kind, ok := gatewayerr.KindOf(payErr)
		if ok {
			resp.Error = string(kind)
		} else {
			resp.Error = payErr.Error()
		}
	}
	writeEnvelope(w, status, resp)
}

type fundPoolRequest struct {
	SourcePoolID      string `json:"source_pool_id"`
	DestPoolID        string `json:"dest_pool_id"`
	Amount            uint64 `json:"amount"`
	OwnerSignatureB64 string `json:"owner_signature"`
}

type fundPoolResponse struct {
	Signature string `json:"signature"`
}

func (s *Server) handleFundPool(w http.ResponseWriter, r *http.Request) {
	var req fundPoolRequest
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

	srcRec, ok := s.gw.Pools.Get(req.SourcePoolID)
	if !ok {
		err := gatewayerr.New(gatewayerr.InvalidRequest, "unknown source_pool_id")
		writeErr(w, statusFor(err), err)
		return
	}
	dstRec, ok := s.gw.Pools.Get(req.DestPoolID)
	if !ok {
		err := gatewayerr.New(gatewayerr.InvalidRequest, "unknown dest_pool_id")
		writeErr(w, statusFor(err), err)
		return
	}
	if srcRec.OwnerAddress != dstRec.OwnerAddress {
		err := gatewayerr.New(gatewayerr.HierarchyViolation, "source and destination pools have different owners")
		writeErr(w, statusFor(err), err)
		return
	}
	if err := pool.ValidateFundingEdge(srcRec.PoolType, dstRec.PoolType); err != nil {
		writeErr(w, statusFor(err), err)
		return
	}

	signer, err := s.gw.Pools.Unlock(req.SourcePoolID, ownerSignature)
	if err != nil {
		writeErr(w, statusFor(err), err)
		return
	}
	defer signer.Zero()

	ctx := r.Context()
	bh, err := s.gw.Ledger.LatestBlockhash(ctx)
	if err != nil {
		writeErr(w, http.StatusBadGateway, err)
		return
	}

	txReq := ledgerrpc.TxRequest{
		FeePayer:  signer.PublicKey,
		Blockhash: bh.Blockhash,
		Instructions: []ledgerrpc.Instruction{
			{Kind: ledgerrpc.InstrTransferLamports, From: signer.PublicKey, To: dstRec.PublicKey, Amount: req.Amount},
		},
	}

	sig, err := s.gw.Ledger.Execute(ctx, txReq, [][]byte{signer.SecretBytes()})
	if err != nil {
		writeErr(w, statusFor(err), err)
		return
	}

	writeOK(w, http.StatusOK, fundPoolResponse{Signature: sig})
}
