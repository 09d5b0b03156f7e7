// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package httpapi

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/luxfi/stealthpay/gatewayerr"
)

type auditGetResponse struct {
	Owner   string        `json:"owner_address"`
	Entries []interface{} `json:"entries"`
}

// handleAuditGet returns the owner's metadata-only log (no ciphertext), the
// §6 GET /audit/{owner} contract.
func (s *Server) handleAuditGet(w http.ResponseWriter, r *http.Request) {
	owner := mux.Vars(r)["owner"]
	entries := s.gw.Audit.Metadata(owner)

	out := make([]interface{}, len(entries))
	for i, e := range entries {
		out[i] = e
	}
	writeOK(w, http.StatusOK, auditGetResponse{Owner: owner, Entries: out})
}

// auditDecryptRequest drives a two-step attestation: a call with no
// owner_signature issues a fresh challenge; a follow-up call signing that
// challenge's bytes returns the decrypted batch. One endpoint, two steps,
// grounded directly on audit.Logger's IssueChallenge/AttestedDecrypt pair.
type auditDecryptRequest struct {
	OwnerAddress      string `json:"owner_address"`
	OwnerSignatureB64 string `json:"owner_signature,omitempty"`
}

type auditChallengeResponse struct {
	Nonce    string    `json:"nonce"`
	IssuedAt time.Time `json:"issued_at"`
}

type auditDecryptResponse struct {
	Sessions []json.RawMessage `json:"sessions"`
}

func (s *Server) handleAuditDecrypt(w http.ResponseWriter, r *http.Request) {
	var req auditDecryptRequest
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, statusFor(err), err)
		return
	}
	if req.OwnerAddress == "" {
		err := gatewayerr.New(gatewayerr.InvalidRequest, "owner_address is required")
		writeErr(w, statusFor(err), err)
		return
	}

	if req.OwnerSignatureB64 == "" {
		challenge, err := s.gw.Audit.IssueChallenge(req.OwnerAddress)
		if err != nil {
			writeErr(w, http.StatusInternalServerError, err)
			return
		}
		writeOK(w, http.StatusOK, auditChallengeResponse{Nonce: challenge.Nonce, IssuedAt: challenge.IssuedAt})
		return
	}

	ownerSignature, err := base64.StdEncoding.DecodeString(req.OwnerSignatureB64)
	if err != nil {
		err = gatewayerr.New(gatewayerr.InvalidRequest, "owner_signature is not valid base64")
		writeErr(w, statusFor(err), err)
		return
	}

	sessions, err := s.gw.Audit.AttestedDecrypt(req.OwnerAddress, ownerSignature)
	if err != nil {
		writeErr(w, statusFor(err), err)
		return
	}
	writeOK(w, http.StatusOK, auditDecryptResponse{Sessions: sessions})
}
