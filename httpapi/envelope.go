// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package httpapi implements the nine HTTP endpoints of §6 as thin
// gorilla/mux handlers: decode body, call the wired component, re-encode the
// result as the {success, error, timestamp} envelope. Most handlers are a
// straight translation; the fund-pool and shadow-sweep handlers also build
// and submit their ledger transactions, and audit/decrypt runs the
// challenge-then-decrypt exchange. Handler shape is grounded on the
// withObsrvr stellar-query-api pack's mux.Vars + http.HandlerFunc handler
// shape, adapted from its ad-hoc JSON responses to one shared envelope.
package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/luxfi/stealthpay/gatewayerr"
)

// envelope is every response's outer shape. success is always present; a
// handler's result is nested under "data", and error is set on failure.
type envelope struct {
	Success   bool        `json:"success"`
	Error     string      `json:"error,omitempty"`
	Timestamp int64       `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
}

func writeOK(w http.ResponseWriter, status int, data interface{}) {
	writeEnvelope(w, status, envelope{Success: true, Timestamp: nowMillis(), Data: data})
}

// writeErr maps err to a Kind via gatewayerr.KindOf when possible, per §7's
// "httpapi maps errors.As results straight into the error envelope's error
// field"; unrecognized errors fall back to their Error() string so no
// failure is silently swallowed.
func writeErr(w http.ResponseWriter, status int, err error) {
	kind, ok := gatewayerr.KindOf(err)
	msg := string(kind)
	if !ok {
		msg = err.Error()
	}
	writeEnvelope(w, status, envelope{Success: false, Error: msg, Timestamp: nowMillis()})
}

func writeEnvelope(w http.ResponseWriter, status int, e envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(e)
}

// statusFor maps a Kind to its HTTP status; everything not recognized here
// is a 500, since it means an internal collaborator failed in a way this
// gateway did not anticipate.
func statusFor(err error) int {
	kind, ok := gatewayerr.KindOf(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch kind {
	case gatewayerr.InvalidRequest:
		return http.StatusBadRequest
	case gatewayerr.KeyVaultAuthFailed, gatewayerr.AuditAttestationFailed, gatewayerr.MismatchedKey:
		return http.StatusUnauthorized
	case gatewayerr.PoolLocked, gatewayerr.AgentPolicyDenied:
		return http.StatusForbidden
	case gatewayerr.HierarchyViolation, gatewayerr.ShadowLinkExpired, gatewayerr.ShadowLinkUsed, gatewayerr.ShadowLinkCancelled:
		return http.StatusConflict
	case gatewayerr.InsufficientLiquidity, gatewayerr.RateLimited, gatewayerr.LedgerRateLimited:
		return http.StatusTooManyRequests
	case gatewayerr.FacilitatorUnavailable, gatewayerr.SessionStuck:
		return http.StatusServiceUnavailable
	default:
		return http.StatusUnprocessableEntity
	}
}

func decodeBody(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		return gatewayerr.Wrap(gatewayerr.InvalidRequest, err)
	}
	return nil
}

// nowMillis is the only place httpapi reaches for wall-clock time; every
// other component takes time.Now() directly, but the envelope's field is
// explicitly unix_ms per §6.
func nowMillis() int64 { return time.Now().UnixMilli() }
