// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/luxfi/stealthpay/gateway"
)

// Server holds the wired GatewayContext every handler translates HTTP
// requests against. It carries no state of its own beyond what routing
// needs.
type Server struct {
	gw *gateway.GatewayContext
}

// New constructs a Server over an already-wired GatewayContext.
func New(gw *gateway.GatewayContext) *Server {
	return &Server{gw: gw}
}

// Routes registers the nine endpoints of §6, plus GET /metrics, on a fresh
// gorilla/mux router.
func (s *Server) Routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/pool/create", s.handlePoolCreate).Methods(http.MethodPost)
	r.HandleFunc("/pool/pay", s.handlePoolPay).Methods(http.MethodPost)
	r.HandleFunc("/pool/fund-pool", s.handleFundPool).Methods(http.MethodPost)
	r.HandleFunc("/recovery/create", s.handleRecoveryCreate).Methods(http.MethodPost)
	r.HandleFunc("/recovery/sweep", s.handleRecoverySweep).Methods(http.MethodPost)
	r.HandleFunc("/shadow/create", s.handleShadowCreate).Methods(http.MethodPost)
	r.HandleFunc("/shadow/{id}/sweep", s.handleShadowSweep).Methods(http.MethodPost)
	r.HandleFunc("/audit/{owner}", s.handleAuditGet).Methods(http.MethodGet)
	r.HandleFunc("/audit/decrypt", s.handleAuditDecrypt).Methods(http.MethodPost)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	return r
}
