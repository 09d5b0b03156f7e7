// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package facilitator implements C6: the optional gasless settlement
// adapter. It discovers the facilitator's current fee-payer via a single
// GET to /supported (caching the result with a 5-minute TTL, grounded on
// luxfi-evm/warp/backend.go's cache-in-front-of-external-source shape),
// normalizes the two JSON shapes the wire protocol allows into one
// FacilitatorInfo (Design Notes §9 bullet 7), and submits a partially-signed
// transaction to /settle per the x402-style settlement protocol of §6.
package facilitator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/VictoriaMetrics/fastcache"

	"github.com/luxfi/stealthpay/gatewayerr"
)

const (
	feePayerTTL = 5 * time.Minute
	callTimeout = 30 * time.Second
)

// FacilitatorInfo is the normalized view of /supported — the rest of the
// core never sees either raw wire shape.
type FacilitatorInfo struct {
	FeePayer string
	Network  string
}

// SettlementRequest is the payload for /settle.
type SettlementRequest struct {
	TransactionB64  string
	Scheme          string
	Network         string
	MaxAmountLamports uint64
	Resource        string
	PayTo           string
	MaxTimeoutSeconds int
	Asset           string
	FeePayer        string
}

// SettlementResult is the outcome of a /settle call.
type SettlementResult struct {
	Success   bool
	Signature string
	ErrorReason string
}

// Client is the contract orchestrator depends on.
type Client interface {
	Discover(ctx context.Context) (FacilitatorInfo, error)
	Settle(ctx context.Context, req SettlementRequest) (SettlementResult, error)
	// Healthy reports the most recent probe's outcome without making a new
	// network call, per Open Question #1: pinned to the most recent probe.
	Healthy() bool
}

type healthState struct {
	mu sync.RWMutex
	ok bool
	at time.Time
}

func (h *healthState) set(ok bool) {
	h.mu.Lock()
	h.ok, h.at = ok, time.Now()
	h.mu.Unlock()
}

func (h *healthState) get() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.ok
}

// feePayerCacheKey is the single entry cachedFeePayer ever stores: one
// HTTPClient talks to exactly one facilitator base URL, so there is only
// ever one fee-payer identity worth caching per instance.
var feePayerCacheKey = []byte("feepayer")

type feePayerEntry struct {
	Info      FacilitatorInfo `json:"info"`
	FetchedAt time.Time       `json:"fetched_at"`
}

// cachedFeePayer is a TTL cache in front of /supported, grounded on
// fastcache.Cache (the pack's zero-GC-pressure byte cache) the same way
// luxfi-evm/warp/backend.go fronts its external RPC reads with an LRU; a
// single small entry does not need fastcache's sharded-bucket scale, but it
// keeps this cache's shape consistent with the rest of the stack's caches
// instead of hand-rolling a mutex+struct pair.
type cachedFeePayer struct {
	cache *fastcache.Cache
}

func newCachedFeePayer() *cachedFeePayer {
	return &cachedFeePayer{cache: fastcache.New(32 * 1024)}
}

func (c *cachedFeePayer) fresh() (FacilitatorInfo, bool) {
	raw, ok := c.cache.HasGet(nil, feePayerCacheKey)
	if !ok {
		return FacilitatorInfo{}, false
	}
	var entry feePayerEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return FacilitatorInfo{}, false
	}
	if time.Since(entry.FetchedAt) > feePayerTTL {
		return FacilitatorInfo{}, false
	}
	return entry.Info, true
}

func (c *cachedFeePayer) store(info FacilitatorInfo) {
	raw, err := json.Marshal(feePayerEntry{Info: info, FetchedAt: time.Now()})
	if err != nil {
		return
	}
	c.cache.Set(feePayerCacheKey, raw)
}

// HTTPClient is the live Client implementation.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client

	health healthState
	cache  *cachedFeePayer
}

// New builds an HTTPClient against baseURL (e.g. "https://facilitator.example.com").
func New(baseURL string) *HTTPClient {
	return &HTTPClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: callTimeout},
		cache:      newCachedFeePayer(),
	}
}

func (c *HTTPClient) Healthy() bool { return c.health.get() }

// supportedWireA and supportedWireB are the two JSON shapes /supported may
// return, per §6 and §9 bullet 7.
type supportedWireA struct {
	Kinds []struct {
		Extra struct {
			FeePayer string `json:"feePayer"`
		} `json:"extra"`
		Network string `json:"network"`
	} `json:"kinds"`
}

type supportedWireB struct {
	Signers map[string]string `json:"signers"`
}

// Discover fetches /supported, normalizing into FacilitatorInfo and caching
// the result for feePayerTTL. While the most recent probe or settlement
// marked the facilitator unhealthy, the cache is bypassed so the next call
// re-probes /supported.
func (c *HTTPClient) Discover(ctx context.Context) (FacilitatorInfo, error) {
	if info, ok := c.cache.fresh(); ok && c.health.get() {
		return info, nil
	}

	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/supported", nil)
	if err != nil {
		return FacilitatorInfo{}, fmt.Errorf("facilitator: build request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.health.set(false)
		return FacilitatorInfo{}, gatewayerr.Wrap(gatewayerr.FacilitatorUnavailable, err)
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.health.set(false)
		return FacilitatorInfo{}, gatewayerr.New(gatewayerr.FacilitatorUnavailable, fmt.Sprintf("status %d", resp.StatusCode))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		c.health.set(false)
		return FacilitatorInfo{}, gatewayerr.Wrap(gatewayerr.FacilitatorUnavailable, err)
	}

	info, err := parseSupported(body)
	if err != nil {
		c.health.set(false)
		return FacilitatorInfo{}, gatewayerr.Wrap(gatewayerr.FacilitatorUnavailable, err)
	}

	c.health.set(true)
	c.cache.store(info)
	return info, nil
}

func parseSupported(body []byte) (FacilitatorInfo, error) {
	var a supportedWireA
	if err := json.Unmarshal(body, &a); err == nil {
		for _, kind := range a.Kinds {
			if kind.Extra.FeePayer != "" {
				return FacilitatorInfo{FeePayer: kind.Extra.FeePayer, Network: kind.Network}, nil
			}
		}
	}

	var b supportedWireB
	if err := json.Unmarshal(body, &b); err == nil {
		for chain, signer := range b.Signers {
			if signer != "" {
				return FacilitatorInfo{FeePayer: signer, Network: chain}, nil
			}
		}
	}

	return FacilitatorInfo{}, fmt.Errorf("facilitator: /supported response matched neither known shape")
}

type settleWireRequest struct {
	PaymentPayload struct {
		X402Version int    `json:"x402Version"`
		Scheme      string `json:"scheme"`
		Network     string `json:"network"`
		Payload     struct {
			Transaction string `json:"transaction"`
		} `json:"payload"`
	} `json:"paymentPayload"`
	PaymentRequirements struct {
		Scheme            string `json:"scheme"`
		Network           string `json:"network"`
		MaxAmountRequired string `json:"maxAmountRequired"`
		Resource          string `json:"resource"`
		PayTo             string `json:"payTo"`
		MaxTimeoutSeconds int    `json:"maxTimeoutSeconds"`
		Asset             string `json:"asset"`
		Extra             struct {
			FeePayer string `json:"feePayer"`
		} `json:"extra"`
	} `json:"paymentRequirements"`
}

type settleWireResponse struct {
	Success     bool   `json:"success"`
	Transaction string `json:"transaction"`
	ErrorReason string `json:"errorReason"`
}

// Settle submits req's partially-signed transaction to /settle.
func (c *HTTPClient) Settle(ctx context.Context, req SettlementRequest) (SettlementResult, error) {
	wire := settleWireRequest{}
	wire.PaymentPayload.X402Version = 1
	wire.PaymentPayload.Scheme = req.Scheme
	wire.PaymentPayload.Network = req.Network
	wire.PaymentPayload.Payload.Transaction = req.TransactionB64
	wire.PaymentRequirements.Scheme = req.Scheme
	wire.PaymentRequirements.Network = req.Network
	wire.PaymentRequirements.MaxAmountRequired = fmt.Sprintf("%d", req.MaxAmountLamports)
	wire.PaymentRequirements.Resource = req.Resource
	wire.PaymentRequirements.PayTo = req.PayTo
	wire.PaymentRequirements.MaxTimeoutSeconds = req.MaxTimeoutSeconds
	wire.PaymentRequirements.Asset = req.Asset
	wire.PaymentRequirements.Extra.FeePayer = req.FeePayer

	body, err := json.Marshal(wire)
	if err != nil {
		return SettlementResult{}, fmt.Errorf("facilitator: marshal settle request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/settle", bytes.NewReader(body))
	if err != nil {
		return SettlementResult{}, fmt.Errorf("facilitator: build settle request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.health.set(false)
		return SettlementResult{}, gatewayerr.Wrap(gatewayerr.FacilitatorUnavailable, err)
	}
	defer drainAndClose(resp.Body)

	var wireResp settleWireResponse
	if err := json.NewDecoder(resp.Body).Decode(&wireResp); err != nil {
		return SettlementResult{}, gatewayerr.Wrap(gatewayerr.FacilitatorUnavailable, err)
	}

	if !wireResp.Success {
		return SettlementResult{Success: false, ErrorReason: wireResp.ErrorReason},
			gatewayerr.New(gatewayerr.FacilitatorRejected, wireResp.ErrorReason)
	}

	return SettlementResult{Success: true, Signature: wireResp.Transaction}, nil
}

func drainAndClose(body io.ReadCloser) {
	if body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, body)
	_ = body.Close()
}
