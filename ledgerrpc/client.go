// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package ledgerrpc implements C2: the ledger client that builds, submits,
// and confirms transactions (signing is not performed here), and reads balances and parsed
// transactions with bounded retry. The transport shape (JSON-RPC 2.0 over
// HTTP via gorilla/rpc/v2/json2) is grounded on
// luxfi-evm/utils/rpc/json.go's SendJSONRequest and the EndpointRequester
// contract of luxfi-evm/interfaces/rpc.go.
package ledgerrpc

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	rpc "github.com/gorilla/rpc/v2/json2"

	"github.com/luxfi/stealthpay/gatewayerr"
	gwlog "github.com/luxfi/stealthpay/log"
)

// Blockhash is a recent blockhash together with the block height beyond
// which it is no longer valid for a transaction to land.
type Blockhash struct {
	Blockhash            string `json:"blockhash"`
	LastValidBlockHeight uint64 `json:"lastValidBlockHeight"`
}

// ParsedInstruction is one instruction of a confirmed transaction, decoded
// into a normalized, program-agnostic shape.
type ParsedInstruction struct {
	Program string                 `json:"program"`
	Type    string                 `json:"type"`
	Info    map[string]interface{} `json:"info"`
}

// ParsedTransaction is the normalized view of a confirmed transaction the
// orchestrator reasons about.
type ParsedTransaction struct {
	Signature     string              `json:"signature"`
	Slot          uint64              `json:"slot"`
	FeeLamports   uint64              `json:"feeLamports"`
	Instructions  []ParsedInstruction `json:"instructions"`
	ConfirmedAt   time.Time           `json:"confirmedAt"`
	Err           string              `json:"err,omitempty"`
}

// Client is the contract the orchestrator, recovery, shadowlink, and httpapi
// packages depend on. A fake implementation backs unit and scenario tests.
type Client interface {
	LatestBlockhash(ctx context.Context) (Blockhash, error)
	GetBalance(ctx context.Context, addr string) (uint64, error)
	GetTokenBalance(ctx context.Context, owner, mint string) (uint64, error)
	SubmitSigned(ctx context.Context, rawTxBase64 string) (signature string, err error)
	Confirm(ctx context.Context, signature string, deadline Blockhash) (ParsedTransaction, error)
	GetParsedTransaction(ctx context.Context, signature string) (ParsedTransaction, error)

	// Execute builds and submits one phase's transaction in a single
	// round trip — see tx.go.
	Execute(ctx context.Context, req TxRequest, signerSecrets [][]byte) (signature string, err error)
	// RentExemptMinimum queries the lamport threshold an account of
	// dataLen bytes must hold to be exempt from rent, per §4.5's gas
	// budget formula ("all values are queried from the ledger ... no
	// hard-coded constants").
	RentExemptMinimum(ctx context.Context, dataLen uint64) (uint64, error)
	// BaseTransactionFee queries the ledger's current base fee per
	// transaction signature.
	BaseTransactionFee(ctx context.Context) (uint64, error)
}

const (
	retryAttempts = 3
	retryInitial  = 1 * time.Second

	confirmPollInterval = 500 * time.Millisecond
)

// HTTPClient is the JSON-RPC 2.0 backed Client implementation.
type HTTPClient struct {
	endpoint   string
	httpClient *http.Client
	log        gwlog.Logger
}

// New builds an HTTPClient against endpoint (the ledger RPC URL).
func New(endpoint string, logger gwlog.Logger) *HTTPClient {
	return &HTTPClient{
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		log:        logger.With("component", "ledgerrpc"),
	}
}

func (c *HTTPClient) call(ctx context.Context, method string, params, reply interface{}) error {
	body, err := rpc.EncodeClientRequest(method, params)
	if err != nil {
		return fmt.Errorf("ledgerrpc: encode %s: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("ledgerrpc: build request %s: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("ledgerrpc: issue request %s: %w", method, err)
	}
	defer cleanlyCloseBody(resp.Body)

	if resp.StatusCode == http.StatusTooManyRequests {
		return gatewayerr.New(gatewayerr.LedgerRateLimited, method)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("ledgerrpc: %s: status %d", method, resp.StatusCode)
	}

	if err := rpc.DecodeClientResponse(resp.Body, reply); err != nil {
		return fmt.Errorf("ledgerrpc: decode %s response: %w", method, err)
	}
	return nil
}

// retryRead implements "3 attempts, initial delay ~1s, doubling" for read
// operations, per §4.2. Write operations never call this.
func (c *HTTPClient) retryRead(ctx context.Context, method string, params, reply interface{}) error {
	delay := retryInitial
	var lastErr error
	for attempt := 1; attempt <= retryAttempts; attempt++ {
		err := c.call(ctx, method, params, reply)
		if err == nil {
			return nil
		}
		lastErr = err

		kind, _ := gatewayerr.KindOf(err)
		if kind != gatewayerr.LedgerRateLimited && !isTransientNetworkError(err) {
			return err
		}

		c.log.Warn("ledgerrpc: retrying read", "method", method, "attempt", attempt, "err", err)
		if attempt == retryAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return fmt.Errorf("ledgerrpc: %s exhausted retries: %w", method, lastErr)
}

func (c *HTTPClient) LatestBlockhash(ctx context.Context) (Blockhash, error) {
	var bh Blockhash
	err := c.retryRead(ctx, "getLatestBlockhash", nil, &bh)
	return bh, err
}

func (c *HTTPClient) GetBalance(ctx context.Context, addr string) (uint64, error) {
	var balance uint64
	err := c.retryRead(ctx, "getBalance", map[string]string{"address": addr}, &balance)
	return balance, err
}

func (c *HTTPClient) GetTokenBalance(ctx context.Context, owner, mint string) (uint64, error) {
	var balance uint64
	err := c.retryRead(ctx, "getTokenBalance", map[string]string{"owner": owner, "mint": mint}, &balance)
	return balance, err
}

// SubmitSigned submits a fully- or partially-signed transaction exactly
// once; the orchestrator, not this client, decides whether to retry.
func (c *HTTPClient) SubmitSigned(ctx context.Context, rawTxBase64 string) (string, error) {
	var sig string
	if err := c.call(ctx, "sendTransaction", map[string]string{"transaction": rawTxBase64}, &sig); err != nil {
		return "", gatewayerr.Wrap(gatewayerr.LedgerRejected, err)
	}
	return sig, nil
}

// Confirm polls GetParsedTransaction until it lands or deadline's
// LastValidBlockHeight is exceeded, whichever first, per §4.2.
func (c *HTTPClient) Confirm(ctx context.Context, signature string, deadline Blockhash) (ParsedTransaction, error) {
	for {
		tx, err := c.GetParsedTransaction(ctx, signature)
		if err == nil && tx.Signature != "" {
			return tx, nil
		}

		var height uint64
		if herr := c.retryRead(ctx, "getBlockHeight", nil, &height); herr == nil && height > deadline.LastValidBlockHeight {
			return ParsedTransaction{}, gatewayerr.New(gatewayerr.LedgerBlockhashExpired, signature)
		}

		select {
		case <-ctx.Done():
			return ParsedTransaction{}, ctx.Err()
		case <-time.After(confirmPollInterval):
		}
	}
}

func (c *HTTPClient) RentExemptMinimum(ctx context.Context, dataLen uint64) (uint64, error) {
	var lamports uint64
	err := c.retryRead(ctx, "getMinimumBalanceForRentExemption", map[string]uint64{"dataLen": dataLen}, &lamports)
	return lamports, err
}

func (c *HTTPClient) BaseTransactionFee(ctx context.Context) (uint64, error) {
	var fee uint64
	err := c.retryRead(ctx, "getFeeForMessage", nil, &fee)
	return fee, err
}

func (c *HTTPClient) GetParsedTransaction(ctx context.Context, signature string) (ParsedTransaction, error) {
	var tx ParsedTransaction
	err := c.retryRead(ctx, "getParsedTransaction", map[string]string{"signature": signature}, &tx)
	return tx, err
}

func cleanlyCloseBody(body io.ReadCloser) error {
	if body == nil {
		return nil
	}
	_, _ = io.Copy(io.Discard, body)
	return body.Close()
}

func isTransientNetworkError(err error) bool {
	if err == nil {
		return false
	}
	type timeout interface{ Timeout() bool }
	if t, ok := err.(timeout); ok && t.Timeout() {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "connection reset") || strings.Contains(msg, "EOF") || strings.Contains(msg, "broken pipe")
}
