// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package gateway assembles every StealthPay component into one explicit
// composition root. Nothing here is a package-level global: GatewayContext
// is constructed once by cmd/gatewayd and its fields are handed by pointer
// to httpapi's handlers, the way luxfi-evm/warp/backend.go's backend struct
// is built once in cmd/evm-node and threaded through the VM instead of
// reached for as ambient state.
package gateway

import (
	"fmt"

	"github.com/luxfi/stealthpay/agent"
	"github.com/luxfi/stealthpay/audit"
	"github.com/luxfi/stealthpay/facilitator"
	gwlog "github.com/luxfi/stealthpay/log"
	"github.com/luxfi/stealthpay/ledgerrpc"
	"github.com/luxfi/stealthpay/metrics"
	"github.com/luxfi/stealthpay/orchestrator"
	"github.com/luxfi/stealthpay/pool"
	"github.com/luxfi/stealthpay/recovery"
	"github.com/luxfi/stealthpay/shadowlink"
)

// Config is the set of knobs GatewayContext needs at construction time,
// already resolved by gatewaycfg from flags/env/file.
type Config struct {
	LedgerEndpoint     string
	FacilitatorBaseURL string

	PoolsDocPath        string
	RecoveryDocPath     string
	ShadowLinksDocPath  string
	AgentsDocPath       string
	AuditDocPath        string

	Mint          string
	TokenDecimals uint8

	MetricsNamespace string
	Log              gwlog.Config
}

// GatewayContext holds every component's constructed instance. It is the
// single object cmd/gatewayd builds and httpapi is handed; no component
// reaches for a singleton of its own.
type GatewayContext struct {
	Log     gwlog.Logger
	Metrics *metrics.Registry

	Ledger      ledgerrpc.Client
	Facilitator facilitator.Client

	Pools      *pool.Registry
	Recoveries *recovery.Registry
	Agents     *agent.Registry
	Audit      *audit.Logger
	Shadow     *shadowlink.Engine

	Orchestrator *orchestrator.Orchestrator

	Mint          string
	TokenDecimals uint8
}

// New wires every component described by cfg into a GatewayContext. Callers
// own the returned context's lifetime and must call Close on shutdown.
func New(cfg Config) (*GatewayContext, error) {
	logger, err := gwlog.InitLogger(cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("gateway: init logger: %w", err)
	}

	reg := metrics.New(cfg.MetricsNamespace)

	ledger := ledgerrpc.New(cfg.LedgerEndpoint, logger)
	facilitatorClient := facilitator.New(cfg.FacilitatorBaseURL)

	pools, err := pool.Open(cfg.PoolsDocPath)
	if err != nil {
		return nil, fmt.Errorf("gateway: open pool registry: %w", err)
	}

	recoveries, err := recovery.Open(cfg.RecoveryDocPath, ledger)
	if err != nil {
		return nil, fmt.Errorf("gateway: open recovery registry: %w", err)
	}

	agents, err := agent.Open(cfg.AgentsDocPath)
	if err != nil {
		return nil, fmt.Errorf("gateway: open agent registry: %w", err)
	}

	auditLogger, err := audit.Open(cfg.AuditDocPath, agentOwnerVerifier(pools))
	if err != nil {
		return nil, fmt.Errorf("gateway: open audit logger: %w", err)
	}

	shadow, err := shadowlink.Open(cfg.ShadowLinksDocPath, ledger)
	if err != nil {
		return nil, fmt.Errorf("gateway: open shadow link engine: %w", err)
	}

	orch := orchestrator.New(pools, recoveries, agents, ledger, facilitatorClient, auditLogger, reg, logger, cfg.Mint, cfg.TokenDecimals)

	return &GatewayContext{
		Log:          logger,
		Metrics:      reg,
		Ledger:       ledger,
		Facilitator:  facilitatorClient,
		Pools:        pools,
		Recoveries:   recoveries,
		Agents:       agents,
		Audit:        auditLogger,
		Shadow:       shadow,
		Orchestrator: orch,
		Mint:          cfg.Mint,
		TokenDecimals: cfg.TokenDecimals,
	}, nil
}

// agentOwnerVerifier is audit.Logger's SignatureVerifier: the Key Vault (C1)
// does not expose a free-standing "verify this signature against this
// owner's public key" primitive, so this narrows to the same check pool.Unlock
// performs — an owner signature is valid if it decrypts that owner's ROOT
// pool secret and the derived key matches.
func agentOwnerVerifier(pools *pool.Registry) audit.SignatureVerifier {
	return func(ownerAddress string, _, signature []byte) bool {
		root, ok := pools.RootOf(ownerAddress)
		if !ok {
			return false
		}
		secret, err := root.Sealed.DecryptWith(ownerAddress, signature)
		if err != nil {
			return false
		}
		defer secret.Zero()
		return pool.DeriveSolanaPublicKey(secret) == root.PublicKey
	}
}

// Close flushes and releases every on-disk document this context opened.
func (gc *GatewayContext) Close() error {
	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	record(gc.Pools.Close())
	record(gc.Recoveries.Close())
	record(gc.Agents.Close())
	record(gc.Audit.Close())
	record(gc.Shadow.Close())
	return firstErr
}
