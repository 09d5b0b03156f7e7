// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// gatewayd is the StealthPay payment orchestrator's HTTP entrypoint: it
// loads GatewayConfig, wires a gateway.GatewayContext, starts the rollback
// worker, and serves httpapi's nine endpoints until signaled to stop.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/luxfi/stealthpay/gateway"
	"github.com/luxfi/stealthpay/gatewaycfg"
	"github.com/luxfi/stealthpay/httpapi"
	gwlog "github.com/luxfi/stealthpay/log"
)

const (
	clientIdentifier    = "gatewayd"
	rollbackSweepPeriod = 30 * time.Second
	shutdownGrace       = 10 * time.Second
)

var app = &cli.App{
	Name:    clientIdentifier,
	Usage:   "StealthPay payment orchestrator gateway",
	Version: "1.0.0",
	// Flag parsing is delegated to gatewaycfg's pflag+viper pipeline
	// (config can come from flags, a file, or SPV_-prefixed env vars); the
	// cli.App here only supplies the process scaffold urfave/cli's other
	// users expect (--help, --version, a named Action).
	SkipFlagParsing: true,
}

func init() {
	app.Action = runGateway
}

func main() {
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runGateway(cliCtx *cli.Context) error {
	fs := gatewaycfg.BuildFlagSet()
	v, err := gatewaycfg.BuildViper(fs, os.Args[1:])
	if err != nil {
		return fmt.Errorf("gatewayd: parse config: %w", err)
	}
	cfg, err := gatewaycfg.BuildConfig(v)
	if err != nil {
		return fmt.Errorf("gatewayd: build config: %w", err)
	}

	gw, err := gateway.New(gateway.Config{
		LedgerEndpoint:     cfg.Ledger.Endpoint,
		FacilitatorBaseURL: cfg.Facilitator.BaseURL,
		PoolsDocPath:       cfg.Store.PoolsPath,
		RecoveryDocPath:    cfg.Store.RecoveryPath,
		ShadowLinksDocPath: cfg.Store.ShadowLinksPath,
		AgentsDocPath:      cfg.Store.AgentsPath,
		AuditDocPath:       cfg.Store.AuditPath,
		Mint:               cfg.Token.Mint,
		TokenDecimals:      cfg.Token.Decimals,
		MetricsNamespace:   cfg.Metrics.Namespace,
		Log: gatewayLogConfig(cfg),
	})
	if err != nil {
		return fmt.Errorf("gatewayd: wire gateway: %w", err)
	}
	defer func() {
		if err := gw.Close(); err != nil {
			gw.Log.Error("shutdown: close gateway context", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go gw.Orchestrator.RunRollbackWorker(ctx, rollbackSweepPeriod)

	server := &http.Server{
		Addr:    cfg.Listen.Addr,
		Handler: httpapi.New(gw).Routes(),
	}

	serveErr := make(chan error, 1)
	go func() {
		gw.Log.Info("listening", "addr", cfg.Listen.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	select {
	case <-ctx.Done():
		gw.Log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-serveErr:
		return err
	}
}

func gatewayLogConfig(cfg gatewaycfg.GatewayConfig) gwlog.Config {
	return gwlog.Config{
		Component:  clientIdentifier,
		Level:      cfg.Log.Level,
		JSON:       cfg.Log.JSON,
		FilePath:   cfg.Log.FilePath,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	}
}
