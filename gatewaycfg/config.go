// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package gatewaycfg loads GatewayConfig from flags, an optional YAML/JSON
// file, and SPV_-prefixed environment variables, grounded on
// luxfi-evm/cmd/simulator/config's BuildFlagSet+BuildViper+BuildConfig shape
// (github.com/spf13/pflag feeding github.com/spf13/viper, BuildConfig copying
// each viper key into a typed struct). Config parsing itself is real working code;
// only the *meaning* of each key to the orchestrator is out of scope here.
package gatewaycfg

import (
	"fmt"
	"strings"

	"github.com/spf13/cast"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// envPrefix namespaces every environment-variable override, e.g.
// SPV_LEDGER_ENDPOINT overrides ledger.endpoint.
const envPrefix = "SPV"

// ListenConfig controls the HTTP server httpapi.Routes() is served behind.
type ListenConfig struct {
	Addr string `mapstructure:"addr"`
}

// LedgerConfig is C2's transport target.
type LedgerConfig struct {
	Endpoint string `mapstructure:"endpoint"`
}

// FacilitatorConfig is C6's transport target.
type FacilitatorConfig struct {
	BaseURL string `mapstructure:"base_url"`
}

// StoreConfig names the on-disk paths for the five append-structured
// documents: the four registries of §6 plus the audit log.
type StoreConfig struct {
	PoolsPath       string `mapstructure:"pools_path"`
	RecoveryPath    string `mapstructure:"recovery_path"`
	ShadowLinksPath string `mapstructure:"shadow_links_path"`
	AgentsPath      string `mapstructure:"agents_path"`
	AuditPath       string `mapstructure:"audit_path"`
}

// TokenConfig names the single mint this gateway instance settles, per
// §1 Non-goals ("single stablecoin mint per gateway instance").
type TokenConfig struct {
	Mint     string `mapstructure:"mint"`
	Decimals uint8  `mapstructure:"decimals"`
}

// LogConfig controls log.InitLogger.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	JSON       bool   `mapstructure:"json"`
	FilePath   string `mapstructure:"file_path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// MetricsConfig names the namespace metric names are registered under.
type MetricsConfig struct {
	Namespace string `mapstructure:"namespace"`
}

// GatewayConfig is the fully resolved configuration gateway.New and
// cmd/gatewayd build the process from.
type GatewayConfig struct {
	Listen      ListenConfig      `mapstructure:"listen"`
	Ledger      LedgerConfig      `mapstructure:"ledger"`
	Facilitator FacilitatorConfig `mapstructure:"facilitator"`
	Store       StoreConfig       `mapstructure:"store"`
	Token       TokenConfig       `mapstructure:"token"`
	Log         LogConfig         `mapstructure:"log"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
}

// BuildFlagSet declares every flag GatewayConfig can be populated from,
// mirroring the teacher's cmd/simulator config.BuildFlagSet.
func BuildFlagSet() *pflag.FlagSet {
	fs := pflag.NewFlagSet("gatewayd", pflag.ContinueOnError)
	fs.String("config", "", "path to a YAML or JSON config file")
	fs.String("listen.addr", ":8443", "address httpapi listens on")
	fs.String("ledger.endpoint", "http://127.0.0.1:8899", "ledger RPC endpoint")
	fs.String("facilitator.base-url", "http://127.0.0.1:9090", "facilitator base URL")
	fs.String("store.pools-path", "./data/pools.json", "pool registry document path")
	fs.String("store.recovery-path", "./data/recovery.json", "recovery registry document path")
	fs.String("store.shadow-links-path", "./data/shadowlinks.json", "shadow link document path")
	fs.String("store.agents-path", "./data/agents.json", "agent registry document path")
	fs.String("store.audit-path", "./data/audit.json", "audit log document path")
	fs.String("token.mint", "", "the single stablecoin mint this gateway settles")
	fs.Uint8("token.decimals", 6, "decimals of token.mint")
	fs.String("log.level", "info", "log level (trace|debug|info|warn|error|crit)")
	fs.Bool("log.json", false, "emit JSON-formatted logs")
	fs.String("log.file-path", "", "rotate logs to this file instead of stderr")
	fs.Int("log.max-size-mb", 100, "max size in MB of a log file before rotation")
	fs.Int("log.max-backups", 5, "max number of rotated log files to retain")
	fs.Int("log.max-age-days", 30, "max age in days of a rotated log file")
	fs.String("metrics.namespace", "stealthpay", "metrics namespace prefix")
	return fs
}

// BuildViper parses args against fs, binds SPV_-prefixed environment
// variables, and layers in a config file when --config is set.
func BuildViper(fs *pflag.FlagSet, args []string) (*viper.Viper, error) {
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if err := v.BindPFlags(fs); err != nil {
		return nil, fmt.Errorf("gatewaycfg: bind flags: %w", err)
	}

	if configPath := v.GetString("config"); configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("gatewaycfg: read config file %s: %w", configPath, err)
		}
	}

	return v, nil
}

// BuildConfig fills a GatewayConfig field by field from v, reading each
// pflag-registered key (dotted, with dashes) through v.Get*; the
// mapstructure tags on the config structs are not consulted here.
func BuildConfig(v *viper.Viper) (GatewayConfig, error) {
	var cfg GatewayConfig
	cfg.Listen.Addr = v.GetString("listen.addr")
	cfg.Ledger.Endpoint = v.GetString("ledger.endpoint")
	cfg.Facilitator.BaseURL = v.GetString("facilitator.base-url")
	cfg.Store.PoolsPath = v.GetString("store.pools-path")
	cfg.Store.RecoveryPath = v.GetString("store.recovery-path")
	cfg.Store.ShadowLinksPath = v.GetString("store.shadow-links-path")
	cfg.Store.AgentsPath = v.GetString("store.agents-path")
	cfg.Store.AuditPath = v.GetString("store.audit-path")
	cfg.Token.Mint = v.GetString("token.mint")

	// viper has no GetUint8; cast.ToUint8E also tolerates a config file
	// handing back a string or float64 for this key (encoding/json decodes
	// all bare numbers as float64), which v.GetUint alone would not.
	decimals, err := cast.ToUint8E(v.Get("token.decimals"))
	if err != nil {
		return GatewayConfig{}, fmt.Errorf("gatewaycfg: token.decimals: %w", err)
	}
	cfg.Token.Decimals = decimals

	cfg.Log.Level = v.GetString("log.level")
	cfg.Log.JSON = v.GetBool("log.json")
	cfg.Log.FilePath = v.GetString("log.file-path")
	cfg.Log.MaxSizeMB = v.GetInt("log.max-size-mb")
	cfg.Log.MaxBackups = v.GetInt("log.max-backups")
	cfg.Log.MaxAgeDays = v.GetInt("log.max-age-days")
	cfg.Metrics.Namespace = v.GetString("metrics.namespace")

	if cfg.Token.Mint == "" {
		return GatewayConfig{}, fmt.Errorf("gatewaycfg: token.mint is required")
	}
	return cfg, nil
}
