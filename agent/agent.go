// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package agent implements C9: the Agent Registry & Policy. API keys are
// stored only as SHA-256 hashes (never reversible); policy enforcement
// precedes all liquidity reservation. Spend limits use a rolling 24h
// window, generalized from recovery.Registry's rate-limiter shape (§4.9).
package agent

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/mr-tron/base58"

	"github.com/luxfi/stealthpay/gatewayerr"
	"github.com/luxfi/stealthpay/internal/store"
)

// Status is an agent's current policy state.
type Status string

const (
	StatusActive Status = "active"
	StatusIdle   Status = "idle"
	StatusPaused Status = "paused"
)

// spendWindow is the rolling window over which DailyLimit applies.
const spendWindow = 24 * time.Hour

type spendEvent struct {
	amount uint64
	at     time.Time
}

// Record is the persisted Agent Policy. APIKeyHash is the only trace of the
// credential at rest; the raw key is returned exactly once, at creation.
type Record struct {
	SchemaVersion    int      `json:"schema_version"`
	AgentID          string   `json:"agent_id"`
	OwnerAddress     string   `json:"owner_address"`
	APIKeyHash       string   `json:"api_key_hash"`
	Status           Status   `json:"status"`
	MaxPerTx         uint64   `json:"max_per_tx"`
	DailyLimit       uint64   `json:"daily_limit"`
	AllowedResources []string `json:"allowed_resources"`
	TotalSpent       uint64   `json:"total_spent"`
	CreatedAt        time.Time `json:"created_at"`
}

// Registry is C9: API-key hashing and per-agent spend policy. It keeps no
// per-key cooldown between uses of an API key.
type Registry struct {
	doc *store.Document[Record]

	spendMu sync.Mutex
	spend   map[string][]spendEvent // agentID -> recent spend events
}

// Open constructs a Registry backed by the document at path.
func Open(path string) (*Registry, error) {
	doc, err := store.Open[Record](path)
	if err != nil {
		return nil, fmt.Errorf("agent: open registry: %w", err)
	}
	return &Registry{doc: doc, spend: make(map[string][]spendEvent)}, nil
}

// Close flushes the backing document.
func (r *Registry) Close() error { return r.doc.Close() }

// Create provisions a new agent and returns its one-time plaintext API key
// (sk_live_<base58>) alongside the persisted record.
func (r *Registry) Create(agentID, ownerAddress string, maxPerTx, dailyLimit uint64, allowedResources []string) (Record, string, error) {
	rawKey := make([]byte, 32)
	if _, err := rand.Read(rawKey); err != nil {
		return Record{}, "", fmt.Errorf("agent: generate api key: %w", err)
	}
	plaintext := "sk_live_" + base58.Encode(rawKey)

	rec := Record{
		SchemaVersion:    store.CurrentSchemaVersion,
		AgentID:          agentID,
		OwnerAddress:     ownerAddress,
		APIKeyHash:       hashKey(plaintext),
		Status:           StatusActive,
		MaxPerTx:         maxPerTx,
		DailyLimit:       dailyLimit,
		AllowedResources: allowedResources,
		CreatedAt:        time.Now().UTC(),
	}
	r.doc.Put(agentID, rec)
	return rec, plaintext, nil
}

// Regenerate invalidates the prior API key hash and issues a new one.
func (r *Registry) Regenerate(agentID string) (string, error) {
	rec, ok := r.doc.Get(agentID)
	if !ok {
		return "", fmt.Errorf("agent: unknown agent %s", agentID)
	}
	rawKey := make([]byte, 32)
	if _, err := rand.Read(rawKey); err != nil {
		return "", fmt.Errorf("agent: generate api key: %w", err)
	}
	plaintext := "sk_live_" + base58.Encode(rawKey)
	rec.APIKeyHash = hashKey(plaintext)
	r.doc.Put(agentID, rec)
	return plaintext, nil
}

func hashKey(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}

// Authenticate resolves a plaintext API key to its agent record.
func (r *Registry) Authenticate(apiKey string) (Record, bool) {
	hash := hashKey(apiKey)
	var found Record
	var ok bool
	r.doc.Range(func(_ string, rec Record) bool {
		if rec.APIKeyHash == hash {
			found, ok = rec, true
			return false
		}
		return true
	})
	return found, ok
}

// SetStatus transitions an agent's policy status (e.g. pausing it).
func (r *Registry) SetStatus(agentID string, status Status) error {
	rec, ok := r.doc.Get(agentID)
	if !ok {
		return fmt.Errorf("agent: unknown agent %s", agentID)
	}
	rec.Status = status
	r.doc.Put(agentID, rec)
	return nil
}

func (r *Registry) spend24h(agentID string) uint64 {
	cutoff := time.Now().Add(-spendWindow)
	events := r.spend[agentID]
	kept := events[:0]
	var sum uint64
	for _, e := range events {
		if e.at.After(cutoff) {
			kept = append(kept, e)
			sum += e.amount
		}
	}
	r.spend[agentID] = kept
	return sum
}

// Check enforces §4.9: a paused agent is refused before liquidity is
// touched; resource must be allowed; amount must fit both per-tx and
// rolling-24h limits.
func (r *Registry) Check(agentID, resource string, amount uint64) error {
	rec, ok := r.doc.Get(agentID)
	if !ok {
		return gatewayerr.New(gatewayerr.AgentPolicyDenied, "unknown agent")
	}
	if rec.Status == StatusPaused {
		return gatewayerr.New(gatewayerr.AgentPolicyDenied, "agent paused")
	}
	if !resourceAllowed(rec.AllowedResources, resource) {
		return gatewayerr.New(gatewayerr.AgentPolicyDenied, "resource not permitted")
	}
	if amount > rec.MaxPerTx {
		return gatewayerr.New(gatewayerr.AgentPolicyDenied, "exceeds max_per_tx")
	}

	r.spendMu.Lock()
	defer r.spendMu.Unlock()
	spent := r.spend24h(agentID)
	if spent+amount > rec.DailyLimit {
		return gatewayerr.New(gatewayerr.AgentPolicyDenied, "exceeds daily_limit")
	}
	return nil
}

// RecordSpend registers amount against agentID's rolling 24h window and
// cumulative total_spent, to be called only after a payment commits.
func (r *Registry) RecordSpend(agentID string, amount uint64) error {
	r.spendMu.Lock()
	r.spend[agentID] = append(r.spend[agentID], spendEvent{amount: amount, at: time.Now()})
	r.spendMu.Unlock()

	rec, ok := r.doc.Get(agentID)
	if !ok {
		return fmt.Errorf("agent: unknown agent %s", agentID)
	}
	rec.TotalSpent += amount
	r.doc.Put(agentID, rec)
	return nil
}

func resourceAllowed(allowed []string, resource string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		if a == resource {
			return true
		}
	}
	return false
}
