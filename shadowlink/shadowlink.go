// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package shadowlink implements C7: the Shadow Link Engine, a one-time
// invoice lifecycle (waiting -> paid -> swept, or expired/cancelled).
// Registry shape mirrors pool.Registry (sibling component, same author,
// same idiom); alias uniqueness is enforced with a plain map guarded by the
// registry's own mutex, per Design Notes §9 bullet 4's sum-type-style
// dedup/in-flight guard.
package shadowlink

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/luxfi/stealthpay/gatewayerr"
	"github.com/luxfi/stealthpay/internal/store"
	"github.com/luxfi/stealthpay/ledgerrpc"
	"github.com/luxfi/stealthpay/vault"
)

// Status is a Shadow Link's lifecycle state.
type Status string

const (
	StatusWaiting   Status = "waiting"
	StatusPaid      Status = "paid"
	StatusSwept     Status = "swept"
	StatusExpired   Status = "expired"
	StatusCancelled Status = "cancelled"
)

// Record is the persisted Shadow Link.
type Record struct {
	SchemaVersion          int          `json:"schema_version"`
	LinkID                 string       `json:"link_id"`
	Alias                  string       `json:"alias"`
	StealthAddress         string       `json:"stealth_address"`
	Sealed                 vault.Sealed `json:"sealed_secret"`
	OwnerAddress           string       `json:"owner_address"`
	DestinationPoolAddress string       `json:"destination_pool_address"`
	Mint                   string       `json:"mint"`
	ExpectedAmount         uint64       `json:"expected_amount"`
	EncryptedMemo          *vault.Sealed `json:"encrypted_memo,omitempty"`
	ExpiresAt              time.Time    `json:"expires_at"`
	Status                 Status       `json:"status"`
	PaymentTx              string       `json:"payment_tx,omitempty"`
	SweepTx                string       `json:"sweep_tx,omitempty"`
	PaidFrom               string       `json:"paid_from,omitempty"`
	CreatedAt              time.Time    `json:"created_at"`
}

// retentionWindow bounds how long a swept/expired/cancelled alias stays
// reserved before it can be recycled for a new link, per §4.7.
const retentionWindow = 7 * 24 * time.Hour

// Engine is C7.
type Engine struct {
	doc    *store.Document[Record]
	ledger ledgerrpc.Client

	aliasMu sync.Mutex
	aliases map[string]string // alias -> link_id, non-terminal only
}

// Open constructs an Engine backed by the document at path.
func Open(path string, ledger ledgerrpc.Client) (*Engine, error) {
	doc, err := store.Open[Record](path)
	if err != nil {
		return nil, fmt.Errorf("shadowlink: open engine: %w", err)
	}
	e := &Engine{doc: doc, ledger: ledger, aliases: make(map[string]string)}
	doc.Range(func(_ string, rec Record) bool {
		if isNonTerminal(rec.Status) {
			e.aliases[rec.Alias] = rec.LinkID
		}
		return true
	})
	return e, nil
}

func isNonTerminal(s Status) bool { return s == StatusWaiting || s == StatusPaid }

// Close flushes the backing document.
func (e *Engine) Close() error { return e.doc.Close() }

// Create provisions a waiting invoice. Alias must be unique among
// non-terminal links (§3 Invariants, Property 4).
func (e *Engine) Create(alias, ownerAddress, stealthAddress, destinationPoolAddress, mint string, expectedAmount uint64, sealed vault.Sealed, memo *vault.Sealed, ttl time.Duration) (Record, error) {
	e.aliasMu.Lock()
	defer e.aliasMu.Unlock()

	if _, taken := e.aliases[alias]; taken {
		return Record{}, fmt.Errorf("shadowlink: alias %q is in use", alias)
	}
	retained := false
	e.doc.Range(func(_ string, rec Record) bool {
		if rec.Alias == alias && time.Since(rec.CreatedAt) < retentionWindow {
			retained = true
			return false
		}
		return true
	})
	if retained {
		return Record{}, fmt.Errorf("shadowlink: alias %q is within its retention window", alias)
	}

	rec := Record{
		SchemaVersion:          store.CurrentSchemaVersion,
		LinkID:                 uuid.NewString(),
		Alias:                  alias,
		StealthAddress:         stealthAddress,
		Sealed:                 sealed,
		OwnerAddress:           ownerAddress,
		DestinationPoolAddress: destinationPoolAddress,
		Mint:                   mint,
		ExpectedAmount:         expectedAmount,
		EncryptedMemo:          memo,
		ExpiresAt:              time.Now().Add(ttl),
		Status:                 StatusWaiting,
		CreatedAt:              time.Now().UTC(),
	}
	e.doc.Put(rec.LinkID, rec)
	e.aliases[alias] = rec.LinkID
	return rec, nil
}

// GetByAlias resolves alias to its link, applying expiry if due.
func (e *Engine) GetByAlias(alias string) (Record, error) {
	e.aliasMu.Lock()
	linkID, ok := e.aliases[alias]
	e.aliasMu.Unlock()
	if !ok {
		return Record{}, gatewayerr.New(gatewayerr.ShadowLinkExpired, "unknown or terminal alias")
	}
	return e.Get(linkID)
}

// Get resolves linkID, lazily transitioning waiting -> expired if overdue.
func (e *Engine) Get(linkID string) (Record, error) {
	rec, ok := e.doc.Get(linkID)
	if !ok {
		return Record{}, fmt.Errorf("shadowlink: unknown link %s", linkID)
	}
	if rec.Status == StatusWaiting && time.Now().After(rec.ExpiresAt) {
		rec.Status = StatusExpired
		e.doc.Put(linkID, rec)
		e.removeAlias(rec.Alias)
	}
	return rec, nil
}

func (e *Engine) removeAlias(alias string) {
	e.aliasMu.Lock()
	delete(e.aliases, alias)
	e.aliasMu.Unlock()
}

// PollPayment checks the stealth address's balance against expected_amount
// and transitions waiting -> paid if funded, per §4.7's balance-poll
// detection path.
func (e *Engine) PollPayment(ctx context.Context, linkID string) (Record, error) {
	rec, err := e.Get(linkID)
	if err != nil {
		return Record{}, err
	}
	if rec.Status != StatusWaiting {
		return rec, nil
	}

	balance, err := e.ledger.GetTokenBalance(ctx, rec.StealthAddress, rec.Mint)
	if err != nil {
		return Record{}, fmt.Errorf("shadowlink: poll balance: %w", err)
	}
	if balance < rec.ExpectedAmount {
		return rec, nil
	}

	rec.Status = StatusPaid
	e.doc.Put(linkID, rec)
	return rec, nil
}

// ConfirmPayment is the explicit-owner-confirmation path: the caller
// supplies a transaction signature instead of waiting on a balance poll.
func (e *Engine) ConfirmPayment(linkID, paymentTx string) (Record, error) {
	rec, err := e.Get(linkID)
	if err != nil {
		return Record{}, err
	}
	if rec.Status != StatusWaiting {
		return Record{}, statusError(rec.Status)
	}
	rec.Status = StatusPaid
	rec.PaymentTx = paymentTx
	e.doc.Put(linkID, rec)
	return rec, nil
}

// Sweep checks ownerSignature by decrypting the link's ephemeral key, then
// records sweepTx (the close+transfer to destination_pool_address, built and
// submitted by the caller) and moves the link to swept.
// Sweeping a non-paid link fails without mutating state (§8 round-trip law).
func (e *Engine) Sweep(linkID string, ownerSignature []byte, sweepTx string) (Record, error) {
	rec, err := e.Get(linkID)
	if err != nil {
		return Record{}, err
	}
	if rec.Status != StatusPaid {
		return Record{}, statusError(rec.Status)
	}

	secret, err := rec.Sealed.DecryptWith(rec.OwnerAddress, ownerSignature)
	if err != nil {
		return Record{}, gatewayerr.Wrap(gatewayerr.KeyVaultAuthFailed, err)
	}
	secret.Zero() // used only to authorize the sweep transaction build, never persisted

	rec.Status = StatusSwept
	rec.SweepTx = sweepTx
	rec.Sealed = vault.Sealed{} // purge the stealth secret per §3 Invariants
	e.doc.Put(linkID, rec)
	e.removeAlias(rec.Alias)
	return rec, nil
}

// Cancel transitions a waiting link to cancelled.
func (e *Engine) Cancel(linkID string) (Record, error) {
	rec, err := e.Get(linkID)
	if err != nil {
		return Record{}, err
	}
	if rec.Status != StatusWaiting {
		return Record{}, statusError(rec.Status)
	}
	rec.Status = StatusCancelled
	e.doc.Put(linkID, rec)
	e.removeAlias(rec.Alias)
	return rec, nil
}

// RecycleAlias reports whether alias is eligible to be reused for a new
// link — only once every link that ever held it is terminal and past the
// retention window.
func (e *Engine) RecycleAlias(alias string) bool {
	e.aliasMu.Lock()
	_, inUse := e.aliases[alias]
	e.aliasMu.Unlock()
	if inUse {
		return false
	}

	eligible := true
	e.doc.Range(func(_ string, rec Record) bool {
		if rec.Alias == alias && time.Since(rec.CreatedAt) < retentionWindow {
			eligible = false
			return false
		}
		return true
	})
	return eligible
}

func statusError(s Status) error {
	switch s {
	case StatusExpired:
		return gatewayerr.ErrShadowLinkExpired
	case StatusCancelled:
		return gatewayerr.ErrShadowLinkCancelled
	default:
		return gatewayerr.ErrShadowLinkUsed
	}
}
