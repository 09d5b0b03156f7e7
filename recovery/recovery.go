// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package recovery implements C4: the Recovery Pool Registry. It is the
// component's hardest contract — per-owner mutex-guarded liquidity
// reservation so concurrent payments never collectively commit more
// lamports than a pool holds minus MIN_LIQUIDITY. The per-owner lock map is
// grounded on luxfi-evm/plugin/evm/validators/manager.go's per-resource
// manager shape ("not thread safe, use with the VM locked"), generalized
// from one VM-wide lock into one lock per owner. Rate limiting uses
// golang.org/x/time/rate's token bucket, the idiomatic per-key limiter in
// this corpus's stack.
package recovery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/luxfi/stealthpay/gatewayerr"
	"github.com/luxfi/stealthpay/internal/store"
	"github.com/luxfi/stealthpay/ledgerrpc"
	"github.com/luxfi/stealthpay/vault"
)

// MinLiquidity is the lamport floor a Recovery Pool must retain; no
// reservation may push available liquidity below it (§3, Property boundary:
// a balance exactly equal to MIN_LIQUIDITY refuses any reservation).
const MinLiquidity = 10_000_000 // 0.01 SOL-equivalent, in lamports

// reservationTTL is how long a reservation survives without being released,
// per §4.4 and §5 Timeouts.
const reservationTTL = 60 * time.Second

// rateLimit is "at most 5 settlement-bearing operations per rolling 60s per
// owner", implemented as a token bucket refilling at 5 tokens per 60s with
// a burst of 5.
var rateLimit = rate.Every(60 * time.Second / 5)

// Record is the persisted, on-disk Recovery Pool.
type Record struct {
	SchemaVersion  int          `json:"schema_version"`
	OwnerAddress   string       `json:"owner_address"`
	PublicKey      string       `json:"public_key"`
	Sealed         vault.Sealed `json:"sealed_secret"`
	TotalRecycled  uint64       `json:"total_recycled"`
	Status         string       `json:"status"`
	CreatedAt      time.Time    `json:"created_at"`
}

type reservation struct {
	amount    uint64
	expiresAt time.Time
}

// Registry is C4: per-owner liquidity reservation plus rate limiting over a
// persisted Document[Record].
type Registry struct {
	doc    *store.Document[Record]
	ledger ledgerrpc.Client

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]map[string]reservation // owner -> txID -> reservation

	limitersMu sync.Mutex
	limiters   map[string]*rate.Limiter
}

// Open constructs a Registry backed by the document at path.
func Open(path string, ledger ledgerrpc.Client) (*Registry, error) {
	doc, err := store.Open[Record](path)
	if err != nil {
		return nil, fmt.Errorf("recovery: open registry: %w", err)
	}
	return &Registry{
		doc:      doc,
		ledger:   ledger,
		locks:    make(map[string]*sync.Mutex),
		pending:  make(map[string]map[string]reservation),
		limiters: make(map[string]*rate.Limiter),
	}, nil
}

// Close flushes the backing document.
func (r *Registry) Close() error { return r.doc.Close() }

// Create persists a new, unique-per-owner Recovery Pool.
func (r *Registry) Create(ownerAddress, publicKey string, sealed vault.Sealed) (Record, error) {
	if _, ok := r.Get(ownerAddress); ok {
		return Record{}, fmt.Errorf("recovery: owner %s already has a Recovery Pool", ownerAddress)
	}
	rec := Record{
		SchemaVersion: store.CurrentSchemaVersion,
		OwnerAddress:  ownerAddress,
		PublicKey:     publicKey,
		Sealed:        sealed,
		Status:        "active",
		CreatedAt:     time.Now().UTC(),
	}
	r.doc.Put(ownerAddress, rec)
	return rec, nil
}

// Get returns the Recovery Pool record for owner.
func (r *Registry) Get(owner string) (Record, bool) { return r.doc.Get(owner) }

func (r *Registry) ownerLock(owner string) *sync.Mutex {
	r.locksMu.Lock()
	defer r.locksMu.Unlock()
	l, ok := r.locks[owner]
	if !ok {
		l = &sync.Mutex{}
		r.locks[owner] = l
	}
	return l
}

func (r *Registry) limiter(owner string) *rate.Limiter {
	r.limitersMu.Lock()
	defer r.limitersMu.Unlock()
	l, ok := r.limiters[owner]
	if !ok {
		l = rate.NewLimiter(rateLimit, 5)
		r.limiters[owner] = l
	}
	return l
}

// RateCheck enforces "at most 5 settlement-bearing operations per rolling
// 60s per owner". It consumes a token on success.
func (r *Registry) RateCheck(owner string) bool {
	return r.limiter(owner).Allow()
}

func (r *Registry) expireLocked(owner string) uint64 {
	now := time.Now()
	var sum uint64
	m := r.pending[owner]
	for txID, res := range m {
		if now.After(res.expiresAt) {
			delete(m, txID)
			continue
		}
		sum += res.amount
	}
	return sum
}

// Reserve acquires the owner mutex, reads the on-chain balance, and if
// available = balance - Σ pending - MinLiquidity ≥ amount, records the
// reservation and returns true.
func (r *Registry) Reserve(ctx context.Context, owner string, amount uint64, txID string) (bool, error) {
	lock := r.ownerLock(owner)
	lock.Lock()
	defer lock.Unlock()

	rec, ok := r.Get(owner)
	if !ok {
		return false, fmt.Errorf("recovery: unknown owner %s", owner)
	}

	balance, err := r.ledger.GetBalance(ctx, rec.PublicKey)
	if err != nil {
		return false, fmt.Errorf("recovery: read balance: %w", err)
	}

	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()
	if r.pending[owner] == nil {
		r.pending[owner] = make(map[string]reservation)
	}
	pendingSum := r.expireLocked(owner)

	if balance < pendingSum+MinLiquidity {
		return false, nil
	}
	available := balance - pendingSum - MinLiquidity
	if available < amount {
		return false, nil
	}

	r.pending[owner][txID] = reservation{amount: amount, expiresAt: time.Now().Add(reservationTTL)}
	return true, nil
}

// ReserveOrErr is Reserve but returns InsufficientLiquidity as an error,
// convenient for orchestrator call sites that want a single err check.
func (r *Registry) ReserveOrErr(ctx context.Context, owner string, amount uint64, txID string) error {
	ok, err := r.Reserve(ctx, owner, amount, txID)
	if err != nil {
		return err
	}
	if !ok {
		return gatewayerr.New(gatewayerr.InsufficientLiquidity, fmt.Sprintf("owner=%s amount=%d", owner, amount))
	}
	return nil
}

// Release removes txID's reservation for owner. Idempotent.
func (r *Registry) Release(owner, txID string) {
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()
	if m, ok := r.pending[owner]; ok {
		delete(m, txID)
	}
}

// PendingTotal reports the current sum of unexpired reservations for owner,
// used by tests asserting Property 3 (reservation safety).
func (r *Registry) PendingTotal(owner string) uint64 {
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()
	if r.pending[owner] == nil {
		return 0
	}
	return r.expireLocked(owner)
}

// CreditRecovered increments total_recycled by lamports when the
// orchestrator closes an ephemeral account. It is a bookkeeping entry only:
// the recovered rent lands on-chain at the source pool, not at this
// Recovery Pool's address.
func (r *Registry) CreditRecovered(owner string, lamports uint64) error {
	rec, ok := r.Get(owner)
	if !ok {
		return fmt.Errorf("recovery: unknown owner %s", owner)
	}
	rec.TotalRecycled += lamports
	r.doc.Put(owner, rec)
	return nil
}
