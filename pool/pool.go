// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package pool implements C3: the Stealth Pool Registry. It persists pool
// metadata, resolves pool_id to a decrypted Signer on request, and enforces
// the ROOT/INTERMEDIATE/LEAF funding hierarchy. The cache+registry shape is
// grounded on luxfi-evm/warp/backend.go's backend struct (LRU caches plus a
// persisted-database handle, validated constructor); the Signer itself
// wraps vault.SecretKey's fixed-array shape.
package pool

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/luxfi/stealthpay/gatewayerr"
	"github.com/luxfi/stealthpay/internal/store"
	"github.com/luxfi/stealthpay/vault"
)

// Type is a pool's position in the funding hierarchy.
type Type string

const (
	Root         Type = "ROOT"
	Intermediate Type = "INTERMEDIATE"
	Leaf         Type = "LEAF"
)

// Status is a pool's lifecycle state.
type Status string

const (
	StatusCreated Status = "created"
	StatusFunded  Status = "funded"
	StatusActive  Status = "active"
	StatusLocked  Status = "locked"
)

// Record is the persisted, on-disk representation of a Stealth Pool. The
// secret key lives only as vault.Sealed ciphertext; nothing in this struct
// can produce plaintext without DecryptWith's owner material.
type Record struct {
	SchemaVersion    int          `json:"schema_version"`
	PoolID           string       `json:"pool_id"`
	OwnerAddress     string       `json:"owner_address"`
	PublicKey        string       `json:"public_key"`
	Sealed           vault.Sealed `json:"sealed_secret"`
	CreationSignature []byte      `json:"creation_signature"`
	PoolType         Type         `json:"pool_type"`
	FundedFrom       string       `json:"funded_from,omitempty"`
	CreatedAt        time.Time    `json:"created_at"`
	Status           Status       `json:"status"`
}

// Signer is a pool's decrypted signing authority, cached in memory only for
// the life of the process; it is cleared on restart and must be re-derived
// via Unlock.
type Signer struct {
	PoolID    string
	PublicKey string
	secret    *vault.SecretKey
}

// Zero destroys the in-memory secret. Callers must not retain a Signer past
// the end of the transaction it signs.
func (s *Signer) Zero() {
	if s.secret != nil {
		s.secret.Zero()
	}
}

// SecretBytes exposes the raw signing material for the duration of building
// one transaction. Callers must not persist the returned slice.
func (s *Signer) SecretBytes() []byte { return s.secret[:] }

// DeriveSolanaPublicKey returns a stand-in public key for a SecretKey:
// "pk-" followed by the hex of the secret's first 8 bytes. It does not
// compute a real curve public key. It is a function value so another
// derivation can be substituted without changing this package.
var DeriveSolanaPublicKey = func(secret *vault.SecretKey) string {
	return fmt.Sprintf("pk-%x", secret[:8])
}

// signerCacheCapacity bounds how many unlocked Signers a Registry holds at
// once; pools beyond the bound simply require a fresh Unlock, the same
// trade-off warp/backend.go's LRU caches make for infrequently-hit entries.
const signerCacheCapacity = 256

// Registry is the C3 Stealth Pool Registry: a persisted Document[Record]
// plus an in-memory signer cache and per-pool locks.
type Registry struct {
	doc *store.Document[Record]

	signerCache *store.LRU[string, *Signer]

	poolLocksMu sync.Mutex
	poolLocks   map[string]*sync.Mutex
}

// Open constructs a Registry backed by the document at path.
func Open(path string) (*Registry, error) {
	doc, err := store.Open[Record](path)
	if err != nil {
		return nil, fmt.Errorf("pool: open registry: %w", err)
	}
	return &Registry{
		doc:         doc,
		signerCache: store.NewLRU[string, *Signer](signerCacheCapacity),
		poolLocks:   make(map[string]*sync.Mutex),
	}, nil
}

// Close flushes the backing document.
func (r *Registry) Close() error { return r.doc.Close() }

// Create persists a new pool record. It enforces "at most one ROOT per
// owner" and, for non-ROOT pools, "funded_from must reference a pool owned
// by the same owner_address" plus the funding-edge type rule.
func (r *Registry) Create(ownerAddress string, poolType Type, fundedFrom string, publicKey string, sealed vault.Sealed, creationSignature []byte) (Record, error) {
	if poolType == Root {
		var hasRoot bool
		r.doc.Range(func(_ string, rec Record) bool {
			if rec.OwnerAddress == ownerAddress && rec.PoolType == Root {
				hasRoot = true
				return false
			}
			return true
		})
		if hasRoot {
			return Record{}, gatewayerr.New(gatewayerr.HierarchyViolation, "owner already has a ROOT pool")
		}
	} else {
		parent, ok := r.doc.Get(fundedFrom)
		if !ok {
			return Record{}, gatewayerr.New(gatewayerr.HierarchyViolation, "funded_from pool does not exist")
		}
		if parent.OwnerAddress != ownerAddress {
			return Record{}, gatewayerr.New(gatewayerr.HierarchyViolation, "funded_from pool owned by a different owner")
		}
		if err := ValidateFundingEdge(parent.PoolType, poolType); err != nil {
			return Record{}, err
		}
	}

	rec := Record{
		SchemaVersion:     store.CurrentSchemaVersion,
		PoolID:            uuid.NewString(),
		OwnerAddress:      ownerAddress,
		PublicKey:         publicKey,
		Sealed:            sealed,
		CreationSignature: creationSignature,
		PoolType:          poolType,
		FundedFrom:        fundedFrom,
		CreatedAt:         time.Now().UTC(),
		Status:            StatusCreated,
	}
	r.doc.Put(rec.PoolID, rec)
	return rec, nil
}

// Get returns the persisted record for poolID.
func (r *Registry) Get(poolID string) (Record, bool) { return r.doc.Get(poolID) }

// SetStatus transitions a pool's lifecycle status.
func (r *Registry) SetStatus(poolID string, status Status) error {
	rec, ok := r.doc.Get(poolID)
	if !ok {
		return fmt.Errorf("pool: unknown pool %s", poolID)
	}
	rec.Status = status
	r.doc.Put(poolID, rec)
	return nil
}

// ChildrenOf returns every pool whose funded_from is poolID.
func (r *Registry) ChildrenOf(poolID string) []Record {
	var children []Record
	r.doc.Range(func(_ string, rec Record) bool {
		if rec.FundedFrom == poolID {
			children = append(children, rec)
		}
		return true
	})
	return children
}

// RootOf returns the ROOT pool for owner, if one exists.
func (r *Registry) RootOf(owner string) (Record, bool) {
	var found Record
	var ok bool
	r.doc.Range(func(_ string, rec Record) bool {
		if rec.OwnerAddress == owner && rec.PoolType == Root {
			found, ok = rec, true
			return false
		}
		return true
	})
	return found, ok
}

// ValidateFundingEdge reports whether src may fund dst under the hierarchy
// rule: ROOT may fund only INTERMEDIATE, INTERMEDIATE may fund only LEAF,
// LEAF may not fund other pools.
func ValidateFundingEdge(src, dst Type) error {
	switch {
	case src == Root && dst == Intermediate:
		return nil
	case src == Intermediate && dst == Leaf:
		return nil
	default:
		return gatewayerr.New(gatewayerr.HierarchyViolation, fmt.Sprintf("%s cannot fund %s", src, dst))
	}
}

// Unlock decrypts poolID's signing key with the supplied owner signature,
// verifies the derived public key matches the persisted one (else
// MismatchedKey corruption), and caches the resulting Signer for the life
// of the process.
func (r *Registry) Unlock(poolID string, ownerSignature []byte) (*Signer, error) {
	rec, ok := r.doc.Get(poolID)
	if !ok {
		return nil, fmt.Errorf("pool: unknown pool %s", poolID)
	}

	secret, err := rec.Sealed.DecryptWith(rec.OwnerAddress, ownerSignature)
	if err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.KeyVaultAuthFailed, err)
	}

	if derived := DeriveSolanaPublicKey(secret); derived != rec.PublicKey {
		secret.Zero()
		return nil, gatewayerr.New(gatewayerr.MismatchedKey, fmt.Sprintf("pool %s: derived %s, persisted %s", poolID, derived, rec.PublicKey))
	}

	signer := &Signer{PoolID: poolID, PublicKey: rec.PublicKey, secret: secret}

	r.signerCache.Put(poolID, signer)

	if rec.Status == StatusLocked {
		rec.Status = StatusActive
		r.doc.Put(poolID, rec)
	}
	return signer, nil
}

// CachedSigner returns a previously unlocked Signer, or PoolLocked if the
// process has never unlocked it (or has restarted since).
func (r *Registry) CachedSigner(poolID string) (*Signer, error) {
	signer, ok := r.signerCache.Get(poolID)
	if !ok {
		return nil, gatewayerr.New(gatewayerr.PoolLocked, poolID)
	}
	return signer, nil
}

// Lock drops poolID's cached signer (e.g. on process shutdown) so a later
// Unlock is required before it can sign again.
func (r *Registry) Lock(poolID string) {
	r.signerCache.Evict(poolID)

	if rec, ok := r.doc.Get(poolID); ok {
		rec.Status = StatusLocked
		r.doc.Put(poolID, rec)
	}
}

// PoolLock returns the per-pool mutex serializing in-flight payments for
// poolID, per §5.2: only one payment may hold a pool's signer between
// preconditions and Phase 4 at a time.
func (r *Registry) PoolLock(poolID string) *sync.Mutex {
	r.poolLocksMu.Lock()
	defer r.poolLocksMu.Unlock()
	l, ok := r.poolLocks[poolID]
	if !ok {
		l = &sync.Mutex{}
		r.poolLocks[poolID] = l
	}
	return l
}
