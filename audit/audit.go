// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package audit implements C8: the append-only, per-owner, authenticated-
// encrypted audit log. Each entry seals a caller-supplied payload (the
// orchestrator's PaymentSession, by convention) with the same AEAD primitive
// C1 uses (vault.SealBytes), keyed the same way. Only non-sensitive metadata
// is ever stored in clear; plaintext is returned only via AttestedDecrypt,
// which verifies a fresh owner signature over a nonce+timestamp challenge.
// Grounded on vault (shared AEAD) and internal/store (persistence).
package audit

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/luxfi/stealthpay/gatewayerr"
	"github.com/luxfi/stealthpay/internal/store"
	"github.com/luxfi/stealthpay/vault"
)

// maxEntriesPerOwner bounds the per-owner log to the default 50 most
// recent entries, per §4.8.
const maxEntriesPerOwner = 50

// challengeTTL bounds how long an issued attestation challenge remains
// acceptable.
const challengeTTL = 2 * time.Minute

// Entry is one sealed audit-log record. Metadata fields are plaintext by
// design (§4.8); Sealed is opaque ciphertext with no accessor but
// SignatureVerifier-gated decryption.
type Entry struct {
	SchemaVersion   int          `json:"schema_version"`
	EntryID         string       `json:"entry_id"`
	OwnerAddress    string       `json:"owner_address"`
	SessionID       string       `json:"session_id"`
	Status          string       `json:"status"`
	Method          string       `json:"method"`
	TransactionCount int         `json:"transaction_count"`
	CreatedAt       time.Time    `json:"created_at"`
	Sealed          vault.Sealed `json:"sealed_payload"`
}

// ownerLog is the on-disk, bounded list of Entry for one owner.
type ownerLog struct {
	SchemaVersion int     `json:"schema_version"`
	OwnerAddress  string  `json:"owner_address"`
	Entries       []Entry `json:"entries"`
}

// Challenge is an attestation challenge the caller must sign to retrieve
// plaintext via AttestedDecrypt.
type Challenge struct {
	Nonce     string    `json:"nonce"`
	IssuedAt  time.Time `json:"issued_at"`
}

// Bytes returns the exact bytes the owner must sign: nonce ‖ issued_at.
func (c Challenge) Bytes() []byte {
	return []byte(fmt.Sprintf("%s:%d", c.Nonce, c.IssuedAt.UnixMilli()))
}

// SignatureVerifier verifies that signature authenticates message as
// produced by ownerAddress's signing key. The ledger-specific signature
// scheme is an external collaborator (§1 Non-goals); this is the narrow
// interface the core depends on.
type SignatureVerifier func(ownerAddress string, message, signature []byte) bool

// Logger is C8.
type Logger struct {
	doc      *store.Document[ownerLog]
	verifier SignatureVerifier

	challengesMu sync.Mutex
	challenges   map[string]Challenge // owner -> outstanding challenge
}

// Open constructs a Logger backed by the document at path.
func Open(path string, verifier SignatureVerifier) (*Logger, error) {
	doc, err := store.Open[ownerLog](path)
	if err != nil {
		return nil, fmt.Errorf("audit: open log: %w", err)
	}
	return &Logger{doc: doc, verifier: verifier, challenges: make(map[string]Challenge)}, nil
}

// Close flushes the backing document.
func (l *Logger) Close() error { return l.doc.Close() }

// Seal AEAD-encrypts payload (JSON-marshaled) under owner material and
// appends it to owner's bounded log, evicting the oldest entry on overflow.
func (l *Logger) Seal(ownerAddress string, ownerSignature []byte, sessionID, status, method string, txCount int, payload interface{}) (Entry, error) {
	plaintext, err := json.Marshal(payload)
	if err != nil {
		return Entry{}, fmt.Errorf("audit: marshal payload: %w", err)
	}

	sealed, err := vault.SealBytes(ownerAddress, ownerSignature, plaintext)
	if err != nil {
		return Entry{}, fmt.Errorf("audit: seal payload: %w", err)
	}

	entry := Entry{
		SchemaVersion:    store.CurrentSchemaVersion,
		EntryID:          uuid.NewString(),
		OwnerAddress:     ownerAddress,
		SessionID:        sessionID,
		Status:           status,
		Method:           method,
		TransactionCount: txCount,
		CreatedAt:        time.Now().UTC(),
		Sealed:           sealed,
	}

	log, _ := l.doc.Get(ownerAddress)
	log.SchemaVersion = store.CurrentSchemaVersion
	log.OwnerAddress = ownerAddress
	log.Entries = append(log.Entries, entry)
	if len(log.Entries) > maxEntriesPerOwner {
		log.Entries = log.Entries[len(log.Entries)-maxEntriesPerOwner:]
	}
	l.doc.Put(ownerAddress, log)

	return entry, nil
}

// Metadata returns owner's log with only non-sensitive fields populated —
// the GET /audit/{owner} contract of §6.
func (l *Logger) Metadata(ownerAddress string) []Entry {
	log, ok := l.doc.Get(ownerAddress)
	if !ok {
		return nil
	}
	out := make([]Entry, len(log.Entries))
	for i, e := range log.Entries {
		e.Sealed = vault.Sealed{} // never leak ciphertext bytes via the metadata view
		out[i] = e
	}
	return out
}

// IssueChallenge produces a fresh nonce+timestamp challenge for owner to
// sign ahead of an AttestedDecrypt call.
func (l *Logger) IssueChallenge(ownerAddress string) (Challenge, error) {
	nonceBytes := make([]byte, 16)
	if _, err := rand.Read(nonceBytes); err != nil {
		return Challenge{}, fmt.Errorf("audit: generate nonce: %w", err)
	}
	c := Challenge{Nonce: base64.StdEncoding.EncodeToString(nonceBytes), IssuedAt: time.Now().UTC()}

	l.challengesMu.Lock()
	l.challenges[ownerAddress] = c
	l.challengesMu.Unlock()
	return c, nil
}

// AttestedDecrypt verifies signature over the most recently issued
// challenge for owner, then decrypts and returns every sealed payload in
// owner's log. Plaintext never leaves this call on a failed attestation.
func (l *Logger) AttestedDecrypt(ownerAddress string, ownerSignature []byte) ([]json.RawMessage, error) {
	l.challengesMu.Lock()
	challenge, ok := l.challenges[ownerAddress]
	if ok {
		delete(l.challenges, ownerAddress) // single use
	}
	l.challengesMu.Unlock()

	if !ok {
		return nil, gatewayerr.New(gatewayerr.AuditAttestationFailed, "no outstanding challenge")
	}
	if time.Since(challenge.IssuedAt) > challengeTTL {
		return nil, gatewayerr.New(gatewayerr.AuditAttestationFailed, "challenge expired")
	}
	if l.verifier == nil || !l.verifier(ownerAddress, challenge.Bytes(), ownerSignature) {
		return nil, gatewayerr.New(gatewayerr.AuditAttestationFailed, "signature did not verify")
	}

	log, ok := l.doc.Get(ownerAddress)
	if !ok {
		return nil, nil
	}

	out := make([]json.RawMessage, 0, len(log.Entries))
	for _, entry := range log.Entries {
		plaintext, err := entry.Sealed.OpenBytes(ownerAddress, ownerSignature)
		if err != nil {
			return nil, gatewayerr.Wrap(gatewayerr.AuditAttestationFailed, err)
		}
		out = append(out, json.RawMessage(plaintext))
	}
	return out, nil
}
