// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package vault implements C1: authenticated symmetric encryption of
// ephemeral signing secrets at rest, keyed by (owner_address,
// owner_signature, salt). Grounded on the AES-256-GCM shape of
// okoro0704-del-Sovra/global-hub/api/access_control/metadata_access.go
// (encryptMetadata/decryptMetadata), generalized from a fixed process key to
// a per-record key derived via HKDF, and on localsigner.SecretKey's
// fixed-array secret shape, widened to 64 bytes and given an explicit Zero().
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// kdfInfo is the HKDF "info" parameter binding derived keys to this vault's
// version, so a future v2 KDF can never collide with v1 ciphertext.
const kdfInfo = "stealthpay/v1/keyvault"

const saltSize = 16

// SecretKeySize is the width of an ephemeral signing secret (e.g. a 64-byte
// ed25519 expanded secret key).
const SecretKeySize = 64

// SecretKey is a fixed-size signing secret held only in memory, zeroized
// explicitly by every call site that decrypts one.
type SecretKey [SecretKeySize]byte

// Zero overwrites the secret with zero bytes. Callers must defer this
// immediately after obtaining a SecretKey from DecryptWith.
func (k *SecretKey) Zero() {
	for i := range k {
		k[i] = 0
	}
}

// Sealed is the at-rest representation of an encrypted SecretKey: the
// base64 `IV ‖ ciphertext ‖ auth_tag` blob plus the salt used to derive the
// per-record key. Its only decrypting accessors are DecryptWith and
// OpenBytes, both gated on the owner material, matching Design Notes §9's
// "public part and opaque ciphertext part" split.
type Sealed struct {
	Ciphertext string `json:"ciphertext"`
	Salt       string `json:"salt"`
}

// ErrAuthFailed is returned when decryption fails to authenticate — either
// the wrong owner signature was supplied or the ciphertext was tampered
// with. The operation must not proceed in either case.
var ErrAuthFailed = fmt.Errorf("vault: authentication failed")

// Seal encrypts secret under key material derived from
// (ownerAddress, ownerSignature, a freshly generated salt).
func Seal(ownerAddress string, ownerSignature []byte, secret *SecretKey) (Sealed, error) {
	return SealBytes(ownerAddress, ownerSignature, secret[:])
}

// DecryptWith authenticates and decrypts s using the given owner material.
// Any failure — malformed ciphertext, wrong signature, tampering — returns
// ErrAuthFailed and no partial plaintext.
func (s Sealed) DecryptWith(ownerAddress string, ownerSignature []byte) (*SecretKey, error) {
	plaintext, err := s.OpenBytes(ownerAddress, ownerSignature)
	if err != nil {
		return nil, err
	}
	defer zeroBytes(plaintext)

	if len(plaintext) != SecretKeySize {
		return nil, fmt.Errorf("%w: unexpected secret length %d", ErrAuthFailed, len(plaintext))
	}

	var sk SecretKey
	copy(sk[:], plaintext)
	return &sk, nil
}

// SealBytes encrypts arbitrary plaintext under key material derived from
// (ownerAddress, ownerSignature, a freshly generated salt). This is the same
// AEAD primitive Seal uses for fixed-size signing secrets, generalized for
// C8's audit log entries (§4.8: "same AEAD primitive as C1, keyed from owner
// material").
func SealBytes(ownerAddress string, ownerSignature, plaintext []byte) (Sealed, error) {
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return Sealed{}, fmt.Errorf("vault: generate salt: %w", err)
	}

	key, err := deriveKey(ownerAddress, ownerSignature, salt)
	if err != nil {
		return Sealed{}, err
	}
	defer zeroBytes(key)

	gcm, err := newGCM(key)
	if err != nil {
		return Sealed{}, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return Sealed{}, fmt.Errorf("vault: generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, plaintext, nil)

	return Sealed{
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
		Salt:       base64.StdEncoding.EncodeToString(salt),
	}, nil
}

// OpenBytes authenticates and decrypts s's arbitrary-length plaintext using
// the given owner material.
func (s Sealed) OpenBytes(ownerAddress string, ownerSignature []byte) ([]byte, error) {
	salt, err := base64.StdEncoding.DecodeString(s.Salt)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed salt", ErrAuthFailed)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(s.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed ciphertext", ErrAuthFailed)
	}

	key, err := deriveKey(ownerAddress, ownerSignature, salt)
	if err != nil {
		return nil, err
	}
	defer zeroBytes(key)

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrAuthFailed)
	}
	nonce, ct := ciphertext[:nonceSize], ciphertext[nonceSize:]

	plaintext, err := gcm.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, ErrAuthFailed
	}
	return plaintext, nil
}

func deriveKey(ownerAddress string, ownerSignature, salt []byte) ([]byte, error) {
	material := make([]byte, 0, len(ownerAddress)+len(ownerSignature)+len(salt))
	material = append(material, []byte(ownerAddress)...)
	material = append(material, ownerSignature...)
	material = append(material, salt...)

	h := hkdf.New(sha256.New, material, salt, []byte(kdfInfo))
	key := make([]byte, 32)
	if _, err := io.ReadFull(h, key); err != nil {
		return nil, fmt.Errorf("vault: derive key: %w", err)
	}
	return key, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("vault: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("vault: new gcm: %w", err)
	}
	return gcm, nil
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
