// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package httpapi

import (
	"crypto/rand"
	"fmt"

	"github.com/luxfi/stealthpay/pool"
	"github.com/luxfi/stealthpay/vault"
)

// generateKey is orchestrator.generateBurner's counterpart for the
// long-lived signing keys httpapi provisions on pool/create, recovery/create,
// and shadow/create — same random-fill-then-derive shape, different caller.
func generateKey() (*vault.SecretKey, string, error) {
	var secret vault.SecretKey
	if _, err := rand.Read(secret[:]); err != nil {
		return nil, "", fmt.Errorf("httpapi: generate key: %w", err)
	}
	return &secret, pool.DeriveSolanaPublicKey(&secret), nil
}
