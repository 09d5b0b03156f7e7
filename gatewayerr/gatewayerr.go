// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package gatewayerr declares the sentinel error taxonomy shared by every
// StealthPay component, so httpapi can map any returned error straight into
// the {success, error, timestamp} envelope via errors.Is/errors.As.
package gatewayerr

import (
	"errors"
	"fmt"
)

// Kind is the stable string tag surfaced in the HTTP error envelope.
type Kind string

const (
	KeyVaultAuthFailed       Kind = "KeyVault::AuthFailed"
	MismatchedKey             Kind = "KeyVault::MismatchedKey"
	PoolLocked                Kind = "PoolLocked"
	HierarchyViolation        Kind = "HierarchyViolation"
	InsufficientLiquidity     Kind = "InsufficientLiquidity"
	RateLimited               Kind = "RateLimited"
	LedgerRateLimited         Kind = "Ledger::RateLimited"
	LedgerBlockhashExpired    Kind = "Ledger::BlockhashExpired"
	LedgerRejected            Kind = "Ledger::Rejected"
	PropagationBurnerAtaMissing Kind = "Propagation::BurnerAtaMissing"
	FacilitatorUnavailable    Kind = "Facilitator::Unavailable"
	FacilitatorRejected       Kind = "Facilitator::Rejected"
	AgentPolicyDenied         Kind = "AgentPolicy::Denied"
	ShadowLinkExpired         Kind = "ShadowLink::Expired"
	ShadowLinkUsed            Kind = "ShadowLink::Used"
	ShadowLinkCancelled       Kind = "ShadowLink::Cancelled"
	AuditAttestationFailed    Kind = "Audit::AttestationFailed"
	InvalidRequest            Kind = "InvalidRequest"
	SessionStuck              Kind = "Session::Stuck"
)

// Error carries a Kind plus freeform detail, wrapping an optional cause.
type Error struct {
	Kind   Kind
	Detail string
	Cause  error
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is lets errors.Is(err, gatewayerr.New(KindX, "")) match by Kind alone.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return other.Kind == e.Kind
	}
	return false
}

// New builds an *Error with no wrapped cause.
func New(kind Kind, detail string) *Error {
	return &Error{Kind: kind, Detail: detail}
}

// Wrap builds an *Error around cause, preserving it for errors.Unwrap/errors.Is.
func Wrap(kind Kind, cause error) *Error {
	if cause == nil {
		return New(kind, "")
	}
	return &Error{Kind: kind, Detail: cause.Error(), Cause: cause}
}

// Wrapf is Wrap with a formatted detail prefix ahead of cause's message.
func Wrapf(kind Kind, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...) + ": " + errString(cause), Cause: cause}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// KindOf extracts the Kind from err if it (or something it wraps) is an
// *Error, reporting ok=false otherwise.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// Sentinel values for errors.Is comparisons where no dynamic detail applies.
var (
	ErrKeyVaultAuthFailed         = New(KeyVaultAuthFailed, "")
	ErrMismatchedKey              = New(MismatchedKey, "")
	ErrPoolLocked                 = New(PoolLocked, "")
	ErrHierarchyViolation         = New(HierarchyViolation, "")
	ErrInsufficientLiquidity      = New(InsufficientLiquidity, "")
	ErrRateLimited                = New(RateLimited, "")
	ErrLedgerRateLimited          = New(LedgerRateLimited, "")
	ErrLedgerBlockhashExpired     = New(LedgerBlockhashExpired, "")
	ErrLedgerRejected             = New(LedgerRejected, "")
	ErrPropagationBurnerAtaMissing = New(PropagationBurnerAtaMissing, "")
	ErrFacilitatorUnavailable     = New(FacilitatorUnavailable, "")
	ErrFacilitatorRejected        = New(FacilitatorRejected, "")
	ErrAgentPolicyDenied          = New(AgentPolicyDenied, "")
	ErrShadowLinkExpired          = New(ShadowLinkExpired, "")
	ErrShadowLinkUsed             = New(ShadowLinkUsed, "")
	ErrShadowLinkCancelled        = New(ShadowLinkCancelled, "")
	ErrAuditAttestationFailed     = New(AuditAttestationFailed, "")
	ErrInvalidRequest             = New(InvalidRequest, "")
	ErrSessionStuck               = New(SessionStuck, "")
)
