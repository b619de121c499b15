// Package faults classifies errors from external collaborators so the worker
// pool only has to branch on transient vs terminal.
package faults

import (
	"errors"
	"fmt"
)

// Kind is the error category.
type Kind int

const (
	// UpstreamUnavailable means the REST or stream source is unreachable
	// or returned a 5xx. Transient.
	UpstreamUnavailable Kind = iota
	// UpstreamBadData means a malformed record that must never be dispatched.
	UpstreamBadData
	// DuplicateObservation means the trade was already ingested. Expected.
	DuplicateObservation
	// RiskRejected means admission or re-check blocked the intent. Terminal.
	RiskRejected
	// SlippageRejected means live price drift exceeded tolerance. Terminal.
	SlippageRejected
	// ExchangeTransient covers timeouts, 5xx and rate limits. Retryable.
	ExchangeTransient
	// ExchangeRejected means the exchange declined the order. Terminal.
	ExchangeRejected
	// Internal covers store and serialization failures. Retryable.
	Internal
)

func (k Kind) String() string {
	switch k {
	case UpstreamUnavailable:
		return "upstream_unavailable"
	case UpstreamBadData:
		return "upstream_bad_data"
	case DuplicateObservation:
		return "duplicate_observation"
	case RiskRejected:
		return "risk_rejected"
	case SlippageRejected:
		return "slippage_rejected"
	case ExchangeTransient:
		return "exchange_transient"
	case ExchangeRejected:
		return "exchange_rejected"
	default:
		return "internal"
	}
}

// Error is a classified error.
type Error struct {
	Kind  Kind
	Cause error
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

// New wraps cause with a kind.
func New(kind Kind, cause error) *Error {
	return &Error{Kind: kind, Cause: cause}
}

// Newf builds a classified error from a format string.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Cause: fmt.Errorf(format, args...)}
}

// KindOf extracts the kind; unclassified errors count as Internal.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Internal
}

// Is lets errors.Is match on bare kinds via New(kind, nil) sentinels.
func (e *Error) Is(target error) bool {
	var fe *Error
	if errors.As(target, &fe) {
		return fe.Kind == e.Kind
	}
	return false
}

// Transient reports whether the operation is worth retrying.
func Transient(err error) bool {
	switch KindOf(err) {
	case UpstreamUnavailable, ExchangeTransient, Internal:
		return true
	}
	return false
}
