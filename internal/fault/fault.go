// Package fault defines the error taxonomy shared by the entitlement and
// session services. Provider and store internals are translated into these
// kinds at the service boundary; raw upstream error bodies are logged, never
// returned to callers.
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies an error for callers deciding between retry, re-auth, and
// surfacing a terminal failure.
type Kind string

const (
	// Unauthenticated means the bearer credential was missing or rejected.
	Unauthenticated Kind = "unauthenticated"
	// ValidationError means the input was malformed or violates a business
	// precondition (for example a duplicate single-item purchase).
	ValidationError Kind = "validation_error"
	// PaymentIncomplete means the provider reports the transaction unpaid.
	PaymentIncomplete Kind = "payment_incomplete"
	// AccountMismatch means a transaction's embedded account metadata did not
	// match the authenticated caller. Treated as a potential integrity
	// incident, never as success.
	AccountMismatch Kind = "account_mismatch"
	// ProviderUnavailable is a transient payment-provider failure.
	ProviderUnavailable Kind = "provider_unavailable"
	// StoreUnavailable is a transient durable-store failure.
	StoreUnavailable Kind = "store_unavailable"
	// IntegrityViolation means a uniqueness constraint rejected a duplicate
	// write. It signals a safe replay and is handled as an idempotent no-op.
	IntegrityViolation Kind = "integrity_violation"
)

// Error carries a Kind alongside a wrapped cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	case e.Msg != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports kind equality so callers can match with errors.Is against a
// bare kind error produced by New.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return e.Kind == other.Kind
}

// New creates an Error with the given kind and message.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Newf creates an Error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an underlying error. A nil err yields nil.
func Wrap(kind Kind, msg string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf extracts the Kind from err, or "" if err carries none.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Retryable reports whether err represents a transient condition that is safe
// to retry with backoff. Everything else is terminal.
func Retryable(err error) bool {
	switch KindOf(err) {
	case ProviderUnavailable, StoreUnavailable:
		return true
	default:
		return false
	}
}
