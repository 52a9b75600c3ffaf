package engine

import (
	"errors"
	"fmt"
)

// Kind classifies engine errors for the fallback and retry machinery.
type Kind string

const (
	KindNotFound        Kind = "engine-not-found"
	KindInvalidModule   Kind = "invalid-engine-module"
	KindAuthRequired    Kind = "engine-auth-required"
	KindRateLimited     Kind = "engine-rate-limited"
	KindExecutionFailed Kind = "engine-execution-failed"
	KindContextLength   Kind = "engine-context-length"
	KindContentFilter   Kind = "engine-content-filter"
	KindCancelled       Kind = "cancelled"
)

// Error is a classified engine error. Errors carry a Kind so callers can
// branch on failure class without string matching; the string classifier in
// pkg/ratelimit remains the fallback for legacy adapter output.
type Error struct {
	Kind     Kind
	EngineID string
	Message  string
	Err      error
}

func (e *Error) Error() string {
	if e.EngineID != "" {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.EngineID, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError creates a classified engine error.
func NewError(kind Kind, engineID, message string) *Error {
	return &Error{Kind: kind, EngineID: engineID, Message: message}
}

// WrapError wraps err with a kind and engine id.
func WrapError(kind Kind, engineID string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, EngineID: engineID, Message: err.Error(), Err: err}
}

// KindOf returns the Kind of err, or KindExecutionFailed for unclassified
// errors, or empty for nil.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindExecutionFailed
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// IsRecoverable reports whether a failed attempt on one engine may be
// retried on another. Only auth and rate-limit failures are recoverable;
// everything else aborts the fallback chain.
func IsRecoverable(err error) bool {
	switch KindOf(err) {
	case KindAuthRequired, KindRateLimited:
		return true
	default:
		return false
	}
}
