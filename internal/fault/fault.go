// Package fault defines the error kinds surfaced by the orchestration plane.
//
// Kinds are coarse categories that callers dispatch on (HTTP status mapping,
// retry decisions); the wrapped cause carries the detail. Use [New] or [Wrap]
// to attach a kind and [KindOf] / [Is] to inspect one.
package fault

import (
	"errors"
	"fmt"
)

// Kind categorises an orchestration-plane failure.
type Kind string

const (
	// TenantUnavailable means tenant resolution or the tenant's data-plane
	// handshake failed. Not retried automatically.
	TenantUnavailable Kind = "tenant_unavailable"

	// AgentNotFound means no agent matched (tenant, slug).
	AgentNotFound Kind = "agent_not_found"

	// InvalidDispatch means the request contradicts tenant or agent
	// configuration (mode mismatch, embedding dimension mismatch, bad input).
	InvalidDispatch Kind = "invalid_dispatch"

	// DispatchUnavailable means the media plane failed after retries. The
	// caller may retry idempotently with the same room name.
	DispatchUnavailable Kind = "dispatch_unavailable"

	// CredentialsExpired means provider credentials are known-bad. There is
	// no silent fallback.
	CredentialsExpired Kind = "credentials_expired"

	// TurnWriteFailed means turn persistence failed after the local retry.
	TurnWriteFailed Kind = "turn_write_failed"

	// WorkerCrash means a worker terminated fatally.
	WorkerCrash Kind = "worker_crash"
)

// Error couples a [Kind] with an underlying cause.
type Error struct {
	Kind Kind
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

// Unwrap returns the underlying cause so errors.Is/As see through the kind.
func (e *Error) Unwrap() error { return e.Err }

// New creates an error of the given kind from a format string.
func New(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Wrap attaches a kind to an existing error. Returns nil if err is nil.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// KindOf returns the kind attached to err, if any.
func KindOf(err error) (Kind, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind, true
	}
	return "", false
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}
