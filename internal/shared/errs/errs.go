// Package errs defines the closed error taxonomy used across the session
// supervisor. Callers match on Kind rather than inspecting concrete types.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies a failure into the closed set the rest of the system
// branches on.
type Kind int

const (
	// KindSpawn means the subprocess could not be created. Fatal to the
	// create call; no session state is persisted.
	KindSpawn Kind = iota

	// KindNoSession means the user has no live session. Recoverable.
	KindNoSession

	// KindSessionExists means a create was attempted while a session is
	// already active for the user. Recoverable.
	KindSessionExists

	// KindStorage means a store operation failed. Fatal to the triggering
	// call, except best-effort audit paths which swallow it.
	KindStorage

	// KindUnitNotFound means a delivery-unit reference went stale on the
	// destination. Recovered locally by a single fresh post.
	KindUnitNotFound
)

// String returns the kind's wire name.
func (k Kind) String() string {
	switch k {
	case KindSpawn:
		return "spawn_error"
	case KindNoSession:
		return "no_session"
	case KindSessionExists:
		return "session_exists"
	case KindStorage:
		return "storage_error"
	case KindUnitNotFound:
		return "unit_not_found"
	default:
		return "unknown"
	}
}

// Error is a tagged error carrying a Kind, the operation that failed, and an
// optional wrapped cause.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	switch {
	case e.Err != nil && e.Msg != "":
		return fmt.Sprintf("%s: %s (%s): %v", e.Op, e.Msg, e.Kind, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	case e.Msg != "":
		return fmt.Sprintf("%s: %s (%s)", e.Op, e.Msg, e.Kind)
	default:
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
}

// Unwrap exposes the wrapped cause for errors.Is/As chains.
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a tagged error with a message.
func New(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg}
}

// Wrap creates a tagged error around an underlying cause.
func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf extracts the Kind from an error chain. The second return is false
// when the chain carries no tagged error.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

// Is reports whether the error chain carries the given kind.
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

// IsSpawn reports a process-creation failure.
func IsSpawn(err error) bool { return Is(err, KindSpawn) }

// IsNoSession reports a missing live session.
func IsNoSession(err error) bool { return Is(err, KindNoSession) }

// IsSessionExists reports a create attempted over an active session.
func IsSessionExists(err error) bool { return Is(err, KindSessionExists) }

// IsStorage reports a store failure.
func IsStorage(err error) bool { return Is(err, KindStorage) }

// IsUnitNotFound reports a stale delivery-unit reference.
func IsUnitNotFound(err error) bool { return Is(err, KindUnitNotFound) }
