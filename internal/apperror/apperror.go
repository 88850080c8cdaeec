// Package apperror tags errors with a small set of abstract kinds so
// callers outside the core (the out-of-scope HTTP layer) can map them to
// status codes without this module importing any transport package.
package apperror

import "errors"

// Kind is one of the abstract error kinds callers can branch on.
type Kind string

const (
	KindNotFound                  Kind = "not_found"
	KindInvalidInput              Kind = "invalid_input"
	KindConflict                  Kind = "conflict"
	KindTemporarilyUnavailable    Kind = "temporarily_unavailable"
	KindInternalInvariantViolation Kind = "internal_invariant_violation"
	KindFatal                     Kind = "fatal"
)

// Error wraps an underlying cause with one of the abstract kinds.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: cause}
}

func NotFound(msg string, cause error) *Error { return New(KindNotFound, msg, cause) }

func InvalidInput(msg string, cause error) *Error { return New(KindInvalidInput, msg, cause) }

func Conflict(msg string, cause error) *Error { return New(KindConflict, msg, cause) }

func TemporarilyUnavailable(msg string, cause error) *Error {
	return New(KindTemporarilyUnavailable, msg, cause)
}

func InternalInvariantViolation(msg string, cause error) *Error {
	return New(KindInternalInvariantViolation, msg, cause)
}

// Is reports whether the first *Error found in err's chain has the given
// Kind; an *Error wrapped beneath that one is not examined.
func Is(err error, kind Kind) bool {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind == kind
	}
	return false
}
