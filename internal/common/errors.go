package common

import "fmt"

// ErrKind is a stable discriminant for the error kinds a build or query can fail
// with, per the core's error-handling design: every error is surfaced as a kind,
// a message, and an optional cause, never a panic.
type ErrKind string

const (
	ErrInvalidInput   ErrKind = "invalid_input"
	ErrCorrupt        ErrKind = "corrupt"
	ErrMissing        ErrKind = "missing"
	ErrIO             ErrKind = "io"
	ErrCapacity       ErrKind = "capacity"
	ErrIntegrityStale ErrKind = "integrity_stale"
)

// Error is a tagged result: a kind plus a human-readable message and, usually, the
// underlying cause. It never panics the caller; block/sort/scan/query code returns
// it instead of failing silently or aborting the process.
type Error struct {
	Kind    ErrKind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError constructs a tagged Error.
func NewError(kind ErrKind, cause error, format string, args ...interface{}) *Error {
	return &Error{
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
		Cause:   cause,
	}
}

// KindOf extracts the ErrKind from err, if it (or something it wraps) is an *Error.
func KindOf(err error) (ErrKind, bool) {
	var e *Error
	for err != nil {
		if as, ok := err.(*Error); ok {
			e = as
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	if e == nil {
		return "", false
	}
	return e.Kind, true
}
