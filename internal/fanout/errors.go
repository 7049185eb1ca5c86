package fanout

import (
	"errors"
	"fmt"
)

// Validation error kinds. Use errors.Is against a returned error to tell them
// apart.
var (
	ErrNotFound       = errors.New("not found")
	ErrNoContact      = errors.New("no contact relation")
	ErrNotMember      = errors.New("not a group member")
	ErrInvalidContent = errors.New("invalid message content")
	ErrMissingID      = errors.New("missing identifier")
)

// ValidationError rejects a request before anything is persisted.
type ValidationError struct {
	Kind   error // one of the Err* kinds above
	Detail string
}

func (e *ValidationError) Error() string {
	if e.Detail == "" {
		return e.Kind.Error()
	}
	return e.Kind.Error() + ": " + e.Detail
}

func (e *ValidationError) Unwrap() error { return e.Kind }

func invalid(kind error, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// PersistenceError reports a storage failure. A send that fails this way
// delivered nothing.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence: %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
