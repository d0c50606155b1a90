package store

import (
	"errors"
	"fmt"
)

// Kind discriminates store failures so callers can match explicitly instead
// of catching everything.
type Kind int

const (
	// KindTransient covers any failure talking to the backing store.
	KindTransient Kind = iota
	// KindNotFound means a required entity, set, or mapping is absent.
	KindNotFound
	// KindMalformed means a single input record could not be interpreted.
	KindMalformed
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindNotFound:
		return "not found"
	case KindMalformed:
		return "malformed"
	default:
		return "unknown"
	}
}

// Error wraps a store failure with its kind and the operation that hit it.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("store: %s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("store: %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NotFound builds a KindNotFound error for op.
func NotFound(op string) *Error {
	return &Error{Kind: KindNotFound, Op: op}
}

// Transient wraps err as a KindTransient failure of op.
func Transient(op string, err error) *Error {
	return &Error{Kind: KindTransient, Op: op, Err: err}
}

// Malformed wraps err as a KindMalformed failure of op.
func Malformed(op string, err error) *Error {
	return &Error{Kind: KindMalformed, Op: op, Err: err}
}

// IsNotFound reports whether err is a KindNotFound store error.
func IsNotFound(err error) bool { return hasKind(err, KindNotFound) }

// IsTransient reports whether err is a KindTransient store error.
func IsTransient(err error) bool { return hasKind(err, KindTransient) }

// IsMalformed reports whether err is a KindMalformed store error.
func IsMalformed(err error) bool { return hasKind(err, KindMalformed) }

func hasKind(err error, k Kind) bool {
	var se *Error
	return errors.As(err, &se) && se.Kind == k
}
