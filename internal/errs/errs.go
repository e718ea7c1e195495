// Package errs classifies failures so callers can decide between rendering
// guidance, falling back, or failing the request.
package errs

import (
	"errors"
	"fmt"
)

type Kind int

const (
	KindUnknown Kind = iota
	// KindNotFound: no stops, routes or connections for the query.
	KindNotFound
	// KindValidation: malformed coordinates, radius or limits.
	KindValidation
	// KindUpstream: realtime feed fetch or decode error.
	KindUpstream
	// KindPersistence: transaction or query error against the store.
	KindPersistence
	// KindDegraded: a fallback path was taken.
	KindDegraded
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindValidation:
		return "validation"
	case KindUpstream:
		return "upstream_failure"
	case KindPersistence:
		return "persistence_failure"
	case KindDegraded:
		return "degraded"
	default:
		return "unknown"
	}
}

type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the kind of the outermost *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

func wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

func NotFound(op, format string, args ...any) error {
	return &Error{Kind: KindNotFound, Op: op, Err: fmt.Errorf(format, args...)}
}

func Validation(op, format string, args ...any) error {
	return &Error{Kind: KindValidation, Op: op, Err: fmt.Errorf(format, args...)}
}

func Degraded(op, format string, args ...any) error {
	return &Error{Kind: KindDegraded, Op: op, Err: fmt.Errorf(format, args...)}
}

// Upstream wraps a feed fetch/decode error. A nil err yields nil.
func Upstream(op string, err error) error { return wrap(KindUpstream, op, err) }

// Persistence wraps a store error. A nil err yields nil.
func Persistence(op string, err error) error { return wrap(KindPersistence, op, err) }
