// Package errs defines the error taxonomy of spec §7: a fixed set of error
// kinds, not types, so every component can classify a failure the same way
// a handler at the worker boundary does.
package errs

import "fmt"

// Kind is one of the seven error kinds of spec §7.
type Kind string

const (
	KindConfig         Kind = "config"
	KindBootstrap      Kind = "bootstrap"
	KindSpecRecoverable Kind = "spec_runtime_recoverable"
	KindSpecFatal      Kind = "spec_runtime_fatal"
	KindAgent          Kind = "agent"
	KindCancellation   Kind = "cancellation"
	KindStorage        Kind = "storage"
)

// Error wraps an underlying cause with a Kind so the outer worker handler
// (the only place §7 permits translating failures into a persisted FAILED
// status) can classify it without string-sniffing.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs a kinded error.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	for err != nil {
		if ae, ok := err.(*Error); ok {
			e = ae
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return e != nil && e.Kind == kind
}

// Cancelled is the sentinel carried by KindCancellation errors; cancellation
// always wins over any other terminal status once observed (P6).
var Cancelled = New(KindCancellation, "run", fmt.Errorf("run was cancelled"))
