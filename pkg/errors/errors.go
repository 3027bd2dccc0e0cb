// Package errors classifies failures into the kinds surfaced to callers of the
// pipeline. Packages keep their own sentinel errors; E attaches a Kind and a
// user-safe message on top of them.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Kind is a machine-readable failure category.
type Kind string

const (
	KindNone Kind = ""
	// IndexUnavailable means no schema index is loaded. Fatal for the request.
	IndexUnavailable Kind = "index-unavailable"
	// PlanDegraded means planning failed and the conservative strategy was used.
	PlanDegraded Kind = "plan-degraded"
	// GenerationFailed means the text-generation collaborator produced nothing usable.
	GenerationFailed Kind = "generation-failed"
	// ValidationRejected means the safety validator refused the statement.
	ValidationRejected Kind = "validation-rejected"
	PoolExhausted      Kind = "pool-exhausted"
	ExecutionTimeout   Kind = "execution-timeout"
	DatabaseError      Kind = "database-error"
	InvalidRequest     Kind = "invalid-request"
	Internal           Kind = "internal"
)

// E wraps an error with a kind and a message that is safe to show to end users.
type E struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *E) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *E) Unwrap() error { return e.Err }

func Wrap(kind Kind, msg string, err error) *E { return &E{Kind: kind, Message: msg, Err: err} }
func New(kind Kind, msg string) *E             { return &E{Kind: kind, Message: msg} }

// KindOf returns the kind of the first E in the chain, or Internal for any
// other non-nil error.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	var e *E
	if stderrors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// MessageOf returns the user-safe message of the first E in the chain.
func MessageOf(err error) string {
	var e *E
	if stderrors.As(err, &e) {
		return e.Message
	}
	return "internal error"
}
