// Package sessionerr defines the error-kind taxonomy shared by every core
// component, grounded in the teacher's convention of typed errors checked
// with errors.As at call sites (internal/ws.ErrAuthRejected and friends)
// rather than ad-hoc string matching or exceptions.
package sessionerr

import "fmt"

// Kind classifies why an operation failed so callers can decide how to react
// (retry, surface to the user, or drop silently) without parsing messages.
type Kind int

const (
	NotFound Kind = iota
	Conflict
	BadRequest
	Forbidden
	LimitExceeded
	Transient
	Fatal
)

func (k Kind) String() string {
	switch k {
	case NotFound:
		return "not_found"
	case Conflict:
		return "conflict"
	case BadRequest:
		return "bad_request"
	case Forbidden:
		return "forbidden"
	case LimitExceeded:
		return "limit_exceeded"
	case Transient:
		return "transient"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Scope narrows a LimitExceeded error to the limiter that tripped.
type Scope string

const (
	ScopeGlobal  Scope = "global"
	ScopeUser    Scope = "user"
	ScopeSession Scope = "session"
)

// Error is the single exported error type used across the core. Message is
// human-readable; Scope is only meaningful when Kind is LimitExceeded.
type Error struct {
	Kind    Kind
	Message string
	Scope   Scope
	Wrapped error
}

func (e *Error) Error() string {
	if e.Scope != "" {
		return fmt.Sprintf("%s (%s): %s", e.Kind, e.Scope, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Wrapped }

// Is allows errors.Is(err, sessionerr.NotFoundErr) style checks by comparing Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Wrapped: err}
}

func Limit(scope Scope, format string, args ...any) *Error {
	return &Error{Kind: LimitExceeded, Scope: scope, Message: fmt.Sprintf(format, args...)}
}

// NotFoundErr is a zero-value sentinel for errors.Is comparisons: errors.Is(err, sessionerr.NotFoundErr)
var (
	NotFoundErr      = &Error{Kind: NotFound}
	ConflictErr      = &Error{Kind: Conflict}
	BadRequestErr    = &Error{Kind: BadRequest}
	ForbiddenErr     = &Error{Kind: Forbidden}
	LimitExceededErr = &Error{Kind: LimitExceeded}
	TransientErr     = &Error{Kind: Transient}
	FatalErr         = &Error{Kind: Fatal}
)
