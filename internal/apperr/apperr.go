// Package apperr defines the error taxonomy shared by the realtime engine
// and the HTTP surface. Every command failure is one of these kinds; the
// transport layers map kinds to HTTP statuses or error frames.
package apperr

import (
	"errors"
	"fmt"
)

type Kind uint8

const (
	// KindUnknown is the zero value for errors outside the taxonomy.
	KindUnknown Kind = iota
	// KindValidation — malformed input, rejected before any mutation.
	KindValidation
	// KindProtocol — malformed wire frame; the owning connection is closed.
	KindProtocol
	// KindConflict — duplicate pending invite.
	KindConflict
	// KindForbidden — actor not authorized for the target entity.
	KindForbidden
	// KindNotFound — unknown entity id.
	KindNotFound
	// KindInvalidState — action not valid for the current lifecycle state
	// (double-respond, expired invite).
	KindInvalidState
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindProtocol:
		return "protocol"
	case KindConflict:
		return "conflict"
	case KindForbidden:
		return "forbidden"
	case KindNotFound:
		return "not_found"
	case KindInvalidState:
		return "invalid_state"
	default:
		return "unknown"
	}
}

// Error carries a taxonomy kind and a human-readable message.
type Error struct {
	Kind Kind
	Msg  string
}

func (e *Error) Error() string {
	return e.Kind.String() + ": " + e.Msg
}

func newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

func Validationf(format string, args ...any) *Error {
	return newf(KindValidation, format, args...)
}

func Protocolf(format string, args ...any) *Error {
	return newf(KindProtocol, format, args...)
}

func Conflictf(format string, args ...any) *Error {
	return newf(KindConflict, format, args...)
}

func Forbiddenf(format string, args ...any) *Error {
	return newf(KindForbidden, format, args...)
}

func NotFoundf(format string, args ...any) *Error {
	return newf(KindNotFound, format, args...)
}

func InvalidStatef(format string, args ...any) *Error {
	return newf(KindInvalidState, format, args...)
}

// KindOf returns the taxonomy kind of err, unwrapping as needed.
// Errors outside the taxonomy report KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsKind reports whether err belongs to the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
