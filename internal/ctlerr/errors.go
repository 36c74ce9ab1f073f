// Package ctlerr defines the typed error used across the Broker and Agent.
//
// Every internal error is represented as an Error value carrying a Kind from
// a fixed set; the Kind uniquely determines how the dispatcher maps it onto
// the outward JSON-RPC error code (see package rpc).
package ctlerr

import "fmt"

// Kind identifies the category of a typed error. The zero value is not a
// valid Kind — every Error must be constructed with one of the exported
// kinds below.
type Kind string

const (
	InvalidArgument    Kind = "invalid_argument"
	PermissionDenied   Kind = "permission_denied"
	Unavailable        Kind = "unavailable"
	FailedPrecondition Kind = "failed_precondition"
	NotFound           Kind = "not_found"
	Unauthenticated    Kind = "unauthenticated"
	Internal           Kind = "internal"
	Timeout            Kind = "timeout"
	ProtocolError      Kind = "protocol_error"
)

// Error is the typed error carried through handlers, the auth pipeline, the
// IPC transport, and the update state machine. Details is never nil so
// callers can add to it without a nil-map check.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]any
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// New constructs an Error of the given kind. details may be nil.
func New(kind Kind, message string, details map[string]any) *Error {
	if details == nil {
		details = map[string]any{}
	}
	return &Error{Kind: kind, Message: message, Details: details}
}

func InvalidArgumentf(details map[string]any, format string, args ...any) *Error {
	return New(InvalidArgument, fmt.Sprintf(format, args...), details)
}

func PermissionDeniedf(details map[string]any, format string, args ...any) *Error {
	return New(PermissionDenied, fmt.Sprintf(format, args...), details)
}

func Unavailablef(details map[string]any, format string, args ...any) *Error {
	return New(Unavailable, fmt.Sprintf(format, args...), details)
}

func FailedPreconditionf(details map[string]any, format string, args ...any) *Error {
	return New(FailedPrecondition, fmt.Sprintf(format, args...), details)
}

func NotFoundf(details map[string]any, format string, args ...any) *Error {
	return New(NotFound, fmt.Sprintf(format, args...), details)
}

func Unauthenticatedf(details map[string]any, format string, args ...any) *Error {
	return New(Unauthenticated, fmt.Sprintf(format, args...), details)
}

func Timeoutf(details map[string]any, format string, args ...any) *Error {
	return New(Timeout, fmt.Sprintf(format, args...), details)
}

func ProtocolErrorf(details map[string]any, format string, args ...any) *Error {
	return New(ProtocolError, fmt.Sprintf(format, args...), details)
}

// Internalf wraps an unexpected error. The exception's type name is recorded
// in details so it survives JSON-RPC serialization even though the original
// error value does not.
func Internalf(cause error, details map[string]any, format string, args ...any) *Error {
	if details == nil {
		details = map[string]any{}
	}
	if cause != nil {
		details["exception_type"] = fmt.Sprintf("%T", cause)
	}
	return New(Internal, fmt.Sprintf(format, args...), details)
}

// As extracts an *Error from err, wrapping unknown errors as Internal.
func As(err error) *Error {
	if err == nil {
		return nil
	}
	if te, ok := err.(*Error); ok {
		return te
	}
	return Internalf(err, nil, "%s", err.Error())
}
