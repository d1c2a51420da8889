// Package errs defines the error kinds shared across the engine (spec
// section 7), adapted from the teacher's per-package RuntimeError idiom
// (pkg/vm/error.go in the teacher) into one vocabulary every component
// converts its failures into at a component boundary.
package errs

import "fmt"

// Kind enumerates the engine-wide error categories.
type Kind string

const (
	CompileError        Kind = "COMPILE_ERROR"
	RuntimeError         Kind = "RUNTIME_ERROR"
	DeviceNotFound       Kind = "DEVICE_NOT_FOUND"
	ConnectionFailed     Kind = "CONNECTION_FAILED"
	ProtocolEncodeError  Kind = "PROTOCOL_ENCODE_ERROR"
	ChannelClosed        Kind = "CHANNEL_CLOSED"
	InvalidArgument      Kind = "INVALID_ARGUMENT"
	SlotConflict         Kind = "SLOT_CONFLICT"
	IoError              Kind = "IO_ERROR"
)

// Error is the engine's structured error type. Every component boundary
// (compiler registry, device map, dispatcher, control server) converts
// lower-level failures into one of these before it crosses the boundary, so
// callers can branch on Kind without parsing message text.
type Error struct {
	Kind    Kind
	Message string
	Context string
	Wrapped error
}

func (e *Error) Error() string {
	if e.Context != "" {
		return fmt.Sprintf("[%s] %s (%s)", e.Kind, e.Message, e.Context)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Wrapped }

// New builds an Error with a plain message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf builds an Error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an Error carrying an underlying cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Wrapped: cause}
}

// WithContext attaches extra diagnostic context and returns the receiver for
// chaining at the construction site.
func (e *Error) WithContext(context string) *Error {
	e.Context = context
	return e
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	e, ok := err.(*Error)
	return ok && e.Kind == kind
}
