// Package errs provides the stable error kind taxonomy surfaced by the daemon.
package errs

import (
	"errors"
	"fmt"
)

// Kind identifies a class of error with stable, machine-readable naming.
type Kind string

const (
	KindBinaryUnavailable  Kind = "BinaryUnavailable"
	KindCapacityExceeded   Kind = "CapacityExceeded"
	KindSessionNotFound    Kind = "SessionNotFound"
	KindSessionNotRunning  Kind = "SessionNotRunning"
	KindSpawnFailed        Kind = "SpawnFailed"
	KindStreamParseError   Kind = "StreamParseError"
	KindChildTimeout       Kind = "ChildTimeout"
	KindTimeout            Kind = "Timeout"
	KindValidationFailed   Kind = "ValidationFailed"
	KindPIDReused          Kind = "PIDReused"
	KindCheckpointMissing  Kind = "CheckpointMissing"
	KindCheckpointCorrupt  Kind = "CheckpointCorrupt"
	KindShutdownInProgress Kind = "ShutdownInProgress"
	KindInternal           Kind = "Internal"
)

// Error is an application error carrying a stable kind, a human message,
// and an optional details bag surfaced in RPC error envelopes.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]any
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the wrapped error for use with errors.Is and errors.As.
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates an error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an error of the given kind wrapping a cause.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// WithDetails attaches a details bag, returning the same error for chaining.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// KindOf returns the kind of an error, mapping unclassified errors to Internal.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// DetailsOf returns the details bag of an error, or nil.
func DetailsOf(err error) map[string]any {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Details
	}
	return nil
}
