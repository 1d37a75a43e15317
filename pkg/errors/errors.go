// Package errors defines the wire-visible error taxonomy shared by the
// gateway, the participant runtime, and the bridge.
package errors

import (
	"errors"
	"fmt"
)

// Error kinds carried in system/error envelopes.
const (
	// ErrParseError is returned when an inbound frame is not valid JSON
	ErrParseError = "parse_error"

	// ErrProtocolError is returned when an envelope carries an unknown protocol version
	ErrProtocolError = "protocol_error"

	// ErrUnauthorized is returned when a connect token is unknown
	ErrUnauthorized = "unauthorized"

	// ErrCapabilityViolation is returned when no capability rule matches a sent envelope
	ErrCapabilityViolation = "capability_violation"

	// ErrNotStreamOwner is returned when a non-owner attempts an owner-only stream operation
	ErrNotStreamOwner = "not_stream_owner"

	// ErrUnauthorizedStreamWrite is returned when a sender outside the writer set publishes a frame
	ErrUnauthorizedStreamWrite = "unauthorized_stream_write"

	// ErrUnknownStream is returned when a frame references a stream the gateway does not know
	ErrUnknownStream = "unknown_stream"

	// ErrStreamClosed is returned when a frame arrives for a closed stream
	ErrStreamClosed = "stream_closed"

	// ErrUnknownTarget is returned when an operation names a participant that does not exist
	ErrUnknownTarget = "unknown_target"

	// ErrRateLimited is returned when a connection exceeds its ingress quota
	ErrRateLimited = "rate_limited"

	// ErrShuttingDown is returned when the gateway is shutting down
	ErrShuttingDown = "shutting_down"

	// ErrInternal is returned when there is an internal error
	ErrInternal = "internal_error"

	// ErrTimeout is returned when a pending request expires
	ErrTimeout = "timeout"

	// ErrMethodNotFound is returned when an MCP request names an unknown method or tool
	ErrMethodNotFound = "method_not_found"

	// ErrSpaceNotFound is returned when a connect names a space that is not provisioned
	ErrSpaceNotFound = "space_not_found"

	// ErrMCPSubprocessExited is emitted by a bridge when its MCP server process dies
	ErrMCPSubprocessExited = "mcp_subprocess_exited"

	// ErrConflict is returned when a participant id is already connected and policy forbids replace
	ErrConflict = "conflict"

	// ErrDisconnected is returned to pending callers when the connection drops
	ErrDisconnected = "disconnected"

	// ErrRejected is returned when a peer rejects a request or proposal
	ErrRejected = "rejected"
)

// Error represents a protocol error in the application.
type Error struct {
	// Type is the wire-visible error kind
	Type string

	// Message is the error message
	Message string

	// Cause is the underlying error
	Cause error
}

// Error returns the error message.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new error.
func NewError(errorType, message string, cause error) *Error {
	return &Error{
		Type:    errorType,
		Message: message,
		Cause:   cause,
	}
}

// NewCapabilityViolationError creates a new capability violation error.
func NewCapabilityViolationError(message string, cause error) *Error {
	return NewError(ErrCapabilityViolation, message, cause)
}

// NewUnauthorizedError creates a new unauthorized error.
func NewUnauthorizedError(message string, cause error) *Error {
	return NewError(ErrUnauthorized, message, cause)
}

// NewTimeoutError creates a new timeout error.
func NewTimeoutError(message string, cause error) *Error {
	return NewError(ErrTimeout, message, cause)
}

// NewDisconnectedError creates a new disconnected error.
func NewDisconnectedError(message string, cause error) *Error {
	return NewError(ErrDisconnected, message, cause)
}

// NewInternalError creates a new internal error.
func NewInternalError(message string, cause error) *Error {
	return NewError(ErrInternal, message, cause)
}

// Kind returns the wire-visible kind of err, or internal_error if err is not
// a taxonomy error.
func Kind(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Type
	}
	return ErrInternal
}

// IsKind checks whether err is a taxonomy error of the given kind.
func IsKind(err error, kind string) bool {
	var e *Error
	return errors.As(err, &e) && e.Type == kind
}

// IsTimeout checks if the error is a timeout error.
func IsTimeout(err error) bool {
	return IsKind(err, ErrTimeout)
}

// IsDisconnected checks if the error is a disconnected error.
func IsDisconnected(err error) bool {
	return IsKind(err, ErrDisconnected)
}

// IsCapabilityViolation checks if the error is a capability violation error.
func IsCapabilityViolation(err error) bool {
	return IsKind(err, ErrCapabilityViolation)
}
