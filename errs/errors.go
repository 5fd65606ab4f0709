// Package errs defines the error kinds shared by the USP packages.
//
// Every kind has a sentinel usable with errors.Is and, where the failure
// carries context, a typed error usable with errors.As:
//
//   - DecodeError: bytes that do not parse as a Record or Msg
//   - ValidationError: a parsed unit that breaks the protocol contract
//   - ProtocolViolationError: a ValidationError raised while handling an
//     inbound message; handling of that message stops
//   - UnsupportedOperationError: an operation this endpoint does not implement
//   - ErrTransportTimeout: no reply within the exchange deadline
//   - ApplicationError: a well-formed Error message returned by the peer
package errs

import (
	"errors"
	"fmt"
)

var (
	// ErrDecode matches every DecodeError.
	ErrDecode = errors.New("usp: decode failed")
	// ErrValidation matches every ValidationError.
	ErrValidation = errors.New("usp: validation failed")
	// ErrProtocolViolation matches every ProtocolViolationError.
	ErrProtocolViolation = errors.New("usp: protocol violation")
	// ErrUnsupportedOperation matches every UnsupportedOperationError.
	ErrUnsupportedOperation = errors.New("usp: unsupported operation")
	// ErrTransportTimeout is returned when no reply arrives before the deadline.
	ErrTransportTimeout = errors.New("usp: transport timeout")
	// ErrApplication matches every ApplicationError.
	ErrApplication = errors.New("usp: application error")
)

// DecodeError reports bytes that could not be parsed.
// Layer names the unit being parsed ("record", "msg", ...).
type DecodeError struct {
	Layer string
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("usp: decode %s: %v", e.Layer, e.Err)
}

func (e *DecodeError) Unwrap() []error {
	return []error{ErrDecode, e.Err}
}

// Stage identifies which validation stage rejected a unit.
type Stage string

const (
	StageBuild   Stage = "build"
	StageRecord  Stage = "record"
	StageMessage Stage = "message"
)

// ValidationError carries a human-readable reason for a contract failure.
type ValidationError struct {
	Stage  Stage
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("usp: %s validation: %s", e.Stage, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// Invalid builds a ValidationError for stage.
func Invalid(stage Stage, format string, args ...any) *ValidationError {
	return &ValidationError{Stage: stage, Reason: fmt.Sprintf(format, args...)}
}

// ProtocolViolationError wraps the ValidationError that aborted handling
// of an inbound message. MsgID is set when the Msg header was readable.
type ProtocolViolationError struct {
	MsgID string
	Cause *ValidationError
}

func (e *ProtocolViolationError) Error() string {
	return fmt.Sprintf("USP Message validation failed: %s", e.Cause.Reason)
}

func (e *ProtocolViolationError) Unwrap() []error {
	return []error{ErrProtocolViolation, e.Cause}
}

// Violation converts a ValidationError into a ProtocolViolationError.
func Violation(msgID string, cause *ValidationError) *ProtocolViolationError {
	return &ProtocolViolationError{MsgID: msgID, Cause: cause}
}

// UnsupportedOperationError is returned for operations this endpoint
// does not implement.
type UnsupportedOperationError struct {
	Op string
}

func (e *UnsupportedOperationError) Error() string {
	return fmt.Sprintf("usp: operation %s is not supported", e.Op)
}

func (e *UnsupportedOperationError) Unwrap() error {
	return ErrUnsupportedOperation
}

// ApplicationError is the error form of a peer Error message.
type ApplicationError struct {
	MsgID   string
	Code    uint32
	Message string
}

func (e *ApplicationError) Error() string {
	return fmt.Sprintf("usp: peer error %d for msg %s: %s", e.Code, e.MsgID, e.Message)
}

func (e *ApplicationError) Unwrap() error {
	return ErrApplication
}
