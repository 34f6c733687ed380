// Copyright 2026 © The TokenRing Authors
// SPDX-License-Identifier: Apache-2.0

// Package errors provides typed error handling for the agentry runtime.
// Every failure mode carries a machine-readable code alongside the
// human-readable message so callers can branch without string matching.
package errors

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrorCode classifies agentry errors for monitoring and recovery.
type ErrorCode string

const (
	// CodeInternal indicates an internal system error.
	CodeInternal ErrorCode = "INTERNAL_ERROR"

	// CodeInvalidInput indicates the input was invalid.
	CodeInvalidInput ErrorCode = "INVALID_INPUT"

	// CodeDuplicateRegistration indicates a service identity was
	// registered twice.
	CodeDuplicateRegistration ErrorCode = "DUPLICATE_REGISTRATION"

	// CodeServiceNotFound indicates a required service is not registered.
	CodeServiceNotFound ErrorCode = "SERVICE_NOT_FOUND"

	// CodeAgentNotFound indicates the requested agent id is not live.
	CodeAgentNotFound ErrorCode = "AGENT_NOT_FOUND"

	// CodeAgentBusy indicates the agent is already processing an input.
	CodeAgentBusy ErrorCode = "AGENT_BUSY"

	// CodeCheckpointCorrupt indicates a checkpoint payload failed to
	// decode or its checksum did not match.
	CodeCheckpointCorrupt ErrorCode = "CHECKPOINT_CORRUPT"

	// CodeCursorTooOld indicates an event subscription cursor fell
	// outside the bus retention window.
	CodeCursorTooOld ErrorCode = "CURSOR_TOO_OLD"

	// CodeQueueFull indicates the work queue is at capacity.
	CodeQueueFull ErrorCode = "QUEUE_FULL"

	// CodeRetryExhausted indicates a work item exceeded its retry budget
	// and was routed to the dead-letter list.
	CodeRetryExhausted ErrorCode = "RETRY_EXHAUSTED"

	// CodeServiceCallTimeout indicates a collaborator call exceeded its
	// per-call timeout.
	CodeServiceCallTimeout ErrorCode = "SERVICE_CALL_TIMEOUT"

	// CodeServiceCallFailed indicates a collaborator call failed.
	CodeServiceCallFailed ErrorCode = "SERVICE_CALL_FAILED"

	// CodeCancelled indicates the operation observed its cancellation
	// token and terminated early.
	CodeCancelled ErrorCode = "CANCELLED"
)

// Error is a typed error with a stable code and optional context.
// It implements the error interface and supports errors.Is/As traversal.
type Error struct {
	Code        ErrorCode
	Message     string
	Err         error
	Context     map[string]any
	Recoverable bool
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap implements errors.Unwrap for error chain traversal.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error with the same code, so
// errors.Is can match agentry errors across wrapping.
func (e *Error) Is(target error) bool {
	te, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == te.Code
}

// MarshalJSON implements json.Marshaler for structured logging.
func (e *Error) MarshalJSON() ([]byte, error) {
	out := struct {
		Code        string         `json:"code"`
		Message     string         `json:"message"`
		Cause       string         `json:"cause,omitempty"`
		Context     map[string]any `json:"context,omitempty"`
		Recoverable bool           `json:"recoverable"`
	}{
		Code:        string(e.Code),
		Message:     e.Message,
		Context:     e.Context,
		Recoverable: e.Recoverable,
	}
	if e.Err != nil {
		out.Cause = e.Err.Error()
	}
	return json.Marshal(out)
}

// New creates a new Error with the given code, message, and cause.
func New(code ErrorCode, msg string, cause error) *Error {
	return &Error{
		Code:    code,
		Message: msg,
		Err:     cause,
	}
}

// Newf creates a new Error with a formatted message and no cause.
func Newf(code ErrorCode, format string, args ...any) *Error {
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// WithContext adds a key-value pair to the error context.
// Returns the error for method chaining.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// WithRecoverable sets whether the error can be recovered from.
// Returns the error for method chaining.
func (e *Error) WithRecoverable(recoverable bool) *Error {
	e.Recoverable = recoverable
	return e
}

// CodeOf returns the code of err if it is (or wraps) an *Error,
// CodeInternal otherwise.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code ErrorCode) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// IsRecoverable reports whether err is marked recoverable. Errors that
// are not *Error are considered not recoverable.
func IsRecoverable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Recoverable
	}
	return false
}
