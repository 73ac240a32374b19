package engine

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a transition error for recovery logic and wire mapping.
type ErrorKind string

const (
	// ErrorKindNotFound indicates an unknown resource or operation id.
	ErrorKindNotFound ErrorKind = "not_found"

	// ErrorKindInvalidTransition indicates the requested status is not
	// reachable from the current status per the kind's transition table.
	ErrorKindInvalidTransition ErrorKind = "invalid_transition"

	// ErrorKindConflict indicates a concurrent mutation raced and lost, or an
	// in-flight operation blocks the request.
	ErrorKindConflict ErrorKind = "conflict"

	// ErrorKindAlreadyTerminal indicates an advance was attempted on a
	// finished operation.
	ErrorKindAlreadyTerminal ErrorKind = "already_terminal"

	// ErrorKindSideEffectFailure indicates asynchronous execution failed. It
	// is recorded on the operation, never returned to the original caller.
	ErrorKindSideEffectFailure ErrorKind = "side_effect_failure"

	// ErrorKindValidation indicates malformed input.
	ErrorKindValidation ErrorKind = "validation"

	// ErrorKindInternal indicates a non-classifiable failure.
	ErrorKindInternal ErrorKind = "internal"
)

// TransitionError represents a classified error with context.
type TransitionError struct {
	// Kind is the error classification.
	Kind ErrorKind `json:"kind"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Resource is the resource ID that caused the error, if applicable.
	Resource string `json:"resource,omitempty"`

	// Operation is the operation ID involved, if applicable.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *TransitionError) Error() string {
	switch {
	case e.Resource != "" && e.Err != nil:
		return fmt.Sprintf("[%s] %s (resource=%s): %v", e.Kind, e.Message, e.Resource, e.Err)
	case e.Resource != "":
		return fmt.Sprintf("[%s] %s (resource=%s)", e.Kind, e.Message, e.Resource)
	case e.Err != nil:
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Err)
	default:
		return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
	}
}

// Unwrap returns the underlying error for error chain inspection.
func (e *TransitionError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *TransitionError) Is(target error) bool {
	t, ok := target.(*TransitionError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && (t.Code == "" || e.Code == t.Code)
}

// WithResource adds resource context to an error.
func (e *TransitionError) WithResource(resourceID string) *TransitionError {
	e.Resource = resourceID
	return e
}

// WithOperation adds operation context to an error.
func (e *TransitionError) WithOperation(operationID string) *TransitionError {
	e.Operation = operationID
	return e
}

// WithCode adds an error code to an error.
func (e *TransitionError) WithCode(code string) *TransitionError {
	e.Code = code
	return e
}

// NewNotFoundError creates a new not-found error.
func NewNotFoundError(message string, err error) *TransitionError {
	return &TransitionError{Kind: ErrorKindNotFound, Message: message, Code: ErrCodeNotFound, Err: err}
}

// NewInvalidTransitionError creates a new invalid-transition error.
func NewInvalidTransitionError(message string, err error) *TransitionError {
	return &TransitionError{Kind: ErrorKindInvalidTransition, Message: message, Code: ErrCodeInvalidTransition, Err: err}
}

// NewConflictError creates a new conflict error.
func NewConflictError(message string, err error) *TransitionError {
	return &TransitionError{Kind: ErrorKindConflict, Message: message, Code: ErrCodeConflict, Err: err}
}

// NewAlreadyTerminalError creates a new already-terminal error.
func NewAlreadyTerminalError(message string, err error) *TransitionError {
	return &TransitionError{Kind: ErrorKindAlreadyTerminal, Message: message, Code: ErrCodeAlreadyTerminal, Err: err}
}

// NewSideEffectFailureError creates a new side-effect failure error.
func NewSideEffectFailureError(message string, err error) *TransitionError {
	return &TransitionError{Kind: ErrorKindSideEffectFailure, Message: message, Code: ErrCodeSideEffectFailed, Err: err}
}

// NewValidationError creates a new validation error.
func NewValidationError(message string, err error) *TransitionError {
	return &TransitionError{Kind: ErrorKindValidation, Message: message, Code: ErrCodeValidation, Err: err}
}

// NewInternalError creates a new internal error.
func NewInternalError(message string, err error) *TransitionError {
	return &TransitionError{Kind: ErrorKindInternal, Message: message, Code: ErrCodeInternal, Err: err}
}

// IsNotFound returns true if the error is classified as not-found.
func IsNotFound(err error) bool {
	return kindOf(err) == ErrorKindNotFound
}

// IsInvalidTransition returns true if the error is classified as an invalid
// transition.
func IsInvalidTransition(err error) bool {
	return kindOf(err) == ErrorKindInvalidTransition
}

// IsConflict returns true if the error is classified as a conflict.
func IsConflict(err error) bool {
	return kindOf(err) == ErrorKindConflict
}

// IsAlreadyTerminal returns true if the error is classified as
// already-terminal.
func IsAlreadyTerminal(err error) bool {
	return kindOf(err) == ErrorKindAlreadyTerminal
}

func kindOf(err error) ErrorKind {
	var e *TransitionError
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Common error codes.
const (
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeUnknownStatus     = "UNKNOWN_STATUS"
	ErrCodeUnknownKind       = "UNKNOWN_KIND"
	ErrCodePolicyDenied      = "POLICY_DENIED"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeOperationPending  = "OPERATION_PENDING"
	ErrCodeAlreadyTerminal   = "ALREADY_TERMINAL"
	ErrCodeSideEffectFailed  = "SIDE_EFFECT_FAILED"
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeAlreadyExists     = "ALREADY_EXISTS"
	ErrCodeInternal          = "INTERNAL_ERROR"
)
