package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation          = "VALIDATION_ERROR"
	ErrCodeExecution           = "EXECUTION_ERROR"
	ErrCodeNotFound            = "NOT_FOUND"
	ErrCodeConflict            = "CONFLICT"
	ErrCodeInvalidTransition   = "INVALID_TRANSITION"
	ErrCodeCancelled           = "CANCELLED"
	ErrCodeStore               = "STORE_ERROR"
	ErrCodeExpression          = "EXPRESSION_ERROR"
	ErrCodeGraphDeadlock       = "GRAPH_DEADLOCK"
	ErrCodeToolNotFound        = "TOOL_NOT_FOUND"
	ErrCodeToolArgumentMissing = "TOOL_ARGUMENT_MISSING"
	ErrCodeToolArgumentInvalid = "TOOL_ARGUMENT_INVALID"
	ErrCodeToolFailed          = "TOOL_FAILED"
	ErrCodeToolTimeout         = "TOOL_TIMEOUT"
	ErrCodeToolLoopOverrun     = "TOOL_LOOP_OVERRUN"
	ErrCodeCircuitOpen         = "CIRCUIT_OPEN"
	ErrCodeProvider            = "PROVIDER_ERROR"
	ErrCodeRateLimited         = "RATE_LIMITED"
	ErrCodeBusClosed           = "BUS_CLOSED"
)

// AgentError is the structured error type for all engine operations.
type AgentError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	NodeID  string         `json:"node_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *AgentError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("[%s] node %s: %s", e.Code, e.NodeID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *AgentError) Unwrap() error {
	return e.Cause
}

// NewError creates a new AgentError.
func NewError(code, message string) *AgentError {
	return &AgentError{Code: code, Message: message}
}

// NewErrorf creates a new AgentError with a formatted message.
func NewErrorf(code, format string, args ...any) *AgentError {
	return &AgentError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithNode attaches a node ID to the error.
func (e *AgentError) WithNode(nodeID string) *AgentError {
	e.NodeID = nodeID
	return e
}

// WithCause attaches an underlying cause.
func (e *AgentError) WithCause(err error) *AgentError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *AgentError) WithDetails(details map[string]any) *AgentError {
	e.Details = details
	return e
}

// IsRetryable reports whether an operation failing with this error may be retried.
func (e *AgentError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeRateLimited, ErrCodeToolTimeout:
		return true
	default:
		return false
	}
}

// CodeOf returns the code of the first AgentError in err's chain, or
// ErrCodeExecution when err carries none.
func CodeOf(err error) string {
	var ae *AgentError
	if errors.As(err, &ae) {
		return ae.Code
	}
	return ErrCodeExecution
}

// IsCode reports whether err carries an AgentError with the given code.
func IsCode(err error, code string) bool {
	var ae *AgentError
	return errors.As(err, &ae) && ae.Code == code
}
