package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeValidation         = "VALIDATION_ERROR"
	ErrCodeCycleDetected      = "CYCLE_DETECTED"
	ErrCodeUnknownStepRef     = "UNKNOWN_STEP_REFERENCE"
	ErrCodeUnresolvedVariable = "UNRESOLVED_VARIABLE"
	ErrCodeStepExecution      = "STEP_EXECUTION_ERROR"
	ErrCodeTimeout            = "TIMEOUT_ERROR"
	ErrCodeCancelled          = "CANCELLED"
	ErrCodeToolUnavailable    = "TOOL_UNAVAILABLE"
	ErrCodeInvalidTransition  = "INVALID_TRANSITION"
	ErrCodeRetryExhausted     = "RETRY_EXHAUSTED"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeConflict           = "CONFLICT"
	ErrCodeStore              = "STORE_ERROR"
)

// EngineError is the structured error type for all engine operations.
type EngineError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	StepID  string         `json:"step_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *EngineError) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.StepID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *EngineError) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether an error with this code is worth retrying.
// Definition and resolution errors never change between attempts.
func (e *EngineError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeValidation, ErrCodeCycleDetected, ErrCodeUnknownStepRef,
		ErrCodeUnresolvedVariable, ErrCodeCancelled, ErrCodeInvalidTransition,
		ErrCodeNotFound, ErrCodeConflict:
		return false
	}
	return true
}

// NewError creates a new EngineError.
func NewError(code, message string) *EngineError {
	return &EngineError{Code: code, Message: message}
}

// NewErrorf creates a new EngineError with a formatted message.
func NewErrorf(code, format string, args ...any) *EngineError {
	return &EngineError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches a step ID to the error.
func (e *EngineError) WithStep(stepID string) *EngineError {
	e.StepID = stepID
	return e
}

// WithCause attaches an underlying cause.
func (e *EngineError) WithCause(err error) *EngineError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *EngineError) WithDetails(details map[string]any) *EngineError {
	e.Details = details
	return e
}
