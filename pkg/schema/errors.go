package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeTimeout           = "TIMEOUT"
	ErrCodeRateLimit         = "RATE_LIMIT"
	ErrCodeNetwork           = "NETWORK"
	ErrCodeAuthFailure       = "AUTH_FAILURE"
	ErrCodeInvalidResponse   = "INVALID_RESPONSE"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeWorkflowRunning   = "WORKFLOW_RUNNING"
	ErrCodeMissingProject    = "MISSING_PROJECT"
	ErrCodeRetryExhausted    = "RETRY_EXHAUSTED"
	ErrCodeStepFailed        = "STEP_FAILED"
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeStore             = "STORE_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeCancelled         = "CANCELLED"
)

// EngineError is the structured error type for all draftsmith operations.
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

// IsRetryable reports whether the error code names a transient failure class.
// Timeouts, rate limits, and network failures are retryable; everything else
// (auth failures, malformed responses, programmer errors) is fatal.
func (e *EngineError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeTimeout, ErrCodeRateLimit, ErrCodeNetwork:
		return true
	default:
		return false
	}
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
