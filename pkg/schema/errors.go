package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	// Configuration and definition errors. Fatal, never retried.
	ErrCodeConfig     = "CONFIG_ERROR"
	ErrCodeDefinition = "WORKFLOW_DEFINITION_ERROR"

	// Dependency resolution errors. Fatal for the affected run only.
	ErrCodeNotFound            = "NOT_FOUND"
	ErrCodeDuplicateName       = "DUPLICATE_NAME"
	ErrCodeCircularDependency  = "CIRCULAR_DEPENDENCY"
	ErrCodeIncompatibleVersion = "INCOMPATIBLE_VERSION"

	// Execution errors. Retried per policy, then surfaced.
	ErrCodeExecution = "EXECUTION_ERROR"
	ErrCodeTimeout   = "TIMEOUT"
	ErrCodeDriver    = "DRIVER_ERROR"
	ErrCodeExhausted = "RETRY_EXHAUSTED"

	// Step input errors.
	ErrCodeMissingInput = "MISSING_INPUT"

	// Session and coordination errors.
	ErrCodeAccountBusy     = "ACCOUNT_BUSY"
	ErrCodeSessionLost     = "SESSION_LOST"
	ErrCodeAccountCooldown = "ACCOUNT_COOLDOWN"

	// Infrastructure errors.
	ErrCodeStore             = "STORE_ERROR"
	ErrCodeVault             = "VAULT_ERROR"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeCancelled         = "CANCELLED"
)

// DroverError is the structured error type for all drover operations.
// Plugin name, account ID, and run ID identify where a failure happened;
// credentials are never embedded.
type DroverError struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Plugin    string         `json:"plugin,omitempty"`
	AccountID string         `json:"account_id,omitempty"`
	RunID     string         `json:"run_id,omitempty"`
	Attempts  int            `json:"attempts,omitempty"`
	Cause     error          `json:"-"`
}

func (e *DroverError) Error() string {
	if e.Plugin != "" {
		return fmt.Sprintf("[%s] plugin %s: %s", e.Code, e.Plugin, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *DroverError) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether the error code belongs to the retryable class.
// Only execution-layer failures are retryable; resolution, definition, and
// coordination errors are surfaced immediately.
func (e *DroverError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeExecution, ErrCodeTimeout, ErrCodeDriver, ErrCodeStore:
		return true
	default:
		return false
	}
}

// CodeOf extracts the error code from any error in the chain, or "" when
// the chain carries no DroverError.
func CodeOf(err error) string {
	var derr *DroverError
	if errors.As(err, &derr) {
		return derr.Code
	}
	return ""
}

// NewError creates a new DroverError.
func NewError(code, message string) *DroverError {
	return &DroverError{Code: code, Message: message}
}

// NewErrorf creates a new DroverError with a formatted message.
func NewErrorf(code, format string, args ...any) *DroverError {
	return &DroverError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithPlugin attaches the plugin name to the error.
func (e *DroverError) WithPlugin(name string) *DroverError {
	e.Plugin = name
	return e
}

// WithAccount attaches the account ID to the error.
func (e *DroverError) WithAccount(accountID string) *DroverError {
	e.AccountID = accountID
	return e
}

// WithRun attaches the workflow run ID to the error.
func (e *DroverError) WithRun(runID string) *DroverError {
	e.RunID = runID
	return e
}

// WithAttempts records how many execution attempts were made.
func (e *DroverError) WithAttempts(n int) *DroverError {
	e.Attempts = n
	return e
}

// WithCause attaches an underlying cause.
func (e *DroverError) WithCause(err error) *DroverError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *DroverError) WithDetails(details map[string]any) *DroverError {
	e.Details = details
	return e
}
