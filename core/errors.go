package core

import (
	"errors"
	"fmt"
)

// Standard sentinel errors for comparison using errors.Is().
// These are generic errors that can be wrapped with additional context.
var (
	// State machine errors
	ErrInvalidState     = errors.New("invalid state for operation")
	ErrWorkflowNotFound = errors.New("workflow not found")
	ErrStepNotFound     = errors.New("step not found")
	ErrWorkflowTerminal = errors.New("workflow already terminal")

	// Admission errors
	ErrTenantRequired      = errors.New("tenant context required")
	ErrFeatureNotAvailable = errors.New("feature not available for tenant")
	ErrModuleNotEnabled    = errors.New("module not enabled for tenant")

	// Policy errors
	ErrPolicyCompile     = errors.New("policy document failed to compile")
	ErrPolicySetNotFound = errors.New("policy set not found")

	// Resolution errors
	ErrResolutionFailed  = errors.New("approver resolution failed")
	ErrNoResolver        = errors.New("no resolver registered for approver type")

	// Operation errors
	ErrTimeout            = errors.New("operation timeout")
	ErrContextCanceled    = errors.New("context canceled")
	ErrMaxRetriesExceeded = errors.New("maximum retries exceeded")
	ErrCircuitBreakerOpen = errors.New("circuit breaker is open")

	// Provisioning errors
	ErrProvisioningFailed = errors.New("provisioning failed")
)

// Machine error codes carried on OrchestratorError. These are the codes
// surfaced to callers and embedded in explanations for failure states.
const (
	CodePolicyCompile       = "POLICY_COMPILE_ERROR"
	CodeResolution          = "RESOLUTION_ERROR"
	CodeInvalidState        = "INVALID_STATE_ERROR"
	CodeTenantRequired      = "TENANT_REQUIRED_ERROR"
	CodeFeatureNotAvailable = "FEATURE_NOT_AVAILABLE_ERROR"
	CodeModuleNotEnabled    = "MODULE_NOT_ENABLED_ERROR"
	CodeTimeout             = "TIMEOUT_ERROR"
	CodeProvisioning        = "PROVISIONING_ERROR"
)

// OrchestratorError provides structured error information with context.
// It implements the error interface and supports error wrapping.
type OrchestratorError struct {
	Op      string // Operation that failed (e.g., "executor.RecordDecision")
	Code    string // Machine code (e.g., CodeInvalidState)
	ID      string // Optional ID of the entity involved
	Message string // Human-readable message
	Err     error  // Underlying error for wrapping
}

// Error returns the string representation of the error.
func (e *OrchestratorError) Error() string {
	if e.Op != "" && e.Err != nil {
		if e.ID != "" {
			return fmt.Sprintf("%s [%s]: %v", e.Op, e.ID, e.Err)
		}
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s error", e.Code)
}

// Unwrap returns the underlying error for use with errors.Is/As.
func (e *OrchestratorError) Unwrap() error {
	return e.Err
}

// NewError creates a new OrchestratorError.
func NewError(op, code string, err error) *OrchestratorError {
	return &OrchestratorError{Op: op, Code: code, Err: err}
}

// ErrorCode extracts the machine code from an error chain. Returns the
// empty string when no OrchestratorError is present.
func ErrorCode(err error) string {
	var oe *OrchestratorError
	if errors.As(err, &oe) {
		return oe.Code
	}
	return ""
}

// IsRetryable checks if an error is retryable. Retryable errors are
// typically transient timeouts or availability issues.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrResolutionFailed) ||
		errors.Is(err, ErrProvisioningFailed)
}

// IsAdmissionError checks if an error came from a pre-core admission check.
func IsAdmissionError(err error) bool {
	return errors.Is(err, ErrTenantRequired) ||
		errors.Is(err, ErrFeatureNotAvailable) ||
		errors.Is(err, ErrModuleNotEnabled)
}

// IsStateError checks if an error is related to invalid state transitions.
func IsStateError(err error) bool {
	return errors.Is(err, ErrInvalidState) ||
		errors.Is(err, ErrWorkflowTerminal)
}
