package errors

import (
	stderrors "errors"
	"fmt"
	"time"
)

// ErrorType represents the type of error
type ErrorType string

const (
	ErrorTypeValidation     ErrorType = "validation"
	ErrorTypeNotFound       ErrorType = "not_found"
	ErrorTypeInternal       ErrorType = "internal"
	ErrorTypeTimeout        ErrorType = "timeout"
	ErrorTypeCircuitOpen    ErrorType = "circuit_open"
	ErrorTypeDegraded       ErrorType = "degraded"
	ErrorTypeHandlerFailure ErrorType = "handler_failure"
	ErrorTypeBudgetOverflow ErrorType = "budget_overflow"
	ErrorTypeStorage        ErrorType = "storage"
	ErrorTypeConflict       ErrorType = "conflict"
)

// AppError represents an application error with context
type AppError struct {
	Type      ErrorType         `json:"type"`
	Code      string            `json:"code"`
	Message   string            `json:"message"`
	Details   map[string]string `json:"details,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Cause     error             `json:"-"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause
func (e *AppError) Unwrap() error {
	return e.Cause
}

// NewAppError creates a new application error
func NewAppError(errorType ErrorType, code, message string) *AppError {
	return &AppError{
		Type:      errorType,
		Code:      code,
		Message:   message,
		Details:   make(map[string]string),
		Timestamp: time.Now(),
	}
}

// WithCause adds a cause to the error
func (e *AppError) WithCause(cause error) *AppError {
	e.Cause = cause
	return e
}

// WithDetail adds a detail to the error
func (e *AppError) WithDetail(key, value string) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// Common error constructors
func NewValidationError(message string) *AppError {
	return NewAppError(ErrorTypeValidation, "VALIDATION_ERROR", message)
}

func NewNotFoundError(resource string) *AppError {
	return NewAppError(ErrorTypeNotFound, "NOT_FOUND", fmt.Sprintf("%s not found", resource))
}

func NewInternalError(message string) *AppError {
	return NewAppError(ErrorTypeInternal, "INTERNAL_ERROR", message)
}

// NewTimeoutExceeded reports that an operation ran past its tier deadline.
// It is non-fatal: the caller receives the fallback alongside it.
func NewTimeoutExceeded(operation, level, fallback string) *AppError {
	return NewAppError(ErrorTypeTimeout, "TIMEOUT_EXCEEDED", fmt.Sprintf("%s timed out", operation)).
		WithDetail("level", level).
		WithDetail("fallback", fallback)
}

func NewCircuitOpenError(name string) *AppError {
	return NewAppError(ErrorTypeCircuitOpen, "CIRCUIT_OPEN", fmt.Sprintf("circuit breaker %s is open", name)).
		WithDetail("breaker", name)
}

func NewFeatureUnavailableError(feature, level string) *AppError {
	return NewAppError(ErrorTypeDegraded, "DEGRADED_FEATURE_UNAVAILABLE",
		fmt.Sprintf("feature %s is disabled at degradation level %s", feature, level)).
		WithDetail("feature", feature).
		WithDetail("level", level)
}

func NewHandlerFailure(topic, subscriptionID string, cause error) *AppError {
	return NewAppError(ErrorTypeHandlerFailure, "HANDLER_FAILURE", fmt.Sprintf("handler for %s failed", topic)).
		WithDetail("topic", topic).
		WithDetail("subscription_id", subscriptionID).
		WithCause(cause)
}

func NewBudgetOverflowError(usage float64) *AppError {
	return NewAppError(ErrorTypeBudgetOverflow, "BUDGET_OVERFLOW", "token budget overflow").
		WithDetail("usage", fmt.Sprintf("%.4f", usage))
}

func NewStorageError(operation string, cause error) *AppError {
	return NewAppError(ErrorTypeStorage, "STORAGE_ERROR", fmt.Sprintf("storage %s failed", operation)).
		WithDetail("operation", operation).
		WithCause(cause)
}

// NewAlreadyResumedError rejects a second resume of the same checkpoint.
// successor may be empty when the earlier resume did not record it.
func NewAlreadyResumedError(checkpointID, successor string) *AppError {
	err := NewAppError(ErrorTypeConflict, "CHECKPOINT_ALREADY_RESUMED",
		fmt.Sprintf("checkpoint %s was already resumed", checkpointID)).
		WithDetail("checkpoint_id", checkpointID)
	if successor != "" {
		err.WithDetail("successor_session_id", successor)
	}
	return err
}

// As finds the first AppError in err's chain.
func As(err error) (*AppError, bool) {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// IsType checks if the error is of a specific type
func IsType(err error, errorType ErrorType) bool {
	if appErr, ok := As(err); ok {
		return appErr.Type == errorType
	}
	return false
}

// GetCode returns the error code if it's an AppError
func GetCode(err error) string {
	if appErr, ok := As(err); ok {
		return appErr.Code
	}
	return "UNKNOWN_ERROR"
}

// GetType returns the error type if it's an AppError
func GetType(err error) ErrorType {
	if appErr, ok := As(err); ok {
		return appErr.Type
	}
	return ErrorTypeInternal
}
