// Package errors provides error codes and the sync error taxonomy.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents a unique error code surfaced to callers of the sync engine.
type ErrorCode string

const (
	// General errors
	ErrInternal ErrorCode = "INTERNAL_ERROR"
	ErrInvalid  ErrorCode = "INVALID_INPUT"
	ErrNotFound ErrorCode = "NOT_FOUND"

	// Storage errors
	ErrStorage   ErrorCode = "STORAGE_ERROR"
	ErrMigration ErrorCode = "MIGRATION_FAILED"

	// Configuration errors are the only hard failures at initialization.
	ErrInvalidConfig ErrorCode = "INVALID_CONFIG"

	// Sync errors
	ErrTransport      ErrorCode = "TRANSPORT_ERROR"
	ErrSerialization  ErrorCode = "SERIALIZATION_ERROR"
	ErrQueueExhausted ErrorCode = "QUEUE_EXHAUSTED"
	ErrConflictReview ErrorCode = "CONFLICT_REQUIRES_REVIEW"
	ErrSyncInProgress ErrorCode = "SYNC_IN_PROGRESS"
	ErrSyncNotReady   ErrorCode = "SYNC_NOT_READY"
)

// AppError represents an application error with code and message.
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError.
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Newf creates a new AppError with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *AppError {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap wraps an existing error with an error code.
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Is checks if err, or any error it wraps, carries the given code.
func Is(err error, code ErrorCode) bool {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// CodeOf returns the code of the outermost AppError in err's chain, or ErrInternal.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrInternal
}

// IsRetryable reports whether a failure should re-enter the retry queue's backoff path.
// Transport failures are retryable; serialization and configuration errors are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch CodeOf(err) {
	case ErrTransport, ErrStorage, ErrInternal:
		return true
	default:
		return false
	}
}

// Transport wraps a network or timeout failure.
func Transport(message string, err error) *AppError {
	return Wrap(ErrTransport, message, err)
}

// Serialization wraps a malformed payload failure.
func Serialization(message string, err error) *AppError {
	return Wrap(ErrSerialization, message, err)
}

// InvalidConfig reports a configuration contract violation.
func InvalidConfig(message string, err error) *AppError {
	return Wrap(ErrInvalidConfig, message, err)
}

// NotFound reports a missing entity, operation or conflict.
func NotFound(kind, id string) *AppError {
	return Newf(ErrNotFound, "%s %s not found", kind, id)
}
