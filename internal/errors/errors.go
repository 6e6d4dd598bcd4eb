// Package errors provides structured error types for the sink. Every error
// carries a category, code, message and retryable flag so the task, the
// HTTP layer and callers can react without parsing strings.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies errors by pipeline stage.
type ErrorCategory string

const (
	ErrCategoryConversion ErrorCategory = "CONVERSION"
	ErrCategoryResolution ErrorCategory = "RESOLUTION"
	ErrCategoryWrite      ErrorCategory = "WRITE"
	ErrCategoryProjection ErrorCategory = "PROJECTION"
	ErrCategoryConfig     ErrorCategory = "CONFIG"
	ErrCategoryInternal   ErrorCategory = "INTERNAL"
)

// Error codes for each category.
const (
	// Conversion codes
	CodeUnsupportedRecordShape = "UNSUPPORTED_RECORD_SHAPE"
	CodeFieldTypeMismatch      = "FIELD_TYPE_MISMATCH"
	CodeMissingField           = "MISSING_FIELD"

	// Resolution codes
	CodeTimestampResolution = "TIMESTAMP_RESOLUTION_FAILED"

	// Write codes
	CodeWriteFailed = "WRITE_FAILED"
	CodeFlushFailed = "FLUSH_FAILED"
	CodeRowsLost    = "ROWS_LOST"

	// Projection codes
	CodeProjectionUnsupported = "PROJECTION_UNSUPPORTED"

	// Config codes
	CodeInvalidConfig = "INVALID_CONFIG"
	CodeUnknownTopic  = "UNKNOWN_TOPIC"
	CodeTableNotFound = "TABLE_NOT_FOUND"

	// Internal codes
	CodeUnexpected = "UNEXPECTED"
)

// Sentinels for errors.Is. Matching is by category and code only.
var (
	ErrUnsupportedRecordShape = New(ErrCategoryConversion, CodeUnsupportedRecordShape, "unsupported record shape")
	ErrFieldTypeMismatch      = New(ErrCategoryConversion, CodeFieldTypeMismatch, "field type mismatch")
	ErrMissingField           = New(ErrCategoryConversion, CodeMissingField, "missing field")
	ErrTimestampResolution    = New(ErrCategoryResolution, CodeTimestampResolution, "timestamp resolution failed")
	ErrWriteFailure           = New(ErrCategoryWrite, CodeWriteFailed, "write failed")
	ErrFlushFailure           = New(ErrCategoryWrite, CodeFlushFailed, "flush failed")
	ErrRowsLost               = New(ErrCategoryWrite, CodeRowsLost, "rows lost")
	ErrProjectionUnsupported  = New(ErrCategoryProjection, CodeProjectionUnsupported, "projection unsupported")
	ErrUnknownTopic           = New(ErrCategoryConfig, CodeUnknownTopic, "unknown topic")
	ErrTableNotFound          = New(ErrCategoryConfig, CodeTableNotFound, "table not found")
)

// SinkError is the structured error type used throughout the sink.
type SinkError struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Details   map[string]interface{}
	Cause     error
	Retryable bool
}

// Error returns a formatted error string.
func (e *SinkError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *SinkError) Unwrap() error {
	return e.Cause
}

// Is reports whether the target matches this error's category and code.
func (e *SinkError) Is(target error) bool {
	var t *SinkError
	if errors.As(target, &t) {
		return e.Category == t.Category && e.Code == t.Code
	}
	return false
}

// New creates a new SinkError.
func New(category ErrorCategory, code, message string) *SinkError {
	return &SinkError{
		Category:  category,
		Code:      code,
		Message:   message,
		Retryable: isRetryable(category, code),
	}
}

// Wrap creates a new SinkError wrapping an existing error.
func Wrap(category ErrorCategory, code, message string, cause error) *SinkError {
	return &SinkError{
		Category:  category,
		Code:      code,
		Message:   message,
		Cause:     cause,
		Retryable: isRetryable(category, code),
	}
}

// WithDetails returns a copy of the error with additional details merged in.
func (e *SinkError) WithDetails(details map[string]interface{}) *SinkError {
	cp := *e
	cp.Details = make(map[string]interface{}, len(e.Details)+len(details))
	for k, v := range e.Details {
		cp.Details[k] = v
	}
	for k, v := range details {
		cp.Details[k] = v
	}
	return &cp
}

// IsRetryable checks whether an error (or its chain) is retryable.
func IsRetryable(err error) bool {
	var se *SinkError
	if errors.As(err, &se) {
		return se.Retryable
	}
	return false
}

// GetCategory extracts the error category from an error chain.
// Returns empty string if the error is not a SinkError.
func GetCategory(err error) ErrorCategory {
	var se *SinkError
	if errors.As(err, &se) {
		return se.Category
	}
	return ""
}

// GetCode extracts the error code from an error chain.
// Returns empty string if the error is not a SinkError.
func GetCode(err error) string {
	var se *SinkError
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}

// GetDetails returns the details of the outermost SinkError in the chain.
func GetDetails(err error) map[string]interface{} {
	var se *SinkError
	if errors.As(err, &se) {
		return se.Details
	}
	return nil
}

// A flush that failed can be retried as a whole; an append that was
// rejected for its content cannot.
func isRetryable(category ErrorCategory, code string) bool {
	switch {
	case category == ErrCategoryWrite && code == CodeFlushFailed:
		return true
	default:
		return false
	}
}

// Convenience constructors for common errors.

func NewConversionError(code, message string) *SinkError {
	return New(ErrCategoryConversion, code, message)
}

func NewResolutionError(message string, cause error) *SinkError {
	return Wrap(ErrCategoryResolution, CodeTimestampResolution, message, cause)
}

func NewWriteError(code, message string, cause error) *SinkError {
	return Wrap(ErrCategoryWrite, code, message, cause)
}

func NewProjectionError(message string) *SinkError {
	return New(ErrCategoryProjection, CodeProjectionUnsupported, message)
}

func NewConfigError(code, message string, cause error) *SinkError {
	return Wrap(ErrCategoryConfig, code, message, cause)
}

func NewInternalError(message string, cause error) *SinkError {
	return Wrap(ErrCategoryInternal, CodeUnexpected, message, cause)
}
