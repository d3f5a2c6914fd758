// Package errors provides structured error types for statcandb.
// All errors carry a category, code, message, and retryable flag so that the
// sync runner can decide how a failed product is reported.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies errors by the kind of failure.
type ErrorCategory string

const (
	ErrCategoryTransport    ErrorCategory = "TRANSPORT"
	ErrCategorySchema       ErrorCategory = "SCHEMA"
	ErrCategoryPrecondition ErrorCategory = "PRECONDITION"
	ErrCategoryStorage      ErrorCategory = "STORAGE"
	ErrCategoryRecords      ErrorCategory = "RECORDS"
	ErrCategoryInternal     ErrorCategory = "INTERNAL"
)

// Error codes for each category.
const (
	// Transport codes
	CodeHTTPStatus     = "HTTP_STATUS"
	CodeDownloadFailed = "DOWNLOAD_FAILED"
	CodeCorruptArchive = "CORRUPT_ARCHIVE"
	CodeBadResponse    = "BAD_RESPONSE"

	// Schema codes
	CodeTypeCoercion  = "TYPE_COERCION"
	CodeEmptyInput    = "EMPTY_INPUT"
	CodeMissingColumn = "MISSING_COLUMN"

	// Precondition codes
	CodeTargetExists     = "TARGET_EXISTS"
	CodeMissingDirectory = "MISSING_DIRECTORY"
	CodeMissingArgument  = "MISSING_ARGUMENT"
	CodeMissingInput     = "MISSING_INPUT"

	// Storage codes
	CodeUploadFailed = "UPLOAD_FAILED"
	CodeDeleteFailed = "DELETE_FAILED"
	CodeListFailed   = "LIST_FAILED"

	// Records codes
	CodeReadFailed   = "READ_FAILED"
	CodeUpsertFailed = "UPSERT_FAILED"

	// Internal codes
	CodeUnexpected = "UNEXPECTED"
)

// Error is the structured error type used throughout the system.
type Error struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Details   map[string]interface{}
	Cause     error
	Retryable bool
}

// Error returns a formatted error string.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether the target matches this error's category and code.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Category == t.Category && e.Code == t.Code
	}
	return false
}

// New creates a new Error.
func New(category ErrorCategory, code, message string) *Error {
	return &Error{
		Category:  category,
		Code:      code,
		Message:   message,
		Retryable: isRetryable(category, code),
	}
}

// Wrap creates a new Error wrapping an existing error.
func Wrap(category ErrorCategory, code, message string, cause error) *Error {
	return &Error{
		Category:  category,
		Code:      code,
		Message:   message,
		Cause:     cause,
		Retryable: isRetryable(category, code),
	}
}

// WithDetails returns a copy of the error with additional details.
func (e *Error) WithDetails(details map[string]interface{}) *Error {
	cp := *e
	cp.Details = details
	return &cp
}

// IsRetryable checks whether an error (or its chain) is retryable.
func IsRetryable(err error) bool {
	var se *Error
	if errors.As(err, &se) {
		return se.Retryable
	}
	return false
}

// GetCategory extracts the error category from an error chain.
// Returns empty string if the error is not an *Error.
func GetCategory(err error) ErrorCategory {
	var se *Error
	if errors.As(err, &se) {
		return se.Category
	}
	return ""
}

// GetCode extracts the error code from an error chain.
// Returns empty string if the error is not an *Error.
func GetCode(err error) string {
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}

// IsPrecondition reports whether err is a precondition violation. These are
// fatal to the invoking operation and are never downgraded to a skipped product.
func IsPrecondition(err error) bool {
	return GetCategory(err) == ErrCategoryPrecondition
}

// isRetryable marks transient transport and storage failures.
func isRetryable(category ErrorCategory, code string) bool {
	switch {
	case category == ErrCategoryTransport && code == CodeHTTPStatus:
		return true
	case category == ErrCategoryTransport && code == CodeDownloadFailed:
		return true
	case category == ErrCategoryStorage && code == CodeUploadFailed:
		return true
	case category == ErrCategoryStorage && code == CodeDeleteFailed:
		return true
	default:
		return false
	}
}

// Convenience constructors for common errors.

func NewTransportError(code, message string, cause error) *Error {
	return Wrap(ErrCategoryTransport, code, message, cause)
}

func NewSchemaError(code, message string, cause error) *Error {
	return Wrap(ErrCategorySchema, code, message, cause)
}

func NewPreconditionError(code, message string) *Error {
	return New(ErrCategoryPrecondition, code, message)
}

func NewStorageError(code, message string, cause error) *Error {
	return Wrap(ErrCategoryStorage, code, message, cause)
}

func NewRecordsError(code, message string, cause error) *Error {
	return Wrap(ErrCategoryRecords, code, message, cause)
}

func NewInternalError(message string, cause error) *Error {
	return Wrap(ErrCategoryInternal, CodeUnexpected, message, cause)
}
