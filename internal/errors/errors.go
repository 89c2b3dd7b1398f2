// Package errors provides the structured error type used by every cohortflow
// component. Each error carries a category, a code, a message and a
// retryable flag; Classify collapses any error into the class that is safe
// to show to uploaders.
package errors

import (
	"context"
	"errors"
	"fmt"
)

// ErrorCategory classifies errors by concern.
type ErrorCategory string

const (
	ErrCategoryInput     ErrorCategory = "INPUT"
	ErrCategoryStorage   ErrorCategory = "STORAGE"
	ErrCategoryIntegrity ErrorCategory = "INTEGRITY"
	ErrCategoryPipeline  ErrorCategory = "PIPELINE"
	ErrCategoryLedger    ErrorCategory = "LEDGER"
	ErrCategoryCatalog   ErrorCategory = "CATALOG"
	ErrCategoryInternal  ErrorCategory = "INTERNAL"
)

// Error codes for each category.
const (
	// Input codes
	CodeMalformedFile     = "MALFORMED_FILE"
	CodeEmptyFile         = "EMPTY_FILE"
	CodeMappingUnresolved = "MAPPING_UNRESOLVED"
	CodeMissingIdentifier = "MISSING_IDENTIFIER_COLUMN"
	CodeDuplicateColumn   = "DUPLICATE_COLUMN"
	CodeUnknownTableType  = "UNKNOWN_TABLE_TYPE"
	CodeInvalidRequest    = "INVALID_REQUEST"

	// Storage codes
	CodeNotFound         = "NOT_FOUND"
	CodePermissionDenied = "PERMISSION_DENIED"
	CodeTransientNetwork = "TRANSIENT_NETWORK"
	CodeChunkLimit       = "CHUNK_LIMIT"

	// Integrity codes
	CodeHashMismatch  = "HASH_MISMATCH"
	CodeMissingFile   = "MISSING_FILE"
	CodeStillPresent  = "STILL_PRESENT"
	CodeIntegrityHold = "INTEGRITY_HOLD"

	// Pipeline codes
	CodeStageTimeout      = "STAGE_TIMEOUT"
	CodeInvalidTransition = "INVALID_TRANSITION"
	CodeRetryExhausted    = "RETRY_EXHAUSTED"
	CodeResultMissing     = "RESULT_MISSING"
	CodeRunNotFound       = "RUN_NOT_FOUND"

	// Ledger codes
	CodeUnknownAction = "UNKNOWN_ACTION"
	CodeEntryNotFound = "ENTRY_NOT_FOUND"

	// Catalog codes
	CodeWriteConflict      = "WRITE_CONFLICT"
	CodeSubmissionNotFound = "SUBMISSION_NOT_FOUND"

	// Internal codes
	CodeUnexpected = "UNEXPECTED"
)

// CohortError is the structured error type used throughout the system.
type CohortError struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Details   map[string]interface{}
	Cause     error
	Retryable bool
}

// Error returns a formatted error string.
func (e *CohortError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *CohortError) Unwrap() error {
	return e.Cause
}

// Is reports whether the target matches this error's category and code.
func (e *CohortError) Is(target error) bool {
	var t *CohortError
	if errors.As(target, &t) {
		return e.Category == t.Category && e.Code == t.Code
	}
	return false
}

// New creates a new CohortError.
func New(category ErrorCategory, code, message string) *CohortError {
	return &CohortError{
		Category:  category,
		Code:      code,
		Message:   message,
		Retryable: isRetryable(category, code),
	}
}

// Wrap creates a new CohortError wrapping an existing error.
func Wrap(category ErrorCategory, code, message string, cause error) *CohortError {
	return &CohortError{
		Category:  category,
		Code:      code,
		Message:   message,
		Cause:     cause,
		Retryable: isRetryable(category, code),
	}
}

// WithDetails returns a copy of the error with additional details.
func (e *CohortError) WithDetails(details map[string]interface{}) *CohortError {
	cp := *e
	cp.Details = details
	return &cp
}

// IsRetryable checks whether an error (or its chain) is retryable.
// Context deadline expiry counts as a stage timeout.
func IsRetryable(err error) bool {
	var ce *CohortError
	if errors.As(err, &ce) {
		return ce.Retryable
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// GetCategory extracts the error category from an error chain.
// Returns empty string if the error is not a CohortError.
func GetCategory(err error) ErrorCategory {
	var ce *CohortError
	if errors.As(err, &ce) {
		return ce.Category
	}
	return ""
}

// GetCode extracts the error code from an error chain.
// Returns empty string if the error is not a CohortError.
func GetCode(err error) string {
	var ce *CohortError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ""
}

// IsNotFound reports whether err is a storage not-found error.
func IsNotFound(err error) bool {
	return GetCategory(err) == ErrCategoryStorage && GetCode(err) == CodeNotFound
}

func isRetryable(category ErrorCategory, code string) bool {
	switch {
	case category == ErrCategoryStorage && code == CodeTransientNetwork:
		return true
	case category == ErrCategoryPipeline && code == CodeStageTimeout:
		return true
	case category == ErrCategoryCatalog && code == CodeWriteConflict:
		return true
	default:
		return false
	}
}

// Class is the coarse error taxonomy exposed outside the operator surface.
type Class string

const (
	ClassNone      Class = ""
	ClassInput     Class = "input"
	ClassTransient Class = "transient"
	ClassIntegrity Class = "integrity"
	ClassInternal  Class = "internal"
)

// Classify collapses err into one of the public error classes.
func Classify(err error) Class {
	if err == nil {
		return ClassNone
	}
	if IsRetryable(err) {
		return ClassTransient
	}
	switch GetCategory(err) {
	case ErrCategoryInput:
		return ClassInput
	case ErrCategoryIntegrity:
		return ClassIntegrity
	default:
		return ClassInternal
	}
}

// PublicMessage returns the message that may be shown to a non-operator
// caller. Input errors keep their specific cause so the uploader can fix the
// file; everything else is reduced to its class.
func PublicMessage(err error) string {
	switch Classify(err) {
	case ClassNone:
		return ""
	case ClassInput:
		var ce *CohortError
		errors.As(err, &ce)
		return ce.Message
	default:
		return Classify(err).Message()
	}
}

// Message is the generic public text for errors of class c.
func (c Class) Message() string {
	switch c {
	case ClassNone:
		return ""
	case ClassInput:
		return "the upload was rejected"
	case ClassTransient:
		return "temporary infrastructure problem, the run will be retried"
	case ClassIntegrity:
		return "integrity check failed, flagged for operator review"
	default:
		return "internal error"
	}
}

// Convenience constructors for common errors.

func NewInputError(code, message string) *CohortError {
	return New(ErrCategoryInput, code, message)
}

func NewStorageError(code, message string, cause error) *CohortError {
	return Wrap(ErrCategoryStorage, code, message, cause)
}

func NewIntegrityError(code, message string) *CohortError {
	return New(ErrCategoryIntegrity, code, message)
}

func NewPipelineError(code, message string, cause error) *CohortError {
	return Wrap(ErrCategoryPipeline, code, message, cause)
}

func NewLedgerError(code, message string, cause error) *CohortError {
	return Wrap(ErrCategoryLedger, code, message, cause)
}

func NewCatalogError(code, message string, cause error) *CohortError {
	return Wrap(ErrCategoryCatalog, code, message, cause)
}

func NewInternalError(message string, cause error) *CohortError {
	return Wrap(ErrCategoryInternal, CodeUnexpected, message, cause)
}
