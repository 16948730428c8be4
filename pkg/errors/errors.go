// Package errors defines the structured error type shared by every stage of
// the statement pipeline.
//
// Each error carries a category (which decides the CLI exit code), a stable
// code, an operator-facing suggestion, free-form context, and the pipeline
// stage it was raised in. Stack traces are captured with github.com/pkg/errors.
package errors

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// ErrorCategory represents different categories of errors
type ErrorCategory string

const (
	CategoryConfiguration ErrorCategory = "configuration"
	CategoryParse         ErrorCategory = "parse"
	CategoryOCR           ErrorCategory = "ocr"
	CategoryValidation    ErrorCategory = "validation"
	CategoryStorage       ErrorCategory = "storage"
	CategoryLedger        ErrorCategory = "ledger"
	CategoryInternal      ErrorCategory = "internal"
)

// ErrorCode represents specific error codes within categories
type ErrorCode string

const (
	// Configuration errors
	CodeMissingDateFormat   ErrorCode = "missing_date_format"
	CodeAmbiguousDateFormat ErrorCode = "ambiguous_date_format"
	CodeInvalidContact      ErrorCode = "invalid_contact_config"
	CodeMissingConfig       ErrorCode = "missing_config"
	CodeInvalidConfig       ErrorCode = "invalid_config"

	// Parse errors
	CodeInvalidDate   ErrorCode = "invalid_date"
	CodeAmbiguousDate ErrorCode = "ambiguous_date"
	CodeInvalidNumber ErrorCode = "invalid_number"
	CodeInvalidInput  ErrorCode = "invalid_input"

	// OCR errors
	CodeOCRJobFailed  ErrorCode = "ocr_job_failed"
	CodeOCRTimeout    ErrorCode = "ocr_timeout"
	CodeOCRSubmission ErrorCode = "ocr_submission_failed"

	// Validation errors
	CodeItemCountDisagreement ErrorCode = "item_count_disagreement"
	CodeNoTextLayer           ErrorCode = "no_text_layer"
	CodeMissingField          ErrorCode = "missing_field"

	// Storage errors
	CodeStorageFailure  ErrorCode = "storage_failure"
	CodeVersionConflict ErrorCode = "version_conflict"
	CodeNotFound        ErrorCode = "not_found"

	// Ledger errors
	CodeLedgerFetchFailed ErrorCode = "ledger_fetch_failed"
	CodeSyncInProgress    ErrorCode = "sync_in_progress"

	// Internal errors
	CodeUnexpectedError ErrorCode = "unexpected_error"
)

// Stage names the pipeline step that produced an error.
type Stage string

const (
	StageOCR          Stage = "ocr"
	StageCanonicalize Stage = "canonicalize"
	StagePersist      Stage = "persist"
	StageValidate     Stage = "validate"
	StageAnomaly      Stage = "anomaly"
	StageUpload       Stage = "upload"
	StageSync         Stage = "sync"
)

// StatementError is the base error type for all application errors
type StatementError struct {
	Category   ErrorCategory     `json:"category"`
	Code       ErrorCode         `json:"code"`
	Message    string            `json:"message"`
	Stage      Stage             `json:"stage,omitempty"`
	Suggestion string            `json:"suggestion,omitempty"`
	Context    Context           `json:"context,omitempty"`
	Cause      error             `json:"-"`
	StackTrace errors.StackTrace `json:"-"`
}

// Context provides additional information about the error
type Context map[string]interface{}

// Error implements the error interface
func (e *StatementError) Error() string {
	msg := e.Message
	if e.Stage != "" {
		msg = fmt.Sprintf("[%s] %s", e.Stage, msg)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	if e.Suggestion != "" {
		return fmt.Sprintf("%s (suggestion: %s)", msg, e.Suggestion)
	}
	return msg
}

// Unwrap returns the underlying cause error
func (e *StatementError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a StatementError with the same code.
func (e *StatementError) Is(target error) bool {
	t, ok := target.(*StatementError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// GetExitCode returns an appropriate exit code for the error
func (e *StatementError) GetExitCode() int {
	switch e.Category {
	case CategoryParse, CategoryValidation:
		return 3
	case CategoryConfiguration:
		return 4
	case CategoryInternal:
		return 5
	case CategoryOCR:
		return 6
	case CategoryStorage:
		return 7
	case CategoryLedger:
		return 8
	default:
		return 1
	}
}

// WithContext adds context information to the error
func (e *StatementError) WithContext(key string, value interface{}) *StatementError {
	if e.Context == nil {
		e.Context = make(Context)
	}
	e.Context[key] = value
	return e
}

// WithSuggestion adds a suggestion for fixing the error
func (e *StatementError) WithSuggestion(suggestion string) *StatementError {
	e.Suggestion = suggestion
	return e
}

// WithStage records the pipeline stage the error belongs to.
func (e *StatementError) WithStage(stage Stage) *StatementError {
	e.Stage = stage
	return e
}

type stackTracer interface {
	StackTrace() errors.StackTrace
}

// New creates a new StatementError
func New(category ErrorCategory, code ErrorCode, message string) *StatementError {
	return &StatementError{
		Category:   category,
		Code:       code,
		Message:    message,
		StackTrace: errors.New("").(stackTracer).StackTrace()[1:],
	}
}

// Wrap wraps an existing error with additional context
func Wrap(err error, category ErrorCategory, code ErrorCode, message string) *StatementError {
	if err == nil {
		return nil
	}

	var trace errors.StackTrace
	if st, ok := err.(stackTracer); ok {
		trace = st.StackTrace()
	} else {
		trace = errors.WithStack(err).(stackTracer).StackTrace()[1:]
	}

	return &StatementError{
		Category:   category,
		Code:       code,
		Message:    message,
		Cause:      err,
		StackTrace: trace,
	}
}

func build(category ErrorCategory, code ErrorCode, message string, err error) *StatementError {
	if err != nil {
		return Wrap(err, category, code, message)
	}
	return New(category, code, message)
}

// ConfigurationError creates a configuration-related error
func ConfigurationError(code ErrorCode, setting string, value interface{}, err error) *StatementError {
	var message, suggestion string

	switch code {
	case CodeMissingDateFormat:
		message = "contact configuration has no date_format"
		suggestion = "set statement_items.date_format for this contact, e.g. DD/MM/YYYY"
	case CodeAmbiguousDateFormat:
		message = fmt.Sprintf("date format %v cannot distinguish day from month", value)
		suggestion = "use a textual month (MMM) or confirm the statement's day/month order"
	case CodeInvalidContact:
		message = fmt.Sprintf("invalid contact configuration: %s", setting)
		suggestion = "check the statement_items mapping shape and field names"
	case CodeMissingConfig:
		message = fmt.Sprintf("missing required configuration: %s", setting)
		suggestion = fmt.Sprintf("provide a value for %s in the config file or environment", setting)
	case CodeInvalidConfig:
		message = fmt.Sprintf("invalid configuration for %s: %v", setting, value)
		suggestion = "check the configuration value against the documented options"
	default:
		message = fmt.Sprintf("configuration error: %s", setting)
		suggestion = "check your configuration and try again"
	}

	return build(CategoryConfiguration, code, message, err).
		WithSuggestion(suggestion).
		WithContext("setting", setting).
		WithContext("value", value)
}

// ParseError creates a parsing error for a single value
func ParseError(code ErrorCode, field, value string, err error) *StatementError {
	var message, suggestion string

	switch code {
	case CodeInvalidDate:
		message = fmt.Sprintf("cannot parse date %q in %s", value, field)
		suggestion = "check the contact's date_format against the statement"
	case CodeAmbiguousDate:
		message = fmt.Sprintf("date %q in %s is ambiguous between day and month", value, field)
		suggestion = "use a template with a textual month or an unambiguous day"
	case CodeInvalidNumber:
		message = fmt.Sprintf("cannot parse number %q in %s", value, field)
		suggestion = "the value is kept as text"
	default:
		message = fmt.Sprintf("cannot parse %s: %q", field, value)
		suggestion = "check the input format"
	}

	return build(CategoryParse, code, message, err).
		WithSuggestion(suggestion).
		WithContext("field", field).
		WithContext("value", value)
}

// OCRError creates an error for a failed or timed-out OCR job
func OCRError(code ErrorCode, jobID, lastStatus string, err error) *StatementError {
	var message, suggestion string

	switch code {
	case CodeOCRJobFailed:
		message = fmt.Sprintf("OCR job %s ended with status %s", jobID, lastStatus)
		suggestion = "inspect the job in the OCR console; the document may be unreadable"
	case CodeOCRTimeout:
		message = fmt.Sprintf("OCR job %s did not finish in time (last status %s)", jobID, lastStatus)
		suggestion = "increase ocr.timeout or retry the statement later"
	case CodeOCRSubmission:
		message = "could not start OCR job"
		suggestion = "check AWS credentials, region and the document location"
	default:
		message = fmt.Sprintf("OCR error for job %s", jobID)
		suggestion = "retry the extraction"
	}

	return build(CategoryOCR, code, message, err).
		WithStage(StageOCR).
		WithSuggestion(suggestion).
		WithContext("job_id", jobID).
		WithContext("last_status", lastStatus)
}

// ValidationError creates a validation-related error
func ValidationError(code ErrorCode, field string, value interface{}, err error) *StatementError {
	var message, suggestion string

	switch code {
	case CodeItemCountDisagreement:
		message = "extracted references disagree with the document text"
		suggestion = "review the not-found and PDF-only references"
	case CodeNoTextLayer:
		message = "document has no extractable text layer"
		suggestion = "round-trip validation is skipped for scanned images"
	case CodeMissingField:
		message = fmt.Sprintf("missing required field: %s", field)
		suggestion = fmt.Sprintf("provide a value for %s", field)
	default:
		message = fmt.Sprintf("validation error for %s", field)
		suggestion = "check the input and try again"
	}

	return build(CategoryValidation, code, message, err).
		WithStage(StageValidate).
		WithSuggestion(suggestion).
		WithContext("field", field).
		WithContext("value", value)
}

// StorageError creates a storage-related error
func StorageError(code ErrorCode, operation, key string, err error) *StatementError {
	var message, suggestion string

	switch code {
	case CodeVersionConflict:
		message = fmt.Sprintf("concurrent update during %s of %s", operation, key)
		suggestion = "reload the record and retry"
	case CodeNotFound:
		message = fmt.Sprintf("%s not found", key)
		suggestion = "check the tenant and identifier"
	default:
		message = fmt.Sprintf("storage failure during %s of %s", operation, key)
		suggestion = "check the storage backend connection and permissions"
	}

	return build(CategoryStorage, code, message, err).
		WithSuggestion(suggestion).
		WithContext("operation", operation).
		WithContext("key", key)
}

// LedgerError creates a ledger-sync error
func LedgerError(code ErrorCode, tenant, resource string, err error) *StatementError {
	var message, suggestion string

	switch code {
	case CodeLedgerFetchFailed:
		message = fmt.Sprintf("fetching %s for tenant %s failed", resource, tenant)
		suggestion = "check the ledger API connection; the previous cache is kept"
	case CodeSyncInProgress:
		message = fmt.Sprintf("a sync for tenant %s is already running", tenant)
		suggestion = "wait for it to finish or request a full sync"
	default:
		message = fmt.Sprintf("ledger error for tenant %s", tenant)
		suggestion = "retry the sync"
	}

	return build(CategoryLedger, code, message, err).
		WithStage(StageSync).
		WithSuggestion(suggestion).
		WithContext("tenant", tenant).
		WithContext("resource", resource)
}

// InternalError creates an internal error
func InternalError(code ErrorCode, operation string, err error) *StatementError {
	message := fmt.Sprintf("internal error during %s", operation)
	suggestion := "try again or contact support if the problem persists"
	if code == CodeUnexpectedError {
		message = fmt.Sprintf("unexpected error during %s", operation)
		suggestion = "this is likely a bug - please report it with the error details"
	}

	return build(CategoryInternal, code, message, err).
		WithSuggestion(suggestion).
		WithContext("operation", operation)
}

// ErrorSummary provides a summary of multiple errors
type ErrorSummary struct {
	Total        int                   `json:"total"`
	ByCategory   map[ErrorCategory]int `json:"by_category"`
	ByCode       map[ErrorCode]int     `json:"by_code"`
	ByStage      map[Stage]int         `json:"by_stage"`
	Errors       []*StatementError     `json:"errors"`
	SampleErrors []*StatementError     `json:"sample_errors,omitempty"`
}

// NewErrorSummary creates a new error summary
func NewErrorSummary(errs []*StatementError) *ErrorSummary {
	summary := &ErrorSummary{
		Total:      len(errs),
		ByCategory: make(map[ErrorCategory]int),
		ByCode:     make(map[ErrorCode]int),
		ByStage:    make(map[Stage]int),
		Errors:     errs,
	}
	if len(errs) == 0 {
		summary.Errors = []*StatementError{}
		return summary
	}

	for _, err := range errs {
		summary.ByCategory[err.Category]++
		summary.ByCode[err.Code]++
		if err.Stage != "" {
			summary.ByStage[err.Stage]++
		}
	}

	maxSamples := 5
	if len(errs) > maxSamples {
		summary.SampleErrors = errs[:maxSamples]
	} else {
		summary.SampleErrors = errs
	}

	return summary
}

// Error returns a formatted error message for the summary
func (es *ErrorSummary) Error() string {
	if es.Total == 0 {
		return "no errors"
	}
	if es.Total == 1 {
		return es.Errors[0].Error()
	}

	var categories []string
	for category, count := range es.ByCategory {
		categories = append(categories, fmt.Sprintf("%s: %d", category, count))
	}

	return fmt.Sprintf("%d errors occurred (%s)", es.Total, strings.Join(categories, ", "))
}

// HasCategory checks if the summary contains errors of the given category
func (es *ErrorSummary) HasCategory(category ErrorCategory) bool {
	return es.ByCategory[category] > 0
}

// HasCode checks if the summary contains errors with the given code
func (es *ErrorSummary) HasCode(code ErrorCode) bool {
	return es.ByCode[code] > 0
}

// GetExitCode returns the highest priority exit code from all errors
func (es *ErrorSummary) GetExitCode() int {
	if es.Total == 0 {
		return 0
	}

	maxCode := 1
	for _, err := range es.Errors {
		if code := err.GetExitCode(); code > maxCode {
			maxCode = code
		}
	}
	return maxCode
}

// AsStatementError extracts a StatementError from an error chain
func AsStatementError(err error) (*StatementError, bool) {
	var statementErr *StatementError
	if errors.As(err, &statementErr) {
		return statementErr, true
	}
	return nil, false
}

// HasCode reports whether any StatementError in the chain carries code.
func HasCode(err error, code ErrorCode) bool {
	se, ok := AsStatementError(err)
	return ok && se.Code == code
}

// WrapIfNeeded wraps an error if it's not already a StatementError
func WrapIfNeeded(err error, category ErrorCategory, code ErrorCode, message string) *StatementError {
	if err == nil {
		return nil
	}
	if statementErr, ok := AsStatementError(err); ok {
		return statementErr
	}
	return Wrap(err, category, code, message)
}
