package errors

import (
	"errors"
	"fmt"
)

// ErrNilDependency is returned by constructors when a required collaborator is nil.
var ErrNilDependency = errors.New("nil dependency")

// PolicyError is the structured error type for policyrag.
// It carries enough context for logging, API mapping and CLI presentation.
type PolicyError struct {
	// Code is the unique error code (e.g., "ERR_304_INDEX_UNAVAILABLE").
	Code string

	// Message is the human-readable error message.
	Message string

	// Category is the error category (Config, IO, Network, etc.).
	Category Category

	// Severity is the error severity level.
	Severity Severity

	// Details contains additional context as key-value pairs.
	Details map[string]string

	// Cause is the underlying error.
	Cause error

	// Retryable indicates if the operation can be retried.
	Retryable bool

	// Suggestion is an actionable suggestion for the user.
	Suggestion string
}

// Error implements the error interface.
func (e *PolicyError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for error chain support.
func (e *PolicyError) Unwrap() error {
	return e.Cause
}

// Is matches another PolicyError by code, so errors.Is works against the
// exported sentinels below.
func (e *PolicyError) Is(target error) bool {
	if t, ok := target.(*PolicyError); ok {
		return e.Code == t.Code
	}
	return false
}

// WithDetail adds a key-value detail to the error.
func (e *PolicyError) WithDetail(key, value string) *PolicyError {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// WithSuggestion adds an actionable suggestion for the user.
func (e *PolicyError) WithSuggestion(suggestion string) *PolicyError {
	e.Suggestion = suggestion
	return e
}

// Sentinels for errors.Is checks. Only the code is compared.
var (
	ErrIndexUnavailable  = &PolicyError{Code: ErrCodeIndexUnavailable}
	ErrUnknownSourceType = &PolicyError{Code: ErrCodeUnknownSourceType}
	ErrMalformedPayload  = &PolicyError{Code: ErrCodeMalformedPayload}
	ErrGenerationFailed  = &PolicyError{Code: ErrCodeGenerationUnavailable}
	ErrEmbeddingFailed   = &PolicyError{Code: ErrCodeEmbeddingUnavailable}
	ErrInvalidQuery      = &PolicyError{Code: ErrCodeInvalidQuery}
)

// New creates a new PolicyError with the given code and message.
// Category, severity, and retryable flag are derived from the code.
func New(code string, message string, cause error) *PolicyError {
	return &PolicyError{
		Code:      code,
		Message:   message,
		Category:  categoryFromCode(code),
		Severity:  severityFromCode(code),
		Cause:     cause,
		Retryable: isRetryableCode(code),
	}
}

// Wrap creates a PolicyError from an existing error.
func Wrap(code string, err error) *PolicyError {
	if err == nil {
		return nil
	}
	return New(code, err.Error(), err)
}

// ConfigError creates a configuration-related error.
func ConfigError(message string, cause error) *PolicyError {
	return New(ErrCodeConfigInvalid, message, cause)
}

// IOError creates an I/O-related error.
func IOError(message string, cause error) *PolicyError {
	return New(ErrCodeFileNotFound, message, cause)
}

// NetworkError creates a network-related error.
func NetworkError(message string, cause error) *PolicyError {
	return New(ErrCodeNetworkTimeout, message, cause)
}

// ValidationError creates a validation-related error.
func ValidationError(message string, cause error) *PolicyError {
	return New(ErrCodeInvalidInput, message, cause)
}

// InternalError creates an internal error.
func InternalError(message string, cause error) *PolicyError {
	return New(ErrCodeInternal, message, cause)
}

// UnavailableError creates an index-unavailable error.
func UnavailableError(message string, cause error) *PolicyError {
	return New(ErrCodeIndexUnavailable, message, cause).
		WithSuggestion("Check that the index is running and reachable, then run 'policyrag doctor'")
}

// UnknownSourceTypeError is the configuration error raised for a source_type
// with no priority entry.
func UnknownSourceTypeError(sourceType string) *PolicyError {
	return New(ErrCodeUnknownSourceType,
		fmt.Sprintf("unknown source_type %q", sourceType), nil).
		WithDetail("source_type", sourceType)
}

// as finds the first PolicyError in err's chain.
func as(err error) (*PolicyError, bool) {
	var pe *PolicyError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	if pe, ok := as(err); ok {
		return pe.Retryable
	}
	return false
}

// IsFatal checks if an error has fatal severity.
func IsFatal(err error) bool {
	if pe, ok := as(err); ok {
		return pe.Severity == SeverityFatal
	}
	return false
}

// IsUnavailable reports whether err means retrieval could not be performed:
// the index is unreachable or returned a payload that cannot be ranked safely.
func IsUnavailable(err error) bool {
	if pe, ok := as(err); ok {
		return isUnavailableCode(pe.Code)
	}
	return false
}

// GetCode extracts the error code from a PolicyError in the chain.
// Returns empty string if there is none.
func GetCode(err error) string {
	if pe, ok := as(err); ok {
		return pe.Code
	}
	return ""
}

// GetCategory extracts the category from a PolicyError in the chain.
func GetCategory(err error) Category {
	if pe, ok := as(err); ok {
		return pe.Category
	}
	return ""
}
