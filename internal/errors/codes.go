// Package errors provides structured error handling for policyrag.
//
// Error codes follow the pattern ERR_XXX_DESCRIPTION where:
//   - 1XX: Configuration errors
//   - 2XX: IO errors (file, disk)
//   - 3XX: Network and collaborator errors
//   - 4XX: Validation errors
//   - 5XX: Internal errors
package errors

// Category defines error categories for classification.
type Category string

const (
	// CategoryConfig indicates configuration-related errors.
	CategoryConfig Category = "CONFIG"
	// CategoryIO indicates file and disk I/O errors.
	CategoryIO Category = "IO"
	// CategoryNetwork indicates errors talking to the index, embedding or generation services.
	CategoryNetwork Category = "NETWORK"
	// CategoryValidation indicates input or payload validation errors.
	CategoryValidation Category = "VALIDATION"
	// CategoryInternal indicates unexpected internal errors.
	CategoryInternal Category = "INTERNAL"
)

// Severity defines error severity levels.
type Severity string

const (
	// SeverityFatal indicates the call cannot produce a result.
	SeverityFatal Severity = "FATAL"
	// SeverityError indicates operation failed but the process can continue.
	SeverityError Severity = "ERROR"
	// SeverityWarning indicates degraded operation, continuing.
	SeverityWarning Severity = "WARNING"
	// SeverityInfo indicates informational only.
	SeverityInfo Severity = "INFO"
)

// Error codes organized by category.
const (
	// Config errors (100-199)
	ErrCodeConfigNotFound    = "ERR_101_CONFIG_NOT_FOUND"
	ErrCodeConfigInvalid     = "ERR_102_CONFIG_INVALID"
	ErrCodeConfigPermission  = "ERR_103_CONFIG_PERMISSION"
	ErrCodeUnknownSourceType = "ERR_104_UNKNOWN_SOURCE_TYPE"

	// IO errors (200-299)
	ErrCodeFileNotFound   = "ERR_201_FILE_NOT_FOUND"
	ErrCodeFilePermission = "ERR_202_FILE_PERMISSION"
	ErrCodeCorruptIndex   = "ERR_205_CORRUPT_INDEX"
	ErrCodeFileCorrupt    = "ERR_206_FILE_CORRUPT"
	ErrCodeIndexLocked    = "ERR_207_INDEX_LOCKED"

	// Network errors (300-399)
	ErrCodeNetworkTimeout          = "ERR_301_NETWORK_TIMEOUT"
	ErrCodeNetworkUnavailable      = "ERR_302_NETWORK_UNAVAILABLE"
	ErrCodeIndexUnavailable        = "ERR_304_INDEX_UNAVAILABLE"
	ErrCodeEmbeddingUnavailable    = "ERR_305_EMBEDDING_UNAVAILABLE"
	ErrCodeGenerationUnavailable   = "ERR_306_GENERATION_UNAVAILABLE"
	ErrCodeExpansionServiceTripped = "ERR_307_EXPANSION_CIRCUIT_OPEN"

	// Validation errors (400-499)
	ErrCodeInvalidInput      = "ERR_401_INVALID_INPUT"
	ErrCodeDimensionMismatch = "ERR_402_DIMENSION_MISMATCH"
	ErrCodeInvalidQuery      = "ERR_403_INVALID_QUERY"
	ErrCodeQueryEmpty        = "ERR_404_QUERY_EMPTY"
	ErrCodeQueryTooLong      = "ERR_405_QUERY_TOO_LONG"
	ErrCodeInvalidPath       = "ERR_406_INVALID_PATH"
	ErrCodeMalformedPayload  = "ERR_407_MALFORMED_PAYLOAD"

	// Internal errors (500-599)
	ErrCodeInternal     = "ERR_501_INTERNAL"
	ErrCodeSearchFailed = "ERR_503_SEARCH_FAILED"
	ErrCodeIngestFailed = "ERR_505_INGEST_FAILED"
)

// categoryFromCode extracts category from error code.
func categoryFromCode(code string) Category {
	if len(code) < 7 {
		return CategoryInternal
	}

	// "104" from "ERR_104_UNKNOWN_SOURCE_TYPE"
	switch code[4] {
	case '1':
		return CategoryConfig
	case '2':
		return CategoryIO
	case '3':
		return CategoryNetwork
	case '4':
		return CategoryValidation
	default:
		return CategoryInternal
	}
}

// severityFromCode determines severity based on error code.
func severityFromCode(code string) Severity {
	if isUnavailableCode(code) || code == ErrCodeCorruptIndex {
		return SeverityFatal
	}

	switch code {
	case ErrCodeEmbeddingUnavailable, ErrCodeExpansionServiceTripped:
		return SeverityWarning
	}

	if isRetryableCode(code) {
		return SeverityWarning
	}

	return SeverityError
}

// isRetryableCode checks if an error code represents a retryable error.
func isRetryableCode(code string) bool {
	switch code {
	case ErrCodeNetworkTimeout, ErrCodeNetworkUnavailable, ErrCodeEmbeddingUnavailable,
		ErrCodeGenerationUnavailable, ErrCodeIndexLocked:
		return true
	default:
		return false
	}
}

// isUnavailableCode reports codes that mean retrieval cannot be performed at all.
// A caller must present these as "unable to search", never as "nothing found".
func isUnavailableCode(code string) bool {
	switch code {
	case ErrCodeIndexUnavailable, ErrCodeUnknownSourceType, ErrCodeMalformedPayload:
		return true
	default:
		return false
	}
}
