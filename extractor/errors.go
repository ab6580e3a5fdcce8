package extractor

import (
	"errors"
	"fmt"
)

// ErrorType represents different categories of extraction errors
type ErrorType int

const (
	ErrorCorruptArchive ErrorType = iota
	ErrorUnsupportedFormat
	ErrorMissingVolume
	ErrorUnsafeEntry
	ErrorFileSystemError
	ErrorCancelled
)

// String returns the string representation of the error type
func (et ErrorType) String() string {
	switch et {
	case ErrorCorruptArchive:
		return "corrupt_archive"
	case ErrorUnsupportedFormat:
		return "unsupported_format"
	case ErrorMissingVolume:
		return "missing_volume"
	case ErrorUnsafeEntry:
		return "unsafe_entry"
	case ErrorFileSystemError:
		return "filesystem_error"
	case ErrorCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// ExtractError is returned by an Extractor. The archive is still on disk
// whenever one is returned, except for a failed deletion after a complete
// extraction.
type ExtractError struct {
	Type    ErrorType              `json:"type"`
	Message string                 `json:"message"`
	Cause   error                  `json:"cause,omitempty"`
	Context map[string]interface{} `json:"context,omitempty"`
}

// Error implements the error interface
func (ee *ExtractError) Error() string {
	if ee.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", ee.Type.String(), ee.Message, ee.Cause)
	}
	return fmt.Sprintf("%s: %s", ee.Type.String(), ee.Message)
}

// Unwrap returns the underlying cause error
func (ee *ExtractError) Unwrap() error {
	return ee.Cause
}

// NewExtractError creates a new ExtractError with the specified type and message
func NewExtractError(errorType ErrorType, message string) *ExtractError {
	return &ExtractError{
		Type:    errorType,
		Message: message,
		Context: make(map[string]interface{}),
	}
}

// NewExtractErrorWithCause creates a new ExtractError with a cause
func NewExtractErrorWithCause(errorType ErrorType, message string, cause error) *ExtractError {
	return &ExtractError{
		Type:    errorType,
		Message: message,
		Cause:   cause,
		Context: make(map[string]interface{}),
	}
}

// WithContext adds context information to the error
func (ee *ExtractError) WithContext(key string, value interface{}) *ExtractError {
	if ee.Context == nil {
		ee.Context = make(map[string]interface{})
	}
	ee.Context[key] = value
	return ee
}

// IsType checks if the error is of a specific type
func (ee *ExtractError) IsType(errorType ErrorType) bool {
	return ee.Type == errorType
}

// IsExtractError checks if an error wraps an ExtractError, optionally of one of the given types
func IsExtractError(err error, errorType ...ErrorType) bool {
	var ee *ExtractError
	if !errors.As(err, &ee) {
		return false
	}
	if len(errorType) == 0 {
		return true
	}
	for _, et := range errorType {
		if ee.Type == et {
			return true
		}
	}
	return false
}
