package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"syscall"
)

// ErrorType represents different categories of fetch errors
type ErrorType int

const (
	ErrorInvalidTask ErrorType = iota
	ErrorNetworkFailure
	ErrorBadStatus
	ErrorFileSystemError
	ErrorTimeout
	ErrorCancelled
	ErrorUnknown
)

// String returns the string representation of the error type
func (et ErrorType) String() string {
	switch et {
	case ErrorInvalidTask:
		return "invalid_task"
	case ErrorNetworkFailure:
		return "network_failure"
	case ErrorBadStatus:
		return "bad_status"
	case ErrorFileSystemError:
		return "filesystem_error"
	case ErrorTimeout:
		return "timeout"
	case ErrorCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// FetchError is returned by a Fetcher for any task-scoped failure
type FetchError struct {
	Type    ErrorType              `json:"type"`
	Message string                 `json:"message"`
	Cause   error                  `json:"cause,omitempty"`
	Context map[string]interface{} `json:"context,omitempty"`

	// StatusCode is set for ErrorBadStatus
	StatusCode int `json:"status_code,omitempty"`
}

// Error implements the error interface
func (fe *FetchError) Error() string {
	if fe.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", fe.Type.String(), fe.Message, fe.Cause)
	}
	return fmt.Sprintf("%s: %s", fe.Type.String(), fe.Message)
}

// Unwrap returns the underlying cause error
func (fe *FetchError) Unwrap() error {
	return fe.Cause
}

// NewFetchError creates a new FetchError with the specified type and message
func NewFetchError(errorType ErrorType, message string) *FetchError {
	return &FetchError{
		Type:    errorType,
		Message: message,
		Context: make(map[string]interface{}),
	}
}

// NewFetchErrorWithCause creates a new FetchError with a cause
func NewFetchErrorWithCause(errorType ErrorType, message string, cause error) *FetchError {
	return &FetchError{
		Type:    errorType,
		Message: message,
		Cause:   cause,
		Context: make(map[string]interface{}),
	}
}

// WithContext adds context information to the error
func (fe *FetchError) WithContext(key string, value interface{}) *FetchError {
	if fe.Context == nil {
		fe.Context = make(map[string]interface{})
	}
	fe.Context[key] = value
	return fe
}

// IsType checks if the error is of a specific type
func (fe *FetchError) IsType(errorType ErrorType) bool {
	return fe.Type == errorType
}

// Retryable reports whether another attempt of the same task may succeed
func (fe *FetchError) Retryable() bool {
	switch fe.Type {
	case ErrorNetworkFailure, ErrorTimeout:
		return true
	case ErrorBadStatus:
		return fe.StatusCode == http.StatusTooManyRequests || fe.StatusCode >= 500
	default:
		return false
	}
}

// IsFetchError checks if an error wraps a FetchError, optionally of one of the given types
func IsFetchError(err error, errorType ...ErrorType) bool {
	var fe *FetchError
	if !errors.As(err, &fe) {
		return false
	}
	if len(errorType) == 0 {
		return true
	}
	for _, et := range errorType {
		if fe.Type == et {
			return true
		}
	}
	return false
}

// classifyTransportError maps an error from the HTTP round trip or body read
// onto a FetchError type. cause is the cancellation cause of the request
// context, if any.
func classifyTransportError(err, cause error) ErrorType {
	switch {
	case errors.Is(cause, os.ErrDeadlineExceeded):
		return ErrorTimeout
	case errors.Is(err, context.Canceled) || errors.Is(cause, context.Canceled):
		return ErrorCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return ErrorTimeout
	case isNetworkError(err):
		return ErrorNetworkFailure
	default:
		return ErrorUnknown
	}
}

// isNetworkError reports whether err looks like a transient connection problem
func isNetworkError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.ECONNREFUSED, syscall.ECONNRESET, syscall.ETIMEDOUT, syscall.EPIPE:
			return true
		}
	}

	return false
}
