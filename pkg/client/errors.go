package client

import (
	"errors"
	"fmt"
	"net/http"
)

// Common errors returned by the transport.
var (
	// ErrRetryExhausted is returned when all retry attempts failed at the
	// network level.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrContextCancelled is returned when the context ends during a request
	// or a retry wait.
	ErrContextCancelled = errors.New("context cancelled")
)

// ErrorClass represents a classification of request failures.
type ErrorClass string

const (
	// ErrorClassTransient represents retryable server statuses (500, 502, ...).
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassNetwork represents connection and timeout errors.
	ErrorClassNetwork ErrorClass = "network"

	// ErrorClassRateLimit represents HTTP 429.
	ErrorClassRateLimit ErrorClass = "rate_limit"

	// ErrorClassEndOfResults is the normal "past the last page" signal.
	ErrorClassEndOfResults ErrorClass = "end_of_results"

	// ErrorClassSchema represents an unrecognized response shape.
	ErrorClassSchema ErrorClass = "schema"

	// ErrorClassHard represents any other failing status.
	ErrorClassHard ErrorClass = "hard"
)

// APIError is a failed call with the status and classification attached.
type APIError struct {
	StatusCode int
	ErrorClass ErrorClass
	Message    string
	Err        error
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s error (status %d): %s: %v",
			e.ErrorClass, e.StatusCode, e.Message, e.Err)
	}
	return fmt.Sprintf("%s error (status %d): %s",
		e.ErrorClass, e.StatusCode, e.Message)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *APIError) Unwrap() error {
	return e.Err
}

// NewStatusError builds an APIError for a response status.
func NewStatusError(resp *Response) *APIError {
	msg := http.StatusText(resp.StatusCode)
	if snippet := resp.Snippet(200); snippet != "" {
		msg = msg + ": " + snippet
	}
	return &APIError{
		StatusCode: resp.StatusCode,
		ErrorClass: ClassifyStatus(resp.StatusCode),
		Message:    msg,
	}
}

// ClassifyStatus maps an HTTP status to an error class. Successful statuses
// return the empty class.
func ClassifyStatus(status int) ErrorClass {
	switch {
	case status == http.StatusTooManyRequests:
		return ErrorClassRateLimit
	case status >= 500:
		return ErrorClassTransient
	case status >= 400:
		return ErrorClassHard
	default:
		return ""
	}
}

// shouldRetry determines if an error class is retried by the transport.
func shouldRetry(errorClass ErrorClass) bool {
	switch errorClass {
	case ErrorClassTransient, ErrorClassNetwork:
		return true
	default:
		return false
	}
}
