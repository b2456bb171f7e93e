package fetcher

import (
	"context"
	"errors"
	"fmt"
)

// ErrorType represents the category of error that occurred during a fetch operation
type ErrorType string

const (
	// ErrorTypeTransport indicates a connection or protocol failure (connection refused, DNS, TLS, etc.)
	ErrorTypeTransport ErrorType = "transport"
	// ErrorTypeRateLimit indicates the request was rejected due to rate limiting (HTTP 429)
	ErrorTypeRateLimit ErrorType = "rate_limit"
	// ErrorTypeServer indicates a server error (HTTP 5xx)
	ErrorTypeServer ErrorType = "server"
	// ErrorTypeClient indicates a client error (HTTP 4xx except 429)
	ErrorTypeClient ErrorType = "client"
	// ErrorTypeMalformed indicates the response was received but failed structural validation
	ErrorTypeMalformed ErrorType = "malformed"
	// ErrorTypeTimeout indicates the endpoint exceeded its deadline
	ErrorTypeTimeout ErrorType = "timeout"
	// ErrorTypeCanceled indicates the attempt was cancelled because the request already resolved
	ErrorTypeCanceled ErrorType = "canceled"
	// ErrorTypeExhausted indicates every endpoint of every source in a category failed
	ErrorTypeExhausted ErrorType = "all_sources_exhausted"
	// ErrorTypeStaleFallback indicates all sources failed and a previously cached value was served
	ErrorTypeStaleFallback ErrorType = "stale_fallback"
	// ErrorTypeUnknown indicates an error of unknown type
	ErrorTypeUnknown ErrorType = "unknown"
)

// ErrStaleFallback matches any FetchError of type ErrorTypeStaleFallback.
var ErrStaleFallback = errors.New("stale fallback")

// FetchError represents a structured error from a fetch operation
type FetchError struct {
	Type       ErrorType
	Retryable  bool
	StatusCode int
	Endpoint   string
	Message    string
	Cause      error
}

// Error implements the error interface
func (e *FetchError) Error() string {
	msg := e.Message
	if e.Endpoint != "" {
		msg = e.Endpoint + ": " + msg
	}
	if e.StatusCode > 0 {
		msg = fmt.Sprintf("%s error (status %d): %s", e.Type, e.StatusCode, msg)
	} else {
		msg = fmt.Sprintf("%s error: %s", e.Type, msg)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap implements error unwrapping for errors.Is and errors.As
func (e *FetchError) Unwrap() error {
	return e.Cause
}

// Is reports whether the error matches target. A stale fallback error matches ErrStaleFallback.
func (e *FetchError) Is(target error) bool {
	return target == ErrStaleFallback && e.Type == ErrorTypeStaleFallback
}

// WithEndpoint returns a copy of the error tagged with the endpoint that produced it.
func (e *FetchError) WithEndpoint(endpoint string) *FetchError {
	c := *e
	c.Endpoint = endpoint
	return &c
}

// NewTransportError creates a transport error
func NewTransportError(cause error) *FetchError {
	return &FetchError{
		Type:      ErrorTypeTransport,
		Retryable: true,
		Message:   "network request failed",
		Cause:     cause,
	}
}

// NewRateLimitError creates a rate limit error
func NewRateLimitError(statusCode int) *FetchError {
	return &FetchError{
		Type:       ErrorTypeRateLimit,
		Retryable:  true,
		StatusCode: statusCode,
		Message:    "rate limit exceeded",
	}
}

// NewServerError creates a server error
func NewServerError(statusCode int) *FetchError {
	return &FetchError{
		Type:       ErrorTypeServer,
		Retryable:  true,
		StatusCode: statusCode,
		Message:    "server returned an error",
	}
}

// NewClientError creates a client error
func NewClientError(statusCode int, message string) *FetchError {
	return &FetchError{
		Type:       ErrorTypeClient,
		Retryable:  false,
		StatusCode: statusCode,
		Message:    message,
	}
}

// NewMalformedError creates an error for a payload that failed structural validation.
// Another endpoint may still answer, so it is retryable against an alternate.
func NewMalformedError(message string) *FetchError {
	return &FetchError{
		Type:      ErrorTypeMalformed,
		Retryable: true,
		Message:   message,
	}
}

// NewTimeoutError creates a timeout error
func NewTimeoutError(cause error) *FetchError {
	return &FetchError{
		Type:      ErrorTypeTimeout,
		Retryable: true,
		Message:   "request timed out",
		Cause:     cause,
	}
}

// NewCanceledError creates an error for an attempt abandoned by its request
func NewCanceledError(cause error) *FetchError {
	return &FetchError{
		Type:    ErrorTypeCanceled,
		Message: "request canceled",
		Cause:   cause,
	}
}

// NewExhaustedError creates the error returned when every source of a category failed.
// cause is the most informative attempt error, if any.
func NewExhaustedError(category, key string, attempts int, cause error) *FetchError {
	return &FetchError{
		Type:    ErrorTypeExhausted,
		Message: fmt.Sprintf("all sources failed for %s:%s after %d attempts", category, key, attempts),
		Cause:   cause,
	}
}

// NewStaleFallbackError describes a degraded answer served from a previous value.
func NewStaleFallbackError(cause error) *FetchError {
	return &FetchError{
		Type:    ErrorTypeStaleFallback,
		Message: "serving last known value",
		Cause:   cause,
	}
}

// ClassifyHTTPError classifies an HTTP status code into an appropriate FetchError
func ClassifyHTTPError(statusCode int) *FetchError {
	switch {
	case statusCode == 429:
		return NewRateLimitError(statusCode)
	case statusCode == 408:
		return &FetchError{
			Type:       ErrorTypeTimeout,
			Retryable:  true,
			StatusCode: statusCode,
			Message:    "upstream request timeout",
		}
	case statusCode >= 500:
		return NewServerError(statusCode)
	case statusCode >= 400:
		return NewClientError(statusCode, fmt.Sprintf("client error: HTTP %d", statusCode))
	default:
		return &FetchError{
			Type:       ErrorTypeUnknown,
			Retryable:  false,
			StatusCode: statusCode,
			Message:    fmt.Sprintf("unexpected status code: %d", statusCode),
		}
	}
}

// ClassifyTransportError maps an error returned by the HTTP client to a FetchError,
// distinguishing deadline expiry and cancellation from connection failures.
func ClassifyTransportError(err error) *FetchError {
	var fe *FetchError
	switch {
	case errors.As(err, &fe):
		return fe
	case errors.Is(err, context.DeadlineExceeded):
		return NewTimeoutError(err)
	case errors.Is(err, context.Canceled):
		return NewCanceledError(err)
	default:
		return NewTransportError(err)
	}
}

// TypeOf returns the ErrorType of err, or ErrorTypeUnknown when err is not a FetchError.
func TypeOf(err error) ErrorType {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Type
	}
	return ErrorTypeUnknown
}

// IsType reports whether err is a FetchError of type t.
func IsType(err error, t ErrorType) bool {
	return TypeOf(err) == t
}

// informativeness ranks how much an error tells the caller about a failed category.
// Hard failures say more about the upstream than a timeout does.
var informativeness = map[ErrorType]int{
	ErrorTypeMalformed: 6,
	ErrorTypeClient:    5,
	ErrorTypeRateLimit: 4,
	ErrorTypeServer:    4,
	ErrorTypeTransport: 3,
	ErrorTypeTimeout:   2,
	ErrorTypeUnknown:   1,
	ErrorTypeCanceled:  0,
}

// MoreInformative reports whether a should be preferred over b when summarising failures.
func MoreInformative(a, b error) bool {
	if b == nil {
		return a != nil
	}
	if a == nil {
		return false
	}
	return informativeness[TypeOf(a)] > informativeness[TypeOf(b)]
}
