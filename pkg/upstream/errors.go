package upstream

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies upstream failures.
type Kind string

const (
	// KindTimeout is a connect or read timeout.
	KindTimeout Kind = "timeout"

	// KindUnavailable is a connection failure (DNS, refused, reset) or a request
	// rejected locally because the upstream error budget is exhausted.
	KindUnavailable Kind = "unavailable"

	// KindHTTPStatus is a non-2xx upstream response.
	KindHTTPStatus Kind = "http_status"

	// KindMalformedResponse is a 2xx response whose body is not valid JSON.
	KindMalformedResponse Kind = "malformed_response"

	// KindNotConfigured means no API key is configured; no request was made.
	KindNotConfigured Kind = "not_configured"
)

// Sentinel errors, one per Kind. An *Error matches the sentinel of its kind
// with errors.Is.
var (
	ErrTimeout           = errors.New("upstream timeout")
	ErrUnavailable       = errors.New("upstream unavailable")
	ErrHTTPStatus        = errors.New("upstream http error")
	ErrMalformedResponse = errors.New("upstream malformed response")
	ErrNotConfigured     = errors.New("upstream not configured")
)

// Common errors returned by the client.
var (
	// ErrRetryExhausted is returned when all retry attempts are exhausted.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrBudgetExhausted is wrapped by KindUnavailable errors when the error
	// budget blocked the request.
	ErrBudgetExhausted = errors.New("upstream error budget exhausted")
)

func (k Kind) sentinel() error {
	switch k {
	case KindTimeout:
		return ErrTimeout
	case KindUnavailable:
		return ErrUnavailable
	case KindHTTPStatus:
		return ErrHTTPStatus
	case KindMalformedResponse:
		return ErrMalformedResponse
	case KindNotConfigured:
		return ErrNotConfigured
	default:
		return nil
	}
}

// Error represents an upstream failure with additional context.
type Error struct {
	Kind Kind

	// StatusCode is the upstream HTTP status (KindHTTPStatus only)
	StatusCode int

	// Endpoint is the upstream path
	Endpoint string

	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("upstream %s error on %s", e.Kind, e.Endpoint)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is the sentinel of e's kind.
func (e *Error) Is(target error) bool {
	s := e.Kind.sentinel()
	return s != nil && target == s
}

// Retryable reports whether the request may succeed when repeated:
// timeouts, connection failures, 429 and 5xx.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindTimeout:
		return true
	case KindUnavailable:
		return !errors.Is(e.Err, ErrBudgetExhausted)
	case KindHTTPStatus:
		return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
	default:
		return false
	}
}

// KindOf returns the Kind of the first *Error in err's chain, or "" if there is none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// StatusOf returns the upstream HTTP status carried by err, or 0.
func StatusOf(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode
	}
	return 0
}

// shouldRetry determines if an error should be retried based on its classification.
func shouldRetry(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Retryable()
}
