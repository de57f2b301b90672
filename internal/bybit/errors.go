package bybit

import (
	"errors"
	"fmt"

	"github.com/sony/gobreaker"
)

// ErrorClass buckets Bybit v5 return codes into retry policy groups.
type ErrorClass string

const (
	ClassAuth      ErrorClass = "auth"
	ClassTimestamp ErrorClass = "timestamp"
	ClassRateLimit ErrorClass = "rate_limit"
	ClassParam     ErrorClass = "param"
	ClassTrading   ErrorClass = "trading"
	ClassUnknown   ErrorClass = "unknown"
)

// APIError is a non-zero retCode in an otherwise well-formed v5 envelope.
type APIError struct {
	Code int
	Msg  string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("bybit retCode=%d retMsg=%q", e.Code, e.Msg)
}

// Class maps the return code onto its policy bucket.
func (e *APIError) Class() ErrorClass {
	return classOf(e.Code)
}

func classOf(code int) ErrorClass {
	switch code {
	case 10005, 10018:
		return ClassAuth
	case 10017:
		return ClassTimestamp
	case 10006, 10016:
		return ClassRateLimit
	case 10001, 10002, 10003, 10004:
		return ClassParam
	}
	if code >= 30000 && code < 40000 {
		return ClassTrading
	}
	return ClassUnknown
}

// Retryable reports whether the HTTP layer may retry the request. Only the
// rate-limit class qualifies; auth, timestamp and parameter errors are
// fatal immediately.
func (e *APIError) Retryable() bool {
	return e.Class() == ClassRateLimit
}

// UpstreamError decorates an API failure with the pagination position at
// which it struck, so a half-collected funding map is diagnosable.
type UpstreamError struct {
	Endpoint  string
	Code      int
	Msg       string
	Page      int
	Collected int
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("bybit %s page=%d collected=%d retCode=%d retMsg=%q",
		e.Endpoint, e.Page, e.Collected, e.Code, e.Msg)
}

// IsRetryable reports whether err (anywhere in its chain) warrants a retry:
// transport failures and rate-limit return codes.
func IsRetryable(err error) bool {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable()
	}
	var upErr *UpstreamError
	if errors.As(err, &upErr) {
		return classOf(upErr.Code) == ClassRateLimit
	}
	// Anything that is not a structured API error came from the transport.
	return err != nil
}
