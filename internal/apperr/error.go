// Package apperr provides the structured error type used across the proxy's
// request pipeline. Every failure that can reach a client or drive the
// fallback state machine is expressed as an *Error rather than an ad-hoc
// wrapped error, so classification (retryable vs terminal, HTTP status,
// originating provider) travels with the value instead of being re-derived.
package apperr

import "fmt"

// Code is a stable, machine-readable error identifier.
type Code string

const (
	CodeInvalidRequest      Code = "INVALID_REQUEST"
	CodeUnauthorized        Code = "UNAUTHORIZED"
	CodeForbidden           Code = "FORBIDDEN"
	CodeNotFound            Code = "NOT_FOUND"
	CodeRateLimited         Code = "RATE_LIMITED"
	CodeQuotaExceeded       Code = "QUOTA_EXCEEDED"
	CodeModelNotFound       Code = "MODEL_NOT_FOUND"
	CodeNoCredentials       Code = "NO_CREDENTIALS"
	CodeAllRateLimited      Code = "ALL_RATE_LIMITED"
	CodeUpstreamError       Code = "UPSTREAM_ERROR"
	CodeUpstreamTimeout     Code = "UPSTREAM_TIMEOUT"
	CodeNetworkError        Code = "NETWORK_ERROR"
	CodeRequestTimeout      Code = "REQUEST_TIMEOUT"
	CodeInternalError       Code = "INTERNAL_ERROR"
	CodeServiceUnavailable  Code = "SERVICE_UNAVAILABLE"
	CodeProviderUnavailable Code = "PROVIDER_UNAVAILABLE"
)

// Error is the structured error carried through the pipeline. It implements
// the `error` interface and composes with errors.Is/As via Unwrap.
type Error struct {
	Code       Code   `json:"code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"http_status,omitempty"`
	Retryable  bool   `json:"retryable"`
	Provider   string `json:"provider,omitempty"`
	RetryAfter int    `json:"retry_after,omitempty"` // seconds, set on 503s
	Cause      error  `json:"-"`
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New creates an Error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

func (e *Error) WithHTTPStatus(status int) *Error {
	e.HTTPStatus = status
	return e
}

func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

func (e *Error) WithProvider(provider string) *Error {
	e.Provider = provider
	return e
}

func (e *Error) WithRetryAfter(seconds int) *Error {
	e.RetryAfter = seconds
	return e
}

// IsRetryable reports whether err is a retryable *Error.
func IsRetryable(err error) bool {
	if e, ok := err.(*Error); ok {
		return e.Retryable
	}
	return false
}

// CodeOf extracts the Code from err, or "" if err is not an *Error.
func CodeOf(err error) Code {
	if e, ok := err.(*Error); ok {
		return e.Code
	}
	return ""
}

// Envelope is the JSON body returned to clients on error, per spec §6.
type Envelope struct {
	Error EnvelopeBody `json:"error"`
}

type EnvelopeBody struct {
	Message string `json:"message"`
	Type    string `json:"type,omitempty"`
}

// ToEnvelope converts an *Error (or any error) into the client-facing body.
func ToEnvelope(err error) Envelope {
	if e, ok := err.(*Error); ok {
		return Envelope{Error: EnvelopeBody{Message: e.Message, Type: string(e.Code)}}
	}
	return Envelope{Error: EnvelopeBody{Message: err.Error()}}
}
