// Package errs provides structured error types and helpers for the onramp services.
package errs

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
)

// Code identifies an error category surfaced by the order-placement workflow.
type Code string

const (
	// CodeInvalidRequest indicates malformed or missing caller input.
	CodeInvalidRequest Code = "invalid_request"
	// CodeQuoteExpired indicates the referenced quote lapsed and must be reissued.
	CodeQuoteExpired Code = "quote_expired"
	// CodeQuoteNotFound indicates the quote vanished between validation and fetch.
	CodeQuoteNotFound Code = "quote_not_found"
	// CodeNotFound indicates a missing resource.
	CodeNotFound Code = "not_found"
	// CodeAccessDenied indicates an ownership mismatch on a read.
	CodeAccessDenied Code = "access_denied"
	// CodePersistence indicates a storage or transaction failure.
	CodePersistence Code = "persistence"
	// CodeIdentityResolution indicates a storage-layer invariant violation
	// while resolving the anonymous identity.
	CodeIdentityResolution Code = "identity_resolution"
	// CodeRateLimited indicates the request exceeded issuance throttles.
	CodeRateLimited Code = "rate_limited"
	// CodeUnavailable indicates the service is temporarily unavailable.
	CodeUnavailable Code = "unavailable"
)

// E captures structured error information produced across the onramp stack.
type E struct {
	Component   string
	Code        Code
	HTTP        int
	Message     string
	Remediation string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the component and error code.
func New(component string, code Code, opts ...Option) *E {
	e := &E{
		Component:   strings.TrimSpace(component),
		Code:        code,
		HTTP:        0,
		Message:     "",
		Remediation: "",
		cause:       nil,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithRemediation attaches remediation guidance to the error.
func WithRemediation(remediation string) Option {
	trimmed := strings.TrimSpace(remediation)
	return func(e *E) {
		e.Remediation = trimmed
	}
}

// WithHTTP records the associated HTTP status code.
func WithHTTP(status int) Option {
	return func(e *E) {
		e.HTTP = status
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	component := strings.TrimSpace(e.Component)
	if component == "" {
		component = "unknown"
	}
	parts = append(parts, "component="+component)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.HTTP > 0 {
		parts = append(parts, "http="+strconv.Itoa(e.HTTP))
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.Remediation != "" {
		parts = append(parts, "remediation="+strconv.Quote(e.Remediation))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// CodeOf extracts the structured code from err, or an empty Code when err does
// not carry an envelope.
func CodeOf(err error) Code {
	var envelope *E
	if errors.As(err, &envelope) && envelope != nil {
		return envelope.Code
	}
	return ""
}

// HasCode reports whether err carries the given structured code.
func HasCode(err error, code Code) bool {
	return CodeOf(err) == code
}

// HTTPStatus resolves the HTTP status an error should surface with. The
// explicit HTTP field wins; otherwise the code maps to its default status.
func HTTPStatus(err error) int {
	var envelope *E
	if !errors.As(err, &envelope) || envelope == nil {
		return http.StatusInternalServerError
	}
	if envelope.HTTP > 0 {
		return envelope.HTTP
	}
	switch envelope.Code {
	case CodeInvalidRequest:
		return http.StatusBadRequest
	case CodeQuoteExpired:
		return http.StatusGone
	case CodeQuoteNotFound, CodeNotFound:
		return http.StatusNotFound
	case CodeAccessDenied:
		return http.StatusForbidden
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeUnavailable:
		return http.StatusServiceUnavailable
	case CodePersistence, CodeIdentityResolution:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
