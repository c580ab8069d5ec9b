// Package fault defines the error taxonomy shared by all Voxwire subsystems.
//
// Every error surfaced across a component boundary is classified with a [Kind].
// Expected domain errors (validation, unauthenticated, unauthorized, not-found,
// conflict, quota-exceeded, rate-limit, business-rule) are mapped directly to
// client responses. Infrastructure errors (provider-unavailable, provider-error,
// store-unavailable, counter-unavailable) feed the circuit breakers in
// internal/resilience and are surfaced as 5xx.
package fault

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for propagation and client mapping.
type Kind string

const (
	KindValidation          Kind = "validation"
	KindUnauthenticated     Kind = "unauthenticated"
	KindUnauthorized        Kind = "unauthorized"
	KindNotFound            Kind = "not_found"
	KindConflict            Kind = "conflict"
	KindQuotaExceeded       Kind = "quota_exceeded"
	KindRateLimit           Kind = "rate_limit"
	KindProviderUnavailable Kind = "provider_unavailable"
	KindProviderError       Kind = "provider_error"
	KindStoreUnavailable    Kind = "store_unavailable"
	KindCounterUnavailable  Kind = "counter_unavailable"
	KindBusinessRule        Kind = "business_rule"
)

// HTTPStatus returns the HTTP status code a kind maps to.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindValidation, KindBusinessRule:
		return http.StatusBadRequest
	case KindUnauthenticated:
		return http.StatusUnauthorized
	case KindUnauthorized:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindQuotaExceeded, KindRateLimit:
		return http.StatusTooManyRequests
	case KindProviderError:
		return http.StatusBadGateway
	case KindProviderUnavailable, KindStoreUnavailable, KindCounterUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Expected reports whether the kind is an expected domain error (returned to
// the client directly) as opposed to an infrastructure failure (which enters
// circuit-breaker accounting).
func (k Kind) Expected() bool {
	switch k {
	case KindValidation, KindUnauthenticated, KindUnauthorized, KindNotFound,
		KindConflict, KindQuotaExceeded, KindRateLimit, KindBusinessRule:
		return true
	}
	return false
}

// Error is a classified error with optional structured fields attached for the
// client (e.g., the required permission on an unauthorized error, or the limit
// class on a quota denial).
type Error struct {
	Kind   Kind
	Msg    string
	Fields map[string]any
	Err    error // wrapped cause, may be nil
}

// New creates a classified error with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// With attaches a structured field and returns the same error for chaining.
func (e *Error) With(key string, value any) *Error {
	if e.Fields == nil {
		e.Fields = make(map[string]any)
	}
	e.Fields[key] = value
	return e
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the Kind of err if it is (or wraps) a classified *Error.
// Unclassified errors report the empty Kind.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool { return KindOf(err) == kind }

// FieldsOf returns the structured fields of err, or nil if err is unclassified.
func FieldsOf(err error) map[string]any {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Fields
	}
	return nil
}

// Retryable reports whether err is a transient infrastructure failure worth a
// single immediate retry at an idempotent boundary. Conflicts are retryable
// once; hard domain denials never are.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindConflict, KindStoreUnavailable, KindCounterUnavailable, KindProviderUnavailable:
		return true
	}
	return false
}
