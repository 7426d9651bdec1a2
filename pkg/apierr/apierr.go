// Package apierr defines the error taxonomy of the AI orchestration gateway
// and its HTTP status mapping.
//
// The orchestrator raises errors of these kinds; external transports (route
// handlers, admin surfaces) translate them into their own wire errors via
// StatusFor or Write. Error messages never carry decrypted key material or
// raw provider response bodies.
package apierr

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/valyala/fasthttp"
)

// Error kinds.
const (
	KindNoProviderConfigured = "no_provider_configured"
	KindInvalidCredential    = "invalid_credential"
	KindBadCredential        = "bad_credential"
	KindQuotaExceeded        = "quota_exceeded"
	KindProviderUnavailable  = "provider_unavailable"
	KindProviderTimeout      = "provider_timeout"
	KindMalformedResponse    = "malformed_response"
	KindCancelled            = "cancelled"
	KindInternal             = "internal_error"
)

// Error is a kinded orchestrator error. It optionally wraps an underlying
// cause, reachable via errors.Unwrap.
type Error struct {
	Kind    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// HTTPStatus returns the transport status for the error's kind.
func (e *Error) HTTPStatus() int { return StatusFor(e.Kind) }

// Is makes two kinded errors equal when their kinds match, so sentinel
// comparisons like errors.Is(err, apierr.ErrNoProviderConfigured) work.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

// New creates a kinded error.
func New(kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap creates a kinded error around an underlying cause.
func Wrap(kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// Sentinel errors for the kinds that carry no extra data.
var (
	ErrNoProviderConfigured = New(KindNoProviderConfigured, "no active provider configuration and no environment fallback key")
	ErrBadCredential        = New(KindBadCredential, "ciphertext failed to authenticate")
	ErrInvalidCredential    = New(KindInvalidCredential, "provider rejected the configured credentials")
	ErrCancelled            = New(KindCancelled, "request cancelled by caller")
)

// QuotaError reports a denied admission check with the exceeded dimension.
type QuotaError struct {
	Dimension string // daily | monthly | hourly | provider_daily | provider_monthly
	Used      int64
	Limit     int64
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("%s: %s quota exceeded (used=%d, limit=%d)",
		KindQuotaExceeded, e.Dimension, e.Used, e.Limit)
}

// HTTPStatus returns 429 for every quota denial.
func (e *QuotaError) HTTPStatus() int { return fasthttp.StatusTooManyRequests }

// KindOf extracts the error kind from err, walking the wrap chain.
// Unrecognized errors report KindInternal.
func KindOf(err error) string {
	var qe *QuotaError
	if errors.As(err, &qe) {
		return KindQuotaExceeded
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// StatusFor maps an error kind to an HTTP status code.
func StatusFor(kind string) int {
	switch kind {
	case KindNoProviderConfigured:
		return fasthttp.StatusBadGateway
	case KindInvalidCredential, KindBadCredential:
		return fasthttp.StatusBadGateway
	case KindQuotaExceeded:
		return fasthttp.StatusTooManyRequests
	case KindProviderUnavailable:
		return fasthttp.StatusBadGateway
	case KindProviderTimeout:
		return fasthttp.StatusGatewayTimeout
	case KindMalformedResponse:
		return fasthttp.StatusBadGateway
	case KindCancelled:
		return fasthttp.StatusRequestTimeout
	default:
		return fasthttp.StatusInternalServerError
	}
}

type (
	// APIError is the structured error envelope written to HTTP clients.
	APIError struct {
		Message string `json:"message"`
		Kind    string `json:"kind"`
	}
	envelope struct {
		Error APIError `json:"error"`
	}
)

// Write serializes err as a JSON error envelope with the status derived from
// its kind. Used by management and admin HTTP surfaces.
func Write(ctx *fasthttp.RequestCtx, err error) {
	kind := KindOf(err)
	status := StatusFor(kind)
	if kind == KindQuotaExceeded {
		ctx.Response.Header.Set("Retry-After", "60")
	}
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(envelope{Error: APIError{
		Message: err.Error(),
		Kind:    kind,
	}})
	ctx.SetBody(body)
}
