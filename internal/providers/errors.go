package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies a normalized provider failure.
type ErrorKind string

const (
	ErrBadCredential ErrorKind = "bad_credential" // 401/403 — key rejected
	ErrUnavailable   ErrorKind = "unavailable"    // transport error, 5xx, rate limit
	ErrTimeout       ErrorKind = "timeout"        // deadline exceeded
	ErrMalformed     ErrorKind = "malformed"      // unparseable or empty payload
)

// Error is a provider failure normalized to the small kind set every adapter
// shares. StatusCode is the upstream HTTP status when one was observed.
type Error struct {
	Provider   string
	Kind       ErrorKind
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s (kind=%s, status=%d)", e.Provider, e.Message, e.Kind, e.StatusCode)
}

// HTTPStatus reports the upstream status code.
func (e *Error) HTTPStatus() int { return e.StatusCode }

// Classify normalizes an adapter failure into an *Error. statusCode may be 0
// when the failure never reached HTTP (transport errors, cancelled contexts).
func Classify(provider string, statusCode int, err error) *Error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &Error{Provider: provider, Kind: ErrTimeout, StatusCode: statusCode,
			Message: "request deadline exceeded"}

	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return &Error{Provider: provider, Kind: ErrBadCredential, StatusCode: statusCode,
			Message: "provider rejected credentials"}

	case statusCode == http.StatusTooManyRequests || statusCode >= 500:
		return &Error{Provider: provider, Kind: ErrUnavailable, StatusCode: statusCode,
			Message: safeMessage(err)}

	default:
		// Transport failures and everything else the provider SDK surfaced.
		return &Error{Provider: provider, Kind: ErrUnavailable, StatusCode: statusCode,
			Message: safeMessage(err)}
	}
}

// Malformed builds the error for an empty or unparseable provider payload.
func Malformed(provider, detail string) *Error {
	return &Error{Provider: provider, Kind: ErrMalformed, Message: detail}
}

// safeMessage keeps error text short and free of response bodies.
func safeMessage(err error) string {
	if err == nil {
		return "provider unavailable"
	}
	msg := err.Error()
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return msg
}

// KindOf extracts the normalized kind, defaulting to ErrUnavailable for
// unrecognized errors and ErrTimeout for bare deadline errors.
func KindOf(err error) ErrorKind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	return ErrUnavailable
}
