// Package chaterrors defines the closed error taxonomy surfaced to chat
// clients. Every error carries a machine-readable kind plus the surface it
// originated from, and maps to an HTTP status for transport.
package chaterrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is the stable, client-visible error category.
type Kind string

const (
	KindBadRequest   Kind = "bad_request"
	KindUnauthorized Kind = "unauthorized"
	KindForbidden    Kind = "forbidden"
	KindRateLimit    Kind = "rate_limit"
	KindOffline      Kind = "offline"
	KindNotFound     Kind = "not_found"
)

// Surface identifies which part of the system produced the error.
type Surface string

const (
	SurfaceAPI      Surface = "api"
	SurfaceChat     Surface = "chat"
	SurfaceDatabase Surface = "database"
	SurfaceStream   Surface = "stream"
)

// ChatError is the structured error returned to callers.
type ChatError struct {
	Kind    Kind
	Surface Surface
	Message string
	Cause   error
}

// New builds a ChatError without an underlying cause.
func New(kind Kind, surface Surface, message string) *ChatError {
	return &ChatError{Kind: kind, Surface: surface, Message: message}
}

// Wrap builds a ChatError around an underlying cause.
func Wrap(kind Kind, surface Surface, message string, cause error) *ChatError {
	return &ChatError{Kind: kind, Surface: surface, Message: message, Cause: cause}
}

// Error implements the error interface.
func (e *ChatError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code(), e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code(), e.Message)
}

// Unwrap returns the underlying cause.
func (e *ChatError) Unwrap() error {
	return e.Cause
}

// Code returns the wire identifier, e.g. "offline:chat".
func (e *ChatError) Code() string {
	return fmt.Sprintf("%s:%s", e.Kind, e.Surface)
}

// StatusCode maps the kind to an HTTP status.
func (e *ChatError) StatusCode() int {
	switch e.Kind {
	case KindBadRequest:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindRateLimit:
		return http.StatusTooManyRequests
	case KindNotFound:
		return http.StatusNotFound
	case KindOffline:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// KindOf extracts the kind from err, or "" if err is not a ChatError.
func KindOf(err error) Kind {
	var chatErr *ChatError
	if errors.As(err, &chatErr) {
		return chatErr.Kind
	}
	return ""
}

// As extracts a ChatError from err.
func As(err error) (*ChatError, bool) {
	var chatErr *ChatError
	if errors.As(err, &chatErr) {
		return chatErr, true
	}
	return nil, false
}

// IsKind reports whether err is a ChatError with the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
