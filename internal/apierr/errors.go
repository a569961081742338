// Package apierr defines the fabric-wide error taxonomy. Every public
// operation returns one of these codes instead of an ad-hoc error string, so
// the HTTP layer can map failures to status codes without inspecting text.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is one axis of the error taxonomy: what kind of failure occurred.
type Code string

const (
	CodeValidation          Code = "ValidationError"
	CodeUnauthorized        Code = "Unauthorized"
	CodeForbidden           Code = "Forbidden"
	CodeNotFound            Code = "NotFound"
	CodeInsufficientBalance Code = "InsufficientBalance"
	CodeConflict            Code = "Conflict"
	CodeExpired             Code = "Expired"
	CodeRateLimited         Code = "RateLimited"
	CodeUpstreamUnavailable Code = "UpstreamUnavailable"
	CodeInternal            Code = "Internal"
)

// HTTPStatus maps a taxonomy code to its HTTP status per the wire contract.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeValidation:
		return http.StatusBadRequest
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeForbidden:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeInsufficientBalance:
		return http.StatusPaymentRequired
	case CodeConflict:
		return http.StatusConflict
	case CodeExpired:
		return http.StatusGone
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeUpstreamUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether the taxonomy marks this code as transient.
func (c Code) Retryable() bool {
	return c == CodeRateLimited || c == CodeUpstreamUnavailable
}

// Error is the concrete, typed error every internal operation returns.
type Error struct {
	Code    Code
	Message string
	Details any
	cause   error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Is lets errors.Is(err, apierr.CodeX) style checks work via sentinel codes
// constructed with New(code, "").
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Code == t.Code
	}
	return false
}

// New builds an Error with the given code and message.
func New(code Code, message string, args ...any) *Error {
	if len(args) > 0 {
		message = fmt.Sprintf(message, args...)
	}
	return &Error{Code: code, Message: message}
}

// Wrap attaches an underlying cause while classifying it under code.
func Wrap(code Code, cause error, message string, args ...any) *Error {
	e := New(code, message, args...)
	e.cause = cause
	return e
}

// WithDetails attaches a machine-readable details payload.
func (e *Error) WithDetails(details any) *Error {
	e.Details = details
	return e
}

func Validation(format string, args ...any) *Error {
	return New(CodeValidation, format, args...)
}

func Unauthorized(format string, args ...any) *Error {
	return New(CodeUnauthorized, format, args...)
}

func Forbidden(format string, args ...any) *Error {
	return New(CodeForbidden, format, args...)
}

func NotFound(format string, args ...any) *Error {
	return New(CodeNotFound, format, args...)
}

func InsufficientBalance(format string, args ...any) *Error {
	return New(CodeInsufficientBalance, format, args...)
}

func Conflict(format string, args ...any) *Error {
	return New(CodeConflict, format, args...)
}

func Expired(format string, args ...any) *Error {
	return New(CodeExpired, format, args...)
}

func RateLimited(format string, args ...any) *Error {
	return New(CodeRateLimited, format, args...)
}

func UpstreamUnavailable(format string, args ...any) *Error {
	return New(CodeUpstreamUnavailable, format, args...)
}

func Internal(format string, args ...any) *Error {
	return New(CodeInternal, format, args...)
}

// As extracts the typed *Error from err, if any.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// CodeOf returns the taxonomy code of err, defaulting to Internal for
// untyped errors so every path still maps to a status.
func CodeOf(err error) Code {
	if e, ok := As(err); ok {
		return e.Code
	}
	return CodeInternal
}
