// Package apperr defines the typed failure taxonomy shared across the
// conversion service.
package apperr

import (
	"errors"
	"fmt"
)

// Code categorizes an application error.
type Code string

const (
	// CodeInvalidInput indicates malformed caller input, rejected before
	// any quota is consumed.
	CodeInvalidInput Code = "invalid_input"
	// CodeRateLimited indicates admission was denied for the device window.
	CodeRateLimited Code = "rate_limited"
	// CodeExtractionFailed indicates the rendering collaborator failed or
	// returned unusable content.
	CodeExtractionFailed Code = "extraction_failed"
	// CodeEncodingFailed indicates a document encoder failed.
	CodeEncodingFailed Code = "encoding_failed"
	// CodeTimeout indicates the pipeline exceeded its deadline.
	CodeTimeout Code = "timeout"
	// CodeNotFound indicates an unknown job or artifact.
	CodeNotFound Code = "not_found"
	// CodeExpired indicates an artifact past its retention.
	CodeExpired Code = "expired"
	// CodeInternal indicates an unexpected internal error.
	CodeInternal Code = "internal"
)

// Error is a structured application error with a code, message and
// optional cause. It supports errors.Is/As through Unwrap.
type Error struct {
	Code    Code
	Message string
	Cause   error

	// ResetSeconds carries the time until quota reset for rate_limited
	// errors; zero otherwise.
	ResetSeconds int
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// InvalidInput creates an invalid_input error.
func InvalidInput(message string) *Error {
	return &Error{Code: CodeInvalidInput, Message: message}
}

// RateLimited creates a rate_limited error carrying the seconds until the
// device window resets.
func RateLimited(resetSeconds int) *Error {
	return &Error{
		Code:         CodeRateLimited,
		Message:      fmt.Sprintf("rate limit exceeded, resets in %ds", resetSeconds),
		ResetSeconds: resetSeconds,
	}
}

// NotFound creates a not_found error.
func NotFound(message string) *Error {
	return &Error{Code: CodeNotFound, Message: message}
}

// NotFoundf creates a not_found error with a formatted message.
func NotFoundf(format string, args ...any) *Error {
	return &Error{Code: CodeNotFound, Message: fmt.Sprintf(format, args...)}
}

// Expired creates an expired error.
func Expired(message string) *Error {
	return &Error{Code: CodeExpired, Message: message}
}

// Internal creates an internal error.
func Internal(message string) *Error {
	return &Error{Code: CodeInternal, Message: message}
}

// Wrap wraps an existing error with a code and message, preserving the
// cause for errors.Is/As.
func Wrap(err error, code Code, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: message, Cause: err}
}

// Wrapf wraps an existing error with a code and formatted message.
func Wrapf(err error, code Code, format string, args ...any) *Error {
	return Wrap(err, code, fmt.Sprintf(format, args...))
}

func isCode(err error, code Code) bool {
	var appErr *Error
	return errors.As(err, &appErr) && appErr.Code == code
}

// IsInvalidInput reports whether err is an invalid_input error.
func IsInvalidInput(err error) bool { return isCode(err, CodeInvalidInput) }

// IsRateLimited reports whether err is a rate_limited error.
func IsRateLimited(err error) bool { return isCode(err, CodeRateLimited) }

// IsExtractionFailed reports whether err is an extraction_failed error.
func IsExtractionFailed(err error) bool { return isCode(err, CodeExtractionFailed) }

// IsEncodingFailed reports whether err is an encoding_failed error.
func IsEncodingFailed(err error) bool { return isCode(err, CodeEncodingFailed) }

// IsTimeout reports whether err is a timeout error.
func IsTimeout(err error) bool { return isCode(err, CodeTimeout) }

// IsNotFound reports whether err is a not_found error.
func IsNotFound(err error) bool { return isCode(err, CodeNotFound) }

// IsExpired reports whether err is an expired error.
func IsExpired(err error) bool { return isCode(err, CodeExpired) }

// CodeOf returns the Code of err, or CodeInternal if err carries none.
func CodeOf(err error) Code {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeInternal
}

// ResetSecondsOf returns the reset hint of a rate_limited error, or zero.
func ResetSecondsOf(err error) int {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.ResetSeconds
	}
	return 0
}
