package types

import (
	"errors"
	"fmt"
)

// Code classifies expected failure conditions surfaced to clients.
type Code string

const (
	CodeUnauthorized            Code = "Unauthorized"
	CodeInvalidToken            Code = "InvalidToken"
	CodeAccessDenied            Code = "AccessDenied"
	CodeNotFound                Code = "NotFound"
	CodeInvalidOperation        Code = "InvalidOperation"
	CodeMissingField            Code = "MissingField"
	CodeInsufficientPermissions Code = "InsufficientPermissions"
	CodeRateLimited             Code = "RateLimited"
	CodeSyncRequired            Code = "SyncRequired"
	CodeRoomFull                Code = "RoomFull"
	CodeInternalError           Code = "InternalError"
)

// Error is the expected-condition error carried across package boundaries.
// Internal detail stays in Cause and is logged, never sent to clients.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError builds a coded error with a client-safe message.
func NewError(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WrapError builds a coded error around an underlying cause.
func WrapError(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// CodeOf extracts the Code from an error chain, defaulting to InternalError.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternalError
}

// MessageOf extracts the client-safe message from an error chain. Unknown
// errors get an opaque message so internal detail never leaks.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return "internal server error"
}

// HTTPStatusOf maps a Code to the status used by the admin HTTP surface.
func HTTPStatusOf(code Code) int {
	switch code {
	case CodeUnauthorized, CodeInvalidToken:
		return 401
	case CodeAccessDenied, CodeInsufficientPermissions:
		return 403
	case CodeNotFound:
		return 404
	case CodeInvalidOperation, CodeMissingField:
		return 400
	case CodeSyncRequired, CodeRoomFull:
		return 409
	case CodeRateLimited:
		return 429
	default:
		return 500
	}
}
