// Package apperr defines the structured error contract shared by every
// generated operation. Callers pattern-match on Code, never on message text.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code identifies a failure class.
type Code string

const (
	CodeNotFound              Code = "NOT_FOUND"
	CodeForbidden             Code = "FORBIDDEN"
	CodeNotAuthenticated      Code = "NOT_AUTHENTICATED"
	CodeNotOrgMember          Code = "NOT_ORG_MEMBER"
	CodeInsufficientOrgRole   Code = "INSUFFICIENT_ORG_ROLE"
	CodeConflict              Code = "CONFLICT"
	CodeOrgSlugTaken          Code = "ORG_SLUG_TAKEN"
	CodeInviteExpired         Code = "INVITE_EXPIRED"
	CodeInvalidInvite         Code = "INVALID_INVITE"
	CodeAlreadyOrgMember      Code = "ALREADY_ORG_MEMBER"
	CodeJoinRequestExists     Code = "JOIN_REQUEST_EXISTS"
	CodeCannotModifyOwner     Code = "CANNOT_MODIFY_OWNER"
	CodeCannotModifyAdmin     Code = "CANNOT_MODIFY_ADMIN"
	CodeMustTransferOwnership Code = "MUST_TRANSFER_OWNERSHIP"
	CodeTargetMustBeAdmin     Code = "TARGET_MUST_BE_ADMIN"
	CodeValidationFailed      Code = "VALIDATION_FAILED"
	CodeRateLimited           Code = "RATE_LIMITED"
	CodeInternal              Code = "INTERNAL_ERROR"
)

// Error is a structured application error.
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message,omitempty"`
	Err     error  `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error.
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap creates an error with the given code wrapping an underlying cause.
func Wrap(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// Common constructors.

// NotFound reports that a resource does not exist or is not visible to the
// caller. Ownership failures use the same code so existence never leaks.
func NotFound(resource string) *Error {
	return &Error{Code: CodeNotFound, Message: fmt.Sprintf("%s not found", resource)}
}

// NotAuthenticated reports a missing caller identity.
func NotAuthenticated() *Error {
	return &Error{Code: CodeNotAuthenticated, Message: "authentication required"}
}

// Forbidden reports an authorization failure.
func Forbidden(message string) *Error {
	if message == "" {
		message = "access denied"
	}
	return &Error{Code: CodeForbidden, Message: message}
}

// NotOrgMember reports that the caller holds no role in the organization.
func NotOrgMember() *Error {
	return &Error{Code: CodeNotOrgMember, Message: "not a member of this organization"}
}

// InsufficientOrgRole reports that the caller's role is below the required one.
func InsufficientOrgRole(required string) *Error {
	return &Error{Code: CodeInsufficientOrgRole, Message: fmt.Sprintf("requires %s role", required)}
}

// Conflict reports a stale-write or state conflict.
func Conflict(message string) *Error {
	if message == "" {
		message = "resource conflict"
	}
	return &Error{Code: CodeConflict, Message: message}
}

// ValidationFailed reports a schema or argument mismatch.
func ValidationFailed(message string) *Error {
	return &Error{Code: CodeValidationFailed, Message: message}
}

// RateLimited reports an exhausted rate-limit window.
func RateLimited(message string) *Error {
	if message == "" {
		message = "too many requests"
	}
	return &Error{Code: CodeRateLimited, Message: message}
}

// Internal wraps an unexpected failure.
func Internal(message string, err error) *Error {
	return &Error{Code: CodeInternal, Message: message, Err: err}
}

// CodeOf extracts the code from an error, or CodeInternal for foreign errors.
func CodeOf(err error) Code {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeInternal
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}

// HTTPStatus maps an error to an HTTP status code for hosts that expose the
// operations over HTTP.
func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case CodeNotFound:
		return http.StatusNotFound
	case CodeNotAuthenticated:
		return http.StatusUnauthorized
	case CodeForbidden, CodeNotOrgMember, CodeInsufficientOrgRole,
		CodeCannotModifyOwner, CodeCannotModifyAdmin, CodeMustTransferOwnership:
		return http.StatusForbidden
	case CodeConflict, CodeOrgSlugTaken, CodeAlreadyOrgMember,
		CodeJoinRequestExists, CodeTargetMustBeAdmin:
		return http.StatusConflict
	case CodeInviteExpired, CodeInvalidInvite:
		return http.StatusGone
	case CodeValidationFailed:
		return http.StatusUnprocessableEntity
	case CodeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
