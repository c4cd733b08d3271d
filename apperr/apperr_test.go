package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_Error(t *testing.T) {
	assert.Equal(t, "NOT_FOUND: notes not found", NotFound("notes").Error())
	assert.Equal(t, "CONFLICT: resource conflict", Conflict("").Error())

	bare := &Error{Code: CodeInternal}
	assert.Equal(t, "INTERNAL_ERROR", bare.Error())

	wrapped := Wrap(CodeInternal, "query failed", errors.New("connection reset"))
	assert.Equal(t, "INTERNAL_ERROR: query failed: connection reset", wrapped.Error())
}

func TestError_Unwrap(t *testing.T) {
	cause := errors.New("boom")
	err := Internal("something broke", cause)
	assert.ErrorIs(t, err, cause)
}

func TestCodeOf(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected Code
	}{
		{"direct", NotFound("x"), CodeNotFound},
		{"wrapped in fmt", fmt.Errorf("op: %w", RateLimited("")), CodeRateLimited},
		{"foreign", errors.New("plain"), CodeInternal},
		{"constructor", New(CodeOrgSlugTaken, "taken"), CodeOrgSlugTaken},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, CodeOf(tt.err))
		})
	}
}

func TestIs(t *testing.T) {
	assert.True(t, Is(NotAuthenticated(), CodeNotAuthenticated))
	assert.False(t, Is(NotAuthenticated(), CodeForbidden))
	assert.False(t, Is(errors.New("plain"), CodeNotFound))
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		err      error
		expected int
	}{
		{NotFound("x"), http.StatusNotFound},
		{NotAuthenticated(), http.StatusUnauthorized},
		{Forbidden(""), http.StatusForbidden},
		{NotOrgMember(), http.StatusForbidden},
		{InsufficientOrgRole("admin"), http.StatusForbidden},
		{New(CodeMustTransferOwnership, ""), http.StatusForbidden},
		{Conflict(""), http.StatusConflict},
		{New(CodeOrgSlugTaken, ""), http.StatusConflict},
		{New(CodeInviteExpired, ""), http.StatusGone},
		{New(CodeInvalidInvite, ""), http.StatusGone},
		{ValidationFailed("bad"), http.StatusUnprocessableEntity},
		{RateLimited(""), http.StatusTooManyRequests},
		{Internal("", nil), http.StatusInternalServerError},
		{errors.New("plain"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(string(CodeOf(tt.err)), func(t *testing.T) {
			assert.Equal(t, tt.expected, HTTPStatus(tt.err))
		})
	}
}
