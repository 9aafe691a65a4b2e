package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/authz-gateway/authn"
	"github.com/upb/authz-gateway/authz"
	"github.com/upb/authz-gateway/directory"
	"github.com/upb/authz-gateway/jwks"
	"github.com/upb/authz-gateway/utils"
)

func TestNewDomainError(t *testing.T) {
	baseErr := errors.New("base error")
	domainErr := NewDomainError(ErrorTypeNotFound, "user not found", baseErr)

	assert.Equal(t, ErrorTypeNotFound, domainErr.Type)
	assert.Equal(t, "user not found", domainErr.Message)
	assert.Equal(t, baseErr, domainErr.Err)
	assert.NotNil(t, domainErr.Details)
}

func TestDomainError_Error(t *testing.T) {
	tests := []struct {
		name    string
		err     *DomainError
		wantMsg string
	}{
		{
			name: "error with wrapped error",
			err: &DomainError{
				Type:    ErrorTypeNotFound,
				Message: "user not found",
				Err:     errors.New("db error"),
			},
			wantMsg: "not_found: user not found (db error)",
		},
		{
			name: "error without wrapped error",
			err: &DomainError{
				Type:    ErrorTypeValidation,
				Message: "invalid input",
			},
			wantMsg: "validation: invalid input",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantMsg, tt.err.Error())
		})
	}
}

func TestDomainError_Unwrap(t *testing.T) {
	baseErr := errors.New("base error")
	domainErr := NewDomainError(ErrorTypeInternal, "internal error", baseErr)

	assert.Equal(t, baseErr, errors.Unwrap(domainErr))
}

func TestDomainError_Is(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		target error
		want   bool
	}{
		{"same error type", NewDomainError(ErrorTypeNotFound, "gone", nil), ErrUserNotFound, true},
		{"different error type", NewDomainError(ErrorTypeValidation, "bad", nil), ErrUserNotFound, false},
		{"not a domain error", NewDomainError(ErrorTypeNotFound, "gone", nil), errors.New("regular error"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, errors.Is(tt.err, tt.target))
		})
	}
}

func TestDomainError_WithDetail(t *testing.T) {
	err := NewDomainError(ErrorTypeValidation, "validation error", nil)

	err.WithDetail("field", "email").WithDetail("value", "invalid-email")

	assert.Equal(t, "email", err.Details["field"])
	assert.Equal(t, "invalid-email", err.Details["value"])
}

func TestFromError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantType   ErrorType
		wantStatus int
	}{
		{"missing token", authn.ErrMissingToken, ErrorTypeAuthentication, http.StatusUnauthorized},
		{"malformed token", fmt.Errorf("%w: bad", authn.ErrMalformedToken), ErrorTypeAuthentication, http.StatusUnauthorized},
		{"unsupported algorithm", authn.ErrUnsupportedAlgorithm, ErrorTypeAuthentication, http.StatusUnauthorized},
		{"bad signature", authn.ErrSignatureInvalid, ErrorTypeAuthentication, http.StatusUnauthorized},
		{"audience", authn.ErrAudienceMismatch, ErrorTypeAuthentication, http.StatusUnauthorized},
		{"issuer", authn.ErrIssuerMismatch, ErrorTypeAuthentication, http.StatusUnauthorized},
		{"expired", authn.ErrTokenExpired, ErrorTypeAuthentication, http.StatusUnauthorized},
		{
			"unknown kid",
			fmt.Errorf("%w: %w", authn.ErrKeyResolution, jwks.ErrKeyNotFound),
			ErrorTypeKeyResolution, http.StatusUnauthorized,
		},
		{
			"key set unreachable",
			fmt.Errorf("%w: %w", authn.ErrKeyResolution, jwks.ErrFetch),
			ErrorTypeKeyUnavailable, http.StatusServiceUnavailable,
		},
		{
			"key set rate limited",
			fmt.Errorf("%w: %w", authn.ErrKeyResolution, fmt.Errorf("%w: %w", jwks.ErrFetch, jwks.ErrRateLimited)),
			ErrorTypeKeyUnavailable, http.StatusServiceUnavailable,
		},
		{"resolver failure", fmt.Errorf("%w: %w", authn.ErrKeyResolution, context.DeadlineExceeded), ErrorTypeKeyResolution, http.StatusUnauthorized},
		{"denied", fmt.Errorf("%w: path x", authz.ErrDecisionDenied), ErrorTypeAuthorizationDenied, http.StatusForbidden},
		{"authorizer down", authz.ErrAuthorizerUnreachable, ErrorTypeAuthorizationUnavailable, http.StatusBadGateway},
		{"user missing", directory.ErrUserNotFound, ErrorTypeNotFound, http.StatusNotFound},
		{"update rejected", directory.ErrUpdateRejected, ErrorTypeUpdateRejected, http.StatusUnprocessableEntity},
		{"directory down", directory.ErrUnavailable, ErrorTypeDirectoryUnavailable, http.StatusBadGateway},
		{"unknown", errors.New("boom"), ErrorTypeInternal, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			domainErr := FromError(tt.err)

			require.NotNil(t, domainErr)
			assert.Equal(t, tt.wantType, domainErr.Type)
			assert.Equal(t, tt.wantStatus, HTTPStatus(domainErr.Type))
			assert.ErrorIs(t, domainErr, tt.err)
		})
	}
}

func TestFromError_Validation(t *testing.T) {
	type input struct {
		Email string `validate:"required,email"`
	}
	err := utils.ValidateStruct(input{Email: "nope"})
	require.Error(t, err)

	domainErr := FromError(err)

	assert.Equal(t, ErrorTypeValidation, domainErr.Type)
	assert.Equal(t, http.StatusBadRequest, HTTPStatus(domainErr.Type))
	assert.Contains(t, domainErr.Details, "Email")
}

func TestFromError_PassesThrough(t *testing.T) {
	assert.Nil(t, FromError(nil))

	original := NewDomainError(ErrorTypeUpdateRejected, "nope", nil)
	assert.Same(t, original, FromError(fmt.Errorf("wrapped: %w", original)))
}

func TestHTTPStatus_UnknownType(t *testing.T) {
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(""))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(ErrorType("other")))
}

func TestErrorPredicates(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		check     func(error) bool
		wantMatch bool
	}{
		{"authentication", ErrInvalidToken, IsAuthenticationError, true},
		{"key resolution counts as authentication", ErrSigningKeyUnknown, IsAuthenticationError, true},
		{"key unavailable is not authentication", ErrSigningKeysUnavailable, IsAuthenticationError, false},
		{"denied", ErrAccessDenied, IsAuthorizationDenied, true},
		{"unavailable authorizer", ErrAuthorizationUnavailable, IsUnavailableError, true},
		{"unavailable directory", ErrDirectoryUnavailable, IsUnavailableError, true},
		{"unavailable keys", ErrSigningKeysUnavailable, IsUnavailableError, true},
		{"denied is not unavailable", ErrAccessDenied, IsUnavailableError, false},
		{"not found", ErrUserNotFound, IsNotFoundError, true},
		{"validation", ErrInvalidInput, IsValidationError, true},
		{"internal", ErrInternal, IsInternalError, true},
		{"regular error", errors.New("regular"), IsInternalError, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantMatch, tt.check(tt.err))
		})
	}
}

func TestGetErrorType(t *testing.T) {
	assert.Equal(t, ErrorTypeNotFound, GetErrorType(ErrUserNotFound))
	assert.Equal(t, ErrorTypeUpdateRejected, GetErrorType(fmt.Errorf("ctx: %w", ErrUpdateRejected)))
	assert.Equal(t, ErrorType(""), GetErrorType(errors.New("regular")))
}

func TestGetErrorDetails(t *testing.T) {
	err := NewDomainError(ErrorTypeValidation, "validation error", nil)
	err.WithDetail("field", "email").WithDetail("reason", "invalid format")

	details := GetErrorDetails(err)
	require.NotNil(t, details)
	assert.Equal(t, "email", details["field"])
	assert.Equal(t, "invalid format", details["reason"])

	assert.Nil(t, GetErrorDetails(errors.New("regular error")))
}

func TestWrapError(t *testing.T) {
	baseErr := errors.New("base error")
	wrapped := WrapError(ErrorTypeDirectoryUnavailable, "wrapped message", baseErr)

	var domainErr *DomainError
	require.True(t, errors.As(wrapped, &domainErr))
	assert.Equal(t, ErrorTypeDirectoryUnavailable, domainErr.Type)
	assert.Equal(t, "wrapped message", domainErr.Message)
	assert.Equal(t, baseErr, errors.Unwrap(wrapped))
}

func TestWrapInternal(t *testing.T) {
	baseErr := errors.New("database connection failed")
	wrapped := WrapInternal("failed to connect", baseErr)

	assert.True(t, IsInternalError(wrapped))
	assert.Equal(t, baseErr, errors.Unwrap(wrapped))
}
