package services

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/upb/authz-gateway/authn"
	"github.com/upb/authz-gateway/authz"
	"github.com/upb/authz-gateway/directory"
	"github.com/upb/authz-gateway/jwks"
	"github.com/upb/authz-gateway/utils"
)

// ErrorType represents the type/category of error
type ErrorType string

const (
	ErrorTypeAuthentication           ErrorType = "authentication"
	ErrorTypeKeyResolution            ErrorType = "key_resolution"
	ErrorTypeKeyUnavailable           ErrorType = "key_unavailable"
	ErrorTypeAuthorizationDenied      ErrorType = "authorization_denied"
	ErrorTypeAuthorizationUnavailable ErrorType = "authorization_unavailable"
	ErrorTypeDirectoryUnavailable     ErrorType = "directory_unavailable"
	ErrorTypeNotFound                 ErrorType = "not_found"
	ErrorTypeValidation               ErrorType = "validation"
	ErrorTypeUpdateRejected           ErrorType = "update_rejected"
	ErrorTypeInternal                 ErrorType = "internal"
)

// DomainError represents a structured error with additional context
type DomainError struct {
	Type    ErrorType
	Message string
	Err     error
	Details map[string]interface{}
}

// Error implements the error interface
func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap implements errors.Unwrap
func (e *DomainError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	return e.Type == t.Type
}

// WithDetail adds a detail to the error
func (e *DomainError) WithDetail(key string, value interface{}) *DomainError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// NewDomainError creates a new domain error
func NewDomainError(errType ErrorType, message string, err error) *DomainError {
	return &DomainError{
		Type:    errType,
		Message: message,
		Err:     err,
		Details: make(map[string]interface{}),
	}
}

// Domain error variables

var (
	ErrUnauthenticated          = NewDomainError(ErrorTypeAuthentication, "authentication required", nil)
	ErrInvalidToken             = NewDomainError(ErrorTypeAuthentication, "invalid authentication token", nil)
	ErrSigningKeyUnknown        = NewDomainError(ErrorTypeKeyResolution, "token signing key is not recognized", nil)
	ErrSigningKeysUnavailable   = NewDomainError(ErrorTypeKeyUnavailable, "token signing keys are unavailable", nil)
	ErrAccessDenied             = NewDomainError(ErrorTypeAuthorizationDenied, "access denied by policy", nil)
	ErrAuthorizationUnavailable = NewDomainError(ErrorTypeAuthorizationUnavailable, "authorization service unavailable", nil)
	ErrDirectoryUnavailable     = NewDomainError(ErrorTypeDirectoryUnavailable, "user directory unavailable", nil)
	ErrUserNotFound             = NewDomainError(ErrorTypeNotFound, "user not found", nil)
	ErrInvalidInput             = NewDomainError(ErrorTypeValidation, "invalid input", nil)
	ErrUpdateRejected           = NewDomainError(ErrorTypeUpdateRejected, "update rejected by directory", nil)
	ErrInternal                 = NewDomainError(ErrorTypeInternal, "internal server error", nil)
)

// FromError classifies err into the domain taxonomy. Errors that are already
// DomainErrors are returned unchanged; unknown errors become internal errors.
func FromError(err error) *DomainError {
	if err == nil {
		return nil
	}

	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr
	}

	switch {
	// Key resolution is checked first: authn wraps resolver failures
	case errors.Is(err, jwks.ErrKeyNotFound):
		return NewDomainError(ErrorTypeKeyResolution, ErrSigningKeyUnknown.Message, err)
	case errors.Is(err, jwks.ErrFetch):
		return NewDomainError(ErrorTypeKeyUnavailable, ErrSigningKeysUnavailable.Message, err)
	case errors.Is(err, authn.ErrKeyResolution):
		return NewDomainError(ErrorTypeKeyResolution, ErrSigningKeyUnknown.Message, err)

	case errors.Is(err, authn.ErrMissingToken):
		return NewDomainError(ErrorTypeAuthentication, ErrUnauthenticated.Message, err)
	case errors.Is(err, authn.ErrTokenExpired):
		return NewDomainError(ErrorTypeAuthentication, "authentication token expired", err)
	case errors.Is(err, authn.ErrMalformedToken),
		errors.Is(err, authn.ErrUnsupportedAlgorithm),
		errors.Is(err, authn.ErrSignatureInvalid),
		errors.Is(err, authn.ErrAudienceMismatch),
		errors.Is(err, authn.ErrIssuerMismatch):
		return NewDomainError(ErrorTypeAuthentication, ErrInvalidToken.Message, err)

	case errors.Is(err, authz.ErrDecisionDenied):
		return NewDomainError(ErrorTypeAuthorizationDenied, ErrAccessDenied.Message, err)
	case errors.Is(err, authz.ErrAuthorizerUnreachable):
		return NewDomainError(ErrorTypeAuthorizationUnavailable, ErrAuthorizationUnavailable.Message, err)

	case errors.Is(err, directory.ErrUserNotFound):
		return NewDomainError(ErrorTypeNotFound, ErrUserNotFound.Message, err)
	case errors.Is(err, directory.ErrUpdateRejected):
		return NewDomainError(ErrorTypeUpdateRejected, ErrUpdateRejected.Message, err)
	case errors.Is(err, directory.ErrUnavailable):
		return NewDomainError(ErrorTypeDirectoryUnavailable, ErrDirectoryUnavailable.Message, err)

	case utils.IsValidationError(err):
		de := NewDomainError(ErrorTypeValidation, ErrInvalidInput.Message, err)
		for field, msg := range utils.GetValidationFields(err) {
			de.WithDetail(field, msg)
		}
		return de
	}

	return NewDomainError(ErrorTypeInternal, ErrInternal.Message, err)
}

// HTTPStatus returns the response status for an error type
func HTTPStatus(errType ErrorType) int {
	switch errType {
	case ErrorTypeAuthentication, ErrorTypeKeyResolution:
		return http.StatusUnauthorized
	case ErrorTypeKeyUnavailable:
		return http.StatusServiceUnavailable
	case ErrorTypeAuthorizationDenied:
		return http.StatusForbidden
	case ErrorTypeAuthorizationUnavailable, ErrorTypeDirectoryUnavailable:
		return http.StatusBadGateway
	case ErrorTypeNotFound:
		return http.StatusNotFound
	case ErrorTypeValidation:
		return http.StatusBadRequest
	case ErrorTypeUpdateRejected:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// Error type checking helper functions

// IsAuthenticationError checks if an error is an authentication or key resolution error
func IsAuthenticationError(err error) bool {
	t := GetErrorType(err)
	return t == ErrorTypeAuthentication || t == ErrorTypeKeyResolution
}

// IsAuthorizationDenied checks if an error is an explicit policy deny
func IsAuthorizationDenied(err error) bool {
	return GetErrorType(err) == ErrorTypeAuthorizationDenied
}

// IsUnavailableError checks if an error comes from an unreachable dependency
func IsUnavailableError(err error) bool {
	switch GetErrorType(err) {
	case ErrorTypeKeyUnavailable, ErrorTypeAuthorizationUnavailable, ErrorTypeDirectoryUnavailable:
		return true
	}
	return false
}

// IsNotFoundError checks if an error is a not found error
func IsNotFoundError(err error) bool {
	return GetErrorType(err) == ErrorTypeNotFound
}

// IsValidationError checks if an error is a validation error
func IsValidationError(err error) bool {
	return GetErrorType(err) == ErrorTypeValidation
}

// IsInternalError checks if an error is an internal error
func IsInternalError(err error) bool {
	return GetErrorType(err) == ErrorTypeInternal
}

// GetErrorType returns the ErrorType of a domain error, or empty string if not a domain error
func GetErrorType(err error) ErrorType {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type
	}
	return ""
}

// GetErrorDetails returns the details map of a domain error, or nil if not a domain error
func GetErrorDetails(err error) map[string]interface{} {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Details
	}
	return nil
}

// WrapError wraps an error with additional context
func WrapError(errType ErrorType, message string, err error) error {
	return NewDomainError(errType, message, err)
}

// WrapInternal wraps an error as an internal error
func WrapInternal(message string, err error) error {
	return NewDomainError(ErrorTypeInternal, message, err)
}
