package middleware

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/upb/authz-gateway/authn"
	"github.com/upb/authz-gateway/authz"
	"github.com/upb/authz-gateway/directory"
	"github.com/upb/authz-gateway/jwks"
	"github.com/upb/authz-gateway/utils"
	"go.uber.org/zap"
)

// MockTokenVerifier is a mock implementation of TokenVerifier
type MockTokenVerifier struct {
	mock.Mock
}

func (m *MockTokenVerifier) Verify(ctx context.Context, rawToken string) (*authn.Identity, error) {
	args := m.Called(ctx, rawToken)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*authn.Identity), args.Error(1)
}

// MockAuthorizer is a mock implementation of Authorizer
type MockAuthorizer struct {
	mock.Mock
}

func (m *MockAuthorizer) Authorize(ctx context.Context, req authz.Request) (*authz.Decision, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*authz.Decision), args.Error(1)
}

// MockDirectoryLoader is a mock implementation of DirectoryLoader
type MockDirectoryLoader struct {
	mock.Mock
}

func (m *MockDirectoryLoader) EnsureLoaded(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func okHandler(called *bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*called = true
		w.WriteHeader(http.StatusOK)
	})
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) utils.ErrorResponse {
	t.Helper()
	var body utils.ErrorResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	return body
}

func TestRequestID(t *testing.T) {
	t.Run("assigns a new id", func(t *testing.T) {
		var seen string
		handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			seen = GetRequestIDFromContext(r.Context())
		}))

		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

		assert.NotEmpty(t, seen)
		assert.Equal(t, seen, w.Header().Get(RequestIDHeader))
	})

	t.Run("keeps the caller id", func(t *testing.T) {
		var seen string
		handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			seen = GetRequestIDFromContext(r.Context())
		}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(RequestIDHeader, "req-42")
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		assert.Equal(t, "req-42", seen)
		assert.Equal(t, "req-42", w.Header().Get(RequestIDHeader))
	})

	t.Run("replaces an oversized id", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(RequestIDHeader, strings.Repeat("x", maxRequestIDLength+1))
		w := httptest.NewRecorder()
		RequestID(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})).ServeHTTP(w, req)

		assert.Len(t, w.Header().Get(RequestIDHeader), 36)
	})
}

func TestRequireAuth(t *testing.T) {
	logger := zap.NewNop()

	t.Run("valid bearer token allows request", func(t *testing.T) {
		verifier := new(MockTokenVerifier)
		identity := &authn.Identity{Subject: "user-123", Token: "valid-token"}
		verifier.On("Verify", mock.Anything, "valid-token").Return(identity, nil)

		var got *authn.Identity
		handler := NewAuthMiddleware(verifier, logger, nil).RequireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got = GetIdentityFromContext(r.Context())
			w.WriteHeader(http.StatusOK)
		}))

		req := httptest.NewRequest(http.MethodGet, "/test", nil)
		req.Header.Set("Authorization", "bearer valid-token")
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		require.NotNil(t, got)
		assert.Equal(t, "user-123", got.Subject)
		verifier.AssertExpectations(t)
	})

	t.Run("missing or foreign scheme is rejected without verification", func(t *testing.T) {
		for _, header := range []string{"", "Basic dXNlcjpwYXNz", "Bearer", "Bearer   "} {
			verifier := new(MockTokenVerifier)
			called := false
			handler := NewAuthMiddleware(verifier, logger, nil).RequireAuth(okHandler(&called))

			req := httptest.NewRequest(http.MethodGet, "/test", nil)
			if header != "" {
				req.Header.Set("Authorization", header)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			assert.Equal(t, http.StatusUnauthorized, w.Code, "header %q", header)
			assert.False(t, called)
			verifier.AssertNotCalled(t, "Verify", mock.Anything, mock.Anything)
		}
	})

	t.Run("verification failures map to status", func(t *testing.T) {
		tests := []struct {
			name           string
			err            error
			expectedStatus int
		}{
			{"malformed", authn.ErrMalformedToken, http.StatusUnauthorized},
			{"expired", authn.ErrTokenExpired, http.StatusUnauthorized},
			{"unknown kid", fmt.Errorf("%w: %w", authn.ErrKeyResolution, jwks.ErrKeyNotFound), http.StatusUnauthorized},
			{"key set down", fmt.Errorf("%w: %w", authn.ErrKeyResolution, jwks.ErrFetch), http.StatusServiceUnavailable},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				verifier := new(MockTokenVerifier)
				verifier.On("Verify", mock.Anything, "tok").Return(nil, tt.err)
				called := false
				handler := NewAuthMiddleware(verifier, logger, nil).RequireAuth(okHandler(&called))

				req := httptest.NewRequest(http.MethodGet, "/test", nil)
				req.Header.Set("Authorization", "Bearer tok")
				w := httptest.NewRecorder()
				handler.ServeHTTP(w, req)

				assert.Equal(t, tt.expectedStatus, w.Code)
				assert.False(t, called)
				body := decodeError(t, w)
				assert.NotContains(t, body.Message, "kid")
			})
		}
	})
}

func TestEnforcePolicy(t *testing.T) {
	logger := zap.NewNop()
	identity := &authn.Identity{Subject: "user-123", Token: "tok"}

	serve := func(authorizer Authorizer, called *bool) *httptest.ResponseRecorder {
		r := chi.NewRouter()
		r.With(
			func(next http.Handler) http.Handler {
				return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
					next.ServeHTTP(w, req.WithContext(WithIdentity(req.Context(), identity)))
				})
			},
			NewPolicyMiddleware(authorizer, logger, nil).EnforcePolicy("/api/projects/{id}"),
		).Method(http.MethodGet, "/api/projects/{id}", okHandler(called))

		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/projects/red", nil))
		return w
	}

	t.Run("allowed request reaches handler", func(t *testing.T) {
		authorizer := new(MockAuthorizer)
		authorizer.On("Authorize", mock.Anything, mock.MatchedBy(func(req authz.Request) bool {
			return req.Identity == identity &&
				req.Method == http.MethodGet &&
				req.Pattern == "/api/projects/{id}" &&
				req.Params["id"] == "red"
		})).Return(&authz.Decision{Allowed: true, Path: "p.GET.api.projects.__id"}, nil)

		called := false
		w := serve(authorizer, &called)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.True(t, called)
		authorizer.AssertExpectations(t)
	})

	t.Run("deny never invokes handler", func(t *testing.T) {
		authorizer := new(MockAuthorizer)
		authorizer.On("Authorize", mock.Anything, mock.Anything).
			Return(&authz.Decision{Allowed: false}, fmt.Errorf("%w: p.GET.api.projects.__id", authz.ErrDecisionDenied))

		called := false
		w := serve(authorizer, &called)

		assert.Equal(t, http.StatusForbidden, w.Code)
		assert.False(t, called)
		assert.Equal(t, "forbidden", decodeError(t, w).Error)
	})

	t.Run("decision point unreachable", func(t *testing.T) {
		authorizer := new(MockAuthorizer)
		authorizer.On("Authorize", mock.Anything, mock.Anything).Return(nil, authz.ErrAuthorizerUnreachable)

		called := false
		w := serve(authorizer, &called)

		assert.Equal(t, http.StatusBadGateway, w.Code)
		assert.False(t, called)
	})

	t.Run("missing decision is a deny", func(t *testing.T) {
		authorizer := new(MockAuthorizer)
		authorizer.On("Authorize", mock.Anything, mock.Anything).Return(nil, nil)

		called := false
		w := serve(authorizer, &called)

		assert.Equal(t, http.StatusForbidden, w.Code)
		assert.False(t, called)
	})
}

func TestDirectoryEnsureLoaded(t *testing.T) {
	logger := zap.NewNop()

	t.Run("loaded directory passes", func(t *testing.T) {
		loader := new(MockDirectoryLoader)
		loader.On("EnsureLoaded", mock.Anything).Return(nil)
		called := false

		w := httptest.NewRecorder()
		NewDirectoryMiddleware(loader, logger, nil).EnsureLoaded(okHandler(&called)).
			ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

		assert.Equal(t, http.StatusOK, w.Code)
		assert.True(t, called)
	})

	t.Run("load failure is surfaced", func(t *testing.T) {
		loader := new(MockDirectoryLoader)
		loader.On("EnsureLoaded", mock.Anything).Return(fmt.Errorf("%w: connection refused", directory.ErrUnavailable))
		called := false

		w := httptest.NewRecorder()
		NewDirectoryMiddleware(loader, logger, nil).EnsureLoaded(okHandler(&called)).
			ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

		assert.Equal(t, http.StatusBadGateway, w.Code)
		assert.False(t, called)
		assert.NotContains(t, decodeError(t, w).Message, "connection refused")
	})
}
