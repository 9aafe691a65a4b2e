package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/upb/authz-gateway/authn"
	"github.com/upb/authz-gateway/internal/observability"
	"go.uber.org/zap"
)

// TokenVerifier defines the interface for verifying bearer tokens
type TokenVerifier interface {
	// Verify checks the token and returns the caller identity
	Verify(ctx context.Context, rawToken string) (*authn.Identity, error)
}

// AuthMiddleware provides authentication middleware functionality
type AuthMiddleware struct {
	verifier TokenVerifier
	logger   *zap.Logger
	metrics  *observability.Metrics
}

// NewAuthMiddleware creates a new AuthMiddleware
func NewAuthMiddleware(verifier TokenVerifier, logger *zap.Logger, metrics *observability.Metrics) *AuthMiddleware {
	return &AuthMiddleware{
		verifier: verifier,
		logger:   logger,
		metrics:  metrics,
	}
}

// RequireAuth is a middleware that requires a valid bearer token
func (m *AuthMiddleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if !inState(r, StateCacheReady) {
			outOfOrder(w, r, StageAuthentication, StateCacheReady, m.logger, m.metrics)
			return
		}

		token := extractBearerToken(r)
		if token == "" {
			reject(w, r, StageAuthentication, authn.ErrMissingToken, m.logger, m.metrics)
			return
		}

		identity, err := m.verifier.Verify(ctx, token)
		if err != nil {
			reject(w, r, StageAuthentication, err, m.logger, m.metrics)
			return
		}

		setState(r, StateAuthenticated)

		m.logger.Debug("authentication successful",
			zap.String("request_id", GetRequestIDFromContext(ctx)),
			zap.String("sub", identity.Subject))

		next.ServeHTTP(w, r.WithContext(WithIdentity(ctx, identity)))
	})
}

// extractBearerToken extracts the Bearer token from the Authorization header
func extractBearerToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return ""
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return ""
	}

	return strings.TrimSpace(parts[1])
}
