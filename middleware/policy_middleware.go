package middleware

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/upb/authz-gateway/authz"
	"github.com/upb/authz-gateway/internal/observability"
	"go.uber.org/zap"
)

// Authorizer asks the policy decision point about a request
type Authorizer interface {
	Authorize(ctx context.Context, req authz.Request) (*authz.Decision, error)
}

// PolicyMiddleware provides policy enforcement functionality
type PolicyMiddleware struct {
	authorizer Authorizer
	logger     *zap.Logger
	metrics    *observability.Metrics
}

// NewPolicyMiddleware creates a new PolicyMiddleware
func NewPolicyMiddleware(authorizer Authorizer, logger *zap.Logger, metrics *observability.Metrics) *PolicyMiddleware {
	return &PolicyMiddleware{
		authorizer: authorizer,
		logger:     logger,
		metrics:    metrics,
	}
}

// EnforcePolicy returns a middleware that asks the decision point whether the
// caller may invoke the route declared as pattern. It must run after RequireAuth.
func (m *PolicyMiddleware) EnforcePolicy(pattern string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			if !inState(r, StateAuthenticated) {
				outOfOrder(w, r, StageAuthorization, StateAuthenticated, m.logger, m.metrics)
				return
			}

			req := authz.Request{
				Identity: GetIdentityFromContext(ctx),
				Method:   r.Method,
				Pattern:  pattern,
				Params:   routeParams(r),
			}

			decision, err := m.authorizer.Authorize(ctx, req)
			if err != nil {
				reject(w, r, StageAuthorization, err, m.logger, m.metrics)
				return
			}
			if decision == nil || !decision.Allowed {
				reject(w, r, StageAuthorization, authz.ErrDecisionDenied, m.logger, m.metrics)
				return
			}

			setState(r, StateAuthorized)

			m.logger.Debug("policy allowed request",
				zap.String("request_id", GetRequestIDFromContext(ctx)),
				zap.String("path", decision.Path))

			next.ServeHTTP(w, r)
		})
	}
}

// routeParams returns the chi URL parameters of the matched route
func routeParams(r *http.Request) map[string]string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil || len(rctx.URLParams.Keys) == 0 {
		return nil
	}
	params := make(map[string]string, len(rctx.URLParams.Keys))
	for i, key := range rctx.URLParams.Keys {
		if key == "*" || i >= len(rctx.URLParams.Values) {
			continue
		}
		params[key] = rctx.URLParams.Values[i]
	}
	return params
}
