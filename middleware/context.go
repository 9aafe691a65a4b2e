package middleware

import (
	"context"

	"github.com/upb/authz-gateway/authn"
)

// Context key type to avoid collisions
type contextKey string

const (
	// RequestIDKey is the context key for request ID
	RequestIDKey contextKey = "request_id"

	// IdentityKey is the context key for the verified caller identity
	IdentityKey contextKey = "identity"

	// stateKey is the context key for the pipeline state tracker
	stateKey contextKey = "pipeline_state"
)

// GetRequestIDFromContext retrieves the request ID from context
func GetRequestIDFromContext(ctx context.Context) string {
	if val := ctx.Value(RequestIDKey); val != nil {
		if requestID, ok := val.(string); ok {
			return requestID
		}
	}
	return ""
}

// WithRequestID adds a request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// GetIdentityFromContext retrieves the verified identity from context.
// It is nil on public routes.
func GetIdentityFromContext(ctx context.Context) *authn.Identity {
	if val := ctx.Value(IdentityKey); val != nil {
		if identity, ok := val.(*authn.Identity); ok {
			return identity
		}
	}
	return nil
}

// WithIdentity adds a verified identity to the context
func WithIdentity(ctx context.Context, identity *authn.Identity) context.Context {
	return context.WithValue(ctx, IdentityKey, identity)
}

// StateFromContext returns the pipeline state of the request, or StateReceived
// when the request is not running inside a pipeline.
func StateFromContext(ctx context.Context) State {
	if t := trackerFrom(ctx); t != nil {
		return t.current
	}
	return StateReceived
}

func withTracker(ctx context.Context, t *stateTracker) context.Context {
	return context.WithValue(ctx, stateKey, t)
}

func trackerFrom(ctx context.Context) *stateTracker {
	if val := ctx.Value(stateKey); val != nil {
		if t, ok := val.(*stateTracker); ok {
			return t
		}
	}
	return nil
}
