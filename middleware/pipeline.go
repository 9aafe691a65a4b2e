package middleware

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// Access is the protection level a route declares.
type Access int

const (
	// accessUnset is the zero value; a route must always declare its access.
	accessUnset Access = iota

	// AccessPublic routes run without a token.
	AccessPublic

	// AccessAuthenticated routes require a verified token.
	AccessAuthenticated

	// AccessAuthorized routes require a verified token and an allow decision.
	AccessAuthorized
)

// String returns the access level name
func (a Access) String() string {
	switch a {
	case AccessPublic:
		return "public"
	case AccessAuthenticated:
		return "authenticated"
	case AccessAuthorized:
		return "authorized"
	default:
		return "unset"
	}
}

// ErrAccessUnset is returned when a route is mounted without an access level
var ErrAccessUnset = errors.New("route access level not declared")

// Route declares an endpoint and the stages it runs through.
type Route struct {
	Method         string
	Pattern        string
	Access         Access
	NeedsDirectory bool
	Handler        http.Handler
}

// Pipeline composes the per-route stages in a fixed order: directory, token
// verification, policy check, handler. A stage that rejects stops the request.
type Pipeline struct {
	directory *DirectoryMiddleware
	auth      *AuthMiddleware
	policy    *PolicyMiddleware
	logger    *zap.Logger
}

// NewPipeline creates a new Pipeline. A nil stage is only an error if a mounted
// route needs it.
func NewPipeline(directory *DirectoryMiddleware, auth *AuthMiddleware, policy *PolicyMiddleware, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		directory: directory,
		auth:      auth,
		policy:    policy,
		logger:    logger,
	}
}

// Handler builds the staged handler for a route.
func (p *Pipeline) Handler(route Route) (http.Handler, error) {
	if route.Handler == nil {
		return nil, fmt.Errorf("route %s %s: no handler", route.Method, route.Pattern)
	}

	switch route.Access {
	case AccessPublic, AccessAuthenticated, AccessAuthorized:
	case accessUnset:
		return nil, fmt.Errorf("route %s %s: %w", route.Method, route.Pattern, ErrAccessUnset)
	default:
		return nil, fmt.Errorf("route %s %s: unknown access level %d", route.Method, route.Pattern, int(route.Access))
	}

	if route.NeedsDirectory && p.directory == nil {
		return nil, fmt.Errorf("route %s %s: directory stage not configured", route.Method, route.Pattern)
	}
	if route.Access != AccessPublic && p.auth == nil {
		return nil, fmt.Errorf("route %s %s: authentication stage not configured", route.Method, route.Pattern)
	}
	if route.Access == AccessAuthorized && p.policy == nil {
		return nil, fmt.Errorf("route %s %s: authorization stage not configured", route.Method, route.Pattern)
	}

	// Built inside out. Stages a route does not need only advance the state.
	h := p.handle(route.Handler)

	if route.Access == AccessAuthorized {
		h = p.policy.EnforcePolicy(route.Pattern)(h)
	} else {
		h = skip(StateAuthenticated, StateAuthorized, StageAuthorization, p.logger)(h)
	}

	if route.Access != AccessPublic {
		h = p.auth.RequireAuth(h)
	} else {
		h = skip(StateCacheReady, StateAuthenticated, StageAuthentication, p.logger)(h)
	}

	if route.NeedsDirectory {
		h = p.directory.EnsureLoaded(h)
	} else {
		h = skip(StateReceived, StateCacheReady, StageDirectory, p.logger)(h)
	}

	return p.track(route, h), nil
}

// Mount registers every route on r. It fails on the first route that cannot
// be built, before anything is registered.
func (p *Pipeline) Mount(r chi.Router, routes ...Route) error {
	handlers := make([]http.Handler, len(routes))
	for i, route := range routes {
		h, err := p.Handler(route)
		if err != nil {
			return err
		}
		handlers[i] = h
	}

	for i, route := range routes {
		r.Method(route.Method, route.Pattern, handlers[i])
		p.logger.Debug("route mounted",
			zap.String("method", route.Method),
			zap.String("pattern", route.Pattern),
			zap.String("access", route.Access.String()),
			zap.Bool("needs_directory", route.NeedsDirectory))
	}
	return nil
}

// track installs the state tracker for one request and logs where it ended.
func (p *Pipeline) track(route Route, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t := &stateTracker{current: StateReceived}
		next.ServeHTTP(w, r.WithContext(withTracker(r.Context(), t)))

		fields := []zap.Field{
			zap.String("request_id", GetRequestIDFromContext(r.Context())),
			zap.String("method", route.Method),
			zap.String("pattern", route.Pattern),
			zap.String("state", t.current.String()),
		}
		if t.reason != "" {
			fields = append(fields, zap.String("reason", string(t.reason)))
		}
		p.logger.Debug("request finished", fields...)
	})
}

// handle runs the route handler once every earlier stage has passed.
func (p *Pipeline) handle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !inState(r, StateAuthorized) {
			outOfOrder(w, r, StageHandler, StateAuthorized, p.logger, nil)
			return
		}
		next.ServeHTTP(w, r)
		setState(r, StateHandled)
	})
}

// skip stands in for a stage the route does not use.
func skip(from, to State, stage string, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !inState(r, from) {
				outOfOrder(w, r, stage, from, logger, nil)
				return
			}
			setState(r, to)
			next.ServeHTTP(w, r)
		})
	}
}
