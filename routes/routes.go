package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/upb/authz-gateway/app"
	"github.com/upb/authz-gateway/handlers"
	"github.com/upb/authz-gateway/middleware"
	"github.com/upb/authz-gateway/utils"
)

// SetupRoutes configures all application routes and middleware
func SetupRoutes(deps *app.Dependencies) (http.Handler, error) {
	cfg := deps.Config
	r := chi.NewRouter()

	// Core middleware
	r.Use(middleware.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestLogger(deps.Logger))
	r.Use(chimw.Recoverer)
	if cfg.Server.RequestTimeout > 0 {
		r.Use(chimw.Timeout(cfg.Server.RequestTimeout))
	}
	r.Use(deps.Metrics.Middleware)

	// CORS middleware
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORS.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", middleware.RequestIDHeader},
		ExposedHeaders:   []string{middleware.RequestIDHeader},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Health check endpoints
	health := newHealthHandler(deps)
	r.Get("/healthz", health.HandleHealth)
	r.Get("/readyz", health.HandleReadiness)

	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics.Handler())
	}

	// Pipeline routes, optionally under a base path
	var mountErr error
	mount := func(r chi.Router) {
		mountErr = deps.Pipeline.Mount(r, APIRoutes(deps)...)
	}
	if cfg.Server.BasePath != "" {
		r.Route(cfg.Server.BasePath, mount)
	} else {
		mount(r)
	}
	if mountErr != nil {
		return nil, mountErr
	}

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		_ = utils.WriteNotFound(w, "endpoint not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		_ = utils.WriteError(w, http.StatusMethodNotAllowed, "method not allowed", nil)
	})

	return r, nil
}

// APIRoutes declares every pipeline route and the stages it runs through.
func APIRoutes(deps *app.Dependencies) []middleware.Route {
	users := handlers.NewUserHandler(deps.Users, deps.Logger.Named("user_handler"))
	projects := handlers.NewProjectHandler()
	displayState := handlers.NewDisplayStateHandler(deps.Authorizer, deps.Logger.Named("display_state_handler"))

	return []middleware.Route{
		{
			Method:         http.MethodPost,
			Pattern:        "/api/update/user",
			Access:         middleware.AccessAuthenticated,
			NeedsDirectory: true,
			Handler:        http.HandlerFunc(users.HandleUpdateUser),
		},
		{
			Method:  http.MethodGet,
			Pattern: "/api/projects/red",
			Access:  middleware.AccessAuthorized,
			Handler: http.HandlerFunc(projects.HandleRedProject),
		},
		{
			Method:  http.MethodGet,
			Pattern: "/api/projects/blue",
			Access:  middleware.AccessAuthorized,
			Handler: http.HandlerFunc(projects.HandleBlueProject),
		},
		// Served without a token, so any caller can read any user by email.
		{
			Method:         http.MethodGet,
			Pattern:        "/api/user",
			Access:         middleware.AccessPublic,
			NeedsDirectory: true,
			Handler:        http.HandlerFunc(users.HandleGetUser),
		},
		// Stricter than a decision tree for anonymous callers: without a token the
		// request stops at authentication instead of being evaluated as identity NONE.
		{
			Method:  http.MethodGet,
			Pattern: "/__displaystatemap",
			Access:  middleware.AccessAuthenticated,
			Handler: http.HandlerFunc(displayState.HandleDisplayStateMap),
		},
	}
}

// newHealthHandler passes only the components that are configured, so a
// missing one is a nil interface rather than a typed nil.
func newHealthHandler(deps *app.Dependencies) *handlers.HealthHandler {
	var (
		db        handlers.HealthChecker
		directory handlers.DirectoryStatus
		keys      handlers.KeyStatus
	)
	if deps.DB != nil {
		db = deps.DB
	}
	if deps.Directory != nil {
		directory = deps.Directory
	}
	if deps.Keys != nil {
		keys = deps.Keys
	}
	return handlers.NewHealthHandler(db, directory, keys, deps.Logger.Named("health"))
}
