package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/upb/authz-gateway/authn"
	"github.com/upb/authz-gateway/authz"
	"github.com/upb/authz-gateway/config"
	"github.com/upb/authz-gateway/directory"
	"github.com/upb/authz-gateway/internal/observability"
	"github.com/upb/authz-gateway/jwks"
	"github.com/upb/authz-gateway/middleware"
	"github.com/upb/authz-gateway/repositories/postgres"
	"github.com/upb/authz-gateway/services"
	"go.uber.org/zap"
)

// Dependencies holds all application dependencies.
// This is the central wiring point for dependency injection.
type Dependencies struct {
	// Infrastructure
	Config  *config.Config
	Logger  *zap.Logger
	Metrics *observability.Metrics

	// DB is set only when the directory is served from PostgreSQL
	DB *postgres.DB

	// Authentication and authorization
	Keys       *jwks.Resolver
	Verifier   *authn.Verifier
	Authorizer *authz.Client

	// User directory
	Directory *directory.Cache
	Users     *services.UserService

	// Route pipeline
	AuthMiddleware      *middleware.AuthMiddleware
	PolicyMiddleware    *middleware.PolicyMiddleware
	DirectoryMiddleware *middleware.DirectoryMiddleware
	Pipeline            *middleware.Pipeline
}

// NewDependencies creates and wires up all application dependencies.
func NewDependencies(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Dependencies, error) {
	deps := &Dependencies{
		Config: cfg,
		Logger: logger,
	}

	if cfg.Observability.MetricsEnabled {
		deps.Metrics = observability.NewMetrics()
	}

	deps.initAuth(cfg)

	if err := deps.initAuthorizer(cfg); err != nil {
		return nil, fmt.Errorf("failed to initialize authorizer client: %w", err)
	}

	if err := deps.initDirectory(ctx, cfg); err != nil {
		return nil, fmt.Errorf("failed to initialize directory: %w", err)
	}

	deps.initPipeline()

	if cfg.Directory.WarmOnStart {
		deps.WarmDirectory(ctx)
	}

	logger.Info("all dependencies initialized successfully",
		zap.String("directory_backend", cfg.Directory.Backend),
		zap.Bool("metrics_enabled", deps.Metrics != nil))
	return deps, nil
}

// initAuth builds the key resolver and token verifier
func (d *Dependencies) initAuth(cfg *config.Config) {
	d.Keys = jwks.NewResolver(jwks.Config{
		URL:               cfg.Auth.JWKSURI,
		RequestsPerMinute: cfg.Auth.RequestsPerMinute,
		CacheTTL:          cfg.Auth.CacheTTL,
		CacheMaxKeys:      cfg.Auth.CacheMaxKeys,
		MaxUnknownKids:    cfg.Auth.MaxUnknownKids,
		Timeout:           cfg.Auth.Timeout,
	}, d.Logger.Named("jwks"), d.Metrics)

	d.Verifier = authn.NewVerifier(d.Keys, authn.Config{
		Audience: cfg.Auth.Audience,
		Issuer:   cfg.Auth.Issuer,
		Leeway:   cfg.Auth.Leeway,
	})

	d.Logger.Info("token verification initialized",
		zap.String("jwks_uri", cfg.Auth.JWKSURI),
		zap.String("issuer", cfg.Auth.Issuer))
}

// initAuthorizer builds the policy decision point client
func (d *Dependencies) initAuthorizer(cfg *config.Config) error {
	client, err := authz.NewClient(authz.Options{
		AuthorizerServiceURL: cfg.Authorizer.ServiceURL,
		PolicyID:             cfg.Authorizer.PolicyID,
		PolicyRoot:           cfg.Authorizer.PolicyRoot,
		APIKey:               cfg.Authorizer.APIKey,
		TenantID:             cfg.Authorizer.TenantID,
		Timeout:              cfg.Authorizer.Timeout,
	}, d.Logger.Named("authz"), d.Metrics)
	if err != nil {
		return err
	}

	d.Authorizer = client
	d.Logger.Info("authorizer client initialized",
		zap.String("service_url", cfg.Authorizer.ServiceURL),
		zap.String("policy_root", cfg.Authorizer.PolicyRoot))
	return nil
}

// initDirectory selects the directory backend and builds the cache over it
func (d *Dependencies) initDirectory(ctx context.Context, cfg *config.Config) error {
	backend, err := d.newDirectoryBackend(ctx, cfg)
	if err != nil {
		return err
	}

	d.Directory = directory.NewCache(backend, directory.Config{
		Timeout: cfg.Directory.Timeout,
	}, d.Logger.Named("directory"), d.Metrics)
	d.Users = services.NewUserService(d.Directory, d.Logger.Named("users"))
	return nil
}

func (d *Dependencies) newDirectoryBackend(ctx context.Context, cfg *config.Config) (directory.Backend, error) {
	switch cfg.Directory.Backend {
	case config.DirectoryBackendPostgres:
		db, err := postgres.NewDB(cfg.Database, d.Logger)
		if err != nil {
			return nil, err
		}
		if err := db.InitSchema(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
		d.DB = db
		return postgres.NewUserRepository(db, d.Logger.Named("users_repository")), nil

	case config.DirectoryBackendHTTP, "":
		d.Logger.Info("using remote directory service",
			zap.String("service_url", cfg.Directory.ServiceURL))
		return directory.NewHTTPBackend(directory.HTTPBackendConfig{
			BaseURL:  cfg.Directory.ServiceURL,
			APIKey:   cfg.Directory.APIKey,
			TenantID: cfg.Directory.TenantID,
			Timeout:  cfg.Directory.Timeout,
		}, d.Logger.Named("directory_http")), nil

	default:
		return nil, fmt.Errorf("unknown directory backend %q", cfg.Directory.Backend)
	}
}

// initPipeline builds the route stages over the domain components
func (d *Dependencies) initPipeline() {
	d.DirectoryMiddleware = middleware.NewDirectoryMiddleware(d.Directory, d.Logger, d.Metrics)
	d.AuthMiddleware = middleware.NewAuthMiddleware(d.Verifier, d.Logger, d.Metrics)
	d.PolicyMiddleware = middleware.NewPolicyMiddleware(d.Authorizer, d.Logger, d.Metrics)
	d.Pipeline = middleware.NewPipeline(d.DirectoryMiddleware, d.AuthMiddleware, d.PolicyMiddleware, d.Logger)
}

// WarmDirectory loads the directory ahead of the first request. A failure is
// logged and the first request that needs the directory retries the load.
func (d *Dependencies) WarmDirectory(ctx context.Context) {
	if err := d.Directory.EnsureLoaded(ctx); err != nil {
		d.Logger.Warn("directory warm-up failed, loading on first request", zap.Error(err))
		return
	}
	d.Logger.Info("directory warmed up", zap.Int("users", d.Directory.Len()))
}

// Close gracefully shuts down all dependencies
func (d *Dependencies) Close(ctx context.Context) error {
	d.Logger.Info("shutting down dependencies")

	var errs []error

	if d.DB != nil {
		if err := d.DB.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close database: %w", err))
		} else {
			d.Logger.Info("database connection closed")
		}
	}

	_ = d.Logger.Sync()

	if len(errs) > 0 {
		return fmt.Errorf("errors during shutdown: %w", errors.Join(errs...))
	}

	return nil
}
