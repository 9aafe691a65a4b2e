package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/upb/authz-gateway/jwks"
	"github.com/upb/authz-gateway/utils"
	"go.uber.org/zap"
)

// readinessTimeout bounds the dependency checks of one readiness probe
const readinessTimeout = 5 * time.Second

// HealthChecker is a dependency that can report its own health
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// DirectoryStatus reports the directory cache state
type DirectoryStatus interface {
	Loaded() bool
	Len() int
}

// KeyStatus reports the signing key cache state
type KeyStatus interface {
	Stats() jwks.Stats
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp string            `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
	Directory *DirectoryHealth  `json:"directory,omitempty"`
	Keys      *KeyHealth        `json:"keys,omitempty"`
}

// DirectoryHealth describes the directory cache
type DirectoryHealth struct {
	Loaded bool `json:"loaded"`
	Users  int  `json:"users"`
}

// KeyHealth describes the signing key cache
type KeyHealth struct {
	CachedKeys int   `json:"cachedKeys"`
	Fetches    int64 `json:"fetches"`
}

// HealthHandler handles health-related HTTP requests
type HealthHandler struct {
	db        HealthChecker
	directory DirectoryStatus
	keys      KeyStatus
	logger    *zap.Logger
}

// NewHealthHandler creates a new HealthHandler. db is nil when the directory
// is not served from a database.
func NewHealthHandler(db HealthChecker, directory DirectoryStatus, keys KeyStatus, logger *zap.Logger) *HealthHandler {
	return &HealthHandler{
		db:        db,
		directory: directory,
		keys:      keys,
		logger:    logger,
	}
}

// HandleHealth handles GET /healthz
// Basic health check - always returns 200 if service is running
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	_ = utils.WriteOK(w, HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// HandleReadiness handles GET /readyz
// An unloaded directory does not fail readiness: the first request loads it.
func (h *HealthHandler) HandleReadiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
	defer cancel()

	checks := make(map[string]string)
	allHealthy := true

	if h.db != nil {
		if err := h.db.HealthCheck(ctx); err != nil {
			h.logger.Warn("database health check failed", zap.Error(err))
			checks["database"] = "unhealthy"
			allHealthy = false
		} else {
			checks["database"] = "healthy"
		}
	}

	response := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Checks:    checks,
	}

	if h.directory != nil {
		response.Directory = &DirectoryHealth{
			Loaded: h.directory.Loaded(),
			Users:  h.directory.Len(),
		}
		if response.Directory.Loaded {
			checks["directory"] = "loaded"
		} else {
			checks["directory"] = "not_loaded"
		}
	}

	if h.keys != nil {
		stats := h.keys.Stats()
		response.Keys = &KeyHealth{CachedKeys: stats.CachedKeys, Fetches: stats.Fetches}
	}

	httpStatus := http.StatusOK
	if !allHealthy {
		response.Status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	if err := utils.WriteJSON(w, httpStatus, response); err != nil {
		h.logger.Error("failed to write readiness response", zap.Error(err))
	}
}
