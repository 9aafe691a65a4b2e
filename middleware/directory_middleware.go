package middleware

import (
	"context"
	"net/http"

	"github.com/upb/authz-gateway/internal/observability"
	"go.uber.org/zap"
)

// DirectoryLoader loads the user directory before a handler reads it
type DirectoryLoader interface {
	EnsureLoaded(ctx context.Context) error
}

// DirectoryMiddleware makes sure the directory cache is filled
type DirectoryMiddleware struct {
	directory DirectoryLoader
	logger    *zap.Logger
	metrics   *observability.Metrics
}

// NewDirectoryMiddleware creates a new DirectoryMiddleware
func NewDirectoryMiddleware(directory DirectoryLoader, logger *zap.Logger, metrics *observability.Metrics) *DirectoryMiddleware {
	return &DirectoryMiddleware{
		directory: directory,
		logger:    logger,
		metrics:   metrics,
	}
}

// EnsureLoaded blocks until the directory is loaded. Concurrent first requests
// share a single load.
func (m *DirectoryMiddleware) EnsureLoaded(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !inState(r, StateReceived) {
			outOfOrder(w, r, StageDirectory, StateReceived, m.logger, m.metrics)
			return
		}
		if err := m.directory.EnsureLoaded(r.Context()); err != nil {
			reject(w, r, StageDirectory, err, m.logger, m.metrics)
			return
		}
		setState(r, StateCacheReady)
		next.ServeHTTP(w, r)
	})
}
