package handlers

import (
	"context"
	"net/http"

	"github.com/upb/authz-gateway/authn"
	"github.com/upb/authz-gateway/authz"
	"github.com/upb/authz-gateway/middleware"
	"github.com/upb/authz-gateway/utils"
	"go.uber.org/zap"
)

// DisplayStateProvider evaluates the visible/enabled map for an identity
type DisplayStateProvider interface {
	DisplayStateMap(ctx context.Context, identity *authn.Identity) (authz.DisplayStateMap, error)
}

// DisplayStateHandler serves the per-route display state map
type DisplayStateHandler struct {
	provider DisplayStateProvider
	logger   *zap.Logger
}

// NewDisplayStateHandler creates a new DisplayStateHandler
func NewDisplayStateHandler(provider DisplayStateProvider, logger *zap.Logger) *DisplayStateHandler {
	return &DisplayStateHandler{
		provider: provider,
		logger:   logger,
	}
}

// HandleDisplayStateMap handles GET /__displaystatemap
func (h *DisplayStateHandler) HandleDisplayStateMap(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	stateMap, err := h.provider.DisplayStateMap(ctx, middleware.GetIdentityFromContext(ctx))
	if err != nil {
		h.logger.Warn("display state map failed",
			zap.String("request_id", middleware.GetRequestIDFromContext(ctx)),
			zap.Error(err))
		HandleServiceError(w, err, h.logger)
		return
	}

	_ = utils.WriteOK(w, stateMap)
}
