package handlers

import (
	"context"
	"net/http"

	"github.com/upb/authz-gateway/middleware"
	"github.com/upb/authz-gateway/models"
	"github.com/upb/authz-gateway/utils"
	"go.uber.org/zap"
)

// lookupFailureMessage is the only detail a failed lookup returns
const lookupFailureMessage = "something went wrong"

// UserService defines the user operations the handler needs
type UserService interface {
	LookupByEmail(ctx context.Context, email string) (*models.User, error)
	UpdateAttribute(ctx context.Context, email, key string, value any) (*models.User, error)
}

// UpdateUserRequest is the body of POST /api/update/user
type UpdateUserRequest struct {
	Email string `json:"email" validate:"required,email"`
	Key   string `json:"key" validate:"required"`
	Value any    `json:"value"`
}

// UpdateUserResponse is returned after a successful update
type UpdateUserResponse struct {
	Success bool         `json:"success"`
	User    *models.User `json:"user"`
}

// LookupUserRequest is the body of GET /api/user
type LookupUserRequest struct {
	Email string `json:"email" validate:"required,email"`
}

// UserHandler handles user directory HTTP requests
type UserHandler struct {
	users  UserService
	logger *zap.Logger
}

// NewUserHandler creates a new UserHandler
func NewUserHandler(users UserService, logger *zap.Logger) *UserHandler {
	return &UserHandler{
		users:  users,
		logger: logger,
	}
}

// HandleUpdateUser handles POST /api/update/user
func (h *UserHandler) HandleUpdateUser(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestIDFromContext(ctx)

	var req UpdateUserRequest
	if err := utils.DecodeJSON(r, &req); err != nil {
		h.logger.Warn("invalid update request body",
			zap.String("request_id", requestID),
			zap.Error(err))
		HandleValidationError(w, err, h.logger)
		return
	}

	if err := utils.ValidateStruct(&req); err != nil {
		HandleValidationError(w, err, h.logger)
		return
	}

	user, err := h.users.UpdateAttribute(ctx, req.Email, req.Key, req.Value)
	if err != nil {
		h.logger.Warn("user update failed",
			zap.String("request_id", requestID),
			zap.String("key", req.Key),
			zap.Error(err))
		HandleServiceError(w, err, h.logger)
		return
	}

	_ = utils.WriteOK(w, UpdateUserResponse{Success: true, User: user})
}

// HandleGetUser handles GET /api/user
// The email comes from the JSON body or the email query parameter. Every
// failure answers with the same 403 so callers learn nothing about the cause.
func (h *UserHandler) HandleGetUser(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestIDFromContext(ctx)

	var req LookupUserRequest
	if err := utils.DecodeJSON(r, &req); err != nil {
		h.lookupFailed(w, requestID, err)
		return
	}
	if req.Email == "" {
		req.Email = r.URL.Query().Get("email")
	}

	if err := utils.ValidateStruct(&req); err != nil {
		h.lookupFailed(w, requestID, err)
		return
	}

	user, err := h.users.LookupByEmail(ctx, req.Email)
	if err != nil {
		h.lookupFailed(w, requestID, err)
		return
	}

	_ = utils.WriteOK(w, user)
}

func (h *UserHandler) lookupFailed(w http.ResponseWriter, requestID string, err error) {
	h.logger.Warn("user lookup failed",
		zap.String("request_id", requestID),
		zap.Error(err))
	_ = utils.WriteForbidden(w, lookupFailureMessage)
}
