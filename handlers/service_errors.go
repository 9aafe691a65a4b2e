package handlers

import (
	"net/http"

	"github.com/upb/authz-gateway/services"
	"github.com/upb/authz-gateway/utils"
	"go.uber.org/zap"
)

// HandleServiceError maps domain errors to HTTP responses.
// Only the domain message reaches the caller; causes are logged.
func HandleServiceError(w http.ResponseWriter, err error, logger *zap.Logger) {
	if err == nil {
		return
	}

	domainErr := services.FromError(err)
	status := services.HTTPStatus(domainErr.Type)

	var details map[string]interface{}
	if domainErr.Type == services.ErrorTypeValidation && len(domainErr.Details) > 0 {
		details = domainErr.Details
	}

	if status >= http.StatusInternalServerError {
		logger.Error("service error",
			zap.String("error_type", string(domainErr.Type)),
			zap.Int("status", status),
			zap.Error(err))
	} else {
		logger.Debug("handled service error",
			zap.String("error_type", string(domainErr.Type)),
			zap.Int("status", status),
			zap.Any("details", domainErr.Details),
			zap.Error(err))
	}

	if err := utils.WriteError(w, status, domainErr.Message, details); err != nil {
		logger.Error("failed to write error response", zap.Error(err))
	}
}

// HandleValidationError handles validation errors from request parsing
func HandleValidationError(w http.ResponseWriter, err error, logger *zap.Logger) {
	if utils.IsValidationError(err) {
		fields := utils.GetValidationFields(err)
		details := make(map[string]interface{})
		for k, v := range fields {
			details[k] = v
		}
		if err := utils.WriteBadRequest(w, "Validation failed", details); err != nil {
			logger.Error("failed to write validation error response", zap.Error(err))
		}
		return
	}

	if err := utils.WriteBadRequest(w, "Invalid request body", nil); err != nil {
		logger.Error("failed to write validation error response", zap.Error(err))
	}
}
