package handlers

import (
	"net/http"

	"github.com/upb/authz-gateway/utils"
)

// SecretResponse carries a project secret
type SecretResponse struct {
	SecretMessage string `json:"secretMessage"`
}

// ProjectHandler serves the policy protected project routes
type ProjectHandler struct{}

// NewProjectHandler creates a new ProjectHandler
func NewProjectHandler() *ProjectHandler {
	return &ProjectHandler{}
}

// HandleRedProject handles GET /api/projects/red
func (h *ProjectHandler) HandleRedProject(w http.ResponseWriter, r *http.Request) {
	_ = utils.WriteOK(w, SecretResponse{SecretMessage: "Here is a secret about Project Red!"})
}

// HandleBlueProject handles GET /api/projects/blue
func (h *ProjectHandler) HandleBlueProject(w http.ResponseWriter, r *http.Request) {
	_ = utils.WriteOK(w, SecretResponse{SecretMessage: "Here is a secret about Project Blue!"})
}
