package directory

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/upb/authz-gateway/internal/httpclient"
	"github.com/upb/authz-gateway/models"
	"go.uber.org/zap"
)

// HTTPBackendConfig holds configuration for HTTPBackend
type HTTPBackendConfig struct {
	BaseURL  string
	APIKey   string
	TenantID string
	Timeout  time.Duration
}

// HTTPBackend reads and writes users through a REST directory service.
type HTTPBackend struct {
	client *httpclient.Client
	logger *zap.Logger
}

type usersResponse struct {
	Results []*models.User `json:"results"`
}

type userResponse struct {
	Result *models.User `json:"result"`
}

type attributeUpdate struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}

// NewHTTPBackend creates a new HTTPBackend
func NewHTTPBackend(cfg HTTPBackendConfig, logger *zap.Logger) *HTTPBackend {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	headers := map[string]string{
		"aserto-tenant-id": cfg.TenantID,
	}
	if cfg.APIKey != "" {
		headers["Authorization"] = "basic " + cfg.APIKey
	}
	return &HTTPBackend{
		client: httpclient.New(cfg.BaseURL, cfg.Timeout, headers),
		logger: logger,
	}
}

// GetUsers returns every user in the directory
func (b *HTTPBackend) GetUsers(ctx context.Context) ([]*models.User, error) {
	var resp usersResponse
	if err := b.client.GetJSON(ctx, "/api/v1/users", &resp); err != nil {
		return nil, b.mapError("list users", err)
	}
	return resp.Results, nil
}

// GetUser returns a single user
func (b *HTTPBackend) GetUser(ctx context.Context, id string) (*models.User, error) {
	var resp userResponse
	if err := b.client.GetJSON(ctx, "/api/v1/users/"+url.PathEscape(id), &resp); err != nil {
		return nil, b.mapError("get user", err)
	}
	if resp.Result == nil {
		return nil, fmt.Errorf("%w: %s", ErrUserNotFound, id)
	}
	return resp.Result, nil
}

// UpdateUser sets a single attribute on a user
func (b *HTTPBackend) UpdateUser(ctx context.Context, id, key string, value any) error {
	body := attributeUpdate{Key: key, Value: value}
	if err := b.client.PostJSON(ctx, "/api/v1/users/"+url.PathEscape(id)+"/attributes", body, nil); err != nil {
		return b.mapError("update user", err)
	}
	return nil
}

func (b *HTTPBackend) mapError(op string, err error) error {
	switch httpclient.StatusCode(err) {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s: %w", ErrUserNotFound, op, err)
	case http.StatusBadRequest, http.StatusConflict, http.StatusUnprocessableEntity:
		return fmt.Errorf("%w: %s: %w", ErrUpdateRejected, op, err)
	default:
		b.logger.Debug("directory service call failed", zap.String("operation", op), zap.Error(err))
		return fmt.Errorf("%w: %s: %w", ErrUnavailable, op, err)
	}
}
