package services

import (
	"context"
	"strings"

	"github.com/upb/authz-gateway/models"
	"go.uber.org/zap"
)

// UserDirectory is the cached user directory the service reads and writes.
type UserDirectory interface {
	EnsureLoaded(ctx context.Context) error
	FindByEmail(email string) (*models.User, error)
	ApplyUpdate(ctx context.Context, id, key string, value any) (*models.User, error)
}

// UserService handles user lookups and attribute updates
type UserService struct {
	directory UserDirectory
	logger    *zap.Logger
}

// NewUserService creates a new UserService instance
func NewUserService(directory UserDirectory, logger *zap.Logger) *UserService {
	return &UserService{
		directory: directory,
		logger:    logger,
	}
}

// LookupByEmail returns the user with this email
func (s *UserService) LookupByEmail(ctx context.Context, email string) (*models.User, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return nil, NewDomainError(ErrorTypeValidation, "email is required", nil)
	}

	if err := s.directory.EnsureLoaded(ctx); err != nil {
		return nil, FromError(err)
	}

	user, err := s.directory.FindByEmail(email)
	if err != nil {
		return nil, FromError(err)
	}
	return user, nil
}

// UpdateAttribute sets key=value on the user with this email and returns the
// record as re-read from the directory.
func (s *UserService) UpdateAttribute(ctx context.Context, email, key string, value any) (*models.User, error) {
	email = strings.TrimSpace(email)
	if email == "" || key == "" {
		return nil, NewDomainError(ErrorTypeValidation, "email and key are required", nil)
	}

	user, err := s.LookupByEmail(ctx, email)
	if err != nil {
		return nil, err
	}

	updated, err := s.directory.ApplyUpdate(ctx, user.ID, key, value)
	if err != nil {
		return nil, FromError(err).WithDetail("user_id", user.ID)
	}

	s.logger.Info("user attribute updated",
		zap.String("user_id", updated.ID),
		zap.String("key", key))
	return updated, nil
}
