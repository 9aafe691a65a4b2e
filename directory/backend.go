// Package directory holds the in-process user directory cache and its backends.
package directory

import (
	"context"
	"errors"
	"fmt"

	"github.com/upb/authz-gateway/models"
)

var (
	// ErrUserNotFound is returned when no user matches the lookup
	ErrUserNotFound = errors.New("user not found")

	// ErrUpdateRejected is returned when the directory refuses an attribute update
	ErrUpdateRejected = errors.New("update rejected")

	// ErrUnavailable is returned when the directory cannot be reached or answers with an error
	ErrUnavailable = errors.New("directory unavailable")
)

// Backend is the external user directory the cache reads through and writes to.
// Implementations report failures with the sentinels above; anything else is
// treated as ErrUnavailable.
type Backend interface {
	GetUsers(ctx context.Context) ([]*models.User, error)
	GetUser(ctx context.Context, id string) (*models.User, error)
	UpdateUser(ctx context.Context, id, key string, value any) error
}

// classify maps a backend error onto the package sentinels.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrUserNotFound) || errors.Is(err, ErrUpdateRejected) || errors.Is(err, ErrUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrUnavailable, err)
}

// outcome labels a backend call for metrics.
func outcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrUserNotFound):
		return "not_found"
	case errors.Is(err, ErrUpdateRejected):
		return "rejected"
	default:
		return "error"
	}
}
