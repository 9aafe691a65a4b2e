package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/upb/authz-gateway/directory"
	"github.com/upb/authz-gateway/models"
	"go.uber.org/zap"
)

var _ directory.Backend = (*UserRepository)(nil)

// UserRepository serves the user directory from the users table
type UserRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewUserRepository creates a new user repository
func NewUserRepository(db *DB, logger *zap.Logger) *UserRepository {
	return &UserRepository{
		db:     db,
		logger: logger,
	}
}

// GetUsers returns every user
func (r *UserRepository) GetUsers(ctx context.Context) ([]*models.User, error) {
	query := `
		SELECT id, email, attributes
		FROM users
		ORDER BY id
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to list users: %w", directory.ErrUnavailable, err)
	}
	defer rows.Close()

	users := make([]*models.User, 0)
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, user)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: error iterating users: %w", directory.ErrUnavailable, err)
	}

	return users, nil
}

// GetUser retrieves a user by ID
func (r *UserRepository) GetUser(ctx context.Context, id string) (*models.User, error) {
	query := `
		SELECT id, email, attributes
		FROM users
		WHERE id = $1
	`

	user, err := scanUser(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", directory.ErrUserNotFound, id)
		}
		return nil, err
	}
	return user, nil
}

// UpdateUser sets attributes[key] = value on a single user
func (r *UserRepository) UpdateUser(ctx context.Context, id, key string, value any) error {
	if key == "" {
		return fmt.Errorf("%w: attribute key is required", directory.ErrUpdateRejected)
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("%w: attribute value is not JSON: %w", directory.ErrUpdateRejected, err)
	}

	query := `
		UPDATE users
		SET attributes = jsonb_set(COALESCE(attributes, '{}'::jsonb), ARRAY[$2]::text[], $3::jsonb, true),
		    updated_at = NOW()
		WHERE id = $1
	`

	result, err := r.db.ExecContext(ctx, query, id, key, string(payload))
	if err != nil {
		return fmt.Errorf("%w: failed to update user: %w", directory.ErrUnavailable, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: failed to get rows affected: %w", directory.ErrUnavailable, err)
	}

	if rowsAffected == 0 {
		return fmt.Errorf("%w: %s", directory.ErrUserNotFound, id)
	}

	r.logger.Debug("user attribute updated", zap.String("id", id), zap.String("key", key))
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*models.User, error) {
	var (
		user  models.User
		attrs []byte
	)
	if err := row.Scan(&user.ID, &user.Email, &attrs); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: failed to scan user: %w", directory.ErrUnavailable, err)
	}

	user.Attributes = map[string]any{}
	if len(attrs) > 0 {
		if err := json.Unmarshal(attrs, &user.Attributes); err != nil {
			return nil, fmt.Errorf("%w: invalid attributes for user %s: %w", directory.ErrUnavailable, user.ID, err)
		}
		if user.Attributes == nil {
			user.Attributes = map[string]any{}
		}
	}
	return &user, nil
}
