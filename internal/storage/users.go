package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"dca_engine/internal/core"
	apperrors "dca_engine/pkg/errors"
)

// UserRepository reads users and their exchange credentials.
type UserRepository struct {
	db *sql.DB
}

func (r *UserRepository) GetUser(ctx context.Context, id uuid.UUID) (*core.User, error) {
	query := `SELECT id, email, active, created_at FROM users WHERE id = $1`

	var u core.User
	err := r.db.QueryRowContext(ctx, query, id).Scan(&u.ID, &u.Email, &u.Active, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, apperrors.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read user: %w", err)
	}
	return &u, nil
}

func (r *UserRepository) ListActiveUsers(ctx context.Context) ([]*core.User, error) {
	query := `SELECT id, email, active, created_at FROM users WHERE active ORDER BY created_at`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	var users []*core.User
	for rows.Next() {
		var u core.User
		if err := rows.Scan(&u.ID, &u.Email, &u.Active, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, &u)
	}
	return users, rows.Err()
}

// GetCredential returns the user's API material for one exchange. A missing
// row maps to ErrExchangeConfig so callers can reject the signal cleanly.
func (r *UserRepository) GetCredential(ctx context.Context, userID uuid.UUID, exchange string) (*core.ExchangeCredential, error) {
	query := `SELECT id, user_id, exchange, api_key, api_secret
		FROM exchange_credentials WHERE user_id = $1 AND exchange = $2`

	var c core.ExchangeCredential
	err := r.db.QueryRowContext(ctx, query, userID, exchange).
		Scan(&c.ID, &c.UserID, &c.Exchange, &c.APIKey, &c.APISecret)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: no %s credentials for user %s", apperrors.ErrExchangeConfig, exchange, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read credential: %w", err)
	}
	return &c, nil
}
