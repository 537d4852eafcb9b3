package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/xela07ax/spaceai-agent-fleet/internal/domain"
)

func (s *Store) CreateUser(ctx context.Context, u *domain.User) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	scopes := u.Scopes
	if scopes == nil {
		scopes = map[string]bool{}
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO users (id, username, password_hash, scopes) VALUES ($1, $2, $3, $4)`,
		u.ID, u.Username, u.PasswordHash, scopes)
	if err != nil {
		return fmt.Errorf("postgres: create user %s: %w", u.Username, err)
	}
	return nil
}

func (s *Store) GetUserByUsername(ctx context.Context, username string) (*domain.User, error) {
	query := `
		SELECT id, username, password_hash, scopes, created_at
		FROM users WHERE username = $1`

	u := &domain.User{}
	err := s.pool.QueryRow(ctx, query, username).Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Scopes, &u.CreatedAt)
	if err != nil {
		return nil, notFound(err, "user", username)
	}
	return u, nil
}
