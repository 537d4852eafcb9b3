package memory

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/xela07ax/spaceai-agent-fleet/internal/domain"
)

func (s *Store) CreateUser(_ context.Context, u *domain.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.users {
		if existing.Username == u.Username {
			return fmt.Errorf("memory: user %s already exists", u.Username)
		}
	}
	cp := *u
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	cp.Scopes = copyMap(u.Scopes)
	cp.CreatedAt = s.now()
	s.users[cp.ID] = &cp
	u.ID = cp.ID
	return nil
}

func (s *Store) GetUserByUsername(_ context.Context, username string) (*domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.users {
		if u.Username == username {
			cp := *u
			cp.Scopes = copyMap(u.Scopes)
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("memory: user %s: %w", username, domain.ErrNotFound)
}
