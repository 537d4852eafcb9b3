package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/xela07ax/spaceai-agent-fleet/internal/domain"
)

func cloneWorkspace(w *domain.Workspace) *domain.Workspace {
	cp := *w
	cp.Branding = copyMap(w.Branding)
	cp.TokenExpiresAt = copyTime(w.TokenExpiresAt)
	return &cp
}

func (s *Store) GetWorkspace(_ context.Context, id string) (*domain.Workspace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.workspaces[id]
	if !ok {
		return nil, fmt.Errorf("memory: workspace %s: %w", id, domain.ErrNotFound)
	}
	return cloneWorkspace(w), nil
}

func (s *Store) GetWorkspaceByExternalID(_ context.Context, externalID string) (*domain.Workspace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, w := range s.workspaces {
		if w.ExternalID == externalID {
			return cloneWorkspace(w), nil
		}
	}
	return nil, fmt.Errorf("memory: workspace team %s: %w", externalID, domain.ErrNotFound)
}

// UpsertWorkspace — вставка или обновление по external id (повторная установка в тот же team).
func (s *Store) UpsertWorkspace(_ context.Context, w *domain.Workspace) (*domain.Workspace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for _, existing := range s.workspaces {
		if existing.ExternalID == w.ExternalID {
			existing.Name = w.Name
			existing.BotUserID = w.BotUserID
			existing.AccessToken = w.AccessToken
			if w.RefreshToken != "" {
				existing.RefreshToken = w.RefreshToken
			}
			existing.TokenExpiresAt = copyTime(w.TokenExpiresAt)
			existing.IsActive = true
			existing.UpdatedAt = now
			return cloneWorkspace(existing), nil
		}
	}
	cp := cloneWorkspace(w)
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	cp.IsActive = true
	cp.CreatedAt, cp.UpdatedAt = now, now
	s.workspaces[cp.ID] = cp
	return cloneWorkspace(cp), nil
}

func (s *Store) UpdateWorkspaceTokens(_ context.Context, id string, pair domain.TokenPair, expiresAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workspaces[id]
	if !ok {
		return fmt.Errorf("memory: workspace %s: %w", id, domain.ErrNotFound)
	}
	w.AccessToken = pair.AccessToken
	if pair.RefreshToken != "" {
		w.RefreshToken = pair.RefreshToken
	}
	w.TokenExpiresAt = copyTime(expiresAt)
	w.UpdatedAt = s.now()
	return nil
}

func (s *Store) ListActiveWorkspaces(_ context.Context) ([]*domain.Workspace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*domain.Workspace, 0, len(s.workspaces))
	for _, w := range s.workspaces {
		if w.IsActive {
			out = append(out, cloneWorkspace(w))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
