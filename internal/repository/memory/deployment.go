package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/xela07ax/spaceai-agent-fleet/internal/domain"
)

func cloneAgent(a *domain.Agent) *domain.Agent {
	cp := *a
	cp.Skills = append([]string(nil), a.Skills...)
	return &cp
}

func cloneDeployment(d *domain.Deployment) *domain.Deployment {
	cp := *d
	cp.Channels = append([]string(nil), d.Channels...)
	cp.Permissions = copyMap(d.Permissions)
	cp.Configuration = copyMap(d.Configuration)
	cp.DeployedAt = copyTime(d.DeployedAt)
	cp.LastActiveAt = copyTime(d.LastActiveAt)
	return &cp
}

func (s *Store) UpsertAgent(_ context.Context, a *domain.Agent) (*domain.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.agents {
		if existing.Name == a.Name {
			id, created := existing.ID, existing.CreatedAt
			*existing = *cloneAgent(a)
			existing.ID, existing.CreatedAt = id, created
			return cloneAgent(existing), nil
		}
	}
	cp := cloneAgent(a)
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	cp.CreatedAt = s.now()
	s.agents[cp.ID] = cp
	return cloneAgent(cp), nil
}

func (s *Store) GetAgent(_ context.Context, id string) (*domain.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[id]
	if !ok {
		return nil, fmt.Errorf("memory: agent %s: %w", id, domain.ErrNotFound)
	}
	return cloneAgent(a), nil
}

func (s *Store) GetAgentByName(_ context.Context, name string) (*domain.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, a := range s.agents {
		if a.Name == name {
			return cloneAgent(a), nil
		}
	}
	return nil, fmt.Errorf("memory: agent %q: %w", name, domain.ErrNotFound)
}

// UpsertDeployment идемпотентен по (workspace, agent).
func (s *Store) UpsertDeployment(_ context.Context, d *domain.Deployment) (*domain.Deployment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for _, existing := range s.deployments {
		if existing.WorkspaceID == d.WorkspaceID && existing.AgentID == d.AgentID {
			existing.Status = d.Status
			existing.Channels = append([]string(nil), d.Channels...)
			existing.Permissions = copyMap(d.Permissions)
			if d.Configuration != nil {
				existing.Configuration = copyMap(d.Configuration)
			}
			if existing.DeployedAt == nil {
				existing.DeployedAt = copyTime(d.DeployedAt)
			}
			existing.UpdatedAt = now
			return cloneDeployment(existing), nil
		}
	}
	cp := cloneDeployment(d)
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	if cp.Configuration == nil {
		cp.Configuration = map[string]any{}
	}
	cp.CreatedAt, cp.UpdatedAt = now, now
	s.deployments[cp.ID] = cp
	return cloneDeployment(cp), nil
}

func (s *Store) GetDeployment(_ context.Context, id string) (*domain.Deployment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.deployments[id]
	if !ok {
		return nil, fmt.Errorf("memory: deployment %s: %w", id, domain.ErrNotFound)
	}
	return cloneDeployment(d), nil
}

func (s *Store) FindDeployment(_ context.Context, workspaceID, agentID string) (*domain.Deployment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, d := range s.deployments {
		if d.WorkspaceID == workspaceID && d.AgentID == agentID {
			return cloneDeployment(d), nil
		}
	}
	return nil, fmt.Errorf("memory: deployment %s/%s: %w", workspaceID, agentID, domain.ErrNotFound)
}

func (s *Store) ListDeployments(_ context.Context, workspaceID string) ([]*domain.Deployment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []*domain.Deployment{}
	for _, d := range s.deployments {
		if workspaceID == "" || d.WorkspaceID == workspaceID {
			out = append(out, cloneDeployment(d))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) TouchDeployment(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deployments[id]
	if !ok {
		return fmt.Errorf("memory: deployment %s: %w", id, domain.ErrNotFound)
	}
	// Время события может прийти не по порядку: храним максимум
	if d.LastActiveAt == nil || at.After(*d.LastActiveAt) {
		t := at
		d.LastActiveAt = &t
	}
	d.UpdatedAt = s.now()
	return nil
}

func (s *Store) UpdateDeploymentStatus(_ context.Context, id string, status domain.DeploymentStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deployments[id]
	if !ok {
		return fmt.Errorf("memory: deployment %s: %w", id, domain.ErrNotFound)
	}
	d.Status = status
	d.UpdatedAt = s.now()
	return nil
}
