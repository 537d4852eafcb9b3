package memory

import (
	"context"
	"fmt"
	"sort"

	"github.com/xela07ax/spaceai-agent-fleet/internal/domain"
)

func cloneAction(a *domain.InfrastructureAction) *domain.InfrastructureAction {
	cp := *a
	if a.Result != nil {
		r := *a.Result
		cp.Result = &r
	}
	return &cp
}

func (s *Store) CreateAction(_ context.Context, a *domain.InfrastructureAction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.actions[a.ID]; exists {
		return fmt.Errorf("memory: action %s already exists", a.ID)
	}
	s.actions[a.ID] = cloneAction(a)
	return nil
}

func (s *Store) GetAction(_ context.Context, id string) (*domain.InfrastructureAction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.actions[id]
	if !ok {
		return nil, fmt.Errorf("memory: action %s: %w", id, domain.ErrNotFound)
	}
	return cloneAction(a), nil
}

func (s *Store) ListActions(_ context.Context, f domain.ActionFilter) ([]*domain.InfrastructureAction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []*domain.InfrastructureAction{}
	for _, a := range s.actions {
		if f.Status != "" && a.Status != f.Status {
			continue
		}
		out = append(out, cloneAction(a))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) TransitionAction(_ context.Context, id string, from, to domain.ActionStatus, result *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.actions[id]
	if !ok {
		return fmt.Errorf("memory: action %s: %w", id, domain.ErrNotFound)
	}
	if a.Status != from || !domain.CanTransitionAction(from, to) {
		return fmt.Errorf("memory: action %s %s -> %s: %w", id, a.Status, to, domain.ErrInvalidTransition)
	}
	a.Status = to
	if to != domain.ActionPending {
		a.ConfirmationHash = ""
	}
	if result != nil {
		r := *result
		a.Result = &r
	}
	a.UpdatedAt = s.now()
	return nil
}
