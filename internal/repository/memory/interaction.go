package memory

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/xela07ax/spaceai-agent-fleet/internal/audit"
	"github.com/xela07ax/spaceai-agent-fleet/internal/domain"
)

func (s *Store) RecordInteraction(_ context.Context, i *domain.Interaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *i
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	cp.Metadata = copyMap(i.Metadata)
	s.interactions = append(s.interactions, &cp)
	return nil
}

// ListInteractions — обращения деплоймента в порядке поступления.
func (s *Store) ListInteractions(_ context.Context, deploymentID string) ([]*domain.Interaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []*domain.Interaction{}
	for _, i := range s.interactions {
		if i.DeploymentID == deploymentID {
			cp := *i
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(a, b int) bool { return out[a].CreatedAt.Before(out[b].CreatedAt) })
	return out, nil
}

// RecentInteractions — последние limit успешных обращений, старые первыми.
func (s *Store) RecentInteractions(ctx context.Context, deploymentID string, limit int) ([]*domain.Interaction, error) {
	if limit <= 0 {
		return []*domain.Interaction{}, nil
	}
	all, _ := s.ListInteractions(ctx, deploymentID)
	out := make([]*domain.Interaction, 0, limit)
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		if all[i].Success {
			out = append(out, all[i])
		}
	}
	for l, r := 0, len(out)-1; l < r; l, r = l+1, r-1 {
		out[l], out[r] = out[r], out[l]
	}
	return out, nil
}

func (s *Store) InteractionStats(_ context.Context, deploymentID string, since time.Time) (domain.InteractionStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var st domain.InteractionStats
	for _, i := range s.interactions {
		if i.DeploymentID != deploymentID || i.CreatedAt.Before(since) {
			continue
		}
		st.Total++
		if i.Success {
			st.Successful++
		}
	}
	return st, nil
}

func (s *Store) AppendMetric(_ context.Context, m *domain.AgentMetric) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *m
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	s.metrics = append(s.metrics, &cp)
	return nil
}

// ListMetrics — последние метрики деплоймента, новые первыми.
func (s *Store) ListMetrics(_ context.Context, deploymentID string, limit int) ([]*domain.AgentMetric, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []*domain.AgentMetric{}
	for i := len(s.metrics) - 1; i >= 0; i-- {
		m := s.metrics[i]
		if m.DeploymentID != deploymentID {
			continue
		}
		cp := *m
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *Store) WriteActionEvents(_ context.Context, events []audit.ActionEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.auditEvents = append(s.auditEvents, events...)
	return nil
}

// ActionEvents — журнал действий (для тестов и dev-режима).
func (s *Store) ActionEvents() []audit.ActionEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]audit.ActionEvent(nil), s.auditEvents...)
}
