// Package memory — хранилище в памяти процесса с той же семантикой условных
// переходов, что и postgres. Используется в тестах и в dev-режиме (--memory).
package memory

import (
	"sync"
	"time"

	"github.com/xela07ax/spaceai-agent-fleet/internal/audit"
	"github.com/xela07ax/spaceai-agent-fleet/internal/domain"
)

type Store struct {
	mu sync.RWMutex

	workspaces   map[string]*domain.Workspace
	agents       map[string]*domain.Agent
	deployments  map[string]*domain.Deployment
	tasks        map[string]*domain.OrchestrationTask
	actions      map[string]*domain.InfrastructureAction
	interactions []*domain.Interaction
	metrics      []*domain.AgentMetric
	users        map[string]*domain.User
	auditEvents  []audit.ActionEvent

	seq       int64            // порядок вставки задач, разрешает равные created_at
	taskOrder map[string]int64
	now func() time.Time
}

func New() *Store {
	return &Store{
		workspaces:  make(map[string]*domain.Workspace),
		agents:      make(map[string]*domain.Agent),
		deployments: make(map[string]*domain.Deployment),
		tasks:       make(map[string]*domain.OrchestrationTask),
		actions:     make(map[string]*domain.InfrastructureAction),
		users:       make(map[string]*domain.User),
		taskOrder:   make(map[string]int64),
		now:         time.Now,
	}
}

// WithClock подменяет часы (для тестов).
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

func copyMap[K comparable, V any](m map[K]V) map[K]V {
	if m == nil {
		return nil
	}
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
