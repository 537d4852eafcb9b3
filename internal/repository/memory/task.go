package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/xela07ax/spaceai-agent-fleet/internal/domain"
)

func cloneTask(t *domain.OrchestrationTask) *domain.OrchestrationTask {
	cp := *t
	cp.Payload = append(json.RawMessage(nil), t.Payload...)
	cp.Result = append(json.RawMessage(nil), t.Result...)
	cp.StartedAt = copyTime(t.StartedAt)
	cp.CompletedAt = copyTime(t.CompletedAt)
	return &cp
}

func (s *Store) CreateTask(_ context.Context, t *domain.OrchestrationTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if _, exists := s.tasks[t.ID]; exists {
		return fmt.Errorf("memory: task %s already exists", t.ID)
	}
	s.seq++
	s.taskOrder[t.ID] = s.seq
	s.tasks[t.ID] = cloneTask(t)
	return nil
}

func (s *Store) GetTask(_ context.Context, id string) (*domain.OrchestrationTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("memory: task %s: %w", id, domain.ErrNotFound)
	}
	return cloneTask(t), nil
}

// ListPendingTasks: priority DESC, created_at ASC, не больше limit.
func (s *Store) ListPendingTasks(_ context.Context, workspaceID string, limit int) ([]*domain.OrchestrationTask, error) {
	return s.list(domain.TaskFilter{WorkspaceID: workspaceID, Status: domain.TaskPending, Limit: limit}, true), nil
}

func (s *Store) ListTasks(_ context.Context, f domain.TaskFilter) ([]*domain.OrchestrationTask, error) {
	return s.list(f, false), nil
}

// ListRetryableTasks — failed, у которых еще остались попытки.
func (s *Store) ListRetryableTasks(_ context.Context, limit int) ([]*domain.OrchestrationTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []*domain.OrchestrationTask{}
	for _, t := range s.tasks {
		if t.CanRetry() {
			out = append(out, cloneTask(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return s.taskOrder[out[i].ID] < s.taskOrder[out[j].ID] })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) list(f domain.TaskFilter, byPriority bool) []*domain.OrchestrationTask {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []*domain.OrchestrationTask{}
	for _, t := range s.tasks {
		if f.WorkspaceID != "" && t.WorkspaceID != f.WorkspaceID {
			continue
		}
		if f.Status != "" && t.Status != f.Status {
			continue
		}
		out = append(out, cloneTask(t))
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if byPriority && a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			if byPriority {
				return a.CreatedAt.Before(b.CreatedAt)
			}
			return a.CreatedAt.After(b.CreatedAt)
		}
		if byPriority {
			return s.taskOrder[a.ID] < s.taskOrder[b.ID]
		}
		return s.taskOrder[a.ID] > s.taskOrder[b.ID]
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

// ClaimTask — атомарный pending -> running. Проигравший получает domain.ErrTaskClaimed.
func (s *Store) ClaimTask(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("memory: task %s: %w", id, domain.ErrNotFound)
	}
	if t.Status != domain.TaskPending {
		return fmt.Errorf("memory: task %s is %s: %w", id, t.Status, domain.ErrTaskClaimed)
	}
	t.Status = domain.TaskRunning
	t.StartedAt = &at
	t.UpdatedAt = at
	return nil
}

// FinishTask — running -> completed|failed с результатом.
func (s *Store) FinishTask(_ context.Context, id string, status domain.TaskStatus, result json.RawMessage, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("memory: task %s: %w", id, domain.ErrNotFound)
	}
	if t.Status != domain.TaskRunning || !domain.CanTransitionTask(t.Status, status) {
		return fmt.Errorf("memory: task %s %s -> %s: %w", id, t.Status, status, domain.ErrInvalidTransition)
	}
	t.Status = status
	t.Result = append(json.RawMessage(nil), result...)
	t.CompletedAt = &at
	t.UpdatedAt = at
	return nil
}

// RequeueTask — failed -> pending с retry_count+1, пока не исчерпан лимит.
func (s *Store) RequeueTask(_ context.Context, id string) (*domain.OrchestrationTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("memory: task %s: %w", id, domain.ErrNotFound)
	}
	if t.Status != domain.TaskFailed {
		return nil, fmt.Errorf("memory: task %s is %s: %w", id, t.Status, domain.ErrInvalidTransition)
	}
	if t.RetryCount >= t.MaxRetries {
		return nil, fmt.Errorf("memory: task %s: %w", id, domain.ErrRetriesExhausted)
	}
	t.Status = domain.TaskPending
	t.RetryCount++
	t.StartedAt = nil
	t.CompletedAt = nil
	t.UpdatedAt = s.now()
	return cloneTask(t), nil
}
