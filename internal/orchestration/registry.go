// Package orchestration — очередь асинхронных задач провижининга:
// реестр обработчиков, обработка батчами с CAS-захватом, ретраи,
// onboarding workflow и периодические задачи.
package orchestration

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/xela07ax/spaceai-agent-fleet/internal/domain"
)

// Handler исполняет задачу одного типа. Должен быть идемпотентен:
// доставка at-least-once (после ретрая задача может прийти повторно).
type Handler interface {
	Handle(ctx context.Context, workspaceID string, payload json.RawMessage) (any, error)
}

type HandlerFunc func(ctx context.Context, workspaceID string, payload json.RawMessage) (any, error)

func (f HandlerFunc) Handle(ctx context.Context, workspaceID string, payload json.RawMessage) (any, error) {
	return f(ctx, workspaceID, payload)
}

// Registry сопоставляет тип задачи и обработчик. Заполняется при старте.
type Registry struct {
	mu       sync.RWMutex
	handlers map[domain.TaskType]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[domain.TaskType]Handler)}
}

func (r *Registry) Register(t domain.TaskType, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[t] = h
}

func (r *Registry) Get(t domain.TaskType) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[t]
	if !ok {
		return nil, fmt.Errorf("orchestration: %s: %w", t, domain.ErrUnknownTaskType)
	}
	return h, nil
}

func (r *Registry) Types() []domain.TaskType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.TaskType, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
