// Package executor исполняет InfrastructureAction на внешних целях:
// kubernetes, docker, ssh (через argv, без shell) и удаленные gRPC-коннекторы.
package executor

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/xela07ax/spaceai-agent-fleet/internal/domain"
)

const (
	TypeKubernetes = "kubernetes"
	TypeDocker     = "docker"
	TypeSSH        = "ssh"
	TypeConnector  = "connector"
	TypeMock       = "mock"
)

// Target — цель исполнения команды.
type Target interface {
	ID() string
	Type() string
	Execute(ctx context.Context, command string) (string, error)
}

// Info — описание цели для операторов и для вопроса "на какой цели?".
type Info struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
}

type named interface {
	Name() string
}

// Registry — реестр целей, заполняется при старте.
type Registry struct {
	mu      sync.RWMutex
	targets map[string]Target
}

func NewRegistry() *Registry {
	return &Registry{targets: make(map[string]Target)}
}

func (r *Registry) Register(t Target) {
	r.mu.Lock()
	r.targets[t.ID()] = t
	r.mu.Unlock()
}

// Get возвращает цель или domain.ErrTargetNotFound.
func (r *Registry) Get(id string) (Target, error) {
	r.mu.RLock()
	t, ok := r.targets[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("executor: %q: %w", id, domain.ErrTargetNotFound)
	}
	return t, nil
}

// List — цели в стабильном порядке.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Info, 0, len(r.targets))
	for id, t := range r.targets {
		info := Info{ID: id, Name: id, Type: t.Type()}
		if n, ok := t.(named); ok && n.Name() != "" {
			info.Name = n.Name()
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// DiagnosticCommands — набор read-only команд быстрого диагностического среза по типу цели.
func DiagnosticCommands(targetType string) []string {
	switch targetType {
	case TypeKubernetes:
		return []string{"get pods", "get nodes"}
	case TypeDocker:
		return []string{"ps -a", "images"}
	case TypeSSH:
		return []string{"systemctl list-units --failed", "df -h"}
	default:
		return []string{"status"}
	}
}
