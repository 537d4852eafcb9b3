// Package deployment управляет привязками агентов к workspace:
// деплой (upsert), авто-деплой агента по умолчанию, health-check и метрики.
package deployment

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/xela07ax/spaceai-agent-fleet/internal/domain"
	"github.com/xela07ax/spaceai-agent-fleet/internal/infra"
	"go.uber.org/zap"
)

type Store interface {
	GetAgent(ctx context.Context, id string) (*domain.Agent, error)
	GetAgentByName(ctx context.Context, name string) (*domain.Agent, error)
	UpsertDeployment(ctx context.Context, d *domain.Deployment) (*domain.Deployment, error)
	GetDeployment(ctx context.Context, id string) (*domain.Deployment, error)
	FindDeployment(ctx context.Context, workspaceID, agentID string) (*domain.Deployment, error)
	ListDeployments(ctx context.Context, workspaceID string) ([]*domain.Deployment, error)
	TouchDeployment(ctx context.Context, id string, at time.Time) error
	UpdateDeploymentStatus(ctx context.Context, id string, status domain.DeploymentStatus) error
	InteractionStats(ctx context.Context, deploymentID string, since time.Time) (domain.InteractionStats, error)
	AppendMetric(ctx context.Context, m *domain.AgentMetric) error
	ListMetrics(ctx context.Context, deploymentID string, limit int) ([]*domain.AgentMetric, error)
}

type DeployRequest struct {
	WorkspaceID   string
	AgentID       string
	Channels      []string
	Permissions   map[string]bool
	Configuration map[string]any
}

type Manager struct {
	store  Store
	cfg    infra.DeploymentConfig
	logger *zap.Logger
	now    func() time.Time
}

func NewManager(store Store, cfg infra.DeploymentConfig, logger *zap.Logger) *Manager {
	if cfg.DefaultAgent == "" {
		cfg.DefaultAgent = "NOX"
	}
	if cfg.DefaultChannel == "" {
		cfg.DefaultChannel = "general"
	}
	if cfg.FreshnessWindow <= 0 {
		cfg.FreshnessWindow = time.Hour
	}
	if cfg.SuccessRateWindow <= 0 {
		cfg.SuccessRateWindow = 24 * time.Hour
	}
	return &Manager{store: store, cfg: cfg, logger: logger.Named("deployment"), now: time.Now}
}

// WithClock подменяет часы (для тестов).
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// DefaultAgent — имя агента, который авто-деплоится при первом упоминании.
func (m *Manager) DefaultAgent() string { return m.cfg.DefaultAgent }

// Deploy создает или обновляет деплоймент. Идемпотентен по (workspace, agent).
func (m *Manager) Deploy(ctx context.Context, req DeployRequest) (*domain.Deployment, error) {
	if _, err := m.store.GetAgent(ctx, req.AgentID); err != nil {
		return nil, fmt.Errorf("deployment: agent %s: %w", req.AgentID, err)
	}
	if len(req.Channels) == 0 {
		req.Channels = []string{m.cfg.DefaultChannel}
	}
	if req.Permissions == nil {
		req.Permissions = domain.DefaultPermissions()
	}

	// nil Configuration сохраняет конфигурацию существующего деплоймента
	now := m.now()
	d, err := m.store.UpsertDeployment(ctx, &domain.Deployment{
		WorkspaceID:   req.WorkspaceID,
		AgentID:       req.AgentID,
		Status:        domain.DeploymentActive,
		Channels:      req.Channels,
		Permissions:   req.Permissions,
		Configuration: req.Configuration,
		DeployedAt:    &now,
	})
	if err != nil {
		return nil, fmt.Errorf("deployment: upsert: %w", err)
	}
	m.logger.Info("agent deployed",
		zap.String("workspace_id", d.WorkspaceID),
		zap.String("agent_id", d.AgentID),
		zap.String("deployment_id", d.ID))
	return d, nil
}

// GetActiveDeployment ищет активный деплоймент агента. Для агента по умолчанию
// отсутствующий (или еще pending) деплоймент создается на лету. Приостановленный
// оператором или упавший не переактивируется: domain.ErrDeploymentMissing.
func (m *Manager) GetActiveDeployment(ctx context.Context, workspaceID, agentName string) (*domain.Deployment, error) {
	agent, err := m.store.GetAgentByName(ctx, agentName)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("deployment: agent %q: %w", agentName, domain.ErrDeploymentMissing)
		}
		return nil, fmt.Errorf("deployment: agent %q: %w", agentName, err)
	}

	d, err := m.store.FindDeployment(ctx, workspaceID, agent.ID)
	switch {
	case err == nil && d.Status == domain.DeploymentActive:
		return d, nil
	case err == nil && d.Status != domain.DeploymentPending:
		return nil, fmt.Errorf("deployment: %s is %s: %w", d.ID, d.Status, domain.ErrDeploymentMissing)
	case err != nil && !errors.Is(err, domain.ErrNotFound):
		return nil, fmt.Errorf("deployment: find: %w", err)
	}

	if agentName != m.cfg.DefaultAgent {
		return nil, fmt.Errorf("deployment: %s not deployed in %s: %w", agentName, workspaceID, domain.ErrDeploymentMissing)
	}

	m.logger.Info("auto-deploying default agent", zap.String("workspace_id", workspaceID), zap.String("agent", agentName))
	return m.Deploy(ctx, DeployRequest{
		WorkspaceID:   workspaceID,
		AgentID:       agent.ID,
		Configuration: map[string]any{"autoDeployed": true},
	})
}

// ConfigMonitoring — ключ Configuration с расписанием сбора метрик.
const ConfigMonitoring = "monitoring"

// MonitoringSpec — сохраненное расписание мониторинга деплоймента, "" если не включен.
func MonitoringSpec(d *domain.Deployment) string {
	spec, _ := d.Configuration[ConfigMonitoring].(string)
	return spec
}

// SetMonitoring записывает расписание мониторинга в конфигурацию деплоймента,
// чтобы serve после рестарта мог восстановить задачу планировщика.
func (m *Manager) SetMonitoring(ctx context.Context, deploymentID, spec string) (*domain.Deployment, error) {
	d, err := m.store.GetDeployment(ctx, deploymentID)
	if err != nil {
		return nil, fmt.Errorf("deployment: get %s: %w", deploymentID, err)
	}
	cfg := make(map[string]any, len(d.Configuration)+1)
	for k, v := range d.Configuration {
		cfg[k] = v
	}
	cfg[ConfigMonitoring] = spec
	d.Configuration = cfg

	out, err := m.store.UpsertDeployment(ctx, d)
	if err != nil {
		return nil, fmt.Errorf("deployment: set monitoring %s: %w", deploymentID, err)
	}
	return out, nil
}

// HealthCheck — advisory: здоров, если последнее обращение было в пределах окна свежести.
func (m *Manager) HealthCheck(ctx context.Context, workspaceID string) ([]domain.HealthStatus, error) {
	list, err := m.store.ListDeployments(ctx, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("deployment: list: %w", err)
	}
	now := m.now()
	out := make([]domain.HealthStatus, 0, len(list))
	for _, d := range list {
		if d.Status != domain.DeploymentActive {
			continue
		}
		healthy := d.LastActiveAt != nil && now.Sub(*d.LastActiveAt) < m.cfg.FreshnessWindow
		out = append(out, domain.HealthStatus{
			DeploymentID: d.ID,
			AgentID:      d.AgentID,
			Healthy:      healthy,
			LastActive:   d.LastActiveAt,
		})
	}
	return out, nil
}

// RecordActivity сдвигает last_active_at деплоймента на время события.
func (m *Manager) RecordActivity(ctx context.Context, deploymentID string, at time.Time) error {
	if err := m.store.TouchDeployment(ctx, deploymentID, at); err != nil {
		return fmt.Errorf("deployment: touch %s: %w", deploymentID, err)
	}
	return nil
}

// SetStatus — ручная пауза/возобновление оператором.
func (m *Manager) SetStatus(ctx context.Context, deploymentID string, status domain.DeploymentStatus) error {
	if err := m.store.UpdateDeploymentStatus(ctx, deploymentID, status); err != nil {
		return fmt.Errorf("deployment: set status %s: %w", deploymentID, err)
	}
	m.logger.Info("deployment status changed", zap.String("deployment_id", deploymentID), zap.String("status", string(status)))
	return nil
}

// RecordInteractionMetrics дописывает response_time и счетчик interactions.
func (m *Manager) RecordInteractionMetrics(ctx context.Context, deploymentID string, responseTime time.Duration) error {
	now := m.now()
	for _, metric := range []*domain.AgentMetric{
		{DeploymentID: deploymentID, MetricType: domain.MetricResponseTime, Value: float64(responseTime.Milliseconds()), Timestamp: now},
		{DeploymentID: deploymentID, MetricType: domain.MetricInteractions, Value: 1, Timestamp: now},
	} {
		if err := m.store.AppendMetric(ctx, metric); err != nil {
			return fmt.Errorf("deployment: append %s: %w", metric.MetricType, err)
		}
	}
	return nil
}

// CollectMetrics считает success_rate (в процентах) за окно. Без обращений метрика не пишется.
func (m *Manager) CollectMetrics(ctx context.Context, deploymentID string) (*domain.AgentMetric, error) {
	d, err := m.store.GetDeployment(ctx, deploymentID)
	if err != nil {
		return nil, fmt.Errorf("deployment: get %s: %w", deploymentID, err)
	}
	if d.Status != domain.DeploymentActive {
		return nil, nil
	}

	now := m.now()
	stats, err := m.store.InteractionStats(ctx, deploymentID, now.Add(-m.cfg.SuccessRateWindow))
	if err != nil {
		return nil, fmt.Errorf("deployment: stats %s: %w", deploymentID, err)
	}
	if stats.Total == 0 {
		return nil, nil
	}

	metric := &domain.AgentMetric{
		DeploymentID: deploymentID,
		MetricType:   domain.MetricSuccessRate,
		Value:        math.Round(float64(stats.Successful) / float64(stats.Total) * 100),
		Timestamp:    now,
	}
	if err := m.store.AppendMetric(ctx, metric); err != nil {
		return nil, fmt.Errorf("deployment: append success_rate: %w", err)
	}
	return metric, nil
}

// WorkspaceMetrics — последние метрики по каждому деплойменту workspace.
type DeploymentMetrics struct {
	Deployment *domain.Deployment    `json:"deployment"`
	Metrics    []*domain.AgentMetric `json:"metrics"`
}

func (m *Manager) WorkspaceMetrics(ctx context.Context, workspaceID string, limit int) ([]DeploymentMetrics, error) {
	list, err := m.store.ListDeployments(ctx, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("deployment: list: %w", err)
	}
	if limit <= 0 {
		limit = 100
	}
	out := make([]DeploymentMetrics, 0, len(list))
	for _, d := range list {
		metrics, err := m.store.ListMetrics(ctx, d.ID, limit)
		if err != nil {
			return nil, fmt.Errorf("deployment: metrics %s: %w", d.ID, err)
		}
		out = append(out, DeploymentMetrics{Deployment: d, Metrics: metrics})
	}
	return out, nil
}

func (m *Manager) ListDeployments(ctx context.Context, workspaceID string) ([]*domain.Deployment, error) {
	return m.store.ListDeployments(ctx, workspaceID)
}

// ResolveAgent ищет агента каталога по имени.
func (m *Manager) ResolveAgent(ctx context.Context, name string) (*domain.Agent, error) {
	a, err := m.store.GetAgentByName(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("deployment: agent %q: %w", name, err)
	}
	return a, nil
}
