package orchestration

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/xela07ax/spaceai-agent-fleet/internal/deployment"
	"github.com/xela07ax/spaceai-agent-fleet/internal/domain"
	"go.uber.org/zap"
)

// Deployer — то, что обработчикам нужно от менеджера деплойментов.
type Deployer interface {
	Deploy(ctx context.Context, req deployment.DeployRequest) (*domain.Deployment, error)
	ResolveAgent(ctx context.Context, name string) (*domain.Agent, error)
	GetActiveDeployment(ctx context.Context, workspaceID, agentName string) (*domain.Deployment, error)
	HealthCheck(ctx context.Context, workspaceID string) ([]domain.HealthStatus, error)
	CollectMetrics(ctx context.Context, deploymentID string) (*domain.AgentMetric, error)
	SetMonitoring(ctx context.Context, deploymentID, spec string) (*domain.Deployment, error)
	ListDeployments(ctx context.Context, workspaceID string) ([]*domain.Deployment, error)
}

type TokenSource interface {
	GetValidToken(ctx context.Context, workspaceID string) (string, error)
}

type Messenger interface {
	PostMessage(ctx context.Context, token, channel, text string) error
}

type JobScheduler interface {
	AddJob(name, spec string, fn JobFunc) error
	Running() bool
}

type DeployPayload struct {
	AgentID     string          `json:"agentId,omitempty"`
	AgentName   string          `json:"agentName,omitempty"`
	Channels    []string        `json:"channels,omitempty"`
	Permissions map[string]bool `json:"permissions,omitempty"`
}

type WelcomePayload struct {
	AgentName string `json:"agentName"`
	Channel   string `json:"channel"`
}

type MonitoringPayload struct {
	AgentName       string `json:"agentName"`
	MetricsInterval string `json:"metricsInterval,omitempty"` // "5m" или cron-выражение
}

// Handlers — встроенные обработчики задач.
type Handlers struct {
	deployer    Deployer
	tokens      TokenSource
	messenger   Messenger
	jobs        JobScheduler
	defaultSpec string
	logger      *zap.Logger
	now         func() time.Time
}

func NewHandlers(d Deployer, tokens TokenSource, messenger Messenger, jobs JobScheduler, monitoringSpec string, logger *zap.Logger) *Handlers {
	if monitoringSpec == "" {
		monitoringSpec = "@every 5m"
	}
	return &Handlers{
		deployer:    d,
		tokens:      tokens,
		messenger:   messenger,
		jobs:        jobs,
		defaultSpec: monitoringSpec,
		logger:      logger.Named("handlers"),
		now:         time.Now,
	}
}

func (h *Handlers) WithClock(now func() time.Time) *Handlers {
	h.now = now
	return h
}

// Register заполняет реестр всеми встроенными типами задач.
func (h *Handlers) Register(r *Registry) {
	r.Register(domain.TaskDeployAgent, HandlerFunc(h.DeployAgent))
	r.Register(domain.TaskSendWelcome, HandlerFunc(h.SendWelcome))
	r.Register(domain.TaskSetupMonitoring, HandlerFunc(h.SetupMonitoring))
	r.Register(domain.TaskHealthCheck, HandlerFunc(h.HealthCheck))
}

// DeployAgent — upsert деплоймента, повторный запуск безопасен.
func (h *Handlers) DeployAgent(ctx context.Context, workspaceID string, raw json.RawMessage) (any, error) {
	var p DeployPayload
	if err := decodePayload(raw, &p); err != nil {
		return nil, err
	}
	if p.AgentID == "" {
		if p.AgentName == "" {
			return nil, fmt.Errorf("deploy_agent: agentId or agentName required")
		}
		agent, err := h.deployer.ResolveAgent(ctx, p.AgentName)
		if err != nil {
			return nil, err
		}
		p.AgentID = agent.ID
	}

	d, err := h.deployer.Deploy(ctx, deployment.DeployRequest{
		WorkspaceID: workspaceID,
		AgentID:     p.AgentID,
		Channels:    p.Channels,
		Permissions: p.Permissions,
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"deploymentId": d.ID, "status": "deployed"}, nil
}

// SendWelcome публикует приветствие агента в канал workspace.
func (h *Handlers) SendWelcome(ctx context.Context, workspaceID string, raw json.RawMessage) (any, error) {
	var p WelcomePayload
	if err := decodePayload(raw, &p); err != nil {
		return nil, err
	}
	if p.Channel == "" {
		return nil, fmt.Errorf("send_welcome: channel required")
	}

	agent, err := h.deployer.ResolveAgent(ctx, p.AgentName)
	if err != nil {
		return nil, err
	}
	token, err := h.tokens.GetValidToken(ctx, workspaceID)
	if err != nil {
		return nil, err
	}

	channel := "#" + strings.TrimPrefix(p.Channel, "#")
	if err := h.messenger.PostMessage(ctx, token, channel, WelcomeText(agent)); err != nil {
		return nil, fmt.Errorf("send_welcome: post: %w", err)
	}
	return map[string]any{"channel": channel, "posted": true}, nil
}

// WelcomeText — приветственное сообщение агента.
func WelcomeText(a *domain.Agent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Hi team! I'm %s", a.Name)
	if a.Title != "" {
		fmt.Fprintf(&b, ", your %s", a.Title)
	}
	b.WriteString(". Mention me with a question or a command, for example `status of payments-service`.")
	if len(a.Skills) > 0 {
		fmt.Fprintf(&b, " I can help with: %s.", strings.Join(a.Skills, ", "))
	}
	return b.String()
}

// SetupMonitoring сохраняет расписание сбора success_rate в конфигурации деплоймента
// и регистрирует задачу планировщика. Задача именуется по деплойменту, повторный
// вызов заменяет расписание. monitoringEnabled отражает, идет ли сбор в этом процессе:
// без запущенного планировщика расписание только сохраняется и поднимется в serve.
func (h *Handlers) SetupMonitoring(ctx context.Context, workspaceID string, raw json.RawMessage) (any, error) {
	var p MonitoringPayload
	if err := decodePayload(raw, &p); err != nil {
		return nil, err
	}

	d, err := h.deployer.GetActiveDeployment(ctx, workspaceID, p.AgentName)
	if err != nil {
		return nil, err
	}

	spec := h.defaultSpec
	if p.MetricsInterval != "" {
		spec = intervalSpec(p.MetricsInterval)
	}

	// 1. Расписание проверяется до записи, чтобы не сохранить битое
	if err := h.scheduleMonitor(d.ID, spec); err != nil {
		return nil, err
	}
	// 2. Сохранение переживает рестарт процесса
	if _, err := h.deployer.SetMonitoring(ctx, d.ID, spec); err != nil {
		return nil, err
	}
	return map[string]any{
		"monitoringEnabled": h.jobs.Running(),
		"persisted":         true,
		"interval":          spec,
		"deploymentId":      d.ID,
	}, nil
}

// RestoreMonitoring заново регистрирует задачи мониторинга активных деплойментов
// с сохраненным расписанием. Вызывается serve при старте.
func (h *Handlers) RestoreMonitoring(ctx context.Context) (int, error) {
	list, err := h.deployer.ListDeployments(ctx, "")
	if err != nil {
		return 0, fmt.Errorf("restore monitoring: %w", err)
	}
	restored := 0
	for _, d := range list {
		spec := deployment.MonitoringSpec(d)
		if d.Status != domain.DeploymentActive || spec == "" {
			continue
		}
		if err := h.scheduleMonitor(d.ID, spec); err != nil {
			h.logger.Warn("monitoring not restored", zap.String("deployment_id", d.ID), zap.Error(err))
			continue
		}
		restored++
	}
	return restored, nil
}

func (h *Handlers) scheduleMonitor(depID, spec string) error {
	logger := h.logger
	return h.jobs.AddJob(MonitorJobName(depID), spec, func(ctx context.Context) {
		if _, err := h.deployer.CollectMetrics(ctx, depID); err != nil {
			logger.Error("collect metrics failed", zap.String("deployment_id", depID), zap.Error(err))
		}
	})
}

// MonitorJobName — имя задачи планировщика для деплоймента.
func MonitorJobName(deploymentID string) string { return "monitor:" + deploymentID }

// HealthCheck — снимок здоровья активных деплойментов workspace.
func (h *Handlers) HealthCheck(ctx context.Context, workspaceID string, _ json.RawMessage) (any, error) {
	health, err := h.deployer.HealthCheck(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"healthCheck": health, "timestamp": h.now().UTC()}, nil
}

// intervalSpec: "5m" -> "@every 5m", остальное считаем cron-выражением.
func intervalSpec(s string) string {
	if _, err := time.ParseDuration(s); err == nil {
		return "@every " + s
	}
	return s
}

func decodePayload(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}
