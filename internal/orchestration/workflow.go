package orchestration

import (
	"context"
	"fmt"
	"time"

	"github.com/xela07ax/spaceai-agent-fleet/internal/domain"
	"github.com/xela07ax/spaceai-agent-fleet/internal/infra"
	"go.uber.org/zap"
)

type WorkspaceStore interface {
	UpsertWorkspace(ctx context.Context, w *domain.Workspace) (*domain.Workspace, error)
}

type CodeExchanger interface {
	ExchangeCode(ctx context.Context, code string) (*domain.AuthorizationGrant, error)
}

type OnboardResult struct {
	Workspace *domain.Workspace           `json:"workspace"`
	Tasks     []*domain.OrchestrationTask `json:"tasks"`
	Batch     BatchResult                 `json:"batch"`
}

// Onboarding — подключение нового workspace: сохранить токены, поставить
// deploy -> welcome -> monitoring и сразу обработать очередь этого workspace.
type Onboarding struct {
	workspaces WorkspaceStore
	exchanger  CodeExchanger
	queue      *Queue
	cfg        infra.DeploymentConfig
	logger     *zap.Logger
	now        func() time.Time
}

func NewOnboarding(ws WorkspaceStore, ex CodeExchanger, q *Queue, cfg infra.DeploymentConfig, logger *zap.Logger) *Onboarding {
	if cfg.DefaultAgent == "" {
		cfg.DefaultAgent = "NOX"
	}
	if cfg.DefaultChannel == "" {
		cfg.DefaultChannel = "general"
	}
	return &Onboarding{workspaces: ws, exchanger: ex, queue: q, cfg: cfg, logger: logger.Named("onboarding"), now: time.Now}
}

// Complete обменивает код авторизации и запускает onboarding.
func (o *Onboarding) Complete(ctx context.Context, code string) (*OnboardResult, error) {
	if code == "" {
		return nil, fmt.Errorf("onboarding: empty authorization code")
	}
	grant, err := o.exchanger.ExchangeCode(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("onboarding: exchange code: %w", err)
	}
	return o.Onboard(ctx, grant)
}

func (o *Onboarding) Onboard(ctx context.Context, grant *domain.AuthorizationGrant) (*OnboardResult, error) {
	// 1. Workspace (upsert по team id)
	var expiresAt *time.Time
	if grant.Tokens.ExpiresIn > 0 {
		t := o.now().Add(grant.Tokens.ExpiresIn)
		expiresAt = &t
	}
	ws, err := o.workspaces.UpsertWorkspace(ctx, &domain.Workspace{
		ExternalID:     grant.TeamID,
		Name:           grant.TeamName,
		BotUserID:      grant.BotUserID,
		AgentDisplay:   o.cfg.DefaultAgent,
		AccessToken:    grant.Tokens.AccessToken,
		RefreshToken:   grant.Tokens.RefreshToken,
		TokenExpiresAt: expiresAt,
		IsActive:       true,
	})
	if err != nil {
		return nil, fmt.Errorf("onboarding: upsert workspace: %w", err)
	}
	o.logger.Info("workspace connected", zap.String("workspace_id", ws.ID), zap.String("team_id", grant.TeamID))

	// 2. Задачи в порядке приоритета
	res := &OnboardResult{Workspace: ws}
	steps := []ScheduleRequest{
		{TaskType: domain.TaskDeployAgent, Priority: Int(3), Payload: DeployPayload{
			AgentName: o.cfg.DefaultAgent,
			Channels:  []string{o.cfg.DefaultChannel},
		}},
		{TaskType: domain.TaskSendWelcome, Priority: Int(2), Payload: WelcomePayload{
			AgentName: o.cfg.DefaultAgent,
			Channel:   o.cfg.DefaultChannel,
		}},
		{TaskType: domain.TaskSetupMonitoring, Priority: Int(1), Payload: MonitoringPayload{
			AgentName: o.cfg.DefaultAgent,
		}},
	}
	for _, step := range steps {
		step.WorkspaceID = ws.ID
		task, err := o.queue.Schedule(ctx, step)
		if err != nil {
			return nil, fmt.Errorf("onboarding: schedule %s: %w", step.TaskType, err)
		}
		res.Tasks = append(res.Tasks, task)
	}

	// 3. Не ждем периодического опроса
	batch, err := o.queue.ProcessPending(ctx, ws.ID)
	if err != nil {
		return nil, fmt.Errorf("onboarding: process: %w", err)
	}
	res.Batch = batch
	return res, nil
}
