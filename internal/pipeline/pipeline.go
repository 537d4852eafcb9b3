// Package pipeline — обработка обращения к агенту: деплоймент, намерения,
// действия, генерация ответа, учет обращения и метрик.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/xela07ax/spaceai-agent-fleet/internal/actions"
	"github.com/xela07ax/spaceai-agent-fleet/internal/actions/executor"
	"github.com/xela07ax/spaceai-agent-fleet/internal/deployment"
	"github.com/xela07ax/spaceai-agent-fleet/internal/domain"
	"github.com/xela07ax/spaceai-agent-fleet/internal/engine"
	"go.uber.org/zap"
)

type Deployments interface {
	GetActiveDeployment(ctx context.Context, workspaceID, agentName string) (*domain.Deployment, error)
	ResolveAgent(ctx context.Context, name string) (*domain.Agent, error)
	RecordActivity(ctx context.Context, deploymentID string, at time.Time) error
	RecordInteractionMetrics(ctx context.Context, deploymentID string, responseTime time.Duration) error
	ListDeployments(ctx context.Context, workspaceID string) ([]*domain.Deployment, error)
	WorkspaceMetrics(ctx context.Context, workspaceID string, limit int) ([]deployment.DeploymentMetrics, error)
}

type InteractionStore interface {
	RecordInteraction(ctx context.Context, i *domain.Interaction) error
	// RecentInteractions — последние успешные обращения деплоймента, старые первыми.
	RecentInteractions(ctx context.Context, deploymentID string, limit int) ([]*domain.Interaction, error)
}

// IntentClassifier — внешний коллаборатор распознавания намерений.
type IntentClassifier interface {
	ClassifyIntents(ctx context.Context, text string, targets []executor.Info) ([]domain.Intent, error)
}

// Responder — внешний коллаборатор генерации текста ответа.
type Responder interface {
	Respond(ctx context.Context, req domain.ResponseRequest) (string, error)
}

type Actions interface {
	Targets() []executor.Info
	CreateAction(ctx context.Context, req actions.CreateRequest) (*actions.Created, error)
	ExecuteAction(ctx context.Context, id string, opts actions.ExecuteOptions) (*domain.InfrastructureAction, error)
	CancelAction(ctx context.Context, id, actor string, admin bool) (*domain.InfrastructureAction, error)
}

// TicketCreator — внешний трекер задач.
type TicketCreator interface {
	CreateTicket(ctx context.Context, req domain.TicketRequest) (*domain.Ticket, error)
}

// EventScheduler — внешний календарь.
type EventScheduler interface {
	ScheduleEvent(ctx context.Context, req domain.EventRequest) (*domain.ScheduledEvent, error)
}

// ConfirmationNotifier доставляет актору токен подтверждения.
type ConfirmationNotifier interface {
	NotifyConfirmation(ctx context.Context, workspaceID, actorID string, a *domain.InfrastructureAction, token string) error
}

type Mention struct {
	WorkspaceID string
	ActorID     string
	ChannelID   string
	Text        string
	AgentName   string
	Type        domain.MessageType
	ReceivedAt  time.Time // время прихода события; ноль — сейчас
}

const fallbackReply = "Sorry, I could not generate a response."

type Pipeline struct {
	deployments  Deployments
	interactions InteractionStore
	classifier   IntentClassifier
	responder    Responder
	actions      Actions
	notifier     ConfirmationNotifier
	tickets      TicketCreator
	events       EventScheduler
	historySize  int
	metrics      *engine.Metrics
	logger       *zap.Logger
	now          func() time.Time
}

func New(
	deployments Deployments,
	interactions InteractionStore,
	classifier IntentClassifier,
	responder Responder,
	acts Actions,
	notifier ConfirmationNotifier,
	metrics *engine.Metrics,
	logger *zap.Logger,
) *Pipeline {
	return &Pipeline{
		deployments:  deployments,
		interactions: interactions,
		classifier:   classifier,
		responder:    responder,
		actions:      acts,
		notifier:     notifier,
		metrics:      metrics,
		logger:       logger.Named("pipeline"),
		now:          time.Now,
	}
}

func (p *Pipeline) WithClock(now func() time.Time) *Pipeline {
	p.now = now
	return p
}

// WithTickets подключает трекер задач. Без него тикетные намерения отвечают "не настроено".
func (p *Pipeline) WithTickets(t TicketCreator) *Pipeline {
	p.tickets = t
	return p
}

func (p *Pipeline) WithEvents(e EventScheduler) *Pipeline {
	p.events = e
	return p
}

// WithHistory задает, сколько прошлых обращений к деплойменту попадает в контекст ответа.
func (p *Pipeline) WithHistory(n int) *Pipeline {
	p.historySize = n
	return p
}

// HandleMention возвращает текст ответа агента. Любая ошибка после разрешения
// деплоймента записывается как неуспешное обращение и возвращается вызывающему.
func (p *Pipeline) HandleMention(ctx context.Context, m Mention) (string, error) {
	start := p.now()
	if m.ReceivedAt.IsZero() {
		m.ReceivedAt = start
	}
	if m.Type == "" {
		m.Type = domain.MessageMention
	}
	log := p.logger.With(zap.String("workspace_id", m.WorkspaceID), zap.String("actor", m.ActorID))

	// 1. Деплоймент (с авто-деплоем агента по умолчанию)
	dep, err := p.deployments.GetActiveDeployment(ctx, m.WorkspaceID, m.AgentName)
	if err != nil {
		p.observe(m.Type, false, p.now().Sub(start))
		return "", fmt.Errorf("pipeline: %w", err)
	}

	// Служебные команды не доходят до классификатора и модели
	var reply string
	var outcomes []domain.ActionOutcome
	userMessage := m.Text
	cmd, isCommand := ParseCommand(m.Text)
	if isCommand {
		userMessage = cmd.Redacted()
		reply, err = p.runCommand(ctx, m, cmd)
	} else {
		reply, outcomes, err = p.respond(ctx, m, dep)
	}
	elapsed := p.now().Sub(start)
	p.observe(m.Type, err == nil, elapsed)

	rec := &domain.Interaction{
		DeploymentID:   dep.ID,
		ActorID:        m.ActorID,
		ChannelID:      m.ChannelID,
		MessageType:    m.Type,
		UserMessage:    userMessage,
		ResponseTimeMs: elapsed.Milliseconds(),
		Success:        err == nil,
		CreatedAt:      m.ReceivedAt,
	}

	if err != nil {
		// Best effort: ошибка записи не должна скрыть исходную
		rec.ErrorMessage = err.Error()
		rec.Metadata = map[string]any{"error": true}
		if recErr := p.interactions.RecordInteraction(context.WithoutCancel(ctx), rec); recErr != nil {
			log.Error("failed to record failed interaction", zap.Error(recErr))
		}
		log.Error("interaction failed", zap.String("deployment_id", dep.ID), zap.Error(err))
		return "", fmt.Errorf("pipeline: %w", err)
	}

	// 2. Учет обращения и метрики
	rec.AgentResponse = reply
	rec.Metadata = map[string]any{"actions": len(outcomes)}
	if isCommand {
		rec.Metadata["command"] = string(cmd.Kind)
	}
	if err := p.interactions.RecordInteraction(ctx, rec); err != nil {
		log.Error("failed to record interaction", zap.Error(err))
	}
	if err := p.deployments.RecordActivity(ctx, dep.ID, m.ReceivedAt); err != nil {
		log.Warn("failed to touch deployment", zap.Error(err))
	}
	if err := p.deployments.RecordInteractionMetrics(ctx, dep.ID, elapsed); err != nil {
		log.Warn("failed to append metrics", zap.Error(err))
	}

	log.Info("interaction handled",
		zap.String("deployment_id", dep.ID),
		zap.Int("actions", len(outcomes)),
		zap.Duration("elapsed", elapsed))
	return reply, nil
}

func (p *Pipeline) respond(ctx context.Context, m Mention, dep *domain.Deployment) (string, []domain.ActionOutcome, error) {
	agent, err := p.deployments.ResolveAgent(ctx, m.AgentName)
	if err != nil {
		return "", nil, err
	}

	// Приветствие: без распознавания намерений и действий
	greeting := IsGreeting(m.Text)
	var outcomes []domain.ActionOutcome
	if !greeting {
		outcomes, err = p.runIntents(ctx, m)
		if err != nil {
			return "", nil, err
		}
	}

	reply, err := p.responder.Respond(ctx, domain.ResponseRequest{
		Agent:       agent,
		WorkspaceID: m.WorkspaceID,
		ActorID:     m.ActorID,
		Text:        m.Text,
		Greeting:    greeting,
		Outcomes:    outcomes,
		History:     p.history(ctx, dep.ID),
	})
	if err != nil {
		return "", nil, fmt.Errorf("generate response: %w", err)
	}
	if strings.TrimSpace(reply) == "" {
		reply = fallbackReply
	}
	return reply, outcomes, nil
}

// runIntents прогоняет каждое намерение через state machine действий.
// Отказ по отдельному намерению — это исход, а не ошибка обращения.
func (p *Pipeline) runIntents(ctx context.Context, m Mention) ([]domain.ActionOutcome, error) {
	targets := p.actions.Targets()
	intents, err := p.classifier.ClassifyIntents(ctx, m.Text, targets)
	if err != nil {
		return nil, fmt.Errorf("classify intents: %w", err)
	}

	outcomes := make([]domain.ActionOutcome, 0, len(intents))
	for _, in := range intents {
		outcomes = append(outcomes, p.runIntent(ctx, m, in, targets))
	}
	return outcomes, nil
}

func (p *Pipeline) runIntent(ctx context.Context, m Mention, in domain.Intent, targets []executor.Info) domain.ActionOutcome {
	out := domain.ActionOutcome{Intent: in}

	switch {
	case in.Kind == domain.IntentAskForInfo:
		out.NeedsInput = true
		out.Summary = "more information is needed: " + whichTarget(targets)
		return out
	case in.Kind.Ticket():
		return p.createTicket(ctx, m, in)
	case in.Kind.Event():
		return p.scheduleEvent(ctx, m, in)
	}

	// 1. Цель: явная, названная в тексте или единственная
	targetID, ok := resolveTarget(in.TargetID, m.Text, targets)
	if !ok {
		out.NeedsInput = true
		out.Summary = whichTarget(targets)
		return out
	}
	out.Intent.TargetID = targetID

	if in.Kind == domain.IntentDiagnostic {
		return p.diagnose(ctx, m, out, targets)
	}

	command := strings.TrimSpace(in.Command)
	if command == "" {
		command = defaultCommand(in.Kind)
	}
	if command == "" {
		out.NeedsInput = true
		out.Summary = "which command should I run?"
		return out
	}
	out.Intent.Command = command

	// 2. Создание действия
	created, err := p.actions.CreateAction(ctx, actions.CreateRequest{
		Type:     actionType(in.Kind, command),
		Command:  command,
		TargetID: targetID,
		Actor:    m.ActorID,
	})
	if err != nil {
		var rej *actions.RejectionError
		if errors.As(err, &rej) {
			out.RiskLevel = rej.Validation.RiskLevel
			out.Summary = "blocked: " + rej.Validation.Message
			return out
		}
		out.Summary = "could not create action: " + err.Error()
		return out
	}
	a := created.Action
	out.ActionID, out.RiskLevel, out.Status = a.ID, a.RiskLevel, a.Status

	// 3. Требует подтверждения: токен уходит актору личным сообщением
	if a.RequiresConfirmation {
		out.AwaitingConfirmation = true
		out.Summary = fmt.Sprintf("%s risk, awaiting confirmation from %s (action %s)", a.RiskLevel, m.ActorID, a.ID)
		if p.notifier != nil {
			if err := p.notifier.NotifyConfirmation(ctx, m.WorkspaceID, m.ActorID, a, created.ConfirmationToken); err != nil {
				p.logger.Warn("confirmation delivery failed", zap.String("action_id", a.ID), zap.Error(err))
				out.Summary += "; the confirmation token could not be delivered, ask an operator"
			}
		}
		return out
	}

	// 4. Исполнение сразу
	done, err := p.actions.ExecuteAction(ctx, a.ID, actions.ExecuteOptions{Actor: m.ActorID})
	if done != nil {
		out.Status = done.Status
	}
	if err != nil {
		out.Summary = "failed: " + err.Error()
		return out
	}
	out.Executed = true
	out.Summary = "completed"
	if done.Result != nil && *done.Result != "" {
		out.Summary = "completed:\n" + *done.Result
	}
	return out
}

// history — предыдущие обращения к деплойменту. Ошибка чтения не мешает ответу.
func (p *Pipeline) history(ctx context.Context, deploymentID string) []domain.Exchange {
	if p.historySize <= 0 {
		return nil
	}
	list, err := p.interactions.RecentInteractions(ctx, deploymentID, p.historySize)
	if err != nil {
		p.logger.Warn("conversation history unavailable", zap.String("deployment_id", deploymentID), zap.Error(err))
		return nil
	}
	out := make([]domain.Exchange, 0, len(list))
	for _, i := range list {
		if _, isCommand := i.Metadata["command"]; isCommand {
			continue
		}
		out = append(out, domain.Exchange{UserMessage: i.UserMessage, AgentResponse: i.AgentResponse, At: i.CreatedAt})
	}
	return out
}

func (p *Pipeline) observe(t domain.MessageType, ok bool, d time.Duration) {
	p.metrics.InteractionsTotal.WithLabelValues(string(t), strconv.FormatBool(ok)).Inc()
	p.metrics.InteractionDuration.Observe(d.Seconds())
}

func resolveTarget(explicit, text string, targets []executor.Info) (string, bool) {
	if explicit != "" {
		for _, t := range targets {
			if t.ID == explicit || strings.EqualFold(t.Name, explicit) {
				return t.ID, true
			}
		}
		return "", false
	}
	lower := strings.ToLower(text)
	var named []string
	for _, t := range targets {
		if strings.Contains(lower, strings.ToLower(t.ID)) || (t.Name != "" && strings.Contains(lower, strings.ToLower(t.Name))) {
			named = append(named, t.ID)
		}
	}
	if len(named) == 1 {
		return named[0], true
	}
	if len(named) == 0 && len(targets) == 1 {
		return targets[0].ID, true
	}
	return "", false
}

func whichTarget(targets []executor.Info) string {
	if len(targets) == 0 {
		return "no targets are configured, ask an admin to add one"
	}
	names := make([]string, 0, len(targets))
	for _, t := range targets {
		names = append(names, fmt.Sprintf("%s (%s)", t.ID, t.Type))
	}
	return "which target? available: " + strings.Join(names, ", ")
}

func defaultCommand(k domain.IntentKind) string {
	switch k {
	case domain.IntentReadLogs:
		return "logs"
	case domain.IntentCheckStatus:
		return "status"
	}
	return ""
}

func actionType(k domain.IntentKind, command string) domain.ActionType {
	if k == domain.IntentReadLogs || k == domain.IntentCheckStatus {
		return domain.ActionRead
	}
	fields := strings.Fields(strings.ToLower(command))
	for _, f := range fields {
		switch f {
		case "restart", "rollout":
			return domain.ActionRestart
		case "scale":
			return domain.ActionScale
		case "deploy", "apply":
			return domain.ActionDeploy
		}
	}
	return domain.ActionExecute
}
