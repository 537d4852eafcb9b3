package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/xela07ax/spaceai-agent-fleet/internal/actions"
	"github.com/xela07ax/spaceai-agent-fleet/internal/deployment"
	"github.com/xela07ax/spaceai-agent-fleet/internal/domain"
)

// CommandKind — служебная команда чата, обрабатывается без классификатора и модели.
type CommandKind string

const (
	CommandConfirm CommandKind = "confirm"
	CommandCancel  CommandKind = "cancel"
	CommandStatus  CommandKind = "status"
	CommandHelp    CommandKind = "help"
	CommandMetrics CommandKind = "metrics"
)

type Command struct {
	Kind     CommandKind
	ActionID string
	Token    string
}

// Redacted — текст команды для журнала обращений: токен подтверждения не сохраняется.
func (c Command) Redacted() string {
	switch c.Kind {
	case CommandConfirm:
		return fmt.Sprintf("confirm %s [token]", c.ActionID)
	case CommandCancel:
		return "cancel " + c.ActionID
	}
	return "/" + string(c.Kind)
}

// ParseCommand распознает `confirm <actionId> <token>`, `cancel <actionId>`
// и `/status`, `/help`, `/metrics` (также с префиксом nox-).
func ParseCommand(text string) (Command, bool) {
	fields := strings.Fields(strings.TrimSpace(text))
	if len(fields) == 0 {
		return Command{}, false
	}
	head := strings.ToLower(fields[0])
	switch {
	case head == "confirm" && len(fields) == 3:
		return Command{Kind: CommandConfirm, ActionID: fields[1], Token: fields[2]}, true
	case head == "cancel" && len(fields) == 2:
		return Command{Kind: CommandCancel, ActionID: fields[1]}, true
	case len(fields) != 1:
		return Command{}, false
	}

	name := strings.TrimPrefix(strings.TrimPrefix(head, "/"), "nox-")
	switch {
	case name == "help" && (head == "help" || strings.HasPrefix(head, "/")):
		return Command{Kind: CommandHelp}, true
	case !strings.HasPrefix(head, "/"):
		// голое "status" — это вопрос к агенту, а не команда
		return Command{}, false
	case name == "status":
		return Command{Kind: CommandStatus}, true
	case name == "metrics":
		return Command{Kind: CommandMetrics}, true
	}
	return Command{}, false
}

// runCommand исполняет служебную команду. Отказ state machine (неверный токен,
// действие уже не pending) — это ответ пользователю, а не ошибка обращения.
func (p *Pipeline) runCommand(ctx context.Context, m Mention, c Command) (string, error) {
	switch c.Kind {
	case CommandConfirm:
		a, err := p.actions.ExecuteAction(ctx, c.ActionID, actions.ExecuteOptions{
			ConfirmationToken: c.Token,
			Actor:             m.ActorID,
		})
		if err != nil {
			return confirmFailure(c.ActionID, a, err)
		}
		reply := fmt.Sprintf("Action `%s` completed.", a.ID)
		if a.Result != nil && *a.Result != "" {
			reply += "\n```\n" + *a.Result + "\n```"
		}
		return reply, nil

	case CommandCancel:
		a, err := p.actions.CancelAction(ctx, c.ActionID, m.ActorID, false)
		switch {
		case errors.Is(err, domain.ErrForbidden):
			return fmt.Sprintf("Only the author of action `%s` or an operator can cancel it.", c.ActionID), nil
		case errors.Is(err, domain.ErrActionNotPending):
			return fmt.Sprintf("Action `%s` is no longer pending.", c.ActionID), nil
		case errors.Is(err, domain.ErrNotFound):
			return fmt.Sprintf("I don't know action `%s`.", c.ActionID), nil
		case err != nil:
			return "", err
		}
		return fmt.Sprintf("Action `%s` (`%s`) cancelled.", a.ID, a.Command), nil

	case CommandStatus:
		return p.statusText(ctx, m.WorkspaceID)
	case CommandMetrics:
		return p.metricsText(ctx, m.WorkspaceID)
	}
	return HelpText(m.AgentName), nil
}

func confirmFailure(id string, a *domain.InfrastructureAction, err error) (string, error) {
	var rej *actions.RejectionError
	switch {
	case errors.As(err, &rej):
		return fmt.Sprintf("Action `%s` is blocked: %s", id, rej.Validation.Message), nil
	case errors.Is(err, domain.ErrInvalidConfirmation), errors.Is(err, domain.ErrConfirmationRequired):
		return fmt.Sprintf("The confirmation token for action `%s` is not valid.", id), nil
	case errors.Is(err, domain.ErrActionNotPending):
		return fmt.Sprintf("Action `%s` is no longer pending, the token cannot be reused.", id), nil
	case errors.Is(err, domain.ErrNotFound):
		return fmt.Sprintf("I don't know action `%s`.", id), nil
	case errors.Is(err, domain.ErrExecutionFailed) && a != nil:
		reply := fmt.Sprintf("Action `%s` failed.", id)
		if a.Result != nil && *a.Result != "" {
			reply += "\n```\n" + *a.Result + "\n```"
		}
		return reply, nil
	}
	return "", err
}

func (p *Pipeline) statusText(ctx context.Context, workspaceID string) (string, error) {
	list, err := p.deployments.ListDeployments(ctx, workspaceID)
	if err != nil {
		return "", err
	}
	if len(list) == 0 {
		return "No agents are deployed in this workspace.", nil
	}
	var b strings.Builder
	b.WriteString("*Agent status:*\n")
	for _, d := range list {
		last := "never active"
		if d.LastActiveAt != nil {
			last = "last active " + d.LastActiveAt.UTC().Format("2006-01-02 15:04 MST")
		}
		fmt.Fprintf(&b, "• agent `%s`: %s (%s)", d.AgentID, d.Status, last)
		if spec := deployment.MonitoringSpec(d); spec != "" {
			fmt.Fprintf(&b, ", monitoring %s", spec)
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func (p *Pipeline) metricsText(ctx context.Context, workspaceID string) (string, error) {
	list, err := p.deployments.WorkspaceMetrics(ctx, workspaceID, 50)
	if err != nil {
		return "", err
	}
	if len(list) == 0 {
		return "No agents are deployed in this workspace.", nil
	}
	var b strings.Builder
	b.WriteString("*Agent metrics:*\n")
	for _, dm := range list {
		// Метрики приходят новыми первыми: берем последнее значение каждого типа
		latest := map[domain.MetricType]float64{}
		for _, m := range dm.Metrics {
			if _, seen := latest[m.MetricType]; !seen {
				latest[m.MetricType] = m.Value
			}
		}
		if len(latest) == 0 {
			fmt.Fprintf(&b, "• agent `%s`: no metrics yet\n", dm.Deployment.AgentID)
			continue
		}
		types := make([]string, 0, len(latest))
		for t := range latest {
			types = append(types, string(t))
		}
		sort.Strings(types)
		parts := make([]string, 0, len(types))
		for _, t := range types {
			parts = append(parts, fmt.Sprintf("%s=%g", t, latest[domain.MetricType(t)]))
		}
		fmt.Fprintf(&b, "• agent `%s`: %s\n", dm.Deployment.AgentID, strings.Join(parts, ", "))
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

// HelpText — список команд агента.
func HelpText(agentName string) string {
	return fmt.Sprintf("*What I understand:*\n"+
		"• `@%[1]s <question or request>`: ask me anything or request an action\n"+
		"• a direct message to %[1]s for a private conversation\n"+
		"• `confirm <actionId> <token>`: run an action that waits for your confirmation\n"+
		"• `cancel <actionId>`: cancel a pending action\n"+
		"• `/status`: deployed agents and their activity\n"+
		"• `/metrics`: latest performance metrics\n"+
		"• `/help`: this message", agentName)
}
