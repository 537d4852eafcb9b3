package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/xela07ax/spaceai-agent-fleet/internal/actions"
	"github.com/xela07ax/spaceai-agent-fleet/internal/actions/executor"
	"github.com/xela07ax/spaceai-agent-fleet/internal/domain"
	"go.uber.org/zap"
)

// Вывод диагностики в ответе агента обрезается.
const diagnosticPreviewLimit = 2500

// diagnose прогоняет набор read-only команд для типа цели. Каждая команда — отдельное
// действие state machine, поэтому проходит классификацию и аудит как обычное.
func (p *Pipeline) diagnose(ctx context.Context, m Mention, out domain.ActionOutcome, targets []executor.Info) domain.ActionOutcome {
	var targetType string
	for _, t := range targets {
		if t.ID == out.Intent.TargetID {
			targetType = t.Type
		}
	}

	var b strings.Builder
	ok := 0
	commands := executor.DiagnosticCommands(targetType)
	for _, command := range commands {
		fmt.Fprintf(&b, "$ %s\n", command)
		created, err := p.actions.CreateAction(ctx, actions.CreateRequest{
			Type:     domain.ActionRead,
			Command:  command,
			TargetID: out.Intent.TargetID,
			Actor:    m.ActorID,
		})
		if err != nil {
			fmt.Fprintf(&b, "error: %v\n\n", err)
			continue
		}
		if created.Action.RequiresConfirmation {
			// Диагностика не исполняет ничего, что требует подтверждения
			_, _ = p.actions.CancelAction(ctx, created.Action.ID, m.ActorID, true)
			b.WriteString("skipped: requires confirmation\n\n")
			continue
		}
		done, err := p.actions.ExecuteAction(ctx, created.Action.ID, actions.ExecuteOptions{Actor: m.ActorID})
		if err != nil {
			fmt.Fprintf(&b, "error: %v\n\n", err)
			continue
		}
		ok++
		if done.Result != nil {
			b.WriteString(*done.Result)
		}
		b.WriteString("\n\n")
	}

	out.Intent.Command = strings.Join(commands, "; ")
	out.RiskLevel = domain.RiskInfo
	out.Executed = ok > 0
	out.Status = domain.ActionCompleted
	if ok < len(commands) {
		out.Status = domain.ActionFailed
	}
	report := strings.TrimSpace(b.String())
	if len(report) > diagnosticPreviewLimit {
		report = report[:diagnosticPreviewLimit] + "\n... (full output on request)"
	}
	out.Summary = fmt.Sprintf("diagnostic of %s (%d/%d checks):\n%s", out.Intent.TargetID, ok, len(commands), report)
	return out
}

func (p *Pipeline) createTicket(ctx context.Context, m Mention, in domain.Intent) domain.ActionOutcome {
	out := domain.ActionOutcome{Intent: in}
	if p.tickets == nil {
		out.Summary = "ticketing is not configured, ask an admin to connect a tracker"
		return out
	}
	title := firstNonEmpty(in.Title, m.Text)
	ticket, err := p.tickets.CreateTicket(ctx, domain.TicketRequest{
		WorkspaceID: m.WorkspaceID,
		Kind:        in.Kind,
		Title:       title,
		Description: firstNonEmpty(in.Details, m.Text),
		Severity:    in.Severity,
		Reporter:    m.ActorID,
	})
	if err != nil {
		p.logger.Warn("ticket creation failed", zap.String("kind", string(in.Kind)), zap.Error(err))
		out.Summary = "could not create the ticket: " + err.Error()
		return out
	}
	out.Executed = true
	out.Summary = fmt.Sprintf("created ticket %s", ticket.Key)
	if ticket.URL != "" {
		out.Summary += " (" + ticket.URL + ")"
	}
	return out
}

func (p *Pipeline) scheduleEvent(ctx context.Context, m Mention, in domain.Intent) domain.ActionOutcome {
	out := domain.ActionOutcome{Intent: in}
	if p.events == nil {
		out.Summary = "calendar is not configured, ask an admin to connect one"
		return out
	}
	ev, err := p.events.ScheduleEvent(ctx, domain.EventRequest{
		WorkspaceID: m.WorkspaceID,
		Kind:        in.Kind,
		Title:       firstNonEmpty(in.Title, m.Text),
		Description: firstNonEmpty(in.Details, m.Text),
		Organizer:   m.ActorID,
	})
	if err != nil {
		p.logger.Warn("event scheduling failed", zap.String("kind", string(in.Kind)), zap.Error(err))
		out.Summary = "could not schedule the meeting: " + err.Error()
		return out
	}
	out.Executed = true
	out.Summary = fmt.Sprintf("scheduled for %s (%d min)", ev.StartsAt.UTC().Format("2006-01-02 15:04 MST"), ev.DurationMinutes)
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
