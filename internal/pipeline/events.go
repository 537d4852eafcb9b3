package pipeline

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/xela07ax/spaceai-agent-fleet/internal/cache"
	"github.com/xela07ax/spaceai-agent-fleet/internal/domain"
	"github.com/xela07ax/spaceai-agent-fleet/internal/infra"
	"go.uber.org/zap"
)

const (
	EventAppMention = "app_mention"
	EventMessage    = "message"
	ChannelTypeIM   = "im"
)

// Event — входящее событие чат-платформы (конверт уже разобран).
type Event struct {
	Type        string `json:"type"`
	TeamID      string `json:"team"`
	UserID      string `json:"user"`
	BotID       string `json:"bot_id,omitempty"`
	Text        string `json:"text"`
	Channel     string `json:"channel"`
	ChannelType string `json:"channel_type,omitempty"`
	TS          string `json:"ts"`
}

type RouteResult struct {
	Handled bool   `json:"handled"`
	Reason  string `json:"reason,omitempty"` // почему событие пропущено
	Reply   string `json:"reply,omitempty"`
}

type WorkspaceLookup interface {
	GetWorkspaceByExternalID(ctx context.Context, externalID string) (*domain.Workspace, error)
}

type TokenSource interface {
	GetValidToken(ctx context.Context, workspaceID string) (string, error)
}

type Messenger interface {
	PostMessage(ctx context.Context, token, channel, text string) error
}

type MentionHandler interface {
	HandleMention(ctx context.Context, m Mention) (string, error)
}

const retryLaterReply = "I ran into a temporary problem handling that. Please try again in a moment."

// EventRouter — фильтрация, дедупликация и маршрутизация входящих событий.
type EventRouter struct {
	workspaces WorkspaceLookup
	dedup      cache.Cache
	handler    MentionHandler
	tokens     TokenSource
	messenger  Messenger
	agentName  string
	dedupTTL   time.Duration
	logger     *zap.Logger
}

func NewEventRouter(
	workspaces WorkspaceLookup,
	dedup cache.Cache,
	handler MentionHandler,
	tokens TokenSource,
	messenger Messenger,
	agentName string,
	cfg infra.EventsConfig,
	logger *zap.Logger,
) *EventRouter {
	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = time.Hour
	}
	return &EventRouter{
		workspaces: workspaces,
		dedup:      dedup,
		handler:    handler,
		tokens:     tokens,
		messenger:  messenger,
		agentName:  agentName,
		dedupTTL:   cfg.DedupTTL,
		logger:     logger.Named("events"),
	}
}

var leadingMention = regexp.MustCompile(`^\s*<@[A-Z0-9]+(\|[^>]*)?>[\s,:]*`)

// StripMention убирает ведущее упоминание бота.
func StripMention(text string) string {
	return strings.TrimSpace(leadingMention.ReplaceAllString(text, ""))
}

func (r *EventRouter) Route(ctx context.Context, ev Event) (RouteResult, error) {
	// 1. Фильтры, не требующие хранилища
	if ev.BotID != "" {
		return skipped("bot message"), nil
	}
	var msgType domain.MessageType
	switch {
	case ev.Type == EventAppMention:
		msgType = domain.MessageMention
	case ev.Type == EventMessage && ev.ChannelType == ChannelTypeIM:
		msgType = domain.MessageDirect
	default:
		return skipped("unsupported event"), nil
	}
	text := StripMention(ev.Text)
	if text == "" {
		return skipped("empty text"), nil
	}

	// 2. Дедупликация повторных доставок
	fresh, err := r.dedup.SetNX(ctx, infra.EventDedupKey(ev.TeamID, ev.UserID, ev.TS), []byte("1"), r.dedupTTL)
	if err != nil {
		// Без дедупа рискуем двойным ответом, но не теряем событие
		r.logger.Warn("dedup unavailable", zap.Error(err))
	} else if !fresh {
		return skipped("duplicate"), nil
	}

	// 3. Workspace
	ws, err := r.workspaces.GetWorkspaceByExternalID(ctx, ev.TeamID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return skipped("unknown workspace"), nil
		}
		return RouteResult{}, fmt.Errorf("events: workspace %s: %w", ev.TeamID, err)
	}
	if !ws.IsActive {
		return skipped("inactive workspace"), nil
	}
	if ev.UserID != "" && ev.UserID == ws.BotUserID {
		return skipped("own message"), nil
	}

	// 4. Обращение к агенту
	reply, handleErr := r.handler.HandleMention(ctx, Mention{
		WorkspaceID: ws.ID,
		ActorID:     ev.UserID,
		ChannelID:   ev.Channel,
		Text:        text,
		AgentName:   r.agentName,
		Type:        msgType,
	})
	if handleErr != nil {
		reply = retryLaterReply
	}

	// 5. Ответ в канал
	if err := r.post(ctx, ws.ID, ev.Channel, reply); err != nil {
		r.logger.Error("failed to post reply", zap.String("workspace_id", ws.ID), zap.Error(err))
		if handleErr == nil {
			return RouteResult{Handled: true, Reply: reply}, err
		}
	}
	if handleErr != nil {
		return RouteResult{Handled: true, Reply: reply}, handleErr
	}
	return RouteResult{Handled: true, Reply: reply}, nil
}

func (r *EventRouter) post(ctx context.Context, workspaceID, channel, text string) error {
	token, err := r.tokens.GetValidToken(ctx, workspaceID)
	if err != nil {
		return err
	}
	return r.messenger.PostMessage(ctx, token, channel, text)
}

func skipped(reason string) RouteResult {
	return RouteResult{Reason: reason}
}

// DMNotifier отправляет токен подтверждения актору личным сообщением.
type DMNotifier struct {
	tokens    TokenSource
	messenger Messenger
}

func NewDMNotifier(tokens TokenSource, messenger Messenger) *DMNotifier {
	return &DMNotifier{tokens: tokens, messenger: messenger}
}

func (n *DMNotifier) NotifyConfirmation(ctx context.Context, workspaceID, actorID string, a *domain.InfrastructureAction, token string) error {
	if actorID == "" || token == "" {
		return fmt.Errorf("notifier: nothing to deliver for action %s", a.ID)
	}
	access, err := n.tokens.GetValidToken(ctx, workspaceID)
	if err != nil {
		return err
	}
	return n.messenger.PostMessage(ctx, access, actorID, ConfirmationText(a, token))
}

// ConfirmationText — инструкция по подтверждению действия.
func ConfirmationText(a *domain.InfrastructureAction, token string) string {
	return fmt.Sprintf(
		"Action `%s` on `%s` is classified as *%s* and needs your confirmation.\n"+
			"Action id: `%s`\nConfirmation token: `%s`\n"+
			"Reply to me with `confirm %s %s` to run it, or `cancel %s` to drop it.",
		a.Command, a.TargetID, a.RiskLevel, a.ID, token, a.ID, token, a.ID)
}
