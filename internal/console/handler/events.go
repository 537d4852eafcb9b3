package handler

import (
	"context"
	"net/http"

	"github.com/xela07ax/spaceai-agent-fleet/internal/orchestration"
	"github.com/xela07ax/spaceai-agent-fleet/internal/pipeline"
	"go.uber.org/zap"
)

type EventRouter interface {
	Route(ctx context.Context, ev pipeline.Event) (pipeline.RouteResult, error)
}

type Onboarder interface {
	Complete(ctx context.Context, code string) (*orchestration.OnboardResult, error)
}

// EventsHandler — входящие события чат-платформы и завершение установки.
type EventsHandler struct {
	router  EventRouter
	onboard Onboarder
	logger  *zap.Logger
}

func NewEventsHandler(router EventRouter, onboard Onboarder, logger *zap.Logger) *EventsHandler {
	return &EventsHandler{router: router, onboard: onboard, logger: logger}
}

// Envelope — конверт Events API: url_verification или event_callback.
type Envelope struct {
	Type      string         `json:"type"`
	Challenge string         `json:"challenge,omitempty"`
	TeamID    string         `json:"team_id,omitempty"`
	Event     pipeline.Event `json:"event"`
}

func (h *EventsHandler) Receive(w http.ResponseWriter, r *http.Request) {
	var env Envelope
	if err := decode(w, r, &env); err != nil {
		badRequest(w, "invalid event envelope")
		return
	}

	switch env.Type {
	case "url_verification":
		writeJSON(w, http.StatusOK, map[string]string{"challenge": env.Challenge})
		return
	case "event_callback", "":
	default:
		writeJSON(w, http.StatusOK, pipeline.RouteResult{Reason: "unsupported envelope"})
		return
	}

	ev := env.Event
	if ev.TeamID == "" {
		ev.TeamID = env.TeamID
	}
	res, err := h.router.Route(r.Context(), ev)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// OAuthCallback — GET /oauth/callback?code=... обменивает код и запускает онбординг.
func (h *EventsHandler) OAuthCallback(w http.ResponseWriter, r *http.Request) {
	if e := r.URL.Query().Get("error"); e != "" {
		badRequest(w, "installation denied: "+e)
		return
	}
	code := r.URL.Query().Get("code")
	if code == "" {
		badRequest(w, "code is required")
		return
	}
	res, err := h.onboard.Complete(r.Context(), code)
	if err != nil {
		h.logger.Warn("onboarding failed", zap.Error(err))
		writeJSON(w, http.StatusBadGateway, errorBody{Error: "onboarding_failed"})
		return
	}
	writeJSON(w, http.StatusOK, res)
}
