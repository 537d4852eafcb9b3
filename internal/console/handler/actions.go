package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/xela07ax/spaceai-agent-fleet/internal/actions"
	"github.com/xela07ax/spaceai-agent-fleet/internal/actions/executor"
	"github.com/xela07ax/spaceai-agent-fleet/internal/audit"
	"github.com/xela07ax/spaceai-agent-fleet/internal/domain"
	"github.com/xela07ax/spaceai-agent-fleet/internal/infra/auth"
	"go.uber.org/zap"
)

// ActionService — конечный автомат действий (actions.Service).
type ActionService interface {
	Validate(command string) domain.Validation
	Targets() []executor.Info
	CreateAction(ctx context.Context, req actions.CreateRequest) (*actions.Created, error)
	ExecuteAction(ctx context.Context, id string, opts actions.ExecuteOptions) (*domain.InfrastructureAction, error)
	CancelAction(ctx context.Context, id, actor string, admin bool) (*domain.InfrastructureAction, error)
	GetAction(ctx context.Context, id string) (*domain.InfrastructureAction, error)
	ListActions(ctx context.Context, f domain.ActionFilter) ([]*domain.InfrastructureAction, error)
}

// ActionHistory — журнал переходов из action_audit.
type ActionHistory interface {
	ActionHistory(ctx context.Context, actionID string) ([]audit.ActionEvent, error)
}

type ActionHandler struct {
	service ActionService
	history ActionHistory
	logger  *zap.Logger
}

func NewActionHandler(s ActionService, history ActionHistory, logger *zap.Logger) *ActionHandler {
	return &ActionHandler{service: s, history: history, logger: logger}
}

type CreateActionRequest struct {
	Type     domain.ActionType `json:"type"`
	Command  string            `json:"command"`
	TargetID string            `json:"targetId"`
}

type CreateActionResponse struct {
	ActionID             string           `json:"actionId"`
	RiskLevel            domain.RiskLevel `json:"riskLevel"`
	RequiresConfirmation bool             `json:"requiresConfirmation"`
	Message              string           `json:"message"`
	ConfirmationToken    string           `json:"confirmationToken,omitempty"`
}

// Create — POST /v1/actions. Автор действия — оператор из токена.
func (h *ActionHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateActionRequest
	if err := decode(w, r, &req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Command) == "" || req.TargetID == "" {
		badRequest(w, "command and targetId are required")
		return
	}
	if !req.Type.Valid() {
		badRequest(w, "unknown action type")
		return
	}

	created, err := h.service.CreateAction(r.Context(), actions.CreateRequest{
		Type:     req.Type,
		Command:  req.Command,
		TargetID: req.TargetID,
		Actor:    auth.ActorFromContext(r.Context()),
	})
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, CreateActionResponse{
		ActionID:             created.Action.ID,
		RiskLevel:            created.Action.RiskLevel,
		RequiresConfirmation: created.Action.RequiresConfirmation,
		Message:              created.Validation.Message,
		ConfirmationToken:    created.ConfirmationToken,
	})
}

type ValidateRequest struct {
	Command string `json:"command"`
}

// Validate — классификация без создания действия (dry run).
func (h *ActionHandler) Validate(w http.ResponseWriter, r *http.Request) {
	var req ValidateRequest
	if err := decode(w, r, &req); err != nil || strings.TrimSpace(req.Command) == "" {
		badRequest(w, "command is required")
		return
	}
	writeJSON(w, http.StatusOK, h.service.Validate(req.Command))
}

type ExecuteRequest struct {
	ConfirmationToken string `json:"confirmationToken"`
	TimeoutSeconds    int    `json:"timeoutSeconds,omitempty"`
}

type ExecuteResponse struct {
	Action *domain.InfrastructureAction `json:"action"`
	Result string                       `json:"result"`
	Error  string                       `json:"error,omitempty"`
}

// Execute — POST /v1/actions/{id}/execute. Упавшее на цели действие — это
// терминальный failed, а не ошибка запроса: отвечаем 200 с результатом.
func (h *ActionHandler) Execute(w http.ResponseWriter, r *http.Request) {
	var req ExecuteRequest
	if r.ContentLength != 0 {
		if err := decode(w, r, &req); err != nil {
			badRequest(w, "invalid request body")
			return
		}
	}
	opts := actions.ExecuteOptions{
		ConfirmationToken: req.ConfirmationToken,
		Actor:             auth.ActorFromContext(r.Context()),
	}
	if req.TimeoutSeconds > 0 {
		opts.Timeout = time.Duration(req.TimeoutSeconds) * time.Second
	}

	a, err := h.service.ExecuteAction(r.Context(), chi.URLParam(r, "id"), opts)
	if err != nil && !(errors.Is(err, domain.ErrExecutionFailed) && a != nil) {
		writeError(w, h.logger, err)
		return
	}
	resp := ExecuteResponse{Action: a}
	if a.Result != nil {
		resp.Result = *a.Result
	}
	if err != nil {
		resp.Error = "execution failed"
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *ActionHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	a, err := h.service.CancelAction(ctx, chi.URLParam(r, "id"), auth.ActorFromContext(ctx), auth.HasScope(ctx, domain.ScopeAdmin))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (h *ActionHandler) Get(w http.ResponseWriter, r *http.Request) {
	a, err := h.service.GetAction(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// List — GET /v1/actions?status=pending&limit=50
func (h *ActionHandler) List(w http.ResponseWriter, r *http.Request) {
	f := domain.ActionFilter{
		Status: domain.ActionStatus(r.URL.Query().Get("status")),
		Limit:  queryLimit(r),
	}
	list, err := h.service.ListActions(r.Context(), f)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *ActionHandler) History(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.service.GetAction(r.Context(), id); err != nil {
		writeError(w, h.logger, err)
		return
	}
	events, err := h.history.ActionHistory(r.Context(), id)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (h *ActionHandler) Targets(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.service.Targets())
}

func queryLimit(r *http.Request) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 {
		return 0
	}
	if n > 500 {
		return 500
	}
	return n
}
