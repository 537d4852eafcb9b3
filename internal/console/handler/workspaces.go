package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/xela07ax/spaceai-agent-fleet/internal/deployment"
	"github.com/xela07ax/spaceai-agent-fleet/internal/domain"
	"go.uber.org/zap"
)

// DeploymentService — deployment.Manager.
type DeploymentService interface {
	Deploy(ctx context.Context, req deployment.DeployRequest) (*domain.Deployment, error)
	ResolveAgent(ctx context.Context, name string) (*domain.Agent, error)
	ListDeployments(ctx context.Context, workspaceID string) ([]*domain.Deployment, error)
	HealthCheck(ctx context.Context, workspaceID string) ([]domain.HealthStatus, error)
	WorkspaceMetrics(ctx context.Context, workspaceID string, limit int) ([]deployment.DeploymentMetrics, error)
	SetStatus(ctx context.Context, deploymentID string, status domain.DeploymentStatus) error
}

type WorkspaceHandler struct {
	service DeploymentService
	logger  *zap.Logger
}

func NewWorkspaceHandler(s DeploymentService, logger *zap.Logger) *WorkspaceHandler {
	return &WorkspaceHandler{service: s, logger: logger}
}

type HealthResponse struct {
	WorkspaceID string                `json:"workspaceId"`
	Healthy     int                   `json:"healthy"`
	Total       int                   `json:"total"`
	Deployments []domain.HealthStatus `json:"deployments"`
}

// Health — advisory: только активные деплойменты, свежесть по last_active_at.
func (h *WorkspaceHandler) Health(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	list, err := h.service.HealthCheck(r.Context(), id)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	resp := HealthResponse{WorkspaceID: id, Total: len(list), Deployments: list}
	for _, s := range list {
		if s.Healthy {
			resp.Healthy++
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *WorkspaceHandler) Metrics(w http.ResponseWriter, r *http.Request) {
	out, err := h.service.WorkspaceMetrics(r.Context(), chi.URLParam(r, "id"), queryLimit(r))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *WorkspaceHandler) Deployments(w http.ResponseWriter, r *http.Request) {
	out, err := h.service.ListDeployments(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

type DeployRequest struct {
	AgentName   string          `json:"agentName"`
	Channels    []string        `json:"channels,omitempty"`
	Permissions map[string]bool `json:"permissions,omitempty"`
}

// Deploy — ручной деплой агента каталога в workspace.
func (h *WorkspaceHandler) Deploy(w http.ResponseWriter, r *http.Request) {
	var req DeployRequest
	if err := decode(w, r, &req); err != nil || req.AgentName == "" {
		badRequest(w, "agentName is required")
		return
	}
	agent, err := h.service.ResolveAgent(r.Context(), req.AgentName)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	d, err := h.service.Deploy(r.Context(), deployment.DeployRequest{
		WorkspaceID: chi.URLParam(r, "id"),
		AgentID:     agent.ID,
		Channels:    req.Channels,
		Permissions: req.Permissions,
	})
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

// Pause и Resume — ручное управление деплойментом (пауза отключает авто-деплой).
func (h *WorkspaceHandler) Pause(w http.ResponseWriter, r *http.Request) {
	h.setStatus(w, r, domain.DeploymentPaused)
}

func (h *WorkspaceHandler) Resume(w http.ResponseWriter, r *http.Request) {
	h.setStatus(w, r, domain.DeploymentActive)
}

func (h *WorkspaceHandler) setStatus(w http.ResponseWriter, r *http.Request, status domain.DeploymentStatus) {
	if err := h.service.SetStatus(r.Context(), chi.URLParam(r, "deploymentID"), status); err != nil {
		writeError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
