package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/xela07ax/spaceai-agent-fleet/internal/domain"
	"github.com/xela07ax/spaceai-agent-fleet/internal/orchestration"
	"go.uber.org/zap"
)

// TaskService — очередь оркестрации (orchestration.Queue).
type TaskService interface {
	Schedule(ctx context.Context, req orchestration.ScheduleRequest) (*domain.OrchestrationTask, error)
	ProcessPending(ctx context.Context, workspaceID string) (orchestration.BatchResult, error)
	Retry(ctx context.Context, id string) (*domain.OrchestrationTask, error)
	GetTask(ctx context.Context, id string) (*domain.OrchestrationTask, error)
	ListTasks(ctx context.Context, f domain.TaskFilter) ([]*domain.OrchestrationTask, error)
}

type TaskHandler struct {
	service TaskService
	logger  *zap.Logger
}

func NewTaskHandler(s TaskService, logger *zap.Logger) *TaskHandler {
	return &TaskHandler{service: s, logger: logger}
}

type TaskView struct {
	*domain.OrchestrationTask
	Exhausted bool `json:"exhausted"` // нужна реакция оператора
}

// List — GET /v1/tasks?workspace_id=&status=failed
func (h *TaskHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	list, err := h.service.ListTasks(r.Context(), domain.TaskFilter{
		WorkspaceID: q.Get("workspace_id"),
		Status:      domain.TaskStatus(q.Get("status")),
		Limit:       queryLimit(r),
	})
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	out := make([]TaskView, 0, len(list))
	for _, t := range list {
		out = append(out, TaskView{OrchestrationTask: t, Exhausted: t.Exhausted()})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *TaskHandler) Get(w http.ResponseWriter, r *http.Request) {
	t, err := h.service.GetTask(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, TaskView{OrchestrationTask: t, Exhausted: t.Exhausted()})
}

type ScheduleTaskRequest struct {
	WorkspaceID string          `json:"workspaceId"`
	TaskType    domain.TaskType `json:"taskType"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Priority    *int            `json:"priority,omitempty"`
	MaxRetries  *int            `json:"maxRetries,omitempty"`
}

func (h *TaskHandler) Schedule(w http.ResponseWriter, r *http.Request) {
	var req ScheduleTaskRequest
	if err := decode(w, r, &req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	if req.WorkspaceID == "" || req.TaskType == "" {
		badRequest(w, "workspaceId and taskType are required")
		return
	}
	var payload any
	if len(req.Payload) > 0 {
		payload = req.Payload
	}
	t, err := h.service.Schedule(r.Context(), orchestration.ScheduleRequest{
		WorkspaceID: req.WorkspaceID,
		TaskType:    req.TaskType,
		Payload:     payload,
		Priority:    req.Priority,
		MaxRetries:  req.MaxRetries,
	})
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

// Retry — ручной возврат failed-задачи в очередь.
func (h *TaskHandler) Retry(w http.ResponseWriter, r *http.Request) {
	t, err := h.service.Retry(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// Process — один батч; пустой workspace_id означает все workspaces.
func (h *TaskHandler) Process(w http.ResponseWriter, r *http.Request) {
	res, err := h.service.ProcessPending(r.Context(), r.URL.Query().Get("workspace_id"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
