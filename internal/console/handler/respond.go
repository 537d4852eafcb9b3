// Package handler — HTTP-обработчики консоли. Каждый зависит только от
// описанного здесь интерфейса сервиса.
package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/xela07ax/spaceai-agent-fleet/internal/actions"
	"github.com/xela07ax/spaceai-agent-fleet/internal/domain"
	"go.uber.org/zap"
)

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: "bad_request", Message: msg})
}

// writeError маппит доменные ошибки в коды ответа. Детали 5xx уходят только в лог.
func writeError(w http.ResponseWriter, logger *zap.Logger, err error) {
	var rej *actions.RejectionError
	switch {
	case errors.As(err, &rej):
		writeJSON(w, http.StatusForbidden, errorBody{Error: "rejected", Message: rej.Validation.Message})
	case errors.Is(err, domain.ErrConfirmationRequired),
		errors.Is(err, domain.ErrInvalidConfirmation),
		errors.Is(err, domain.ErrOutsideBusinessHours),
		errors.Is(err, domain.ErrForbidden):
		writeJSON(w, http.StatusForbidden, errorBody{Error: "forbidden", Message: rootMessage(err)})
	case errors.Is(err, domain.ErrNotFound),
		errors.Is(err, domain.ErrTargetNotFound),
		errors.Is(err, domain.ErrDeploymentMissing):
		writeJSON(w, http.StatusNotFound, errorBody{Error: "not_found", Message: rootMessage(err)})
	case errors.Is(err, domain.ErrActionNotPending),
		errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrTaskClaimed),
		errors.Is(err, domain.ErrRetriesExhausted):
		writeJSON(w, http.StatusConflict, errorBody{Error: "conflict", Message: rootMessage(err)})
	case errors.Is(err, domain.ErrUnknownTaskType):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "bad_request", Message: rootMessage(err)})
	case errors.Is(err, domain.ErrWorkspaceUnreachable):
		writeJSON(w, http.StatusBadGateway, errorBody{Error: "workspace_unreachable"})
	default:
		logger.Error("request failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal_error"})
	}
}

// rootMessage — текст sentinel-ошибки без внутренних префиксов слоев.
func rootMessage(err error) string {
	for _, s := range []error{
		domain.ErrConfirmationRequired, domain.ErrInvalidConfirmation, domain.ErrOutsideBusinessHours,
		domain.ErrForbidden, domain.ErrNotFound, domain.ErrTargetNotFound, domain.ErrDeploymentMissing,
		domain.ErrActionNotPending, domain.ErrInvalidTransition, domain.ErrTaskClaimed,
		domain.ErrRetriesExhausted, domain.ErrUnknownTaskType,
	} {
		if errors.Is(err, s) {
			return s.Error()
		}
	}
	return ""
}

func decode(w http.ResponseWriter, r *http.Request, dst any) error {
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(dst)
}
