package handler

import (
	"context"
	"net/http"

	"github.com/xela07ax/spaceai-agent-fleet/internal/domain"
	"go.uber.org/zap"
)

// DashboardSource Описываем, что нам нужно от хранилища
type DashboardSource interface {
	FleetDashboard(ctx context.Context) (*domain.FleetDashboard, error)
}

type DashboardHandler struct {
	source DashboardSource
	logger *zap.Logger
}

func NewDashboardHandler(s DashboardSource, logger *zap.Logger) *DashboardHandler {
	return &DashboardHandler{source: s, logger: logger}
}

func (h *DashboardHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.source.FleetDashboard(r.Context())
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
