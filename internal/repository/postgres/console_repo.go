package postgres

import (
	"context"
	"fmt"

	"github.com/xela07ax/spaceai-agent-fleet/internal/domain"
)

// FleetDashboard собирает сводку тремя агрегирующими запросами.
func (s *Store) FleetDashboard(ctx context.Context) (*domain.FleetDashboard, error) {
	d := &domain.FleetDashboard{}

	// 1. Состояние деплойментов
	err := s.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status = 'active'),
			COUNT(*) FILTER (WHERE status = 'paused'),
			COUNT(*) FILTER (WHERE status = 'failed')
		FROM agent_deployments`).Scan(&d.Fleet.ActiveDeployments, &d.Fleet.PausedDeployments, &d.Fleet.FailedDeployments)
	if err != nil {
		return nil, fmt.Errorf("postgres: dashboard fleet: %w", err)
	}

	// 2. Очередь оркестрации и действия, ждущие подтверждения
	err = s.pool.QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM orchestration_tasks WHERE status = 'pending'),
			(SELECT COUNT(*) FROM orchestration_tasks WHERE status = 'running'),
			(SELECT COUNT(*) FROM orchestration_tasks WHERE status = 'failed' AND retry_count >= max_retries),
			(SELECT COUNT(*) FROM infrastructure_actions WHERE status = 'pending')`).Scan(
		&d.Queue.Pending, &d.Queue.Running, &d.Queue.Exhausted, &d.Actions.AwaitingConfirmation)
	if err != nil {
		return nil, fmt.Errorf("postgres: dashboard queue: %w", err)
	}

	// 3. Журнал исполнения за последние 60 минут, P95 через PERCENTILE_CONT
	err = s.pool.QueryRow(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE stage = 'failed'),
			COALESCE(PERCENTILE_CONT(0.95) WITHIN GROUP (ORDER BY duration_ms), 0)
		FROM action_audit
		WHERE stage IN ('completed', 'failed') AND timestamp > NOW() - INTERVAL '60 minutes'`).Scan(
		&d.Actions.LastHour, &d.Actions.FailedLastHour, &d.Actions.P95LatencyMs)
	if err != nil {
		return nil, fmt.Errorf("postgres: dashboard audit: %w", err)
	}
	return d, nil
}
