package credentials

import (
	"context"
	"errors"

	"github.com/xela07ax/spaceai-agent-fleet/internal/platform"
	"go.uber.org/zap"
)

// SweepResult — итог одного прохода.
type SweepResult struct {
	Checked     int
	Revalidated int
	Unreachable int
}

// Sweep перепроверяет все закэшированные токены, чтобы не упереться в истечение
// во время простоя. Записи, истекающие в пределах SweepLead, и отвергнутые платформой
// проходят полный цикл проверки и refresh заново.
func (m *Manager) Sweep(ctx context.Context) SweepResult {
	m.mu.Lock()
	snapshot := make(map[string]bool, len(m.tracked))
	now := m.now()
	for id, exp := range m.tracked {
		snapshot[id] = exp.Sub(now) <= m.cfg.SweepLead
	}
	m.mu.Unlock()

	var res SweepResult
	for workspaceID, expiring := range snapshot {
		if ctx.Err() != nil {
			break
		}
		res.Checked++

		if !expiring {
			cred, ok := m.cached(ctx, workspaceID)
			if ok {
				err := m.platform.AuthTest(ctx, cred.Token)
				if err == nil || !errors.Is(err, platform.ErrInvalidAuth) {
					continue
				}
			}
		}

		// Просрочен, скоро истечет или отвергнут: сбрасываем и проходим путь промаха
		m.Invalidate(ctx, workspaceID)
		res.Revalidated++
		if _, err := m.GetValidToken(ctx, workspaceID); err != nil {
			res.Unreachable++
			m.logger.Warn("sweep: workspace unreachable", zap.String("workspace_id", workspaceID), zap.Error(err))
		}
	}

	m.logger.Debug("credential sweep finished",
		zap.Int("checked", res.Checked),
		zap.Int("revalidated", res.Revalidated),
		zap.Int("unreachable", res.Unreachable))
	return res
}
