package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/xela07ax/spaceai-agent-fleet/internal/audit"
)

var auditColumns = []string{
	"id", "trace_id", "action_id", "actor", "target_id", "command",
	"risk_level", "stage", "detail", "duration_ms", "timestamp",
}

// WriteActionEvents пишет пачку событий одним COPY.
func (s *Store) WriteActionEvents(ctx context.Context, events []audit.ActionEvent) error {
	if len(events) == 0 {
		return nil
	}
	rows := pgx.CopyFromSlice(len(events), func(i int) ([]any, error) {
		e := events[i]
		return []any{
			e.ID, e.TraceID, e.ActionID, e.Actor, e.TargetID, e.Command,
			e.RiskLevel, string(e.Stage), e.Detail, e.DurationMs, e.Timestamp,
		}, nil
	})
	if _, err := s.pool.CopyFrom(ctx, pgx.Identifier{"action_audit"}, auditColumns, rows); err != nil {
		return fmt.Errorf("postgres: write audit batch (%d): %w", len(events), err)
	}
	return nil
}

// ActionHistory — журнал одного действия по времени.
func (s *Store) ActionHistory(ctx context.Context, actionID string) ([]audit.ActionEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, trace_id, action_id, actor, target_id, command, risk_level, stage, detail, duration_ms, timestamp
		FROM action_audit WHERE action_id = $1 ORDER BY timestamp`, actionID)
	if err != nil {
		return nil, fmt.Errorf("postgres: action history %s: %w", actionID, err)
	}
	defer rows.Close()

	out := make([]audit.ActionEvent, 0)
	for rows.Next() {
		var e audit.ActionEvent
		if err := rows.Scan(&e.ID, &e.TraceID, &e.ActionID, &e.Actor, &e.TargetID, &e.Command,
			&e.RiskLevel, &e.Stage, &e.Detail, &e.DurationMs, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("postgres: scan audit event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
