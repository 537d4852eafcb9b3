package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/xela07ax/spaceai-agent-fleet/internal/domain"
)

const actionCols = `id, type, command, target_id, risk_level, requires_confirmation, confirmation_hash,
	status, executed_by, result, timestamp, updated_at`

func scanAction(row pgx.Row) (*domain.InfrastructureAction, error) {
	a := &domain.InfrastructureAction{}
	err := row.Scan(&a.ID, &a.Type, &a.Command, &a.TargetID, &a.RiskLevel, &a.RequiresConfirmation,
		&a.ConfirmationHash, &a.Status, &a.ExecutedBy, &a.Result, &a.Timestamp, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (s *Store) CreateAction(ctx context.Context, a *domain.InfrastructureAction) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO infrastructure_actions (id, type, command, target_id, risk_level, requires_confirmation,
		                                    confirmation_hash, status, executed_by, result, timestamp, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)`,
		a.ID, a.Type, a.Command, a.TargetID, a.RiskLevel, a.RequiresConfirmation,
		a.ConfirmationHash, a.Status, a.ExecutedBy, a.Result, a.Timestamp)
	if err != nil {
		return fmt.Errorf("postgres: create action: %w", err)
	}
	return nil
}

func (s *Store) GetAction(ctx context.Context, id string) (*domain.InfrastructureAction, error) {
	a, err := scanAction(s.pool.QueryRow(ctx, `SELECT `+actionCols+` FROM infrastructure_actions WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "action", id)
	}
	return a, nil
}

func (s *Store) ListActions(ctx context.Context, f domain.ActionFilter) ([]*domain.InfrastructureAction, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+actionCols+` FROM infrastructure_actions
		WHERE $1 = '' OR status = $1
		ORDER BY timestamp DESC
		LIMIT $2`, string(f.Status), limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list actions: %w", err)
	}
	defer rows.Close()

	out := make([]*domain.InfrastructureAction, 0)
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan action: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// TransitionAction — CAS по статусу. Хэш токена стирается при выходе из pending.
func (s *Store) TransitionAction(ctx context.Context, id string, from, to domain.ActionStatus, result *string) error {
	if !domain.CanTransitionAction(from, to) {
		return fmt.Errorf("postgres: action %s %s -> %s: %w", id, from, to, domain.ErrInvalidTransition)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE infrastructure_actions
		SET status            = $3,
		    confirmation_hash = CASE WHEN $3 = 'pending' THEN confirmation_hash ELSE '' END,
		    result            = COALESCE($4, result),
		    updated_at        = NOW()
		WHERE id = $1 AND status = $2`, id, from, to, result)
	if err != nil {
		return fmt.Errorf("postgres: transition action %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetAction(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("postgres: action %s is not %s: %w", id, from, domain.ErrInvalidTransition)
	}
	return nil
}
