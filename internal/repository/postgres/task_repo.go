package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/xela07ax/spaceai-agent-fleet/internal/domain"
)

const taskCols = `id, workspace_id, task_type, status, priority, payload, result, retry_count, max_retries,
	started_at, completed_at, created_at, updated_at`

func scanTask(row pgx.Row) (*domain.OrchestrationTask, error) {
	t := &domain.OrchestrationTask{}
	var payload, result []byte
	err := row.Scan(&t.ID, &t.WorkspaceID, &t.TaskType, &t.Status, &t.Priority, &payload, &result,
		&t.RetryCount, &t.MaxRetries, &t.StartedAt, &t.CompletedAt, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.Payload = json.RawMessage(payload)
	if len(result) > 0 {
		t.Result = json.RawMessage(result)
	}
	return t, nil
}

func collectTasks(rows pgx.Rows) ([]*domain.OrchestrationTask, error) {
	defer rows.Close()
	out := make([]*domain.OrchestrationTask, 0)
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) CreateTask(ctx context.Context, t *domain.OrchestrationTask) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO orchestration_tasks (id, workspace_id, task_type, status, priority, payload,
		                                 retry_count, max_retries, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)`,
		t.ID, t.WorkspaceID, t.TaskType, t.Status, t.Priority, []byte(t.Payload),
		t.RetryCount, t.MaxRetries, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: create task: %w", err)
	}
	return nil
}

func (s *Store) GetTask(ctx context.Context, id string) (*domain.OrchestrationTask, error) {
	t, err := scanTask(s.pool.QueryRow(ctx, `SELECT `+taskCols+` FROM orchestration_tasks WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "task", id)
	}
	return t, nil
}

// ListPendingTasks — порядок обработки: priority DESC, created_at ASC.
func (s *Store) ListPendingTasks(ctx context.Context, workspaceID string, limit int) ([]*domain.OrchestrationTask, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+taskCols+` FROM orchestration_tasks
		WHERE status = 'pending' AND ($1 = '' OR workspace_id = $1)
		ORDER BY priority DESC, created_at ASC
		LIMIT $2`, workspaceID, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list pending tasks: %w", err)
	}
	return collectTasks(rows)
}

func (s *Store) ListTasks(ctx context.Context, f domain.TaskFilter) ([]*domain.OrchestrationTask, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+taskCols+` FROM orchestration_tasks
		WHERE ($1 = '' OR workspace_id = $1) AND ($2 = '' OR status = $2)
		ORDER BY created_at DESC
		LIMIT $3`, f.WorkspaceID, string(f.Status), limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list tasks: %w", err)
	}
	return collectTasks(rows)
}

func (s *Store) ListRetryableTasks(ctx context.Context, limit int) ([]*domain.OrchestrationTask, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+taskCols+` FROM orchestration_tasks
		WHERE status = 'failed' AND retry_count < max_retries
		ORDER BY created_at ASC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list retryable tasks: %w", err)
	}
	return collectTasks(rows)
}

// ClaimTask: условный UPDATE, второй процессор получает 0 строк.
func (s *Store) ClaimTask(ctx context.Context, id string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE orchestration_tasks
		SET status = 'running', started_at = $2, updated_at = $2
		WHERE id = $1 AND status = 'pending'`, id, at)
	if err != nil {
		return fmt.Errorf("postgres: claim task %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetTask(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("postgres: task %s: %w", id, domain.ErrTaskClaimed)
	}
	return nil
}

func (s *Store) FinishTask(ctx context.Context, id string, status domain.TaskStatus, result json.RawMessage, at time.Time) error {
	if !domain.CanTransitionTask(domain.TaskRunning, status) {
		return fmt.Errorf("postgres: task %s -> %s: %w", id, status, domain.ErrInvalidTransition)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE orchestration_tasks
		SET status = $2, result = $3, completed_at = $4, updated_at = $4
		WHERE id = $1 AND status = 'running'`, id, status, []byte(result), at)
	if err != nil {
		return fmt.Errorf("postgres: finish task %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: task %s not running: %w", id, domain.ErrInvalidTransition)
	}
	return nil
}

// RequeueTask — та же строка возвращается в pending с retry_count+1.
func (s *Store) RequeueTask(ctx context.Context, id string) (*domain.OrchestrationTask, error) {
	t, err := scanTask(s.pool.QueryRow(ctx, `
		UPDATE orchestration_tasks
		SET status = 'pending', retry_count = retry_count + 1,
		    started_at = NULL, completed_at = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'failed' AND retry_count < max_retries
		RETURNING `+taskCols, id))
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("postgres: requeue task %s: %w", id, err)
	}

	// 0 строк: выясняем причину отказа
	current, err := s.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Status != domain.TaskFailed {
		return nil, fmt.Errorf("postgres: task %s is %s: %w", id, current.Status, domain.ErrInvalidTransition)
	}
	return nil, fmt.Errorf("postgres: task %s: %w", id, domain.ErrRetriesExhausted)
}
