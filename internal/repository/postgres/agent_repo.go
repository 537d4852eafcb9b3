package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/xela07ax/spaceai-agent-fleet/internal/domain"
)

const agentCols = `id, name, title, bio, skills, system_prompt, created_at`

func scanAgent(row pgx.Row) (*domain.Agent, error) {
	a := &domain.Agent{}
	if err := row.Scan(&a.ID, &a.Name, &a.Title, &a.Bio, &a.Skills, &a.SystemPrompt, &a.CreatedAt); err != nil {
		return nil, err
	}
	return a, nil
}

// UpsertAgent — каталог агентов, ключ — имя.
func (s *Store) UpsertAgent(ctx context.Context, a *domain.Agent) (*domain.Agent, error) {
	id := a.ID
	if id == "" {
		id = uuid.NewString()
	}
	skills := a.Skills
	if skills == nil {
		skills = []string{}
	}
	query := `
		INSERT INTO agents (id, name, title, bio, skills, system_prompt)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (name) DO UPDATE SET
			title = EXCLUDED.title, bio = EXCLUDED.bio,
			skills = EXCLUDED.skills, system_prompt = EXCLUDED.system_prompt
		RETURNING ` + agentCols
	out, err := scanAgent(s.pool.QueryRow(ctx, query, id, a.Name, a.Title, a.Bio, skills, a.SystemPrompt))
	if err != nil {
		return nil, fmt.Errorf("postgres: upsert agent %s: %w", a.Name, err)
	}
	return out, nil
}

func (s *Store) GetAgent(ctx context.Context, id string) (*domain.Agent, error) {
	a, err := scanAgent(s.pool.QueryRow(ctx, `SELECT `+agentCols+` FROM agents WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "agent", id)
	}
	return a, nil
}

func (s *Store) GetAgentByName(ctx context.Context, name string) (*domain.Agent, error) {
	a, err := scanAgent(s.pool.QueryRow(ctx, `SELECT `+agentCols+` FROM agents WHERE name = $1`, name))
	if err != nil {
		return nil, notFound(err, "agent", name)
	}
	return a, nil
}

const deploymentCols = `id, workspace_id, agent_id, status, channels, permissions, configuration,
	deployed_at, last_active_at, created_at, updated_at`

func scanDeployment(row pgx.Row) (*domain.Deployment, error) {
	d := &domain.Deployment{}
	err := row.Scan(&d.ID, &d.WorkspaceID, &d.AgentID, &d.Status, &d.Channels, &d.Permissions, &d.Configuration,
		&d.DeployedAt, &d.LastActiveAt, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return d, nil
}

// UpsertDeployment идемпотентен по (workspace_id, agent_id); deployed_at первой установки сохраняется.
func (s *Store) UpsertDeployment(ctx context.Context, d *domain.Deployment) (*domain.Deployment, error) {
	id := d.ID
	if id == "" {
		id = uuid.NewString()
	}
	channels := d.Channels
	if channels == nil {
		channels = []string{}
	}
	query := `
		INSERT INTO agent_deployments (id, workspace_id, agent_id, status, channels, permissions, configuration, deployed_at)
		VALUES ($1, $2, $3, $4, $5, $6, COALESCE($7, '{}'::jsonb), $8)
		ON CONFLICT (workspace_id, agent_id) DO UPDATE SET
			status        = EXCLUDED.status,
			channels      = EXCLUDED.channels,
			permissions   = EXCLUDED.permissions,
			configuration = CASE WHEN $7 IS NULL THEN agent_deployments.configuration
			                     ELSE EXCLUDED.configuration END,
			deployed_at   = COALESCE(agent_deployments.deployed_at, EXCLUDED.deployed_at),
			updated_at    = NOW()
		RETURNING ` + deploymentCols

	out, err := scanDeployment(s.pool.QueryRow(ctx, query,
		id, d.WorkspaceID, d.AgentID, d.Status, channels, d.Permissions, d.Configuration, d.DeployedAt))
	if err != nil {
		return nil, fmt.Errorf("postgres: upsert deployment %s/%s: %w", d.WorkspaceID, d.AgentID, err)
	}
	return out, nil
}

func (s *Store) GetDeployment(ctx context.Context, id string) (*domain.Deployment, error) {
	d, err := scanDeployment(s.pool.QueryRow(ctx, `SELECT `+deploymentCols+` FROM agent_deployments WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "deployment", id)
	}
	return d, nil
}

func (s *Store) FindDeployment(ctx context.Context, workspaceID, agentID string) (*domain.Deployment, error) {
	d, err := scanDeployment(s.pool.QueryRow(ctx,
		`SELECT `+deploymentCols+` FROM agent_deployments WHERE workspace_id = $1 AND agent_id = $2`,
		workspaceID, agentID))
	if err != nil {
		return nil, notFound(err, "deployment", workspaceID+"/"+agentID)
	}
	return d, nil
}

// ListDeployments — пустой workspaceID означает все деплойменты.
func (s *Store) ListDeployments(ctx context.Context, workspaceID string) ([]*domain.Deployment, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+deploymentCols+` FROM agent_deployments
		WHERE $1 = '' OR workspace_id = $1
		ORDER BY created_at`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list deployments: %w", err)
	}
	defer rows.Close()

	out := make([]*domain.Deployment, 0)
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan deployment: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// TouchDeployment — события приходят не по порядку, поэтому GREATEST.
func (s *Store) TouchDeployment(ctx context.Context, id string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE agent_deployments
		SET last_active_at = GREATEST(COALESCE(last_active_at, $2), $2), updated_at = NOW()
		WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("postgres: touch deployment %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: deployment %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

func (s *Store) UpdateDeploymentStatus(ctx context.Context, id string, status domain.DeploymentStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE agent_deployments SET status = $2, updated_at = NOW() WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("postgres: failed to update status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: deployment %s: %w", id, domain.ErrNotFound)
	}
	return nil
}
