package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/xela07ax/spaceai-agent-fleet/internal/domain"
)

const workspaceCols = `id, external_id, name, bot_user_id, agent_display_name, agent_icon, branding,
	access_token, refresh_token, token_expires_at, is_active, created_at, updated_at`

func scanWorkspace(row pgx.Row) (*domain.Workspace, error) {
	var w domain.Workspace
	err := row.Scan(&w.ID, &w.ExternalID, &w.Name, &w.BotUserID, &w.AgentDisplay, &w.AgentIcon, &w.Branding,
		&w.AccessToken, &w.RefreshToken, &w.TokenExpiresAt, &w.IsActive, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func (s *Store) GetWorkspace(ctx context.Context, id string) (*domain.Workspace, error) {
	w, err := scanWorkspace(s.pool.QueryRow(ctx, `SELECT `+workspaceCols+` FROM workspaces WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "workspace", id)
	}
	return w, nil
}

func (s *Store) GetWorkspaceByExternalID(ctx context.Context, externalID string) (*domain.Workspace, error) {
	w, err := scanWorkspace(s.pool.QueryRow(ctx, `SELECT `+workspaceCols+` FROM workspaces WHERE external_id = $1`, externalID))
	if err != nil {
		return nil, notFound(err, "workspace", externalID)
	}
	return w, nil
}

// UpsertWorkspace — по external id. Пустой refresh token не затирает сохраненный.
func (s *Store) UpsertWorkspace(ctx context.Context, w *domain.Workspace) (*domain.Workspace, error) {
	id := w.ID
	if id == "" {
		id = uuid.NewString()
	}
	query := `
		INSERT INTO workspaces (id, external_id, name, bot_user_id, agent_display_name, agent_icon, branding,
		                        access_token, refresh_token, token_expires_at, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, TRUE)
		ON CONFLICT (external_id) DO UPDATE SET
			name             = EXCLUDED.name,
			bot_user_id      = EXCLUDED.bot_user_id,
			access_token     = EXCLUDED.access_token,
			refresh_token    = CASE WHEN EXCLUDED.refresh_token = '' THEN workspaces.refresh_token
			                        ELSE EXCLUDED.refresh_token END,
			token_expires_at = EXCLUDED.token_expires_at,
			is_active        = TRUE,
			updated_at       = NOW()
		RETURNING ` + workspaceCols

	out, err := scanWorkspace(s.pool.QueryRow(ctx, query,
		id, w.ExternalID, w.Name, w.BotUserID, w.AgentDisplay, w.AgentIcon, w.Branding,
		w.AccessToken, w.RefreshToken, w.TokenExpiresAt))
	if err != nil {
		return nil, fmt.Errorf("postgres: upsert workspace %s: %w", w.ExternalID, err)
	}
	return out, nil
}

// UpdateWorkspaceTokens пишет токены только после успешного refresh.
func (s *Store) UpdateWorkspaceTokens(ctx context.Context, id string, pair domain.TokenPair, expiresAt *time.Time) error {
	query := `
		UPDATE workspaces
		SET access_token     = $2,
		    refresh_token    = CASE WHEN $3 = '' THEN refresh_token ELSE $3 END,
		    token_expires_at = $4,
		    updated_at       = NOW()
		WHERE id = $1`
	tag, err := s.pool.Exec(ctx, query, id, pair.AccessToken, pair.RefreshToken, expiresAt)
	if err != nil {
		return fmt.Errorf("postgres: update tokens %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: workspace %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

func (s *Store) ListActiveWorkspaces(ctx context.Context) ([]*domain.Workspace, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+workspaceCols+` FROM workspaces WHERE is_active ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list workspaces: %w", err)
	}
	defer rows.Close()

	// Инициализируем пустой слайс, чтобы в JSON был [] вместо null
	out := make([]*domain.Workspace, 0)
	for rows.Next() {
		w, err := scanWorkspace(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan workspace: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}
