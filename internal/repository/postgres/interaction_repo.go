package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/xela07ax/spaceai-agent-fleet/internal/domain"
)

func (s *Store) RecordInteraction(ctx context.Context, i *domain.Interaction) error {
	if i.ID == "" {
		i.ID = uuid.NewString()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO agent_interactions (id, deployment_id, actor_id, channel_id, message_type, user_message,
		                                agent_response, response_time_ms, success, error_message, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8, $9, NULLIF($10, ''), $11, $12)`,
		i.ID, i.DeploymentID, i.ActorID, i.ChannelID, i.MessageType, i.UserMessage,
		i.AgentResponse, i.ResponseTimeMs, i.Success, i.ErrorMessage, i.Metadata, i.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: record interaction: %w", err)
	}
	return nil
}

func (s *Store) ListInteractions(ctx context.Context, deploymentID string) ([]*domain.Interaction, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, deployment_id, actor_id, channel_id, message_type, user_message,
		       COALESCE(agent_response, ''), response_time_ms, success, COALESCE(error_message, ''),
		       metadata, created_at
		FROM agent_interactions WHERE deployment_id = $1
		ORDER BY created_at`, deploymentID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list interactions: %w", err)
	}
	defer rows.Close()

	out := make([]*domain.Interaction, 0)
	for rows.Next() {
		i := &domain.Interaction{}
		if err := rows.Scan(&i.ID, &i.DeploymentID, &i.ActorID, &i.ChannelID, &i.MessageType, &i.UserMessage,
			&i.AgentResponse, &i.ResponseTimeMs, &i.Success, &i.ErrorMessage, &i.Metadata, &i.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan interaction: %w", err)
		}
		out = append(out, i)
	}
	return out, rows.Err()
}

// RecentInteractions — последние limit успешных обращений, старые первыми.
func (s *Store) RecentInteractions(ctx context.Context, deploymentID string, limit int) ([]*domain.Interaction, error) {
	if limit <= 0 {
		return []*domain.Interaction{}, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, deployment_id, actor_id, channel_id, message_type, user_message,
		       agent_response, response_time_ms, success, error_message, metadata, created_at
		FROM (
			SELECT id, deployment_id, actor_id, channel_id, message_type, user_message,
			       COALESCE(agent_response, '') AS agent_response, response_time_ms, success,
			       COALESCE(error_message, '') AS error_message, metadata, created_at
			FROM agent_interactions
			WHERE deployment_id = $1 AND success
			ORDER BY created_at DESC
			LIMIT $2
		) recent
		ORDER BY created_at`, deploymentID, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: recent interactions: %w", err)
	}
	defer rows.Close()

	out := make([]*domain.Interaction, 0, limit)
	for rows.Next() {
		i := &domain.Interaction{}
		if err := rows.Scan(&i.ID, &i.DeploymentID, &i.ActorID, &i.ChannelID, &i.MessageType, &i.UserMessage,
			&i.AgentResponse, &i.ResponseTimeMs, &i.Success, &i.ErrorMessage, &i.Metadata, &i.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan interaction: %w", err)
		}
		out = append(out, i)
	}
	return out, rows.Err()
}

// InteractionStats — один проход с COUNT FILTER.
func (s *Store) InteractionStats(ctx context.Context, deploymentID string, since time.Time) (domain.InteractionStats, error) {
	var st domain.InteractionStats
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*), COUNT(*) FILTER (WHERE success)
		FROM agent_interactions
		WHERE deployment_id = $1 AND created_at >= $2`, deploymentID, since).Scan(&st.Total, &st.Successful)
	if err != nil {
		return st, fmt.Errorf("postgres: interaction stats %s: %w", deploymentID, err)
	}
	return st, nil
}

func (s *Store) AppendMetric(ctx context.Context, m *domain.AgentMetric) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO agent_metrics (id, deployment_id, metric_type, value, timestamp)
		VALUES ($1, $2, $3, $4, $5)`, m.ID, m.DeploymentID, m.MetricType, m.Value, m.Timestamp)
	if err != nil {
		return fmt.Errorf("postgres: append metric: %w", err)
	}
	return nil
}

func (s *Store) ListMetrics(ctx context.Context, deploymentID string, limit int) ([]*domain.AgentMetric, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, deployment_id, metric_type, value, timestamp
		FROM agent_metrics WHERE deployment_id = $1
		ORDER BY timestamp DESC
		LIMIT $2`, deploymentID, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list metrics: %w", err)
	}
	defer rows.Close()

	out := make([]*domain.AgentMetric, 0)
	for rows.Next() {
		m := &domain.AgentMetric{}
		if err := rows.Scan(&m.ID, &m.DeploymentID, &m.MetricType, &m.Value, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("postgres: scan metric: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
