package domain

import "time"

// Agent — определение агента из каталога (например, "NOX").
type Agent struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`  // Человекочитаемое имя, по нему ищут при упоминании
	Title        string    `json:"title"` // "DevOps Engineer"
	Bio          string    `json:"bio"`
	Skills       []string  `json:"skills"`
	SystemPrompt string    `json:"system_prompt"`
	CreatedAt    time.Time `json:"created_at"`
}

type DeploymentStatus string

const (
	DeploymentPending DeploymentStatus = "pending"
	DeploymentActive  DeploymentStatus = "active"
	DeploymentPaused  DeploymentStatus = "paused"
	DeploymentFailed  DeploymentStatus = "failed"
)

// Deployment — привязка одного Agent к одному Workspace. Физически не удаляется.
type Deployment struct {
	ID            string           `json:"id"`
	WorkspaceID   string           `json:"workspace_id"`
	AgentID       string           `json:"agent_id"`
	Status        DeploymentStatus `json:"status"`
	Channels      []string         `json:"channels"`
	Permissions   map[string]bool  `json:"permissions"`
	Configuration map[string]any   `json:"configuration"`

	DeployedAt   *time.Time `json:"deployed_at,omitempty"`
	LastActiveAt *time.Time `json:"last_active_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// DefaultPermissions — набор прав для авто-деплоя.
func DefaultPermissions() map[string]bool {
	return map[string]bool{"canMention": true, "canDM": true, "canRespond": true}
}

// HealthStatus — результат advisory health-check одного деплоймента.
type HealthStatus struct {
	DeploymentID string     `json:"deployment_id"`
	AgentID      string     `json:"agent_id"`
	Healthy      bool       `json:"healthy"`
	LastActive   *time.Time `json:"last_active,omitempty"`
}
