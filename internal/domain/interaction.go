package domain

import "time"

type MessageType string

const (
	MessageMention MessageType = "mention"
	MessageDirect  MessageType = "dm"
)

// Interaction — запись об одном обращении к агенту (аудит + health).
type Interaction struct {
	ID             string         `json:"id"`
	DeploymentID   string         `json:"deployment_id"`
	ActorID        string         `json:"actor_id"`
	ChannelID      string         `json:"channel_id"`
	MessageType    MessageType    `json:"message_type"`
	UserMessage    string         `json:"user_message"`
	AgentResponse  string         `json:"agent_response,omitempty"`
	ResponseTimeMs int64          `json:"response_time_ms"`
	Success        bool           `json:"success"`
	ErrorMessage   string         `json:"error_message,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"created_at"` // время прихода события, задает порядок
}

type MetricType string

const (
	MetricInteractions MetricType = "interactions"
	MetricResponseTime MetricType = "response_time"
	MetricSuccessRate  MetricType = "success_rate"
)

// AgentMetric — append-only скаляр, привязанный к деплойменту.
type AgentMetric struct {
	ID           string     `json:"id"`
	DeploymentID string     `json:"deployment_id"`
	MetricType   MetricType `json:"metric_type"`
	Value        float64    `json:"value"`
	Timestamp    time.Time  `json:"timestamp"`
}

// InteractionStats — агрегат для расчета success_rate.
type InteractionStats struct {
	Total      int64
	Successful int64
}
