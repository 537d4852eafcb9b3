package domain

import (
	"encoding/json"
	"time"
)

// TaskType — тег обработчика в реестре очереди.
type TaskType string

const (
	TaskDeployAgent     TaskType = "deploy_agent"
	TaskSendWelcome     TaskType = "send_welcome"
	TaskSetupMonitoring TaskType = "setup_monitoring"
	TaskHealthCheck     TaskType = "health_check"
)

type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// Конечный автомат задачи: строго вперед pending -> running -> {completed|failed}.
// Возврат failed -> pending не является переходом автомата, это отдельная операция
// Retry (см. CanRetry) с увеличением RetryCount.
var taskTransitions = map[TaskStatus][]TaskStatus{
	TaskPending: {TaskRunning},
	TaskRunning: {TaskCompleted, TaskFailed},
}

// CanTransitionTask проверяет правила конечного автомата задачи.
func CanTransitionTask(from, to TaskStatus) bool {
	for _, next := range taskTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

type OrchestrationTask struct {
	ID          string          `json:"id"`
	WorkspaceID string          `json:"workspace_id"`
	TaskType    TaskType        `json:"task_type"`
	Status      TaskStatus      `json:"status"`
	Priority    int             `json:"priority"`
	Payload     json.RawMessage `json:"payload"`
	Result      json.RawMessage `json:"result,omitempty"`
	RetryCount  int             `json:"retry_count"`
	MaxRetries  int             `json:"max_retries"`

	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// CanRetry — задачу можно вернуть в очередь только из failed и пока не исчерпан лимит.
func (t *OrchestrationTask) CanRetry() bool {
	return t.Status == TaskFailed && t.RetryCount < t.MaxRetries
}

// Exhausted — задача окончательно упала и требует внимания оператора.
func (t *OrchestrationTask) Exhausted() bool {
	return t.Status == TaskFailed && t.RetryCount >= t.MaxRetries
}

// TaskFilter используется операторскими выборками (Decision Queue для задач).
type TaskFilter struct {
	WorkspaceID string
	Status      TaskStatus
	Limit       int
}
