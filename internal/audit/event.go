package audit

import "time"

// Stage — шаг жизненного цикла InfrastructureAction, попадающий в журнал.
type Stage string

const (
	StageCreated   Stage = "created"
	StageRejected  Stage = "rejected"
	StageExecuting Stage = "executing"
	StageCompleted Stage = "completed"
	StageFailed    Stage = "failed"
	StageCancelled Stage = "cancelled"
)

type ActionEvent struct {
	ID        string `json:"id"`        // UUID события
	TraceID   string `json:"trace_id"`  // Сквозной ID запроса
	ActionID  string `json:"action_id"` // Какое действие
	Actor     string `json:"actor"`     // Кто делал
	TargetID  string `json:"target_id"`
	Command   string `json:"command"`
	RiskLevel string `json:"risk_level"`

	Stage      Stage     `json:"stage"`
	Detail     string    `json:"detail,omitempty"` // причина отказа, ошибка или превью результата
	DurationMs int64     `json:"duration_ms"`
	Timestamp  time.Time `json:"timestamp"`
}
