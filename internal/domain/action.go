package domain

import "time"

type ActionType string

const (
	ActionRead    ActionType = "read"
	ActionExecute ActionType = "execute"
	ActionDeploy  ActionType = "deploy"
	ActionScale   ActionType = "scale"
	ActionRestart ActionType = "restart"
)

// Valid проверяет, что тип действия из допустимого перечисления.
func (t ActionType) Valid() bool {
	switch t {
	case ActionRead, ActionExecute, ActionDeploy, ActionScale, ActionRestart:
		return true
	}
	return false
}

type RiskLevel string

const (
	RiskInfo     RiskLevel = "info"
	RiskWarning  RiskLevel = "warning"
	RiskCritical RiskLevel = "critical"
)

// Статусы State Machine
type ActionStatus string

const (
	ActionPending   ActionStatus = "pending"
	ActionExecuting ActionStatus = "executing"
	ActionCompleted ActionStatus = "completed"
	ActionFailed    ActionStatus = "failed"
	ActionCancelled ActionStatus = "cancelled"
)

var actionTransitions = map[ActionStatus][]ActionStatus{
	ActionPending:   {ActionExecuting, ActionCancelled},
	ActionExecuting: {ActionCompleted, ActionFailed},
}

// CanTransitionAction проверяет правила конечного автомата действия.
// completed/failed/cancelled — терминальные.
func CanTransitionAction(from, to ActionStatus) bool {
	for _, next := range actionTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal — из этого статуса переходов нет.
func (s ActionStatus) Terminal() bool {
	return len(actionTransitions[s]) == 0
}

// Validation — результат классификации команды.
type Validation struct {
	Allowed              bool      `json:"allowed"`
	RiskLevel            RiskLevel `json:"risk_level"`
	Message              string    `json:"message"`
	RequiresConfirmation bool      `json:"requires_confirmation"`
}

// InfrastructureAction — одна команда во внешнюю систему (сервер, кластер, коннектор).
type InfrastructureAction struct {
	ID                   string       `json:"id"`
	Type                 ActionType   `json:"type"`
	Command              string       `json:"command"`
	TargetID             string       `json:"target_id"`
	RiskLevel            RiskLevel    `json:"risk_level"`
	RequiresConfirmation bool         `json:"requires_confirmation"`
	Status               ActionStatus `json:"status"`
	ExecutedBy           string       `json:"executed_by"`
	Result               *string      `json:"result,omitempty"`

	// Одноразовый токен хранится только как bcrypt-хэш и стирается при переходе в executing
	ConfirmationHash string `json:"-"`

	Timestamp time.Time `json:"timestamp"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ActionFilter — фильтр операторской выборки.
type ActionFilter struct {
	Status ActionStatus
	Limit  int
}
