package domain

import "errors"

// Общие ошибки домена. Слои выше ветвятся по ним через errors.Is,
// HTTP-слой маппит их в коды ответа.
var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid status transition")

	// Credential Lifecycle: workspace временно недоступен (нет валидного токена)
	ErrWorkspaceUnreachable = errors.New("workspace temporarily unreachable")

	// Action Validation & Confirmation
	ErrConfirmationRequired = errors.New("confirmation token required")
	ErrInvalidConfirmation  = errors.New("confirmation token invalid")
	ErrOutsideBusinessHours = errors.New("critical action outside business hours")
	ErrActionNotPending     = errors.New("action is not pending")
	ErrActionTimeout        = errors.New("action execution timed out")
	ErrExecutionFailed      = errors.New("action execution failed")
	ErrTargetNotFound       = errors.New("target not found")
	ErrForbidden            = errors.New("actor is not allowed to perform this operation")

	// Orchestration
	ErrTaskClaimed       = errors.New("task already claimed by another processor")
	ErrRetriesExhausted  = errors.New("task retries exhausted")
	ErrUnknownTaskType   = errors.New("unknown task type")
	ErrDeploymentMissing = errors.New("no deployment resolvable for workspace")
)
