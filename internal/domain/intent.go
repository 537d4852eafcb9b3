package domain

import "time"

// IntentKind — вид действия, которое агент распознал в сообщении.
type IntentKind string

const (
	IntentReadLogs       IntentKind = "read_logs"
	IntentCheckStatus    IntentKind = "check_status"
	IntentInfrastructure IntentKind = "infrastructure_action"
	IntentAskForInfo     IntentKind = "ask_for_info"
	IntentDiagnostic     IntentKind = "quick_diagnostic"

	IntentIncident        IntentKind = "create_jira_incident"
	IntentTask            IntentKind = "create_jira_task"
	IntentMaintenanceTask IntentKind = "create_maintenance_task"
	IntentMeeting         IntentKind = "schedule_meeting"
	IntentPostmortem      IntentKind = "schedule_postmortem"
)

// Known — вид, который умеет обрабатывать пайплайн.
func (k IntentKind) Known() bool {
	switch k {
	case IntentReadLogs, IntentCheckStatus, IntentInfrastructure, IntentAskForInfo, IntentDiagnostic,
		IntentIncident, IntentTask, IntentMaintenanceTask, IntentMeeting, IntentPostmortem:
		return true
	}
	return false
}

// Ticket — намерение заводит тикет во внешнем трекере.
func (k IntentKind) Ticket() bool {
	return k == IntentIncident || k == IntentTask || k == IntentMaintenanceTask
}

// Event — намерение планирует встречу в календаре.
func (k IntentKind) Event() bool {
	return k == IntentMeeting || k == IntentPostmortem
}

// Intent — результат внешнего классификатора намерений.
// Title, Details и Severity заполняются для тикетов и встреч.
type Intent struct {
	Kind     IntentKind `json:"kind"`
	Command  string     `json:"command,omitempty"`
	TargetID string     `json:"target,omitempty"`
	Title    string     `json:"title,omitempty"`
	Details  string     `json:"details,omitempty"`
	Severity string     `json:"severity,omitempty"`
}

// ActionOutcome — что случилось с намерением в рамках одного обращения.
type ActionOutcome struct {
	Intent               Intent       `json:"intent"`
	ActionID             string       `json:"action_id,omitempty"`
	RiskLevel            RiskLevel    `json:"risk_level,omitempty"`
	Status               ActionStatus `json:"status,omitempty"`
	Executed             bool         `json:"executed"`
	AwaitingConfirmation bool         `json:"awaiting_confirmation"`
	NeedsInput           bool         `json:"needs_input"`
	Summary              string       `json:"summary"`
}

// ResponseRequest — контекст для генерации ответа агента.
type ResponseRequest struct {
	Agent       *Agent
	WorkspaceID string
	ActorID     string
	Text        string
	Greeting    bool
	Outcomes    []ActionOutcome
	History     []Exchange // предыдущие обращения к деплойменту, старые первыми
}

// Exchange — одна пара вопрос/ответ из истории деплоймента.
type Exchange struct {
	UserMessage   string
	AgentResponse string
	At            time.Time
}
