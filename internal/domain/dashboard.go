package domain

// FleetDashboard — сводка для операторской консоли.
type FleetDashboard struct {
	Fleet struct {
		ActiveDeployments int64 `json:"active_deployments"`
		PausedDeployments int64 `json:"paused_deployments"`
		FailedDeployments int64 `json:"failed_deployments"`
	} `json:"fleet"`

	Queue struct {
		Pending   int64 `json:"pending"`
		Running   int64 `json:"running"`
		Exhausted int64 `json:"exhausted"` // failed без оставшихся попыток
	} `json:"queue"`

	Actions struct {
		AwaitingConfirmation int64   `json:"awaiting_confirmation"`
		LastHour             int64   `json:"last_hour"`
		FailedLastHour       int64   `json:"failed_last_hour"`
		P95LatencyMs         float64 `json:"p95_latency_ms"`
	} `json:"actions"`
}
