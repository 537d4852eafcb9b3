package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	// Credentials: попадания в кэш и исходы refresh
	TokenLookups *prometheus.CounterVec
	TokenRefresh *prometheus.CounterVec

	// Queue: переходы задач и длительность обработчиков
	TasksTotal   *prometheus.CounterVec
	TaskDuration *prometheus.HistogramVec

	// Actions: исходы state machine и время исполнения на цели
	ActionsTotal   *prometheus.CounterVec
	ActionDuration *prometheus.HistogramVec

	// Interactions: обращения к агентам
	InteractionsTotal   *prometheus.CounterVec
	InteractionDuration prometheus.Histogram

	// Errors: классификация отказов
	ErrorTotal *prometheus.CounterVec

	// Saturation: состояние Circuit Breaker (0 - ок, 1 - выбило)
	CircuitBreakerState *prometheus.GaugeVec

	// Audit: заполненность буфера (backpressure)
	AuditBufferFill prometheus.Gauge

	// HTTP: запросы консоли по шаблону маршрута
	HTTPRequests *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	// Null Object Pattern - Если рег не передан, используем локальный, который никуда не подключен
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &Metrics{
		TokenLookups: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fleet_token_lookups_total",
			Help: "Credential lookups by source (cache, store).",
		}, []string{"source"}),

		TokenRefresh: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fleet_token_refresh_total",
			Help: "Refresh grant attempts by outcome.",
		}, []string{"result"}), // success, failure, backoff, no_refresh_token

		TasksTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fleet_tasks_total",
			Help: "Orchestration task transitions.",
		}, []string{"task_type", "status"}),

		TaskDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fleet_task_duration_seconds",
			Help:    "Histogram of task handler latencies.",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"task_type"}),

		ActionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fleet_actions_total",
			Help: "Infrastructure action transitions by risk level.",
		}, []string{"risk_level", "status"}),

		ActionDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fleet_action_duration_seconds",
			Help:    "Histogram of target execution latencies.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"target_type", "status"}),

		InteractionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fleet_interactions_total",
			Help: "Agent interactions by message type and outcome.",
		}, []string{"message_type", "success"}),

		InteractionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "fleet_interaction_duration_seconds",
			Help:    "End-to-end latency of the interaction pipeline.",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}),

		ErrorTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fleet_errors_total",
			Help: "Total number of errors by type.",
		}, []string{"type"}), // типы: unreachable, rejected, timeout, handler, rate_limit

		CircuitBreakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fleet_circuit_breaker_state",
			Help: "Current state of the circuit breaker (0=closed, 1=open).",
		}, []string{"name"}),

		AuditBufferFill: f.NewGauge(prometheus.GaugeOpts{
			Name: "fleet_audit_buffer_utilization",
			Help: "Current number of events in audit buffer.",
		}),

		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fleet_http_requests_total",
			Help: "Console API requests by route pattern and status code.",
		}, []string{"method", "route", "code"}),
	}
}
