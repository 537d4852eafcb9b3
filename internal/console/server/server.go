package server

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/xela07ax/spaceai-agent-fleet/internal/console/handler"
	"github.com/xela07ax/spaceai-agent-fleet/internal/engine"
	"github.com/xela07ax/spaceai-agent-fleet/internal/infra/auth"
	"go.uber.org/zap"
)

// Pinger — проверка хранилища для /health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handlers — обработчики бизнес-доменов.
type Handlers struct {
	Auth       *handler.AuthHandler      // /auth/token
	Actions    *handler.ActionHandler    // /v1/actions
	Tasks      *handler.TaskHandler      // /v1/tasks
	Workspaces *handler.WorkspaceHandler // /v1/workspaces, /v1/deployments
	Events     *handler.EventsHandler    // /v1/events, /oauth/callback
	Dashboard  *handler.DashboardHandler // /v1/dashboard
}

type ConsoleServer struct {
	router *chi.Mux
	logger *zap.Logger

	// Интерфейс для проверки токенов (RS256)
	validator auth.TokenValidator
	health    Pinger
	metrics   *engine.Metrics
	h         Handlers
}

// NewConsoleServer инициализирует API со всеми зависимостями
func NewConsoleServer(validator auth.TokenValidator, health Pinger, metrics *engine.Metrics, h Handlers, logger *zap.Logger) *ConsoleServer {
	s := &ConsoleServer{
		router:    chi.NewRouter(),
		logger:    logger.Named("console-api"),
		validator: validator,
		health:    health,
		metrics:   metrics,
		h:         h,
	}
	s.routes()
	return s
}

func (s *ConsoleServer) routes() {
	r := s.router

	// --- 1. Глобальные инфраструктурные Middleware (для всех) ---
	r.Use(middleware.RealIP)
	r.Use(engine.TracingMiddleware)
	r.Use(engine.RequestLogger(s.logger, s.metrics))
	r.Use(middleware.Recoverer)

	// --- 2. ПУБЛИЧНЫЕ РОУТЫ ---
	r.Group(func(r chi.Router) {
		// Логин должен быть доступен без токена
		r.Post("/auth/token", s.h.Auth.Login)
		// Редирект платформы после установки приложения
		r.Get("/oauth/callback", s.h.Events.OAuthCallback)
		r.Get("/health", s.healthz)
	})

	// --- 3. ЗАЩИЩЕННЫЙ ПЕРИМЕТР (Требуют RS256 токен) ---
	r.Group(func(r chi.Router) {
		r.Use(auth.NewMiddleware(s.validator, s.logger))

		// События чат-шлюза (сервисная учетка)
		r.Post("/v1/events", s.h.Events.Receive)

		r.Get("/v1/dashboard", s.h.Dashboard.GetStats)

		// Action Validation & Confirmation
		r.Route("/v1/actions", func(r chi.Router) {
			r.Get("/", s.h.Actions.List)
			r.Post("/", s.h.Actions.Create)
			r.Post("/validate", s.h.Actions.Validate)
			r.Get("/targets", s.h.Actions.Targets)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.h.Actions.Get)
				r.Get("/history", s.h.Actions.History)
				r.Post("/execute", s.h.Actions.Execute)
				r.Post("/cancel", s.h.Actions.Cancel)
			})
		})

		// Очередь оркестрации
		r.Route("/v1/tasks", func(r chi.Router) {
			r.Get("/", s.h.Tasks.List)
			r.Post("/", s.h.Tasks.Schedule)
			r.Post("/process", s.h.Tasks.Process)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.h.Tasks.Get)
				r.Post("/retry", s.h.Tasks.Retry)
			})
		})

		// Деплойменты и health
		r.Route("/v1/workspaces/{id}", func(r chi.Router) {
			r.Get("/health", s.h.Workspaces.Health)
			r.Get("/metrics", s.h.Workspaces.Metrics)
			r.Get("/deployments", s.h.Workspaces.Deployments)
			r.Post("/deployments", s.h.Workspaces.Deploy)
		})
		r.Post("/v1/deployments/{deploymentID}/pause", s.h.Workspaces.Pause)
		r.Post("/v1/deployments/{deploymentID}/resume", s.h.Workspaces.Resume)
	})
}

func (s *ConsoleServer) healthz(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health.Ping(r.Context()); err != nil {
			s.logger.Warn("health check failed", zap.Error(err))
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
}

// ServeHTTP позволяет использовать ConsoleServer как стандартный http.Handler
func (s *ConsoleServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
