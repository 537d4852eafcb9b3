package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/spaceai-agent-fleet/internal/actions"
	"github.com/xela07ax/spaceai-agent-fleet/internal/actions/executor"
	"github.com/xela07ax/spaceai-agent-fleet/internal/audit"
	"github.com/xela07ax/spaceai-agent-fleet/internal/cache"
	"github.com/xela07ax/spaceai-agent-fleet/internal/console/handler"
	"github.com/xela07ax/spaceai-agent-fleet/internal/console/server"
	"github.com/xela07ax/spaceai-agent-fleet/internal/console/service"
	"github.com/xela07ax/spaceai-agent-fleet/internal/credentials"
	"github.com/xela07ax/spaceai-agent-fleet/internal/deployment"
	"github.com/xela07ax/spaceai-agent-fleet/internal/domain"
	"github.com/xela07ax/spaceai-agent-fleet/internal/engine"
	"github.com/xela07ax/spaceai-agent-fleet/internal/inference"
	"github.com/xela07ax/spaceai-agent-fleet/internal/infra"
	"github.com/xela07ax/spaceai-agent-fleet/internal/infra/auth"
	"github.com/xela07ax/spaceai-agent-fleet/internal/integrations"
	"github.com/xela07ax/spaceai-agent-fleet/internal/orchestration"
	"github.com/xela07ax/spaceai-agent-fleet/internal/pipeline"
	"github.com/xela07ax/spaceai-agent-fleet/internal/platform"
	"github.com/xela07ax/spaceai-agent-fleet/internal/repository/memory"
	"github.com/xela07ax/spaceai-agent-fleet/internal/repository/postgres"
	"github.com/xela07ax/spaceai-agent-fleet/internal/risk"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// l1TTL — сколько токен живет в памяти процесса поверх общего Redis.
const l1TTL = 30 * time.Second

const shutdownTimeout = 10 * time.Second

// fleetStore — все, что компонентам нужно от хранилища. Его реализуют memory.Store и postgres.Store.
type fleetStore interface {
	credentials.WorkspaceStore
	orchestration.Store
	orchestration.WorkspaceStore
	actions.Store
	deployment.Store
	pipeline.InteractionStore
	pipeline.WorkspaceLookup
	audit.Storage
	handler.ActionHistory
	handler.DashboardSource
	service.UserStore

	UpsertAgent(ctx context.Context, a *domain.Agent) (*domain.Agent, error)
	ListActiveWorkspaces(ctx context.Context) ([]*domain.Workspace, error)
}

var (
	_ fleetStore = (*memory.Store)(nil)
	_ fleetStore = (*postgres.Store)(nil)
)

// fleet — собранный граф зависимостей одного процесса.
type fleet struct {
	cfg     *infra.Config
	logger  *zap.Logger
	reg     *prometheus.Registry
	metrics *engine.Metrics

	store   fleetStore
	pinger  server.Pinger
	rdb     *redis.Client
	closers []func()

	platform    *platform.Client
	credentials *credentials.Manager
	analyzer    *risk.Analyzer
	trail       *audit.Trail
	actions     *actions.Service
	scheduler   *orchestration.Scheduler
	handlers    *orchestration.Handlers
	queue       *orchestration.Queue
	deployments *deployment.Manager
	onboarding  *orchestration.Onboarding
	router      *pipeline.EventRouter
}

func newFleet(ctx context.Context, cfg *infra.Config, inMemory bool, logger *zap.Logger) (*fleet, error) {
	f := &fleet{cfg: cfg, logger: logger, reg: prometheus.NewRegistry()}
	f.reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f.metrics = engine.NewMetrics(f.reg)

	// 1. Хранилище и кэш
	var shared cache.Cache
	if inMemory {
		f.store = memory.New()
		shared = cache.NewMemory()
		logger.Warn("running with in-memory storage, state is lost on exit")
	} else {
		pg, err := postgres.Connect(ctx, cfg.Database)
		if err != nil {
			return nil, err
		}
		f.store, f.pinger = pg, pg
		f.closers = append(f.closers, pg.Close)

		f.rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		f.closers = append(f.closers, func() { _ = f.rdb.Close() })
		if err := f.rdb.Ping(ctx).Err(); err != nil {
			f.Close()
			return nil, fmt.Errorf("redis: ping %s: %w", cfg.Redis.Addr, err)
		}
		shared = cache.NewRedis(f.rdb, l1TTL, logger)
	}

	// 2. Внешние коллабораторы
	f.platform = platform.NewClient(cfg.Platform, f.metrics, logger)
	f.credentials = credentials.NewManager(f.store, f.platform, shared, cfg.Credentials, f.metrics, logger)
	llm := inference.NewClient(cfg.Inference, logger)

	// 3. Действия над инфраструктурой
	hours, err := risk.HoursFromConfig(cfg.Actions)
	if err != nil {
		f.Close()
		return nil, err
	}
	f.analyzer = risk.NewAnalyzer(hours, logger)
	targets, closeTargets, err := executor.BuildRegistry(cfg.Targets, executor.ExecRunner{}, f.metrics, logger)
	if err != nil {
		f.Close()
		return nil, err
	}
	f.closers = append(f.closers, func() {
		if err := closeTargets(); err != nil {
			logger.Warn("closing targets", zap.Error(err))
		}
	})
	f.trail = audit.NewTrail(f.store, audit.Options{}, f.metrics, logger)
	f.trail.Start()
	f.actions = actions.NewService(f.store, f.analyzer, targets, f.trail, cfg.Actions, f.metrics, logger)

	// 4. Оркестрация и деплойменты
	f.deployments = deployment.NewManager(f.store, cfg.Deployment, logger)
	f.scheduler = orchestration.NewScheduler(logger)
	registry := orchestration.NewRegistry()
	f.handlers = orchestration.NewHandlers(f.deployments, f.credentials, f.platform, f.scheduler, cfg.Deployment.MonitoringSpec, logger)
	f.handlers.Register(registry)
	f.queue = orchestration.NewQueue(f.store, registry, cfg.Queue, f.metrics, logger)
	if f.rdb != nil {
		f.queue.WithNotifier(orchestration.NewRedisNotifier(f.rdb))
	}
	f.onboarding = orchestration.NewOnboarding(f.store, f.platform, f.queue, cfg.Deployment, logger)

	// 5. Пайплайн взаимодействий
	p := pipeline.New(f.deployments, f.store, llm, llm, f.actions,
		pipeline.NewDMNotifier(f.credentials, f.platform), f.metrics, logger).
		WithHistory(cfg.Inference.HistorySize)
	gateways := integrations.NewClient(cfg.Integrations, logger)
	if gateways.TicketsEnabled() {
		p.WithTickets(gateways)
	}
	if gateways.CalendarEnabled() {
		p.WithEvents(gateways)
	}
	f.router = pipeline.NewEventRouter(f.store, shared, p, f.credentials, f.platform,
		cfg.Deployment.DefaultAgent, cfg.Events, logger)

	return f, nil
}

// Close дописывает аудит и освобождает ресурсы в обратном порядке.
func (f *fleet) Close() {
	if f.trail != nil {
		f.trail.Stop()
	}
	for i := len(f.closers) - 1; i >= 0; i-- {
		f.closers[i]()
	}
	f.closers = nil
}

func (f *fleet) reload(next *infra.Config) {
	hours, err := risk.HoursFromConfig(next.Actions)
	if err != nil {
		f.logger.Warn("config reload ignored", zap.Error(err))
		return
	}
	f.analyzer.SetBusinessHours(hours)
	f.logger.Info("business hours reloaded",
		zap.Int("start", hours.Start),
		zap.Int("end", hours.End),
		zap.String("timezone", hours.Location.String()))
}

// seedDefaultAgent заводит в каталоге агента по умолчанию, если его там еще нет.
func (f *fleet) seedDefaultAgent(ctx context.Context) error {
	name := f.cfg.Deployment.DefaultAgent
	if name == "" {
		return nil
	}
	_, err := f.store.GetAgentByName(ctx, name)
	if err == nil {
		return nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("seed agent %s: %w", name, err)
	}
	agent, err := f.store.UpsertAgent(ctx, &domain.Agent{
		Name:   name,
		Title:  "DevOps Engineer",
		Bio:    "Watches deployments and runs infrastructure actions on request.",
		Skills: []string{"kubernetes", "docker", "ssh", "monitoring"},
	})
	if err != nil {
		return fmt.Errorf("seed agent %s: %w", name, err)
	}
	f.logger.Info("default agent seeded", zap.String("agent_id", agent.ID), zap.String("agent", agent.Name))
	return nil
}

func (f *fleet) consoleServer() (*server.ConsoleServer, error) {
	priv, err := auth.ParseRSAPrivateKey(f.cfg.Auth.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("auth: %w", err)
	}
	pub := &priv.PublicKey
	if len(f.cfg.Auth.PublicKey) > 0 {
		if pub, err = auth.ParseRSAPublicKey(f.cfg.Auth.PublicKey); err != nil {
			return nil, fmt.Errorf("auth: %w", err)
		}
	}

	authSvc := service.NewAuthService(f.store, auth.NewIssuer(priv, f.cfg.Auth.TokenTTL), f.logger)
	if f.cfg.Actions.BcryptCost > 0 {
		authSvc = authSvc.WithCost(f.cfg.Actions.BcryptCost)
	}

	return server.NewConsoleServer(auth.NewBaseValidator(pub), f.pinger, f.metrics, server.Handlers{
		Auth:       handler.NewAuthHandler(authSvc, f.logger),
		Actions:    handler.NewActionHandler(f.actions, f.store, f.logger),
		Tasks:      handler.NewTaskHandler(f.queue, f.logger),
		Workspaces: handler.NewWorkspaceHandler(f.deployments, f.logger),
		Events:     handler.NewEventsHandler(f.router, f.onboarding, f.logger),
		Dashboard:  handler.NewDashboardHandler(f.store, f.logger),
	}, f.logger), nil
}

func (f *fleet) scheduleJobs() error {
	type job struct {
		name string
		spec string
		fn   orchestration.JobFunc
	}
	jobs := []job{
		{"queue-poll", f.cfg.Queue.PollSchedule, f.pollQueue},
		{"credential-sweep", f.cfg.Credentials.SweepSchedule, f.sweepCached},
	}
	if f.cfg.Queue.AutoRetry {
		jobs = append(jobs, job{"queue-maintenance", f.cfg.Queue.MaintenanceSchedule, f.maintainQueue})
	}
	for _, j := range jobs {
		if j.spec == "" {
			continue
		}
		if err := f.scheduler.AddJob(j.name, j.spec, j.fn); err != nil {
			return err
		}
	}
	return nil
}

func (f *fleet) pollQueue(ctx context.Context) {
	res, err := f.queue.ProcessPending(ctx, "")
	if err != nil {
		f.logger.Error("queue poll failed", zap.Error(err))
		return
	}
	if res.Claimed > 0 {
		f.logger.Info("queue poll",
			zap.Int("claimed", res.Claimed),
			zap.Int("completed", res.Completed),
			zap.Int("failed", res.Failed))
	}
}

func (f *fleet) sweepCached(ctx context.Context) {
	res := f.credentials.Sweep(ctx)
	f.logger.Info("credential sweep",
		zap.Int("checked", res.Checked),
		zap.Int("revalidated", res.Revalidated),
		zap.Int("unreachable", res.Unreachable))
}

func (f *fleet) maintainQueue(ctx context.Context) {
	if _, err := f.queue.RetryFailed(ctx); err != nil {
		f.logger.Error("queue maintenance failed", zap.Error(err))
	}
}

// sweepAll проверяет токены всех активных workspace: в новом процессе кэш пуст,
// поэтому каждый токен сначала разрешается заново.
func (f *fleet) sweepAll(ctx context.Context) error {
	workspaces, err := f.store.ListActiveWorkspaces(ctx)
	if err != nil {
		return fmt.Errorf("sweep: list workspaces: %w", err)
	}
	unreachable := 0
	for _, ws := range workspaces {
		if _, err := f.credentials.GetValidToken(ctx, ws.ID); err != nil {
			unreachable++
			f.logger.Warn("workspace unreachable", zap.String("workspace_id", ws.ID), zap.Error(err))
		}
	}
	f.logger.Info("credential sweep",
		zap.Int("workspaces", len(workspaces)),
		zap.Int("unreachable", unreachable))
	return nil
}

// serve держит HTTP API, /metrics, cron и слушателя триггеров до отмены ctx.
func (f *fleet) serve(ctx context.Context) error {
	console, err := f.consoleServer()
	if err != nil {
		return err
	}
	if err := f.seedDefaultAgent(ctx); err != nil {
		return err
	}
	if err := f.scheduleJobs(); err != nil {
		return err
	}
	restored, err := f.handlers.RestoreMonitoring(ctx)
	if err != nil {
		return err
	}
	f.logger.Info("monitoring restored", zap.Int("deployments", restored))

	api := &http.Server{
		Addr:         f.cfg.Server.Addr(),
		Handler:      console,
		ReadTimeout:  f.cfg.Server.ReadTimeout,
		WriteTimeout: f.cfg.Server.WriteTimeout,
	}
	metrics := &http.Server{
		Addr:              f.cfg.Server.MetricsAddr,
		Handler:           promhttp.HandlerFor(f.reg, promhttp.HandlerOpts{Registry: f.reg}),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return listen(api, "console", f.logger) })
	g.Go(func() error { return listen(metrics, "metrics", f.logger) })
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return errors.Join(api.Shutdown(shutdownCtx), metrics.Shutdown(shutdownCtx))
	})
	if f.rdb != nil {
		listener := orchestration.NewTriggerListener(f.rdb, f.queue, f.logger)
		g.Go(func() error {
			listener.Run(gctx)
			return nil
		})
	}

	// Планировщик стартует раньше догоняющего опроса: setup_monitoring из очереди видит его запущенным
	f.scheduler.Start()
	// Догоняем то, что накопилось, пока процесс был остановлен
	g.Go(func() error {
		f.pollQueue(gctx)
		return nil
	})

	err = g.Wait()
	<-f.scheduler.Stop().Done()
	f.logger.Info("fleet stopped")
	return err
}

func listen(srv *http.Server, name string, logger *zap.Logger) error {
	logger.Info("listening", zap.String("server", name), zap.String("addr", srv.Addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("%s server: %w", name, err)
	}
	return nil
}
