package orchestration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/xela07ax/spaceai-agent-fleet/internal/domain"
	"github.com/xela07ax/spaceai-agent-fleet/internal/engine"
	"github.com/xela07ax/spaceai-agent-fleet/internal/infra"
	"go.uber.org/zap"
)

// Store — хранилище задач. Все переходы статусов — однострочные conditional update.
type Store interface {
	CreateTask(ctx context.Context, t *domain.OrchestrationTask) error
	GetTask(ctx context.Context, id string) (*domain.OrchestrationTask, error)
	ListPendingTasks(ctx context.Context, workspaceID string, limit int) ([]*domain.OrchestrationTask, error)
	ListTasks(ctx context.Context, f domain.TaskFilter) ([]*domain.OrchestrationTask, error)
	ListRetryableTasks(ctx context.Context, limit int) ([]*domain.OrchestrationTask, error)
	ClaimTask(ctx context.Context, id string, at time.Time) error
	FinishTask(ctx context.Context, id string, status domain.TaskStatus, result json.RawMessage, at time.Time) error
	RequeueTask(ctx context.Context, id string) (*domain.OrchestrationTask, error)
}

// Notifier сообщает другим процессам, что в очереди появилась работа.
type Notifier interface {
	Notify(ctx context.Context, workspaceID string) error
}

// ScheduleRequest — nil в Priority и MaxRetries означает значение по умолчанию
// (1 и queue.max_retries), явный 0 сохраняется.
type ScheduleRequest struct {
	WorkspaceID string
	TaskType    domain.TaskType
	Payload     any
	Priority    *int
	MaxRetries  *int
}

// Int — указатель на значение для полей ScheduleRequest.
func Int(v int) *int { return &v }

// BatchResult — итог одного ProcessPending.
type BatchResult struct {
	Claimed   int `json:"claimed"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"` // задачу захватил другой обработчик
	Requeued  int `json:"requeued"`
}

type Queue struct {
	store    Store
	registry *Registry
	notifier Notifier
	cfg      infra.QueueConfig
	metrics  *engine.Metrics
	logger   *zap.Logger
	now      func() time.Time
}

func NewQueue(store Store, registry *Registry, cfg infra.QueueConfig, metrics *engine.Metrics, logger *zap.Logger) *Queue {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &Queue{
		store:    store,
		registry: registry,
		cfg:      cfg,
		metrics:  metrics,
		logger:   logger.Named("queue"),
		now:      time.Now,
	}
}

func (q *Queue) WithClock(now func() time.Time) *Queue {
	q.now = now
	return q
}

// WithNotifier подключает публикацию триггера после Schedule.
func (q *Queue) WithNotifier(n Notifier) *Queue {
	q.notifier = n
	return q
}

// Schedule ставит задачу в очередь. Неизвестный тип отклоняется сразу.
func (q *Queue) Schedule(ctx context.Context, req ScheduleRequest) (*domain.OrchestrationTask, error) {
	if _, err := q.registry.Get(req.TaskType); err != nil {
		return nil, err
	}
	payload, err := json.Marshal(req.Payload)
	if err != nil {
		return nil, fmt.Errorf("queue: marshal payload: %w", err)
	}
	if req.Payload == nil {
		payload = json.RawMessage(`{}`)
	}
	priority, maxRetries := 1, q.cfg.MaxRetries
	if req.Priority != nil {
		priority = *req.Priority
	}
	if req.MaxRetries != nil {
		maxRetries = max(*req.MaxRetries, 0)
	}

	now := q.now()
	task := &domain.OrchestrationTask{
		WorkspaceID: req.WorkspaceID,
		TaskType:    req.TaskType,
		Status:      domain.TaskPending,
		Priority:    priority,
		Payload:     payload,
		MaxRetries:  maxRetries,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := q.store.CreateTask(ctx, task); err != nil {
		return nil, fmt.Errorf("queue: create task: %w", err)
	}
	q.metrics.TasksTotal.WithLabelValues(string(task.TaskType), string(domain.TaskPending)).Inc()
	q.logger.Info("task scheduled",
		zap.String("task_id", task.ID),
		zap.String("workspace_id", task.WorkspaceID),
		zap.String("task_type", string(task.TaskType)),
		zap.Int("priority", task.Priority))

	if q.notifier != nil {
		if err := q.notifier.Notify(ctx, task.WorkspaceID); err != nil {
			// Не критично: задачу подберет периодический опрос
			q.logger.Warn("trigger publish failed", zap.Error(err))
		}
	}
	return task, nil
}

// ProcessPending обрабатывает батч pending задач (priority DESC, created_at ASC).
// Пустой workspaceID — все workspace. Безопасен при конкурентных вызовах:
// обработчик запускает только тот, кто выиграл захват pending -> running.
// Ошибки отдельных задач не прерывают батч.
func (q *Queue) ProcessPending(ctx context.Context, workspaceID string) (BatchResult, error) {
	var res BatchResult

	tasks, err := q.store.ListPendingTasks(ctx, workspaceID, q.cfg.BatchSize)
	if err != nil {
		return res, fmt.Errorf("queue: list pending: %w", err)
	}

	for _, task := range tasks {
		if ctx.Err() != nil {
			break
		}

		// 1. Захват (CAS)
		if err := q.store.ClaimTask(ctx, task.ID, q.now()); err != nil {
			if errors.Is(err, domain.ErrTaskClaimed) {
				res.Skipped++
				continue
			}
			q.logger.Error("claim failed", zap.String("task_id", task.ID), zap.Error(err))
			continue
		}
		res.Claimed++
		q.metrics.TasksTotal.WithLabelValues(string(task.TaskType), string(domain.TaskRunning)).Inc()

		// 2. Исполнение
		start := time.Now()
		out, runErr := q.run(ctx, task)
		q.metrics.TaskDuration.WithLabelValues(string(task.TaskType)).Observe(time.Since(start).Seconds())

		// 3. Фиксация результата
		status := domain.TaskCompleted
		result, err := json.Marshal(out)
		if runErr == nil && err != nil {
			runErr = fmt.Errorf("marshal result: %w", err)
		}
		if runErr != nil {
			status = domain.TaskFailed
			result, _ = json.Marshal(map[string]string{"error": runErr.Error()})
		}

		// Завершение не зависит от отмены ctx батча, иначе задача зависнет в running
		if err := q.store.FinishTask(context.WithoutCancel(ctx), task.ID, status, result, q.now()); err != nil {
			q.logger.Error("finish failed", zap.String("task_id", task.ID), zap.Error(err))
			continue
		}
		q.metrics.TasksTotal.WithLabelValues(string(task.TaskType), string(status)).Inc()

		if runErr == nil {
			res.Completed++
			q.logger.Info("task completed", zap.String("task_id", task.ID), zap.String("task_type", string(task.TaskType)))
			continue
		}

		res.Failed++
		q.metrics.ErrorTotal.WithLabelValues("task").Inc()
		q.logger.Error("task failed",
			zap.String("task_id", task.ID),
			zap.String("task_type", string(task.TaskType)),
			zap.Int("retry_count", task.RetryCount),
			zap.Int("max_retries", task.MaxRetries),
			zap.Error(runErr))

		if q.cfg.AutoRetry && q.requeue(context.WithoutCancel(ctx), task.ID) {
			res.Requeued++
		}
	}

	return res, nil
}

// run вызывает обработчик, паника превращается в ошибку задачи.
func (q *Queue) run(ctx context.Context, task *domain.OrchestrationTask) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("handler panic",
				zap.String("task_id", task.ID),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()

	h, err := q.registry.Get(task.TaskType)
	if err != nil {
		return nil, err
	}
	return h.Handle(ctx, task.WorkspaceID, task.Payload)
}

// requeue возвращает задачу в pending, если остались попытки.
func (q *Queue) requeue(ctx context.Context, id string) bool {
	task, err := q.store.RequeueTask(ctx, id)
	switch {
	case err == nil:
		q.logger.Info("task requeued",
			zap.String("task_id", id),
			zap.Int("retry_count", task.RetryCount),
			zap.Int("max_retries", task.MaxRetries))
		return true
	case errors.Is(err, domain.ErrRetriesExhausted):
		q.logger.Error("task retries exhausted, needs operator attention", zap.String("task_id", id))
	default:
		q.logger.Error("requeue failed", zap.String("task_id", id), zap.Error(err))
	}
	return false
}

// Retry — ручной возврат failed задачи в очередь оператором.
func (q *Queue) Retry(ctx context.Context, id string) (*domain.OrchestrationTask, error) {
	task, err := q.store.RequeueTask(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("queue: retry %s: %w", id, err)
	}
	q.logger.Info("task retried by operator", zap.String("task_id", id), zap.Int("retry_count", task.RetryCount))
	if q.notifier != nil {
		if err := q.notifier.Notify(ctx, task.WorkspaceID); err != nil {
			q.logger.Warn("trigger publish failed", zap.Error(err))
		}
	}
	return task, nil
}

// RetryFailed — обслуживание: возвращает в очередь failed задачи с оставшимися попытками.
func (q *Queue) RetryFailed(ctx context.Context) (int, error) {
	tasks, err := q.store.ListRetryableTasks(ctx, q.cfg.BatchSize*10)
	if err != nil {
		return 0, fmt.Errorf("queue: list retryable: %w", err)
	}
	n := 0
	for _, t := range tasks {
		if q.requeue(ctx, t.ID) {
			n++
		}
	}
	if n > 0 {
		q.logger.Info("maintenance requeued tasks", zap.Int("count", n))
	}
	return n, nil
}

func (q *Queue) GetTask(ctx context.Context, id string) (*domain.OrchestrationTask, error) {
	return q.store.GetTask(ctx, id)
}

func (q *Queue) ListTasks(ctx context.Context, f domain.TaskFilter) ([]*domain.OrchestrationTask, error) {
	return q.store.ListTasks(ctx, f)
}
