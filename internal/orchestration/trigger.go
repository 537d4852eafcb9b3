package orchestration

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/spaceai-agent-fleet/internal/engine"
	"github.com/xela07ax/spaceai-agent-fleet/internal/infra"
	"go.uber.org/zap"
)

// allWorkspaces — payload триггера "обработать очередь всех workspace".
const allWorkspaces = "*"

// RedisNotifier публикует триггер внеочередной обработки.
type RedisNotifier struct {
	rdb redis.UniversalClient
}

func NewRedisNotifier(rdb redis.UniversalClient) *RedisNotifier {
	return &RedisNotifier{rdb: rdb}
}

func (n *RedisNotifier) Notify(ctx context.Context, workspaceID string) error {
	if workspaceID == "" {
		workspaceID = allWorkspaces
	}
	if err := n.rdb.Publish(ctx, infra.RedisChanTaskTrigger, workspaceID).Err(); err != nil {
		return fmt.Errorf("notifier: publish: %w", err)
	}
	return nil
}

// TriggerListener обрабатывает очередь по сигналу из Redis, в дополнение к опросу по расписанию.
type TriggerListener struct {
	rdb    redis.UniversalClient
	queue  *Queue
	logger *zap.Logger
}

func NewTriggerListener(rdb redis.UniversalClient, q *Queue, logger *zap.Logger) *TriggerListener {
	return &TriggerListener{rdb: rdb, queue: q, logger: logger.Named("trigger")}
}

// Run блокируется до отмены ctx.
func (l *TriggerListener) Run(ctx context.Context) {
	l.logger.Info("listening for queue triggers", zap.String("chan", infra.RedisChanTaskTrigger))
	engine.ListenResilient(ctx, l.rdb, l.logger, infra.RedisChanTaskTrigger,
		// После переподключения догоняем все, что могли пропустить
		func() error {
			_, err := l.queue.ProcessPending(ctx, "")
			return err
		},
		func(payload string) { l.handle(ctx, payload) },
	)
}

func (l *TriggerListener) handle(ctx context.Context, payload string) {
	ws := payload
	if ws == allWorkspaces {
		ws = ""
	}
	res, err := l.queue.ProcessPending(ctx, ws)
	if err != nil {
		l.logger.Error("triggered processing failed", zap.String("workspace_id", payload), zap.Error(err))
		return
	}
	l.logger.Debug("triggered batch processed",
		zap.String("workspace_id", payload),
		zap.Int("claimed", res.Claimed),
		zap.Int("failed", res.Failed))
}
