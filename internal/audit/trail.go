package audit

/*
Файл trail.go — асинхронный журнал действий (Audit Trail).

- Non-blocking: Record не ждет БД, события идут через буферизированный канал.
- Batching: запись пачками по таймеру или при достижении лимита.
- Drain: Stop закрывает вход, воркер вычитывает остатки и делает финальный flush.
*/

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/xela07ax/spaceai-agent-fleet/internal/engine"
	"go.uber.org/zap"
)

// Storage определяет, куда физически сохраняются события.
type Storage interface {
	// WriteActionEvents сохраняет пачку событий за один раз
	WriteActionEvents(ctx context.Context, events []ActionEvent) error
}

// Recorder — то, что нужно state machine действий.
type Recorder interface {
	Record(event ActionEvent)
}

type Options struct {
	BufferSize    int
	BatchSize     int
	FlushInterval time.Duration
}

type Trail struct {
	ch      chan ActionEvent
	repo    Storage
	opts    Options
	metrics *engine.Metrics
	logger  *zap.Logger
	wg      sync.WaitGroup

	// closed защищает канал от отправки после close
	mu     sync.RWMutex
	closed bool
}

func NewTrail(repo Storage, opts Options, metrics *engine.Metrics, logger *zap.Logger) *Trail {
	if opts.BufferSize <= 0 {
		opts.BufferSize = 10000
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 500 * time.Millisecond
	}
	return &Trail{
		ch:      make(chan ActionEvent, opts.BufferSize),
		repo:    repo,
		opts:    opts,
		metrics: metrics,
		logger:  logger.Named("audit"),
	}
}

func (t *Trail) Start() {
	t.wg.Add(1)
	go t.worker()
}

// Stop запирает вход и ждет, пока воркер всё допишет.
func (t *Trail) Stop() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	close(t.ch)
	t.mu.Unlock()

	t.logger.Info("stopping audit trail: flushing buffer")
	t.wg.Wait()
	t.logger.Info("audit trail stopped gracefully")
}

func (t *Trail) Record(event ActionEvent) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		t.logger.Warn("audit event dropped: trail is stopping", zap.String("action_id", event.ActionID))
		return
	}

	// Load shedding: горячий путь не ждет
	select {
	case t.ch <- event:
		t.metrics.AuditBufferFill.Set(float64(len(t.ch)))
	default:
		t.logger.Error("audit_buffer_overflow",
			zap.String("action_id", event.ActionID),
			zap.String("stage", string(event.Stage)),
			zap.String("actor", event.Actor))
	}
}

func (t *Trail) worker() {
	defer t.wg.Done()

	batch := make([]ActionEvent, 0, t.opts.BatchSize)
	ticker := time.NewTicker(t.opts.FlushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		// Background: основной контекст может быть уже закрыт
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := t.repo.WriteActionEvents(ctx, batch); err != nil {
			t.logger.Error("audit flush failed", zap.Int("events", len(batch)), zap.Error(err))
		}
		batch = make([]ActionEvent, 0, t.opts.BatchSize)
		t.metrics.AuditBufferFill.Set(float64(len(t.ch)))
	}

	for {
		select {
		case event, ok := <-t.ch:
			if !ok {
				// Канал закрыт в Stop: остатки уже вычитаны, финальный сброс
				flush()
				return
			}
			batch = append(batch, event)
			if len(batch) >= t.opts.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}
