package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/sony/gobreaker"
	"github.com/xela07ax/spaceai-agent-fleet/internal/engine"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ReliabilityWrapper оборачивает Target: rate limiter -> circuit breaker -> retry.
type ReliabilityWrapper struct {
	next    Target
	cb      *gobreaker.CircuitBreaker
	limiter *rate.Limiter
	metrics *engine.Metrics
	retries uint
}

func NewReliabilityWrapper(next Target, metrics *engine.Metrics, logger *zap.Logger) *ReliabilityWrapper {
	l := logger.Named("reliability").With(zap.String("target_id", next.ID()))

	// Настройка предохранителя
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "target-" + next.ID(),
		MaxRequests: 3,
		Interval:    5 * time.Second,
		Timeout:     30 * time.Second, // Время, через которое CB попробует "закрыться"
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			// Если более 5 ошибок подряд — открываемся (блокируем трафик)
			return counts.ConsecutiveFailures > 5
		},
		// Таймаут вызывающего — не неисправность цели
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			l.Warn("circuit breaker state changed", zap.String("from", from.String()), zap.String("to", to.String()))
			state := 0.0
			if to == gobreaker.StateOpen {
				state = 1
			}
			metrics.CircuitBreakerState.WithLabelValues(name).Set(state)
		},
	})

	return &ReliabilityWrapper{
		next:    next,
		cb:      cb,
		limiter: rate.NewLimiter(rate.Limit(20), 5),
		metrics: metrics,
		retries: 3,
	}
}

func (w *ReliabilityWrapper) ID() string   { return w.next.ID() }
func (w *ReliabilityWrapper) Type() string { return w.next.Type() }

func (w *ReliabilityWrapper) Name() string {
	if n, ok := w.next.(named); ok {
		return n.Name()
	}
	return w.next.ID()
}

func (w *ReliabilityWrapper) Execute(ctx context.Context, command string) (string, error) {
	// 1. Rate Limiter
	if err := w.limiter.Wait(ctx); err != nil {
		w.metrics.ErrorTotal.WithLabelValues("rate_limit").Inc()
		return "", fmt.Errorf("rate limit exceeded: %w", err)
	}

	start := time.Now()
	var out string

	// 2. Circuit Breaker
	_, err := w.cb.Execute(func() (interface{}, error) {
		r := retry.New(
			retry.Context(ctx),
			retry.Attempts(w.retries),
			retry.LastErrorOnly(true),
			retry.RetryIf(retryable),
			// Умный расчет задержки
			retry.DelayType(func(n uint, err error, config retry.DelayContext) time.Duration {
				// Если цель вернула ThrottleError (например, считала Retry-After)
				var tErr *ThrottleError
				if errors.As(err, &tErr) {
					return tErr.RetryAfter
				}
				// В остальных случаях — стандартный экспоненциальный бэкофф
				return retry.BackOffDelay(n, err, config)
			}),
		)
		return nil, r.Do(func() error {
			var callErr error
			out, callErr = w.next.Execute(ctx, command)
			return callErr
		})
	})

	result := "success"
	if err != nil {
		result = "error"
	}
	w.metrics.ActionDuration.WithLabelValues(w.next.Type(), result).Observe(time.Since(start).Seconds())

	if err != nil {
		return "", err
	}
	return out, nil
}
