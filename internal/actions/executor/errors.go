package executor

import (
	"errors"
	"fmt"
	"time"
)

// ErrTransient — временный отказ цели, вызов можно повторить.
var ErrTransient = errors.New("transient target failure")

type ThrottleError struct {
	RetryAfter time.Duration
	Cause      error
}

func (e *ThrottleError) Error() string {
	return fmt.Sprintf("throttled: retry after %v (cause: %v)", e.RetryAfter, e.Cause)
}

func (e *ThrottleError) Unwrap() error { return e.Cause }

// retryable — повторяем только троттлинг и явно временные отказы.
// Команда, вернувшая ненулевой код, повторно не запускается.
func retryable(err error) bool {
	var tErr *ThrottleError
	return errors.As(err, &tErr) || errors.Is(err, ErrTransient)
}
