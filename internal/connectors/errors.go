package connectors

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrUnavailable: коннектор недоступен (сеть, выбитый Circuit Breaker, probe)
	ErrUnavailable = errors.New("connector unavailable")
	// ErrOperationNotSupported: KB не умеет такую операцию
	ErrOperationNotSupported = errors.New("operation not supported")
	// ErrUnsupportedType: семейство коннектора не поддерживается ядром
	ErrUnsupportedType = errors.New("unsupported kb_type")
)

type ThrottleError struct {
	RetryAfter time.Duration
	Cause      error
}

func (e *ThrottleError) Error() string {
	return fmt.Sprintf("throttled: retry after %v (cause: %v)", e.RetryAfter, e.Cause)
}

func (e *ThrottleError) Unwrap() error { return e.Cause }

// IsRetryable: повторяем только то, что гарантированно не дошло до исполнения
func IsRetryable(err error) bool {
	var tErr *ThrottleError
	return errors.As(err, &tErr) || errors.Is(err, ErrUnavailable)
}
