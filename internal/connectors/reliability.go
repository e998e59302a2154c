package connectors

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

type ReliabilityConfig struct {
	RateLimit     float64       // запросов в секунду на одну KB
	Burst         int
	CBMaxRequests uint32        // пробные запросы в half-open
	CBInterval    time.Duration // окно сброса счетчиков в closed
	CBTimeout     time.Duration // через сколько CB попробует "закрыться"
	CBFailures    uint32        // подряд идущие ошибки до срабатывания
	CallTimeout   time.Duration
	Attempts      uint
}

func DefaultReliabilityConfig() ReliabilityConfig {
	return ReliabilityConfig{
		RateLimit:     100,
		Burst:         20,
		CBMaxRequests: 3,
		CBInterval:    5 * time.Second,
		CBTimeout:     30 * time.Second,
		CBFailures:    5,
		CallTimeout:   10 * time.Second,
		Attempts:      3,
	}
}

// ReliabilityWrapper: Rate Limiter -> Circuit Breaker -> Retry -> адаптер.
// Ping идет мимо обвязки: probe не должен расходовать лимит и выбивать предохранитель.
type ReliabilityWrapper struct {
	next    Adapter
	cb      *gobreaker.CircuitBreaker
	limiter *rate.Limiter
	cfg     ReliabilityConfig
}

// NewReliabilityWrapper; onState (может быть nil) получает смену состояния предохранителя
func NewReliabilityWrapper(name string, next Adapter, cfg ReliabilityConfig, onState func(name string, open bool)) *ReliabilityWrapper {
	if cfg.Attempts == 0 {
		cfg.Attempts = 1
	}
	// Настройка предохранителя
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.CBMaxRequests,
		Interval:    cfg.CBInterval,
		Timeout:     cfg.CBTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > cfg.CBFailures
		},
		// Ошибки уровня запроса (неизвестная операция, синтаксис SQL) не говорят о здоровье KB
		IsSuccessful: func(err error) bool {
			return err == nil || !IsRetryable(err)
		},
		OnStateChange: func(name string, _, to gobreaker.State) {
			if onState != nil {
				onState(name, to != gobreaker.StateClosed)
			}
		},
	})

	return &ReliabilityWrapper{
		next:    next,
		cb:      cb,
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.Burst),
		cfg:     cfg,
	}
}

func (w *ReliabilityWrapper) Execute(ctx context.Context, operation string, params map[string]any) (any, error) {
	// 1. Rate Limiter
	if err := w.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit exceeded: %w", err)
	}

	// 2. Circuit Breaker
	res, err := w.cb.Execute(func() (interface{}, error) {
		var out any
		r := retry.New(
			retry.Context(ctx),
			retry.Attempts(w.cfg.Attempts),
			retry.LastErrorOnly(true),
			retry.RetryIf(IsRetryable),
			// Умный расчет задержки
			retry.DelayType(func(n uint, err error, config retry.DelayContext) time.Duration {
				// Если коннектор вернул ThrottleError: ждем столько, сколько он попросил
				var tErr *ThrottleError
				if errors.As(err, &tErr) {
					return tErr.RetryAfter
				}
				// В остальных случаях (сетевой лаг): стандартный экспоненциальный бэкофф
				return retry.BackOffDelay(n, err, config)
			}),
		)

		retryErr := r.Do(func() error {
			tCtx, cancel := context.WithTimeout(ctx, w.cfg.CallTimeout)
			defer cancel()

			var callErr error
			out, callErr = w.next.Execute(tCtx, operation, params)
			return callErr
		})
		return out, retryErr
	})

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: circuit breaker %s", ErrUnavailable, w.cb.State())
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (w *ReliabilityWrapper) Ping(ctx context.Context) error { return w.next.Ping(ctx) }

func (w *ReliabilityWrapper) Close() error { return w.next.Close() }

// State: для health-ответа и метрик
func (w *ReliabilityWrapper) State() gobreaker.State { return w.cb.State() }
