package policy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"github.com/xela07ax/spaceai-mesh/internal/bus"
	"github.com/xela07ax/spaceai-mesh/internal/domain"
	"go.uber.org/zap"
)

// wireDecision: ответ PDP в канале policy.evaluate
type wireDecision struct {
	Decision
	Error string `json:"error,omitempty"`
}

// BusClient спрашивает внешний PDP через request-reply. Circuit Breaker защищает
// роутер от ожидания таймаута на каждом запросе, когда PDP лежит.
type BusClient struct {
	bus     bus.Bus
	subject string
	timeout time.Duration
	cb      *gobreaker.CircuitBreaker
	logger  *zap.Logger
}

func NewBusClient(b bus.Bus, subject string, timeout time.Duration, logger *zap.Logger) *BusClient {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	l := logger.Named("policy.bus")
	return &BusClient{
		bus:     b,
		subject: subject,
		timeout: timeout,
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "policy-pdp",
			MaxRequests: 1,
			Timeout:     10 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				l.Warn("policy breaker state changed",
					zap.String("from", from.String()),
					zap.String("to", to.String()))
			},
		}),
		logger: l,
	}
}

func (c *BusClient) Evaluate(ctx context.Context, req Request) (Decision, error) {
	res, err := c.cb.Execute(func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		var resp wireDecision
		if err := bus.RequestJSON(ctx, c.bus, c.subject, req, &resp); err != nil {
			return nil, err
		}
		if resp.Error != "" {
			return nil, errors.New(resp.Error)
		}
		return resp.Decision, nil
	})
	if err != nil {
		return Decision{}, fmt.Errorf("%w: %v", domain.ErrPolicyUnavailable, err)
	}
	return res.(Decision), nil
}

// Ping отдает состояние PDP для health. Открытый предохранитель означает, что PDP лежит
func (c *BusClient) Ping(context.Context) error {
	if c.cb.State() == gobreaker.StateOpen {
		return fmt.Errorf("%w: circuit open", domain.ErrPolicyUnavailable)
	}
	return nil
}
