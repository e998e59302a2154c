package policy

import (
	"context"
	"encoding/json"

	"github.com/xela07ax/spaceai-mesh/internal/bus"
	"go.uber.org/zap"
)

// Serve публикует движок как PDP на канале subject. Внешняя инсталляция может
// заменить его своим сервисом с тем же контрактом.
func Serve(b bus.Bus, subject string, engine Client, logger *zap.Logger) (bus.Subscription, error) {
	l := logger.Named("policy.serve")
	return b.Subscribe(subject, func(ctx context.Context, m *bus.Msg) {
		var resp wireDecision
		var req Request
		if err := json.Unmarshal(m.Data, &req); err != nil {
			resp.Error = "invalid policy request: " + err.Error()
		} else if d, err := engine.Evaluate(ctx, req); err != nil {
			resp.Error = err.Error()
		} else {
			resp.Decision = d
		}
		if err := bus.Respond(ctx, b, m, resp); err != nil {
			l.Error("policy reply failed", zap.Error(err))
		}
	})
}
