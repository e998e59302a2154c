package registry

import (
	"context"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/spaceai-mesh/internal/domain"
	"go.uber.org/zap"
)

// StatusFeed принимает статусы агентов из внешнего источника. Сторонний health-checker публикует
// в канал Redis сигналы "identity:active" / "identity:offline", а в hash
// <channel>:state держит последний известный статус каждого агента.
type StatusFeed struct {
	rdb     *redis.Client
	reg     *Registry
	channel string
	backoff time.Duration
	logger  *zap.Logger
}

func NewStatusFeed(rdb *redis.Client, reg *Registry, channel string, logger *zap.Logger) *StatusFeed {
	return &StatusFeed{
		rdb:     rdb,
		reg:     reg,
		channel: channel,
		backoff: 5 * time.Second,
		logger:  logger.Named("registry.feed"),
	}
}

// Run держит "живучую" подписку: при обрыве переподключается и заново синхронизирует
// состояние из hash, чтобы не потерять сигналы, пришедшие во время разрыва.
func (f *StatusFeed) Run(ctx context.Context) {
	for {
		pubsub := f.rdb.Subscribe(ctx, f.channel)

		// Проверка успешности подписки
		if _, err := pubsub.Receive(ctx); err != nil {
			pubsub.Close()
			if ctx.Err() != nil {
				return
			}
			f.logger.Error("failed to subscribe", zap.String("chan", f.channel), zap.Error(err))
			if !sleep(ctx, f.backoff) {
				return
			}
			continue
		}

		// Синхронизация при каждом успешном коннекте
		if err := f.Sync(ctx); err != nil {
			f.logger.Error("sync failed on reconnect", zap.Error(err))
		}

		ch := pubsub.Channel()

	loop:
		for {
			select {
			case <-ctx.Done():
				pubsub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					break loop // Канал закрыт, идем на переподключение
				}
				identity, status, ok := parseSignal(msg.Payload)
				if !ok {
					f.logger.Error("invalid signal format", zap.String("payload", msg.Payload))
					continue
				}
				f.reg.SetAgentStatus(ctx, identity, status)
			}
		}

		pubsub.Close()
		if !sleep(ctx, time.Second) {
			return
		}
	}
}

// Sync применяет снимок статусов из hash <channel>:state
func (f *StatusFeed) Sync(ctx context.Context) error {
	state, err := f.rdb.HGetAll(ctx, f.channel+":state").Result()
	if err != nil {
		return err
	}
	for identity, raw := range state {
		if _, status, ok := parseSignal(identity + ":" + raw); ok {
			f.reg.SetAgentStatus(ctx, identity, status)
		}
	}
	return nil
}

// parseSignal разбирает "identity:status". Identity может содержать ':', статус: последний сегмент.
func parseSignal(payload string) (string, domain.AgentStatus, bool) {
	i := strings.LastIndex(payload, ":")
	if i <= 0 || i == len(payload)-1 {
		return "", "", false
	}
	identity := payload[:i]
	switch strings.ToLower(payload[i+1:]) {
	case "active", "online", "up", "true":
		return identity, domain.StatusActive, true
	case "offline", "down", "false":
		return identity, domain.StatusOffline, true
	}
	return "", "", false
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
