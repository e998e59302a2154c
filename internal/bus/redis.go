package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// envelope хранит формат сообщения в Redis (полезная нагрузка + адрес для ответа)
type envelope struct {
	Reply string `json:"reply,omitempty"`
	Data  []byte `json:"data"`
}

// Redis: шина поверх Redis Pub/Sub. Request-reply строится через
// одноразовый канал _INBOX.<uuid>, подписка на который подтверждается до публикации.
type Redis struct {
	rdb    *redis.Client
	logger *zap.Logger

	mu     sync.Mutex
	subs   map[*redisSub]struct{}
	closed bool
}

type redisSub struct {
	bus    *Redis
	ps     *redis.PubSub
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func NewRedis(rdb *redis.Client, logger *zap.Logger) *Redis {
	return &Redis{
		rdb:    rdb,
		logger: logger.Named("bus.redis"),
		subs:   make(map[*redisSub]struct{}),
	}
}

func (b *Redis) Publish(ctx context.Context, subject string, data []byte) error {
	_, err := b.publish(ctx, subject, "", data)
	return err
}

func (b *Redis) PublishRequest(ctx context.Context, subject, reply string, data []byte) error {
	_, err := b.publish(ctx, subject, reply, data)
	return err
}

func (b *Redis) publish(ctx context.Context, subject, reply string, data []byte) (int64, error) {
	payload, err := json.Marshal(envelope{Reply: reply, Data: data})
	if err != nil {
		return 0, fmt.Errorf("bus: encode envelope: %w", err)
	}
	n, err := b.rdb.Publish(ctx, subject, payload).Result()
	if err != nil {
		return 0, fmt.Errorf("bus: redis publish %s: %w", subject, err)
	}
	return n, nil
}

func (b *Redis) Subscribe(subject string, h Handler) (Subscription, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	b.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	ps := b.rdb.Subscribe(ctx, subject)

	// Проверка успешности подписки: без нее первый Publish может уйти "в пустоту"
	if _, err := ps.Receive(ctx); err != nil {
		cancel()
		ps.Close()
		return nil, fmt.Errorf("bus: subscribe %s: %w", subject, err)
	}

	s := &redisSub{bus: b, ps: ps, cancel: cancel, done: make(chan struct{})}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	go func() {
		defer close(s.done)
		ch := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-ch:
				if !ok {
					return
				}
				var env envelope
				if err := json.Unmarshal([]byte(m.Payload), &env); err != nil {
					b.logger.Error("invalid envelope", zap.String("subject", m.Channel), zap.Error(err))
					continue
				}
				h(ctx, &Msg{Subject: m.Channel, Reply: env.Reply, Data: env.Data})
			}
		}
	}()
	return s, nil
}

func (s *redisSub) Unsubscribe() error {
	var err error
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		s.bus.mu.Unlock()
		s.cancel()
		err = s.ps.Close()
	})
	return err
}

func (b *Redis) Request(ctx context.Context, subject string, data []byte) ([]byte, error) {
	inbox := NewInbox()
	replies := make(chan []byte, 1)

	sub, err := b.Subscribe(inbox, func(_ context.Context, m *Msg) {
		select {
		case replies <- m.Data:
		default:
		}
	})
	if err != nil {
		return nil, err
	}
	defer sub.Unsubscribe()

	n, err := b.publish(ctx, subject, inbox, data)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, ErrNoResponders
	}
	return awaitReply(ctx, replies)
}

// Close закрывает все подписки; сам клиент Redis закрывает владелец
func (b *Redis) Close() error {
	b.mu.Lock()
	b.closed = true
	subs := make([]*redisSub, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		if err := s.Unsubscribe(); err != nil {
			b.logger.Warn("unsubscribe failed", zap.Error(err))
		}
	}
	return nil
}
