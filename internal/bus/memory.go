package bus

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Memory: шина в памяти процесса. Каждый подписчик имеет свою буферизованную очередь
// и свою горутину, поэтому медленный слушатель не тормозит публикацию.
type Memory struct {
	mu        sync.RWMutex
	subs      map[string]map[uint64]*memSub
	nextID    uint64
	queueSize int
	closed    bool
	logger    *zap.Logger
}

type memSub struct {
	id      uint64
	subject string
	ch      chan *Msg
	handler Handler
	ctx     context.Context
	cancel  context.CancelFunc
	bus     *Memory
}

func NewMemory(queueSize int, logger *zap.Logger) *Memory {
	if queueSize <= 0 {
		queueSize = 1024
	}
	return &Memory{
		subs:      make(map[string]map[uint64]*memSub),
		queueSize: queueSize,
		logger:    logger.Named("bus.memory"),
	}
}

func (b *Memory) Publish(ctx context.Context, subject string, data []byte) error {
	_, err := b.publish(ctx, &Msg{Subject: subject, Data: data})
	return err
}

func (b *Memory) PublishRequest(ctx context.Context, subject, reply string, data []byte) error {
	_, err := b.publish(ctx, &Msg{Subject: subject, Reply: reply, Data: data})
	return err
}

// publish возвращает число подписчиков, которым сообщение поставлено в очередь
func (b *Memory) publish(ctx context.Context, msg *Msg) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return 0, ErrClosed
	}
	targets := make([]*memSub, 0, len(b.subs[msg.Subject]))
	for _, s := range b.subs[msg.Subject] {
		targets = append(targets, s)
	}
	b.mu.RUnlock()

	delivered := 0
	for _, s := range targets {
		m := *msg
		select {
		case s.ch <- &m:
			delivered++
		case <-s.ctx.Done():
		default:
			// Load Shedding: переполненный слушатель теряет сообщение, остальные получают
			b.logger.Warn("subscriber queue overflow, message dropped",
				zap.String("subject", msg.Subject),
				zap.Uint64("sub_id", s.id))
		}
	}
	return delivered, nil
}

func (b *Memory) Subscribe(subject string, h Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}

	b.nextID++
	ctx, cancel := context.WithCancel(context.Background())
	s := &memSub{
		id:      b.nextID,
		subject: subject,
		ch:      make(chan *Msg, b.queueSize),
		handler: h,
		ctx:     ctx,
		cancel:  cancel,
		bus:     b,
	}
	if b.subs[subject] == nil {
		b.subs[subject] = make(map[uint64]*memSub)
	}
	b.subs[subject][s.id] = s

	go s.loop()
	return s, nil
}

func (s *memSub) loop() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg := <-s.ch:
			s.handler(s.ctx, msg)
		}
	}
}

func (s *memSub) Unsubscribe() error {
	s.bus.mu.Lock()
	if subs, ok := s.bus.subs[s.subject]; ok {
		delete(subs, s.id)
		if len(subs) == 0 {
			delete(s.bus.subs, s.subject)
		}
	}
	s.bus.mu.Unlock()
	s.cancel()
	return nil
}

func (b *Memory) Request(ctx context.Context, subject string, data []byte) ([]byte, error) {
	inbox := NewInbox()
	replies := make(chan []byte, 1)

	sub, err := b.Subscribe(inbox, func(_ context.Context, m *Msg) {
		select {
		case replies <- m.Data:
		default: // нужен только первый ответ
		}
	})
	if err != nil {
		return nil, err
	}
	defer sub.Unsubscribe()

	n, err := b.publish(ctx, &Msg{Subject: subject, Reply: inbox, Data: data})
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, ErrNoResponders
	}
	return awaitReply(ctx, replies)
}

// Subscribers: число активных слушателей канала (для health и тестов)
func (b *Memory) Subscribers(subject string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[subject])
}

func (b *Memory) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	all := b.subs
	b.subs = make(map[string]map[uint64]*memSub)
	b.mu.Unlock()

	for _, subs := range all {
		for _, s := range subs {
			s.cancel()
		}
	}
	return nil
}
