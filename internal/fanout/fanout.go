// Package fanout доставляет события каталога и уведомления о завершении вызовов
// через шину. Вызывающий ждет только постановки в очередь, публикацию делают воркеры.
package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/xela07ax/spaceai-mesh/internal/bus"
	"github.com/xela07ax/spaceai-mesh/internal/domain"
	"github.com/xela07ax/spaceai-mesh/internal/infra"
	"go.uber.org/zap"
)

var ErrStopped = errors.New("fanout: stopped")

type job struct {
	subject string
	data    []byte
}

type Fanout struct {
	bus     bus.Bus
	queue   chan job
	workers int
	wg      sync.WaitGroup

	mu      sync.RWMutex
	stopped bool

	published *prometheus.CounterVec
	backlog   prometheus.Gauge
	logger    *zap.Logger
}

// New создает пул; reg может быть nil (Null Object реестр)
func New(b bus.Bus, queueSize, workers int, reg prometheus.Registerer, logger *zap.Logger) *Fanout {
	if queueSize <= 0 {
		queueSize = 4096
	}
	if workers <= 0 {
		workers = 4
	}
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	return &Fanout{
		bus:     b,
		queue:   make(chan job, queueSize),
		workers: workers,
		published: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "mesh_fanout_events_total",
			Help: "Notifications handed to the bus, by kind and result.",
		}, []string{"kind", "result"}),
		backlog: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "mesh_fanout_queue_depth",
			Help: "Notifications waiting for a worker.",
		}),
		logger: logger.Named("fanout"),
	}
}

func (f *Fanout) Start() {
	for i := 0; i < f.workers; i++ {
		f.wg.Add(1)
		go f.worker()
	}
	f.logger.Info("fanout started", zap.Int("workers", f.workers), zap.Int("queue", cap(f.queue)))
}

func (f *Fanout) PublishDirectoryChange(ctx context.Context, ev domain.DirectoryEvent) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	return f.enqueue(ctx, infra.SubjectDirectoryUpdates, ev)
}

func (f *Fanout) PublishCompletion(ctx context.Context, sourceIdentity string, ev domain.CompletionEvent) error {
	if sourceIdentity == "" {
		return domain.Validation("completion without source identity")
	}
	if ev.Type == "" {
		ev.Type = domain.EventInvocationComplete
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	return f.enqueue(ctx, infra.AgentNotifySubject(sourceIdentity), ev)
}

// enqueue возвращается, как только событие в очереди; при переполнении ждет до отмены ctx
func (f *Fanout) enqueue(ctx context.Context, subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("fanout: encode event: %w", err)
	}

	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.stopped {
		return ErrStopped
	}
	select {
	case f.queue <- job{subject: subject, data: data}:
		f.backlog.Inc()
		return nil
	case <-ctx.Done():
		return fmt.Errorf("fanout: enqueue %s: %w", subject, ctx.Err())
	}
}

func (f *Fanout) worker() {
	defer f.wg.Done()
	for j := range f.queue {
		f.backlog.Dec()
		f.deliver(j)
	}
}

// deliver гарантирует at-least-once, повторяем публикацию, пока транспорт не примет сообщение
func (f *Fanout) deliver(j job) {
	kind := "directory"
	if j.subject != infra.SubjectDirectoryUpdates {
		kind = "completion"
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := retry.New(
		retry.Context(ctx),
		retry.Attempts(5),
		retry.Delay(50*time.Millisecond),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool { return !errors.Is(err, bus.ErrClosed) }),
	).Do(func() error {
		return f.bus.Publish(ctx, j.subject, j.data)
	})
	if err != nil {
		f.published.WithLabelValues(kind, "failed").Inc()
		f.logger.Error("notification lost", zap.String("subject", j.subject), zap.Error(err))
		return
	}
	f.published.WithLabelValues(kind, "ok").Inc()
}

// Stop перестает принимать события и дожидается доставки очереди
func (f *Fanout) Stop() {
	f.mu.Lock()
	if f.stopped {
		f.mu.Unlock()
		return
	}
	f.stopped = true
	close(f.queue)
	f.mu.Unlock()

	f.wg.Wait()
	f.logger.Info("fanout drained")
}
