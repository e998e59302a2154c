// Package tracker ведет жизненный цикл асинхронных вызовов агент -> агент:
// queued -> processing -> complete|failed, с принудительным таймаутом.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/xela07ax/spaceai-mesh/internal/domain"
	"go.uber.org/zap"
)

var (
	ErrTrackingCollision = errors.New("tracker: tracking id collision")
	ErrUnknownTracking   = errors.New("tracker: unknown tracking id")
	ErrAlreadyCompleted  = errors.New("tracker: invocation already completed")
)

// ExpiryHandler получает терминальные вызовы, которые нужно финализировать:
// завершенные по таймауту и отложенные через Postpone.
type ExpiryHandler func(inv domain.Invocation)

type archived struct {
	inv domain.Invocation
	at  time.Time
}

type Tracker struct {
	mu       sync.Mutex
	inflight map[string]*domain.Invocation
	// Завершенные id храним ограниченное время, чтобы ловить повторные completion
	done map[string]archived
	// Терминальные вызовы, чья финализация (аудит + уведомление) не удалась
	unsettled map[string]domain.Invocation

	timeout   time.Duration
	retention time.Duration
	now       func() time.Time
	newID     func() string

	gauge  prometheus.Gauge
	logger *zap.Logger
}

type Option func(*Tracker)

func WithRetention(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.retention = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// WithIDGenerator подменяет генератор tracking id (тесты коллизий)
func WithIDGenerator(gen func() string) Option {
	return func(t *Tracker) { t.newID = gen }
}

func WithRegisterer(reg prometheus.Registerer) Option {
	return func(t *Tracker) { t.gauge = newGauge(reg) }
}

func New(timeout time.Duration, logger *zap.Logger, opts ...Option) *Tracker {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	t := &Tracker{
		inflight:  make(map[string]*domain.Invocation),
		done:      make(map[string]archived),
		unsettled: make(map[string]domain.Invocation),
		timeout:   timeout,
		retention: 10 * time.Minute,
		now:       time.Now,
		newID:     uuid.NewString,
		logger:    logger.With(zap.String("mod", "tracker")),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.gauge == nil {
		t.gauge = newGauge(prometheus.NewRegistry())
	}
	return t
}

func newGauge(reg prometheus.Registerer) prometheus.Gauge {
	return promauto.With(reg).NewGauge(prometheus.GaugeOpts{
		Name: "mesh_invocations_inflight",
		Help: "Agent invocations waiting for completion.",
	})
}

// Create регистрирует вызов в статусе queued. Проверка уникальности и вставка
// выполняются под одной блокировкой.
func (t *Tracker) Create(kind domain.InvocationKind, source, target, operation string, payload map[string]any) (domain.Invocation, error) {
	id := t.newID()
	if id == "" {
		return domain.Invocation{}, fmt.Errorf("%w: empty id", ErrTrackingCollision)
	}
	inv := &domain.Invocation{
		TrackingID: id,
		Kind:       kind,
		SourceID:   source,
		TargetID:   target,
		Operation:  operation,
		Payload:    payload,
		Status:     domain.InvocationQueued,
		CreatedAt:  t.now().UTC(),
	}

	t.mu.Lock()
	_, live := t.inflight[id]
	_, old := t.done[id]
	if live || old {
		t.mu.Unlock()
		// Нарушение инварианта: в dev-сборке DPanic роняет процесс
		t.logger.DPanic("tracking id collision", zap.String("tracking_id", id))
		return domain.Invocation{}, fmt.Errorf("%w: %s", ErrTrackingCollision, id)
	}
	t.inflight[id] = inv
	t.mu.Unlock()

	t.gauge.Inc()
	return *inv, nil
}

// MarkProcessing фиксирует, что вызов доставлен в почтовый ящик цели
func (t *Tracker) MarkProcessing(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	inv, ok := t.inflight[id]
	if !ok || inv.Status != domain.InvocationQueued {
		return false
	}
	inv.Status = domain.InvocationProcessing
	return true
}

// Complete переводит вызов в терминальный статус. Повторный или неизвестный id
// считается аномалией: логируем и возвращаем ошибку, уведомление не отправляется.
func (t *Tracker) Complete(id string, status domain.InvocationStatus, result any, errMsg string) (domain.Invocation, error) {
	if status != domain.InvocationComplete && status != domain.InvocationFailed {
		return domain.Invocation{}, domain.Validation("completion status must be complete or failed, got %q", status)
	}

	t.mu.Lock()
	inv, ok := t.inflight[id]
	if !ok {
		_, seen := t.done[id]
		t.mu.Unlock()
		if seen {
			t.logger.Warn("duplicate completion ignored", zap.String("tracking_id", id))
			return domain.Invocation{}, fmt.Errorf("%w: %s", ErrAlreadyCompleted, id)
		}
		t.logger.Warn("completion for unknown tracking id", zap.String("tracking_id", id))
		return domain.Invocation{}, fmt.Errorf("%w: %s", ErrUnknownTracking, id)
	}
	out := t.finishLocked(inv, status, result, errMsg)
	t.mu.Unlock()

	t.gauge.Dec()
	return out, nil
}

// finishLocked вызывается под t.mu
func (t *Tracker) finishLocked(inv *domain.Invocation, status domain.InvocationStatus, result any, errMsg string) domain.Invocation {
	now := t.now().UTC()
	inv.Status = status
	inv.Result = result
	inv.Error = errMsg
	inv.CompletedAt = &now

	delete(t.inflight, inv.TrackingID)
	t.done[inv.TrackingID] = archived{inv: *inv, at: now}
	return *inv
}

// Discard откатывает Create (например, если не удалось записать аудит вызова)
func (t *Tracker) Discard(id string) {
	t.mu.Lock()
	_, ok := t.inflight[id]
	delete(t.inflight, id)
	t.mu.Unlock()
	if ok {
		t.gauge.Dec()
	}
}

// Get ищет среди активных и недавно завершенных вызовов
func (t *Tracker) Get(id string) (domain.Invocation, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if inv, ok := t.inflight[id]; ok {
		return *inv, true
	}
	if a, ok := t.done[id]; ok {
		return a.inv, true
	}
	return domain.Invocation{}, false
}

func (t *Tracker) InFlight() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.inflight)
}

// Postpone оставляет терминальный вызов у трекера: Run будет отдавать его
// в ExpiryHandler на каждом тике, пока не вызван Settle. Статус не меняется,
// повторные completion по-прежнему отклоняются.
func (t *Tracker) Postpone(inv domain.Invocation) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.unsettled[inv.TrackingID] = inv
}

// Settle снимает вызов с повторной финализации
func (t *Tracker) Settle(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.unsettled, id)
}

// Unsettled возвращает число отложенных финализаций
func (t *Tracker) Unsettled() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.unsettled)
}

func (t *Tracker) pendingFinalization() []domain.Invocation {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.unsettled) == 0 {
		return nil
	}
	out := make([]domain.Invocation, 0, len(t.unsettled))
	for _, inv := range t.unsettled {
		out = append(out, inv)
	}
	return out
}

// Sweep завершает просроченные вызовы как failed и чистит архив
func (t *Tracker) Sweep() []domain.Invocation {
	now := t.now()

	t.mu.Lock()
	var expired []domain.Invocation
	for _, inv := range t.inflight {
		if now.Sub(inv.CreatedAt) < t.timeout {
			continue
		}
		msg := fmt.Sprintf("invocation timed out after %s", t.timeout)
		expired = append(expired, t.finishLocked(inv, domain.InvocationFailed, nil, msg))
	}
	for id, a := range t.done {
		if _, pending := t.unsettled[id]; pending {
			continue
		}
		if now.Sub(a.at) > t.retention {
			delete(t.done, id)
		}
	}
	t.mu.Unlock()

	for range expired {
		t.gauge.Dec()
	}
	return expired
}

// Run: фоновый цикл таймаутов. Каждый просроченный вызов передается в onExpire
// (синтетическое уведомление источнику + терминальный аудит).
func (t *Tracker) Run(ctx context.Context, interval time.Duration, onExpire ExpiryHandler) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, inv := range t.Sweep() {
				t.logger.Warn("invocation timed out",
					zap.String("tracking_id", inv.TrackingID),
					zap.String("source", inv.SourceID),
					zap.String("target", inv.TargetID))
				if onExpire != nil {
					onExpire(inv)
				}
			}
			for _, inv := range t.pendingFinalization() {
				t.logger.Info("retrying invocation finalization", zap.String("tracking_id", inv.TrackingID))
				if onExpire != nil {
					onExpire(inv)
				}
			}
		}
	}
}
