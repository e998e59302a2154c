package audit

/*
Файл writer.go реализует запись аудита (Audit Trail) для ядра маршрутизации.

Ключевые отличия от фонового батчинга шлюза:
- Synchronous Append: запись должна завершиться до того, как ответ уйдет вызывающему.
  Если хранилище недоступно после нескольких попыток, операция целиком падает.
- Sanitize before persist: секреты (credentials, токены, endpoint) вырезаются,
  маскированные политикой поля заменяются маркером. В хранилище не попадает ничего,
  что нельзя показать оператору.
*/

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// DefaultMarker: маркер редактирования, одинаковый для ответов и аудита
const DefaultMarker = "[REDACTED]"

// Ключи, которые вырезаются из metadata на любой глубине
var secretKeys = map[string]struct{}{
	"credentials":   {},
	"password":      {},
	"secret":        {},
	"token":         {},
	"access_token":  {},
	"api_key":       {},
	"apikey":        {},
	"authorization": {},
	"endpoint":      {},
}

type Writer struct {
	store  Store
	logger *zap.Logger
	marker string
	now    func() time.Time

	appended *prometheus.CounterVec
	failures prometheus.Counter
}

type Option func(*Writer)

func WithMarker(marker string) Option {
	return func(w *Writer) {
		if marker != "" {
			w.marker = marker
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(w *Writer) { w.now = now }
}

// WithRegisterer подключает счетчики к prometheus; без него метрики уходят в локальный реестр
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(w *Writer) {
		w.appended, w.failures = newWriterMetrics(reg)
	}
}

func NewWriter(store Store, logger *zap.Logger, opts ...Option) *Writer {
	w := &Writer{
		store:  store,
		logger: logger.With(zap.String("mod", "audit")),
		marker: DefaultMarker,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.appended == nil {
		// Null Object: локальный реестр, никуда не экспортируется
		w.appended, w.failures = newWriterMetrics(prometheus.NewRegistry())
	}
	return w
}

func newWriterMetrics(reg prometheus.Registerer) (*prometheus.CounterVec, prometheus.Counter) {
	appended := promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
		Name: "mesh_audit_records_total",
		Help: "Audit records persisted, by event type and outcome.",
	}, []string{"event_type", "outcome"})
	failures := promauto.With(reg).NewCounter(prometheus.CounterOpts{
		Name: "mesh_audit_append_failures_total",
		Help: "Audit appends that failed after retries.",
	})
	return appended, failures
}

// Append санитизирует запись и синхронно сохраняет её.
// masked: имена полей, которые политика замаскировала для этого запроса.
func (w *Writer) Append(ctx context.Context, rec Record, masked ...string) (Record, error) {
	if rec.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return Record{}, fmt.Errorf("audit: generate id: %w", err)
		}
		rec.ID = id.String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = w.now().UTC()
	}
	rec.Metadata = Sanitize(rec.Metadata, masked, w.marker)

	r := retry.New(
		retry.Context(ctx),
		retry.Attempts(3),
		retry.Delay(20*time.Millisecond),
		retry.LastErrorOnly(true),
	)
	err := r.Do(func() error {
		return w.store.Append(ctx, rec)
	})
	if err != nil {
		w.failures.Inc()
		w.logger.Error("audit append failed",
			zap.String("id", rec.ID),
			zap.String("event_type", string(rec.EventType)),
			zap.Error(err))
		return Record{}, fmt.Errorf("audit: append: %w", err)
	}

	w.appended.WithLabelValues(string(rec.EventType), string(rec.Outcome)).Inc()
	return rec, nil
}

func (w *Writer) Query(ctx context.Context, f Filter) ([]Record, int, error) {
	return w.store.Query(ctx, f)
}

// Sanitize возвращает глубокую копию metadata без секретов и с замаскированными полями.
// Исходная мапа не изменяется.
func Sanitize(meta map[string]any, masked []string, marker string) map[string]any {
	if meta == nil {
		return nil
	}
	maskSet := make(map[string]struct{}, len(masked))
	for _, f := range masked {
		maskSet[f] = struct{}{}
	}
	return sanitizeMap(meta, maskSet, marker)
}

func sanitizeMap(in map[string]any, masked map[string]struct{}, marker string) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		if _, secret := secretKeys[strings.ToLower(k)]; secret {
			continue
		}
		if _, ok := masked[k]; ok {
			out[k] = marker
			continue
		}
		out[k] = sanitizeValue(v, masked, marker)
	}
	return out
}

func sanitizeValue(v any, masked map[string]struct{}, marker string) any {
	switch t := v.(type) {
	case map[string]any:
		return sanitizeMap(t, masked, marker)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = sanitizeValue(item, masked, marker)
		}
		return out
	case []map[string]any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = sanitizeMap(item, masked, marker)
		}
		return out
	default:
		return v
	}
}
