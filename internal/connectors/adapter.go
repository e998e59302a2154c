package connectors

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Adapter: исполнитель операций конкретной KB. Ядро передает пару operation/params
// как есть и не знает формата драйвера.
type Adapter interface {
	Execute(ctx context.Context, operation string, params map[string]any) (any, error)
	Ping(ctx context.Context) error
	Close() error
}

// Builder создает адаптер по endpoint (схема URL уже разобрана фабрикой)
type Builder func(ctx context.Context, family string, endpoint *url.URL, raw string, creds map[string]string) (Adapter, error)

// Factory сопоставляет kb_type -> семейство и схему endpoint -> исполнитель.
type Factory struct {
	mu       sync.RWMutex
	families map[string]string  // kb_type (и алиасы) -> семейство
	builders map[string]Builder // схема endpoint -> конструктор
	wrap     func(kbID string, a Adapter) Adapter
	logger   *zap.Logger
}

// NewFactory: по умолчанию поддерживаются relational и graph
func NewFactory(logger *zap.Logger) *Factory {
	f := &Factory{
		families: map[string]string{
			"relational": "relational",
			"postgres":   "relational",
			"sql":        "relational",
			"graph":      "graph",
			"neo4j":      "graph",
		},
		builders: make(map[string]Builder),
		logger:   logger.Named("connectors"),
	}
	f.RegisterScheme("grpc", buildGRPC)
	f.RegisterScheme("postgres", buildPostgres)
	f.RegisterScheme("postgresql", buildPostgres)
	return f
}

func (f *Factory) RegisterType(kbType, family string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.families[strings.ToLower(kbType)] = family
}

func (f *Factory) RegisterScheme(scheme string, b Builder) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.builders[scheme] = b
}

// WithMemoryCatalog подключает mem://<dataset> для dev-стендов и тестов
func (f *Factory) WithMemoryCatalog(c *MemoryCatalog) *Factory {
	f.RegisterScheme("mem", c.build)
	return f
}

// WithWrapper оборачивает каждый созданный адаптер (Reliability, метрики)
func (f *Factory) WithWrapper(wrap func(kbID string, a Adapter) Adapter) *Factory {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.wrap = wrap
	return f
}

func (f *Factory) Supports(kbType string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	_, ok := f.families[strings.ToLower(kbType)]
	return ok
}

// Build возвращает адаптер для KB. Неизвестная схема endpoint: не ошибка регистрации:
// KB получит адаптер, который всегда недоступен, и будет помечена offline.
func (f *Factory) Build(ctx context.Context, kbID, kbType, endpoint string, creds map[string]string) (Adapter, error) {
	f.mu.RLock()
	family, ok := f.families[strings.ToLower(kbType)]
	wrap := f.wrap
	f.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, kbType)
	}

	var adapter Adapter
	u, err := url.Parse(endpoint)
	if err != nil || u.Scheme == "" {
		f.logger.Warn("endpoint is not a URL, kb will stay offline", zap.String("kb_id", kbID))
		adapter = unreachable{reason: "malformed endpoint"}
	} else {
		f.mu.RLock()
		b, known := f.builders[u.Scheme]
		f.mu.RUnlock()
		if !known {
			f.logger.Warn("no executor for endpoint scheme",
				zap.String("kb_id", kbID),
				zap.String("scheme", u.Scheme))
			adapter = unreachable{reason: "no executor for scheme " + u.Scheme}
		} else {
			adapter, err = b(ctx, family, u, endpoint, creds)
			if err != nil {
				// Адрес не сохраняем в логах: в нем могут быть пароли
				f.logger.Warn("executor init failed", zap.String("kb_id", kbID), zap.Error(err))
				adapter = unreachable{reason: "executor init failed"}
			}
		}
	}

	if wrap != nil {
		adapter = wrap(kbID, adapter)
	}
	return adapter, nil
}

// unreachable: заглушка для KB без рабочего исполнителя
type unreachable struct{ reason string }

func (u unreachable) Execute(context.Context, string, map[string]any) (any, error) {
	return nil, fmt.Errorf("%w: %s", ErrUnavailable, u.reason)
}

func (u unreachable) Ping(context.Context) error {
	return fmt.Errorf("%w: %s", ErrUnavailable, u.reason)
}

func (unreachable) Close() error { return nil }
