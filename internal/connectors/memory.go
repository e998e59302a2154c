package connectors

import (
	"context"
	"fmt"
	"math/rand/v2"
	"net/url"
	"strings"
	"sync"
	"time"
)

// MemoryCatalog: наборы строк в памяти, доступные по mem://<dataset>.
// Используется на dev-стендах вместо реальных БД и в тестах роутера.
type MemoryCatalog struct {
	mu       sync.RWMutex
	datasets map[string][]map[string]any
	down     map[string]bool
	// Имитация задержки драйвера (0: без задержки)
	MaxLatency time.Duration
}

func NewMemoryCatalog() *MemoryCatalog {
	return &MemoryCatalog{
		datasets: make(map[string][]map[string]any),
		down:     make(map[string]bool),
	}
}

func (c *MemoryCatalog) Put(name string, rows []map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.datasets[name] = cloneRows(rows)
}

// SetDown переводит набор в состояние "недоступен" (probe и вызовы падают)
func (c *MemoryCatalog) SetDown(name string, down bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.down[name] = down
}

func (c *MemoryCatalog) build(_ context.Context, _ string, u *url.URL, _ string, _ map[string]string) (Adapter, error) {
	name := u.Host
	if name == "" {
		name = strings.TrimPrefix(u.Opaque, "//")
	}
	if name == "" {
		return nil, fmt.Errorf("memory: empty dataset name")
	}
	return &MemoryAdapter{catalog: c, dataset: name}, nil
}

// MemoryAdapter поддерживает операции:
//
//	query  {where: {field: value}, limit: n} -> []row
//	get    {id: value}                       -> row
//	insert {row: {...}}                      -> {inserted: 1}
type MemoryAdapter struct {
	catalog *MemoryCatalog
	dataset string
}

func (a *MemoryAdapter) Execute(ctx context.Context, operation string, params map[string]any) (any, error) {
	if err := a.simulateLatency(ctx); err != nil {
		return nil, err
	}
	if err := a.Ping(ctx); err != nil {
		return nil, err
	}

	switch operation {
	case "query", "read", "select":
		return a.query(params), nil
	case "get":
		rows := a.query(map[string]any{"where": map[string]any{"id": params["id"]}, "limit": 1})
		if len(rows) == 0 {
			return nil, fmt.Errorf("memory: row %v not found", params["id"])
		}
		return rows[0], nil
	case "insert", "write":
		row, ok := params["row"].(map[string]any)
		if !ok {
			return nil, fmt.Errorf("memory: insert requires object param 'row'")
		}
		a.catalog.mu.Lock()
		a.catalog.datasets[a.dataset] = append(a.catalog.datasets[a.dataset], cloneRow(row))
		a.catalog.mu.Unlock()
		return map[string]any{"inserted": 1}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrOperationNotSupported, operation)
	}
}

func (a *MemoryAdapter) query(params map[string]any) []map[string]any {
	where, _ := params["where"].(map[string]any)
	limit := toInt(params["limit"])

	a.catalog.mu.RLock()
	defer a.catalog.mu.RUnlock()

	out := make([]map[string]any, 0)
	for _, row := range a.catalog.datasets[a.dataset] {
		if !matchRow(row, where) {
			continue
		}
		out = append(out, cloneRow(row))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

func (a *MemoryAdapter) Ping(context.Context) error {
	a.catalog.mu.RLock()
	defer a.catalog.mu.RUnlock()
	if _, ok := a.catalog.datasets[a.dataset]; !ok {
		return fmt.Errorf("%w: dataset %q not found", ErrUnavailable, a.dataset)
	}
	if a.catalog.down[a.dataset] {
		return fmt.Errorf("%w: dataset %q is down", ErrUnavailable, a.dataset)
	}
	return nil
}

func (a *MemoryAdapter) Close() error { return nil }

func (a *MemoryAdapter) simulateLatency(ctx context.Context) error {
	if a.catalog.MaxLatency <= 0 {
		return nil
	}
	latency := time.Duration(rand.Int64N(int64(a.catalog.MaxLatency)))
	select {
	case <-time.After(latency):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// matchRow сравнивает значения через fmt: JSON приносит числа как float64
func matchRow(row, where map[string]any) bool {
	for k, want := range where {
		got, ok := row[k]
		if !ok || fmt.Sprint(got) != fmt.Sprint(want) {
			return false
		}
	}
	return true
}

func toInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}

func cloneRow(r map[string]any) map[string]any {
	out := make(map[string]any, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

func cloneRows(rows []map[string]any) []map[string]any {
	out := make([]map[string]any, len(rows))
	for i, r := range rows {
		out[i] = cloneRow(r)
	}
	return out
}
