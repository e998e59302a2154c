package connectors

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newCatalog() *MemoryCatalog {
	c := NewMemoryCatalog()
	c.Put("customers", []map[string]any{
		{"id": 1, "name": "Acme", "email": "ops@acme.io", "region": "eu"},
		{"id": 2, "name": "Globex", "email": "it@globex.com", "region": "us"},
		{"id": 3, "name": "Initech", "email": "bill@initech.com", "region": "eu"},
	})
	return c
}

func TestFactoryRejectsUnsupportedType(t *testing.T) {
	f := NewFactory(zap.NewNop())
	_, err := f.Build(context.Background(), "kb-1", "document", "mem://customers", nil)
	assert.ErrorIs(t, err, ErrUnsupportedType)
	assert.True(t, f.Supports("Relational"))
	assert.True(t, f.Supports("graph"))
}

func TestFactoryUnknownSchemeYieldsOfflineAdapter(t *testing.T) {
	f := NewFactory(zap.NewNop())
	a, err := f.Build(context.Background(), "kb-1", "graph", "bolt://neo4j:7687", nil)
	require.NoError(t, err)
	assert.ErrorIs(t, a.Ping(context.Background()), ErrUnavailable)

	a, err = f.Build(context.Background(), "kb-2", "graph", "not a url", nil)
	require.NoError(t, err)
	assert.ErrorIs(t, a.Ping(context.Background()), ErrUnavailable)
}

func TestMemoryAdapterQuery(t *testing.T) {
	c := newCatalog()
	f := NewFactory(zap.NewNop()).WithMemoryCatalog(c)
	a, err := f.Build(context.Background(), "kb-1", "relational", "mem://customers", nil)
	require.NoError(t, err)
	require.NoError(t, a.Ping(context.Background()))

	out, err := a.Execute(context.Background(), "query", map[string]any{
		"where": map[string]any{"region": "eu"},
	})
	require.NoError(t, err)
	rows := out.([]map[string]any)
	require.Len(t, rows, 2)
	assert.Equal(t, "Acme", rows[0]["name"])
	assert.Equal(t, "Initech", rows[1]["name"])

	// limit приходит из JSON как float64
	out, err = a.Execute(context.Background(), "query", map[string]any{"limit": float64(1)})
	require.NoError(t, err)
	assert.Len(t, out.([]map[string]any), 1)

	_, err = a.Execute(context.Background(), "drop", nil)
	assert.ErrorIs(t, err, ErrOperationNotSupported)
}

func TestMemoryAdapterReturnsCopies(t *testing.T) {
	c := newCatalog()
	a := &MemoryAdapter{catalog: c, dataset: "customers"}

	out, err := a.Execute(context.Background(), "get", map[string]any{"id": float64(2)})
	require.NoError(t, err)
	row := out.(map[string]any)
	row["name"] = "mutated"

	again, err := a.Execute(context.Background(), "get", map[string]any{"id": 2})
	require.NoError(t, err)
	assert.Equal(t, "Globex", again.(map[string]any)["name"])
}

func TestMemoryAdapterDown(t *testing.T) {
	c := newCatalog()
	c.SetDown("customers", true)
	a := &MemoryAdapter{catalog: c, dataset: "customers"}
	assert.ErrorIs(t, a.Ping(context.Background()), ErrUnavailable)
	_, err := a.Execute(context.Background(), "query", nil)
	assert.ErrorIs(t, err, ErrUnavailable)
}

// scripted: адаптер, возвращающий ошибки по очереди
type scripted struct {
	calls atomic.Int32
	errs  []error
}

func (s *scripted) Execute(context.Context, string, map[string]any) (any, error) {
	n := int(s.calls.Add(1)) - 1
	if n < len(s.errs) && s.errs[n] != nil {
		return nil, s.errs[n]
	}
	return "ok", nil
}
func (s *scripted) Ping(context.Context) error { return nil }
func (s *scripted) Close() error               { return nil }

func fastConfig() ReliabilityConfig {
	cfg := DefaultReliabilityConfig()
	cfg.RateLimit = 1000
	cfg.Burst = 100
	cfg.CallTimeout = time.Second
	return cfg
}

func TestReliabilityRetriesTransientErrors(t *testing.T) {
	next := &scripted{errs: []error{
		&ThrottleError{RetryAfter: time.Millisecond, Cause: errors.New("busy")},
		ErrUnavailable,
	}}
	w := NewReliabilityWrapper("kb-1", next, fastConfig(), nil)

	out, err := w.Execute(context.Background(), "query", nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
	assert.EqualValues(t, 3, next.calls.Load())
}

func TestReliabilityDoesNotRetryRequestErrors(t *testing.T) {
	next := &scripted{errs: []error{errors.New("syntax error at or near SELEC")}}
	w := NewReliabilityWrapper("kb-1", next, fastConfig(), nil)

	_, err := w.Execute(context.Background(), "query", nil)
	require.Error(t, err)
	assert.EqualValues(t, 1, next.calls.Load())
}

func TestReliabilityOpensBreaker(t *testing.T) {
	errs := make([]error, 100)
	for i := range errs {
		errs[i] = ErrUnavailable
	}
	next := &scripted{errs: errs}
	cfg := fastConfig()
	cfg.Attempts = 1
	cfg.CBFailures = 2

	var opened atomic.Bool
	w := NewReliabilityWrapper("kb-1", next, cfg, func(_ string, open bool) { opened.Store(open) })

	for i := 0; i < 3; i++ {
		_, err := w.Execute(context.Background(), "query", nil)
		require.ErrorIs(t, err, ErrUnavailable)
	}
	assert.True(t, opened.Load())

	before := next.calls.Load()
	_, err := w.Execute(context.Background(), "query", nil)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, before, next.calls.Load(), "open breaker must not reach the adapter")
}

func TestFactoryAppliesWrapper(t *testing.T) {
	var wrapped []string
	f := NewFactory(zap.NewNop()).
		WithMemoryCatalog(newCatalog()).
		WithWrapper(func(kbID string, a Adapter) Adapter {
			wrapped = append(wrapped, kbID)
			return NewReliabilityWrapper(kbID, a, fastConfig(), nil)
		})

	a, err := f.Build(context.Background(), "kb-7", "relational", "mem://customers", nil)
	require.NoError(t, err)
	assert.IsType(t, &ReliabilityWrapper{}, a)
	assert.Equal(t, []string{"kb-7"}, wrapped)
}
