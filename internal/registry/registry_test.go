package registry

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/spaceai-mesh/internal/connectors"
	"github.com/xela07ax/spaceai-mesh/internal/domain"
	"go.uber.org/zap"
)

// recordingSink запоминает события синхронно, как только их отдали
type recordingSink struct {
	mu     sync.Mutex
	events []domain.DirectoryEvent
}

func (s *recordingSink) PublishDirectoryChange(_ context.Context, ev domain.DirectoryEvent) error {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
	return nil
}

func (s *recordingSink) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.events))
	for i, e := range s.events {
		out[i] = e.Type
	}
	return out
}

func newTestRegistry(t *testing.T) (*Registry, *recordingSink, *connectors.MemoryCatalog) {
	t.Helper()
	catalog := connectors.NewMemoryCatalog()
	catalog.Put("crm", []map[string]any{{"id": 1, "name": "Acme"}})
	factory := connectors.NewFactory(zap.NewNop()).WithMemoryCatalog(catalog)
	sink := &recordingSink{}
	r := New(factory, sink, zap.NewNop(), WithProbeTimeout(time.Second))
	t.Cleanup(r.Close)
	return r, sink, catalog
}

func TestRegisterAgentIsIdempotentPerIdentity(t *testing.T) {
	r, sink, _ := newTestRegistry(t)
	ctx := context.Background()

	first, err := r.RegisterAgent(ctx, AgentRegistration{Identity: "eng-1", Version: "1.0.0", Capabilities: []string{"planning"}})
	require.NoError(t, err)
	require.NotEmpty(t, first.AgentID)
	assert.Equal(t, domain.StatusActive, first.Status)

	second, err := r.RegisterAgent(ctx, AgentRegistration{Identity: "eng-1", Version: "1.1.0", Capabilities: []string{"planning", "coding", "coding"}})
	require.NoError(t, err)
	assert.Equal(t, first.AgentID, second.AgentID)
	assert.Equal(t, first.RegisteredAt, second.RegisteredAt)
	assert.Equal(t, []string{"planning", "coding"}, second.Capabilities)

	agents, total := r.QueryAgents(AgentFilter{})
	require.Equal(t, 1, total)
	assert.Equal(t, "1.1.0", agents[0].Version)

	// Событие поставлено в очередь до возврата RegisterAgent
	assert.Equal(t, []string{domain.EventAgentRegistered, domain.EventAgentRegistered}, sink.types())
}

func TestConcurrentReRegistrationKeepsOneEntry(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	var wg sync.WaitGroup
	ids := make(chan string, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			e, err := r.RegisterAgent(context.Background(), AgentRegistration{
				Identity:     "sales-1",
				Capabilities: []string{fmt.Sprintf("cap-%d", i)},
			})
			assert.NoError(t, err)
			ids <- e.AgentID
		}(i)
	}
	wg.Wait()
	close(ids)

	distinct := map[string]struct{}{}
	for id := range ids {
		distinct[id] = struct{}{}
	}
	assert.Len(t, distinct, 1)
	_, total := r.QueryAgents(AgentFilter{})
	assert.Equal(t, 1, total)
}

func TestRegisterAgentValidation(t *testing.T) {
	r, sink, _ := newTestRegistry(t)
	_, err := r.RegisterAgent(context.Background(), AgentRegistration{Identity: "  "})
	assert.ErrorIs(t, err, domain.ErrValidation)
	assert.Empty(t, sink.types())
}

func TestQueryAgentsFilterAndTotal(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()
	for i, caps := range [][]string{{"search"}, {"search", "summarize"}, {"summarize"}, {"search"}} {
		_, err := r.RegisterAgent(ctx, AgentRegistration{Identity: fmt.Sprintf("agent-%d", i), Capabilities: caps})
		require.NoError(t, err)
	}
	r.SetAgentStatus(ctx, "agent-3", domain.StatusOffline)

	agents, total := r.QueryAgents(AgentFilter{Capability: "search", Limit: 2})
	assert.Equal(t, 3, total)
	require.Len(t, agents, 2)
	assert.Equal(t, "agent-0", agents[0].Identity)
	assert.Equal(t, "agent-1", agents[1].Identity)
	for _, a := range agents {
		assert.True(t, a.HasCapability("search"))
	}

	agents, total = r.QueryAgents(AgentFilter{Capability: "search", Status: domain.StatusActive})
	assert.Equal(t, 2, total)
	assert.Len(t, agents, 2)
}

func TestRegisterKBProbeAndSecrets(t *testing.T) {
	r, sink, _ := newTestRegistry(t)
	ctx := context.Background()

	kb, err := r.RegisterKB(ctx, KBRegistration{
		KBID:        "crm-db",
		KBType:      "relational",
		Endpoint:    "mem://crm",
		Operations:  []string{"query"},
		Credentials: map[string]string{"password": "s3cr3t"},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.KBActive, kb.Status)
	assert.Empty(t, kb.Endpoint)
	assert.Nil(t, kb.Credentials)

	off, err := r.RegisterKB(ctx, KBRegistration{KBID: "graph-db", KBType: "graph", Endpoint: "mem://missing"})
	require.NoError(t, err)
	assert.Equal(t, domain.KBOffline, off.Status)

	kbs, total := r.QueryKBs(KBFilter{Status: domain.KBOffline})
	assert.Equal(t, 1, total)
	assert.Equal(t, "graph-db", kbs[0].KBID)

	// Событие несет только публичное представление
	ev := sink.events[len(sink.events)-1]
	view, ok := ev.Data.(domain.KBEntry)
	require.True(t, ok)
	assert.Empty(t, view.Endpoint)
	assert.Nil(t, view.Credentials)
}

func TestRegisterKBErrors(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.RegisterKB(ctx, KBRegistration{KBType: "relational"})
	assert.ErrorIs(t, err, domain.ErrValidation)
	_, err = r.RegisterKB(ctx, KBRegistration{KBID: "x"})
	assert.ErrorIs(t, err, domain.ErrValidation)
	_, err = r.RegisterKB(ctx, KBRegistration{KBID: "x", KBType: "document"})
	assert.ErrorIs(t, err, domain.ErrConflict)

	_, _, err = r.KBAdapter("nope")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestResolveAgentByIDOrIdentity(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	e, err := r.RegisterAgent(context.Background(), AgentRegistration{Identity: "eng-1"})
	require.NoError(t, err)

	byIdentity, ok := r.ResolveAgent("eng-1")
	require.True(t, ok)
	byID, ok := r.ResolveAgent(e.AgentID)
	require.True(t, ok)
	assert.Equal(t, byIdentity, byID)

	_, ok = r.ResolveAgent("ghost")
	assert.False(t, ok)
}

func TestHeartbeatRestoresAgent(t *testing.T) {
	r, sink, _ := newTestRegistry(t)
	ctx := context.Background()
	_, err := r.RegisterAgent(ctx, AgentRegistration{Identity: "eng-1"})
	require.NoError(t, err)

	r.SetAgentStatus(ctx, "eng-1", domain.StatusOffline)
	require.NoError(t, r.Heartbeat(ctx, "eng-1"))
	a, _ := r.ResolveAgent("eng-1")
	assert.Equal(t, domain.StatusActive, a.Status)
	assert.Equal(t, []string{
		domain.EventAgentRegistered,
		domain.EventAgentStatusChanged,
		domain.EventAgentStatusChanged,
	}, sink.types())

	assert.ErrorIs(t, r.Heartbeat(ctx, "ghost"), domain.ErrNotFound)
}

func TestMonitorFlipsStatuses(t *testing.T) {
	r, _, catalog := newTestRegistry(t)
	ctx := context.Background()

	healthy := true
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		if !healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	_, err := r.RegisterAgent(ctx, AgentRegistration{Identity: "eng-1", HealthEndpoint: srv.URL})
	require.NoError(t, err)
	_, err = r.RegisterKB(ctx, KBRegistration{KBID: "crm-db", KBType: "relational", Endpoint: "mem://crm"})
	require.NoError(t, err)

	m := NewMonitor(r, time.Minute, 0, time.Second, zap.NewNop())

	mu.Lock()
	healthy = false
	mu.Unlock()
	catalog.SetDown("crm", true)
	m.CheckOnce(ctx)

	a, _ := r.ResolveAgent("eng-1")
	assert.Equal(t, domain.StatusOffline, a.Status)
	kb, _ := r.GetKB("crm-db")
	assert.Equal(t, domain.KBOffline, kb.Status)

	mu.Lock()
	healthy = true
	mu.Unlock()
	catalog.SetDown("crm", false)
	m.CheckOnce(ctx)

	a, _ = r.ResolveAgent("eng-1")
	assert.Equal(t, domain.StatusActive, a.Status)
	kb, _ = r.GetKB("crm-db")
	assert.Equal(t, domain.KBActive, kb.Status)
}

func TestMonitorHeartbeatTTL(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time { mu.Lock(); defer mu.Unlock(); return now }

	factory := connectors.NewFactory(zap.NewNop())
	r := New(factory, nil, zap.NewNop(), WithClock(clock))
	ctx := context.Background()
	_, err := r.RegisterAgent(ctx, AgentRegistration{Identity: "quiet"})
	require.NoError(t, err)
	_, err = r.RegisterAgent(ctx, AgentRegistration{Identity: "beating"})
	require.NoError(t, err)
	require.NoError(t, r.Heartbeat(ctx, "beating"))

	mu.Lock()
	now = now.Add(time.Minute)
	mu.Unlock()
	NewMonitor(r, time.Minute, 30*time.Second, time.Second, zap.NewNop()).CheckOnce(ctx)

	// TTL действует только для агентов, которые присылают heartbeat
	quiet, _ := r.ResolveAgent("quiet")
	assert.Equal(t, domain.StatusActive, quiet.Status)
	beating, _ := r.ResolveAgent("beating")
	assert.Equal(t, domain.StatusOffline, beating.Status)
}

type memPersister struct {
	agents []domain.AgentEntry
	kbs    []domain.KBEntry
}

func (p *memPersister) SaveAgent(_ context.Context, a domain.AgentEntry) error {
	p.agents = append(p.agents, a)
	return nil
}
func (p *memPersister) SaveKB(_ context.Context, kb domain.KBEntry) error {
	kb.Credentials = nil
	p.kbs = append(p.kbs, kb)
	return nil
}
func (p *memPersister) LoadAgents(context.Context) ([]domain.AgentEntry, error) { return p.agents, nil }
func (p *memPersister) LoadKBs(context.Context) ([]domain.KBEntry, error)       { return p.kbs, nil }

func TestWarmupRestoresOffline(t *testing.T) {
	p := &memPersister{}
	catalog := connectors.NewMemoryCatalog()
	catalog.Put("crm", nil)
	factory := connectors.NewFactory(zap.NewNop()).WithMemoryCatalog(catalog)

	src := New(factory, nil, zap.NewNop(), WithPersister(p))
	ctx := context.Background()
	orig, err := src.RegisterAgent(ctx, AgentRegistration{Identity: "eng-1"})
	require.NoError(t, err)
	_, err = src.RegisterKB(ctx, KBRegistration{KBID: "crm-db", KBType: "relational", Endpoint: "mem://crm"})
	require.NoError(t, err)

	dst := New(factory, nil, zap.NewNop(), WithPersister(p))
	require.NoError(t, dst.Warmup(ctx))

	a, ok := dst.ResolveAgent("eng-1")
	require.True(t, ok)
	assert.Equal(t, orig.AgentID, a.AgentID)
	assert.Equal(t, domain.StatusOffline, a.Status)

	kb, ok := dst.GetKB("crm-db")
	require.True(t, ok)
	assert.Equal(t, domain.KBOffline, kb.Status)

	// Первый проход монитора возвращает доступную KB в active
	NewMonitor(dst, time.Minute, 0, time.Second, zap.NewNop()).CheckOnce(ctx)
	kb, _ = dst.GetKB("crm-db")
	assert.Equal(t, domain.KBActive, kb.Status)
}
