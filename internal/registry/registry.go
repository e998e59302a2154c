// Package registry: живой каталог агентов и KB-коннекторов.
package registry

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/xela07ax/spaceai-mesh/internal/connectors"
	"github.com/xela07ax/spaceai-mesh/internal/domain"
	"go.uber.org/zap"
)

type AgentRegistration struct {
	Identity       string
	Version        string
	Capabilities   []string
	Operations     []string
	HealthEndpoint string
	Schemas        map[string]any
	Metadata       map[string]any
}

type KBRegistration struct {
	KBID        string
	KBType      string
	Endpoint    string
	Operations  []string
	Schema      map[string]any
	Credentials map[string]string
	Metadata    map[string]any
}

// AgentFilter: пустые поля не фильтруют; Limit <= 0 означает без ограничения
type AgentFilter struct {
	Capability string
	Status     domain.AgentStatus
	Limit      int
}

type KBFilter struct {
	Type   string
	Status domain.KBStatus
	Limit  int
}

// EventSink: получатель событий каталога (Notification Fanout)
type EventSink interface {
	PublishDirectoryChange(ctx context.Context, ev domain.DirectoryEvent) error
}

// Persister сохраняет каталог между перезапусками. Credentials не сохраняются.
type Persister interface {
	SaveAgent(ctx context.Context, a domain.AgentEntry) error
	SaveKB(ctx context.Context, kb domain.KBEntry) error
	LoadAgents(ctx context.Context) ([]domain.AgentEntry, error)
	LoadKBs(ctx context.Context) ([]domain.KBEntry, error)
}

type AdapterFactory interface {
	Supports(kbType string) bool
	Build(ctx context.Context, kbID, kbType, endpoint string, creds map[string]string) (connectors.Adapter, error)
}

type agentRec struct {
	entry domain.AgentEntry
	seq   uint64
	// Агент хотя бы раз прислал heartbeat: для него действует TTL
	heartbeats bool
}

type kbRec struct {
	entry   domain.KBEntry
	seq     uint64
	adapter connectors.Adapter
}

type Registry struct {
	mu     sync.RWMutex
	agents map[string]*agentRec // identity -> запись
	byID   map[string]string    // agent_id -> identity
	kbs    map[string]*kbRec
	seq    uint64

	locks   *keyLocks
	factory AdapterFactory
	sink    EventSink
	persist Persister

	probeTimeout time.Duration
	now          func() time.Time
	logger       *zap.Logger
}

type Option func(*Registry)

func WithPersister(p Persister) Option {
	return func(r *Registry) { r.persist = p }
}

func WithProbeTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.probeTimeout = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

func New(factory AdapterFactory, sink EventSink, logger *zap.Logger, opts ...Option) *Registry {
	r := &Registry{
		agents:       make(map[string]*agentRec),
		byID:         make(map[string]string),
		kbs:          make(map[string]*kbRec),
		locks:        newKeyLocks(),
		factory:      factory,
		sink:         sink,
		probeTimeout: 3 * time.Second,
		now:          time.Now,
		logger:       logger.Named("registry"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RegisterAgent создает запись или обновляет существующую с тем же identity (agent_id сохраняется).
// Событие каталога ставится в очередь до возврата.
func (r *Registry) RegisterAgent(ctx context.Context, reg AgentRegistration) (domain.AgentEntry, error) {
	identity := strings.TrimSpace(reg.Identity)
	if identity == "" {
		return domain.AgentEntry{}, domain.Validation("identity is required")
	}

	unlock := r.locks.Lock("agent:" + identity)
	defer unlock()

	now := r.now().UTC()
	r.mu.RLock()
	prev, exists := r.agents[identity]
	var prevEntry domain.AgentEntry
	if exists {
		prevEntry = prev.entry
	}
	r.mu.RUnlock()

	entry := domain.AgentEntry{
		Identity:       identity,
		Version:        reg.Version,
		Capabilities:   uniq(reg.Capabilities),
		Operations:     uniq(reg.Operations),
		HealthEndpoint: reg.HealthEndpoint,
		Status:         domain.StatusActive, // оптимистично, поправит Monitor
		Schemas:        reg.Schemas,
		Metadata:       reg.Metadata,
		LastSeen:       now,
	}
	if exists {
		entry.AgentID = prevEntry.AgentID
		entry.RegisteredAt = prevEntry.RegisteredAt
	} else {
		entry.AgentID = uuid.NewString()
		entry.RegisteredAt = now
	}

	r.mu.Lock()
	if rec, ok := r.agents[identity]; ok {
		rec.entry = entry
	} else {
		r.seq++
		r.agents[identity] = &agentRec{entry: entry, seq: r.seq}
		r.byID[entry.AgentID] = identity
	}
	r.mu.Unlock()

	r.logger.Info("agent registered",
		zap.String("identity", identity),
		zap.String("agent_id", entry.AgentID),
		zap.Bool("update", exists))

	r.save(ctx, func(p Persister) error { return p.SaveAgent(ctx, entry) })
	r.emit(ctx, domain.EventAgentRegistered, entry.Clone())
	return entry.Clone(), nil
}

// RegisterKB проверяет доступность коннектора. Недоступная KB регистрируется со статусом offline.
func (r *Registry) RegisterKB(ctx context.Context, reg KBRegistration) (domain.KBEntry, error) {
	kbID := strings.TrimSpace(reg.KBID)
	kbType := strings.TrimSpace(reg.KBType)
	if kbID == "" {
		return domain.KBEntry{}, domain.Validation("kb_id is required")
	}
	if kbType == "" {
		return domain.KBEntry{}, domain.Validation("kb_type is required")
	}
	if !r.factory.Supports(kbType) {
		return domain.KBEntry{}, domain.Conflict("unsupported kb_type %q", kbType)
	}

	unlock := r.locks.Lock("kb:" + kbID)
	defer unlock()

	adapter, err := r.factory.Build(ctx, kbID, kbType, reg.Endpoint, reg.Credentials)
	if err != nil {
		return domain.KBEntry{}, domain.Conflict("%v", err)
	}
	status := r.probe(ctx, kbID, adapter)

	now := r.now().UTC()
	entry := domain.KBEntry{
		KBID:         kbID,
		KBType:       kbType,
		Endpoint:     reg.Endpoint,
		Operations:   uniq(reg.Operations),
		Schema:       reg.Schema,
		Credentials:  reg.Credentials,
		Status:       status,
		RegisteredAt: now,
		Metadata:     reg.Metadata,
	}

	r.mu.Lock()
	var old connectors.Adapter
	if rec, ok := r.kbs[kbID]; ok {
		entry.RegisteredAt = rec.entry.RegisteredAt
		old = rec.adapter
		rec.entry, rec.adapter = entry, adapter
	} else {
		r.seq++
		r.kbs[kbID] = &kbRec{entry: entry, seq: r.seq, adapter: adapter}
	}
	r.mu.Unlock()

	if old != nil {
		if err := old.Close(); err != nil {
			r.logger.Warn("close replaced adapter", zap.String("kb_id", kbID), zap.Error(err))
		}
	}

	r.logger.Info("kb registered",
		zap.String("kb_id", kbID),
		zap.String("kb_type", kbType),
		zap.String("status", string(status)))

	r.save(ctx, func(p Persister) error { return p.SaveKB(ctx, entry) })
	r.emit(ctx, domain.EventKBRegistered, entry.View())
	return entry.View(), nil
}

func (r *Registry) probe(ctx context.Context, kbID string, a connectors.Adapter) domain.KBStatus {
	pctx, cancel := context.WithTimeout(ctx, r.probeTimeout)
	defer cancel()
	if err := a.Ping(pctx); err != nil {
		r.logger.Warn("kb probe failed", zap.String("kb_id", kbID), zap.Error(err))
		return domain.KBOffline
	}
	return domain.KBActive
}

// QueryAgents: AND фильтров; total считается до применения limit; порядок совпадает с порядком регистрации
func (r *Registry) QueryAgents(f AgentFilter) ([]domain.AgentEntry, int) {
	r.mu.RLock()
	recs := make([]*agentRec, 0, len(r.agents))
	for _, rec := range r.agents {
		if f.Capability != "" && !rec.entry.HasCapability(f.Capability) {
			continue
		}
		if f.Status != "" && rec.entry.Status != f.Status {
			continue
		}
		recs = append(recs, rec)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].seq < recs[j].seq })

	total := len(recs)
	if f.Limit > 0 && len(recs) > f.Limit {
		recs = recs[:f.Limit]
	}
	out := make([]domain.AgentEntry, len(recs))
	for i, rec := range recs {
		out[i] = rec.entry.Clone()
	}
	r.mu.RUnlock()
	return out, total
}

func (r *Registry) QueryKBs(f KBFilter) ([]domain.KBEntry, int) {
	r.mu.RLock()
	recs := make([]*kbRec, 0, len(r.kbs))
	for _, rec := range r.kbs {
		if f.Type != "" && !strings.EqualFold(rec.entry.KBType, f.Type) {
			continue
		}
		if f.Status != "" && rec.entry.Status != f.Status {
			continue
		}
		recs = append(recs, rec)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].seq < recs[j].seq })

	total := len(recs)
	if f.Limit > 0 && len(recs) > f.Limit {
		recs = recs[:f.Limit]
	}
	out := make([]domain.KBEntry, len(recs))
	for i, rec := range recs {
		out[i] = rec.entry.View()
	}
	r.mu.RUnlock()
	return out, total
}

// ResolveAgent ищет агента по identity, затем по agent_id
func (r *Registry) ResolveAgent(ref string) (domain.AgentEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if rec, ok := r.agents[ref]; ok {
		return rec.entry.Clone(), true
	}
	if identity, ok := r.byID[ref]; ok {
		return r.agents[identity].entry.Clone(), true
	}
	return domain.AgentEntry{}, false
}

// GetKB: публичное представление записи (без endpoint и credentials)
func (r *Registry) GetKB(kbID string) (domain.KBEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.kbs[kbID]
	if !ok {
		return domain.KBEntry{}, false
	}
	return rec.entry.View(), true
}

// KBAdapter отдает исполнитель KB для роутера
func (r *Registry) KBAdapter(kbID string) (connectors.Adapter, domain.KBEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.kbs[kbID]
	if !ok {
		return nil, domain.KBEntry{}, domain.NotFound("kb %q not found", kbID)
	}
	return rec.adapter, rec.entry.View(), nil
}

// Heartbeat продлевает жизнь агента и возвращает его из offline
func (r *Registry) Heartbeat(ctx context.Context, identity string) error {
	r.mu.Lock()
	rec, ok := r.agents[identity]
	if !ok {
		r.mu.Unlock()
		return domain.NotFound("agent %q not found", identity)
	}
	rec.heartbeats = true
	rec.entry.LastSeen = r.now().UTC()
	changed := rec.entry.Status != domain.StatusActive
	rec.entry.Status = domain.StatusActive
	snapshot := rec.entry.Clone()
	r.mu.Unlock()

	if changed {
		r.logger.Info("agent back online", zap.String("identity", identity))
		r.emit(ctx, domain.EventAgentStatusChanged, snapshot)
	}
	return nil
}

func (r *Registry) SetAgentStatus(ctx context.Context, identity string, status domain.AgentStatus) {
	r.mu.Lock()
	rec, ok := r.agents[identity]
	if !ok || rec.entry.Status == status {
		r.mu.Unlock()
		return
	}
	rec.entry.Status = status
	snapshot := rec.entry.Clone()
	r.mu.Unlock()

	r.logger.Info("agent status changed", zap.String("identity", identity), zap.String("status", string(status)))
	r.emit(ctx, domain.EventAgentStatusChanged, snapshot)
}

func (r *Registry) SetKBStatus(ctx context.Context, kbID string, status domain.KBStatus) {
	r.mu.Lock()
	rec, ok := r.kbs[kbID]
	if !ok || rec.entry.Status == status {
		r.mu.Unlock()
		return
	}
	rec.entry.Status = status
	snapshot := rec.entry.View()
	r.mu.Unlock()

	r.logger.Info("kb status changed", zap.String("kb_id", kbID), zap.String("status", string(status)))
	r.emit(ctx, domain.EventKBStatusChanged, snapshot)
}

// Stats: размеры каталога для health
func (r *Registry) Stats() (agents, kbs int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents), len(r.kbs)
}

// Warmup поднимает каталог из Persister. Записи стартуют offline до первой проверки.
func (r *Registry) Warmup(ctx context.Context) error {
	if r.persist == nil {
		return nil
	}
	agents, err := r.persist.LoadAgents(ctx)
	if err != nil {
		return err
	}
	kbs, err := r.persist.LoadKBs(ctx)
	if err != nil {
		return err
	}

	for _, a := range agents {
		a.Status = domain.StatusOffline
		r.mu.Lock()
		if _, ok := r.agents[a.Identity]; !ok {
			r.seq++
			r.agents[a.Identity] = &agentRec{entry: a, seq: r.seq}
			r.byID[a.AgentID] = a.Identity
		}
		r.mu.Unlock()
	}

	restored := 0
	for _, kb := range kbs {
		adapter, err := r.factory.Build(ctx, kb.KBID, kb.KBType, kb.Endpoint, nil)
		if err != nil {
			r.logger.Warn("skip persisted kb", zap.String("kb_id", kb.KBID), zap.Error(err))
			continue
		}
		kb.Status = domain.KBOffline
		r.mu.Lock()
		if _, ok := r.kbs[kb.KBID]; !ok {
			r.seq++
			r.kbs[kb.KBID] = &kbRec{entry: kb, seq: r.seq, adapter: adapter}
			restored++
		} else {
			adapter.Close()
		}
		r.mu.Unlock()
	}

	r.logger.Info("directory warmed up", zap.Int("agents", len(agents)), zap.Int("kbs", restored))
	return nil
}

// Close закрывает все адаптеры KB
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, rec := range r.kbs {
		if err := rec.adapter.Close(); err != nil {
			r.logger.Warn("close adapter", zap.String("kb_id", id), zap.Error(err))
		}
	}
}

func (r *Registry) save(ctx context.Context, fn func(Persister) error) {
	if r.persist == nil {
		return
	}
	// Каталог живет в памяти; потеря записи в БД не должна ломать регистрацию
	if err := fn(r.persist); err != nil {
		r.logger.Error("directory persist failed", zap.Error(err))
	}
}

func (r *Registry) emit(ctx context.Context, typ string, data any) {
	if r.sink == nil {
		return
	}
	ev := domain.DirectoryEvent{Type: typ, Data: data, Timestamp: r.now().UTC()}
	if err := r.sink.PublishDirectoryChange(ctx, ev); err != nil {
		r.logger.Error("directory event not enqueued", zap.String("type", typ), zap.Error(err))
	}
}

// uniq убирает дубли, сохраняя порядок объявления
func uniq(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, s := range in {
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
