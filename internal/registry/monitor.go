package registry

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/xela07ax/spaceai-mesh/internal/connectors"
	"github.com/xela07ax/spaceai-mesh/internal/domain"
	"go.uber.org/zap"
)

type agentCheck struct {
	identity   string
	endpoint   string
	lastSeen   time.Time
	heartbeats bool
}

type kbCheck struct {
	id      string
	adapter connectors.Adapter
}

func (r *Registry) agentChecks() []agentCheck {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]agentCheck, 0, len(r.agents))
	for id, rec := range r.agents {
		out = append(out, agentCheck{
			identity:   id,
			endpoint:   rec.entry.HealthEndpoint,
			lastSeen:   rec.entry.LastSeen,
			heartbeats: rec.heartbeats,
		})
	}
	return out
}

func (r *Registry) kbChecks() []kbCheck {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]kbCheck, 0, len(r.kbs))
	for id, rec := range r.kbs {
		out = append(out, kbCheck{id: id, adapter: rec.adapter})
	}
	return out
}

// Monitor периодически проверяет health_endpoint агентов, TTL heartbeat-ов
// и доступность KB, переключая статусы в каталоге.
type Monitor struct {
	reg      *Registry
	client   *http.Client
	interval time.Duration
	ttl      time.Duration
	timeout  time.Duration
	logger   *zap.Logger
}

func NewMonitor(reg *Registry, interval, heartbeatTTL, probeTimeout time.Duration, logger *zap.Logger) *Monitor {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if probeTimeout <= 0 {
		probeTimeout = 3 * time.Second
	}
	return &Monitor{
		reg:      reg,
		client:   &http.Client{Timeout: probeTimeout},
		interval: interval,
		ttl:      heartbeatTTL,
		timeout:  probeTimeout,
		logger:   logger.Named("monitor"),
	}
}

func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CheckOnce(ctx)
		}
	}
}

// CheckOnce: один проход; проверки идут параллельно, блокировки каталога не удерживаются
func (m *Monitor) CheckOnce(ctx context.Context) {
	var wg sync.WaitGroup
	now := m.reg.now()

	for _, a := range m.reg.agentChecks() {
		switch {
		case a.endpoint != "":
			wg.Add(1)
			go func(a agentCheck) {
				defer wg.Done()
				status := domain.StatusOffline
				if m.probeHTTP(ctx, a.endpoint) {
					status = domain.StatusActive
				}
				m.reg.SetAgentStatus(ctx, a.identity, status)
			}(a)
		case a.heartbeats && m.ttl > 0 && now.Sub(a.lastSeen) > m.ttl:
			m.logger.Warn("heartbeat missed", zap.String("identity", a.identity))
			m.reg.SetAgentStatus(ctx, a.identity, domain.StatusOffline)
		}
	}

	for _, kb := range m.reg.kbChecks() {
		wg.Add(1)
		go func(kb kbCheck) {
			defer wg.Done()
			pctx, cancel := context.WithTimeout(ctx, m.timeout)
			defer cancel()
			status := domain.KBActive
			if err := kb.adapter.Ping(pctx); err != nil {
				status = domain.KBOffline
			}
			m.reg.SetKBStatus(ctx, kb.id, status)
		}(kb)
	}
	wg.Wait()
}

func (m *Monitor) probeHTTP(ctx context.Context, endpoint string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}
