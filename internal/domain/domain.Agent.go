package domain

import "time"

type AgentStatus string

const (
	StatusActive  AgentStatus = "active"  // Доступен для вызовов
	StatusOffline AgentStatus = "offline" // Health-check не прошел или пропал heartbeat
)

// AgentEntry — запись каталога об агенте. Владелец: Directory Registry.
// Жесткого удаления нет: в рамках сессии запись только меняет статус.
type AgentEntry struct {
	AgentID        string      `json:"agent_id"` // Присваивается системой (UUID)
	Identity       string      `json:"identity"` // Выбирается агентом, он же auth principal
	Version        string      `json:"version"`
	Capabilities   []string    `json:"capabilities"`
	Operations     []string    `json:"operations"`
	HealthEndpoint string      `json:"health_endpoint,omitempty"`
	Status         AgentStatus `json:"status"`
	RegisteredAt   time.Time   `json:"registered_at"`

	// Дополнительные данные (схемы операций, окружение и т.д.)
	Schemas  map[string]any `json:"schemas,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`

	LastSeen time.Time `json:"last_seen"`
}

// HasCapability: точное совпадение по строке
func (a AgentEntry) HasCapability(capability string) bool {
	for _, c := range a.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

// HasOperation проверяет, объявлял ли агент операцию при регистрации
func (a AgentEntry) HasOperation(op string) bool {
	for _, o := range a.Operations {
		if o == op {
			return true
		}
	}
	return false
}

// Clone отдает копию, чтобы вызывающий не мог поменять состояние реестра
func (a AgentEntry) Clone() AgentEntry {
	out := a
	out.Capabilities = append([]string(nil), a.Capabilities...)
	out.Operations = append([]string(nil), a.Operations...)
	out.Schemas = cloneMap(a.Schemas)
	out.Metadata = cloneMap(a.Metadata)
	return out
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
