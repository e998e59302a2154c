package domain

import "time"

type KBStatus string

const (
	KBActive  KBStatus = "active"
	KBOffline KBStatus = "offline" // Probe не прошел, но KB остается видимой в каталоге
)

// KBEntry: зарегистрированный коннектор к базе знаний.
// Endpoint и Credentials никогда не сериализуются: ни в ответы, ни в логи, ни в аудит.
type KBEntry struct {
	KBID         string            `json:"kb_id"`
	KBType       string            `json:"kb_type"` // Семейство коннектора: relational, graph
	Endpoint     string            `json:"-"`
	Operations   []string          `json:"operations"`
	Schema       map[string]any    `json:"kb_schema,omitempty"`
	Credentials  map[string]string `json:"-"` // write-only
	Status       KBStatus          `json:"status"`
	RegisteredAt time.Time         `json:"registered_at"`
	Metadata     map[string]any    `json:"metadata,omitempty"`
}

func (k KBEntry) HasOperation(op string) bool {
	for _, o := range k.Operations {
		if o == op {
			return true
		}
	}
	return false
}

// View: публичное представление без секретов (для discovery и событий каталога)
func (k KBEntry) View() KBEntry {
	out := k
	out.Endpoint = ""
	out.Credentials = nil
	out.Operations = append([]string(nil), k.Operations...)
	out.Schema = cloneMap(k.Schema)
	out.Metadata = cloneMap(k.Metadata)
	return out
}
