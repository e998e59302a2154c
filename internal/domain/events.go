package domain

import "time"

const (
	EventAgentRegistered    = "agent_registered"
	EventKBRegistered       = "kb_registered"
	EventAgentStatusChanged = "agent_status_changed"
	EventKBStatusChanged    = "kb_status_changed"

	EventInvocationComplete = "invocation_complete"
)

// DirectoryEvent: широковещательное событие каталога (directory.updates).
// Data содержит только несекретные поля записи.
type DirectoryEvent struct {
	Type      string    `json:"type"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// CompletionEvent уходит в agent.{identity}.notifications источника вызова.
// Потребитель дедуплицирует по TrackingID.
type CompletionEvent struct {
	Type       string           `json:"type"`
	TrackingID string           `json:"tracking_id"`
	Status     InvocationStatus `json:"status"`
	Result     any              `json:"result,omitempty"`
	Error      string           `json:"error,omitempty"`
	Timestamp  time.Time        `json:"timestamp"`
}

// InvokeMessage: то, что получает почтовый ящик целевого агента
type InvokeMessage struct {
	TrackingID string         `json:"tracking_id"`
	Source     string         `json:"source"`
	Operation  string         `json:"operation"`
	Payload    map[string]any `json:"payload"`
}
