package domain

import "time"

type InvocationKind string

const (
	KindKBQuery     InvocationKind = "kb_query"
	KindAgentInvoke InvocationKind = "agent_invoke"
)

// InvocationStatus: состояния конечного автомата.
// agent_invoke: queued -> processing -> complete|failed
// kb_query: сразу success|error|denied внутри request-reply
type InvocationStatus string

const (
	InvocationQueued     InvocationStatus = "queued"
	InvocationProcessing InvocationStatus = "processing"
	InvocationComplete   InvocationStatus = "complete"
	InvocationFailed     InvocationStatus = "failed"

	InvocationSuccess InvocationStatus = "success"
	InvocationError   InvocationStatus = "error"
	InvocationDenied  InvocationStatus = "denied"
)

// IsTerminal: после терминального статуса переходов больше нет
func (s InvocationStatus) IsTerminal() bool {
	switch s {
	case InvocationComplete, InvocationFailed, InvocationSuccess, InvocationError, InvocationDenied:
		return true
	}
	return false
}

type Invocation struct {
	TrackingID  string           `json:"tracking_id"`
	Kind        InvocationKind   `json:"kind"`
	SourceID    string           `json:"source_id"`
	TargetID    string           `json:"target_id"`
	Operation   string           `json:"operation"`
	Payload     map[string]any   `json:"payload,omitempty"`
	Status      InvocationStatus `json:"status"`
	CreatedAt   time.Time        `json:"created_at"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
	Result      any              `json:"result,omitempty"`
	Error       string           `json:"error,omitempty"`
}

func (i *Invocation) IsTerminal() bool {
	return i.Status.IsTerminal()
}
