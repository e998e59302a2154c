package audit

import "time"

type EventType string

const (
	EventRegister     EventType = "register"
	EventQuery        EventType = "query"
	EventInvoke       EventType = "invoke"
	EventPolicyUpdate EventType = "policy_update"
	EventWrite        EventType = "write"
)

type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeDenied  Outcome = "denied"
	OutcomeError   Outcome = "error"
)

// Record: неизменяемая запись аудита. Пишется один раз на точку принятия решения.
type Record struct {
	ID        string         `json:"id"` // UUIDv7, монотонен по времени
	EventType EventType      `json:"event_type"`
	SourceID  string         `json:"source_id"`
	TargetID  string         `json:"target_id"`
	Outcome   Outcome        `json:"outcome"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Filter: все предикаты объединяются через AND, пустой предикат = "любое значение".
// Диапазон времени включительный.
type Filter struct {
	EventType EventType
	SourceID  string
	TargetID  string
	Outcome   Outcome
	Start     *time.Time
	End       *time.Time
	Limit     int
}

// Match проверяет запись против фильтра (используется in-memory хранилищем)
func (f Filter) Match(r Record) bool {
	if f.EventType != "" && r.EventType != f.EventType {
		return false
	}
	if f.SourceID != "" && r.SourceID != f.SourceID {
		return false
	}
	if f.TargetID != "" && r.TargetID != f.TargetID {
		return false
	}
	if f.Outcome != "" && r.Outcome != f.Outcome {
		return false
	}
	if f.Start != nil && r.Timestamp.Before(*f.Start) {
		return false
	}
	if f.End != nil && r.Timestamp.After(*f.End) {
		return false
	}
	return true
}

func ValidEventType(t EventType) bool {
	switch t {
	case EventRegister, EventQuery, EventInvoke, EventPolicyUpdate, EventWrite:
		return true
	}
	return false
}

func ValidOutcome(o Outcome) bool {
	switch o {
	case OutcomeSuccess, OutcomeDenied, OutcomeError:
		return true
	}
	return false
}
