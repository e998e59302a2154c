package engine

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/xela07ax/spaceai-mesh/internal/audit"
	"github.com/xela07ax/spaceai-mesh/internal/domain"
)

// Типизированные сообщения каналов шины. Каждый запрос проверяется на границе (Validate)
// до любых побочных эффектов.

type RegisterAgentRequest struct {
	Identity       string         `json:"identity"`
	Version        string         `json:"version"`
	Capabilities   []string       `json:"capabilities"`
	Operations     []string       `json:"operations"`
	HealthEndpoint string         `json:"health_endpoint"`
	Schemas        map[string]any `json:"schemas,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

func (r RegisterAgentRequest) Validate() error {
	if strings.TrimSpace(r.Identity) == "" {
		return domain.Validation("identity is required")
	}
	return nil
}

type RegisterAgentResponse struct {
	AgentID  string `json:"agent_id"`
	Identity string `json:"identity"`
	Status   string `json:"status"`
}

type RegisterKBRequest struct {
	KBID       string         `json:"kb_id"`
	KBType     string         `json:"kb_type"`
	Endpoint   string         `json:"endpoint"`
	Operations []string       `json:"operations"`
	Schema     map[string]any `json:"kb_schema,omitempty"`
	// Значения приводятся к строкам: драйверам нужны user/password/token
	Credentials map[string]any `json:"credentials,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

func (r RegisterKBRequest) Validate() error {
	if strings.TrimSpace(r.KBID) == "" {
		return domain.Validation("kb_id is required")
	}
	if strings.TrimSpace(r.KBType) == "" {
		return domain.Validation("kb_type is required")
	}
	return nil
}

func (r RegisterKBRequest) credentials() map[string]string {
	if len(r.Credentials) == 0 {
		return nil
	}
	out := make(map[string]string, len(r.Credentials))
	for k, v := range r.Credentials {
		out[k] = fmt.Sprint(v)
	}
	return out
}

type RegisterKBResponse struct {
	KBID   string `json:"kb_id"`
	KBType string `json:"kb_type"`
	Status string `json:"status"`
}

const (
	DirectoryAgents = "agents"
	DirectoryKBs    = "kbs"
)

type DirectoryQueryRequest struct {
	Type             string `json:"type"`
	CapabilityFilter string `json:"capability_filter,omitempty"`
	TypeFilter       string `json:"type_filter,omitempty"`
	StatusFilter     string `json:"status_filter,omitempty"`
	Limit            int    `json:"limit,omitempty"`
}

func (r DirectoryQueryRequest) Validate() error {
	switch r.Type {
	case DirectoryAgents, DirectoryKBs:
	default:
		return domain.Validation("unknown directory type %q, expected agents or kbs", r.Type)
	}
	if r.Limit < 0 {
		return domain.Validation("limit must not be negative")
	}
	return nil
}

type AgentsPage struct {
	Agents     []domain.AgentEntry `json:"agents"`
	TotalCount int                 `json:"total_count"`
}

type KBsPage struct {
	KBs        []domain.KBEntry `json:"kbs"`
	TotalCount int              `json:"total_count"`
}

type KBQueryRequest struct {
	RequesterID string         `json:"requester_id"`
	KBID        string         `json:"kb_id"`
	Operation   string         `json:"operation"`
	Params      map[string]any `json:"params"`
}

func (r KBQueryRequest) Validate() error {
	switch {
	case strings.TrimSpace(r.RequesterID) == "":
		return domain.Validation("requester_id is required")
	case strings.TrimSpace(r.KBID) == "":
		return domain.Validation("kb_id is required")
	case strings.TrimSpace(r.Operation) == "":
		return domain.Validation("operation is required")
	}
	return nil
}

type KBQueryResponse struct {
	Status       domain.InvocationStatus `json:"status"`
	Data         any                     `json:"data,omitempty"`
	MaskedFields []string                `json:"masked_fields,omitempty"`
	Error        string                  `json:"error,omitempty"`
}

// MarshalJSON: masked_fields присутствует в ответе всегда, когда политика разрешила запрос
// (пустой список тоже), и отсутствует у отказов.
func (r KBQueryResponse) MarshalJSON() ([]byte, error) {
	type wire struct {
		Status       domain.InvocationStatus `json:"status"`
		Data         any                     `json:"data,omitempty"`
		MaskedFields *[]string               `json:"masked_fields,omitempty"`
		Error        string                  `json:"error,omitempty"`
	}
	w := wire{Status: r.Status, Data: r.Data, Error: r.Error}
	if r.MaskedFields != nil {
		mf := r.MaskedFields
		w.MaskedFields = &mf
	}
	return json.Marshal(w)
}

type AgentInvokeRequest struct {
	SourceAgentID string         `json:"source_agent_id"`
	TargetAgentID string         `json:"target_agent_id"`
	Operation     string         `json:"operation"`
	Payload       map[string]any `json:"payload"`
}

func (r AgentInvokeRequest) Validate() error {
	switch {
	case strings.TrimSpace(r.SourceAgentID) == "":
		return domain.Validation("source_agent_id is required")
	case strings.TrimSpace(r.TargetAgentID) == "":
		return domain.Validation("target_agent_id is required")
	case strings.TrimSpace(r.Operation) == "":
		return domain.Validation("operation is required")
	}
	return nil
}

// PolicyView: что политика сделала с разрешенным вызовом
type PolicyView struct {
	Allow        bool     `json:"allow"`
	MaskedFields []string `json:"masked_fields"`
}

type AgentInvokeResponse struct {
	Status     domain.InvocationStatus `json:"status"`
	TrackingID string                  `json:"tracking_id,omitempty"`
	Policy     *PolicyView             `json:"policy,omitempty"`
	Error      string                  `json:"error,omitempty"`
}

type CompletionRequest struct {
	TrackingID string `json:"tracking_id"`
	Status     string `json:"status"`
	Result     any    `json:"result,omitempty"`
	Error      string `json:"error,omitempty"`
}

// terminalStatus приводит статус от агента к complete|failed
func (r CompletionRequest) terminalStatus() (domain.InvocationStatus, error) {
	if strings.TrimSpace(r.TrackingID) == "" {
		return "", domain.Validation("tracking_id is required")
	}
	switch strings.ToLower(r.Status) {
	case "complete", "completed", "success":
		return domain.InvocationComplete, nil
	case "failed", "error":
		return domain.InvocationFailed, nil
	default:
		return "", domain.Validation("unsupported completion status %q", r.Status)
	}
}

type InvocationStatusRequest struct {
	TrackingID string `json:"tracking_id"`
}

type HeartbeatRequest struct {
	Identity string `json:"identity"`
	AgentID  string `json:"agent_id,omitempty"`
}

type AuditQueryRequest struct {
	EventType string    `json:"event_type,omitempty"`
	SourceID  string    `json:"source_id,omitempty"`
	TargetID  string    `json:"target_id,omitempty"`
	Outcome   string    `json:"outcome,omitempty"`
	StartTime Timestamp `json:"start_time,omitempty"`
	EndTime   Timestamp `json:"end_time,omitempty"`
	Limit     int       `json:"limit,omitempty"`
}

// Filter проверяет значения перечислений и собирает фильтр хранилища
func (r AuditQueryRequest) Filter(defaultLimit, maxLimit int) (audit.Filter, error) {
	f := audit.Filter{
		EventType: audit.EventType(r.EventType),
		SourceID:  r.SourceID,
		TargetID:  r.TargetID,
		Outcome:   audit.Outcome(r.Outcome),
		Start:     r.StartTime.Ptr(),
		End:       r.EndTime.Ptr(),
		Limit:     r.Limit,
	}
	if f.EventType != "" && !audit.ValidEventType(f.EventType) {
		return f, domain.Validation("unknown event_type %q", r.EventType)
	}
	if f.Outcome != "" && !audit.ValidOutcome(f.Outcome) {
		return f, domain.Validation("unknown outcome %q", r.Outcome)
	}
	if f.Start != nil && f.End != nil && f.End.Before(*f.Start) {
		return f, domain.Validation("end_time is before start_time")
	}
	switch {
	case f.Limit < 0:
		return f, domain.Validation("limit must not be negative")
	case f.Limit == 0:
		f.Limit = defaultLimit
	case maxLimit > 0 && f.Limit > maxLimit:
		f.Limit = maxLimit
	}
	return f, nil
}

type AuditQueryResponse struct {
	AuditLogs  []audit.Record `json:"audit_logs"`
	TotalCount int            `json:"total_count"`
}

type HealthResponse struct {
	Status   string            `json:"status"`
	Services map[string]string `json:"services"`
	Details  map[string]any    `json:"details,omitempty"`
}

// ErrorReply: общий вид ошибки для любого канала
type ErrorReply struct {
	Status string `json:"status"`
	Error  string `json:"error"`
}

// Timestamp принимает RFC3339-строку или unix-время в секундах (число или строка)
type Timestamp struct {
	time.Time
}

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		return nil
	}
	if sec, err := strconv.ParseFloat(s, 64); err == nil {
		if math.IsNaN(sec) || math.IsInf(sec, 0) || sec >= math.MaxInt64 || sec < math.MinInt64 {
			return domain.Validation("invalid timestamp %q: out of range", s)
		}
		whole := int64(sec)
		t.Time = time.Unix(whole, int64((sec-float64(whole))*1e9)).UTC()
		return nil
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999", "2006-01-02T15:04:05"} {
		if parsed, err := time.Parse(layout, s); err == nil {
			t.Time = parsed.UTC()
			return nil
		}
	}
	return domain.Validation("invalid timestamp %q", s)
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.Time.UTC().Format(time.RFC3339Nano))
}

func (t Timestamp) Ptr() *time.Time {
	if t.IsZero() {
		return nil
	}
	v := t.Time
	return &v
}
