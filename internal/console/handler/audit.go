package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/xela07ax/spaceai-mesh/internal/domain"
	"github.com/xela07ax/spaceai-mesh/internal/engine"
)

type AuditQuerier interface {
	QueryAudit(ctx context.Context, req engine.AuditQueryRequest) (engine.AuditQueryResponse, error)
}

type AuditHandler struct {
	router AuditQuerier
}

func NewAuditHandler(r AuditQuerier) *AuditHandler {
	return &AuditHandler{router: r}
}

// GetLogs возвращает события аудита с фильтрацией
// GET /v1/audit?event_type=...&source_id=...&target_id=...&outcome=...&start_time=...&end_time=...&limit=...
func (h *AuditHandler) GetLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := engine.AuditQueryRequest{
		EventType: q.Get("event_type"),
		SourceID:  q.Get("source_id"),
		TargetID:  q.Get("target_id"),
		Outcome:   q.Get("outcome"),
	}

	var err error
	if req.StartTime, err = parseTime(q.Get("start_time")); err != nil {
		writeError(w, err)
		return
	}
	if req.EndTime, err = parseTime(q.Get("end_time")); err != nil {
		writeError(w, err)
		return
	}
	if req.Limit, err = parseLimit(q.Get("limit")); err != nil {
		writeError(w, err)
		return
	}

	resp, err := h.router.QueryAudit(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func parseTime(s string) (engine.Timestamp, error) {
	var ts engine.Timestamp
	if s == "" {
		return ts, nil
	}
	err := ts.UnmarshalJSON([]byte(strconv.Quote(s)))
	return ts, err
}

func parseLimit(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, domain.Validation("invalid limit %q", s)
	}
	return n, nil
}
