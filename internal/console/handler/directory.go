package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/xela07ax/spaceai-mesh/internal/domain"
	"github.com/xela07ax/spaceai-mesh/internal/engine"
)

type DirectoryReader interface {
	QueryDirectory(ctx context.Context, req engine.DirectoryQueryRequest) (any, error)
	InvocationStatus(ctx context.Context, req engine.InvocationStatusRequest) (domain.Invocation, error)
}

// DirectoryHandler: просмотр каталога и состояния вызовов для операторов
type DirectoryHandler struct {
	router DirectoryReader
}

func NewDirectoryHandler(r DirectoryReader) *DirectoryHandler {
	return &DirectoryHandler{router: r}
}

// ListAgents GET /v1/agents?capability=&status=&limit=
func (h *DirectoryHandler) ListAgents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := parseLimit(q.Get("limit"))
	if err != nil {
		writeError(w, err)
		return
	}
	h.list(w, r, engine.DirectoryQueryRequest{
		Type:             engine.DirectoryAgents,
		CapabilityFilter: q.Get("capability"),
		StatusFilter:     q.Get("status"),
		Limit:            limit,
	})
}

// ListKBs GET /v1/kbs?type=&status=&limit=
func (h *DirectoryHandler) ListKBs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := parseLimit(q.Get("limit"))
	if err != nil {
		writeError(w, err)
		return
	}
	h.list(w, r, engine.DirectoryQueryRequest{
		Type:         engine.DirectoryKBs,
		TypeFilter:   q.Get("type"),
		StatusFilter: q.Get("status"),
		Limit:        limit,
	})
}

func (h *DirectoryHandler) list(w http.ResponseWriter, r *http.Request, req engine.DirectoryQueryRequest) {
	page, err := h.router.QueryDirectory(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// GetInvocation GET /v1/invocations/{trackingID}
func (h *DirectoryHandler) GetInvocation(w http.ResponseWriter, r *http.Request) {
	inv, err := h.router.InvocationStatus(r.Context(), engine.InvocationStatusRequest{
		TrackingID: chi.URLParam(r, "trackingID"),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inv)
}
