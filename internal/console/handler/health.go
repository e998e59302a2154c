package handler

import (
	"context"
	"net/http"

	"github.com/xela07ax/spaceai-mesh/internal/engine"
)

type HealthReporter interface {
	Health(ctx context.Context) engine.HealthResponse
}

// Health отдает 503, если хотя бы один сервис ядра недоступен
func Health(h HealthReporter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := h.Health(r.Context())
		code := http.StatusOK
		if resp.Status != "healthy" {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, resp)
	}
}
