package server

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/spaceai-mesh/internal/audit"
	"github.com/xela07ax/spaceai-mesh/internal/domain"
	"github.com/xela07ax/spaceai-mesh/internal/engine"
	"github.com/xela07ax/spaceai-mesh/internal/infra/auth"
	"go.uber.org/zap"
)

// fakeCore запоминает последний запрос и отдает заготовленные ответы
type fakeCore struct {
	lastAudit engine.AuditQueryRequest
	lastDir   engine.DirectoryQueryRequest
	healthy   bool
}

func (f *fakeCore) QueryAudit(_ context.Context, req engine.AuditQueryRequest) (engine.AuditQueryResponse, error) {
	f.lastAudit = req
	if _, err := req.Filter(100, 1000); err != nil {
		return engine.AuditQueryResponse{}, err
	}
	return engine.AuditQueryResponse{
		AuditLogs:  []audit.Record{{ID: "r1", EventType: audit.EventQuery, Outcome: audit.OutcomeDenied}},
		TotalCount: 1,
	}, nil
}

func (f *fakeCore) QueryDirectory(_ context.Context, req engine.DirectoryQueryRequest) (any, error) {
	f.lastDir = req
	if req.Type == engine.DirectoryAgents {
		return engine.AgentsPage{Agents: []domain.AgentEntry{{AgentID: "a1", Identity: "eng-1"}}, TotalCount: 1}, nil
	}
	return engine.KBsPage{KBs: []domain.KBEntry{}, TotalCount: 0}, nil
}

func (f *fakeCore) InvocationStatus(_ context.Context, req engine.InvocationStatusRequest) (domain.Invocation, error) {
	if req.TrackingID != "t-1" {
		return domain.Invocation{}, domain.NotFound("invocation %q not found", req.TrackingID)
	}
	return domain.Invocation{TrackingID: "t-1", Status: domain.InvocationProcessing}, nil
}

func (f *fakeCore) Health(context.Context) engine.HealthResponse {
	if f.healthy {
		return engine.HealthResponse{Status: "healthy", Services: map[string]string{"bus": "ok"}}
	}
	return engine.HealthResponse{Status: "degraded", Services: map[string]string{"bus": "unavailable: closed"}}
}

func do(t *testing.T, h http.Handler, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestOpenServerRoutes(t *testing.T) {
	core := &fakeCore{healthy: true}
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewCounter(prometheus.CounterOpts{Name: "mesh_test_total", Help: "test"}))
	s := NewOpsServer(core, nil, reg, zap.NewNop())

	rec := do(t, s, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, s, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "mesh_test_total")

	rec = do(t, s, "/v1/audit?event_type=query&outcome=denied&start_time=2024-01-01T00:00:00Z&limit=5", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "query", core.lastAudit.EventType)
	assert.Equal(t, 5, core.lastAudit.Limit)
	assert.Equal(t, 2024, core.lastAudit.StartTime.Year())
	var page engine.AuditQueryResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	assert.Equal(t, 1, page.TotalCount)

	rec = do(t, s, "/v1/agents?capability=planning&limit=10", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "planning", core.lastDir.CapabilityFilter)
	assert.Contains(t, rec.Body.String(), `"identity":"eng-1"`)

	rec = do(t, s, "/v1/kbs?type=graph", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"kbs":[],"total_count":0}`, rec.Body.String())

	rec = do(t, s, "/v1/invocations/t-1", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = do(t, s, "/v1/invocations/t-9", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBadQueryParams(t *testing.T) {
	s := NewOpsServer(&fakeCore{healthy: true}, nil, nil, zap.NewNop())

	for _, path := range []string{
		"/v1/audit?limit=ten",
		"/v1/audit?start_time=yesterday",
		"/v1/audit?outcome=maybe",
		"/v1/agents?limit=x",
	} {
		rec := do(t, s, path, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code, path)
	}
}

func TestDegradedHealthIs503(t *testing.T) {
	s := NewOpsServer(&fakeCore{}, nil, nil, zap.NewNop())
	rec := do(t, s, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "degraded"))
}

func TestProtectedRoutesRequireScopes(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	s := NewOpsServer(&fakeCore{healthy: true}, auth.NewBaseValidator(&key.PublicKey), nil, zap.NewNop())

	sign := func(scopes map[string]bool) string {
		tok, err := jwt.NewWithClaims(jwt.SigningMethodRS256, &auth.Claims{
			Scopes: scopes,
			RegisteredClaims: jwt.RegisteredClaims{
				Subject:   "ops-1",
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			},
		}).SignedString(key)
		require.NoError(t, err)
		return tok
	}
	auditOnly := sign(map[string]bool{ScopeAudit: true})

	assert.Equal(t, http.StatusOK, do(t, s, "/health", "").Code)
	assert.Equal(t, http.StatusUnauthorized, do(t, s, "/v1/audit", "").Code)
	assert.Equal(t, http.StatusOK, do(t, s, "/v1/audit", auditOnly).Code)
	assert.Equal(t, http.StatusForbidden, do(t, s, "/v1/agents", auditOnly).Code)
	assert.Equal(t, http.StatusOK, do(t, s, "/v1/agents", sign(map[string]bool{ScopeDirectory: true})).Code)
}
