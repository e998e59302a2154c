package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/xela07ax/spaceai-mesh/internal/console/handler"
	"github.com/xela07ax/spaceai-mesh/internal/infra/auth"
	"go.uber.org/zap"
)

// Scopes токенов оператора
const (
	ScopeAudit     = "audit.read"
	ScopeDirectory = "directory.read"
)

// Router: то, что ops API читает из ядра
type Router interface {
	handler.AuditQuerier
	handler.DirectoryReader
	handler.HealthReporter
}

type OpsServer struct {
	router *chi.Mux
	logger *zap.Logger

	// Интерфейс для проверки токенов (RS256); nil: аутентификация выключена
	authValidator auth.TokenValidator
	gatherer      prometheus.Gatherer

	// Обработчики
	health       http.HandlerFunc          // /health
	auditHandler *handler.AuditHandler     // /v1/audit
	dirHandler   *handler.DirectoryHandler // /v1/agents, /v1/kbs, /v1/invocations
}

// NewOpsServer инициализирует ops API со всеми зависимостями
func NewOpsServer(core Router, validator auth.TokenValidator, gatherer prometheus.Gatherer, logger *zap.Logger) *OpsServer {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	s := &OpsServer{
		router:        chi.NewRouter(),
		logger:        logger.Named("ops-api"),
		authValidator: validator,
		gatherer:      gatherer,
		health:        handler.Health(core),
		auditHandler:  handler.NewAuditHandler(core),
		dirHandler:    handler.NewDirectoryHandler(core),
	}

	s.routes()
	return s
}

func (s *OpsServer) routes() {
	r := s.router

	// --- 1. Глобальные инфраструктурные Middleware (для всех) ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// --- 2. ПУБЛИЧНЫЕ РОУТЫ ---
	r.Group(func(r chi.Router) {
		r.Get("/health", s.health)
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	})

	// --- 3. ЗАЩИЩЕННЫЙ ПЕРИМЕТР (Требуют RS256 токен) ---
	r.Group(func(r chi.Router) {
		r.Use(auth.NewMiddleware(s.authValidator, ScopeAudit, s.logger))
		r.Get("/v1/audit", s.auditHandler.GetLogs)
	})

	r.Group(func(r chi.Router) {
		r.Use(auth.NewMiddleware(s.authValidator, ScopeDirectory, s.logger))
		r.Get("/v1/agents", s.dirHandler.ListAgents)
		r.Get("/v1/kbs", s.dirHandler.ListKBs)
		r.Get("/v1/invocations/{trackingID}", s.dirHandler.GetInvocation)
	})
}

// ServeHTTP позволяет использовать OpsServer как стандартный http.Handler
func (s *OpsServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
