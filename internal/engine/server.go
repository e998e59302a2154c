package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/xela07ax/spaceai-mesh/internal/bus"
	"github.com/xela07ax/spaceai-mesh/internal/domain"
	"github.com/xela07ax/spaceai-mesh/internal/infra"
	"go.uber.org/zap"
)

// Тип для ключа в контексте (избегаем коллизий)
type ctxKey string

const traceIDKey ctxKey = "trace_id"

// TraceID достает идентификатор запроса шины из контекста обработчика
func TraceID(ctx context.Context) string {
	if id, ok := ctx.Value(traceIDKey).(string); ok {
		return id
	}
	return "00000000-0000-0000-0000-000000000000" // Fallback
}

// Server привязывает Router к каналам шины. Каждое сообщение обрабатывается
// в своей горутине, число одновременных обработчиков ограничено семафором.
type Server struct {
	bus     bus.Bus
	router  *Router
	metrics *Metrics
	timeout time.Duration
	sem     chan struct{}
	logger  *zap.Logger

	ctx      context.Context
	cancel   context.CancelFunc
	stopping chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu   sync.Mutex
	subs []bus.Subscription
}

func NewServer(b bus.Bus, router *Router, maxInflight int, timeout time.Duration, logger *zap.Logger) *Server {
	if maxInflight <= 0 {
		maxInflight = 256
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		bus:      b,
		router:   router,
		metrics:  router.metrics,
		timeout:  timeout,
		sem:      make(chan struct{}, maxInflight),
		logger:   logger.Named("server"),
		ctx:      ctx,
		cancel:   cancel,
		stopping: make(chan struct{}),
	}
}

type handlerFunc func(ctx context.Context, data []byte) (any, error)

// Start подписывается на все каналы ядра
func (s *Server) Start() error {
	routes := map[string]handlerFunc{
		infra.SubjectAgentRegister: decode(func(ctx context.Context, req RegisterAgentRequest) (any, error) {
			return s.router.RegisterAgent(ctx, req)
		}),
		infra.SubjectKBRegister: decode(func(ctx context.Context, req RegisterKBRequest) (any, error) {
			return s.router.RegisterKB(ctx, req)
		}),
		infra.SubjectDirectoryQuery: decode(s.router.QueryDirectory),
		infra.SubjectKBQuery: decode(func(ctx context.Context, req KBQueryRequest) (any, error) {
			return s.router.RouteKBQuery(ctx, req), nil
		}),
		infra.SubjectAgentInvoke: decode(func(ctx context.Context, req AgentInvokeRequest) (any, error) {
			return s.router.RouteAgentInvoke(ctx, req), nil
		}),
		infra.SubjectInvocationStatus: decode(func(ctx context.Context, req InvocationStatusRequest) (any, error) {
			return s.router.InvocationStatus(ctx, req)
		}),
		infra.SubjectAuditQuery: decode(func(ctx context.Context, req AuditQueryRequest) (any, error) {
			return s.router.QueryAudit(ctx, req)
		}),
		infra.SubjectHealth: func(ctx context.Context, _ []byte) (any, error) {
			return s.router.Health(ctx), nil
		},
		infra.SubjectCompletion: decode(func(ctx context.Context, req CompletionRequest) (any, error) {
			if err := s.router.RecordCompletion(ctx, req); err != nil {
				return nil, err
			}
			return map[string]string{"status": "ok"}, nil
		}),
		infra.SubjectAgentHeartbeat: decode(func(ctx context.Context, req HeartbeatRequest) (any, error) {
			if err := s.router.Heartbeat(ctx, req); err != nil {
				return nil, err
			}
			return map[string]string{"status": "ok"}, nil
		}),
	}

	for subject, h := range routes {
		sub, err := s.bus.Subscribe(subject, s.dispatch(subject, h))
		if err != nil {
			s.Stop()
			return fmt.Errorf("server: subscribe %s: %w", subject, err)
		}
		s.mu.Lock()
		s.subs = append(s.subs, sub)
		s.mu.Unlock()
	}
	s.logger.Info("bus server started", zap.Int("subjects", len(routes)), zap.Int("max_inflight", cap(s.sem)))
	return nil
}

// dispatch: слот семафора берется в цикле подписки, так что при перегрузке
// подписчик перестает выбирать сообщения из очереди (backpressure)
func (s *Server) dispatch(subject string, h handlerFunc) bus.Handler {
	return func(_ context.Context, m *bus.Msg) {
		select {
		case s.sem <- struct{}{}:
		case <-s.stopping:
			return
		}
		s.wg.Add(1)
		s.metrics.HandlersBusy.Inc()
		go func() {
			defer func() {
				<-s.sem
				s.metrics.HandlersBusy.Dec()
				s.wg.Done()
			}()
			s.handle(subject, h, m)
		}()
	}
}

func (s *Server) handle(subject string, h handlerFunc, m *bus.Msg) {
	traceID := uuid.NewString()
	ctx, cancel := context.WithTimeout(context.WithValue(s.ctx, traceIDKey, traceID), s.timeout)
	defer cancel()
	l := s.logger.With(zap.String("subject", subject), zap.String("trace_id", traceID))
	start := time.Now()

	var resp any
	var err error
	func() {
		defer func() {
			if p := recover(); p != nil {
				l.Error("handler panic", zap.Any("panic", p), zap.ByteString("stack", debug.Stack()))
				err = fmt.Errorf("internal error")
			}
		}()
		resp, err = h(ctx, m.Data)
	}()

	status := replyStatus(resp, err)
	s.metrics.RequestDuration.WithLabelValues(subject, status).Observe(time.Since(start).Seconds())
	s.metrics.TotalRequests.WithLabelValues(subject, status).Inc()

	if err != nil {
		l.Debug("request failed", zap.Error(err))
		resp = ErrorReply{Status: StatusOf(err), Error: err.Error()}
	}
	if m.Reply == "" {
		return
	}
	// Ответ уходит даже если ctx запроса истек: у ответа свой короткий бюджет
	replyCtx, replyCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer replyCancel()
	if err := bus.Respond(replyCtx, s.bus, m, resp); err != nil {
		l.Warn("reply failed", zap.Error(err))
	}
}

// Stop отписывается от каналов и ждет завершения начатых обработчиков
func (s *Server) Stop() {
	s.stopOnce.Do(func() { close(s.stopping) })
	s.mu.Lock()
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()
	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			s.logger.Warn("unsubscribe failed", zap.Error(err))
		}
	}
	s.wg.Wait()
	s.cancel()
}

// decode (типизированная обертка) разбирает JSON тела в Req, ошибка разбора = ValidationError
func decode[Req any](fn func(ctx context.Context, req Req) (any, error)) handlerFunc {
	return func(ctx context.Context, data []byte) (any, error) {
		var req Req
		if len(data) > 0 {
			if err := json.Unmarshal(data, &req); err != nil {
				return nil, domain.Validation("invalid message: %v", err)
			}
		}
		return fn(ctx, req)
	}
}

func replyStatus(resp any, err error) string {
	if err != nil {
		return StatusOf(err)
	}
	switch r := resp.(type) {
	case KBQueryResponse:
		return string(r.Status)
	case AgentInvokeResponse:
		return string(r.Status)
	}
	return "ok"
}
