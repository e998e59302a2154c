package engine

/*
Файл router.go: центральный диспетчер ядра mesh.

Порядок шагов в каждой операции фиксирован:
1. Валидация запроса на границе.
2. Policy Check: решение PDP до любого побочного эффекта. Отказ оставляет после себя
   только собственную запись аудита с outcome=denied.
3. Side effects: вызов адаптера KB, запись в трекер, доставка в почтовый ящик агента.
4. Audit: синхронная запись. Если аудит не записался, ответ вызывающему не уходит
   как успешный.

Роутер не держит блокировок на время вызовов PDP, адаптеров и аудита.
*/

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/google/uuid"
	"github.com/xela07ax/spaceai-mesh/internal/audit"
	"github.com/xela07ax/spaceai-mesh/internal/bus"
	"github.com/xela07ax/spaceai-mesh/internal/connectors"
	"github.com/xela07ax/spaceai-mesh/internal/domain"
	"github.com/xela07ax/spaceai-mesh/internal/infra"
	"github.com/xela07ax/spaceai-mesh/internal/policy"
	"github.com/xela07ax/spaceai-mesh/internal/registry"
	"github.com/xela07ax/spaceai-mesh/internal/tracker"
	"go.uber.org/zap"
)

// Notifier доставляет уведомление о завершении источнику вызова (Notification Fanout)
type Notifier interface {
	PublishCompletion(ctx context.Context, sourceIdentity string, ev domain.CompletionEvent) error
}

// HealthCheck: проверка одного сервиса для канала health
type HealthCheck func(ctx context.Context) error

type RouterConfig struct {
	NonSensitiveFields []string
	RedactionMarker    string
	KBQueryTimeout     time.Duration
	DefaultAuditLimit  int
	MaxAuditLimit      int
	DefaultListLimit   int
}

type Router struct {
	registry *registry.Registry
	policy   policy.Client
	tracker  *tracker.Tracker
	audit    *audit.Writer
	notifier Notifier
	bus      bus.Bus
	metrics  *Metrics

	cfg          RouterConfig
	nonSensitive map[string]struct{}
	checks       map[string]HealthCheck
	logger       *zap.Logger
}

type RouterOption func(*Router)

func WithMetrics(m *Metrics) RouterOption {
	return func(r *Router) { r.metrics = m }
}

// WithHealthCheck добавляет (или заменяет) проверку сервиса в ответе health
func WithHealthCheck(name string, check HealthCheck) RouterOption {
	return func(r *Router) { r.checks[name] = check }
}

// NewRouter; pdp оборачивается в FailClosed, так что ошибка PDP всегда означает запрет
func NewRouter(
	reg *registry.Registry,
	pdp policy.Client,
	trk *tracker.Tracker,
	writer *audit.Writer,
	notifier Notifier,
	b bus.Bus,
	cfg RouterConfig,
	logger *zap.Logger,
	opts ...RouterOption,
) *Router {
	if cfg.RedactionMarker == "" {
		cfg.RedactionMarker = audit.DefaultMarker
	}
	if cfg.KBQueryTimeout <= 0 {
		cfg.KBQueryTimeout = 10 * time.Second
	}
	if cfg.DefaultAuditLimit <= 0 {
		cfg.DefaultAuditLimit = 100
	}
	if cfg.DefaultListLimit < 0 {
		cfg.DefaultListLimit = 0
	}

	r := &Router{
		registry:     reg,
		policy:       policy.FailClosed(pdp, logger),
		tracker:      trk,
		audit:        writer,
		notifier:     notifier,
		bus:          b,
		cfg:          cfg,
		nonSensitive: make(map[string]struct{}, len(cfg.NonSensitiveFields)),
		logger:       logger.With(zap.String("mod", "router")),
	}
	for _, f := range cfg.NonSensitiveFields {
		r.nonSensitive[f] = struct{}{}
	}
	r.checks = map[string]HealthCheck{
		"registry": func(context.Context) error { return nil },
		"tracker":  func(context.Context) error { return nil },
		"audit": func(ctx context.Context) error {
			_, _, err := writer.Query(ctx, audit.Filter{Limit: 1})
			return err
		},
		"bus": func(ctx context.Context) error {
			return b.Publish(ctx, infra.SubjectHealth+".probe", nil)
		},
	}
	if p, ok := pdp.(interface{ Ping(context.Context) error }); ok {
		r.checks["policy"] = p.Ping
	} else {
		r.checks["policy"] = func(context.Context) error { return nil }
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.metrics == nil {
		r.metrics = NewMetrics(nil)
	}
	return r
}

// --- Registry ---

func (r *Router) RegisterAgent(ctx context.Context, req RegisterAgentRequest) (RegisterAgentResponse, error) {
	if err := req.Validate(); err != nil {
		return RegisterAgentResponse{}, err
	}
	entry, err := r.registry.RegisterAgent(ctx, registry.AgentRegistration{
		Identity:       req.Identity,
		Version:        req.Version,
		Capabilities:   req.Capabilities,
		Operations:     req.Operations,
		HealthEndpoint: req.HealthEndpoint,
		Schemas:        req.Schemas,
		Metadata:       req.Metadata,
	})
	if err != nil {
		return RegisterAgentResponse{}, err
	}
	// Запись уже видна в каталоге; без аудита регистрация не подтверждается,
	// повторная регистрация идемпотентна
	if err := r.auditRequired(ctx, audit.Record{
		EventType: audit.EventRegister,
		SourceID:  entry.Identity,
		TargetID:  entry.AgentID,
		Outcome:   audit.OutcomeSuccess,
		Metadata: map[string]any{
			"kind":         "agent",
			"version":      entry.Version,
			"capabilities": entry.Capabilities,
		},
	}); err != nil {
		return RegisterAgentResponse{}, err
	}
	return RegisterAgentResponse{AgentID: entry.AgentID, Identity: entry.Identity, Status: string(entry.Status)}, nil
}

func (r *Router) RegisterKB(ctx context.Context, req RegisterKBRequest) (RegisterKBResponse, error) {
	if err := req.Validate(); err != nil {
		return RegisterKBResponse{}, err
	}
	entry, err := r.registry.RegisterKB(ctx, registry.KBRegistration{
		KBID:        req.KBID,
		KBType:      req.KBType,
		Endpoint:    req.Endpoint,
		Operations:  req.Operations,
		Schema:      req.Schema,
		Credentials: req.credentials(),
		Metadata:    req.Metadata,
	})
	if err != nil {
		return RegisterKBResponse{}, err
	}
	// Endpoint и credentials в аудит не попадают: пишем только публичную часть
	if err := r.auditRequired(ctx, audit.Record{
		EventType: audit.EventRegister,
		SourceID:  entry.KBID,
		TargetID:  entry.KBID,
		Outcome:   audit.OutcomeSuccess,
		Metadata: map[string]any{
			"kind":    "kb",
			"kb_type": entry.KBType,
			"status":  string(entry.Status),
		},
	}); err != nil {
		return RegisterKBResponse{}, err
	}
	return RegisterKBResponse{KBID: entry.KBID, KBType: entry.KBType, Status: string(entry.Status)}, nil
}

// QueryDirectory возвращает AgentsPage или KBsPage в зависимости от req.Type
func (r *Router) QueryDirectory(_ context.Context, req DirectoryQueryRequest) (any, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	limit := req.Limit
	if limit == 0 {
		limit = r.cfg.DefaultListLimit
	}
	switch req.Type {
	case DirectoryAgents:
		entries, total := r.registry.QueryAgents(registry.AgentFilter{
			Capability: req.CapabilityFilter,
			Status:     domain.AgentStatus(req.StatusFilter),
			Limit:      limit,
		})
		if entries == nil {
			entries = []domain.AgentEntry{}
		}
		return AgentsPage{Agents: entries, TotalCount: total}, nil
	default:
		entries, total := r.registry.QueryKBs(registry.KBFilter{
			Type:   req.TypeFilter,
			Status: domain.KBStatus(req.StatusFilter),
			Limit:  limit,
		})
		if entries == nil {
			entries = []domain.KBEntry{}
		}
		return KBsPage{KBs: entries, TotalCount: total}, nil
	}
}

func (r *Router) Heartbeat(ctx context.Context, req HeartbeatRequest) error {
	ref := req.Identity
	if ref == "" {
		ref = req.AgentID
	}
	if ref == "" {
		return domain.Validation("identity is required")
	}
	agent, ok := r.registry.ResolveAgent(ref)
	if !ok {
		return domain.NotFound("agent %q not found", ref)
	}
	return r.registry.Heartbeat(ctx, agent.Identity)
}

// --- Routing ---

// RouteKBQuery: синхронный запрос к KB. В трекер не попадает, query_id пишется в аудит.
func (r *Router) RouteKBQuery(ctx context.Context, req KBQueryRequest) KBQueryResponse {
	if err := req.Validate(); err != nil {
		r.metrics.ErrorTotal.WithLabelValues("validation").Inc()
		return KBQueryResponse{Status: domain.InvocationError, Error: err.Error()}
	}
	queryID := uuid.NewString()
	requester := r.identityOf(req.RequesterID)
	l := r.logger.With(
		zap.String("trace_id", TraceID(ctx)),
		zap.String("query_id", queryID),
		zap.String("requester", requester),
		zap.String("kb_id", req.KBID),
		zap.String("operation", req.Operation))

	rec := audit.Record{EventType: audit.EventQuery, SourceID: requester, TargetID: req.KBID}
	meta := map[string]any{"query_id": queryID, "operation": req.Operation}

	// 1. Resolve KB
	adapter, kb, err := r.registry.KBAdapter(req.KBID)
	if err != nil {
		rec.Outcome = audit.OutcomeError
		rec.Metadata = withError(meta, err)
		return r.kbReply(ctx, l, rec, nil, KBQueryResponse{Status: domain.InvocationError, Error: err.Error()})
	}

	// 2. Policy Check
	decision, err := r.policy.Evaluate(ctx, policy.Request{
		Requester: requester,
		Target:    kb.KBID,
		Operation: req.Operation,
		Data:      policy.Describe("params", req.Params),
	})
	if err != nil || !decision.Allow {
		return r.kbDenied(ctx, l, rec, meta, decision, err)
	}
	masked := normalizeMasks(decision.MaskedFields, r.nonSensitive)

	// 3. Dispatch
	if len(kb.Operations) > 0 && !kb.HasOperation(req.Operation) {
		err := fmt.Errorf("%w: %s", connectors.ErrOperationNotSupported, req.Operation)
		rec.Outcome = audit.OutcomeError
		rec.Metadata = withError(meta, err)
		return r.kbReply(ctx, l, rec, masked, KBQueryResponse{Status: domain.InvocationError, MaskedFields: masked, Error: err.Error()})
	}

	execCtx, cancel := context.WithTimeout(ctx, r.cfg.KBQueryTimeout)
	data, err := adapter.Execute(execCtx, req.Operation, req.Params)
	cancel()
	if err != nil {
		r.metrics.ErrorTotal.WithLabelValues("adapter").Inc()
		l.Warn("kb adapter failed", zap.Error(err))
		rec.Outcome = audit.OutcomeError
		rec.Metadata = withError(meta, err)
		return r.kbReply(ctx, l, rec, masked, KBQueryResponse{
			Status:       domain.InvocationError,
			MaskedFields: masked,
			Error:        domain.Adapter(err).Error(),
		})
	}

	// 4. Masking + Audit
	data = MaskRows(data, masked, r.cfg.RedactionMarker)
	meta["params"] = req.Params
	meta["row_count"] = rowCount(data)
	meta["masked_fields"] = masked
	rec.Outcome = audit.OutcomeSuccess
	rec.Metadata = meta
	return r.kbReply(ctx, l, rec, masked, KBQueryResponse{Status: domain.InvocationSuccess, Data: data, MaskedFields: masked})
}

func (r *Router) kbDenied(ctx context.Context, l *zap.Logger, rec audit.Record, meta map[string]any, d policy.Decision, evalErr error) KBQueryResponse {
	reason := d.DenyReason
	if reason == "" {
		reason = domain.ErrPolicyDenied.Error()
	}
	meta["reason"] = reason
	if evalErr != nil {
		// Fail-closed: вызывающий видит отказ, аудит фиксирует ошибку PDP
		r.metrics.ErrorTotal.WithLabelValues("policy_unavailable").Inc()
		rec.Outcome = audit.OutcomeError
	} else {
		r.metrics.ErrorTotal.WithLabelValues("policy_deny").Inc()
		rec.Outcome = audit.OutcomeDenied
	}
	rec.Metadata = meta
	return r.kbReply(ctx, l, rec, nil, KBQueryResponse{Status: domain.InvocationDenied, Error: reason})
}

// kbReply пишет терминальный аудит запроса. Без записи аудита успешный ответ не отдается.
func (r *Router) kbReply(ctx context.Context, l *zap.Logger, rec audit.Record, masked []string, resp KBQueryResponse) KBQueryResponse {
	if _, err := r.audit.Append(ctx, rec, masked...); err != nil {
		r.metrics.ErrorTotal.WithLabelValues("audit").Inc()
		l.Error("kb query audit failed", zap.Error(err))
		if resp.Status == domain.InvocationDenied {
			return resp
		}
		return KBQueryResponse{Status: domain.InvocationError, MaskedFields: resp.MaskedFields, Error: err.Error()}
	}
	return resp
}

// RouteAgentInvoke ставит вызов в почтовый ящик цели и сразу возвращает tracking_id.
// Обработку целью не ждет.
func (r *Router) RouteAgentInvoke(ctx context.Context, req AgentInvokeRequest) AgentInvokeResponse {
	if err := req.Validate(); err != nil {
		r.metrics.ErrorTotal.WithLabelValues("validation").Inc()
		return AgentInvokeResponse{Status: domain.InvocationError, Error: err.Error()}
	}
	source := r.identityOf(req.SourceAgentID)
	l := r.logger.With(
		zap.String("trace_id", TraceID(ctx)),
		zap.String("source", source),
		zap.String("target", req.TargetAgentID),
		zap.String("operation", req.Operation))

	rec := audit.Record{EventType: audit.EventInvoke, SourceID: source, TargetID: req.TargetAgentID}
	meta := map[string]any{"operation": req.Operation}

	// 1. Target должен существовать и быть active
	target, ok := r.registry.ResolveAgent(req.TargetAgentID)
	var targetErr error
	switch {
	case !ok:
		targetErr = domain.NotFound("target agent %q not found", req.TargetAgentID)
	case target.Status != domain.StatusActive:
		targetErr = fmt.Errorf("target agent %q is %s", target.Identity, target.Status)
	}
	if targetErr != nil {
		rec.Outcome = audit.OutcomeError
		rec.Metadata = withError(meta, targetErr)
		r.auditBestEffort(ctx, rec)
		return AgentInvokeResponse{Status: domain.InvocationError, Error: targetErr.Error()}
	}
	rec.TargetID = target.Identity

	// 2. Policy Check
	decision, err := r.policy.Evaluate(ctx, policy.Request{
		Requester: source,
		Target:    target.Identity,
		Operation: req.Operation,
		Data:      policy.Describe("payload", req.Payload),
	})
	if err != nil || !decision.Allow {
		reason := decision.DenyReason
		if reason == "" {
			reason = domain.ErrPolicyDenied.Error()
		}
		meta["reason"] = reason
		rec.Outcome = audit.OutcomeDenied
		if err != nil {
			r.metrics.ErrorTotal.WithLabelValues("policy_unavailable").Inc()
			rec.Outcome = audit.OutcomeError
		} else {
			r.metrics.ErrorTotal.WithLabelValues("policy_deny").Inc()
		}
		rec.Metadata = meta
		r.auditBestEffort(ctx, rec)
		return AgentInvokeResponse{Status: domain.InvocationDenied, Error: reason}
	}
	masked := normalizeMasks(decision.MaskedFields, r.nonSensitive)
	payload := maskPayload(req.Payload, masked, r.cfg.RedactionMarker)

	// 3. Tracker
	inv, err := r.tracker.Create(domain.KindAgentInvoke, source, target.Identity, req.Operation, payload)
	if err != nil {
		l.Error("tracker create failed", zap.Error(err))
		return AgentInvokeResponse{Status: domain.InvocationError, Error: err.Error()}
	}
	l = l.With(zap.String("tracking_id", inv.TrackingID))

	// 4. Audit вызова (завершение: отдельная запись позже)
	meta["tracking_id"] = inv.TrackingID
	meta["payload"] = req.Payload
	meta["masked_fields"] = masked
	rec.Outcome = audit.OutcomeSuccess
	rec.Metadata = meta
	if _, err := r.audit.Append(ctx, rec, masked...); err != nil {
		r.metrics.ErrorTotal.WithLabelValues("audit").Inc()
		r.tracker.Discard(inv.TrackingID)
		l.Error("invoke audit failed, invocation discarded", zap.Error(err))
		return AgentInvokeResponse{Status: domain.InvocationError, Error: err.Error()}
	}

	// 5. Доставка в почтовый ящик цели
	msg := domain.InvokeMessage{
		TrackingID: inv.TrackingID,
		Source:     source,
		Operation:  req.Operation,
		Payload:    payload,
	}
	if err := bus.PublishJSON(ctx, r.bus, infra.AgentInvokeSubject(target.Identity), msg); err != nil {
		r.metrics.ErrorTotal.WithLabelValues("publish").Inc()
		l.Error("invoke delivery failed", zap.Error(err))
		errMsg := fmt.Sprintf("delivery to %s failed: %v", target.Identity, err)
		if done, cErr := r.tracker.Complete(inv.TrackingID, domain.InvocationFailed, nil, errMsg); cErr == nil {
			// Источник узнает о сбое из ответа; уведомление не нужно
			if err := r.auditCompletion(ctx, done); err != nil {
				l.Error("completion audit failed", zap.Error(err))
			}
		}
		return AgentInvokeResponse{Status: domain.InvocationError, TrackingID: inv.TrackingID, Error: errMsg}
	}

	status := domain.InvocationQueued
	if r.tracker.MarkProcessing(inv.TrackingID) {
		status = domain.InvocationProcessing
	}
	l.Debug("invocation dispatched")
	return AgentInvokeResponse{
		Status:     status,
		TrackingID: inv.TrackingID,
		Policy:     &PolicyView{Allow: true, MaskedFields: masked},
	}
}

// RecordCompletion: fire-and-forget. Только первое завершение порождает уведомление и аудит.
func (r *Router) RecordCompletion(ctx context.Context, req CompletionRequest) error {
	status, err := req.terminalStatus()
	if err != nil {
		return err
	}
	inv, err := r.tracker.Complete(req.TrackingID, status, req.Result, req.Error)
	if err != nil {
		// Дубликат или чужой tracking_id: аномалия уже залогирована трекером
		return err
	}
	if err := r.finish(ctx, inv); err != nil {
		return fmt.Errorf("completion accepted, finalization deferred: %w", err)
	}
	return nil
}

// OnExpire передается в tracker.Run: финализирует вызовы, завершенные по таймауту
// или отложенные после сбоя аудита
func (r *Router) OnExpire(inv domain.Invocation) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = r.finish(ctx, inv)
}

// finish: терминальный аудит, затем уведомление источнику. Если аудит не записан,
// уведомление не отправляется, вызов остается у трекера до следующего тика.
func (r *Router) finish(ctx context.Context, inv domain.Invocation) error {
	if err := r.auditCompletion(ctx, inv); err != nil {
		r.tracker.Postpone(inv)
		r.logger.Error("completion audit failed, finalization postponed",
			zap.String("tracking_id", inv.TrackingID),
			zap.Error(err))
		return err
	}
	r.tracker.Settle(inv.TrackingID)
	ev := domain.CompletionEvent{
		Type:       domain.EventInvocationComplete,
		TrackingID: inv.TrackingID,
		Status:     inv.Status,
		Result:     inv.Result,
		Error:      inv.Error,
	}
	if inv.CompletedAt != nil {
		ev.Timestamp = *inv.CompletedAt
	}
	if err := r.notifier.PublishCompletion(ctx, inv.SourceID, ev); err != nil {
		r.metrics.ErrorTotal.WithLabelValues("publish").Inc()
		r.logger.Error("completion notification not enqueued",
			zap.String("tracking_id", inv.TrackingID),
			zap.String("source", inv.SourceID),
			zap.Error(err))
	}
	return nil
}

func (r *Router) auditCompletion(ctx context.Context, inv domain.Invocation) error {
	outcome := audit.OutcomeSuccess
	if inv.Status != domain.InvocationComplete {
		outcome = audit.OutcomeError
	}
	meta := map[string]any{
		"tracking_id": inv.TrackingID,
		"operation":   inv.Operation,
		"status":      string(inv.Status),
		"phase":       "completion",
	}
	if inv.Error != "" {
		meta["error"] = inv.Error
	}
	return r.auditRequired(ctx, audit.Record{
		EventType: audit.EventInvoke,
		SourceID:  inv.SourceID,
		TargetID:  inv.TargetID,
		Outcome:   outcome,
		Metadata:  meta,
	})
}

// InvocationStatus: текущее состояние вызова по tracking_id
func (r *Router) InvocationStatus(_ context.Context, req InvocationStatusRequest) (domain.Invocation, error) {
	if req.TrackingID == "" {
		return domain.Invocation{}, domain.Validation("tracking_id is required")
	}
	inv, ok := r.tracker.Get(req.TrackingID)
	if !ok {
		return domain.Invocation{}, domain.NotFound("invocation %q not found", req.TrackingID)
	}
	return inv, nil
}

// --- Audit / Health ---

func (r *Router) QueryAudit(ctx context.Context, req AuditQueryRequest) (AuditQueryResponse, error) {
	f, err := req.Filter(r.cfg.DefaultAuditLimit, r.cfg.MaxAuditLimit)
	if err != nil {
		return AuditQueryResponse{}, err
	}
	records, total, err := r.audit.Query(ctx, f)
	if err != nil {
		return AuditQueryResponse{}, fmt.Errorf("audit query: %w", err)
	}
	if records == nil {
		records = []audit.Record{}
	}
	return AuditQueryResponse{AuditLogs: records, TotalCount: total}, nil
}

// RecordPolicyUpdate фиксирует в аудите смену правил PDP (hot reload)
func (r *Router) RecordPolicyUpdate(ctx context.Context, source, hash string, reloadErr error) {
	rec := audit.Record{
		EventType: audit.EventPolicyUpdate,
		SourceID:  source,
		TargetID:  "policy",
		Outcome:   audit.OutcomeSuccess,
		Metadata:  map[string]any{"hash": hash},
	}
	if reloadErr != nil {
		rec.Outcome = audit.OutcomeError
		rec.Metadata = withError(rec.Metadata, reloadErr)
	}
	r.auditBestEffort(ctx, rec)
}

func (r *Router) Health(ctx context.Context) HealthResponse {
	resp := HealthResponse{Status: "healthy", Services: make(map[string]string, len(r.checks))}
	for name, check := range r.checks {
		if err := check(ctx); err != nil {
			resp.Services[name] = "unavailable: " + err.Error()
			resp.Status = "degraded"
			continue
		}
		resp.Services[name] = "ok"
	}
	agents, kbs := r.registry.Stats()
	resp.Details = map[string]any{
		"agents":              agents,
		"kbs":                 kbs,
		"invocations_pending":   r.tracker.InFlight(),
		"invocations_unsettled": r.tracker.Unsettled(),
	}
	return resp
}

// --- helpers ---

// identityOf: ссылку на агента (agent_id или identity) приводим к identity.
// Незарегистрированный вызывающий проходит в PDP как есть.
func (r *Router) identityOf(ref string) string {
	if a, ok := r.registry.ResolveAgent(ref); ok {
		return a.Identity
	}
	return ref
}

// auditBestEffort: для записей, чья потеря не меняет ответ (отказы, смена правил)
func (r *Router) auditBestEffort(ctx context.Context, rec audit.Record, masked ...string) {
	if _, err := r.audit.Append(ctx, rec, masked...); err != nil {
		r.metrics.ErrorTotal.WithLabelValues("audit").Inc()
		r.logger.Error("audit append failed",
			zap.String("event_type", string(rec.EventType)),
			zap.String("outcome", string(rec.Outcome)),
			zap.Error(err))
	}
}

// auditRequired: ошибка записи проваливает операцию
func (r *Router) auditRequired(ctx context.Context, rec audit.Record) error {
	if _, err := r.audit.Append(ctx, rec); err != nil {
		r.metrics.ErrorTotal.WithLabelValues("audit").Inc()
		return fmt.Errorf("audit %s: %w", rec.EventType, err)
	}
	return nil
}

func withError(meta map[string]any, err error) map[string]any {
	if meta == nil {
		meta = map[string]any{}
	}
	meta["error"] = err.Error()
	return meta
}

func rowCount(data any) int {
	if data == nil {
		return 0
	}
	v := reflect.ValueOf(data)
	if v.Kind() == reflect.Slice || v.Kind() == reflect.Array {
		return v.Len()
	}
	return 1
}

// StatusOf отображает ошибку на статус ответа
func StatusOf(err error) string {
	if errors.Is(err, domain.ErrPolicyDenied) {
		return string(domain.InvocationDenied)
	}
	return string(domain.InvocationError)
}
