package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/spaceai-mesh/internal/audit"
	"github.com/xela07ax/spaceai-mesh/internal/bus"
	"github.com/xela07ax/spaceai-mesh/internal/connectors"
	"github.com/xela07ax/spaceai-mesh/internal/console/server"
	"github.com/xela07ax/spaceai-mesh/internal/domain"
	"github.com/xela07ax/spaceai-mesh/internal/engine"
	"github.com/xela07ax/spaceai-mesh/internal/fanout"
	"github.com/xela07ax/spaceai-mesh/internal/infra"
	"github.com/xela07ax/spaceai-mesh/internal/infra/auth"
	"github.com/xela07ax/spaceai-mesh/internal/policy"
	"github.com/xela07ax/spaceai-mesh/internal/registry"
	"github.com/xela07ax/spaceai-mesh/internal/repository/postgres"
	"github.com/xela07ax/spaceai-mesh/internal/tracker"
	"go.uber.org/zap"
)

func serve(parent context.Context, configPath string) error {
	// 1. Конфиг и логгер
	cfg, v, err := infra.LoadConfig(configPath)
	if err != nil {
		return err
	}
	logger, level, err := infra.NewLogger(cfg.Logger)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	// 2. Инфраструктура: шина, Redis, Postgres
	var rdb *redis.Client
	var b bus.Bus
	switch cfg.Bus.Driver {
	case "redis":
		rdb = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		defer rdb.Close()
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return fmt.Errorf("redis unreachable: %w", err)
		}
		b = bus.NewRedis(rdb, logger)
	default:
		b = bus.NewMemory(cfg.Bus.QueueSize, logger)
	}
	defer b.Close()

	var pool *pgxpool.Pool
	if cfg.Audit.Store == "postgres" || cfg.Registry.Persist {
		pool, err = postgres.NewPool(ctx, cfg.Database.URL, cfg.Database.MaxConns, cfg.Database.MinConns)
		if err != nil {
			return err
		}
		defer pool.Close()
		if err := postgres.Migrate(ctx, pool); err != nil {
			return err
		}
	}

	// 3. Audit
	var store audit.Store = audit.NewMemoryStore()
	if cfg.Audit.Store == "postgres" {
		store = postgres.NewAuditRepo(pool)
	}
	writer := audit.NewWriter(store, logger,
		audit.WithMarker(cfg.Policy.RedactionMarker),
		audit.WithRegisterer(promReg))

	// 4. Fanout и метрики ядра
	fan := fanout.New(b, cfg.Fanout.QueueSize, cfg.Fanout.Workers, promReg, logger)
	fan.Start()
	metrics := engine.NewMetrics(promReg)

	// 5. Коннекторы KB: Rate Limit -> Circuit Breaker -> Retry вокруг каждого адаптера
	relCfg := connectors.DefaultReliabilityConfig()
	relCfg.RateLimit = cfg.Connectors.RateLimit
	relCfg.Burst = cfg.Connectors.Burst
	relCfg.CBMaxRequests = cfg.Connectors.CBMaxRequests
	relCfg.CBInterval = cfg.Connectors.CBInterval
	relCfg.CBTimeout = cfg.Connectors.CBTimeout
	relCfg.CallTimeout = cfg.Connectors.CallTimeout
	factory := connectors.NewFactory(logger).
		WithMemoryCatalog(connectors.NewMemoryCatalog()).
		WithWrapper(func(kbID string, a connectors.Adapter) connectors.Adapter {
			return connectors.NewReliabilityWrapper(kbID, a, relCfg, metrics.BreakerObserver)
		})

	// 6. Registry
	regOpts := []registry.Option{registry.WithProbeTimeout(cfg.Registry.ProbeTimeout)}
	if cfg.Registry.Persist {
		regOpts = append(regOpts, registry.WithPersister(postgres.NewDirectoryRepo(pool)))
	}
	reg := registry.New(factory, fan, logger, regOpts...)
	defer reg.Close()
	if err := reg.Warmup(ctx); err != nil {
		logger.Warn("directory warmup failed", zap.Error(err))
	}

	// 7. PDP
	var pdp policy.Client
	var rules *policy.StaticEngine
	switch cfg.Policy.Mode {
	case "bus":
		pdp = policy.NewBusClient(b, cfg.Policy.Subject, cfg.Policy.Timeout, logger)
	default:
		if cfg.Policy.RulesFile != "" {
			// default_effect из файла правил главнее конфига
			rules, err = policy.LoadStaticEngine(cfg.Policy.RulesFile, logger,
				policy.WithFallbackEffect(domain.PolicyEffect(cfg.Policy.DefaultEffect)))
			if err != nil {
				return err
			}
		} else {
			logger.Warn("no policy rules file, using default effect", zap.String("effect", cfg.Policy.DefaultEffect))
			rules = policy.NewStaticEngine(policy.RuleSet{DefaultEffect: domain.PolicyEffect(cfg.Policy.DefaultEffect)}, logger)
		}
		pdp = rules
		// Тот же движок доступен другим участникам шины
		sub, err := policy.Serve(b, cfg.Policy.Subject, rules, logger)
		if err != nil {
			return err
		}
		defer sub.Unsubscribe()
	}

	// 8. Tracker, Router, bus Server
	trk := tracker.New(cfg.Tracker.InvocationTimeout, logger,
		tracker.WithRetention(cfg.Tracker.Retention),
		tracker.WithRegisterer(promReg))

	routerOpts := []engine.RouterOption{engine.WithMetrics(metrics)}
	if pool != nil {
		routerOpts = append(routerOpts, engine.WithHealthCheck("database", pool.Ping))
	}
	router := engine.NewRouter(reg, pdp, trk, writer, fan, b, engine.RouterConfig{
		NonSensitiveFields: cfg.Policy.NonSensitiveFields,
		RedactionMarker:    cfg.Policy.RedactionMarker,
		KBQueryTimeout:     cfg.Connectors.CallTimeout,
		DefaultAuditLimit:  100,
		MaxAuditLimit:      cfg.Audit.MaxQueryLimit,
		DefaultListLimit:   100,
	}, logger, routerOpts...)

	srv := engine.NewServer(b, router, cfg.Server.MaxInflight, cfg.Bus.RequestTimeout, logger)
	if err := srv.Start(); err != nil {
		return err
	}

	// 9. Фоновые циклы
	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()

	go trk.Run(bgCtx, cfg.Tracker.SweepInterval, router.OnExpire)
	go registry.NewMonitor(reg, cfg.Registry.HealthInterval, cfg.Registry.HeartbeatTTL, cfg.Registry.ProbeTimeout, logger).Run(bgCtx)
	if rdb != nil && cfg.Registry.StatusChannel != "" {
		go registry.NewStatusFeed(rdb, reg, cfg.Registry.StatusChannel, logger).Run(bgCtx)
	}
	if rules != nil && cfg.Policy.RulesFile != "" {
		go func() {
			err := rules.Watch(bgCtx, func(hash string, err error) {
				router.RecordPolicyUpdate(bgCtx, cfg.Policy.RulesFile, hash, err)
			})
			if err != nil {
				logger.Error("policy watcher stopped", zap.Error(err))
			}
		}()
	}
	infra.Watch(v, func(next *infra.Config, err error) {
		if err != nil {
			logger.Error("config reload rejected", zap.Error(err))
			return
		}
		if err := infra.ApplyLevel(level, next.Logger.Level); err != nil {
			logger.Error("invalid log level", zap.Error(err))
			return
		}
		logger.Info("config reloaded", zap.String("level", next.Logger.Level))
	})

	// 10. Ops HTTP API
	var validator auth.TokenValidator
	if len(cfg.Auth.PublicKey) > 0 {
		key, err := auth.ParseRSAPublicKey(cfg.Auth.PublicKey)
		if err != nil {
			return err
		}
		validator = auth.NewBaseValidator(key)
	} else {
		logger.Warn("auth.public_key_path is not set, ops API is open")
	}
	httpSrv := &http.Server{
		Addr:         cfg.Server.HTTPAddr,
		Handler:      server.NewOpsServer(router, validator, promReg, logger),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	httpErr := make(chan error, 1)
	go func() {
		logger.Info("ops API started", zap.String("addr", httpSrv.Addr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErr <- err
		}
	}()

	logger.Info("mesh core started",
		zap.String("version", version),
		zap.String("bus", cfg.Bus.Driver),
		zap.String("audit", cfg.Audit.Store),
		zap.String("policy", cfg.Policy.Mode))

	// 11. Graceful Shutdown
	select {
	case <-ctx.Done():
	case err := <-httpErr:
		logger.Error("ops API failed", zap.Error(err))
	}
	logger.Info("mesh core stopping...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("ops API shutdown failed", zap.Error(err))
	}
	// Сначала перестаем принимать запросы, потом дожидаемся уведомлений
	srv.Stop()
	bgCancel()
	fan.Stop()

	logger.Info("mesh core exited properly")
	return nil
}
