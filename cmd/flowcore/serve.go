package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pitabwire/flowcore/internal/config"
	"github.com/pitabwire/flowcore/internal/decision"
	"github.com/pitabwire/flowcore/internal/definition"
	"github.com/pitabwire/flowcore/internal/events"
	"github.com/pitabwire/flowcore/internal/idempotency"
	"github.com/pitabwire/flowcore/internal/notify"
	"github.com/pitabwire/flowcore/internal/observability"
	"github.com/pitabwire/flowcore/internal/process"
	"github.com/pitabwire/flowcore/internal/runtime"
	"github.com/pitabwire/flowcore/internal/schedule"
	"github.com/pitabwire/flowcore/internal/sla"
	"github.com/pitabwire/flowcore/internal/task"
	"github.com/pitabwire/flowcore/internal/transport"
	"github.com/pitabwire/flowcore/internal/trigger"
	"github.com/pitabwire/flowcore/migrations"
	"github.com/pitabwire/flowcore/model"
)

// notificationBuffer is the per-subscriber channel size of the in-process
// notification bus.
const notificationBuffer = 64

func newServeCommand(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestration API and background schedulers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

// stores groups the durable state backends selected by configuration.
type stores struct {
	processes process.Store
	tasks     task.Store
	slas      sla.Store
	triggers  trigger.Store
	health    observability.HealthChecker
	close     func()
}

func serve(parent context.Context, cfg *config.Config) error {
	if parent == nil {
		parent = context.Background()
	}

	// Step 1: Initialize telemetry (logger, tracer, metrics).
	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(parent, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "flowcore", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return err
	}

	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	// Step 2: Load definitions, validate, build registry.
	files, err := loadDefinitions(cfg.Definitions, logger)
	if err != nil {
		return err
	}
	registry := definition.NewRegistry(files)
	metrics.SetDefinitionsLoaded(float64(registry.Count()))

	// Step 3: Open stores.
	st, err := openStores(ctx, cfg.Store, logger)
	if err != nil {
		logger.Error("store initialization failed", zap.Error(err))
		return err
	}
	defer st.close()

	// Step 4: Redis-backed idempotency and notification fan-out (optional).
	idem, notifier, bus, redisClose, err := buildMessaging(ctx, cfg.Redis, logger)
	if err != nil {
		logger.Error("redis initialization failed", zap.Error(err))
		return err
	}
	defer redisClose()

	// Step 5: Runtime client and domain services.
	rt := runtime.NewClient(cfg.Runtime, logger, metrics)
	dispatcher := events.NewDispatcher(logger)

	tasks := task.NewManager(st.tasks, rt, notifier, logger, metrics)
	tasks.SetEventPublisher(dispatcher)
	tasks.SetLeaser(idem)

	processes := process.NewService(st.processes, rt, idem, tasks, cfg.Triggers.IdempotencyTTL, logger)

	slaEngine := sla.NewEngine(st.slas, registry, notifier, logger, metrics)
	evaluator := trigger.NewEvaluator(st.triggers, processes, cfg.Triggers.MaxChainDepth, logger, metrics)
	dispatcher.Register("triggers", evaluator)
	dispatcher.Register("sla", slaEngine)

	decisions := decision.NewService(registry, logger, metrics)

	// Step 6: Background schedulers.
	slaRunner := schedule.NewRunner(schedule.Config{
		Name:              "sla",
		Interval:          cfg.SLA.TickInterval,
		Timeout:           cfg.SLA.TickTimeout,
		ReconcileInterval: cfg.SLA.ReconcileInterval,
		Concurrency:       cfg.SLA.Concurrency,
	}, slaEngine.ActiveWorkspaces, func(ctx context.Context, ws string) error {
		_, err := slaEngine.Tick(ctx, ws)
		return err
	}, logger, metrics)

	cronRunner := schedule.NewRunner(schedule.Config{
		Name:              "cron",
		Interval:          cfg.Triggers.CronTickInterval,
		Timeout:           cfg.Triggers.CronTickTimeout,
		ReconcileInterval: cfg.SLA.ReconcileInterval,
		Concurrency:       cfg.Triggers.Concurrency,
	}, evaluator.CronWorkspaces, func(ctx context.Context, ws string) error {
		_, err := evaluator.TickCron(ctx, ws)
		return err
	}, logger, metrics)

	// Step 7: Build HTTP router.
	authenticate, err := transport.NewAuthenticator(cfg.Identity, logger)
	if err != nil {
		logger.Error("authenticator initialization failed", zap.Error(err))
		return err
	}

	readiness := observability.ReadinessChecks{
		DefinitionsLoaded: registry.Loaded,
		Store:             st.health,
		Notifier:          bus,
		Runtime:           rt,
	}
	if hc, ok := idem.(observability.HealthChecker); ok {
		readiness.IdempotencyStore = hc
	}

	router := transport.NewRouter(transport.Dependencies{
		Config:        cfg,
		Logger:        logger,
		Metrics:       metrics,
		Gatherer:      prometheus.DefaultGatherer,
		Authenticate:  authenticate,
		Readiness:     readiness,
		Events:        dispatcher,
		Runtime:       processes,
		Triggers:      evaluator,
		SLA:           slaEngine,
		Tasks:         tasks,
		Decisions:     decisions,
		Notifications: bus,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Step 8: Start background tasks.
	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()

	if err := slaRunner.Start(bgCtx); err != nil {
		return fmt.Errorf("start SLA scheduler: %w", err)
	}
	if err := cronRunner.Start(bgCtx); err != nil {
		slaRunner.Stop()
		return fmt.Errorf("start cron scheduler: %w", err)
	}
	go watchReloads(bgCtx, cfg.Definitions, registry, logger, metrics)

	// Step 9: Start HTTP server.
	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("store", cfg.Store.Driver),
		zap.Int("definitions", registry.Count()),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case serveErr = <-errCh:
		logger.Error("server error", zap.Error(serveErr))
	}

	// Graceful shutdown: drain requests, then stop schedulers, then flush
	// telemetry.
	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	bgCancel()
	slaRunner.Stop()
	cronRunner.Stop()

	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return serveErr
}

// loadDefinitions reads and validates every definition file.
func loadDefinitions(cfg config.DefinitionsConfig, logger *zap.Logger) ([]model.DefinitionFile, error) {
	files, err := definition.NewLoader().LoadAll(cfg.Directories)
	if err != nil {
		logger.Error("definition loading failed", zap.Error(err))
		return nil, err
	}
	if verrs := definition.NewValidator().Validate(files); len(verrs) > 0 {
		for _, ve := range verrs {
			logger.Error("definition validation error", zap.String("error", ve.Error()))
		}
		return nil, fmt.Errorf("definition validation failed with %d errors", len(verrs))
	}
	return files, nil
}

// watchReloads reloads definitions on SIGHUP. A failed reload keeps the
// previous definitions.
func watchReloads(ctx context.Context, cfg config.DefinitionsConfig, registry *definition.Registry, logger *zap.Logger, metrics *observability.Metrics) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			files, err := loadDefinitions(cfg, logger)
			if err != nil {
				metrics.RecordDefinitionReload("failure")
				logger.Warn("definition reload rejected, keeping previous definitions", zap.Error(err))
				continue
			}
			registry.Replace(files)
			metrics.RecordDefinitionReload("success")
			metrics.SetDefinitionsLoaded(float64(registry.Count()))
			logger.Info("definitions reloaded",
				zap.Int("definitions", registry.Count()),
				zap.String("checksum", registry.Checksum()),
			)
		}
	}
}

// openStores creates the configured stores. The memory driver keeps all
// state in process; postgres connects a shared pool and optionally applies
// migrations first.
func openStores(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (*stores, error) {
	switch cfg.Driver {
	case "memory", "":
		logger.Warn("using in-memory stores; state is lost on restart")
		return &stores{
			processes: process.NewMemoryStore(),
			tasks:     task.NewMemoryStore(),
			slas:      sla.NewMemoryStore(),
			triggers:  trigger.NewMemoryStore(),
			close:     func() {},
		}, nil
	case "postgres":
		dsn := os.Getenv(cfg.DSNEnv)
		if dsn == "" {
			return nil, fmt.Errorf("store: %s environment variable not set", cfg.DSNEnv)
		}
		if cfg.MigrateOnStart {
			v, err := migrations.Up(dsn)
			if err != nil {
				return nil, err
			}
			logger.Info("schema migrated", zap.Uint("version", v))
		}

		poolCfg, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return nil, fmt.Errorf("store: parse DSN: %w", err)
		}
		poolCfg.MaxConns = int32(cfg.MaxOpenConns)
		poolCfg.MinConns = int32(cfg.MaxIdleConns)
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime

		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, fmt.Errorf("store: connect: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("store: ping: %w", err)
		}

		return &stores{
			processes: process.NewPgStore(pool),
			tasks:     task.NewPgStore(pool),
			slas:      sla.NewPgStore(pool),
			triggers:  trigger.NewPgStore(pool),
			health:    poolChecker{pool},
			close:     pool.Close,
		}, nil
	default:
		return nil, fmt.Errorf("unsupported store driver: %q", cfg.Driver)
	}
}

type poolChecker struct{ pool *pgxpool.Pool }

func (p poolChecker) HealthCheck(ctx context.Context) error { return p.pool.Ping(ctx) }

// buildMessaging returns the idempotency store and the notification path.
// Without Redis both stay in process; with it, idempotency records are
// shared and notifications are also published for other replicas.
func buildMessaging(ctx context.Context, cfg config.RedisConfig, logger *zap.Logger) (
	idempotency.Store, notify.Notifier, *notify.Bus, func(), error,
) {
	bus := notify.NewBus(notificationBuffer, logger)

	addr := os.Getenv(cfg.AddrEnv)
	if addr == "" {
		logger.Info("redis not configured, using in-process idempotency and notifications")
		return idempotency.NewMemoryStore(), bus, bus, func() {}, nil
	}

	client := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.DB})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, nil, nil, fmt.Errorf("redis: ping %s: %w", addr, err)
	}
	logger.Info("redis connected", zap.String("addr", addr))

	notifier := notify.Tee(bus, notify.NewRedisPublisher(client, cfg.ChannelPrefix))
	closeFn := func() {
		if err := client.Close(); err != nil {
			logger.Warn("redis close failed", zap.Error(err))
		}
	}
	return idempotency.NewRedisStore(client), notifier, bus, closeFn, nil
}
