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
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
	"golang.org/x/sync/errgroup"

	"procgenie/backend/internal/api"
	"procgenie/backend/internal/auth"
	"procgenie/backend/internal/clock"
	"procgenie/backend/internal/compensation"
	"procgenie/backend/internal/config"
	"procgenie/backend/internal/escalation"
	"procgenie/backend/internal/executor"
	"procgenie/backend/internal/expression"
	"procgenie/backend/internal/graph"
	"procgenie/backend/internal/lock"
	"procgenie/backend/internal/logging"
	"procgenie/backend/internal/mcp"
	"procgenie/backend/internal/repository"
	"procgenie/backend/internal/runtime"
	"procgenie/backend/internal/services"
	"procgenie/backend/internal/telemetry"
)

type storage interface {
	repository.DefinitionStore
	repository.InstanceStore
	repository.TimerStore
}

func newServeCmd() *cobra.Command {
	var (
		inMemory    bool
		autoMigrate bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, MCP endpoint and escalation scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger, inMemory, autoMigrate)
		},
	}
	cmd.Flags().BoolVar(&inMemory, "in-memory", false, "Keep all state in process memory instead of PostgreSQL")
	cmd.Flags().BoolVar(&autoMigrate, "migrate", false, "Apply pending migrations before serving")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config, logger *logging.Logger, inMemory, autoMigrate bool) error {
	logger.Info("Starting ProcGenie workflow engine", "environment", cfg.Environment, "version", version)

	checks := make(map[string]func(context.Context) error)

	var store storage
	if inMemory {
		logger.Warn("using in-memory storage; state is lost on restart")
		store = repository.NewMemoryStore()
	} else {
		if autoMigrate {
			if err := repository.Migrate(cfg.MigrationURL()); err != nil {
				return err
			}
		}
		pool, err := initDatabase(ctx, cfg, logger)
		if err != nil {
			return fmt.Errorf("database initialization failed: %w", err)
		}
		defer pool.Close()
		checks["database"] = pool.Ping
		store = repository.NewPostgresStore(pool)
		logger.Info("Database connected")
	}

	locker, closeLocker, err := initLocker(cfg, logger, checks)
	if err != nil {
		return err
	}
	defer closeLocker()

	metrics, err := telemetry.New()
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := metrics.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics shutdown failed", "error", err)
		}
	}()

	audit, err := initAudit(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer audit.Close()

	var directory services.DirectoryLookup
	if cfg.DirectoryFile != "" {
		dir, err := services.LoadStaticDirectory(cfg.DirectoryFile)
		if err != nil {
			return err
		}
		directory = dir
	}

	var agents services.AgentCapability
	if cfg.Agent.URL != "" {
		agents = services.NewHTTPAgentClient(cfg.Agent.URL, cfg.Agent.TokenURL, cfg.Agent.ClientID, cfg.Agent.ClientSecret)
	}

	clk := clock.Real{}
	eval := expression.NewEvaluator(directory, 256)
	notifier := services.NewLogNotificationSink(logger)
	external := services.NewResilientAdapter(
		services.NewHTTPExternalAdapter(cfg.External.Integrations, &http.Client{Timeout: 30 * time.Second}),
		services.RetryConfig{
			MaxAttempts:     cfg.External.Retry.MaxAttempts,
			InitialInterval: cfg.External.Retry.InitialInterval,
			MaxInterval:     cfg.External.Retry.MaxInterval,
			Multiplier:      cfg.External.Retry.Multiplier,
		},
		services.BreakerConfig{
			MaxFailures: cfg.External.Breaker.MaxFailures,
			OpenTimeout: cfg.External.Breaker.OpenTimeout,
		},
		cfg.External.DedupTTL,
		logger,
	)

	definitions := graph.NewStore(store, eval, clk, audit, logger, cfg.Engine.DefinitionCacheSize)
	timers := clock.NewTimerService(store, clk, logger)
	rt := runtime.New(runtime.Deps{
		Definitions: definitions,
		Instances:   store,
		Timers:      timers,
		Locker:      locker,
		Executors: executor.NewRegistry(executor.Deps{
			Eval:     eval,
			Agents:   agents,
			Notifier: notifier,
			External: external,
			Logger:   logger,
		}),
		Eval:         eval,
		Compensation: compensation.NewManager(external, services.NewLogOperatorAlerts(logger), audit, clk, logger),
		Notifier:     notifier,
		Audit:        audit,
		Entities:     services.NewLogEntityStatusSink(logger),
		Metrics:      metrics,
		Clock:        clk,
		Logger:       logger,
	}, runtime.Config{
		MaxSubWorkflowDepth: cfg.Engine.MaxSubWorkflowDepth,
		SuspendedRetry:      cfg.Scheduler.SuspendedRetry,
	})
	scheduler := escalation.NewScheduler(timers, store, rt, escalation.Config{
		PollInterval: cfg.Scheduler.PollInterval,
		BatchSize:    cfg.Scheduler.BatchSize,
		Lease:        cfg.Scheduler.Lease,
	}, logger)
	logger.Info("Runtime initialized")

	authn, err := auth.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("auth initialization failed: %w", err)
	}

	e := newEcho(logger)
	e.GET("/healthz", api.NewHandler(version, checks).HandleHealth)
	e.GET("/metrics", echo.WrapHandler(metrics.Handler()))

	requireAuth := echo.WrapMiddleware(authn.RequireAuth)
	apiGroup := e.Group("/api/v1", requireAuth)
	api.NewServer(definitions, rt, logger).Register(apiGroup)
	logger.Info("REST API handlers mounted")

	mcpServer := mcp.NewServer(rt, version)
	e.Any("/mcp/*", echo.WrapHandler(mcp.Handler(mcpServer.GetMCPServer(), "/mcp")), requireAuth)
	logger.Info("MCP protocol handlers mounted")

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      e,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Server starting", "address", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return scheduler.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("Server shutdown error", "error", err)
			return server.Close()
		}
		logger.Info("Server stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func newEcho(logger *logging.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HTTPErrorHandler = api.ErrorHandler(logger)

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(otelecho.Middleware("procgenie-workflow"))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:    true,
		LogURI:       true,
		LogStatus:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogError:     true,
		HandleError:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			args := []any{"method", v.Method, "uri", v.URI, "status", v.Status, "latency", v.Latency, "request_id", v.RequestID}
			if v.Error != nil {
				logger.Warn("request", append(args, "error", v.Error)...)
				return nil
			}
			logger.Debug("request", args...)
			return nil
		},
	}))
	return e
}

func initDatabase(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*pgxpool.Pool, error) {
	logger.Debug("Initializing database connection")

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Test connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return pool, nil
}

// initLocker picks the per-instance lock backend. Redis is required once
// more than one engine process serves the same database.
func initLocker(cfg *config.Config, logger *logging.Logger, checks map[string]func(context.Context) error) (lock.Locker, func(), error) {
	switch cfg.Lock.Backend {
	case "", "local":
		return lock.NewLocalLocker(), func() {}, nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		checks["redis"] = func(ctx context.Context) error { return client.Ping(ctx).Err() }
		closeFn := func() {
			if err := client.Close(); err != nil {
				logger.Warn("redis close failed", "error", err)
			}
		}
		return lock.NewRedisLocker(client, cfg.Lock.TTL, logger), closeFn, nil
	default:
		return nil, nil, fmt.Errorf("unknown lock backend %q", cfg.Lock.Backend)
	}
}

// initAudit publishes audit events to SQS when a queue is configured and to
// the log otherwise.
func initAudit(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*services.AsyncAuditSink, error) {
	var publisher services.EventPublisher = services.NewLogPublisher(logger)
	if cfg.Audit.SQSQueueURL != "" {
		client, err := services.NewSQSClient(ctx, cfg.Audit.Region)
		if err != nil {
			return nil, err
		}
		publisher = services.NewSQSPublisher(client, cfg.Audit.SQSQueueURL)
		logger.Info("audit events published to SQS", "queue_url", cfg.Audit.SQSQueueURL)
	}
	return services.NewAsyncAuditSink(publisher, cfg.Audit.Buffer, logger), nil
}
