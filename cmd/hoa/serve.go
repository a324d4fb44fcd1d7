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
	cli "github.com/urfave/cli/v3"
	"go.uber.org/zap"

	"github.com/pitabwire/hoa/internal/admin"
	"github.com/pitabwire/hoa/internal/capability"
	"github.com/pitabwire/hoa/internal/config"
	"github.com/pitabwire/hoa/internal/definition"
	"github.com/pitabwire/hoa/internal/effective"
	"github.com/pitabwire/hoa/internal/events"
	"github.com/pitabwire/hoa/internal/observability"
	"github.com/pitabwire/hoa/internal/overrides"
	"github.com/pitabwire/hoa/internal/transport"
)

func newServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the admin and runtime HTTP API",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to the configuration file",
				Value:   "config.yaml",
				Sources: cli.EnvVars("HOA_CONFIG"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			cfg, err := config.Load(command.String("config"))
			if err != nil {
				return err
			}
			return serve(ctx, cfg)
		},
	}
}

func serve(parent context.Context, cfg *config.Config) error {
	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(parent, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "hoa", version)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}

	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	registry, err := loadRegistry(cfg.Definitions, logger, metrics)
	if err != nil {
		return err
	}

	repo, closeRepo, err := buildRepository(ctx, cfg.Overrides.Store, logger)
	if err != nil {
		return err
	}
	defer closeRepo()

	bus := events.NewBus(cfg.Events.BufferSize, logger)
	defer func() {
		if err := bus.Close(); err != nil {
			logger.Warn("closing event bus", zap.Error(err))
		}
	}()

	adminSvc := admin.NewService(registry, repo, events.NewPublisher(bus.Publisher(), metrics), logger, metrics)
	provider := effective.NewProvider(registry, repo, cfg.Effective.CacheTTL, logger, metrics)
	if err := provider.Listen(ctx, bus.Subscriber()); err != nil {
		return fmt.Errorf("subscribing to override events: %w", err)
	}

	policy, err := capability.NewStaticPolicyEvaluator(cfg.Capability.StaticPolicyFile)
	if err != nil {
		return fmt.Errorf("static policy: %w", err)
	}
	resolver := capability.NewResolver(policy, cfg.Capability.Cache.TTL, cfg.Capability.Cache.MaxEntries, metrics)

	var authenticate func(http.Handler) http.Handler
	if cfg.Identity.Disabled {
		logger.Warn("identity verification disabled, every request acts as local-admin")
		authenticate = transport.DevAuthenticator
	} else {
		jwks := transport.NewJWKSClient(cfg.Identity.JWKSURL, cfg.Identity.JWKSCacheTTL, logger)
		authenticate = transport.JWTAuthenticator(cfg.Identity, jwks)
	}

	readiness := observability.ReadinessChecks{
		DefinitionsLoaded: func() bool { return registry.Len() > 0 },
	}
	if hc, ok := repo.(observability.HealthChecker); ok {
		readiness.OverrideStore = hc
	}

	router := transport.NewRouter(transport.Dependencies{
		Config:             cfg,
		Logger:             logger,
		Metrics:            metrics,
		Gatherer:           prometheus.DefaultGatherer,
		Authenticate:       authenticate,
		CapabilityResolver: resolver,
		Admin:              adminSvc,
		Runtime:            provider,
		Readiness:          readiness,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.Int("definitions", registry.Len()),
		zap.String("override_store", cfg.Overrides.Store.Driver),
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

	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}
	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return serveErr
}

// loadRegistry loads and validates every base definition. Any schema or
// referential error refuses the whole set.
func loadRegistry(cfg config.DefinitionsConfig, logger *zap.Logger, metrics *observability.Metrics) (*definition.Registry, error) {
	defs, err := loadDefinitions(cfg.Directories, cfg.SchemaCheck)
	if err != nil {
		for _, ve := range validationErrors(err) {
			logger.Error("definition validation error", zap.String("error", ve.Error()))
		}
		metrics.RecordDefinitionLoad(observability.LoadFailed, 0)
		return nil, err
	}
	metrics.RecordDefinitionLoad(observability.LoadOK, len(defs))
	return definition.NewRegistry(defs), nil
}

// buildRepository opens the configured override store. The returned func
// releases its connections.
func buildRepository(ctx context.Context, cfg config.OverrideStoreConfig, logger *zap.Logger) (overrides.Repository, func(), error) {
	switch cfg.Driver {
	case config.DriverMemory:
		logger.Info("using in-memory override store")
		return overrides.NewMemoryRepository(), func() {}, nil

	case config.DriverPostgres:
		dsn := os.Getenv(cfg.DSNEnv)
		if dsn == "" {
			return nil, nil, fmt.Errorf("override store: %s environment variable not set", cfg.DSNEnv)
		}
		poolCfg, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("override store: parse DSN: %w", err)
		}
		if cfg.MaxConns > 0 {
			poolCfg.MaxConns = cfg.MaxConns
		}
		if cfg.MinConns > 0 {
			poolCfg.MinConns = cfg.MinConns
		}
		if cfg.ConnMaxLifetime > 0 {
			poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime
		}

		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("override store: connect: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("override store: ping: %w", err)
		}
		if cfg.Migrate {
			if err := overrides.Migrate(ctx, pool); err != nil {
				pool.Close()
				return nil, nil, fmt.Errorf("override store: %w", err)
			}
		}
		logger.Info("using postgres override store")
		return overrides.NewPgRepository(pool), pool.Close, nil

	case config.DriverRedis:
		addr := os.Getenv(cfg.AddrEnv)
		if addr == "" {
			return nil, nil, fmt.Errorf("override store: %s environment variable not set", cfg.AddrEnv)
		}
		client := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.DB})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("override store: ping: %w", err)
		}
		logger.Info("using redis override store", zap.String("key_prefix", cfg.KeyPrefix))
		closeFn := func() {
			if err := client.Close(); err != nil {
				logger.Warn("closing redis client", zap.Error(err))
			}
		}
		return overrides.NewRedisRepository(client, cfg.KeyPrefix), closeFn, nil

	default:
		return nil, nil, fmt.Errorf("unsupported override store driver: %q", cfg.Driver)
	}
}
