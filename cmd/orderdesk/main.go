package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/platinummonkey/orderdesk/pkg/activity"
	"github.com/platinummonkey/orderdesk/pkg/api"
	"github.com/platinummonkey/orderdesk/pkg/assignment"
	"github.com/platinummonkey/orderdesk/pkg/config"
	"github.com/platinummonkey/orderdesk/pkg/database"
	"github.com/platinummonkey/orderdesk/pkg/events"
	"github.com/platinummonkey/orderdesk/pkg/middleware"
	"github.com/platinummonkey/orderdesk/pkg/notify"
	"github.com/platinummonkey/orderdesk/pkg/observability"
	"github.com/platinummonkey/orderdesk/pkg/orders"
	"github.com/platinummonkey/orderdesk/pkg/rbac"
	"github.com/platinummonkey/orderdesk/pkg/realtime"
	"github.com/platinummonkey/orderdesk/pkg/storage"
	"github.com/platinummonkey/orderdesk/pkg/sysconfig"
	"github.com/platinummonkey/orderdesk/pkg/users"
)

// Set at build time with -ldflags "-X main.version=..."
var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "orderdesk: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout).WithField("service", "orderdesk")
	logger.Infof("Starting orderdesk %s", version)

	tp, err := observability.InitTracing(ctx, observability.OTelConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.OTelServiceName,
		ServiceVersion: cfg.Observability.OTelServiceVersion,
		Insecure:       cfg.Observability.OTelInsecure,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	var metrics *observability.Metrics
	if cfg.Observability.MetricsEnabled {
		metrics = observability.NewMetrics(registry)
	}

	conns, err := database.Connect(ctx, cfg.Database, logger)
	if err != nil {
		return err
	}
	db := conns.Primary()
	if cfg.Database.AutoMigrate {
		if err := database.RunMigrations(ctx, db, logger); err != nil {
			conns.Close()
			return err
		}
	}

	// Event bus: Redis fans invalidations out across replicas, otherwise
	// everything stays in process.
	var (
		bus         events.Bus = events.NewLocalBus()
		redisClient *redis.Client
		redisBus    *events.RedisBus
	)
	if cfg.Redis.Enabled {
		redisClient, err = events.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			conns.Close()
			return err
		}
		redisBus = events.NewRedisBus(redisClient, cfg.Redis.Channel, logger)
		if err := redisBus.Start(ctx); err != nil {
			redisClient.Close()
			conns.Close()
			return err
		}
		bus = redisBus
	}

	configStore := sysconfig.NewStore(db, bus, logger)
	if cfg.Seed.Path != "" {
		if err := applySeed(ctx, configStore, cfg.Seed, logger); err != nil {
			logger.WithError(err).Warn("Failed to apply config seed")
		}
	}

	userStore := users.NewStore(db, bus, logger)
	resolver := rbac.NewResolver(configStore, userStore, bus, rbac.Options{
		CacheTTL:  cfg.Permissions.CacheTTL,
		CacheSize: cfg.Permissions.CacheSize,
		Logger:    logger,
		Metrics:   metrics,
	})

	gateway := realtime.NewGateway(realtime.Options{
		SendTimeout:          cfg.Realtime.SendTimeout,
		BroadcastConcurrency: cfg.Realtime.BroadcastConcurrency,
		AllowedOrigins:       cfg.Realtime.AllowedOrigins,
	}, logger, metrics)

	notifications := notify.NewService(db, gateway, notify.Options{PushTimeout: cfg.Notifications.PushTimeout}, logger, metrics)
	throttle := notify.NewReminderThrottle(configStore, cfg.Notifications.DefaultReminderIntervalHours, logger, metrics)

	deps := orders.Deps{
		Authz:      resolver,
		Users:      userStore,
		Sync:       assignment.NewSynchronizer(logger, metrics),
		Activity:   activity.NewLog(db, logger, metrics).ReadFrom(conns.Replica),
		Notify:     notifications,
		Reminders:  throttle,
		OrderTypes: configStore,
	}
	health := observability.NewHealthChecker(db, redisClient, version)
	if len(cfg.Database.ReplicaURLs) > 0 {
		health.AddCheck("database_replicas", false, conns.HealthCheck)
	}
	if cfg.Storage.Enabled {
		images, err := storage.NewS3ImageStore(ctx, cfg.Storage, logger)
		if err != nil {
			logger.WithError(err).Warn("Image storage unavailable, order images will not be cleaned up")
		} else {
			deps.Images = images
			health.AddCheck("image_storage", false, images.HealthCheck)
		}
	}
	orderService := orders.NewService(db, deps, logger)

	// Untrusted headers are checked against the directory
	var lookup middleware.UserLookup = userStore
	if cfg.Server.TrustedProxyHeaders {
		lookup = nil
	}
	actors := middleware.NewActorMiddleware(lookup, false, logger)

	var rateLimit *middleware.RateLimitMiddleware
	if cfg.RateLimit.Enabled {
		actorCfg, anonCfg := middleware.ConfigsFromSettings(cfg.RateLimit)
		if redisClient != nil {
			rateLimit = middleware.NewRateLimitMiddleware(
				middleware.NewDistributedRateLimiter(redisClient, actorCfg, "orderdesk:ratelimit:actor"),
				middleware.NewDistributedRateLimiter(redisClient, anonCfg, "orderdesk:ratelimit:anon"),
				logger, metrics)
		} else {
			actorLimiter := middleware.NewRateLimiter(actorCfg)
			anonLimiter := middleware.NewRateLimiter(anonCfg)
			actorLimiter.StartCleanup(ctx, logger)
			anonLimiter.StartCleanup(ctx, logger)
			rateLimit = middleware.NewRateLimitMiddleware(actorLimiter, anonLimiter, logger, metrics)
		}
	}

	server := api.NewServer(api.Deps{
		Orders:         orderService,
		Notifications:  notifications,
		Config:         configStore,
		Users:          userStore,
		Authz:          resolver,
		Actors:         actors,
		RateLimit:      rateLimit,
		Realtime:       gateway,
		Health:         health,
		Registry:       registry,
		Metrics:        metrics,
		AllowedOrigins: cfg.Realtime.AllowedOrigins,
		MaxBodyBytes:   cfg.Server.MaxBodyBytes,
		Logger:         logger,
	})

	httpServer := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:      server.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := observability.NewShutdownManager(logger, httpServer, cfg.Server.ShutdownTimeout)
	shutdown.Register("database", func(context.Context) error { return conns.Close() })
	if redisClient != nil {
		shutdown.Register("redis", func(context.Context) error { return redisClient.Close() })
		shutdown.Register("event bus", func(context.Context) error { return redisBus.Close() })
	}
	shutdown.Register("tracing", func(ctx context.Context) error {
		return observability.ShutdownTracing(ctx, tp, logger)
	})
	shutdown.Register("rbac", func(context.Context) error {
		resolver.Close()
		return nil
	})
	shutdown.Register("realtime", func(context.Context) error {
		gateway.Close()
		return nil
	})

	serverErr := make(chan error, 1)
	go func() {
		logger.Infof("HTTP server listening on %s", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case err := <-serverErr:
		if err != nil {
			_ = shutdown.Shutdown()
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	return shutdown.WaitForShutdown(ctx)
}

func applySeed(ctx context.Context, store *sysconfig.Store, cfg config.SeedConfig, logger *observability.Logger) error {
	seed, err := sysconfig.LoadSeed(cfg.Path)
	if err != nil {
		return err
	}
	written, err := store.ApplySeed(ctx, seed, false)
	if err != nil {
		return err
	}
	logger.WithFields(map[string]interface{}{"path": cfg.Path, "written": len(written)}).Info("Applied config seed")

	if !cfg.Watch {
		return nil
	}
	return store.WatchSeed(ctx, cfg.Path, func(keys []string) {
		logger.WithField("keys", keys).Info("Reloaded config seed")
	})
}
