package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"go.uber.org/zap"

	"github.com/notifyops/notify-core/internal/admission"
	"github.com/notifyops/notify-core/internal/bootstrap"
	"github.com/notifyops/notify-core/internal/breaker"
	"github.com/notifyops/notify-core/internal/config"
	"github.com/notifyops/notify-core/internal/dispatch"
	"github.com/notifyops/notify-core/internal/governor"
	"github.com/notifyops/notify-core/internal/handler"
	"github.com/notifyops/notify-core/internal/idempotency"
	"github.com/notifyops/notify-core/internal/infra/postgresql"
	"github.com/notifyops/notify-core/internal/infra/postgresql/migrations"
	infraredis "github.com/notifyops/notify-core/internal/infra/redis"
	"github.com/notifyops/notify-core/internal/observability"
	"github.com/notifyops/notify-core/internal/policy"
	"github.com/notifyops/notify-core/internal/queue"
	"github.com/notifyops/notify-core/internal/repository"
	"github.com/notifyops/notify-core/internal/transport"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("failed to load config", zap.Error(err))
	}

	logger, err := observability.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatal("failed to initialize logger", zap.Error(err))
	}
	defer logger.Sync() //nolint:errcheck

	db, err := postgresql.NewPostgres(cfg.DatabaseDSN)
	if err != nil {
		logger.Fatal("postgres initialization failed", zap.Error(err))
	}

	if err := migrations.Migrate(db); err != nil {
		logger.Fatal("database migrations failed", zap.Error(err))
	}

	sqlDB, err := db.DB()
	if err != nil {
		logger.Fatal("postgres underlying db init failed", zap.Error(err))
	}
	defer sqlDB.Close()

	rdb, err := infraredis.NewRedis(cfg.RedisURL)
	if err != nil {
		logger.Fatal("redis initialization failed", zap.Error(err))
	}
	defer rdb.Close()

	rabbit, err := queue.NewRabbitMQ(cfg.RabbitMQURL)
	if err != nil {
		logger.Fatal("rabbitmq initialization failed", zap.Error(err))
	}
	publisher := queue.NewRabbitMQPublisher(rabbit)
	defer publisher.Close()

	notifications := repository.NewGormNotificationRepo(db)
	attempts := repository.NewGormAttemptRepo(db)
	ledger := repository.NewGormLedgerRepo(db)
	audits := repository.NewGormAuditRepo(db)

	router, err := bootstrap.BuildRouter(cfg.DefaultLocale)
	if err != nil {
		logger.Fatal("template catalog initialization failed", zap.Error(err))
	}

	providers, err := bootstrap.BuildProviders(cfg)
	if err != nil {
		logger.Fatal("provider registry initialization failed", zap.Error(err))
	}

	policies := policy.NewTable()

	breakers, err := breaker.NewRedisBreaker(rdb, breaker.Config{
		WindowSize:       cfg.BreakerWindowSize,
		FailureThreshold: cfg.BreakerFailureThreshold,
		Cooldown:         cfg.BreakerCooldown(),
	})
	if err != nil {
		logger.Fatal("circuit breaker initialization failed", zap.Error(err))
	}

	buckets, err := governor.NewRedisBucketStore(rdb)
	if err != nil {
		logger.Fatal("bucket store initialization failed", zap.Error(err))
	}

	gov, err := governor.New(buckets, policies, ledger, audits, cfg.OverrideToken, logger)
	if err != nil {
		logger.Fatal("governor initialization failed", zap.Error(err))
	}

	idempotencyStore, err := idempotency.NewRedisStore(rdb)
	if err != nil {
		logger.Fatal("idempotency store initialization failed", zap.Error(err))
	}

	dispatcher, err := dispatch.NewDispatcher(providers, breakers, router, policies, ledger, logger)
	if err != nil {
		logger.Fatal("dispatcher initialization failed", zap.Error(err))
	}

	applier, err := dispatch.NewApplier(notifications, attempts, idempotencyStore, policies, logger)
	if err != nil {
		logger.Fatal("applier initialization failed", zap.Error(err))
	}

	service, err := admission.NewService(
		notifications,
		attempts,
		idempotencyStore,
		gov,
		dispatcher,
		applier,
		publisher,
		policies,
		cfg.IdempotencyTTL(),
		cfg.SyncDeadline(),
		logger,
	)
	if err != nil {
		logger.Fatal("admission service initialization failed", zap.Error(err))
	}

	metrics := observability.NewMetrics()
	gov.SetMetrics(metrics)
	dispatcher.SetMetrics(metrics)
	applier.SetMetrics(metrics)
	service.SetMetrics(metrics)

	app := fiber.New(fiber.Config{
		AppName:      "notify-core-api",
		ErrorHandler: transport.ErrorHandler(logger),
	})
	app.Use(requestid.New())
	app.Use(metrics.HTTPMiddleware())

	handler.RegisterHealthRoutes(app, sqlDB, rdb)
	if err := handler.RegisterNotificationRoutes(app, service, router); err != nil {
		logger.Fatal("route registration failed", zap.Error(err))
	}
	app.Get("/metrics", adaptor.HTTPHandler(metrics.Handler()))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("notify-core api started", zap.Int("port", cfg.APIPort))
		errCh <- app.Listen(fmt.Sprintf(":%d", cfg.APIPort))
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			logger.Error("http server shutdown failed", zap.Error(err))
		}
	case err := <-errCh:
		if err != nil {
			logger.Fatal("http server failed", zap.Error(err))
		}
	}
}
