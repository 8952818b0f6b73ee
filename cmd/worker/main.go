package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/notifyops/notify-core/internal/admission"
	"github.com/notifyops/notify-core/internal/bootstrap"
	"github.com/notifyops/notify-core/internal/breaker"
	"github.com/notifyops/notify-core/internal/config"
	"github.com/notifyops/notify-core/internal/dispatch"
	"github.com/notifyops/notify-core/internal/governor"
	"github.com/notifyops/notify-core/internal/idempotency"
	"github.com/notifyops/notify-core/internal/infra/postgresql"
	infraredis "github.com/notifyops/notify-core/internal/infra/redis"
	"github.com/notifyops/notify-core/internal/observability"
	"github.com/notifyops/notify-core/internal/policy"
	"github.com/notifyops/notify-core/internal/queue"
	"github.com/notifyops/notify-core/internal/repository"
	"github.com/notifyops/notify-core/internal/retry"
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

	// Schema migrations run in the api binary; the worker assumes an
	// up-to-date schema.
	db, err := postgresql.NewPostgres(cfg.DatabaseDSN)
	if err != nil {
		logger.Fatal("postgres initialization failed", zap.Error(err))
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

	consumer := queue.NewRabbitMQConsumer(rabbit, cfg.WorkerConcurrency, logger)

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

	worker, err := dispatch.NewWorker(notifications, consumer, dispatcher, applier, cfg.WorkerConcurrency, logger)
	if err != nil {
		logger.Fatal("worker initialization failed", zap.Error(err))
	}

	scanner, err := retry.NewScanner(notifications, publisher, cfg.ScannerInterval(), cfg.ScannerBatchSize, cfg.Lease(), logger)
	if err != nil {
		logger.Fatal("retry scanner initialization failed", zap.Error(err))
	}

	scheduler, err := retry.NewScheduler(notifications, publisher, cfg.SchedulerInterval(), cfg.ScannerBatchSize, logger)
	if err != nil {
		logger.Fatal("scheduler initialization failed", zap.Error(err))
	}

	janitor, err := retry.NewJanitor(notifications, ledger, cfg.PurgeInterval(), cfg.Retention(), cfg.PurgeBatchSize, logger)
	if err != nil {
		logger.Fatal("janitor initialization failed", zap.Error(err))
	}

	ingestor, err := admission.NewEventIngestor(consumer, router, service, logger)
	if err != nil {
		logger.Fatal("event ingestor initialization failed", zap.Error(err))
	}

	metrics := observability.NewMetrics()
	gov.SetMetrics(metrics)
	dispatcher.SetMetrics(metrics)
	applier.SetMetrics(metrics)
	service.SetMetrics(metrics)
	worker.SetMetrics(metrics)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metricsServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.MetricsPort),
		Handler: metricsMux(metrics),
	}

	g, groupCtx := errgroup.WithContext(ctx)
	g.Go(func() error { return worker.Start(groupCtx) })
	g.Go(func() error { return scanner.Start(groupCtx) })
	g.Go(func() error { return scheduler.Start(groupCtx) })
	g.Go(func() error { return janitor.Start(groupCtx) })
	g.Go(func() error { return ingestor.Start(groupCtx) })
	g.Go(func() error {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return metricsServer.Shutdown(shutdownCtx)
	})

	logger.Info("notify-core worker started",
		zap.Int("concurrency", cfg.WorkerConcurrency),
		zap.Int("metricsPort", cfg.MetricsPort),
	)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal("worker terminated", zap.Error(err))
	}
	logger.Info("worker stopped")
}

func metricsMux(metrics *observability.Metrics) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	return mux
}
