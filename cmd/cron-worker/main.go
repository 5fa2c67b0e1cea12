package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/angelmondragon/crumb-backend/internal/catalog"
	"github.com/angelmondragon/crumb-backend/internal/cron"
	"github.com/angelmondragon/crumb-backend/internal/inventory"
	"github.com/angelmondragon/crumb-backend/internal/notifications"
	"github.com/angelmondragon/crumb-backend/internal/orders"
	"github.com/angelmondragon/crumb-backend/internal/payments"
	"github.com/angelmondragon/crumb-backend/pkg/config"
	"github.com/angelmondragon/crumb-backend/pkg/db"
	"github.com/angelmondragon/crumb-backend/pkg/instance"
	"github.com/angelmondragon/crumb-backend/pkg/logger"
	"github.com/angelmondragon/crumb-backend/pkg/metrics"
	"github.com/angelmondragon/crumb-backend/pkg/migrate"
	"github.com/angelmondragon/crumb-backend/pkg/outbox"
	"github.com/angelmondragon/crumb-backend/pkg/redis"
	pkgstripe "github.com/angelmondragon/crumb-backend/pkg/stripe"
)

const (
	hourly = time.Hour
	daily  = 24 * time.Hour
)

func main() {
	logg := logger.New(logger.Options{ServiceName: "cron-worker"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	cfg.Service.Kind = "cron-worker"

	logg = logger.New(logger.Options{
		ServiceName: "cron-worker",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	dbClient, err := db.New(context.Background(), cfg.DB, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap database", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing database", err)
		}
	}()

	if err := migrate.MaybeRunDev(context.Background(), cfg, logg, dbClient); err != nil {
		logg.Error(context.Background(), "failed to run dev migrations", err)
		os.Exit(1)
	}

	redisClient, err := redis.New(context.Background(), cfg.Redis, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap redis", err)
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing redis", err)
		}
	}()

	stripeClient, err := pkgstripe.NewClient(context.Background(), cfg.Stripe, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap stripe", err)
		os.Exit(1)
	}

	orderMetrics := metrics.NewOrderMetrics(prometheus.DefaultRegisterer)
	cronMetrics := metrics.NewCronJobMetrics(prometheus.DefaultRegisterer)

	gateway, err := payments.NewStripeGateway(stripeClient, orderMetrics, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to create payment gateway", err)
		os.Exit(1)
	}

	conn := dbClient.DB()
	ledger := inventory.NewLedger()
	outboxRepo := outbox.NewRepository(conn)
	emitter := outbox.NewService(outboxRepo, logg)
	notifier, err := notifications.NewEnqueuer(emitter)
	if err != nil {
		logg.Error(context.Background(), "failed to create notification enqueuer", err)
		os.Exit(1)
	}
	orderService, err := orders.NewService(orders.ServiceParams{
		DB:       dbClient,
		Repo:     orders.NewRepository(conn),
		Catalog:  catalog.NewRepository(),
		Stock:    ledger,
		Machine:  orders.NewStateMachine(ledger, emitter, orderMetrics, logg),
		Notifier: notifier,
		Outbox:   emitter,
		Gateway:  gateway,
		Orders:   cfg.Orders,
		Stripe:   cfg.Stripe,
		Logger:   logg,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create order service", err)
		os.Exit(1)
	}

	registry := cron.NewRegistry()
	if err := registerJobs(registry, cfg, logg, dbClient, ledger, notifier, orderService, outboxRepo); err != nil {
		logg.Error(context.Background(), "failed to register cron jobs", err)
		os.Exit(1)
	}

	lock, err := cron.NewRedisLock(redisClient, redisClient.LockKey("cron"))
	if err != nil {
		logg.Error(context.Background(), "failed to create cron lock", err)
		os.Exit(1)
	}

	service, err := cron.NewService(cron.ServiceParams{
		Logger:   logg,
		Registry: registry,
		Lock:     lock,
		Metrics:  cronMetrics,
		Tick:     cfg.Cron.Tick,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create cron service", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":         cfg.App.Env,
		"instance":    instance.GetID(),
		"serviceKind": cfg.Service.Kind,
		"jobs":        len(registry.Entries()),
	})
	logg.Info(ctx, "starting cron worker")

	go func() {
		if err := metrics.Serve(ctx, cfg.App.MetricsAddr, prometheus.DefaultGatherer, logg); err != nil {
			logg.Error(ctx, "metrics listener stopped", err)
		}
	}()

	if err := service.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "cron worker stopped unexpectedly", err)
		os.Exit(1)
	}

	logg.Info(ctx, "cron worker shutting down gracefully")
}

func registerJobs(
	registry *cron.Registry,
	cfg *config.Config,
	logg *logger.Logger,
	dbClient *db.Client,
	ledger *inventory.Ledger,
	notifier *notifications.Enqueuer,
	orderService *orders.Service,
	outboxRepo *outbox.Repository,
) error {
	sweep, err := cron.NewAbandonedOrderJob(cron.AbandonedOrderJobParams{
		Logger: logg,
		Orders: orderService,
	})
	if err != nil {
		return err
	}
	registry.Register(sweep, hourly)

	lowStock, err := cron.NewLowStockJob(cron.LowStockJobParams{
		Logger:    logg,
		Conn:      dbClient.DB(),
		DB:        dbClient,
		Stock:     ledger,
		Notifier:  notifier,
		Threshold: cfg.Cron.LowStockThreshold,
	})
	if err != nil {
		return err
	}
	registry.Register(lowStock, hourly)

	rollup, err := cron.NewRevenueRollupJob(cron.RevenueRollupJobParams{
		Logger: logg,
		DB:     dbClient,
	})
	if err != nil {
		return err
	}
	registry.Register(rollup, daily)

	retention, err := cron.NewOutboxRetentionJob(cron.OutboxRetentionJobParams{
		Logger:      logg,
		DB:          dbClient,
		Repository:  outboxRepo,
		DLQ:         outbox.NewDLQRepository(dbClient.DB()),
		Retention:   cfg.Outbox.Retention,
		MaxAttempts: cfg.Outbox.MaxAttempts,
	})
	if err != nil {
		return err
	}
	registry.Register(retention, daily)
	return nil
}
