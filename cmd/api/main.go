package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/angelmondragon/crumb-backend/api/routes"
	"github.com/angelmondragon/crumb-backend/internal/approvals"
	"github.com/angelmondragon/crumb-backend/internal/catalog"
	"github.com/angelmondragon/crumb-backend/internal/deposits"
	"github.com/angelmondragon/crumb-backend/internal/inventory"
	"github.com/angelmondragon/crumb-backend/internal/notifications"
	"github.com/angelmondragon/crumb-backend/internal/orders"
	"github.com/angelmondragon/crumb-backend/internal/payments"
	stripewebhook "github.com/angelmondragon/crumb-backend/internal/webhooks/stripe"
	"github.com/angelmondragon/crumb-backend/pkg/auth"
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

const shutdownTimeout = 15 * time.Second

func main() {
	logg := logger.New(logger.Options{ServiceName: "api"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	logg = logger.New(logger.Options{
		ServiceName: "api",
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

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	orderMetrics := metrics.NewOrderMetrics(registry)

	gateway, err := payments.NewStripeGateway(stripeClient, orderMetrics, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to create payment gateway", err)
		os.Exit(1)
	}

	conn := dbClient.DB()
	ledger := inventory.NewLedger()
	emitter := outbox.NewService(outbox.NewRepository(conn), logg)
	machine := orders.NewStateMachine(ledger, emitter, orderMetrics, logg)
	notifier, err := notifications.NewEnqueuer(emitter)
	if err != nil {
		logg.Error(context.Background(), "failed to create notification enqueuer", err)
		os.Exit(1)
	}
	orderRepo := orders.NewRepository(conn)

	orderService, err := orders.NewService(orders.ServiceParams{
		DB:       dbClient,
		Repo:     orderRepo,
		Catalog:  catalog.NewRepository(),
		Stock:    ledger,
		Machine:  machine,
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

	depositService, err := deposits.NewService(deposits.ServiceParams{
		DB:       dbClient,
		Orders:   orderRepo,
		Machine:  machine,
		Notifier: notifier,
		Outbox:   emitter,
		Gateway:  gateway,
		Config:   cfg.Deposits,
		Stripe:   cfg.Stripe,
		Logger:   logg,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create deposit service", err)
		os.Exit(1)
	}

	approvalService, err := approvals.NewService(approvals.ServiceParams{
		DB:       dbClient,
		Store:    approvals.NewGormStore(conn),
		Orders:   orderRepo,
		Machine:  machine,
		Notifier: notifier,
		Outbox:   emitter,
		Gateway:  gateway,
		Lease:    cfg.Orders.DecisionLease,
		Metrics:  orderMetrics,
		Logger:   logg,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create approval service", err)
		os.Exit(1)
	}

	reconciler, err := stripewebhook.NewReconciler(stripewebhook.ReconcilerParams{
		Verifier: gateway,
		Orders:   orderService,
		Deposits: depositService,
		Metrics:  orderMetrics,
		Logger:   logg,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create webhook reconciler", err)
		os.Exit(1)
	}

	tokens, err := auth.NewVerifier(cfg.JWT)
	if err != nil {
		logg.Error(context.Background(), "failed to create admin token verifier", err)
		os.Exit(1)
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = cfg.App.Port
	}
	addr := ":" + port
	ctx := logg.WithFields(context.Background(), map[string]any{
		"env":          cfg.App.Env,
		"instance":     instance.GetID(),
		"addr":         addr,
		"stripeEnv":    stripeClient.Environment(),
		"databaseKind": dbClient.Dialect(),
	})
	logg.Info(ctx, "starting api server")

	server := &http.Server{
		Addr: addr,
		Handler: routes.NewRouter(routes.Dependencies{
			Config:     cfg,
			Logger:     logg,
			DB:         dbClient,
			Redis:      redisClient,
			Gatherer:   registry,
			Tokens:     tokens,
			Orders:     orderService,
			Deposits:   depositService,
			Approvals:  approvalService,
			Reconciler: reconciler,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logg.Error(ctx, "api server stopped unexpectedly", err)
			os.Exit(1)
		}
	case <-sigCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logg.Error(ctx, "api server shutdown failed", err)
		}
		logg.Info(ctx, "api server shutting down gracefully")
	}
}
