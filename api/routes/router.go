package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/angelmondragon/crumb-backend/api/controllers"
	botcontrollers "github.com/angelmondragon/crumb-backend/api/controllers/bot"
	ordercontrollers "github.com/angelmondragon/crumb-backend/api/controllers/orders"
	webhookcontrollers "github.com/angelmondragon/crumb-backend/api/controllers/webhooks"
	"github.com/angelmondragon/crumb-backend/api/middleware"
	"github.com/angelmondragon/crumb-backend/api/responses"
	"github.com/angelmondragon/crumb-backend/pkg/auth"
	"github.com/angelmondragon/crumb-backend/pkg/config"
	"github.com/angelmondragon/crumb-backend/pkg/db"
	pkgerrors "github.com/angelmondragon/crumb-backend/pkg/errors"
	"github.com/angelmondragon/crumb-backend/pkg/logger"
	"github.com/angelmondragon/crumb-backend/pkg/metrics"
	"github.com/angelmondragon/crumb-backend/pkg/redis"
)

// Dependencies are the services the HTTP surface routes to.
type Dependencies struct {
	Config     *config.Config
	Logger     *logger.Logger
	DB         db.Pinger
	Redis      *redis.Client
	Gatherer   prometheus.Gatherer
	Tokens     *auth.Verifier
	Orders     ordercontrollers.OrderService
	Deposits   ordercontrollers.DepositService
	Approvals  ordercontrollers.ApprovalService
	Reconciler webhookcontrollers.EventReconciler
}

func NewRouter(deps Dependencies) http.Handler {
	cfg := deps.Config
	logg := deps.Logger

	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg),
	)
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		responses.WriteError(r.Context(), nil, w, pkgerrors.New(pkgerrors.CodeNotFound, "route not found"))
	})

	// interface values stay nil without redis so the middlewares pass through
	var (
		redisPinger redis.Pinger
		store       middleware.IdempotencyStore
		limiter     middleware.RateLimiter
	)
	if deps.Redis != nil {
		redisPinger = deps.Redis
		store = deps.Redis
		limiter = deps.Redis
	}

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, logg, deps.DB, redisPinger))
	})
	r.Handle("/metrics", metrics.Handler(deps.Gatherer))

	r.Route("/api/v1/webhooks", func(r chi.Router) {
		r.Post("/stripe", webhookcontrollers.StripeWebhook(deps.Reconciler, logg))
	})

	idempotency := middleware.Idempotency(store, logg)

	r.Route("/api/v1/orders", func(r chi.Router) {
		r.Use(middleware.CORS(cfg.App.CORSOrigins))
		r.Use(idempotency)

		r.Post("/", ordercontrollers.Create(deps.Orders, logg))
		r.Route("/{orderId}", func(r chi.Router) {
			r.Get("/", ordercontrollers.Get(deps.Orders, logg))
			r.Post("/checkout", ordercontrollers.Checkout(deps.Orders, logg))
			r.Post("/cancel", ordercontrollers.Cancel(deps.Orders, logg))
			r.Post("/deposit", ordercontrollers.CreateDeposit(deps.Deposits, logg))
			r.Post("/deposit/checkout", ordercontrollers.DepositCheckout(deps.Deposits, logg))
			r.Post("/deposit/remaining-checkout", ordercontrollers.RemainingCheckout(deps.Deposits, logg))
		})
	})

	r.Route("/api/admin/v1/orders/{orderId}", func(r chi.Router) {
		r.Use(middleware.CORS(cfg.App.CORSOrigins))
		r.Use(middleware.AdminAuth(deps.Tokens, logg))
		r.Use(idempotency)

		r.Post("/approve", ordercontrollers.AdminApprove(deps.Approvals, logg))
		r.Post("/reject", ordercontrollers.AdminReject(deps.Approvals, logg))
		r.Post("/status", ordercontrollers.AdminTransition(deps.Orders, logg))
		r.Post("/refund", ordercontrollers.AdminRefund(deps.Orders, logg))
	})

	r.Route("/api/bot/v1", func(r chi.Router) {
		r.Use(middleware.BotAuth(cfg.Bot, limiter, logg))
		r.Post("/callbacks", botcontrollers.Callback(deps.Approvals, logg))
	})

	return r
}
