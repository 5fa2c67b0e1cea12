package controllers

import (
	"context"
	"net/http"
	"time"

	"github.com/angelmondragon/crumb-backend/api/responses"
	"github.com/angelmondragon/crumb-backend/pkg/config"
	"github.com/angelmondragon/crumb-backend/pkg/db"
	pkgerrors "github.com/angelmondragon/crumb-backend/pkg/errors"
	"github.com/angelmondragon/crumb-backend/pkg/logger"
	"github.com/angelmondragon/crumb-backend/pkg/redis"
)

const readinessTimeout = 2 * time.Second

const envHeader = "X-Crumb-Env"

func HealthLive(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(envHeader, cfg.App.Env)
		responses.WriteSuccess(w, map[string]string{"status": "live"})
	}
}

// HealthReady pings the database and redis. Either failing marks the instance unready.
func HealthReady(cfg *config.Config, logg *logger.Logger, dbP db.Pinger, redisP redis.Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(envHeader, cfg.App.Env)

		checks := map[string]func(context.Context) error{}
		if dbP != nil {
			checks["database"] = dbP.Ping
		}
		if redisP != nil {
			checks["redis"] = redisP.Ping
		}

		status := map[string]string{}
		for name, ping := range checks {
			ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
			err := ping(ctx)
			cancel()
			if err != nil {
				responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, name+" unavailable").
					WithDetails(map[string]any{"step": name}))
				return
			}
			status[name] = "ok"
		}
		status["status"] = "ready"
		responses.WriteSuccess(w, status)
	}
}
