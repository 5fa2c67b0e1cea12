package migrate

import (
	"context"
	"fmt"

	"github.com/angelmondragon/crumb-backend/pkg/config"
	"github.com/angelmondragon/crumb-backend/pkg/db"
	"github.com/angelmondragon/crumb-backend/pkg/logger"
)

// MaybeRunDev applies the embedded migrations in dev when auto-migrate is on.
// Only postgres is migrated; sqlite schemas are created by the test helpers.
func MaybeRunDev(ctx context.Context, cfg *config.Config, logg *logger.Logger, client *db.Client) error {
	if !cfg.App.IsDev() || !cfg.FeatureFlags.AutoMigrate {
		return nil
	}
	if client.Dialect() != db.DriverPostgres {
		logg.Warn(ctx, "skipping auto-migrate for non-postgres driver")
		return nil
	}

	sqlDB, err := client.DB().DB()
	if err != nil {
		return fmt.Errorf("extracting sql.DB: %w", err)
	}

	applied, err := Up(ctx, sqlDB, Embedded())
	ctx = logg.WithFields(ctx, map[string]any{"env": cfg.App.Env, "applied": applied})
	if err != nil {
		return fmt.Errorf("dev auto-migrate: %w", err)
	}
	logg.Info(ctx, "dev auto-migrate complete")
	return nil
}
