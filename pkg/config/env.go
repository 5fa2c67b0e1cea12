package config

const (
	EnvPrefix = "CRUMB"

	AppEnvDev  = "dev"
	AppEnvProd = "prod"

	EnvAppEnv   = "CRUMB_APP_ENV"
	EnvPort     = "CRUMB_APP_PORT"
	EnvLogLevel = "CRUMB_LOG_LEVEL"

	EnvDBDSN    = "CRUMB_DB_DSN"
	EnvDBDriver = "CRUMB_DB_DRIVER"
	EnvDBHost   = "CRUMB_DB_HOST"
	EnvDBUser   = "CRUMB_DB_USER"
	EnvDBName   = "CRUMB_DB_NAME"

	EnvRedisURL = "CRUMB_REDIS_URL"

	EnvJWTSecret = "CRUMB_JWT_SECRET"
	EnvJWTIssuer = "CRUMB_JWT_ISSUER"

	EnvTaxRate         = "CRUMB_ORDERS_TAX_RATE"
	EnvStripeAPIKey    = "CRUMB_STRIPE_API_KEY"
	EnvStripeSecret    = "CRUMB_STRIPE_WEBHOOK_SECRET"
	EnvBotSecretToken  = "CRUMB_BOT_SECRET_TOKEN"
	EnvBotAllowedChats = "CRUMB_BOT_ALLOWED_CHAT_IDS"

	EnvGCPProjectID         = "CRUMB_GCP_PROJECT_ID"
	EnvPubSubNotifyTopic    = "CRUMB_PUBSUB_NOTIFICATION_TOPIC"
	EnvOutboxMaxAttempts    = "CRUMB_OUTBOX_MAX_ATTEMPTS"
	EnvCronLowStockThreshold = "CRUMB_CRON_LOW_STOCK_THRESHOLD"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}
