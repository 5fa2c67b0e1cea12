package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/shopspring/decimal"
)

type Config struct {
	App          AppConfig
	Service      ServiceConfig
	DB           DBConfig
	Redis        RedisConfig
	JWT          JWTConfig
	FeatureFlags FeatureFlagsConfig
	Orders       OrdersConfig
	Deposits     DepositsConfig
	Stripe       StripeConfig
	Bot          BotConfig
	GCP          GCPConfig
	PubSub       PubSubConfig
	Outbox       OutboxConfig
	Cron         CronConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.DB.ensureDSN(); err != nil {
		return nil, err
	}
	if _, err := cfg.Orders.TaxRateDecimal(); err != nil {
		return nil, err
	}
	if err := cfg.Deposits.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string   `envconfig:"CRUMB_APP_ENV" required:"true"`
	Port         string   `envconfig:"CRUMB_APP_PORT" required:"true"`
	LogLevel     string   `envconfig:"CRUMB_LOG_LEVEL" default:"info"`
	LogWarnStack bool     `envconfig:"CRUMB_LOG_WARN_STACK" default:"false"`
	PublicURL    string   `envconfig:"CRUMB_PUBLIC_URL" default:"http://localhost:3000"`
	CORSOrigins  []string `envconfig:"CRUMB_CORS_ORIGINS"`
	MetricsAddr  string   `envconfig:"CRUMB_METRICS_ADDR"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type ServiceConfig struct {
	Kind string `envconfig:"CRUMB_SERVICE_KIND" default:"api"`
}

type DBConfig struct {
	DSN    string `envconfig:"CRUMB_DB_DSN"`
	Driver string `envconfig:"CRUMB_DB_DRIVER" default:"postgres"`

	LegacyHost     string `envconfig:"CRUMB_DB_HOST"`
	LegacyPort     int    `envconfig:"CRUMB_DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"CRUMB_DB_USER"`
	LegacyPassword string `envconfig:"CRUMB_DB_PASSWORD"`
	LegacyName     string `envconfig:"CRUMB_DB_NAME"`
	LegacySSLMode  string `envconfig:"CRUMB_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"CRUMB_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"CRUMB_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"CRUMB_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"CRUMB_DB_CONN_MAX_IDLE_TIME" default:"10m"`
	SlowQuery       time.Duration `envconfig:"CRUMB_DB_SLOW_QUERY" default:"200ms"`
	TxAttempts      uint          `envconfig:"CRUMB_DB_TX_ATTEMPTS" default:"3"`
}

type RedisConfig struct {
	URL          string        `envconfig:"CRUMB_REDIS_URL" required:"true"`
	Address      string        `envconfig:"CRUMB_REDIS_ADDR"`
	Password     string        `envconfig:"CRUMB_REDIS_PASSWORD"`
	DB           int           `envconfig:"CRUMB_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"CRUMB_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"CRUMB_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"CRUMB_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"CRUMB_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"CRUMB_REDIS_WRITE_TIMEOUT" default:"5s"`
}

// JWTConfig verifies admin bearer tokens. Tokens are issued elsewhere.
type JWTConfig struct {
	Secret string        `envconfig:"CRUMB_JWT_SECRET" required:"true"`
	Issuer string        `envconfig:"CRUMB_JWT_ISSUER" required:"true"`
	Leeway time.Duration `envconfig:"CRUMB_JWT_LEEWAY" default:"30s"`
}

type FeatureFlagsConfig struct {
	UseSQLite   bool `envconfig:"CRUMB_USE_SQLITE" default:"false"`
	AutoMigrate bool `envconfig:"CRUMB_AUTO_MIGRATE" default:"false"`
}

type OrdersConfig struct {
	TaxRate        string        `envconfig:"CRUMB_ORDERS_TAX_RATE" default:"0.10"`
	Currency       string        `envconfig:"CRUMB_ORDERS_CURRENCY" default:"usd"`
	NumberPrefix   string        `envconfig:"CRUMB_ORDERS_NUMBER_PREFIX" default:"CRB"`
	AbandonedAfter time.Duration `envconfig:"CRUMB_ORDERS_ABANDONED_AFTER" default:"2h"`
	DecisionLease  time.Duration `envconfig:"CRUMB_ORDERS_DECISION_LEASE" default:"2m"`
}

// TaxRateDecimal parses the configured fractional tax rate (0.10 == 10%).
func (o OrdersConfig) TaxRateDecimal() (decimal.Decimal, error) {
	rate, err := decimal.NewFromString(strings.TrimSpace(o.TaxRate))
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s: %w", EnvTaxRate, err)
	}
	if rate.IsNegative() || rate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return decimal.Zero, fmt.Errorf("%s must be in [0,1), got %s", EnvTaxRate, o.TaxRate)
	}
	return rate, nil
}

type DepositsConfig struct {
	MinPercentage int `envconfig:"CRUMB_DEPOSIT_MIN_PERCENTAGE" default:"10"`
	MaxPercentage int `envconfig:"CRUMB_DEPOSIT_MAX_PERCENTAGE" default:"90"`
}

func (d DepositsConfig) validate() error {
	if d.MinPercentage < 1 || d.MaxPercentage > 99 || d.MinPercentage > d.MaxPercentage {
		return fmt.Errorf("invalid deposit percentage bounds [%d,%d]", d.MinPercentage, d.MaxPercentage)
	}
	return nil
}

type StripeConfig struct {
	APIKey        string        `envconfig:"CRUMB_STRIPE_API_KEY"`
	WebhookSecret string        `envconfig:"CRUMB_STRIPE_WEBHOOK_SECRET"`
	Env           string        `envconfig:"CRUMB_STRIPE_ENV" default:"test"`
	SuccessURL    string        `envconfig:"CRUMB_STRIPE_SUCCESS_URL" default:"http://localhost:3000/orders/{ORDER_NUMBER}/thanks"`
	CancelURL     string        `envconfig:"CRUMB_STRIPE_CANCEL_URL" default:"http://localhost:3000/orders/{ORDER_NUMBER}"`
	CallTimeout   time.Duration `envconfig:"CRUMB_STRIPE_CALL_TIMEOUT" default:"20s"`
}

// Environment returns the normalized Stripe environment (test/live).
func (s StripeConfig) Environment() string {
	env := strings.TrimSpace(strings.ToLower(s.Env))
	if env == "" {
		return "test"
	}
	return env
}

// BotConfig authorizes chat-bot approval callbacks.
type BotConfig struct {
	SecretToken    string        `envconfig:"CRUMB_BOT_SECRET_TOKEN"`
	AllowedChatIDs []string      `envconfig:"CRUMB_BOT_ALLOWED_CHAT_IDS"`
	RateLimit      int           `envconfig:"CRUMB_BOT_RATE_LIMIT" default:"30"`
	RateWindow     time.Duration `envconfig:"CRUMB_BOT_RATE_WINDOW" default:"1m"`
}

type GCPConfig struct {
	ProjectID string `envconfig:"CRUMB_GCP_PROJECT_ID"`
}

type PubSubConfig struct {
	NotificationTopic string `envconfig:"CRUMB_PUBSUB_NOTIFICATION_TOPIC" default:"crumb-notifications"`
	OrdersTopic       string `envconfig:"CRUMB_PUBSUB_ORDERS_TOPIC" default:"crumb-order-events"`
}

type OutboxConfig struct {
	BatchSize      int           `envconfig:"CRUMB_OUTBOX_PUBLISH_BATCH_SIZE" default:"50"`
	PollIntervalMS int           `envconfig:"CRUMB_OUTBOX_PUBLISH_POLL_MS" default:"500"`
	MaxAttempts    int           `envconfig:"CRUMB_OUTBOX_MAX_ATTEMPTS" default:"10"`
	DeliveryTTL    time.Duration `envconfig:"CRUMB_OUTBOX_DELIVERY_TTL" default:"24h"`
	Retention      time.Duration `envconfig:"CRUMB_OUTBOX_RETENTION" default:"720h"`
}

type CronConfig struct {
	Tick              time.Duration `envconfig:"CRUMB_CRON_TICK" default:"1m"`
	LowStockThreshold int           `envconfig:"CRUMB_CRON_LOW_STOCK_THRESHOLD" default:"5"`
}

func (db *DBConfig) ensureDSN() error {
	if db.DSN != "" {
		return nil
	}

	missing := []string{}
	legacyValues := map[string]string{
		EnvDBHost: db.LegacyHost,
		EnvDBUser: db.LegacyUser,
		EnvDBName: db.LegacyName,
	}
	for _, env := range legacyDBEnvVars {
		if legacyValues[env] == "" {
			missing = append(missing, env)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("either %s or %s are required", EnvDBDSN, strings.Join(missing, ", "))
	}

	userInfo := url.User(db.LegacyUser)
	if db.LegacyPassword != "" {
		userInfo = url.UserPassword(db.LegacyUser, db.LegacyPassword)
	}

	u := &url.URL{
		Scheme: "postgres",
		User:   userInfo,
		Host:   fmt.Sprintf("%s:%d", db.LegacyHost, db.LegacyPort),
		Path:   db.LegacyName,
	}
	if db.LegacySSLMode != "" {
		q := u.Query()
		q.Set("sslmode", db.LegacySSLMode)
		u.RawQuery = q.Encode()
	}

	db.DSN = u.String()
	return nil
}
