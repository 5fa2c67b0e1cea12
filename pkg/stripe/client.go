package stripe

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v84"

	"github.com/angelmondragon/crumb-backend/pkg/config"
	"github.com/angelmondragon/crumb-backend/pkg/logger"
)

const appName = "crumb-backend"

var (
	errAPIKeyRequired   = errors.New("stripe api key is required")
	errSecretRequired   = errors.New("stripe webhook secret is required")
	errInvalidStripeEnv = errors.New(`stripe environment must be "test" or "live"`)
)

// keyPrefixes lists the secret and restricted key prefixes accepted per mode.
var keyPrefixes = map[string][]string{
	"test": {"sk_test_", "rk_test_"},
	"live": {"sk_live_", "rk_live_"},
}

// Client carries the validated Stripe credentials. The resource packages
// (checkout/session, paymentintent, refund) read the key configured here.
type Client struct {
	environment   string
	signingSecret string
	callTimeout   time.Duration
}

// NewClient configures the global Stripe backend once per process.
func NewClient(ctx context.Context, cfg config.StripeConfig, logg *logger.Logger) (*Client, error) {
	env := cfg.Environment()
	prefixes, ok := keyPrefixes[env]
	if !ok {
		return nil, errInvalidStripeEnv
	}

	apiKey := strings.TrimSpace(cfg.APIKey)
	signingSecret := strings.TrimSpace(cfg.WebhookSecret)
	switch {
	case apiKey == "":
		return nil, errAPIKeyRequired
	case signingSecret == "":
		return nil, errSecretRequired
	case !hasAnyPrefix(apiKey, prefixes):
		return nil, fmt.Errorf("stripe environment %q requires a %s secret key (%s)", env, env, strings.Join(prefixes, "/"))
	}

	if logg == nil {
		logg = logger.Nop()
	}

	stripe.Key = apiKey
	stripe.SetAppInfo(&stripe.AppInfo{Name: appName})
	// a failed call is re-issued by its owner; the SDK must not resend on its own
	stripe.SetBackend(stripe.APIBackend, stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     &sdkLogger{logg: logg},
	}))

	logg.Info(logg.WithField(ctx, "stripe_env", env), "stripe client initialized")

	return &Client{
		environment:   env,
		signingSecret: signingSecret,
		callTimeout:   max(cfg.CallTimeout, 0),
	}, nil
}

// Environment reports the normalized Stripe environment in use.
func (c *Client) Environment() string {
	if c == nil {
		return ""
	}
	return c.environment
}

// CallTimeout bounds a single gateway call. Zero leaves the caller's deadline in charge.
func (c *Client) CallTimeout() time.Duration {
	if c == nil {
		return 0
	}
	return c.callTimeout
}

// SigningSecret returns the webhook signing secret.
func (c *Client) SigningSecret() string {
	if c == nil {
		return ""
	}
	return c.signingSecret
}

func hasAnyPrefix(value string, prefixes []string) bool {
	for _, prefix := range prefixes {
		if strings.HasPrefix(value, prefix) {
			return true
		}
	}
	return false
}

// sdkLogger routes stripe-go's leveled output into the service logger.
type sdkLogger struct {
	logg *logger.Logger
}

func (s *sdkLogger) Debugf(format string, v ...any) {
	s.logg.Debug(context.Background(), "stripe: "+fmt.Sprintf(format, v...))
}

func (s *sdkLogger) Infof(format string, v ...any) {
	s.logg.Debug(context.Background(), "stripe: "+fmt.Sprintf(format, v...))
}

func (s *sdkLogger) Warnf(format string, v ...any) {
	s.logg.Warn(context.Background(), "stripe: "+fmt.Sprintf(format, v...))
}

func (s *sdkLogger) Errorf(format string, v ...any) {
	s.logg.Warn(context.Background(), "stripe: "+fmt.Sprintf(format, v...))
}
