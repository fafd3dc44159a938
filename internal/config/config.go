package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	AppEnv      string
	Port        string
	DatabaseURL string
	RedisURL    string

	LogFormat string
	LogLevel  string

	PaymentProvider string
	Currency        string

	MollieAPIKey        string
	MollieBaseURL       string
	MollieWebhookSecret string

	StripeSecretKey      string
	StripePublishableKey string
	StripeWebhookSecret  string

	CheckoutCompleteURL            string
	WebhookBaseURL                 string
	IncludeReservationIDInRedirect bool
	PendingFastPath                bool

	LockTTL          time.Duration
	IdempotencyTTL   time.Duration
	OutboundTimeout  time.Duration
	RetryMaxAttempts int
	RetryBase        time.Duration

	BreakerMinRequests  int
	BreakerFailureRatio float64
	BreakerOpenFor      time.Duration

	AdminJWTSecret string

	AMQPURL      string
	AMQPExchange string

	AsynqQueue       string
	AsynqConcurrency int

	RateLimitPublic string
	MigrateOnStart  bool

	CORSAllowedOrigins []string

	MetricsNamespace string
	HTTPBuckets      string

	TracingExporter string
	TracingEndpoint string
	TracingSampling float64

	EmailFrom     string
	EmailNotifyTo string
}

// Load reads configuration from environment variables and optional .env files.
func Load() (*Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")
	if err := k.Load(env.Provider("", ".", func(s string) string { return s }), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	cfg := &Config{
		AppEnv:      valueOrDefault(k.String("APP_ENV"), "development"),
		Port:        valueOrDefault(k.String("PORT"), "8080"),
		DatabaseURL: k.String("DATABASE_URL"),
		RedisURL:    k.String("REDIS_URL"),

		LogFormat: valueOrDefault(k.String("LOG_FORMAT"), "json"),
		LogLevel:  valueOrDefault(k.String("LOG_LEVEL"), "info"),

		PaymentProvider: strings.ToLower(valueOrDefault(k.String("PAYMENT_PROVIDER"), "mollie")),
		Currency:        strings.ToUpper(valueOrDefault(k.String("PAYMENT_CURRENCY"), "EUR")),

		MollieAPIKey:        k.String("MOLLIE_API_KEY"),
		MollieBaseURL:       valueOrDefault(k.String("MOLLIE_BASE_URL"), "https://api.mollie.com"),
		MollieWebhookSecret: k.String("MOLLIE_WEBHOOK_SECRET"),

		StripeSecretKey:      k.String("STRIPE_SECRET_KEY"),
		StripePublishableKey: k.String("STRIPE_PUBLISHABLE_KEY"),
		StripeWebhookSecret:  k.String("STRIPE_WEBHOOK_SECRET"),

		CheckoutCompleteURL:            k.String("CHECKOUT_COMPLETE_URL"),
		WebhookBaseURL:                 strings.TrimRight(k.String("WEBHOOK_BASE_URL"), "/"),
		IncludeReservationIDInRedirect: parseBoolDefault(k.String("REDIRECT_INCLUDE_RESERVATION_ID"), true),
		PendingFastPath:                parseBoolDefault(k.String("PAYMENT_PENDING_FAST_PATH"), false),

		LockTTL:          parseDuration(k.String("RESERVATION_LOCK_TTL"), "10s"),
		IdempotencyTTL:   parseDuration(k.String("IDEMPOTENCY_TTL"), "24h"),
		OutboundTimeout:  parseDuration(k.String("PROVIDER_TIMEOUT"), "10s"),
		RetryMaxAttempts: parseInt(k.String("PROVIDER_RETRY_MAX_ATTEMPTS"), 3),
		RetryBase:        parseDuration(k.String("PROVIDER_RETRY_BASE"), "200ms"),

		BreakerMinRequests:  parseInt(k.String("BREAKER_MIN_REQUESTS"), 10),
		BreakerFailureRatio: parseFloat(k.String("BREAKER_FAILURE_RATIO"), 0.5),
		BreakerOpenFor:      parseDuration(k.String("BREAKER_OPEN_FOR"), "30s"),

		AdminJWTSecret: k.String("ADMIN_JWT_SECRET"),

		AMQPURL:      k.String("AMQP_URL"),
		AMQPExchange: valueOrDefault(k.String("AMQP_EXCHANGE"), "reservations"),

		AsynqQueue:       valueOrDefault(k.String("ASYNQ_QUEUE"), "reservations"),
		AsynqConcurrency: parseInt(k.String("ASYNQ_CONCURRENCY"), 10),

		RateLimitPublic: valueOrDefault(k.String("RATE_LIMIT_PUBLIC"), "120-M"),
		MigrateOnStart:  parseBoolDefault(k.String("MIGRATE_ON_START"), false),

		CORSAllowedOrigins: splitAndTrim(k.String("CORS_ALLOWED_ORIGINS")),

		MetricsNamespace: valueOrDefault(k.String("METRICS_NAMESPACE"), "resrv"),
		HTTPBuckets:      k.String("HTTP_BUCKETS_MS"),

		TracingExporter: valueOrDefault(k.String("OTEL_TRACES_EXPORTER"), "none"),
		TracingEndpoint: k.String("OTEL_EXPORTER_OTLP_ENDPOINT"),
		TracingSampling: parseFloat(k.String("OTEL_TRACES_SAMPLER_ARG"), 1),

		EmailFrom:     valueOrDefault(k.String("EMAIL_FROM"), "reservations@localhost"),
		EmailNotifyTo: k.String("EMAIL_NOTIFY_TO"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required")
	}
	if c.RedisURL == "" {
		return errors.New("REDIS_URL is required")
	}
	if c.CheckoutCompleteURL == "" {
		return errors.New("CHECKOUT_COMPLETE_URL is required")
	}
	if c.AdminJWTSecret == "" {
		return errors.New("ADMIN_JWT_SECRET is required")
	}
	switch c.PaymentProvider {
	case "mollie":
		if c.MollieAPIKey == "" {
			return errors.New("MOLLIE_API_KEY is required for the mollie provider")
		}
	case "stripe":
		if c.StripeSecretKey == "" {
			return errors.New("STRIPE_SECRET_KEY is required for the stripe provider")
		}
		if c.StripeWebhookSecret == "" {
			return errors.New("STRIPE_WEBHOOK_SECRET is required for the stripe provider")
		}
	default:
		return fmt.Errorf("unsupported PAYMENT_PROVIDER %q", c.PaymentProvider)
	}
	return nil
}

// HTTPAddr returns the address the HTTP server should bind to.
func (c *Config) HTTPAddr() string {
	port := strings.TrimSpace(c.Port)
	if port == "" {
		port = "8080"
	}
	if strings.HasPrefix(port, ":") {
		return port
	}
	return ":" + port
}

// WebhookURL is the provider callback address for the configured provider.
func (c *Config) WebhookURL() string {
	if c.WebhookBaseURL == "" {
		return ""
	}
	return c.WebhookBaseURL + "/api/v1/webhooks/payment/" + c.PaymentProvider
}

// IsProduction reports whether APP_ENV names a production deployment.
func (c *Config) IsProduction() bool {
	env := strings.ToLower(c.AppEnv)
	return env == "production" || env == "prod"
}

func splitAndTrim(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func valueOrDefault(value, fallback string) string {
	if strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return fallback
}

func parseDuration(value, fallback string) time.Duration {
	base := strings.TrimSpace(value)
	if base == "" {
		base = fallback
	}
	d, err := time.ParseDuration(base)
	if err != nil {
		d, _ = time.ParseDuration(fallback)
	}
	return d
}

func parseInt(value string, fallback int) int {
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func parseFloat(value string, fallback float64) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil || f <= 0 {
		return fallback
	}
	return f
}

func parseBoolDefault(value string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

// MustLoad behaves like Load but panics on error. Useful for tests and command entrypoints.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// LoadForTests allows tests to override environment variables without touching the real environment.
func LoadForTests(env map[string]string) (*Config, error) {
	original := make(map[string]string, len(env))
	for key := range env {
		original[key] = os.Getenv(key)
		if err := setEnvVar(key, env[key]); err != nil {
			return nil, err
		}
	}
	cfg, err := Load()
	restoreErr := restoreEnv(original)
	if err != nil {
		return nil, err
	}
	return cfg, restoreErr
}

func setEnvVar(key, value string) error {
	if value == "" {
		return os.Unsetenv(key)
	}
	return os.Setenv(key, value)
}

func restoreEnv(values map[string]string) error {
	var errs []string
	for key, value := range values {
		if err := setEnvVar(key, value); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", key, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("restore env: %s", strings.Join(errs, "; "))
	}
	return nil
}
