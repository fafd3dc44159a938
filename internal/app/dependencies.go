package app

import (
	"context"
	"fmt"
	"net/http"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/extra/redisotel/v9"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	limiter "github.com/ulule/limiter/v3"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/noah-isme/resrv-payments/internal/auth"
	"github.com/noah-isme/resrv-payments/internal/config"
	"github.com/noah-isme/resrv-payments/internal/events"
	"github.com/noah-isme/resrv-payments/internal/lock"
	"github.com/noah-isme/resrv-payments/internal/migration"
	"github.com/noah-isme/resrv-payments/internal/obs"
	"github.com/noah-isme/resrv-payments/internal/payment"
	"github.com/noah-isme/resrv-payments/internal/ratelimit"
	"github.com/noah-isme/resrv-payments/internal/reservation"
	"github.com/noah-isme/resrv-payments/internal/resilience"
)

// Dependencies holds the long lived clients shared by cmd/api and cmd/worker.
type Dependencies struct {
	Config     *config.Config
	Logger     zerolog.Logger
	DB         *pgxpool.Pool
	Redis      *redis.Client
	Tasks      *asynq.Client
	Breaker    *resilience.Breaker
	Provider   payment.Provider
	Store      reservation.Store
	Bus        *events.Bus
	Reconciler *payment.Reconciler
	Limiter    *limiter.Limiter
	Admin      *auth.AdminGuard

	closers []func() error
}

// Build connects to Postgres, Redis and the optional broker and assembles the
// reconciler. Close releases everything Build opened.
func Build(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*Dependencies, error) {
	d := &Dependencies{Config: cfg, Logger: logger}
	if err := d.build(ctx); err != nil {
		d.Close()
		return nil, err
	}
	return d, nil
}

func (d *Dependencies) build(ctx context.Context) error {
	cfg := d.Config
	if cfg.MigrateOnStart {
		if err := migration.Up(cfg.DatabaseURL); err != nil {
			return err
		}
		d.Logger.Info().Msg("migrations_applied")
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("parse database config: %w", err)
	}
	poolConfig.ConnConfig.Tracer = obs.PGXTracer{}
	if poolConfig.ConnConfig.RuntimeParams == nil {
		poolConfig.ConnConfig.RuntimeParams = map[string]string{}
	}
	poolConfig.ConnConfig.RuntimeParams["application_name"] = "resrv-payments"
	d.DB, err = pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	d.closers = append(d.closers, func() error { d.DB.Close(); return nil })
	if err := d.DB.Ping(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("parse redis url: %w", err)
	}
	d.Redis = redis.NewClient(redisOpts)
	d.closers = append(d.closers, d.Redis.Close)
	if err := redisotel.InstrumentTracing(d.Redis); err != nil {
		d.Logger.Error().Err(err).Msg("instrument redis tracing")
	}
	if err := d.Redis.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}

	taskOpt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("parse asynq redis uri: %w", err)
	}
	d.Tasks = asynq.NewClient(taskOpt)
	d.closers = append(d.closers, d.Tasks.Close)

	d.Bus = &events.Bus{
		Store:     events.PgStore{DB: d.DB},
		Notifiers: []events.Notifier{events.TaskNotifier{Client: d.Tasks, Queue: cfg.AsynqQueue, MaxRetry: 10}},
	}
	if cfg.AMQPURL != "" {
		amqpNotifier, closeAMQP, err := events.DialAMQP(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			return fmt.Errorf("connect amqp: %w", err)
		}
		d.closers = append(d.closers, closeAMQP)
		d.Bus.Notifiers = append(d.Bus.Notifiers, amqpNotifier)
	}

	d.Breaker = resilience.NewBreaker(resilience.BreakerConfig{
		Target:       cfg.PaymentProvider,
		MinRequests:  cfg.BreakerMinRequests,
		FailureRatio: cfg.BreakerFailureRatio,
		OpenFor:      cfg.BreakerOpenFor,
		Logger:       &d.Logger,
	})
	d.Provider, err = NewProvider(cfg, d.Breaker)
	if err != nil {
		return err
	}

	d.Store = reservation.PgStore{DB: d.DB}
	d.Reconciler = payment.NewReconciler(ReconcilerConfig(cfg), d.Provider, d.Store, d.Bus, d.Logger)
	d.Reconciler.Locker = lock.Locker{R: d.Redis}

	d.Limiter, err = ratelimit.New(cfg.RateLimitPublic, d.Redis)
	if err != nil {
		return err
	}
	d.Admin, err = auth.NewAdminGuard(cfg.AdminJWTSecret, "resrv-payments", "resrv-admin")
	return err
}

// Close releases resources in reverse order of acquisition.
func (d *Dependencies) Close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			d.Logger.Error().Err(err).Msg("close dependency")
		}
	}
	d.closers = nil
}

// ReconcilerConfig maps service configuration onto the reconciler.
func ReconcilerConfig(cfg *config.Config) payment.ReconcilerConfig {
	return payment.ReconcilerConfig{
		Currency:                       cfg.Currency,
		CheckoutCompleteURL:            cfg.CheckoutCompleteURL,
		WebhookURL:                     cfg.WebhookURL(),
		IncludeReservationIDInRedirect: cfg.IncludeReservationIDInRedirect,
		PendingFastPath:                cfg.PendingFastPath,
		LockTTL:                        cfg.LockTTL,
	}
}

// NewProvider builds the configured payment provider with traced outbound HTTP.
func NewProvider(cfg *config.Config, breaker *resilience.Breaker) (payment.Provider, error) {
	transport := otelhttp.NewTransport(http.DefaultTransport)
	switch cfg.PaymentProvider {
	case "mollie":
		return payment.Mollie{
			APIKey:        cfg.MollieAPIKey,
			BaseURL:       cfg.MollieBaseURL,
			WebhookSecret: cfg.MollieWebhookSecret,
			HTTP: resilience.HTTPClient{
				Client:      &http.Client{Transport: transport},
				Breaker:     breaker,
				Target:      "mollie",
				BaseBackoff: cfg.RetryBase,
				MaxAttempts: cfg.RetryMaxAttempts,
				Jitter:      0.2,
				Timeout:     cfg.OutboundTimeout,
			},
		}, nil
	case "stripe":
		return payment.NewStripe(payment.StripeConfig{
			SecretKey:      cfg.StripeSecretKey,
			PublishableKey: cfg.StripePublishableKey,
			WebhookSecret:  cfg.StripeWebhookSecret,
			HTTPClient:     &http.Client{Transport: transport, Timeout: cfg.OutboundTimeout},
		}), nil
	default:
		return nil, fmt.Errorf("%w: %s", payment.ErrUnknownProvider, cfg.PaymentProvider)
	}
}
