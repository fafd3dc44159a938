package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/noah-isme/resrv-payments/internal/app"
	"github.com/noah-isme/resrv-payments/internal/common"
	"github.com/noah-isme/resrv-payments/internal/config"
	"github.com/noah-isme/resrv-payments/internal/health"
	"github.com/noah-isme/resrv-payments/internal/obs"
	"github.com/noah-isme/resrv-payments/internal/payment"
)

func main() {
	cfg := config.MustLoad()
	logger := obs.NewLogger(cfg.LogFormat, cfg.LogLevel).With().Str("env", cfg.AppEnv).Str("provider", cfg.PaymentProvider).Logger()

	obs.MustRegisterDomainMetrics(cfg.MetricsNamespace, nil)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tracingEnabled := cfg.TracingExporter != "none" && cfg.TracingExporter != "noop"
	shutdownTracer, err := obs.InitTracer(ctx, obs.TracingConfig{
		ServiceName:   "resrv-payments",
		Endpoint:      cfg.TracingEndpoint,
		Exporter:      cfg.TracingExporter,
		SamplingRatio: cfg.TracingSampling,
		Environment:   cfg.AppEnv,
	})
	if err != nil {
		logger.Error().Err(err).Msg("initialise tracing")
		tracingEnabled = false
	} else {
		defer func() {
			if err := shutdownTracer(context.Background()); err != nil {
				logger.Error().Err(err).Msg("shutdown tracer")
			}
		}()
	}

	startCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	deps, err := app.Build(startCtx, cfg, logger)
	cancel()
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise dependencies")
	}
	defer deps.Close()

	healthHandler := health.Handler{
		Probes: map[string]health.Probe{
			"db":    health.PingDB(deps.DB),
			"redis": func(ctx context.Context) error { return deps.Redis.Ping(ctx).Err() },
		},
		Timeout:  500 * time.Millisecond,
		Provider: func() health.BreakerState { return deps.Breaker.State() },
	}

	router := app.NewRouter(app.RouterConfig{
		Logger:         logger,
		Payments:       payment.NewHandler(deps.Reconciler, logger),
		Health:         healthHandler,
		Idem:           common.Idem{R: deps.Redis, TTL: cfg.IdempotencyTTL},
		Limiter:        deps.Limiter,
		Admin:          deps.Admin,
		HTTPMetrics:    obs.NewHTTPMetrics(cfg.MetricsNamespace, obs.ParseBucketsCSV(cfg.HTTPBuckets), nil),
		MetricsHandler: promhttp.Handler(),
		Tracing:        tracingEnabled,
		AllowedOrigins: cfg.CORSAllowedOrigins,
		HSTS:           cfg.IsProduction(),
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		health.SetReady(false)
		logger.Info().Msg("server draining")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("server shutdown")
		}
	}()

	logger.Info().Str("addr", srv.Addr).Msg("server starting")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal().Err(err).Msg("server exited unexpectedly")
	}
	logger.Info().Msg("server stopped")
}
