package app

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/noah-isme/resrv-payments/internal/auth"
	"github.com/noah-isme/resrv-payments/internal/common"
	"github.com/noah-isme/resrv-payments/internal/health"
	"github.com/noah-isme/resrv-payments/internal/obs"
	"github.com/noah-isme/resrv-payments/internal/payment"
	"github.com/noah-isme/resrv-payments/internal/ratelimit"
	"github.com/noah-isme/resrv-payments/internal/security"
)

const defaultMaxBodyBytes = 1 << 20

// RouterConfig lists the handlers and middleware mounted by NewRouter.
type RouterConfig struct {
	Logger         zerolog.Logger
	Payments       *payment.Handler
	Health         health.Handler
	Idem           common.Idem
	Limiter        ratelimit.Limiter
	Admin          *auth.AdminGuard
	HTTPMetrics    *obs.HTTPMetrics
	MetricsHandler http.Handler
	Tracing        bool
	AllowedOrigins []string
	HSTS           bool
	MaxBodyBytes   int64
}

// NewRouter builds the public HTTP surface.
func NewRouter(rc RouterConfig) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if rc.Tracing {
		r.Use(obs.TracingMiddleware)
	}
	if rc.HTTPMetrics != nil {
		r.Use(obs.HTTPObs{Metrics: rc.HTTPMetrics}.Middleware)
	}
	r.Use(obs.RequestLogger{Logger: rc.Logger}.Middleware)
	r.Use(security.Headers{EnableHSTS: rc.HSTS}.Middleware)
	origins := rc.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key"},
		MaxAge:         300,
	}))

	if rc.MetricsHandler != nil {
		r.Handle("/metrics", rc.MetricsHandler)
	}
	r.Get("/health/live", rc.Health.Live)
	r.Get("/health/ready", rc.Health.Ready)

	limit := ratelimit.Handler{
		Limiter: rc.Limiter,
		OnError: func(err error) { rc.Logger.Warn().Err(err).Msg("rate_limiter_unavailable") },
	}

	maxBody := rc.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = defaultMaxBodyBytes
	}

	r.Route("/api/v1", func(v chi.Router) {
		v.Use(security.BodyLimit{Max: maxBody}.Middleware)
		v.Route("/payments", func(p chi.Router) {
			p.Use(limit.Middleware)
			p.With(rc.Idem.Middleware).Post("/intent", rc.Payments.Intent)
			p.Get("/redirect-back", rc.Payments.RedirectBack)
			p.Get("/pending", rc.Payments.Pending)
		})
		// Not rate limited: providers retry deliveries until one is acknowledged.
		v.Post("/webhooks/payment/{provider}", rc.Payments.Webhook)
		v.Route("/admin", func(admin chi.Router) {
			admin.Use(rc.Admin.RequireAdmin)
			admin.Post("/reservations/{id}/refund", rc.Payments.Refund)
		})
	})
	return r
}
