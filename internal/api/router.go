package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/hackgods/doctor-appointment-payments/internal/auth"
	"github.com/hackgods/doctor-appointment-payments/internal/metrics"
)

type RouterConfig struct {
	Service    AppointmentService
	Reconciler WebhookReconciler
	Verifier   *auth.Verifier
	Health     *HealthHandler
	Logger     *zap.Logger

	HTTPMetrics *metrics.HTTPMetrics
	Gatherer    prometheus.Gatherer // nil disables /metrics

	CORSAllowedOrigins []string
	RateLimitPerMinute int // 0 disables rate limiting
}

func NewRouter(cfg RouterConfig) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(logger, cfg.HTTPMetrics))
	r.Use(middleware.Recoverer)

	origins := cfg.CORSAllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	limit := func(next http.Handler) http.Handler { return next }
	if cfg.RateLimitPerMinute > 0 {
		limit = httprate.LimitByIP(cfg.RateLimitPerMinute, time.Minute)
	}

	if cfg.Health != nil {
		r.Get("/health/live", cfg.Health.Liveness)
		r.Get("/health/ready", cfg.Health.Readiness)
	}
	if cfg.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}

	// signed by the gateway; no session auth. Never rate limited: a rejected
	// delivery is retried with backoff and would leave holds unsettled.
	wh := &webhookHandler{reconciler: cfg.Reconciler, logger: logger}
	r.Post("/payments/webhook", wh.ServeHTTP)

	h := &appointmentHandlers{svc: cfg.Service, logger: logger}
	r.Route("/appointments", func(r chi.Router) {
		r.Use(auth.Middleware(cfg.Verifier, logger))

		r.Group(func(r chi.Router) {
			r.Use(limit)
			r.Use(auth.RequireRole(auth.RolePatient, auth.RoleAdmin, auth.RoleSuperAdmin))
			r.Post("/", h.create)
			r.Post("/book-with-pay-later", h.createPayLater)
			r.Post("/pay-later/{appointmentId}", h.payLater)
			r.Patch("/{id}/cancel", h.cancel)
		})

		r.Group(func(r chi.Router) {
			r.Use(auth.RequireRole(auth.RoleAdmin, auth.RoleSuperAdmin))
			r.Get("/", h.list)
			r.Post("/{id}/confirm-payment", h.confirmPayment)
		})

		r.Get("/mine", h.mine)
		r.Get("/{id}", h.get)
	})

	return r
}
