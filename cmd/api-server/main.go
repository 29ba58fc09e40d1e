package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/hackgods/doctor-appointment-payments/internal/api"
	"github.com/hackgods/doctor-appointment-payments/internal/appointment"
	"github.com/hackgods/doctor-appointment-payments/internal/auth"
	"github.com/hackgods/doctor-appointment-payments/internal/config"
	"github.com/hackgods/doctor-appointment-payments/internal/db"
	"github.com/hackgods/doctor-appointment-payments/internal/gateway"
	"github.com/hackgods/doctor-appointment-payments/internal/logging"
	"github.com/hackgods/doctor-appointment-payments/internal/metrics"
	"github.com/hackgods/doctor-appointment-payments/internal/notify"
	redisclient "github.com/hackgods/doctor-appointment-payments/internal/redis"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		zap.L().Fatal("config load error", zap.Error(err))
	}

	logger := logging.New(cfg.LogLevel, cfg.Env)
	defer func() { _ = logger.Sync() }()
	logger.Info("api-server starting up",
		zap.String("env", cfg.Env),
		zap.String("version", cfg.Version),
		zap.String("http_port", cfg.HTTPPort))

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Connect Postgres
	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN, db.PoolOptions{ApplicationName: "api-server"})
	cancelPg()
	if err != nil {
		logger.Fatal("postgres connection error", zap.Error(err))
	}
	defer pgPool.Close()
	logger.Info("connected to Postgres")

	// Connect Redis
	rdb, err := redisclient.NewRedisClient(rootCtx, redisclient.Options{
		Addr:     cfg.RedisAddr,
		Username: cfg.RedisUsername,
		Password: cfg.RedisPassword,
	})
	if err != nil {
		logger.Fatal("redis connection error", zap.Error(err))
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Warn("error closing redis", zap.Error(err))
		}
	}()
	logger.Info("connected to Redis")

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	bookingMetrics := metrics.NewBookingMetrics(reg)
	httpMetrics := metrics.NewHTTPMetrics(reg)

	var (
		notifier appointment.Notifier = notify.NewLogPublisher(logger)
		amqpConn *amqp.Connection
	)
	if cfg.RabbitMQURL != "" {
		amqpConn, err = notify.Dial(cfg.RabbitMQURL, logger)
		if err != nil {
			logger.Fatal("rabbitmq connection error", zap.Error(err))
		}
		defer func() { _ = amqpConn.Close() }()

		pub, err := notify.NewRabbitPublisher(amqpConn, cfg.EmailQueue, logger)
		if err != nil {
			logger.Fatal("rabbitmq publisher error", zap.Error(err))
		}
		defer func() { _ = pub.Close() }()
		notifier = pub
	} else {
		logger.Warn("RABBITMQ_URL not set; email jobs are only logged")
	}

	stripe := gateway.NewStripeClient(gateway.StripeConfig{
		SecretKey:     cfg.StripeSecretKey,
		WebhookSecret: cfg.StripeWebhookSecret,
		BaseURL:       cfg.StripeBaseURL,
		Tolerance:     cfg.WebhookTolerance,
		DryRun:        cfg.StripeDryRun,
	}, logger)

	repo := appointment.NewPgRepository(pgPool, logger)
	locker := redisclient.NewRedisSlotLocker(rdb, cfg.LockTTL, logger)
	svc := appointment.NewService(repo, locker, stripe, cfg, logger).
		WithNotifier(notifier).
		WithMetrics(bookingMetrics)
	reconciler := appointment.NewReconciler(repo, stripe, logger).
		WithMetrics(bookingMetrics)

	deps := []api.Dependency{
		{Name: "postgres", Critical: true, Ping: pgPool.Ping},
		{Name: "redis", Ping: redisclient.Ping(rdb)},
	}
	if amqpConn != nil {
		deps = append(deps, api.Dependency{Name: "rabbitmq", Ping: func(context.Context) error {
			if amqpConn.IsClosed() {
				return errors.New("connection closed")
			}
			return nil
		}})
	}

	router := api.NewRouter(api.RouterConfig{
		Service:            svc,
		Reconciler:         reconciler,
		Verifier:           auth.NewVerifier(cfg.JWTSecret),
		Health:             api.NewHealthHandler(cfg.Env, cfg.Version, deps...),
		Logger:             logger,
		HTTPMetrics:        httpMetrics,
		Gatherer:           reg,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		RateLimitPerMinute: cfg.RateLimitPerMinute,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-rootCtx.Done():
	case err := <-serverErr:
		if err != nil {
			logger.Error("http server error", zap.Error(err))
		}
	}

	logger.Info("shutting down api-server", zap.Duration("timeout", cfg.ShutdownTimeout))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}
