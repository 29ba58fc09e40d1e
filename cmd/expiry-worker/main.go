package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/hackgods/doctor-appointment-payments/internal/appointment"
	"github.com/hackgods/doctor-appointment-payments/internal/config"
	"github.com/hackgods/doctor-appointment-payments/internal/db"
	"github.com/hackgods/doctor-appointment-payments/internal/logging"
	"github.com/hackgods/doctor-appointment-payments/internal/notify"
)

// expiry-worker releases slots held by pay-later appointments that were
// never paid within PAY_LATER_HOLD_TTL.
func main() {
	cfg, err := config.Load()
	if err != nil {
		zap.L().Fatal("config load error", zap.Error(err))
	}

	logger := logging.New(cfg.LogLevel, cfg.Env)
	defer func() { _ = logger.Sync() }()

	if cfg.PayLaterHoldTTL <= 0 {
		logger.Info("PAY_LATER_HOLD_TTL is 0; expiry worker has nothing to do")
		return
	}
	logger.Info("expiry-worker starting up",
		zap.String("env", cfg.Env),
		zap.Duration("interval", cfg.WorkerInterval),
		zap.Duration("hold_ttl", cfg.PayLaterHoldTTL))

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Connect Postgres
	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN, db.PoolOptions{ApplicationName: "expiry-worker", MaxConns: 4})
	cancelPg()
	if err != nil {
		logger.Fatal("postgres connection error", zap.Error(err))
	}
	defer pgPool.Close()
	logger.Info("connected to Postgres")

	repo := appointment.NewPgRepository(pgPool, logger)
	// expiry never books, so no slot locker or checkout gateway is needed
	svc := appointment.NewService(repo, nil, nil, cfg, logger).
		WithNotifier(notify.NewLogPublisher(logger))

	// Run once at startup
	runOnce(rootCtx, svc, logger)

	ticker := time.NewTicker(cfg.WorkerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rootCtx.Done():
			logger.Info("shutdown signal received, stopping expiry worker")
			return
		case <-ticker.C:
			runOnce(rootCtx, svc, logger)
		}
	}
}

func runOnce(ctx context.Context, svc *appointment.Service, logger *zap.Logger) {
	runCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	start := time.Now()
	released, err := svc.ExpireStalePayLater(runCtx)
	if err != nil {
		logger.Error("expiry run error", zap.Error(err))
		return
	}
	logger.Info("expiry run complete",
		zap.Int("released", released),
		zap.Duration("took", time.Since(start)))
}
