package main

import (
	"context"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/hackgods/doctor-appointment-payments/internal/config"
	"github.com/hackgods/doctor-appointment-payments/internal/logging"
	"github.com/hackgods/doctor-appointment-payments/internal/notify"
)

// notify-worker drains the email job queue and delivers through SendGrid,
// or logs the messages when no API key is configured.
func main() {
	cfg, err := config.Load()
	if err != nil {
		zap.L().Fatal("config load error", zap.Error(err))
	}

	logger := logging.New(cfg.LogLevel, cfg.Env)
	defer func() { _ = logger.Sync() }()

	if cfg.RabbitMQURL == "" {
		logger.Fatal("RABBITMQ_URL is required for notify-worker")
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	conn, err := notify.Dial(cfg.RabbitMQURL, logger)
	if err != nil {
		logger.Fatal("rabbitmq connection error", zap.Error(err))
	}
	defer func() { _ = conn.Close() }()

	var sender notify.EmailSender = notify.NewStubEmailSender(logger)
	if sg := notify.NewSendGridSender(notify.SendGridConfig{
		APIKey:    cfg.SendGridAPIKey,
		FromEmail: cfg.SendGridFromEmail,
		FromName:  cfg.SendGridFromName,
	}, logger); sg != nil {
		sender = sg
	} else {
		logger.Warn("SENDGRID_API_KEY not set; emails are logged instead of sent")
	}

	consumer := notify.NewConsumer(conn, cfg.EmailQueue, 10, sender, logger)
	if err := consumer.Run(rootCtx); err != nil {
		logger.Fatal("email consumer stopped", zap.Error(err))
	}
	logger.Info("notify-worker stopped")
}
