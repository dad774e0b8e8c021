// Package app wires repositories, notification channels and the alert
// engine from configuration. Both the API server and alertctl build on it.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"

	"github.com/cropalert/backend/internal/config"
	"github.com/cropalert/backend/internal/database"
	"github.com/cropalert/backend/internal/notify"
	"github.com/cropalert/backend/internal/notify/email"
	"github.com/cropalert/backend/internal/notify/sms"
	"github.com/cropalert/backend/internal/repository"
	"github.com/cropalert/backend/internal/scheduler"
	"github.com/cropalert/backend/internal/service"
)

const defaultDatabaseURL = "postgres://localhost:5432/cropalert?sslmode=disable"

// App holds the long-lived components of a process.
type App struct {
	DB *sqlx.DB

	Subscriptions *service.SubscriptionService
	Prices        *service.PriceService
	Runner        *service.AlertRunner
	Scheduler     *scheduler.Scheduler
}

// DatabaseURL returns the configured URL or the local development default.
func DatabaseURL(cfg *config.Config) string {
	if cfg.DatabaseURL == "" {
		return defaultDatabaseURL
	}
	return cfg.DatabaseURL
}

// New connects to the database, applies migrations and builds the engine.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	dbURL := DatabaseURL(cfg)

	db, err := database.Connect(ctx, database.Config{
		URL:             dbURL,
		MaxOpenConns:    cfg.Alerts.WorkerConcurrency + 5,
		ConnectAttempts: cfg.DBConnectAttempts,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	if err := database.Migrate(dbURL, logger); err != nil {
		_ = db.Close()
		return nil, err
	}

	a, err := Build(db, cfg, logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return a, nil
}

// Build assembles the services on an open database.
func Build(db *sqlx.DB, cfg *config.Config, logger *slog.Logger) (*App, error) {
	subRepo := repository.NewSubscriptionRepository(db)
	priceRepo := repository.NewPriceRepository(db)
	dispatchRepo := repository.NewDispatchRepository(db)

	smsSender, emailSender, err := Senders(cfg, logger)
	if err != nil {
		return nil, err
	}

	renderer, err := notify.NewRenderer(cfg.SMS.MaxLength)
	if err != nil {
		return nil, fmt.Errorf("load templates: %w", err)
	}

	runner := service.NewAlertRunner(
		subRepo,
		dispatchRepo,
		priceRepo,
		renderer,
		notify.NewDispatcher(smsSender, emailSender, logger),
		service.RunnerConfig{Concurrency: cfg.Alerts.WorkerConcurrency},
	)

	sched := scheduler.New(scheduler.Config{
		Schedule: cfg.Alerts.Schedule,
		Timeout:  cfg.Alerts.RunTimeout,
		Enabled:  cfg.Alerts.Enabled,
	}, runner, scheduler.NewMetricsCollector(), logger)

	return &App{
		DB:            db,
		Subscriptions: service.NewSubscriptionService(subRepo, dispatchRepo, priceRepo),
		Prices:        service.NewPriceService(priceRepo, cfg.DefaultCurrency),
		Runner:        runner,
		Scheduler:     sched,
	}, nil
}

// Senders builds the enabled channel senders. A disabled channel is
// returned as a nil interface so the dispatcher reports it as skipped.
func Senders(cfg *config.Config, logger *slog.Logger) (notify.SMSSender, notify.EmailSender, error) {
	var (
		smsSender   notify.SMSSender
		emailSender notify.EmailSender
	)

	if cfg.SMS.Enabled {
		s, err := sms.NewSender(sms.Config{
			Enabled:       true,
			GatewayURL:    cfg.SMS.GatewayURL,
			APIKey:        cfg.SMS.APIKey,
			SenderID:      cfg.SMS.SenderID,
			Timeout:       cfg.SMS.Timeout,
			RatePerSecond: cfg.SMS.RatePerSecond,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		smsSender = s
	} else {
		logger.Warn("SMS channel disabled; sms alerts will be skipped")
	}

	if cfg.SMTP.Enabled {
		s, err := email.NewSender(email.Config{
			Enabled:  true,
			Host:     cfg.SMTP.Host,
			Port:     cfg.SMTP.Port,
			Username: cfg.SMTP.User,
			Password: cfg.SMTP.Password,
			From:     cfg.SMTP.From,
			Timeout:  cfg.SMTP.Timeout,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		emailSender = s
	} else {
		logger.Warn("SMTP channel disabled; email alerts will be skipped")
	}

	return smsSender, emailSender, nil
}

// Close releases the database pool.
func (a *App) Close() error {
	return a.DB.Close()
}
