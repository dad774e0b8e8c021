package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cropalert/backend/internal/app"
	"github.com/cropalert/backend/internal/config"
	"github.com/cropalert/backend/internal/handler"
	"github.com/cropalert/backend/internal/logger"
)

func main() {
	// Load configuration
	cfg := config.Load()

	log := logger.Setup(cfg.Env, cfg.LogLevel)
	if cfg.IsProduction() && cfg.JWTSecret == config.DevJWTSecret {
		log.Error("JWT_SECRET must be set in production")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	a, err := app.New(ctx, cfg, log)
	cancel()
	if err != nil {
		log.Error("Failed to start", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer func() { _ = a.Close() }()

	// The scheduler doubles as the on-demand run trigger so manual runs are
	// recorded in the same health history.
	var trigger handler.RunTrigger
	if cfg.Alerts.Enabled {
		trigger = a.Scheduler
	}

	alertHandler := handler.NewAlertHandler(a.Subscriptions, a.Runner, trigger)
	priceHandler := handler.NewPriceHandler(a.Prices)

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(handler.RequestLogger)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/api/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := a.DB.PingContext(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"degraded","database":"unreachable"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Handle("/metrics", promhttp.Handler())

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(handler.AuthMiddleware)

		r.Route("/api/alerts", alertHandler.Routes)
		r.Route("/api/prices", priceHandler.Routes)
	})

	if cfg.Alerts.Enabled {
		if err := a.Scheduler.Start(); err != nil {
			log.Error("Failed to start alert scheduler", slog.String("error", err.Error()))
		} else {
			log.Info("Alert scheduler started",
				slog.String("schedule", cfg.Alerts.Schedule),
				slog.Duration("timeout", cfg.Alerts.RunTimeout),
				slog.Int("workers", cfg.Alerts.WorkerConcurrency),
			)
		}
	}

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Handle graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Info("Shutting down server...")

		// Cancels an in-flight run; it stops between subscriptions.
		if cfg.Alerts.Enabled {
			<-a.Scheduler.Stop().Done()
			log.Info("Scheduler stopped")
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error("Server shutdown error", slog.String("error", err.Error()))
		}
	}()

	log.Info("Server starting", slog.String("port", cfg.Port), slog.String("env", cfg.Env))
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error("Server failed", slog.String("error", err.Error()))
	}
}
