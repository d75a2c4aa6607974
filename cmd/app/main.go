package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pagemeter/internal/api/v1/router"
	"pagemeter/internal/app"
	"pagemeter/internal/config"
	"pagemeter/internal/logger"
	"pagemeter/internal/pgmq"
	"pagemeter/internal/service"

	"github.com/joho/godotenv"
)

func main() {
	logger := logger.New()

	// 1. Load configuration
	if err := godotenv.Load(); err != nil {
		logger.Warn().Msg("Warning: no .env file found")
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Msgf("Error loading config: %v", err)
	}

	ctx := context.Background()

	// 2. Dispatch queue; without postgres, jobs run in-process
	var queue service.DispatchQueue
	if cfg.StoreBackend == "postgres" {
		var (
			queueDB *sql.DB
			client  *pgmq.Client
		)
		queueDB, client, err = app.OpenQueue(ctx, cfg)
		if err != nil {
			logger.Fatal().Msgf("Failed to open dispatch queue: %v", err)
		}
		defer queueDB.Close()
		queue = pgmq.NewDispatchQueue(client, cfg.DispatchQueueName)
		logger.Info().Str("queue", cfg.DispatchQueueName).Msg("PGMQ dispatch queue ready")
	}

	// 3. Build services
	a, err := app.Build(ctx, cfg, queue, logger)
	if err != nil {
		logger.Fatal().Msgf("Failed to build services: %v", err)
	}
	defer a.Close()

	var stripeSvc *service.StripeService
	if cfg.StripeSecretKey != "" {
		stripeSvc = service.NewStripeService(cfg.StripeSecretKey, cfg.StripeWebhookSecret, a.Ledger, logger)
	}

	r := router.New(router.Deps{
		Scheduler:      a.Scheduler,
		Ledger:         a.Ledger,
		Stripe:         stripeSvc,
		JWTSecret:      cfg.JWTSecret,
		MaxUploadBytes: int64(cfg.MaxFilesPerJob) * int64(cfg.MaxFileSizeMB) << 20,
		AllowedOrigins: cfg.CORSAllowedOrigins,
	}, logger)

	// 4. Create HTTP server
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  2 * time.Minute,
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	// 5. Start server in a goroutine
	go func() {
		logger.Info().Msgf("Server starting on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Msgf("Listen: %s", err)
		}
	}()

	// 6. Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info().Msg("Shutdown signal received, exiting...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Msgf("Server forced to shutdown: %v", err)
	}
	logger.Info().Msg("Server shut down gracefully")
}
