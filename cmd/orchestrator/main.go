package main

import (
	"context"
	"database/sql"
	"flag"
	"os/signal"
	"syscall"

	"pagemeter/internal/app"
	"pagemeter/internal/config"
	"pagemeter/internal/logger"
	"pagemeter/internal/orchestrator/dispatch"
	"pagemeter/internal/pgmq"
	"pagemeter/internal/repository"
	"pagemeter/internal/service"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
)

func main() {
	// Parse mode flag
	mode := flag.String("mode", "dispatch", "Orchestrator mode: dispatch|reconcile")
	flag.Parse()

	// Initialize logger
	logger := logger.New()

	// Load environment variables
	if err := godotenv.Load(); err != nil {
		logger.Warn().Msg("Warning: no .env file found")
	}

	// Load config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Msgf("Error loading config: %v", err)
	}
	if cfg.StoreBackend != "postgres" {
		logger.Fatal().Msgf("Orchestrator requires STORE_BACKEND=postgres, got %q", cfg.StoreBackend)
	}

	// Set up context with graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize DB connection for the queue and dead letters
	db, err := sql.Open("postgres", cfg.DBConnectionString)
	if err != nil {
		logger.Fatal().Msgf("Failed to open DB connection: %v", err)
	}
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		logger.Fatal().Msgf("Failed to ping DB: %v", err)
	}
	logger.Info().Msg("Database connection established")

	// Initialize PGMQ client
	pgmqClient := pgmq.New(db)
	if err := pgmqClient.CreateQueue(ctx, cfg.DispatchQueueName); err != nil {
		logger.Fatal().Msgf("Failed to create queue %s: %v", cfg.DispatchQueueName, err)
	}
	logger.Info().Msg("PGMQ client initialized")

	a, err := app.Build(ctx, cfg, pgmq.NewDispatchQueue(pgmqClient, cfg.DispatchQueueName), logger)
	if err != nil {
		logger.Fatal().Msgf("Failed to build services: %v", err)
	}
	// waits for in-flight files before flushing the audit log
	defer a.Close()

	opts := dispatch.Options{
		QueueName:         cfg.DispatchQueueName,
		VisibilitySec:     cfg.DispatchVisibilityTimeoutSec,
		PollTimeoutSec:    cfg.DispatchPollTimeoutSec,
		PollMaxMsg:        cfg.DispatchPollMaxMsg,
		MaxReads:          cfg.DispatchMaxReads,
		StaleAfter:        cfg.ReservationStaleAfter(),
		ReconcileInterval: cfg.ReconcileInterval(),
	}

	// Dispatch to the selected orchestrator
	var runErr error
	switch *mode {
	case "dispatch":
		dlq := service.NewDLQService(repository.NewDLQRepository(db), logger)
		runErr = dispatch.Run(ctx, logger, pgmqClient, a.Scheduler, dlq, opts)
	case "reconcile":
		runErr = dispatch.RunReconcile(ctx, logger, a.Scheduler, opts)
	default:
		logger.Error().Msgf("Invalid mode: %s", *mode)
		return
	}

	if runErr != nil {
		logger.Error().Msgf("%s orchestrator failed: %v", *mode, runErr)
		return
	}

	logger.Info().Msgf("%s orchestrator stopped gracefully", *mode)
}
