package main

import (
	"context"
	"fmt"
	"time"

	"pagemeter/internal/config"
	"pagemeter/internal/logger"
	"pagemeter/internal/pubsub"

	"github.com/joho/godotenv"
)

func main() {
	// Load environment variables early for local development
	if err := godotenv.Load(); err != nil {
		fmt.Println("No .env file found, relying on system environment variables.")
	}

	logger := logger.New()
	logger.Info().Msg("Starting Pub/Sub setup for the local environment.")

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Msgf("Failed to load config: %v", err)
	}
	if cfg.GCPProjectID == "" {
		logger.Fatal().Msg("GCP_PROJECT_ID is not set in the environment.")
	}
	// never provision against a real project from here
	if cfg.PubSubEmulatorHost == "" {
		logger.Fatal().Msg("PUBSUB_EMULATOR_HOST must be set for local environment.")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pub, err := pubsub.NewPublisher(ctx, cfg)
	if err != nil {
		logger.Fatal().Msgf("Failed to create Pub/Sub client: %v", err)
	}
	defer func() {
		if err := pub.Close(); err != nil {
			logger.Error().Msgf("Failed to close pubsub client: %v", err)
		}
	}()

	sevenDays := 7 * 24 * time.Hour
	var specs []pubsub.TopicSpec
	for _, topic := range []string{cfg.PubSubAuditTopic, cfg.PubSubJobStatusTopic} {
		if topic == "" {
			continue
		}
		specs = append(specs, pubsub.TopicSpec{
			Topic:               topic,
			Retention:           sevenDays,
			AckDeadline:         60 * time.Second,
			MaxDeliveryAttempts: 5,
		})
	}
	if len(specs) == 0 {
		logger.Warn().Msg("No Pub/Sub topics configured, nothing to do.")
		return
	}
	if err := pub.Provision(ctx, specs, logger); err != nil {
		logger.Fatal().Msgf("Pub/Sub setup failed: %v", err)
	}

	logger.Info().Msg("Pub/Sub setup for local environment complete.")
}
