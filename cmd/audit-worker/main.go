package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/enterprise/aml-engine/configs"
	"github.com/enterprise/aml-engine/internal/events"
	"github.com/enterprise/aml-engine/internal/queue"
	"github.com/enterprise/aml-engine/internal/repositories"
)

// This worker does NOT evaluate transactions; the stream workers own that
// path. It drains the Kafka audit topic into the compliance_events table and
// keeps recent events and live counters warm in Redis for the dashboards.

func main() {
	// Load .env file if exists
	_ = godotenv.Load()

	cfg := configs.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	setupLogging(cfg.Server.Environment)

	log.Info().
		Strs("brokers", cfg.Kafka.Brokers).
		Str("topic", cfg.Kafka.AuditTopic).
		Str("group_id", cfg.Kafka.ConsumerGroup).
		Msg("Starting AML Compliance Audit Worker")

	// Connect to database for the durable audit trail
	db, err := repositories.NewDatabase(cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()

	// Connect to Redis for the dashboard caches
	cacheClient, err := queue.NewCacheClient(cfg.Redis)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer cacheClient.Close()

	eventRepo := repositories.NewEventRepository(db)

	// Create Kafka consumer
	config := sarama.NewConfig()
	config.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	config.Consumer.Offsets.Initial = sarama.OffsetNewest
	config.Consumer.Return.Errors = true
	config.Version = sarama.V3_0_0_0

	// Retry connecting to Kafka
	var consumerGroup sarama.ConsumerGroup
	for i := 0; i < 30; i++ {
		consumerGroup, err = sarama.NewConsumerGroup(cfg.Kafka.Brokers, cfg.Kafka.ConsumerGroup, config)
		if err == nil {
			break
		}
		log.Warn().Err(err).Int("attempt", i+1).Msg("Failed to connect to Kafka, retrying...")
		time.Sleep(5 * time.Second)
	}
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create Kafka consumer group after retries")
	}
	defer consumerGroup.Close()

	consumer := events.NewAuditConsumer(eventRepo, cacheClient)

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		log.Info().Msg("Shutdown signal received, stopping audit worker...")
		cancel()
	}()

	// Log counter snapshots every 30 seconds
	go consumer.StartReporter(ctx, 30*time.Second)

	log.Info().Msg("Audit worker started - consuming compliance events")

	topics := []string{cfg.Kafka.AuditTopic}
	for {
		if err := consumerGroup.Consume(ctx, topics, consumer); err != nil {
			log.Error().Err(err).Msg("Error from consumer")
		}

		if ctx.Err() != nil {
			log.Info().Msg("Context cancelled, shutting down audit worker")
			return
		}
	}
}

func setupLogging(env string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	if env == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
