package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/enterprise/aml-engine/configs"
	"github.com/enterprise/aml-engine/internal/events"
	"github.com/enterprise/aml-engine/internal/llm"
	"github.com/enterprise/aml-engine/internal/metrics"
	"github.com/enterprise/aml-engine/internal/monitor"
	"github.com/enterprise/aml-engine/internal/pipeline"
	"github.com/enterprise/aml-engine/internal/queue"
	"github.com/enterprise/aml-engine/internal/repositories"
	"github.com/enterprise/aml-engine/internal/rulestore"
)

func main() {
	// Load .env file if exists
	_ = godotenv.Load()

	cfg := configs.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	setupLogging(cfg.Server.Environment)

	log.Info().
		Str("environment", cfg.Server.Environment).
		Int("concurrency", cfg.Queue.Concurrency).
		Msg("Starting AML Compliance Engine Worker")

	// Initialize database
	db, err := repositories.NewDatabase(cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()

	// Initialize the job queue
	jobQueue, err := queue.NewJobQueue(cfg.Redis, cfg.Queue)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis Stream")
	}
	defer jobQueue.Close()

	// Kafka audit publishing is advisory. A missing broker must not keep
	// evaluations from running.
	var publisher pipeline.EventPublisher
	kafkaPublisher, err := events.NewKafkaPublisher(cfg.Kafka)
	if err != nil {
		log.Warn().Err(err).Msg("Kafka unavailable, audit events disabled")
	} else {
		publisher = kafkaPublisher
		defer kafkaPublisher.Close()
	}

	// Assemble the pipeline
	m := metrics.New()
	store := repositories.NewComplianceStore(db)
	ruleClient := rulestore.NewClient(cfg.RuleStore)
	gateway := llm.NewGateway(llm.NewOpenAIClient(cfg.LLM), cfg.LLM)
	highRisk := pipeline.NewHighRiskSet(cfg.Pipeline.HighRiskCountries)

	orch := pipeline.NewOrchestrator(
		store,
		ruleClient,
		gateway,
		m,
		publisher,
		highRisk,
		cfg.LLM.EvalConcurrency,
		cfg.Pipeline.EvaluationDeadline,
	)

	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "worker"
	}
	worker := pipeline.NewWorker(hostname, orch, jobQueue, cfg.Queue, m)

	// Integrity monitor shares the worker process
	integrityMonitor := monitor.NewIntegrityMonitor(
		store.Analyses,
		store.Transactions,
		publisher,
		m,
		cfg.Monitor,
	)

	// Setup context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go integrityMonitor.Run(ctx)

	// Expose metrics for scraping
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(":9091", mux); err != nil && err != http.ErrServerClosed {
			log.Warn().Err(err).Msg("Metrics endpoint failed")
		}
	}()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// Start worker in goroutine
	errCh := make(chan error, 1)
	go func() {
		errCh <- worker.Start(ctx)
	}()

	// Wait for shutdown signal or error
	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	case err := <-errCh:
		if err != nil && err != context.Canceled {
			log.Error().Err(err).Msg("Worker error")
		}
	}

	worker.Stop()

	log.Info().Msg("Worker shutdown complete")
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
