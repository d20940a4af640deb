package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/enterprise/aml-engine/configs"
	"github.com/enterprise/aml-engine/internal/metrics"
	"github.com/enterprise/aml-engine/internal/queue"
)

const (
	workerBatchSize    = 8
	workerPollInterval = 5 * time.Second
	depthReportEvery   = 15 * time.Second
)

// WorkerStats is a point-in-time snapshot of pool throughput.
type WorkerStats struct {
	ProcessedCount    int64
	FailedCount       int64
	TotalProcessingMs int64
	LastProcessedAt   time.Time
}

type workerStats struct {
	mu sync.RWMutex
	WorkerStats
}

func (s *workerStats) record(ok bool, elapsed time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ok {
		s.ProcessedCount++
	} else {
		s.FailedCount++
	}
	s.TotalProcessingMs += elapsed.Milliseconds()
	s.LastProcessedAt = time.Now().UTC()
}

// Worker drains evaluation jobs from the stream and runs them through the
// orchestrator. A message is acknowledged only once its evaluation reaches a
// terminal state, COMPLETED or recorded FAILED; anything else stays pending
// until the visibility timeout hands it to another consumer.
type Worker struct {
	id       string
	orch     *Orchestrator
	jobs     *queue.JobQueue
	cfg      configs.QueueConfig
	metrics  *metrics.Metrics
	stats    *workerStats
	wg       sync.WaitGroup
	stopCh   chan struct{}
	stopOnce sync.Once
}

func NewWorker(id string, orch *Orchestrator, jobs *queue.JobQueue, cfg configs.QueueConfig, m *metrics.Metrics) *Worker {
	return &Worker{
		id:      id,
		orch:    orch,
		jobs:    jobs,
		cfg:     cfg,
		metrics: m,
		stats:   &workerStats{},
		stopCh:  make(chan struct{}),
	}
}

// Start launches the consumer goroutines and the queue depth reporter, then
// blocks until Stop is called or the context ends.
func (w *Worker) Start(ctx context.Context) error {
	log.Info().
		Str("worker_id", w.id).
		Int("concurrency", w.cfg.Concurrency).
		Msg("Starting evaluation worker")

	for i := 0; i < w.cfg.Concurrency; i++ {
		w.wg.Add(1)
		go w.processLoop(ctx, fmt.Sprintf("%s-%d", w.id, i))
	}
	w.wg.Add(1)
	go w.reportDepth(ctx)

	select {
	case <-w.stopCh:
	case <-ctx.Done():
		w.Stop()
	}
	w.wg.Wait()
	log.Info().Str("worker_id", w.id).Msg("Worker stopped")
	return nil
}

// Stop asks the consumer goroutines to drain. In-flight evaluations finish;
// Start returns once they have.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
}

func (w *Worker) processLoop(ctx context.Context, consumerName string) {
	defer w.wg.Done()

	log.Info().Str("consumer", consumerName).Msg("Consumer loop started")
	for {
		select {
		case <-w.stopCh:
			log.Info().Str("consumer", consumerName).Msg("Consumer loop stopping")
			return
		case <-ctx.Done():
			return
		default:
			w.processBatch(ctx, consumerName)
		}
	}
}

func (w *Worker) processBatch(ctx context.Context, consumerName string) {
	messages, err := w.jobs.Consume(ctx, consumerName, workerBatchSize, workerPollInterval)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		log.Error().Err(err).Str("consumer", consumerName).Msg("Failed to consume messages")
		time.Sleep(time.Second)
		return
	}
	for _, msg := range messages {
		w.handle(ctx, consumerName, msg)
	}
}

// handle runs one message to a terminal state. A heartbeat goroutine keeps
// the claim fresh while the evaluation runs so another consumer does not
// steal the message mid-flight.
func (w *Worker) handle(ctx context.Context, consumerName string, msg queue.StreamMessage) {
	w.metrics.JobsInFlight.Inc()
	defer w.metrics.JobsInFlight.Dec()

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	w.wg.Add(1)
	go w.heartbeat(hbCtx, consumerName, msg.ID)

	start := time.Now()
	err := w.orch.Evaluate(ctx, msg.Job)
	stopHeartbeat()

	switch {
	case err == nil:
		w.ack(msg.ID)
		w.stats.record(true, time.Since(start))
	case errors.Is(err, ErrEvaluationFailed):
		// The FAILED status is committed; retrying would replay a
		// deterministic failure.
		w.ack(msg.ID)
		w.stats.record(false, time.Since(start))
	default:
		w.stats.record(false, time.Since(start))
		log.Error().
			Err(err).
			Str("message_id", msg.ID).
			Str("transaction_id", msg.Job.TransactionID).
			Msg("Evaluation reached no terminal state, leaving message for redelivery")
	}
}

func (w *Worker) ack(messageID string) {
	// Acknowledgements proceed even when the worker context is gone.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.jobs.Acknowledge(ctx, messageID); err != nil {
		log.Error().Err(err).Str("message_id", messageID).Msg("Failed to acknowledge message")
	}
}

func (w *Worker) heartbeat(ctx context.Context, consumerName, messageID string) {
	defer w.wg.Done()

	interval := w.cfg.VisibilityTimeout / 2
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.jobs.ExtendVisibility(ctx, consumerName, messageID); err != nil {
				log.Warn().Err(err).Str("message_id", messageID).Msg("Heartbeat failed")
			}
		}
	}
}

func (w *Worker) reportDepth(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(depthReportEvery)
	defer ticker.Stop()
	for {
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			pending, err := w.jobs.GetPendingCount(ctx)
			if err != nil {
				continue
			}
			w.metrics.QueueDepth.Set(float64(pending))
		}
	}
}

// Stats returns a point-in-time copy of the pool counters.
func (w *Worker) Stats() WorkerStats {
	w.stats.mu.RLock()
	defer w.stats.mu.RUnlock()
	return w.stats.WorkerStats
}
