package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/enterprise/aml-engine/configs"
	"github.com/enterprise/aml-engine/internal/models"
	"github.com/enterprise/aml-engine/internal/queue"
)

func newTestQueue(t *testing.T) (*queue.JobQueue, configs.QueueConfig) {
	t.Helper()
	mr := miniredis.RunT(t)
	cfg := configs.QueueConfig{
		Stream:            "compliance:evaluations",
		ConsumerGroup:     "evaluation-workers",
		DeadLetterStream:  "compliance:evaluations:dlq",
		VisibilityTimeout: 2 * time.Second,
		MaxDeliveries:     3,
		Concurrency:       1,
	}
	jobs, err := queue.NewJobQueue(configs.RedisConfig{URL: "redis://" + mr.Addr()}, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { jobs.Close() })
	return jobs, cfg
}

func consumeOne(t *testing.T, jobs *queue.JobQueue, consumer string) queue.StreamMessage {
	t.Helper()
	msgs, err := jobs.Consume(context.Background(), consumer, 1, 100*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	return msgs[0]
}

func TestWorkerHandleAcksCompletedEvaluation(t *testing.T) {
	jobs, cfg := newTestQueue(t)
	store := newFakeStore(testTransaction())
	orch := newTestOrchestrator(store, &fakeSearcher{}, newFakeGateway(), nil)
	w := NewWorker("w1", orch, jobs, cfg, newTestMetrics())

	ctx := context.Background()
	_, err := jobs.Publish(ctx, testJob())
	require.NoError(t, err)

	w.handle(ctx, "w1-0", consumeOne(t, jobs, "w1-0"))

	pending, err := jobs.GetPendingCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending)

	status, _, _, _, _ := store.snapshot()
	assert.Equal(t, models.StatusCompleted, status)
	assert.Equal(t, int64(1), w.Stats().ProcessedCount)
}

func TestWorkerHandleAcksRecordedFailure(t *testing.T) {
	jobs, cfg := newTestQueue(t)
	store := newFakeStore(testTransaction())
	searcher := &fakeSearcher{internalErr: errors.New("rule store unreachable")}
	orch := newTestOrchestrator(store, searcher, newFakeGateway(), nil)
	w := NewWorker("w1", orch, jobs, cfg, newTestMetrics())

	ctx := context.Background()
	_, err := jobs.Publish(ctx, testJob())
	require.NoError(t, err)

	w.handle(ctx, "w1-0", consumeOne(t, jobs, "w1-0"))

	// the FAILED status is durable, so the message is spent
	pending, err := jobs.GetPendingCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending)

	status, _, _, _, _ := store.snapshot()
	assert.Equal(t, models.StatusFailed, status)
	assert.Equal(t, int64(1), w.Stats().FailedCount)
}

func TestWorkerHandleLeavesUnrecordedFailurePending(t *testing.T) {
	jobs, cfg := newTestQueue(t)
	store := newFakeStore(testTransaction())
	store.markFailedErr = errors.New("database down")
	searcher := &fakeSearcher{internalErr: errors.New("rule store unreachable")}
	orch := newTestOrchestrator(store, searcher, newFakeGateway(), nil)
	w := NewWorker("w1", orch, jobs, cfg, newTestMetrics())

	ctx := context.Background()
	_, err := jobs.Publish(ctx, testJob())
	require.NoError(t, err)

	w.handle(ctx, "w1-0", consumeOne(t, jobs, "w1-0"))

	// nothing durable happened, so the message must stay claimable
	pending, err := jobs.GetPendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pending)
	assert.Equal(t, int64(1), w.Stats().FailedCount)
}

func TestWorkerDrainsQueue(t *testing.T) {
	jobs, cfg := newTestQueue(t)
	store := newFakeStore(testTransaction())
	orch := newTestOrchestrator(store, &fakeSearcher{}, newFakeGateway(), nil)
	w := NewWorker("w1", orch, jobs, cfg, newTestMetrics())

	ctx := context.Background()
	for _, taskID := range []string{"task-1", "task-2"} {
		_, err := jobs.Publish(ctx, &models.EvaluationJob{TaskID: taskID, TransactionID: "TXN-1001", EnqueuedAt: anchor})
		require.NoError(t, err)
	}

	done := make(chan error, 1)
	go func() { done <- w.Start(ctx) }()

	require.Eventually(t, func() bool {
		pending, err := jobs.GetPendingCount(ctx)
		if err != nil || pending != 0 {
			return false
		}
		s := w.Stats()
		return s.ProcessedCount == 2
	}, 5*time.Second, 50*time.Millisecond)

	w.Stop()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("worker did not stop")
	}

	status, analysis, _, _, _ := store.snapshot()
	assert.Equal(t, models.StatusCompleted, status)
	assert.NotNil(t, analysis)
}
