package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/enterprise/aml-engine/configs"
	"github.com/enterprise/aml-engine/internal/models"
)

func testQueue(t *testing.T, visibility time.Duration, maxDeliveries int) (*JobQueue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	q, err := NewJobQueue(
		configs.RedisConfig{URL: "redis://" + mr.Addr()},
		configs.QueueConfig{
			Stream:            "compliance:evaluations",
			ConsumerGroup:     "evaluation-workers",
			DeadLetterStream:  "compliance:evaluations:dlq",
			VisibilityTimeout: visibility,
			MaxDeliveries:     maxDeliveries,
		},
	)
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })
	return q, mr
}

func job(taskID, transactionID string) *models.EvaluationJob {
	return &models.EvaluationJob{
		TaskID:        taskID,
		TransactionID: transactionID,
		EnqueuedAt:    time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC),
	}
}

func TestPublishConsumeAcknowledge(t *testing.T) {
	q, _ := testQueue(t, time.Minute, 3)
	ctx := context.Background()

	_, err := q.Publish(ctx, job("task-1", "TXN-1"))
	require.NoError(t, err)
	_, err = q.Publish(ctx, job("task-2", "TXN-2"))
	require.NoError(t, err)

	msgs, err := q.Consume(ctx, "c1", 10, 100*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "TXN-1", msgs[0].Job.TransactionID)
	assert.Equal(t, "task-1", msgs[0].Job.TaskID)
	assert.Equal(t, int64(1), msgs[0].Deliveries)

	pending, err := q.GetPendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), pending)

	for _, m := range msgs {
		require.NoError(t, q.Acknowledge(ctx, m.ID))
	}
	pending, err = q.GetPendingCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending)

	info, err := q.GetStreamInfo(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), info.Length)
	assert.Equal(t, 1, info.Groups)
}

func TestConsumeEmptyStream(t *testing.T) {
	q, _ := testQueue(t, time.Minute, 3)

	msgs, err := q.Consume(context.Background(), "c1", 10, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestAbandonedJobIsReclaimed(t *testing.T) {
	q, _ := testQueue(t, 50*time.Millisecond, 5)
	ctx := context.Background()

	_, err := q.Publish(ctx, job("task-1", "TXN-1"))
	require.NoError(t, err)

	msgs, err := q.Consume(ctx, "c1", 1, 50*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	// c1 dies without acking; past the visibility timeout c2 takes over
	time.Sleep(120 * time.Millisecond)

	claimed, err := q.Consume(ctx, "c2", 1, 50*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, msgs[0].ID, claimed[0].ID)
	assert.Equal(t, "TXN-1", claimed[0].Job.TransactionID)
	assert.Equal(t, int64(2), claimed[0].Deliveries)
}

func TestExtendVisibilityKeepsOwnership(t *testing.T) {
	q, _ := testQueue(t, 300*time.Millisecond, 5)
	ctx := context.Background()

	_, err := q.Publish(ctx, job("task-1", "TXN-1"))
	require.NoError(t, err)

	msgs, err := q.Consume(ctx, "c1", 1, 50*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	time.Sleep(200 * time.Millisecond)
	require.NoError(t, q.ExtendVisibility(ctx, "c1", msgs[0].ID))

	// idle clock was reset, so c2 finds nothing to steal
	time.Sleep(150 * time.Millisecond)
	stolen, err := q.Consume(ctx, "c2", 1, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, stolen)
}

func TestExhaustedJobGoesToDeadLetter(t *testing.T) {
	q, mr := testQueue(t, 50*time.Millisecond, 2)
	ctx := context.Background()

	_, err := q.Publish(ctx, job("task-1", "TXN-1"))
	require.NoError(t, err)

	_, err = q.Consume(ctx, "c1", 1, 50*time.Millisecond)
	require.NoError(t, err)
	time.Sleep(120 * time.Millisecond)

	second, err := q.Consume(ctx, "c2", 1, 50*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, int64(2), second[0].Deliveries)
	time.Sleep(120 * time.Millisecond)

	// a third delivery would exceed the cap, so the job is parked instead
	third, err := q.Consume(ctx, "c3", 1, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, third)

	raw := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer raw.Close()
	dlqLen, err := raw.XLen(ctx, "compliance:evaluations:dlq").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), dlqLen)

	pending, err := q.GetPendingCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestCacheClientRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	cache, err := NewCacheClient(configs.RedisConfig{URL: "redis://" + mr.Addr()})
	require.NoError(t, err)
	defer cache.Close()

	ctx := context.Background()
	type payload struct {
		Status string `json:"status"`
		Count  int    `json:"count"`
	}

	require.NoError(t, cache.Set(ctx, "task:1", payload{Status: "queued", Count: 3}, time.Minute))
	var got payload
	require.NoError(t, cache.Get(ctx, "task:1", &got))
	assert.Equal(t, payload{Status: "queued", Count: 3}, got)

	ok, err := cache.SetNX(ctx, "lock:1", "held", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = cache.SetNX(ctx, "lock:1", "held", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, cache.Delete(ctx, "task:1"))
	err = cache.Get(ctx, "task:1", &got)
	assert.ErrorIs(t, err, redis.Nil)

	n, err := cache.HIncrBy(ctx, "counters", "alerts", 2)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	fields, err := cache.HGetAll(ctx, "counters")
	require.NoError(t, err)
	assert.Equal(t, "2", fields["alerts"])

	require.NoError(t, cache.LPush(ctx, "recent", "a", "b", "c"))
	require.NoError(t, cache.LTrim(ctx, "recent", 0, 1))
	items, err := cache.LRange(ctx, "recent", 0, -1)
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "b"}, items)
}
