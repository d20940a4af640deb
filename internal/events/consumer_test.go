package events

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/enterprise/aml-engine/configs"
	"github.com/enterprise/aml-engine/internal/models"
	"github.com/enterprise/aml-engine/internal/queue"
)

type fakeSink struct {
	mu     sync.Mutex
	events []*models.ComplianceEvent
	err    error
}

func (f *fakeSink) Create(ctx context.Context, event *models.ComplianceEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, event)
	return nil
}

func testCache(t *testing.T) *queue.CacheClient {
	t.Helper()
	mr := miniredis.RunT(t)
	cache, err := queue.NewCacheClient(configs.RedisConfig{URL: "redis://" + mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { cache.Close() })
	return cache
}

func message(t *testing.T, event *models.ComplianceEvent) *sarama.ConsumerMessage {
	t.Helper()
	payload, err := json.Marshal(event)
	require.NoError(t, err)
	return &sarama.ConsumerMessage{Topic: "compliance.events", Value: payload, Offset: 1}
}

func TestProcessMessageStoresAndCounts(t *testing.T) {
	sink := &fakeSink{}
	cache := testCache(t)
	consumer := NewAuditConsumer(sink, cache)
	ctx := context.Background()

	occurred := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	consumer.processMessage(ctx, message(t, &models.ComplianceEvent{
		EventType:     models.EventAnalysisCompleted,
		TransactionID: "TXN-1001",
		RiskScore:     47.45,
		RiskBand:      models.BandMedium,
		Timestamp:     occurred,
	}))
	consumer.processMessage(ctx, message(t, &models.ComplianceEvent{
		EventType:     models.EventEvaluationFailed,
		TransactionID: "TXN-1002",
		FailureReason: "stage retrieval: internal corpus: unreachable",
		Timestamp:     occurred,
	}))

	require.Len(t, sink.events, 2)
	assert.Equal(t, "TXN-1001", sink.events[0].TransactionID)

	snapshot := consumer.Counters().Snapshot()
	assert.Equal(t, int64(1), snapshot["completed"])
	assert.Equal(t, int64(1), snapshot["failed"])
	assert.Equal(t, int64(0), snapshot["malformed"])
	assert.Equal(t, int64(1), snapshot["band_totals"].(map[string]int64)[models.BandMedium])

	recent, err := cache.LRange(ctx, recentEventsKey, 0, -1)
	require.NoError(t, err)
	assert.Len(t, recent, 2)

	counts, err := cache.HGetAll(ctx, countersPrefix+"20250310")
	require.NoError(t, err)
	assert.Equal(t, "1", counts[models.EventAnalysisCompleted])
	assert.Equal(t, "1", counts[models.EventEvaluationFailed])
}

func TestProcessMessageSkipsMalformedPayload(t *testing.T) {
	sink := &fakeSink{}
	consumer := NewAuditConsumer(sink, nil)

	consumer.processMessage(context.Background(), &sarama.ConsumerMessage{
		Topic: "compliance.events",
		Value: []byte("{not json"),
	})

	assert.Empty(t, sink.events)
	assert.Equal(t, int64(1), consumer.Counters().Snapshot()["malformed"])
}

func TestProcessMessageSurvivesSinkError(t *testing.T) {
	sink := &fakeSink{err: assert.AnError}
	cache := testCache(t)
	consumer := NewAuditConsumer(sink, cache)
	ctx := context.Background()

	consumer.processMessage(ctx, message(t, &models.ComplianceEvent{
		EventType:     models.EventAlertsCreated,
		TransactionID: "TXN-1001",
		AlertCount:    2,
		Timestamp:     time.Now().UTC(),
	}))

	// the event still reaches the live counters and the recent list
	assert.Equal(t, int64(1), consumer.Counters().Snapshot()["alert_batches"])
	recent, err := cache.LRange(ctx, recentEventsKey, 0, -1)
	require.NoError(t, err)
	assert.Len(t, recent, 1)
}
