package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog/log"

	"github.com/enterprise/aml-engine/internal/models"
	"github.com/enterprise/aml-engine/internal/queue"
)

const (
	recentEventsKey  = "compliance:recent_events"
	recentEventsKeep = 999
	countersPrefix   = "compliance:event_counts:"
)

// EventSink is where consumed audit events land durably.
type EventSink interface {
	Create(ctx context.Context, event *models.ComplianceEvent) error
}

// StreamCounters tracks live totals for the reporter and the dashboard
type StreamCounters struct {
	mu            sync.RWMutex
	Completed     int64
	Failed        int64
	AlertBatches  int64
	Integrity     int64
	Malformed     int64
	BandTotals    map[string]int64
	LastEventTime time.Time
	EventsPerSec  float64
	windowStart   time.Time
	windowCount   int64
}

func newStreamCounters() *StreamCounters {
	return &StreamCounters{
		BandTotals:  make(map[string]int64),
		windowStart: time.Now(),
	}
}

func (c *StreamCounters) record(event *models.ComplianceEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.LastEventTime = time.Now()
	c.windowCount++
	elapsed := time.Since(c.windowStart).Seconds()
	if elapsed > 0 {
		c.EventsPerSec = float64(c.windowCount) / elapsed
	}
	if elapsed > 60 {
		c.windowStart = time.Now()
		c.windowCount = 0
	}

	switch event.EventType {
	case models.EventAnalysisCompleted:
		c.Completed++
		if event.RiskBand != "" {
			c.BandTotals[event.RiskBand]++
		}
	case models.EventEvaluationFailed:
		c.Failed++
	case models.EventAlertsCreated:
		c.AlertBatches++
	case models.EventIntegrityViolation:
		c.Integrity++
	}
}

func (c *StreamCounters) recordMalformed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Malformed++
}

// Snapshot returns a copy of the counters for reporting
func (c *StreamCounters) Snapshot() map[string]interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()

	bands := make(map[string]int64, len(c.BandTotals))
	for k, v := range c.BandTotals {
		bands[k] = v
	}
	return map[string]interface{}{
		"completed":       c.Completed,
		"failed":          c.Failed,
		"alert_batches":   c.AlertBatches,
		"integrity":       c.Integrity,
		"malformed":       c.Malformed,
		"band_totals":     bands,
		"events_per_sec":  c.EventsPerSec,
		"last_event_time": c.LastEventTime,
	}
}

// AuditConsumer drains the audit topic into the compliance_events table and
// keeps live counters in Redis for the analytics endpoints. It does not run
// evaluations; the stream workers own that path.
type AuditConsumer struct {
	sink     EventSink
	cache    *queue.CacheClient
	counters *StreamCounters
}

func NewAuditConsumer(sink EventSink, cache *queue.CacheClient) *AuditConsumer {
	return &AuditConsumer{sink: sink, cache: cache, counters: newStreamCounters()}
}

// Counters exposes the live totals
func (c *AuditConsumer) Counters() *StreamCounters {
	return c.counters
}

func (c *AuditConsumer) Setup(sarama.ConsumerGroupSession) error {
	log.Info().Msg("Audit consumer session started")
	return nil
}

func (c *AuditConsumer) Cleanup(sarama.ConsumerGroupSession) error {
	log.Info().Msg("Audit consumer session ended")
	return nil
}

func (c *AuditConsumer) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case message, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			c.processMessage(session.Context(), message)
			session.MarkMessage(message, "")

		case <-session.Context().Done():
			return nil
		}
	}
}

// processMessage handles one raw Kafka message. Malformed payloads are
// counted and skipped; they would never parse on redelivery either.
func (c *AuditConsumer) processMessage(ctx context.Context, message *sarama.ConsumerMessage) {
	var event models.ComplianceEvent
	if err := json.Unmarshal(message.Value, &event); err != nil {
		c.counters.recordMalformed()
		log.Error().Err(err).Int64("offset", message.Offset).Msg("Failed to parse compliance event")
		return
	}

	c.counters.record(&event)

	if err := c.sink.Create(ctx, &event); err != nil {
		log.Error().
			Err(err).
			Str("event_type", event.EventType).
			Str("transaction_id", event.TransactionID).
			Msg("Failed to store compliance event")
	}

	c.cacheEvent(ctx, &event, message.Value)

	log.Debug().
		Str("event_type", event.EventType).
		Str("transaction_id", event.TransactionID).
		Str("risk_band", event.RiskBand).
		Msg("Compliance event captured")
}

func (c *AuditConsumer) cacheEvent(ctx context.Context, event *models.ComplianceEvent, raw []byte) {
	if c.cache == nil {
		return
	}
	if err := c.cache.LPush(ctx, recentEventsKey, string(raw)); err != nil {
		return
	}
	c.cache.LTrim(ctx, recentEventsKey, 0, recentEventsKeep)

	day := event.Timestamp.UTC().Format("20060102")
	c.cache.HIncrBy(ctx, countersPrefix+day, event.EventType, 1)
}

// StartReporter logs the counter snapshot on an interval until ctx ends
func (c *AuditConsumer) StartReporter(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			snapshot := c.counters.Snapshot()
			log.Info().
				Int64("completed", snapshot["completed"].(int64)).
				Int64("failed", snapshot["failed"].(int64)).
				Int64("alert_batches", snapshot["alert_batches"].(int64)).
				Float64("events_per_sec", snapshot["events_per_sec"].(float64)).
				Msg("Audit pipeline counters")

		case <-ctx.Done():
			return
		}
	}
}
