package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog/log"

	"github.com/enterprise/aml-engine/configs"
	"github.com/enterprise/aml-engine/internal/models"
)

// KafkaPublisher writes compliance events to the audit topic. Messages are
// keyed by transaction id so one transaction's trail stays ordered within a
// partition.
type KafkaPublisher struct {
	producer sarama.SyncProducer
	topic    string
}

// NewKafkaPublisher connects a synchronous producer to the configured brokers
func NewKafkaPublisher(cfg configs.KafkaConfig) (*KafkaPublisher, error) {
	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5
	config.Producer.Return.Successes = true
	config.Version = sarama.V3_0_0_0

	producer, err := sarama.NewSyncProducer(cfg.Brokers, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka producer: %w", err)
	}

	log.Info().
		Strs("brokers", cfg.Brokers).
		Str("topic", cfg.AuditTopic).
		Msg("Kafka audit publisher initialized")

	return &KafkaPublisher{producer: producer, topic: cfg.AuditTopic}, nil
}

// NewKafkaPublisherWithProducer wraps an existing producer
func NewKafkaPublisherWithProducer(producer sarama.SyncProducer, topic string) *KafkaPublisher {
	return &KafkaPublisher{producer: producer, topic: topic}
}

// Publish sends one event to the audit topic
func (p *KafkaPublisher) Publish(ctx context.Context, event *models.ComplianceEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	partition, offset, err := p.producer.SendMessage(&sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(event.TransactionID),
		Value: sarama.ByteEncoder(payload),
	})
	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	log.Debug().
		Str("event_type", event.EventType).
		Str("transaction_id", event.TransactionID).
		Int32("partition", partition).
		Int64("offset", offset).
		Msg("Compliance event published")

	return nil
}

// Close shuts down the producer
func (p *KafkaPublisher) Close() error {
	return p.producer.Close()
}
