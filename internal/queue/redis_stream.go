package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/enterprise/aml-engine/configs"
	"github.com/enterprise/aml-engine/internal/models"
)

// JobQueue hands evaluation jobs to workers over Redis Streams with
// at-least-once delivery. A job stays invisible to other consumers while its
// owner heartbeats; once idle past the visibility timeout it can be claimed.
type JobQueue struct {
	client            *redis.Client
	streamName        string
	consumerGroup     string
	deadLetterStream  string
	visibilityTimeout time.Duration
	maxDeliveries     int
}

// StreamMessage represents one delivered evaluation job
type StreamMessage struct {
	ID         string
	Job        *models.EvaluationJob
	Deliveries int64
}

// StreamInfo contains stream statistics
type StreamInfo struct {
	Length       int64
	PendingCount int64
	Groups       int
}

// NewJobQueue creates the queue client and ensures the consumer group exists
func NewJobQueue(redisCfg configs.RedisConfig, queueCfg configs.QueueConfig) (*JobQueue, error) {
	opt, err := redis.ParseURL(redisCfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opt)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	q := &JobQueue{
		client:            client,
		streamName:        queueCfg.Stream,
		consumerGroup:     queueCfg.ConsumerGroup,
		deadLetterStream:  queueCfg.DeadLetterStream,
		visibilityTimeout: queueCfg.VisibilityTimeout,
		maxDeliveries:     queueCfg.MaxDeliveries,
	}

	if err := q.createConsumerGroup(ctx); err != nil {
		log.Warn().Err(err).Msg("Consumer group may already exist")
	}

	log.Info().
		Str("stream", q.streamName).
		Str("group", q.consumerGroup).
		Dur("visibility_timeout", q.visibilityTimeout).
		Msg("Job queue initialized")
	return q, nil
}

// createConsumerGroup creates the consumer group for the stream
func (q *JobQueue) createConsumerGroup(ctx context.Context) error {
	// MKSTREAM creates the stream if it doesn't exist
	err := q.client.XGroupCreateMkStream(ctx, q.streamName, q.consumerGroup, "0").Err()
	if err != nil && err.Error() != "BUSYGROUP Consumer Group name already exists" {
		return err
	}
	return nil
}

// Publish enqueues an evaluation job
func (q *JobQueue) Publish(ctx context.Context, job *models.EvaluationJob) (string, error) {
	jobJSON, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("failed to marshal job: %w", err)
	}

	msgID, err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.streamName,
		Values: map[string]interface{}{
			"data": string(jobJSON),
		},
	}).Result()

	if err != nil {
		return "", fmt.Errorf("failed to publish job: %w", err)
	}

	log.Debug().
		Str("message_id", msgID).
		Str("transaction_id", job.TransactionID).
		Str("task_id", job.TaskID).
		Msg("Evaluation job enqueued")

	return msgID, nil
}

// Consume returns jobs for the named consumer. Abandoned jobs whose idle time
// passed the visibility timeout are reclaimed before new ones are read.
func (q *JobQueue) Consume(ctx context.Context, consumerName string, count int64, blockDuration time.Duration) ([]StreamMessage, error) {
	reclaimed, err := q.claimAbandoned(ctx, consumerName, count)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to claim abandoned jobs")
	}

	if len(reclaimed) > 0 {
		return reclaimed, nil
	}

	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.consumerGroup,
		Consumer: consumerName,
		Streams:  []string{q.streamName, ">"},
		Count:    count,
		Block:    blockDuration,
	}).Result()

	if err != nil {
		if err == redis.Nil {
			return nil, nil // No jobs available
		}
		return nil, fmt.Errorf("failed to read from stream: %w", err)
	}

	var messages []StreamMessage
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			job, err := q.parseMessage(msg)
			if err != nil {
				log.Error().Err(err).Str("message_id", msg.ID).Msg("Failed to parse job")
				q.Acknowledge(ctx, msg.ID)
				continue
			}

			messages = append(messages, StreamMessage{
				ID:         msg.ID,
				Job:        job,
				Deliveries: 1,
			})
		}
	}

	return messages, nil
}

// claimAbandoned claims jobs whose owner stopped heartbeating. Jobs delivered
// more than maxDeliveries times go to the dead letter stream instead of being
// retried forever.
func (q *JobQueue) claimAbandoned(ctx context.Context, consumerName string, count int64) ([]StreamMessage, error) {
	pending, err := q.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: q.streamName,
		Group:  q.consumerGroup,
		Start:  "-",
		End:    "+",
		Count:  count,
	}).Result()

	if err != nil {
		return nil, err
	}

	if len(pending) == 0 {
		return nil, nil
	}

	deliveries := make(map[string]int64, len(pending))
	var messageIDs []string
	for _, p := range pending {
		if p.Idle >= q.visibilityTimeout {
			messageIDs = append(messageIDs, p.ID)
			deliveries[p.ID] = p.RetryCount
		}
	}

	if len(messageIDs) == 0 {
		return nil, nil
	}

	claimed, err := q.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   q.streamName,
		Group:    q.consumerGroup,
		Consumer: consumerName,
		MinIdle:  q.visibilityTimeout,
		Messages: messageIDs,
	}).Result()

	if err != nil {
		return nil, err
	}

	var messages []StreamMessage
	for _, msg := range claimed {
		job, err := q.parseMessage(msg)
		if err != nil {
			log.Error().Err(err).Str("message_id", msg.ID).Msg("Failed to parse claimed job")
			q.Acknowledge(ctx, msg.ID)
			continue
		}

		count := deliveries[msg.ID] + 1
		if q.maxDeliveries > 0 && count > int64(q.maxDeliveries) {
			q.SendToDeadLetter(ctx, job, fmt.Errorf("exceeded %d deliveries", q.maxDeliveries))
			q.Acknowledge(ctx, msg.ID)
			continue
		}

		messages = append(messages, StreamMessage{
			ID:         msg.ID,
			Job:        job,
			Deliveries: count,
		})
	}

	return messages, nil
}

// ExtendVisibility resets the idle clock on an in-flight job so other
// consumers do not reclaim it while its evaluation is still running
func (q *JobQueue) ExtendVisibility(ctx context.Context, consumerName, messageID string) error {
	// Claiming to the same consumer resets idle time; JUSTID avoids
	// bumping the delivery counter
	return q.client.XClaimJustID(ctx, &redis.XClaimArgs{
		Stream:   q.streamName,
		Group:    q.consumerGroup,
		Consumer: consumerName,
		MinIdle:  0,
		Messages: []string{messageID},
	}).Err()
}

// parseMessage parses a Redis stream message into an EvaluationJob
func (q *JobQueue) parseMessage(msg redis.XMessage) (*models.EvaluationJob, error) {
	data, ok := msg.Values["data"].(string)
	if !ok {
		return nil, fmt.Errorf("invalid message format")
	}

	var job models.EvaluationJob
	if err := json.Unmarshal([]byte(data), &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}

	return &job, nil
}

// Acknowledge marks a job as done. Callers ack only after the evaluation
// reached a terminal state, success or recorded failure, never before.
func (q *JobQueue) Acknowledge(ctx context.Context, messageID string) error {
	_, err := q.client.XAck(ctx, q.streamName, q.consumerGroup, messageID).Result()
	if err != nil {
		return fmt.Errorf("failed to acknowledge message: %w", err)
	}

	log.Debug().Str("message_id", messageID).Msg("Job acknowledged")
	return nil
}

// SendToDeadLetter parks a job that can no longer be retried
func (q *JobQueue) SendToDeadLetter(ctx context.Context, job *models.EvaluationJob, cause error) error {
	jobJSON, _ := json.Marshal(job)

	_, dlqErr := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.deadLetterStream,
		Values: map[string]interface{}{
			"data":  string(jobJSON),
			"error": cause.Error(),
		},
	}).Result()

	if dlqErr != nil {
		return fmt.Errorf("failed to send to dead letter: %w", dlqErr)
	}

	log.Warn().
		Str("transaction_id", job.TransactionID).
		Err(cause).
		Msg("Job sent to dead letter queue")

	return nil
}

// GetStreamInfo returns information about the stream
func (q *JobQueue) GetStreamInfo(ctx context.Context) (*StreamInfo, error) {
	info, err := q.client.XInfoStream(ctx, q.streamName).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get stream info: %w", err)
	}

	groups, err := q.client.XInfoGroups(ctx, q.streamName).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get groups info: %w", err)
	}

	var pendingCount int64
	for _, g := range groups {
		if g.Name == q.consumerGroup {
			pendingCount = g.Pending
			break
		}
	}

	return &StreamInfo{
		Length:       info.Length,
		PendingCount: pendingCount,
		Groups:       len(groups),
	}, nil
}

// GetPendingCount returns the number of in-flight jobs
func (q *JobQueue) GetPendingCount(ctx context.Context) (int64, error) {
	pending, err := q.client.XPending(ctx, q.streamName, q.consumerGroup).Result()
	if err != nil {
		return 0, err
	}
	return pending.Count, nil
}

// Close closes the Redis client
func (q *JobQueue) Close() error {
	return q.client.Close()
}

// CacheClient provides Redis caching for task status and analytics
type CacheClient struct {
	client *redis.Client
}

// NewCacheClient creates a new cache client
func NewCacheClient(cfg configs.RedisConfig) (*CacheClient, error) {
	opt, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &CacheClient{client: client}, nil
}

// Set sets a value in the cache
func (c *CacheClient) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, key, data, expiration).Err()
}

// Get retrieves a value from the cache
func (c *CacheClient) Get(ctx context.Context, key string, dest interface{}) error {
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dest)
}

// Delete removes keys from the cache
func (c *CacheClient) Delete(ctx context.Context, keys ...string) error {
	return c.client.Del(ctx, keys...).Err()
}

// SetNX sets a value only if the key does not exist
func (c *CacheClient) SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) (bool, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return false, err
	}
	return c.client.SetNX(ctx, key, data, expiration).Result()
}

// LPush pushes a value to the left of a list
func (c *CacheClient) LPush(ctx context.Context, key string, values ...interface{}) error {
	return c.client.LPush(ctx, key, values...).Err()
}

// LTrim trims a list to the specified range
func (c *CacheClient) LTrim(ctx context.Context, key string, start, stop int64) error {
	return c.client.LTrim(ctx, key, start, stop).Err()
}

// LRange gets a range of elements from a list
func (c *CacheClient) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return c.client.LRange(ctx, key, start, stop).Result()
}

// HSet sets a hash field
func (c *CacheClient) HSet(ctx context.Context, key, field string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.client.HSet(ctx, key, field, data).Err()
}

// HGetAll gets all fields from a hash
func (c *CacheClient) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return c.client.HGetAll(ctx, key).Result()
}

// HIncrBy increments a hash field by a given amount
func (c *CacheClient) HIncrBy(ctx context.Context, key, field string, incr int64) (int64, error) {
	return c.client.HIncrBy(ctx, key, field, incr).Result()
}

// Close closes the cache client
func (c *CacheClient) Close() error {
	return c.client.Close()
}
