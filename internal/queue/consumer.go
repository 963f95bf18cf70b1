package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/project-tktt/graph-extractor/internal/domain"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Consumer consumes records from Redis queue
type Consumer struct {
	client    *redis.Client
	queueName string
	timeout   time.Duration
	logger    *zap.Logger
}

// NewConsumer creates a new queue consumer
func NewConsumer(client *redis.Client, queueName string, timeout time.Duration, logger *zap.Logger) *Consumer {
	if queueName == "" {
		queueName = DefaultQueue
	}
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Consumer{
		client:    client,
		queueName: queueName,
		timeout:   timeout,
		logger:    logger.With(zap.String("queue", queueName)),
	}
}

// ConsumeBatch consumes up to maxBatch records from the queue
// Uses BRPOP to block-wait for first item (prevents CPU spinning)
// Then uses RPOP to quickly grab remaining items for the batch
func (c *Consumer) ConsumeBatch(ctx context.Context, maxBatch int) ([]*domain.Record, error) {
	recs := make([]*domain.Record, 0, maxBatch)

	result, err := c.client.BRPop(ctx, c.timeout, c.queueName).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return recs, nil // Timeout, no records
		}
		return nil, errors.Wrap(err, "brpop")
	}

	if len(result) >= 2 {
		if rec, ok := c.decode(result[1]); ok {
			recs = append(recs, rec)
		}
	}

	for i := 1; i < maxBatch; i++ {
		result, err := c.client.RPop(ctx, c.queueName).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				break
			}
			return recs, errors.Wrap(err, "rpop")
		}

		if rec, ok := c.decode(result); ok {
			recs = append(recs, rec)
		}
	}

	return recs, nil
}

// Requeue puts records taken by ConsumeBatch back at the consuming end of
// the queue, so they are the next to be popped, in their original order
func (c *Consumer) Requeue(ctx context.Context, recs []*domain.Record) error {
	if len(recs) == 0 {
		return nil
	}

	values := make([]interface{}, 0, len(recs))
	for i := len(recs) - 1; i >= 0; i-- {
		data, err := json.Marshal(recs[i])
		if err != nil {
			return errors.Wrap(err, "marshal record")
		}
		values = append(values, data)
	}

	if err := c.client.RPush(ctx, c.queueName, values...).Err(); err != nil {
		return errors.Wrap(err, "rpush")
	}
	return nil
}

// decode skips malformed entries
func (c *Consumer) decode(payload string) (*domain.Record, bool) {
	var rec domain.Record
	if err := json.Unmarshal([]byte(payload), &rec); err != nil {
		c.logger.Warn("Dropping malformed queue entry", zap.Error(err))
		return nil, false
	}
	return &rec, true
}
