package queue

import (
	"context"
	"encoding/json"

	"github.com/cockroachdb/errors"
	"github.com/project-tktt/graph-extractor/internal/domain"
	"github.com/redis/go-redis/v9"
)

// DefaultQueue is the list records are pushed to when none is configured
const DefaultQueue = "records:extracted"

// Publisher pushes records to Redis queue
type Publisher struct {
	client    *redis.Client
	queueName string
}

// NewPublisher creates a new queue publisher
func NewPublisher(client *redis.Client, queueName string) *Publisher {
	if queueName == "" {
		queueName = DefaultQueue
	}
	return &Publisher{
		client:    client,
		queueName: queueName,
	}
}

// PublishBatch pushes multiple records to the queue in one round trip
func (p *Publisher) PublishBatch(ctx context.Context, recs []*domain.Record) error {
	if len(recs) == 0 {
		return nil
	}

	pipe := p.client.Pipeline()
	for _, rec := range recs {
		data, err := json.Marshal(rec)
		if err != nil {
			return errors.Wrapf(err, "marshal record %s", rec.Key)
		}
		pipe.LPush(ctx, p.queueName, data)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrap(err, "pipeline exec")
	}

	return nil
}

// QueueLength returns the current queue length
func (p *Publisher) QueueLength(ctx context.Context) (int64, error) {
	return p.client.LLen(ctx, p.queueName).Result()
}
