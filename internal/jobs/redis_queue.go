package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// RedisQueue keeps pending messages in a redis list. A dequeued message is
// moved atomically to a processing list and only removed from there on Ack,
// so messages held by a crashed worker survive and are requeued by Recover.
type RedisQueue struct {
	client       redis.UniversalClient
	pending      string
	processing   string
	pollInterval time.Duration
}

var _ Queue = (*RedisQueue)(nil)

// NewRedisQueue creates a queue under keyPrefix. The caller owns client.
func NewRedisQueue(client redis.UniversalClient, keyPrefix string, pollInterval time.Duration) *RedisQueue {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &RedisQueue{
		client:       client,
		pending:      keyPrefix + ":reports:pending",
		processing:   keyPrefix + ":reports:processing",
		pollInterval: pollInterval,
	}
}

func (q *RedisQueue) Enqueue(ctx context.Context, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}
	if err := q.client.LPush(ctx, q.pending, data).Err(); err != nil {
		return fmt.Errorf("failed to enqueue job %s: %w", msg.JobID, err)
	}
	return nil
}

// Dequeue polls the pending list until a message arrives or ctx is done
func (q *RedisQueue) Dequeue(ctx context.Context) (*Delivery, error) {
	for {
		raw, err := q.client.RPopLPush(ctx, q.pending, q.processing).Result()
		switch {
		case err == nil:
			return q.delivery(raw), nil
		case errors.Is(err, redis.Nil):
		case ctx.Err() != nil:
			return nil, ctx.Err()
		default:
			return nil, fmt.Errorf("failed to dequeue: %w", err)
		}

		select {
		case <-time.After(q.pollInterval):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (q *RedisQueue) delivery(raw string) *Delivery {
	d := &Delivery{
		ack: func(ctx context.Context) error {
			return q.client.LRem(ctx, q.processing, 1, raw).Err()
		},
	}
	if err := json.Unmarshal([]byte(raw), &d.Message); err != nil {
		// An undecodable entry can never be processed; the empty JobID makes
		// the worker drop it.
		logrus.WithError(err).Warn("Dropping malformed queue entry")
	}
	return d
}

// Recover moves messages left in the processing list back to pending and
// returns how many were requeued. It must run before any worker starts.
func (q *RedisQueue) Recover(ctx context.Context) (int, error) {
	n := 0
	for {
		err := q.client.RPopLPush(ctx, q.processing, q.pending).Err()
		if errors.Is(err, redis.Nil) {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("failed to requeue processing messages: %w", err)
		}
		n++
	}
}

// Pending returns the number of messages waiting to be dequeued
func (q *RedisQueue) Pending(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.pending).Result()
}

// Close is a no-op; the client is shared and closed by its owner
func (q *RedisQueue) Close() error {
	return nil
}
