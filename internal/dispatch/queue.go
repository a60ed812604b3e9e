package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	apperrors "hike-coordinator/internal/common/errors"
)

// Queue carries campaign IDs from whoever creates a campaign to the
// dispatcher. Delivery is at least once; RunCampaign is safe to repeat.
type Queue interface {
	Enqueue(ctx context.Context, campaignID uuid.UUID) error
	// Dequeue blocks until an ID is available or ctx is done.
	Dequeue(ctx context.Context) (uuid.UUID, error)
	Len(ctx context.Context) (int64, error)
}

// ChannelQueue is an in-process queue for single-binary deployments and tests.
type ChannelQueue struct {
	ch chan uuid.UUID
}

func NewChannelQueue(size int) *ChannelQueue {
	if size <= 0 {
		size = 64
	}
	return &ChannelQueue{ch: make(chan uuid.UUID, size)}
}

func (q *ChannelQueue) Enqueue(ctx context.Context, id uuid.UUID) error {
	select {
	case q.ch <- id:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *ChannelQueue) Dequeue(ctx context.Context) (uuid.UUID, error) {
	select {
	case id := <-q.ch:
		return id, nil
	case <-ctx.Done():
		return uuid.Nil, ctx.Err()
	}
}

func (q *ChannelQueue) Len(context.Context) (int64, error) {
	return int64(len(q.ch)), nil
}

const defaultPollTimeout = 5 * time.Second

// RedisQueue is a Redis list: LPUSH to enqueue, BRPOP to dequeue.
type RedisQueue struct {
	client      redis.Cmdable
	key         string
	pollTimeout time.Duration
}

func NewRedisQueue(client redis.Cmdable, key string) *RedisQueue {
	return &RedisQueue{client: client, key: key, pollTimeout: defaultPollTimeout}
}

func (q *RedisQueue) Enqueue(ctx context.Context, id uuid.UUID) error {
	if err := q.client.LPush(ctx, q.key, id.String()).Err(); err != nil {
		return apperrors.NewQueueError("lpush", err)
	}
	return nil
}

func (q *RedisQueue) Dequeue(ctx context.Context) (uuid.UUID, error) {
	for {
		res, err := q.client.BRPop(ctx, q.pollTimeout, q.key).Result()
		if ctx.Err() != nil {
			return uuid.Nil, ctx.Err()
		}
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return uuid.Nil, apperrors.NewQueueError("brpop", err)
		}
		if len(res) != 2 {
			return uuid.Nil, apperrors.NewQueueError("brpop", fmt.Errorf("unexpected reply %v", res))
		}

		id, err := uuid.Parse(res[1])
		if err != nil {
			return uuid.Nil, apperrors.NewQueueError("decode", fmt.Errorf("campaign id %q: %w", res[1], err))
		}
		return id, nil
	}
}

func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	n, err := q.client.LLen(ctx, q.key).Result()
	if err != nil {
		return 0, apperrors.NewQueueError("llen", err)
	}
	return n, nil
}
