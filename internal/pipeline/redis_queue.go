package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisPollTimeout = time.Second

// RedisQueue keeps pending ids in a redis list so they survive restarts
// and can be shared by several server processes.
type RedisQueue struct {
	client *redis.Client
	key    string
	closed atomic.Bool
}

func NewRedisQueue(ctx context.Context, addr, key string) (*RedisQueue, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	if key == "" {
		key = "vsearch:videos"
	}
	return &RedisQueue{client: client, key: key}, nil
}

func (q *RedisQueue) Enqueue(ctx context.Context, videoID string) error {
	if q.closed.Load() {
		return ErrQueueClosed
	}
	if err := q.client.RPush(ctx, q.key, videoID).Err(); err != nil {
		return fmt.Errorf("error adding to queue: %w", err)
	}
	return nil
}

// Dequeue polls with a short blocking pop so Close and ctx are noticed.
func (q *RedisQueue) Dequeue(ctx context.Context) (string, error) {
	for {
		if q.closed.Load() {
			return "", ErrQueueClosed
		}
		if err := ctx.Err(); err != nil {
			return "", err
		}

		res, err := q.client.BLPop(ctx, redisPollTimeout, q.key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			if q.closed.Load() {
				return "", ErrQueueClosed
			}
			return "", fmt.Errorf("error reading queue: %w", err)
		}
		// BLPOP answers with [key, value]
		if len(res) == 2 {
			return res[1], nil
		}
	}
}

func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	n, err := q.client.LLen(ctx, q.key).Result()
	if err != nil {
		return 0, fmt.Errorf("error getting queue length: %w", err)
	}
	return n, nil
}

func (q *RedisQueue) Close() error {
	if q.closed.Swap(true) {
		return nil
	}
	return q.client.Close()
}
