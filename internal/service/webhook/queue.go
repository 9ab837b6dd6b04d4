package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Queue carries release jobs from the webhook to the consumer.
type Queue interface {
	Push(ctx context.Context, job ReleaseJob) error
	// Pop blocks until a job is available or ctx is done.
	Pop(ctx context.Context) (ReleaseJob, error)
}

// MemoryQueue is a bounded in-process queue.
type MemoryQueue struct {
	jobs chan ReleaseJob
}

var _ Queue = (*MemoryQueue)(nil)

var ErrQueueFull = errors.New("release queue is full")

func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 64
	}
	return &MemoryQueue{jobs: make(chan ReleaseJob, size)}
}

func (q *MemoryQueue) Push(_ context.Context, job ReleaseJob) error {
	select {
	case q.jobs <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

func (q *MemoryQueue) Pop(ctx context.Context) (ReleaseJob, error) {
	select {
	case job := <-q.jobs:
		return job, nil
	case <-ctx.Done():
		return ReleaseJob{}, ctx.Err()
	}
}

// RedisQueue is a list-backed queue shared by every server replica.
type RedisQueue struct {
	client redis.UniversalClient
	key    string
	wait   time.Duration
}

var _ Queue = (*RedisQueue)(nil)

func NewRedisQueue(client redis.UniversalClient, key string) *RedisQueue {
	return &RedisQueue{client: client, key: key, wait: 5 * time.Second}
}

func (q *RedisQueue) Push(ctx context.Context, job ReleaseJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return q.client.LPush(ctx, q.key, payload).Err()
}

func (q *RedisQueue) Pop(ctx context.Context) (ReleaseJob, error) {
	for {
		if err := ctx.Err(); err != nil {
			return ReleaseJob{}, err
		}
		res, err := q.client.BRPop(ctx, q.wait, q.key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return ReleaseJob{}, err
		}
		// res is [key, value]
		var job ReleaseJob
		if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
			return ReleaseJob{}, fmt.Errorf("decode release job: %w", err)
		}
		return job, nil
	}
}
