package queue

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQueue is a FIFO of task IDs on a Redis list: Push adds on the left,
// Pop takes from the right.
type RedisQueue struct {
	rdb       *redis.Client
	queueName string
}

func NewRedisQueue(rdb *redis.Client, queueName string) *RedisQueue {
	return &RedisQueue{rdb: rdb, queueName: queueName}
}

// Pop blocks up to timeout for a task ID (BRPOP). It returns "" with a nil
// error when the timeout passes with an empty queue.
func (q *RedisQueue) Pop(ctx context.Context, timeout time.Duration) (string, error) {
	res, err := q.rdb.BRPop(ctx, timeout, q.queueName).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", nil
		}
		return "", err
	}
	if len(res) < 2 {
		return "", nil
	}
	return res[1], nil
}

// Push enqueues task IDs in order.
func (q *RedisQueue) Push(ctx context.Context, taskIDs ...string) error {
	if len(taskIDs) == 0 {
		return nil
	}
	vals := make([]any, len(taskIDs))
	for i, id := range taskIDs {
		vals[i] = id
	}
	return q.rdb.LPush(ctx, q.queueName, vals...).Err()
}

// Len reports how many task IDs are waiting.
func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	return q.rdb.LLen(ctx, q.queueName).Result()
}

// Name returns the Redis key of the list.
func (q *RedisQueue) Name() string { return q.queueName }
