package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"first-bot/internal/domain"
)

// RedisScoringQueue реализует очередь задач подсчёта на базе Redis lists.
type RedisScoringQueue struct {
	client *redis.Client
	key    string
}

// NewRedisScoringQueue создаёт очередь по указанному ключу.
func NewRedisScoringQueue(client *redis.Client, key string) *RedisScoringQueue {
	return &RedisScoringQueue{client: client, key: key}
}

var _ domain.ScoringQueue = (*RedisScoringQueue)(nil)

// Enqueue публикует задачу в очередь.
func (q *RedisScoringQueue) Enqueue(ctx context.Context, job domain.ScoringJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := q.client.LPush(ctx, q.key, payload).Err(); err != nil {
		return fmt.Errorf("push job: %w", err)
	}
	return nil
}

// Receive блокирующе читает задачу из очереди. Неподтверждённая задача
// возвращается в очередь через ack(false).
func (q *RedisScoringQueue) Receive(ctx context.Context) (domain.ScoringJob, domain.ScoringAckFunc, error) {
	for {
		if err := ctx.Err(); err != nil {
			return domain.ScoringJob{}, nil, err
		}

		res, err := q.client.BRPop(ctx, time.Second, q.key).Result()
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				if ctx.Err() != nil {
					return domain.ScoringJob{}, nil, ctx.Err()
				}
				continue
			}
			if errors.Is(err, redis.Nil) {
				continue
			}
			return domain.ScoringJob{}, nil, err
		}
		if len(res) != 2 {
			return domain.ScoringJob{}, nil, errors.New("redis queue: unexpected response")
		}
		payload := []byte(res[1])
		var job domain.ScoringJob
		if err := json.Unmarshal(payload, &job); err != nil {
			return domain.ScoringJob{}, nil, fmt.Errorf("decode job: %w", err)
		}
		ack := func(success bool) error {
			if success {
				return nil
			}
			return q.client.LPush(context.Background(), q.key, payload).Err()
		}
		return job, ack, nil
	}
}
