package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"audioingest/logger"

	"github.com/go-redis/redis/v8"
)

// promoteDue moves delayed jobs whose time has come onto the ready list.
var promoteDue = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for _, v in ipairs(due) do
	redis.call('ZREM', KEYS[1], v)
	redis.call('LPUSH', KEYS[2], v)
end
return #due
`)

const promoteBatch = 100

// RedisQueue keeps ready jobs in a list, in-flight jobs in a processing list
// and scheduled retries in a sorted set scored by due time (unix ms).
type RedisQueue struct {
	client     *redis.Client
	ready      string
	processing string
	delayed    string
	now        func() time.Time
}

func NewRedisQueue(client *redis.Client, name string) *RedisQueue {
	if name == "" {
		name = "transcode"
	}
	return &RedisQueue{
		client:     client,
		ready:      name + ":ready",
		processing: name + ":processing",
		delayed:    name + ":delayed",
		now:        time.Now,
	}
}

func (q *RedisQueue) Enqueue(ctx context.Context, job Job) error {
	raw, err := job.encode()
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	if err := q.client.LPush(ctx, q.ready, raw).Err(); err != nil {
		return fmt.Errorf("enqueue audio %d: %w", job.AudioID, err)
	}
	return nil
}

func (q *RedisQueue) promote(ctx context.Context) error {
	nowMs := strconv.FormatInt(q.now().UnixMilli(), 10)
	err := promoteDue.Run(ctx, q.client, []string{q.delayed, q.ready}, nowMs, promoteBatch).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("promote delayed jobs: %w", err)
	}
	return nil
}

func (q *RedisQueue) Dequeue(ctx context.Context, wait time.Duration) (*Delivery, error) {
	if err := q.promote(ctx); err != nil {
		return nil, err
	}

	var raw string
	var err error
	if wait <= 0 {
		raw, err = q.client.RPopLPush(ctx, q.ready, q.processing).Result()
	} else {
		raw, err = q.client.BRPopLPush(ctx, q.ready, q.processing, wait).Result()
	}
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("dequeue: %w", err)
	}

	job, err := decodeJob(raw)
	if err != nil {
		logger.Warn("Dropping malformed job", logger.String("payload", raw), logger.ErrorField(err))
		if lremErr := q.client.LRem(ctx, q.processing, 1, raw).Err(); lremErr != nil {
			logger.Error("Failed to drop malformed job", logger.ErrorField(lremErr))
		}
		return nil, err
	}
	return &Delivery{Job: job, raw: raw}, nil
}

func (q *RedisQueue) Ack(ctx context.Context, d *Delivery) error {
	if err := q.client.LRem(ctx, q.processing, 1, d.raw).Err(); err != nil {
		return fmt.Errorf("ack audio %d: %w", d.Job.AudioID, err)
	}
	return nil
}

func (q *RedisQueue) Retry(ctx context.Context, d *Delivery, delay time.Duration) error {
	next := d.Job
	next.Attempt++
	raw, err := next.encode()
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}

	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, q.processing, 1, d.raw)
		if delay <= 0 {
			pipe.LPush(ctx, q.ready, raw)
			return nil
		}
		pipe.ZAdd(ctx, q.delayed, &redis.Z{
			Score:  float64(q.now().Add(delay).UnixMilli()),
			Member: raw,
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("retry audio %d: %w", d.Job.AudioID, err)
	}
	return nil
}

func (q *RedisQueue) Release(ctx context.Context, d *Delivery) error {
	// RPUSH puts the job on the end BRPOPLPUSH consumes from.
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, q.processing, 1, d.raw)
		pipe.RPush(ctx, q.ready, d.raw)
		return nil
	})
	if err != nil {
		return fmt.Errorf("release audio %d: %w", d.Job.AudioID, err)
	}
	return nil
}

func (q *RedisQueue) Stats(ctx context.Context) (Stats, error) {
	var ready, processing *redis.IntCmd
	var delayed *redis.IntCmd
	_, err := q.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		ready = pipe.LLen(ctx, q.ready)
		processing = pipe.LLen(ctx, q.processing)
		delayed = pipe.ZCard(ctx, q.delayed)
		return nil
	})
	if err != nil {
		return Stats{}, fmt.Errorf("queue stats: %w", err)
	}
	return Stats{Ready: ready.Val(), Processing: processing.Val(), Delayed: delayed.Val()}, nil
}

func (q *RedisQueue) Recover(ctx context.Context) (int, error) {
	moved := 0
	for {
		err := q.client.RPopLPush(ctx, q.processing, q.ready).Err()
		if errors.Is(err, redis.Nil) {
			return moved, nil
		}
		if err != nil {
			return moved, fmt.Errorf("recover processing jobs: %w", err)
		}
		moved++
	}
}

// SetClock replaces the time source used to score delayed retries.
func (q *RedisQueue) SetClock(now func() time.Time) {
	q.now = now
}
