package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type clockedQueue interface {
	Queue
	SetClock(func() time.Time)
}

func newRedisTestQueue(t *testing.T) (*RedisQueue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisQueue(client, "test"), mr
}

func backends(t *testing.T) map[string]func(t *testing.T) clockedQueue {
	return map[string]func(t *testing.T) clockedQueue{
		"redis": func(t *testing.T) clockedQueue {
			q, _ := newRedisTestQueue(t)
			return q
		},
		"memory": func(t *testing.T) clockedQueue { return NewMemoryQueue() },
	}
}

func TestQueueContract(t *testing.T) {
	for name, build := range backends(t) {
		t.Run(name, func(t *testing.T) {
			t.Run("empty dequeue returns nil", func(t *testing.T) {
				q := build(t)
				d, err := q.Dequeue(context.Background(), 0)
				require.NoError(t, err)
				assert.Nil(t, d)
			})

			t.Run("fifo and ack", func(t *testing.T) {
				ctx := context.Background()
				q := build(t)
				require.NoError(t, q.Enqueue(ctx, Job{AudioID: 1, Key: "uploads/7/a_x.wav"}))
				require.NoError(t, q.Enqueue(ctx, Job{AudioID: 2, Key: "uploads/7/b_x.wav"}))

				d, err := q.Dequeue(ctx, 0)
				require.NoError(t, err)
				require.NotNil(t, d)
				assert.Equal(t, int64(1), d.Job.AudioID)
				assert.Equal(t, 0, d.Job.Attempt)

				st, err := q.Stats(ctx)
				require.NoError(t, err)
				assert.Equal(t, Stats{Ready: 1, Processing: 1}, st)

				require.NoError(t, q.Ack(ctx, d))
				st, err = q.Stats(ctx)
				require.NoError(t, err)
				assert.Equal(t, Stats{Ready: 1}, st)
			})

			t.Run("unacked jobs are recovered", func(t *testing.T) {
				ctx := context.Background()
				q := build(t)
				require.NoError(t, q.Enqueue(ctx, Job{AudioID: 5, Key: "k"}))
				d, err := q.Dequeue(ctx, 0)
				require.NoError(t, err)
				require.NotNil(t, d)

				// consumer crashes without ack
				n, err := q.Recover(ctx)
				require.NoError(t, err)
				assert.Equal(t, 1, n)

				again, err := q.Dequeue(ctx, 0)
				require.NoError(t, err)
				require.NotNil(t, again)
				assert.Equal(t, d.Job, again.Job)
			})

			t.Run("retry is delayed and counts attempts", func(t *testing.T) {
				ctx := context.Background()
				q := build(t)
				clock := &fakeClock{t: time.Unix(1700000000, 0)}
				q.SetClock(clock.Now)

				require.NoError(t, q.Enqueue(ctx, Job{AudioID: 9, Key: "k"}))
				d, err := q.Dequeue(ctx, 0)
				require.NoError(t, err)
				require.NoError(t, q.Retry(ctx, d, 10*time.Second))

				st, err := q.Stats(ctx)
				require.NoError(t, err)
				assert.Equal(t, Stats{Delayed: 1}, st)

				none, err := q.Dequeue(ctx, 0)
				require.NoError(t, err)
				assert.Nil(t, none)

				clock.Advance(11 * time.Second)
				next, err := q.Dequeue(ctx, 0)
				require.NoError(t, err)
				require.NotNil(t, next)
				assert.Equal(t, int64(9), next.Job.AudioID)
				assert.Equal(t, 1, next.Job.Attempt)
			})

			t.Run("release keeps the attempt count and goes first", func(t *testing.T) {
				ctx := context.Background()
				q := build(t)
				require.NoError(t, q.Enqueue(ctx, Job{AudioID: 4, Key: "k", Attempt: 2}))
				require.NoError(t, q.Enqueue(ctx, Job{AudioID: 5, Key: "k"}))
				d, err := q.Dequeue(ctx, 0)
				require.NoError(t, err)
				require.NotNil(t, d)
				require.NoError(t, q.Release(ctx, d))

				st, err := q.Stats(ctx)
				require.NoError(t, err)
				assert.Equal(t, Stats{Ready: 2}, st)

				next, err := q.Dequeue(ctx, 0)
				require.NoError(t, err)
				require.NotNil(t, next)
				assert.Equal(t, int64(4), next.Job.AudioID)
				assert.Equal(t, 2, next.Job.Attempt)
			})

			t.Run("retry without delay is immediately ready", func(t *testing.T) {
				ctx := context.Background()
				q := build(t)
				require.NoError(t, q.Enqueue(ctx, Job{AudioID: 3, Key: "k"}))
				d, err := q.Dequeue(ctx, 0)
				require.NoError(t, err)
				require.NoError(t, q.Retry(ctx, d, 0))

				next, err := q.Dequeue(ctx, 0)
				require.NoError(t, err)
				require.NotNil(t, next)
				assert.Equal(t, 1, next.Job.Attempt)
			})
		})
	}
}

func TestJobWireFormat(t *testing.T) {
	raw, err := Job{AudioID: 42, Key: "uploads/7/x_song.wav"}.encode()
	require.NoError(t, err)
	assert.JSONEq(t, `{"audio_id":42,"key":"uploads/7/x_song.wav"}`, raw)

	j, err := decodeJob(`{"audio_id":42,"key":"k","attempt":2}`)
	require.NoError(t, err)
	assert.Equal(t, Job{AudioID: 42, Key: "k", Attempt: 2}, j)
}

func TestRedisDropsMalformedPayload(t *testing.T) {
	ctx := context.Background()
	q, mr := newRedisTestQueue(t)
	_, err := mr.Lpush("test:ready", "not json")
	require.NoError(t, err)

	d, err := q.Dequeue(ctx, 0)
	assert.Nil(t, d)
	assert.ErrorIs(t, err, ErrMalformedJob)

	st, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{}, st)
}

func TestRedisEnqueueWritesPlainPayload(t *testing.T) {
	ctx := context.Background()
	q, mr := newRedisTestQueue(t)
	require.NoError(t, q.Enqueue(ctx, Job{AudioID: 1, Key: "uploads/7/a_x.wav"}))

	items, err := mr.List("test:ready")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.JSONEq(t, `{"audio_id":1,"key":"uploads/7/a_x.wav"}`, items[0])
}

func TestMemoryDequeueWakesOnEnqueue(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()

	got := make(chan *Delivery, 1)
	go func() {
		d, _ := q.Dequeue(ctx, 5*time.Second)
		got <- d
	}()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, q.Enqueue(ctx, Job{AudioID: 1, Key: "k"}))

	select {
	case d := <-got:
		require.NotNil(t, d)
		assert.Equal(t, int64(1), d.Job.AudioID)
	case <-time.After(2 * time.Second):
		t.Fatal("dequeue did not wake up")
	}
}

func TestMemoryDequeueHonoursContext(t *testing.T) {
	q := NewMemoryQueue()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := q.Dequeue(ctx, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}
