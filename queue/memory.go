package queue

import (
	"context"
	"sort"
	"sync"
	"time"
)

type scheduledJob struct {
	job Job
	due time.Time
}

// MemoryQueue is an in-process Queue with the same delivery semantics as
// RedisQueue. It serves tests and single-process runs (QUEUE_BACKEND=memory).
type MemoryQueue struct {
	mu         sync.Mutex
	ready      []Job
	delayed    []scheduledJob
	processing map[uint64]Job
	nextID     uint64
	notify     chan struct{}
	now        func() time.Time
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		processing: make(map[uint64]Job),
		notify:     make(chan struct{}, 1),
		now:        time.Now,
	}
}

func (q *MemoryQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *MemoryQueue) Enqueue(_ context.Context, job Job) error {
	q.mu.Lock()
	q.ready = append(q.ready, job)
	q.mu.Unlock()
	q.signal()
	return nil
}

// take promotes due jobs and pops the oldest ready one. Caller holds mu.
func (q *MemoryQueue) take() (*Delivery, time.Duration) {
	now := q.now()
	kept := q.delayed[:0]
	for _, s := range q.delayed {
		if !s.due.After(now) {
			q.ready = append(q.ready, s.job)
		} else {
			kept = append(kept, s)
		}
	}
	q.delayed = kept

	if len(q.ready) > 0 {
		job := q.ready[0]
		q.ready = q.ready[1:]
		q.nextID++
		q.processing[q.nextID] = job
		return &Delivery{Job: job, id: q.nextID}, 0
	}
	if len(q.delayed) > 0 {
		sort.Slice(q.delayed, func(i, j int) bool { return q.delayed[i].due.Before(q.delayed[j].due) })
		return nil, q.delayed[0].due.Sub(now)
	}
	return nil, -1
}

func (q *MemoryQueue) Dequeue(ctx context.Context, wait time.Duration) (*Delivery, error) {
	deadline := time.Now().Add(wait)
	for {
		q.mu.Lock()
		d, untilDue := q.take()
		q.mu.Unlock()
		if d != nil {
			return d, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		if untilDue > 0 && untilDue < remaining {
			remaining = untilDue
		}
		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-q.notify:
		case <-timer.C:
		}
		timer.Stop()
	}
}

func (q *MemoryQueue) Ack(_ context.Context, d *Delivery) error {
	q.mu.Lock()
	delete(q.processing, d.id)
	q.mu.Unlock()
	return nil
}

func (q *MemoryQueue) Retry(_ context.Context, d *Delivery, delay time.Duration) error {
	next := d.Job
	next.Attempt++
	q.mu.Lock()
	delete(q.processing, d.id)
	if delay <= 0 {
		q.ready = append(q.ready, next)
	} else {
		q.delayed = append(q.delayed, scheduledJob{job: next, due: q.now().Add(delay)})
	}
	q.mu.Unlock()
	q.signal()
	return nil
}

func (q *MemoryQueue) Release(_ context.Context, d *Delivery) error {
	q.mu.Lock()
	delete(q.processing, d.id)
	q.ready = append([]Job{d.Job}, q.ready...)
	q.mu.Unlock()
	q.signal()
	return nil
}

func (q *MemoryQueue) Stats(_ context.Context) (Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Ready:      int64(len(q.ready)),
		Processing: int64(len(q.processing)),
		Delayed:    int64(len(q.delayed)),
	}, nil
}

func (q *MemoryQueue) Recover(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	ids := make([]uint64, 0, len(q.processing))
	for id := range q.processing {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		q.ready = append(q.ready, q.processing[id])
		delete(q.processing, id)
	}
	return len(ids), nil
}

// SetClock replaces the time source used for delayed retries.
func (q *MemoryQueue) SetClock(now func() time.Time) {
	q.mu.Lock()
	q.now = now
	q.mu.Unlock()
}
