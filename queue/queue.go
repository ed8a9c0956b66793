// Package queue carries transcode jobs from the ingestion service to workers.
// Delivery is at-least-once: a job stays in a processing list until it is
// acked, so consumers must be idempotent per audio id.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrMalformedJob is returned for payloads that do not decode; they are dropped.
var ErrMalformedJob = errors.New("malformed job payload")

// Job is the wire payload: {"audio_id": 1, "key": "uploads/..."}.
type Job struct {
	AudioID int64  `json:"audio_id"`
	Key     string `json:"key"`
	// Attempt counts previous failed deliveries. Omitted on the first one.
	Attempt int `json:"attempt,omitempty"`
}

func (j Job) encode() (string, error) {
	b, err := json.Marshal(j)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeJob(raw string) (Job, error) {
	var j Job
	if err := json.Unmarshal([]byte(raw), &j); err != nil {
		return Job{}, fmt.Errorf("%w: %v", ErrMalformedJob, err)
	}
	if j.AudioID <= 0 || j.Key == "" {
		return Job{}, fmt.Errorf("%w: missing audio_id or key", ErrMalformedJob)
	}
	return j, nil
}

// Delivery is a dequeued job. It must be passed to Ack, Retry or Release exactly once.
type Delivery struct {
	Job Job

	raw string
	id  uint64
}

// Stats is a point-in-time view of queue depth.
type Stats struct {
	Ready      int64 `json:"ready"`
	Processing int64 `json:"processing"`
	Delayed    int64 `json:"delayed"`
}

// Queue is an at-least-once job channel.
type Queue interface {
	Enqueue(ctx context.Context, job Job) error
	// Dequeue waits up to wait for a job. It returns nil, nil when none arrived.
	Dequeue(ctx context.Context, wait time.Duration) (*Delivery, error)
	Ack(ctx context.Context, d *Delivery) error
	// Retry acks d and schedules the job again with Attempt+1 after delay.
	Retry(ctx context.Context, d *Delivery, delay time.Duration) error
	// Release returns d to the head of the ready list with Attempt unchanged.
	// Consumers use it when they stop before finishing a job.
	Release(ctx context.Context, d *Delivery) error
	Stats(ctx context.Context) (Stats, error)
	// Recover moves jobs left in processing by crashed consumers back to ready.
	// Run it only while no consumer is active.
	Recover(ctx context.Context) (int, error)
}
