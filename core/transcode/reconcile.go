package transcode

import (
	"context"
	"time"

	"audioingest/logger"
	"audioingest/queue"
	"audioingest/repository"
)

// Reconcile re-enqueues pending records created before cutoff. It covers jobs
// lost from the queue itself, such as after a Redis flush. Duplicates are
// harmless because the worker skips settled records.
func Reconcile(ctx context.Context, audios repository.AudioRepository, jobs queue.Queue, cutoff time.Time, limit int) (int, error) {
	pending, err := audios.ListPending(ctx, cutoff, limit)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, a := range pending {
		if err := jobs.Enqueue(ctx, queue.Job{AudioID: a.ID, Key: a.CloudPath}); err != nil {
			return n, err
		}
		n++
	}
	if n > 0 {
		logger.Info("Re-enqueued pending uploads", logger.Int("count", n), logger.String("cutoff", cutoff.UTC().Format(time.RFC3339)))
	}
	return n, nil
}
