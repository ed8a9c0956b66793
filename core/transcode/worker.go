// Package transcode runs the background half of ingestion: it consumes
// transcode jobs, analyzes the uploaded object and writes the result back in
// a single conditional update.
package transcode

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"audioingest/apperr"
	"audioingest/core/audio"
	"audioingest/core/utils"
	"audioingest/logger"
	"audioingest/model"
	"audioingest/queue"
	"audioingest/repository"
	"audioingest/storage"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"
)

// Config controls concurrency, retry and timeouts.
type Config struct {
	Concurrency      int
	MaxAttempts      int
	JobTimeout       time.Duration
	BackoffBase      time.Duration
	BackoffMax       time.Duration
	DequeueWait      time.Duration
	DownloadExpiry   time.Duration
	TranscodedPrefix string
	// WorkDir holds per-job scratch directories. Empty means os.TempDir().
	WorkDir string
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = 10 * time.Minute
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 2 * time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 5 * time.Minute
	}
	if c.DequeueWait <= 0 {
		c.DequeueWait = 5 * time.Second
	}
	if c.TranscodedPrefix == "" {
		c.TranscodedPrefix = "transcoded"
	}
	return c
}

type Worker struct {
	cfg      Config
	jobs     queue.Queue
	audios   repository.AudioRepository
	storage  storage.Adapter
	analyzer audio.Analyzer
	client   *http.Client
}

func NewWorker(cfg Config, jobs queue.Queue, audios repository.AudioRepository, adapter storage.Adapter, analyzer audio.Analyzer) *Worker {
	return &Worker{
		cfg:      cfg.withDefaults(),
		jobs:     jobs,
		audios:   audios,
		storage:  adapter,
		analyzer: analyzer,
		client:   &http.Client{Timeout: 3 * time.Minute},
	}
}

// RetryDelay is the wait before redelivering a job that has failed attempt+1 times.
func (w *Worker) RetryDelay(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.cfg.BackoffBase
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = w.cfg.BackoffMax
	b.MaxElapsedTime = 0
	b.Reset()

	d := b.NextBackOff()
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}

// Run starts the consumers and blocks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	logger.Info("Transcode worker started",
		logger.Int("concurrency", w.cfg.Concurrency),
		logger.Int("maxAttempts", w.cfg.MaxAttempts))

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < w.cfg.Concurrency; i++ {
		id := i
		g.Go(func() error {
			w.consume(gctx, id)
			return nil
		})
	}
	err := g.Wait()
	logger.Info("Transcode worker stopped")
	return err
}

func (w *Worker) consume(ctx context.Context, id int) {
	pause := backoff.NewExponentialBackOff()
	pause.InitialInterval = 500 * time.Millisecond
	pause.MaxInterval = 30 * time.Second
	pause.MaxElapsedTime = 0

	for ctx.Err() == nil {
		d, err := w.jobs.Dequeue(ctx, w.cfg.DequeueWait)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, queue.ErrMalformedJob) {
				jobsTotal.WithLabelValues(outcomeDropped).Inc()
				continue
			}
			wait := pause.NextBackOff()
			logger.Warn("Dequeue failed", logger.Int("consumer", id), logger.Duration("pause", wait), logger.ErrorField(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}
		pause.Reset()
		if d == nil {
			continue
		}
		w.Handle(ctx, d)
	}
}

// Handle processes one delivery and always settles it with Ack or Retry.
// It never returns an error; failures end in a retry or the failed state.
func (w *Worker) Handle(ctx context.Context, d *queue.Delivery) {
	job := d.Job
	start := time.Now()
	activeJobs.Inc()
	defer func() {
		activeJobs.Dec()
		jobDuration.Observe(time.Since(start).Seconds())
	}()

	outcome, err := w.process(ctx, job)
	if err == nil {
		w.ack(d)
		jobsTotal.WithLabelValues(outcome).Inc()
		logger.Info("Transcode job settled",
			logger.Int64("audioId", job.AudioID),
			logger.String("outcome", outcome),
			logger.Duration("took", time.Since(start)))
		return
	}

	// Shutting down: hand the job back without spending an attempt.
	if ctx.Err() != nil {
		if rerr := w.jobs.Release(context.Background(), d); rerr != nil {
			logger.Error("Failed to requeue job on shutdown", logger.Int64("audioId", job.AudioID), logger.ErrorField(rerr))
		}
		jobsTotal.WithLabelValues(outcomeRequeued).Inc()
		return
	}

	attempts := job.Attempt + 1
	if apperr.Retryable(err) && attempts < w.cfg.MaxAttempts {
		delay := w.RetryDelay(job.Attempt)
		logger.Warn("Transcode attempt failed, retrying",
			logger.Int64("audioId", job.AudioID),
			logger.Int("attempt", attempts),
			logger.Duration("delay", delay),
			logger.ErrorField(err))
		if rerr := w.jobs.Retry(context.Background(), d, delay); rerr != nil {
			logger.Error("Failed to schedule retry", logger.Int64("audioId", job.AudioID), logger.ErrorField(rerr))
		}
		jobsTotal.WithLabelValues(outcomeRetried).Inc()
		return
	}

	w.fail(d, attempts, err)
}

func (w *Worker) fail(d *queue.Delivery, attempts int, cause error) {
	job := d.Job
	if errors.Is(cause, apperr.ErrNotFound) {
		// The row never committed or was deleted; there is nothing to annotate.
		logger.Warn("Dropping job for missing audio record", logger.Int64("audioId", job.AudioID), logger.Int("attempts", attempts))
		w.ack(d)
		jobsTotal.WithLabelValues(outcomeVanished).Inc()
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	err := w.audios.MarkFailed(ctx, job.AudioID, model.IngestError{
		Message:  cause.Error(),
		Attempts: attempts,
		FailedAt: time.Now(),
	})
	switch {
	case err == nil:
		logger.Error("Transcode failed permanently",
			logger.Int64("audioId", job.AudioID),
			logger.Int("attempts", attempts),
			logger.ErrorField(cause))
		w.ack(d)
		jobsTotal.WithLabelValues(outcomeFailed).Inc()
	case errors.Is(err, repository.ErrAlreadyTranscoded):
		// Another delivery finished the job first.
		logger.Info("Transcode job settled",
			logger.Int64("audioId", job.AudioID),
			logger.String("outcome", outcomeDuplicate))
		w.ack(d)
		jobsTotal.WithLabelValues(outcomeDuplicate).Inc()
	case errors.Is(err, apperr.ErrNotFound):
		w.ack(d)
		jobsTotal.WithLabelValues(outcomeVanished).Inc()
	default:
		// Keep the job so the annotation is written on the next delivery.
		logger.Error("Failed to record transcode failure", logger.Int64("audioId", job.AudioID), logger.ErrorField(err))
		if rerr := w.jobs.Retry(context.Background(), d, w.cfg.BackoffMax); rerr != nil {
			logger.Error("Failed to schedule retry", logger.Int64("audioId", job.AudioID), logger.ErrorField(rerr))
		}
	}
}

func (w *Worker) ack(d *queue.Delivery) {
	if err := w.jobs.Ack(context.Background(), d); err != nil {
		// The job will be redelivered and short-circuit on the stored state.
		logger.Error("Failed to ack job", logger.Int64("audioId", d.Job.AudioID), logger.ErrorField(err))
	}
}

func (w *Worker) process(ctx context.Context, job queue.Job) (outcome string, err error) {
	defer func() {
		if r := recover(); r != nil {
			outcome = ""
			err = fmt.Errorf("panic while processing audio %d: %v: %w", job.AudioID, r, apperr.ErrAnalysis)
		}
	}()

	rec, err := w.audios.GetByID(ctx, job.AudioID)
	if err != nil {
		return "", err
	}
	if rec.Transcoded || rec.Failed() {
		return outcomeDuplicate, nil
	}
	if rec.CloudPath != job.Key {
		logger.Warn("Job key differs from stored cloud path; using stored path",
			logger.Int64("audioId", rec.ID), logger.String("jobKey", job.Key), logger.String("cloudPath", rec.CloudPath))
	}

	jobCtx, cancel := context.WithTimeout(ctx, w.cfg.JobTimeout)
	defer cancel()

	workDir, err := os.MkdirTemp(w.cfg.WorkDir, fmt.Sprintf("audio-%d-", rec.ID))
	if err != nil {
		return "", fmt.Errorf("create work dir: %v: %w", err, apperr.ErrTransientProvider)
	}
	defer os.RemoveAll(workDir)

	input := filepath.Join(workDir, "source"+strings.ToLower(path.Ext(rec.Filename)))
	if err := w.fetch(jobCtx, rec.CloudPath, input); err != nil {
		return "", err
	}

	analysis, err := w.analyzer.Analyze(jobCtx, input, workDir)
	if err != nil {
		if jobCtx.Err() != nil && ctx.Err() == nil {
			return "", fmt.Errorf("audio %d exceeded the %s job timeout: %w", rec.ID, w.cfg.JobTimeout, apperr.ErrAnalysis)
		}
		if !errors.Is(err, apperr.ErrAnalysis) {
			err = fmt.Errorf("%w: %w", err, apperr.ErrAnalysis)
		}
		return "", err
	}

	artifactKey := fmt.Sprintf("%s/%d/%d.%s", w.cfg.TranscodedPrefix, rec.OwnerID, rec.ID, analysis.OutputExt)
	if err := w.upload(jobCtx, analysis, artifactKey); err != nil {
		return "", err
	}

	result := model.TranscodeResult{
		Duration:   int64(math.Round(analysis.DurationSeconds)),
		SampleRate: int64(analysis.SampleRate),
		Waveform:   analysis.Waveform,
		Metadata:   resultMetadata(analysis, artifactKey),
	}
	if err := w.audios.CompleteTranscode(jobCtx, rec.ID, result); err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			// Deleted while we worked.
			return outcomeVanished, nil
		}
		return "", err
	}
	return outcomeTranscoded, nil
}

func (w *Worker) fetch(ctx context.Context, key, dest string) error {
	if f, ok := w.storage.(storage.Fetcher); ok {
		rc, err := f.Open(ctx, key)
		if err != nil {
			return err
		}
		defer rc.Close()
		_, err = utils.SaveFile(rc, dest)
		return err
	}

	u, err := w.storage.GenerateDownloadURL(ctx, key, w.cfg.DownloadExpiry)
	if err != nil {
		return err
	}
	_, err = utils.DownloadFile(ctx, w.client, u, dest)
	return err
}

func (w *Worker) upload(ctx context.Context, a *audio.Analysis, key string) error {
	if a.OutputPath == "" {
		return fmt.Errorf("analyzer produced no artifact: %w", apperr.ErrAnalysis)
	}
	f, err := os.Open(a.OutputPath)
	if err != nil {
		return fmt.Errorf("open artifact: %v: %w", err, apperr.ErrAnalysis)
	}
	defer f.Close()
	return w.storage.PutObject(ctx, f, key, a.ContentType)
}

func resultMetadata(a *audio.Analysis, artifactKey string) map[string]interface{} {
	meta := map[string]interface{}{
		"codec":          a.Codec,
		"format":         a.OutputExt,
		"source_format":  a.FormatName,
		"channels":       a.Channels,
		"transcoded_key": artifactKey,
		"duration_exact": a.DurationSeconds,
	}
	if a.BitRate > 0 {
		meta["bit_rate"] = a.BitRate
	}
	if len(a.Tags) > 0 {
		tags := make(map[string]interface{}, len(a.Tags))
		for k, v := range a.Tags {
			tags[k] = v
		}
		meta["tags"] = tags
	}
	return meta
}
