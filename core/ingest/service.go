// Package ingest implements the two-phase upload handshake: Presign hands the
// client a direct-to-storage credential without touching the database, and
// Complete records the upload and schedules its transcode.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"strings"
	"time"

	"audioingest/apperr"
	"audioingest/logger"
	"audioingest/model"
	"audioingest/queue"
	"audioingest/repository"
	"audioingest/storage"
)

// PresignResult is returned to the client for its direct upload.
type PresignResult struct {
	UploadURL string            `json:"upload_url"`
	Method    string            `json:"method"`
	Headers   map[string]string `json:"headers"`
	Key       string            `json:"key"`
}

// Options tunes the service.
type Options struct {
	UploadExpiry time.Duration
	// VerifyUpload makes Complete check that the object exists when the
	// adapter can stat objects.
	VerifyUpload bool
}

type Service struct {
	storage storage.Adapter
	audios  repository.AudioRepository
	jobs    queue.Queue
	opts    Options
}

func NewService(adapter storage.Adapter, audios repository.AudioRepository, jobs queue.Queue, opts Options) *Service {
	return &Service{storage: adapter, audios: audios, jobs: jobs, opts: opts}
}

func checkContentType(contentType string) error {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return fmt.Errorf("content type %q: %w", contentType, apperr.ErrInvalidInput)
	}
	if strings.HasPrefix(mediaType, "audio/") || mediaType == "application/octet-stream" {
		return nil
	}
	return fmt.Errorf("content type %q is not audio: %w", contentType, apperr.ErrInvalidInput)
}

// Presign issues an upload credential for a fresh key. It never creates a row.
func (s *Service) Presign(ctx context.Context, user *model.User, filename, contentType string) (*PresignResult, error) {
	if user == nil || user.ID <= 0 {
		return nil, fmt.Errorf("presign without a user: %w", apperr.ErrAuthorization)
	}
	if strings.TrimSpace(filename) == "" {
		return nil, fmt.Errorf("filename is required: %w", apperr.ErrInvalidInput)
	}
	if err := checkContentType(contentType); err != nil {
		return nil, err
	}

	key := storage.NewUploadKey(user.ID, filename)
	cred, err := s.storage.GenerateUploadURL(ctx, key, contentType, s.opts.UploadExpiry)
	if err != nil {
		return nil, err
	}

	logger.Info("Issued upload URL",
		logger.Int64("userId", user.ID),
		logger.String("key", key),
		logger.String("provider", s.storage.Provider()))
	return &PresignResult{UploadURL: cred.URL, Method: cred.Method, Headers: cred.Headers, Key: key}, nil
}

// Complete records a finished direct upload and enqueues its transcode job.
// Calling it again for the same key returns the existing row.
func (s *Service) Complete(ctx context.Context, user *model.User, key string) (*model.AudioFile, error) {
	if user == nil || user.ID <= 0 {
		return nil, fmt.Errorf("complete without a user: %w", apperr.ErrAuthorization)
	}
	parsed, err := storage.ParseUploadKey(key)
	if err != nil {
		return nil, err
	}
	if parsed.OwnerID != user.ID {
		logger.Warn("Rejected completion for another user's key",
			logger.Int64("userId", user.ID), logger.String("key", key))
		return nil, fmt.Errorf("key %q belongs to user %d: %w", key, parsed.OwnerID, apperr.ErrAuthorization)
	}

	existing, err := s.audios.GetByCloudPath(ctx, key)
	switch {
	case err == nil:
		return s.resume(ctx, existing)
	case !errors.Is(err, apperr.ErrNotFound):
		return nil, fmt.Errorf("look up upload: %v: %w", err, apperr.ErrTransientProvider)
	}

	if err := s.verifyObject(ctx, key); err != nil {
		return nil, err
	}

	audio := &model.AudioFile{
		OwnerID:   user.ID,
		Filename:  parsed.Filename,
		CloudPath: key,
	}
	err = s.audios.Create(ctx, audio, func(created *model.AudioFile) error {
		return s.enqueue(ctx, created)
	})
	if errors.Is(err, repository.ErrCloudPathTaken) {
		// A concurrent Complete for the same key won the insert.
		existing, getErr := s.audios.GetByCloudPath(ctx, key)
		if getErr != nil {
			return nil, fmt.Errorf("look up upload: %v: %w", getErr, apperr.ErrTransientProvider)
		}
		return existing, nil
	}
	if err != nil {
		if errors.Is(err, apperr.ErrTransientProvider) || errors.Is(err, apperr.ErrInvalidInput) {
			return nil, err
		}
		return nil, fmt.Errorf("record upload: %v: %w", err, apperr.ErrTransientProvider)
	}

	logger.Info("Upload completed",
		logger.Int64("audioId", audio.ID),
		logger.Int64("userId", user.ID),
		logger.String("key", key))
	return audio, nil
}

// resume handles a repeated Complete. Pending rows get another job, which the
// worker deduplicates.
func (s *Service) resume(ctx context.Context, audio *model.AudioFile) (*model.AudioFile, error) {
	if audio.Status() == model.StatusPending {
		if err := s.enqueue(ctx, audio); err != nil {
			return nil, err
		}
		logger.Info("Re-enqueued pending upload", logger.Int64("audioId", audio.ID))
	}
	return audio, nil
}

func (s *Service) enqueue(ctx context.Context, audio *model.AudioFile) error {
	if err := s.jobs.Enqueue(ctx, queue.Job{AudioID: audio.ID, Key: audio.CloudPath}); err != nil {
		return fmt.Errorf("enqueue transcode: %v: %w", err, apperr.ErrTransientProvider)
	}
	return nil
}

func (s *Service) verifyObject(ctx context.Context, key string) error {
	if !s.opts.VerifyUpload {
		return nil
	}
	fetcher, ok := s.storage.(storage.Fetcher)
	if !ok {
		return nil
	}
	exists, err := fetcher.Exists(ctx, key)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("no object uploaded at %q: %w", key, apperr.ErrObjectNotFound)
	}
	return nil
}

// Get returns the caller's AudioFile.
func (s *Service) Get(ctx context.Context, user *model.User, id int64) (*model.AudioFile, error) {
	if user == nil || user.ID <= 0 {
		return nil, fmt.Errorf("read without a user: %w", apperr.ErrAuthorization)
	}
	audio, err := s.audios.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if audio.OwnerID != user.ID {
		return nil, fmt.Errorf("audio %d belongs to another user: %w", id, apperr.ErrAuthorization)
	}
	return audio, nil
}
