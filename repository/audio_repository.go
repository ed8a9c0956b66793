package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"audioingest/apperr"
	"audioingest/model"

	"gorm.io/gorm"
)

// ErrCloudPathTaken is returned by Create when another row already owns the key.
var ErrCloudPathTaken = errors.New("cloud path already recorded")

// ErrAlreadyTranscoded is returned by MarkFailed when the row finished transcoding
// first. The row is left unchanged.
var ErrAlreadyTranscoded = errors.New("audio already transcoded")

// AudioRepository is the persistence boundary for AudioFile rows.
type AudioRepository interface {
	// Create inserts a pending row. afterInsert, when non-nil, runs inside the same
	// transaction once the id is assigned; an error from it rolls the insert back.
	Create(ctx context.Context, audio *model.AudioFile, afterInsert func(*model.AudioFile) error) error
	GetByID(ctx context.Context, id int64) (*model.AudioFile, error)
	GetByCloudPath(ctx context.Context, cloudPath string) (*model.AudioFile, error)
	ListPending(ctx context.Context, createdBefore time.Time, limit int) ([]*model.AudioFile, error)

	// CompleteTranscode writes every analysis field and sets transcoded=true in one
	// conditional update. A row that is already transcoded counts as success.
	CompleteTranscode(ctx context.Context, id int64, result model.TranscodeResult) error
	// MarkFailed records the terminal failure annotation on a row that is not transcoded.
	// It returns ErrAlreadyTranscoded if the row is transcoded.
	MarkFailed(ctx context.Context, id int64, failure model.IngestError) error
}

type gormAudioRepository struct {
	db *gorm.DB
}

// NewGormAudioRepository creates the GORM-backed AudioRepository.
func NewGormAudioRepository(db *gorm.DB) AudioRepository {
	return &gormAudioRepository{db: db}
}

func (r *gormAudioRepository) Create(ctx context.Context, audio *model.AudioFile, afterInsert func(*model.AudioFile) error) error {
	if audio.OwnerID == 0 || audio.CloudPath == "" {
		return fmt.Errorf("audio file requires owner and cloud path: %w", apperr.ErrInvalidInput)
	}
	if audio.Transcoded {
		return fmt.Errorf("new audio files start untranscoded: %w", apperr.ErrInvalidInput)
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(audio).Error; err != nil {
			return err
		}
		if afterInsert != nil {
			return afterInsert(audio)
		}
		return nil
	})
	if err == nil {
		return nil
	}

	// The unique index on cloud_path is the only constraint a well-formed insert can hit.
	if _, lookupErr := r.GetByCloudPath(ctx, audio.CloudPath); lookupErr == nil {
		return fmt.Errorf("%s: %w", audio.CloudPath, ErrCloudPathTaken)
	}
	return err
}

func (r *gormAudioRepository) GetByID(ctx context.Context, id int64) (*model.AudioFile, error) {
	var audio model.AudioFile
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&audio).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("audio file %d: %w", id, apperr.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load audio file %d: %w", id, err)
	}
	return &audio, nil
}

func (r *gormAudioRepository) GetByCloudPath(ctx context.Context, cloudPath string) (*model.AudioFile, error) {
	var audio model.AudioFile
	err := r.db.WithContext(ctx).Where("cloud_path = ?", cloudPath).First(&audio).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("audio file for %s: %w", cloudPath, apperr.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load audio file for %s: %w", cloudPath, err)
	}
	return &audio, nil
}

// ListPending returns untranscoded rows created before the cutoff, oldest first.
// Rows carrying a failure annotation are filtered out after loading.
func (r *gormAudioRepository) ListPending(ctx context.Context, createdBefore time.Time, limit int) ([]*model.AudioFile, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []*model.AudioFile
	err := r.db.WithContext(ctx).
		Where("transcoded = ? AND created_at < ?", false, createdBefore).
		Order("created_at ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list pending audio files: %w", err)
	}

	pending := rows[:0]
	for _, a := range rows {
		if !a.Failed() {
			pending = append(pending, a)
		}
	}
	return pending, nil
}

func (r *gormAudioRepository) CompleteTranscode(ctx context.Context, id int64, result model.TranscodeResult) error {
	if err := result.Validate(); err != nil {
		return fmt.Errorf("incomplete transcode result for audio %d: %v: %w", id, err, apperr.ErrInvalidInput)
	}

	res := r.db.WithContext(ctx).Model(&model.AudioFile{}).
		Where("id = ? AND transcoded = ?", id, false).
		Updates(map[string]interface{}{
			"transcoded":  true,
			"duration":    result.Duration,
			"sample_rate": result.SampleRate,
			"waveform":    model.WaveformOf(result.Waveform),
			"metadata":    model.MetadataOf(result.Metadata),
		})
	if res.Error != nil {
		return fmt.Errorf("failed to store transcode result for audio %d: %w", id, res.Error)
	}
	if res.RowsAffected > 0 {
		return nil
	}

	// Nothing matched: the row is gone or a concurrent delivery finished first.
	current, err := r.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if current.Transcoded {
		return nil
	}
	return fmt.Errorf("audio %d was not updated: %w", id, apperr.ErrTransientProvider)
}

func (r *gormAudioRepository) MarkFailed(ctx context.Context, id int64, failure model.IngestError) error {
	if failure.Message == "" {
		failure.Message = "unknown error"
	}
	if failure.FailedAt.IsZero() {
		failure.FailedAt = time.Now()
	}

	current, err := r.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if current.Transcoded {
		return fmt.Errorf("mark audio %d failed: %w", id, ErrAlreadyTranscoded)
	}

	merged := make(map[string]interface{}, len(current.Metadata.Map)+1)
	for k, v := range current.Metadata.Map {
		merged[k] = v
	}
	merged[model.MetaKeyIngestError] = failure.AsMap()

	res := r.db.WithContext(ctx).Model(&model.AudioFile{}).
		Where("id = ? AND transcoded = ?", id, false).
		Update("metadata", model.MetadataOf(merged))
	if res.Error != nil {
		return fmt.Errorf("failed to mark audio %d as failed: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		// Deleted or transcoded between the read and the write.
		current, err := r.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if current.Transcoded {
			return fmt.Errorf("mark audio %d failed: %w", id, ErrAlreadyTranscoded)
		}
	}
	return nil
}
