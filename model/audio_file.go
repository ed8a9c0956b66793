package model

import (
	"database/sql"
	"fmt"
	"time"
)

// MetaKeyIngestError is the reserved metadata key holding the terminal failure annotation.
const MetaKeyIngestError = "ingest_error"

// Derived lifecycle states of an AudioFile.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusTranscoded = "transcoded"
	StatusFailed     = "failed"
)

// AudioFile is an uploaded object plus the fields derived by the transcode worker.
// CloudPath is written once at creation and never updated.
type AudioFile struct {
	ID         int64         `json:"id" gorm:"primaryKey;autoIncrement"`
	OwnerID    int64         `json:"ownerId" gorm:"index;not null"`
	Filename   string        `json:"filename" gorm:"size:255;not null"`
	CloudPath  string        `json:"cloudPath" gorm:"size:512;uniqueIndex;not null"`
	Transcoded bool          `json:"transcoded" gorm:"not null;default:false"`
	Metadata   NullMetadata  `json:"metadata"`
	Waveform   NullWaveform  `json:"waveform"`
	Duration   sql.NullInt64 `json:"-"`
	SampleRate sql.NullInt64 `json:"-"`
	PlaylistID *int64        `json:"playlistId,omitempty" gorm:"index"`
	CreatedAt  time.Time     `json:"createdAt"`
}

func (AudioFile) TableName() string {
	return "audio_files"
}

// Failed reports whether the worker gave up on this file.
func (a *AudioFile) Failed() bool {
	if a.Transcoded || !a.Metadata.Valid {
		return false
	}
	_, ok := a.Metadata.Map[MetaKeyIngestError]
	return ok
}

// Status derives the lifecycle state from the stored fields.
func (a *AudioFile) Status() string {
	switch {
	case a.Transcoded:
		return StatusTranscoded
	case a.Failed():
		return StatusFailed
	default:
		return StatusPending
	}
}

// CheckInvariant verifies that a transcoded file carries every analysis field.
func (a *AudioFile) CheckInvariant() error {
	if !a.Transcoded {
		return nil
	}
	if !a.Duration.Valid || !a.SampleRate.Valid || !a.Waveform.Valid {
		return fmt.Errorf("audio %d is transcoded but missing analysis fields", a.ID)
	}
	return nil
}

// TranscodeResult is everything the worker writes back on success, applied as one update.
type TranscodeResult struct {
	Duration   int64
	SampleRate int64
	Waveform   []float64
	Metadata   map[string]interface{}
}

// Validate rejects results that would break the transcoded invariant.
func (r TranscodeResult) Validate() error {
	if r.Duration < 0 {
		return fmt.Errorf("negative duration %d", r.Duration)
	}
	if r.SampleRate <= 0 {
		return fmt.Errorf("sample rate must be positive, got %d", r.SampleRate)
	}
	if r.Waveform == nil {
		return fmt.Errorf("waveform is required")
	}
	return nil
}

// IngestError is the annotation recorded under MetaKeyIngestError when retries are exhausted.
type IngestError struct {
	Message  string    `json:"message"`
	Attempts int       `json:"attempts"`
	FailedAt time.Time `json:"failed_at"`
}

// AsMap renders the annotation for storage in the metadata document.
func (e IngestError) AsMap() map[string]interface{} {
	return map[string]interface{}{
		"message":   e.Message,
		"attempts":  e.Attempts,
		"failed_at": e.FailedAt.UTC().Format(time.RFC3339),
	}
}

// AudioFileView is the API representation of an AudioFile.
type AudioFileView struct {
	ID         int64        `json:"id"`
	OwnerID    int64        `json:"owner_id"`
	Filename   string       `json:"filename"`
	Key        string       `json:"key"`
	Status     string       `json:"status"`
	Transcoded bool         `json:"transcoded"`
	Duration   *int64       `json:"duration"`
	SampleRate *int64       `json:"sample_rate"`
	Waveform   NullWaveform `json:"waveform"`
	Metadata   NullMetadata `json:"metadata"`
	PlaylistID *int64       `json:"playlist_id,omitempty"`
	CreatedAt  time.Time    `json:"created_at"`
}

// View builds the API representation.
func (a *AudioFile) View() AudioFileView {
	v := AudioFileView{
		ID:         a.ID,
		OwnerID:    a.OwnerID,
		Filename:   a.Filename,
		Key:        a.CloudPath,
		Status:     a.Status(),
		Transcoded: a.Transcoded,
		Waveform:   a.Waveform,
		Metadata:   a.Metadata,
		PlaylistID: a.PlaylistID,
		CreatedAt:  a.CreatedAt,
	}
	if a.Duration.Valid {
		d := a.Duration.Int64
		v.Duration = &d
	}
	if a.SampleRate.Valid {
		sr := a.SampleRate.Int64
		v.SampleRate = &sr
	}
	return v
}
