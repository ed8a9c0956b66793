// Package storage issues time-limited upload and download credentials for
// S3-compatible, Google Cloud Storage and Azure Blob backends, and writes
// objects server-side for the transcode worker.
package storage

import (
	"context"
	"fmt"
	"io"
	"time"

	"audioingest/apperr"
)

// Provider names, as accepted in STORAGE_PROVIDER.
const (
	ProviderS3    = "s3"
	ProviderGCS   = "gcs"
	ProviderAzure = "azure"
)

const (
	// DefaultExpiry applies when a caller passes a non-positive expiry.
	DefaultExpiry = time.Hour
	// MaxExpiry is the longest lifetime S3 and GCS V4 signatures accept.
	MaxExpiry = 7 * 24 * time.Hour
)

// UploadCredential is what a client needs to PUT an object directly to the provider.
type UploadCredential struct {
	URL     string            `json:"upload_url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
}

// Adapter is implemented identically in contract by every provider.
type Adapter interface {
	// Provider names the backend ("s3", "gcs", "azure").
	Provider() string
	GenerateUploadURL(ctx context.Context, key, contentType string, expiresIn time.Duration) (UploadCredential, error)
	GenerateDownloadURL(ctx context.Context, key string, expiresIn time.Duration) (string, error)
	// PutObject overwrites key with the contents of r.
	PutObject(ctx context.Context, r io.Reader, key, contentType string) error
}

// Fetcher is implemented by adapters that can read objects with their own credentials.
type Fetcher interface {
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Exists(ctx context.Context, key string) (bool, error)
}

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
	ContentType  string
	ETag         string
}

// Lister is implemented by adapters that can enumerate a key prefix.
type Lister interface {
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
}

// clampExpiry applies the default and the provider maximum.
func clampExpiry(d, fallback time.Duration) time.Duration {
	if fallback <= 0 {
		fallback = DefaultExpiry
	}
	if d <= 0 {
		d = fallback
	}
	if d > MaxExpiry {
		d = MaxExpiry
	}
	return d
}

func missingConfig(provider, what string) error {
	return fmt.Errorf("%s storage: %s not configured: %w", provider, what, apperr.ErrConfiguration)
}

// transient wraps a provider failure without exposing SDK error types.
func transient(provider, op, key string, err error) error {
	return fmt.Errorf("%s %s %q: %v: %w", provider, op, key, err, apperr.ErrTransientProvider)
}

func notFound(provider, key string) error {
	return fmt.Errorf("%s object %q: %w", provider, key, apperr.ErrObjectNotFound)
}
