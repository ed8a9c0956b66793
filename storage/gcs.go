package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"audioingest/apperr"

	gcs "cloud.google.com/go/storage"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// GCSConfig holds the bucket and service account used for V4 signing.
type GCSConfig struct {
	Bucket          string
	CredentialsFile string
	DefaultExpiry   time.Duration
}

// GCSAdapter signs V4 URLs with the service account key and uses the JSON API
// client for server-side reads and writes.
type GCSAdapter struct {
	client        *gcs.Client
	bucket        string
	accessID      string
	privateKey    []byte
	defaultExpiry time.Duration
}

// NewGCSAdapter reads the service account once and builds the client.
func NewGCSAdapter(ctx context.Context, cfg GCSConfig) (*GCSAdapter, error) {
	if cfg.Bucket == "" {
		return nil, missingConfig(ProviderGCS, "bucket")
	}
	if cfg.CredentialsFile == "" {
		return nil, missingConfig(ProviderGCS, "credentials file")
	}
	raw, err := os.ReadFile(cfg.CredentialsFile)
	if err != nil {
		return nil, fmt.Errorf("read GCS credentials: %v: %w", err, apperr.ErrConfiguration)
	}
	jwtCfg, err := google.JWTConfigFromJSON(raw, gcs.ScopeReadWrite)
	if err != nil {
		return nil, fmt.Errorf("parse GCS credentials: %v: %w", err, apperr.ErrConfiguration)
	}
	client, err := gcs.NewClient(ctx, option.WithCredentialsJSON(raw))
	if err != nil {
		return nil, fmt.Errorf("create GCS client: %v: %w", err, apperr.ErrConfiguration)
	}
	return newGCSAdapter(client, cfg.Bucket, jwtCfg.Email, jwtCfg.PrivateKey, cfg.DefaultExpiry)
}

func newGCSAdapter(client *gcs.Client, bucket, accessID string, privateKey []byte, defaultExpiry time.Duration) (*GCSAdapter, error) {
	if accessID == "" || len(privateKey) == 0 {
		return nil, missingConfig(ProviderGCS, "service account key")
	}
	return &GCSAdapter{
		client:        client,
		bucket:        bucket,
		accessID:      accessID,
		privateKey:    privateKey,
		defaultExpiry: defaultExpiry,
	}, nil
}

func (a *GCSAdapter) Provider() string { return ProviderGCS }

func (a *GCSAdapter) signable() error {
	if a == nil || a.bucket == "" {
		return missingConfig(ProviderGCS, "bucket")
	}
	if a.accessID == "" || len(a.privateKey) == 0 {
		return missingConfig(ProviderGCS, "service account key")
	}
	return nil
}

func (a *GCSAdapter) connected() error {
	if err := a.signable(); err != nil {
		return err
	}
	if a.client == nil {
		return missingConfig(ProviderGCS, "client")
	}
	return nil
}

func (a *GCSAdapter) sign(key, method, contentType string, expiresIn time.Duration) (string, error) {
	opts := &gcs.SignedURLOptions{
		GoogleAccessID: a.accessID,
		PrivateKey:     a.privateKey,
		Method:         method,
		Expires:        time.Now().Add(clampExpiry(expiresIn, a.defaultExpiry)),
		Scheme:         gcs.SigningSchemeV4,
	}
	if contentType != "" {
		opts.ContentType = contentType
	}
	u, err := gcs.SignedURL(a.bucket, key, opts)
	if err != nil {
		// Signing is local; a failure means the key material is unusable.
		return "", fmt.Errorf("gcs sign %q: %v: %w", key, err, apperr.ErrConfiguration)
	}
	return u, nil
}

func (a *GCSAdapter) GenerateUploadURL(ctx context.Context, key, contentType string, expiresIn time.Duration) (UploadCredential, error) {
	if err := a.signable(); err != nil {
		return UploadCredential{}, err
	}
	if err := ValidateKey(key); err != nil {
		return UploadCredential{}, err
	}
	u, err := a.sign(key, http.MethodPut, contentType, expiresIn)
	if err != nil {
		return UploadCredential{}, err
	}
	return UploadCredential{
		URL:     u,
		Method:  http.MethodPut,
		Headers: map[string]string{"Content-Type": contentType},
	}, nil
}

func (a *GCSAdapter) GenerateDownloadURL(ctx context.Context, key string, expiresIn time.Duration) (string, error) {
	if err := a.signable(); err != nil {
		return "", err
	}
	if err := ValidateKey(key); err != nil {
		return "", err
	}
	return a.sign(key, http.MethodGet, "", expiresIn)
}

func (a *GCSAdapter) PutObject(ctx context.Context, r io.Reader, key, contentType string) error {
	if err := a.connected(); err != nil {
		return err
	}
	if err := ValidateKey(key); err != nil {
		return err
	}
	w := a.client.Bucket(a.bucket).Object(key).NewWriter(ctx)
	w.ContentType = contentType
	if _, err := io.Copy(w, r); err != nil {
		w.Close()
		return a.normalize("put", key, err)
	}
	if err := w.Close(); err != nil {
		return a.normalize("put", key, err)
	}
	return nil
}

func (a *GCSAdapter) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := a.connected(); err != nil {
		return nil, err
	}
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	rc, err := a.client.Bucket(a.bucket).Object(key).NewReader(ctx)
	if err != nil {
		return nil, a.normalize("get", key, err)
	}
	return rc, nil
}

func (a *GCSAdapter) Exists(ctx context.Context, key string) (bool, error) {
	if err := a.connected(); err != nil {
		return false, err
	}
	if err := ValidateKey(key); err != nil {
		return false, err
	}
	_, err := a.client.Bucket(a.bucket).Object(key).Attrs(ctx)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, gcs.ErrObjectNotExist) {
		return false, nil
	}
	return false, a.normalize("stat", key, err)
}

func (a *GCSAdapter) normalize(op, key string, err error) error {
	if errors.Is(err, gcs.ErrObjectNotExist) {
		return notFound(ProviderGCS, key)
	}
	if errors.Is(err, gcs.ErrBucketNotExist) {
		return missingConfig(ProviderGCS, "existing bucket")
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) && (apiErr.Code == http.StatusUnauthorized || apiErr.Code == http.StatusForbidden) {
		return fmt.Errorf("gcs %s %q: access denied: %w", op, key, apperr.ErrConfiguration)
	}
	return transient(ProviderGCS, op, key, err)
}
