package storage

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"audioingest/apperr"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// S3Config holds the settings for an S3-compatible endpoint (AWS, MinIO, R2, ...).
type S3Config struct {
	Endpoint      string
	Region        string
	AccessKey     string
	SecretKey     string
	Bucket        string
	UseSSL        bool
	DefaultExpiry time.Duration
}

// S3Adapter signs requests with SigV4 through minio-go.
type S3Adapter struct {
	client        *minio.Client
	bucket        string
	defaultExpiry time.Duration
}

// NewS3Adapter builds the client once. With Region set, presigning never
// contacts the endpoint.
func NewS3Adapter(cfg S3Config) (*S3Adapter, error) {
	switch {
	case cfg.Endpoint == "":
		return nil, missingConfig(ProviderS3, "endpoint")
	case cfg.AccessKey == "" || cfg.SecretKey == "":
		return nil, missingConfig(ProviderS3, "access key")
	case cfg.Bucket == "":
		return nil, missingConfig(ProviderS3, "bucket")
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create S3 client: %v: %w", err, apperr.ErrConfiguration)
	}
	return &S3Adapter{client: client, bucket: cfg.Bucket, defaultExpiry: cfg.DefaultExpiry}, nil
}

func (a *S3Adapter) Provider() string { return ProviderS3 }

func (a *S3Adapter) ready() error {
	if a == nil || a.client == nil {
		return missingConfig(ProviderS3, "client")
	}
	if a.bucket == "" {
		return missingConfig(ProviderS3, "bucket")
	}
	return nil
}

func (a *S3Adapter) GenerateUploadURL(ctx context.Context, key, contentType string, expiresIn time.Duration) (UploadCredential, error) {
	if err := a.ready(); err != nil {
		return UploadCredential{}, err
	}
	if err := ValidateKey(key); err != nil {
		return UploadCredential{}, err
	}
	u, err := a.client.PresignedPutObject(ctx, a.bucket, key, clampExpiry(expiresIn, a.defaultExpiry))
	if err != nil {
		return UploadCredential{}, a.normalize("presign put", key, err)
	}
	return UploadCredential{
		URL:     u.String(),
		Method:  http.MethodPut,
		Headers: map[string]string{"Content-Type": contentType},
	}, nil
}

func (a *S3Adapter) GenerateDownloadURL(ctx context.Context, key string, expiresIn time.Duration) (string, error) {
	if err := a.ready(); err != nil {
		return "", err
	}
	if err := ValidateKey(key); err != nil {
		return "", err
	}
	u, err := a.client.PresignedGetObject(ctx, a.bucket, key, clampExpiry(expiresIn, a.defaultExpiry), nil)
	if err != nil {
		return "", a.normalize("presign get", key, err)
	}
	return u.String(), nil
}

func (a *S3Adapter) PutObject(ctx context.Context, r io.Reader, key, contentType string) error {
	if err := a.ready(); err != nil {
		return err
	}
	if err := ValidateKey(key); err != nil {
		return err
	}
	_, err := a.client.PutObject(ctx, a.bucket, key, r, -1, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return a.normalize("put", key, err)
	}
	return nil
}

func (a *S3Adapter) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := a.ready(); err != nil {
		return nil, err
	}
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	obj, err := a.client.GetObject(ctx, a.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, a.normalize("get", key, err)
	}
	// GetObject is lazy; Stat surfaces NoSuchKey before the caller starts reading.
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		return nil, a.normalize("get", key, err)
	}
	return obj, nil
}

func (a *S3Adapter) Exists(ctx context.Context, key string) (bool, error) {
	if err := a.ready(); err != nil {
		return false, err
	}
	if err := ValidateKey(key); err != nil {
		return false, err
	}
	_, err := a.client.StatObject(ctx, a.bucket, key, minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	if isS3NotFound(err) {
		return false, nil
	}
	return false, a.normalize("stat", key, err)
}

// List walks every object under prefix.
func (a *S3Adapter) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	if err := a.ready(); err != nil {
		return nil, err
	}
	var out []ObjectInfo
	for obj := range a.client.ListObjects(ctx, a.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return out, a.normalize("list", prefix, obj.Err)
		}
		out = append(out, ObjectInfo{
			Key:          obj.Key,
			Size:         obj.Size,
			LastModified: obj.LastModified,
			ContentType:  obj.ContentType,
			ETag:         obj.ETag,
		})
	}
	return out, nil
}

// isS3ConfigError reports codes that mean the bucket or credentials are wrong.
// S3 answers a missing bucket with 404 too.
func isS3ConfigError(code string) bool {
	switch code {
	case "NoSuchBucket", "InvalidAccessKeyId", "SignatureDoesNotMatch", "InvalidBucketName":
		return true
	}
	return false
}

func isS3NotFound(err error) bool {
	resp := minio.ToErrorResponse(err)
	if isS3ConfigError(resp.Code) {
		return false
	}
	return resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound
}

func (a *S3Adapter) normalize(op, key string, err error) error {
	resp := minio.ToErrorResponse(err)
	if isS3ConfigError(resp.Code) {
		return fmt.Errorf("s3 %s %q: %s: %w", op, key, resp.Code, apperr.ErrConfiguration)
	}
	if isS3NotFound(err) {
		return notFound(ProviderS3, key)
	}
	return transient(ProviderS3, op, key, err)
}
