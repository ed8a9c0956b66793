package storage

import (
	"context"
	"fmt"
	"sync"

	"audioingest/apperr"
	"audioingest/config"
	"audioingest/logger"
)

// New builds the adapter named by cfg.StorageProvider.
func New(ctx context.Context, cfg *config.Config) (Adapter, error) {
	switch cfg.StorageProvider {
	case ProviderS3:
		return NewS3Adapter(S3Config{
			Endpoint:      cfg.S3Endpoint,
			Region:        cfg.S3Region,
			AccessKey:     cfg.S3AccessKey,
			SecretKey:     cfg.S3SecretKey,
			Bucket:        cfg.S3Bucket,
			UseSSL:        cfg.S3UseSSL,
			DefaultExpiry: cfg.UploadURLExpiry,
		})
	case ProviderGCS:
		return NewGCSAdapter(ctx, GCSConfig{
			Bucket:          cfg.GCSBucket,
			CredentialsFile: cfg.GCSCredentialsFile,
			DefaultExpiry:   cfg.UploadURLExpiry,
		})
	case ProviderAzure:
		return NewAzureAdapter(AzureConfig{
			AccountName:   cfg.AzureAccountName,
			AccountKey:    cfg.AzureAccountKey,
			Container:     cfg.AzureContainer,
			Endpoint:      cfg.AzureEndpoint,
			DefaultExpiry: cfg.UploadURLExpiry,
		})
	default:
		return nil, fmt.Errorf("unknown storage provider %q: %w", cfg.StorageProvider, apperr.ErrConfiguration)
	}
}

var (
	defaultOnce    sync.Once
	defaultAdapter Adapter
	defaultErr     error
)

// Default returns the process-wide adapter, building it on first use.
// Later calls ignore cfg; the provider cannot change for the life of the process.
func Default(ctx context.Context, cfg *config.Config) (Adapter, error) {
	defaultOnce.Do(func() {
		defaultAdapter, defaultErr = New(ctx, cfg)
		if defaultErr == nil {
			logger.Info("Storage adapter ready", logger.String("provider", defaultAdapter.Provider()))
		}
	})
	return defaultAdapter, defaultErr
}
