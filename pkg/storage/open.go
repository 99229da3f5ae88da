package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/angelmondragon/invitely-backend/pkg/config"
	"github.com/angelmondragon/invitely-backend/pkg/logger"
	"github.com/angelmondragon/invitely-backend/pkg/storage/gcs"
	"github.com/angelmondragon/invitely-backend/pkg/storage/s3"
)

// Open builds the configured backend and wraps it in a Store.
func Open(ctx context.Context, cfg *config.Config, logg *logger.Logger) (*Store, error) {
	var (
		backend Backend
		err     error
	)
	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Backend)) {
	case config.StorageBackendGCS:
		backend, err = gcs.NewClient(ctx, cfg.GCS, cfg.GCP, logg)
	case config.StorageBackendS3:
		backend, err = s3.NewClient(ctx, cfg.S3, logg)
	default:
		return nil, fmt.Errorf("unsupported storage backend %q", cfg.Storage.Backend)
	}
	if err != nil {
		return nil, err
	}
	return NewStore(backend, cfg.Storage.KeyPrefix, PublicBaseURL(cfg))
}

// PublicBaseURL returns the configured base URL or the provider default for the bucket.
func PublicBaseURL(cfg *config.Config) string {
	if base := strings.TrimSpace(cfg.Storage.PublicBaseURL); base != "" {
		return base
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Backend)) {
	case config.StorageBackendGCS:
		return "https://storage.googleapis.com/" + cfg.GCS.BucketName
	default:
		if cfg.S3.Endpoint != "" && cfg.S3.UsePathStyle {
			return strings.TrimRight(cfg.S3.Endpoint, "/") + "/" + cfg.S3.Bucket
		}
		return fmt.Sprintf("https://%s.s3.%s.amazonaws.com", cfg.S3.Bucket, cfg.S3.Region)
	}
}
