package artifacts

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// Backend names a storage implementation.
type Backend string

const (
	BackendFS  Backend = "fs"
	BackendS3  Backend = "s3"
	BackendGCS Backend = "gcs"
)

// StorageConfig selects and configures the metadata document store.
type StorageConfig struct {
	Backend Backend
	// Dir is the filesystem root.
	Dir string

	Bucket   string
	Prefix   string
	Region   string // S3 only
	Endpoint string // S3-compatible endpoint such as MinIO
}

// StorageConfigFromEnv reads ARTIFACT_STORAGE_TYPE (fs, s3 or gcs; fs by
// default, under DATA_DIR/credentials) and the backend's bucket variables:
// ARTIFACT_S3_BUCKET, ARTIFACT_S3_REGION (or AWS_REGION),
// ARTIFACT_S3_ENDPOINT, ARTIFACT_S3_PREFIX, ARTIFACT_GCS_BUCKET and
// ARTIFACT_GCS_PREFIX.
func StorageConfigFromEnv() StorageConfig {
	cfg := StorageConfig{Backend: Backend(os.Getenv("ARTIFACT_STORAGE_TYPE"))}
	switch cfg.Backend {
	case "", BackendFS:
		cfg.Backend = BackendFS
		dataDir := os.Getenv("DATA_DIR")
		if dataDir == "" {
			dataDir = "data"
		}
		cfg.Dir = filepath.Join(dataDir, "credentials")
	case BackendS3:
		cfg.Bucket = os.Getenv("ARTIFACT_S3_BUCKET")
		cfg.Prefix = os.Getenv("ARTIFACT_S3_PREFIX")
		cfg.Endpoint = os.Getenv("ARTIFACT_S3_ENDPOINT")
		cfg.Region = firstNonEmpty(os.Getenv("ARTIFACT_S3_REGION"), os.Getenv("AWS_REGION"), "us-east-1")
	case BackendGCS:
		cfg.Bucket = os.Getenv("ARTIFACT_GCS_BUCKET")
		cfg.Prefix = os.Getenv("ARTIFACT_GCS_PREFIX")
	}
	return cfg
}

// NewStore opens the configured backend.
func NewStore(ctx context.Context, cfg StorageConfig) (Store, error) {
	switch cfg.Backend {
	case BackendFS:
		return NewFileStore(cfg.Dir)
	case BackendS3:
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("ARTIFACT_S3_BUCKET is required for S3 storage")
		}
		return NewS3Store(ctx, S3StoreConfig{Bucket: cfg.Bucket, Region: cfg.Region, Endpoint: cfg.Endpoint, Prefix: cfg.Prefix})
	case BackendGCS:
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("ARTIFACT_GCS_BUCKET is required for GCS storage")
		}
		return newGCSStore(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported artifact storage type: %q", cfg.Backend)
	}
}

// NewStoreFromEnv is NewStore(ctx, StorageConfigFromEnv()).
func NewStoreFromEnv(ctx context.Context) (Store, error) {
	return NewStore(ctx, StorageConfigFromEnv())
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
