package archive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// NewFromEnv assembles an archive from environment variables.
//
//   - ARCHIVE_STORAGE_TYPE: "fs" (default), "s3", or "gcs"
//   - ARCHIVE_SEAL_KEY: hex-encoded 32-byte key; empty disables sealing
//   - DATA_DIR: base directory for the fs backend (default "data")
//
// For S3:
//   - ARCHIVE_S3_BUCKET (required)
//   - ARCHIVE_S3_REGION or AWS_REGION
//   - ARCHIVE_S3_ENDPOINT (optional, for MinIO/LocalStack)
//   - ARCHIVE_S3_PREFIX (optional)
//
// For GCS (requires the gcp build tag):
//   - ARCHIVE_GCS_BUCKET (required)
//   - ARCHIVE_GCS_PREFIX (optional)
func NewFromEnv(ctx context.Context) (*Archive, error) {
	var (
		backend Backend
		err     error
	)
	switch t := envOr("ARCHIVE_STORAGE_TYPE", "fs"); t {
	case "fs":
		backend, err = NewFileBackend(filepath.Join(envOr("DATA_DIR", "data"), "archive"))
	case "s3":
		backend, err = newS3BackendFromEnv(ctx)
	case "gcs":
		backend, err = newGCSBackendFromEnv(ctx)
	default:
		return nil, fmt.Errorf("archive: unsupported storage type %q", t)
	}
	if err != nil {
		return nil, err
	}

	var sealer *Sealer
	if key := os.Getenv("ARCHIVE_SEAL_KEY"); key != "" {
		sealer, err = ParseSealKey(key)
		if err != nil {
			return nil, err
		}
	}
	return New(backend, sealer), nil
}

func newS3BackendFromEnv(ctx context.Context) (Backend, error) {
	bucket := envOr("ARCHIVE_S3_BUCKET", "")
	if bucket == "" {
		return nil, fmt.Errorf("archive: ARCHIVE_S3_BUCKET is required for s3 storage")
	}
	region := envOr("ARCHIVE_S3_REGION", envOr("AWS_REGION", "us-east-1"))
	return NewS3Backend(ctx, S3Config{
		Bucket:   bucket,
		Region:   region,
		Endpoint: envOr("ARCHIVE_S3_ENDPOINT", ""),
		Prefix:   envOr("ARCHIVE_S3_PREFIX", ""),
	})
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
