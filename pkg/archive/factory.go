package archive

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/howwee20/Bloom-sub001/pkg/config"
)

// Backend names a storage backend.
type Backend string

const (
	BackendFS  Backend = "fs"
	BackendS3  Backend = "s3"
	BackendGCS Backend = "gcs"
)

// NewStoreFromConfig builds the configured backend. The fs backend writes
// under DataDir/ArchivePrefix.
func NewStoreFromConfig(ctx context.Context, cfg *config.Config) (Store, error) {
	backend := Backend(cfg.ArchiveStorageType)
	if backend == "" {
		backend = BackendFS
	}

	switch backend {
	case BackendFS:
		return NewFileStore(filepath.Join(cfg.DataDir, cfg.ArchivePrefix))
	case BackendS3:
		region := cfg.ArchiveS3Region
		if region == "" {
			region = "us-east-1"
		}
		return NewS3Store(ctx, S3Config{
			Bucket:   cfg.ArchiveS3Bucket,
			Region:   region,
			Endpoint: cfg.ArchiveS3Endpoint,
			Prefix:   cfg.ArchivePrefix,
		})
	case BackendGCS:
		return newGCSStore(ctx, cfg)
	default:
		return nil, fmt.Errorf("archive: unsupported storage type %q", backend)
	}
}
